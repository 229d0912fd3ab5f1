package repo

import (
	"context"
	"database/sql"

	"timelock/internal/domain"
)

func (r Repo) GetEmergency(ctx context.Context, id string) (domain.EmergencyEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,target,signature,registered_at,registered_by FROM emergency_registry WHERE id=?`, id)
	return scanEmergency(row.Scan)
}

func (r Repo) GetEmergencyTx(ctx context.Context, tx *sql.Tx, id string) (domain.EmergencyEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,target,signature,registered_at,registered_by FROM emergency_registry WHERE id=?`, id)
	return scanEmergency(row.Scan)
}

func (r Repo) InsertEmergencyTx(ctx context.Context, tx *sql.Tx, e domain.EmergencyEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO emergency_registry(id,target,signature,registered_at,registered_by) VALUES (?,?,?,?,?)`,
		e.ID, e.Target, e.Signature, e.RegisteredAt, e.RegisteredBy)
	return err
}

func (r Repo) DeleteEmergencyTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM emergency_registry WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListEmergency(ctx context.Context) ([]domain.EmergencyEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,target,signature,registered_at,registered_by FROM emergency_registry ORDER BY registered_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EmergencyEntry
	for rows.Next() {
		e, err := scanEmergency(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanEmergency(scan func(dest ...any) error) (domain.EmergencyEntry, error) {
	var e domain.EmergencyEntry
	err := scan(&e.ID, &e.Target, &e.Signature, &e.RegisteredAt, &e.RegisteredBy)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}
