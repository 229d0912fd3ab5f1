package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"timelock/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const commandColumns = `id,target,value,signature,data,window_from,window_to,status,executed_at,created_at,updated_at`

func scanCommand(scan func(dest ...any) error) (domain.Command, error) {
	var c domain.Command
	var data []byte
	var executedAt sql.NullInt64
	err := scan(&c.ID, &c.Target, &c.Value, &c.Signature, &data, &c.WindowFrom, &c.WindowTo, &c.Status, &executedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Data = data
	if executedAt.Valid {
		at := executedAt.Int64
		c.ExecutedAt = &at
	}
	return c, nil
}

func (r Repo) GetCommand(ctx context.Context, id string) (domain.Command, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id=?`, id)
	return scanCommand(row.Scan)
}

func (r Repo) GetCommandTx(ctx context.Context, tx *sql.Tx, id string) (domain.Command, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id=?`, id)
	return scanCommand(row.Scan)
}

// UpsertCommand writes a command row. Rows survive cancellation as
// status=unqueued, so a re-queue of the same identifier replaces the row
// rather than inserting a duplicate.
func (r Repo) UpsertCommand(ctx context.Context, tx *sql.Tx, c domain.Command) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO commands(`+commandColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET target=excluded.target, value=excluded.value, signature=excluded.signature,
data=excluded.data, window_from=excluded.window_from, window_to=excluded.window_to, status=excluded.status,
executed_at=excluded.executed_at, updated_at=excluded.updated_at`,
		c.ID, c.Target, c.Value, c.Signature, c.Data, c.WindowFrom, c.WindowTo, c.Status, nullableInt64Ptr(c.ExecutedAt), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) MarkExecuted(ctx context.Context, tx *sql.Tx, id string, executedAt int64, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE commands SET status=?, executed_at=?, updated_at=? WHERE id=?`,
		domain.StatusExecuted, executedAt, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkUnqueued(ctx context.Context, tx *sql.Tx, id string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE commands SET status=?, updated_at=? WHERE id=?`,
		domain.StatusUnqueued, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CommandFilters struct {
	Status          string
	Target          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCommands(ctx context.Context, f CommandFilters) ([]domain.Command, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Target != "" {
		clauses = append(clauses, "target=?")
		args = append(args, f.Target)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + commandColumns + ` FROM commands ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Command
	for rows.Next() {
		c, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountCommandsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM commands GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
