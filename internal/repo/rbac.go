package repo

import (
	"context"
	"database/sql"

	"timelock/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id) VALUES (?,?)`, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) ListRoleGrants(ctx context.Context, roleID string) ([]domain.RoleGrant, error) {
	query := `SELECT actor_id, role_id FROM actor_roles`
	var args []any
	if roleID != "" {
		query += ` WHERE role_id=?`
		args = append(args, roleID)
	}
	query += ` ORDER BY role_id, actor_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleGrant
	for rows.Next() {
		var g domain.RoleGrant
		if err := rows.Scan(&g.ActorID, &g.RoleID); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
