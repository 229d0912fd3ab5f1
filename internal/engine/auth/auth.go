package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// Role identifiers checked by the engine. Role membership lives in the
// actor_roles table; role semantics beyond membership are out of scope.
const (
	RoleProposer  = "proposer"
	RoleExecutor  = "executor"
	RoleEmergency = "emergency"
	RoleAdmin     = "admin"
)

// RoleError indicates the caller lacks a required role.
type RoleError struct {
	Role string
}

func (e RoleError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// SelfCallError indicates an operation only the engine itself may invoke,
// via its own delayed execution path.
type SelfCallError struct {
	Op string
}

func (e SelfCallError) Error() string {
	return fmt.Sprintf("%s is only callable through a queued self-targeted command", e.Op)
}

// Authorizer is the injected role-check collaborator.
type Authorizer interface {
	HasRole(ctx context.Context, actorID, role string) (bool, error)
}

// Service is the SQL-backed Authorizer.
type Service struct {
	DB *sql.DB
}

func (s Service) HasRole(ctx context.Context, actorID, role string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE actor_id=? AND role_id=? LIMIT 1`, actorID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
