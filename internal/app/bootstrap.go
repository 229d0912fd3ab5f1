package app

import (
	"context"
	"fmt"
	"time"

	"timelock/internal/config"
	"timelock/internal/repo"
)

// ResolveConfig loads timelock.yml from the workspace, falling back to the
// default config when none exists.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("timelock")
	}
	return cfg, nil
}

// SeedRoles applies the config's role grants to the database. Grants are
// additive: revocations only happen through the API or CLI.
func SeedRoles(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if cfg == nil || len(cfg.Roles.Grants) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for roleID, actors := range cfg.Roles.Grants {
		for _, actorID := range actors {
			if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
				return fmt.Errorf("ensure actor %s: %w", actorID, err)
			}
			if err := r.AssignRole(ctx, tx, actorID, roleID); err != nil {
				return fmt.Errorf("assign role %s to %s: %w", roleID, actorID, err)
			}
		}
	}
	return tx.Commit()
}
