// Package engine implements the delayed-execution core: commands are queued
// against a future time window, executed once inside it, and dispatched to
// their target in the same transaction that records the state change.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"timelock/internal/config"
	"timelock/internal/dispatch"
	"timelock/internal/domain"
	"timelock/internal/engine/auth"
	"timelock/internal/events"
	"timelock/internal/hashid"
	"timelock/internal/repo"
	"timelock/internal/window"
)

var (
	ErrAlreadyQueued     = errors.New("command already queued")
	ErrAlreadyExecuted   = errors.New("command already executed")
	ErrNotQueued         = errors.New("command not queued")
	ErrAlreadyRegistered = errors.New("emergency call already registered")
	ErrNotRegistered     = errors.New("emergency call not registered")
)

// Signatures recognized on commands targeting the engine's own identity.
const (
	SelfRegisterEmergency   = "registerEmergency(target,signature)"
	SelfUnregisterEmergency = "unregisterEmergency(target,signature)"
)

// Engine coordinates repo, events, authorization and dispatch. Now is
// injectable so tests control the clock.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Auth       auth.Authorizer
	Dispatcher dispatch.Invoker
	Config     *config.Config
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default("timelock")
	}
	now := time.Now
	return &Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db, Now: now},
		Auth:       auth.Service{DB: db},
		Dispatcher: dispatch.New(time.Duration(cfg.DispatchTimeoutSeconds()) * time.Second),
		Config:     cfg,
		Now:        now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) selfIdentity() string {
	if e.Config != nil && e.Config.Self.Identity != "" {
		return e.Config.Self.Identity
	}
	return "timelock"
}

func (e *Engine) requireRole(ctx context.Context, actorID, role string) error {
	ok, err := e.Auth.HasRole(ctx, actorID, role)
	if err != nil {
		return err
	}
	if !ok {
		return auth.RoleError{Role: role}
	}
	return nil
}

// Derive returns the identifier a descriptor would queue under, without
// touching state.
func (e *Engine) Derive(d domain.Descriptor) string {
	return hashid.Derive(d)
}

// Queue registers a command for future execution. The window must open
// strictly in the future. An identifier that is currently queued or was ever
// executed cannot be queued; a cancelled identifier can.
func (e *Engine) Queue(ctx context.Context, d domain.Descriptor, actorID string) (domain.Command, error) {
	if err := e.requireRole(ctx, actorID, auth.RoleProposer); err != nil {
		return domain.Command{}, err
	}
	now := e.now()
	id := hashid.Derive(d)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Command{}, err
	}
	defer tx.Rollback()

	// State checks come before window validation: a queued or executed
	// identifier reports its state even when the window is also bad.
	existing, err := e.Repo.GetCommandTx(ctx, tx, id)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Command{}, err
	}
	if err == nil {
		switch existing.Status {
		case domain.StatusQueued:
			return domain.Command{}, ErrAlreadyQueued
		case domain.StatusExecuted:
			return domain.Command{}, ErrAlreadyExecuted
		}
	}
	if err := window.ValidateQueue(d.WindowFrom, d.WindowTo, now.Unix()); err != nil {
		return domain.Command{}, err
	}

	ts := now.UTC().Format(time.RFC3339)
	cmd := domain.Command{
		ID:         id,
		Target:     d.Target,
		Value:      d.Value,
		Signature:  d.Signature,
		Data:       d.Data,
		WindowFrom: d.WindowFrom,
		WindowTo:   d.WindowTo,
		Status:     domain.StatusQueued,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if existing.CreatedAt != "" {
		cmd.CreatedAt = existing.CreatedAt
	}
	if err := e.Repo.UpsertCommand(ctx, tx, cmd); err != nil {
		return domain.Command{}, err
	}
	err = e.Events.Append(ctx, tx, "command.queued", "command", id, actorID, events.EventPayload{
		"target":      d.Target,
		"signature":   d.Signature,
		"window_from": d.WindowFrom,
		"window_to":   d.WindowTo,
	})
	if err != nil {
		return domain.Command{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Command{}, err
	}
	return cmd, nil
}

// Execute runs a queued command. The caller supplies the full descriptor,
// not an identifier: execution re-derives the id, so only someone who knows
// every field of the queued command can execute it. The status flip and the
// outgoing call succeed or fail as one unit.
func (e *Engine) Execute(ctx context.Context, d domain.Descriptor, actorID string) (domain.Command, []byte, error) {
	if err := e.requireRole(ctx, actorID, auth.RoleExecutor); err != nil {
		return domain.Command{}, nil, err
	}
	id := hashid.Derive(d)
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Command{}, nil, err
	}
	defer tx.Rollback()

	cmd, err := e.Repo.GetCommandTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Command{}, nil, ErrNotQueued
	}
	if err != nil {
		return domain.Command{}, nil, err
	}
	switch cmd.Status {
	case domain.StatusExecuted:
		return domain.Command{}, nil, ErrAlreadyExecuted
	case domain.StatusQueued:
	default:
		return domain.Command{}, nil, ErrNotQueued
	}
	if err := window.CheckExecutable(cmd.WindowFrom, cmd.WindowTo, now.Unix()); err != nil {
		return domain.Command{}, nil, err
	}

	// Mark consumed before dispatching. The row update is part of the open
	// transaction, so a failed dispatch rolls it back and the command stays
	// queued; a reentrant execute inside the dispatch serializes behind
	// this transaction's write lock and cannot flip the row a second time.
	executedAt := now.Unix()
	ts := now.UTC().Format(time.RFC3339)
	if err := e.Repo.MarkExecuted(ctx, tx, id, executedAt, ts); err != nil {
		return domain.Command{}, nil, err
	}

	var result []byte
	if d.Target == e.selfIdentity() {
		if err := e.applySelfCall(ctx, tx, d, actorID, ts); err != nil {
			return domain.Command{}, nil, err
		}
	} else {
		result, err = e.Dispatcher.Invoke(ctx, d.Target, d.Value, d.Signature, d.Data)
		if err != nil {
			return domain.Command{}, nil, err
		}
	}

	err = e.Events.Append(ctx, tx, "command.executed", "command", id, actorID, events.EventPayload{
		"target":      d.Target,
		"signature":   d.Signature,
		"executed_at": executedAt,
	})
	if err != nil {
		return domain.Command{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Command{}, nil, err
	}
	cmd.Status = domain.StatusExecuted
	cmd.ExecutedAt = &executedAt
	cmd.UpdatedAt = ts
	return cmd, result, nil
}

// Cancel returns a queued command to the unqueued state. The row survives,
// so the identifier can be queued again later; an executed identifier can
// never be cancelled or requeued.
func (e *Engine) Cancel(ctx context.Context, id, actorID string) (domain.Command, error) {
	if err := e.requireRole(ctx, actorID, auth.RoleProposer); err != nil {
		return domain.Command{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Command{}, err
	}
	defer tx.Rollback()

	cmd, err := e.Repo.GetCommandTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Command{}, ErrNotQueued
	}
	if err != nil {
		return domain.Command{}, err
	}
	switch cmd.Status {
	case domain.StatusExecuted:
		return domain.Command{}, ErrAlreadyExecuted
	case domain.StatusQueued:
	default:
		return domain.Command{}, ErrNotQueued
	}

	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkUnqueued(ctx, tx, id, ts); err != nil {
		return domain.Command{}, err
	}
	err = e.Events.Append(ctx, tx, "command.cancelled", "command", id, actorID, events.EventPayload{
		"target": cmd.Target,
	})
	if err != nil {
		return domain.Command{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Command{}, err
	}
	cmd.Status = domain.StatusUnqueued
	cmd.UpdatedAt = ts
	return cmd, nil
}

// selfCallArgs is the JSON payload of a self-targeted registry command.
type selfCallArgs struct {
	Target    string `json:"target"`
	Signature string `json:"signature"`
}

// applySelfCall routes a self-targeted command to the registry mutation it
// names, inside the caller's transaction.
func (e *Engine) applySelfCall(ctx context.Context, tx *sql.Tx, d domain.Descriptor, actorID, ts string) error {
	var args selfCallArgs
	if err := json.Unmarshal(d.Data, &args); err != nil {
		return fmt.Errorf("self call args: %w", err)
	}
	if args.Target == "" {
		return fmt.Errorf("self call args: target is required")
	}
	switch d.Signature {
	case SelfRegisterEmergency:
		return e.registerEmergencyTx(ctx, tx, args.Target, args.Signature, actorID, ts)
	case SelfUnregisterEmergency:
		return e.unregisterEmergencyTx(ctx, tx, args.Target, args.Signature, actorID)
	default:
		return fmt.Errorf("unknown self call signature %q", d.Signature)
	}
}

func (e *Engine) registerEmergencyTx(ctx context.Context, tx *sql.Tx, target, signature, actorID, ts string) error {
	key := hashid.EmergencyKey(target, signature)
	_, err := e.Repo.GetEmergencyTx(ctx, tx, key)
	if err == nil {
		return ErrAlreadyRegistered
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	entry := domain.EmergencyEntry{
		ID:           key,
		Target:       target,
		Signature:    signature,
		RegisteredAt: ts,
		RegisteredBy: actorID,
	}
	if err := e.Repo.InsertEmergencyTx(ctx, tx, entry); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "emergency.registered", "emergency", key, actorID, events.EventPayload{
		"target":    target,
		"signature": signature,
	})
}

func (e *Engine) unregisterEmergencyTx(ctx context.Context, tx *sql.Tx, target, signature, actorID string) error {
	key := hashid.EmergencyKey(target, signature)
	err := e.Repo.DeleteEmergencyTx(ctx, tx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotRegistered
	}
	if err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "emergency.unregistered", "emergency", key, actorID, events.EventPayload{
		"target":    target,
		"signature": signature,
	})
}

// RegisterEmergency refuses direct callers. The registry only changes
// through the engine's own queued self call, so every mutation has sat in a
// public queue through a full delay window first.
func (e *Engine) RegisterEmergency(ctx context.Context, target, signature, actorID string) error {
	if actorID != e.selfIdentity() {
		return auth.SelfCallError{Op: "registerEmergency"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ts := e.now().UTC().Format(time.RFC3339)
	if err := e.registerEmergencyTx(ctx, tx, target, signature, actorID, ts); err != nil {
		return err
	}
	return tx.Commit()
}

// UnregisterEmergency refuses direct callers, like RegisterEmergency.
func (e *Engine) UnregisterEmergency(ctx context.Context, target, signature, actorID string) error {
	if actorID != e.selfIdentity() {
		return auth.SelfCallError{Op: "unregisterEmergency"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.unregisterEmergencyTx(ctx, tx, target, signature, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// IsEmergencyRegistered reports whether a (target, signature) pair is on the
// emergency allow list.
func (e *Engine) IsEmergencyRegistered(ctx context.Context, target, signature string) (bool, error) {
	_, err := e.Repo.GetEmergency(ctx, hashid.EmergencyKey(target, signature))
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExecuteEmergency invokes a registered (target, signature) pair immediately,
// with no queue and no window. The registry entry is not consumed; a failed
// call leaves it intact for another attempt.
func (e *Engine) ExecuteEmergency(ctx context.Context, target string, value uint64, signature string, data []byte, actorID string) ([]byte, error) {
	if err := e.requireRole(ctx, actorID, auth.RoleEmergency); err != nil {
		return nil, err
	}
	key := hashid.EmergencyKey(target, signature)
	if _, err := e.Repo.GetEmergency(ctx, key); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, err
	}
	result, err := e.Dispatcher.Invoke(ctx, target, value, signature, data)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	err = e.Events.Append(ctx, tx, "emergency.executed", "emergency", key, actorID, events.EventPayload{
		"target":    target,
		"signature": signature,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}
