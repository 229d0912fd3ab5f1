package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"timelock/internal/config"
	"timelock/internal/db"
	"timelock/internal/dispatch"
	"timelock/internal/domain"
	"timelock/internal/engine"
	"timelock/internal/engine/auth"
	"timelock/internal/migrate"
	"timelock/internal/window"
)

type fakeCall struct {
	Target    string
	Value     uint64
	Signature string
	Data      []byte
}

type fakeDispatcher struct {
	Calls  []fakeCall
	Result []byte
	Err    error
}

func (f *fakeDispatcher) Invoke(ctx context.Context, target string, value uint64, signature string, data []byte) ([]byte, error) {
	f.Calls = append(f.Calls, fakeCall{Target: target, Value: value, Signature: signature, Data: data})
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Result, nil
}

type testEnv struct {
	Engine     *engine.Engine
	Dispatcher *fakeDispatcher
	Ctx        context.Context
	Clock      *time.Time
}

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("timelock")
	eng := engine.New(conn, cfg)
	clock := baseTime
	eng.Now = func() time.Time { return clock }
	disp := &fakeDispatcher{Result: []byte("ok")}
	eng.Dispatcher = disp
	env := &testEnv{Engine: eng, Dispatcher: disp, Ctx: context.Background(), Clock: &clock}
	env.grant(t, "alice", auth.RoleProposer, auth.RoleExecutor)
	env.grant(t, "resq", auth.RoleEmergency)
	return env
}

func (env *testEnv) grant(t *testing.T, actorID string, roles ...string) {
	t.Helper()
	tx, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := baseTime.UTC().Format(time.RFC3339)
	if err := env.Engine.Repo.EnsureActor(env.Ctx, tx, actorID, now); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	for _, role := range roles {
		if err := env.Engine.Repo.AssignRole(env.Ctx, tx, actorID, role); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func descriptor() domain.Descriptor {
	return domain.Descriptor{
		Target:     "https://example.com/vault",
		Value:      42,
		Signature:  "withdraw(amount)",
		Data:       []byte{0x01, 0x02},
		WindowFrom: baseTime.Unix() + 100,
		WindowTo:   baseTime.Unix() + 200,
	}
}

func TestQueueCancelRequeue(t *testing.T) {
	env := newTestEnv(t)
	d := descriptor()

	cmd, err := env.Engine.Queue(env.Ctx, d, "alice")
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if cmd.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want queued", cmd.Status)
	}
	if cmd.ID != env.Engine.Derive(d) {
		t.Fatalf("id mismatch")
	}

	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); !errors.Is(err, engine.ErrAlreadyQueued) {
		t.Fatalf("requeue while queued: %v, want ErrAlreadyQueued", err)
	}

	cancelled, err := env.Engine.Cancel(env.Ctx, cmd.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusUnqueued {
		t.Fatalf("status after cancel = %s", cancelled.Status)
	}
	if _, err := env.Engine.Cancel(env.Ctx, cmd.ID, "alice"); !errors.Is(err, engine.ErrNotQueued) {
		t.Fatalf("double cancel: %v, want ErrNotQueued", err)
	}

	// a cancelled identifier can be queued again
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("requeue after cancel: %v", err)
	}
}

func TestQueueWindowValidation(t *testing.T) {
	env := newTestEnv(t)
	now := baseTime.Unix()

	cases := []struct {
		name     string
		from, to int64
	}{
		{"empty window", now + 100, now + 100},
		{"inverted window", now + 200, now + 100},
		{"opens now", now, now + 100},
		{"opens in the past", now - 10, now + 100},
	}
	for _, tc := range cases {
		d := descriptor()
		d.WindowFrom, d.WindowTo = tc.from, tc.to
		if _, err := env.Engine.Queue(env.Ctx, d, "alice"); !errors.Is(err, window.ErrInvalid) {
			t.Fatalf("%s: %v, want ErrInvalid", tc.name, err)
		}
	}
}

func TestQueueStateBeforeWindow(t *testing.T) {
	env := newTestEnv(t)
	d := descriptor()
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("queue: %v", err)
	}

	// once the window has opened the descriptor would fail validation, but
	// a queued identifier still reports its state first
	env.advance(150 * time.Second)
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); !errors.Is(err, engine.ErrAlreadyQueued) {
		t.Fatalf("requeue past from: %v, want ErrAlreadyQueued", err)
	}

	if _, _, err := env.Engine.Execute(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// same precedence for executed identifiers, even after the window closes
	env.advance(100 * time.Second)
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); !errors.Is(err, engine.ErrAlreadyExecuted) {
		t.Fatalf("requeue executed past to: %v, want ErrAlreadyExecuted", err)
	}
}

func TestExecuteWindowBounds(t *testing.T) {
	env := newTestEnv(t)
	d := descriptor()
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("queue: %v", err)
	}

	if _, _, err := env.Engine.Execute(env.Ctx, d, "alice"); !errors.Is(err, window.ErrNotReady) {
		t.Fatalf("before window: %v, want ErrNotReady", err)
	}

	env.advance(100 * time.Second) // exactly at from: inclusive
	cmd, result, err := env.Engine.Execute(env.Ctx, d, "alice")
	if err != nil {
		t.Fatalf("execute at from: %v", err)
	}
	if cmd.Status != domain.StatusExecuted || cmd.ExecutedAt == nil {
		t.Fatalf("command not marked executed: %+v", cmd)
	}
	if string(result) != "ok" {
		t.Fatalf("result = %q", result)
	}
	if len(env.Dispatcher.Calls) != 1 {
		t.Fatalf("dispatch calls = %d", len(env.Dispatcher.Calls))
	}
	call := env.Dispatcher.Calls[0]
	if call.Target != d.Target || call.Value != d.Value || call.Signature != d.Signature {
		t.Fatalf("dispatched %+v", call)
	}
}

func TestExecuteAtUpperBound(t *testing.T) {
	env := newTestEnv(t)
	d := descriptor()
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	env.advance(200 * time.Second) // exactly at to: inclusive
	if _, _, err := env.Engine.Execute(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("execute at to: %v", err)
	}
}

func TestExecuteExpired(t *testing.T) {
	env := newTestEnv(t)
	d := descriptor()
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	env.advance(201 * time.Second)
	if _, _, err := env.Engine.Execute(env.Ctx, d, "alice"); !errors.Is(err, window.ErrExpired) {
		t.Fatalf("past window: %v, want ErrExpired", err)
	}
	// an expired command stays queued until cancelled
	got, err := env.Engine.Repo.GetCommand(env.Ctx, env.Engine.Derive(d))
	if err != nil || got.Status != domain.StatusQueued {
		t.Fatalf("expired command status = %s (%v)", got.Status, err)
	}
}

func TestExecuteTerminal(t *testing.T) {
	env := newTestEnv(t)
	d := descriptor()
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	env.advance(150 * time.Second)
	if _, _, err := env.Engine.Execute(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, _, err := env.Engine.Execute(env.Ctx, d, "alice"); !errors.Is(err, engine.ErrAlreadyExecuted) {
		t.Fatalf("double execute: %v, want ErrAlreadyExecuted", err)
	}
	id := env.Engine.Derive(d)
	if _, err := env.Engine.Cancel(env.Ctx, id, "alice"); !errors.Is(err, engine.ErrAlreadyExecuted) {
		t.Fatalf("cancel executed: %v, want ErrAlreadyExecuted", err)
	}
	// executed identifiers can never be queued again
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); !errors.Is(err, engine.ErrAlreadyExecuted) {
		t.Fatalf("requeue executed: %v, want ErrAlreadyExecuted", err)
	}
}

func TestExecuteUnknownDescriptor(t *testing.T) {
	env := newTestEnv(t)
	d := descriptor()
	if _, _, err := env.Engine.Execute(env.Ctx, d, "alice"); !errors.Is(err, engine.ErrNotQueued) {
		t.Fatalf("execute unqueued: %v, want ErrNotQueued", err)
	}
	// a descriptor differing in any field derives a different id
	queued := descriptor()
	if _, err := env.Engine.Queue(env.Ctx, queued, "alice"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	env.advance(150 * time.Second)
	altered := descriptor()
	altered.Value++
	if _, _, err := env.Engine.Execute(env.Ctx, altered, "alice"); !errors.Is(err, engine.ErrNotQueued) {
		t.Fatalf("execute altered descriptor: %v, want ErrNotQueued", err)
	}
}

func TestExecuteDispatchFailureKeepsQueued(t *testing.T) {
	env := newTestEnv(t)
	d := descriptor()
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	env.advance(150 * time.Second)
	env.Dispatcher.Err = &dispatch.CallError{Status: 500, Payload: []byte("boom")}

	_, _, err := env.Engine.Execute(env.Ctx, d, "alice")
	var callErr *dispatch.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("execute: %v, want CallError", err)
	}
	got, err := env.Engine.Repo.GetCommand(env.Ctx, env.Engine.Derive(d))
	if err != nil || got.Status != domain.StatusQueued {
		t.Fatalf("status after failed dispatch = %s (%v)", got.Status, err)
	}

	// the same command can be executed again once the target recovers
	env.Dispatcher.Err = nil
	if _, _, err := env.Engine.Execute(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("retry execute: %v", err)
	}
}

func TestRoleChecks(t *testing.T) {
	env := newTestEnv(t)
	d := descriptor()

	var roleErr auth.RoleError
	if _, err := env.Engine.Queue(env.Ctx, d, "mallory"); !errors.As(err, &roleErr) || roleErr.Role != auth.RoleProposer {
		t.Fatalf("queue without role: %v", err)
	}
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	env.advance(150 * time.Second)
	if _, _, err := env.Engine.Execute(env.Ctx, d, "mallory"); !errors.As(err, &roleErr) || roleErr.Role != auth.RoleExecutor {
		t.Fatalf("execute without role: %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, env.Engine.Derive(d), "mallory"); !errors.As(err, &roleErr) {
		t.Fatalf("cancel without role: %v", err)
	}
	if _, err := env.Engine.ExecuteEmergency(env.Ctx, d.Target, 0, d.Signature, nil, "alice"); !errors.As(err, &roleErr) || roleErr.Role != auth.RoleEmergency {
		t.Fatalf("emergency without role: %v", err)
	}
}

func selfCallDescriptor(t *testing.T, signature, target, fnSig string, fromOffset int64) domain.Descriptor {
	t.Helper()
	args, err := json.Marshal(map[string]string{"target": target, "signature": fnSig})
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return domain.Descriptor{
		Target:     "timelock",
		Signature:  signature,
		Data:       args,
		WindowFrom: baseTime.Unix() + fromOffset,
		WindowTo:   baseTime.Unix() + fromOffset + 100,
	}
}

func TestEmergencyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	const target = "https://example.com/vault"
	const fnSig = "pause()"

	// direct mutation is refused
	var selfErr auth.SelfCallError
	if err := env.Engine.RegisterEmergency(env.Ctx, target, fnSig, "alice"); !errors.As(err, &selfErr) {
		t.Fatalf("direct register: %v, want SelfCallError", err)
	}

	// emergency execute before registration is refused
	if _, err := env.Engine.ExecuteEmergency(env.Ctx, target, 0, fnSig, nil, "resq"); !errors.Is(err, engine.ErrNotRegistered) {
		t.Fatalf("unregistered emergency: %v, want ErrNotRegistered", err)
	}

	// register through the delayed self-call path
	reg := selfCallDescriptor(t, engine.SelfRegisterEmergency, target, fnSig, 100)
	if _, err := env.Engine.Queue(env.Ctx, reg, "alice"); err != nil {
		t.Fatalf("queue register: %v", err)
	}
	env.advance(150 * time.Second)
	if _, _, err := env.Engine.Execute(env.Ctx, reg, "alice"); err != nil {
		t.Fatalf("execute register: %v", err)
	}
	// the self call must not reach the dispatcher
	if len(env.Dispatcher.Calls) != 0 {
		t.Fatalf("self call dispatched externally: %+v", env.Dispatcher.Calls)
	}
	ok, err := env.Engine.IsEmergencyRegistered(env.Ctx, target, fnSig)
	if err != nil || !ok {
		t.Fatalf("registered = %v (%v)", ok, err)
	}

	// emergency execution works repeatedly with no window check
	for i := 0; i < 2; i++ {
		result, err := env.Engine.ExecuteEmergency(env.Ctx, target, 7, fnSig, []byte("now"), "resq")
		if err != nil {
			t.Fatalf("emergency execute %d: %v", i, err)
		}
		if string(result) != "ok" {
			t.Fatalf("result = %q", result)
		}
	}
	if len(env.Dispatcher.Calls) != 2 {
		t.Fatalf("dispatch calls = %d", len(env.Dispatcher.Calls))
	}

	// a failed emergency call leaves the registration intact
	env.Dispatcher.Err = &dispatch.CallError{Status: 503, Payload: []byte("down")}
	if _, err := env.Engine.ExecuteEmergency(env.Ctx, target, 0, fnSig, nil, "resq"); err == nil {
		t.Fatalf("expected emergency call failure")
	}
	env.Dispatcher.Err = nil
	ok, err = env.Engine.IsEmergencyRegistered(env.Ctx, target, fnSig)
	if err != nil || !ok {
		t.Fatalf("registration lost after failed call: %v (%v)", ok, err)
	}

	// unregister through the same path
	unreg := selfCallDescriptor(t, engine.SelfUnregisterEmergency, target, fnSig, 300)
	if _, err := env.Engine.Queue(env.Ctx, unreg, "alice"); err != nil {
		t.Fatalf("queue unregister: %v", err)
	}
	env.advance(200 * time.Second)
	if _, _, err := env.Engine.Execute(env.Ctx, unreg, "alice"); err != nil {
		t.Fatalf("execute unregister: %v", err)
	}
	ok, err = env.Engine.IsEmergencyRegistered(env.Ctx, target, fnSig)
	if err != nil || ok {
		t.Fatalf("still registered after unregister: %v (%v)", ok, err)
	}
	if _, err := env.Engine.ExecuteEmergency(env.Ctx, target, 0, fnSig, nil, "resq"); !errors.Is(err, engine.ErrNotRegistered) {
		t.Fatalf("emergency after unregister: %v, want ErrNotRegistered", err)
	}
}

func TestSelfCallDoubleRegister(t *testing.T) {
	env := newTestEnv(t)
	const target = "https://example.com/vault"
	const fnSig = "pause()"

	first := selfCallDescriptor(t, engine.SelfRegisterEmergency, target, fnSig, 100)
	if _, err := env.Engine.Queue(env.Ctx, first, "alice"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	env.advance(150 * time.Second)
	if _, _, err := env.Engine.Execute(env.Ctx, first, "alice"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// a second registration for the same pair fails at execute time and
	// leaves its command queued
	second := selfCallDescriptor(t, engine.SelfRegisterEmergency, target, fnSig, 300)
	if _, err := env.Engine.Queue(env.Ctx, second, "alice"); err != nil {
		t.Fatalf("queue second: %v", err)
	}
	env.advance(200 * time.Second)
	if _, _, err := env.Engine.Execute(env.Ctx, second, "alice"); !errors.Is(err, engine.ErrAlreadyRegistered) {
		t.Fatalf("duplicate register: %v, want ErrAlreadyRegistered", err)
	}
	got, err := env.Engine.Repo.GetCommand(env.Ctx, env.Engine.Derive(second))
	if err != nil || got.Status != domain.StatusQueued {
		t.Fatalf("second command status = %s (%v)", got.Status, err)
	}
}

func TestEventsAppended(t *testing.T) {
	env := newTestEnv(t)
	d := descriptor()
	if _, err := env.Engine.Queue(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("queue: %v", err)
	}
	env.advance(150 * time.Second)
	if _, _, err := env.Engine.Execute(env.Ctx, d, "alice"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "command", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("events = %d, want 2", len(evts))
	}
	if evts[0].Type != "command.executed" || evts[1].Type != "command.queued" {
		t.Fatalf("event order: %s, %s", evts[0].Type, evts[1].Type)
	}
	if evts[0].ActorID != "alice" {
		t.Fatalf("actor = %s", evts[0].ActorID)
	}
}
