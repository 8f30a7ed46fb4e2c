package store

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mnemo/internal/types"
)

// flakyStore wraps an in-process store and fails the working tier until
// healed.
type flakyStore struct {
	*MemoryStore
	failing atomic.Bool
	calls   atomic.Int64
	err     error
}

func newFlakyStore(err error) *flakyStore {
	f := &flakyStore{MemoryStore: NewMemoryStore(), err: err}
	f.failing.Store(true)
	return f
}

func (f *flakyStore) Working() WorkingStore { return &flakyWorking{f} }

type flakyWorking struct{ f *flakyStore }

func (w *flakyWorking) check() error {
	w.f.calls.Add(1)
	if w.f.failing.Load() {
		return w.f.err
	}
	return nil
}

func (w *flakyWorking) Append(ctx context.Context, msg types.Message) error {
	if err := w.check(); err != nil {
		return err
	}
	return w.f.MemoryStore.Working().Append(ctx, msg)
}

func (w *flakyWorking) Get(ctx context.Context, userID, id string) (types.Message, error) {
	if err := w.check(); err != nil {
		return types.Message{}, err
	}
	return w.f.MemoryStore.Working().Get(ctx, userID, id)
}

func (w *flakyWorking) Recent(ctx context.Context, userID, conversationID string, n int) ([]types.Message, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	return w.f.MemoryStore.Working().Recent(ctx, userID, conversationID, n)
}

func (w *flakyWorking) All(ctx context.Context, userID string) ([]types.Message, error) {
	if err := w.check(); err != nil {
		return nil, err
	}
	return w.f.MemoryStore.Working().All(ctx, userID)
}

func (w *flakyWorking) Count(ctx context.Context, userID, conversationID string) (int, error) {
	if err := w.check(); err != nil {
		return 0, err
	}
	return w.f.MemoryStore.Working().Count(ctx, userID, conversationID)
}

func (w *flakyWorking) IncrementAccess(ctx context.Context, userID string, ids []string) error {
	if err := w.check(); err != nil {
		return err
	}
	return w.f.MemoryStore.Working().IncrementAccess(ctx, userID, ids)
}

func (w *flakyWorking) Delete(ctx context.Context, userID, id string) error {
	if err := w.check(); err != nil {
		return err
	}
	return w.f.MemoryStore.Working().Delete(ctx, userID, id)
}

func (w *flakyWorking) DeleteUser(ctx context.Context, userID string) (int, error) {
	if err := w.check(); err != nil {
		return 0, err
	}
	return w.f.MemoryStore.Working().DeleteUser(ctx, userID)
}

func (w *flakyWorking) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := w.check(); err != nil {
		return 0, err
	}
	return w.f.MemoryStore.Working().ExpireBefore(ctx, cutoff)
}

func TestResilientFallsBackOnUnavailable(t *testing.T) {
	primary := newFlakyStore(types.Unavailablef("connection refused"))
	fallback := NewMemoryStore()
	r := NewResilient(primary, fallback, 1, time.Second)
	ctx := context.Background()

	msg := msgAt("alice", "c1", "hello", time.Now())
	if err := r.Working().Append(ctx, msg); err != nil {
		t.Fatalf("Append should succeed via fallback: %v", err)
	}
	if !r.Degraded() {
		t.Error("Degraded() = false after falling back")
	}
	// One initial attempt plus one retry.
	if got := primary.calls.Load(); got != 2 {
		t.Errorf("primary attempts = %d, want 2", got)
	}

	// The write landed on the fallback, so a read (also falling back)
	// sees it.
	got, err := r.Working().Get(ctx, "alice", "hello")
	if err != nil {
		t.Fatalf("Get via fallback: %v", err)
	}
	if got.Content != "hello" {
		t.Errorf("Content = %q, want hello", got.Content)
	}
}

func TestResilientPrimaryRecovers(t *testing.T) {
	primary := newFlakyStore(types.Unavailablef("connection refused"))
	r := NewResilient(primary, NewMemoryStore(), 0, time.Second)
	ctx := context.Background()

	r.Working().Append(ctx, msgAt("alice", "c1", "m1", time.Now()))

	// Outage ends. The wrapper keeps trying the primary first, so new
	// writes land there.
	primary.failing.Store(false)
	if err := r.Working().Append(ctx, msgAt("alice", "c1", "m2", time.Now())); err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}
	if _, err := primary.MemoryStore.Working().Get(ctx, "alice", "m2"); err != nil {
		t.Errorf("recovered write should be on the primary: %v", err)
	}
}

func TestResilientDoesNotRetryValidation(t *testing.T) {
	primary := newFlakyStore(types.Validationf("bad input"))
	r := NewResilient(primary, NewMemoryStore(), 3, time.Second)

	err := r.Working().Append(context.Background(), msgAt("alice", "c1", "m", time.Now()))
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if r.Degraded() {
		t.Error("validation failure must not mark the store degraded")
	}
	if got := primary.calls.Load(); got != 1 {
		t.Errorf("primary attempts = %d, want 1 (no retries)", got)
	}
}

func TestResilientBothFailReturnsPrimaryError(t *testing.T) {
	primary := newFlakyStore(types.Unavailablef("primary down"))
	fallback := newFlakyStore(types.Unavailablef("fallback down"))
	r := NewResilient(primary, fallback, 0, time.Second)

	err := r.Working().Append(context.Background(), msgAt("alice", "c1", "m", time.Now()))
	if err == nil {
		t.Fatal("expected an error when both stores fail")
	}
	if !strings.Contains(err.Error(), "primary down") {
		t.Errorf("error should carry the primary failure, got %v", err)
	}
}

func TestResilientNotFoundPassesThrough(t *testing.T) {
	r := NewResilient(NewMemoryStore(), NewMemoryStore(), 2, time.Second)
	_, err := r.Working().Get(context.Background(), "alice", "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if r.Degraded() {
		t.Error("not-found must not mark the store degraded")
	}
}
