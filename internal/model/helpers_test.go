package model_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"volarbiter/internal/model"
	"volarbiter/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memStore is an in-memory storage.Store with optional hooks.
type memStore struct {
	mu      sync.Mutex
	records map[string]storage.Record
	history []storage.Transition

	// beforeCommit runs before the write; a non-nil error aborts it.
	beforeCommit func(next storage.Record, tr storage.Transition) error
}

func newMemStore() *memStore {
	return &memStore{records: map[string]storage.Record{}}
}

func (m *memStore) Load(_ context.Context, resource string) (storage.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[resource]
	if !ok {
		return storage.Record{Resource: resource}, false, nil
	}
	return rec, true, nil
}

func (m *memStore) Commit(_ context.Context, expectVersion int64, next storage.Record, tr storage.Transition) error {
	if m.beforeCommit != nil {
		if err := m.beforeCommit(next, tr); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[next.Resource].Version != expectVersion {
		return storage.ErrVersionConflict
	}
	m.records[next.Resource] = next
	if tr.Kind != "" {
		m.history = append(m.history, tr)
	}
	return nil
}

func (m *memStore) History(_ context.Context, resource string, limit int) ([]storage.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Transition
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if m.history[i].Resource == resource {
			out = append(out, m.history[i])
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func openSQLite(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Config{
		Path:         filepath.Join(t.TempDir(), "arbiter_test.db"),
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newArbiter(t *testing.T, store storage.Store, opts model.Options) *model.Arbiter {
	t.Helper()
	a, err := model.NewArbiter(context.Background(), "shared-data", store, opts)
	if err != nil {
		t.Fatalf("new arbiter: %v", err)
	}
	return a
}

// backends runs fn against a memory-only arbiter and a SQLite-backed one.
func backends(t *testing.T, fn func(t *testing.T, a *model.Arbiter)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, newArbiter(t, nil, model.Options{}))
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newArbiter(t, openSQLite(t), model.Options{}))
	})
}

func kinds(trs []storage.Transition) []string {
	out := make([]string, 0, len(trs))
	for _, tr := range trs {
		out = append(out, tr.Kind)
	}
	return out
}
