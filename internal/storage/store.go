package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrVersionConflict means the row moved since the caller loaded it.
	ErrVersionConflict = errors.New("version conflict")
	// ErrBusy is transient lock contention in the backing database.
	ErrBusy = errors.New("database busy")
)

// Record is the durable state of one volume. Holder is empty when unclaimed;
// LastToken survives releases so fencing tokens never go backwards.
type Record struct {
	Resource   string
	Holder     string
	LeaseID    string
	LastToken  int64
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Version    int64
	UpdatedAt  time.Time
}

// Transition is one row of the append-only hand-off history.
type Transition struct {
	Resource     string
	Kind         string
	FromRole     string
	ToRole       string
	LeaseID      string
	FencingToken int64
	Version      int64
	At           time.Time
}

type Store interface {
	// Load returns the record for resource; found is false when it was never written.
	Load(ctx context.Context, resource string) (rec Record, found bool, err error)
	// Commit writes next if the stored version still equals expectVersion
	// (0 = absent) and appends tr, atomically. A tr with an empty Kind is not
	// recorded.
	Commit(ctx context.Context, expectVersion int64, next Record, tr Transition) error
	// History returns the newest transitions first.
	History(ctx context.Context, resource string, limit int) ([]Transition, error)
	Close() error
}

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func timeToNs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
