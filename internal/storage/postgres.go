package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Postgres is a Store that serializes commits with a row lock
// (SELECT ... FOR UPDATE) on the volume row.
type Postgres struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS volumes (
  resource TEXT PRIMARY KEY,
  holder TEXT,
  lease_id TEXT,
  last_token BIGINT NOT NULL,
  acquired_at_ns BIGINT NOT NULL,
  expires_at_ns BIGINT NOT NULL,
  version BIGINT NOT NULL,
  updated_at_ns BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS transitions (
  id BIGSERIAL PRIMARY KEY,
  resource TEXT NOT NULL,
  kind TEXT NOT NULL,
  from_role TEXT NOT NULL,
  to_role TEXT NOT NULL,
  lease_id TEXT NOT NULL,
  fencing_token BIGINT NOT NULL,
  version BIGINT NOT NULL,
  at_ns BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_resource ON transitions(resource, id);
`)
	if err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func isPgBusy(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return true
	}
	return false
}

func wrapPg(err error) error {
	if err == nil {
		return nil
	}
	if isPgBusy(err) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

func (p *Postgres) Load(ctx context.Context, resource string) (Record, bool, error) {
	var (
		holder, lease       *string
		token, acqNs, expNs int64
		version, updatedNs  int64
	)
	err := p.pool.QueryRow(ctx, `
SELECT holder, lease_id, last_token, acquired_at_ns, expires_at_ns, version, updated_at_ns
FROM volumes WHERE resource = $1;
`, resource).Scan(&holder, &lease, &token, &acqNs, &expNs, &version, &updatedNs)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{Resource: resource}, false, nil
	}
	if err != nil {
		return Record{}, false, wrapPg(err)
	}
	rec := Record{
		Resource:   resource,
		LastToken:  token,
		AcquiredAt: nsToTime(acqNs),
		ExpiresAt:  nsToTime(expNs),
		Version:    version,
		UpdatedAt:  nsToTime(updatedNs),
	}
	if holder != nil {
		rec.Holder = *holder
	}
	if lease != nil {
		rec.LeaseID = *lease
	}
	return rec, true, nil
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *Postgres) Commit(ctx context.Context, expectVersion int64, next Record, tr Transition) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrapPg(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	err = tx.QueryRow(ctx, `SELECT version FROM volumes WHERE resource = $1 FOR UPDATE;`, next.Resource).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		current = 0
	case err != nil:
		return wrapPg(err)
	}
	if current != expectVersion {
		return fmt.Errorf("%w: resource=%s expected_version=%d actual=%d", ErrVersionConflict, next.Resource, expectVersion, current)
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO volumes(resource, holder, lease_id, last_token, acquired_at_ns, expires_at_ns, version, updated_at_ns)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT(resource) DO UPDATE SET
  holder = excluded.holder,
  lease_id = excluded.lease_id,
  last_token = excluded.last_token,
  acquired_at_ns = excluded.acquired_at_ns,
  expires_at_ns = excluded.expires_at_ns,
  version = excluded.version,
  updated_at_ns = excluded.updated_at_ns
WHERE volumes.version = $9;
`, next.Resource, nullableText(next.Holder), nullableText(next.LeaseID), next.LastToken,
		timeToNs(next.AcquiredAt), timeToNs(next.ExpiresAt), next.Version, timeToNs(next.UpdatedAt), expectVersion)
	if err != nil {
		// a concurrent first insert loses the unique race here
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: resource=%s", ErrVersionConflict, next.Resource)
		}
		return wrapPg(err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: resource=%s expected_version=%d", ErrVersionConflict, next.Resource, expectVersion)
	}

	if tr.Kind == "" {
		return wrapPg(tx.Commit(ctx))
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO transitions(resource, kind, from_role, to_role, lease_id, fencing_token, version, at_ns)
VALUES($1, $2, $3, $4, $5, $6, $7, $8);
`, tr.Resource, tr.Kind, tr.FromRole, tr.ToRole, tr.LeaseID, tr.FencingToken, tr.Version, timeToNs(tr.At)); err != nil {
		return wrapPg(err)
	}

	return wrapPg(tx.Commit(ctx))
}

func (p *Postgres) History(ctx context.Context, resource string, limit int) ([]Transition, error) {
	rows, err := p.pool.Query(ctx, `
SELECT kind, from_role, to_role, lease_id, fencing_token, version, at_ns
FROM transitions
WHERE resource = $1
ORDER BY id DESC
LIMIT $2;
`, resource, clampLimit(limit))
	if err != nil {
		return nil, wrapPg(err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		tr := Transition{Resource: resource}
		var atNs int64
		if err := rows.Scan(&tr.Kind, &tr.FromRole, &tr.ToRole, &tr.LeaseID, &tr.FencingToken, &tr.Version, &atNs); err != nil {
			return nil, err
		}
		tr.At = nsToTime(atNs)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
