package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

type Config struct {
	Path            string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	wdb := &DB{DB: db}

	if err := wdb.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := wdb.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return wdb, nil
}

func (d *DB) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := d.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma failed (%s): %w", p, err)
		}
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func wrapSQLite(err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteBusy(err) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

func (d *DB) Load(ctx context.Context, resource string) (Record, bool, error) {
	var (
		holder, lease       sql.NullString
		token, acqNs, expNs int64
		version, updatedNs  int64
	)
	err := d.QueryRowContext(ctx, `
SELECT holder, lease_id, last_token, acquired_at_ns, expires_at_ns, version, updated_at_ns
FROM volumes WHERE resource = ?;
`, resource).Scan(&holder, &lease, &token, &acqNs, &expNs, &version, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{Resource: resource}, false, nil
	}
	if err != nil {
		return Record{}, false, wrapSQLite(err)
	}
	return Record{
		Resource:   resource,
		Holder:     holder.String,
		LeaseID:    lease.String,
		LastToken:  token,
		AcquiredAt: nsToTime(acqNs),
		ExpiresAt:  nsToTime(expNs),
		Version:    version,
		UpdatedAt:  nsToTime(updatedNs),
	}, true, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (d *DB) Commit(ctx context.Context, expectVersion int64, next Record, tr Transition) error {
	tx, err := d.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return wrapSQLite(err)
	}
	defer func() { _ = tx.Rollback() }()

	var res sql.Result
	if expectVersion == 0 {
		res, err = tx.ExecContext(ctx, `
INSERT INTO volumes(resource, holder, lease_id, last_token, acquired_at_ns, expires_at_ns, version, updated_at_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(resource) DO NOTHING;
`, next.Resource, nullable(next.Holder), nullable(next.LeaseID), next.LastToken,
			timeToNs(next.AcquiredAt), timeToNs(next.ExpiresAt), next.Version, timeToNs(next.UpdatedAt))
	} else {
		res, err = tx.ExecContext(ctx, `
UPDATE volumes
SET holder = ?,
    lease_id = ?,
    last_token = ?,
    acquired_at_ns = ?,
    expires_at_ns = ?,
    version = ?,
    updated_at_ns = ?
WHERE resource = ?
  AND version = ?;
`, nullable(next.Holder), nullable(next.LeaseID), next.LastToken,
			timeToNs(next.AcquiredAt), timeToNs(next.ExpiresAt), next.Version, timeToNs(next.UpdatedAt),
			next.Resource, expectVersion)
	}
	if err != nil {
		return wrapSQLite(err)
	}
	if aff, _ := res.RowsAffected(); aff != 1 {
		return fmt.Errorf("%w: resource=%s expected_version=%d", ErrVersionConflict, next.Resource, expectVersion)
	}

	if tr.Kind == "" {
		return wrapSQLite(tx.Commit())
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO transitions(resource, kind, from_role, to_role, lease_id, fencing_token, version, at_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, tr.Resource, tr.Kind, tr.FromRole, tr.ToRole, tr.LeaseID, tr.FencingToken, tr.Version, timeToNs(tr.At)); err != nil {
		return wrapSQLite(err)
	}

	return wrapSQLite(tx.Commit())
}

func (d *DB) History(ctx context.Context, resource string, limit int) ([]Transition, error) {
	rows, err := d.QueryContext(ctx, `
SELECT kind, from_role, to_role, lease_id, fencing_token, version, at_ns
FROM transitions
WHERE resource = ?
ORDER BY id DESC
LIMIT ?;
`, resource, clampLimit(limit))
	if err != nil {
		return nil, wrapSQLite(err)
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
