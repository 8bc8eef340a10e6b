// Package idempotency provides exactly-once execution of mutations keyed by
// a client-chosen Idempotency-Key. The first request to reach the database
// runs its operation and stores the serialized response; every later request
// carrying the same key gets the stored bytes back without re-running the
// operation. Keys whose operation failed are not recorded, so a failed
// request may be retried with the same key.
package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConflict is returned when a key is reused for a different operation or
// by a different principal than the one that first recorded it.
var ErrConflict = errors.New("idempotency key reused for a different request")

// Coordinator serializes concurrent requests that share an idempotency key.
// It relies on the connection opening transactions with BEGIN IMMEDIATE: the
// transaction takes the write lock up front, so a second request on the same
// key blocks (bounded by busy_timeout) until the first commits, then observes
// the stored response on its re-read.
type Coordinator struct {
	DB  *sql.DB
	Now func() time.Time
}

// maxBusyRetries bounds how many times Execute restarts after losing the
// lock wait. busy_timeout already makes each attempt wait, so a handful of
// restarts outlasts any realistic writer burst.
const maxBusyRetries = 5

type record struct {
	identity string
	response sql.NullString
}

// Execute runs op at most once for the given key. The identity string binds
// the key to one logical operation by one principal; a replay must present
// the same identity or get ErrConflict. On success the returned bytes are
// exactly what the first execution stored, byte for byte, and replayed
// reports whether op actually ran in this call.
//
// op runs inside the same transaction that finalizes the key, so the
// operation's writes and the idempotency record commit atomically. If op
// returns an error everything rolls back, including the key, and the error
// is returned as-is.
func (c *Coordinator) Execute(ctx context.Context, key, identity string, op func(ctx context.Context, tx *sql.Tx) ([]byte, error)) (resp []byte, replayed bool, err error) {
	if key == "" {
		return nil, false, errors.New("idempotency key required")
	}

	// Fast path: a finalized record answers without taking the write lock.
	rec, found, err := c.read(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		if rec.identity != identity {
			return nil, false, ErrConflict
		}
		if rec.response.Valid {
			return []byte(rec.response.String), true, nil
		}
	}

	for attempt := 0; ; attempt++ {
		resp, replayed, err = c.executeOnce(ctx, key, identity, op)
		if err == nil || !isBusy(err) || attempt >= maxBusyRetries {
			return resp, replayed, err
		}
	}
}

func (c *Coordinator) executeOnce(ctx context.Context, key, identity string, op func(ctx context.Context, tx *sql.Tx) ([]byte, error)) ([]byte, bool, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	// Re-read under the write lock. The row can be finalized (a concurrent
	// request won the race while we waited), a placeholder left by a process
	// that crashed before commit (adopt it), or absent.
	rec, found, err := c.readTx(ctx, tx, key)
	if err != nil {
		return nil, false, err
	}
	switch {
	case found && rec.identity != identity:
		return nil, false, ErrConflict
	case found && rec.response.Valid:
		return []byte(rec.response.String), true, nil
	case !found:
		now := c.now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys(key,identity,response_json,created_at) VALUES (?,?,NULL,?)`, key, identity, now); err != nil {
			return nil, false, err
		}
	}

	out, err := op(ctx, tx)
	if err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE idempotency_keys SET response_json=? WHERE key=?`, string(out), key); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return out, false, nil
}

func (c *Coordinator) read(ctx context.Context, key string) (record, bool, error) {
	row := c.DB.QueryRowContext(ctx, `SELECT identity,response_json FROM idempotency_keys WHERE key=?`, key)
	return scanRecord(row.Scan)
}

func (c *Coordinator) readTx(ctx context.Context, tx *sql.Tx, key string) (record, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT identity,response_json FROM idempotency_keys WHERE key=?`, key)
	return scanRecord(row.Scan)
}

func scanRecord(scan func(dest ...any) error) (record, bool, error) {
	var rec record
	err := scan(&rec.identity, &rec.response)
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
