package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// busyBackoff is the wait schedule after a SQLITE_BUSY failure. The pragma
// busy_timeout already blocks inside SQLite; these retries cover the cases
// where the driver surfaces the error anyway, such as a deadlocked upgrade
// from a read to a write transaction.
var busyBackoff = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	300 * time.Millisecond,
}

// IsBusy reports whether err looks like a SQLITE_BUSY or SQLITE_LOCKED error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// RunTx runs fn inside a transaction, committing on success and rolling back
// on error. Busy failures are retried with a short backoff; any other error
// is returned as-is after rollback.
func RunTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = runTxOnce(ctx, db, fn)
		if lastErr == nil || !IsBusy(lastErr) {
			return lastErr
		}
		if attempt >= len(busyBackoff) {
			return fmt.Errorf("dbopen: tx busy after %d retries: %w", len(busyBackoff), lastErr)
		}
		select {
		case <-time.After(busyBackoff[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runTxOnce(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Exec runs a single statement with the same busy retry schedule as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		lastErr error
	)
	for attempt := 0; ; attempt++ {
		res, lastErr = db.ExecContext(ctx, query, args...)
		if lastErr == nil || !IsBusy(lastErr) {
			return res, lastErr
		}
		if attempt >= len(busyBackoff) {
			return nil, fmt.Errorf("dbopen: exec busy after %d retries: %w", len(busyBackoff), lastErr)
		}
		select {
		case <-time.After(busyBackoff[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
