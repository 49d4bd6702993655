// Package claimdb is a SQLite-backed claim ledger shared by every agent
// process pointed at the same database file.
package claimdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const DefaultTTL = 2 * time.Minute

type Option func(*Ledger)

// WithTTL sets how long a claim blocks other holders.
func WithTTL(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type Ledger struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func Open(path string, opts ...Option) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	l := &Ledger{db: db, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

func initPragmas(db *sql.DB) error {
	// Many agent processes share one file; WAL lets readers proceed while
	// one of them writes.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS claims (
			key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			claimed_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS claims_expires ON claims(expires_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// TryClaim records holder as the owner of key. It succeeds when the key is
// free, expired, or already held by the same holder (which refreshes the
// expiry).
func (l *Ledger) TryClaim(ctx context.Context, key, holder string) (bool, error) {
	if key == "" || holder == "" {
		return false, fmt.Errorf("claimdb: empty key or holder")
	}
	now := l.now().UnixMilli()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO claims(key, holder, claimed_at, expires_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			holder = excluded.holder,
			claimed_at = excluded.claimed_at,
			expires_at = excluded.expires_at
		WHERE claims.expires_at <= excluded.claimed_at OR claims.holder = excluded.holder`,
		key, holder, now, now+l.ttl.Milliseconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Holder returns the live holder of key, or "" when it is free.
func (l *Ledger) Holder(ctx context.Context, key string) (string, error) {
	var holder string
	err := l.db.QueryRowContext(ctx,
		`SELECT holder FROM claims WHERE key = ? AND expires_at > ?`,
		key, l.now().UnixMilli()).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return holder, err
}

// Release drops key if holder owns it.
func (l *Ledger) Release(ctx context.Context, key, holder string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM claims WHERE key = ? AND holder = ?`, key, holder)
	return err
}

// Prune deletes expired claims and reports how many were removed.
func (l *Ledger) Prune(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM claims WHERE expires_at <= ?`, l.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
