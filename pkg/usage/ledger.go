// Package usage persists per-request token accounting in an embedded SQLite
// ledger. One row per completed request gives billing-style accounting a
// durable trail beyond the in-memory usage cache.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"mercator-hq/saturn/pkg/store"
)

// schemaVersion tracks the ledger schema for future migrations.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS usage_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	provider_type TEXT NOT NULL,
	account_uuid TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'ok'
);
CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_ledger(ts);
CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_ledger(provider_type, ts);
CREATE INDEX IF NOT EXISTS idx_usage_account ON usage_ledger(account_uuid, ts);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
`

// Config tunes the ledger database.
type Config struct {
	// Path is the database file; ":memory:" works for tests.
	Path string

	// MaxOpenConns bounds the connection pool. Default 10.
	MaxOpenConns int

	// BusyTimeout is how long writes wait on a locked database. Default 5s.
	BusyTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	return c
}

// Row is one completed request.
type Row struct {
	Timestamp           time.Time
	ProviderType        store.ProviderType
	AccountUUID         string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64

	// Status is "ok", "error", or "success_with_warning".
	Status string
}

// Summary aggregates one provider type over a query window.
type Summary struct {
	ProviderType        store.ProviderType
	Requests            int64
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// Ledger is the SQLite-backed usage trail. Safe for concurrent use.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open initializes the ledger, creating the schema on first use. WAL mode
// keeps readers from blocking the write path.
func Open(ctx context.Context, cfg Config) (*Ledger, error) {
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return nil, fmt.Errorf("usage: database path is required")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("usage: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	l := &Ledger{db: db, logger: slog.Default().With("component", "usage")}
	if err := l.initialize(ctx, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	l.logger.Info("usage ledger opened", "path", cfg.Path)
	return l, nil
}

func (l *Ledger) initialize(ctx context.Context, cfg Config) error {
	if _, err := l.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("usage: enable wal: %w", err)
	}
	if _, err := l.db.ExecContext(ctx,
		fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("usage: set busy timeout: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("usage: create schema: %w", err)
	}
	if _, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)",
		schemaVersion, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("usage: record schema version: %w", err)
	}

	var version int
	err := l.db.QueryRowContext(ctx,
		"SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("usage: read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("usage: schema version %d, expected %d", version, schemaVersion)
	}
	return nil
}

// Record appends one row.
func (l *Ledger) Record(ctx context.Context, row Row) error {
	ts := row.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	status := row.Status
	if status == "" {
		status = "ok"
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_ledger (
			ts, provider_type, account_uuid, model,
			input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens,
			status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UnixMilli(), string(row.ProviderType), row.AccountUUID, row.Model,
		row.InputTokens, row.OutputTokens, row.CacheCreationTokens, row.CacheReadTokens,
		status,
	)
	if err != nil {
		return fmt.Errorf("usage: record: %w", err)
	}
	return nil
}

// Summarize aggregates per provider type since the given instant.
func (l *Ledger) Summarize(ctx context.Context, since time.Time) ([]Summary, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT provider_type,
		       COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cache_creation_tokens), 0),
		       COALESCE(SUM(cache_read_tokens), 0)
		FROM usage_ledger
		WHERE ts >= ?
		GROUP BY provider_type
		ORDER BY provider_type`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("usage: summarize: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var pt string
		if err := rows.Scan(&pt, &s.Requests, &s.InputTokens, &s.OutputTokens,
			&s.CacheCreationTokens, &s.CacheReadTokens); err != nil {
			return nil, fmt.Errorf("usage: scan summary: %w", err)
		}
		s.ProviderType = store.ProviderType(pt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AccountTotals returns per-account request counts since the given instant.
func (l *Ledger) AccountTotals(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT account_uuid, COUNT(*)
		FROM usage_ledger
		WHERE ts >= ?
		GROUP BY account_uuid`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("usage: account totals: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("usage: scan totals: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// Prune deletes rows older than the retention period and reports how many
// were removed.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, "DELETE FROM usage_ledger WHERE ts < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("usage: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info("usage ledger pruned", "rows", n)
	}
	return n, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
