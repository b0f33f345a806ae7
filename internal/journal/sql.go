package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/kingrea/labflow/internal/sequencer"
)

const (
	// DefaultSQLitePath is relative to the project directory.
	DefaultSQLitePath = "journal.db"
	defaultDSN        = "postgres://localhost/labflow?sslmode=disable"

	// Fixed width so text comparison orders chronologically.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		protocol TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		report TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS commands (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		at TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, seq)
	)`,
}

// SQLStore persists the journal through database/sql. The same schema
// serves sqlite and postgres.
type SQLStore struct {
	db       *sql.DB
	numbered bool
}

var _ Store = (*SQLStore)(nil)

// OpenSQLite opens (creating if needed) a sqlite journal at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("journal: create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open sqlite: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, false)
}

// OpenPostgres connects to dsn using pgx.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: ping postgres: %w", err)
	}
	return newSQLStore(ctx, db, true)
}

func newSQLStore(ctx context.Context, db *sql.DB, numbered bool) (*SQLStore, error) {
	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: ensure schema: %w", err)
		}
	}
	return &SQLStore{db: db, numbered: numbered}, nil
}

// DB exposes the underlying handle for tests.
func (s *SQLStore) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) SaveRun(ctx context.Context, r sequencer.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("journal: encode run %s: %w", r.RunID, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO runs (id, protocol, status, started_at, report)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			protocol = excluded.protocol,
			status = excluded.status,
			started_at = excluded.started_at,
			report = excluded.report`),
		r.RunID, r.Protocol, string(r.Status), r.StartedAt.UTC().Format(timeLayout), string(payload))
	if err != nil {
		return fmt.Errorf("journal: save run %s: %w", r.RunID, err)
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e.Command)
	if err != nil {
		return fmt.Errorf("journal: encode command: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO commands (run_id, seq, at, kind, payload, error)
		VALUES (?, ?, ?, ?, ?, ?)`),
		e.RunID, e.Seq, e.Time.UTC().Format(timeLayout), string(e.Command.Kind), string(payload), e.Error)
	if err != nil {
		return fmt.Errorf("journal: append %s #%d: %w", e.RunID, e.Seq, err)
	}
	return nil
}

func (s *SQLStore) Runs(ctx context.Context, limit int) ([]sequencer.Report, error) {
	query := `SELECT report FROM runs ORDER BY started_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []sequencer.Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("journal: scan run: %w", err)
		}
		var r sequencer.Report
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("journal: decode run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) Run(ctx context.Context, id string) (sequencer.Report, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT report FROM runs WHERE id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return sequencer.Report{}, ErrNotFound
	}
	if err != nil {
		return sequencer.Report{}, fmt.Errorf("journal: load run %s: %w", id, err)
	}
	var r sequencer.Report
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return sequencer.Report{}, fmt.Errorf("journal: decode run %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLStore) Entries(ctx context.Context, runID string) ([]Entry, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT seq, at, payload, error FROM commands WHERE run_id = ? ORDER BY seq`), runID)
	if err != nil {
		return nil, fmt.Errorf("journal: list commands: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			at      string
			payload string
		)
		if err := rows.Scan(&e.Seq, &at, &payload, &e.Error); err != nil {
			return nil, fmt.Errorf("journal: scan command: %w", err)
		}
		if e.Time, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("journal: parse time %q: %w", at, err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Command); err != nil {
			return nil, fmt.Errorf("journal: decode command: %w", err)
		}
		e.RunID = runID
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error { return s.db.Close() }
