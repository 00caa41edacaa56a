// Package report persists instrumentation outcomes into a SQLite database
// for ad-hoc querying. The CSV sidecars remain the interface the profiler
// consumes; the report database is an operator convenience layered next to
// them.
package report

import (
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store provides durable storage for instrumentation reports. Uses SQLite
// with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and applies
// the schema. It is idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// MethodRow is one instrumented method's report entry.
type MethodRow struct {
	Offset         int
	Name           string
	Instrument     int
	NonEntryBlocks int
	Vectors        int
	ExitCalls      int
	TooManyBlocks  bool
}

// RecordRun stores one instrumentation run and its method rows atomically.
func (s *Store) RecordRun(runID string, rows []MethodRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO runs (id, created_at) VALUES (?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO methods
		(run_id, offset, name, instrument, non_entry_blocks, vectors, exit_calls, too_many_blocks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.Exec(
			runID, row.Offset, row.Name, row.Instrument,
			row.NonEntryBlocks, row.Vectors, row.ExitCalls, row.TooManyBlocks,
		); err != nil {
			return fmt.Errorf("failed to insert method row: %w", err)
		}
	}
	return tx.Commit()
}

// Runs returns the recorded run ids, oldest first.
func (s *Store) Runs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MethodCount returns the number of method rows recorded for a run.
func (s *Store) MethodCount(runID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM methods WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count methods: %w", err)
	}
	return n, nil
}
