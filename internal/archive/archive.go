// Package archive persists finished flow runs to a local sqlite database
// and writes a per-run JSON report file.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jbellister-slac/lcls-cu-inj-nn-model/internal/flow"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	model       TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	inputs      TEXT NOT NULL,
	outputs     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
`

// Store holds the run archive.
type Store struct {
	db         *sql.DB
	reportsDir string
}

// Open opens (creating if necessary) the archive database. If reportsDir is
// non-empty, a JSON report file is also written per run.
func Open(dbPath, reportsDir string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("could not open archive db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize archive schema: %w", err)
	}

	if reportsDir != "" {
		if err := os.MkdirAll(reportsDir, 0o755); err != nil {
			db.Close()
			return nil, fmt.Errorf("could not create reports directory: %w", err)
		}
	}

	return &Store{db: db, reportsDir: reportsDir}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record saves one finished run. Implements flow.Recorder.
func (s *Store) Record(r *flow.Result) error {
	inputs, err := json.Marshal(r.Inputs)
	if err != nil {
		return fmt.Errorf("could not encode inputs: %w", err)
	}
	outputs, err := json.Marshal(r.Outputs)
	if err != nil {
		return fmt.Errorf("could not encode outputs: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (id, model, started_at, finished_at, inputs, outputs) VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Model,
		r.StartedAt.Format(time.RFC3339Nano),
		r.FinishedAt.Format(time.RFC3339Nano),
		string(inputs), string(outputs),
	)
	if err != nil {
		return fmt.Errorf("could not insert run: %w", err)
	}

	if s.reportsDir != "" {
		if err := s.writeReport(r); err != nil {
			// The database row remains the record of the run.
			log.Printf("Warning: could not write report for run %s: %v", r.RunID, err)
		}
	}
	return nil
}

// writeReport renders the run as an indented JSON file named by run ID.
func (s *Store) writeReport(r *flow.Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.reportsDir, r.RunID+".json")
	return os.WriteFile(path, data, 0o644)
}

// Get loads one run by ID.
func (s *Store) Get(id string) (*flow.Result, error) {
	row := s.db.QueryRow(
		`SELECT id, model, started_at, finished_at, inputs, outputs FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) ([]*flow.Result, error) {
	rows, err := s.db.Query(
		`SELECT id, model, started_at, finished_at, inputs, outputs FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query runs: %w", err)
	}
	defer rows.Close()

	var results []*flow.Result
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*flow.Result, error) {
	var (
		r                 flow.Result
		started, finished string
		inputs, outputs   string
	)
	if err := sc.Scan(&r.RunID, &r.Model, &started, &finished, &inputs, &outputs); err != nil {
		return nil, err
	}

	var err error
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("bad started_at for run %s: %w", r.RunID, err)
	}
	if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return nil, fmt.Errorf("bad finished_at for run %s: %w", r.RunID, err)
	}
	if err := json.Unmarshal([]byte(inputs), &r.Inputs); err != nil {
		return nil, fmt.Errorf("bad inputs for run %s: %w", r.RunID, err)
	}
	if err := json.Unmarshal([]byte(outputs), &r.Outputs); err != nil {
		return nil, fmt.Errorf("bad outputs for run %s: %w", r.RunID, err)
	}
	return &r, nil
}
