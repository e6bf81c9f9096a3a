// Package pg implements the managed-mode storage backend on Postgres.
// Schema lives in migrations/ and is applied with `undoable migrate up`.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/undoablehq/undoable/internal/bus"
	"github.com/undoablehq/undoable/internal/store"
)

// OpenDB opens a pooled connection and verifies it with a short ping.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// RunStore implements store.RunStore on the runs and run_events tables.
// The header row and the append-only event log mirror the file layout:
// one row per run, one row per event keyed by (run_id, seq).
type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

const runSelectCols = `id, instruction, agent_id, user_id, job_id, session_id, status, paused_from, error, created_at, updated_at`

// SaveRun upserts the run header.
func (s *RunStore) SaveRun(run *store.Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (`+runSelectCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   paused_from = EXCLUDED.paused_from,
		   error = EXCLUDED.error,
		   updated_at = EXCLUDED.updated_at`,
		run.ID, run.Instruction, run.AgentID, run.UserID, run.JobID, run.SessionID,
		run.Status, run.PausedFrom, run.Error, run.CreatedAt.UTC(), run.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// AppendEvent inserts one event row. Seq arrives already assigned, so a
// replayed insert after a retry hits the primary key and is ignored.
func (s *RunStore) AppendEvent(runID string, ev bus.Event) error {
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO run_events (run_id, seq, type, ts, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, seq) DO NOTHING`,
		runID, ev.Seq, ev.Type, ev.TS.UTC(), payload,
	)
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", runID, ev.Seq, err)
	}
	return nil
}

// LoadRun returns the header and the full event log.
func (s *RunStore) LoadRun(id string) (*store.Run, []bus.Event, error) {
	run, err := s.loadHeader(id)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.Events(id, 0)
	if err != nil {
		return nil, nil, err
	}
	return run, events, nil
}

func (s *RunStore) loadHeader(id string) (*store.Run, error) {
	row := s.db.QueryRow(`SELECT `+runSelectCols+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	return run, nil
}

// LoadAll returns every run header.
func (s *RunStore) LoadAll() ([]*store.Run, error) {
	rows, err := s.db.Query(`SELECT ` + runSelectCols + ` FROM runs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Events returns the run's events with seq > afterSeq, in order.
func (s *RunStore) Events(runID string, afterSeq int64) ([]bus.Event, error) {
	rows, err := s.db.Query(
		`SELECT run_id, seq, type, ts, payload FROM run_events
		 WHERE run_id = $1 AND seq > $2 ORDER BY seq`,
		runID, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("load events %s: %w", runID, err)
	}
	defer rows.Close()

	var events []bus.Event
	for rows.Next() {
		var ev bus.Event
		var payload []byte
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &ev.TS, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("parse event payload %s/%d: %w", runID, ev.Seq, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Delete removes the run and its log. run_events rows go via ON DELETE CASCADE.
func (s *RunStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *RunStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID, &run.Instruction, &run.AgentID, &run.UserID, &run.JobID, &run.SessionID,
		&run.Status, &run.PausedFrom, &run.Error, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	return &run, nil
}

func marshalPayload(p map[string]interface{}) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}
