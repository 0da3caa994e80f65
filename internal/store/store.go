package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/archive"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/pipeline"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
	"github.com/jackc/pgx/v5"
)

// DefaultListLimit caps List* queries when the caller passes a non-positive limit.
const DefaultListLimit = 100

// Store journals runs and archived face captures in PostgreSQL.
// Calls are serialised; a single pgx.Conn is not safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Run is one row of the runs table.
type Run struct {
	ID        string
	Source    string
	SourceID  string
	StartedAt time.Time
	StoppedAt *time.Time // nil while the run is still open
	Captures  int
}

// CaptureRecord is one row of the face_captures table.
type CaptureRecord struct {
	ID         int64
	RunID      string
	IdentityID types.IdentityID
	Path       string
	ObservedAt time.Time
	RecordedAt time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS face_captures (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			identity_id BIGINT NOT NULL,
			path TEXT NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			recorded_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (run_id, identity_id)
		);
		CREATE INDEX IF NOT EXISTS face_captures_observed_at_idx ON face_captures (observed_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// BeginRun registers a new run.
func (s *Store) BeginRun(ctx context.Context, info pipeline.RunInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO runs (id, source, source_id, started_at)
		VALUES ($1, $2, $3, $4)
	`, info.ID, info.Source, info.SourceID, info.StartedAt)
	return err
}

// EndRun stamps the stop time of a run. Ending an unknown run is an error.
func (s *Store) EndRun(ctx context.Context, runID string, stoppedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx, "UPDATE runs SET stopped_at = $1 WHERE id = $2", stoppedAt, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// RecordCapture saves an archived face. Recording the same identity twice in
// one run keeps the first row.
func (s *Store) RecordCapture(ctx context.Context, c archive.Capture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO face_captures (run_id, identity_id, path, observed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, identity_id) DO NOTHING
	`, c.RunID, int64(c.IdentityID), c.Path, c.ObservedAt)
	return err
}

// ListCaptures returns the most recently observed captures first.
func (s *Store) ListCaptures(ctx context.Context, limit int) ([]CaptureRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT id, run_id, identity_id, path, observed_at, recorded_at
		FROM face_captures
		ORDER BY observed_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CaptureRecord
	for rows.Next() {
		var c CaptureRecord
		var identity int64
		if err := rows.Scan(&c.ID, &c.RunID, &identity, &c.Path, &c.ObservedAt, &c.RecordedAt); err != nil {
			return nil, err
		}
		c.IdentityID = types.IdentityID(identity)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListRuns returns runs newest first, with their capture counts.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT r.id, r.source, r.source_id, r.started_at, r.stopped_at, COUNT(c.id)
		FROM runs r
		LEFT JOIN face_captures c ON c.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Source, &r.SourceID, &r.StartedAt, &r.StoppedAt, &r.Captures); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// The next New recreates them.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS face_captures CASCADE;
		DROP TABLE IF EXISTS runs CASCADE;
	`)
	return err
}

var _ pipeline.Journal = (*Store)(nil)
