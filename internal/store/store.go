package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/vigil/internal/types"
)

// ErrNotFound is returned when an event ID does not exist.
var ErrNotFound = errors.New("event not found")

// Store manages the PostgreSQL connection holding the event history.
// A pgx.Conn is not safe for concurrent use; mu serializes the capture loop
// and the delivery goroutine.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
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
		CREATE TABLE IF NOT EXISTS clip_events (
			id UUID PRIMARY KEY,
			camera TEXT NOT NULL,
			trigger_label TEXT NOT NULL,
			triggered_at TIMESTAMPTZ NOT NULL,
			still_path TEXT NOT NULL DEFAULT '',
			clip_path TEXT NOT NULL DEFAULT '',
			pre_frames INT NOT NULL DEFAULT 0,
			frame_count INT NOT NULL DEFAULT 0,
			partial BOOLEAN NOT NULL DEFAULT FALSE,
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS deliveries (
			id BIGSERIAL PRIMARY KEY,
			event_id UUID REFERENCES clip_events(id) ON DELETE CASCADE,
			sink TEXT NOT NULL,
			kind TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			attempted_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS clip_events_triggered_at_idx ON clip_events (triggered_at DESC);
		CREATE INDEX IF NOT EXISTS deliveries_event_id_idx ON deliveries (event_id);
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

// InsertEvent records the start of an event (trigger time and still image).
func (s *Store) InsertEvent(ctx context.Context, e types.ClipEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO clip_events (id, camera, trigger_label, triggered_at, still_path, pre_frames)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.Camera, e.TriggerLabel, e.TriggeredAt, e.StillPath, e.PreFrames)
	return err
}

// FinishEvent stores the flushed clip. It is called once per event.
func (s *Store) FinishEvent(ctx context.Context, id uuid.UUID, clipPath string, frameCount int, partial bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.conn.Exec(ctx, `
		UPDATE clip_events
		SET clip_path = $2, frame_count = $3, partial = $4, finished_at = NOW()
		WHERE id = $1
	`, id, clipPath, frameCount, partial)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDelivery logs one delivery attempt. Failed attempts are kept for the operator, never replayed.
func (s *Store) RecordDelivery(ctx context.Context, eventID uuid.UUID, sink, kind string, success bool, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO deliveries (event_id, sink, kind, success, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, eventID, sink, kind, success, detail)
	return err
}

// EventSummary is a row of the event listing.
type EventSummary struct {
	types.ClipEvent
	Delivered int
	Failed    int
}

const eventColumns = `e.id, e.camera, e.trigger_label, e.triggered_at, e.still_path, e.clip_path,
	e.pre_frames, e.frame_count, e.partial, e.finished_at`

func scanEvent(row pgx.Row, extra ...any) (types.ClipEvent, error) {
	var e types.ClipEvent
	var finished *time.Time
	dest := []any{&e.ID, &e.Camera, &e.TriggerLabel, &e.TriggeredAt, &e.StillPath, &e.ClipPath,
		&e.PreFrames, &e.FrameCount, &e.Partial, &finished}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return e, err
	}
	if finished != nil {
		e.FinishedAt = *finished
	}
	return e, nil
}

// ListEvents returns the most recent events with their delivery tallies.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]EventSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, `
		SELECT `+eventColumns+`,
			COUNT(d.id) FILTER (WHERE d.success),
			COUNT(d.id) FILTER (WHERE NOT d.success)
		FROM clip_events e
		LEFT JOIN deliveries d ON d.event_id = e.id
		GROUP BY e.id
		ORDER BY e.triggered_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventSummary
	for rows.Next() {
		var sum EventSummary
		ev, err := scanEvent(rows, &sum.Delivered, &sum.Failed)
		if err != nil {
			return nil, err
		}
		sum.ClipEvent = ev
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetEvent loads a single event.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (types.ClipEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.conn.QueryRow(ctx, `SELECT `+eventColumns+` FROM clip_events e WHERE e.id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS deliveries CASCADE;
		DROP TABLE IF EXISTS clip_events CASCADE;
	`)
	return err
}
