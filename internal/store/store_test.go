package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/vigil/internal/types"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vigil_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// --- Test Scenarios ---

	older := types.ClipEvent{
		ID:           uuid.New(),
		Camera:       "porch",
		TriggerLabel: "person",
		TriggeredAt:  time.Now().Add(-time.Hour).UTC().Truncate(time.Microsecond),
		StillPath:    "/data/a/event.jpg",
		PreFrames:    50,
	}
	newer := older
	newer.ID = uuid.New()
	newer.TriggeredAt = time.Now().UTC().Truncate(time.Microsecond)
	newer.StillPath = "/data/b/event.jpg"

	for _, e := range []types.ClipEvent{older, newer} {
		if err := s.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent failed: %v", err)
		}
	}

	if err := s.FinishEvent(ctx, older.ID, "/data/a/event.mp4", 101, false); err != nil {
		t.Fatalf("FinishEvent failed: %v", err)
	}
	if err := s.FinishEvent(ctx, uuid.New(), "x", 1, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown event, got %v", err)
	}

	// One success, one failure: failures are recorded, not retried
	if err := s.RecordDelivery(ctx, older.ID, "telegram", "video", true, ""); err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}
	if err := s.RecordDelivery(ctx, older.ID, "mqtt", "video", false, "mqtt not connected"); err != nil {
		t.Fatalf("RecordDelivery failed: %v", err)
	}

	got, err := s.GetEvent(ctx, older.ID)
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if got.ClipPath != "/data/a/event.mp4" || got.FrameCount != 101 || got.Partial {
		t.Errorf("Finished event mismatch: %+v", got)
	}
	if got.FinishedAt.IsZero() {
		t.Error("Expected finished_at to be set")
	}
	if !got.TriggeredAt.Equal(older.TriggeredAt) {
		t.Errorf("TriggeredAt mismatch: %v vs %v", got.TriggeredAt, older.TriggeredAt)
	}

	if _, err := s.GetEvent(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	list, err := s.ListEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(list))
	}
	if list[0].ID != newer.ID {
		t.Errorf("Expected newest event first")
	}
	if list[1].Delivered != 1 || list[1].Failed != 1 {
		t.Errorf("Expected 1 delivered / 1 failed, got %d / %d", list[1].Delivered, list[1].Failed)
	}
	if !list[0].FinishedAt.IsZero() {
		t.Error("Unfinished event must have zero FinishedAt")
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
}
