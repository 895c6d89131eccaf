package taskqueue

import (
	"context"
	"io"
	"log"
	"testing"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/router"
	"switchyard/internal/store"
)

func TestMovedKeepsFieldsWrittenBeforeRename(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	cfg := config.Default(t.TempDir())
	s, err := store.Open(cfg.Root, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	q, err := New(s, router.New(s, router.OptionsFromConfig(cfg, logger)), cfg, logger)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	stale, err := q.Create(context.Background(), TaskCreateOptions{Title: "bounced"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// A release lands after stale was read.
	released := stale
	released.Releases = 2
	released.ReleaseReason = "stale: worker W did not finish"
	if err := q.replace(domain.TaskPending, released); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := s.Move(stale.ID, statusDir(domain.TaskPending), statusDir(domain.TaskActive)); err != nil {
		t.Fatalf("move: %v", err)
	}
	got := q.moved(domain.TaskActive, stale)
	if got.Releases != 2 || got.ReleaseReason != released.ReleaseReason {
		t.Fatalf("expected release fields to survive, got %+v", got)
	}
	if got.Status != domain.TaskActive {
		t.Fatalf("expected active status, got %s", got.Status)
	}
}
