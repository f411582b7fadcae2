package approvallog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/approval"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStore_AppendAndRecent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "approval-log.jsonl")
	s, err := NewStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	events := []approval.Event{
		{Timestamp: time.Now().UTC(), Tool: "navigate", Decision: approval.DecisionApproved, Risk: "high"},
		{Timestamp: time.Now().UTC(), Tool: "click", Decision: approval.DecisionDenied, Risk: "high"},
	}
	for _, e := range events {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
	// Newest first.
	if recent[0].Tool != "click" {
		t.Errorf("expected newest first, got %q", recent[0].Tool)
	}
}

func TestStore_TolerateMalformedFinalLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approval-log.jsonl")
	good := `{"timestamp":"2026-01-01T00:00:00Z","tool":"navigate","decision":"approved"}` + "\n"
	torn := `{"timestamp":"2026-01-01T00:01:00Z","tool":"clic`
	if err := os.WriteFile(path, []byte(good+torn), 0600); err != nil {
		t.Fatal(err)
	}

	s, err := NewStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer func() { _ = s.Close() }()

	recent, err := s.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected the torn line to be skipped, got %d entries", len(recent))
	}
}

func TestStore_PruneByAgeAndCount(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "approval-log.jsonl")
	s, err := NewStore(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	old := approval.Event{Timestamp: time.Now().UTC().AddDate(0, 0, -30), Tool: "old", Decision: approval.DecisionDenied}
	if err := s.Append(ctx, old); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, approval.Event{Timestamp: time.Now().UTC(), Tool: "recent", Decision: approval.DecisionApproved}); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Prune(ctx, 7, 3); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	recent, err := s.Recent(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries after prune, got %d", len(recent))
	}
	for _, e := range recent {
		if e.Tool == "old" {
			t.Error("expected old entry to be pruned by age")
		}
	}
}
