package runcorpusfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/corpus"
)

func TestStore_WriteSnapshotAndReadLatest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := NewStore(dir)

	summary := corpus.Summary{
		SchemaVersion:        1,
		GeneratedAt:          time.Date(2026, 8, 1, 12, 30, 45, 0, time.UTC),
		WindowHours:          24,
		AssessedSessionCount: 3,
		Entries:              []corpus.SessionEntry{},
	}
	if err := s.WriteSnapshot(ctx, summary); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "latest.json")); err != nil {
		t.Fatalf("latest.json missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "20260801-123045.json")); err != nil {
		t.Fatalf("timestamped snapshot missing: %v", err)
	}

	got, ok, err := s.ReadLatest(ctx)
	if err != nil || !ok {
		t.Fatalf("ReadLatest: ok=%v err=%v", ok, err)
	}
	if got.AssessedSessionCount != 3 || got.WindowHours != 24 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestStore_ReadLatestMissing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "run-corpus"))
	_, ok, err := s.ReadLatest(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing latest.json")
	}
}
