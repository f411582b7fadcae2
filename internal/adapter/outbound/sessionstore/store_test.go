package sessionstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agencymatthewg-beep/opta-sub003/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFileStore_LoadMissingReturnsEmptyState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime-sessions.json")
	s := NewFileStore(path, testLogger())

	state, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.SchemaVersion != 1 {
		t.Errorf("expected default SchemaVersion 1, got %d", state.SchemaVersion)
	}
	if len(state.Sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(state.Sessions))
	}
}

// TestFileStore_RoundTrip grounds R3: write(x).then(read) reproduces the
// saved sessions, modulo the store-assigned UpdatedAt/SchemaVersion
// normalization.
func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runtime-sessions.json")
	s := NewFileStore(path, testLogger())

	now := time.Now().UTC().Truncate(time.Second)
	want := outbound.SessionStoreState{
		Sessions: []outbound.SessionRecord{
			{SessionID: "sess-1", RunID: "run-1", Mode: "isolated", CreatedAt: now, UpdatedAt: now},
			{SessionID: "sess-2", RunID: "run-1", Mode: "attach", WSEndpoint: "ws://127.0.0.1:9222/devtools/browser/abc", CreatedAt: now, UpdatedAt: now},
		},
	}

	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.SchemaVersion != 1 {
		t.Errorf("expected SchemaVersion 1, got %d", got.SchemaVersion)
	}
	if len(got.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got.Sessions))
	}
	for i, rec := range got.Sessions {
		if rec.SessionID != want.Sessions[i].SessionID || rec.Mode != want.Sessions[i].Mode {
			t.Errorf("session %d: got %+v, want %+v", i, rec, want.Sessions[i])
		}
	}
}

func TestFileStore_SaveCreatesBackupOfPriorVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runtime-sessions.json")
	s := NewFileStore(path, testLogger())

	if err := s.Save(ctx, outbound.SessionStoreState{Sessions: []outbound.SessionRecord{{SessionID: "a"}}}); err != nil {
		t.Fatalf("Save #1: %v", err)
	}
	if err := s.Save(ctx, outbound.SessionStoreState{Sessions: []outbound.SessionRecord{{SessionID: "b"}}}); err != nil {
		t.Fatalf("Save #2: %v", err)
	}

	bak := path + ".bak"
	if _, err := os.Stat(bak); err != nil {
		t.Fatalf("expected backup file to exist: %v", err)
	}
}

func TestFileStore_LoadToleratesEmptySessionsField(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runtime-sessions.json")
	if err := os.WriteFile(path, []byte(`{"schemaVersion":1,"updatedAt":"2026-01-01T00:00:00Z"}`), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewFileStore(path, testLogger())
	state, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.Sessions == nil {
		t.Error("expected non-nil empty Sessions slice")
	}
}
