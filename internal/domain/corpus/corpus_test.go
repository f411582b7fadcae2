package corpus

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/approvallog"
	"github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/artifactfs"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/approval"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/artifact"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeSession(t *testing.T, store *artifactfs.Store, sessionID string, updatedAt time.Time, failures int, scores []float64) {
	t.Helper()
	ctx := context.Background()

	actions := []artifact.StepRecord{}
	for i := 0; i < 2+failures; i++ {
		step := artifact.StepRecord{Sequence: i + 1, SessionID: sessionID, ActionType: "navigate", OK: i >= failures}
		actions = append(actions, step)
	}
	meta := artifact.SessionMetadata{
		SchemaVersion: 1,
		SessionID:     sessionID,
		Status:        artifact.StatusClosed,
		UpdatedAt:     updatedAt,
		Actions:       actions,
	}
	if err := store.WriteMetadata(ctx, sessionID, meta); err != nil {
		t.Fatal(err)
	}
	for i, score := range scores {
		signal := "none"
		switch {
		case score >= 0.70:
			signal = "regression"
		case score >= 0.35:
			signal = "investigate"
		}
		entry := artifact.VisualDiffResultEntry{
			Index: i, FromSequence: i + 1, ToSequence: i + 2,
			Status: artifact.DiffStatusChanged, Severity: "medium",
			RegressionScore: score, RegressionSignal: signal,
		}
		if err := store.AppendDiffResult(ctx, sessionID, entry); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuild_WindowAndAggregation(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := artifactfs.NewStore(root, testLogger())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	writeSession(t, store, "sess-fresh", now.Add(-time.Hour), 0, []float64{0.9, 0.8})
	writeSession(t, store, "sess-ok", now.Add(-2*time.Hour), 0, []float64{0.1})
	writeSession(t, store, "sess-stale", now.Add(-48*time.Hour), 0, []float64{0.9})

	summary, err := Build(ctx, store, nil, now, 24)
	if err != nil {
		t.Fatal(err)
	}
	if summary.AssessedSessionCount != 2 {
		t.Fatalf("expected 2 assessed sessions, got %d", summary.AssessedSessionCount)
	}
	if summary.RegressionSessionCount != 1 {
		t.Errorf("expected 1 regression session, got %d", summary.RegressionSessionCount)
	}
	if summary.MaxRegressionScore != 0.9 {
		t.Errorf("expected max score 0.9, got %f", summary.MaxRegressionScore)
	}
	if summary.WindowHours != 24 || summary.SchemaVersion != 1 {
		t.Errorf("unexpected summary envelope: %+v", summary)
	}
}

func TestBuild_JoinsApprovalLog(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := artifactfs.NewStore(root, testLogger())
	now := time.Now().UTC()

	writeSession(t, store, "sess-risky", now.Add(-time.Hour), 0, nil)

	log, err := approvallog.NewStore(root+"/approval-log.jsonl", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	if err := log.Append(ctx, approval.Event{
		Timestamp: now, Tool: "browser_navigate", SessionID: "sess-risky",
		Decision: approval.DecisionApproved, Risk: "high", ActionKey: "auth_submit",
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := Build(ctx, store, log, now, 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(summary.Entries))
	}
	tools := summary.Entries[0].HighRiskTools
	if len(tools) != 1 || tools[0] != "browser_navigate" {
		t.Errorf("expected high-risk tool annotation, got %v", tools)
	}
}

func TestDeriveHint_DisabledIgnoresSummary(t *testing.T) {
	summary := Summary{
		AssessedSessionCount:   10,
		RegressionSessionCount: 10,
		MeanRegressionScore:    1.0,
	}
	hint := DeriveHint(summary, AdaptationConfig{Enabled: false})
	if hint.Enabled || hint.Policy.EscalateRisk || hint.Intent.RoutePenalty != 0 {
		t.Fatalf("disabled adaptation must never escalate: %+v", hint)
	}
}

func TestDeriveHint_EscalatesOnRegressionPressure(t *testing.T) {
	summary := Summary{
		AssessedSessionCount:   4,
		RegressionSessionCount: 2,
		Entries: []SessionEntry{
			{ActionCount: 10, FailureCount: 0},
			{ActionCount: 10, FailureCount: 0},
		},
	}
	cfg := AdaptationConfig{Enabled: true, MinAssessedSessions: 3}
	hint := DeriveHint(summary, cfg)
	if !hint.Policy.EscalateRisk {
		t.Fatalf("expected escalation at pressure 0.5: %+v", hint)
	}
	if hint.Intent.RoutePenalty != 0.25 {
		t.Errorf("expected default route penalty 0.25, got %f", hint.Intent.RoutePenalty)
	}
}

func TestDeriveHint_IsDeterministic(t *testing.T) {
	summary := Summary{
		AssessedSessionCount:   5,
		RegressionSessionCount: 3,
		MeanRegressionScore:    0.6,
		Entries:                []SessionEntry{{ActionCount: 4, FailureCount: 2}},
	}
	cfg := AdaptationConfig{Enabled: true}
	a := DeriveHint(summary, cfg)
	b := DeriveHint(summary, cfg)
	if a != b {
		t.Fatalf("hint derivation must be deterministic:\n%+v\n%+v", a, b)
	}
	if a.Rationale == "" {
		t.Error("expected a rationale string")
	}
}

func TestDeriveHint_InsufficientData(t *testing.T) {
	hint := DeriveHint(Summary{AssessedSessionCount: 1}, AdaptationConfig{Enabled: true})
	if hint.Policy.EscalateRisk {
		t.Fatalf("must not escalate below minAssessedSessions: %+v", hint)
	}
	if !hint.Enabled {
		t.Error("hint should still report enabled=true")
	}
}
