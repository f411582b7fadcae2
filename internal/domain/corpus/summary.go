// Package corpus builds the run-corpus: a rolling summary of recent
// sessions' regression telemetry, and the adaptation hint derived from it.
// Summaries are aggregation only; hint derivation is a pure function so
// identical inputs always produce identical hints.
package corpus

import (
	"context"
	"sort"
	"time"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/approval"
	"github.com/agencymatthewg-beep/opta-sub003/internal/port/outbound"
)

// approvalJoinLimit bounds how many recent approval events are scanned
// when annotating entries with high-risk tool usage.
const approvalJoinLimit = 2000

// SessionEntry is one session's aggregated telemetry within the window.
type SessionEntry struct {
	SessionID           string    `json:"sessionId"`
	RunID               string    `json:"runId,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
	ActionCount         int       `json:"actionCount"`
	FailureCount        int       `json:"failureCount"`
	AssessedDiffCount   int       `json:"assessedDiffCount"`
	MaxRegressionScore  float64   `json:"maxRegressionScore"`
	MeanRegressionScore float64   `json:"meanRegressionScore"`
	RegressionSignal    string    `json:"regressionSignal"`
	HighRiskTools       []string  `json:"highRiskTools,omitempty"`
}

// Summary is the persisted run-corpus snapshot.
type Summary struct {
	SchemaVersion           int            `json:"schemaVersion"`
	GeneratedAt             time.Time      `json:"generatedAt"`
	WindowHours             int            `json:"windowHours"`
	AssessedSessionCount    int            `json:"assessedSessionCount"`
	RegressionSessionCount  int            `json:"regressionSessionCount"`
	InvestigateSessionCount int            `json:"investigateSessionCount"`
	MeanRegressionScore     float64        `json:"meanRegressionScore"`
	MaxRegressionScore      float64        `json:"maxRegressionScore"`
	Entries                 []SessionEntry `json:"entries"`
}

// Build scans every session directory, keeps those updated within the
// window ending at generatedAt, and aggregates their diff telemetry into a
// Summary. When approvals is non-nil, entries are annotated with the
// high-risk tools that were approved for that session.
func Build(ctx context.Context, store outbound.TimelineStore, approvals outbound.ApprovalLog, generatedAt time.Time, windowHours int) (Summary, error) {
	summary := Summary{
		SchemaVersion: 1,
		GeneratedAt:   generatedAt,
		WindowHours:   windowHours,
		Entries:       []SessionEntry{},
	}

	dirs, err := store.ListSessionDirs(ctx)
	if err != nil {
		return Summary{}, err
	}
	cutoff := generatedAt.Add(-time.Duration(windowHours) * time.Hour)

	highRisk := highRiskToolsBySession(ctx, approvals)

	var scoreTotal float64
	for _, sessionID := range dirs {
		meta, ok, err := store.ReadMetadata(ctx, sessionID)
		if err != nil || !ok {
			continue
		}
		if meta.UpdatedAt.Before(cutoff) {
			continue
		}

		entry := SessionEntry{
			SessionID:        meta.SessionID,
			RunID:            meta.RunID,
			UpdatedAt:        meta.UpdatedAt,
			ActionCount:      len(meta.Actions),
			RegressionSignal: "none",
			HighRiskTools:    highRisk[meta.SessionID],
		}
		for _, step := range meta.Actions {
			if !step.OK {
				entry.FailureCount++
			}
		}

		diffs, err := store.ReadDiffResults(ctx, sessionID)
		if err == nil {
			var diffTotal float64
			for _, d := range diffs {
				entry.AssessedDiffCount++
				diffTotal += d.RegressionScore
				if d.RegressionScore > entry.MaxRegressionScore {
					entry.MaxRegressionScore = d.RegressionScore
				}
				entry.RegressionSignal = worseSignal(entry.RegressionSignal, d.RegressionSignal)
			}
			if entry.AssessedDiffCount > 0 {
				entry.MeanRegressionScore = diffTotal / float64(entry.AssessedDiffCount)
			}
		}

		summary.Entries = append(summary.Entries, entry)
		summary.AssessedSessionCount++
		scoreTotal += entry.MeanRegressionScore
		if entry.MaxRegressionScore > summary.MaxRegressionScore {
			summary.MaxRegressionScore = entry.MaxRegressionScore
		}
		switch entry.RegressionSignal {
		case "regression":
			summary.RegressionSessionCount++
		case "investigate":
			summary.InvestigateSessionCount++
		}
	}

	if summary.AssessedSessionCount > 0 {
		summary.MeanRegressionScore = scoreTotal / float64(summary.AssessedSessionCount)
	}
	sort.Slice(summary.Entries, func(i, j int) bool {
		return summary.Entries[i].SessionID < summary.Entries[j].SessionID
	})
	return summary, nil
}

// highRiskToolsBySession joins the approval log into a sessionID -> tools
// map for entries that used approved high-risk tools.
func highRiskToolsBySession(ctx context.Context, approvals outbound.ApprovalLog) map[string][]string {
	if approvals == nil {
		return nil
	}
	events, err := approvals.Recent(ctx, approvalJoinLimit)
	if err != nil {
		return nil
	}
	byID := make(map[string]map[string]struct{})
	for _, ev := range events {
		if ev.Decision != approval.DecisionApproved || ev.Risk != "high" || ev.SessionID == "" {
			continue
		}
		if byID[ev.SessionID] == nil {
			byID[ev.SessionID] = make(map[string]struct{})
		}
		byID[ev.SessionID][ev.Tool] = struct{}{}
	}
	out := make(map[string][]string, len(byID))
	for id, tools := range byID {
		list := make([]string, 0, len(tools))
		for tool := range tools {
			list = append(list, tool)
		}
		sort.Strings(list)
		out[id] = list
	}
	return out
}

func worseSignal(a, b string) string {
	rank := map[string]int{"none": 0, "investigate": 1, "regression": 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
