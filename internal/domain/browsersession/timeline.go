package browsersession

import (
	"context"
	"fmt"
	"strings"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/artifact"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/visualdiff"
)

// finish performs the timeline write for one completed operation, pass or
// fail: it allocates the next sequence, appends the step, recording, and
// pending manifest entry, rewrites the consolidated documents, and, when a
// previous step exists, computes and appends the visual-diff result.
// Callers hold ms.mu, so writes for one session form a FIFO chain.
func (m *Manager) finish(ctx context.Context, ms *managedSession, act Action, actErr *artifact.ActionError, meta *artifact.Metadata) ActionResult {
	ms.timelineSeq++
	seq := ms.timelineSeq

	artifactIDs := []string{}
	artifactPaths := []string{}
	if meta != nil {
		ms.artifacts = append(ms.artifacts, *meta)
		artifactIDs = append(artifactIDs, meta.ID)
		artifactPaths = append(artifactPaths, meta.RelativePath)
	}

	step := artifact.StepRecord{
		Sequence:      seq,
		SessionID:     ms.session.ID,
		RunID:         ms.session.RunID,
		ActionID:      act.ID,
		ActionType:    string(act.Type),
		Timestamp:     m.now(),
		OK:            actErr == nil,
		Error:         actErr,
		ArtifactIDs:   artifactIDs,
		ArtifactPaths: artifactPaths,
	}
	ms.actions = append(ms.actions, step)
	ms.recordings = append(ms.recordings, step)

	var persistErr error
	record := func(name string, err error) {
		if err != nil && persistErr == nil {
			persistErr = fmt.Errorf("%s: %w", name, err)
		}
	}

	record("write metadata", m.store.WriteMetadata(ctx, ms.session.ID, m.buildMetadata(ms)))
	record("write recordings", m.store.WriteRecordings(ctx, ms.session.ID, ms.recordings))
	record("append step", m.store.AppendStep(ctx, ms.session.ID, step))
	record("append manifest entry", m.store.AppendManifestEntry(ctx, ms.session.ID, artifact.VisualDiffManifestEntry{
		SchemaVersion: 1,
		SessionID:     ms.session.ID,
		RunID:         ms.session.RunID,
		Sequence:      seq,
		ActionID:      act.ID,
		ActionType:    string(act.Type),
		Timestamp:     step.Timestamp,
		Status:        artifact.ManifestStatusPending,
		ArtifactIDs:   artifactIDs,
		ArtifactPaths: artifactPaths,
	}))

	if seq >= 2 {
		record("append diff result", m.computeDiff(ctx, ms, seq))
	}

	if persistErr != nil {
		m.loggerFrom(ctx).Error("timeline write failed", "session_id", ms.session.ID, "action_id", act.ID, "error", persistErr)
		if actErr == nil {
			actErr = NewActionError(m.classifier, persistFailureCode(act.Type), fmt.Sprintf("persist timeline: %v", persistErr))
		}
	}

	res := ActionResult{OK: actErr == nil, Action: act, Error: actErr}
	if meta != nil {
		a := *meta
		res.Artifact = &a
	}
	switch act.Type {
	case ActionOpenSession, ActionCloseSession:
		s := ms.session.Clone()
		res.Session = &s
	case ActionNavigate:
		res.URL = ms.session.CurrentURL
	}
	return res
}

// computeDiff compares the most recent screenshot on each side of the
// (previous, current) step pair and appends the result entry.
func (m *Manager) computeDiff(ctx context.Context, ms *managedSession, seq int) error {
	fromStep := ms.actions[seq-2]
	toStep := ms.actions[seq-1]

	fromShot, fromOK := latestScreenshotUpTo(ms, seq-1)
	toShot, toOK := latestScreenshotUpTo(ms, seq)

	var fromBytes, toBytes []byte
	if fromOK {
		if data, err := m.store.ReadArtifact(ctx, ms.session.ID, fromShot.RelativePath); err == nil {
			fromBytes = data
		} else {
			m.logger.Warn("diff source screenshot unreadable", "session_id", ms.session.ID, "path", fromShot.RelativePath, "error", err)
		}
	}
	if toOK {
		if data, err := m.store.ReadArtifact(ctx, ms.session.ID, toShot.RelativePath); err == nil {
			toBytes = data
		} else {
			m.logger.Warn("diff target screenshot unreadable", "session_id", ms.session.ID, "path", toShot.RelativePath, "error", err)
		}
	}

	assessed := visualdiff.Assess(fromBytes, toBytes)

	entry := artifact.VisualDiffResultEntry{
		Index:               seq - 2,
		FromSequence:        fromStep.Sequence,
		FromActionID:        fromStep.ActionID,
		FromActionType:      fromStep.ActionType,
		ToSequence:          toStep.Sequence,
		ToActionID:          toStep.ActionID,
		ToActionType:        toStep.ActionType,
		Status:              artifact.DiffStatus(assessed.Status),
		ChangedByteRatio:    assessed.ChangedByteRatio,
		PerceptualDiffScore: assessed.PerceptualDiffScore,
		Severity:            string(assessed.Severity),
		RegressionScore:     assessed.RegressionScore,
		RegressionSignal:    string(assessed.RegressionSignal),
	}
	if fromOK {
		entry.FromScreenshotPath = fromShot.RelativePath
	}
	if toOK {
		entry.ToScreenshotPath = toShot.RelativePath
	}

	if err := m.store.AppendDiffResult(ctx, ms.session.ID, entry); err != nil {
		return err
	}
	if m.onDiff != nil {
		m.onDiff(ms.session.ID, entry)
	}
	return nil
}

// latestScreenshotUpTo finds the most recent screenshot artifact emitted
// at or before the given step sequence.
func latestScreenshotUpTo(ms *managedSession, seq int) (artifact.Metadata, bool) {
	for i := seq - 1; i >= 0; i-- {
		if i >= len(ms.actions) {
			continue
		}
		for _, id := range ms.actions[i].ArtifactIDs {
			if !strings.HasSuffix(id, ":"+string(artifact.KindScreenshot)) {
				continue
			}
			for _, a := range ms.artifacts {
				if a.ID == id {
					return a, true
				}
			}
		}
	}
	return artifact.Metadata{}, false
}

// buildMetadata assembles the consolidated session document from the
// in-memory state. Slices are copied so the caller-visible document never
// aliases manager internals.
func (m *Manager) buildMetadata(ms *managedSession) artifact.SessionMetadata {
	arts := make([]artifact.Metadata, len(ms.artifacts))
	copy(arts, ms.artifacts)
	acts := make([]artifact.StepRecord, len(ms.actions))
	copy(acts, ms.actions)

	return artifact.SessionMetadata{
		SchemaVersion: 1,
		SessionID:     ms.session.ID,
		RunID:         ms.session.RunID,
		Mode:          ms.session.Mode,
		Status:        ms.session.Status,
		Runtime:       ms.session.Runtime,
		CreatedAt:     ms.session.CreatedAt,
		UpdatedAt:     ms.session.UpdatedAt,
		CurrentURL:    ms.session.CurrentURL,
		WSEndpoint:    ms.session.WSEndpoint,
		ProfileDir:    ms.session.ProfileDir,
		LastError:     ms.session.LastError,
		Artifacts:     arts,
		Actions:       acts,
	}
}

// persistFailureCode maps an action type to the stable code used when its
// timeline write fails after the driver call itself succeeded.
func persistFailureCode(typ ActionType) string {
	switch typ {
	case ActionOpenSession:
		return CodeOpenSessionFailed
	case ActionNavigate:
		return CodeNavigateFailed
	case ActionClick:
		return CodeClickFailed
	case ActionTypeText:
		return CodeTypeFailed
	case ActionSnapshot:
		return CodeSnapshotFailed
	case ActionScreenshot:
		return CodeScreenshotFailed
	default:
		return CodeRuntimeUnavailable
	}
}
