package outbound

import (
	"context"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/artifact"
)

// TimelineStore is the outbound port for a session's durable artifact and
// timeline data under `.opta/browser/<sessionId>/`. Every write must leave
// the cross-file timeline invariants intact even across a crash.
type TimelineStore interface {
	// EnsureSessionDir creates the session's artifact directory if absent.
	EnsureSessionDir(ctx context.Context, sessionID string) (dir string, err error)

	// WriteArtifact persists raw artifact bytes under the session directory
	// and returns the resulting Metadata (path, size, mime type).
	WriteArtifact(ctx context.Context, sessionID, actionID string, kind artifact.Kind, sequence int, ext string, data []byte) (artifact.Metadata, error)

	// ReadArtifact loads the raw bytes of a previously written artifact.
	ReadArtifact(ctx context.Context, sessionID string, relativePath string) ([]byte, error)

	// LatestScreenshot returns the artifact metadata for the most recently
	// written screenshot in a session, or ok=false if none exists.
	LatestScreenshot(ctx context.Context, sessionID string) (artifact.Metadata, bool, error)

	// AppendStep appends a StepRecord to steps.jsonl.
	AppendStep(ctx context.Context, sessionID string, rec artifact.StepRecord) error

	// AppendManifestEntry appends a VisualDiffManifestEntry.
	AppendManifestEntry(ctx context.Context, sessionID string, entry artifact.VisualDiffManifestEntry) error

	// AppendDiffResult appends a VisualDiffResultEntry.
	AppendDiffResult(ctx context.Context, sessionID string, entry artifact.VisualDiffResultEntry) error

	// ReadDiffResults loads visual-diff-results.jsonl, skipping any torn
	// or malformed trailing line.
	ReadDiffResults(ctx context.Context, sessionID string) ([]artifact.VisualDiffResultEntry, error)

	// WriteRecordings rewrites recordings.json with the full sorted set.
	WriteRecordings(ctx context.Context, sessionID string, entries []artifact.RecordingEntry) error

	// WriteMetadata rewrites metadata.json with the full session document.
	WriteMetadata(ctx context.Context, sessionID string, meta artifact.SessionMetadata) error

	// ReadMetadata loads metadata.json, or ok=false if it does not exist.
	ReadMetadata(ctx context.Context, sessionID string) (artifact.SessionMetadata, bool, error)

	// ListSessionDirs enumerates session directories under the store root,
	// excluding reserved subdirectories (profiles, run-corpus, canary-evidence).
	ListSessionDirs(ctx context.Context) ([]string, error)

	// RemoveSessionDir deletes a session's entire artifact subtree. Used by
	// artifact retention pruning.
	RemoveSessionDir(ctx context.Context, sessionID string) error
}
