// Package artifact defines the data model for a session's durable timeline:
// artifact metadata, step records, recordings, and visual-diff telemetry.
package artifact

import "time"

// Kind identifies what an artifact file represents.
type Kind string

const (
	KindMetadata   Kind = "metadata"
	KindSnapshot   Kind = "snapshot"
	KindScreenshot Kind = "screenshot"
)

// Metadata describes a single artifact file owned by a session directory.
type Metadata struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	ActionID     string    `json:"actionId"`
	Kind         Kind      `json:"kind"`
	CreatedAt    time.Time `json:"createdAt"`
	RelativePath string    `json:"relativePath"`
	AbsolutePath string    `json:"absolutePath"`
	MimeType     string    `json:"mimeType"`
	SizeBytes    int64     `json:"sizeBytes"`
}

// ActionError is the structured error carried on a failed ActionResult.
type ActionError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable"`
	RetryCategory string `json:"retryCategory"`
	RetryHint     string `json:"retryHint,omitempty"`
}

// StepRecord is one append-only entry in a session's steps.jsonl.
type StepRecord struct {
	Sequence      int          `json:"sequence"`
	SessionID     string       `json:"sessionId"`
	RunID         string       `json:"runId,omitempty"`
	ActionID      string       `json:"actionId"`
	ActionType    string       `json:"actionType"`
	Timestamp     time.Time    `json:"timestamp"`
	OK            bool         `json:"ok"`
	Error         *ActionError `json:"error,omitempty"`
	ArtifactIDs   []string     `json:"artifactIds"`
	ArtifactPaths []string     `json:"artifactPaths"`
}

// RecordingEntry has an identical shape to StepRecord; it is persisted as a
// sorted JSON array rather than an append-only log.
type RecordingEntry = StepRecord

// ManifestStatus is the lifecycle state of a VisualDiffManifestEntry.
type ManifestStatus string

const (
	ManifestStatusPending ManifestStatus = "pending"
)

// VisualDiffManifestEntry is one append-only placeholder entry per step,
// written before the corresponding diff result is computed.
type VisualDiffManifestEntry struct {
	SchemaVersion int            `json:"schemaVersion"`
	SessionID     string         `json:"sessionId"`
	RunID         string         `json:"runId,omitempty"`
	Sequence      int            `json:"sequence"`
	ActionID      string         `json:"actionId"`
	ActionType    string         `json:"actionType"`
	Timestamp     time.Time      `json:"timestamp"`
	Status        ManifestStatus `json:"status"`
	ArtifactIDs   []string       `json:"artifactIds"`
	ArtifactPaths []string       `json:"artifactPaths"`
}

// DiffStatus mirrors visualdiff.Status for the persisted result entry.
type DiffStatus string

const (
	DiffStatusChanged   DiffStatus = "changed"
	DiffStatusUnchanged DiffStatus = "unchanged"
	DiffStatusMissing   DiffStatus = "missing"
)

// VisualDiffResultEntry is one append-only computed comparison between two
// consecutive screenshots for a session.
type VisualDiffResultEntry struct {
	Index               int        `json:"index"`
	FromSequence        int        `json:"fromSequence"`
	FromActionID        string     `json:"fromActionId"`
	FromActionType      string     `json:"fromActionType"`
	ToSequence          int        `json:"toSequence"`
	ToActionID          string     `json:"toActionId"`
	ToActionType        string     `json:"toActionType"`
	FromScreenshotPath  string     `json:"fromScreenshotPath,omitempty"`
	ToScreenshotPath    string     `json:"toScreenshotPath,omitempty"`
	Status              DiffStatus `json:"status"`
	ChangedByteRatio    *float64   `json:"changedByteRatio,omitempty"`
	PerceptualDiffScore *float64   `json:"perceptualDiffScore,omitempty"`
	Severity            string     `json:"severity"`
	RegressionScore     float64    `json:"regressionScore"`
	RegressionSignal    string     `json:"regressionSignal"`
}

// Mode is a session's isolation mode.
type Mode string

const (
	ModeIsolated Mode = "isolated"
	ModeAttach   Mode = "attach"
)

// Status is a session's open/closed lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Runtime reports whether a session's driver is currently usable.
type Runtime string

const (
	RuntimeAvailable   Runtime = "driver-available"
	RuntimeUnavailable Runtime = "unavailable"
)

// SessionMetadata is the consolidated per-session JSON document.
type SessionMetadata struct {
	SchemaVersion int          `json:"schemaVersion"`
	SessionID     string       `json:"sessionId"`
	RunID         string       `json:"runId,omitempty"`
	Mode          Mode         `json:"mode"`
	Status        Status       `json:"status"`
	Runtime       Runtime      `json:"runtime"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	CurrentURL    string       `json:"currentUrl,omitempty"`
	WSEndpoint    string       `json:"wsEndpoint,omitempty"`
	ProfileDir    string       `json:"profileDir,omitempty"`
	LastError     *ActionError `json:"lastError,omitempty"`
	Artifacts     []Metadata   `json:"artifacts"`
	Actions       []StepRecord `json:"actions"`
}
