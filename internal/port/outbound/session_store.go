package outbound

import (
	"context"
	"time"
)

// SessionRecord is the minimal persisted state needed to recover or
// re-attach to one native session across a Runtime Daemon restart.
// It is deliberately smaller than artifact.SessionMetadata:
// it carries only what crash recovery needs, not the full action/artifact
// timeline (which lives in the Artifact/Timeline Store).
type SessionRecord struct {
	SessionID  string    `json:"sessionId"`
	RunID      string    `json:"runId"`
	Mode       string    `json:"mode"`
	WSEndpoint string    `json:"wsEndpoint,omitempty"`
	ProfileDir string    `json:"profileDir,omitempty"`
	CurrentURL string    `json:"currentUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`

	// RecoveredAt is set once a restarted daemon successfully reopens the
	// session.
	RecoveredAt *time.Time `json:"recoveredAt,omitempty"`
}

// SessionStoreState is the full contents of runtime-sessions.json.
type SessionStoreState struct {
	SchemaVersion int             `json:"schemaVersion"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Sessions      []SessionRecord `json:"sessions"`
}

// SessionStore is the outbound port for the Runtime Daemon's crash-recovery
// session ledger at `.opta/browser/runtime-sessions.json`.
type SessionStore interface {
	// Load reads the current state. A missing file is not an error: it
	// returns a zero-value SessionStoreState with SchemaVersion defaulted.
	Load(ctx context.Context) (SessionStoreState, error)

	// Save atomically replaces the persisted state.
	Save(ctx context.Context, state SessionStoreState) error

	// Path returns the on-disk path of the store file.
	Path() string
}
