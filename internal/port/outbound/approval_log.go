package outbound

import (
	"context"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/approval"
)

// ApprovalLog is the outbound port for the append-only gated-decision audit
// trail at `.opta/browser/approval-log.jsonl`.
type ApprovalLog interface {
	// Append writes one ApprovalEvent as a new line.
	Append(ctx context.Context, event approval.Event) error

	// Recent returns the last n events, newest first.
	Recent(ctx context.Context, n int) ([]approval.Event, error)

	// Prune deletes entries older than maxAge, then truncates to at most
	// maxEntries newest entries.
	Prune(ctx context.Context, maxAgeDays int, maxEntries int) error

	// Close releases any held file handles.
	Close() error
}
