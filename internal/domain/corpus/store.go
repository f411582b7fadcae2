package corpus

import (
	"context"
)

// RunCorpusStore is the outbound port for persisted run-corpus snapshots
// under `.opta/browser/run-corpus/`.
type RunCorpusStore interface {
	// WriteSnapshot persists a summary as both latest.json and a
	// timestamped sibling.
	WriteSnapshot(ctx context.Context, summary Summary) error

	// ReadLatest loads latest.json, or ok=false if no snapshot exists.
	ReadLatest(ctx context.Context) (Summary, bool, error)
}
