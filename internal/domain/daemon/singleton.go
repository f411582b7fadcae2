package daemon

import (
	"context"
	"sync"
)

// The process-wide shared daemon. Reconfiguration fully tears down the
// previous instance (closing its sessions) before the replacement is
// constructed.
var (
	sharedMu sync.Mutex
	shared   *Daemon
)

// GetShared returns the shared daemon for the given options, constructing
// one if absent. If a shared daemon exists with different options it is
// stopped with session teardown first and replaced.
func GetShared(ctx context.Context, opts Options, deps Deps) (*Daemon, error) {
	opts.SetDefaults()

	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		if shared.Options() == opts && shared.State() != StateKilled {
			return shared, nil
		}
		if err := shared.Stop(ctx, StopOptions{CloseSessions: true}); err != nil {
			return nil, err
		}
		shared = nil
	}

	shared = New(opts, deps)
	return shared, nil
}

// ResetShared stops and forgets the shared daemon (tests and process
// teardown).
func ResetShared(ctx context.Context) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Stop(ctx, StopOptions{CloseSessions: true})
	shared = nil
	return err
}
