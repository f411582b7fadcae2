package browsersession

import (
	"context"
	"errors"

	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/artifact"
	"github.com/agencymatthewg-beep/opta-sub003/internal/port/outbound"
)

// errCancelled is the internal sentinel for an aborted driver call.
var errCancelled = errors.New("action cancelled")

type driverHandles struct {
	browser    outbound.BrowserHandle
	browserCtx outbound.BrowserContext
	page       outbound.Page
}

// openDriver launches or attaches a browser for a new session, racing the
// whole open against ctx cancellation. When the caller aborts mid-open,
// any handles the in-flight goroutine finishes building are torn down
// best-effort so nothing leaks.
func (m *Manager) openDriver(ctx context.Context, opts OpenOptions) (driverHandles, error) {
	if ctx.Err() != nil {
		return driverHandles{}, errCancelled
	}

	type openResult struct {
		h   driverHandles
		err error
	}

	callCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan openResult, 1)
	go func() {
		var h driverHandles
		var err error
		if opts.Mode == artifact.ModeAttach {
			h.browser, err = m.driver.Connect(callCtx, opts.WSEndpoint)
		} else {
			h.browser, err = m.driver.Launch(callCtx, outbound.LaunchOptions{Headless: opts.Headless, ProfileDir: opts.ProfileDir})
		}
		if err != nil {
			done <- openResult{err: err}
			return
		}
		if h.browserCtx, err = h.browser.Context(callCtx); err != nil {
			_ = h.browser.Close(context.Background())
			done <- openResult{err: err}
			return
		}
		if h.page, err = h.browserCtx.Page(callCtx); err != nil {
			_ = h.browserCtx.Close(context.Background())
			_ = h.browser.Close(context.Background())
			done <- openResult{err: err}
			return
		}
		done <- openResult{h: h}
	}()

	select {
	case r := <-done:
		return r.h, r.err
	case <-ctx.Done():
		cancel()
		go func() {
			if r := <-done; r.err == nil {
				_ = r.h.browserCtx.Close(context.Background())
				_ = r.h.browser.Close(context.Background())
			}
		}()
		return driverHandles{}, errCancelled
	}
}

// raceDriver runs one driver call and races it against ctx cancellation.
// An abort before the call fails fast; an abort during the call invokes
// onAbort (best-effort driver-handle teardown, which also unsticks the
// in-flight call) and surfaces errCancelled. The driver call runs under
// its own cancellable context so teardown does not depend on the driver
// honoring the caller's deadline.
func (m *Manager) raceDriver(ctx context.Context, fn func(context.Context) error, onAbort func()) error {
	if ctx.Err() != nil {
		return errCancelled
	}

	callCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		if onAbort != nil {
			onAbort()
		}
		return errCancelled
	}
}
