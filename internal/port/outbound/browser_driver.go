package outbound

import (
	"context"
	"time"
)

// LaunchOptions configures a fresh isolated browser launch.
type LaunchOptions struct {
	Headless   bool
	ProfileDir string // non-empty launches a persistent context rooted here
}

// NavigateOptions tunes a single page navigation.
type NavigateOptions struct {
	Timeout   time.Duration
	WaitUntil string // load | domcontentloaded | networkidle | commit
}

// ScreenshotOptions tunes a single screenshot capture.
type ScreenshotOptions struct {
	FullPage bool
	Format   string // png | jpeg
	Quality  int    // jpeg only
}

// BrowserDriver is the outbound port for the external browser automation
// driver. The driver implementation lives outside this module; this contract is
// the full surface the Native Session Manager needs from it.
type BrowserDriver interface {
	// Launch starts a fresh browser for an isolated-mode session.
	Launch(ctx context.Context, opts LaunchOptions) (BrowserHandle, error)

	// Connect attaches to an already-running browser over its remote-debug
	// websocket endpoint.
	Connect(ctx context.Context, wsEndpoint string) (BrowserHandle, error)
}

// BrowserHandle is one live browser process or remote connection.
type BrowserHandle interface {
	// Context returns the browser context to use: for a launched browser a
	// fresh context, for an attached one the first existing context.
	Context(ctx context.Context) (BrowserContext, error)

	// Close tears down the browser (or disconnects, for attach mode).
	Close(ctx context.Context) error
}

// BrowserContext is one isolated cookie/storage scope within a browser.
type BrowserContext interface {
	// Page returns the page to drive: the first existing page, or a fresh
	// one if none exists.
	Page(ctx context.Context) (Page, error)

	// AddInitScript injects a script evaluated on every future navigation.
	AddInitScript(ctx context.Context, script string) error

	// Close tears down the context and all its pages.
	Close(ctx context.Context) error
}

// Page is one drivable browser tab.
type Page interface {
	Goto(ctx context.Context, url string, opts NavigateOptions) error
	Click(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, text string, timeout time.Duration) error
	Content(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
}
