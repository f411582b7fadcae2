package browsersession

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agencymatthewg-beep/opta-sub003/internal/ctxkey"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/artifact"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/retry"
	"github.com/agencymatthewg-beep/opta-sub003/internal/port/outbound"
)

const (
	defaultNavigateTimeout = 30 * time.Second
	defaultActionTimeout   = 10 * time.Second
)

// overlayInitScript is injected into every driver context at open time so
// pages can surface an automation indicator. Injection is best-effort; a
// failure never blocks session open.
const overlayInitScript = `(() => {
  if (window.__optaOverlayInstalled) return;
  window.__optaOverlayInstalled = true;
})();`

// managedSession pairs a session descriptor with its live driver handles
// and the in-memory timeline state. Its mutex is the per-session append
// chain: every operation holds it for the full driver-call-plus-timeline
// write, so sequences stay contiguous and the three logs stay in step.
type managedSession struct {
	mu sync.Mutex

	session    Session
	browser    outbound.BrowserHandle
	browserCtx outbound.BrowserContext
	page       outbound.Page

	artifacts  []artifact.Metadata
	actions    []artifact.StepRecord
	recordings []artifact.RecordingEntry

	timelineSeq int
}

// DiffHook observes every computed visual-diff result. Wired by the
// Runtime Daemon for metrics; may be nil.
type DiffHook func(sessionID string, entry artifact.VisualDiffResultEntry)

// Manager is the Native Session Manager: it owns the in-memory map of
// managed sessions and is the only component that touches the driver.
type Manager struct {
	driver     outbound.BrowserDriver
	store      outbound.TimelineStore
	classifier retry.Classifier
	logger     *slog.Logger
	tracer     trace.Tracer
	onDiff     DiffHook

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*managedSession

	actionSeq atomic.Int64
}

// ManagerOption customizes a Manager at construction time.
type ManagerOption func(*Manager)

// WithClassifier replaces the default retry taxonomy.
func WithClassifier(c retry.Classifier) ManagerOption {
	return func(m *Manager) { m.classifier = c }
}

// WithDiffHook installs an observer for computed visual-diff results.
func WithDiffHook(h DiffHook) ManagerOption {
	return func(m *Manager) { m.onDiff = h }
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager. driver may be nil, in which case
// OpenSession fails with RUNTIME_UNAVAILABLE; no session is registered, so
// nothing is recorded to a timeline.
func NewManager(driver outbound.BrowserDriver, store outbound.TimelineStore, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		driver:     driver,
		store:      store,
		classifier: retry.DefaultClassifier(),
		logger:     logger,
		tracer:     otel.Tracer("browsersession"),
		now:        func() time.Time { return time.Now().UTC() },
		sessions:   make(map[string]*managedSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// loggerFrom returns the interceptor-enriched logger from ctx when one was
// stashed, falling back to the manager's own.
func (m *Manager) loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return l
	}
	return m.logger
}

// nextAction mints a fresh Action with a globally monotonic ID.
func (m *Manager) nextAction(sessionID string, typ ActionType, input map[string]any) Action {
	n := m.actionSeq.Add(1)
	return Action{
		ID:        fmt.Sprintf("action-%06d", n),
		SessionID: sessionID,
		Type:      typ,
		CreatedAt: m.now(),
		Input:     input,
	}
}

// List returns descriptor snapshots for every managed session.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms.session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a snapshot of one session descriptor.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return ms.session.Clone(), true
}

// ActiveIDs returns the IDs of every managed session.
func (m *Manager) ActiveIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) lookup(sessionID string) (*managedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	return ms, ok
}

// OpenSession launches or attaches a browser and registers a new managed
// session. The returned result carries a cloned session descriptor.
func (m *Manager) OpenSession(ctx context.Context, opts OpenOptions) ActionResult {
	if opts.SessionID == "" {
		opts.SessionID = "sess-" + uuid.NewString()
	}
	if opts.Mode == "" {
		opts.Mode = artifact.ModeIsolated
	}

	input := map[string]any{"mode": string(opts.Mode)}
	if opts.RunID != "" {
		input["runId"] = opts.RunID
	}
	if opts.WSEndpoint != "" {
		input["wsEndpoint"] = opts.WSEndpoint
	}
	if opts.ProfileDir != "" {
		input["profileDir"] = opts.ProfileDir
	}
	act := m.nextAction(opts.SessionID, ActionOpenSession, input)

	m.mu.Lock()
	if _, exists := m.sessions[opts.SessionID]; exists {
		m.mu.Unlock()
		return ActionResult{OK: false, Action: act, Error: NewActionError(m.classifier, CodeSessionExists, fmt.Sprintf("session %s already exists", opts.SessionID))}
	}
	m.mu.Unlock()

	if m.driver == nil {
		return ActionResult{OK: false, Action: act, Error: NewActionError(m.classifier, CodeRuntimeUnavailable, "no browser driver is configured")}
	}
	if opts.Mode == artifact.ModeAttach {
		if err := validateAttachEndpoint(opts.WSEndpoint); err != nil {
			return ActionResult{OK: false, Action: act, Error: NewActionError(m.classifier, CodeOpenSessionFailed, err.Error())}
		}
	}

	ctx, span := m.tracer.Start(ctx, "session.open", trace.WithAttributes(
		attribute.String("session.id", opts.SessionID),
		attribute.String("session.mode", string(opts.Mode)),
	))
	defer span.End()

	handles, err := m.openDriver(ctx, opts)
	if err != nil {
		code := CodeOpenSessionFailed
		if err == errCancelled {
			code = CodeActionCancelled
		}
		return ActionResult{OK: false, Action: act, Error: NewActionError(m.classifier, code, fmt.Sprintf("open session: %v", err))}
	}
	browser, browserCtx, page := handles.browser, handles.browserCtx, handles.page
	closeHandles := func() {
		_ = browserCtx.Close(context.Background())
		_ = browser.Close(context.Background())
	}

	if err := browserCtx.AddInitScript(ctx, overlayInitScript); err != nil {
		m.logger.Warn("overlay init script injection failed", "session_id", opts.SessionID, "error", err)
	}

	dir, dirErr := m.store.EnsureSessionDir(ctx, opts.SessionID)
	if dirErr != nil {
		closeHandles()
		return ActionResult{OK: false, Action: act, Error: NewActionError(m.classifier, CodeOpenSessionFailed, fmt.Sprintf("open session: %v", dirErr))}
	}

	now := m.now()
	ms := &managedSession{
		session: Session{
			ID:           opts.SessionID,
			RunID:        opts.RunID,
			Mode:         opts.Mode,
			Status:       artifact.StatusOpen,
			Runtime:      artifact.RuntimeAvailable,
			CreatedAt:    now,
			UpdatedAt:    now,
			ArtifactsDir: dir,
			ProfileDir:   opts.ProfileDir,
			WSEndpoint:   opts.WSEndpoint,
		},
		browser:    browser,
		browserCtx: browserCtx,
		page:       page,
	}

	// Reopening a session that already has a timeline on disk (recovery)
	// resumes its sequence instead of restarting at 1, so the on-disk logs
	// stay contiguous across a daemon restart.
	if prev, ok, err := m.store.ReadMetadata(ctx, opts.SessionID); err == nil && ok && len(prev.Actions) > 0 {
		ms.artifacts = append(ms.artifacts, prev.Artifacts...)
		ms.actions = append(ms.actions, prev.Actions...)
		ms.recordings = append(ms.recordings, prev.Actions...)
		ms.timelineSeq = prev.Actions[len(prev.Actions)-1].Sequence
		ms.session.CreatedAt = prev.CreatedAt
		if opts.RunID == "" {
			ms.session.RunID = prev.RunID
		}
		ms.session.CurrentURL = prev.CurrentURL
	}

	m.mu.Lock()
	if _, exists := m.sessions[opts.SessionID]; exists {
		m.mu.Unlock()
		closeHandles()
		return ActionResult{OK: false, Action: act, Error: NewActionError(m.classifier, CodeSessionExists, fmt.Sprintf("session %s already exists", opts.SessionID))}
	}
	m.sessions[opts.SessionID] = ms
	m.mu.Unlock()

	m.logger.Info("session opened", "session_id", opts.SessionID, "mode", opts.Mode, "run_id", opts.RunID)

	ms.mu.Lock()
	defer ms.mu.Unlock()
	return m.finish(ctx, ms, act, nil, nil)
}

// CloseSession tears down a session's driver handles, marks it closed, and
// removes it from the map.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) ActionResult {
	act := m.nextAction(sessionID, ActionCloseSession, nil)

	ms, ok := m.lookup(sessionID)
	if !ok {
		return ActionResult{OK: false, Action: act, Error: NewActionError(m.classifier, CodeSessionNotFound, fmt.Sprintf("session %s not found", sessionID))}
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.browserCtx != nil {
		if err := ms.browserCtx.Close(ctx); err != nil {
			m.logger.Warn("close browser context failed", "session_id", sessionID, "error", err)
		}
		ms.browserCtx = nil
	}
	if ms.browser != nil {
		if err := ms.browser.Close(ctx); err != nil {
			m.logger.Warn("close browser failed", "session_id", sessionID, "error", err)
		}
		ms.browser = nil
	}
	ms.page = nil
	ms.session.Status = artifact.StatusClosed
	ms.session.Runtime = artifact.RuntimeUnavailable
	ms.session.UpdatedAt = m.now()

	res := m.finish(ctx, ms, act, nil, nil)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.logger.Info("session closed", "session_id", sessionID)
	return res
}

// Navigate drives the session's page to a URL.
func (m *Manager) Navigate(ctx context.Context, sessionID string, in NavigateInput) ActionResult {
	input := map[string]any{"url": in.URL}
	if in.WaitUntil != "" {
		input["waitUntil"] = in.WaitUntil
	}
	if in.TimeoutMs > 0 {
		input["timeoutMs"] = in.TimeoutMs
	}
	act := m.nextAction(sessionID, ActionNavigate, input)

	return m.withOpenSession(ctx, sessionID, act, func(ctx context.Context, ms *managedSession) (*artifact.Metadata, *artifact.ActionError) {
		if err := validateHTTPURL(in.URL); err != nil {
			return nil, NewActionError(m.classifier, CodeNavigateFailed, err.Error())
		}
		timeout := defaultNavigateTimeout
		if in.TimeoutMs > 0 {
			timeout = time.Duration(in.TimeoutMs) * time.Millisecond
		}
		err := m.raceDriver(ctx, func(callCtx context.Context) error {
			return ms.page.Goto(callCtx, in.URL, outbound.NavigateOptions{Timeout: timeout, WaitUntil: in.WaitUntil})
		}, func() { m.closeHandlesLocked(ms) })
		if err != nil {
			if err == errCancelled {
				return nil, NewActionError(m.classifier, CodeActionCancelled, "navigate cancelled")
			}
			return nil, wrapDriverError(m.classifier, CodeNavigateFailed, err)
		}
		ms.session.CurrentURL = in.URL
		return nil, nil
	})
}

// Click clicks the element matched by a selector.
func (m *Manager) Click(ctx context.Context, sessionID string, in ClickInput) ActionResult {
	input := map[string]any{"selector": in.Selector}
	if in.TimeoutMs > 0 {
		input["timeoutMs"] = in.TimeoutMs
	}
	act := m.nextAction(sessionID, ActionClick, input)

	return m.withOpenSession(ctx, sessionID, act, func(ctx context.Context, ms *managedSession) (*artifact.Metadata, *artifact.ActionError) {
		if strings.TrimSpace(in.Selector) == "" {
			return nil, NewActionError(m.classifier, CodeClickFailed, "missing selector for click")
		}
		err := m.raceDriver(ctx, func(callCtx context.Context) error {
			return ms.page.Click(callCtx, in.Selector, actionTimeout(in.TimeoutMs))
		}, func() { m.closeHandlesLocked(ms) })
		if err != nil {
			if err == errCancelled {
				return nil, NewActionError(m.classifier, CodeActionCancelled, "click cancelled")
			}
			return nil, wrapDriverError(m.classifier, CodeClickFailed, err)
		}
		return nil, nil
	})
}

// Type fills the element matched by a selector with text.
func (m *Manager) Type(ctx context.Context, sessionID string, in TypeInput) ActionResult {
	input := map[string]any{"selector": in.Selector, "text": in.Text}
	if in.TimeoutMs > 0 {
		input["timeoutMs"] = in.TimeoutMs
	}
	act := m.nextAction(sessionID, ActionTypeText, input)

	return m.withOpenSession(ctx, sessionID, act, func(ctx context.Context, ms *managedSession) (*artifact.Metadata, *artifact.ActionError) {
		if strings.TrimSpace(in.Selector) == "" {
			return nil, NewActionError(m.classifier, CodeTypeFailed, "missing selector for type")
		}
		err := m.raceDriver(ctx, func(callCtx context.Context) error {
			return ms.page.Fill(callCtx, in.Selector, in.Text, actionTimeout(in.TimeoutMs))
		}, func() { m.closeHandlesLocked(ms) })
		if err != nil {
			if err == errCancelled {
				return nil, NewActionError(m.classifier, CodeActionCancelled, "type cancelled")
			}
			return nil, wrapDriverError(m.classifier, CodeTypeFailed, err)
		}
		return nil, nil
	})
}

// Snapshot captures the page HTML as a snapshot artifact.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) ActionResult {
	act := m.nextAction(sessionID, ActionSnapshot, nil)

	return m.withOpenSession(ctx, sessionID, act, func(ctx context.Context, ms *managedSession) (*artifact.Metadata, *artifact.ActionError) {
		var html string
		err := m.raceDriver(ctx, func(callCtx context.Context) error {
			var err error
			html, err = ms.page.Content(callCtx)
			return err
		}, func() { m.closeHandlesLocked(ms) })
		if err != nil {
			if err == errCancelled {
				return nil, NewActionError(m.classifier, CodeActionCancelled, "snapshot cancelled")
			}
			return nil, wrapDriverError(m.classifier, CodeSnapshotFailed, err)
		}
		meta, werr := m.store.WriteArtifact(ctx, sessionID, act.ID, artifact.KindSnapshot, ms.timelineSeq+1, "html", []byte(html))
		if werr != nil {
			return nil, NewActionError(m.classifier, CodeSnapshotFailed, fmt.Sprintf("persist snapshot: %v", werr))
		}
		return &meta, nil
	})
}

// Screenshot captures the page as an image artifact.
func (m *Manager) Screenshot(ctx context.Context, sessionID string, in ScreenshotInput) ActionResult {
	format := in.Format
	if format != "jpeg" {
		format = "png"
	}
	input := map[string]any{"type": format}
	if in.FullPage {
		input["fullPage"] = true
	}
	if in.Quality > 0 {
		input["quality"] = in.Quality
	}
	act := m.nextAction(sessionID, ActionScreenshot, input)

	return m.withOpenSession(ctx, sessionID, act, func(ctx context.Context, ms *managedSession) (*artifact.Metadata, *artifact.ActionError) {
		var data []byte
		err := m.raceDriver(ctx, func(callCtx context.Context) error {
			var err error
			data, err = ms.page.Screenshot(callCtx, outbound.ScreenshotOptions{FullPage: in.FullPage, Format: format, Quality: in.Quality})
			return err
		}, func() { m.closeHandlesLocked(ms) })
		if err != nil {
			if err == errCancelled {
				return nil, NewActionError(m.classifier, CodeActionCancelled, "screenshot cancelled")
			}
			return nil, wrapDriverError(m.classifier, CodeScreenshotFailed, err)
		}
		ext := "png"
		if format == "jpeg" {
			ext = "jpg"
		}
		meta, werr := m.store.WriteArtifact(ctx, sessionID, act.ID, artifact.KindScreenshot, ms.timelineSeq+1, ext, data)
		if werr != nil {
			return nil, NewActionError(m.classifier, CodeScreenshotFailed, fmt.Sprintf("persist screenshot: %v", werr))
		}
		return &meta, nil
	})
}

// RecordFailure appends a failed step to a session's timeline without
// touching the driver. The MCP Interceptor uses it to record policy
// denials, and the daemon uses it to record a failed recovery probe.
func (m *Manager) RecordFailure(ctx context.Context, sessionID string, typ ActionType, actErr *artifact.ActionError) ActionResult {
	act := m.nextAction(sessionID, typ, nil)

	ms, ok := m.lookup(sessionID)
	if !ok {
		return ActionResult{OK: false, Action: act, Error: actErr}
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.session.LastError = actErr
	ms.session.UpdatedAt = m.now()
	return m.finish(ctx, ms, act, actErr, nil)
}

// withOpenSession runs fn under the session's append chain after checking
// the session exists, is open, and has a live driver. Gate failures are
// still recorded to the timeline when the session exists.
func (m *Manager) withOpenSession(ctx context.Context, sessionID string, act Action, fn func(context.Context, *managedSession) (*artifact.Metadata, *artifact.ActionError)) ActionResult {
	ms, ok := m.lookup(sessionID)
	if !ok {
		return ActionResult{OK: false, Action: act, Error: NewActionError(m.classifier, CodeSessionNotFound, fmt.Sprintf("session %s not found", sessionID))}
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.session.Status != artifact.StatusOpen {
		actErr := NewActionError(m.classifier, CodeSessionClosed, fmt.Sprintf("session %s is closed", sessionID))
		return m.finish(ctx, ms, act, actErr, nil)
	}
	if ms.page == nil {
		actErr := NewActionError(m.classifier, CodeRuntimeUnavailable, "no live driver page for session")
		return m.finish(ctx, ms, act, actErr, nil)
	}

	ctx, span := m.tracer.Start(ctx, "session."+string(act.Type), trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("action.id", act.ID),
	))
	defer span.End()

	meta, actErr := fn(ctx, ms)
	ms.session.UpdatedAt = m.now()
	if actErr != nil {
		ms.session.LastError = actErr
	}
	return m.finish(ctx, ms, act, actErr, meta)
}

func actionTimeout(timeoutMs int) time.Duration {
	if timeoutMs > 0 {
		return time.Duration(timeoutMs) * time.Millisecond
	}
	return defaultActionTimeout
}

// closeHandlesLocked closes a session's driver handles best-effort. Called
// from the abort path of a cancelled driver call; the caller already holds
// ms.mu through the enclosing operation.
func (m *Manager) closeHandlesLocked(ms *managedSession) {
	if ms.browserCtx != nil {
		_ = ms.browserCtx.Close(context.Background())
		ms.browserCtx = nil
	}
	if ms.browser != nil {
		_ = ms.browser.Close(context.Background())
		ms.browser = nil
	}
	ms.page = nil
	ms.session.Runtime = artifact.RuntimeUnavailable
}

func validateHTTPURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("missing url for navigate")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// validateAttachEndpoint restricts attach mode to ws/wss endpoints on
// loopback: attaching to a remote browser would move the trust boundary
// outside this process.
func validateAttachEndpoint(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("attach mode requires a wsEndpoint")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid wsEndpoint %q: %v", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("wsEndpoint scheme %q is not ws or wss", u.Scheme)
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" && host != "::1" {
		return fmt.Errorf("wsEndpoint host %q is not loopback", host)
	}
	return nil
}
