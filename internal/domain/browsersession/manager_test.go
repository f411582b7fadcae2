package browsersession

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/artifactfs"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/artifact"
	"github.com/agencymatthewg-beep/opta-sub003/internal/port/outbound"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- fake driver -----------------------------------------------------------

type fakePage struct {
	mu         sync.Mutex
	gotoErr    error
	gotoDelay  time.Duration
	clickErr   error
	fillErr    error
	content    string
	screenshot []byte
	shotErr    error
}

func (p *fakePage) Goto(ctx context.Context, url string, _ outbound.NavigateOptions) error {
	if p.gotoDelay > 0 {
		select {
		case <-time.After(p.gotoDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.gotoErr
}

func (p *fakePage) Click(_ context.Context, _ string, _ time.Duration) error { return p.clickErr }
func (p *fakePage) Fill(_ context.Context, _, _ string, _ time.Duration) error {
	return p.fillErr
}
func (p *fakePage) Content(_ context.Context) (string, error) { return p.content, nil }
func (p *fakePage) Screenshot(_ context.Context, _ outbound.ScreenshotOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.screenshot, p.shotErr
}

func (p *fakePage) setScreenshot(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.screenshot = data
}

type fakeContext struct {
	page       *fakePage
	initErr    error
	closed     bool
	initCalled bool
}

func (c *fakeContext) Page(_ context.Context) (outbound.Page, error) { return c.page, nil }
func (c *fakeContext) AddInitScript(_ context.Context, _ string) error {
	c.initCalled = true
	return c.initErr
}
func (c *fakeContext) Close(_ context.Context) error {
	c.closed = true
	return nil
}

type fakeBrowser struct {
	ctx    *fakeContext
	closed bool
}

func (b *fakeBrowser) Context(_ context.Context) (outbound.BrowserContext, error) {
	return b.ctx, nil
}
func (b *fakeBrowser) Close(_ context.Context) error {
	b.closed = true
	return nil
}

type fakeDriver struct {
	mu        sync.Mutex
	launchErr error
	browsers  []*fakeBrowser
	page      *fakePage
}

func (d *fakeDriver) newBrowser() *fakeBrowser {
	d.mu.Lock()
	defer d.mu.Unlock()
	page := d.page
	if page == nil {
		page = &fakePage{screenshot: []byte("shot-0"), content: "<html></html>"}
	}
	b := &fakeBrowser{ctx: &fakeContext{page: page}}
	d.browsers = append(d.browsers, b)
	return b
}

func (d *fakeDriver) Launch(_ context.Context, _ outbound.LaunchOptions) (outbound.BrowserHandle, error) {
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	return d.newBrowser(), nil
}

func (d *fakeDriver) Connect(_ context.Context, _ string) (outbound.BrowserHandle, error) {
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	return d.newBrowser(), nil
}

// --- helpers ---------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T, driver outbound.BrowserDriver) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	store := artifactfs.NewStore(root, testLogger())
	return NewManager(driver, store, testLogger()), root
}

func mustOpen(t *testing.T, m *Manager, id string) Session {
	t.Helper()
	res := m.OpenSession(context.Background(), OpenOptions{SessionID: id, Mode: artifact.ModeIsolated})
	if !res.OK {
		t.Fatalf("OpenSession failed: %+v", res.Error)
	}
	return *res.Session
}

// --- tests -----------------------------------------------------------------

func TestManager_OpenNavigateSnapshotCloseTimeline(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{page: &fakePage{screenshot: []byte("shot-a"), content: "<html>hi</html>"}}
	m, root := newTestManager(t, driver)

	mustOpen(t, m, "sess-1")

	if res := m.Navigate(ctx, "sess-1", NavigateInput{URL: "https://example.com/"}); !res.OK {
		t.Fatalf("Navigate failed: %+v", res.Error)
	} else if res.URL != "https://example.com/" {
		t.Errorf("unexpected navigate url: %q", res.URL)
	}

	snap := m.Snapshot(ctx, "sess-1")
	if !snap.OK {
		t.Fatalf("Snapshot failed: %+v", snap.Error)
	}
	if snap.Artifact == nil || snap.Artifact.Kind != artifact.KindSnapshot {
		t.Fatalf("expected snapshot artifact, got %+v", snap.Artifact)
	}

	shot := m.Screenshot(ctx, "sess-1", ScreenshotInput{})
	if !shot.OK {
		t.Fatalf("Screenshot failed: %+v", shot.Error)
	}

	if res := m.CloseSession(ctx, "sess-1"); !res.OK {
		t.Fatalf("CloseSession failed: %+v", res.Error)
	} else if res.Session.Status != artifact.StatusClosed {
		t.Errorf("expected closed status, got %s", res.Session.Status)
	}

	store := artifactfs.NewStore(root, testLogger())
	meta, ok, err := store.ReadMetadata(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("ReadMetadata: ok=%v err=%v", ok, err)
	}

	// Five operations: open, navigate, snapshot, screenshot, close.
	if len(meta.Actions) != 5 {
		t.Fatalf("expected 5 actions, got %d", len(meta.Actions))
	}
	for i, step := range meta.Actions {
		if step.Sequence != i+1 {
			t.Errorf("non-contiguous sequence at %d: %d", i, step.Sequence)
		}
		if !step.OK {
			t.Errorf("step %d unexpectedly failed: %+v", step.Sequence, step.Error)
		}
	}
	if len(meta.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(meta.Artifacts))
	}
	for _, a := range meta.Artifacts {
		if _, err := os.Stat(filepath.Join(root, "sess-1", a.RelativePath)); err != nil {
			t.Errorf("artifact file missing: %s: %v", a.RelativePath, err)
		}
	}

	stepLines := countLines(t, filepath.Join(root, "sess-1", "steps.jsonl"))
	manifestLines := countLines(t, filepath.Join(root, "sess-1", "visual-diff-manifest.jsonl"))
	if stepLines != 5 || manifestLines != 5 {
		t.Errorf("expected 5 step and manifest lines, got %d and %d", stepLines, manifestLines)
	}
	// A diff result exists for every (previous, current) pair.
	diffLines := countLines(t, filepath.Join(root, "sess-1", "visual-diff-results.jsonl"))
	if diffLines != 4 {
		t.Errorf("expected 4 diff results, got %d", diffLines)
	}
}

func TestManager_ActionIDsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, &fakeDriver{})

	mustOpen(t, m, "sess-1")
	first := m.Snapshot(ctx, "sess-1")
	second := m.Snapshot(ctx, "sess-1")

	if !strings.HasPrefix(first.Action.ID, "action-") || !strings.HasPrefix(second.Action.ID, "action-") {
		t.Fatalf("unexpected action id format: %q %q", first.Action.ID, second.Action.ID)
	}
	if first.Action.ID >= second.Action.ID {
		t.Errorf("action ids not monotonic: %q then %q", first.Action.ID, second.Action.ID)
	}
}

func TestManager_UnknownSessionIsNotFound(t *testing.T) {
	m, _ := newTestManager(t, &fakeDriver{})
	res := m.Click(context.Background(), "nope", ClickInput{Selector: "#x"})
	if res.OK || res.Error.Code != CodeSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %+v", res)
	}
	if res.Error.RetryCategory != "session-state" {
		t.Errorf("unexpected retry category: %q", res.Error.RetryCategory)
	}
}

func TestManager_DuplicateOpenIsSessionExists(t *testing.T) {
	m, _ := newTestManager(t, &fakeDriver{})
	mustOpen(t, m, "sess-1")
	res := m.OpenSession(context.Background(), OpenOptions{SessionID: "sess-1"})
	if res.OK || res.Error.Code != CodeSessionExists {
		t.Fatalf("expected SESSION_EXISTS, got %+v", res)
	}
}

func TestManager_MissingSelectorIsInvalidInput(t *testing.T) {
	m, _ := newTestManager(t, &fakeDriver{})
	mustOpen(t, m, "sess-1")

	res := m.Type(context.Background(), "sess-1", TypeInput{Text: "hello"})
	if res.OK || res.Error.Code != CodeTypeFailed {
		t.Fatalf("expected TYPE_FAILED, got %+v", res)
	}
	if res.Error.RetryCategory != "invalid-input" {
		t.Errorf("expected invalid-input category, got %q", res.Error.RetryCategory)
	}
}

func TestManager_NavigateRejectsNonHTTPURL(t *testing.T) {
	m, _ := newTestManager(t, &fakeDriver{})
	mustOpen(t, m, "sess-1")

	res := m.Navigate(context.Background(), "sess-1", NavigateInput{URL: "file:///etc/passwd"})
	if res.OK || res.Error.Code != CodeNavigateFailed {
		t.Fatalf("expected NAVIGATE_FAILED, got %+v", res)
	}
}

func TestManager_AttachRequiresLoopbackEndpoint(t *testing.T) {
	m, _ := newTestManager(t, &fakeDriver{})

	tests := []struct {
		name     string
		endpoint string
		wantOK   bool
	}{
		{"loopback ws", "ws://127.0.0.1:9222/devtools", true},
		{"localhost ws", "ws://localhost:9222/devtools", true},
		{"remote host", "ws://evil.example:9222/devtools", false},
		{"http scheme", "http://127.0.0.1:9222/devtools", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.OpenSession(context.Background(), OpenOptions{
				SessionID:  "attach-" + tt.name,
				Mode:       artifact.ModeAttach,
				WSEndpoint: tt.endpoint,
			})
			if res.OK != tt.wantOK {
				t.Fatalf("OpenSession ok=%v, want %v (err=%+v)", res.OK, tt.wantOK, res.Error)
			}
			if !tt.wantOK && res.Error.Code != CodeOpenSessionFailed {
				t.Errorf("expected OPEN_SESSION_FAILED, got %q", res.Error.Code)
			}
		})
	}
}

func TestManager_CancelledNavigateClosesDriver(t *testing.T) {
	page := &fakePage{gotoDelay: 5 * time.Second}
	driver := &fakeDriver{page: page}
	m, _ := newTestManager(t, driver)
	mustOpen(t, m, "sess-1")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res := m.Navigate(ctx, "sess-1", NavigateInput{URL: "https://example.com/"})
	if res.OK || res.Error.Code != CodeActionCancelled {
		t.Fatalf("expected ACTION_CANCELLED, got %+v", res)
	}
	if res.Error.RetryCategory != "runtime-unavailable" {
		t.Errorf("unexpected retry category: %q", res.Error.RetryCategory)
	}

	driver.mu.Lock()
	b := driver.browsers[0]
	driver.mu.Unlock()
	if !b.closed || !b.ctx.closed {
		t.Error("expected driver handles to be closed after abort")
	}

	// The session stays managed, with its runtime marked unavailable.
	s, ok := m.Get("sess-1")
	if !ok {
		t.Fatal("session should still be managed")
	}
	if s.Runtime != artifact.RuntimeUnavailable {
		t.Errorf("expected runtime unavailable after abort, got %s", s.Runtime)
	}
}

func TestManager_DriverErrorIsTranslated(t *testing.T) {
	page := &fakePage{gotoErr: errors.New("net::ERR_CONNECTION_RESET at https://example.com")}
	m, _ := newTestManager(t, &fakeDriver{page: page})
	mustOpen(t, m, "sess-1")

	res := m.Navigate(context.Background(), "sess-1", NavigateInput{URL: "https://example.com/"})
	if res.OK || res.Error.Code != CodeNavigateFailed {
		t.Fatalf("expected NAVIGATE_FAILED, got %+v", res)
	}
	if !res.Error.Retryable || res.Error.RetryCategory != "network" {
		t.Errorf("expected retryable network error, got %+v", res.Error)
	}
}

func TestManager_OpenFailureReturnsOpenSessionFailed(t *testing.T) {
	driver := &fakeDriver{launchErr: errors.New("browser executable not found")}
	m, _ := newTestManager(t, driver)

	res := m.OpenSession(context.Background(), OpenOptions{SessionID: "sess-1"})
	if res.OK || res.Error.Code != CodeOpenSessionFailed {
		t.Fatalf("expected OPEN_SESSION_FAILED, got %+v", res)
	}
	if _, ok := m.Get("sess-1"); ok {
		t.Error("failed open must not register a session")
	}
}

func TestManager_RecordFailureAppendsFailedStep(t *testing.T) {
	ctx := context.Background()
	m, root := newTestManager(t, &fakeDriver{})
	mustOpen(t, m, "sess-1")

	actErr := NewActionError(nil, "POLICY_DENY", "blocked origin")
	res := m.RecordFailure(ctx, "sess-1", ActionClick, actErr)
	if res.OK {
		t.Fatal("expected failed result")
	}

	store := artifactfs.NewStore(root, testLogger())
	meta, ok, err := store.ReadMetadata(ctx, "sess-1")
	if err != nil || !ok {
		t.Fatalf("ReadMetadata: %v", err)
	}
	last := meta.Actions[len(meta.Actions)-1]
	if last.OK || last.Error == nil || last.Error.Code != "POLICY_DENY" {
		t.Fatalf("expected recorded denial step, got %+v", last)
	}
}

func TestManager_DiffDetectsChangedScreenshots(t *testing.T) {
	ctx := context.Background()
	page := &fakePage{screenshot: []byte(strings.Repeat("\x00", 1000))}
	m, root := newTestManager(t, &fakeDriver{page: page})
	mustOpen(t, m, "sess-1")

	if res := m.Screenshot(ctx, "sess-1", ScreenshotInput{}); !res.OK {
		t.Fatal(res.Error)
	}
	page.setScreenshot([]byte(strings.Repeat("\xff", 1000)))
	if res := m.Screenshot(ctx, "sess-1", ScreenshotInput{}); !res.OK {
		t.Fatal(res.Error)
	}

	store := artifactfs.NewStore(root, testLogger())
	entries, err := store.ReadDiffResults(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if last.Status != artifact.DiffStatusChanged {
		t.Fatalf("expected changed diff, got %+v", last)
	}
	if last.ChangedByteRatio == nil || *last.ChangedByteRatio != 1.0 {
		t.Errorf("expected changedByteRatio 1.0, got %v", last.ChangedByteRatio)
	}
	if last.Severity != "high" || last.RegressionSignal != "regression" {
		t.Errorf("expected high/regression, got %s/%s", last.Severity, last.RegressionSignal)
	}
	if last.RegressionScore < 0.75 {
		t.Errorf("expected regression score >= 0.75, got %f", last.RegressionScore)
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
