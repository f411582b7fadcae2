// Package daemon implements the Runtime Daemon: the singleton orchestrator
// that gates every session operation on daemon state and session caps,
// recovers persisted sessions at startup, and runs the periodic retention
// and run-corpus jobs.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/approvallog"
	"github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/artifactfs"
	"github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/runcorpusfs"
	"github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/sessionstore"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/artifact"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/browsersession"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/corpus"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/retry"
	"github.com/agencymatthewg-beep/opta-sub003/internal/observability"
	"github.com/agencymatthewg-beep/opta-sub003/internal/port/outbound"
)

// Daemon-level error codes, in addition to the session manager's.
const (
	CodeDaemonStopped      = "DAEMON_STOPPED"
	CodeDaemonPaused       = "DAEMON_PAUSED"
	CodeSessionOpening     = "SESSION_OPENING"
	CodeMaxSessionsReached = "MAX_SESSIONS_REACHED"
)

// State is the daemon lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateKilled  State = "killed"
)

// RetentionConfig tunes profile and artifact pruning.
type RetentionConfig struct {
	ProfileMaxAgeHours   int  `yaml:"profileMaxAgeHours" mapstructure:"profile_max_age_hours" validate:"gte=0"`
	ProfileMaxCount      int  `yaml:"profileMaxCount" mapstructure:"profile_max_count" validate:"gte=0"`
	ArtifactPruneEnabled bool `yaml:"artifactPruneEnabled" mapstructure:"artifact_prune_enabled"`
	ArtifactMaxAgeHours  int  `yaml:"artifactMaxAgeHours" mapstructure:"artifact_max_age_hours" validate:"gte=0"`
	ArtifactMaxCount     int  `yaml:"artifactMaxCount" mapstructure:"artifact_max_count" validate:"gte=0"`
	PruneIntervalMinutes int  `yaml:"pruneIntervalMinutes" mapstructure:"prune_interval_minutes" validate:"gte=0"`
}

// RunCorpusConfig tunes the run-corpus refresh job.
type RunCorpusConfig struct {
	Enabled                bool                    `yaml:"enabled" mapstructure:"enabled"`
	WindowHours            int                     `yaml:"windowHours" mapstructure:"window_hours" validate:"gte=0"`
	RefreshIntervalMinutes int                     `yaml:"refreshIntervalMinutes" mapstructure:"refresh_interval_minutes" validate:"gte=0"`
	Adaptation             corpus.AdaptationConfig `yaml:"adaptation" mapstructure:"adaptation"`
}

// Options is the identity key of a daemon: two daemons with equal Options
// are interchangeable; differing Options force a replace-after-stop.
type Options struct {
	Root            string
	PersistSessions bool
	PersistProfile  bool
	MaxSessions     int
	Retention       RetentionConfig
	RunCorpus       RunCorpusConfig
}

// SetDefaults fills unset option values.
func (o *Options) SetDefaults() {
	if o.Root == "" {
		o.Root = filepath.Join(".opta", "browser")
	}
	if o.MaxSessions == 0 {
		o.MaxSessions = 4
	}
	if o.Retention.ProfileMaxAgeHours == 0 {
		o.Retention.ProfileMaxAgeHours = 7 * 24
	}
	if o.Retention.ProfileMaxCount == 0 {
		o.Retention.ProfileMaxCount = 16
	}
	if o.Retention.ArtifactMaxAgeHours == 0 {
		o.Retention.ArtifactMaxAgeHours = 14 * 24
	}
	if o.Retention.ArtifactMaxCount == 0 {
		o.Retention.ArtifactMaxCount = 64
	}
	if o.Retention.PruneIntervalMinutes == 0 {
		o.Retention.PruneIntervalMinutes = 30
	}
	if o.RunCorpus.WindowHours == 0 {
		o.RunCorpus.WindowHours = 24
	}
	if o.RunCorpus.RefreshIntervalMinutes == 0 {
		o.RunCorpus.RefreshIntervalMinutes = 15
	}
	o.RunCorpus.Adaptation.SetDefaults()
}

// Deps are the collaborators a Daemon composes. Nil fields are replaced
// with filesystem defaults rooted at Options.Root (Driver stays nil, which
// yields RUNTIME_UNAVAILABLE on driver-backed operations).
type Deps struct {
	Driver     outbound.BrowserDriver
	Timeline   outbound.TimelineStore
	Sessions   outbound.SessionStore
	Approvals  outbound.ApprovalLog
	Corpus     corpus.RunCorpusStore
	Classifier retry.Classifier
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// PruneHealth reports the outcome of the last retention passes.
type PruneHealth struct {
	LastProfileRun    time.Time `json:"lastProfileRun,omitzero"`
	LastArtifactRun   time.Time `json:"lastArtifactRun,omitzero"`
	LastProfileError  string    `json:"lastProfileError,omitempty"`
	LastArtifactError string    `json:"lastArtifactError,omitempty"`
	ProfilesPruned    int       `json:"profilesPruned"`
	ArtifactsPruned   int       `json:"artifactsPruned"`
}

// CorpusHealth reports the outcome of the last run-corpus refresh.
type CorpusHealth struct {
	LastRefresh time.Time   `json:"lastRefresh,omitzero"`
	LastReason  string      `json:"lastReason,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
	Hint        corpus.Hint `json:"hint"`
	Explain     string      `json:"explain,omitempty"`
}

// Health is the structured daemon snapshot.
type Health struct {
	State               State                    `json:"state"`
	Sessions            []browsersession.Session `json:"sessions"`
	PendingOpens        []string                 `json:"pendingOpens,omitempty"`
	RecoveredSessionIDs []string                 `json:"recoveredSessionIds,omitempty"`
	Prune               PruneHealth              `json:"prune"`
	RunCorpus           CorpusHealth             `json:"runCorpus"`
}

// Daemon is the single orchestrator for one (cwd) control plane.
type Daemon struct {
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	driver      outbound.BrowserDriver
	timeline    outbound.TimelineStore
	sessions    outbound.SessionStore
	approvals   outbound.ApprovalLog
	corpusStore corpus.RunCorpusStore
	classifier  retry.Classifier

	manager *browsersession.Manager

	mu           sync.Mutex
	state        State
	pendingOpens map[string]struct{}
	recovered    map[string]time.Time
	rootCtx      context.Context
	rootCancel   context.CancelFunc
	timerCancel  context.CancelFunc
	timerWG      sync.WaitGroup

	pruneMu     sync.Mutex
	pruneHealth PruneHealth

	corpusMu         sync.Mutex
	corpusRefreshing bool
	corpusHealth     CorpusHealth
}

// New constructs a stopped Daemon.
func New(opts Options, deps Deps) *Daemon {
	opts.SetDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Timeline == nil {
		deps.Timeline = artifactfs.NewStore(opts.Root, logger)
	}
	if deps.Sessions == nil {
		deps.Sessions = sessionstore.NewFileStore(filepath.Join(opts.Root, "runtime-sessions.json"), logger)
	}
	if deps.Approvals == nil {
		if store, err := approvallog.NewStore(filepath.Join(opts.Root, "approval-log.jsonl"), logger); err == nil {
			deps.Approvals = store
		} else {
			logger.Warn("approval log unavailable", "error", err)
		}
	}
	if deps.Corpus == nil {
		deps.Corpus = runcorpusfs.NewStore(filepath.Join(opts.Root, "run-corpus"))
	}
	if deps.Classifier == nil {
		deps.Classifier = retry.DefaultClassifier()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(nil)
	}

	d := &Daemon{
		opts:         opts,
		logger:       logger,
		metrics:      deps.Metrics,
		tracer:       otel.Tracer("daemon"),
		driver:       deps.Driver,
		timeline:     deps.Timeline,
		sessions:     deps.Sessions,
		approvals:    deps.Approvals,
		corpusStore:  deps.Corpus,
		classifier:   deps.Classifier,
		state:        StateStopped,
		pendingOpens: make(map[string]struct{}),
		recovered:    make(map[string]time.Time),
	}
	d.manager = browsersession.NewManager(deps.Driver, deps.Timeline, logger,
		browsersession.WithClassifier(deps.Classifier),
		browsersession.WithDiffHook(func(_ string, entry artifact.VisualDiffResultEntry) {
			d.metrics.DiffSignals.WithLabelValues(entry.RegressionSignal).Inc()
		}),
	)
	return d
}

// Options returns the daemon's effective options.
func (d *Daemon) Options() Options { return d.opts }

// Start transitions the daemon to running: it recovers persisted sessions,
// runs the startup prune and run-corpus refresh, and installs the periodic
// timers. Start is idempotent while running.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateKilled:
		d.mu.Unlock()
		return fmt.Errorf("daemon has been killed")
	case StateRunning, StatePaused:
		d.mu.Unlock()
		return nil
	}
	d.state = StateRunning
	d.rootCtx, d.rootCancel = context.WithCancel(context.Background())
	timerCtx, timerCancel := context.WithCancel(context.Background())
	d.timerCancel = timerCancel
	d.mu.Unlock()

	d.logger.Info("daemon starting", "root", d.opts.Root, "max_sessions", d.opts.MaxSessions)

	if d.opts.PersistSessions {
		d.recoverSessions(ctx)
	}
	d.pruneProfiles(ctx)
	d.pruneArtifacts(ctx)
	d.RefreshRunCorpus(ctx, "start")

	interval := time.Duration(d.opts.Retention.PruneIntervalMinutes) * time.Minute
	d.startTimer(timerCtx, interval, func(ctx context.Context) {
		d.pruneProfiles(ctx)
		d.pruneArtifacts(ctx)
	})
	refresh := time.Duration(d.opts.RunCorpus.RefreshIntervalMinutes) * time.Minute
	d.startTimer(timerCtx, refresh, func(ctx context.Context) {
		d.RefreshRunCorpus(ctx, "interval")
	})

	return nil
}

// startTimer runs fn on a fixed interval until the timer context is
// cancelled.
func (d *Daemon) startTimer(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	d.timerWG.Add(1)
	go func() {
		defer d.timerWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// StopOptions tunes Stop behavior.
type StopOptions struct {
	CloseSessions bool
}

// Stop clears the periodic timers, optionally closes every session,
// persists the remainder, refreshes the run-corpus, and transitions to
// stopped.
func (d *Daemon) Stop(ctx context.Context, opts StopOptions) error {
	d.mu.Lock()
	if d.state == StateStopped || d.state == StateKilled {
		d.mu.Unlock()
		return nil
	}
	d.state = StateStopped
	timerCancel := d.timerCancel
	rootCancel := d.rootCancel
	d.timerCancel = nil
	d.mu.Unlock()

	if timerCancel != nil {
		timerCancel()
	}
	d.timerWG.Wait()

	if opts.CloseSessions {
		for _, id := range d.manager.ActiveIDs() {
			if res := d.manager.CloseSession(ctx, id); !res.OK {
				d.logger.Warn("close session on stop failed", "session_id", id, "error", res.Error.Message)
			} else {
				d.metrics.SessionsClosed.Inc()
			}
		}
	}

	if err := d.persistSessions(ctx); err != nil {
		d.logger.Warn("persist sessions on stop failed", "error", err)
	}
	d.RefreshRunCorpus(ctx, "stop")

	if rootCancel != nil {
		rootCancel()
	}
	d.metrics.ActiveSessions.Set(float64(len(d.manager.ActiveIDs())))
	d.logger.Info("daemon stopped", "closed_sessions", opts.CloseSessions)
	return nil
}

// Pause rejects most operations until Resume; closeSession stays permitted
// so callers can still wind down work.
func (d *Daemon) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning {
		return fmt.Errorf("daemon is %s, cannot pause", d.state)
	}
	d.state = StatePaused
	d.logger.Info("daemon paused")
	return nil
}

// Resume lifts a pause.
func (d *Daemon) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StatePaused {
		return fmt.Errorf("daemon is %s, cannot resume", d.state)
	}
	d.state = StateRunning
	d.logger.Info("daemon resumed")
	return nil
}

// Kill aborts every in-flight operation, stops with session teardown, and
// permanently retires the daemon.
func (d *Daemon) Kill(ctx context.Context) error {
	d.mu.Lock()
	if d.state == StateKilled {
		d.mu.Unlock()
		return nil
	}
	rootCancel := d.rootCancel
	d.mu.Unlock()

	if rootCancel != nil {
		rootCancel()
	}
	if err := d.Stop(ctx, StopOptions{CloseSessions: true}); err != nil {
		return err
	}

	d.mu.Lock()
	d.state = StateKilled
	d.mu.Unlock()
	d.logger.Info("daemon killed")
	return nil
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// gate checks daemon state before an operation. closeOp operations are
// permitted while paused.
func (d *Daemon) gate(closeOp bool) *artifact.ActionError {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateRunning:
		return nil
	case StatePaused:
		if closeOp {
			return nil
		}
		return browsersession.NewActionError(d.classifier, CodeDaemonPaused, "daemon is paused")
	default:
		return browsersession.NewActionError(d.classifier, CodeDaemonStopped, "daemon is not running")
	}
}

// opCtx derives a context cancelled by either the caller or a daemon kill.
func (d *Daemon) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	d.mu.Lock()
	root := d.rootCtx
	d.mu.Unlock()
	if root == nil {
		return context.WithCancel(ctx)
	}
	merged, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-root.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged, cancel
}

// OpenSession opens a new session subject to daemon state, the session
// cap, and the pending-open guard.
func (d *Daemon) OpenSession(ctx context.Context, opts browsersession.OpenOptions) browsersession.ActionResult {
	if gateErr := d.gate(false); gateErr != nil {
		return browsersession.ActionResult{OK: false, Error: gateErr}
	}

	if opts.SessionID == "" {
		opts.SessionID = "sess-" + uuid.NewString()
	}

	d.mu.Lock()
	if _, opening := d.pendingOpens[opts.SessionID]; opening {
		d.mu.Unlock()
		return browsersession.ActionResult{OK: false, Error: browsersession.NewActionError(d.classifier, CodeSessionOpening, fmt.Sprintf("session %s is already being opened", opts.SessionID))}
	}
	active := len(d.manager.ActiveIDs())
	if active+len(d.pendingOpens) >= d.opts.MaxSessions {
		d.mu.Unlock()
		return browsersession.ActionResult{OK: false, Error: browsersession.NewActionError(d.classifier, CodeMaxSessionsReached, fmt.Sprintf("session cap of %d reached", d.opts.MaxSessions))}
	}
	d.pendingOpens[opts.SessionID] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pendingOpens, opts.SessionID)
		d.mu.Unlock()
	}()

	if opts.ProfileDir == "" && d.opts.PersistProfile && opts.Mode != artifact.ModeAttach {
		opts.ProfileDir = filepath.Join(d.opts.Root, "profiles", opts.SessionID)
	}

	callCtx, cancel := d.opCtx(ctx)
	defer cancel()
	res := d.manager.OpenSession(callCtx, opts)
	d.observeAction(res)
	if res.OK {
		d.metrics.SessionsOpened.Inc()
		d.metrics.ActiveSessions.Set(float64(len(d.manager.ActiveIDs())))
		if err := d.persistSessions(ctx); err != nil {
			d.logger.Warn("persist sessions failed", "error", err)
		}
	}
	return res.Clone()
}

// CloseSession closes a session; permitted while paused.
func (d *Daemon) CloseSession(ctx context.Context, sessionID string) browsersession.ActionResult {
	if gateErr := d.gate(true); gateErr != nil {
		return browsersession.ActionResult{OK: false, Error: gateErr}
	}
	callCtx, cancel := d.opCtx(ctx)
	defer cancel()
	res := d.manager.CloseSession(callCtx, sessionID)
	d.observeAction(res)
	if res.OK {
		d.metrics.SessionsClosed.Inc()
		d.metrics.ActiveSessions.Set(float64(len(d.manager.ActiveIDs())))
		if err := d.persistSessions(ctx); err != nil {
			d.logger.Warn("persist sessions failed", "error", err)
		}
	}
	return res.Clone()
}

// Navigate drives a session to a URL and persists the observed currentUrl.
func (d *Daemon) Navigate(ctx context.Context, sessionID string, in browsersession.NavigateInput) browsersession.ActionResult {
	return d.sessionOp(ctx, sessionID, browsersession.ActionNavigate, func(callCtx context.Context) browsersession.ActionResult {
		res := d.manager.Navigate(callCtx, sessionID, in)
		if res.OK {
			if err := d.persistSessions(ctx); err != nil {
				d.logger.Warn("persist sessions failed", "error", err)
			}
		}
		return res
	})
}

// Click clicks a selector within a session.
func (d *Daemon) Click(ctx context.Context, sessionID string, in browsersession.ClickInput) browsersession.ActionResult {
	return d.sessionOp(ctx, sessionID, browsersession.ActionClick, func(callCtx context.Context) browsersession.ActionResult {
		return d.manager.Click(callCtx, sessionID, in)
	})
}

// Type fills a selector within a session.
func (d *Daemon) Type(ctx context.Context, sessionID string, in browsersession.TypeInput) browsersession.ActionResult {
	return d.sessionOp(ctx, sessionID, browsersession.ActionTypeText, func(callCtx context.Context) browsersession.ActionResult {
		return d.manager.Type(callCtx, sessionID, in)
	})
}

// Snapshot captures a session's page HTML.
func (d *Daemon) Snapshot(ctx context.Context, sessionID string) browsersession.ActionResult {
	return d.sessionOp(ctx, sessionID, browsersession.ActionSnapshot, func(callCtx context.Context) browsersession.ActionResult {
		return d.manager.Snapshot(callCtx, sessionID)
	})
}

// Screenshot captures a session's page image.
func (d *Daemon) Screenshot(ctx context.Context, sessionID string, in browsersession.ScreenshotInput) browsersession.ActionResult {
	return d.sessionOp(ctx, sessionID, browsersession.ActionScreenshot, func(callCtx context.Context) browsersession.ActionResult {
		return d.manager.Screenshot(callCtx, sessionID, in)
	})
}

// RecordFailure forwards a policy denial or probe failure onto a session's
// timeline.
func (d *Daemon) RecordFailure(ctx context.Context, sessionID string, typ browsersession.ActionType, actErr *artifact.ActionError) browsersession.ActionResult {
	return d.manager.RecordFailure(ctx, sessionID, typ, actErr).Clone()
}

// Sessions returns descriptor snapshots of every managed session.
func (d *Daemon) Sessions() []browsersession.Session {
	return d.manager.List()
}

// Session returns one session descriptor snapshot.
func (d *Daemon) Session(sessionID string) (browsersession.Session, bool) {
	return d.manager.Get(sessionID)
}

// sessionOp gates, runs, observes, and clones one session-scoped action.
// Daemon-state rejections are still recorded on the session's timeline
// when the session exists.
func (d *Daemon) sessionOp(ctx context.Context, sessionID string, typ browsersession.ActionType, fn func(context.Context) browsersession.ActionResult) browsersession.ActionResult {
	if gateErr := d.gate(false); gateErr != nil {
		if _, ok := d.manager.Get(sessionID); ok {
			return d.manager.RecordFailure(ctx, sessionID, typ, gateErr).Clone()
		}
		return browsersession.ActionResult{OK: false, Error: gateErr}
	}
	callCtx, cancel := d.opCtx(ctx)
	defer cancel()
	res := fn(callCtx)
	d.observeAction(res)
	return res.Clone()
}

func (d *Daemon) observeAction(res browsersession.ActionResult) {
	outcome := "ok"
	if !res.OK {
		outcome = "error"
	}
	d.metrics.ActionsTotal.WithLabelValues(string(res.Action.Type), outcome).Inc()
}

// persistSessions rewrites the crash-recovery ledger from the current
// in-memory session set.
func (d *Daemon) persistSessions(ctx context.Context) error {
	if !d.opts.PersistSessions {
		return nil
	}
	sessions := d.manager.List()
	records := make([]outbound.SessionRecord, 0, len(sessions))

	d.mu.Lock()
	recovered := make(map[string]time.Time, len(d.recovered))
	for id, at := range d.recovered {
		recovered[id] = at
	}
	d.mu.Unlock()

	for _, s := range sessions {
		if s.Status != artifact.StatusOpen {
			continue
		}
		rec := outbound.SessionRecord{
			SessionID:  s.ID,
			RunID:      s.RunID,
			Mode:       string(s.Mode),
			WSEndpoint: s.WSEndpoint,
			ProfileDir: s.ProfileDir,
			CurrentURL: s.CurrentURL,
			CreatedAt:  s.CreatedAt,
			UpdatedAt:  s.UpdatedAt,
		}
		if at, ok := recovered[s.ID]; ok {
			t := at
			rec.RecoveredAt = &t
		}
		records = append(records, rec)
	}

	return d.sessions.Save(ctx, outbound.SessionStoreState{
		SchemaVersion: 1,
		UpdatedAt:     time.Now().UTC(),
		Sessions:      records,
	})
}

// recoverSessions reopens persisted sessions, bounded by the session cap.
// Attach-mode recoveries are probed with a snapshot; a failed probe is
// recorded as a terminal step and the session is closed.
func (d *Daemon) recoverSessions(ctx context.Context) {
	state, err := d.sessions.Load(ctx)
	if err != nil {
		d.logger.Warn("session recovery load failed", "error", err)
		return
	}

	recovered := 0
	for _, rec := range state.Sessions {
		if recovered >= d.opts.MaxSessions {
			d.logger.Warn("session recovery hit session cap", "skipped", len(state.Sessions)-recovered)
			break
		}
		res := d.manager.OpenSession(ctx, browsersession.OpenOptions{
			SessionID:  rec.SessionID,
			RunID:      rec.RunID,
			Mode:       artifact.Mode(rec.Mode),
			WSEndpoint: rec.WSEndpoint,
			ProfileDir: rec.ProfileDir,
			Headless:   true,
		})
		if !res.OK {
			d.logger.Warn("session recovery failed", "session_id", rec.SessionID, "error", res.Error.Message)
			continue
		}

		if artifact.Mode(rec.Mode) == artifact.ModeAttach {
			if probe := d.manager.Snapshot(ctx, rec.SessionID); !probe.OK {
				d.logger.Warn("recovered session failed probe, closing", "session_id", rec.SessionID, "error", probe.Error.Message)
				terminal := browsersession.NewActionError(d.classifier, browsersession.CodeSessionClosed,
					fmt.Sprintf("recovery probe failed: %s", probe.Error.Message))
				d.manager.RecordFailure(ctx, rec.SessionID, browsersession.ActionCloseSession, terminal)
				d.manager.CloseSession(ctx, rec.SessionID)
				continue
			}
		}

		d.mu.Lock()
		d.recovered[rec.SessionID] = time.Now().UTC()
		d.mu.Unlock()
		recovered++
		d.metrics.SessionsOpened.Inc()
		d.logger.Info("session recovered", "session_id", rec.SessionID, "mode", rec.Mode)
	}

	d.metrics.ActiveSessions.Set(float64(len(d.manager.ActiveIDs())))
	if err := d.persistSessions(ctx); err != nil {
		d.logger.Warn("persist sessions after recovery failed", "error", err)
	}
}

// HealthSnapshot reports the structured daemon state.
func (d *Daemon) HealthSnapshot() Health {
	d.mu.Lock()
	state := d.state
	pending := make([]string, 0, len(d.pendingOpens))
	for id := range d.pendingOpens {
		pending = append(pending, id)
	}
	recoveredIDs := make([]string, 0, len(d.recovered))
	for id := range d.recovered {
		recoveredIDs = append(recoveredIDs, id)
	}
	d.mu.Unlock()

	d.pruneMu.Lock()
	prune := d.pruneHealth
	d.pruneMu.Unlock()

	d.corpusMu.Lock()
	corpusHealth := d.corpusHealth
	d.corpusMu.Unlock()

	return Health{
		State:               state,
		Sessions:            d.manager.List(),
		PendingOpens:        pending,
		RecoveredSessionIDs: recoveredIDs,
		Prune:               prune,
		RunCorpus:           corpusHealth,
	}
}

// Hint returns the adaptation hint from the most recent run-corpus
// refresh.
func (d *Daemon) Hint() corpus.Hint {
	d.corpusMu.Lock()
	defer d.corpusMu.Unlock()
	return d.corpusHealth.Hint
}
