// Package interceptor implements the per-tool-call policy pipeline: policy
// evaluation, gate prompting, approval logging, the retry loop, and the
// selector-healing hook. It sits between the caller's tool dispatch and the
// Runtime Daemon.
package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agencymatthewg-beep/opta-sub003/internal/ctxkey"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/approval"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/artifact"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/browsersession"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/policy"
	"github.com/agencymatthewg-beep/opta-sub003/internal/domain/retry"
	"github.com/agencymatthewg-beep/opta-sub003/internal/observability"
	"github.com/agencymatthewg-beep/opta-sub003/internal/port/outbound"
)

const (
	codePolicyDeny       = "POLICY_DENY"
	codeApprovalRequired = "APPROVAL_REQUIRED"

	defaultMaxRetries = 2
	defaultBackoff    = 250 * time.Millisecond
)

// GateResult is the caller's answer to a gate prompt.
type GateResult string

const (
	GateApproved GateResult = "approved"
	GateDenied   GateResult = "denied"
)

// PolicyDeniedError is returned when the policy pipeline blocks a call,
// either outright or after a gate was not approved.
type PolicyDeniedError struct {
	Code    string
	Outcome policy.Outcome
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Outcome.Reason)
}

// BrowserEvent describes one successfully executed browser tool call.
type BrowserEvent struct {
	Tool       string
	SessionID  string
	ActionID   string
	Attempts   int
	DurationMs int64
}

// Callbacks are the optional observer hooks injected at construction.
// Every field may be nil.
type Callbacks struct {
	// OnGate prompts the caller for approval of a gated call. A nil OnGate
	// means every gate is denied (fail-safe).
	OnGate func(ctx context.Context, tool string, outcome policy.Outcome) (GateResult, error)

	// OnBrowserEvent observes successful browser tool calls.
	OnBrowserEvent func(event BrowserEvent)

	// ExecuteSnapshot captures a page snapshot for selector healing.
	ExecuteSnapshot func(ctx context.Context) (string, error)

	// OnSelectorFail receives the failed tool, its selector, and the
	// healing snapshot after a selector-category failure exhausts retries.
	OnSelectorFail func(tool, selector, snapshot string)

	// CompressScreenshot post-processes a screenshot artifact in place.
	// Best-effort: errors are logged and swallowed.
	CompressScreenshot func(ctx context.Context, res browsersession.ActionResult) error
}

// PageContext carries the live page state the policy engine needs.
type PageContext struct {
	SessionID                 string
	CurrentOrigin             string
	CurrentPageHasCredentials bool
	PreApproved               bool
}

// DenialRecorder records policy denials onto a session's timeline. The
// Runtime Daemon satisfies it.
type DenialRecorder interface {
	RecordFailure(ctx context.Context, sessionID string, typ browsersession.ActionType, actErr *artifact.ActionError) browsersession.ActionResult
}

// Options tunes the retry loop.
type Options struct {
	MaxRetries int           `yaml:"maxRetries" mapstructure:"max_retries" validate:"gte=0"`
	Backoff    time.Duration `yaml:"backoff" mapstructure:"backoff"`
}

// Interceptor is the per-call policy pipeline.
type Interceptor struct {
	engine     *policy.Engine
	approvals  outbound.ApprovalLog
	recorder   DenialRecorder
	classifier retry.Classifier
	hint       func() policy.AdaptationHint
	callbacks  Callbacks
	opts       Options
	metrics    *observability.Metrics
	logger     *slog.Logger
	sleep      func(time.Duration)
	now        func() time.Time
}

// New constructs an Interceptor. engine is required; everything else may
// be nil (approvals nil disables audit logging, recorder nil disables
// timeline denial records, hint nil disables adaptive escalation).
func New(engine *policy.Engine, approvals outbound.ApprovalLog, recorder DenialRecorder, opts Options, callbacks Callbacks, logger *slog.Logger) *Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Backoff == 0 {
		opts.Backoff = defaultBackoff
	}
	return &Interceptor{
		engine:     engine,
		approvals:  approvals,
		recorder:   recorder,
		classifier: retry.DefaultClassifier(),
		callbacks:  callbacks,
		opts:       opts,
		metrics:    observability.NewMetrics(nil),
		logger:     logger,
		sleep:      time.Sleep,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithHint installs the adaptation hint source (typically the daemon's
// latest run-corpus hint).
func (i *Interceptor) WithHint(hint func() policy.AdaptationHint) *Interceptor {
	i.hint = hint
	return i
}

// WithMetrics replaces the unregistered default instruments.
func (i *Interceptor) WithMetrics(m *observability.Metrics) *Interceptor {
	i.metrics = m
	return i
}

// WithClassifier replaces the default retry taxonomy.
func (i *Interceptor) WithClassifier(c retry.Classifier) *Interceptor {
	i.classifier = c
	return i
}

// withSleep overrides the backoff sleeper (tests only).
func (i *Interceptor) withSleep(sleep func(time.Duration)) *Interceptor {
	i.sleep = sleep
	return i
}

// IsBrowserTool reports whether a tool name is routed through the policy
// pipeline.
func IsBrowserTool(name string) bool {
	return strings.HasPrefix(name, "browser_")
}

// Intercept runs one tool call through the pipeline. Non-browser tools
// execute directly. The returned error is non-nil only for policy
// denials; execution failures are carried inside the ActionResult.
func (i *Interceptor) Intercept(ctx context.Context, req mcp.CallToolRequest, pctx PageContext, execute func(context.Context) browsersession.ActionResult) (browsersession.ActionResult, error) {
	tool := req.Params.Name
	if !IsBrowserTool(tool) {
		return execute(ctx), nil
	}

	preq := policy.Request{
		ToolName:                  policyNameForTool(tool),
		Args:                      req.GetArguments(),
		CurrentOrigin:             pctx.CurrentOrigin,
		CurrentPageHasCredentials: pctx.CurrentPageHasCredentials,
		PreApproved:               pctx.PreApproved,
	}
	if i.hint != nil {
		h := i.hint()
		preq.Adaptation = &h
	}

	outcome, err := i.engine.Evaluate(preq)
	if err != nil {
		return browsersession.ActionResult{}, fmt.Errorf("policy evaluation: %w", err)
	}
	i.metrics.PolicyDecisions.WithLabelValues(string(outcome.Decision)).Inc()

	switch outcome.Decision {
	case policy.DecisionDeny:
		i.logDecision(ctx, tool, pctx.SessionID, approval.DecisionDenied, outcome)
		i.recordDenial(ctx, tool, pctx.SessionID, codePolicyDeny, outcome)
		return browsersession.ActionResult{}, &PolicyDeniedError{Code: codePolicyDeny, Outcome: outcome}

	case policy.DecisionGate:
		approved := false
		if i.callbacks.OnGate != nil {
			result, gateErr := i.callbacks.OnGate(ctx, tool, outcome)
			if gateErr != nil {
				i.logger.Warn("gate callback failed, treating as denied", "tool", tool, "error", gateErr)
			}
			approved = gateErr == nil && result == GateApproved
		}
		if !approved {
			i.logDecision(ctx, tool, pctx.SessionID, approval.DecisionDenied, outcome)
			i.recordDenial(ctx, tool, pctx.SessionID, codeApprovalRequired, outcome)
			return browsersession.ActionResult{}, &PolicyDeniedError{Code: codeApprovalRequired, Outcome: outcome}
		}
		i.logDecision(ctx, tool, pctx.SessionID, approval.DecisionApproved, outcome)
	}

	ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, i.logger.With("tool", tool, "session_id", pctx.SessionID))
	ctx = policy.WithOutcome(ctx, &outcome)
	return i.executeWithRetry(ctx, tool, req, pctx, execute), nil
}

// executeWithRetry runs the execute thunk up to MaxRetries+1 times with
// linear backoff, then fires the selector-healing hook if the exhausted
// failure is selector-category.
func (i *Interceptor) executeWithRetry(ctx context.Context, tool string, req mcp.CallToolRequest, pctx PageContext, execute func(context.Context) browsersession.ActionResult) browsersession.ActionResult {
	start := i.now()
	var res browsersession.ActionResult

	for attempt := 0; ; attempt++ {
		res = execute(ctx)
		if res.OK {
			i.onSuccess(ctx, tool, pctx, res, attempt+1, start)
			return res
		}

		retryable := false
		if res.Error != nil {
			retryable = res.Error.Retryable
		}
		if !retryable || attempt >= i.opts.MaxRetries {
			break
		}
		i.sleep(i.opts.Backoff * time.Duration(attempt+1))
	}

	i.maybeHealSelector(ctx, tool, req, res)
	return res
}

func (i *Interceptor) onSuccess(ctx context.Context, tool string, pctx PageContext, res browsersession.ActionResult, attempts int, start time.Time) {
	if tool == "browser_screenshot" && i.callbacks.CompressScreenshot != nil {
		if err := i.callbacks.CompressScreenshot(ctx, res); err != nil {
			i.logger.Warn("screenshot compression failed", "session_id", pctx.SessionID, "error", err)
		}
	}
	if i.callbacks.OnBrowserEvent != nil {
		i.callbacks.OnBrowserEvent(BrowserEvent{
			Tool:       tool,
			SessionID:  pctx.SessionID,
			ActionID:   res.Action.ID,
			Attempts:   attempts,
			DurationMs: i.now().Sub(start).Milliseconds(),
		})
	}
}

// maybeHealSelector fires the best-effort healing hook for exhausted
// selector failures on click/type. It never masks the original error.
func (i *Interceptor) maybeHealSelector(ctx context.Context, tool string, req mcp.CallToolRequest, res browsersession.ActionResult) {
	if res.Error == nil || res.Error.RetryCategory != string(retry.CategorySelector) {
		return
	}
	if tool != "browser_click" && tool != "browser_type" {
		return
	}
	if i.callbacks.OnSelectorFail == nil {
		return
	}

	selector, _ := req.GetArguments()["selector"].(string)
	snapshot := ""
	if i.callbacks.ExecuteSnapshot != nil {
		if snap, err := i.callbacks.ExecuteSnapshot(ctx); err == nil {
			snapshot = snap
		} else {
			i.logger.Warn("healing snapshot failed", "tool", tool, "error", err)
		}
	}
	i.callbacks.OnSelectorFail(tool, selector, snapshot)
}

// logDecision appends a gated-decision event to the approval log.
func (i *Interceptor) logDecision(ctx context.Context, tool, sessionID string, decision approval.Decision, outcome policy.Outcome) {
	if i.approvals == nil {
		return
	}
	event := approval.Event{
		Timestamp:    i.now(),
		Tool:         tool,
		SessionID:    sessionID,
		Decision:     decision,
		Risk:         string(outcome.Risk),
		ActionKey:    outcome.ActionKey,
		TargetHost:   outcome.TargetHost,
		TargetOrigin: outcome.TargetOrigin,
		PolicyReason: outcome.Reason,
		RiskEvidence: &approval.Evidence{
			Classifier:       approval.Classifier(outcome.RiskEvidence.Classifier),
			MatchedSignals:   outcome.RiskEvidence.MatchedSignals,
			AdaptationReason: outcome.RiskEvidence.AdaptationReason,
		},
	}
	if err := i.approvals.Append(ctx, event); err != nil {
		i.logger.Warn("approval log append failed", "tool", tool, "error", err)
	}
}

// recordDenial appends a failed step to the session timeline so denied
// actions stay visible in the per-session record.
func (i *Interceptor) recordDenial(ctx context.Context, tool, sessionID, code string, outcome policy.Outcome) {
	if i.recorder == nil || sessionID == "" {
		return
	}
	actErr := browsersession.NewActionError(i.classifier, code, outcome.Reason)
	i.recorder.RecordFailure(ctx, sessionID, actionTypeForTool(tool), actErr)
}

// policyNameForTool normalizes an MCP browser tool name to the action name
// the policy classifier works in.
func policyNameForTool(tool string) string {
	switch tool {
	case "browser_open":
		return "openSession"
	case "browser_close":
		return "closeSession"
	default:
		return strings.TrimPrefix(tool, "browser_")
	}
}

// actionTypeForTool maps a browser tool name onto the timeline action type.
func actionTypeForTool(tool string) browsersession.ActionType {
	switch tool {
	case "browser_open":
		return browsersession.ActionOpenSession
	case "browser_close":
		return browsersession.ActionCloseSession
	case "browser_navigate":
		return browsersession.ActionNavigate
	case "browser_click":
		return browsersession.ActionClick
	case "browser_type":
		return browsersession.ActionTypeText
	case "browser_snapshot":
		return browsersession.ActionSnapshot
	case "browser_screenshot":
		return browsersession.ActionScreenshot
	default:
		return browsersession.ActionType(strings.TrimPrefix(tool, "browser_"))
	}
}
