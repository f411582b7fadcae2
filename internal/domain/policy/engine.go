package policy

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	celeval "github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/cel"
)

// Engine evaluates Requests against a Config, memoizing results keyed by
// a deterministic hash of (Config, Request). Evaluate itself remains a
// pure function of its inputs; the Engine only adds a cache in front of
// it.
type Engine struct {
	cfg         Config
	customRules *CustomRuleSet
	ruleErrors  []error

	mu    sync.RWMutex
	cache map[uint64]Outcome
}

// NewEngine compiles cfg's CustomRules once and returns an Engine ready to
// evaluate requests. Compilation errors for individual rules are returned
// alongside a usable Engine: a broken operator-authored rule disables only
// itself, never the whole engine.
func NewEngine(cfg Config) (*Engine, []error) {
	set, errs := CompileCustomRules(cfg.CustomRules)
	return &Engine{
		cfg:         cfg,
		customRules: set,
		ruleErrors:  errs,
		cache:       make(map[uint64]Outcome),
	}, errs
}

// RuleErrors returns the compilation errors recorded at construction time.
func (e *Engine) RuleErrors() []error {
	return e.ruleErrors
}

// Evaluate evaluates req against the engine's Config, applying the static
// classification pipeline, then layering any matching CustomRules
// escalation on top.
func (e *Engine) Evaluate(req Request) (Outcome, error) {
	key, keyErr := computeCacheKey(e.cfg, req)
	if keyErr == nil {
		e.mu.RLock()
		if cached, ok := e.cache[key]; ok {
			e.mu.RUnlock()
			return cached, nil
		}
		e.mu.RUnlock()
	}

	outcome, err := evaluate(e.cfg, req)
	if err != nil {
		return Outcome{}, err
	}

	if e.customRules != nil && outcome.Decision != DecisionDeny {
		in := celeval.EvalInput{
			ToolName:                  req.ToolName,
			Args:                      req.Args,
			CurrentOrigin:             req.CurrentOrigin,
			CurrentPageHasCredentials: req.CurrentPageHasCredentials,
			TargetHost:                outcome.TargetHost,
			TargetOrigin:              outcome.TargetOrigin,
			Risk:                      string(outcome.Risk),
			ActionKey:                 outcome.ActionKey,
		}
		if rule, matched, ruleErr := e.customRules.Escalate(in); ruleErr == nil && matched {
			outcome.Risk = escalateOnce(outcome.Risk)
			outcome.RiskEvidence.MatchedSignals = uniqueSorted(append(outcome.RiskEvidence.MatchedSignals, "custom-rule:"+rule.ID))
			if outcome.Risk == RiskHigh && e.cfg.RequireApprovalForHighRisk && !req.PreApproved {
				outcome.Decision = DecisionGate
				outcome.Reason = fmt.Sprintf("custom rule %q escalated risk to high, requires approval", rule.Name)
			}
		}
	}

	if keyErr == nil {
		e.mu.Lock()
		e.cache[key] = outcome
		e.mu.Unlock()
	}
	return outcome, nil
}

// computeCacheKey hashes the (Config, Request) pair with xxhash.
// json.Marshal sorts map keys, so the encoding is deterministic across
// calls.
func computeCacheKey(cfg Config, req Request) (uint64, error) {
	payload := struct {
		Cfg Config
		Req Request
	}{Cfg: cfg, Req: req}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal cache key payload: %w", err)
	}
	return xxhash.Sum64(data), nil
}

// evaluate is the pure risk-classification and allow/gate/deny function.
func evaluate(cfg Config, req Request) (Outcome, error) {
	sensitive := effectiveSensitiveActions(cfg)
	target, err := extractTarget(req)
	if err != nil {
		return Outcome{}, err
	}

	if req.ToolName == "navigate" && !target.known && target.invalidURL {
		return Outcome{
			Decision:  DecisionDeny,
			Risk:      RiskHigh,
			ActionKey: "navigate",
			Reason:    "navigate requires a valid http(s) URL",
			RiskEvidence: RiskEvidence{
				Classifier:     ClassifierStatic,
				MatchedSignals: []string{"url:invalid"},
			},
		}, nil
	}

	if target.known {
		if anyHostMatches(cfg.BlockedOrigins, target.host, target.origin) {
			return denyOutcome(req, target, "destination origin is blocked by policy", "policy:blocked-origin"), nil
		}
		// Absence of any AllowedHosts entry means closed (deny-by-default);
		// a literal "*" entry means unrestricted.
		if !allowedHostsUnrestricted(cfg.AllowedHosts) && !anyHostMatches(cfg.AllowedHosts, target.host, target.origin) {
			return denyOutcome(req, target, "destination host is not in the allowlist", "policy:allowlist-mismatch"), nil
		}
		if cfg.CredentialIsolation && req.CurrentPageHasCredentials && req.CurrentOrigin != "" && target.origin != "" && target.origin != req.CurrentOrigin {
			return denyOutcome(req, target, "credential isolation forbids a cross-origin action from a page holding credentials", "policy:credential-isolation"), nil
		}
	} else if isInteractive(req.ToolName) && len(cfg.AllowedHosts) > 0 && !allowedHostsUnrestricted(cfg.AllowedHosts) {
		return Outcome{
			Decision:  DecisionDeny,
			Risk:      RiskHigh,
			ActionKey: req.ToolName,
			Reason:    "no resolvable origin for an action gated by an allowlist",
			RiskEvidence: RiskEvidence{
				Classifier:     ClassifierStatic,
				MatchedSignals: []string{"policy:no-origin-for-allowlist"},
			},
		}, nil
	}

	risk, actionKey, signals := classify(req, sensitive)
	classifier := ClassifierStatic
	adaptationReason := ""

	if req.Adaptation != nil && req.Adaptation.EscalateRisk && !isObserveOnly(actionKey) {
		risk = escalateOnce(risk)
		classifier = ClassifierAdaptiveEscalation
		adaptationReason = req.Adaptation.Rationale
		signals = append(signals, "adaptive:escalated")
	}

	decision := DecisionAllow
	reason := "allowed"
	if risk == RiskHigh && cfg.RequireApprovalForHighRisk && !req.PreApproved {
		decision = DecisionGate
		reason = "high risk action requires approval"
	}

	return Outcome{
		Decision:     decision,
		Risk:         risk,
		ActionKey:    actionKey,
		Reason:       reason,
		TargetHost:   target.host,
		TargetOrigin: target.origin,
		RiskEvidence: RiskEvidence{
			Classifier:     classifier,
			MatchedSignals: uniqueSorted(signals),
			AdaptationReason: adaptationReason,
		},
	}, nil
}

func denyOutcome(req Request, target resolvedTarget, reason string, signal string) Outcome {
	return Outcome{
		Decision:     DecisionDeny,
		Risk:         RiskHigh,
		ActionKey:    req.ToolName,
		Reason:       reason,
		TargetHost:   target.host,
		TargetOrigin: target.origin,
		RiskEvidence: RiskEvidence{
			Classifier:     ClassifierStatic,
			MatchedSignals: []string{signal},
		},
	}
}

// escalateOnce raises risk by exactly one level; RiskHigh is unchanged.
func escalateOnce(risk RiskLevel) RiskLevel {
	switch risk {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskHigh
	}
}

// resolvedTarget is the outcome of target extraction for one request.
type resolvedTarget struct {
	host       string
	origin     string
	known      bool
	invalidURL bool
}

// navigateLikeTools carry their destination in args["url"]; every other
// interactive tool operates against the caller-supplied CurrentOrigin.
var navigateLikeTools = map[string]struct{}{
	"navigate": {},
}

// extractTarget resolves the effective target host/origin for req: for
// navigate, from args["url"]; for other interactive actions, falling back
// to req.CurrentOrigin.
func extractTarget(req Request) (resolvedTarget, error) {
	if _, ok := navigateLikeTools[req.ToolName]; ok {
		raw := argString(req.Args, "url")
		if raw == "" {
			return resolvedTarget{invalidURL: true}, nil
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return resolvedTarget{invalidURL: true}, nil
		}
		return resolvedTarget{host: u.Hostname(), origin: u.Scheme + "://" + u.Host, known: true}, nil
	}

	if req.CurrentOrigin == "" {
		return resolvedTarget{}, nil
	}
	u, err := url.Parse(req.CurrentOrigin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return resolvedTarget{}, nil
	}
	return resolvedTarget{host: u.Hostname(), origin: u.Scheme + "://" + u.Host, known: true}, nil
}

// interactiveTools is the set of tool names that act against a page origin
// (as opposed to pure observation or session lifecycle tools).
var interactiveTools = map[string]struct{}{
	"navigate": {}, "click": {}, "type": {}, "handle_dialog": {}, "evaluate": {},
	"file_upload": {}, "select_option": {}, "drag": {}, "press_key": {}, "keyboard_type": {},
	"go_back": {}, "go_forward": {}, "reload": {},
	"tab_open": {}, "tab_close": {}, "tab_switch": {},
}

func isInteractive(tool string) bool {
	_, ok := interactiveTools[tool]
	return ok
}

func isObserveOnly(actionKey string) bool {
	switch actionKey {
	case "snapshot", "screenshot", "session-close":
		return true
	default:
		return false
	}
}

// classify assigns a static RiskLevel, actionKey, and matched signals to
// req.
func classify(req Request, sensitive []string) (RiskLevel, string, []string) {
	var signals []string
	switch req.ToolName {
	case "snapshot", "screenshot":
		return RiskLow, req.ToolName, signals

	case "closeSession":
		return RiskLow, "session-close", signals

	case "openSession":
		if strings.EqualFold(argString(req.Args, "mode"), "attach") {
			return RiskMedium, "session-attach", signals
		}
		return RiskLow, "session-open-isolated", signals

	case "navigate":
		actionKey, signal, matched := matchSensitiveKeyword(argString(req.Args, "url"), sensitive)
		if matched {
			return RiskHigh, actionKey, append(signals, signal)
		}
		return RiskMedium, "navigate", signals

	case "click":
		actionKey, signal, matched := matchSensitiveKeyword(argText(req.Args, "selector", "text", "value"), sensitive)
		if matched {
			return RiskHigh, actionKey, append(signals, signal)
		}
		return RiskMedium, "click", signals

	case "type":
		if argBool(req.Args, "submit") {
			return RiskHigh, "post", append(signals, "arg:submit")
		}
		actionKey, signal, matched := matchSensitiveKeyword(argText(req.Args, "text", "value", "selector"), sensitive)
		if matched {
			return RiskHigh, actionKey, append(signals, signal)
		}
		return RiskMedium, "type", signals

	case "handle_dialog":
		if !argBool(req.Args, "accept") {
			return RiskLow, "dialog-dismiss", signals
		}
		actionKey, signal, matched := matchSensitiveKeyword(argText(req.Args, "message", "promptText"), sensitive)
		if matched {
			return RiskHigh, actionKey, append(signals, signal)
		}
		return RiskMedium, "dialog-accept", signals

	case "evaluate":
		return RiskHigh, "js-execution", signals

	case "file_upload":
		return RiskHigh, "filesystem", signals

	default:
		// select_option, drag, press_key, keyboard_type, go_back,
		// go_forward, reload, tab_open, tab_close, tab_switch, and any
		// other interactive tool: medium with keyword escalation.
		actionKey, signal, matched := matchSensitiveKeyword(argText(req.Args, "value", "text", "selector", "key"), sensitive)
		if matched {
			return RiskHigh, actionKey, append(signals, signal)
		}
		return RiskMedium, req.ToolName, signals
	}
}

func uniqueSorted(signals []string) []string {
	if len(signals) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(signals))
	out := make([]string, 0, len(signals))
	for _, s := range signals {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
