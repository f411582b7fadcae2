// Package retry classifies driver-reported failures into a retry taxonomy:
// a category, a retryable flag, and a human-readable hint. Classification is
// pure and order-sensitive — the first matching rule wins.
package retry

import "regexp"

// Category buckets a failure by its underlying cause.
type Category string

const (
	CategoryPolicy             Category = "policy"
	CategoryRuntimeUnavailable Category = "runtime-unavailable"
	CategorySessionState       Category = "session-state"
	CategoryInvalidInput       Category = "invalid-input"
	CategorySelector           Category = "selector"
	CategoryTimeout            Category = "timeout"
	CategoryNetwork            Category = "network"
	CategoryTransient          Category = "transient"
	CategoryUnknown            Category = "unknown"
)

// Classification is the result of classifying a (code, message) pair.
type Classification struct {
	Retryable bool
	Category  Category
	Hint      string
}

// Rule is one taxonomy entry. Match receives the failure code and message
// and reports whether this rule applies; rules are evaluated in order and
// the first match wins.
type Rule struct {
	Name  string
	Match func(code, message string) bool
	Class Classification
}

// Classifier classifies a (code, message) pair into a Classification.
type Classifier interface {
	Classify(code, message string) Classification
}

// tableClassifier evaluates an ordered []Rule, falling back to "unknown".
type tableClassifier struct {
	rules []Rule
}

// NewClassifier builds a Classifier from the default taxonomy table plus any
// extra rules, which are evaluated after the defaults and before the final
// unknown fallback. Upstream
// driver error messages drift over time, so the taxonomy is data: callers needing to adapt to upstream driver
// message drift can supply additional rules without forking the package.
func NewClassifier(extra ...Rule) Classifier {
	rules := make([]Rule, 0, len(defaultRules)+len(extra))
	rules = append(rules, defaultRules...)
	rules = append(rules, extra...)
	return &tableClassifier{rules: rules}
}

// DefaultClassifier returns a Classifier using only the built-in taxonomy.
func DefaultClassifier() Classifier {
	return &tableClassifier{rules: defaultRules}
}

// Classify implements Classifier.
func (c *tableClassifier) Classify(code, message string) Classification {
	for _, r := range c.rules {
		if r.Match(code, message) {
			return r.Class
		}
	}
	return Classification{Retryable: false, Category: CategoryUnknown, Hint: "unrecognized failure; treat as non-retryable"}
}

// Classify is a package-level convenience using DefaultClassifier.
func Classify(code, message string) Classification {
	return DefaultClassifier().Classify(code, message)
}

func codeIn(codes ...string) func(code, message string) bool {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return func(code, _ string) bool {
		_, ok := set[code]
		return ok
	}
}

var (
	invalidInputPattern = regexp.MustCompile(`(?i)(missing|required).{0,24}\b(url|selector|session\s*id|sessionid)\b`)
	selectorPattern     = regexp.MustCompile(`(?i)(strict mode violation|no node found|not visible|not attached|element is not attached)`)
	timeoutPattern      = regexp.MustCompile(`(?i)timeout|timed out`)
	timeoutCodePattern  = regexp.MustCompile(`(?i)timeout`)
	networkPattern      = regexp.MustCompile(`(?i)(net::err|connection reset|econnreset|econnrefused|\bdns\b|socket hang up)`)
	transientPattern    = regexp.MustCompile(`(?i)(target closed|page crashed|context closed)`)
)

// defaultRules is the built-in ordered taxonomy. Order matters: it
// mirrors the precedence a human reviewer would apply when triaging a raw
// driver error.
var defaultRules = []Rule{
	{
		Name:  "policy",
		Match: codeIn("POLICY_DENY", "APPROVAL_REQUIRED"),
		Class: Classification{Retryable: false, Category: CategoryPolicy, Hint: "action was denied or requires approval; do not retry automatically"},
	},
	{
		Name:  "runtime-unavailable",
		Match: codeIn("RUNTIME_UNAVAILABLE", "DAEMON_STOPPED", "RUNTIME_DISABLED", "ACTION_CANCELLED"),
		Class: Classification{Retryable: false, Category: CategoryRuntimeUnavailable, Hint: "the runtime is not currently able to execute actions"},
	},
	{
		Name:  "session-state",
		Match: codeIn("SESSION_NOT_FOUND", "SESSION_CLOSED", "SESSION_EXISTS", "SESSION_OPENING", "MAX_SESSIONS_REACHED", "DAEMON_PAUSED"),
		Class: Classification{Retryable: false, Category: CategorySessionState, Hint: "the session is not in a state that permits this action"},
	},
	{
		Name:  "invalid-input",
		Match: func(_, message string) bool { return invalidInputPattern.MatchString(message) },
		Class: Classification{Retryable: false, Category: CategoryInvalidInput, Hint: "required input was missing or malformed"},
	},
	{
		Name:  "selector",
		Match: func(_, message string) bool { return selectorPattern.MatchString(message) },
		Class: Classification{Retryable: false, Category: CategorySelector, Hint: "the selector did not resolve to a usable element; consider selector healing"},
	},
	{
		Name: "timeout",
		Match: func(code, message string) bool {
			return timeoutCodePattern.MatchString(code) || timeoutPattern.MatchString(message)
		},
		Class: Classification{Retryable: true, Category: CategoryTimeout, Hint: "the operation did not complete in time; retrying may succeed"},
	},
	{
		Name:  "network",
		Match: func(_, message string) bool { return networkPattern.MatchString(message) },
		Class: Classification{Retryable: true, Category: CategoryNetwork, Hint: "a network-level failure occurred; retrying may succeed"},
	},
	{
		Name:  "transient",
		Match: func(_, message string) bool { return transientPattern.MatchString(message) },
		Class: Classification{Retryable: true, Category: CategoryTransient, Hint: "the browser context was unexpectedly torn down; retrying may succeed"},
	},
}
