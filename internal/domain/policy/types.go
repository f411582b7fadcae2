// Package policy implements the pure risk-classification and allow/gate/
// deny decision engine: every candidate browser action is classified into
// a risk level and either allowed, gated on operator approval, or denied.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RiskLevel is the classified severity of an action.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// less reports whether r is strictly below other in severity.
func (r RiskLevel) less(other RiskLevel) bool {
	rank := map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}
	return rank[r] < rank[other]
}

// Decision is the outcome of policy evaluation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionGate  Decision = "gate"
	DecisionDeny  Decision = "deny"
)

// Classifier identifies which mechanism produced the final risk level.
type Classifier string

const (
	ClassifierStatic             Classifier = "static"
	ClassifierAdaptiveEscalation Classifier = "adaptive-escalation"
)

// HostPattern matches a host or origin. It may be a bare host
// ("example.com"), a wildcard-subdomain glob ("*.example.com"), the literal
// "*" (unrestricted), a full http(s) URL, or (when sourced from a JSON/YAML
// object) a regular expression.
type HostPattern struct {
	Literal string
	Regex   string
}

// UnmarshalYAML accepts either a bare scalar string or a mapping of the
// form `{ regex: "..." }`, so host/origin patterns can be regular
// expressions as well as literals.
func (h *HostPattern) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		h.Literal = node.Value
		return nil
	}
	if node.Kind == yaml.MappingNode {
		var obj struct {
			Regex string `yaml:"regex"`
		}
		if err := node.Decode(&obj); err != nil {
			return fmt.Errorf("decode host pattern object: %w", err)
		}
		if obj.Regex == "" {
			return fmt.Errorf("host pattern object must set 'regex'")
		}
		h.Regex = obj.Regex
		return nil
	}
	return fmt.Errorf("host pattern must be a string or a {regex: ...} object")
}

// Rule is an operator-authored CEL escalation rule layered on top of the
// static classifier. It can only escalate risk
// (low->medium, medium->high, or gate a currently-allow decision); it can
// never relax a deny.
type Rule struct {
	ID        string `yaml:"id" mapstructure:"id"`
	Name      string `yaml:"name" mapstructure:"name"`
	Priority  int    `yaml:"priority" mapstructure:"priority"`
	ToolMatch string `yaml:"toolMatch" mapstructure:"tool_match"`
	Condition string `yaml:"condition" mapstructure:"condition"`
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
}

// Config is the pure-evaluation input configuration.
type Config struct {
	RequireApprovalForHighRisk bool          `yaml:"requireApprovalForHighRisk" mapstructure:"require_approval_for_high_risk"`
	AllowedHosts               []HostPattern `yaml:"allowedHosts" mapstructure:"allowed_hosts"`
	BlockedOrigins             []HostPattern `yaml:"blockedOrigins" mapstructure:"blocked_origins"`
	SensitiveActions           []string      `yaml:"sensitiveActions" mapstructure:"sensitive_actions"`
	CredentialIsolation        bool          `yaml:"credentialIsolation" mapstructure:"credential_isolation"`
	CustomRules                []Rule        `yaml:"customRules" mapstructure:"custom_rules"`
}

// DefaultSensitiveActions are the sensitive-action keys used when
// Config.SensitiveActions is empty.
var DefaultSensitiveActions = []string{"auth_submit", "post", "checkout", "delete"}

// AdaptationHint carries the policy-relevant half of a derived adaptation
// hint (see internal/domain/corpus).
type AdaptationHint struct {
	Enabled      bool
	EscalateRisk bool
	Rationale    string
}

// Request is the pure-evaluation input describing one candidate action.
type Request struct {
	ToolName                  string
	Args                      map[string]any
	CurrentOrigin             string
	CurrentPageHasCredentials bool
	PreApproved               bool
	Adaptation                *AdaptationHint
}

// RiskEvidence documents why a risk level was assigned.
type RiskEvidence struct {
	Classifier       Classifier
	MatchedSignals   []string
	AdaptationReason string
}

// Outcome is the pure evaluation result.
type Outcome struct {
	Decision     Decision
	Risk         RiskLevel
	ActionKey    string
	Reason       string
	TargetHost   string
	TargetOrigin string
	RiskEvidence RiskEvidence
}
