package corpus

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// AdaptationConfig tunes hint derivation. Zero thresholds fall back to the
// defaults from SetDefaults.
type AdaptationConfig struct {
	Enabled                     bool    `yaml:"enabled" mapstructure:"enabled"`
	MinAssessedSessions         int     `yaml:"minAssessedSessions" mapstructure:"min_assessed_sessions" validate:"gte=0"`
	RegressionPressureThreshold float64 `yaml:"regressionPressureThreshold" mapstructure:"regression_pressure_threshold" validate:"gte=0,lte=1"`
	MeanScoreThreshold          float64 `yaml:"meanScoreThreshold" mapstructure:"mean_score_threshold" validate:"gte=0,lte=1"`
	FailureRateThreshold        float64 `yaml:"failureRateThreshold" mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
	InvestigateWeight           float64 `yaml:"investigateWeight" mapstructure:"investigate_weight" validate:"gte=0,lte=1"`
	IntentRoutePenalty          float64 `yaml:"intentRoutePenalty" mapstructure:"intent_route_penalty" validate:"gte=0,lte=1"`
}

// SetDefaults fills unset tuning values.
func (c *AdaptationConfig) SetDefaults() {
	if c.MinAssessedSessions == 0 {
		c.MinAssessedSessions = 3
	}
	if c.RegressionPressureThreshold == 0 {
		c.RegressionPressureThreshold = 0.34
	}
	if c.MeanScoreThreshold == 0 {
		c.MeanScoreThreshold = 0.45
	}
	if c.FailureRateThreshold == 0 {
		c.FailureRateThreshold = 0.40
	}
	if c.InvestigateWeight == 0 {
		c.InvestigateWeight = 0.5
	}
	if c.IntentRoutePenalty == 0 {
		c.IntentRoutePenalty = 0.25
	}
}

// PolicyHint is the policy-facing half of an adaptation hint.
type PolicyHint struct {
	EscalateRisk bool `json:"escalateRisk"`
}

// IntentHint is the caller-side routing half of an adaptation hint.
type IntentHint struct {
	RoutePenalty float64 `json:"routePenalty"`
}

// Hint is the derived adaptation directive.
type Hint struct {
	Enabled   bool       `json:"enabled"`
	Policy    PolicyHint `json:"policy"`
	Intent    IntentHint `json:"intent"`
	Rationale string     `json:"rationale"`
}

// DeriveHint derives an adaptation hint from a summary and config. It is a
// pure function: identical inputs produce an identical hint, including the
// rationale string.
func DeriveHint(summary Summary, cfg AdaptationConfig) Hint {
	cfg.SetDefaults()

	if !cfg.Enabled {
		return Hint{Rationale: "adaptation disabled"}
	}

	hint := Hint{Enabled: true}

	if summary.AssessedSessionCount < cfg.MinAssessedSessions {
		hint.Rationale = fmt.Sprintf("insufficient data: %d assessed sessions, need %d",
			summary.AssessedSessionCount, cfg.MinAssessedSessions)
		return hint
	}

	pressure := (float64(summary.RegressionSessionCount) + cfg.InvestigateWeight*float64(summary.InvestigateSessionCount)) /
		float64(summary.AssessedSessionCount)

	var totalActions, totalFailures int
	for _, e := range summary.Entries {
		totalActions += e.ActionCount
		totalFailures += e.FailureCount
	}
	failureRate := 0.0
	if totalActions > 0 {
		failureRate = float64(totalFailures) / float64(totalActions)
	}

	var reasons []string
	if pressure >= cfg.RegressionPressureThreshold {
		reasons = append(reasons, fmt.Sprintf("regression pressure %.2f >= %.2f", pressure, cfg.RegressionPressureThreshold))
	}
	if summary.MeanRegressionScore >= cfg.MeanScoreThreshold {
		reasons = append(reasons, fmt.Sprintf("mean regression score %.2f >= %.2f", summary.MeanRegressionScore, cfg.MeanScoreThreshold))
	}
	if failureRate >= cfg.FailureRateThreshold {
		reasons = append(reasons, fmt.Sprintf("failure rate %.2f >= %.2f", failureRate, cfg.FailureRateThreshold))
	}

	if len(reasons) == 0 {
		hint.Rationale = fmt.Sprintf("healthy: regression pressure %.2f, mean score %.2f, failure rate %.2f over %d sessions",
			pressure, summary.MeanRegressionScore, failureRate, summary.AssessedSessionCount)
		return hint
	}

	hint.Policy.EscalateRisk = true
	hint.Intent.RoutePenalty = cfg.IntentRoutePenalty
	hint.Rationale = fmt.Sprintf("escalating: %s over %d sessions",
		strings.Join(reasons, "; "), summary.AssessedSessionCount)
	return hint
}

// Explain renders a hint into a one-line operator-facing summary for the
// daemon health snapshot and CLI status output.
func Explain(hint Hint, summary Summary) string {
	if !hint.Enabled {
		return "adaptation: disabled"
	}
	state := "steady"
	if hint.Policy.EscalateRisk {
		state = "escalated"
	}
	return fmt.Sprintf("adaptation: %s (%s sessions assessed, last refresh %s) — %s",
		state,
		humanize.Comma(int64(summary.AssessedSessionCount)),
		humanize.Time(summary.GeneratedAt),
		hint.Rationale)
}
