package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	celeval "github.com/agencymatthewg-beep/opta-sub003/internal/adapter/outbound/cel"
)

// compiledRule pairs a Rule with its compiled CEL program.
type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// CustomRuleSet compiles a Config's CustomRules once so repeated
// evaluations avoid re-parsing CEL expressions. Rules are evaluated in
// Priority order (lower runs first); the first matching enabled rule whose
// ToolMatch (glob) accepts the request wins.
type CustomRuleSet struct {
	evaluator *celeval.Evaluator
	compiled  []compiledRule
}

// CompileCustomRules compiles every enabled rule in rules, skipping (and
// returning an error naming) any rule whose condition fails validation
// rather than aborting the whole set -- one broken operator-authored rule
// should not disable the others.
func CompileCustomRules(rules []Rule) (*CustomRuleSet, []error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, []error{fmt.Errorf("create CEL evaluator: %w", err)}
	}

	set := &CustomRuleSet{evaluator: evaluator}
	var errs []error
	ordered := append([]Rule(nil), rules...)
	sortRulesByPriority(ordered)
	for _, r := range ordered {
		if !r.Enabled {
			continue
		}
		if err := evaluator.ValidateExpression(r.Condition); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.ID, err))
			continue
		}
		prg, err := evaluator.Compile(r.Condition)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.ID, err))
			continue
		}
		set.compiled = append(set.compiled, compiledRule{rule: r, prg: prg})
	}
	return set, errs
}

func sortRulesByPriority(rules []Rule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Priority < rules[j-1].Priority; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}

// Escalate evaluates the compiled custom rules against in, in priority
// order, and returns the first matching rule. Custom rules can only
// escalate: the caller is responsible for applying the one-level-up
// semantics and never relaxing an existing deny.
func (s *CustomRuleSet) Escalate(in celeval.EvalInput) (Rule, bool, error) {
	if s == nil {
		return Rule{}, false, nil
	}
	for _, cr := range s.compiled {
		if cr.rule.ToolMatch != "" && !globMatch(cr.rule.ToolMatch, in.ToolName) {
			continue
		}
		matched, err := s.evaluator.Evaluate(cr.prg, in)
		if err != nil {
			return Rule{}, false, fmt.Errorf("evaluate rule %q: %w", cr.rule.ID, err)
		}
		if matched {
			return cr.rule, true, nil
		}
	}
	return Rule{}, false, nil
}
