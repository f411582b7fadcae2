package policy

import "strings"

// sensitiveKeywords maps a configurable sensitive-action key to the literal
// substrings that, found in a URL or action argument, identify that kind of
// action. The table is fixed; Config.SensitiveActions (or
// DefaultSensitiveActions) controls which of these keys are actually
// escalation-worthy for a given deployment.
var sensitiveKeywords = []struct {
	actionKey string
	terms     []string
}{
	{actionKey: "auth_submit", terms: []string{"login", "signin", "sign-in", "auth", "password", "2fa", "mfa"}},
	{actionKey: "post", terms: []string{"post", "submit", "publish", "comment", "reply"}},
	{actionKey: "checkout", terms: []string{"checkout", "payment", "billing", "cart", "purchase"}},
	{actionKey: "delete", terms: []string{"delete", "remove", "destroy", "trash", "unsubscribe"}},
}

// matchSensitiveKeyword scans text for any keyword belonging to an enabled
// sensitive-action key, in the table's fixed declaration order so that
// results are deterministic regardless of the order SensitiveActions was
// configured in. It returns the matched action key and the matched term
// ("keyword:<term>") as a risk signal.
func matchSensitiveKeyword(text string, enabled []string) (actionKey string, signal string, matched bool) {
	if text == "" {
		return "", "", false
	}
	lower := strings.ToLower(text)
	enabledSet := make(map[string]struct{}, len(enabled))
	for _, k := range enabled {
		enabledSet[k] = struct{}{}
	}
	for _, group := range sensitiveKeywords {
		if _, ok := enabledSet[group.actionKey]; !ok {
			continue
		}
		for _, term := range group.terms {
			if strings.Contains(lower, term) {
				return group.actionKey, "keyword:" + term, true
			}
		}
	}
	return "", "", false
}

// effectiveSensitiveActions returns cfg.SensitiveActions, falling back to
// DefaultSensitiveActions when unset.
func effectiveSensitiveActions(cfg Config) []string {
	if len(cfg.SensitiveActions) > 0 {
		return cfg.SensitiveActions
	}
	return DefaultSensitiveActions
}

// argText concatenates the string-valued entries of an action's argument
// map into one blob for keyword scanning, in a deterministic key order.
func argText(args map[string]any, keys ...string) string {
	var parts []string
	for _, k := range keys {
		if v, ok := args[k]; ok {
			if s, ok := v.(string); ok {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " ")
}

func argBool(args map[string]any, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
