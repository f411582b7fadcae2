package retry

import "testing"

func TestClassify_OrderedTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		message   string
		wantCat   Category
		wantRetry bool
	}{
		{"policy deny", "POLICY_DENY", "denied by policy", CategoryPolicy, false},
		{"approval required", "APPROVAL_REQUIRED", "needs approval", CategoryPolicy, false},
		{"runtime unavailable", "RUNTIME_UNAVAILABLE", "no driver", CategoryRuntimeUnavailable, false},
		{"daemon stopped", "DAEMON_STOPPED", "", CategoryRuntimeUnavailable, false},
		{"session not found", "SESSION_NOT_FOUND", "", CategorySessionState, false},
		{"max sessions", "MAX_SESSIONS_REACHED", "", CategorySessionState, false},
		{"missing url", "NAVIGATE_FAILED", "missing required url", CategoryInvalidInput, false},
		{"missing selector", "CLICK_FAILED", "required selector was not provided", CategoryInvalidInput, false},
		{"selector strict", "CLICK_FAILED", "strict mode violation: multiple elements", CategorySelector, false},
		{"selector no node", "CLICK_FAILED", "no node found for selector", CategorySelector, false},
		{"timeout code", "NAVIGATE_TIMEOUT", "", CategoryTimeout, true},
		{"timeout message", "NAVIGATE_FAILED", "Timeout 30000ms exceeded", CategoryTimeout, true},
		{"network reset", "NAVIGATE_FAILED", "net::ERR_CONNECTION_RESET at https://x", CategoryNetwork, true},
		{"network dns", "NAVIGATE_FAILED", "dns lookup failed", CategoryNetwork, true},
		{"transient target closed", "CLICK_FAILED", "Target closed", CategoryTransient, true},
		{"transient page crashed", "SCREENSHOT_FAILED", "page crashed", CategoryTransient, true},
		{"unknown", "SCREENSHOT_FAILED", "something unexpected happened", CategoryUnknown, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.code, tc.message)
			if got.Category != tc.wantCat {
				t.Errorf("Classify(%q, %q).Category = %q, want %q", tc.code, tc.message, got.Category, tc.wantCat)
			}
			if got.Retryable != tc.wantRetry {
				t.Errorf("Classify(%q, %q).Retryable = %v, want %v", tc.code, tc.message, got.Retryable, tc.wantRetry)
			}
			if got.Hint == "" {
				t.Error("expected a non-empty hint")
			}
		})
	}
}

// R1: classification is idempotent under repeated application.
func TestClassify_Idempotent(t *testing.T) {
	code, msg := "NAVIGATE_FAILED", "net::ERR_CONNECTION_RESET"
	first := Classify(code, msg)
	second := Classify(code, msg)
	if first != second {
		t.Errorf("Classify is not idempotent: %+v != %+v", first, second)
	}
}

func TestNewClassifier_ExtraRulesEvaluatedAfterDefaults(t *testing.T) {
	custom := Rule{
		Name:  "custom-quota",
		Match: func(code, _ string) bool { return code == "QUOTA_EXCEEDED" },
		Class: Classification{Retryable: true, Category: CategoryTransient, Hint: "quota will reset shortly"},
	}
	c := NewClassifier(custom)

	got := c.Classify("QUOTA_EXCEEDED", "")
	if got.Category != CategoryTransient || !got.Retryable {
		t.Errorf("custom rule not applied: %+v", got)
	}

	// Defaults still take precedence over extras when both could match.
	gotDefault := c.Classify("SESSION_NOT_FOUND", "")
	if gotDefault.Category != CategorySessionState {
		t.Errorf("default rule overridden by extras: %+v", gotDefault)
	}
}
