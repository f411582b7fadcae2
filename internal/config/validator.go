package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	for _, action := range c.Policy.SensitiveActions {
		switch action {
		case "auth_submit", "post", "checkout", "delete":
		default:
			return fmt.Errorf("policy.sensitive_actions: unknown action %q", action)
		}
	}

	for i, rule := range c.Policy.CustomRules {
		if rule.Enabled && strings.TrimSpace(rule.Condition) == "" {
			return fmt.Errorf("policy.custom_rules[%d] (%s): enabled rule needs a condition", i, rule.ID)
		}
	}

	return nil
}

// formatValidationErrors converts validator.ValidationErrors into
// user-facing messages.
func formatValidationErrors(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q validation (value %v)", e.Namespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
}
