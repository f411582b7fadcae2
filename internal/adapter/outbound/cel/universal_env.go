package cel

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// EvalInput is the activation input for a PolicyConfig.CustomRules
// expression: the classified-action shape the Policy Engine evaluates
// custom escalation rules against. It intentionally carries no identity,
// protocol, or remote-gateway fields -- those belong to another
// wider RBAC surface, which this environment does not need.
type EvalInput struct {
	ToolName                  string
	Args                      map[string]any
	CurrentOrigin             string
	CurrentPageHasCredentials bool
	TargetHost                string
	TargetOrigin              string
	Risk                      string
	ActionKey                 string
	RequestTime               time.Time
}

// NewUniversalPolicyEnvironment creates a CEL environment scoped to browser
// action custom rules. It includes:
//   - tool_name, args, current_origin, current_page_has_credentials
//   - target_host, target_origin, risk, action_key, request_time
//   - custom functions: glob, host_matches, arg, arg_contains
func NewUniversalPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool_name", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("current_origin", cel.StringType),
		cel.Variable("current_page_has_credentials", cel.BoolType),
		cel.Variable("target_host", cel.StringType),
		cel.Variable("target_origin", cel.StringType),
		cel.Variable("risk", cel.StringType),
		cel.Variable("action_key", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		// glob: shell-style glob matching, e.g. glob("checkout*", tool_name).
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// host_matches: wildcard-subdomain host matching, e.g.
		// host_matches(target_host, "*.example.com").
		cel.Function("host_matches",
			cel.Overload("host_matches_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(hostVal, patternVal ref.Val) ref.Val {
					host := strings.ToLower(hostVal.Value().(string))
					pattern := strings.ToLower(patternVal.Value().(string))
					if pattern == "*" {
						return types.Bool(true)
					}
					if strings.HasPrefix(pattern, "*.") {
						suffix := pattern[1:]
						return types.Bool(len(host) > len(suffix) && strings.HasSuffix(host, suffix))
					}
					return types.Bool(host == pattern)
				}),
			),
		),

		// arg: extract a specific argument by key from the args map.
		// Usage: arg(args, "url")
		cel.Function("arg",
			cel.Overload("arg_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						if v, found := goMap[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// arg_contains: check if any string argument value contains a substring.
		// Usage: arg_contains(args, "password")
		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					if goMap, ok := mapVal.Value().(map[string]any); ok {
						for _, v := range goMap {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// BuildUniversalActivation creates a CEL activation map from an EvalInput,
// substituting an empty map for nil Args and the Unix epoch for a zero
// RequestTime so expressions referencing them evaluate rather than error.
func BuildUniversalActivation(in EvalInput) map[string]any {
	args := in.Args
	if args == nil {
		args = map[string]any{}
	}
	reqTime := in.RequestTime
	if reqTime.IsZero() {
		reqTime = time.Unix(0, 0).UTC()
	}
	return map[string]any{
		"tool_name":                    in.ToolName,
		"args":                         args,
		"current_origin":               in.CurrentOrigin,
		"current_page_has_credentials": in.CurrentPageHasCredentials,
		"target_host":                  in.TargetHost,
		"target_origin":                in.TargetOrigin,
		"risk":                         in.Risk,
		"action_key":                   in.ActionKey,
		"request_time":                 reqTime,
	}
}
