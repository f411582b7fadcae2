package cel

import (
	"testing"

	"github.com/google/cel-go/cel"
)

// compileAndEval compiles and evaluates expr against an activation built
// from in.
func compileAndEval(t *testing.T, expr string, in EvalInput) bool {
	t.Helper()
	env, err := NewUniversalPolicyEnvironment()
	if err != nil {
		t.Fatalf("NewUniversalPolicyEnvironment() error: %v", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		t.Fatalf("Compile(%q) error: %v", expr, issues.Err())
	}

	prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
	if err != nil {
		t.Fatalf("Program() error: %v", err)
	}

	activation := BuildUniversalActivation(in)
	result, _, err := prg.Eval(activation)
	if err != nil {
		t.Fatalf("Eval(%q) error: %v", expr, err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		t.Fatalf("Eval(%q) returned %T, want bool", expr, result.Value())
	}
	return b
}

func baseInput() EvalInput {
	return EvalInput{
		ToolName:      "click",
		Args:          map[string]any{"selector": "#submit"},
		CurrentOrigin: "https://app.example.com",
		TargetOrigin:  "https://app.example.com",
		TargetHost:    "app.example.com",
		Risk:          "medium",
		ActionKey:     "click",
	}
}

func TestUniversalEnv_ToolName(t *testing.T) {
	in := baseInput()
	if !compileAndEval(t, `tool_name == "click"`, in) {
		t.Error("expected tool_name == 'click' to be true")
	}
	if compileAndEval(t, `tool_name == "navigate"`, in) {
		t.Error("expected tool_name == 'navigate' to be false")
	}
}

func TestUniversalEnv_Glob(t *testing.T) {
	in := baseInput()
	in.ToolName = "file_upload"
	if !compileAndEval(t, `glob("file_*", tool_name)`, in) {
		t.Error("expected glob('file_*', tool_name) to be true")
	}
	if compileAndEval(t, `glob("tab_*", tool_name)`, in) {
		t.Error("expected glob('tab_*', tool_name) to be false")
	}
}

func TestUniversalEnv_Risk(t *testing.T) {
	in := baseInput()
	if !compileAndEval(t, `risk == "medium"`, in) {
		t.Error("expected risk == 'medium' to be true")
	}
}

func TestUniversalEnv_HostMatches(t *testing.T) {
	in := baseInput()

	t.Run("wildcard_match", func(t *testing.T) {
		in.TargetHost = "login.corp.example.com"
		if !compileAndEval(t, `host_matches(target_host, "*.corp.example.com")`, in) {
			t.Error("expected login.corp.example.com to match *.corp.example.com")
		}
	})

	t.Run("no_match", func(t *testing.T) {
		in.TargetHost = "safe.com"
		if compileAndEval(t, `host_matches(target_host, "*.corp.example.com")`, in) {
			t.Error("expected safe.com to NOT match *.corp.example.com")
		}
	})

	t.Run("wildcard_star", func(t *testing.T) {
		in.TargetHost = "anything.example"
		if !compileAndEval(t, `host_matches(target_host, "*")`, in) {
			t.Error("expected '*' to match any host")
		}
	})
}

func TestUniversalEnv_Arg(t *testing.T) {
	in := baseInput()
	in.Args = map[string]any{"path": "/etc/passwd", "mode": "read"}

	if !compileAndEval(t, `arg(args, "path") == "/etc/passwd"`, in) {
		t.Error("expected arg(args, 'path') == '/etc/passwd' to be true")
	}
}

func TestUniversalEnv_ArgContains(t *testing.T) {
	in := baseInput()
	in.Args = map[string]any{"text": "my password is secret", "field": "password"}

	t.Run("contains_match", func(t *testing.T) {
		if !compileAndEval(t, `arg_contains(args, "password")`, in) {
			t.Error("expected arg_contains(args, 'password') to be true")
		}
	})

	t.Run("no_match", func(t *testing.T) {
		if compileAndEval(t, `arg_contains(args, "DROP TABLE")`, in) {
			t.Error("expected arg_contains(args, 'DROP TABLE') to be false")
		}
	})
}

func TestUniversalEnv_CredentialIsolationExpression(t *testing.T) {
	in := baseInput()
	in.CurrentPageHasCredentials = true
	in.CurrentOrigin = "https://accounts.example.com"
	in.TargetOrigin = "https://attacker.example"

	if !compileAndEval(t, `current_page_has_credentials && current_origin != target_origin`, in) {
		t.Error("expected cross-origin credential exposure condition to be true")
	}
}

func TestBuildUniversalActivation_NilSafety(t *testing.T) {
	in := EvalInput{ToolName: "test"}
	activation := BuildUniversalActivation(in)

	if activation["args"] == nil {
		t.Error("args should not be nil")
	}
	if activation["request_time"] == nil {
		t.Error("request_time should not be nil")
	}
}
