package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "simple arithmetic",
			script: "result = 2 + 2\n",
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["result"] != int64(4) {
					t.Errorf("expected result=4, got %v", sr.Output["result"])
				}
			},
		},
		{
			name:   "use input variables",
			script: "doubled = count * 2\n",
			input:  map[string]interface{}{"count": 5},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["doubled"] != int64(10) {
					t.Errorf("expected doubled=10, got %v", sr.Output["doubled"])
				}
			},
		},
		{
			name: "functions are not exported",
			script: `
def ports(lines):
    return [int(l.split(":")[-1]) for l in lines if l]

_private = 1
open_ports = ports(["0.0.0.0:443", "", "0.0.0.0:80"])
`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if _, ok := sr.Output["ports"]; ok {
					t.Error("functions must not be exported")
				}
				if _, ok := sr.Output["_private"]; ok {
					t.Error("private globals must not be exported")
				}
				got, ok := sr.Output["open_ports"].([]interface{})
				if !ok || len(got) != 2 || got[0] != int64(443) {
					t.Errorf("unexpected open_ports: %v", sr.Output["open_ports"])
				}
			},
		},
		{
			name:   "struct builtin",
			script: `svc = struct(name = "ipa", active = True)`,
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				svc, ok := sr.Output["svc"].(map[string]interface{})
				if !ok || svc["name"] != "ipa" || svc["active"] != true {
					t.Errorf("unexpected struct: %v", sr.Output["svc"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  "result = (",
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  "result = 1 // 0",
			wantErr: true,
		},
		{
			name:    "unsupported input",
			script:  "x = 1",
			input:   map[string]interface{}{"bad": struct{}{}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if result != nil && result.Error == "" {
					t.Error("expected error message in result")
				}
				return
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n

result = spin()
`
	start := time.Now()
	result, err := evaluator.Evaluate(context.Background(), script, nil)
	if !errors.Is(err, ErrScriptTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if result == nil || result.Error == "" {
		t.Error("expected timeout message in result")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancelled script kept running for %v", elapsed)
	}
}

func TestStarlarkEvaluator_EvaluatePredicate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second)
	facts := map[string]string{
		"stdout":    "ipa: INFO: The ipactl command was successful\n",
		"exit_code": "0",
	}

	tests := []struct {
		name    string
		script  string
		want    bool
		wantErr bool
	}{
		{
			name:   "passes",
			script: `passed = facts["exit_code"] == "0" and "successful" in facts["stdout"]`,
			want:   true,
		},
		{
			name:   "fails",
			script: `passed = "STOPPED" in facts["stdout"]`,
			want:   false,
		},
		{
			name:    "missing global",
			script:  `ok = True`,
			wantErr: true,
		},
		{
			name:    "not a bool",
			script:  `passed = "yes"`,
			wantErr: true,
		},
		{
			name:    "unknown fact",
			script:  `passed = facts["missing"] == ""`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.EvaluatePredicate(context.Background(), tt.script, facts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EvaluatePredicate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("EvaluatePredicate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStarlarkEvaluator_Sandbox(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second)

	for _, script := range []string{
		`load("os.star", "os")`,
		`x = open("/etc/passwd")`,
		`print("hello")
x = 1`,
	} {
		result, err := evaluator.Evaluate(context.Background(), script, nil)
		if script == "print(\"hello\")\nx = 1" {
			if err != nil {
				t.Errorf("print must be silently ignored, got %v", err)
			}
			continue
		}
		if err == nil {
			t.Errorf("expected %q to fail, got %v", script, result.Output)
		}
	}
}
