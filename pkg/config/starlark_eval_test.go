package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

const priceFilter = `
def accept(c):
    return c["provider"] != "vastai" and c["price_per_hour"] < 3.0
`

func TestEvalPredicate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		candidate map[string]interface{}
		want      bool
	}{
		{"cheap trusted", map[string]interface{}{"provider": "runpod", "price_per_hour": 1.2}, true},
		{"excluded provider", map[string]interface{}{"provider": "vastai", "price_per_hour": 0.8}, false},
		{"too expensive", map[string]interface{}{"provider": "aws", "price_per_hour": 4.1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.EvalPredicate(ctx, priceFilter, "accept", tt.candidate)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPredicateReuse(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	script := `
_allowed = ["A100", "H100"]

def accept(c):
    return c["gpu_type"] in _allowed and c["gpus"] >= 8 and "spot" not in c["tags"]
`
	pred, err := evaluator.Predicate(ctx, script, "accept")
	if err != nil {
		t.Fatalf("Predicate() error = %v", err)
	}

	args := []map[string]interface{}{
		{"gpu_type": "H100", "gpus": 8, "tags": []string{"on-demand"}},
		{"gpu_type": "V100", "gpus": 8, "tags": []string{}},
		{"gpu_type": "A100", "gpus": int64(4), "tags": []interface{}{"spot"}},
	}
	want := []bool{true, false, false}
	for i, arg := range args {
		got, err := pred.Call(ctx, arg)
		if err != nil {
			t.Fatalf("Call(%d) error = %v", i, err)
		}
		if got != want[i] {
			t.Errorf("Call(%d) = %v, want %v", i, got, want[i])
		}
	}
}

func TestEvalPredicateErrors(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()
	arg := map[string]interface{}{"provider": "aws"}

	tests := []struct {
		name    string
		script  string
		arg     map[string]interface{}
		wantErr string
	}{
		{"missing function", `x = 1`, arg, "does not define function accept"},
		{"syntax error", `invalid syntax here`, arg, "starlark execution failed"},
		{"non bool", "def accept(c):\n    return 1\n", arg, "must return a bool"},
		{"runtime error", "def accept(c):\n    return c[\"missing\"] > 1\n", arg, "accept failed"},
		{"load disallowed", "load(\"x.star\", \"y\")\ndef accept(c):\n    return True\n", arg, "not allowed"},
		{"unsupported argument", priceFilter, map[string]interface{}{"at": time.Now()}, "unsupported type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evaluator.EvalPredicate(ctx, tt.script, "accept", tt.arg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("EvalPredicate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestEvalPredicateTimeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
def accept(c):
    total = 0
    for i in range(100000000):
        total = total + i
    return total > 0
`
	_, err := evaluator.EvalPredicate(context.Background(), script, "accept", map[string]interface{}{})
	if err == nil {
		t.Fatal("expected the runaway predicate to be stopped")
	}
}

func TestPrintIsSuppressed(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	script := "def accept(c):\n    print(\"noise\")\n    return True\n"

	ok, err := evaluator.EvalPredicate(context.Background(), script, "accept", map[string]interface{}{})
	if err != nil || !ok {
		t.Errorf("EvalPredicate() = %v, %v", ok, err)
	}
}
