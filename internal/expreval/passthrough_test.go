package expreval

import "testing"

func TestEvalLiteralScalars(t *testing.T) {
	cases := map[string]any{
		"true":    true,
		"false":   false,
		"42":      42,
		"3.5":     3.5,
		"hello":   "hello",
		`"quoted"`: "quoted",
	}
	for expr, want := range cases {
		got, err := (Passthrough{}).Eval(expr, NewMapContext(nil))
		if err != nil {
			t.Fatalf("eval %q: %v", expr, err)
		}
		if got != want {
			t.Fatalf("eval %q: got %v (%T), want %v (%T)", expr, got, got, want, want)
		}
	}
}

func TestEvalDollarPathLookup(t *testing.T) {
	ctx := NewMapContext(map[string]any{"a": map[string]any{"b": "c"}})
	got, err := (Passthrough{}).Eval("<% $.a.b %>", ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != "c" {
		t.Fatalf("got %v, want %q", got, "c")
	}
}

func TestEvalDollarPathMissingFieldErrors(t *testing.T) {
	ctx := NewMapContext(map[string]any{"a": map[string]any{}})
	_, err := (Passthrough{}).Eval("<% $.a.missing %>", ctx)
	if err == nil {
		t.Fatalf("expected an error for a missing field")
	}
}

func TestEvalBareDollarReturnsWholeVarBag(t *testing.T) {
	vars := map[string]any{"x": 1}
	ctx := NewMapContext(vars)
	got, err := (Passthrough{}).Eval("<% $ %>", ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["x"] != 1 {
		t.Fatalf("got %v, want the full var bag", got)
	}
}

type fakeTaskResult struct {
	result any
	state  string
}

func (f fakeTaskResult) Result() any   { return f.result }
func (f fakeTaskResult) State() string { return f.state }

func TestEvalTaskResultAccessor(t *testing.T) {
	ctx := NewMapContext(nil).WithTask("a", fakeTaskResult{result: "ra", state: "SUCCESS"})
	got, err := (Passthrough{}).Eval(`<% task("a").result %>`, ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if got != "ra" {
		t.Fatalf("got %v, want %q", got, "ra")
	}

	state, err := (Passthrough{}).Eval(`<% task("a").state %>`, ctx)
	if err != nil {
		t.Fatalf("eval state: %v", err)
	}
	if state != "SUCCESS" {
		t.Fatalf("got %v, want %q", state, "SUCCESS")
	}
}

func TestEvalTaskResultAccessorUnknownTaskErrors(t *testing.T) {
	ctx := NewMapContext(nil)
	_, err := (Passthrough{}).Eval(`<% task("missing").result %>`, ctx)
	if err == nil {
		t.Fatalf("expected an error for an unknown task reference")
	}
}

func TestEvalEnvAccessor(t *testing.T) {
	ctx := NewMapContext(nil).WithEnv(map[string]any{"region": "eu"})
	got, err := (Passthrough{}).Eval("<% env() %>", ctx)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["region"] != "eu" {
		t.Fatalf("got %v, want the env bag", got)
	}
}
