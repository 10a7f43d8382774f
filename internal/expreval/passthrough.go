package expreval

import (
	"fmt"
	"strconv"
	"strings"
)

// MapContext is a minimal Context backed by plain maps, sufficient for
// engine-internal tests that never need a real expression language.
type MapContext struct {
	vars  map[string]any
	tasks map[string]TaskResult
	env   map[string]any
}

// NewMapContext builds a MapContext from the given variable bag.
func NewMapContext(vars map[string]any) *MapContext {
	if vars == nil {
		vars = map[string]any{}
	}
	return &MapContext{vars: vars, tasks: map[string]TaskResult{}, env: map[string]any{}}
}

// WithTask registers a task result accessor for `task(name).result` lookups.
func (c *MapContext) WithTask(name string, tr TaskResult) *MapContext {
	c.tasks[name] = tr
	return c
}

// WithEnv sets the `env()` bag.
func (c *MapContext) WithEnv(env map[string]any) *MapContext {
	c.env = env
	return c
}

func (c *MapContext) Vars() map[string]any { return c.vars }
func (c *MapContext) Task(name string) TaskResult {
	return c.tasks[name]
}
func (c *MapContext) Env() map[string]any { return c.env }

// Passthrough is a reference Evaluator for `<% $.path %>`-shaped
// expressions, literal scalars, and `task(name).result`. It is not a
// YAQL/Jinja engine (that is out of scope, spec.md §1). It is the
// evaluator cmd/engined wires into the engine, and this repository's
// tests use it to drive the handlers without a real expression
// dependency.
type Passthrough struct{}

// Eval implements Evaluator.
func (Passthrough) Eval(expr string, ctx Context) (any, error) {
	trimmed := strings.TrimSpace(expr)

	if inner, ok := stripDelim(trimmed); ok {
		return evalInner(strings.TrimSpace(inner), ctx)
	}

	// Not a `<% ... %>` expression: treat as a literal.
	return literal(trimmed), nil
}

func stripDelim(s string) (string, bool) {
	if strings.HasPrefix(s, "<%") && strings.HasSuffix(s, "%>") {
		return s[2 : len(s)-2], true
	}
	return "", false
}

func evalInner(s string, ctx Context) (any, error) {
	switch {
	case s == "$":
		return ctx.Vars(), nil
	case strings.HasPrefix(s, "$."):
		return lookupPath(ctx.Vars(), s[2:])
	case strings.HasPrefix(s, "env("):
		return ctx.Env(), nil
	case strings.HasPrefix(s, "task("):
		return evalTaskRef(s, ctx)
	default:
		return literal(s), nil
	}
}

func evalTaskRef(s string, ctx Context) (any, error) {
	open := strings.Index(s, "(")
	close := strings.Index(s, ")")
	if open < 0 || close < 0 || close < open {
		return nil, &ExprError{Expr: s, Err: fmt.Errorf("malformed task() reference")}
	}
	name := strings.Trim(s[open+1:close], `"' `)
	tr := ctx.Task(name)
	if tr == nil {
		return nil, &ExprError{Expr: s, Err: fmt.Errorf("unknown task %q", name)}
	}
	rest := strings.TrimPrefix(s[close+1:], ".")
	switch rest {
	case "result", "":
		return tr.Result(), nil
	case "state":
		return tr.State(), nil
	default:
		return nil, &ExprError{Expr: s, Err: fmt.Errorf("unsupported task accessor %q", rest)}
	}
}

func lookupPath(vars map[string]any, path string) (any, error) {
	if path == "" {
		return vars, nil
	}
	parts := strings.Split(path, ".")
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, &ExprError{Expr: path, Err: fmt.Errorf("cannot index non-object at %q", p)}
		}
		v, ok := m[p]
		if !ok {
			return nil, &ExprError{Expr: path, Err: fmt.Errorf("no such field %q", p)}
		}
		cur = v
	}
	return cur, nil
}

func literal(s string) any {
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return strings.Trim(s, `"'`)
}
