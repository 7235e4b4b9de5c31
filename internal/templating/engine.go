// Package templating renders task templates against chain variables. The
// engine is deliberately narrow so the execution core never depends on a
// specific template language: callers hand it strings or nested structures
// and get resolved values back.
//
// Two reference styles are supported by the default engine:
//
//   - Direct paths: a string that is exactly "var.report.rows[0]" resolves
//     to the underlying value with its type preserved; paths embedded in a
//     larger string are substituted textually. Unassigned variables are
//     left untouched, since templates are re-rendered as the chain runs.
//   - Template expressions: "{{ ... }}" blocks are evaluated with
//     text/template plus the sprig function set, against a context exposing
//     .var and .item. Unknown keys here are hard errors.
package templating

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/spf13/cast"

	"github.com/kmiyazaki/taskchain/internal/variables"
)

// Context carries the values a template may reference.
type Context struct {
	// Var is the chain's variable namespace.
	Var map[string]any
	// Item is the current element in iterative contexts, nil otherwise.
	Item any
}

// Engine is the swappable expression-evaluation service consumed by the
// execution core. Implementations must be safe for concurrent use.
type Engine interface {
	// Render resolves a single string. The result is any because a string
	// consisting of exactly one variable reference yields the referenced
	// value itself, not its textual form.
	Render(s string, ctx Context) (any, error)
	// RenderAny deep-renders nested maps, slices and strings.
	RenderAny(v any, ctx Context) (any, error)
	// EvaluateBool renders a conditional expression and coerces the result
	// to a boolean.
	EvaluateBool(expr string, ctx Context) (bool, error)
}

var pathPattern = regexp.MustCompile(`(item|var)\.[^\s"']*`)

// HasExpression reports whether s contains template delimiters.
func HasExpression(s string) bool {
	return strings.Contains(s, "{{")
}

// GoEngine renders with text/template and sprig. The zero value is usable.
type GoEngine struct{}

func NewEngine() *GoEngine {
	return &GoEngine{}
}

func (e *GoEngine) Render(s string, ctx Context) (any, error) {
	if HasExpression(s) {
		rendered, err := e.execute(s, ctx)
		if err != nil {
			return nil, err
		}
		return rendered, nil
	}
	return resolvePaths(s, ctx)
}

func (e *GoEngine) RenderAny(v any, ctx Context) (any, error) {
	switch val := v.(type) {
	case string:
		return e.Render(val, ctx)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := e.RenderAny(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("render key %q: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := e.RenderAny(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("render index %d: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func (e *GoEngine) EvaluateBool(expr string, ctx Context) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if !HasExpression(expr) {
		// Bare path conditions like "var.flags.enabled" resolve directly.
		resolved, err := resolvePaths(expr, ctx)
		if err != nil {
			return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
		}
		if s, ok := resolved.(string); !ok || s != expr {
			result, err := cast.ToBoolE(resolved)
			if err != nil {
				return false, fmt.Errorf("condition %q did not yield a boolean: %w", expr, err)
			}
			return result, nil
		}
		expr = "{{ " + expr + " }}"
	}
	rendered, err := e.execute(expr, ctx)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
	}
	result, err := cast.ToBoolE(strings.TrimSpace(strings.ToLower(rendered)))
	if err != nil {
		return false, fmt.Errorf("condition %q did not yield a boolean (got %q): %w", expr, rendered, err)
	}
	return result, nil
}

func (e *GoEngine) execute(s string, ctx Context) (string, error) {
	tmpl, err := template.New("inline").Option("missingkey=error").Funcs(sprig.FuncMap()).Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	data := map[string]any{
		"var":  ctx.Var,
		"item": ctx.Item,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

// resolvePaths handles the direct var./item. reference style.
func resolvePaths(s string, ctx Context) (any, error) {
	matches := pathPattern.FindAllString(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string that is exactly one reference yields the raw value.
	if len(matches) == 1 && matches[0] == s {
		value, ok, err := lookup(s, ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return s, nil
		}
		return value, nil
	}

	result := s
	for _, match := range matches {
		value, ok, err := lookup(match, ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		result = strings.ReplaceAll(result, match, fmt.Sprintf("%v", value))
	}
	return result, nil
}

// lookup resolves one reference. ok is false when the variable is simply
// not assigned yet; errors are reserved for malformed paths and bad item
// references.
func lookup(ref string, ctx Context) (any, bool, error) {
	prefix, path, found := strings.Cut(ref, ".")
	if !found || path == "" {
		return nil, false, nil
	}

	switch prefix {
	case "item":
		if ctx.Item == nil {
			return nil, false, fmt.Errorf("reference %q used outside an iteration context", ref)
		}
		value, err := variables.WalkPath(ctx.Item, path)
		if err != nil {
			return nil, false, err
		}
		return value, true, nil

	case "var":
		name, rest, _ := strings.Cut(path, ".")
		// Strip a trailing index from the variable name, e.g. var.rows[0].
		bare := name
		if i := strings.IndexByte(bare, '['); i != -1 {
			bare = bare[:i]
		}
		root, ok := ctx.Var[bare]
		if !ok {
			return nil, false, nil
		}
		subPath := strings.TrimPrefix(name, bare)
		if rest != "" {
			subPath += "." + rest
		}
		if subPath == "" {
			return root, true, nil
		}
		value, err := variables.WalkPath(root, subPath)
		if err != nil {
			return nil, false, err
		}
		return value, true, nil

	default:
		return nil, false, nil
	}
}
