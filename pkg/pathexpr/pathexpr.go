// Package pathexpr resolves discriminator paths against decoded FHIR JSON.
//
// Resolve handles the restricted FHIRPath subset that slicing discriminators
// use: "$this", dotted member names, extension('url'), ofType(T) on a
// choice element and a trailing resolve(), which is ignored. Evaluator runs
// full FHIRPath expressions.
package pathexpr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/funcs"
	"github.com/gofhir/fhirpath/types"
)

func init() {
	// FHIRPath trace() writes to stdout by default.
	funcs.SetTraceLogger(funcs.NullTraceLogger{})
}

// Resolve returns every value reached by path from node. Arrays are
// flattened at each step, so the result never contains a []any produced by
// an intermediate step. A path outside the supported subset resolves to
// nothing; use IsSimple to tell the two cases apart.
func Resolve(node any, path string) []any {
	steps, ok := parse(path)
	if !ok {
		return nil
	}
	current := flatten([]any{node})
	for _, s := range steps {
		var next []any
		for _, item := range current {
			next = append(next, s.apply(item)...)
		}
		current = flatten(next)
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

// IsSimple reports whether Resolve understands path.
func IsSimple(path string) bool {
	_, ok := parse(path)
	return ok
}

type step struct {
	name   string
	extURL string // set for extension('url')
}

func (s step) apply(item any) []any {
	obj, ok := item.(map[string]any)
	if !ok {
		return nil
	}
	if s.extURL == "" {
		if v, ok := obj[s.name]; ok && v != nil {
			return []any{v}
		}
		return nil
	}
	exts, _ := obj["extension"].([]any)
	var out []any
	for _, e := range exts {
		if m, ok := e.(map[string]any); ok && m["url"] == s.extURL {
			out = append(out, m)
		}
	}
	return out
}

func parse(path string) ([]step, bool) {
	path = strings.TrimSpace(path)
	path = strings.TrimSuffix(path, ".resolve()")
	if path == "" || path == "$this" || path == "resolve()" {
		return nil, true
	}
	path = strings.TrimPrefix(path, "$this.")

	var steps []step
	for _, part := range splitPath(path) {
		switch {
		case strings.HasPrefix(part, "extension(") && strings.HasSuffix(part, ")"):
			arg := strings.TrimSuffix(strings.TrimPrefix(part, "extension("), ")")
			arg = strings.Trim(arg, `'"`)
			if arg == "" {
				return nil, false
			}
			steps = append(steps, step{extURL: arg})
		case strings.HasPrefix(part, "ofType(") && strings.HasSuffix(part, ")"):
			// value.ofType(Quantity) is the JSON member valueQuantity.
			if len(steps) == 0 || steps[len(steps)-1].name == "" {
				return nil, false
			}
			arg := strings.TrimSuffix(strings.TrimPrefix(part, "ofType("), ")")
			arg = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(arg), "FHIR."), "System.")
			if !isIdentifier(arg) {
				return nil, false
			}
			steps[len(steps)-1].name += strings.ToUpper(arg[:1]) + arg[1:]
		case isIdentifier(part):
			steps = append(steps, step{name: part})
		default:
			return nil, false
		}
	}
	return steps, true
}

// splitPath splits on dots outside quotes and parentheses, so the dots in
// extension('http://x.org/a') stay within a single step.
func splitPath(path string) []string {
	var (
		parts []string
		depth int
		quote rune
		start int
	)
	for i, r := range path {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
		case r == '.' && depth == 0:
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func flatten(items []any) []any {
	var out []any
	for _, item := range items {
		if arr, ok := item.([]any); ok {
			out = append(out, flatten(arr)...)
			continue
		}
		if item != nil {
			out = append(out, item)
		}
	}
	return out
}

// Evaluator evaluates FHIRPath expressions, compiling each expression once.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*fhirpath.Expression
}

// NewEvaluator creates an Evaluator with an empty expression cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*fhirpath.Expression)}
}

func (e *Evaluator) compile(expr string) (*fhirpath.Expression, error) {
	e.mu.RLock()
	compiled, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, err)
	}

	e.mu.Lock()
	e.cache[expr] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// Evaluate runs expr against a JSON document.
func (e *Evaluator) Evaluate(doc []byte, expr string) (fhirpath.Collection, error) {
	compiled, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	out, err := compiled.Evaluate(doc)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return out, nil
}

// Resolve evaluates path against node. Simple paths are resolved natively;
// anything else is encoded and run through FHIRPath, and the resulting
// items are converted back to decoded JSON values.
func (e *Evaluator) Resolve(node any, path string) ([]any, error) {
	if IsSimple(path) {
		return Resolve(node, path), nil
	}
	doc, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("encode node: %w", err)
	}
	out, err := e.Evaluate(doc, path)
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(out))
	for _, item := range out {
		v, err := toJSON(item)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

// toJSON converts a FHIRPath value into the shape encoding/json produces
// with UseNumber.
func toJSON(v types.Value) (any, error) {
	switch val := v.(type) {
	case *types.ObjectValue:
		dec := json.NewDecoder(bytes.NewReader(val.Data()))
		dec.UseNumber()
		var out any
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", val.Type(), err)
		}
		return out, nil
	case types.String:
		return val.Value(), nil
	case types.Boolean:
		return val.Bool(), nil
	case types.Integer:
		return json.Number(fmt.Sprint(val.Value())), nil
	case types.Decimal:
		return json.Number(val.Value().String()), nil
	default:
		return v.String(), nil
	}
}

// Exists reports whether expr yields a non-empty collection for node.
// Simple paths are resolved natively without encoding node.
func (e *Evaluator) Exists(node any, expr string) (bool, error) {
	if IsSimple(expr) {
		return len(Resolve(node, expr)) > 0, nil
	}
	doc, err := json.Marshal(node)
	if err != nil {
		return false, fmt.Errorf("encode node: %w", err)
	}
	out, err := e.Evaluate(doc, expr)
	if err != nil {
		return false, err
	}
	return !out.Empty(), nil
}

// Satisfied evaluates an invariant. An empty result passes, as does a
// non-empty result that is not a boolean.
func (e *Evaluator) Satisfied(doc []byte, expr string) (bool, error) {
	out, err := e.Evaluate(doc, expr)
	if err != nil {
		return false, err
	}
	if out.Empty() {
		return true, nil
	}
	b, err := out.ToBoolean()
	if err != nil {
		return true, nil
	}
	return b, nil
}

// Len returns the number of compiled expressions held.
func (e *Evaluator) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
