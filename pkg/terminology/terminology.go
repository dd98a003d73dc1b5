// Package terminology checks coded values against value set bindings.
//
// Membership is decided from the value set's expansion when one is present,
// otherwise from its compose rules, with systems that cannot be evaluated
// locally delegated to an optional external Service.
package terminology

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/conformance/cache"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
)

// Binding strengths.
const (
	StrengthRequired   = "required"
	StrengthExtensible = "extensible"
	StrengthPreferred  = "preferred"
	StrengthExample    = "example"
)

// DefaultCacheSize is the number of outcomes kept by default.
const DefaultCacheSize = 1000

// Definitions resolves ValueSets and CodeSystems by canonical reference.
// *registry.Registry implements it.
type Definitions interface {
	ValueSet(ref string) (*registry.ValueSet, bool)
	CodeSystem(ref string) (*registry.CodeSystem, bool)
}

// externalSystems are code systems too large or too externally governed to
// evaluate from local artifacts.
var externalSystems = map[string]bool{
	"urn:ietf:bcp:13":                             true,
	"urn:ietf:bcp:47":                             true,
	"urn:iana:tz":                                 true,
	"urn:iso:std:iso:3166":                        true,
	"urn:iso:std:iso:4217":                        true,
	"http://snomed.info/sct":                      true,
	"http://loinc.org":                            true,
	"http://www.nlm.nih.gov/research/umls/rxnorm": true,
	"http://hl7.org/fhir/sid/icd-10":              true,
	"http://hl7.org/fhir/sid/icd-10-cm":           true,
	"http://www.ama-assn.org/go/cpt":              true,
}

// IsExternalSystem reports whether system is evaluated by the external
// Service when one is configured.
func IsExternalSystem(system string) bool {
	return externalSystems[system]
}

type note struct {
	id     issue.DiagnosticID
	params map[string]any
}

// Outcome is the result of checking one coded value against a binding.
type Outcome struct {
	// Valid is false only for a code outside a required binding.
	Valid bool

	// Message describes a membership failure that did not invalidate the
	// value, or the reason it did.
	Message string

	// DisplayWarning is set when the supplied display matches none of the
	// code's known displays. It never affects Valid.
	DisplayWarning string

	// Unverified is set when membership could not be decided and the value
	// was accepted.
	Unverified bool

	notes []note
}

func (o *Outcome) add(id issue.DiagnosticID, params map[string]any) string {
	o.notes = append(o.notes, note{id: id, params: params})
	return issue.FormatDiagnostic(id, params)
}

// Issues renders the outcome as OperationOutcome issues located at path.
func (o Outcome) Issues(path string) []issue.Issue {
	out := make([]issue.Issue, 0, len(o.notes))
	for _, n := range o.notes {
		out = append(out, issue.New(n.id, n.params, path))
	}
	return out
}

// Validator checks codes against bindings. It is safe for concurrent use.
type Validator struct {
	defs    Definitions
	service Service
	cache   *cache.Cache[string, Outcome]
}

// Option configures a Validator.
type Option func(*Validator)

// WithService sets the external terminology service.
func WithService(s Service) Option {
	return func(v *Validator) { v.service = s }
}

// WithCacheSize sets the outcome cache capacity.
func WithCacheSize(n int) Option {
	return func(v *Validator) { v.cache = cache.New[string, Outcome](n) }
}

// New creates a Validator reading value sets and code systems from defs.
func New(defs Definitions, opts ...Option) *Validator {
	v := &Validator{defs: defs}
	for _, opt := range opts {
		opt(v)
	}
	if v.cache == nil {
		v.cache = cache.New[string, Outcome](DefaultCacheSize)
	}
	return v
}

// CacheStats returns outcome cache statistics.
func (v *Validator) CacheStats() cache.Stats {
	return v.cache.Stats()
}

// ValidateCode checks a bare code, as found in a FHIR code element.
func (v *Validator) ValidateCode(ctx context.Context, code string, binding registry.Binding) Outcome {
	return v.ValidateCoding(ctx, r4.Coding{Code: &code}, binding)
}

// ValidateCodeableConcept checks each coding; the concept is valid when any
// coding is. Display warnings from every coding are kept.
func (v *Validator) ValidateCodeableConcept(ctx context.Context, cc r4.CodeableConcept, binding registry.Binding) Outcome {
	if len(cc.Coding) == 0 {
		return Outcome{Valid: true}
	}

	var first, matched *Outcome
	var displays []note
	for _, coding := range cc.Coding {
		out := v.ValidateCoding(ctx, coding, binding)
		for _, n := range out.notes {
			if n.id == issue.DiagBindingDisplayMismatch {
				displays = append(displays, n)
			}
		}
		if first == nil {
			first = &out
		}
		if matched == nil && out.Valid && out.Message == "" {
			matched = &out
		}
	}

	result := *first
	if matched != nil {
		result = *matched
	}
	result.notes = withoutDisplay(result.notes)
	result.notes = append(result.notes, displays...)
	if len(displays) > 0 {
		result.DisplayWarning = issue.FormatDiagnostic(displays[0].id, displays[0].params)
	}
	return result
}

func withoutDisplay(notes []note) []note {
	out := make([]note, 0, len(notes))
	for _, n := range notes {
		if n.id != issue.DiagBindingDisplayMismatch {
			out = append(out, n)
		}
	}
	return out
}

// ValidateCoding checks a coding against binding.
func (v *Validator) ValidateCoding(ctx context.Context, coding r4.Coding, binding registry.Binding) Outcome {
	if binding.ValueSet == "" {
		return Outcome{Valid: true}
	}
	system, code, display := deref(coding.System), deref(coding.Code), deref(coding.Display)

	key := strings.Join([]string{binding.Strength, binding.ValueSet, system, code, display}, "|")
	if out, ok := v.cache.Get(key); ok {
		return out
	}

	out, cacheable := v.evaluate(ctx, system, code, display, binding)
	if cacheable {
		v.cache.Set(key, out)
	}
	return out
}

func (v *Validator) evaluate(ctx context.Context, system, code, display string, binding registry.Binding) (Outcome, bool) {
	out := Outcome{Valid: true}
	vsURL := stripVersion(binding.ValueSet)
	cacheable := true

	m := membership{}
	if v.service != nil && IsExternalSystem(system) {
		resp, err := v.service.ValidateCode(ctx, Request{Code: code, System: system, ValueSet: vsURL})
		switch {
		case err == nil && resp.Validated:
			m = membership{state: member}
			if !resp.Result {
				m.state = notMember
			}
			if display != "" && resp.Display != "" && resp.Display != display {
				out.DisplayWarning = out.add(issue.DiagBindingDisplayMismatch,
					map[string]any{"display": display, "code": code, "expected": resp.Display})
			}
		default:
			reason := resp.Message
			if err != nil {
				reason = err.Error()
			}
			if reason == "" {
				reason = "no definitive answer"
			}
			out.add(issue.DiagBindingExternalFailed, map[string]any{"system": system, "reason": reason})
			cacheable = false
		}
	}

	if m.state == unknown {
		vs, ok := v.defs.ValueSet(binding.ValueSet)
		if !ok {
			out.Message = out.add(issue.DiagBindingValueSetNotFound, map[string]any{"valueSet": vsURL})
			return out, cacheable
		}
		m = v.membership(vs, system, code, map[string]bool{})
	}

	params := map[string]any{"code": code, "system": system, "valueSet": vsURL, "strength": binding.Strength}
	switch m.state {
	case notMember:
		switch binding.Strength {
		case StrengthRequired:
			out.Valid = false
			out.Message = out.add(issue.DiagBindingRequired, params)
		case StrengthExtensible:
			out.Message = out.add(issue.DiagBindingExtensible, params)
		default:
			out.Message = out.add(issue.DiagBindingPreferred, params)
		}
	case unknown:
		out.Unverified = true
		params["reason"] = m.reason
		out.add(issue.DiagBindingUnverified, params)
	}

	if out.DisplayWarning == "" {
		v.checkDisplay(&out, system, code, display)
	}
	return out, cacheable
}

// checkDisplay compares display with the code's display and designations,
// exactly and case-sensitively.
func (v *Validator) checkDisplay(out *Outcome, system, code, display string) {
	if display == "" || system == "" {
		return
	}
	cs, ok := v.defs.CodeSystem(system)
	if !ok {
		return
	}
	concept := cs.FindConcept(code)
	if concept == nil {
		return
	}
	known := concept.Displays()
	if len(known) == 0 {
		return
	}
	for _, d := range known {
		if d == display {
			return
		}
	}
	out.DisplayWarning = out.add(issue.DiagBindingDisplayMismatch,
		map[string]any{"display": display, "code": code, "expected": known[0]})
}

type memberState int

const (
	unknown memberState = iota
	member
	notMember
)

type membership struct {
	state  memberState
	reason string
}

// membership decides whether (system, code) is in vs. An empty system
// matches any system. visited guards against value set import cycles.
func (v *Validator) membership(vs *registry.ValueSet, system, code string, visited map[string]bool) membership {
	if visited[vs.URL] {
		return membership{state: notMember}
	}
	visited[vs.URL] = true
	defer delete(visited, vs.URL)

	if vs.Expansion != nil && len(vs.Expansion.Contains) > 0 {
		if inExpansion(vs.Expansion.Contains, system, code) {
			return membership{state: member}
		}
		return membership{state: notMember}
	}
	if vs.Compose == nil {
		return membership{state: unknown, reason: "value set has neither expansion nor compose"}
	}

	result := membership{state: notMember}
	for i := range vs.Compose.Include {
		m := v.includes(&vs.Compose.Include[i], system, code, visited)
		if m.state == member {
			result = m
			break
		}
		if m.state == unknown && result.state == notMember {
			result = m
		}
	}
	if result.state == notMember {
		return result
	}

	for i := range vs.Compose.Exclude {
		if v.includes(&vs.Compose.Exclude[i], system, code, visited).state == member {
			return membership{state: notMember}
		}
	}
	return result
}

func (v *Validator) includes(inc *registry.Include, system, code string, visited map[string]bool) membership {
	if inc.System != "" && system != "" && inc.System != system {
		return membership{state: notMember}
	}

	result := membership{state: member}

	switch {
	case len(inc.Concept) > 0:
		found := false
		for _, c := range inc.Concept {
			if c.Code == code {
				found = true
				break
			}
		}
		if !found {
			return membership{state: notMember}
		}
	case inc.System != "":
		result = v.inCodeSystem(inc, code)
		if result.state == notMember {
			return result
		}
	}

	// Imported value sets intersect with each other and with the system part.
	for _, ref := range inc.ValueSet {
		nested, ok := v.defs.ValueSet(ref)
		if !ok {
			return membership{state: unknown, reason: fmt.Sprintf("value set %s not available", stripVersion(ref))}
		}
		m := v.membership(nested, system, code, visited)
		if m.state == notMember {
			return m
		}
		if m.state == unknown {
			result = m
		}
	}
	return result
}

// inCodeSystem checks a system-wide or filtered include against the code
// system's concept forest. Only hierarchy filters on the concept property
// are interpreted; a code passing every other filter is unverified.
func (v *Validator) inCodeSystem(inc *registry.Include, code string) membership {
	cs, ok := v.defs.CodeSystem(inc.System)
	if !ok || cs.Content == "not-present" {
		return membership{state: unknown, reason: fmt.Sprintf("code system %s not available", inc.System)}
	}
	if cs.FindConcept(code) == nil {
		if cs.Content == "fragment" || cs.Content == "example" {
			return membership{state: unknown, reason: fmt.Sprintf("code system %s is a %s", inc.System, cs.Content)}
		}
		return membership{state: notMember}
	}

	result := membership{state: member}
	for _, f := range inc.Filter {
		match, evaluated := applyFilter(cs, f, code)
		switch {
		case !evaluated:
			result = membership{state: unknown, reason: fmt.Sprintf("filter %s %s %s is not evaluated", f.Property, f.Op, f.Value)}
		case !match:
			return membership{state: notMember}
		}
	}
	return result
}

// applyFilter evaluates one filter. evaluated is false for filters outside
// the supported concept-hierarchy subset.
func applyFilter(cs *registry.CodeSystem, f registry.Filter, code string) (match, evaluated bool) {
	if f.Property != "concept" {
		return false, false
	}
	switch f.Op {
	case "=":
		return code == f.Value, true
	case "is-a":
		return code == f.Value || descends(cs, f.Value, code), true
	case "descendent-of":
		return descends(cs, f.Value, code), true
	case "is-not-a":
		return code != f.Value && !descends(cs, f.Value, code), true
	case "in", "not-in":
		listed := false
		for _, c := range strings.Split(f.Value, ",") {
			if strings.TrimSpace(c) == code {
				listed = true
				break
			}
		}
		return listed == (f.Op == "in"), true
	default:
		return false, false
	}
}

func descends(cs *registry.CodeSystem, ancestor, code string) bool {
	a := cs.FindConcept(ancestor)
	return a != nil && a.Descendant(code) != nil
}

func inExpansion(contains []registry.Contains, system, code string) bool {
	for i := range contains {
		c := &contains[i]
		if c.Code == code && (system == "" || c.System == "" || c.System == system) {
			return true
		}
		if inExpansion(c.Contains, system, code) {
			return true
		}
	}
	return false
}

// stripVersion removes a "|version" suffix from a canonical reference.
func stripVersion(ref string) string {
	if i := strings.LastIndex(ref, "|"); i >= 0 {
		return ref[:i]
	}
	return ref
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
