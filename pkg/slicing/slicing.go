// Package slicing partitions the values of a repeating element into the
// slices a profile declares and checks slice cardinality and closed rules.
package slicing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/pathexpr"
	"github.com/gofhir/conformance/pkg/registry"
)

// DiscriminatorKind is the kind of a slicing discriminator.
type DiscriminatorKind int

// Discriminator kinds.
const (
	DiscriminatorValue DiscriminatorKind = iota + 1
	DiscriminatorExists
	DiscriminatorPattern
	DiscriminatorType
	DiscriminatorProfile
)

var discriminatorNames = map[DiscriminatorKind]string{
	DiscriminatorValue:   "value",
	DiscriminatorExists:  "exists",
	DiscriminatorPattern: "pattern",
	DiscriminatorType:    "type",
	DiscriminatorProfile: "profile",
}

func (k DiscriminatorKind) String() string {
	if s, ok := discriminatorNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseDiscriminatorKind parses a discriminator type code.
func ParseDiscriminatorKind(s string) (DiscriminatorKind, error) {
	for k, name := range discriminatorNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown discriminator type %q", s)
}

// Rules says whether values outside every slice are allowed.
type Rules int

// Slicing rules.
const (
	RulesOpen Rules = iota
	RulesClosed
	RulesOpenAtEnd
)

func (r Rules) String() string {
	switch r {
	case RulesClosed:
		return "closed"
	case RulesOpenAtEnd:
		return "openAtEnd"
	default:
		return "open"
	}
}

// ParseRules parses a slicing rules code. Unrecognized codes are open.
func ParseRules(s string) Rules {
	switch s {
	case "closed":
		return RulesClosed
	case "openAtEnd":
		return RulesOpenAtEnd
	default:
		return RulesOpen
	}
}

// SliceDefinition is one named slice: its element plus every descendant
// element, since discriminator paths may reach into slice children.
type SliceDefinition struct {
	Name     string
	Element  *registry.ElementDefinition
	Children []*registry.ElementDefinition
	Min      int
	Max      string
}

// MaxCount returns the numeric maximum, or -1 when unbounded.
func (s SliceDefinition) MaxCount() int {
	if s.Max == "" || s.Max == "*" {
		return -1
	}
	n, err := strconv.Atoi(s.Max)
	if err != nil {
		return -1
	}
	return n
}

// SlicesFor returns the slices declared on root, in snapshot order.
func SlicesFor(sd *registry.StructureDefinition, root *registry.ElementDefinition) []SliceDefinition {
	if sd == nil || root == nil {
		return nil
	}
	elems := sd.Elements()
	var out []SliceDefinition
	for i := range elems {
		el := &elems[i]
		if el.SliceName == "" || el.Path != root.Path || !isDirectSlice(root, el) {
			continue
		}
		out = append(out, SliceDefinition{
			Name:     el.SliceName,
			Element:  el,
			Children: descendants(elems, i),
			Min:      el.Min,
			Max:      el.Max,
		})
	}
	return out
}

// isDirectSlice rejects re-slices ("a/b") and slices of a different
// slicing root that happen to share a path.
func isDirectSlice(root, el *registry.ElementDefinition) bool {
	if strings.Contains(el.SliceName, "/") {
		return false
	}
	if root.ID == "" || el.ID == "" {
		return true
	}
	return el.ID == root.ID+":"+el.SliceName
}

// descendants collects the elements below elems[i]. Ids are used when
// present; otherwise snapshot order bounds the subtree.
func descendants(elems []registry.ElementDefinition, i int) []*registry.ElementDefinition {
	slice := &elems[i]
	var out []*registry.ElementDefinition
	if slice.ID != "" {
		prefix := slice.ID + "."
		for j := i + 1; j < len(elems); j++ {
			if strings.HasPrefix(elems[j].ID, prefix) {
				out = append(out, &elems[j])
			}
		}
		return out
	}
	prefix := slice.Path + "."
	for j := i + 1; j < len(elems); j++ {
		if !strings.HasPrefix(elems[j].Path, prefix) {
			break
		}
		out = append(out, &elems[j])
	}
	return out
}

// ProfileResolver answers profile derivation questions for profile
// discriminators. *registry.Registry implements it.
type ProfileResolver interface {
	IsDerivedFrom(profileURL, baseURL string) bool
}

// Validator matches values to slices.
type Validator struct {
	profiles ProfileResolver
	expr     *pathexpr.Evaluator
}

// Option configures a Validator.
type Option func(*Validator)

// WithEvaluator shares a FHIRPath evaluator, and its compiled expressions,
// for discriminator paths outside the native subset.
func WithEvaluator(e *pathexpr.Evaluator) Option {
	return func(v *Validator) {
		if e != nil {
			v.expr = e
		}
	}
}

// New creates a slicing Validator. profiles may be nil, in which case
// profile discriminators only accept exact profile URLs.
func New(profiles ProfileResolver, opts ...Option) *Validator {
	v := &Validator{profiles: profiles}
	for _, opt := range opts {
		opt(v)
	}
	if v.expr == nil {
		v.expr = pathexpr.NewEvaluator()
	}
	return v
}

// resolve evaluates a discriminator path. A path FHIRPath cannot evaluate
// reaches nothing.
func (v *Validator) resolve(value any, path string) []any {
	out, err := v.expr.Resolve(value, path)
	if err != nil {
		return nil
	}
	return out
}

type discriminator struct {
	kind DiscriminatorKind
	path string
}

// Unmatched marks a value that matched no slice in an Assignment.
const Unmatched = -1

// Assignment maps each value index to the index of the slice it matched,
// or Unmatched.
type Assignment []int

// Counts returns the number of values assigned to each slice.
func (a Assignment) Counts(nSlices int) []int {
	counts := make([]int, nSlices)
	for _, s := range a {
		if s >= 0 && s < nSlices {
			counts[s]++
		}
	}
	return counts
}

// Partition assigns each value to the first slice, in declaration order,
// whose discriminators all match. Discriminators of unknown type are
// skipped and returned in unknown.
func (v *Validator) Partition(values []any, slicing *registry.Slicing, slices []SliceDefinition) (assigned Assignment, unknown []registry.Discriminator) {
	var discs []discriminator
	if slicing != nil {
		for _, d := range slicing.Discriminator {
			kind, err := ParseDiscriminatorKind(d.Type)
			if err != nil {
				unknown = append(unknown, d)
				continue
			}
			discs = append(discs, discriminator{kind: kind, path: d.Path})
		}
	}

	assigned = make(Assignment, len(values))
	for i, value := range values {
		assigned[i] = Unmatched
		for s := range slices {
			if v.matchesAll(value, discs, &slices[s]) {
				assigned[i] = s
				break
			}
		}
	}
	return assigned, unknown
}

func (v *Validator) matchesAll(value any, discs []discriminator, slice *SliceDefinition) bool {
	for _, d := range discs {
		if !matchers[d.kind](v, value, d.path, slice) {
			return false
		}
	}
	return true
}

// ValidateSlicing partitions values and reports slice cardinality
// violations and, for closed slicing, every unmatched value. path is the
// location of the sliced element, e.g. "Patient.identifier".
func (v *Validator) ValidateSlicing(values []any, slicing *registry.Slicing, slices []SliceDefinition, path string) []issue.Issue {
	assigned, unknown := v.Partition(values, slicing, slices)

	var issues []issue.Issue
	for _, d := range unknown {
		issues = append(issues, issue.New(issue.DiagSlicingUnknownDiscrim,
			map[string]any{"type": d.Type, "path": d.Path}, path))
	}

	counts := assigned.Counts(len(slices))
	for s, slice := range slices {
		slicePath := path + ":" + slice.Name
		params := map[string]any{"slice": slice.Name, "count": counts[s]}
		if counts[s] < slice.Min {
			params["min"] = slice.Min
			issues = append(issues, issue.New(issue.DiagSlicingCardinalityMin, params, slicePath))
		}
		if limit := slice.MaxCount(); limit >= 0 && counts[s] > limit {
			params["max"] = limit
			issues = append(issues, issue.New(issue.DiagSlicingCardinalityMax, params, slicePath))
		}
	}

	if slicing != nil && ParseRules(slicing.Rules) == RulesClosed {
		for i, s := range assigned {
			if s == Unmatched {
				issues = append(issues, issue.New(issue.DiagSlicingNoMatch,
					map[string]any{"path": path}, fmt.Sprintf("%s[%d]", path, i)))
			}
		}
	}
	return issues
}

// CheckChildren checks the cardinality of each matched value's direct
// children against the slice's child element definitions.
func CheckChildren(values []any, assigned Assignment, slices []SliceDefinition, path string) []issue.Issue {
	var issues []issue.Issue
	for i, s := range assigned {
		if s == Unmatched || s >= len(slices) {
			continue
		}
		obj, ok := values[i].(map[string]any)
		if !ok {
			continue
		}
		slice := &slices[s]
		for _, child := range slice.Children {
			name, direct := directChildName(slice.Element.Path, child.Path)
			if !direct || child.SliceName != "" || strings.HasSuffix(name, "[x]") {
				continue
			}
			count := countMembers(obj, name)
			childPath := fmt.Sprintf("%s[%d].%s", path, i, name)
			params := map[string]any{"slice": slice.Name + "." + name, "count": count}
			if count < child.Min {
				params["min"] = child.Min
				issues = append(issues, issue.New(issue.DiagSlicingCardinalityMin, params, childPath))
			}
			if !child.Unbounded() {
				if limit, err := strconv.Atoi(child.Max); err == nil && count > limit {
					params["max"] = limit
					issues = append(issues, issue.New(issue.DiagSlicingCardinalityMax, params, childPath))
				}
			}
		}
	}
	return issues
}

func directChildName(parent, child string) (string, bool) {
	rest, ok := strings.CutPrefix(child, parent+".")
	if !ok || strings.Contains(rest, ".") {
		return "", false
	}
	return rest, true
}

func countMembers(obj map[string]any, name string) int {
	val, ok := obj[name]
	if !ok || val == nil {
		return 0
	}
	if arr, ok := val.([]any); ok {
		return len(arr)
	}
	return 1
}
