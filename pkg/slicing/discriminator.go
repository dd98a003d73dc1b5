package slicing

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/gofhir/conformance/pkg/fixedpattern"
	"github.com/gofhir/conformance/pkg/pathexpr"
	"github.com/gofhir/conformance/pkg/primitive"
	"github.com/gofhir/conformance/pkg/registry"
)

type matchFunc func(v *Validator, value any, path string, slice *SliceDefinition) bool

var matchers = map[DiscriminatorKind]matchFunc{
	DiscriminatorValue:   matchValue,
	DiscriminatorExists:  matchExists,
	DiscriminatorPattern: matchPattern,
	DiscriminatorType:    matchType,
	DiscriminatorProfile: matchProfile,
}

func matchValue(v *Validator, value any, path string, slice *SliceDefinition) bool {
	actual := v.resolve(value, path)
	if len(actual) == 0 {
		return false
	}

	// Extension slices declare identity through the type profile.
	if normalize(path) == "url" {
		if profiles := extensionProfiles(slice.Element); len(profiles) > 0 {
			return anyOf(actual, func(a any) bool {
				s, ok := a.(string)
				return ok && contains(profiles, s)
			})
		}
	}

	if fixed, ok := constraintFor(slice, path, (*registry.ElementDefinition).Fixed); ok {
		return covered(actual, fixed, fixedpattern.EqualJSON)
	}
	if pattern, ok := constraintFor(slice, path, (*registry.ElementDefinition).Pattern); ok {
		return covered(actual, pattern, fixedpattern.MatchesJSON)
	}
	return false
}

func matchPattern(v *Validator, value any, path string, slice *SliceDefinition) bool {
	actual := v.resolve(value, path)
	if len(actual) == 0 {
		return false
	}
	pattern, ok := constraintFor(slice, path, (*registry.ElementDefinition).Pattern)
	if !ok {
		pattern, ok = constraintFor(slice, path, (*registry.ElementDefinition).Fixed)
	}
	if !ok {
		return false
	}
	return covered(actual, pattern, fixedpattern.MatchesJSON)
}

// covered reports whether every constraint value is met by some actual value.
func covered(actual []any, constraints []json.RawMessage, match func(any, json.RawMessage) bool) bool {
	for _, c := range constraints {
		if !anyOf(actual, func(a any) bool { return match(a, c) }) {
			return false
		}
	}
	return true
}

// matchExists compares presence with the slice's intent: a prohibited
// element (max 0) must be absent, a required one (min >= 1) present.
func matchExists(v *Validator, value any, path string, slice *SliceDefinition) bool {
	present := len(v.resolve(value, path)) > 0
	want := true
	for _, el := range elementsAt(slice, path) {
		if el.Prohibited() {
			want = false
			break
		}
		if el.Min >= 1 {
			break
		}
	}
	return present == want
}

func matchType(v *Validator, value any, path string, slice *SliceDefinition) bool {
	codes := expectedTypes(slice, path)
	if len(codes) == 0 {
		return true
	}
	if actual := v.resolve(value, path); len(actual) > 0 {
		return anyOf(actual, func(a any) bool { return typeMatches(a, codes) })
	}

	// Choice elements appear as type-suffixed keys, e.g. valueQuantity for "value".
	parentPath, name := splitLast(normalize(path))
	for _, parent := range v.resolve(value, parentPath) {
		obj, ok := parent.(map[string]any)
		if !ok {
			continue
		}
		if suffix := choiceSuffix(obj, name); suffix != "" {
			for _, c := range codes {
				if strings.EqualFold(c, suffix) {
					return true
				}
			}
		}
	}
	return false
}

func matchProfile(v *Validator, value any, path string, slice *SliceDefinition) bool {
	expected := expectedProfiles(slice, path)
	if len(expected) == 0 {
		return true
	}
	return anyOf(v.resolve(value, path), func(target any) bool {
		obj, ok := target.(map[string]any)
		if !ok {
			return false
		}
		if _, isResource := obj["resourceType"]; !isResource {
			if url, ok := obj["url"].(string); ok {
				return contains(expected, url)
			}
		}
		for _, declared := range declaredProfiles(obj) {
			for _, want := range expected {
				if declared == want || (v.profiles != nil && v.profiles.IsDerivedFrom(declared, want)) {
					return true
				}
			}
		}
		return false
	})
}

// constraintFor finds the fixed or pattern value for a discriminator path:
// on the slice element for $this, otherwise on the descendant at path, and
// failing that the slice element's own value projected along path.
func constraintFor(slice *SliceDefinition, path string, get func(*registry.ElementDefinition) (json.RawMessage, string, bool)) ([]json.RawMessage, bool) {
	root, _, hasRoot := get(slice.Element)
	if isThis(path) {
		if hasRoot {
			return []json.RawMessage{root}, true
		}
		return nil, false
	}
	for _, el := range elementsAt(slice, path) {
		if v, _, ok := get(el); ok {
			return []json.RawMessage{v}, true
		}
	}
	if !hasRoot {
		return nil, false
	}
	return project(root, path)
}

// project resolves path inside a constraint value, e.g. "system" inside
// patternIdentifier {"system": "http://mrn"}.
func project(raw json.RawMessage, path string) ([]json.RawMessage, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, false
	}
	values := pathexpr.Resolve(root, path)
	if len(values) == 0 {
		return nil, false
	}
	out := make([]json.RawMessage, 0, len(values))
	for _, val := range values {
		data, err := json.Marshal(val)
		if err != nil {
			return nil, false
		}
		out = append(out, data)
	}
	return out, true
}

// elementsAt returns the slice descendants whose path is the slice path
// followed by the discriminator path.
func elementsAt(slice *SliceDefinition, path string) []*registry.ElementDefinition {
	if isThis(path) {
		return []*registry.ElementDefinition{slice.Element}
	}
	want := slice.Element.Path + "." + normalize(path)
	var out []*registry.ElementDefinition
	for _, child := range slice.Children {
		if child.Path == want || child.Path == want+"[x]" {
			out = append(out, child)
		}
	}
	return out
}

func expectedTypes(slice *SliceDefinition, path string) []string {
	for _, el := range elementsAt(slice, path) {
		if codes := el.TypeCodes(); len(codes) > 0 {
			return codes
		}
	}
	return nil
}

func expectedProfiles(slice *SliceDefinition, path string) []string {
	var out []string
	for _, el := range elementsAt(slice, path) {
		for _, t := range el.Type {
			out = append(out, t.Profile...)
		}
	}
	if len(out) == 0 && !isThis(path) {
		for _, t := range slice.Element.Type {
			out = append(out, t.Profile...)
		}
	}
	return out
}

func extensionProfiles(el *registry.ElementDefinition) []string {
	if el == nil {
		return nil
	}
	var out []string
	for _, t := range el.Type {
		if t.Code == "Extension" {
			out = append(out, t.Profile...)
		}
	}
	return out
}

func typeMatches(actual any, codes []string) bool {
	switch val := actual.(type) {
	case map[string]any:
		t := inferType(val)
		if t == "" {
			return false
		}
		for _, c := range codes {
			if strings.EqualFold(c, t) {
				return true
			}
		}
		return false
	default:
		for _, c := range codes {
			if primitive.IsPrimitive(c) && primitive.Check(val, c) == nil {
				return true
			}
		}
		return false
	}
}

// inferType guesses the FHIR type of a complex value from its shape.
func inferType(obj map[string]any) string {
	if rt, ok := obj["resourceType"].(string); ok {
		return rt
	}
	_, hasCoding := obj["coding"]
	_, hasSystem := obj["system"]
	_, hasCode := obj["code"]
	_, hasValue := obj["value"]
	_, hasUnit := obj["unit"]
	_, hasRef := obj["reference"]
	_, hasURL := obj["url"]
	switch {
	case hasCoding:
		return "CodeableConcept"
	case hasValue && (hasUnit || hasCode):
		return "Quantity"
	case hasSystem && hasCode:
		return "Coding"
	case hasRef:
		return "Reference"
	case hasURL:
		return "Extension"
	default:
		return ""
	}
}

func declaredProfiles(resource map[string]any) []string {
	meta, ok := resource["meta"].(map[string]any)
	if !ok {
		return nil
	}
	raw, _ := meta["profile"].([]any)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func choiceSuffix(obj map[string]any, name string) string {
	for key := range obj {
		suffix, ok := strings.CutPrefix(key, name)
		if ok && suffix != "" && suffix[0] >= 'A' && suffix[0] <= 'Z' {
			return suffix
		}
	}
	return ""
}

func isThis(path string) bool {
	return normalize(path) == ""
}

// normalize maps a discriminator path onto element-path syntax:
// "$this." and ".resolve()" are dropped, extension('url') becomes
// "extension" and value.ofType(Quantity) becomes "value", which
// elementsAt matches against value[x].
func normalize(path string) string {
	path = strings.TrimSpace(path)
	path = strings.TrimSuffix(path, ".resolve()")
	if path == "$this" || path == "resolve()" {
		return ""
	}
	path = strings.TrimPrefix(path, "$this.")
	for {
		start := strings.Index(path, ".ofType(")
		if start < 0 {
			break
		}
		end := strings.Index(path[start:], ")")
		if end < 0 {
			break
		}
		path = path[:start] + path[start+end+1:]
	}
	for {
		start := strings.Index(path, "extension(")
		if start < 0 {
			return path
		}
		end := strings.Index(path[start:], ")")
		if end < 0 {
			return path
		}
		path = path[:start] + "extension" + path[start+end+1:]
	}
}

func splitLast(path string) (string, string) {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func anyOf(values []any, pred func(any) bool) bool {
	for _, v := range values {
		if pred(v) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
