// Package extension validates FHIR extension instances against their
// StructureDefinitions: value shape, modifier flags, and for complex
// extensions the nested extension slices.
package extension

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/primitive"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/slicing"
)

// Definitions resolves extension StructureDefinitions by canonical URL.
// *registry.Registry implements it.
type Definitions interface {
	StructureDefinition(ref string) (*registry.StructureDefinition, bool)
}

// Result is the outcome of validating one extension.
type Result struct {
	Valid  bool
	Issues []issue.Issue
}

func (r *Result) add(is issue.Issue) {
	r.Issues = append(r.Issues, is)
	if is.Severity.IsBlocking() {
		r.Valid = false
	}
}

// Validator validates extension instances.
type Validator struct {
	defs Definitions
}

// New creates a Validator.
func New(defs Definitions) *Validator {
	return &Validator{defs: defs}
}

// ValidateExtension validates ext found at path. isModifier is true when the
// extension occurs in a modifierExtension array.
func (v *Validator) ValidateExtension(ext map[string]any, path string, isModifier bool) Result {
	res := Result{Valid: true}

	values := ReadChoices(ext)
	url, _ := ext["url"].(string)
	if len(values) > 1 {
		res.add(issue.New(issue.DiagExtensionMultipleValues,
			map[string]any{"url": url, "keys": choiceKeys(values)}, path))
		return res
	}
	if url == "" {
		res.add(issue.New(issue.DiagExtensionNoURL, nil, path))
		return res
	}

	sd, ok := v.defs.StructureDefinition(url)
	if !ok {
		res.add(issue.New(issue.DiagExtensionUnknown, map[string]any{"url": url}, path))
		return res
	}
	if sd.Type != "Extension" {
		res.add(issue.New(issue.DiagExtensionNotExtension, map[string]any{"url": url, "type": sd.Type}, path))
		return res
	}

	if root := sd.ElementByID("Extension"); root != nil {
		switch {
		case isModifier && !root.IsModifier:
			res.add(issue.New(issue.DiagExtensionModifierMismatch, map[string]any{"url": url}, path))
		case !isModifier && root.IsModifier:
			res.add(issue.New(issue.DiagExtensionModifierUnmarked, map[string]any{"url": url}, path))
		}
	}

	if IsComplex(sd) {
		v.validateComplex(ext, values, sd, path, &res)
	} else {
		v.validateSimple(ext, values, sd, path, &res)
	}
	return res
}

// IsComplex reports whether a definition describes a complex extension:
// one whose instances carry nested extensions instead of a value.
func IsComplex(sd *registry.StructureDefinition) bool {
	nested := sd.ElementByID("Extension.extension")
	if nested != nil && nested.Prohibited() {
		return false
	}
	for _, el := range sd.Elements() {
		if el.Path == "Extension.extension" && el.SliceName != "" {
			return true
		}
	}
	return false
}

func (v *Validator) validateSimple(ext map[string]any, values []ChoiceValue, sd *registry.StructureDefinition, path string, res *Result) {
	if children, _ := ext["extension"].([]any); len(children) > 0 {
		res.add(issue.New(issue.DiagExtensionChildNotAllowed, map[string]any{"url": sd.URL}, path))
	}
	valueDef := sd.ElementByID("Extension.value[x]")
	checkValue(sd.URL, values, valueDef, path, res)
}

// checkValue applies a value[x] element definition to the extension's value.
func checkValue(url string, values []ChoiceValue, valueDef *registry.ElementDefinition, path string, res *Result) {
	if valueDef == nil {
		return
	}
	if len(values) == 0 {
		if valueDef.Min >= 1 {
			res.add(issue.New(issue.DiagExtensionValueRequired, map[string]any{"url": url}, path))
		}
		return
	}
	val := values[0]
	valuePath := path + "." + val.Key
	if valueDef.Prohibited() {
		res.add(issue.New(issue.DiagExtensionValueNotAllowed, map[string]any{"url": url, "key": val.Key}, valuePath))
		return
	}

	allowed := valueDef.TypeCodes()
	if len(allowed) > 0 && !typeAllowed(val.Type, allowed) {
		res.add(issue.New(issue.DiagExtensionInvalidValueType, map[string]any{
			"url": url, "type": val.Type, "allowed": strings.Join(allowed, ", "),
		}, valuePath))
		return
	}
	if primitive.IsPrimitive(string(val.Type)) {
		if err := primitive.Check(val.Value, string(val.Type)); err != nil {
			res.add(issue.New(issue.DiagExtensionInvalidValue, map[string]any{
				"url": url, "type": val.Type, "detail": err.Error(),
			}, valuePath))
		}
	}
}

func typeAllowed(t TypeCode, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, string(t)) {
			return true
		}
	}
	return false
}

func (v *Validator) validateComplex(ext map[string]any, values []ChoiceValue, sd *registry.StructureDefinition, path string, res *Result) {
	if len(values) > 0 {
		res.add(issue.New(issue.DiagExtensionValueNotAllowed,
			map[string]any{"url": sd.URL, "key": values[0].Key}, path+"."+values[0].Key))
	}

	root := sd.ElementByID("Extension.extension")
	if root == nil {
		root = &registry.ElementDefinition{ID: "Extension.extension", Path: "Extension.extension"}
	}
	slices := slicing.SlicesFor(sd, root)
	closed := root.Slicing != nil && slicing.ParseRules(root.Slicing.Rules) == slicing.RulesClosed

	children, _ := ext["extension"].([]any)
	counts := make([]int, len(slices))
	for i, raw := range children {
		childPath := fmt.Sprintf("%s.extension[%d]", path, i)
		child, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		childURL, _ := child["url"].(string)
		if childURL == "" {
			res.add(issue.New(issue.DiagExtensionNoURL, nil, childPath))
			continue
		}

		s := matchSlice(childURL, slices)
		if s < 0 {
			id := issue.DiagExtensionNestedUnknown
			if closed {
				id = issue.DiagExtensionNestedNotAllowed
			}
			res.add(issue.New(id, map[string]any{"url": sd.URL, "child": childURL}, childPath))
			continue
		}
		counts[s]++
		v.validateNested(child, childURL, &slices[s], childPath, res)
	}

	for s, slice := range slices {
		slicePath := path + ".extension:" + slice.Name
		params := map[string]any{"url": sd.URL, "slice": slice.Name, "count": counts[s]}
		if counts[s] < slice.Min {
			params["min"] = slice.Min
			res.add(issue.New(issue.DiagExtensionNestedMin, params, slicePath))
		}
		if limit := slice.MaxCount(); limit >= 0 && counts[s] > limit {
			params["max"] = limit
			res.add(issue.New(issue.DiagExtensionNestedMax, params, slicePath))
		}
	}
}

// validateNested checks one matched child. Children typed by an external
// extension profile are validated against that definition; the others
// against the slice's own value[x] element.
func (v *Validator) validateNested(child map[string]any, url string, slice *slicing.SliceDefinition, path string, res *Result) {
	for _, t := range slice.Element.Type {
		for _, profile := range t.Profile {
			if profile == url {
				nested := v.ValidateExtension(child, path, false)
				for _, is := range nested.Issues {
					res.add(is)
				}
				return
			}
		}
	}

	values := ReadChoices(child)
	if len(values) > 1 {
		res.add(issue.New(issue.DiagExtensionMultipleValues,
			map[string]any{"url": url, "keys": choiceKeys(values)}, path))
		return
	}
	checkValue(url, values, childElement(slice, "value[x]"), path, res)
}

// matchSlice returns the index of the first slice whose identity matches
// url, or -1. Identity is tried as: a fixed or pattern url on the slice
// element, the slice name itself, the fixed value of the slice's url child,
// and finally the last segment of url.
func matchSlice(url string, slices []slicing.SliceDefinition) int {
	for s := range slices {
		if sliceIdentity(&slices[s], url) {
			return s
		}
	}
	return -1
}

func sliceIdentity(slice *slicing.SliceDefinition, url string) bool {
	if expected, ok := elementURL(slice.Element); ok {
		return expected == url
	}
	for _, t := range slice.Element.Type {
		for _, p := range t.Profile {
			if p == url {
				return true
			}
		}
	}
	if slice.Name == url {
		return true
	}
	if urlChild := childElement(slice, "url"); urlChild != nil {
		if expected, ok := elementURL(urlChild); ok {
			return expected == url
		}
	}
	return slice.Name == url[strings.LastIndex(url, "/")+1:]
}

// elementURL reads a string fixed[x] or pattern[x] value.
func elementURL(el *registry.ElementDefinition) (string, bool) {
	raw, _, ok := el.Fixed()
	if !ok {
		raw, _, ok = el.Pattern()
	}
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func childElement(slice *slicing.SliceDefinition, name string) *registry.ElementDefinition {
	want := slice.Element.Path + "." + name
	for _, c := range slice.Children {
		if c.Path == want && c.SliceName == "" {
			return c
		}
	}
	return nil
}
