package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gofhir/fhir/r4"

	"github.com/gofhir/conformance/pkg/fixedpattern"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/primitive"
	"github.com/gofhir/conformance/pkg/registry"
	"github.com/gofhir/conformance/pkg/slicing"
)

// walk is the state of one Validate call.
type walk struct {
	v      *Validator
	ctx    context.Context
	result *issue.Result
}

func (w *walk) resource(data map[string]any, raw []byte, sd *registry.StructureDefinition, path string) {
	w.object(data, w.v.index(sd), sd.Type, path)
	if w.v.constraints {
		w.invariants(raw, sd, path)
	}
}

// object checks the members of obj against the children of elemPath.
// An empty elemPath means the definition is unknown; only extensions and
// nested resources are checked below it.
func (w *walk) object(obj map[string]any, idx *profileIndex, elemPath, path string) {
	if w.ctx.Err() != nil {
		return
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		switch {
		case key == "resourceType":
		case strings.HasPrefix(key, "_"):
			w.primitiveExtensions(obj[key], path+"."+key[1:])
		default:
			w.member(obj, key, idx, elemPath, path)
		}
	}
	if elemPath != "" {
		w.cardinality(obj, idx, elemPath, path)
	}
}

func (w *walk) member(obj map[string]any, key string, idx *profileIndex, elemPath, path string) {
	el, typeCode := idx.lookup(elemPath, key)
	memberPath := path + "." + key
	if el == nil && idx.covers(elemPath) {
		w.result.AddWithID(issue.DiagUnknownElement, map[string]any{"name": key}, memberPath)
		return
	}

	items, repeated := asList(obj[key])
	if el != nil && el.Slicing != nil {
		w.slices(items, idx.sd, el, memberPath)
	}

	isExtension := key == "extension" || key == "modifierExtension"
	for i, item := range items {
		if item == nil {
			continue
		}
		itemPath := memberPath
		if repeated {
			itemPath = fmt.Sprintf("%s[%d]", memberPath, i)
		}
		if isExtension {
			w.extension(item, itemPath, key == "modifierExtension")
			continue
		}
		if el != nil {
			w.value(item, el, typeCode, itemPath)
		}

		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if rt, ok := m["resourceType"].(string); ok {
			w.contained(m, rt, itemPath)
			continue
		}
		next, nextPath := w.descend(idx, el, typeCode)
		w.object(m, next, nextPath, itemPath)
	}
}

// descend picks the definition for the members of a complex value. Elements
// the profile does not expand continue in the definition of their data type.
func (w *walk) descend(idx *profileIndex, el *registry.ElementDefinition, typeCode string) (*profileIndex, string) {
	if el == nil {
		return idx, ""
	}
	if ref := el.ContentReference; ref != "" {
		return idx, ref[strings.IndexByte(ref, '#')+1:]
	}
	if len(idx.children[el.Path]) > 0 {
		return idx, el.Path
	}
	switch typeCode {
	case "", "Element", "BackboneElement":
		return idx, el.Path
	}
	if primitive.IsPrimitive(typeCode) {
		return idx, el.Path
	}
	sd, ok := w.v.reg.StructureDefinition(typeCode)
	if !ok || sd.Type != typeCode {
		return idx, ""
	}
	return w.v.index(sd), sd.Type
}

func (w *walk) value(item any, el *registry.ElementDefinition, typeCode, path string) {
	if primitive.IsPrimitive(typeCode) {
		if err := primitive.Check(item, typeCode); err != nil {
			w.result.AddWithID(issue.DiagInvalidPrimitive,
				map[string]any{"type": typeCode, "error": err.Error()}, path)
			return
		}
	}
	if raw, _, ok := el.Fixed(); ok && !fixedpattern.EqualJSON(item, raw) {
		w.result.AddWithID(issue.DiagFixedMismatch, map[string]any{"expected": string(raw)}, path)
	}
	if raw, _, ok := el.Pattern(); ok && !fixedpattern.MatchesJSON(item, raw) {
		w.result.AddWithID(issue.DiagPatternMismatch, map[string]any{"expected": string(raw)}, path)
	}
	if el.Binding != nil && el.Binding.ValueSet != "" {
		w.binding(item, *el.Binding, typeCode, path)
	}
}

func (w *walk) binding(item any, b registry.Binding, typeCode, path string) {
	switch typeCode {
	case "code":
		code, ok := item.(string)
		if !ok {
			return
		}
		out := w.v.term.ValidateCode(w.ctx, code, b)
		w.result.AddIssues(out.Issues(path))
	case "Coding":
		m, ok := item.(map[string]any)
		if !ok {
			return
		}
		out := w.v.term.ValidateCoding(w.ctx, codingOf(m), b)
		w.result.AddIssues(out.Issues(path))
	case "CodeableConcept":
		m, ok := item.(map[string]any)
		if !ok {
			return
		}
		cc := r4.CodeableConcept{Text: stringField(m, "text")}
		codings, _ := asList(m["coding"])
		for _, c := range codings {
			if cm, ok := c.(map[string]any); ok {
				cc.Coding = append(cc.Coding, codingOf(cm))
			}
		}
		out := w.v.term.ValidateCodeableConcept(w.ctx, cc, b)
		w.result.AddIssues(out.Issues(path))
	}
}

func codingOf(m map[string]any) r4.Coding {
	return r4.Coding{
		System:  stringField(m, "system"),
		Version: stringField(m, "version"),
		Code:    stringField(m, "code"),
		Display: stringField(m, "display"),
	}
}

func stringField(m map[string]any, key string) *string {
	if s, ok := m[key].(string); ok {
		return &s
	}
	return nil
}

func (w *walk) cardinality(obj map[string]any, idx *profileIndex, elemPath, path string) {
	for _, el := range idx.children[elemPath] {
		name := el.Path[len(elemPath)+1:]
		memberPath := path + "." + strings.TrimSuffix(name, "[x]")
		count := countMember(obj, name)

		if count == 0 && el.Slicing != nil {
			w.slices(nil, idx.sd, el, memberPath)
		}
		params := map[string]any{"element": memberPath, "count": count}
		if count < el.Min {
			params["min"] = el.Min
			w.result.AddWithID(issue.DiagCardinalityMin, params, memberPath)
		}
		if el.Unbounded() {
			continue
		}
		if limit, err := strconv.Atoi(el.Max); err == nil && count > limit {
			params["max"] = limit
			w.result.AddWithID(issue.DiagCardinalityMax, params, memberPath)
		}
	}
}

func (w *walk) slices(items []any, sd *registry.StructureDefinition, el *registry.ElementDefinition, path string) {
	defs := slicing.SlicesFor(sd, el)
	if len(defs) == 0 {
		return
	}
	w.result.AddIssues(w.v.slicing.ValidateSlicing(items, el.Slicing, defs, path))
	assigned, _ := w.v.slicing.Partition(items, el.Slicing, defs)
	w.result.AddIssues(slicing.CheckChildren(items, assigned, defs, path))
}

func (w *walk) extension(item any, path string, isModifier bool) {
	ext, ok := item.(map[string]any)
	if !ok {
		return
	}
	res := w.v.ext.ValidateExtension(ext, path, isModifier)
	w.result.AddIssues(res.Issues)
}

// primitiveExtensions checks the extensions carried by a "_name" shadow.
func (w *walk) primitiveExtensions(val any, path string) {
	items, repeated := asList(val)
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		itemPath := path
		if repeated {
			itemPath = fmt.Sprintf("%s[%d]", path, i)
		}
		exts, _ := asList(m["extension"])
		for j, ext := range exts {
			w.extension(ext, fmt.Sprintf("%s.extension[%d]", itemPath, j), false)
		}
	}
}

// contained validates a nested resource against the base definition of its
// type, including its own invariants.
func (w *walk) contained(m map[string]any, rt, path string) {
	sd, ok := w.v.reg.StructureDefinition(rt)
	if !ok || sd.Type != rt {
		return
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	w.resource(m, raw, sd, path)
}

func (w *walk) invariants(raw []byte, sd *registry.StructureDefinition, path string) {
	root := sd.Root()
	if root == nil {
		return
	}
	for _, inv := range root.Constraint {
		if inv.Expression == "" {
			continue
		}
		ok, err := w.v.expr.Satisfied(raw, inv.Expression)
		if err != nil {
			w.result.AddWithID(issue.DiagConstraintError,
				map[string]any{"key": inv.Key, "error": err.Error()}, path)
			continue
		}
		if ok {
			continue
		}
		sev := issue.SeverityError
		if inv.Severity == "warning" {
			sev = issue.SeverityWarning
		}
		w.result.AddIssue(issue.NewWithSeverity(sev, issue.DiagConstraintFailed,
			map[string]any{"key": inv.Key, "human": inv.Human}, path))
	}
}
