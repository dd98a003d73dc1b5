package validator

import (
	"strings"

	"github.com/gofhir/conformance/pkg/primitive"
	"github.com/gofhir/conformance/pkg/registry"
)

// profileIndex is the unsliced element tree of one StructureDefinition,
// keyed for lookups during the walk.
type profileIndex struct {
	sd       *registry.StructureDefinition
	elements map[string]*registry.ElementDefinition
	children map[string][]*registry.ElementDefinition

	// complete is false for differential-only definitions, whose element
	// lists omit unconstrained members.
	complete bool
}

func buildIndex(sd *registry.StructureDefinition) *profileIndex {
	idx := &profileIndex{
		sd:       sd,
		elements: make(map[string]*registry.ElementDefinition),
		children: make(map[string][]*registry.ElementDefinition),
		complete: sd.Snapshot != nil && len(sd.Snapshot.Element) > 0,
	}
	elems := sd.Elements()
	for i := range elems {
		el := &elems[i]
		if el.SliceName != "" || strings.Contains(el.ID, ":") {
			continue
		}
		if _, dup := idx.elements[el.Path]; dup {
			continue
		}
		idx.elements[el.Path] = el
		if dot := strings.LastIndexByte(el.Path, '.'); dot > 0 {
			parent := el.Path[:dot]
			idx.children[parent] = append(idx.children[parent], el)
		}
	}
	return idx
}

func (v *Validator) index(sd *registry.StructureDefinition) *profileIndex {
	return v.indexes.GetOrSet(sd, func() *profileIndex { return buildIndex(sd) })
}

// lookup finds the element for member key of parent. Choice members such
// as "valueQuantity" resolve to "value[x]" with the type taken from the key.
func (idx *profileIndex) lookup(parent, key string) (*registry.ElementDefinition, string) {
	if parent == "" {
		return nil, ""
	}
	if el := idx.elements[parent+"."+key]; el != nil {
		return el, singleType(el)
	}
	for _, el := range idx.children[parent] {
		base, ok := strings.CutSuffix(el.Path[len(parent)+1:], "[x]")
		if !ok {
			continue
		}
		if suffix, ok := strings.CutPrefix(key, base); ok && isChoiceSuffix(suffix) {
			return el, primitive.TypeFromSuffix(suffix)
		}
	}
	return nil, ""
}

// covers reports whether the index can say a member of parent is unknown.
func (idx *profileIndex) covers(parent string) bool {
	return idx.complete && len(idx.children[parent]) > 0
}

func singleType(el *registry.ElementDefinition) string {
	codes := el.TypeCodes()
	if len(codes) == 1 {
		return codes[0]
	}
	return ""
}

func isChoiceSuffix(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}

// countMember counts the values of a child element, treating a primitive
// present only through its "_name" shadow as present.
func countMember(obj map[string]any, name string) int {
	if base, ok := strings.CutSuffix(name, "[x]"); ok {
		n := 0
		for key := range obj {
			if suffix, ok := strings.CutPrefix(key, base); ok && isChoiceSuffix(suffix) {
				n += countMember(obj, key)
			}
		}
		return n
	}
	val, ok := obj[name]
	if !ok || val == nil {
		val = obj["_"+name]
	}
	items, _ := asList(val)
	return len(items)
}

func asList(val any) ([]any, bool) {
	switch v := val.(type) {
	case nil:
		return nil, false
	case []any:
		return v, true
	default:
		return []any{v}, false
	}
}
