package extension

import (
	"sort"
	"strings"

	"github.com/gofhir/conformance/pkg/primitive"
)

// TypeCode is a FHIR data type code such as "string" or "CodeableConcept".
type TypeCode string

// ChoiceValue is the value[x] of an extension: the concrete type taken from
// the JSON key suffix, the key itself and the decoded value.
type ChoiceValue struct {
	Type  TypeCode
	Key   string
	Value any
}

// ReadChoices returns every value[x] member of ext, sorted by key.
// A well-formed extension has at most one.
func ReadChoices(ext map[string]any) []ChoiceValue {
	var out []ChoiceValue
	for key, val := range ext {
		t, ok := choiceType(key)
		if !ok {
			continue
		}
		out = append(out, ChoiceValue{Type: t, Key: key, Value: val})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// choiceType maps "valueDateTime" to "dateTime" and "valueCodeableConcept"
// to "CodeableConcept". Primitive type codes start lowercase.
func choiceType(key string) (TypeCode, bool) {
	suffix, ok := strings.CutPrefix(key, "value")
	if !ok || suffix == "" || suffix[0] < 'A' || suffix[0] > 'Z' {
		return "", false
	}
	return TypeCode(primitive.TypeFromSuffix(suffix)), true
}

func choiceKeys(values []ChoiceValue) string {
	keys := make([]string, len(values))
	for i, v := range values {
		keys[i] = v.Key
	}
	return strings.Join(keys, ", ")
}
