// Package primitive checks FHIR primitive values: the JSON shape first, then
// the lexical format of the primitive type.
package primitive

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrWrongJSONType means the JSON value has the wrong shape for the type.
	ErrWrongJSONType = errors.New("wrong JSON type")

	// ErrInvalidFormat means the value does not match the type's format.
	ErrInvalidFormat = errors.New("invalid format")
)

// TypeError describes a JSON shape mismatch.
type TypeError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s must be a JSON %s, got %s", e.Type, e.Expected, e.Actual)
}

func (e *TypeError) Is(target error) bool { return target == ErrWrongJSONType }

// FormatError describes a value that does not match its type's format.
type FormatError struct {
	Type  string
	Value string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%q is not a valid %s", truncate(e.Value), e.Type)
}

func (e *FormatError) Is(target error) bool { return target == ErrInvalidFormat }

// Lexical formats from the FHIR R4 primitive type definitions.
var formats = map[string]*regexp.Regexp{
	"boolean":      regexp.MustCompile(`^(true|false)$`),
	"integer":      regexp.MustCompile(`^-?([0]|([1-9][0-9]*))$`),
	"positiveInt":  regexp.MustCompile(`^\+?[1-9][0-9]*$`),
	"unsignedInt":  regexp.MustCompile(`^([0]|([1-9][0-9]*))$`),
	"decimal":      regexp.MustCompile(`^-?(0|[1-9]\d*)(\.\d+)?([eE][+-]?\d+)?$`),
	"string":       regexp.MustCompile(`^[\s\S]+$`),
	"markdown":     regexp.MustCompile(`^[\s\S]+$`),
	"uri":          regexp.MustCompile(`^\S*$`),
	"url":          regexp.MustCompile(`^\S+$`),
	"canonical":    regexp.MustCompile(`^\S+(\|\S+)?$`),
	"code":         regexp.MustCompile(`^[^\s]+(\s[^\s]+)*$`),
	"id":           regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`),
	"oid":          regexp.MustCompile(`^urn:oid:[0-2](\.(0|[1-9][0-9]*))+$`),
	"uuid":         regexp.MustCompile(`^urn:uuid:[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`),
	"base64Binary": regexp.MustCompile(`^(\s*([0-9a-zA-Z+/=]){4}\s*)+$`),
	"instant":      regexp.MustCompile(`^([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)-(0[1-9]|1[0-2])-(0[1-9]|[1-2][0-9]|3[0-1])T([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?(Z|(\+|-)((0[0-9]|1[0-3]):[0-5][0-9]|14:00))$`),
	"date":         regexp.MustCompile(`^([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)(-(0[1-9]|1[0-2])(-(0[1-9]|[1-2][0-9]|3[0-1]))?)?$`),
	"dateTime":     regexp.MustCompile(`^([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)(-(0[1-9]|1[0-2])(-(0[1-9]|[1-2][0-9]|3[0-1])(T([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?(Z|(\+|-)((0[0-9]|1[0-3]):[0-5][0-9]|14:00)))?)?)?$`),
	"time":         regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?$`),
	"xhtml":        nil,
}

// IsPrimitive reports whether typeCode is a FHIR primitive type.
func IsPrimitive(typeCode string) bool {
	_, ok := formats[typeCode]
	return ok
}

// TypeFromSuffix maps the suffix of a choice key to its type code:
// "DateTime" is "dateTime", "Quantity" stays "Quantity".
func TypeFromSuffix(suffix string) string {
	if suffix == "" {
		return ""
	}
	lower := strings.ToLower(suffix[:1]) + suffix[1:]
	if IsPrimitive(lower) {
		return lower
	}
	return suffix
}

// Check validates value, as decoded from JSON, against a primitive type.
// Unknown type codes pass.
func Check(value any, typeCode string) error {
	re, ok := formats[typeCode]
	if !ok {
		return nil
	}

	expected := expectedJSONType(typeCode)
	actual := jsonTypeOf(value)
	if actual != expected {
		return &TypeError{Type: typeCode, Expected: expected, Actual: actual}
	}
	if re == nil {
		return nil
	}

	lexical, ok := lexicalForm(value, typeCode)
	if !ok || !re.MatchString(lexical) {
		return &FormatError{Type: typeCode, Value: lexical}
	}
	return nil
}

func expectedJSONType(typeCode string) string {
	switch typeCode {
	case "boolean":
		return "boolean"
	case "integer", "positiveInt", "unsignedInt", "decimal":
		return "number"
	default:
		return "string"
	}
}

func jsonTypeOf(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64, float32, int, int64, json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

// lexicalForm renders a decoded JSON value the way it appeared in the
// document. float64 inputs lose the original text, so integers are printed
// without exponent and decimals in shortest form.
func lexicalForm(value any, typeCode string) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case json.Number:
		return v.String(), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float32:
		return lexicalFloat(float64(v), typeCode)
	case float64:
		return lexicalFloat(v, typeCode)
	default:
		return "", false
	}
}

func lexicalFloat(f float64, typeCode string) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	if typeCode != "decimal" && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), true
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

func truncate(s string) string {
	if len(s) > 50 {
		return s[:47] + "..."
	}
	return s
}
