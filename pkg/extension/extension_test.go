package extension

import (
	"strings"
	"testing"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
)

const (
	maidenNameURL = "http://hl7.org/fhir/StructureDefinition/patient-mothersMaidenName"
	raceURL       = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-race"
	closedURL     = "http://example.org/StructureDefinition/closed-race"
	modifierURL   = "http://example.org/StructureDefinition/do-not-use"
	patientURL    = "http://hl7.org/fhir/StructureDefinition/Patient"
)

const maidenNameJSON = `{"resourceType":"StructureDefinition","url":"` + maidenNameURL + `",
	"name":"mothersMaidenName","type":"Extension","kind":"complex-type","derivation":"constraint",
	"snapshot":{"element":[
		{"id":"Extension","path":"Extension","min":0,"max":"1"},
		{"id":"Extension.extension","path":"Extension.extension","min":0,"max":"0"},
		{"id":"Extension.url","path":"Extension.url","min":1,"max":"1","fixedUri":"` + maidenNameURL + `"},
		{"id":"Extension.value[x]","path":"Extension.value[x]","min":1,"max":"1","type":[{"code":"string"}]}
	]}}`

const raceJSON = `{"resourceType":"StructureDefinition","url":"` + raceURL + `",
	"name":"USCoreRaceExtension","type":"Extension","kind":"complex-type","derivation":"constraint",
	"snapshot":{"element":[
		{"id":"Extension","path":"Extension","min":0,"max":"1"},
		{"id":"Extension.extension","path":"Extension.extension","min":1,"max":"*",
			"slicing":{"discriminator":[{"type":"value","path":"url"}],"rules":"open"}},
		{"id":"Extension.extension:ombCategory","path":"Extension.extension","sliceName":"ombCategory","min":0,"max":"6","type":[{"code":"Extension"}]},
		{"id":"Extension.extension:ombCategory.url","path":"Extension.extension.url","min":1,"max":"1","fixedUri":"ombCategory"},
		{"id":"Extension.extension:ombCategory.value[x]","path":"Extension.extension.value[x]","min":1,"max":"1","type":[{"code":"Coding"}]},
		{"id":"Extension.extension:text","path":"Extension.extension","sliceName":"text","min":1,"max":"1","type":[{"code":"Extension"}]},
		{"id":"Extension.extension:text.url","path":"Extension.extension.url","min":1,"max":"1","fixedUri":"text"},
		{"id":"Extension.extension:text.value[x]","path":"Extension.extension.value[x]","min":1,"max":"1","type":[{"code":"string"}]},
		{"id":"Extension.url","path":"Extension.url","min":1,"max":"1","fixedUri":"` + raceURL + `"},
		{"id":"Extension.value[x]","path":"Extension.value[x]","min":0,"max":"0"}
	]}}`

const modifierJSON = `{"resourceType":"StructureDefinition","url":"` + modifierURL + `",
	"name":"DoNotUse","type":"Extension","kind":"complex-type","derivation":"constraint",
	"snapshot":{"element":[
		{"id":"Extension","path":"Extension","min":0,"max":"1","isModifier":true},
		{"id":"Extension.extension","path":"Extension.extension","min":0,"max":"0"},
		{"id":"Extension.value[x]","path":"Extension.value[x]","min":1,"max":"1","type":[{"code":"boolean"}]}
	]}}`

const patientJSON = `{"resourceType":"StructureDefinition","url":"` + patientURL + `",
	"name":"Patient","type":"Patient","kind":"resource","derivation":"specialization",
	"snapshot":{"element":[{"id":"Patient","path":"Patient","min":0,"max":"*"}]}}`

func newValidator(t *testing.T) *Validator {
	t.Helper()
	reg := registry.New()
	closed := strings.ReplaceAll(raceJSON, raceURL, closedURL)
	closed = strings.Replace(closed, `"rules":"open"`, `"rules":"closed"`, 1)
	for _, data := range []string{maidenNameJSON, raceJSON, closed, modifierJSON, patientJSON} {
		art, err := registry.ParseArtifact([]byte(data))
		if err != nil {
			t.Fatalf("ParseArtifact: %v", err)
		}
		if err := reg.AddSpec(art, "test"); err != nil {
			t.Fatalf("AddSpec: %v", err)
		}
	}
	return New(reg)
}

func findIssue(issues []issue.Issue, id issue.DiagnosticID) *issue.Issue {
	for i := range issues {
		if issues[i].MessageID == string(id) {
			return &issues[i]
		}
	}
	return nil
}

func requireIssue(t *testing.T, res Result, id issue.DiagnosticID, expr string) {
	t.Helper()
	is := findIssue(res.Issues, id)
	if is == nil {
		t.Fatalf("expected %s, got %+v", id, res.Issues)
	}
	if expr != "" && (len(is.Expression) == 0 || is.Expression[0] != expr) {
		t.Errorf("%s expression = %v; want %q", id, is.Expression, expr)
	}
}

func raceInstance(children ...string) map[string]any {
	ext := map[string]any{"url": raceURL}
	var list []any
	for _, c := range children {
		switch c {
		case "ombCategory":
			list = append(list, map[string]any{"url": "ombCategory",
				"valueCoding": map[string]any{"system": "urn:oid:2.16.840.1.113883.6.238", "code": "2106-3"}})
		case "text":
			list = append(list, map[string]any{"url": "text", "valueString": "White"})
		default:
			list = append(list, map[string]any{"url": c, "valueString": "x"})
		}
	}
	if list != nil {
		ext["extension"] = list
	}
	return ext
}

func TestSimpleExtension(t *testing.T) {
	v := newValidator(t)
	path := "Patient.extension[0]"

	tests := []struct {
		name  string
		ext   map[string]any
		valid bool
		want  issue.DiagnosticID
		expr  string
	}{
		{
			name:  "valid string",
			ext:   map[string]any{"url": maidenNameURL, "valueString": "Smith"},
			valid: true,
		},
		{
			name: "missing value",
			ext:  map[string]any{"url": maidenNameURL},
			want: issue.DiagExtensionValueRequired,
			expr: path,
		},
		{
			name: "nested extension on simple",
			ext: map[string]any{"url": maidenNameURL, "valueString": "Smith",
				"extension": []any{map[string]any{"url": "x", "valueString": "y"}}},
			want: issue.DiagExtensionChildNotAllowed,
			expr: path,
		},
		{
			name: "wrong value type",
			ext:  map[string]any{"url": maidenNameURL, "valueInteger": float64(3)},
			want: issue.DiagExtensionInvalidValueType,
			expr: path + ".valueInteger",
		},
		{
			name: "malformed primitive",
			ext:  map[string]any{"url": maidenNameURL, "valueString": ""},
			want: issue.DiagExtensionInvalidValue,
			expr: path + ".valueString",
		},
		{
			name: "two values",
			ext:  map[string]any{"url": maidenNameURL, "valueString": "a", "valueCode": "b"},
			want: issue.DiagExtensionMultipleValues,
			expr: path,
		},
		{
			name: "no url",
			ext:  map[string]any{"valueString": "a"},
			want: issue.DiagExtensionNoURL,
			expr: path,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.ValidateExtension(tt.ext, path, false)
			if res.Valid != tt.valid {
				t.Errorf("Valid = %v; want %v (%+v)", res.Valid, tt.valid, res.Issues)
			}
			if tt.want != "" {
				requireIssue(t, res, tt.want, tt.expr)
			} else if len(res.Issues) != 0 {
				t.Errorf("unexpected issues: %+v", res.Issues)
			}
		})
	}
}

func TestUnknownExtensionWarns(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateExtension(map[string]any{"url": "http://example.org/unknown", "valueString": "a"}, "Patient.extension[0]", false)
	if !res.Valid {
		t.Error("unknown extension should not invalidate")
	}
	requireIssue(t, res, issue.DiagExtensionUnknown, "Patient.extension[0]")
	if res.Issues[0].Severity != issue.SeverityWarning || res.Issues[0].Code != issue.CodeNotFound {
		t.Errorf("issue = %+v; want warning/not-found", res.Issues[0])
	}
}

func TestNonExtensionDefinition(t *testing.T) {
	v := newValidator(t)
	res := v.ValidateExtension(map[string]any{"url": patientURL, "valueString": "a"}, "Patient.extension[0]", false)
	if res.Valid {
		t.Error("expected invalid")
	}
	requireIssue(t, res, issue.DiagExtensionNotExtension, "")
	if len(res.Issues) != 1 {
		t.Errorf("validation should stop after the type check: %+v", res.Issues)
	}
}

func TestModifierFlags(t *testing.T) {
	v := newValidator(t)

	res := v.ValidateExtension(map[string]any{"url": maidenNameURL, "valueString": "Smith"}, "Patient.modifierExtension[0]", true)
	if !res.Valid {
		t.Errorf("mismatch is a warning: %+v", res.Issues)
	}
	requireIssue(t, res, issue.DiagExtensionModifierMismatch, "Patient.modifierExtension[0]")

	res = v.ValidateExtension(map[string]any{"url": modifierURL, "valueBoolean": true}, "Patient.extension[0]", false)
	if res.Valid {
		t.Error("modifier extension outside modifierExtension should be invalid")
	}
	requireIssue(t, res, issue.DiagExtensionModifierUnmarked, "")

	res = v.ValidateExtension(map[string]any{"url": modifierURL, "valueBoolean": true}, "Patient.modifierExtension[0]", true)
	if !res.Valid || len(res.Issues) != 0 {
		t.Errorf("correct modifier use: %+v", res.Issues)
	}
}

func TestComplexExtension(t *testing.T) {
	v := newValidator(t)
	path := "Patient.extension[0]"

	res := v.ValidateExtension(raceInstance("ombCategory", "text"), path, false)
	if !res.Valid || len(res.Issues) != 0 {
		t.Fatalf("valid race: %+v", res.Issues)
	}

	withValue := raceInstance("text")
	withValue["valueString"] = "White"
	res = v.ValidateExtension(withValue, path, false)
	if res.Valid {
		t.Error("complex extension with a value should be invalid")
	}
	requireIssue(t, res, issue.DiagExtensionValueNotAllowed, path+".valueString")

	res = v.ValidateExtension(raceInstance("ombCategory"), path, false)
	requireIssue(t, res, issue.DiagExtensionNestedMin, path+".extension:text")

	res = v.ValidateExtension(raceInstance("text", "text"), path, false)
	requireIssue(t, res, issue.DiagExtensionNestedMax, path+".extension:text")
}

func TestNestedValueType(t *testing.T) {
	v := newValidator(t)
	ext := map[string]any{"url": raceURL, "extension": []any{
		map[string]any{"url": "text", "valueCoding": map[string]any{"code": "x"}},
	}}
	res := v.ValidateExtension(ext, "Patient.extension[0]", false)
	requireIssue(t, res, issue.DiagExtensionInvalidValueType, "Patient.extension[0].extension[0].valueCoding")

	ext = map[string]any{"url": raceURL, "extension": []any{map[string]any{"url": "text"}}}
	res = v.ValidateExtension(ext, "Patient.extension[0]", false)
	requireIssue(t, res, issue.DiagExtensionValueRequired, "Patient.extension[0].extension[0]")
}

func TestUnknownNestedExtension(t *testing.T) {
	v := newValidator(t)

	res := v.ValidateExtension(raceInstance("text", "detailed"), "Patient.extension[0]", false)
	if !res.Valid {
		t.Errorf("open slicing: %+v", res.Issues)
	}
	requireIssue(t, res, issue.DiagExtensionNestedUnknown, "Patient.extension[0].extension[1]")

	closed := raceInstance("text", "detailed")
	closed["url"] = closedURL
	res = v.ValidateExtension(closed, "Patient.extension[0]", false)
	if res.Valid {
		t.Error("closed slicing should reject unknown children")
	}
	requireIssue(t, res, issue.DiagExtensionNestedNotAllowed, "Patient.extension[0].extension[1]")
}

func TestIsComplex(t *testing.T) {
	for _, tt := range []struct {
		data string
		want bool
	}{
		{maidenNameJSON, false},
		{raceJSON, true},
		{modifierJSON, false},
	} {
		art, err := registry.ParseArtifact([]byte(tt.data))
		if err != nil {
			t.Fatal(err)
		}
		sd := art.(*registry.StructureDefinition)
		if got := IsComplex(sd); got != tt.want {
			t.Errorf("IsComplex(%s) = %v; want %v", sd.Name, got, tt.want)
		}
	}
}

func TestReadChoices(t *testing.T) {
	ext := map[string]any{
		"url":                  "x",
		"valueDateTime":        "2020",
		"valueCodeableConcept": map[string]any{},
		"valuex":               1,
		"value":                1,
	}
	got := ReadChoices(ext)
	want := []TypeCode{"CodeableConcept", "dateTime"}
	if len(got) != len(want) {
		t.Fatalf("ReadChoices = %+v", got)
	}
	for i, c := range got {
		if c.Type != want[i] {
			t.Errorf("choice %d type = %q; want %q", i, c.Type, want[i])
		}
	}
}
