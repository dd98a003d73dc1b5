package validator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/registry"
)

const (
	patientURL  = "http://hl7.org/fhir/StructureDefinition/Patient"
	profileURL  = "http://example.org/fhir/StructureDefinition/test-patient"
	nicknameURL = "http://example.org/fhir/StructureDefinition/nickname"
	mrnSystem   = "http://hospital.example.org/mrn"
	genderCS    = "http://hl7.org/fhir/administrative-gender"
	maritalCS   = "http://terminology.hl7.org/CodeSystem/v3-MaritalStatus"
)

const basePatientJSON = `{"resourceType":"StructureDefinition","url":"` + patientURL + `",
	"name":"Patient","type":"Patient","kind":"resource","derivation":"specialization",
	"snapshot":{"element":[
		{"id":"Patient","path":"Patient","min":0,"max":"*"},
		{"id":"Patient.id","path":"Patient.id","min":0,"max":"1","type":[{"code":"id"}]},
		{"id":"Patient.meta","path":"Patient.meta","min":0,"max":"1","type":[{"code":"Meta"}]},
		{"id":"Patient.contained","path":"Patient.contained","min":0,"max":"*","type":[{"code":"Resource"}]},
		{"id":"Patient.extension","path":"Patient.extension","min":0,"max":"*","type":[{"code":"Extension"}]},
		{"id":"Patient.modifierExtension","path":"Patient.modifierExtension","min":0,"max":"*","type":[{"code":"Extension"}]},
		{"id":"Patient.identifier","path":"Patient.identifier","min":0,"max":"*","type":[{"code":"Identifier"}]},
		{"id":"Patient.active","path":"Patient.active","min":0,"max":"1","type":[{"code":"boolean"}]},
		{"id":"Patient.name","path":"Patient.name","min":0,"max":"*","type":[{"code":"HumanName"}]},
		{"id":"Patient.gender","path":"Patient.gender","min":0,"max":"1","type":[{"code":"code"}],
			"binding":{"strength":"required","valueSet":"http://hl7.org/fhir/ValueSet/administrative-gender|4.0.1"}},
		{"id":"Patient.birthDate","path":"Patient.birthDate","min":0,"max":"1","type":[{"code":"date"}]},
		{"id":"Patient.deceased[x]","path":"Patient.deceased[x]","min":0,"max":"1","type":[{"code":"boolean"},{"code":"dateTime"}]},
		{"id":"Patient.maritalStatus","path":"Patient.maritalStatus","min":0,"max":"1","type":[{"code":"CodeableConcept"}],
			"binding":{"strength":"extensible","valueSet":"http://hl7.org/fhir/ValueSet/marital-status"}},
		{"id":"Patient.photo","path":"Patient.photo","min":0,"max":"*","type":[{"code":"Attachment"}]},
		{"id":"Patient.contact","path":"Patient.contact","min":0,"max":"*","type":[{"code":"BackboneElement"}]},
		{"id":"Patient.contact.gender","path":"Patient.contact.gender","min":0,"max":"1","type":[{"code":"code"}],
			"binding":{"strength":"required","valueSet":"http://hl7.org/fhir/ValueSet/administrative-gender"}}
	]}}`

const profileJSON = `{"resourceType":"StructureDefinition","url":"` + profileURL + `",
	"name":"TestPatient","type":"Patient","kind":"resource","derivation":"constraint",
	"baseDefinition":"` + patientURL + `",
	"snapshot":{"element":[
		{"id":"Patient","path":"Patient","min":0,"max":"*","constraint":[
			{"key":"tp-1","severity":"error","human":"Patient must have a name","expression":"name.exists()"},
			{"key":"tp-2","severity":"warning","human":"Patient should be active","expression":"active.exists()"}]},
		{"id":"Patient.id","path":"Patient.id","min":0,"max":"1","type":[{"code":"id"}]},
		{"id":"Patient.meta","path":"Patient.meta","min":0,"max":"1","type":[{"code":"Meta"}]},
		{"id":"Patient.contained","path":"Patient.contained","min":0,"max":"*","type":[{"code":"Resource"}]},
		{"id":"Patient.extension","path":"Patient.extension","min":0,"max":"*","type":[{"code":"Extension"}],
			"slicing":{"discriminator":[{"type":"value","path":"url"}],"rules":"open"}},
		{"id":"Patient.extension:nickname","path":"Patient.extension","sliceName":"nickname","min":0,"max":"1",
			"type":[{"code":"Extension","profile":["` + nicknameURL + `"]}]},
		{"id":"Patient.modifierExtension","path":"Patient.modifierExtension","min":0,"max":"*","type":[{"code":"Extension"}]},
		{"id":"Patient.identifier","path":"Patient.identifier","min":1,"max":"*","type":[{"code":"Identifier"}],
			"slicing":{"discriminator":[{"type":"value","path":"system"}],"rules":"open"}},
		{"id":"Patient.identifier:mrn","path":"Patient.identifier","sliceName":"mrn","min":1,"max":"1","type":[{"code":"Identifier"}]},
		{"id":"Patient.identifier:mrn.system","path":"Patient.identifier.system","min":1,"max":"1","type":[{"code":"uri"}],
			"fixedUri":"` + mrnSystem + `"},
		{"id":"Patient.identifier:mrn.value","path":"Patient.identifier.value","min":1,"max":"1","type":[{"code":"string"}]},
		{"id":"Patient.active","path":"Patient.active","min":0,"max":"1","type":[{"code":"boolean"}]},
		{"id":"Patient.name","path":"Patient.name","min":0,"max":"*","type":[{"code":"HumanName"}]},
		{"id":"Patient.gender","path":"Patient.gender","min":1,"max":"1","type":[{"code":"code"}],
			"binding":{"strength":"required","valueSet":"http://hl7.org/fhir/ValueSet/administrative-gender|4.0.1"}},
		{"id":"Patient.birthDate","path":"Patient.birthDate","min":0,"max":"1","type":[{"code":"date"}]},
		{"id":"Patient.deceased[x]","path":"Patient.deceased[x]","min":0,"max":"1","type":[{"code":"boolean"},{"code":"dateTime"}]},
		{"id":"Patient.maritalStatus","path":"Patient.maritalStatus","min":0,"max":"1","type":[{"code":"CodeableConcept"}],
			"binding":{"strength":"extensible","valueSet":"http://hl7.org/fhir/ValueSet/marital-status"}},
		{"id":"Patient.photo","path":"Patient.photo","min":0,"max":"0","type":[{"code":"Attachment"}]},
		{"id":"Patient.contact","path":"Patient.contact","min":0,"max":"*","type":[{"code":"BackboneElement"}]},
		{"id":"Patient.contact.gender","path":"Patient.contact.gender","min":0,"max":"1","type":[{"code":"code"}],
			"binding":{"strength":"required","valueSet":"http://hl7.org/fhir/ValueSet/administrative-gender"}}
	]}}`

const nicknameJSON = `{"resourceType":"StructureDefinition","url":"` + nicknameURL + `",
	"name":"Nickname","type":"Extension","kind":"complex-type","derivation":"constraint",
	"snapshot":{"element":[
		{"id":"Extension","path":"Extension","min":0,"max":"*"},
		{"id":"Extension.extension","path":"Extension.extension","min":0,"max":"0"},
		{"id":"Extension.url","path":"Extension.url","min":1,"max":"1","fixedUri":"` + nicknameURL + `"},
		{"id":"Extension.value[x]","path":"Extension.value[x]","min":1,"max":"1","type":[{"code":"string"}]}
	]}}`

const terminologyJSON = `[
	{"resourceType":"CodeSystem","url":"` + genderCS + `","name":"AdministrativeGender","content":"complete",
		"concept":[{"code":"male","display":"Male"},{"code":"female","display":"Female"},
			{"code":"other","display":"Other"},{"code":"unknown","display":"Unknown"}]},
	{"resourceType":"ValueSet","url":"http://hl7.org/fhir/ValueSet/administrative-gender","version":"4.0.1",
		"name":"AdministrativeGender","compose":{"include":[{"system":"` + genderCS + `"}]}},
	{"resourceType":"CodeSystem","url":"` + maritalCS + `","name":"MaritalStatus","content":"complete",
		"concept":[{"code":"M","display":"Married"},{"code":"S","display":"Never Married"}]},
	{"resourceType":"ValueSet","url":"http://hl7.org/fhir/ValueSet/marital-status",
		"name":"MaritalStatus","compose":{"include":[{"system":"` + maritalCS + `"}]}}
]`

const validPatient = `{
	"resourceType":"Patient",
	"meta":{"profile":["` + profileURL + `"]},
	"extension":[{"url":"` + nicknameURL + `","valueString":"Jim"}],
	"identifier":[{"system":"` + mrnSystem + `","value":"12345"}],
	"active":true,
	"name":[{"family":"Chalmers","given":["Peter","James"]}],
	"gender":"male",
	"birthDate":"1974-12-25",
	"maritalStatus":{"coding":[{"system":"` + maritalCS + `","code":"M","display":"Married"}]}
}`

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	add := func(data []byte) {
		t.Helper()
		art, err := registry.ParseArtifact(data)
		if err != nil {
			t.Fatalf("ParseArtifact: %v", err)
		}
		if err := reg.AddSpec(art, "test"); err != nil {
			t.Fatalf("AddSpec: %v", err)
		}
	}
	for _, data := range []string{basePatientJSON, profileJSON, nicknameJSON} {
		add([]byte(data))
	}
	var term []json.RawMessage
	if err := json.Unmarshal([]byte(terminologyJSON), &term); err != nil {
		t.Fatal(err)
	}
	for _, data := range term {
		add(data)
	}
	return reg
}

// patient returns validPatient with mutate applied.
func patient(t *testing.T, mutate func(map[string]any)) []byte {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal([]byte(validPatient), &doc); err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(doc)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func findIssue(r *issue.Result, id issue.DiagnosticID) *issue.Issue {
	for i := range r.Issues {
		if r.Issues[i].MessageID == string(id) {
			return &r.Issues[i]
		}
	}
	return nil
}

func TestValidPatient(t *testing.T) {
	v := New(newRegistry(t))
	result, err := v.Validate(context.Background(), []byte(validPatient), "")
	if err != nil {
		t.Fatal(err)
	}
	if result.ErrorCount() != 0 || result.WarningCount() != 0 {
		t.Errorf("expected a clean result, got %+v", result.Issues)
	}
	if !result.Valid() {
		t.Error("Valid() = false")
	}
}

func TestValidateFindings(t *testing.T) {
	v := New(newRegistry(t))

	tests := []struct {
		name     string
		mutate   func(map[string]any)
		id       issue.DiagnosticID
		severity issue.Severity
		expr     string
	}{
		{
			name:     "required binding",
			mutate:   func(d map[string]any) { d["gender"] = "robot" },
			id:       issue.DiagBindingRequired,
			severity: issue.SeverityError,
			expr:     "Patient.gender",
		},
		{
			name:     "extensible binding",
			mutate:   func(d map[string]any) { d["maritalStatus"] = map[string]any{"coding": []any{map[string]any{"system": maritalCS, "code": "X"}}} },
			id:       issue.DiagBindingExtensible,
			severity: issue.SeverityWarning,
			expr:     "Patient.maritalStatus",
		},
		{
			name:     "missing required slice",
			mutate:   func(d map[string]any) { delete(d, "identifier") },
			id:       issue.DiagSlicingCardinalityMin,
			severity: issue.SeverityError,
			expr:     "Patient.identifier:mrn",
		},
		{
			name: "slice matched but child missing",
			mutate: func(d map[string]any) {
				d["identifier"] = []any{map[string]any{"system": mrnSystem}}
			},
			id:       issue.DiagSlicingCardinalityMin,
			severity: issue.SeverityError,
			expr:     "Patient.identifier[0].value",
		},
		{
			name:     "missing required element",
			mutate:   func(d map[string]any) { delete(d, "gender") },
			id:       issue.DiagCardinalityMin,
			severity: issue.SeverityError,
			expr:     "Patient.gender",
		},
		{
			name:     "prohibited element",
			mutate:   func(d map[string]any) { d["photo"] = []any{map[string]any{"title": "me"}} },
			id:       issue.DiagCardinalityMax,
			severity: issue.SeverityError,
			expr:     "Patient.photo",
		},
		{
			name:     "invalid date",
			mutate:   func(d map[string]any) { d["birthDate"] = "25-12-1974" },
			id:       issue.DiagInvalidPrimitive,
			severity: issue.SeverityError,
			expr:     "Patient.birthDate",
		},
		{
			name:     "invalid choice value",
			mutate:   func(d map[string]any) { d["deceasedDateTime"] = "yesterday" },
			id:       issue.DiagInvalidPrimitive,
			severity: issue.SeverityError,
			expr:     "Patient.deceasedDateTime",
		},
		{
			name:     "unknown element",
			mutate:   func(d map[string]any) { d["favouriteColour"] = "blue" },
			id:       issue.DiagUnknownElement,
			severity: issue.SeverityError,
			expr:     "Patient.favouriteColour",
		},
		{
			name: "extension value type",
			mutate: func(d map[string]any) {
				d["extension"] = []any{map[string]any{"url": nicknameURL, "valueInteger": 3}}
			},
			id:       issue.DiagExtensionInvalidValueType,
			severity: issue.SeverityError,
			expr:     "Patient.extension[0].valueInteger",
		},
		{
			name: "extension slice max",
			mutate: func(d map[string]any) {
				d["extension"] = []any{
					map[string]any{"url": nicknameURL, "valueString": "Jim"},
					map[string]any{"url": nicknameURL, "valueString": "Jimmy"},
				}
			},
			id:       issue.DiagSlicingCardinalityMax,
			severity: issue.SeverityError,
			expr:     "Patient.extension:nickname",
		},
		{
			name: "unknown extension on a primitive",
			mutate: func(d map[string]any) {
				d["_birthDate"] = map[string]any{"extension": []any{
					map[string]any{"url": "http://example.org/unknown", "valueString": "x"},
				}}
			},
			id:       issue.DiagExtensionUnknown,
			severity: issue.SeverityWarning,
			expr:     "Patient.birthDate.extension[0]",
		},
		{
			name: "nested backbone binding",
			mutate: func(d map[string]any) {
				d["contact"] = []any{map[string]any{"gender": "robot"}}
			},
			id:       issue.DiagBindingRequired,
			severity: issue.SeverityError,
			expr:     "Patient.contact[0].gender",
		},
		{
			name: "contained resource",
			mutate: func(d map[string]any) {
				d["contained"] = []any{map[string]any{"resourceType": "Patient", "id": "p1", "gender": "robot"}}
			},
			id:       issue.DiagBindingRequired,
			severity: issue.SeverityError,
			expr:     "Patient.contained[0].gender",
		},
		{
			name:     "error invariant",
			mutate:   func(d map[string]any) { delete(d, "name") },
			id:       issue.DiagConstraintFailed,
			severity: issue.SeverityError,
			expr:     "Patient",
		},
		{
			name:     "warning invariant",
			mutate:   func(d map[string]any) { delete(d, "active") },
			id:       issue.DiagConstraintFailed,
			severity: issue.SeverityWarning,
			expr:     "Patient",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.Validate(context.Background(), patient(t, tt.mutate), "")
			if err != nil {
				t.Fatal(err)
			}
			found := false
			for _, is := range result.Issues {
				if is.MessageID != string(tt.id) || len(is.Expression) == 0 || is.Expression[0] != tt.expr {
					continue
				}
				found = true
				if is.Severity != tt.severity {
					t.Errorf("severity = %s; want %s", is.Severity, tt.severity)
				}
			}
			if !found {
				t.Errorf("no %s at %s in %+v", tt.id, tt.expr, result.Issues)
			}
			if want := tt.severity.IsBlocking(); result.Valid() == want {
				t.Errorf("Valid() = %v with a %s finding", result.Valid(), tt.severity)
			}
		})
	}
}

func TestValidateMalformedInput(t *testing.T) {
	v := New(newRegistry(t))

	tests := []struct {
		name  string
		input string
		id    issue.DiagnosticID
	}{
		{"invalid JSON", `{"resourceType":`, issue.DiagInvalidJSON},
		{"not an object", `["Patient"]`, issue.DiagInvalidJSON},
		{"no resourceType", `{"id":"x"}`, issue.DiagResourceTypeMissing},
		{"unknown type", `{"resourceType":"Starship"}`, issue.DiagProfileNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := v.Validate(context.Background(), []byte(tt.input), "")
			if err != nil {
				t.Fatal(err)
			}
			if findIssue(result, tt.id) == nil {
				t.Errorf("missing %s in %+v", tt.id, result.Issues)
			}
			if result.Valid() {
				t.Error("Valid() = true")
			}
		})
	}
}

func TestExplicitProfile(t *testing.T) {
	v := New(newRegistry(t))
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		result, err := v.Validate(ctx, []byte(validPatient), "http://example.org/missing")
		if err != nil {
			t.Fatal(err)
		}
		is := findIssue(result, issue.DiagProfileNotFound)
		if is == nil || is.Severity != issue.SeverityError {
			t.Errorf("issues = %+v", result.Issues)
		}
	})

	t.Run("wrong type", func(t *testing.T) {
		result, err := v.Validate(ctx, []byte(`{"resourceType":"Observation"}`), profileURL)
		if err != nil {
			t.Fatal(err)
		}
		if findIssue(result, issue.DiagProfileTypeMismatch) == nil {
			t.Errorf("issues = %+v", result.Issues)
		}
	})

	t.Run("overrides meta.profile", func(t *testing.T) {
		doc := patient(t, func(d map[string]any) {
			delete(d, "meta")
			delete(d, "identifier")
		})
		base, err := v.Validate(ctx, doc, "")
		if err != nil {
			t.Fatal(err)
		}
		if findIssue(base, issue.DiagSlicingCardinalityMin) != nil {
			t.Error("base definition should not require the mrn slice")
		}
		profiled, err := v.Validate(ctx, doc, profileURL)
		if err != nil {
			t.Fatal(err)
		}
		if findIssue(profiled, issue.DiagSlicingCardinalityMin) == nil {
			t.Errorf("profile checks missing: %+v", profiled.Issues)
		}
	})
}

func TestDeclaredProfileNotFound(t *testing.T) {
	v := New(newRegistry(t))
	doc := `{"resourceType":"Patient","meta":{"profile":["http://example.org/missing"]},"gender":"female"}`
	result, err := v.Validate(context.Background(), []byte(doc), "")
	if err != nil {
		t.Fatal(err)
	}
	is := findIssue(result, issue.DiagProfileNotFound)
	if is == nil || is.Severity != issue.SeverityWarning || is.Expression[0] != "Patient.meta.profile" {
		t.Errorf("issue = %+v", is)
	}
	if !result.Valid() {
		t.Errorf("base validation should pass: %+v", result.Issues)
	}
}

func TestOptions(t *testing.T) {
	reg := newRegistry(t)
	inactive := patient(t, func(d map[string]any) { delete(d, "active") })
	nameless := patient(t, func(d map[string]any) { delete(d, "name") })

	t.Run("strict mode", func(t *testing.T) {
		result, err := New(reg, WithStrictMode(true)).Validate(context.Background(), inactive, "")
		if err != nil {
			t.Fatal(err)
		}
		if result.Valid() || result.WarningCount() != 0 {
			t.Errorf("warnings should become errors: %+v", result.Issues)
		}
	})

	t.Run("constraints disabled", func(t *testing.T) {
		result, err := New(reg, WithConstraints(false)).Validate(context.Background(), nameless, "")
		if err != nil {
			t.Fatal(err)
		}
		if findIssue(result, issue.DiagConstraintFailed) != nil {
			t.Errorf("invariants should be skipped: %+v", result.Issues)
		}
	})
}

func TestValidateBatch(t *testing.T) {
	v := New(newRegistry(t), WithConcurrency(2))
	docs := [][]byte{
		[]byte(validPatient),
		patient(t, func(d map[string]any) { d["gender"] = "robot" }),
		[]byte(`not json`),
		[]byte(validPatient),
	}

	results, err := v.ValidateBatch(context.Background(), docs, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != len(docs) {
		t.Fatalf("len(results) = %d", len(results))
	}
	if !results[0].Valid() || !results[3].Valid() {
		t.Error("valid documents reported invalid")
	}
	if findIssue(results[1], issue.DiagBindingRequired) == nil {
		t.Errorf("results[1] = %+v", results[1].Issues)
	}
	if findIssue(results[2], issue.DiagInvalidJSON) == nil {
		t.Errorf("results[2] = %+v", results[2].Issues)
	}
}

func TestCancelledContext(t *testing.T) {
	v := New(newRegistry(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := v.Validate(ctx, []byte(validPatient), ""); !errors.Is(err, context.Canceled) {
		t.Errorf("Validate err = %v", err)
	}
	if _, err := v.ValidateBatch(ctx, [][]byte{[]byte(validPatient)}, ""); !errors.Is(err, context.Canceled) {
		t.Errorf("ValidateBatch err = %v", err)
	}
}

func TestTerminologyCacheReuse(t *testing.T) {
	v := New(newRegistry(t))
	for range 3 {
		if _, err := v.Validate(context.Background(), []byte(validPatient), ""); err != nil {
			t.Fatal(err)
		}
	}
	stats := v.TerminologyCacheStats()
	if stats.Misses != 2 || stats.Hits != 4 {
		t.Errorf("stats = %+v; want 2 misses and 4 hits", stats)
	}
}

func TestIndexLookup(t *testing.T) {
	reg := newRegistry(t)
	sd, ok := reg.GetProfile(profileURL)
	if !ok {
		t.Fatal("profile not loaded")
	}
	idx := buildIndex(sd)

	tests := []struct {
		key      string
		wantPath string
		wantType string
	}{
		{"gender", "Patient.gender", "code"},
		{"deceasedBoolean", "Patient.deceased[x]", "boolean"},
		{"deceasedDateTime", "Patient.deceased[x]", "dateTime"},
		{"identifier", "Patient.identifier", "Identifier"},
		{"deceased", "", ""},
		{"favouriteColour", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			el, typeCode := idx.lookup("Patient", tt.key)
			gotPath := ""
			if el != nil {
				gotPath = el.Path
			}
			if gotPath != tt.wantPath || typeCode != tt.wantType {
				t.Errorf("lookup(%q) = %q, %q; want %q, %q", tt.key, gotPath, typeCode, tt.wantPath, tt.wantType)
			}
		})
	}

	if !idx.covers("Patient") || idx.covers("Patient.name") {
		t.Error("covers() should hold only for expanded elements")
	}
	if el := idx.elements["Patient.identifier"]; el == nil || el.SliceName != "" || el.Min != 1 {
		t.Errorf("identifier element = %+v; slices must not shadow the base element", el)
	}
}

func TestCountMember(t *testing.T) {
	obj := map[string]any{
		"given":            []any{"Peter", "James"},
		"family":           "Chalmers",
		"_birthDate":       map[string]any{"extension": []any{}},
		"deceasedBoolean":  false,
		"deceasedDateTime": "2020",
		"empty":            nil,
	}
	tests := []struct {
		name string
		want int
	}{
		{"given", 2},
		{"family", 1},
		{"birthDate", 1},
		{"deceased[x]", 2},
		{"empty", 0},
		{"missing", 0},
	}
	for _, tt := range tests {
		if got := countMember(obj, tt.name); got != tt.want {
			t.Errorf("countMember(%q) = %d; want %d", tt.name, got, tt.want)
		}
	}
}

func TestMetrics(t *testing.T) {
	v := New(newRegistry(t))
	if snap := v.Metrics(); snap.Validations != 0 || snap.AvgTime != 0 {
		t.Errorf("fresh snapshot = %+v", snap)
	}

	docs := [][]byte{
		[]byte(validPatient),
		patient(t, func(d map[string]any) { d["gender"] = "robot" }),
		patient(t, func(d map[string]any) { delete(d, "active") }),
	}
	if _, err := v.ValidateBatch(context.Background(), docs, ""); err != nil {
		t.Fatal(err)
	}

	snap := v.Metrics()
	if snap.Validations != 3 || snap.Valid != 2 {
		t.Errorf("validations = %d, valid = %d", snap.Validations, snap.Valid)
	}
	if snap.Errors != 1 || snap.Warnings != 1 {
		t.Errorf("errors = %d, warnings = %d", snap.Errors, snap.Warnings)
	}
	if snap.MinTime > snap.MaxTime || snap.AvgTime > snap.MaxTime {
		t.Errorf("times out of order: %+v", snap)
	}
}
