package issue

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewResult(t *testing.T) {
	r := NewResult()
	if r == nil {
		t.Fatal("NewResult() returned nil")
	}
	if len(r.Issues) != 0 {
		t.Errorf("NewResult() should have no issues, got %d", len(r.Issues))
	}
	if !r.Valid() {
		t.Error("empty result should be valid")
	}
}

func TestResultCounts(t *testing.T) {
	r := NewResult()
	r.AddError(CodeStructure, "bad shape", "Patient.extension[0]")
	r.AddWarning(CodeNotFound, "unknown", "Patient.extension[1]")
	r.AddInfo(CodeInformational, "note")
	r.AddIssue(Issue{Severity: SeverityFatal, Code: CodeStructure, Diagnostics: "broken"})

	if got := r.ErrorCount(); got != 2 {
		t.Errorf("ErrorCount() = %d, want 2", got)
	}
	if got := r.WarningCount(); got != 1 {
		t.Errorf("WarningCount() = %d, want 1", got)
	}
	if got := r.InfoCount(); got != 1 {
		t.Errorf("InfoCount() = %d, want 1", got)
	}
	if !r.HasErrors() || r.Valid() {
		t.Error("result with errors should not be valid")
	}
	if got := len(r.Filter(SeverityWarning).Issues); got != 1 {
		t.Errorf("Filter(warning) returned %d issues, want 1", got)
	}
	if got := len(r.WithCode(CodeStructure)); got != 2 {
		t.Errorf("WithCode(structure) returned %d issues, want 2", got)
	}
}

func TestResultMerge(t *testing.T) {
	a := NewResult()
	a.AddError(CodeValue, "a")
	b := NewResult()
	b.AddError(CodeValue, "a")
	b.AddWarning(CodeValue, "b")

	a.Merge(b)
	a.Merge(nil)

	// Identical issues are kept; dedup is not the accumulator's job.
	if len(a.Issues) != 3 {
		t.Errorf("Merge() produced %d issues, want 3", len(a.Issues))
	}
}

func TestDiagnosticTemplates(t *testing.T) {
	tests := []struct {
		name     string
		id       DiagnosticID
		params   map[string]any
		severity Severity
		code     Code
		contains string
	}{
		{
			name:     "slice min",
			id:       DiagSlicingCardinalityMin,
			params:   map[string]any{"slice": "mrn", "min": 1, "count": 0},
			severity: SeverityError,
			code:     CodeRequired,
			contains: "Slice 'mrn'",
		},
		{
			name:     "slice max",
			id:       DiagSlicingCardinalityMax,
			params:   map[string]any{"slice": "mrn", "max": "1", "count": 2},
			severity: SeverityError,
			code:     CodeValue,
			contains: "maximum allowed is 1",
		},
		{
			name:     "unknown extension",
			id:       DiagExtensionUnknown,
			params:   map[string]any{"url": "http://example.org/ext"},
			severity: SeverityWarning,
			code:     CodeNotFound,
			contains: "http://example.org/ext",
		},
		{
			name:     "unknown id",
			id:       DiagnosticID("NOPE"),
			severity: SeverityError,
			code:     CodeProcessing,
			contains: "NOPE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := New(tt.id, tt.params, "Patient.identifier")
			if is.Severity != tt.severity {
				t.Errorf("Severity = %q, want %q", is.Severity, tt.severity)
			}
			if is.Code != tt.code {
				t.Errorf("Code = %q, want %q", is.Code, tt.code)
			}
			if !strings.Contains(is.Diagnostics, tt.contains) {
				t.Errorf("Diagnostics = %q, want substring %q", is.Diagnostics, tt.contains)
			}
			if len(is.Expression) != 1 || is.Expression[0] != "Patient.identifier" {
				t.Errorf("Expression = %v", is.Expression)
			}
		})
	}
}

func TestAddWithIDOverrides(t *testing.T) {
	r := NewResult()
	r.AddWarningWithID(DiagBindingRequired, map[string]any{"code": "x", "system": "s", "valueSet": "vs"})
	r.AddInfoWithID(DiagBindingRequired, nil)
	r.AddErrorWithID(DiagExtensionUnknown, map[string]any{"url": "u"})

	want := []Severity{SeverityWarning, SeverityInformation, SeverityError}
	for i, sev := range want {
		if r.Issues[i].Severity != sev {
			t.Errorf("Issues[%d].Severity = %q, want %q", i, r.Issues[i].Severity, sev)
		}
		if r.Issues[i].MessageID == "" {
			t.Errorf("Issues[%d].MessageID is empty", i)
		}
	}
}

func TestToOperationOutcome(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		data, err := NewResult().ToOperationOutcome()
		if err != nil {
			t.Fatalf("ToOperationOutcome() error = %v", err)
		}
		var oo map[string]any
		if err := json.Unmarshal(data, &oo); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if oo["resourceType"] != "OperationOutcome" {
			t.Errorf("resourceType = %v", oo["resourceType"])
		}
		if issues, _ := oo["issue"].([]any); len(issues) != 1 {
			t.Errorf("issue count = %d, want 1", len(issues))
		}
	})

	t.Run("with issues", func(t *testing.T) {
		r := NewResult()
		r.AddError(CodeStructure, "bad", "Patient.identifier[3]")
		data, err := r.ToOperationOutcome()
		if err != nil {
			t.Fatalf("ToOperationOutcome() error = %v", err)
		}
		if !strings.Contains(string(data), `"Patient.identifier[3]"`) {
			t.Errorf("expression missing from %s", data)
		}
		if !strings.Contains(string(data), `"structure"`) {
			t.Errorf("code missing from %s", data)
		}
	})
}
