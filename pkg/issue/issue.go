// Package issue defines conformance issues aligned with FHIR OperationOutcome.
package issue

// Severity represents the severity of a conformance issue.
type Severity string

// Severity constants aligned with FHIR IssueSeverity.
const (
	SeverityFatal       Severity = "fatal"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// IsBlocking reports whether the severity makes a document non-conformant.
func (s Severity) IsBlocking() bool {
	return s == SeverityError || s == SeverityFatal
}

// Code represents the kind of issue (FHIR IssueType).
type Code string

// Code constants aligned with FHIR IssueType. Only the codes the validators
// emit are listed.
const (
	CodeInvalid       Code = "invalid"
	CodeStructure     Code = "structure"
	CodeRequired      Code = "required"
	CodeValue         Code = "value"
	CodeProcessing    Code = "processing"
	CodeNotSupported  Code = "not-supported"
	CodeNotFound      Code = "not-found"
	CodeCodeInvalid   Code = "code-invalid"
	CodeExtension     Code = "extension"
	CodeInformational Code = "informational"
	CodeInvariant     Code = "invariant"
)

// Issue is a single conformance finding.
type Issue struct {
	Severity    Severity
	Code        Code
	Diagnostics string

	// Expression holds the FHIRPath location(s) the issue refers to,
	// e.g. "Patient.identifier[2]" or "Patient.extension:race".
	Expression []string

	// MessageID is the DiagnosticID the message was rendered from, if any.
	MessageID string
}

// Result accumulates issues. Issues are kept in insertion order and never
// deduplicated.
type Result struct {
	Issues []Issue
}

const defaultIssueCapacity = 16

// NewResult creates an empty Result.
func NewResult() *Result {
	return &Result{Issues: make([]Issue, 0, defaultIssueCapacity)}
}

// AddIssue appends an issue.
func (r *Result) AddIssue(is Issue) {
	r.Issues = append(r.Issues, is)
}

// AddIssues appends several issues.
func (r *Result) AddIssues(issues []Issue) {
	r.Issues = append(r.Issues, issues...)
}

// AddError adds an error-level issue.
func (r *Result) AddError(code Code, diagnostics string, expression ...string) {
	r.add(SeverityError, code, diagnostics, expression)
}

// AddWarning adds a warning-level issue.
func (r *Result) AddWarning(code Code, diagnostics string, expression ...string) {
	r.add(SeverityWarning, code, diagnostics, expression)
}

// AddInfo adds an information-level issue.
func (r *Result) AddInfo(code Code, diagnostics string, expression ...string) {
	r.add(SeverityInformation, code, diagnostics, expression)
}

func (r *Result) add(sev Severity, code Code, diagnostics string, expression []string) {
	r.Issues = append(r.Issues, Issue{
		Severity:    sev,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  expression,
	})
}

// HasErrors returns true if any issue is error or fatal.
func (r *Result) HasErrors() bool {
	for _, is := range r.Issues {
		if is.Severity.IsBlocking() {
			return true
		}
	}
	return false
}

// Valid is the negation of HasErrors.
func (r *Result) Valid() bool {
	return !r.HasErrors()
}

// ErrorCount returns the number of error or fatal issues.
func (r *Result) ErrorCount() int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity.IsBlocking() {
			n++
		}
	}
	return n
}

// WarningCount returns the number of warnings.
func (r *Result) WarningCount() int {
	return r.count(SeverityWarning)
}

// InfoCount returns the number of informational issues.
func (r *Result) InfoCount() int {
	return r.count(SeverityInformation)
}

func (r *Result) count(sev Severity) int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity == sev {
			n++
		}
	}
	return n
}

// Merge appends the issues of other.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// Filter returns a new Result with the issues of the given severity.
func (r *Result) Filter(sev Severity) *Result {
	out := NewResult()
	for _, is := range r.Issues {
		if is.Severity == sev {
			out.Issues = append(out.Issues, is)
		}
	}
	return out
}

// WithCode returns the issues carrying the given code.
func (r *Result) WithCode(code Code) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Code == code {
			out = append(out, is)
		}
	}
	return out
}
