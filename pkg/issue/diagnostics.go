package issue

import (
	"fmt"
	"strings"
)

// DiagnosticID identifies a diagnostic message template.
type DiagnosticID string

// Slicing diagnostics.
const (
	DiagSlicingNoMatch         DiagnosticID = "SLICING_NO_MATCH"
	DiagSlicingCardinalityMin  DiagnosticID = "SLICING_CARDINALITY_MIN"
	DiagSlicingCardinalityMax  DiagnosticID = "SLICING_CARDINALITY_MAX"
	DiagSlicingUnknownDiscrim  DiagnosticID = "SLICING_UNKNOWN_DISCRIMINATOR"
	DiagSlicingProfileNotFound DiagnosticID = "SLICING_PROFILE_NOT_FOUND"
)

// Extension diagnostics.
const (
	DiagExtensionNoURL            DiagnosticID = "EXTENSION_NO_URL"
	DiagExtensionMultipleValues   DiagnosticID = "EXTENSION_MULTIPLE_VALUES"
	DiagExtensionUnknown          DiagnosticID = "EXTENSION_UNKNOWN"
	DiagExtensionNotExtension     DiagnosticID = "EXTENSION_NOT_EXTENSION"
	DiagExtensionModifierMismatch DiagnosticID = "EXTENSION_MODIFIER_MISMATCH"
	DiagExtensionValueRequired    DiagnosticID = "EXTENSION_VALUE_REQUIRED"
	DiagExtensionValueNotAllowed  DiagnosticID = "EXTENSION_VALUE_NOT_ALLOWED"
	DiagExtensionChildNotAllowed  DiagnosticID = "EXTENSION_CHILD_NOT_ALLOWED"
	DiagExtensionInvalidValueType DiagnosticID = "EXTENSION_INVALID_VALUE_TYPE"
	DiagExtensionInvalidValue     DiagnosticID = "EXTENSION_INVALID_VALUE"
	DiagExtensionNestedMin        DiagnosticID = "EXTENSION_NESTED_MIN"
	DiagExtensionNestedMax        DiagnosticID = "EXTENSION_NESTED_MAX"
	DiagExtensionNestedUnknown    DiagnosticID = "EXTENSION_NESTED_UNKNOWN"
	DiagExtensionNestedNotAllowed DiagnosticID = "EXTENSION_NESTED_NOT_ALLOWED"
	DiagExtensionModifierUnmarked DiagnosticID = "EXTENSION_MODIFIER_UNMARKED"
)

// Terminology diagnostics.
const (
	DiagBindingRequired         DiagnosticID = "BINDING_REQUIRED"
	DiagBindingExtensible       DiagnosticID = "BINDING_EXTENSIBLE"
	DiagBindingPreferred        DiagnosticID = "BINDING_PREFERRED"
	DiagBindingDisplayMismatch  DiagnosticID = "BINDING_DISPLAY_MISMATCH"
	DiagBindingValueSetNotFound DiagnosticID = "BINDING_VALUESET_NOT_FOUND"
	DiagBindingUnverified       DiagnosticID = "BINDING_UNVERIFIED"
	DiagBindingExternalFailed   DiagnosticID = "BINDING_EXTERNAL_FAILED"
)

// Orchestration diagnostics.
const (
	DiagProfileNotFound     DiagnosticID = "PROFILE_NOT_FOUND"
	DiagInvalidJSON         DiagnosticID = "INVALID_JSON"
	DiagResourceTypeMissing DiagnosticID = "RESOURCE_TYPE_MISSING"
	DiagConstraintFailed    DiagnosticID = "CONSTRAINT_FAILED"
	DiagConstraintError     DiagnosticID = "CONSTRAINT_ERROR"
	DiagCardinalityMin      DiagnosticID = "ELEMENT_CARDINALITY_MIN"
	DiagCardinalityMax      DiagnosticID = "ELEMENT_CARDINALITY_MAX"
	DiagFixedMismatch       DiagnosticID = "FIXED_VALUE_MISMATCH"
	DiagPatternMismatch     DiagnosticID = "PATTERN_MISMATCH"
	DiagInvalidPrimitive    DiagnosticID = "INVALID_PRIMITIVE"
	DiagUnknownElement      DiagnosticID = "UNKNOWN_ELEMENT"
	DiagProfileTypeMismatch DiagnosticID = "PROFILE_TYPE_MISMATCH"
)

// DiagnosticTemplate binds a message to its default severity and code.
type DiagnosticTemplate struct {
	ID       DiagnosticID
	Severity Severity
	Code     Code
	Template string
}

var diagnosticTemplates = map[DiagnosticID]DiagnosticTemplate{
	DiagSlicingNoMatch: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "This element does not match any slice defined for '{path}' and the slicing is closed",
	},
	DiagSlicingCardinalityMin: {
		Severity: SeverityError, Code: CodeRequired,
		Template: "Slice '{slice}': a matching slice is required, but not found (min = {min}, found {count})",
	},
	DiagSlicingCardinalityMax: {
		Severity: SeverityError, Code: CodeValue,
		Template: "Slice '{slice}': maximum allowed is {max}, but found {count}",
	},
	DiagSlicingUnknownDiscrim: {
		Severity: SeverityWarning, Code: CodeNotSupported,
		Template: "Unsupported discriminator type '{type}' on path '{path}'",
	},
	DiagSlicingProfileNotFound: {
		Severity: SeverityInformation, Code: CodeNotFound,
		Template: "Profile '{profile}' required by slice discrimination is not known",
	},

	DiagExtensionNoURL: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "Extension must have a url",
	},
	DiagExtensionMultipleValues: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "Extension '{url}' has more than one value[x] element ({keys})",
	},
	DiagExtensionUnknown: {
		Severity: SeverityWarning, Code: CodeNotFound,
		Template: "Unknown extension '{url}'",
	},
	DiagExtensionNotExtension: {
		Severity: SeverityError, Code: CodeInvalid,
		Template: "The URL '{url}' resolves to a StructureDefinition of type '{type}', not Extension",
	},
	DiagExtensionModifierMismatch: {
		Severity: SeverityWarning, Code: CodeValue,
		Template: "Extension '{url}' is used as a modifierExtension but its definition is not a modifier",
	},
	DiagExtensionModifierUnmarked: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "Extension '{url}' is a modifier extension and must be used as a modifierExtension",
	},
	DiagExtensionValueRequired: {
		Severity: SeverityError, Code: CodeRequired,
		Template: "Extension '{url}' requires a value",
	},
	DiagExtensionValueNotAllowed: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "Extension '{url}' is a complex extension and must not have a value (found {key})",
	},
	DiagExtensionChildNotAllowed: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "Extension '{url}' is a simple extension and must not have nested extensions",
	},
	DiagExtensionInvalidValueType: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "Extension '{url}' value type '{type}' is not allowed (allowed: {allowed})",
	},
	DiagExtensionInvalidValue: {
		Severity: SeverityError, Code: CodeValue,
		Template: "Extension '{url}' value is not a valid {type}: {detail}",
	},
	DiagExtensionNestedMin: {
		Severity: SeverityError, Code: CodeRequired,
		Template: "Extension '{url}': nested extension '{slice}' is required (min = {min}, found {count})",
	},
	DiagExtensionNestedMax: {
		Severity: SeverityError, Code: CodeValue,
		Template: "Extension '{url}': nested extension '{slice}' allows at most {max} (found {count})",
	},
	DiagExtensionNestedUnknown: {
		Severity: SeverityWarning, Code: CodeStructure,
		Template: "Extension '{url}': nested extension '{child}' is not defined",
	},
	DiagExtensionNestedNotAllowed: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "Extension '{url}': nested extension '{child}' is not allowed (slicing is closed)",
	},

	DiagBindingRequired: {
		Severity: SeverityError, Code: CodeCodeInvalid,
		Template: "The code '{code}' from system '{system}' is not in the required value set '{valueSet}'",
	},
	DiagBindingExtensible: {
		Severity: SeverityWarning, Code: CodeCodeInvalid,
		Template: "The code '{code}' from system '{system}' is not in the extensible value set '{valueSet}'",
	},
	DiagBindingPreferred: {
		Severity: SeverityInformation, Code: CodeInformational,
		Template: "The code '{code}' from system '{system}' is not in the {strength} value set '{valueSet}'",
	},
	DiagBindingDisplayMismatch: {
		Severity: SeverityWarning, Code: CodeValue,
		Template: "Display '{display}' for code '{code}' does not match any known display (expected '{expected}')",
	},
	DiagBindingValueSetNotFound: {
		Severity: SeverityWarning, Code: CodeNotFound,
		Template: "Value set '{valueSet}' could not be resolved",
	},
	DiagBindingUnverified: {
		Severity: SeverityInformation, Code: CodeInformational,
		Template: "Membership of code '{code}' in value set '{valueSet}' could not be fully verified: {reason}",
	},
	DiagBindingExternalFailed: {
		Severity: SeverityInformation, Code: CodeProcessing,
		Template: "Terminology service unavailable for '{system}': {reason}",
	},

	DiagProfileNotFound: {
		Severity: SeverityError, Code: CodeNotFound,
		Template: "Profile '{profile}' not found",
	},
	DiagInvalidJSON: {
		Severity: SeverityFatal, Code: CodeStructure,
		Template: "Resource is not valid JSON: {error}",
	},
	DiagResourceTypeMissing: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "Resource has no 'resourceType' property",
	},
	DiagConstraintFailed: {
		Severity: SeverityError, Code: CodeInvariant,
		Template: "Constraint failed: {key}: '{human}'",
	},
	DiagConstraintError: {
		Severity: SeverityWarning, Code: CodeProcessing,
		Template: "Constraint {key} could not be evaluated: {error}",
	},
	DiagCardinalityMin: {
		Severity: SeverityError, Code: CodeRequired,
		Template: "Element '{element}' requires at least {min} value(s), found {count}",
	},
	DiagCardinalityMax: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "Element '{element}' allows at most {max} value(s), found {count}",
	},
	DiagFixedMismatch: {
		Severity: SeverityError, Code: CodeValue,
		Template: "Value does not equal the fixed value {expected}",
	},
	DiagPatternMismatch: {
		Severity: SeverityError, Code: CodeValue,
		Template: "Value does not match the required pattern {expected}",
	},
	DiagInvalidPrimitive: {
		Severity: SeverityError, Code: CodeValue,
		Template: "Invalid {type} value: {error}",
	},
	DiagUnknownElement: {
		Severity: SeverityError, Code: CodeStructure,
		Template: "Unknown element '{name}'",
	},
	DiagProfileTypeMismatch: {
		Severity: SeverityError, Code: CodeInvalid,
		Template: "Profile '{profile}' constrains {expected}, not {actual}",
	},
}

// GetDiagnosticTemplate returns the template for a diagnostic ID.
func GetDiagnosticTemplate(id DiagnosticID) (DiagnosticTemplate, bool) {
	tmpl, ok := diagnosticTemplates[id]
	if ok {
		tmpl.ID = id
	}
	return tmpl, ok
}

// FormatDiagnostic renders the template for id with params.
func FormatDiagnostic(id DiagnosticID, params map[string]any) string {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		return string(id)
	}
	return formatTemplate(tmpl.Template, params)
}

// formatTemplate replaces {placeholder} with values from params.
func formatTemplate(template string, params map[string]any) string {
	out := template
	for key, value := range params {
		out = strings.ReplaceAll(out, "{"+key+"}", fmt.Sprint(value))
	}
	return out
}

// New builds an issue from a template using the template's default severity.
func New(id DiagnosticID, params map[string]any, expression ...string) Issue {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		return Issue{
			Severity:    SeverityError,
			Code:        CodeProcessing,
			Diagnostics: string(id),
			Expression:  expression,
			MessageID:   string(id),
		}
	}
	return Issue{
		Severity:    tmpl.Severity,
		Code:        tmpl.Code,
		Diagnostics: formatTemplate(tmpl.Template, params),
		Expression:  expression,
		MessageID:   string(id),
	}
}

// NewWithSeverity builds an issue from a template, overriding its severity.
func NewWithSeverity(sev Severity, id DiagnosticID, params map[string]any, expression ...string) Issue {
	is := New(id, params, expression...)
	is.Severity = sev
	return is
}

// AddWithID adds an issue rendered from a template at its default severity.
func (r *Result) AddWithID(id DiagnosticID, params map[string]any, expression ...string) {
	r.Issues = append(r.Issues, New(id, params, expression...))
}

// AddErrorWithID adds an error using a diagnostic template.
func (r *Result) AddErrorWithID(id DiagnosticID, params map[string]any, expression ...string) {
	r.Issues = append(r.Issues, NewWithSeverity(SeverityError, id, params, expression...))
}

// AddWarningWithID adds a warning using a diagnostic template.
func (r *Result) AddWarningWithID(id DiagnosticID, params map[string]any, expression ...string) {
	r.Issues = append(r.Issues, NewWithSeverity(SeverityWarning, id, params, expression...))
}

// AddInfoWithID adds an informational message using a diagnostic template.
func (r *Result) AddInfoWithID(id DiagnosticID, params map[string]any, expression ...string) {
	r.Issues = append(r.Issues, NewWithSeverity(SeverityInformation, id, params, expression...))
}
