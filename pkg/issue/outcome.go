package issue

import "encoding/json"

type outcomeIssue struct {
	Severity    Severity `json:"severity"`
	Code        Code     `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

type operationOutcome struct {
	ResourceType string         `json:"resourceType"`
	Issue        []outcomeIssue `json:"issue"`
}

// ToOperationOutcome renders the result as a FHIR OperationOutcome resource.
// An empty result yields a single informational "All OK" issue, as FHIR
// requires at least one issue.
func (r *Result) ToOperationOutcome() ([]byte, error) {
	oo := operationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        make([]outcomeIssue, 0, len(r.Issues)),
	}
	for _, is := range r.Issues {
		oo.Issue = append(oo.Issue, outcomeIssue{
			Severity:    is.Severity,
			Code:        is.Code,
			Diagnostics: is.Diagnostics,
			Expression:  is.Expression,
		})
	}
	if len(oo.Issue) == 0 {
		oo.Issue = append(oo.Issue, outcomeIssue{
			Severity:    SeverityInformation,
			Code:        CodeInformational,
			Diagnostics: "All OK",
		})
	}
	return json.MarshalIndent(oo, "", "  ")
}
