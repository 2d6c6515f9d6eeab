package models

import "fmt"

// ComplianceStatus is the verdict of a compliance check
type ComplianceStatus string

const (
	StatusCompliant    ComplianceStatus = "COMPLIANT"
	StatusNonCompliant ComplianceStatus = "NON_COMPLIANT"
	StatusUncertain    ComplianceStatus = "UNCERTAIN"
)

// Valid reports whether s is one of the three known statuses
func (s ComplianceStatus) Valid() bool {
	switch s {
	case StatusCompliant, StatusNonCompliant, StatusUncertain:
		return true
	}
	return false
}

// ComplianceIssue represents one detected conflict between a prompt and a policy
type ComplianceIssue struct {
	PolicyText  string  `json:"policy_text"`
	PromptText  string  `json:"prompt_text"`
	Severity    float64 `json:"severity"` // 0-10, 10 most severe
	Explanation string  `json:"explanation"`
}

// VerificationResult is the judgment output for a verified prompt
type VerificationResult struct {
	Status           ComplianceStatus  `json:"status"`
	ComplianceScore  float64           `json:"compliance_score"` // 0-10, 10 fully compliant
	Issues           []ComplianceIssue `json:"issues"`
	RelevantPolicies []string          `json:"relevant_policies"`
}

// NewVerificationResult returns a result with the failure-safe defaults:
// UNCERTAIN status, neutral score, no issues, no policies.
func NewVerificationResult() VerificationResult {
	return VerificationResult{
		Status:           StatusUncertain,
		ComplianceScore:  5.0,
		Issues:           []ComplianceIssue{},
		RelevantPolicies: []string{},
	}
}

// EmptyIndexResult is the designed outcome for verification against an
// index with zero chunks. No model call is made for it.
func EmptyIndexResult(prompt string) *VerificationResult {
	return &VerificationResult{
		Status:          StatusUncertain,
		ComplianceScore: 5.0,
		Issues: []ComplianceIssue{
			{
				PolicyText:  "No policies have been defined.",
				PromptText:  prompt,
				Severity:    5.0,
				Explanation: "Cannot verify compliance as no policies have been defined.",
			},
		},
		RelevantPolicies: []string{},
	}
}

// ParseFailureResult reports a judgment response that could not be parsed
func ParseFailureResult(prompt string, cause error) *VerificationResult {
	return &VerificationResult{
		Status:          StatusUncertain,
		ComplianceScore: 5.0,
		Issues: []ComplianceIssue{
			{
				PolicyText:  "",
				PromptText:  prompt,
				Severity:    5.0,
				Explanation: fmt.Sprintf("Failed to parse compliance analysis: %v", cause),
			},
		},
		RelevantPolicies: []string{},
	}
}

// VerificationFailureResult folds a pipeline error (retrieval, model
// transport) into the failure-safe shape instead of surfacing it.
func VerificationFailureResult(prompt string, cause error) *VerificationResult {
	return &VerificationResult{
		Status:          StatusUncertain,
		ComplianceScore: 0.0,
		Issues: []ComplianceIssue{
			{
				PolicyText:  "",
				PromptText:  prompt,
				Severity:    10.0,
				Explanation: fmt.Sprintf("Error during compliance verification: %v", cause),
			},
		},
		RelevantPolicies: []string{},
	}
}
