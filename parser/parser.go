// Package parser recovers structured compliance verdicts from generative
// model responses that may be malformed, partially malformed, or wrapped in
// extraneous text.
package parser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"promptguard-backend/models"
)

var (
	trailingCommaObject = regexp.MustCompile(`,\s*}`)
	trailingCommaArray  = regexp.MustCompile(`,\s*]`)
	bareKey             = regexp.MustCompile(`(\s*)(\w+)(\s*):(\s*)`)
	singleQuotedKey     = regexp.MustCompile(`'([^']*)'(\s*:)`)
	singleQuotedValue   = regexp.MustCompile(`:\s*'([^']*)'([,}])`)

	statusField      = regexp.MustCompile(`"?\bstatus\b"?\s*:\s*"([^"]*)"`)
	statusToken      = regexp.MustCompile(`\b(NON_COMPLIANT|COMPLIANT|UNCERTAIN)\b`)
	scoreField       = regexp.MustCompile(`"?\bcompliance_score\b"?\s*:\s*(\d+(?:\.\d+)?)`)
	issuesSection    = regexp.MustCompile(`(?s)"?\bissues\b"?\s*:\s*\[(.*?)\]`)
	issueObject      = regexp.MustCompile(`(?s)\{(.*?)\}`)
	policyTextField  = regexp.MustCompile(`"?\bpolicy_text\b"?\s*:\s*"([^"]*)"`)
	promptTextField  = regexp.MustCompile(`"?\bprompt_text\b"?\s*:\s*"([^"]*)"`)
	severityField    = regexp.MustCompile(`"?\bseverity\b"?\s*:\s*(\d+(?:\.\d+)?)`)
	explanationField = regexp.MustCompile(`"?\bexplanation\b"?\s*:\s*"([^"]*)"`)
	policiesSection  = regexp.MustCompile(`(?s)"?\brelevant_policies\b"?\s*:\s*\[(.*?)\]`)
	quotedString     = regexp.MustCompile(`"([^"]*)"`)
)

// Parse recovers a VerificationResult from raw model output. It never fails:
// recovery tiers run in order (strict parse, repaired parse, field
// extraction) and any field that cannot be recovered keeps its failure-safe
// default (UNCERTAIN status, neutral 5.0 score, no issues, no policies).
func Parse(raw string) models.VerificationResult {
	cleaned := stripCodeFences(raw)

	var direct map[string]interface{}
	if err := json.Unmarshal([]byte(cleaned), &direct); err == nil {
		return resultFromMap(direct)
	}

	var repaired map[string]interface{}
	if err := json.Unmarshal([]byte(fixCommonIssues(cleaned)), &repaired); err == nil {
		return resultFromMap(repaired)
	}

	return extractFields(cleaned)
}

// stripCodeFences removes markdown code block markers around the payload
func stripCodeFences(text string) string {
	if strings.Contains(text, "```json") {
		text = strings.ReplaceAll(text, "```json", "")
		return strings.ReplaceAll(text, "```", "")
	}
	if strings.Contains(text, "```") {
		return strings.ReplaceAll(text, "```", "")
	}
	return text
}

// fixCommonIssues applies a fixed, ordered set of textual repairs: trailing
// commas dropped, bare object keys quoted, single quotes converted to double
// quotes. The repairs do not reorder content.
func fixCommonIssues(text string) string {
	text = trailingCommaObject.ReplaceAllString(text, "}")
	text = trailingCommaArray.ReplaceAllString(text, "]")
	text = bareKey.ReplaceAllString(text, `${1}"${2}"${3}:${4}`)
	text = singleQuotedKey.ReplaceAllString(text, `"${1}"${2}`)
	text = singleQuotedValue.ReplaceAllString(text, `: "${1}"${2}`)
	return text
}

// extractFields locates each top-level field independently in the raw text.
// This tier cannot fail; fields that are not found keep their defaults.
func extractFields(text string) models.VerificationResult {
	result := models.NewVerificationResult()

	if m := statusField.FindStringSubmatch(text); m != nil && models.ComplianceStatus(m[1]).Valid() {
		result.Status = models.ComplianceStatus(m[1])
	} else if m := statusToken.FindStringSubmatch(text); m != nil {
		result.Status = models.ComplianceStatus(m[1])
	}

	if m := scoreField.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			result.ComplianceScore = f
		}
	}

	if section := issuesSection.FindStringSubmatch(text); section != nil {
		for _, obj := range issueObject.FindAllStringSubmatch(section[1], -1) {
			issue := models.ComplianceIssue{Severity: 5.0}
			if m := policyTextField.FindStringSubmatch(obj[1]); m != nil {
				issue.PolicyText = m[1]
			}
			if m := promptTextField.FindStringSubmatch(obj[1]); m != nil {
				issue.PromptText = m[1]
			}
			if m := severityField.FindStringSubmatch(obj[1]); m != nil {
				if f, err := strconv.ParseFloat(m[1], 64); err == nil {
					issue.Severity = f
				}
			}
			if m := explanationField.FindStringSubmatch(obj[1]); m != nil {
				issue.Explanation = m[1]
			}

			// Only keep entries that recovered at least one text field
			if issue.PolicyText != "" || issue.PromptText != "" || issue.Explanation != "" {
				result.Issues = append(result.Issues, issue)
			}
		}
	}

	if section := policiesSection.FindStringSubmatch(text); section != nil {
		for _, m := range quotedString.FindAllStringSubmatch(section[1], -1) {
			result.RelevantPolicies = append(result.RelevantPolicies, m[1])
		}
	}

	return result
}

// resultFromMap coerces a decoded JSON object into a typed result. Missing
// or wrong-typed fields keep their defaults: an unrecognized status is
// discarded, a severity that fails numeric conversion stays at 5.0, missing
// text fields stay empty. Issue order follows the decoded array order.
func resultFromMap(m map[string]interface{}) models.VerificationResult {
	result := models.NewVerificationResult()

	if s, ok := m["status"].(string); ok && models.ComplianceStatus(s).Valid() {
		result.Status = models.ComplianceStatus(s)
	}

	if f, ok := toFloat(m["compliance_score"]); ok {
		result.ComplianceScore = f
	}

	if rawIssues, ok := m["issues"].([]interface{}); ok {
		for _, raw := range rawIssues {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			issue := models.ComplianceIssue{Severity: 5.0}
			if v, ok := entry["policy_text"].(string); ok {
				issue.PolicyText = v
			}
			if v, ok := entry["prompt_text"].(string); ok {
				issue.PromptText = v
			}
			if f, ok := toFloat(entry["severity"]); ok {
				issue.Severity = f
			}
			if v, ok := entry["explanation"].(string); ok {
				issue.Explanation = v
			}
			result.Issues = append(result.Issues, issue)
		}
	}

	if rawPolicies, ok := m["relevant_policies"].([]interface{}); ok {
		for _, raw := range rawPolicies {
			if s, ok := raw.(string); ok {
				result.RelevantPolicies = append(result.RelevantPolicies, s)
			}
		}
	}

	return result
}

// toFloat converts a decoded JSON value to float64, accepting numbers and
// numeric strings
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
