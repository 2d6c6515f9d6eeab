package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"promptguard-backend/models"
	"promptguard-backend/parser"
)

var ErrEmptyPrompt = errors.New("prompt is empty")

const (
	defaultTopK            = 5
	defaultJudgmentTimeout = 120 * time.Second
)

// judgmentTemplate is the fixed instruction template for the judgment model.
// The first placeholder takes the retrieved policy context, the second the
// prompt under verification.
const judgmentTemplate = `You are a compliance verification expert. Your task is to determine if the user's prompt
complies with the company's policies and regulations.

Review the following policies that are relevant to the user's prompt:
%s

User Prompt:
%s

Assess if the user's prompt complies with the above policies. In your assessment:
1. Identify any specific conflicts between the prompt and the policies
2. Explain why each identified part conflicts with a specific policy
3. Rate the severity of each issue on a scale of 1-10
4. Provide an overall compliance score from 0-10 (where 10 is fully compliant)

Format your response as a JSON object with the following structure:
{
    "status": "COMPLIANT", "NON_COMPLIANT", or "UNCERTAIN",
    "compliance_score": A number from 0 to 10,
    "issues": [
        {
            "policy_text": "The specific policy text that is relevant",
            "prompt_text": "The part of the prompt that conflicts with the policy",
            "severity": A number from 1 to 10,
            "explanation": "A clear explanation of the conflict"
        }
    ],
    "relevant_policies": ["Policy 1", "Policy 2", ...]
}

If the prompt complies with all policies, return a "COMPLIANT" status, a high compliance score,
and an empty issues array.

IMPORTANT: Only return the valid JSON object with no additional text, markdown formatting,
or code block markers.`

// PolicyRetriever is what the verifier needs from the policy index
type PolicyRetriever interface {
	Count(ctx context.Context) (int, error)
	Retrieve(ctx context.Context, prompt string, topK int) ([]models.PolicyChunk, error)
}

// JudgeClient is what the verifier needs from the generation client
type JudgeClient interface {
	Judge(ctx context.Context, prompt string) (string, error)
}

// VerificationService runs the retrieval and judgment pipeline for a single
// prompt. It keeps no state between calls; concurrent verifications only
// share the long-lived index and model clients.
type VerificationService struct {
	index   PolicyRetriever
	judge   JudgeClient
	topK    int
	timeout time.Duration
}

// VerificationServiceOption is a functional option for VerificationService
type VerificationServiceOption func(*VerificationService)

// VerifyWithPolicyIndex sets the policy index
func VerifyWithPolicyIndex(index PolicyRetriever) VerificationServiceOption {
	return func(s *VerificationService) {
		s.index = index
	}
}

// VerifyWithJudge sets the judgment client
func VerifyWithJudge(judge JudgeClient) VerificationServiceOption {
	return func(s *VerificationService) {
		s.judge = judge
	}
}

// VerifyWithTopK sets how many policy chunks are retrieved per verification
func VerifyWithTopK(topK int) VerificationServiceOption {
	return func(s *VerificationService) {
		if topK > 0 {
			s.topK = topK
		}
	}
}

// VerifyWithTimeout bounds a single verification call
func VerifyWithTimeout(timeout time.Duration) VerificationServiceOption {
	return func(s *VerificationService) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// NewVerificationService creates a new verification service
func NewVerificationService(opts ...VerificationServiceOption) *VerificationService {
	s := &VerificationService{
		topK:    defaultTopK,
		timeout: defaultJudgmentTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify checks one prompt against the indexed policies. The only error it
// returns is for an empty prompt; every pipeline failure folds into the
// UNCERTAIN failure-safe result instead, so a degraded upstream can never
// surface as a false COMPLIANT.
func (s *VerificationService) Verify(ctx context.Context, prompt string) (*models.VerificationResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	count, err := s.index.Count(ctx)
	if err != nil {
		log.Printf("Verification failed before retrieval: %v", err)
		return models.VerificationFailureResult(prompt, err), nil
	}
	if count == 0 {
		log.Println("Verification requested with no policies defined")
		return models.EmptyIndexResult(prompt), nil
	}

	chunks, err := s.index.Retrieve(ctx, prompt, s.topK)
	if err != nil {
		log.Printf("Policy retrieval failed: %v", err)
		return models.VerificationFailureResult(prompt, err), nil
	}

	raw, err := s.judge.Judge(ctx, buildJudgmentPrompt(prompt, chunks))
	if err != nil {
		log.Printf("Judgment call failed: %v", err)
		return models.VerificationFailureResult(prompt, err), nil
	}

	result := parser.Parse(raw)
	log.Printf("Verification complete: status=%s score=%.1f issues=%d", result.Status, result.ComplianceScore, len(result.Issues))
	return &result, nil
}

// buildJudgmentPrompt assembles the instruction template around the
// retrieved chunks and the prompt under verification. Zero retrieved chunks
// produce an empty context section, not an error.
func buildJudgmentPrompt(prompt string, chunks []models.PolicyChunk) string {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}
	return fmt.Sprintf(judgmentTemplate, strings.Join(texts, "\n\n"), prompt)
}
