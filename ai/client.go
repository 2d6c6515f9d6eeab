// Package ai wraps the Gemini embedding and generation APIs behind a single
// client with rate limiting and a circuit breaker.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	genai "github.com/google/generative-ai-go/genai"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

const (
	embedContentURL      = "https://generativelanguage.googleapis.com/v1beta/models/%s:embedContent"
	batchEmbedContentURL = "https://generativelanguage.googleapis.com/v1beta/models/%s:batchEmbedContents"
	maxRetries           = 3
	initialBackoff       = time.Second
	embeddingDimensions  = 768
)

// Task types accepted by the embedding API. Queries and documents are
// embedded asymmetrically for retrieval.
const (
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
)

var (
	ErrMissingAPIKey    = errors.New("GEMINI_API_KEY not set")
	ErrEmptyText        = errors.New("text is empty")
	ErrEmbeddingFailed  = errors.New("failed to generate embedding")
	ErrNoResponse       = errors.New("model returned no usable response")
	ErrGenerationFailed = errors.New("failed to generate content")
)

// EmbeddingRequest is the embedContent request body
type EmbeddingRequest struct {
	Model                string       `json:"model"`
	Content              ContentInput `json:"content"`
	TaskType             string       `json:"task_type,omitempty"`
	OutputDimensionality int          `json:"output_dimensionality,omitempty"`
}

// ContentInput represents content for embedding
type ContentInput struct {
	Parts []PartInput `json:"parts"`
}

// PartInput represents a part of content
type PartInput struct {
	Text string `json:"text"`
}

// EmbeddingResponse represents an embedding API response
type EmbeddingResponse struct {
	Embedding EmbeddingData `json:"embedding"`
}

// EmbeddingData contains the embedding values
type EmbeddingData struct {
	Values []float64 `json:"values"`
}

// BatchEmbeddingItem is the structure returned by the batch API (no nested
// "embedding" key)
type BatchEmbeddingItem struct {
	Values []float64 `json:"values"`
}

type BatchEmbeddingRequest struct {
	Requests []EmbeddingRequest `json:"requests"`
}

type BatchEmbeddingResponse struct {
	Embeddings []BatchEmbeddingItem `json:"embeddings"`
}

// Config holds the models and quota settings for the client.
type Config struct {
	APIKey            string
	EmbeddingModel    string
	JudgeModel        string
	RequestsPerMinute int
}

// Client talks to the Gemini APIs. Embeddings go through the REST endpoints
// with retry and exponential backoff; generation goes through the SDK behind
// a circuit breaker. A shared rate limiter keeps both within quota.
type Client struct {
	apiKey     string
	embedModel string
	judgeModel string
	embedURL   string
	batchURL   string
	httpClient *http.Client
	genai      *genai.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
}

// NewClient creates a Client for the configured models.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	sdkClient, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	// RPM limit with some buffer
	burst := cfg.RequestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)*0.9/60.0), burst)

	return &Client{
		apiKey:     cfg.APIKey,
		embedModel: cfg.EmbeddingModel,
		judgeModel: cfg.JudgeModel,
		embedURL:   fmt.Sprintf(embedContentURL, cfg.EmbeddingModel),
		batchURL:   fmt.Sprintf(batchEmbedContentURL, cfg.EmbeddingModel),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		genai:      sdkClient,
		breaker:    breaker,
		limiter:    limiter,
	}, nil
}

// Close releases the underlying SDK client.
func (c *Client) Close() error {
	if c.genai != nil {
		return c.genai.Close()
	}
	return nil
}

// EmbedText generates a normalized embedding vector for a single text.
// taskType should be TaskRetrievalQuery for prompts being verified and
// TaskRetrievalDocument for policy chunks being indexed.
func (c *Client) EmbedText(ctx context.Context, text, taskType string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	reqBody := EmbeddingRequest{
		Model: "models/" + c.embedModel,
		Content: ContentInput{
			Parts: []PartInput{{Text: text}},
		},
		TaskType:             taskType,
		OutputDimensionality: embeddingDimensions,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.postWithRetry(ctx, c.embedURL, jsonData)
	if err != nil {
		return nil, err
	}

	var apiResp EmbeddingResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	embedding := apiResp.Embedding.Values
	if len(embedding) == 0 {
		return nil, ErrEmbeddingFailed
	}
	normalizeEmbedding(embedding)
	return embedding, nil
}

// EmbedBatch generates normalized embeddings for several texts in one call,
// preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, taskType string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := BatchEmbeddingRequest{Requests: make([]EmbeddingRequest, len(texts))}
	for i, text := range texts {
		reqBody.Requests[i] = EmbeddingRequest{
			Model: "models/" + c.embedModel,
			Content: ContentInput{
				Parts: []PartInput{{Text: text}},
			},
			TaskType:             taskType,
			OutputDimensionality: embeddingDimensions,
		}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := c.postWithRetry(ctx, c.batchURL, jsonData)
	if err != nil {
		return nil, err
	}

	var apiResp BatchEmbeddingResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(apiResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("batch embedding count mismatch: got %d, want %d", len(apiResp.Embeddings), len(texts))
	}

	embeddings := make([][]float64, len(texts))
	for i, item := range apiResp.Embeddings {
		if len(item.Values) == 0 {
			return nil, ErrEmbeddingFailed
		}
		normalizeEmbedding(item.Values)
		embeddings[i] = item.Values
	}
	return embeddings, nil
}

// postWithRetry sends a JSON request with retry and exponential backoff.
// Client errors (400, 401) are not retried.
func (c *Client) postWithRetry(ctx context.Context, url string, jsonData []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	backoff := initialBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt == maxRetries-1 {
				return nil, fmt.Errorf("failed to send request after %d attempts: %w", maxRetries, err)
			}
			continue
		}

		if resp.StatusCode == http.StatusOK {
			var buf bytes.Buffer
			_, err := buf.ReadFrom(resp.Body)
			resp.Body.Close()
			if err != nil {
				if attempt == maxRetries-1 {
					return nil, fmt.Errorf("failed to read response: %w", err)
				}
				continue
			}
			return buf.Bytes(), nil
		}

		resp.Body.Close()

		// Don't retry on 400 or 401 errors
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("API error: %d", resp.StatusCode)
		}

		if attempt == maxRetries-1 {
			return nil, fmt.Errorf("API error after %d attempts: %d", maxRetries, resp.StatusCode)
		}
	}

	return nil, ErrEmbeddingFailed
}

// Judge sends the assembled verification prompt to the judgment model with
// deterministic decoding and returns the raw response text. There is no
// retry here: the caller owns the failure semantics, and the circuit breaker
// sheds load when the upstream is unhealthy.
func (c *Client) Judge(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		model := c.genai.GenerativeModel(c.judgeModel)
		model.SetTemperature(0)

		resp, err := model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
		return extractResponseText(resp)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return "", fmt.Errorf("%w: circuit breaker open", ErrGenerationFailed)
		}
		return "", err
	}
	return result.(string), nil
}

// extractResponseText pulls the text parts out of a generation response,
// surfacing prompt-feedback blocks as errors.
func extractResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", fmt.Errorf("prompt blocked: %v", resp.PromptFeedback.BlockReason)
		}
		return "", ErrNoResponse
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return "", ErrNoResponse
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", ErrNoResponse
	}
	return sb.String(), nil
}

// normalizeEmbedding scales the vector to unit length in place. Required for
// output dimensions below the model's native size.
func normalizeEmbedding(embedding []float64) {
	norm := 0.0
	for _, v := range embedding {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range embedding {
			embedding[i] /= norm
		}
	}
}
