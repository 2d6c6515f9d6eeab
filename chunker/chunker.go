// Package chunker splits policy documents into bounded, overlapping chunks
// suitable for embedding and similarity retrieval.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"promptguard-backend/models"
)

// Config controls chunk sizing.
type Config struct {
	// ChunkSize is the maximum chunk length in characters.
	ChunkSize int
	// ChunkOverlap is the number of trailing characters carried into the
	// next chunk so that clauses spanning a boundary keep their context.
	ChunkOverlap int
}

// DefaultConfig returns the standard sizing used for policy documents.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    1000,
		ChunkOverlap: 200,
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("chunk overlap must not be negative, got %d", c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d", c.ChunkOverlap, c.ChunkSize)
	}
	return nil
}

// Chunker splits document text into PolicyChunks.
type Chunker struct {
	cfg Config
}

// New creates a Chunker with the given configuration.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chunker config: %w", err)
	}
	return &Chunker{cfg: cfg}, nil
}

// NewDefault creates a Chunker with DefaultConfig.
func NewDefault() *Chunker {
	return &Chunker{cfg: DefaultConfig()}
}

// breakPreference lists split points from most to least natural. A paragraph
// break is preferred over a line break, a sentence end over a word gap; a
// hard cut is the last resort.
var breakPreference = []string{"\n\n", "\n", ". ", " "}

// Split divides text into ordered chunks of at most ChunkSize characters,
// each tagged with source and a monotonically increasing sequence. It has no
// side effects and never fails: empty or whitespace-only input yields no
// chunks.
func (c *Chunker) Split(text, source string) []models.PolicyChunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []models.PolicyChunk
	sequence := 0
	start := 0

	for start < len(text) {
		end := start + c.cfg.ChunkSize
		if end >= len(text) {
			end = len(text)
		} else {
			end = c.findBreak(text, start, end)
		}

		content := strings.TrimSpace(text[start:end])
		if content != "" {
			chunks = append(chunks, models.PolicyChunk{
				Source:   source,
				Sequence: sequence,
				Content:  content,
			})
			sequence++
		}

		if end >= len(text) {
			break
		}

		// Rewind by the overlap, but always make forward progress
		next := end - c.cfg.ChunkOverlap
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks
}

// findBreak picks the break position for the window text[start:limit],
// preferring the most natural boundary present. A window with no usable
// boundary is hard-cut at the nearest rune start before limit.
func (c *Chunker) findBreak(text string, start, limit int) int {
	window := text[start:limit]
	for _, sep := range breakPreference {
		pos := strings.LastIndex(window, sep)
		if pos <= 0 {
			continue
		}
		if sep == ". " {
			// Keep the period with the sentence it ends
			return start + pos + 1
		}
		return start + pos
	}
	for limit > start+1 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return limit
}
