package models

import (
	"github.com/google/uuid"
)

// PolicyChunk represents a fragment of policy text from the policy index
type PolicyChunk struct {
	ID       uuid.UUID `json:"id"`
	Source   string    `json:"source"`   // Policy name or filename the chunk came from
	Sequence int       `json:"sequence"` // Position within the source document
	Content  string    `json:"content"`
	Distance float64   `json:"distance,omitempty"` // Vector similarity distance, set on search results
}
