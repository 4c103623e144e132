// Package v1 defines the wire types of the knowd HTTP API.
package v1

import (
	"encoding/json"
	"time"
)

// SubmitTaskRequest starts a task. Exactly one of MethodologyID or
// CapabilityID must be set.
type SubmitTaskRequest struct {
	MethodologyID string         `json:"methodology_id,omitempty"`
	CapabilityID  string         `json:"capability_id,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
}

// Diagnostic attributes a failure to a methodology node.
type Diagnostic struct {
	NodePath     string `json:"node_path,omitempty"`
	CapabilityID string `json:"capability_id,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Message      string `json:"message"`
}

// TaskResponse is the external view of a task record.
type TaskResponse struct {
	ID            string         `json:"id"`
	MethodologyID string         `json:"methodology_id,omitempty"`
	CapabilityID  string         `json:"capability_id,omitempty"`
	Status        string         `json:"status"`
	Escalated     bool           `json:"escalated,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Diagnostic    *Diagnostic    `json:"diagnostic,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     time.Time      `json:"started_at,omitzero"`
	FinishedAt    time.Time      `json:"finished_at,omitzero"`
}

// AmendTaskRequest merges new keys into a paused task's context.
type AmendTaskRequest struct {
	Patch map[string]any `json:"patch"`
}

// PutContainerRequest creates a container. Embedding vectors are
// computed server-side from EmbedText per requested space.
type PutContainerRequest struct {
	ID        string            `json:"id,omitempty"`
	Kind      string            `json:"kind"`
	ParentID  string            `json:"parent_id,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
	Scope     string            `json:"scope,omitempty"`
	EmbedText map[string]string `json:"embed_text,omitempty"`
	Origin    string            `json:"origin,omitempty"`
}

// ContainerResponse is the external view of a container.
type ContainerResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	ParentID  string          `json:"parent_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Scope     string          `json:"scope"`
	Origin    string          `json:"origin"`
	Adoption  int             `json:"adoption"`
	Version   int             `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
}

// SearchRequest runs a semantic search. Query text is embedded
// server-side.
type SearchRequest struct {
	Query string `json:"query"`
	Space string `json:"space,omitempty"`
	K     int    `json:"k,omitempty"`
	Scope string `json:"scope,omitempty"`

	// Rerank reorders hits by lexical overlap with the query blended
	// with vector similarity.
	Rerank bool `json:"rerank,omitempty"`
}

// SearchHit pairs a container with its similarity score.
type SearchHit struct {
	Container ContainerResponse `json:"container"`
	Score     float32           `json:"score"`
}

// TreeResponse is a bounded subtree traversal.
type TreeResponse struct {
	Containers []ContainerResponse `json:"containers"`
	Total      int                 `json:"total"`
}

// ContributeRequest proposes a local container for global promotion.
type ContributeRequest struct {
	SourceContainerID string           `json:"source_container_id"`
	Fixtures          []map[string]any `json:"fixtures,omitempty"`
}

// CandidateResponse is the external view of a contribution candidate.
type CandidateResponse struct {
	ID                string          `json:"id"`
	SourceContainerID string          `json:"source_container_id"`
	Status            string          `json:"status"`
	Votes             map[string]bool `json:"votes,omitempty"`
	Diagnostics       []string        `json:"diagnostics,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	Deadline          time.Time       `json:"deadline,omitzero"`
	DecidedAt         time.Time       `json:"decided_at,omitzero"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
