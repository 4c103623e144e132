// Package contribution promotes Local containers to Global through
// two-stage verification: deterministic local re-execution, then a quorum
// of independent peer votes.
package contribution

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fyrsmithlabs/knowd/internal/container"
)

// Sentinel errors for pipeline operations.
var (
	// ErrNotFound is returned when a candidate id does not resolve.
	ErrNotFound = errors.New("candidate not found")

	// ErrNotEligible is returned when the nominated container cannot be
	// contributed: wrong kind, or already Global.
	ErrNotEligible = errors.New("container is not eligible for contribution")

	// ErrQueueFull is returned when the candidate queue cannot accept
	// another submission.
	ErrQueueFull = errors.New("candidate queue is full")

	// ErrClosed is returned after the pipeline shuts down.
	ErrClosed = errors.New("contribution pipeline is closed")
)

// Status is a candidate's verification state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Candidate is a locally produced artifact nominated for promotion into
// the Global partition.
type Candidate struct {
	ID string `json:"id"`

	// SourceContainerID is the Local container being nominated.
	SourceContainerID string `json:"source_container_id"`

	Kind     container.Kind `json:"kind"`
	ParentID string         `json:"parent_id,omitempty"`

	// AnonymizedPayload is the payload as broadcast: identifying fields
	// stripped, path-like literals generalized. Set after local
	// verification passes.
	AnonymizedPayload json.RawMessage `json:"anonymized_payload,omitempty"`

	// FixtureInputs are the replayed inputs verification runs against.
	FixtureInputs []map[string]any `json:"fixture_inputs,omitempty"`

	Status Status `json:"status"`

	// Votes maps peer id to accept/reject. A peer votes at most once;
	// later votes from the same peer overwrite, keeping tallies pure.
	Votes map[string]bool `json:"votes,omitempty"`

	// Diagnostics records why verification or consensus failed.
	Diagnostics []string `json:"diagnostics,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline,omitempty"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
}

// Tally decides a candidate's status from its votes. It is a pure
// function of (votes, quorum, now, deadline): replaying the same votes
// always yields the same status, with no reputation weighting.
func Tally(votes map[string]bool, quorum int, now, deadline time.Time) Status {
	accepts := 0
	for _, accept := range votes {
		if accept {
			accepts++
		}
	}
	if accepts >= quorum {
		return StatusAccepted
	}
	if !deadline.IsZero() && now.After(deadline) {
		return StatusRejected
	}
	return StatusPending
}
