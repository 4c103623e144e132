// Package transport carries contribution traffic between peers: candidate
// verification broadcasts with vote fan-in, and announcements of accepted
// artifacts.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fyrsmithlabs/knowd/internal/container"
)

// Sentinel errors for transport operations.
var (
	// ErrNotConnected is returned when the peer connection is gone.
	ErrNotConnected = errors.New("transport is not connected")
)

// CandidateMsg is the anonymized candidate as broadcast to peers. It
// carries everything a peer needs to run its own local verification.
type CandidateMsg struct {
	CandidateID string `json:"candidate_id"`

	// PeerID identifies the broadcasting peer, not the author; authorship
	// is stripped by anonymization.
	PeerID string `json:"peer_id"`

	Kind     container.Kind  `json:"kind"`
	ParentID string          `json:"parent_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`

	// FixtureInputs are the replayed inputs verification runs against.
	FixtureInputs []map[string]any `json:"fixture_inputs,omitempty"`

	// Deadline is the end of the validity window for votes.
	Deadline time.Time `json:"deadline"`
}

// Vote is one peer's independent verification verdict.
type Vote struct {
	CandidateID string `json:"candidate_id"`
	PeerID      string `json:"peer_id"`
	Accept      bool   `json:"accept"`
	Diagnostic  string `json:"diagnostic,omitempty"`
}

// VerifyFunc answers an incoming candidate broadcast with this peer's own
// verification verdict.
type VerifyFunc func(ctx context.Context, cand CandidateMsg) Vote

// MergeFunc applies a peer-announced accepted artifact to the local store.
type MergeFunc func(ctx context.Context, c *container.Container) error

// Transport is the peer-facing surface the contribution pipeline consumes.
type Transport interface {
	// Broadcast publishes an anonymized candidate and streams peer votes
	// back until ctx is cancelled or the candidate deadline passes. The
	// returned channel closes when the stream ends.
	Broadcast(ctx context.Context, cand CandidateMsg) (<-chan Vote, error)

	// Announce publishes an accepted artifact to peers.
	Announce(ctx context.Context, c *container.Container) error

	// ServeVerification answers incoming candidate broadcasts with fn's
	// verdict until ctx is cancelled.
	ServeVerification(ctx context.Context, fn VerifyFunc) error

	// SubscribeAnnouncements applies peer-announced artifacts through fn
	// until ctx is cancelled.
	SubscribeAnnouncements(ctx context.Context, fn MergeFunc) error

	Close() error
}
