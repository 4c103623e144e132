// Package task implements the task lifecycle: queued execution of
// methodologies with pause, amend, resume, cancel, and explicit retry.
package task

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/knowd/internal/runtime"
)

// Sentinel errors for lifecycle operations.
var (
	// ErrNotFound is returned when a task id does not resolve.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidSubmission is returned when a submission names neither or
	// both of a methodology and a direct capability.
	ErrInvalidSubmission = errors.New("submission must name exactly one of methodology_id or capability_id")

	// ErrNotPaused is returned when an operation requires a paused task.
	ErrNotPaused = errors.New("task is not paused")

	// ErrNotFailed is returned when retry is requested for a task that
	// did not fail. Retry is never implicit and never applies elsewhere.
	ErrNotFailed = errors.New("task is not failed")

	// ErrTerminal is returned when a lifecycle transition is requested on
	// a task already in a terminal state.
	ErrTerminal = errors.New("task is in a terminal state")

	// ErrImmutableKey is returned when a context amendment touches a key
	// recorded by an already-completed node.
	ErrImmutableKey = errors.New("context key holds a completed node output")

	// ErrQueueFull is returned when the scheduler queue cannot accept
	// another task.
	ErrQueueFull = errors.New("task queue is full")

	// ErrClosed is returned after the manager shuts down.
	ErrClosed = errors.New("task manager is closed")
)

// Status is a task lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Diagnostic attributes a failure to the node it occurred at.
type Diagnostic struct {
	NodePath     string `json:"node_path,omitempty"`
	CapabilityID string `json:"capability_id,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	Message      string `json:"message"`
}

// Task is one stateful, resumable execution instance.
type Task struct {
	ID string `json:"id"`

	// Exactly one of MethodologyID and CapabilityID is set.
	MethodologyID string `json:"methodology_id,omitempty"`
	CapabilityID  string `json:"capability_id,omitempty"`

	Status Status `json:"status"`

	// InterruptRequested is set by request_interrupt and honored by the
	// runtime at the next node boundary.
	InterruptRequested bool `json:"interrupt_requested,omitempty"`

	// CancelRequested is set by cancel on a running task.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Escalated marks a pause caused by a checkpoint escalation; the
	// caller must amend context or cancel.
	Escalated bool `json:"escalated,omitempty"`

	// Input is the context the task was submitted with.
	Input map[string]any `json:"input,omitempty"`

	// Snapshot is the last persisted cursor and accumulated context.
	// Execution resumes from here, never from the start.
	Snapshot runtime.Snapshot `json:"snapshot"`

	// Result is the final accumulated context of a completed task.
	Result map[string]any `json:"result,omitempty"`

	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// clone returns a copy safe to hand to watchers. Snapshot maps are
// replaced wholesale on every persist, so sharing them is safe.
func (t *Task) clone() Task {
	out := *t
	if t.Diagnostic != nil {
		d := *t.Diagnostic
		out.Diagnostic = &d
	}
	return out
}
