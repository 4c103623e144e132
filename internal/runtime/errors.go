package runtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for execution outcomes.
var (
	// ErrLoadRejected indicates the methodology failed load-time
	// validation and never began executing.
	ErrLoadRejected = errors.New("methodology rejected at load time")

	// ErrLoopBoundExceeded indicates a loop condition stayed true at its
	// declared iteration cap.
	ErrLoopBoundExceeded = errors.New("loop bound exceeded")

	// ErrCheckpointFailed indicates a checkpoint validator rejected the
	// accumulated context.
	ErrCheckpointFailed = errors.New("checkpoint validator rejected")

	// ErrEscalated indicates a checkpoint configured with escalate failed
	// and caller guidance is required.
	ErrEscalated = errors.New("checkpoint escalated to caller")

	// ErrPaused indicates execution stopped at a node boundary because an
	// interrupt was requested. State has been persisted for resume.
	ErrPaused = errors.New("execution paused at node boundary")

	// ErrCancelled indicates execution stopped at a node boundary because
	// the task was cancelled.
	ErrCancelled = errors.New("execution cancelled at node boundary")

	// ErrAtomicUnitTooLarge indicates a declared atomic unit exceeds the
	// chunk threshold and cannot be split.
	ErrAtomicUnitTooLarge = errors.New("atomic unit exceeds chunk threshold")

	// errRetrySegment restarts execution from the last passed checkpoint.
	// Internal to the interpreter loop.
	errRetrySegment = errors.New("retry segment from last checkpoint")
)

// NodeError scopes a failure to the specific graph node it occurred at.
// The enclosing task fails; sibling tasks are unaffected.
type NodeError struct {
	// Path is the stable node address within the graph.
	Path string

	// CapabilityID is set for invoke and checkpoint failures.
	CapabilityID string

	// Attempts is how many attempts were made, including the first.
	Attempts int

	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.CapabilityID != "" {
		return fmt.Sprintf("node %s (%s): %v", e.Path, e.CapabilityID, e.Err)
	}
	return fmt.Sprintf("node %s: %v", e.Path, e.Err)
}

// Unwrap allows errors.Is and errors.As through NodeError.
func (e *NodeError) Unwrap() error {
	return e.Err
}
