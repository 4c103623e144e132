package runtime

import (
	"context"
	"strings"
)

// Cursor records the position within an instruction graph sufficient to
// resume from the last completed node.
type Cursor struct {
	// Completed marks node paths whose execution finished.
	Completed map[string]bool `json:"completed,omitempty"`

	// LoopIters counts completed iterations per loop path.
	LoopIters map[string]int `json:"loop_iterations,omitempty"`

	// OutputKeys records which context keys hold completed node outputs.
	// Context amendments must never rewrite these.
	OutputKeys map[string]bool `json:"output_keys,omitempty"`

	// Checkpoint is the last checkpoint-validated position, used by
	// retry-segment recovery and explicit task retry.
	Checkpoint *CheckpointMark `json:"checkpoint,omitempty"`
}

// CheckpointMark snapshots execution at a passed checkpoint.
type CheckpointMark struct {
	Path      string          `json:"path"`
	Context   map[string]any  `json:"context"`
	Completed map[string]bool `json:"completed"`
	LoopIters map[string]int  `json:"loop_iterations,omitempty"`
}

// NewCursor returns an empty cursor.
func NewCursor() Cursor {
	return Cursor{
		Completed:  make(map[string]bool),
		LoopIters:  make(map[string]int),
		OutputKeys: make(map[string]bool),
	}
}

// Clone returns an independent copy of the cursor.
func (c Cursor) Clone() Cursor {
	out := Cursor{
		Completed:  cloneBoolMap(c.Completed),
		LoopIters:  cloneIntMap(c.LoopIters),
		OutputKeys: cloneBoolMap(c.OutputKeys),
	}
	if c.Checkpoint != nil {
		out.Checkpoint = &CheckpointMark{
			Path:      c.Checkpoint.Path,
			Context:   CloneContext(c.Checkpoint.Context),
			Completed: cloneBoolMap(c.Checkpoint.Completed),
			LoopIters: cloneIntMap(c.Checkpoint.LoopIters),
		}
	}
	return out
}

// clearSubtree forgets completion state under a node path prefix, used when
// a loop body re-executes or a segment retries.
func (c *Cursor) clearSubtree(prefix string) {
	for path := range c.Completed {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			delete(c.Completed, path)
		}
	}
	for path := range c.LoopIters {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			delete(c.LoopIters, path)
		}
	}
}

// State is the mutable execution state of one task: cursor plus
// accumulated context.
type State struct {
	Cursor  Cursor         `json:"cursor"`
	Context map[string]any `json:"context"`
}

// NewState creates execution state seeded with the submitted input.
func NewState(input map[string]any) *State {
	return &State{
		Cursor:  NewCursor(),
		Context: CloneContext(input),
	}
}

// Snapshot is an independent copy of execution state, safe to persist
// while execution continues.
type Snapshot struct {
	Cursor  Cursor         `json:"cursor"`
	Context map[string]any `json:"context"`
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Cursor:  s.Cursor.Clone(),
		Context: CloneContext(s.Context),
	}
}

// BoundaryAction tells the interpreter what to do at a node boundary.
type BoundaryAction int

const (
	// Proceed continues execution.
	Proceed BoundaryAction = iota

	// PauseRequested stops at this boundary with state persisted; the
	// task transitions to Paused.
	PauseRequested

	// CancelRequested stops at this boundary; context beyond the last
	// checkpoint is discarded by the task manager.
	CancelRequested
)

// Sink receives persistence snapshots and boundary decisions. The task
// lifecycle manager implements it; tests use NopSink.
type Sink interface {
	// Persist stores a resumable snapshot. Called after every completed
	// node so execution resumes from the last completed node, never from
	// the start.
	Persist(ctx context.Context, snap Snapshot) error

	// Boundary is consulted at node boundaries: sequence step edges,
	// parallel group edges, and loop iteration edges.
	Boundary(ctx context.Context) BoundaryAction
}

// NopSink discards snapshots and never interrupts.
type NopSink struct{}

// Persist discards the snapshot.
func (NopSink) Persist(context.Context, Snapshot) error { return nil }

// Boundary always proceeds.
func (NopSink) Boundary(context.Context) BoundaryAction { return Proceed }

// CloneContext returns a shallow copy of a context map. Context values are
// treated as immutable once stored; nodes replace values rather than
// mutating them in place.
func CloneContext(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
