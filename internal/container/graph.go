package container

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Graph validation errors.
var (
	// ErrUnboundedLoop indicates a loop node without a finite iteration cap.
	ErrUnboundedLoop = errors.New("loop must declare max_iterations >= 1")

	// ErrEmptyGraph indicates a methodology without a root node.
	ErrEmptyGraph = errors.New("methodology graph has no root node")

	// ErrMalformedNode indicates a node missing fields its type requires.
	ErrMalformedNode = errors.New("malformed graph node")
)

// NodeType discriminates the instruction graph tagged union.
type NodeType string

const (
	NodeInvoke         NodeType = "invoke"
	NodeSequence       NodeType = "sequence"
	NodeParallel       NodeType = "parallel"
	NodeLoop           NodeType = "loop"
	NodeCheckpoint     NodeType = "checkpoint"
	NodeSubMethodology NodeType = "submethodology"
)

// JoinPolicy controls how a parallel group resolves.
type JoinPolicy string

const (
	// JoinAllSucceed fails the group if any child fails.
	JoinAllSucceed JoinPolicy = "all_succeed"

	// JoinBestEffort collects partial results and failures, continuing.
	JoinBestEffort JoinPolicy = "best_effort"
)

// OnFailAction is what a checkpoint does when its validator rejects.
type OnFailAction string

const (
	OnFailAbort        OnFailAction = "abort"
	OnFailRetrySegment OnFailAction = "retry_segment"
	OnFailEscalate     OnFailAction = "escalate"
)

// RetryPolicy bounds per-node retry of provider failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `json:"max_attempts"`

	// BackoffMillis is the initial backoff; it doubles per attempt.
	BackoffMillis int `json:"backoff_ms,omitempty"`
}

// CondOp is a condition operator evaluated against accumulated context.
type CondOp string

const (
	CondExists CondOp = "exists"
	CondAbsent CondOp = "absent"
	CondEq     CondOp = "eq"
	CondNe     CondOp = "ne"
	CondLt     CondOp = "lt"
	CondGt     CondOp = "gt"
)

// Condition is a predicate over the accumulated execution context.
type Condition struct {
	Key   string `json:"key"`
	Op    CondOp `json:"op"`
	Value any    `json:"value,omitempty"`
}

// Eval evaluates the condition against a context snapshot.
func (c *Condition) Eval(context map[string]any) (bool, error) {
	v, ok := context[c.Key]
	switch c.Op {
	case CondExists:
		return ok, nil
	case CondAbsent:
		return !ok, nil
	case CondEq:
		return ok && looseEqual(v, c.Value), nil
	case CondNe:
		return !ok || !looseEqual(v, c.Value), nil
	case CondLt, CondGt:
		if !ok {
			return false, nil
		}
		a, aok := asFloat(v)
		b, bok := asFloat(c.Value)
		if !aok || !bok {
			return false, fmt.Errorf("condition %s on key %q requires numeric operands", c.Op, c.Key)
		}
		if c.Op == CondLt {
			return a < b, nil
		}
		return a > b, nil
	default:
		return false, fmt.Errorf("unknown condition op %q", c.Op)
	}
}

// looseEqual compares after numeric normalization, since JSON decoding
// turns every number into float64.
func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Node is one instruction in a methodology graph. The Type field selects
// which of the remaining fields are meaningful; Validate enforces that per
// type. A single struct keeps the union JSON-friendly.
type Node struct {
	Type NodeType `json:"type"`

	// Invoke fields.
	CapabilityID string         `json:"capability_id,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	OutputKey    string         `json:"output_key,omitempty"`
	Retry        *RetryPolicy   `json:"retry,omitempty"`

	// InputKey names the context key whose value is the node's primary
	// input, used for oversized-input chunked execution.
	InputKey string `json:"input_key,omitempty"`

	// AtomicDelimiter declares the boundary of an atomic unit within the
	// primary input. Chunk boundaries never split an atomic unit.
	AtomicDelimiter string `json:"atomic_delimiter,omitempty"`

	// Sequence / Parallel children.
	Nodes []*Node    `json:"nodes,omitempty"`
	Join  JoinPolicy `json:"join_policy,omitempty"`

	// Loop fields.
	Condition     *Condition `json:"condition,omitempty"`
	Body          *Node      `json:"body,omitempty"`
	MaxIterations int        `json:"max_iterations,omitempty"`

	// Checkpoint fields. The validator is itself a capability invoked
	// with the current context; it reports pass/fail.
	ValidatorID string       `json:"validator_id,omitempty"`
	OnFail      OnFailAction `json:"on_fail,omitempty"`

	// SubMethodology reference.
	ContainerID string `json:"container_id,omitempty"`
}

// MethodologyPayload is the payload of a methodology container.
type MethodologyPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Root        *Node  `json:"root"`
}

// ParseMethodology decodes a methodology payload.
func ParseMethodology(raw json.RawMessage) (*MethodologyPayload, error) {
	var m MethodologyPayload
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding methodology payload: %w", err)
	}
	return &m, nil
}

// ValidateGraph checks the structural invariants that hold independent of
// any registry or store: every node is well-formed for its type and every
// loop declares a finite bound. Reference resolution (capabilities,
// submethodologies) is the runtime loader's responsibility.
func (m *MethodologyPayload) ValidateGraph() error {
	if m.Root == nil {
		return ErrEmptyGraph
	}
	return validateNode(m.Root, "0")
}

func validateNode(n *Node, path string) error {
	switch n.Type {
	case NodeInvoke:
		if n.CapabilityID == "" {
			return fmt.Errorf("%w: invoke at %s missing capability_id", ErrMalformedNode, path)
		}
		if n.OutputKey == "" {
			return fmt.Errorf("%w: invoke at %s missing output_key", ErrMalformedNode, path)
		}
		if n.AtomicDelimiter != "" && n.InputKey == "" {
			return fmt.Errorf("%w: invoke at %s declares atomic units but no input_key", ErrMalformedNode, path)
		}
		if n.Retry != nil && n.Retry.MaxAttempts < 1 {
			return fmt.Errorf("%w: invoke at %s retry max_attempts must be >= 1", ErrMalformedNode, path)
		}
	case NodeSequence:
		if len(n.Nodes) == 0 {
			return fmt.Errorf("%w: sequence at %s has no children", ErrMalformedNode, path)
		}
		for i, child := range n.Nodes {
			if err := validateNode(child, ChildPath(path, i)); err != nil {
				return err
			}
		}
	case NodeParallel:
		if len(n.Nodes) == 0 {
			return fmt.Errorf("%w: parallel at %s has no children", ErrMalformedNode, path)
		}
		if n.Join != JoinAllSucceed && n.Join != JoinBestEffort {
			return fmt.Errorf("%w: parallel at %s has unknown join_policy %q", ErrMalformedNode, path, n.Join)
		}
		for i, child := range n.Nodes {
			if err := validateNode(child, ChildPath(path, i)); err != nil {
				return err
			}
		}
	case NodeLoop:
		if n.MaxIterations < 1 {
			return fmt.Errorf("%w: at %s", ErrUnboundedLoop, path)
		}
		if n.Condition == nil {
			return fmt.Errorf("%w: loop at %s missing condition", ErrMalformedNode, path)
		}
		if n.Body == nil {
			return fmt.Errorf("%w: loop at %s missing body", ErrMalformedNode, path)
		}
		return validateNode(n.Body, ChildPath(path, 0))
	case NodeCheckpoint:
		if n.ValidatorID == "" {
			return fmt.Errorf("%w: checkpoint at %s missing validator_id", ErrMalformedNode, path)
		}
		switch n.OnFail {
		case OnFailAbort, OnFailRetrySegment, OnFailEscalate:
		default:
			return fmt.Errorf("%w: checkpoint at %s has unknown on_fail %q", ErrMalformedNode, path, n.OnFail)
		}
	case NodeSubMethodology:
		if n.ContainerID == "" {
			return fmt.Errorf("%w: submethodology at %s missing container_id", ErrMalformedNode, path)
		}
	default:
		return fmt.Errorf("%w: unknown node type %q at %s", ErrMalformedNode, n.Type, path)
	}
	return nil
}

// ChildPath derives the stable address of the i-th child of the node at
// path. Paths are slash-joined child indices rooted at "0" and identify a
// node across runs for cursors and diagnostics.
func ChildPath(parent string, i int) string {
	return parent + "/" + strconv.Itoa(i)
}

// Walk visits every node in the graph depth-first, including loop bodies,
// calling fn with each node and its path. Walk stops when fn returns false.
func (m *MethodologyPayload) Walk(fn func(n *Node, path string) bool) {
	if m.Root == nil {
		return
	}
	walkNode(m.Root, "0", fn)
}

func walkNode(n *Node, path string, fn func(*Node, string) bool) bool {
	if !fn(n, path) {
		return false
	}
	for i, child := range n.Nodes {
		if !walkNode(child, ChildPath(path, i), fn) {
			return false
		}
	}
	if n.Body != nil {
		return walkNode(n.Body, ChildPath(path, 0), fn)
	}
	return true
}

// CapabilityRefs returns every capability and validator id the graph
// references, deduplicated in first-seen order.
func (m *MethodologyPayload) CapabilityRefs() []string {
	return m.collect(func(n *Node) string {
		switch n.Type {
		case NodeInvoke:
			return n.CapabilityID
		case NodeCheckpoint:
			return n.ValidatorID
		}
		return ""
	})
}

// SubMethodologyRefs returns every submethodology container id referenced,
// deduplicated in first-seen order.
func (m *MethodologyPayload) SubMethodologyRefs() []string {
	return m.collect(func(n *Node) string {
		if n.Type == NodeSubMethodology {
			return n.ContainerID
		}
		return ""
	})
}

func (m *MethodologyPayload) collect(pick func(*Node) string) []string {
	seen := make(map[string]bool)
	var out []string
	m.Walk(func(n *Node, _ string) bool {
		if id := pick(n); id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
		return true
	})
	return out
}

// PathDepth returns the nesting depth of a node path.
func PathDepth(path string) int {
	return strings.Count(path, "/")
}
