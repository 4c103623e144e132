package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/capability"
	"github.com/fyrsmithlabs/knowd/internal/container"
	"github.com/fyrsmithlabs/knowd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/knowd/internal/runtime"

// Config tunes the interpreter.
type Config struct {
	// ChunkThreshold is the input size in bytes above which an invoke runs
	// chunked. Zero disables chunked execution.
	ChunkThreshold int `koanf:"chunk_threshold"`

	// MaxSubDepth caps submethodology nesting at load time.
	MaxSubDepth int `koanf:"max_sub_depth"`

	// DefaultRetryAttempts applies to invoke nodes without a retry policy.
	DefaultRetryAttempts int `koanf:"default_retry_attempts"`

	// DefaultRetryBackoff is the initial backoff for default retries.
	DefaultRetryBackoff time.Duration `koanf:"default_retry_backoff"`

	// SegmentRetryLimit bounds retry-segment checkpoint recoveries per
	// checkpoint node, so a flapping validator cannot loop forever.
	SegmentRetryLimit int `koanf:"segment_retry_limit"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxSubDepth == 0 {
		c.MaxSubDepth = 8
	}
	if c.DefaultRetryAttempts == 0 {
		c.DefaultRetryAttempts = 1
	}
	if c.DefaultRetryBackoff == 0 {
		c.DefaultRetryBackoff = 50 * time.Millisecond
	}
	if c.SegmentRetryLimit == 0 {
		c.SegmentRetryLimit = 3
	}
}

// Program is a fully validated methodology ready to execute. All
// capability and submethodology references resolved at load time.
type Program struct {
	// ContainerID is the methodology container, or empty for a literal
	// single-capability invocation.
	ContainerID string

	Methodology *container.MethodologyPayload

	// subs maps submethodology container ids to their loaded programs.
	subs map[string]*Program

	// direct marks a literal single-capability invocation. The provider's
	// result map merges into the context key by key instead of nesting
	// under the root node's output key.
	direct bool
}

// Runtime loads and executes methodology programs.
type Runtime struct {
	store    *store.Store
	registry *capability.Registry
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a runtime.
func New(st *store.Store, reg *capability.Registry, cfg Config, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Runtime{
		store:    st,
		registry: reg,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// Load reads a methodology container and validates it completely: graph
// structure, loop bounds, resolvable capabilities and validators, and
// resolvable acyclic submethodology references. A methodology that fails
// any check is rejected before any execution.
func (r *Runtime) Load(ctx context.Context, containerID string) (*Program, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.load")
	defer span.End()
	span.SetAttributes(attribute.String("container_id", containerID))

	visiting := make(map[string]bool)
	return r.load(ctx, containerID, visiting, 0)
}

func (r *Runtime) load(ctx context.Context, containerID string, visiting map[string]bool, depth int) (*Program, error) {
	if depth > r.config.MaxSubDepth {
		return nil, fmt.Errorf("%w: submethodology nesting exceeds %d", ErrLoadRejected, r.config.MaxSubDepth)
	}
	if visiting[containerID] {
		return nil, fmt.Errorf("%w: submethodology cycle through %s", ErrLoadRejected, containerID)
	}
	visiting[containerID] = true
	defer delete(visiting, containerID)

	c, err := r.store.Get(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadRejected, err)
	}
	if c.Kind != container.KindMethodology {
		return nil, fmt.Errorf("%w: container %s is %s, not a methodology", ErrLoadRejected, containerID, c.Kind)
	}

	m, err := container.ParseMethodology(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadRejected, err)
	}
	return r.loadParsed(ctx, containerID, m, visiting, depth)
}

// LoadMethodology validates and links a methodology payload that has no
// backing container yet, such as a peer-broadcast contribution candidate.
// Submethodology references still resolve through the local store.
func (r *Runtime) LoadMethodology(ctx context.Context, m *container.MethodologyPayload) (*Program, error) {
	visiting := make(map[string]bool)
	return r.loadParsed(ctx, "", m, visiting, 0)
}

func (r *Runtime) loadParsed(ctx context.Context, containerID string, m *container.MethodologyPayload, visiting map[string]bool, depth int) (*Program, error) {
	if err := m.ValidateGraph(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadRejected, err)
	}

	// Every referenced capability and validator must resolve now, not at
	// execution time.
	for _, id := range m.CapabilityRefs() {
		if _, err := r.registry.Resolve(id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLoadRejected, err)
		}
	}

	prog := &Program{
		ContainerID: containerID,
		Methodology: m,
		subs:        make(map[string]*Program),
	}
	for _, subID := range m.SubMethodologyRefs() {
		sub, err := r.load(ctx, subID, visiting, depth+1)
		if err != nil {
			return nil, err
		}
		prog.subs[subID] = sub
	}

	r.logger.Debug("methodology loaded",
		zap.String("container_id", containerID),
		zap.String("name", m.Name),
		zap.Int("submethodologies", len(prog.subs)),
	)
	return prog, nil
}

// LoadDirect builds a program for a literal single-capability invocation,
// the degenerate methodology a task may submit instead of a container
// reference. The provider's result keys land directly in the task context.
func (r *Runtime) LoadDirect(capabilityID string) (*Program, error) {
	if _, err := r.registry.Resolve(capabilityID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadRejected, err)
	}
	return &Program{
		Methodology: &container.MethodologyPayload{
			Name: "direct:" + capabilityID,
			Root: &container.Node{
				Type:         container.NodeInvoke,
				CapabilityID: capabilityID,
				OutputKey:    "result",
			},
		},
		subs:   make(map[string]*Program),
		direct: true,
	}, nil
}

// Execute runs the program against the given state, persisting through the
// sink after every completed node. It returns nil on terminal success;
// ErrPaused or ErrCancelled when a boundary request was honored; a
// *NodeError for node-scoped failures.
func (r *Runtime) Execute(ctx context.Context, prog *Program, state *State, sink Sink) error {
	ctx, span := r.tracer.Start(ctx, "runtime.execute")
	defer span.End()

	if sink == nil {
		sink = NopSink{}
	}
	e := &execution{
		rt:             r,
		prog:           prog,
		state:          state,
		sink:           sink,
		segmentRetries: make(map[string]int),
	}

	top := &frame{prog: prog, ctx: state.Context}
	for {
		err := e.exec(ctx, top, prog.Methodology.Root, "0", true)
		if err == nil {
			return sink.Persist(ctx, state.Snapshot())
		}
		if err == errRetrySegment {
			// State was rolled back to the last checkpoint mark; rerun
			// from the root, the cursor skips completed work.
			top.ctx = state.Context
			continue
		}
		span.SetAttributes(attribute.String("error", err.Error()))
		return err
	}
}
