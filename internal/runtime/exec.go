package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/knowd/internal/capability"
	"github.com/fyrsmithlabs/knowd/internal/container"
)

// frame is the execution scope a node runs in: the owning program (for
// submethodology lookup) and the context map invoke outputs merge into.
// The top frame's ctx is the task's accumulated context; submethodologies
// and parallel children run in child frames merged back on completion.
type frame struct {
	prog *Program
	ctx  map[string]any
}

// execution is one Execute call's working state.
type execution struct {
	rt    *Runtime
	prog  *Program
	state *State
	sink  Sink

	// mu guards cursor mutations from parallel children.
	mu sync.Mutex

	// segmentRetries counts retry-segment recoveries per checkpoint path.
	segmentRetries map[string]int
}

func (e *execution) completed(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Cursor.Completed[path]
}

func (e *execution) markComplete(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Cursor.Completed[path] = true
}

func (e *execution) recordOutput(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Cursor.OutputKeys[key] = true
}

func (e *execution) persist(ctx context.Context, enabled bool) error {
	if !enabled {
		return nil
	}
	return e.sink.Persist(ctx, e.state.Snapshot())
}

// boundary is consulted at node edges. A pause request persists state
// before unwinding so the task resumes from the last completed node.
func (e *execution) boundary(ctx context.Context, persist bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch e.sink.Boundary(ctx) {
	case PauseRequested:
		if persist {
			if err := e.persist(ctx, true); err != nil {
				return err
			}
		}
		return ErrPaused
	case CancelRequested:
		return ErrCancelled
	}
	return nil
}

// exec interprets one node. persist is false inside parallel groups, where
// the group boundary is the atomic persistence unit.
func (e *execution) exec(ctx context.Context, f *frame, n *container.Node, path string, persist bool) error {
	if e.completed(path) {
		return nil
	}

	switch n.Type {
	case container.NodeSequence:
		return e.execSequence(ctx, f, n, path, persist)
	case container.NodeInvoke:
		return e.execInvoke(ctx, f, n, path, persist)
	case container.NodeParallel:
		return e.execParallel(ctx, f, n, path, persist)
	case container.NodeLoop:
		return e.execLoop(ctx, f, n, path, persist)
	case container.NodeCheckpoint:
		return e.execCheckpoint(ctx, f, n, path, persist)
	case container.NodeSubMethodology:
		return e.execSub(ctx, f, n, path, persist)
	default:
		return &NodeError{Path: path, Err: fmt.Errorf("unknown node type %q", n.Type)}
	}
}

// execSequence runs children in order, aborting remaining children on the
// first unrecovered failure.
func (e *execution) execSequence(ctx context.Context, f *frame, n *container.Node, path string, persist bool) error {
	for i, child := range n.Nodes {
		cpath := container.ChildPath(path, i)
		if e.completed(cpath) {
			continue
		}
		if err := e.boundary(ctx, persist); err != nil {
			return err
		}
		if err := e.exec(ctx, f, child, cpath, persist); err != nil {
			return err
		}
	}
	e.markComplete(path)
	return e.persist(ctx, persist)
}

// execInvoke calls the resolved provider with parameters drawn from the
// accumulated context, merging the result under the node's output key.
func (e *execution) execInvoke(ctx context.Context, f *frame, n *container.Node, path string, persist bool) error {
	entry, err := e.rt.registry.Resolve(n.CapabilityID)
	if err != nil {
		return &NodeError{Path: path, CapabilityID: n.CapabilityID, Err: err}
	}

	params := e.resolveParams(f, n)

	var result map[string]any
	var attempts int
	if input, ok := e.chunkInput(n, params); ok {
		result, attempts, err = e.execChunked(ctx, f, entry, n, params, input)
	} else {
		result, attempts, err = e.invokeWithRetry(ctx, entry, n, params)
	}
	if err != nil {
		return &NodeError{Path: path, CapabilityID: n.CapabilityID, Attempts: attempts, Err: err}
	}

	if e.prog.direct {
		for k, v := range result {
			f.ctx[k] = v
			e.recordOutput(k)
		}
	} else {
		f.ctx[n.OutputKey] = pickOutput(result, n.OutputKey)
		e.recordOutput(n.OutputKey)
	}
	e.markComplete(path)
	return e.persist(ctx, persist)
}

// resolveParams builds effective parameters: literal node parameters with
// "$key" strings substituted from context, and the declared input key
// filled from context when not given literally. A node declaring nothing
// receives the whole accumulated context.
func (e *execution) resolveParams(f *frame, n *container.Node) map[string]any {
	if len(n.Parameters) == 0 && n.InputKey == "" {
		return CloneContext(f.ctx)
	}
	params := make(map[string]any, len(n.Parameters)+1)
	for k, v := range n.Parameters {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "$") {
			if cv, found := f.ctx[s[1:]]; found {
				params[k] = cv
				continue
			}
		}
		params[k] = v
	}
	if n.InputKey != "" {
		if _, given := params[n.InputKey]; !given {
			if cv, found := f.ctx[n.InputKey]; found {
				params[n.InputKey] = cv
			}
		}
	}
	return params
}

// pickOutput extracts the node's declared output from a provider result,
// falling back to the whole result map.
func pickOutput(result map[string]any, key string) any {
	if v, ok := result[key]; ok {
		return v
	}
	return result
}

// invokeWithRetry applies the node's retry policy: bounded attempts with
// doubling backoff. Provider errors marked non-retryable stop immediately.
func (e *execution) invokeWithRetry(ctx context.Context, entry *capability.Entry, n *container.Node, params map[string]any) (map[string]any, int, error) {
	maxAttempts := e.rt.config.DefaultRetryAttempts
	backoff := e.rt.config.DefaultRetryBackoff
	if n.Retry != nil {
		maxAttempts = n.Retry.MaxAttempts
		if n.Retry.BackoffMillis > 0 {
			backoff = time.Duration(n.Retry.BackoffMillis) * time.Millisecond
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := entry.Invoker.Invoke(ctx, params)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		var pe *capability.ProviderError
		if errors.As(err, &pe) && !pe.Retryable {
			return nil, attempt, err
		}
		if attempt == maxAttempts {
			return nil, attempt, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, maxAttempts, lastErr
}

// execParallel runs children concurrently in child frames and merges their
// contexts back at the join, in child-index order.
func (e *execution) execParallel(ctx context.Context, f *frame, n *container.Node, path string, persist bool) error {
	if err := e.boundary(ctx, persist); err != nil {
		return err
	}

	type job struct {
		idx   int
		path  string
		node  *container.Node
		frame *frame
	}
	var jobs []*job
	for i, child := range n.Nodes {
		cpath := container.ChildPath(path, i)
		if e.completed(cpath) {
			continue
		}
		jobs = append(jobs, &job{
			idx:   i,
			path:  cpath,
			node:  child,
			frame: &frame{prog: f.prog, ctx: CloneContext(f.ctx)},
		})
	}

	switch n.Join {
	case container.JoinAllSucceed:
		g, gctx := errgroup.WithContext(ctx)
		for _, j := range jobs {
			g.Go(func() error {
				return e.exec(gctx, j.frame, j.node, j.path, false)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, j := range jobs {
			mergeContext(f.ctx, j.frame.ctx)
		}

	case container.JoinBestEffort:
		errs := make([]error, len(jobs))
		var wg sync.WaitGroup
		for i, j := range jobs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = e.exec(ctx, j.frame, j.node, j.path, false)
			}()
		}
		wg.Wait()

		var failures []string
		for i, j := range jobs {
			err := errs[i]
			if err == nil {
				mergeContext(f.ctx, j.frame.ctx)
				continue
			}
			// Pause and cancel are group-level outcomes, not child
			// failures.
			if errors.Is(err, ErrPaused) || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
				return err
			}
			failures = append(failures, fmt.Sprintf("%s: %v", j.path, err))
			e.markComplete(j.path)
		}
		if len(failures) > 0 {
			f.ctx["parallel_failures:"+path] = failures
		}
	}

	e.markComplete(path)
	return e.persist(ctx, persist)
}

// mergeContext merges child additions into the parent context. Sub-frame
// scratch keys never leak upward.
func mergeContext(parent, child map[string]any) {
	for k, v := range child {
		if strings.HasPrefix(k, "__sub:") {
			continue
		}
		parent[k] = v
	}
}

// execLoop re-executes the body while the condition holds, up to the
// declared bound. Exceeding the bound is a failure, never a silent
// truncation. Interrupts are honored at iteration edges only.
func (e *execution) execLoop(ctx context.Context, f *frame, n *container.Node, path string, persist bool) error {
	bodyPath := container.ChildPath(path, 0)

	e.mu.Lock()
	iters := e.state.Cursor.LoopIters[path]
	e.mu.Unlock()

	for {
		cond, err := n.Condition.Eval(f.ctx)
		if err != nil {
			return &NodeError{Path: path, Err: err}
		}
		if !cond {
			break
		}
		if iters >= n.MaxIterations {
			return &NodeError{Path: path, Err: ErrLoopBoundExceeded}
		}
		if err := e.boundary(ctx, persist); err != nil {
			return err
		}
		if err := e.exec(ctx, f, n.Body, bodyPath, persist); err != nil {
			return err
		}

		iters++
		e.mu.Lock()
		e.state.Cursor.LoopIters[path] = iters
		e.state.Cursor.clearSubtree(bodyPath)
		e.mu.Unlock()
		if err := e.persist(ctx, persist); err != nil {
			return err
		}
	}

	e.markComplete(path)
	return e.persist(ctx, persist)
}

// execCheckpoint runs the validator against the current context. A pass
// records a checkpoint mark; a fail runs the configured on_fail action.
func (e *execution) execCheckpoint(ctx context.Context, f *frame, n *container.Node, path string, persist bool) error {
	entry, err := e.rt.registry.Resolve(n.ValidatorID)
	if err != nil {
		return &NodeError{Path: path, CapabilityID: n.ValidatorID, Err: err}
	}

	result, invokeErr := entry.Invoker.Invoke(ctx, CloneContext(f.ctx))
	if invokeErr == nil && truthy(result["pass"]) {
		e.markComplete(path)
		e.mu.Lock()
		e.state.Cursor.Checkpoint = &CheckpointMark{
			Path:      path,
			Context:   CloneContext(e.state.Context),
			Completed: cloneBoolMap(e.state.Cursor.Completed),
			LoopIters: cloneIntMap(e.state.Cursor.LoopIters),
		}
		e.mu.Unlock()
		return e.persist(ctx, persist)
	}

	reason := "validator rejected"
	if invokeErr != nil {
		reason = invokeErr.Error()
	} else if msg, ok := result["reason"].(string); ok && msg != "" {
		reason = msg
	}

	switch n.OnFail {
	case container.OnFailRetrySegment:
		e.segmentRetries[path]++
		if e.segmentRetries[path] <= e.rt.config.SegmentRetryLimit {
			e.rollbackToCheckpoint()
			return errRetrySegment
		}
		return &NodeError{Path: path, CapabilityID: n.ValidatorID,
			Err: fmt.Errorf("%w after %d segment retries: %s", ErrCheckpointFailed, e.rt.config.SegmentRetryLimit, reason)}
	case container.OnFailEscalate:
		return &NodeError{Path: path, CapabilityID: n.ValidatorID,
			Err: fmt.Errorf("%w: %s", ErrEscalated, reason)}
	default: // abort
		return &NodeError{Path: path, CapabilityID: n.ValidatorID,
			Err: fmt.Errorf("%w: %s", ErrCheckpointFailed, reason)}
	}
}

// rollbackToCheckpoint restores state to the last checkpoint-validated
// position, or to a fresh cursor when no checkpoint ever passed.
func (e *execution) rollbackToCheckpoint() {
	e.mu.Lock()
	defer e.mu.Unlock()

	mark := e.state.Cursor.Checkpoint
	if mark == nil {
		e.state.Cursor.Completed = make(map[string]bool)
		e.state.Cursor.LoopIters = make(map[string]int)
		return
	}
	e.state.Context = CloneContext(mark.Context)
	e.state.Cursor.Completed = cloneBoolMap(mark.Completed)
	e.state.Cursor.LoopIters = cloneIntMap(mark.LoopIters)
}

// execSub runs a submethodology in a scoped child frame. The child's
// working context is kept in the parent context under a scratch key while
// running, so persisted snapshots resume mid-submethodology, and is merged
// back on completion.
func (e *execution) execSub(ctx context.Context, f *frame, n *container.Node, path string, persist bool) error {
	sub, ok := f.prog.subs[n.ContainerID]
	if !ok {
		// Load validated every reference; this is a programming error.
		return &NodeError{Path: path, Err: fmt.Errorf("submethodology %s not loaded", n.ContainerID)}
	}

	scratchKey := "__sub:" + path
	var childCtx map[string]any
	if prior, found := f.ctx[scratchKey].(map[string]any); found {
		childCtx = prior
	} else {
		childCtx = CloneContext(f.ctx)
	}
	f.ctx[scratchKey] = childCtx

	child := &frame{prog: sub, ctx: childCtx}
	if err := e.exec(ctx, child, sub.Methodology.Root, path+"!0", persist); err != nil {
		return err
	}

	delete(f.ctx, scratchKey)
	mergeContext(f.ctx, childCtx)
	e.markComplete(path)
	return e.persist(ctx, persist)
}

// truthy interprets a validator's pass verdict.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "pass"
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}
