package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/capability"
	"github.com/fyrsmithlabs/knowd/internal/container"
	"github.com/fyrsmithlabs/knowd/internal/runtime"
	"github.com/fyrsmithlabs/knowd/internal/store"
)

const waitFor = 5 * time.Second

type fixture struct {
	store    *store.Store
	registry *capability.Registry
	runtime  *runtime.Runtime
	manager  *Manager
	parent   string
}

func newFixture(t *testing.T, start bool) *fixture {
	t.Helper()

	idx, err := store.NewChromemIndex(store.ChromemConfig{Path: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	s, err := store.Open(store.Config{Path: t.TempDir()}, idx, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	put := func(id, parent string, kind container.Kind) string {
		raw, err := json.Marshal(container.TaxonomyPayload{Name: id})
		require.NoError(t, err)
		got, err := s.Put(context.Background(), &container.Container{
			ID: id, Kind: kind, ParentID: parent, Payload: raw, Scope: container.ScopeLocal,
		})
		require.NoError(t, err)
		return got
	}
	put("mod", "", container.KindTaxonomyModality)
	put("cat", "mod", container.KindTaxonomyCategory)
	parent := put("sub", "cat", container.KindTaxonomySubcategory)

	reg := capability.NewRegistry(zap.NewNop())
	rt := runtime.New(s, reg, runtime.Config{}, zap.NewNop())

	m, err := NewManager(Config{Path: t.TempDir(), Workers: 2}, rt, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	if start {
		require.NoError(t, m.Start(context.Background()))
	}

	return &fixture{store: s, registry: reg, runtime: rt, manager: m, parent: parent}
}

func (f *fixture) register(t *testing.T, id string, fn capability.InvokerFunc) {
	t.Helper()
	require.NoError(t, f.registry.Register(id, capability.Schema{Category: "test"}, fn))
}

func (f *fixture) putMethodology(t *testing.T, m container.MethodologyPayload) string {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	id, err := f.store.Put(context.Background(), &container.Container{
		Kind:     container.KindMethodology,
		ParentID: f.parent,
		Payload:  raw,
		Scope:    container.ScopeLocal,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) await(t *testing.T, id string, status Status) *Task {
	t.Helper()
	var got *Task
	require.Eventually(t, func() bool {
		task, err := f.manager.Get(id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == status
	}, waitFor, 10*time.Millisecond, "task never reached %s", status)
	return got
}

func invokeNode(id, outputKey string, params map[string]any) *container.Node {
	return &container.Node{
		Type:         container.NodeInvoke,
		CapabilityID: id,
		OutputKey:    outputKey,
		Parameters:   params,
	}
}

func TestManager_CompletesSequenceWithCheckpoint(t *testing.T) {
	f := newFixture(t, true)
	f.register(t, "step_a", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"a": "out_a"}, nil
	})
	f.register(t, "step_b", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"b": fmt.Sprintf("saw:%v", params["a"])}, nil
	})
	f.register(t, "always_pass", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"pass": true}, nil
	})

	id := f.putMethodology(t, container.MethodologyPayload{
		Name: "two_step",
		Root: &container.Node{
			Type: container.NodeSequence,
			Nodes: []*container.Node{
				invokeNode("step_a", "a", nil),
				{Type: container.NodeCheckpoint, ValidatorID: "always_pass", OnFail: container.OnFailAbort},
				invokeNode("step_b", "b", map[string]any{"a": "$a"}),
			},
		},
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{MethodologyID: id})
	require.NoError(t, err)

	done := f.await(t, task.ID, StatusCompleted)
	assert.Equal(t, "out_a", done.Result["a"])
	assert.Equal(t, "saw:out_a", done.Result["b"])
	assert.False(t, done.FinishedAt.IsZero())
}

func TestManager_FailureAttributesNode(t *testing.T) {
	f := newFixture(t, true)
	f.register(t, "step_a", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"a": "out_a"}, nil
	})
	f.register(t, "step_b", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, capability.NewProviderError("step_b", false, errors.New("provider exploded"))
	})

	id := f.putMethodology(t, container.MethodologyPayload{
		Name: "failing",
		Root: &container.Node{
			Type: container.NodeSequence,
			Nodes: []*container.Node{
				invokeNode("step_a", "a", nil),
				invokeNode("step_b", "b", nil),
			},
		},
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{MethodologyID: id})
	require.NoError(t, err)

	failed := f.await(t, task.ID, StatusFailed)
	require.NotNil(t, failed.Diagnostic)
	assert.Equal(t, "0/1", failed.Diagnostic.NodePath)
	assert.Equal(t, "step_b", failed.Diagnostic.CapabilityID)
	assert.Contains(t, failed.Diagnostic.Message, "provider exploded")

	// Completed work survives the failure.
	assert.Equal(t, "out_a", failed.Snapshot.Context["a"])
}

func TestManager_InterruptPausesAtIterationEdge(t *testing.T) {
	f := newFixture(t, true)

	started := make(chan struct{})
	proceed := make(chan struct{})
	first := true
	f.register(t, "decrement", func(_ context.Context, params map[string]any) (map[string]any, error) {
		if first {
			first = false
			close(started)
			<-proceed
		}
		n, _ := params["remaining"].(float64)
		return map[string]any{"remaining": n - 1}, nil
	})

	id := f.putMethodology(t, container.MethodologyPayload{
		Name: "countdown",
		Root: &container.Node{
			Type:          container.NodeLoop,
			Condition:     &container.Condition{Key: "remaining", Op: container.CondGt, Value: 0},
			MaxIterations: 10,
			Body:          invokeNode("decrement", "remaining", map[string]any{"remaining": "$remaining"}),
		},
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{
		MethodologyID: id,
		Input:         map[string]any{"remaining": float64(3)},
	})
	require.NoError(t, err)

	// Interrupt lands mid-iteration; the pause happens only after the
	// current iteration completes.
	<-started
	require.NoError(t, f.manager.RequestInterrupt(task.ID))
	close(proceed)

	paused := f.await(t, task.ID, StatusPaused)
	assert.Equal(t, 1, paused.Snapshot.Cursor.LoopIters["0"])
	assert.Equal(t, float64(2), paused.Snapshot.Context["remaining"])

	require.NoError(t, f.manager.Resume(task.ID))
	done := f.await(t, task.ID, StatusCompleted)
	assert.Equal(t, float64(0), done.Result["remaining"])
}

func TestManager_AmendContextIsForwardOnly(t *testing.T) {
	f := newFixture(t, true)

	started := make(chan struct{})
	proceed := make(chan struct{})
	f.register(t, "step_a", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		close(started)
		<-proceed
		return map[string]any{"a": "out_a"}, nil
	})
	f.register(t, "step_b", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"b": fmt.Sprintf("saw:%v", params["hint"])}, nil
	})

	id := f.putMethodology(t, container.MethodologyPayload{
		Name: "amendable",
		Root: &container.Node{
			Type: container.NodeSequence,
			Nodes: []*container.Node{
				invokeNode("step_a", "a", nil),
				invokeNode("step_b", "b", map[string]any{"hint": "$hint"}),
			},
		},
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{MethodologyID: id})
	require.NoError(t, err)

	<-started
	require.NoError(t, f.manager.RequestInterrupt(task.ID))
	close(proceed)
	f.await(t, task.ID, StatusPaused)

	// Completed node outputs are immutable.
	err = f.manager.AmendContext(task.ID, map[string]any{"a": "rewritten"})
	require.ErrorIs(t, err, ErrImmutableKey)

	// Forward-looking additions merge.
	require.NoError(t, f.manager.AmendContext(task.ID, map[string]any{"hint": "new requirement"}))
	require.NoError(t, f.manager.Resume(task.ID))

	done := f.await(t, task.ID, StatusCompleted)
	assert.Equal(t, "out_a", done.Result["a"])
	assert.Equal(t, "saw:new requirement", done.Result["b"])
}

func TestManager_CancelDiscardsBeyondCheckpoint(t *testing.T) {
	f := newFixture(t, true)

	started := make(chan struct{})
	proceed := make(chan struct{})
	f.register(t, "step_a", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"a": "out_a"}, nil
	})
	f.register(t, "always_pass", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"pass": true}, nil
	})
	f.register(t, "step_b", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		close(started)
		<-proceed
		return map[string]any{"b": "out_b"}, nil
	})
	f.register(t, "step_c", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"c": "out_c"}, nil
	})

	id := f.putMethodology(t, container.MethodologyPayload{
		Name: "cancellable",
		Root: &container.Node{
			Type: container.NodeSequence,
			Nodes: []*container.Node{
				invokeNode("step_a", "a", nil),
				{Type: container.NodeCheckpoint, ValidatorID: "always_pass", OnFail: container.OnFailAbort},
				invokeNode("step_b", "b", nil),
				invokeNode("step_c", "c", nil),
			},
		},
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{MethodologyID: id})
	require.NoError(t, err)

	<-started
	require.NoError(t, f.manager.Cancel(task.ID))
	close(proceed)

	done := f.await(t, task.ID, StatusCancelled)

	// Context rolls back to the last checkpoint: step_a survives, the
	// in-flight step_b's output does not.
	assert.Equal(t, "out_a", done.Snapshot.Context["a"])
	assert.NotContains(t, done.Snapshot.Context, "b")
	assert.NotContains(t, done.Snapshot.Context, "c")

	// Terminal and irreversible.
	require.ErrorIs(t, f.manager.Resume(task.ID), ErrNotPaused)
	require.ErrorIs(t, f.manager.Cancel(task.ID), ErrTerminal)
}

func TestManager_RetryResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t, true)

	aCalls := 0
	bCalls := 0
	f.register(t, "step_a", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		aCalls++
		return map[string]any{"a": "out_a"}, nil
	})
	f.register(t, "always_pass", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"pass": true}, nil
	})
	f.register(t, "step_b", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		bCalls++
		if bCalls == 1 {
			return nil, capability.NewProviderError("step_b", false, errors.New("first attempt fails"))
		}
		return map[string]any{"b": "out_b"}, nil
	})

	id := f.putMethodology(t, container.MethodologyPayload{
		Name: "retryable",
		Root: &container.Node{
			Type: container.NodeSequence,
			Nodes: []*container.Node{
				invokeNode("step_a", "a", nil),
				{Type: container.NodeCheckpoint, ValidatorID: "always_pass", OnFail: container.OnFailAbort},
				invokeNode("step_b", "b", nil),
			},
		},
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{MethodologyID: id})
	require.NoError(t, err)
	f.await(t, task.ID, StatusFailed)

	// Retry is explicit and re-enters from the checkpoint, not the start.
	require.NoError(t, f.manager.Retry(task.ID))
	done := f.await(t, task.ID, StatusCompleted)

	assert.Equal(t, 1, aCalls)
	assert.Equal(t, 2, bCalls)
	assert.Equal(t, "out_b", done.Result["b"])
	assert.Nil(t, done.Diagnostic)
}

func TestManager_DirectCapabilityInvocation(t *testing.T) {
	f := newFixture(t, true)
	f.register(t, "echo", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"result": params["msg"]}, nil
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{
		CapabilityID: "echo",
		Input:        map[string]any{"msg": "hello"},
	})
	require.NoError(t, err)

	done := f.await(t, task.ID, StatusCompleted)
	assert.Equal(t, "hello", done.Result["result"])
}

func TestManager_DirectInvocationMergesResultKeys(t *testing.T) {
	f := newFixture(t, true)
	f.register(t, "greet", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"greeting": fmt.Sprintf("hello %v", params["name"])}, nil
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{
		CapabilityID: "greet",
		Input:        map[string]any{"name": "ada"},
	})
	require.NoError(t, err)

	done := f.await(t, task.ID, StatusCompleted)
	assert.Equal(t, "hello ada", done.Result["greeting"])
	assert.NotContains(t, done.Result, "result")
}

func TestManager_SubmitValidation(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.manager.Submit(context.Background(), SubmitRequest{})
	require.ErrorIs(t, err, ErrInvalidSubmission)

	_, err = f.manager.Submit(context.Background(), SubmitRequest{
		MethodologyID: "m", CapabilityID: "c",
	})
	require.ErrorIs(t, err, ErrInvalidSubmission)

	// Load-time rejection creates no task record.
	_, err = f.manager.Submit(context.Background(), SubmitRequest{MethodologyID: "no-such"})
	require.ErrorIs(t, err, runtime.ErrLoadRejected)
	tasks, err := f.manager.List("")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestManager_InterruptWhileQueued(t *testing.T) {
	// No workers started: submissions stay queued.
	f := newFixture(t, false)
	f.register(t, "echo", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{CapabilityID: "echo"})
	require.NoError(t, err)

	require.NoError(t, f.manager.RequestInterrupt(task.ID))
	got, err := f.manager.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	require.NoError(t, f.manager.Cancel(task.ID))
	got, err = f.manager.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestManager_WatchStreamsProgress(t *testing.T) {
	f := newFixture(t, false)
	f.register(t, "echo", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{CapabilityID: "echo"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := f.manager.Watch(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, f.manager.RequestInterrupt(task.ID))

	select {
	case got := <-ch:
		assert.Equal(t, StatusPaused, got.Status)
	case <-time.After(waitFor):
		t.Fatal("no watch update received")
	}

	_, err = f.manager.Watch(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManager_RecoversAcrossRestart(t *testing.T) {
	f := newFixture(t, false)
	f.register(t, "echo", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{
		CapabilityID: "echo",
		Input:        map[string]any{"msg": "durable"},
	})
	require.NoError(t, err)
	require.NoError(t, f.manager.Close())

	// A new manager over the same database requeues the pending task.
	m2, err := NewManager(f.manager.config, f.runtime, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m2.Close() })
	require.NoError(t, m2.Start(context.Background()))
	f.manager = m2

	done := f.await(t, task.ID, StatusCompleted)
	assert.Equal(t, "durable", done.Result["msg"])
}

func TestManager_RetryRequiresFailed(t *testing.T) {
	f := newFixture(t, false)
	f.register(t, "echo", func(_ context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	})

	task, err := f.manager.Submit(context.Background(), SubmitRequest{CapabilityID: "echo"})
	require.NoError(t, err)
	require.ErrorIs(t, f.manager.Retry(task.ID), ErrNotFailed)
}
