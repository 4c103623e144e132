package task

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/runtime"
)

// worker drains the queue until shutdown.
func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-m.queue:
			if !ok {
				return
			}
			m.runTask(ctx, id)
		}
	}
}

func (m *Manager) runTask(ctx context.Context, id string) {
	ctx, span := m.tracer.Start(ctx, "task.run")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", id))

	m.mu.Lock()
	t, err := m.get(id)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("dequeued unknown task", zap.String("task_id", id), zap.Error(err))
		return
	}
	// Interrupted or cancelled while queued.
	if t.Status != StatusQueued {
		m.mu.Unlock()
		return
	}
	t.Status = StatusRunning
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	if err := m.saveAndNotify(t); err != nil {
		m.mu.Unlock()
		m.logger.Error("failed to mark task running", zap.String("task_id", id), zap.Error(err))
		return
	}
	m.mu.Unlock()

	prog, err := m.loadProgram(ctx, t.MethodologyID, t.CapabilityID)
	if err != nil {
		m.settle(id, err, nil)
		return
	}

	state := &runtime.State{
		Cursor:  t.Snapshot.Cursor.Clone(),
		Context: runtime.CloneContext(t.Snapshot.Context),
	}
	execErr := m.rt.Execute(ctx, prog, state, &taskSink{m: m, id: id})
	m.settle(id, execErr, state)
}

// settle maps an execution outcome onto the task record.
func (m *Manager) settle(id string, execErr error, state *runtime.State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.get(id)
	if err != nil {
		m.logger.Error("settling unknown task", zap.String("task_id", id), zap.Error(err))
		return
	}
	if state != nil {
		t.Snapshot = state.Snapshot()
	}

	switch {
	case execErr == nil:
		m.finish(t, StatusCompleted)
		t.Result = t.Snapshot.Context

	case errors.Is(execErr, runtime.ErrPaused):
		t.Status = StatusPaused
		t.InterruptRequested = false

	case errors.Is(execErr, runtime.ErrCancelled):
		m.finish(t, StatusCancelled)
		m.truncateToCheckpoint(t)

	case errors.Is(execErr, runtime.ErrEscalated):
		// Escalation pauses for caller guidance rather than failing.
		t.Status = StatusPaused
		t.Escalated = true
		t.Diagnostic = diagnose(execErr)

	default:
		m.finish(t, StatusFailed)
		t.Diagnostic = diagnose(execErr)
	}

	if err := m.saveAndNotify(t); err != nil {
		m.logger.Error("failed to persist task outcome", zap.String("task_id", id), zap.Error(err))
		return
	}
	m.logger.Info("task settled",
		zap.String("task_id", id),
		zap.String("status", string(t.Status)),
	)
}

// diagnose extracts node attribution from an execution error.
func diagnose(err error) *Diagnostic {
	d := &Diagnostic{Message: err.Error()}
	var nerr *runtime.NodeError
	if errors.As(err, &nerr) {
		d.NodePath = nerr.Path
		d.CapabilityID = nerr.CapabilityID
		d.Attempts = nerr.Attempts
	}
	return d
}

// taskSink bridges the runtime's persistence and boundary hooks to the
// task record.
type taskSink struct {
	m  *Manager
	id string
}

// Persist stores the snapshot on the task record so a process stop never
// loses more than the node in flight.
func (s *taskSink) Persist(_ context.Context, snap runtime.Snapshot) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	t, err := s.m.get(s.id)
	if err != nil {
		return err
	}
	t.Snapshot = snap
	return s.m.saveAndNotify(t)
}

// Boundary reports pending interrupt or cancel requests.
func (s *taskSink) Boundary(context.Context) runtime.BoundaryAction {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	t, err := s.m.get(s.id)
	if err != nil {
		return runtime.CancelRequested
	}
	switch {
	case t.CancelRequested:
		return runtime.CancelRequested
	case t.InterruptRequested:
		return runtime.PauseRequested
	}
	return runtime.Proceed
}
