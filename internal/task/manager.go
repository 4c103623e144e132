package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/runtime"
)

const instrumentationName = "github.com/fyrsmithlabs/knowd/internal/task"

const (
	taskPrefix        = "task/"
	archiveTaskPrefix = "archive/task/"
)

// Config configures the task manager.
type Config struct {
	// Path is the badger database directory for task records.
	Path string `koanf:"path"`

	// Workers is the number of concurrent task executors.
	Workers int `koanf:"workers"`

	// QueueDepth bounds the number of queued tasks.
	QueueDepth int `koanf:"queue_depth"`

	// Retention is how long terminal tasks stay in the live keyspace
	// before the archiver moves them aside. They are never hard-deleted.
	Retention time.Duration `koanf:"retention"`

	// ArchiveInterval is how often the archiver scans.
	ArchiveInterval time.Duration `koanf:"archive_interval"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/knowd/tasks"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 256
	}
	if c.Retention == 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.ArchiveInterval == 0 {
		c.ArchiveInterval = time.Hour
	}
}

// SubmitRequest describes a new task: a methodology container to run, or a
// single capability to invoke directly.
type SubmitRequest struct {
	MethodologyID string         `json:"methodology_id,omitempty"`
	CapabilityID  string         `json:"capability_id,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
}

// Manager schedules and tracks tasks. Records persist across restarts;
// tasks found mid-flight at startup re-enter the queue.
type Manager struct {
	db     *badger.DB
	rt     *runtime.Runtime
	config Config
	logger *zap.Logger

	tracer           trace.Tracer
	meter            metric.Meter
	submittedCounter metric.Int64Counter
	finishedCounter  metric.Int64Counter

	queue  chan string
	closed atomic.Bool
	wg     sync.WaitGroup
	stop   context.CancelFunc

	// mu guards task records in memory-visible form and the watch table.
	// Badger writes happen under it so record updates are serialized.
	mu      sync.Mutex
	watches map[string][]chan Task
}

// NewManager opens the task database. Call Start to begin executing.
func NewManager(cfg Config, rt *runtime.Runtime, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening task db at %s: %w", cfg.Path, err)
	}

	m := &Manager{
		db:      db,
		rt:      rt,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
		queue:   make(chan string, cfg.QueueDepth),
		watches: make(map[string][]chan Task),
	}
	m.initMetrics()
	return m, nil
}

func (m *Manager) initMetrics() {
	var err error
	m.submittedCounter, err = m.meter.Int64Counter(
		"knowd.tasks.submitted_total",
		metric.WithDescription("Total tasks submitted"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		m.logger.Warn("failed to create submitted counter", zap.Error(err))
	}
	m.finishedCounter, err = m.meter.Int64Counter(
		"knowd.tasks.finished_total",
		metric.WithDescription("Total tasks reaching a terminal state"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		m.logger.Warn("failed to create finished counter", zap.Error(err))
	}
}

// Start launches the worker pool and the retention archiver, and requeues
// tasks that were queued or running when the previous process stopped.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.stop = context.WithCancel(ctx)

	if err := m.recover(); err != nil {
		return fmt.Errorf("recovering tasks: %w", err)
	}

	for i := 0; i < m.config.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.worker(ctx)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.archiver(ctx)
	}()

	m.logger.Info("task manager started",
		zap.Int("workers", m.config.Workers),
		zap.Int("queue_depth", m.config.QueueDepth),
	)
	return nil
}

// recover requeues tasks interrupted by a process stop. A task persisted
// as Running was mid-execution; its snapshot resumes it from the last
// completed node.
func (m *Manager) recover() error {
	tasks, err := m.List("")
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status != StatusQueued && t.Status != StatusRunning {
			continue
		}
		t.Status = StatusQueued
		if err := m.save(&t); err != nil {
			return err
		}
		select {
		case m.queue <- t.ID:
		default:
			m.logger.Warn("recovery queue overflow", zap.String("task_id", t.ID))
		}
	}
	return nil
}

// Close stops workers and closes the database. In-flight tasks pause at
// their next boundary and resume on the next start.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	if m.stop != nil {
		m.stop()
	}
	close(m.queue)
	m.wg.Wait()
	return m.db.Close()
}

// Submit validates the referenced methodology or capability, creates the
// task, and queues it. Load-time rejection means no task record is
// created at all.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	ctx, span := m.tracer.Start(ctx, "task.submit")
	defer span.End()

	if (req.MethodologyID == "") == (req.CapabilityID == "") {
		return nil, ErrInvalidSubmission
	}
	if _, err := m.loadProgram(ctx, req.MethodologyID, req.CapabilityID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Task{
		ID:            uuid.NewString(),
		MethodologyID: req.MethodologyID,
		CapabilityID:  req.CapabilityID,
		Status:        StatusQueued,
		Input:         req.Input,
		Snapshot:      runtime.NewState(req.Input).Snapshot(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	span.SetAttributes(attribute.String("task_id", t.ID))

	m.mu.Lock()
	err := m.save(t)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case m.queue <- t.ID:
	default:
		return nil, ErrQueueFull
	}

	m.submittedCounter.Add(ctx, 1)
	m.logger.Info("task submitted",
		zap.String("task_id", t.ID),
		zap.String("methodology_id", req.MethodologyID),
		zap.String("capability_id", req.CapabilityID),
	)
	out := t.clone()
	return &out, nil
}

func (m *Manager) loadProgram(ctx context.Context, methodologyID, capabilityID string) (*runtime.Program, error) {
	if methodologyID != "" {
		return m.rt.Load(ctx, methodologyID)
	}
	return m.rt.LoadDirect(capabilityID)
}

// Get returns a copy of the task record.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.get(id)
	if err != nil {
		return nil, err
	}
	out := t.clone()
	return &out, nil
}

// List returns tasks, optionally filtered by status, newest first.
func (m *Manager) List(status Status) ([]Task, error) {
	var out []Task
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(taskPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var t Task
				if err := json.Unmarshal(val, &t); err != nil {
					return err
				}
				if status == "" || t.Status == status {
					out = append(out, t)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// RequestInterrupt marks the task for pause at its next node boundary. A
// queued task pauses immediately; it never reaches a worker.
func (m *Manager) RequestInterrupt(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.get(id)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusQueued:
		t.Status = StatusPaused
	case StatusRunning:
		t.InterruptRequested = true
	case StatusPaused:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrTerminal, t.Status)
	}
	return m.saveAndNotify(t)
}

// AmendContext merges caller-supplied additions into a paused task's
// accumulated context. Keys recorded by completed nodes are immutable;
// amendments only augment forward-looking context.
func (m *Manager) AmendContext(id string, patch map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.get(id)
	if err != nil {
		return err
	}
	if t.Status != StatusPaused {
		return fmt.Errorf("%w: %s", ErrNotPaused, t.Status)
	}
	for k := range patch {
		if t.Snapshot.Cursor.OutputKeys[k] {
			return fmt.Errorf("%w: %q", ErrImmutableKey, k)
		}
	}
	if t.Snapshot.Context == nil {
		t.Snapshot.Context = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		t.Snapshot.Context[k] = v
	}
	return m.saveAndNotify(t)
}

// Resume requeues a paused task. Execution continues from the persisted
// cursor with the amended context.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	t, err := m.get(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if t.Status != StatusPaused {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPaused, t.Status)
	}
	t.Status = StatusQueued
	t.InterruptRequested = false
	t.Escalated = false
	err = m.saveAndNotify(t)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case m.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel terminates the task. Running tasks stop at the next node
// boundary; accumulated context beyond the last checkpoint is discarded.
// Cancellation is terminal and irreversible.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.get(id)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusRunning:
		t.CancelRequested = true
		return m.saveAndNotify(t)
	case StatusQueued, StatusPaused:
		m.finish(t, StatusCancelled)
		m.truncateToCheckpoint(t)
		return m.saveAndNotify(t)
	default:
		return fmt.Errorf("%w: %s", ErrTerminal, t.Status)
	}
}

// Retry requeues a failed task from its last checkpoint-validated
// position, or from the start when no checkpoint ever passed. Retry is
// always an explicit caller action.
func (m *Manager) Retry(id string) error {
	m.mu.Lock()
	t, err := m.get(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if t.Status != StatusFailed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFailed, t.Status)
	}

	if mark := t.Snapshot.Cursor.Checkpoint; mark != nil {
		t.Snapshot = runtime.Snapshot{
			Cursor: runtime.Cursor{
				Completed:  mark.Completed,
				LoopIters:  mark.LoopIters,
				OutputKeys: t.Snapshot.Cursor.OutputKeys,
				Checkpoint: mark,
			},
			Context: mark.Context,
		}
	} else {
		t.Snapshot = runtime.NewState(t.Input).Snapshot()
	}
	t.Status = StatusQueued
	t.Diagnostic = nil
	t.FinishedAt = time.Time{}
	err = m.saveAndNotify(t)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case m.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Watch subscribes to state and progress updates for one task. The
// channel closes when ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, id string) (<-chan Task, error) {
	m.mu.Lock()
	if _, err := m.get(id); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ch := make(chan Task, 16)
	m.watches[id] = append(m.watches[id], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.watches[id]
		for i, sub := range subs {
			if sub == ch {
				m.watches[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// finish moves a task to a terminal state.
func (m *Manager) finish(t *Task, status Status) {
	t.Status = status
	t.InterruptRequested = false
	t.CancelRequested = false
	t.FinishedAt = time.Now().UTC()
	m.finishedCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", string(status))))
}

// truncateToCheckpoint discards accumulated context beyond the last
// checkpoint, or back to the submitted input when none passed.
func (m *Manager) truncateToCheckpoint(t *Task) {
	if mark := t.Snapshot.Cursor.Checkpoint; mark != nil {
		t.Snapshot.Context = runtime.CloneContext(mark.Context)
		return
	}
	t.Snapshot.Context = runtime.CloneContext(t.Input)
}

func (m *Manager) get(id string) (*Task, error) {
	if !validTaskID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	var t Task
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(taskPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *Manager) save(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(taskPrefix+t.ID), raw)
	})
}

// saveAndNotify persists and fans out a copy to watchers. Callers hold mu.
func (m *Manager) saveAndNotify(t *Task) error {
	if err := m.save(t); err != nil {
		return err
	}
	snapshot := t.clone()
	for _, ch := range m.watches[t.ID] {
		select {
		case ch <- snapshot:
		default:
			// Slow watcher; it catches up on the next update.
		}
	}
	return nil
}

// archiver periodically moves terminal tasks past the retention window
// into the archive keyspace.
func (m *Manager) archiver(ctx context.Context) {
	ticker := time.NewTicker(m.config.ArchiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.archiveExpired(); err != nil {
				m.logger.Warn("task archive sweep failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) archiveExpired() error {
	tasks, err := m.List("")
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-m.config.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if !t.Status.Terminal() || t.FinishedAt.IsZero() || t.FinishedAt.After(cutoff) {
			continue
		}
		raw, err := json.Marshal(t)
		if err != nil {
			return err
		}
		err = m.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set([]byte(archiveTaskPrefix+t.ID), raw); err != nil {
				return err
			}
			return txn.Delete([]byte(taskPrefix + t.ID))
		})
		if err != nil {
			return err
		}
		m.logger.Debug("task archived",
			zap.String("task_id", t.ID),
			zap.String("status", string(t.Status)),
		)
	}
	return nil
}

// taskID keys are uuids; guard against path-style ids reaching badger.
func validTaskID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/\x00")
}
