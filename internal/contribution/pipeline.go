package contribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
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

	"github.com/fyrsmithlabs/knowd/internal/capability"
	"github.com/fyrsmithlabs/knowd/internal/container"
	"github.com/fyrsmithlabs/knowd/internal/runtime"
	"github.com/fyrsmithlabs/knowd/internal/store"
	"github.com/fyrsmithlabs/knowd/internal/transport"
)

const instrumentationName = "github.com/fyrsmithlabs/knowd/internal/contribution"

const (
	candidatePrefix        = "candidate/"
	archiveCandidatePrefix = "archive/candidate/"
)

// Config configures the contribution pipeline.
type Config struct {
	// Path is the badger database directory for candidate records.
	Path string `koanf:"path"`

	// Quorum is the number of peer accepts required for promotion.
	Quorum int `koanf:"quorum"`

	// ValidityWindow is how long votes accumulate before a candidate
	// without quorum is rejected.
	ValidityWindow time.Duration `koanf:"validity_window"`

	// QueueDepth bounds the number of queued candidates.
	QueueDepth int `koanf:"queue_depth"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/knowd/contributions"
	}
	if c.Quorum == 0 {
		c.Quorum = 2
	}
	if c.ValidityWindow == 0 {
		c.ValidityWindow = 30 * time.Second
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = 64
	}
}

// Pipeline runs candidate verification off the runtime's critical path:
// submissions enqueue and a background worker does the rest.
type Pipeline struct {
	db     *badger.DB
	st     *store.Store
	rt     *runtime.Runtime
	reg    *capability.Registry
	tr     transport.Transport
	config Config
	logger *zap.Logger

	tracer          trace.Tracer
	meter           metric.Meter
	decidedCounter  metric.Int64Counter
	verifiedCounter metric.Int64Counter

	verifier verifier

	queue  chan string
	closed atomic.Bool
	wg     sync.WaitGroup
	stop   context.CancelFunc

	// mu guards candidate record updates.
	mu sync.Mutex
}

// NewPipeline opens the candidate database. Call Start to begin
// processing.
func NewPipeline(cfg Config, st *store.Store, rt *runtime.Runtime, reg *capability.Registry, tr transport.Transport, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening candidate db at %s: %w", cfg.Path, err)
	}

	p := &Pipeline{
		db:       db,
		st:       st,
		rt:       rt,
		reg:      reg,
		tr:       tr,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
		verifier: verifier{rt: rt, reg: reg},
		queue:    make(chan string, cfg.QueueDepth),
	}
	p.initMetrics()
	return p, nil
}

func (p *Pipeline) initMetrics() {
	var err error
	p.decidedCounter, err = p.meter.Int64Counter(
		"knowd.contributions.decided_total",
		metric.WithDescription("Total candidates reaching a decision"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		p.logger.Warn("failed to create decided counter", zap.Error(err))
	}
	p.verifiedCounter, err = p.meter.Int64Counter(
		"knowd.contributions.peer_verifications_total",
		metric.WithDescription("Total peer candidates verified for others"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		p.logger.Warn("failed to create verified counter", zap.Error(err))
	}
}

// Start launches the background worker and requeues pending candidates.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, p.stop = context.WithCancel(ctx)

	pending, err := p.List(StatusPending)
	if err != nil {
		return fmt.Errorf("recovering candidates: %w", err)
	}
	for _, c := range pending {
		select {
		case p.queue <- c.ID:
		default:
			p.logger.Warn("recovery queue overflow", zap.String("candidate_id", c.ID))
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case id, ok := <-p.queue:
				if !ok {
					return
				}
				p.process(ctx, id)
			}
		}
	}()

	p.logger.Info("contribution pipeline started",
		zap.Int("quorum", p.config.Quorum),
		zap.Duration("validity_window", p.config.ValidityWindow),
	)
	return nil
}

// ServePeers answers incoming candidate broadcasts with our own
// verification vote and applies peer-announced accepted artifacts.
func (p *Pipeline) ServePeers(ctx context.Context) error {
	if err := p.tr.ServeVerification(ctx, p.peerVerify); err != nil {
		return err
	}
	return p.tr.SubscribeAnnouncements(ctx, p.applyAnnouncement)
}

// Close stops the worker and closes the database.
func (p *Pipeline) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if p.stop != nil {
		p.stop()
	}
	close(p.queue)
	p.wg.Wait()
	return p.db.Close()
}

// Submit nominates a Local container for promotion. Verification happens
// in the background; poll Get for the decision.
func (p *Pipeline) Submit(ctx context.Context, sourceContainerID string, fixtures []map[string]any) (*Candidate, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	ctx, span := p.tracer.Start(ctx, "contribution.submit")
	defer span.End()

	src, err := p.st.Get(ctx, sourceContainerID)
	if err != nil {
		return nil, err
	}
	if src.Scope != container.ScopeLocal {
		return nil, fmt.Errorf("%w: already %s", ErrNotEligible, src.Scope)
	}
	switch src.Kind {
	case container.KindMethodology, container.KindBlueprint, container.KindCapabilityDesc:
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrNotEligible, src.Kind)
	}

	cand := &Candidate{
		ID:                uuid.NewString(),
		SourceContainerID: sourceContainerID,
		Kind:              src.Kind,
		ParentID:          src.ParentID,
		FixtureInputs:     fixtures,
		Status:            StatusPending,
		Votes:             make(map[string]bool),
		CreatedAt:         time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("candidate_id", cand.ID))

	p.mu.Lock()
	err = p.save(cand)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case p.queue <- cand.ID:
	default:
		return nil, ErrQueueFull
	}

	p.logger.Info("contribution candidate submitted",
		zap.String("candidate_id", cand.ID),
		zap.String("source_container_id", sourceContainerID),
	)
	out := *cand
	return &out, nil
}

// Get returns a copy of the candidate record, live or archived.
func (p *Pipeline) Get(id string) (*Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.get(id)
}

// List returns candidates, optionally filtered by status, newest first.
func (p *Pipeline) List(status Status) ([]Candidate, error) {
	var out []Candidate
	err := p.db.View(func(txn *badger.Txn) error {
		for _, prefix := range []string{candidatePrefix, archiveCandidatePrefix} {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			pfx := []byte(prefix)
			for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
				err := it.Item().Value(func(val []byte) error {
					var c Candidate
					if err := json.Unmarshal(val, &c); err != nil {
						return err
					}
					if status == "" || c.Status == status {
						out = append(out, c)
					}
					return nil
				})
				if err != nil {
					it.Close()
					return err
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// process runs both verification stages for one candidate.
func (p *Pipeline) process(ctx context.Context, id string) {
	ctx, span := p.tracer.Start(ctx, "contribution.process")
	defer span.End()
	span.SetAttributes(attribute.String("candidate_id", id))

	p.mu.Lock()
	cand, err := p.get(id)
	p.mu.Unlock()
	if err != nil {
		p.logger.Warn("dequeued unknown candidate", zap.String("candidate_id", id), zap.Error(err))
		return
	}
	if cand.Status != StatusPending {
		return
	}

	src, err := p.st.Get(ctx, cand.SourceContainerID)
	if err != nil {
		p.reject(cand, fmt.Sprintf("source container: %v", err))
		return
	}

	// Stage one: deterministic local re-execution. Failure short-circuits
	// with zero network round-trips.
	if err := p.verifier.verify(ctx, src.Kind, src.Payload, cand.FixtureInputs); err != nil {
		p.reject(cand, fmt.Sprintf("local verification: %v", err))
		return
	}

	refs, err := candidateCapabilityRefs(src.Kind, src.Payload)
	if err != nil {
		p.reject(cand, fmt.Sprintf("resolving capability refs: %v", err))
		return
	}
	anon, err := NewAnonymizer(p.reg, refs).Apply(src.Payload)
	if err != nil {
		p.reject(cand, fmt.Sprintf("anonymizing: %v", err))
		return
	}

	p.mu.Lock()
	cand.AnonymizedPayload = anon
	cand.Deadline = time.Now().UTC().Add(p.config.ValidityWindow)
	err = p.save(cand)
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("persisting candidate for broadcast", zap.String("candidate_id", id), zap.Error(err))
		return
	}

	// Stage two: peer quorum within the validity window.
	votes, err := p.tr.Broadcast(ctx, transport.CandidateMsg{
		CandidateID:   cand.ID,
		Kind:          cand.Kind,
		ParentID:      cand.ParentID,
		Payload:       cand.AnonymizedPayload,
		FixtureInputs: cand.FixtureInputs,
		Deadline:      cand.Deadline,
	})
	if err != nil {
		p.reject(cand, fmt.Sprintf("broadcast: %v", err))
		return
	}

	for v := range votes {
		p.mu.Lock()
		cand.Votes[v.PeerID] = v.Accept
		if !v.Accept && v.Diagnostic != "" {
			cand.Diagnostics = append(cand.Diagnostics, fmt.Sprintf("peer %s: %s", v.PeerID, v.Diagnostic))
		}
		status := Tally(cand.Votes, p.config.Quorum, time.Now().UTC(), cand.Deadline)
		err := p.save(cand)
		p.mu.Unlock()
		if err != nil {
			p.logger.Error("persisting vote", zap.String("candidate_id", id), zap.Error(err))
		}
		if status == StatusAccepted {
			p.accept(ctx, cand)
			return
		}
	}

	// Vote stream closed at the deadline without quorum.
	switch Tally(cand.Votes, p.config.Quorum, cand.Deadline.Add(time.Nanosecond), cand.Deadline) {
	case StatusAccepted:
		p.accept(ctx, cand)
	default:
		p.reject(cand, "validity window expired without quorum")
	}
}

// accept merges the anonymized payload into the Global partition,
// updates adoption bookkeeping, and announces the artifact to peers.
func (p *Pipeline) accept(ctx context.Context, cand *Candidate) {
	global := &container.Container{
		ID:       container.ContentID(cand.AnonymizedPayload),
		Kind:     cand.Kind,
		ParentID: cand.ParentID,
		Payload:  cand.AnonymizedPayload,
		Scope:    container.ScopeGlobal,
	}
	outcome, err := p.st.MergeGlobal(ctx, global)
	if err != nil {
		p.reject(cand, fmt.Sprintf("global merge: %v", err))
		return
	}
	if err := p.st.BumpAdoption(ctx, cand.SourceContainerID); err != nil {
		p.logger.Warn("adoption bookkeeping failed",
			zap.String("container_id", cand.SourceContainerID),
			zap.Error(err),
		)
	}
	if err := p.tr.Announce(ctx, global); err != nil {
		p.logger.Warn("announcement failed", zap.String("candidate_id", cand.ID), zap.Error(err))
	}

	p.mu.Lock()
	cand.Status = StatusAccepted
	cand.DecidedAt = time.Now().UTC()
	if err := p.save(cand); err != nil {
		p.logger.Error("persisting acceptance", zap.String("candidate_id", cand.ID), zap.Error(err))
	}
	p.mu.Unlock()

	p.decidedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(StatusAccepted))))
	p.logger.Info("candidate accepted",
		zap.String("candidate_id", cand.ID),
		zap.String("global_id", global.ID),
		zap.Bool("merge_applied", outcome.Applied),
		zap.Int("votes", len(cand.Votes)),
	)
}

// reject archives the candidate with diagnostics. Rejected candidates are
// never automatically resubmitted.
func (p *Pipeline) reject(cand *Candidate, diagnostics ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cand.Status = StatusRejected
	cand.DecidedAt = time.Now().UTC()
	cand.Diagnostics = append(cand.Diagnostics, diagnostics...)
	if err := p.archive(cand); err != nil {
		p.logger.Error("archiving rejection", zap.String("candidate_id", cand.ID), zap.Error(err))
	}

	p.decidedCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(StatusRejected))))
	p.logger.Info("candidate rejected",
		zap.String("candidate_id", cand.ID),
		zap.Strings("diagnostics", cand.Diagnostics),
	)
}

// peerVerify is our vote on another peer's candidate.
func (p *Pipeline) peerVerify(ctx context.Context, msg transport.CandidateMsg) transport.Vote {
	p.verifiedCounter.Add(ctx, 1)
	if err := p.verifier.verify(ctx, msg.Kind, msg.Payload, msg.FixtureInputs); err != nil {
		return transport.Vote{Accept: false, Diagnostic: err.Error()}
	}
	return transport.Vote{Accept: true}
}

// applyAnnouncement merges a peer-accepted artifact. MergeGlobal is
// idempotent, so replays and our own announcements are harmless.
func (p *Pipeline) applyAnnouncement(ctx context.Context, c *container.Container) error {
	if c.Scope != container.ScopeGlobal {
		return fmt.Errorf("announcement for %s is not global", c.ID)
	}
	outcome, err := p.st.MergeGlobal(ctx, c)
	if err != nil {
		return err
	}
	p.logger.Debug("peer announcement merged",
		zap.String("container_id", c.ID),
		zap.Bool("applied", outcome.Applied),
		zap.String("reason", outcome.Reason),
	)
	return nil
}

func (p *Pipeline) get(id string) (*Candidate, error) {
	var c Candidate
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(candidatePrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			item, err = txn.Get([]byte(archiveCandidatePrefix + id))
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Pipeline) save(c *Candidate) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding candidate %s: %w", c.ID, err)
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(candidatePrefix+c.ID), raw)
	})
}

// archive moves the record out of the live keyspace, preserving it with
// its diagnostics.
func (p *Pipeline) archive(c *Candidate) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding candidate %s: %w", c.ID, err)
	}
	return p.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(archiveCandidatePrefix+c.ID), raw); err != nil {
			return err
		}
		return txn.Delete([]byte(candidatePrefix + c.ID))
	})
}
