package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
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

	"github.com/fyrsmithlabs/knowd/internal/container"
)

const instrumentationName = "github.com/fyrsmithlabs/knowd/internal/store"

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when a container does not exist.
	ErrNotFound = errors.New("container not found")

	// ErrInvalidParent is returned when a parent reference does not resolve
	// or the kind nesting is not allowed.
	ErrInvalidParent = errors.New("invalid parent")

	// ErrCycleDetected is returned when a write would create a parent cycle.
	ErrCycleDetected = errors.New("cycle detected in container tree")

	// ErrMergeConflict is returned when a global merge collides with an
	// existing container carrying a different payload.
	ErrMergeConflict = errors.New("merge conflict: id collision with differing payload")

	// ErrScopeViolation is returned when a write would bypass the
	// contribution path for Global containers.
	ErrScopeViolation = errors.New("scope violation: global containers are merge-only")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

const (
	containerPrefix = "container/"
	childPrefix     = "child/"
	archivePrefix   = "archive/container/"

	lockStripes = 64

	// DefaultSpace is the embedding space searched when none is named.
	DefaultSpace = "semantic"
)

// Config configures the container store.
type Config struct {
	// Path is the badger database directory.
	Path string `koanf:"path"`

	// ExactScanThreshold is the corpus size below which search degrades
	// gracefully to an exact cosine scan instead of the ANN index.
	ExactScanThreshold int `koanf:"exact_scan_threshold"`

	Index IndexConfig `koanf:"index"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/knowd/store"
	}
	if c.ExactScanThreshold == 0 {
		c.ExactScanThreshold = 64
	}
	c.Index.ApplyDefaults()
}

// SearchRequest parameterizes a semantic search.
type SearchRequest struct {
	// Vector is the query embedding, produced externally.
	Vector []float32

	// Space names the embedding space ("structural", "semantic",
	// "relationship"). Defaults to "semantic".
	Space string

	// K is the number of results requested.
	K int

	// Scope restricts the search to one partition. Empty searches both.
	Scope container.Scope
}

// Scored pairs a container with its similarity score.
type Scored struct {
	Container *container.Container `json:"container"`
	Score     float32              `json:"score"`
}

// MergeOutcome reports the result of a global merge.
type MergeOutcome struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// Store owns all Container records.
type Store struct {
	db     *badger.DB
	index  Index
	config Config
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	putCounter    metric.Int64Counter
	searchCounter metric.Int64Counter
	mergeCounter  metric.Int64Counter

	count  atomic.Int64
	closed atomic.Bool

	// locks serialize writes per container; different containers may be
	// written concurrently.
	locks [lockStripes]sync.Mutex

	// structural serializes operations that alter the taxonomy tree shape.
	structural sync.Mutex
}

// Open opens the store at the configured path.
func Open(cfg Config, index Index, logger *zap.Logger) (*Store, error) {
	if index == nil {
		return nil, errors.New("index is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	path, err := expandHome(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", path, err)
	}

	s := &Store{
		db:     db,
		index:  index,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()

	n, err := s.countContainers()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("counting containers: %w", err)
	}
	s.count.Store(n)

	logger.Info("container store opened",
		zap.String("path", path),
		zap.Int64("containers", n),
		zap.Int("exact_scan_threshold", cfg.ExactScanThreshold),
	)
	return s, nil
}

func (s *Store) initMetrics() {
	var err error
	s.putCounter, err = s.meter.Int64Counter(
		"knowd.store.puts_total",
		metric.WithDescription("Total container writes"),
		metric.WithUnit("{put}"),
	)
	if err != nil {
		s.logger.Warn("failed to create put counter", zap.Error(err))
	}
	s.searchCounter, err = s.meter.Int64Counter(
		"knowd.store.searches_total",
		metric.WithDescription("Total semantic searches"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		s.logger.Warn("failed to create search counter", zap.Error(err))
	}
	s.mergeCounter, err = s.meter.Int64Counter(
		"knowd.store.merges_total",
		metric.WithDescription("Total global merge attempts"),
		metric.WithUnit("{merge}"),
	)
	if err != nil {
		s.logger.Warn("failed to create merge counter", zap.Error(err))
	}
}

func (s *Store) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockStripes]
}

// Put validates and writes a container, returning its id. The write is
// atomic: either the container fully commits or nothing does.
func (s *Store) Put(ctx context.Context, c *container.Container) (string, error) {
	ctx, span := s.tracer.Start(ctx, "store.put")
	defer span.End()

	if s.closed.Load() {
		return "", ErrClosed
	}

	s.applyWriteDefaults(c)
	if c.Scope == container.ScopeGlobal {
		// Global writes go through MergeGlobal; the Local->Global
		// transition only happens on contribution acceptance.
		return "", ErrScopeViolation
	}
	if err := c.Validate(); err != nil {
		return "", err
	}
	span.SetAttributes(
		attribute.String("container_id", c.ID),
		attribute.String("kind", string(c.Kind)),
	)

	if err := s.checkParent(c); err != nil {
		return "", err
	}

	mu := s.lock(c.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.Get(ctx, c.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if existing != nil {
		if existing.Scope == container.ScopeGlobal {
			return "", ErrScopeViolation
		}
		// Parent changes swap the child edge under the structural lock;
		// only Reparent does that.
		if existing.ParentID != c.ParentID {
			return "", fmt.Errorf("%w: parent of %s changes only through Reparent", ErrInvalidParent, c.ID)
		}
		c.Provenance.Version = existing.Provenance.Version + 1
	}

	if err := s.write(c, existing == nil); err != nil {
		return "", err
	}
	if err := s.indexEmbeddings(ctx, c); err != nil {
		return "", err
	}

	if s.putCounter != nil {
		s.putCounter.Add(ctx, 1)
	}
	s.logger.Debug("container written",
		zap.String("id", c.ID),
		zap.String("kind", string(c.Kind)),
		zap.String("scope", string(c.Scope)),
	)
	return c.ID, nil
}

// applyWriteDefaults fills identifier and provenance defaults.
func (s *Store) applyWriteDefaults(c *container.Container) {
	if c.ID == "" {
		switch c.Kind {
		case container.KindMethodology, container.KindBlueprint, container.KindCapabilityDesc:
			// Immutable artifacts are content-addressed.
			c.ID = container.ContentID(c.Payload)
		default:
			c.ID = uuid.New().String()
		}
	}
	if c.Provenance.Origin == "" {
		c.Provenance.Origin = container.OriginLocal
	}
	if c.Provenance.CreatedAt.IsZero() {
		c.Provenance.CreatedAt = time.Now().UTC()
	}
	if c.Provenance.Version == 0 {
		c.Provenance.Version = 1
	}
	if c.Scope == "" {
		c.Scope = container.ScopeLocal
	}
}

// checkParent validates parent existence, kind nesting, and acyclicity.
func (s *Store) checkParent(c *container.Container) error {
	if c.ParentID == "" {
		return nil
	}
	if c.ParentID == c.ID {
		return ErrCycleDetected
	}
	parent, err := s.Get(context.Background(), c.ParentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: parent %q does not exist", ErrInvalidParent, c.ParentID)
		}
		return err
	}
	if !container.AllowedChild(parent.Kind, c.Kind) {
		return fmt.Errorf("%w: kind %q cannot nest under %q", ErrInvalidParent, c.Kind, parent.Kind)
	}
	// Walk the ancestor chain; finding c.ID means the write would close a
	// cycle.
	seen := map[string]bool{c.ID: true}
	cur := parent
	for cur.ParentID != "" {
		if seen[cur.ID] {
			return ErrCycleDetected
		}
		seen[cur.ID] = true
		next, err := s.Get(context.Background(), cur.ParentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: ancestor %q does not exist", ErrInvalidParent, cur.ParentID)
			}
			return err
		}
		cur = next
	}
	if cur.ID == c.ID {
		return ErrCycleDetected
	}
	return nil
}

// write commits the container record and child index in one transaction.
func (s *Store) write(c *container.Container, isNew bool) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding container: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(containerPrefix+c.ID), raw); err != nil {
			return err
		}
		if c.ParentID != "" {
			return txn.Set([]byte(childPrefix+c.ParentID+"/"+c.ID), nil)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing container %s: %w", c.ID, err)
	}
	if isNew {
		s.count.Add(1)
	}
	return nil
}

// indexEmbeddings upserts every named vector into its (space, scope)
// collection.
func (s *Store) indexEmbeddings(ctx context.Context, c *container.Container) error {
	for space, vec := range c.Embeddings {
		col := CollectionName(space, c.Scope)
		meta := map[string]string{"kind": string(c.Kind)}
		if err := s.index.Upsert(ctx, col, c.ID, vec, meta); err != nil {
			return fmt.Errorf("indexing %s space for %s: %w", space, c.ID, err)
		}
	}
	return nil
}

// Get retrieves a container by id.
func (s *Store) Get(_ context.Context, id string) (*container.Container, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var c container.Container
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(containerPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading container %s: %w", id, err)
	}
	return &c, nil
}

// Traverse descends breadth-first from root, bounded by depth and result
// count. Children are visited in lexicographic id order, so the traversal
// is a pure function of store state and restartable from any offset.
func (s *Store) Traverse(ctx context.Context, rootID string, maxDepth, maxResults, offset int) ([]*container.Container, int, error) {
	ctx, span := s.tracer.Start(ctx, "store.traverse")
	defer span.End()
	span.SetAttributes(attribute.String("root_id", rootID))

	root, err := s.Get(ctx, rootID)
	if err != nil {
		return nil, 0, err
	}
	if maxResults <= 0 {
		maxResults = 100
	}

	type entry struct {
		id    string
		depth int
	}
	queue := []entry{{rootID, 0}}
	var out []*container.Container
	yielded := 0

	for len(queue) > 0 && len(out) < maxResults {
		head := queue[0]
		queue = queue[1:]

		var c *container.Container
		if head.id == rootID {
			c = root
		} else {
			c, err = s.Get(ctx, head.id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return nil, 0, err
			}
		}

		if yielded >= offset {
			out = append(out, c)
		}
		yielded++

		if maxDepth > 0 && head.depth >= maxDepth {
			continue
		}
		children, err := s.children(head.id)
		if err != nil {
			return nil, 0, err
		}
		for _, id := range children {
			queue = append(queue, entry{id, head.depth + 1})
		}
	}
	return out, offset + len(out), nil
}

// children lists direct child ids in lexicographic order.
func (s *Store) children(parentID string) ([]string, error) {
	prefix := []byte(childPrefix + parentID + "/")
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
	}
	return ids, nil
}

// Search performs nearest-neighbor search over the requested embedding
// space. Below the exact-scan threshold it bypasses the ANN index and
// scores every container directly.
func (s *Store) Search(ctx context.Context, req SearchRequest) ([]Scored, error) {
	ctx, span := s.tracer.Start(ctx, "store.search")
	defer span.End()

	if s.closed.Load() {
		return nil, ErrClosed
	}
	if len(req.Vector) == 0 {
		return nil, errors.New("query vector is required")
	}
	if req.K <= 0 {
		req.K = 10
	}
	if req.Space == "" {
		req.Space = DefaultSpace
	}
	span.SetAttributes(
		attribute.String("space", req.Space),
		attribute.Int("k", req.K),
	)
	if s.searchCounter != nil {
		s.searchCounter.Add(ctx, 1)
	}

	if s.count.Load() < int64(s.config.ExactScanThreshold) {
		return s.exactScan(req)
	}

	scopes := []container.Scope{container.ScopeLocal, container.ScopeGlobal}
	if req.Scope != "" {
		scopes = []container.Scope{req.Scope}
	}

	var all []Match
	for _, scope := range scopes {
		matches, err := s.index.Query(ctx, CollectionName(req.Space, scope), req.Vector, req.K)
		if err != nil {
			return nil, err
		}
		all = append(all, matches...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > req.K {
		all = all[:req.K]
	}

	out := make([]Scored, 0, len(all))
	for _, m := range all {
		c, err := s.Get(ctx, m.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Index entry outlived its record; skip rather than fail
				// the whole search.
				continue
			}
			return nil, err
		}
		out = append(out, Scored{Container: c, Score: m.Score})
	}
	return out, nil
}

// exactScan scores every container with the requested space vector.
func (s *Store) exactScan(req SearchRequest) ([]Scored, error) {
	var out []Scored
	err := s.forEachContainer(func(c *container.Container) error {
		if req.Scope != "" && c.Scope != req.Scope {
			return nil
		}
		vec, ok := c.Embeddings[req.Space]
		if !ok {
			return nil
		}
		out = append(out, Scored{Container: c, Score: cosineSimilarity(req.Vector, vec)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > req.K {
		out = out[:req.K]
	}
	return out, nil
}

// cosineSimilarity computes cosine similarity between equal-length vectors.
// Mismatched lengths score zero rather than erroring, since spaces may mix
// dimensions during migrations.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// MergeGlobal applies an externally-sourced Global container. The merge is
// idempotent: re-applying an identical container is a no-op. An id
// collision with a differing payload hash is rejected and surfaced, never
// overwritten.
func (s *Store) MergeGlobal(ctx context.Context, c *container.Container) (MergeOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "store.merge_global")
	defer span.End()

	if s.closed.Load() {
		return MergeOutcome{}, ErrClosed
	}
	if s.mergeCounter != nil {
		s.mergeCounter.Add(ctx, 1)
	}

	if c.Scope != container.ScopeGlobal {
		return MergeOutcome{Reason: "scope must be global"}, ErrScopeViolation
	}
	if c.ID == "" {
		return MergeOutcome{Reason: "id is required"}, errors.New("merge requires an id")
	}
	if c.Provenance.Origin == "" {
		c.Provenance.Origin = container.OriginImported
	}
	if c.Provenance.CreatedAt.IsZero() {
		c.Provenance.CreatedAt = time.Now().UTC()
	}
	if c.Provenance.Version == 0 {
		c.Provenance.Version = 1
	}
	if err := c.Validate(); err != nil {
		return MergeOutcome{Reason: err.Error()}, err
	}

	mu := s.lock(c.ID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.Get(ctx, c.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return MergeOutcome{}, err
	}
	if existing != nil {
		if container.PayloadHash(existing.Payload) == container.PayloadHash(c.Payload) {
			return MergeOutcome{Applied: true, Reason: "identical payload, no-op"}, nil
		}
		return MergeOutcome{Reason: "id collision with differing payload"}, ErrMergeConflict
	}

	if c.ParentID != "" {
		if _, err := s.Get(ctx, c.ParentID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return MergeOutcome{Reason: "parent does not resolve"},
					fmt.Errorf("%w: parent %q does not exist", ErrInvalidParent, c.ParentID)
			}
			return MergeOutcome{}, err
		}
	}

	if err := s.write(c, true); err != nil {
		return MergeOutcome{}, err
	}
	if err := s.indexEmbeddings(ctx, c); err != nil {
		return MergeOutcome{}, err
	}

	s.logger.Info("global container merged",
		zap.String("id", c.ID),
		zap.String("kind", string(c.Kind)),
	)
	return MergeOutcome{Applied: true}, nil
}

// Reparent moves a container under a new parent. Tree-shape changes are
// rare and serialized by the structural lock.
func (s *Store) Reparent(ctx context.Context, id, newParentID string) error {
	s.structural.Lock()
	defer s.structural.Unlock()

	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	oldParent := c.ParentID
	c.ParentID = newParentID
	if err := s.checkParent(c); err != nil {
		return err
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding container: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if oldParent != "" {
			if err := txn.Delete([]byte(childPrefix + oldParent + "/" + id)); err != nil {
				return err
			}
		}
		if err := txn.Set([]byte(childPrefix+newParentID+"/"+id), nil); err != nil {
			return err
		}
		return txn.Set([]byte(containerPrefix+id), raw)
	})
}

// BumpAdoption increments a container's adoption counter.
func (s *Store) BumpAdoption(ctx context.Context, id string) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	c.Provenance.AdoptionCount++
	return s.write(c, false)
}

// AdoptionLeaders is a read-only projection over adoption counts, used for
// contribution-score style views. It never mutates primary state.
func (s *Store) AdoptionLeaders(_ context.Context, n int) ([]*container.Container, error) {
	if n <= 0 {
		n = 10
	}
	var all []*container.Container
	err := s.forEachContainer(func(c *container.Container) error {
		if c.Provenance.AdoptionCount > 0 {
			all = append(all, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Provenance.AdoptionCount > all[j].Provenance.AdoptionCount
	})
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Archive moves a container out of the active record space. Archived
// containers are retained, not hard-deleted.
func (s *Store) Archive(ctx context.Context, id string) error {
	mu := s.lock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding container: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(archivePrefix+id), raw); err != nil {
			return err
		}
		if c.ParentID != "" {
			if err := txn.Delete([]byte(childPrefix + c.ParentID + "/" + id)); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(containerPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("archiving container %s: %w", id, err)
	}
	s.count.Add(-1)
	for space := range c.Embeddings {
		if err := s.index.Remove(ctx, CollectionName(space, c.Scope), id); err != nil {
			s.logger.Warn("failed to remove archived vector",
				zap.String("id", id),
				zap.String("space", space),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Count returns the number of active containers.
func (s *Store) Count() int64 {
	return s.count.Load()
}

func (s *Store) countContainers() (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(containerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(containerPrefix)); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) forEachContainer(fn func(*container.Container) error) error {
	prefix := []byte(containerPrefix)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var c container.Container
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			})
			if err != nil {
				return err
			}
			if err := fn(&c); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the store and its index.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	idxErr := s.index.Close()
	dbErr := s.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return idxErr
}

// expandHome expands a leading ~ to the user's home directory.
func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
