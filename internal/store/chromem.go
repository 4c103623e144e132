package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/knowd/index"
	}
}

// ChromemIndex implements Index using chromem-go, an embeddable vector
// database with no external service dependency. Vectors are persisted to
// gob files under the configured path.
type ChromemIndex struct {
	db     *chromem.DB
	logger *zap.Logger

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromemIndex creates a persistent chromem-backed index.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	path, err := expandHome(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem index initialized",
		zap.String("path", path),
		zap.Bool("compress", cfg.Compress),
	)

	return &ChromemIndex{
		db:          db,
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// externalEmbedding rejects implicit embedding generation. Every vector is
// supplied by the caller, so this function must never be reached.
func externalEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("embeddings are supplied externally")
}

func (x *ChromemIndex) collection(name string) (*chromem.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if col, ok := x.collections[name]; ok {
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection(name, nil, externalEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	x.collections[name] = col
	return col, nil
}

// Upsert writes or replaces the vector stored under id.
func (x *ChromemIndex) Upsert(ctx context.Context, collection, id string, vec []float32, meta map[string]string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidIndexConfig)
	}
	if len(vec) == 0 {
		return fmt.Errorf("%w: vector is required", ErrInvalidIndexConfig)
	}

	col, err := x.collection(collection)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        id,
		Content:   id,
		Metadata:  meta,
		Embedding: vec,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("adding document to %s: %w", collection, err)
	}

	x.logger.Debug("upserted vector",
		zap.String("collection", collection),
		zap.String("id", id),
		zap.Int("dim", len(vec)),
	)
	return nil
}

// Query returns up to k nearest neighbors by cosine similarity.
func (x *ChromemIndex) Query(ctx context.Context, collection string, vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	col, err := x.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= document count.
	count := col.Count()
	if count == 0 {
		return []Match{}, nil
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.ID, Score: r.Similarity}
	}
	return matches, nil
}

// Remove deletes the vector stored under id, if present.
func (x *ChromemIndex) Remove(ctx context.Context, collection, id string) error {
	col, err := x.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("deleting %s from %s: %w", id, collection, err)
	}
	return nil
}

// Close releases index resources. chromem persists on write, so there is
// nothing to flush.
func (x *ChromemIndex) Close() error {
	return nil
}
