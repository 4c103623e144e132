package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/container"
)

// Index errors.
var (
	// ErrInvalidIndexConfig indicates invalid index configuration.
	ErrInvalidIndexConfig = errors.New("invalid index configuration")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// collectionNamePattern validates collection names: lowercase letters,
// numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Match is one nearest-neighbor hit.
type Match struct {
	ID    string
	Score float32
}

// Index abstracts the vector store used for approximate nearest-neighbor
// search. Embedding vectors are supplied externally; the index only
// persists and searches what it is given.
type Index interface {
	// Upsert writes or replaces the vector stored under id in collection.
	Upsert(ctx context.Context, collection, id string, vec []float32, meta map[string]string) error

	// Query returns up to k nearest neighbors of vec, highest score first.
	Query(ctx context.Context, collection string, vec []float32, k int) ([]Match, error)

	// Remove deletes the vector stored under id, if present.
	Remove(ctx context.Context, collection, id string) error

	// Close releases index resources.
	Close() error
}

// IndexBackend selects the vector index implementation.
type IndexBackend string

const (
	BackendChromem IndexBackend = "chromem"
	BackendQdrant  IndexBackend = "qdrant"
)

// IndexConfig configures index construction.
type IndexConfig struct {
	Backend IndexBackend  `koanf:"backend"`
	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ApplyDefaults sets default values for unset fields.
func (c *IndexConfig) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendChromem
	}
	c.Chromem.ApplyDefaults()
	c.Qdrant.ApplyDefaults()
}

// NewIndex builds the configured index implementation.
func NewIndex(cfg IndexConfig, logger *zap.Logger) (Index, error) {
	cfg.ApplyDefaults()
	switch cfg.Backend {
	case BackendChromem:
		return NewChromemIndex(cfg.Chromem, logger)
	case BackendQdrant:
		return NewQdrantIndex(cfg.Qdrant, logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidIndexConfig, cfg.Backend)
	}
}

// CollectionName derives the index collection for an embedding space and
// partition, e.g. "semantic_local".
func CollectionName(space string, scope container.Scope) string {
	return space + "_" + string(scope)
}

// ValidateCollectionName checks naming constraints shared by backends.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollectionName, name)
	}
	return nil
}
