// Package embeddings produces the vectors the container store indexes.
// Two providers are available: fastembed runs local ONNX models and is
// the production default; static is a deterministic hash embedder used
// for tests and CGO-free builds.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

// Provider errors.
var (
	// ErrInvalidConfig indicates an unusable provider configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")

	// ErrEmptyInput indicates an empty text or batch.
	ErrEmptyInput = errors.New("empty input")

	// ErrEmbeddingFailed wraps provider-level failures.
	ErrEmbeddingFailed = errors.New("embedding failed")
)

// Embedder turns text into fixed-dimension vectors. Implementations must
// be safe for concurrent use.
type Embedder interface {
	// EmbedDocuments embeds a batch of passages for indexing.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector width the provider produces.
	Dimension() int

	// Close releases provider resources.
	Close() error
}

// Config selects and configures an embedding provider.
type Config struct {
	// Provider is "fastembed" or "static".
	Provider string `koanf:"provider"`

	// Model names the ONNX model for the fastembed provider.
	Model string `koanf:"model"`

	// CacheDir is where fastembed stores downloaded model files.
	CacheDir string `koanf:"cache_dir"`

	// MaxLength caps the input token sequence for fastembed.
	MaxLength int `koanf:"max_length"`

	// Dimension is the vector width for the static provider.
	Dimension int `koanf:"dimension"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "fastembed"
	}
	if c.Model == "" {
		c.Model = "BAAI/bge-small-en-v1.5"
	}
	if c.MaxLength == 0 {
		c.MaxLength = 512
	}
	if c.Dimension == 0 {
		c.Dimension = 384
	}
}

// New builds the configured embedder.
func New(cfg Config) (Embedder, error) {
	cfg.ApplyDefaults()
	switch cfg.Provider {
	case "fastembed":
		return NewFastEmbed(FastEmbedConfig{
			Model:     cfg.Model,
			CacheDir:  cfg.CacheDir,
			MaxLength: cfg.MaxLength,
		})
	case "static":
		return NewStatic(cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
