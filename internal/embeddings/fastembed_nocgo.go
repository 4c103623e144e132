//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

// ErrFastEmbedUnavailable is returned when the binary was built without
// CGO; the static provider remains usable.
var ErrFastEmbedUnavailable = errors.New("fastembed: not available without CGO")

// FastEmbedConfig configures the local ONNX embedding provider.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
}

// FastEmbed is a stub for CGO-free builds.
type FastEmbed struct{}

// NewFastEmbed fails on CGO-free builds.
func NewFastEmbed(_ FastEmbedConfig) (*FastEmbed, error) {
	return nil, ErrFastEmbedUnavailable
}

func (f *FastEmbed) EmbedDocuments(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrFastEmbedUnavailable
}

func (f *FastEmbed) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrFastEmbedUnavailable
}

func (f *FastEmbed) Dimension() int { return 0 }

func (f *FastEmbed) Close() error { return nil }
