package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// Static is a deterministic hash-based embedder. The same text always
// maps to the same unit vector, and texts sharing tokens land near each
// other. It needs no model download, which makes it the test provider
// and the fallback for CGO-free builds.
type Static struct {
	dimension int
}

// NewStatic builds a static embedder producing vectors of the given width.
func NewStatic(dimension int) (*Static, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	return &Static{dimension: dimension}, nil
}

// EmbedDocuments embeds each text independently.
func (s *Static) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vec, err := s.EmbedQuery(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// EmbedQuery hashes each whitespace token into a bucket and normalizes
// the resulting vector to unit length.
func (s *Static) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty query", ErrEmptyInput)
	}

	vec := make([]float32, s.dimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(s.dimension))
		// Sign from a hash bit keeps distinct tokens from all pulling
		// the same direction.
		if sum&(1<<63) != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// Dimension returns the configured vector width.
func (s *Static) Dimension() int { return s.dimension }

// Close is a no-op.
func (s *Static) Close() error { return nil }
