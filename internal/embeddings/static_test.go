package embeddings

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDeterminism(t *testing.T) {
	emb, err := NewStatic(64)
	require.NoError(t, err)
	defer emb.Close()

	ctx := context.Background()
	a1, err := emb.EmbedQuery(ctx, "retry failed deployments")
	require.NoError(t, err)
	a2, err := emb.EmbedQuery(ctx, "retry failed deployments")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	b, err := emb.EmbedQuery(ctx, "completely unrelated text")
	require.NoError(t, err)
	assert.NotEqual(t, a1, b)
}

func TestStaticUnitNorm(t *testing.T) {
	emb, err := NewStatic(32)
	require.NoError(t, err)

	vec, err := emb.EmbedQuery(context.Background(), "alpha beta gamma")
	require.NoError(t, err)
	require.Len(t, vec, 32)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestStaticSharedTokensAreCloser(t *testing.T) {
	emb, err := NewStatic(128)
	require.NoError(t, err)
	ctx := context.Background()

	base, err := emb.EmbedQuery(ctx, "database connection pool tuning")
	require.NoError(t, err)
	near, err := emb.EmbedQuery(ctx, "database connection pool sizing")
	require.NoError(t, err)
	far, err := emb.EmbedQuery(ctx, "kite surfing weather forecast")
	require.NoError(t, err)

	assert.Greater(t, dot(base, near), dot(base, far))
}

func TestStaticBatch(t *testing.T) {
	emb, err := NewStatic(16)
	require.NoError(t, err)
	ctx := context.Background()

	vecs, err := emb.EmbedDocuments(ctx, []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	single, err := emb.EmbedQuery(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[0])
}

func TestStaticEmptyInput(t *testing.T) {
	emb, err := NewStatic(16)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = emb.EmbedQuery(ctx, "")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = emb.EmbedDocuments(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestNewSelectsProvider(t *testing.T) {
	emb, err := New(Config{Provider: "static", Dimension: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, emb.Dimension())

	_, err = New(Config{Provider: "nope"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStaticRejectsBadDimension(t *testing.T) {
	_, err := NewStatic(0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
