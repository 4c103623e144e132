package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoInvoker() Invoker {
	return InvokerFunc(func(_ context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"echo": params["input"]}, nil
	})
}

func TestRegistry_RegisterResolve(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register("text.echo", Schema{Category: "text"}, echoInvoker()))

	entry, err := r.Resolve("text.echo")
	require.NoError(t, err)
	assert.Equal(t, "text.echo", entry.ID)

	out, err := entry.Invoker.Invoke(context.Background(), map[string]any{"input": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])
}

func TestRegistry_Resolve_NotRegistered(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Resolve("ghost.cap")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistry_Register_Validation(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register("Bad-ID", Schema{}, echoInvoker())
	require.ErrorIs(t, err, ErrInvalidID)

	require.NoError(t, r.Register("text.echo", Schema{}, echoInvoker()))
	err = r.Register("text.echo", Schema{}, echoInvoker())
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegistry_DeclareBind(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Declare("text.summarize", Schema{Category: "text"}))

	// Declared but unbound resolves with a hard error, for fail-fast loads.
	_, err := r.Resolve("text.summarize")
	require.ErrorIs(t, err, ErrUnbound)

	require.NoError(t, r.Bind("text.summarize", echoInvoker()))
	_, err = r.Resolve("text.summarize")
	require.NoError(t, err)
}

func TestRegistry_Bind_UnknownID(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Bind("ghost.cap", echoInvoker())
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("text.echo", Schema{Category: "text"}, echoInvoker()))
	require.NoError(t, r.Register("file.read", Schema{Category: "file"}, echoInvoker()))
	require.NoError(t, r.Register("text.summarize", Schema{Category: "text"}, echoInvoker()))

	all := r.List("")
	require.Len(t, all, 3)
	assert.Equal(t, "file.read", all[0].ID) // sorted

	text := r.List("text")
	require.Len(t, text, 2)
	for _, e := range text {
		assert.Equal(t, "text", e.Schema.Category)
	}
}

func TestRegistry_LoadManifest(t *testing.T) {
	data := []byte(`
capabilities:
  text.summarize:
    category: text
    description: Summarize a document.
    parameters:
      - name: document
        type: string
        required: true
      - name: author
        type: string
        identifying: true
    results:
      - name: summary
        type: string
  file.read:
    category: file
`)
	r := NewRegistry(nil)
	require.NoError(t, r.LoadManifest(data))

	schema, ok := r.Schema("text.summarize")
	require.True(t, ok)
	assert.Equal(t, "text", schema.Category)
	require.Len(t, schema.Parameters, 2)
	assert.True(t, schema.IdentifyingParams()["author"])
	assert.False(t, schema.IdentifyingParams()["document"])

	// Still unbound until host wiring binds invokers.
	_, err := r.Resolve("file.read")
	require.ErrorIs(t, err, ErrUnbound)
}

func TestProviderError_Unwrap(t *testing.T) {
	base := errors.New("connection refused")
	err := NewProviderError("net.fetch", true, base)

	assert.True(t, errors.Is(err, base))
	var pe *ProviderError
	require.ErrorAs(t, error(err), &pe)
	assert.True(t, pe.Retryable)
	assert.Contains(t, err.Error(), "net.fetch")
}
