package capability

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/knowd/internal/container"
)

type fakeDescriptorStore struct {
	puts map[string]*container.Container
}

func (f *fakeDescriptorStore) Put(_ context.Context, c *container.Container) (string, error) {
	if f.puts == nil {
		f.puts = make(map[string]*container.Container)
	}
	f.puts[c.ID] = c
	return c.ID, nil
}

func TestMirrorDescriptors(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("text.echo", Schema{
		Category:    "text",
		Description: "echoes its input",
	}, echoInvoker()))
	require.NoError(t, r.Declare("text.summarize", Schema{Category: "text"}))

	st := &fakeDescriptorStore{}
	n, err := MirrorDescriptors(context.Background(), r, st, "sub-nlp", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c, ok := st.puts["capability/text.echo"]
	require.True(t, ok)
	assert.Equal(t, container.KindCapabilityDesc, c.Kind)
	assert.Equal(t, "sub-nlp", c.ParentID)
	assert.Equal(t, container.ScopeLocal, c.Scope)

	var d container.DescriptorPayload
	require.NoError(t, json.Unmarshal(c.Payload, &d))
	assert.Equal(t, "text.echo", d.CapabilityID)
	assert.Equal(t, "echoes its input", d.Description)
}

func TestMirrorDescriptors_RequiresParent(t *testing.T) {
	r := NewRegistry(nil)
	_, err := MirrorDescriptors(context.Background(), r, &fakeDescriptorStore{}, "", nil)
	require.Error(t, err)
}
