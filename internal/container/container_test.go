package container

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taxonomyPayload(t *testing.T, name string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(TaxonomyPayload{Name: name})
	require.NoError(t, err)
	return raw
}

func TestContainer_Validate(t *testing.T) {
	payload := taxonomyPayload(t, "software")

	tests := []struct {
		name    string
		c       Container
		wantErr error
	}{
		{
			name: "valid modality root",
			c: Container{
				ID:      "m1",
				Kind:    KindTaxonomyModality,
				Payload: payload,
				Scope:   ScopeLocal,
			},
		},
		{
			name: "unknown kind",
			c: Container{
				ID:      "x",
				Kind:    Kind("banana"),
				Payload: payload,
				Scope:   ScopeLocal,
			},
			wantErr: ErrInvalidKind,
		},
		{
			name: "unknown scope",
			c: Container{
				ID:      "x",
				Kind:    KindTaxonomyModality,
				Payload: payload,
				Scope:   Scope("shared"),
			},
			wantErr: ErrInvalidScope,
		},
		{
			name: "missing payload",
			c: Container{
				ID:    "x",
				Kind:  KindTaxonomyModality,
				Scope: ScopeLocal,
			},
			wantErr: ErrMissingPayload,
		},
		{
			name: "non-root without parent",
			c: Container{
				ID:      "x",
				Kind:    KindTaxonomyCategory,
				Payload: payload,
				Scope:   ScopeLocal,
			},
			wantErr: ErrInvalidNesting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestContainer_Validate_MethodologyGraphChecked(t *testing.T) {
	// An unbounded loop must be rejected at validation time, before any
	// execution could happen.
	payload, err := json.Marshal(MethodologyPayload{
		Name: "bad",
		Root: &Node{
			Type:      NodeLoop,
			Condition: &Condition{Key: "done", Op: CondAbsent},
			Body: &Node{
				Type:         NodeInvoke,
				CapabilityID: "cap.echo",
				OutputKey:    "out",
			},
			// MaxIterations deliberately zero.
		},
	})
	require.NoError(t, err)

	c := Container{
		ID:       "bad-methodology",
		Kind:     KindMethodology,
		ParentID: "sub1",
		Payload:  payload,
		Scope:    ScopeLocal,
	}
	err = c.Validate()
	require.ErrorIs(t, err, ErrUnboundedLoop)
}

func TestAllowedChild(t *testing.T) {
	assert.True(t, AllowedChild(KindTaxonomyModality, KindTaxonomyCategory))
	assert.True(t, AllowedChild(KindTaxonomyCategory, KindTaxonomySubcategory))
	assert.True(t, AllowedChild(KindTaxonomySubcategory, KindMethodology))
	assert.True(t, AllowedChild(KindTaxonomySubcategory, KindBlueprint))
	assert.True(t, AllowedChild(KindTaxonomySubcategory, KindCapabilityDesc))

	assert.False(t, AllowedChild(KindTaxonomyModality, KindMethodology))
	assert.False(t, AllowedChild(KindMethodology, KindMethodology))
	assert.False(t, AllowedChild(KindTaxonomySubcategory, KindTaxonomyModality))
}

func TestPayloadHash_KeyOrderInsensitive(t *testing.T) {
	a := []byte(`{"name":"x","description":"y"}`)
	b := []byte(`{"description":"y","name":"x"}`)

	assert.Equal(t, PayloadHash(a), PayloadHash(b))
	assert.NotEqual(t, PayloadHash(a), PayloadHash([]byte(`{"name":"z"}`)))
}

func TestContentID_Stable(t *testing.T) {
	payload := taxonomyPayload(t, "stable")
	first := ContentID(payload)
	second := ContentID(payload)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestProvenance_RoundTrip(t *testing.T) {
	p := Provenance{
		Origin:        OriginLocal,
		ContributorID: "node-a",
		AdoptionCount: 3,
		CreatedAt:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Version:       2,
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var got Provenance
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, p, got)
}
