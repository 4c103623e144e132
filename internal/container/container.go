package container

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for container validation.
var (
	// ErrInvalidKind indicates an unknown container kind.
	ErrInvalidKind = errors.New("invalid container kind")

	// ErrInvalidScope indicates an unknown scope value.
	ErrInvalidScope = errors.New("invalid container scope")

	// ErrMissingPayload indicates a container without payload content.
	ErrMissingPayload = errors.New("container payload is required")

	// ErrInvalidNesting indicates a parent/child kind combination that the
	// taxonomy does not allow.
	ErrInvalidNesting = errors.New("invalid parent/child kind nesting")
)

// Kind categorizes what a container holds.
type Kind string

const (
	KindTaxonomyModality    Kind = "taxonomy_modality"
	KindTaxonomyCategory    Kind = "taxonomy_category"
	KindTaxonomySubcategory Kind = "taxonomy_subcategory"
	KindMethodology         Kind = "methodology"
	KindBlueprint           Kind = "blueprint"
	KindCapabilityDesc      Kind = "capability_descriptor"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTaxonomyModality, KindTaxonomyCategory, KindTaxonomySubcategory,
		KindMethodology, KindBlueprint, KindCapabilityDesc:
		return true
	}
	return false
}

// Scope controls whether a container may leave the owning instance.
type Scope string

const (
	// ScopeLocal containers are private and never distributed.
	ScopeLocal Scope = "local"

	// ScopeGlobal containers are eligible for peer distribution.
	// Local->Global happens only through contribution acceptance;
	// Global->Local never happens.
	ScopeGlobal Scope = "global"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeLocal || s == ScopeGlobal
}

// Origin records where a container came from.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginImported Origin = "imported"
)

// Provenance tracks a container's origin and adoption history.
type Provenance struct {
	Origin        Origin    `json:"origin"`
	ContributorID string    `json:"contributor_id,omitempty"`
	AdoptionCount int       `json:"adoption_count"`
	CreatedAt     time.Time `json:"created_at"`
	Version       int       `json:"version"`
}

// Container is the atomic unit of stored knowledge.
type Container struct {
	// ID is a stable unique identifier. Immutable artifacts should use
	// ContentID (sha256 of canonical payload).
	ID string `json:"id"`

	// Kind categorizes the payload.
	Kind Kind `json:"kind"`

	// ParentID references the parent container. Empty only for taxonomy
	// modality roots.
	ParentID string `json:"parent_id,omitempty"`

	// Payload is kind-specific structured content. For methodologies this
	// is a MethodologyPayload; for taxonomy nodes, display metadata only.
	Payload json.RawMessage `json:"payload"`

	// Embeddings holds zero or more named vectors ("structural",
	// "semantic", "relationship") for nearest-neighbor retrieval. Vectors
	// are produced externally; the store only persists and searches them.
	Embeddings map[string][]float32 `json:"embeddings,omitempty"`

	Provenance Provenance `json:"provenance"`
	Scope      Scope      `json:"scope"`
}

// Validate checks structural invariants that do not require store access.
func (c *Container) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, c.Kind)
	}
	if !c.Scope.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScope, c.Scope)
	}
	if len(c.Payload) == 0 {
		return ErrMissingPayload
	}
	if c.Kind != KindTaxonomyModality && c.ParentID == "" {
		return fmt.Errorf("%w: kind %q requires a parent", ErrInvalidNesting, c.Kind)
	}
	if c.Kind == KindMethodology {
		m, err := ParseMethodology(c.Payload)
		if err != nil {
			return fmt.Errorf("parsing methodology payload: %w", err)
		}
		if err := m.ValidateGraph(); err != nil {
			return fmt.Errorf("validating methodology graph: %w", err)
		}
	}
	return nil
}

// AllowedChild reports whether a container of kind child may nest under a
// container of kind parent.
func AllowedChild(parent, child Kind) bool {
	switch child {
	case KindTaxonomyModality:
		return false // roots only
	case KindTaxonomyCategory:
		return parent == KindTaxonomyModality
	case KindTaxonomySubcategory:
		return parent == KindTaxonomyCategory
	case KindMethodology, KindBlueprint, KindCapabilityDesc:
		return parent == KindTaxonomySubcategory
	}
	return false
}

// ContentID returns the content-addressed identifier for a payload: the hex
// sha256 of its canonical JSON encoding.
func ContentID(payload []byte) string {
	return PayloadHash(payload)
}

// PayloadHash returns the hex sha256 of the canonicalized payload. Used for
// merge conflict detection: two containers with the same ID must carry the
// same payload hash or the merge is rejected.
func PayloadHash(payload []byte) string {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		// Not JSON: hash the raw bytes.
		canonical = payload
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-encodes JSON with sorted object keys so hashing is
// insensitive to key order.
func canonicalJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	// encoding/json sorts map keys during marshal.
	return json.Marshal(v)
}

// TaxonomyPayload is the payload for taxonomy nodes: display metadata only.
type TaxonomyPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

// BlueprintPayload describes a reusable task blueprint: a methodology
// reference plus example inputs used for contribution verification replay.
type BlueprintPayload struct {
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	MethodologyID string           `json:"methodology_id"`
	ExampleInputs []map[string]any `json:"example_inputs,omitempty"`
}

// DescriptorPayload mirrors a capability registration into the store so
// capabilities are retrievable alongside methodologies.
type DescriptorPayload struct {
	CapabilityID string `json:"capability_id"`
	Category     string `json:"category,omitempty"`
	Description  string `json:"description,omitempty"`
}
