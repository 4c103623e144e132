// Package capability manages the catalog of invocable capability providers.
//
// The registry maps stable capability identifiers to invokers and their
// declared parameter/result schemas. It is rebuilt at startup from a static
// yaml manifest plus any dynamically registered providers, is read-mostly
// afterward, and holds no state beyond process lifetime. Resolving an
// unknown id at methodology-load time is a hard load error, so structurally
// invalid methodologies never begin executing.
package capability

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// Registry errors.
var (
	// ErrNotRegistered is returned when a capability id does not resolve.
	ErrNotRegistered = errors.New("capability not registered")

	// ErrUnbound is returned when a capability is declared in the manifest
	// but no invoker has been bound to it.
	ErrUnbound = errors.New("capability declared but not bound to an invoker")

	// ErrInvalidID is returned for malformed capability identifiers.
	ErrInvalidID = errors.New("invalid capability id")

	// ErrAlreadyRegistered is returned when an id is registered twice with
	// an invoker.
	ErrAlreadyRegistered = errors.New("capability already registered")
)

// idPattern validates capability ids: dotted lowercase segments, e.g.
// "text.summarize".
var idPattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// Field describes one parameter or result of a capability.
type Field struct {
	Name     string `json:"name" koanf:"name"`
	Type     string `json:"type" koanf:"type"`
	Required bool   `json:"required,omitempty" koanf:"required"`

	// Identifying marks fields that carry contributor-identifying content.
	// The contribution anonymizer strips values bound to these fields
	// before a candidate leaves the local partition.
	Identifying bool `json:"identifying,omitempty" koanf:"identifying"`
}

// Schema declares a capability's parameter and result contract. The runtime
// imposes nothing beyond "structured key-value"; enforcement is the
// provider's declared responsibility.
type Schema struct {
	Category    string  `json:"category,omitempty" koanf:"category"`
	Description string  `json:"description,omitempty" koanf:"description"`
	Parameters  []Field `json:"parameters,omitempty" koanf:"parameters"`
	Results     []Field `json:"results,omitempty" koanf:"results"`
}

// IdentifyingParams returns the names of parameters tagged identifying.
func (s Schema) IdentifyingParams() map[string]bool {
	out := make(map[string]bool)
	for _, f := range s.Parameters {
		if f.Identifying {
			out[f.Name] = true
		}
	}
	return out
}

// Invoker is the contract every capability provider implements.
type Invoker interface {
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Invoke calls the function.
func (f InvokerFunc) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	return f(ctx, params)
}

// ProviderError is a capability failure with retryability attached, so the
// runtime can consult the node's retry policy.
type ProviderError struct {
	CapabilityID string
	Retryable    bool
	Err          error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.CapabilityID, e.Err)
}

// Unwrap allows errors.Is and errors.As through ProviderError.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps a provider failure.
func NewProviderError(id string, retryable bool, err error) *ProviderError {
	return &ProviderError{CapabilityID: id, Retryable: retryable, Err: err}
}

// Entry is one registered capability.
type Entry struct {
	ID      string
	Schema  Schema
	Invoker Invoker // nil while declared-but-unbound
}

// Registry is the capability catalog. Read-mostly after startup; resolution
// takes only a read lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger,
	}
}

// Register adds a capability with its schema and invoker.
func (r *Registry) Register(id string, schema Schema, invoker Invoker) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if invoker == nil {
		return errors.New("invoker is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[id]; ok && existing.Invoker != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	r.entries[id] = &Entry{ID: id, Schema: schema, Invoker: invoker}
	r.logger.Debug("capability registered", zap.String("id", id))
	return nil
}

// Declare adds a schema-only entry, typically from the manifest. The entry
// stays unbound until Bind attaches an invoker.
func (r *Registry) Declare(id string, schema Schema) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[id]; ok {
		// Manifest reload keeps an existing binding.
		existing.Schema = schema
		return nil
	}
	r.entries[id] = &Entry{ID: id, Schema: schema}
	return nil
}

// Bind attaches an invoker to a declared capability.
func (r *Registry) Bind(id string, invoker Invoker) error {
	if invoker == nil {
		return errors.New("invoker is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	entry.Invoker = invoker
	return nil
}

// Resolve returns the entry for id. Declared-but-unbound capabilities
// resolve with ErrUnbound so loaders fail fast instead of at execution.
func (r *Registry) Resolve(id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if entry.Invoker == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnbound, id)
	}
	return entry, nil
}

// Schema returns the declared schema for id, bound or not.
func (r *Registry) Schema(id string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return Schema{}, false
	}
	return entry.Schema, true
}

// List returns entries, optionally filtered by category, sorted by id.
func (r *Registry) List(categoryFilter string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, e := range r.entries {
		if categoryFilter != "" && e.Schema.Category != categoryFilter {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// manifest is the yaml shape of the static capability manifest.
type manifest struct {
	Capabilities map[string]Schema `koanf:"capabilities"`
}

// LoadManifest declares every capability in a yaml manifest. Invokers are
// bound separately by host wiring.
func (r *Registry) LoadManifest(data []byte) error {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return fmt.Errorf("parsing capability manifest: %w", err)
	}
	var m manifest
	if err := k.Unmarshal("", &m); err != nil {
		return fmt.Errorf("decoding capability manifest: %w", err)
	}

	for id, schema := range m.Capabilities {
		if err := r.Declare(id, schema); err != nil {
			return fmt.Errorf("declaring %s: %w", id, err)
		}
	}
	r.logger.Info("capability manifest loaded", zap.Int("declared", len(m.Capabilities)))
	return nil
}
