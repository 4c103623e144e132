package contribution

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/fyrsmithlabs/knowd/internal/capability"
	"github.com/fyrsmithlabs/knowd/internal/container"
)

var (
	// homePattern matches user home directory prefixes.
	homePattern = regexp.MustCompile(`(?:/home/|/Users/|C:\\Users\\)[^/\\"\s]+`)

	// pathPattern matches absolute unix-style paths left after home
	// generalization. A rewritten home prefix and its tail collapse into
	// one placeholder.
	pathPattern = regexp.MustCompile(`<home>(?:/[\w.@-]+)+|(?:/[\w.@-]+){2,}`)
)

const (
	homePlaceholder = "<home>"
	pathPlaceholder = "<path>"
)

// Anonymizer strips identifying fields and generalizes user-specific
// literals before a payload leaves the Local partition. The transform is
// schema-driven, not content-sniffing, so it is deterministic and
// auditable: the identifying key set comes from capability schemas, never
// from inspecting values.
type Anonymizer struct {
	identifying map[string]bool
}

// NewAnonymizer builds the identifying key set for a payload from the
// schemas of every capability the candidate references.
func NewAnonymizer(reg *capability.Registry, capabilityIDs []string) *Anonymizer {
	identifying := make(map[string]bool)
	for _, id := range capabilityIDs {
		schema, ok := reg.Schema(id)
		if !ok {
			continue
		}
		for k := range schema.IdentifyingParams() {
			identifying[k] = true
		}
	}
	return &Anonymizer{identifying: identifying}
}

// IdentifyingKeys returns the keys the transform strips, sorted, for
// audit output.
func (a *Anonymizer) IdentifyingKeys() []string {
	keys := make([]string, 0, len(a.identifying))
	for k := range a.identifying {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Apply transforms a payload: identifying keys are removed from every
// object in the tree, and path-like string literals become placeholders.
func (a *Anonymizer) Apply(payload json.RawMessage) (json.RawMessage, error) {
	var tree any
	if err := json.Unmarshal(payload, &tree); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	out, err := json.Marshal(a.scrub(tree))
	if err != nil {
		return nil, fmt.Errorf("encoding anonymized payload: %w", err)
	}
	return out, nil
}

func (a *Anonymizer) scrub(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if a.identifying[k] {
				continue
			}
			out[k] = a.scrub(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = a.scrub(val)
		}
		return out
	case string:
		return generalize(t)
	default:
		return v
	}
}

// generalize replaces user-specific literals with stable placeholders.
func generalize(s string) string {
	s = homePattern.ReplaceAllString(s, homePlaceholder)
	return pathPattern.ReplaceAllString(s, pathPlaceholder)
}

// candidateCapabilityRefs lists the capabilities a candidate payload
// references, which bound its identifying key set.
func candidateCapabilityRefs(kind container.Kind, payload json.RawMessage) ([]string, error) {
	switch kind {
	case container.KindMethodology:
		m, err := container.ParseMethodology(payload)
		if err != nil {
			return nil, err
		}
		return m.CapabilityRefs(), nil
	case container.KindCapabilityDesc:
		var d container.DescriptorPayload
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, err
		}
		return []string{d.CapabilityID}, nil
	default:
		return nil, nil
	}
}
