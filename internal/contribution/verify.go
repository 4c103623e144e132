package contribution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/knowd/internal/capability"
	"github.com/fyrsmithlabs/knowd/internal/container"
	"github.com/fyrsmithlabs/knowd/internal/runtime"
)

// verifier re-executes candidates locally. The same code answers both
// stages: our own stage-one check before broadcasting, and our vote on
// other peers' candidates.
type verifier struct {
	rt  *runtime.Runtime
	reg *capability.Registry
}

// verify re-executes the candidate against each fixture input twice and
// requires validator-passing, deterministic output. A nil return means
// the candidate passed.
func (v *verifier) verify(ctx context.Context, kind container.Kind, payload json.RawMessage, fixtures []map[string]any) error {
	prog, fixtures, err := v.program(ctx, kind, payload, fixtures)
	if err != nil {
		return err
	}
	if prog == nil {
		// Descriptor candidates carry no executable graph.
		return nil
	}
	if len(fixtures) == 0 {
		fixtures = []map[string]any{{}}
	}

	for i, input := range fixtures {
		first, err := v.run(ctx, prog, input)
		if err != nil {
			return fmt.Errorf("fixture %d: %w", i, err)
		}
		second, err := v.run(ctx, prog, input)
		if err != nil {
			return fmt.Errorf("fixture %d rerun: %w", i, err)
		}
		if !bytes.Equal(first, second) {
			return fmt.Errorf("fixture %d: non-deterministic output", i)
		}
	}
	return nil
}

// program builds the executable from the candidate payload. Blueprint
// candidates reference a methodology that must already exist locally.
func (v *verifier) program(ctx context.Context, kind container.Kind, payload json.RawMessage, fixtures []map[string]any) (*runtime.Program, []map[string]any, error) {
	switch kind {
	case container.KindMethodology:
		m, err := container.ParseMethodology(payload)
		if err != nil {
			return nil, nil, err
		}
		prog, err := v.rt.LoadMethodology(ctx, m)
		return prog, fixtures, err

	case container.KindBlueprint:
		var bp container.BlueprintPayload
		if err := json.Unmarshal(payload, &bp); err != nil {
			return nil, nil, fmt.Errorf("decoding blueprint payload: %w", err)
		}
		prog, err := v.rt.Load(ctx, bp.MethodologyID)
		if err != nil {
			return nil, nil, err
		}
		if len(fixtures) == 0 {
			fixtures = bp.ExampleInputs
		}
		return prog, fixtures, nil

	case container.KindCapabilityDesc:
		var d container.DescriptorPayload
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, nil, fmt.Errorf("decoding descriptor payload: %w", err)
		}
		if _, err := v.reg.Resolve(d.CapabilityID); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: kind %s", ErrNotEligible, kind)
	}
}

// run executes the program and returns the final context in canonical
// form for determinism comparison.
func (v *verifier) run(ctx context.Context, prog *runtime.Program, input map[string]any) ([]byte, error) {
	state := runtime.NewState(input)
	if err := v.rt.Execute(ctx, prog, state, runtime.NopSink{}); err != nil {
		return nil, err
	}
	out, err := json.Marshal(state.Context)
	if err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}
	return out, nil
}
