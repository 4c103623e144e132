package runtime

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/capability"
	"github.com/fyrsmithlabs/knowd/internal/container"
)

const defaultAtomicDelimiter = "\n"

// chunkInput reports whether the node's declared input exceeds the chunk
// threshold and must be processed in segments.
func (e *execution) chunkInput(n *container.Node, params map[string]any) (string, bool) {
	if e.rt.config.ChunkThreshold <= 0 || n.InputKey == "" {
		return "", false
	}
	input, ok := params[n.InputKey].(string)
	if !ok || len(input) <= e.rt.config.ChunkThreshold {
		return "", false
	}
	return input, true
}

// splitChunks splits input on the atomic delimiter and packs units into
// chunks no larger than max bytes. A single unit over the limit cannot be
// split further and fails the operation.
func splitChunks(input, delim string, max int) ([]string, error) {
	units := strings.SplitAfter(input, delim)

	var chunks []string
	var cur strings.Builder
	for _, unit := range units {
		if unit == "" {
			continue
		}
		if len(unit) > max {
			return nil, fmt.Errorf("%w: unit of %d bytes exceeds %d byte limit", ErrAtomicUnitTooLarge, len(unit), max)
		}
		if cur.Len()+len(unit) > max && cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		cur.WriteString(unit)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks, nil
}

// execChunked runs an invoke over an oversized input: one provider call per
// chunk with the running accumulator threaded through, then a final
// synthesis call over the per-chunk outputs.
func (e *execution) execChunked(ctx context.Context, f *frame, entry *capability.Entry, n *container.Node, params map[string]any, input string) (map[string]any, int, error) {
	delim := n.AtomicDelimiter
	if delim == "" {
		delim = defaultAtomicDelimiter
	}
	chunks, err := splitChunks(input, delim, e.rt.config.ChunkThreshold)
	if err != nil {
		return nil, 0, err
	}

	e.rt.logger.Debug("chunked invocation",
		zap.String("capability_id", n.CapabilityID),
		zap.Int("chunks", len(chunks)),
	)

	var acc any
	outputs := make([]any, 0, len(chunks))
	totalAttempts := 0
	for i, chunk := range chunks {
		p := cloneParams(params)
		p[n.InputKey] = chunk
		p["chunk_index"] = i
		p["chunk_count"] = len(chunks)
		p["synthesis_accumulator"] = acc

		result, attempts, err := e.invokeWithRetry(ctx, entry, n, p)
		totalAttempts += attempts
		if err != nil {
			return nil, totalAttempts, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		out := pickOutput(result, n.OutputKey)
		outputs = append(outputs, out)
		acc = out
		f.ctx["synthesis_accumulator"] = acc
	}

	p := cloneParams(params)
	delete(p, n.InputKey)
	p["synthesize"] = true
	p["chunk_outputs"] = outputs
	p["synthesis_accumulator"] = acc

	result, attempts, err := e.invokeWithRetry(ctx, entry, n, p)
	totalAttempts += attempts
	delete(f.ctx, "synthesis_accumulator")
	if err != nil {
		return nil, totalAttempts, fmt.Errorf("synthesis: %w", err)
	}
	return result, totalAttempts, nil
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+3)
	for k, v := range params {
		out[k] = v
	}
	return out
}
