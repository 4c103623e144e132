// Package runtime interprets methodology instruction graphs.
//
// A methodology is loaded and fully validated before any execution:
// structural validity, resolvable capabilities and validators, resolvable
// and acyclic submethodology references. Execution walks the graph
// depth-first, honoring node semantics (invoke with bounded retry,
// sequence, parallel with join policies, bounded loops, checkpoints,
// submethodologies) and persists a resumable snapshot through the Sink
// after every completed node. Interrupt and cancel requests are honored
// only at node boundaries; a provider call in flight is never abandoned.
//
// Inputs larger than the configured chunk threshold run through chunked
// execution: the invoke repeats once per chunk with a running synthesis
// accumulator threaded through the context, then a final synthesis pass
// reconciles the per-chunk outputs into one result.
package runtime
