// Package erasure splits payloads into Reed-Solomon shards and reconstructs
// them from any sufficiently large subset.
//
// A payload of n bytes encoded with d data shards and p parity shards yields
// d+p shards of ceil(n/d) bytes each. Any d distinct shards are enough to
// recover the original bytes exactly; fewer fail with a ReconstructionError.
package erasure
