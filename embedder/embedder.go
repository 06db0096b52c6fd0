// Package embedder defines the Embedder collaborator (§6.2) the
// CreateDocument/UpdateDocument sagas call to produce the float vector
// stored in the vector backend. A real embedding model is explicitly out
// of scope (§ Non-goals); HashEmbedder below is a deterministic local
// stand-in that makes the saga runnable and testable end-to-end without
// a network call to an embedding service.
package embedder

import (
	"context"
	"hash/fnv"
)

// Embedder turns text content into a fixed-dimension vector suitable for
// VectorOps.UpsertVector/Search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashEmbedder is a deterministic, dependency-free Embedder: each output
// dimension is an FNV hash of the text salted by dimension index, folded
// into [-1, 1]. It produces no semantic similarity whatsoever; it exists
// only to give CreateDocument/UpdateDocument a runnable, idempotent
// Embedder for tests and local demos.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 32
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Dimensions() int { return h.dims }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out := make([]float32, h.dims)
	for i := range out {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(text))
		_, _ = hasher.Write([]byte{byte(i), byte(i >> 8)})
		v := hasher.Sum32()
		out[i] = (float32(v%2000) / 1000.0) - 1.0
	}
	return out, nil
}
