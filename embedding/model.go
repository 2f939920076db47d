// Package embedding implements the asynchronous embedding pipeline: a
// persistent work queue in the system database, a change-capture populator
// that feeds it, and a batch worker that computes vectors and writes them
// back through engine transactions.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
)

// Model computes embedding vectors for batches of input texts.
type Model interface {
	Dims() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Holder is a hot-swappable model slot. The worker reads through it so a
// model reload never races an in-flight batch.
type Holder struct {
	mu    sync.RWMutex
	model Model
}

// NewHolder wraps |m|.
func NewHolder(m Model) *Holder { return &Holder{model: m} }

// Get returns the current model.
func (h *Holder) Get() Model {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.model
}

// Swap replaces the current model.
func (h *Holder) Swap(m Model) {
	h.mu.Lock()
	h.model = m
	h.mu.Unlock()
}

// HashingModel is a deterministic token-hashing embedder: each whitespace
// token is hashed into a bucket and the bucket histogram is L2-normalised.
// It stands in where no trained model directory is configured, and gives
// tests reproducible vectors.
type HashingModel struct {
	dims      int
	maxTokens int
}

// NewHashingModel builds a HashingModel of |dims| dimensions, reading at
// most |maxTokens| tokens per input.
func NewHashingModel(dims, maxTokens int) *HashingModel {
	if dims <= 0 {
		dims = 128
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &HashingModel{dims: dims, maxTokens: maxTokens}
}

func (m *HashingModel) Dims() int { return m.dims }

func (m *HashingModel) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out = make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = m.embedOne(text)
	}
	return out, nil
}

func (m *HashingModel) embedOne(text string) []float32 {
	var vec = make([]float32, m.dims)
	var tokens = strings.Fields(strings.ToLower(text))
	if len(tokens) > m.maxTokens {
		tokens = tokens[:m.maxTokens]
	}
	for _, tok := range tokens {
		var h = fnv.New32a()
		_, _ = h.Write([]byte(tok))
		var sum = h.Sum32()
		// Low bit picks the sign so buckets don't only accumulate.
		if sum&1 == 0 {
			vec[sum%uint32(m.dims)]++
		} else {
			vec[sum%uint32(m.dims)]--
		}
	}
	var norm float64
	for _, f := range vec {
		norm += float64(f) * float64(f)
	}
	if norm > 0 {
		var inv = float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
