package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder produces vector embeddings for text. A nil vector with a nil
// error means embeddings are unavailable and similarity search is disabled.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NoopEmbedder disables similarity search.
type NoopEmbedder struct{}

// Embed always returns (nil, nil).
func (NoopEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, nil
}

// HashEmbedder is a deterministic, offline bag-of-words embedder. Each
// lower-cased word is hashed with FNV-1a into one of Dimensions buckets and
// the vector is normalised, so texts sharing words score higher. It needs no
// network access and suits tests and air-gapped deployments.
type HashEmbedder struct {
	Dimensions int
}

// DefaultHashDimensions is the vector size when HashEmbedder.Dimensions is 0.
const DefaultHashDimensions = 256

// Embed implements Embedder. Text without any words embeds to nil.
func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dimensions
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		return nil, nil
	}

	vec := make([]float32, dims)
	for _, w := range words {
		hs := fnv.New64a()
		hs.Write([]byte(w))
		vec[hs.Sum64()%uint64(dims)]++
	}
	return normalize(vec), nil
}

// normalize scales vec to unit length. Zero vectors are returned unchanged.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

var (
	_ Embedder = NoopEmbedder{}
	_ Embedder = HashEmbedder{}
)
