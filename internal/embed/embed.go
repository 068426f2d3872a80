// Package embed converts extracted text into fixed-size vectors.
package embed

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder produces a vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// ErrEmptyText is returned when text has no tokens.
var ErrEmptyText = errors.New("text has no tokens")

// DefaultDimensions is the vector width used when none is configured.
const DefaultDimensions = 256

// HashEmbedder projects lower-cased tokens into a fixed number of buckets with FNV-1a
// and a sign bit, then L2-normalizes the result.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder builds a HashEmbedder with dims buckets.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions reports the vector width.
func (e *HashEmbedder) Dimensions() int { return e.dims }

// Embed returns the normalized feature vector for text.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return nil, ErrEmptyText
	}
	vec := make([]float64, e.dims)
	for i, tok := range tokens {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		if sum>>63 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, e.dims)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}
