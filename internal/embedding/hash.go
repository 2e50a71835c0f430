package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// DefaultHashDimensions is the vector size of the offline engine.
const DefaultHashDimensions = 512

// HashEngine embeds text by hashing word unigrams and bigrams into a fixed
// number of signed buckets. It needs no network and is deterministic, which
// makes the knowledge base usable offline and in tests.
type HashEngine struct {
	dims int
}

// NewHashEngine creates a hashing engine with dims buckets.
func NewHashEngine(dims int) *HashEngine {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEngine{dims: dims}
}

func (e *HashEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dims)
	words := tokenize(text)
	for i, w := range words {
		e.add(vec, w, 1)
		if i > 0 {
			e.add(vec, words[i-1]+" "+w, 0.5)
		}
	}
	normalize(vec)
	return vec, nil
}

func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *HashEngine) Dimensions() int { return e.dims }

func (e *HashEngine) Name() string { return fmt.Sprintf("hash:%d", e.dims) }

func (e *HashEngine) add(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := h % uint64(e.dims)
	if h&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// tokenize lower-cases text and splits it into letter/digit runs, dropping
// very common words that carry no topical signal.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "at": true, "for": true, "is": true,
	"was": true, "were": true, "be": true, "by": true, "with": true, "what": true,
	"how": true, "did": true, "do": true, "does": true, "it": true, "this": true,
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= n
	}
}
