// Package embedding turns incident corpus chunks and user questions into
// vectors. Backends: a local feature-hashing engine that needs no network,
// OpenAI, Google GenAI and Ollama.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"opsagent/internal/logging"
)

// Engine generates vector embeddings for text. Embed is used for queries and
// EmbedBatch for documents; engines with task-specific models pick the
// matching task for each.
type Engine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the vector size, or 0 when only known after a call.
	Dimensions() int
	// Name identifies the backend and model. Cached vectors are only reused
	// by an engine with the same name.
	Name() string
}

// Config holds embedding engine configuration.
type Config struct {
	// Provider: "hash", "openai", "genai" or "ollama".
	Provider string

	// Model overrides the provider's default model.
	Model string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	GenAIAPIKey   string
	OllamaURL     string
}

// NewEngine creates an embedding engine based on configuration.
func NewEngine(ctx context.Context, cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "embedding.NewEngine")
	defer timer.Stop()

	var (
		engine Engine
		err    error
	)
	switch cfg.Provider {
	case "", "hash":
		engine = NewHashEngine(DefaultHashDimensions)
	case "openai":
		engine, err = NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model)
	case "genai":
		engine, err = NewGenAIEngine(ctx, cfg.GenAIAPIKey, cfg.Model)
	case "ollama":
		engine, err = NewOllamaEngine(cfg.OllamaURL, cfg.Model)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s (use hash, openai, genai or ollama)", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Retrieval("Embedding engine ready: %s", engine.Name())
	return engine, nil
}

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical, 0 means orthogonal.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult represents a similarity search result.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the k corpus vectors most similar to query, best first.
// Ties keep corpus order so results are deterministic.
func FindTopK(query []float32, corpus [][]float32, k int) []SimilarityResult {
	if k <= 0 {
		k = 4
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	if skipped > 0 {
		logging.RetrievalWarn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}
