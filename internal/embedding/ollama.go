package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Errors an embedding backend reports when it cannot serve at all, as opposed
// to failing one text. Retrieval treats both as the index being unavailable.
var (
	ErrBackendUnreachable = errors.New("embedding backend unreachable")
	ErrModelNotFound      = errors.New("embedding model not found")
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"

	// Chunks sent per /api/embed call.
	ollamaBatchSize = 16
)

// OllamaEngine embeds incident chunks and questions with a local Ollama
// server. nomic-embed models are trained with task prefixes, so questions and
// corpus chunks are tagged the way GenAIEngine picks task types.
type OllamaEngine struct {
	endpoint string
	model    string
	prefixed bool
	client   *http.Client
}

// NewOllamaEngine creates an Ollama engine. Empty endpoint and model take the
// local defaults.
func NewOllamaEngine(endpoint, model string) (*OllamaEngine, error) {
	if endpoint == "" {
		endpoint = defaultOllamaURL
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("ollama endpoint must be an http(s) URL: %q", endpoint)
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		prefixed: strings.HasPrefix(model, "nomic-embed"),
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Embed embeds a user question.
func (e *OllamaEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{e.tag("search_query: ", text)})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds corpus chunks in groups of ollamaBatchSize. Every vector
// in the result has the same length.
func (e *OllamaEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += ollamaBatchSize {
		end := min(start+ollamaBatchSize, len(texts))
		inputs := make([]string, 0, end-start)
		for _, t := range texts[start:end] {
			inputs = append(inputs, e.tag("search_document: ", t))
		}
		vecs, err := e.embed(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("chunks %d-%d: %w", start, end-1, err)
		}
		out = append(out, vecs...)
	}
	for i, v := range out {
		if len(v) != len(out[0]) {
			return nil, fmt.Errorf("ollama returned mixed dimensions: chunk %d has %d, chunk 0 has %d", i, len(v), len(out[0]))
		}
	}
	return out, nil
}

func (e *OllamaEngine) tag(prefix, text string) string {
	if !e.prefixed {
		return text
	}
	return prefix + text
}

func (e *OllamaEngine) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: inputs, Truncate: true})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnreachable, e.endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s (run `ollama pull %s`)", ErrModelNotFound, e.model, e.model)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s answered %d: %s", ErrBackendUnreachable, e.endpoint, resp.StatusCode, errorBody(resp.Body))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("ollama rejected embed request (%d): %s", resp.StatusCode, errorBody(resp.Body))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama embed response: %w", err)
	}
	if len(result.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d texts", len(result.Embeddings), len(inputs))
	}
	for i, v := range result.Embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("ollama returned an empty embedding for text %d", i)
		}
	}
	return result.Embeddings, nil
}

// errorBody extracts Ollama's {"error": "..."} message, or the raw body.
func errorBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(raw))
}

// Dimensions is only known after the first call.
func (e *OllamaEngine) Dimensions() int { return 0 }

func (e *OllamaEngine) Name() string { return "ollama:" + e.model }

type ollamaEmbedRequest struct {
	Model    string   `json:"model"`
	Input    []string `json:"input"`
	Truncate bool     `json:"truncate"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}
