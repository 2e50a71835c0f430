// Package retrieval answers questions from the local incident corpus:
// runbooks, postmortems and incident reports stored as text files.
package retrieval

import (
	"context"
	"errors"
)

// ErrIndexUnavailable means the corpus could not be read or indexed. Callers
// surface it as a distinct, legible tool error.
var ErrIndexUnavailable = errors.New("incident index unavailable")

// Passage is the text retrieved for a query plus the unique sources it came
// from, in relevance order.
type Passage struct {
	Text    string
	Sources []string
}

// Retriever looks up passages relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (Passage, error)
}

// Chunk is one indexed slice of a corpus document.
type Chunk struct {
	Source string
	Text   string
	Vector []float32
}
