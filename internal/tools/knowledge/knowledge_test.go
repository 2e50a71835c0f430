package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsagent/internal/embedding"
	"opsagent/internal/retrieval"
	"opsagent/internal/tools"
	"opsagent/internal/types"
)

type retrieverFunc func(ctx context.Context, query string) (retrieval.Passage, error)

func (f retrieverFunc) Retrieve(ctx context.Context, query string) (retrieval.Passage, error) {
	return f(ctx, query)
}

func execute(t *testing.T, r retrieval.Retriever, timeout time.Duration, query string) (string, error) {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, RegisterAll(reg, r, timeout))
	res, err := reg.Execute(context.Background(), types.ToolRetrieveIncidentInfo, map[string]any{"query": query})
	if err != nil {
		return "", err
	}
	return res.Result, nil
}

func TestFormatAndExtract(t *testing.T) {
	out := Format(retrieval.Passage{Text: "pool exhausted", Sources: []string{"data/a.txt", "data/b.txt"}})
	assert.Equal(t, "pool exhausted\n\n[SOURCES]: data/a.txt, data/b.txt", out)

	text, sources := ExtractSources(out)
	assert.Equal(t, "pool exhausted", text)
	assert.Equal(t, []string{"data/a.txt", "data/b.txt"}, sources)

	out = Format(retrieval.Passage{Text: "orphan"})
	assert.Equal(t, "orphan\n\n[SOURCES]: unknown_source", out)
	_, sources = ExtractSources(out)
	assert.Empty(t, sources)

	text, sources = ExtractSources("plain answer")
	assert.Equal(t, "plain answer", text)
	assert.Nil(t, sources)
}

func TestToolOverRealIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "corpus")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db.txt"),
		[]byte("On Feb 15 database latency was caused by connection pool exhaustion."), 0644))

	ix := retrieval.NewIndex(embedding.NewHashEngine(128), retrieval.Options{CorpusDir: dir})
	out, err := execute(t, ix, time.Second, "What caused DB latency on Feb 15?")
	require.NoError(t, err)
	assert.Contains(t, out, "connection pool exhaustion")
	assert.Contains(t, out, "[SOURCES]: corpus/db.txt")
}

func TestUnavailableIndexIsLegible(t *testing.T) {
	r := retrieverFunc(func(context.Context, string) (retrieval.Passage, error) {
		return retrieval.Passage{}, fmt.Errorf("%w: no such directory", retrieval.ErrIndexUnavailable)
	})
	_, err := execute(t, r, 0, "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, retrieval.ErrIndexUnavailable)
	assert.Contains(t, tools.Message(err), "knowledge base is unavailable")
}

func TestEmbeddingBackendDownIsLegible(t *testing.T) {
	r := retrieverFunc(func(context.Context, string) (retrieval.Passage, error) {
		return retrieval.Passage{}, fmt.Errorf("%w: %w", retrieval.ErrIndexUnavailable, embedding.ErrBackendUnreachable)
	})
	_, err := execute(t, r, 0, "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, embedding.ErrBackendUnreachable)
	assert.Contains(t, tools.Message(err), "embedding backend cannot serve requests")
}

func TestTimeoutPropagates(t *testing.T) {
	r := retrieverFunc(func(ctx context.Context, _ string) (retrieval.Passage, error) {
		<-ctx.Done()
		return retrieval.Passage{}, ctx.Err()
	})
	_, err := execute(t, r, 10*time.Millisecond, "slow")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestEmptyQuery(t *testing.T) {
	r := retrieverFunc(func(context.Context, string) (retrieval.Passage, error) {
		t.Fatal("retriever must not be called")
		return retrieval.Passage{}, nil
	})
	_, err := execute(t, r, 0, "   ")
	assert.ErrorIs(t, err, tools.ErrMissingRequiredArg)
}
