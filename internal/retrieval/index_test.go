package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsagent/internal/embedding"
)

// countingEngine wraps the hash engine and counts document embeddings.
type countingEngine struct {
	*embedding.HashEngine
	batches atomic.Int32
	fail    error
}

func (c *countingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.batches.Add(1)
	if c.fail != nil {
		return nil, c.fail
	}
	return c.HashEngine.EmbedBatch(ctx, texts)
}

func writeCorpus(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.MkdirAll(dir, 0755))
	files := map[string]string{
		"db_latency.txt": "Postmortem: database latency rose to 4 seconds after the connection pool was exhausted. " +
			"Mitigation was to raise the pool size and recycle idle connections.",
		"web_outage.txt": "Incident report: the web tier returned 503 errors after a bad nginx config rollout. " +
			"Rollback restored service within ten minutes.",
		"disk_full.md": "Runbook: when a node reports disk full, rotate logs and expand the volume.",
		"notes.json":   `{"ignored": true}`,
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	return dir
}

func TestRetrieveRanksAndReportsSources(t *testing.T) {
	ix := NewIndex(embedding.NewHashEngine(256), Options{CorpusDir: writeCorpus(t), TopK: 2})

	p, err := ix.Retrieve(context.Background(), "why was database latency high? connection pool")
	require.NoError(t, err)
	require.NotEmpty(t, p.Sources)
	assert.Equal(t, "data/db_latency.txt", p.Sources[0])
	assert.Contains(t, p.Text, "connection pool was exhausted")
	assert.LessOrEqual(t, len(p.Sources), 2)
}

func TestBuildIgnoresOtherExtensions(t *testing.T) {
	ix := NewIndex(embedding.NewHashEngine(64), Options{CorpusDir: writeCorpus(t)})
	stats, err := ix.Build(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Documents)
	assert.Equal(t, 3, stats.Chunks)
	assert.False(t, stats.Cached)
	assert.Equal(t, "hash:64", stats.Engine)
}

func TestCacheIsReusedUntilCorpusChanges(t *testing.T) {
	ctx := context.Background()
	corpus := writeCorpus(t)
	cachePath := filepath.Join(t.TempDir(), "index", "chunks.db")

	first := &countingEngine{HashEngine: embedding.NewHashEngine(64)}
	stats, err := NewIndex(first, Options{CorpusDir: corpus, CachePath: cachePath}).Build(ctx, false)
	require.NoError(t, err)
	assert.False(t, stats.Cached)
	assert.Positive(t, first.batches.Load())

	second := &countingEngine{HashEngine: embedding.NewHashEngine(64)}
	ix := NewIndex(second, Options{CorpusDir: corpus, CachePath: cachePath})
	stats, err = ix.Build(ctx, false)
	require.NoError(t, err)
	assert.True(t, stats.Cached)
	assert.Equal(t, 3, stats.Chunks)
	assert.Zero(t, second.batches.Load())

	p, err := ix.Retrieve(ctx, "nginx 503 rollback")
	require.NoError(t, err)
	assert.Equal(t, "data/web_outage.txt", p.Sources[0])

	require.NoError(t, os.WriteFile(filepath.Join(corpus, "new.txt"), []byte("Runbook: certificate expiry."), 0644))
	third := &countingEngine{HashEngine: embedding.NewHashEngine(64)}
	stats, err = NewIndex(third, Options{CorpusDir: corpus, CachePath: cachePath}).Build(ctx, false)
	require.NoError(t, err)
	assert.False(t, stats.Cached)
	assert.Equal(t, 4, stats.Documents)
	assert.Positive(t, third.batches.Load())
}

func TestForcedBuildSkipsCache(t *testing.T) {
	ctx := context.Background()
	corpus := writeCorpus(t)
	cachePath := filepath.Join(t.TempDir(), "chunks.db")

	_, err := NewIndex(embedding.NewHashEngine(64), Options{CorpusDir: corpus, CachePath: cachePath}).Build(ctx, false)
	require.NoError(t, err)

	eng := &countingEngine{HashEngine: embedding.NewHashEngine(64)}
	stats, err := NewIndex(eng, Options{CorpusDir: corpus, CachePath: cachePath}).Build(ctx, true)
	require.NoError(t, err)
	assert.False(t, stats.Cached)
	assert.Positive(t, eng.batches.Load())
}

func TestMissingCorpusIsUnavailable(t *testing.T) {
	ix := NewIndex(embedding.NewHashEngine(64), Options{CorpusDir: filepath.Join(t.TempDir(), "nope")})
	_, err := ix.Retrieve(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrIndexUnavailable)

	empty := t.TempDir()
	_, err = NewIndex(embedding.NewHashEngine(64), Options{CorpusDir: empty}).Build(context.Background(), false)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestEmbeddingFailureIsUnavailable(t *testing.T) {
	eng := &countingEngine{HashEngine: embedding.NewHashEngine(64), fail: errors.New("provider down")}
	_, err := NewIndex(eng, Options{CorpusDir: writeCorpus(t), BatchSize: 1}).Build(context.Background(), false)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.ErrorContains(t, err, "provider down")
}

// queryFailEngine embeds documents but fails every query.
type queryFailEngine struct {
	*embedding.HashEngine
	err error
}

func (q queryFailEngine) Embed(context.Context, string) ([]float32, error) { return nil, q.err }

func TestEmbeddingBackendErrorsKeepTheirCause(t *testing.T) {
	eng := &countingEngine{HashEngine: embedding.NewHashEngine(64), fail: fmt.Errorf("%w: connection refused", embedding.ErrBackendUnreachable)}
	_, err := NewIndex(eng, Options{CorpusDir: writeCorpus(t)}).Build(context.Background(), false)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.ErrorIs(t, err, embedding.ErrBackendUnreachable)

	ix := NewIndex(queryFailEngine{embedding.NewHashEngine(64), fmt.Errorf("%w: nomic-embed-text", embedding.ErrModelNotFound)},
		Options{CorpusDir: writeCorpus(t)})
	_, err = ix.Retrieve(context.Background(), "db latency")
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.ErrorIs(t, err, embedding.ErrModelNotFound)

	ix = NewIndex(queryFailEngine{embedding.NewHashEngine(64), errors.New("bad input")}, Options{CorpusDir: writeCorpus(t)})
	_, err = ix.Retrieve(context.Background(), "db latency")
	assert.NotErrorIs(t, err, ErrIndexUnavailable)
}
