package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"opsagent/internal/embedding"
	"opsagent/internal/logging"
)

// Options configures an Index.
type Options struct {
	CorpusDir    string
	CachePath    string // empty disables the on-disk cache
	TopK         int
	ChunkSize    int
	ChunkOverlap int
	Workers      int // concurrent embedding batches
	BatchSize    int // chunks per embedding call
}

func (o *Options) defaults() {
	if o.TopK <= 0 {
		o.TopK = 4
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.ChunkOverlap < 0 || o.ChunkOverlap >= o.ChunkSize {
		o.ChunkOverlap = 200
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
}

// Stats describes a build.
type Stats struct {
	Documents int
	Chunks    int
	Cached    bool
	Engine    string
}

// Index is an in-memory vector index over the corpus, built lazily on the
// first query and persisted through Cache.
type Index struct {
	opts   Options
	engine embedding.Engine

	mu     sync.Mutex
	chunks []Chunk
	ready  bool
}

// NewIndex creates an index using engine for both documents and queries.
func NewIndex(engine embedding.Engine, opts Options) *Index {
	opts.defaults()
	return &Index{opts: opts, engine: engine}
}

// Retrieve returns the TopK most similar chunks joined by blank lines, with
// their unique sources in rank order.
func (ix *Index) Retrieve(ctx context.Context, query string) (Passage, error) {
	chunks, err := ix.ensure(ctx)
	if err != nil {
		return Passage{}, err
	}

	timer := logging.StartTimer(logging.CategoryRetrieval, "Retrieve")
	defer timer.Stop()

	qv, err := ix.engine.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, embedding.ErrBackendUnreachable) || errors.Is(err, embedding.ErrModelNotFound) {
			return Passage{}, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
		}
		return Passage{}, fmt.Errorf("failed to embed query: %w", err)
	}

	vectors := make([][]float32, len(chunks))
	for i, ch := range chunks {
		vectors[i] = ch.Vector
	}
	top := embedding.FindTopK(qv, vectors, ix.opts.TopK)

	texts := make([]string, 0, len(top))
	var sources []string
	seen := make(map[string]bool)
	for _, r := range top {
		ch := chunks[r.Index]
		texts = append(texts, ch.Text)
		if !seen[ch.Source] {
			seen[ch.Source] = true
			sources = append(sources, ch.Source)
		}
	}
	logging.RetrievalDebug("Retrieved %d chunks from %d sources", len(texts), len(sources))
	return Passage{Text: strings.Join(texts, "\n\n"), Sources: sources}, nil
}

func (ix *Index) ensure(ctx context.Context) ([]Chunk, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.ready {
		return ix.chunks, nil
	}
	if _, err := ix.build(ctx, false); err != nil {
		return nil, err
	}
	return ix.chunks, nil
}

// Build (re)indexes the corpus. Unless force is set, a cache built from the
// same corpus, chunking and engine is reused.
func (ix *Index) Build(ctx context.Context, force bool) (Stats, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.build(ctx, force)
}

func (ix *Index) build(ctx context.Context, force bool) (Stats, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "BuildIndex")
	defer timer.Stop()

	docs, err := readCorpus(ix.opts.CorpusDir)
	if err != nil {
		return Stats{}, err
	}
	fp := ix.fingerprint(docs)
	stats := Stats{Documents: len(docs), Engine: ix.engine.Name()}

	var cache *Cache
	if ix.opts.CachePath != "" {
		cache, err = OpenCache(ix.opts.CachePath)
		if err != nil {
			logging.RetrievalWarn("Index cache unavailable, continuing in memory: %v", err)
		} else {
			defer cache.Close()
		}
	}

	if cache != nil && !force {
		chunks, ok, err := cache.Load(ctx, fp)
		if err != nil {
			logging.RetrievalWarn("Ignoring unreadable index cache: %v", err)
		} else if ok {
			ix.chunks, ix.ready = chunks, true
			stats.Chunks, stats.Cached = len(chunks), true
			logging.Retrieval("Loaded %d cached chunks from %s", len(chunks), ix.opts.CachePath)
			return stats, nil
		}
	}

	var chunks []Chunk
	for _, d := range docs {
		for _, text := range Split(d.content, ix.opts.ChunkSize, ix.opts.ChunkOverlap) {
			chunks = append(chunks, Chunk{Source: d.source, Text: text})
		}
	}
	if len(chunks) == 0 {
		return Stats{}, fmt.Errorf("%w: corpus %s has no text", ErrIndexUnavailable, ix.opts.CorpusDir)
	}
	if err := ix.embedChunks(ctx, chunks); err != nil {
		return Stats{}, err
	}

	if cache != nil {
		if err := cache.Save(ctx, fp, chunks); err != nil {
			logging.RetrievalWarn("Failed to persist index cache: %v", err)
		}
	}
	ix.chunks, ix.ready = chunks, true
	stats.Chunks = len(chunks)
	logging.Retrieval("Indexed %d chunks from %d documents with %s", len(chunks), len(docs), stats.Engine)
	return stats, nil
}

// embedChunks fills in vectors, running up to Workers batches concurrently.
func (ix *Index) embedChunks(ctx context.Context, chunks []Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.Workers)

	for start := 0; start < len(chunks); start += ix.opts.BatchSize {
		end := start + ix.opts.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, ch := range batch {
				texts[i] = ch.Text
			}
			vecs, err := ix.engine.EmbedBatch(gctx, texts)
			if err != nil {
				return err
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("engine returned %d vectors for %d chunks", len(vecs), len(batch))
			}
			for i := range batch {
				batch[i].Vector = vecs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: embedding failed: %w", ErrIndexUnavailable, err)
	}
	return nil
}

func (ix *Index) fingerprint(docs []document) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%d|%d\n", ix.engine.Name(), ix.opts.ChunkSize, ix.opts.ChunkOverlap)
	for _, d := range docs {
		fmt.Fprintf(h, "%s|%d\n", d.source, len(d.content))
		h.WriteString(d.content)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

type document struct {
	source  string
	content string
}

// readCorpus loads *.txt and *.md files in name order. Sources are reported
// relative to the corpus directory's parent, e.g. "data/db_latency.txt".
func readCorpus(dir string) ([]document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".txt", ".md":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no .txt or .md files in %s", ErrIndexUnavailable, dir)
	}

	prefix := filepath.Base(filepath.Clean(dir))
	docs := make([]document, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
		}
		docs = append(docs, document{
			source:  filepath.ToSlash(filepath.Join(prefix, name)),
			content: string(data),
		})
	}
	return docs, nil
}
