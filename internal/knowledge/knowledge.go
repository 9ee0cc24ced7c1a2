// Package knowledge stores per-agent factual snippets in an in-process vector
// database and retrieves the ones relevant to a user message.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	chromem "github.com/philippgille/chromem-go"
)

// Defaults for retrieval.
const (
	DefaultTopK          = 3
	DefaultMinSimilarity = 0.2
	DefaultCacheSize     = 2048
)

// Embedder turns texts into vectors, one per input in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Snippet is one retrievable fact about an agent's business.
type Snippet struct {
	ID      string
	Content string
	Source  string
}

// Opts configures a Base.
type Opts struct {
	PersistPath   string
	TopK          int
	MinSimilarity float32
	CacheSize     int
}

// Option configures knowledge base options.
type Option func(*Opts)

// WithPersistPath stores the vector database under dir instead of in memory.
func WithPersistPath(dir string) Option {
	return func(o *Opts) { o.PersistPath = dir }
}

// WithTopK sets how many snippets Retrieve returns at most.
func WithTopK(n int) Option {
	return func(o *Opts) { o.TopK = n }
}

// WithMinSimilarity drops results below the given cosine similarity.
func WithMinSimilarity(v float32) Option {
	return func(o *Opts) { o.MinSimilarity = v }
}

// WithCacheSize sets the size of the embedding cache.
func WithCacheSize(n int) Option {
	return func(o *Opts) { o.CacheSize = n }
}

// Base holds one chromem collection per agent.
type Base struct {
	db       *chromem.DB
	embedder Embedder
	cache    *lru.Cache[string, []float32]
	opts     Opts
}

// NewBase creates a knowledge base backed by embedder.
func NewBase(embedder Embedder, opts ...Option) (*Base, error) {
	cfg := Opts{TopK: DefaultTopK, MinSimilarity: DefaultMinSimilarity, CacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if embedder == nil {
		return nil, fmt.Errorf("knowledge base requires an embedder")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistPath, "knowledge"), false)
		if err != nil {
			return nil, fmt.Errorf("failed to open knowledge db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	slog.Debug("knowledge.NewBase: created", "persist", cfg.PersistPath != "", "topK", cfg.TopK)
	return &Base{db: db, embedder: embedder, cache: cache, opts: cfg}, nil
}

func collectionName(agentID string) string {
	return "agent_" + agentID
}

func (b *Base) collection(agentID string) (*chromem.Collection, error) {
	c, err := b.db.GetOrCreateCollection(collectionName(agentID), map[string]string{"agent_id": agentID}, b.embedOne)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection for %s: %w", agentID, err)
	}
	return c, nil
}

// embedOne is the chromem embedding function; it consults the cache first.
func (b *Base) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.embedAll(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (b *Base) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if v, ok := b.cache.Get(t); ok {
			out[i] = v
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := b.embedder.Embed(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d texts: %w", len(missing), err)
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, v := range vecs {
		v = normalize(v)
		b.cache.Add(missing[j], v)
		out[missingIdx[j]] = v
	}
	return out, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// AddSnippets indexes snippets for an agent. Snippets without an ID get one
// derived from their position.
func (b *Base) AddSnippets(ctx context.Context, agentID string, snippets []Snippet) error {
	if len(snippets) == 0 {
		return nil
	}
	c, err := b.collection(agentID)
	if err != nil {
		return err
	}
	texts := make([]string, len(snippets))
	for i, s := range snippets {
		texts[i] = strings.TrimSpace(s.Content)
	}
	vecs, err := b.embedAll(ctx, texts)
	if err != nil {
		return err
	}
	for i, s := range snippets {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", agentID, c.Count()+i)
		}
		doc := chromem.Document{
			ID:        id,
			Content:   texts[i],
			Embedding: vecs[i],
			Metadata:  map[string]string{"agent_id": agentID, "source": s.Source},
		}
		if err := c.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to add snippet %s: %w", id, err)
		}
	}
	slog.Debug("knowledge.Base.AddSnippets: indexed", "agentID", agentID, "count", len(snippets))
	return nil
}

// Count returns how many snippets an agent has.
func (b *Base) Count(agentID string) int {
	c := b.db.GetCollection(collectionName(agentID), b.embedOne)
	if c == nil {
		return 0
	}
	return c.Count()
}

// Retrieve returns the snippets most similar to query, best first. An agent
// without snippets yields an empty result.
func (b *Base) Retrieve(ctx context.Context, agentID, query string) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	c := b.db.GetCollection(collectionName(agentID), b.embedOne)
	if c == nil || c.Count() == 0 {
		return nil, nil
	}
	n := b.opts.TopK
	if count := c.Count(); n > count {
		n = count
	}
	results, err := c.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge for %s: %w", agentID, err)
	}
	out := make([]string, 0, len(results))
	for _, r := range results {
		if r.Similarity < b.opts.MinSimilarity {
			continue
		}
		out = append(out, r.Content)
	}
	slog.Debug("knowledge.Base.Retrieve: done", "agentID", agentID, "candidates", len(results), "returned", len(out))
	return out, nil
}
