package index

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/classpoint/ragserver/internal/ingest"
	"github.com/classpoint/ragserver/internal/utils"
)

// DefaultTopK is the number of chunks retrieved when the caller does not
// ask for a specific k.
const DefaultTopK = 3

// queryCacheSize bounds the query-embedding LRU cache.
const queryCacheSize = 1000

// ScoredChunk is one retrieval hit, highest relevance first.
type ScoredChunk struct {
	Chunk ingest.Chunk `json:"chunk"`
	Score float32      `json:"score"`
}

// Retriever answers similarity queries against ready datasources. Reads
// are lock-free: the registry gate guarantees the snapshot on disk is
// complete and immutable before any query touches it. Query embeddings are
// cached since the embedding capability is deterministic for identical
// input.
type Retriever struct {
	registry *Registry
	embedder Embedder
	root     string
	cache    *lru.Cache[[32]byte, []float32]
}

func NewRetriever(registry *Registry, embedder Embedder, root string) *Retriever {
	cache, err := lru.New[[32]byte, []float32](queryCacheSize)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(fmt.Sprintf("failed to create query cache: %v", err))
	}
	return &Retriever{
		registry: registry,
		embedder: embedder,
		root:     root,
		cache:    cache,
	}
}

// Retrieve returns the k chunks most similar to the query, highest score
// first. Ties are broken by the chunk's position in the snapshot (earlier
// wins) so results are deterministic. k <= 0 selects DefaultTopK; k larger
// than the corpus returns the full corpus. An empty corpus yields an empty
// result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, name, query string, k int) ([]ScoredChunk, error) {
	switch r.registry.Status(name) {
	case StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrDatasourceNotFound, name)
	case StatusBuilding:
		return nil, fmt.Errorf("%w: %s", ErrDatasourceNotReady, name)
	}

	snapshot, err := LoadSnapshot(r.root, name)
	if err != nil {
		return nil, err
	}
	if len(snapshot.Entries) == 0 {
		return []ScoredChunk{}, nil
	}

	queryEmbedding, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	type scored struct {
		idx   int
		score float32
	}
	candidates := make([]scored, 0, len(snapshot.Entries))
	for i, entry := range snapshot.Entries {
		score, err := utils.CosineSimilarity(queryEmbedding, entry.Embedding)
		if err != nil {
			log.Printf("Skipping chunk %d of %s: %v", i, name, err)
			continue
		}
		candidates = append(candidates, scored{idx: i, score: score})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].idx < candidates[j].idx
	})

	if k <= 0 {
		k = DefaultTopK
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	results := make([]ScoredChunk, 0, k)
	for _, c := range candidates[:k] {
		results = append(results, ScoredChunk{
			Chunk: snapshot.Entries[c.idx].Chunk,
			Score: c.score,
		})
	}
	return results, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	key := sha256.Sum256([]byte(query))
	if vector, ok := r.cache.Get(key); ok {
		return vector, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, vector)
	return vector, nil
}
