package similarity

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"horse.fit/sieve/internal/types"
)

const DefaultCorpusCacheSize = 4096

// CorpusSource returns the reference rules worth scoring against a candidate.
type CorpusSource interface {
	Candidates(ctx context.Context, query types.RuleEmbeddings, limit int) ([]types.ReferenceRule, error)
}

// ReferenceIndex is the vector index over the reference corpus.
// NearestReferences reports the stored revision of every hit.
type ReferenceIndex interface {
	NearestReferences(ctx context.Context, segment types.Segment, vector []float32, limit int) ([]types.ReferenceVersion, error)
	LoadReferences(ctx context.Context, ids []string) ([]types.ReferenceRule, error)
}

// IndexedCorpus pre-filters the corpus with per-segment nearest-neighbour
// lookups and hydrates references through an LRU cache keyed by revision. A
// re-imported reference is a new key, so stale vectors are never scored; old
// revisions age out of the LRU. A reference close to the candidate on any
// segment is scored.
type IndexedCorpus struct {
	index ReferenceIndex
	cache *lru.Cache
}

func NewIndexedCorpus(index ReferenceIndex, cacheSize int) (*IndexedCorpus, error) {
	if index == nil {
		return nil, fmt.Errorf("reference index is nil")
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCorpusCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create reference cache: %w", err)
	}
	return &IndexedCorpus{index: index, cache: cache}, nil
}

func (c *IndexedCorpus) Candidates(ctx context.Context, query types.RuleEmbeddings, limit int) ([]types.ReferenceRule, error) {
	if limit <= 0 {
		limit = 1
	}

	versions := make([]types.ReferenceVersion, 0, limit)
	seen := make(map[string]struct{}, limit)
	for i, segment := range types.Segments {
		nearest, err := c.index.NearestReferences(ctx, segment, query.Vectors[i], limit)
		if err != nil {
			return nil, fmt.Errorf("nearest references by %s: %w", segment, err)
		}
		for _, version := range nearest {
			if _, ok := seen[version.ID]; ok {
				continue
			}
			seen[version.ID] = struct{}{}
			versions = append(versions, version)
		}
	}

	out := make([]types.ReferenceRule, 0, len(versions))
	missing := make([]string, 0)
	for _, version := range versions {
		if cached, ok := c.cache.Get(keyOf(version)); ok {
			out = append(out, cached.(types.ReferenceRule))
			continue
		}
		missing = append(missing, version.ID)
	}
	if len(missing) == 0 {
		return out, nil
	}

	loaded, err := c.index.LoadReferences(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("load references: %w", err)
	}
	for _, ref := range loaded {
		c.cache.Add(keyOf(types.ReferenceVersion{ID: ref.ID, UpdatedAt: ref.UpdatedAt}), ref)
		out = append(out, ref)
	}
	return out, nil
}

type cacheKey struct {
	id      string
	version int64
}

func keyOf(version types.ReferenceVersion) cacheKey {
	return cacheKey{id: version.ID, version: version.UpdatedAt.UnixNano()}
}
