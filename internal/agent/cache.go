package agent

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ArtifactFetcher loads the latest artifact of a type for a job; backed by
// internal/store.Store.GetLatestArtifact in production. Defined here (not
// imported from internal/store) to avoid a store -> agent -> store cycle.
type ArtifactFetcher func(ctx context.Context, jobID, artifactType string) (content string, ok bool, err error)

// ArtifactCache fronts the store's get_latest_artifact with a bounded LRU
// (hashicorp/golang-lru/v2), since every stage after the first re-reads
// its predecessors' artifacts as AgentContext.PriorArtifacts (spec.md §4.4).
// Modeled on the teacher's pattern of caching hot, read-mostly rows
// (pkg/agent/orchestrator/runner.go's in-memory result maps) rather than
// re-querying ent on every step.
type ArtifactCache struct {
	fetch ArtifactFetcher
	cache *lru.Cache[cacheKey, string]
	mu    sync.Mutex
}

type cacheKey struct {
	jobID        string
	artifactType string
}

// NewArtifactCache wraps fetch with an LRU of the given capacity, counted in
// job×type entries; a non-positive capacity uses 256 entries.
func NewArtifactCache(fetch ArtifactFetcher, capacity int) *ArtifactCache {
	if capacity <= 0 {
		capacity = 256
	}
	cache, _ := lru.New[cacheKey, string](capacity)
	return &ArtifactCache{fetch: fetch, cache: cache}
}

// Get returns the latest artifact content for (jobID, artifactType),
// consulting the cache first and populating it on miss.
func (c *ArtifactCache) Get(ctx context.Context, jobID, artifactType string) (string, bool, error) {
	key := cacheKey{jobID, artifactType}

	c.mu.Lock()
	if content, ok := c.cache.Get(key); ok {
		c.mu.Unlock()
		return content, true, nil
	}
	c.mu.Unlock()

	content, ok, err := c.fetch(ctx, jobID, artifactType)
	if err != nil || !ok {
		return "", false, err
	}

	c.mu.Lock()
	c.cache.Add(key, content)
	c.mu.Unlock()
	return content, true, nil
}

// Invalidate drops a cached entry after a new artifact version is written,
// since the cache's latest-wins contract must match the store's.
func (c *ArtifactCache) Invalidate(jobID, artifactType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(cacheKey{jobID, artifactType})
}
