package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactCache_GetPopulatesOnMissThenHitsCache(t *testing.T) {
	calls := 0
	cache := NewArtifactCache(func(ctx context.Context, jobID, artifactType string) (string, bool, error) {
		calls++
		return "prd content", true, nil
	}, 8)

	content, ok, err := cache.Get(context.Background(), "job-1", "prd")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "prd content", content)
	assert.Equal(t, 1, calls)

	content, ok, err = cache.Get(context.Background(), "job-1", "prd")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "prd content", content)
	assert.Equal(t, 1, calls, "second Get should be served from cache, not re-fetched")
}

func TestArtifactCache_GetPropagatesFetchError(t *testing.T) {
	wantErr := errors.New("store unavailable")
	cache := NewArtifactCache(func(ctx context.Context, jobID, artifactType string) (string, bool, error) {
		return "", false, wantErr
	}, 8)

	_, ok, err := cache.Get(context.Background(), "job-1", "prd")
	assert.False(t, ok)
	assert.ErrorIs(t, err, wantErr)
}

func TestArtifactCache_GetReturnsNotFoundWithoutError(t *testing.T) {
	cache := NewArtifactCache(func(ctx context.Context, jobID, artifactType string) (string, bool, error) {
		return "", false, nil
	}, 8)

	_, ok, err := cache.Get(context.Background(), "job-1", "prd")
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestArtifactCache_InvalidateForcesRefetch(t *testing.T) {
	calls := 0
	cache := NewArtifactCache(func(ctx context.Context, jobID, artifactType string) (string, bool, error) {
		calls++
		return "content", true, nil
	}, 8)

	_, _, _ = cache.Get(context.Background(), "job-1", "prd")
	cache.Invalidate("job-1", "prd")
	_, _, _ = cache.Get(context.Background(), "job-1", "prd")

	assert.Equal(t, 2, calls)
}

func TestArtifactCache_DistinctKeysDoNotCollide(t *testing.T) {
	cache := NewArtifactCache(func(ctx context.Context, jobID, artifactType string) (string, bool, error) {
		return jobID + ":" + artifactType, true, nil
	}, 8)

	a, _, _ := cache.Get(context.Background(), "job-1", "prd")
	b, _, _ := cache.Get(context.Background(), "job-1", "architecture")
	c, _, _ := cache.Get(context.Background(), "job-2", "prd")

	assert.Equal(t, "job-1:prd", a)
	assert.Equal(t, "job-1:architecture", b)
	assert.Equal(t, "job-2:prd", c)
}
