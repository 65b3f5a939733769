package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func hashesFrom(snapshot map[int64]string) func(int64) (string, bool) {
	return func(id int64) (string, bool) {
		h, ok := snapshot[id]
		return h, ok
	}
}

func TestAnswerCacheHit(t *testing.T) {
	cache := NewAnswerCache(10, time.Hour)
	hashes := map[int64]string{1: "hash-a"}

	cache.Put("What is the policy?", "The policy states...", []CachedCitation{
		{ChunkID: 1, DocumentID: 1, Filename: "test.pdf", Snippet: "policy content", Similarity: 0.9},
	}, hashes)

	got, ok := cache.Get("  What IS the policy?  ", hashesFrom(hashes))
	require.True(t, ok)
	require.Equal(t, "The policy states...", got.Answer)
	require.Equal(t, 1, got.HitCount)
}

func TestAnswerCacheMissOnDocumentChange(t *testing.T) {
	cache := NewAnswerCache(10, time.Hour)
	hashes := map[int64]string{1: "hash-a"}

	cache.Put("What is the policy?", "The policy states...", []CachedCitation{
		{ChunkID: 1, DocumentID: 1, Similarity: 0.9},
	}, hashes)

	changed := map[int64]string{1: "hash-b"}
	_, ok := cache.Get("What is the policy?", hashesFrom(changed))
	require.False(t, ok)

	// the stale entry must be gone, not just reported as a miss
	require.Equal(t, 0, cache.Stats().Entries)
}

func TestAnswerCacheMissOnTTLExpiry(t *testing.T) {
	cache := NewAnswerCache(10, time.Millisecond)
	hashes := map[int64]string{1: "hash-a"}
	cache.Put("expiring question", "answer", nil, hashes)

	time.Sleep(5 * time.Millisecond)
	_, ok := cache.Get("expiring question", hashesFrom(hashes))
	require.False(t, ok)
}

func TestAnswerCacheInvalidateByDocument(t *testing.T) {
	cache := NewAnswerCache(10, time.Hour)
	hashes := map[int64]string{42: "hash-a"}
	cache.Put("What is the policy?", "The policy states...", []CachedCitation{
		{ChunkID: 1, DocumentID: 42, Similarity: 0.9},
	}, hashes)

	invalidated := cache.InvalidateByDocument(42)
	require.Equal(t, 1, invalidated)

	_, ok := cache.Get("What is the policy?", hashesFrom(hashes))
	require.False(t, ok)

	// invalidating again (no longer tracked) is a no-op
	require.Equal(t, 0, cache.InvalidateByDocument(42))
}

func TestAnswerCacheEvictsEarliestOnCapacity(t *testing.T) {
	cache := NewAnswerCache(2, time.Hour)
	hashes := map[int64]string{1: "h"}

	cache.Put("first", "a1", nil, hashes)
	time.Sleep(time.Millisecond)
	cache.Put("second", "a2", nil, hashes)
	time.Sleep(time.Millisecond)
	cache.Put("third", "a3", nil, hashes) // should evict "first"

	require.Equal(t, 2, cache.Stats().Entries)
	_, ok := cache.Get("first", hashesFrom(hashes))
	require.False(t, ok)
	_, ok = cache.Get("third", hashesFrom(hashes))
	require.True(t, ok)
}
