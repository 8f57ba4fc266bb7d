package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlipSettle/internal/kv"
)

func TestUsedRefs_ReleasedClaimIsNotCached(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(time.Now)
	a := newUsedRefs(store, 8)
	b := newUsedRefs(store, 8)

	ok, err := a.Claim(ctx, "ref-1", "flip-a")
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, b.Seen(ctx, "ref-1"), "claim held by another process")
	ok, err = b.Claim(ctx, "ref-1", "flip-b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, "ref-1", "flip-a"))
	assert.False(t, b.Seen(ctx, "ref-1"), "released claim must not stay a duplicate")
	assert.False(t, a.Seen(ctx, "ref-1"))

	ok, err = b.Claim(ctx, "ref-1", "flip-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUsedRefs_CommittedRefSkipsStore(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(time.Now)
	u := newUsedRefs(store, 2)

	ok, err := u.Claim(ctx, "ref-1", "flip-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, u.lru.Len(), "an uncommitted claim is not cached")

	u.Commit("ref-1")
	assert.Equal(t, 1, u.lru.Len())

	rec, err := store.Get(ctx, usedRefKey("ref-1"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, usedRefKey("ref-1"), rec.Version))
	assert.True(t, u.Seen(ctx, "ref-1"), "committed refs are answered from memory")

	u.Commit("ref-2")
	u.Commit("ref-3")
	assert.Equal(t, 2, u.lru.Len(), "capacity bound")
	assert.False(t, u.lru.Contains("ref-1"), "oldest entry evicted")
}
