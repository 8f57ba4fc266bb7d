package kv_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlipSettle/internal/kv"
	"FlipSettle/internal/testutil"
)

type storeFactory func(t *testing.T, clock *testutil.Clock) kv.Store

func memoryFactory(t *testing.T, clock *testutil.Clock) kv.Store {
	return kv.NewMemoryStore(clock.Now)
}

func sqliteFactory(t *testing.T, clock *testutil.Clock) kv.Store {
	path := filepath.Join(t.TempDir(), "flip.db")
	s, err := kv.OpenSQL(context.Background(), kv.DialectSQLite, path, clock.Now)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func postgresFactory(t *testing.T, clock *testutil.Clock) kv.Store {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	return kv.NewSQLStore(db, kv.DialectPostgres, clock.Now)
}

func TestMemoryStore(t *testing.T)   { runStoreSuite(t, memoryFactory) }
func TestSQLiteStore(t *testing.T)   { runStoreSuite(t, sqliteFactory) }
func TestPostgresStore(t *testing.T) { runStoreSuite(t, postgresFactory) }

func runStoreSuite(t *testing.T, factory storeFactory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s kv.Store, clock *testutil.Clock)
	}{
		{"GetMissing", testGetMissing},
		{"SetBumpsVersion", testSetBumpsVersion},
		{"CompareAndSwap", testCompareAndSwap},
		{"CreateOnlyCAS", testCreateOnlyCAS},
		{"SetIfAbsentExpiry", testSetIfAbsentExpiry},
		{"DeleteWithVersion", testDeleteWithVersion},
		{"Indexes", testIndexes},
		{"PurgeExpired", testPurgeExpired},
		{"ConcurrentSetIfAbsent", testConcurrentSetIfAbsent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := testutil.NewClock()
			tc.fn(t, factory(t, clock), clock)
		})
	}
}

// ============================================================================
// Records
// ============================================================================

func testGetMissing(t *testing.T, s kv.Store, _ *testutil.Clock) {
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testSetBumpsVersion(t *testing.T, s kv.Store, _ *testutil.Clock) {
	ctx := context.Background()

	v1, err := s.Set(ctx, "k", []byte("a"), 0)
	require.NoError(t, err)
	v2, err := s.Set(ctx, "k", []byte("b"), 0)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	rec, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), rec.Value)
	assert.Equal(t, v2, rec.Version)
	assert.True(t, rec.ExpiresAt.IsZero())
}

func testCompareAndSwap(t *testing.T, s kv.Store, _ *testutil.Clock) {
	ctx := context.Background()

	v1, err := s.Set(ctx, "round", []byte("created"), 0)
	require.NoError(t, err)

	v2, err := s.CompareAndSwap(ctx, "round", []byte("joined"), v1, 0)
	require.NoError(t, err)

	// A writer still holding v1 must lose.
	_, err = s.CompareAndSwap(ctx, "round", []byte("stale"), v1, 0)
	assert.ErrorIs(t, err, kv.ErrVersionConflict)

	rec, err := s.Get(ctx, "round")
	require.NoError(t, err)
	assert.Equal(t, "joined", string(rec.Value))
	assert.Equal(t, v2, rec.Version)

	_, err = s.CompareAndSwap(ctx, "missing", []byte("x"), 7, 0)
	assert.ErrorIs(t, err, kv.ErrVersionConflict)
}

func testCreateOnlyCAS(t *testing.T, s kv.Store, _ *testutil.Clock) {
	ctx := context.Background()

	v, err := s.CompareAndSwap(ctx, "new", []byte("1"), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = s.CompareAndSwap(ctx, "new", []byte("2"), 0, 0)
	assert.ErrorIs(t, err, kv.ErrVersionConflict)
}

func testSetIfAbsentExpiry(t *testing.T, s kv.Store, clock *testutil.Clock) {
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "lock", []byte("owner-1"), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIfAbsent(ctx, "lock", []byte("owner-2"), 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "live key must not be taken")

	clock.Advance(31 * time.Second)

	_, err = s.Get(ctx, "lock")
	assert.ErrorIs(t, err, kv.ErrNotFound, "expired key behaves as absent")

	ok, err = s.SetIfAbsent(ctx, "lock", []byte("owner-2"), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be re-taken")

	rec, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "owner-2", string(rec.Value))
	assert.False(t, rec.ExpiresAt.IsZero())
}

func testDeleteWithVersion(t *testing.T, s kv.Store, _ *testutil.Clock) {
	ctx := context.Background()

	v, err := s.Set(ctx, "k", []byte("x"), 0)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, "k", v+1), kv.ErrVersionConflict)
	require.NoError(t, s.Delete(ctx, "k", v))

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	assert.NoError(t, s.Delete(ctx, "k", 0), "deleting a missing key is not an error")
}

// ============================================================================
// Indexes
// ============================================================================

func testIndexes(t *testing.T, s kv.Store, _ *testutil.Clock) {
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.IndexAdd(ctx, "flips:all", id, int64(100+i)))
	}
	require.NoError(t, s.IndexAdd(ctx, "flips:all", "a", 200)) // upsert moves a to the top

	all := kv.RangeQuery{Min: 0, Max: 1 << 62, Descending: true}
	members, err := s.RangeByScore(ctx, "flips:all", all)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "d", "c", "b"}, members)

	members, err = s.RangeByScore(ctx, "flips:all", kv.RangeQuery{Min: 0, Max: 1 << 62, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, members)

	require.NoError(t, s.IndexRemove(ctx, "flips:all", "d"))
	members, err = s.RangeByScore(ctx, "flips:all", all)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, members)

	members, err = s.RangeByScore(ctx, "empty", all)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func testPurgeExpired(t *testing.T, s kv.Store, clock *testutil.Clock) {
	ctx := context.Background()

	_, err := s.Set(ctx, "short", []byte("x"), time.Second)
	require.NoError(t, err)
	_, err = s.Set(ctx, "forever", []byte("y"), 0)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "forever")
	assert.NoError(t, err)
}

func testConcurrentSetIfAbsent(t *testing.T, s kv.Store, _ *testutil.Clock) {
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.SetIfAbsent(ctx, "flip:usedref:sig", []byte(fmt.Sprintf("round-%d", i)), 0)
			if err != nil {
				t.Errorf("SetIfAbsent: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one claimant must win")
}
