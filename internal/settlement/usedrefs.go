package settlement

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"FlipSettle/internal/kv"
)

// usedRefs implements two-tier deposit reference deduplication.
//
// Tier 1 is an in-process LRU of refs this process claimed and then bound
// to a committed round; those can never be released. Tier 2 is the store's
// "flip:usedref:<ref>" keys, which are authoritative: Claim is a
// SetIfAbsent, so two processes racing on one ref cannot both win.
type usedRefs struct {
	lru   *refLRU
	store kv.Store
}

func newUsedRefs(store kv.Store, capacity int) *usedRefs {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &usedRefs{lru: newRefLRU(capacity), store: store}
}

func usedRefKey(ref string) string { return "flip:usedref:" + ref }

// Seen is the cheap pre-check done before any ledger call. A store error is
// reported as not seen; Claim still catches the duplicate. Store hits are
// not cached: a claim held by another process may still be released.
func (u *usedRefs) Seen(ctx context.Context, ref string) bool {
	if u.lru.Contains(ref) {
		return true
	}
	_, err := u.store.Get(ctx, usedRefKey(ref))
	return err == nil
}

// Claim marks ref as used by owner. Returns false if someone already has it.
func (u *usedRefs) Claim(ctx context.Context, ref, owner string) (bool, error) {
	return u.store.SetIfAbsent(ctx, usedRefKey(ref), []byte(owner), 0)
}

// Commit records that a claimed ref now backs a saved round.
func (u *usedRefs) Commit(ref string) {
	u.lru.Add(ref)
}

// Release undoes a Claim made by owner whose round write then lost a race.
func (u *usedRefs) Release(ctx context.Context, ref, owner string) error {
	key := usedRefKey(ref)
	rec, err := u.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		u.lru.Remove(ref)
		return nil
	}
	if err != nil {
		return err
	}
	if string(rec.Value) != owner {
		return nil
	}
	if err := u.store.Delete(ctx, key, rec.Version); err != nil && !errors.Is(err, kv.ErrVersionConflict) {
		return err
	}
	u.lru.Remove(ref)
	return nil
}

// Owner returns who claimed ref, empty if unclaimed.
func (u *usedRefs) Owner(ctx context.Context, ref string) (string, error) {
	rec, err := u.store.Get(ctx, usedRefKey(ref))
	if errors.Is(err, kv.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(rec.Value), nil
}

// --- LRU ---

// refLRU is a bounded set of refs, most recently used first.
type refLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	order    *list.List
}

func newRefLRU(capacity int) *refLRU {
	return &refLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Contains checks if ref exists (promotes to front)
func (l *refLRU) Contains(ref string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	elem, ok := l.cache[ref]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

// Add inserts ref (or promotes if present)
func (l *refLRU) Add(ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.cache[ref]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.cache[ref] = l.order.PushFront(ref)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(string))
	}
}

func (l *refLRU) Remove(ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.cache[ref]; ok {
		l.order.Remove(elem)
		delete(l.cache, ref)
	}
}

func (l *refLRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}
