package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node dev mode.
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	now     Clock
	records map[string]Record
	indexes map[string]map[string]int64 // index -> member -> score
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now Clock) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		records: make(map[string]Record),
		indexes: make(map[string]map[string]int64),
	}
}

// live returns the record if present and unexpired. Caller holds mu.
func (m *MemoryStore) live(key string, now time.Time) (Record, bool) {
	rec, ok := m.records[key]
	if !ok {
		return Record{}, false
	}
	if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
		return rec, false
	}
	return rec, true
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.live(key, m.now())
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prev := m.records[key] // version keeps increasing across expiry
	return m.write(key, value, prev.Version+1, expiryFrom(now, ttl)), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, value []byte, expected int64, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, ok := m.live(key, now)
	switch {
	case expected == 0 && ok:
		return 0, ErrVersionConflict
	case expected != 0 && (!ok || rec.Version != expected):
		return 0, ErrVersionConflict
	}
	return m.write(key, value, m.records[key].Version+1, expiryFrom(now, ttl)), nil
}

func (m *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	_, err := m.CompareAndSwap(ctx, key, value, 0, ttl)
	if err == ErrVersionConflict {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string, expected int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.live(key, m.now())
	if expected != 0 && (!ok || rec.Version != expected) {
		return ErrVersionConflict
	}
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) IndexAdd(ctx context.Context, index, member string, score int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexes[index]
	if !ok {
		idx = make(map[string]int64)
		m.indexes[index] = idx
	}
	idx[member] = score
	return nil
}

func (m *MemoryStore) IndexRemove(ctx context.Context, index, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.indexes[index], member)
	return nil
}

func (m *MemoryStore) RangeByScore(ctx context.Context, index string, q RangeQuery) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	type entry struct {
		member string
		score  int64
	}
	var entries []entry
	for member, score := range m.indexes[index] {
		if score >= q.Min && score <= q.Max {
			entries = append(entries, entry{member, score})
		}
	}
	m.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			if q.Descending {
				return entries[i].score > entries[j].score
			}
			return entries[i].score < entries[j].score
		}
		if q.Descending {
			return entries[i].member > entries[j].member
		}
		return entries[i].member < entries[j].member
	})

	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	members := make([]string, len(entries))
	for i, e := range entries {
		members[i] = e.member
	}
	return members, nil
}

func (m *MemoryStore) PurgeExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for key := range m.records {
		if _, ok := m.live(key, now); !ok {
			delete(m.records, key)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }

// write stores a copy of value. Caller holds mu.
func (m *MemoryStore) write(key string, value []byte, version int64, expiresAt time.Time) int64 {
	m.records[key] = Record{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   version,
		ExpiresAt: expiresAt,
	}
	return version
}

func copyRecord(r Record) Record {
	r.Value = append([]byte(nil), r.Value...)
	return r
}
