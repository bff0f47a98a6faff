package limiter

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type memoryShard struct {
	mu     sync.Mutex
	states map[string]State
}

// MemoryStore is an in-process Store.
//
// It is safe for concurrent use by multiple goroutines, but its state is local
// to the process and is not shared across replicas. Use RedisStore or the SQL
// store when several instances must share one budget per identity.
type MemoryStore struct {
	shards  []*memoryShard
	aligner Aligner
}

// NewMemoryStore constructs a MemoryStore with empty state. It honours
// WithShards and WithAligner.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions(opts)
	m := &MemoryStore{
		shards:  make([]*memoryShard, o.shards),
		aligner: o.aligner,
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{states: make(map[string]State)}
	}
	return m
}

func (m *MemoryStore) shard(key string) *memoryShard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *MemoryStore) ReadState(ctx context.Context, id Identity) (State, bool, error) {
	key := id.String()
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.states[key]
	return st, ok, nil
}

func (m *MemoryStore) ResetState(ctx context.Context, id Identity, startTime int64) (int64, error) {
	if m.aligner != nil {
		startTime = m.aligner(startTime)
	}
	key := id.String()
	sh := m.shard(key)
	sh.mu.Lock()
	sh.states[key] = State{StartTime: startTime}
	sh.mu.Unlock()
	return startTime, nil
}

func (m *MemoryStore) RenewState(ctx context.Context, id Identity, stale *State, startTime int64) (State, bool, error) {
	if m.aligner != nil {
		startTime = m.aligner(startTime)
	}
	key := id.String()
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.states[key]
	if !Renewable(stale, cur, ok) {
		return cur, false, nil
	}
	cur = State{StartTime: startTime}
	sh.states[key] = cur
	return cur, true, nil
}

func (m *MemoryStore) IncrementHits(ctx context.Context, id Identity, last State, n int64) (int64, error) {
	key := id.String()
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.states[key]
	if !ok {
		return 0, nil
	}
	got := Admissible(last, cur, n)
	cur.Hits += got
	sh.states[key] = cur
	return got, nil
}

// Delete forgets the state of id.
func (m *MemoryStore) Delete(ctx context.Context, id Identity) error {
	key := id.String()
	sh := m.shard(key)
	sh.mu.Lock()
	delete(sh.states, key)
	sh.mu.Unlock()
	return nil
}

// Sweep drops every state whose window started before cutoff and returns how
// many were removed. Long-running processes call it periodically, since the
// store itself never evicts.
func (m *MemoryStore) Sweep(cutoff int64) int {
	removed := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for key, st := range sh.states {
			if st.StartTime < cutoff {
				delete(sh.states, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of identities with state.
func (m *MemoryStore) Len() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		total += len(sh.states)
		sh.mu.Unlock()
	}
	return total
}

var _ Store = (*MemoryStore)(nil)
