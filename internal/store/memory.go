package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryKV is an in-process KV implementation with the same semantics as
// the Redis adapter. Used by tests and by single-process deployments that
// have no external store.
type MemoryKV struct {
	mu      sync.Mutex
	strings map[string]string
	expiry  map[string]time.Time
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	locks   map[string]memoryLease

	// Clock is the time source; override in tests
	Clock func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryKV creates an empty in-memory store
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		strings: make(map[string]string),
		expiry:  make(map[string]time.Time),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		locks:   make(map[string]memoryLease),
		Clock:   time.Now,
	}
}

func (s *MemoryKV) expired(key string) bool {
	exp, ok := s.expiry[key]
	return ok && s.Clock().After(exp)
}

func (s *MemoryKV) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strings[key]
	if !ok || s.expired(key) {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = value
	if ttl > 0 {
		s.expiry[key] = s.Clock().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryKV) GetDel(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.strings[key]
	if !ok || s.expired(key) {
		return "", ErrNotFound
	}
	delete(s.strings, key)
	delete(s.expiry, key)
	return v, nil
}

func (s *MemoryKV) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.strings, key)
	delete(s.expiry, key)
	return nil
}

func (s *MemoryKV) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryKV) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashes[key] == nil {
		s.hashes[key] = make(map[string]string)
	}
	s.hashes[key][field] = value
	return nil
}

func (s *MemoryKV) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range fields {
		delete(s.hashes[key], f)
	}
	return nil
}

func (s *MemoryKV) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryKV) HGetDel(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.hashes[key][field]
	if !ok {
		return "", ErrNotFound
	}
	delete(s.hashes[key], field)
	return v, nil
}

func (s *MemoryKV) ZAdd(_ context.Context, key, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.zsets[key] == nil {
		s.zsets[key] = make(map[string]float64)
	}
	s.zsets[key][member] = score
	return nil
}

func (s *MemoryKV) ZRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.zsets[key], m)
	}
	return nil
}

func (s *MemoryKV) ZPopMin(_ context.Context, key string) (ZMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedMembers(key)
	if len(members) == 0 {
		return ZMember{}, ErrNotFound
	}
	min := members[0]
	delete(s.zsets[key], min.Member)
	return min, nil
}

func (s *MemoryKV) ZRange(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.sortedMembers(key)
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Member
	}
	return out, nil
}

// sortedMembers orders by score ascending, ties broken lexicographically
// by member, matching the Redis adapter's tie-break.
func (s *MemoryKV) sortedMembers(key string) []ZMember {
	set := s.zsets[key]
	members := make([]ZMember, 0, len(set))
	for m, score := range set {
		members = append(members, ZMember{Member: m, Score: score})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Score != members[j].Score {
			return members[i].Score < members[j].Score
		}
		return members[i].Member < members[j].Member
	})
	return members
}

func (s *MemoryKV) Ping(_ context.Context) error { return nil }

func (s *MemoryKV) Lock(name string, ttl time.Duration) Lock {
	return &memoryLock{store: s, name: name, ttl: ttl}
}

type memoryLock struct {
	store    *MemoryKV
	name     string
	token    string
	ttl      time.Duration
	acquired bool
}

func (l *memoryLock) tryAcquire() bool {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	now := l.store.Clock()
	lease, held := l.store.locks[l.name]
	if held && now.Before(lease.expires) {
		return false
	}
	l.token = l.name + "/" + now.Format(time.RFC3339Nano)
	l.store.locks[l.name] = memoryLease{token: l.token, expires: now.Add(l.ttl)}
	return true
}

func (l *memoryLock) Acquire(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		if l.tryAcquire() {
			l.acquired = true
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (l *memoryLock) Release(_ context.Context) error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if lease, held := l.store.locks[l.name]; held && lease.token == l.token {
		delete(l.store.locks, l.name)
	}
	return nil
}
