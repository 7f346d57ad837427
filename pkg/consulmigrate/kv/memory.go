package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

type memSession struct {
	name    string
	expires time.Time
}

// MemoryStore is an in-process Store with the same session semantics as
// Consul. Sessions with a TTL expire against the store's clock and release
// their keys when they do.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	index    uint64
	pairs    map[string]*Pair
	sessions map[string]memSession
}

// NewMemoryStore создаёт пустое хранилище в памяти.
// NewMemoryStore returns an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.New())
}

// NewMemoryStoreWithClock returns an empty store driven by c.
func NewMemoryStoreWithClock(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:    c,
		pairs:    make(map[string]*Pair),
		sessions: make(map[string]memSession),
	}
}

// Get returns nil, nil for a missing key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	p, ok := s.pairs[key]
	if !ok {
		return nil, nil
	}
	return copyPair(p), nil
}

// List returns the pairs under prefix sorted by key.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]*Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	var out []*Pair
	for k, p := range s.pairs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, copyPair(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Put writes value without regard to locks.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairs[key]
	if !ok {
		p = &Pair{Key: key}
		s.pairs[key] = p
	}
	p.Value = append([]byte(nil), value...)
	s.index++
	p.ModifyIndex = s.index
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pairs, key)
	s.index++
	return nil
}

// CreateSession starts a session that expires after ttl.
func (s *MemoryStore) CreateSession(ctx context.Context, name string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	sess := memSession{name: name}
	if ttl > 0 {
		sess.expires = s.clock.Now().Add(ttl)
	}
	s.sessions[id] = sess
	return id, nil
}

func (s *MemoryStore) DestroySession(ctx context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked(session)
	return nil
}

// Acquire writes key and binds it to session unless another session holds it.
func (s *MemoryStore) Acquire(ctx context.Context, key string, value []byte, session string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	if _, ok := s.sessions[session]; !ok {
		return false, ErrSessionInvalid
	}
	p, ok := s.pairs[key]
	if ok && p.Session != "" && p.Session != session {
		return false, nil
	}
	if !ok {
		p = &Pair{Key: key}
		s.pairs[key] = p
	}
	p.Value = append([]byte(nil), value...)
	p.Session = session
	s.index++
	p.ModifyIndex = s.index
	return true, nil
}

// Release unbinds key from session.
func (s *MemoryStore) Release(ctx context.Context, key string, session string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	p, ok := s.pairs[key]
	if !ok || p.Session != session {
		return false, nil
	}
	p.Session = ""
	s.index++
	p.ModifyIndex = s.index
	return true, nil
}

// Sessions returns the number of live sessions.
func (s *MemoryStore) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.sessions)
}

func (s *MemoryStore) expireLocked() {
	now := s.clock.Now()
	for id, sess := range s.sessions {
		if !sess.expires.IsZero() && !now.Before(sess.expires) {
			s.destroyLocked(id)
		}
	}
}

func (s *MemoryStore) destroyLocked(session string) {
	delete(s.sessions, session)
	for _, p := range s.pairs {
		if p.Session == session {
			p.Session = ""
		}
	}
}

func copyPair(p *Pair) *Pair {
	c := *p
	c.Value = append([]byte(nil), p.Value...)
	return &c
}
