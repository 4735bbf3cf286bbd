package leases

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps leases in process. Useful for tests and a single
// developer instance.
type MemoryStore struct {
	mu   sync.Mutex
	now  func() time.Time
	rows map[string]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, rows: make(map[string]Lease)}
}

func (s *MemoryStore) Acquire(_ context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := Validate(name, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur := s.rows[name]
	switch {
	case cur.Owner == owner && cur.Held(now):
	case cur.Held(now):
		return cur, false, nil
	default:
		cur = Lease{Name: name, Owner: owner, Term: cur.Term + 1}
	}
	cur.ExpiresAt = now.Add(ttl)
	s.rows[name] = cur
	return cur, true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return fmt.Errorf("%w: empty lease name or owner", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.rows[name]
	now := s.now()
	switch {
	case !ok || !cur.Held(now):
		return nil
	case cur.Owner != owner:
		return ErrNotOwner
	}
	cur.ExpiresAt = now
	s.rows[name] = cur
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.rows[name]
	return l, ok, nil
}

var _ Store = (*MemoryStore)(nil)
