package memory

import (
	"context"
	"sync"
	"time"

	"dm-agent/internal/store"
)

type item struct {
	value     string
	list      []string
	expiresAt time.Time
}

// Store is an in-process store.Store. It coordinates goroutines of a single
// process only.
type Store struct {
	mu    sync.Mutex
	items map[string]*item
	now   func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		items: make(map[string]*item),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// live returns the item for key, evicting it if it has expired. Callers hold mu.
func (s *Store) live(key string) (*item, bool) {
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(it.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return it, true
}

func (s *Store) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.items[key] = &item{value: value, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = &item{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Store) Get(_ context.Context, key string) (store.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.live(key)
	if !ok {
		return store.Entry{}, false, nil
	}
	return store.Entry{Value: it.value, ExpiresAt: it.expiresAt}, true, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(key)
	delete(s.items, key)
	return ok, nil
}

func (s *Store) Append(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.live(key)
	if !ok {
		it = &item{}
		s.items[key] = it
	}
	it.list = append(it.list, value)
	it.expiresAt = s.now().Add(ttl)
	return nil
}

func (s *Store) Drain(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	delete(s.items, key)
	return it.list, nil
}
