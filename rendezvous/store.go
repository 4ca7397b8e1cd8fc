package rendezvous

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
)

// Store is the coordinator state of a store based rendezvous. It records the members
// that registered and doubles as a small key/value store. A single Store is hosted
// by rank 0; every other process reaches it through a StoreClient.
type Store struct {
	worldSize int
	runID     string

	mu       sync.Mutex
	members  map[int]Member
	done     chan struct{}
	kv       map[string][]byte
	counters map[string]int64
}

func NewStore(worldSize int) *Store {
	return &Store{
		worldSize: worldSize,
		runID:     uuid.NewString(),
		members:   make(map[int]Member),
		done:      make(chan struct{}),
		kv:        make(map[string][]byte),
		counters:  make(map[string]int64),
	}
}

func (s *Store) WorldSize() int {
	return s.worldSize
}

// Register records m. Registering the same rank twice from the same address is a
// no-op so clients may retry.
func (s *Store) Register(m Member) error {
	if err := CheckMember(m, s.worldSize); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.members[m.Rank]; ok {
		if prev.Addr == m.Addr {
			return nil
		}
		return errdefs.ConfigMismatch(m.Rank, "join",
			fmt.Errorf("rank %d is already registered from %s", m.Rank, prev.Addr))
	}
	s.members[m.Rank] = m
	if len(s.members) == s.worldSize {
		close(s.done)
	}
	return nil
}

// Wait blocks until every rank registered. rank only labels the returned error.
func (s *Store) Wait(ctx context.Context, rank int) (*Membership, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return newMembership(s.runID, s.members), nil
	case <-ctx.Done():
		return nil, errdefs.Rendezvous(rank, "join",
			fmt.Errorf("%d of %d ranks joined (missing %v): %w", s.Joined(), s.worldSize, s.Missing(), ctx.Err()))
	}
}

// Join registers m and waits for the rest of the group.
func (s *Store) Join(ctx context.Context, m Member) (*Membership, error) {
	if err := s.Register(m); err != nil {
		return nil, err
	}
	return s.Wait(ctx, m.Rank)
}

func (s *Store) Joined() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Missing lists the ranks that have not registered yet.
func (s *Store) Missing() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []int
	for r := 0; r < s.worldSize; r++ {
		if _, ok := s.members[r]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

func (s *Store) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = append([]byte{}, value...)
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, false
	}
	return append([]byte{}, v...), true
}

// Add increments the counter at key by delta and returns the new value.
func (s *Store) Add(key string, delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += delta
	return s.counters[key]
}

// LocalRendezvous joins a Store living in the same process. It is mostly useful
// for running several ranks inside one binary.
type LocalRendezvous struct {
	store *Store
}

func NewLocalRendezvous(store *Store) *LocalRendezvous {
	return &LocalRendezvous{store: store}
}

func (l *LocalRendezvous) Join(ctx context.Context, self Member) (*Membership, error) {
	return l.store.Join(ctx, self)
}

func (l *LocalRendezvous) Leave() error {
	return nil
}
