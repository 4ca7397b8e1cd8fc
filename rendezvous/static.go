package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
)

// StaticRendezvous is a fixed definition of the whole group. Nothing is exchanged
// at join time, every process is expected to read the same member table.
type StaticRendezvous struct {
	members map[int]Member
	dial    Dialer
}

// NewStaticRendezvous reads a JSON object keyed by rank:
//
//	{"0": {"addr": "192.168.1.10:29600"}, "1": {"addr": "192.168.1.11:29600"}}
func NewStaticRendezvous(conf io.Reader) (*StaticRendezvous, error) {
	members := make(map[int]Member)
	if err := json.NewDecoder(conf).Decode(&members); err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("static member table is empty")
	}

	for rank, m := range members {
		if rank < 0 || rank >= len(members) {
			return nil, fmt.Errorf("rank %d is outside [0, %d), ranks must be contiguous", rank, len(members))
		}
		if m.Addr == "" {
			return nil, fmt.Errorf("rank %d has no address", rank)
		}
		m.Rank = rank
		m.WorldSize = len(members)
		members[rank] = m
	}

	// two ranks on one address would end up dialing each other's listener
	seen := make(map[string]int, len(members))
	for rank := 0; rank < len(members); rank++ {
		addr := strings.ToLower(members[rank].Addr)
		if prev, ok := seen[addr]; ok {
			return nil, errdefs.ConfigMismatch(rank, "config",
				fmt.Errorf("rank %d and rank %d share address %s", prev, rank, members[rank].Addr))
		}
		seen[addr] = rank
	}
	return &StaticRendezvous{members: members}, nil
}

func NewStaticRendezvousFromFile(path string) (*StaticRendezvous, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewStaticRendezvous(f)
}

func (s *StaticRendezvous) WorldSize() int {
	return len(s.members)
}

// Lookup returns the configured member for rank.
func (s *StaticRendezvous) Lookup(rank int) (Member, bool) {
	m, ok := s.members[rank]
	return m, ok
}

// WaitReachable makes Join block until every other member accepts a connection
// through dial. Without it Join returns immediately.
func (s *StaticRendezvous) WaitReachable(dial Dialer) {
	s.dial = dial
}

func (s *StaticRendezvous) Join(ctx context.Context, self Member) (*Membership, error) {
	if err := CheckMember(self, len(s.members)); err != nil {
		return nil, err
	}
	if want := s.members[self.Rank].Addr; want != self.Addr {
		return nil, errdefs.ConfigMismatch(self.Rank, "join",
			fmt.Errorf("member table lists rank %d at %s but it listens on %s", self.Rank, want, self.Addr))
	}
	if s.dial != nil {
		if err := s.waitPeers(ctx, self.Rank); err != nil {
			return nil, err
		}
	}

	ms := newMembership(s.runID(), s.members)
	ms.Members[self.Rank].Hostname = self.Hostname
	return ms, nil
}

// runID is derived from the member table so every process computes the same id.
func (s *StaticRendezvous) runID() string {
	addrs := make([]string, 0, len(s.members))
	for _, m := range s.members {
		addrs = append(addrs, fmt.Sprintf("%d=%s", m.Rank, m.Addr))
	}
	sort.Strings(addrs)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join(addrs, ","))).String()
}

func (s *StaticRendezvous) waitPeers(ctx context.Context, rank int) error {
	pending := make(map[int]string)
	for r, m := range s.members {
		if r != rank {
			pending[r] = m.Addr
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		for r, addr := range pending {
			conn, err := s.dial(ctx, addr)
			if err != nil {
				continue
			}
			_ = conn.Close()
			delete(pending, r)
		}
		if len(pending) > 0 {
			return fmt.Errorf("%d of %d ranks unreachable", len(pending), len(s.members))
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		missing := make([]int, 0, len(pending))
		for r := range pending {
			missing = append(missing, r)
		}
		sort.Ints(missing)
		return errdefs.Rendezvous(rank, "join", fmt.Errorf("ranks %v never accepted a connection: %w", missing, err))
	}
	return nil
}

func (s *StaticRendezvous) Leave() error {
	return nil
}
