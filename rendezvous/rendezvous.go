// Package rendezvous lets the processes of a group discover each other and agree on
// membership before any collective runs.
package rendezvous

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/wire"
)

// Rendezvous forms a group out of independently started processes.
type Rendezvous interface {
	// Join announces self and blocks until every rank of the group has joined,
	// the context is done or the rendezvous fails.
	Join(ctx context.Context, self Member) (*Membership, error)

	// Leave releases whatever Join acquired. It is safe to call after a failed Join.
	Leave() error
}

type Dialer func(context.Context, string) (net.Conn, error)

// DialTCP is a Dialer over plain TCP.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Member is a single process of the group.
type Member struct {
	// Rank uniquely identifies the process within the group.
	Rank int `json:"rank"`

	// WorldSize is the number of processes the member expects in the group.
	WorldSize int `json:"world_size"`

	// Addr is where the member accepts collective traffic.
	Addr string `json:"addr"`

	Hostname string `json:"hostname,omitempty"`
}

func (m Member) String() string {
	if m.Hostname == "" {
		return fmt.Sprintf("rank %d (%s)", m.Rank, m.Addr)
	}
	return fmt.Sprintf("rank %d (%s, %s)", m.Rank, m.Addr, m.Hostname)
}

// Membership is the agreed upon group. Members are ordered by rank.
type Membership struct {
	RunID   string
	Members []Member
}

func (ms *Membership) WorldSize() int {
	return len(ms.Members)
}

func (ms *Membership) Member(rank int) (Member, error) {
	if rank < 0 || rank >= len(ms.Members) {
		return Member{}, fmt.Errorf("rank %d is outside a group of %d", rank, len(ms.Members))
	}
	return ms.Members[rank], nil
}

// Validate checks that ms is a complete group containing self.
func (ms *Membership) Validate(self Member) error {
	if len(ms.Members) != self.WorldSize {
		return errdefs.ConfigMismatch(self.Rank, "join",
			fmt.Errorf("group has %d members, expected world size %d", len(ms.Members), self.WorldSize))
	}
	if self.Rank < 0 || self.Rank >= len(ms.Members) {
		return errdefs.ConfigMismatch(self.Rank, "join", fmt.Errorf("rank %d is outside [0, %d)", self.Rank, len(ms.Members)))
	}
	for i, m := range ms.Members {
		if m.Rank != i {
			return errdefs.ConfigMismatch(self.Rank, "join", fmt.Errorf("member at position %d reports rank %d", i, m.Rank))
		}
	}
	if got := ms.Members[self.Rank]; got.Addr != self.Addr {
		return errdefs.ConfigMismatch(self.Rank, "join",
			fmt.Errorf("rank %d is registered at %s, not %s", self.Rank, got.Addr, self.Addr))
	}
	return nil
}

// CheckMember validates a member against the world size the group was formed with.
func CheckMember(m Member, worldSize int) error {
	if m.WorldSize != worldSize {
		return errdefs.ConfigMismatch(m.Rank, "join",
			fmt.Errorf("world size %d does not match the group world size %d", m.WorldSize, worldSize))
	}
	if m.Rank < 0 || m.Rank >= worldSize {
		return errdefs.ConfigMismatch(m.Rank, "join",
			fmt.Errorf("rank %d is outside [0, %d)", m.Rank, worldSize))
	}
	if m.Addr == "" {
		return errdefs.ConfigMismatch(m.Rank, "join", fmt.Errorf("rank %d has no address", m.Rank))
	}
	return nil
}

func newMembership(runID string, members map[int]Member) *Membership {
	ms := &Membership{RunID: runID, Members: make([]Member, 0, len(members))}
	for _, m := range members {
		ms.Members = append(ms.Members, m)
	}
	sort.Slice(ms.Members, func(i, j int) bool {
		return ms.Members[i].Rank < ms.Members[j].Rank
	})
	return ms
}

func memberToWire(m Member) *wire.Member {
	return &wire.Member{
		Rank:      int64(m.Rank),
		WorldSize: int64(m.WorldSize),
		Addr:      m.Addr,
		Hostname:  m.Hostname,
	}
}

func memberFromWire(m *wire.Member) Member {
	if m == nil {
		return Member{}
	}
	return Member{
		Rank:      int(m.Rank),
		WorldSize: int(m.WorldSize),
		Addr:      m.Addr,
		Hostname:  m.Hostname,
	}
}
