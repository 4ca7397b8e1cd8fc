package rendezvous

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Mathew-Estafanous/memlist"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/log"
)

// GossipMeta is the metadata every gossip member carries. Only rank 0 sets RunID.
type GossipMeta struct {
	Member Member
	RunID  string
}

type GossipConfig struct {
	// BindAddr and BindPort are where this process runs its gossip member.
	BindAddr string
	BindPort uint16

	// Seed is the gossip address of rank 0. Ranks other than 0 join through it.
	Seed string

	WorldSize int

	// LeaveTimeout bounds how long Leave waits to announce the departure.
	LeaveTimeout time.Duration

	// Dialer checks the seed before joining it. Defaults to DialTCP.
	Dialer      Dialer
	DialTimeout time.Duration
}

// GossipRendezvous forms the group through memlist membership gossip instead of a
// central store. The group exists once the local view holds WorldSize alive members.
type GossipRendezvous struct {
	cfg    GossipConfig
	member *memlist.Member
	view   *memberView
	logger *zap.SugaredLogger
}

func NewGossipRendezvous(config *GossipConfig) *GossipRendezvous {
	gob.Register(GossipMeta{})
	cfg := *config
	if cfg.LeaveTimeout == 0 {
		cfg.LeaveTimeout = time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialTCP
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = time.Second
	}
	return &GossipRendezvous{
		cfg:    cfg,
		view:   newMemberView(cfg.WorldSize),
		logger: log.Logger.With("component", "gossip", "port", cfg.BindPort),
	}
}

func (g *GossipRendezvous) Join(ctx context.Context, self Member) (*Membership, error) {
	if err := CheckMember(self, g.cfg.WorldSize); err != nil {
		return nil, err
	}

	meta := GossipMeta{Member: self}
	if self.Rank == 0 {
		meta.RunID = uuid.NewString()
	}
	g.view.apply(meta, true)

	config := memlist.DefaultLocalConfig()
	config.Name = "rank-" + strconv.Itoa(self.Rank)
	config.BindAddr = g.cfg.BindAddr
	config.BindPort = g.cfg.BindPort
	config.EventListener = g
	config.MetaData = meta

	member, err := memlist.Create(config)
	if err != nil {
		return nil, errdefs.Rendezvous(self.Rank, "listen",
			fmt.Errorf("cannot start gossip member on %s:%d: %w", g.cfg.BindAddr, g.cfg.BindPort, err))
	}
	g.member = member

	if self.Rank != 0 {
		join := func() error {
			if err := g.seedReachable(ctx); err != nil {
				return err
			}
			return g.joinSeed()
		}
		notify := func(err error, next time.Duration) {
			g.logger.Debugw("seed not reachable yet, retrying", "seed", g.cfg.Seed, "retryIn", next, "error", err)
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxInterval = 2 * time.Second
		bo.MaxElapsedTime = 0
		if err := backoff.RetryNotify(join, backoff.WithContext(bo, ctx), notify); err != nil {
			return nil, errdefs.Rendezvous(self.Rank, "join", fmt.Errorf("gossip seed %s: %w", g.cfg.Seed, err))
		}
	}

	ms, err := g.view.wait(ctx, self.Rank)
	if err != nil {
		return nil, err
	}
	if err := ms.Validate(self); err != nil {
		return nil, err
	}
	g.logger.Infow("group formed", "rank", self.Rank, "worldSize", ms.WorldSize(), "runID", ms.RunID)
	return ms, nil
}

// seedReachable checks that the seed accepts connections. memlist cannot be asked to
// join an address that refuses the dial.
func (g *GossipRendezvous) seedReachable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.DialTimeout)
	defer cancel()
	conn, err := g.cfg.Dialer(ctx, g.cfg.Seed)
	if err != nil {
		return err
	}
	return conn.Close()
}

// joinSeed turns a panic inside memlist into a retryable error. The seed may still
// go away between seedReachable and the join.
func (g *GossipRendezvous) joinSeed() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errSeedUnreachable, r)
		}
	}()
	return g.member.Join(g.cfg.Seed)
}

var errSeedUnreachable = errors.New("gossip seed unreachable")

// OnMembershipChange is called by memlist whenever a peer changes state.
func (g *GossipRendezvous) OnMembershipChange(peer memlist.Node) {
	meta, ok := peer.Data.(GossipMeta)
	if !ok {
		g.logger.Warnw("ignoring gossip member without metadata", "data", peer.Data)
		return
	}
	switch peer.State {
	case memlist.Alive:
		g.view.apply(meta, true)
	case memlist.Left, memlist.Dead:
		g.view.apply(meta, false)
	}
}

func (g *GossipRendezvous) Leave() error {
	if g.member == nil {
		return nil
	}
	member := g.member
	g.member = nil

	// A leave is only announced through live peers. When every peer is already
	// gone the broadcast never completes, so the member is shut down instead.
	if member.TotalNodes() == 0 {
		return member.Shutdown()
	}
	if err := member.Leave(g.cfg.LeaveTimeout); err != nil {
		g.logger.Debugw("leave was not acknowledged, shutting down", "error", err)
		return member.Shutdown()
	}
	return nil
}

// memberView is the local picture of the group built from gossip events.
type memberView struct {
	worldSize int

	mu      sync.Mutex
	members map[int]Member
	runID   string
	err     error
	changed chan struct{}
}

func newMemberView(worldSize int) *memberView {
	return &memberView{
		worldSize: worldSize,
		members:   make(map[int]Member),
		changed:   make(chan struct{}, 1),
	}
}

func (v *memberView) apply(meta GossipMeta, alive bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m := meta.Member
	if !alive {
		if cur, ok := v.members[m.Rank]; ok && cur.Addr == m.Addr {
			delete(v.members, m.Rank)
		}
		v.notify()
		return
	}

	if err := CheckMember(m, v.worldSize); err != nil {
		if v.err == nil {
			v.err = err
		}
		v.notify()
		return
	}
	if cur, ok := v.members[m.Rank]; ok && cur.Addr != m.Addr && v.err == nil {
		v.err = errdefs.ConfigMismatch(m.Rank, "join",
			fmt.Errorf("rank %d announced from both %s and %s", m.Rank, cur.Addr, m.Addr))
	}
	v.members[m.Rank] = m
	if meta.RunID != "" {
		v.runID = meta.RunID
	}
	v.notify()
}

func (v *memberView) notify() {
	select {
	case v.changed <- struct{}{}:
	default:
	}
}

// snapshot returns the membership once the view is complete.
func (v *memberView) snapshot() (*Membership, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, false, v.err
	}
	if len(v.members) < v.worldSize || v.runID == "" {
		return nil, false, nil
	}
	return newMembership(v.runID, v.members), true, nil
}

func (v *memberView) wait(ctx context.Context, rank int) (*Membership, error) {
	for {
		ms, ok, err := v.snapshot()
		if err != nil {
			return nil, err
		}
		if ok {
			return ms, nil
		}
		select {
		case <-v.changed:
		case <-ctx.Done():
			v.mu.Lock()
			seen := len(v.members)
			v.mu.Unlock()
			return nil, errdefs.Rendezvous(rank, "join",
				fmt.Errorf("%d of %d ranks seen through gossip: %w", seen, v.worldSize, ctx.Err()))
		}
	}
}
