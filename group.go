// Package distcheck forms a process group out of independently started processes and
// runs collective operations (all-gather, broadcast, barrier, all-reduce) across it.
// It is used to verify that machines meant for distributed training can actually
// reach each other before any real workload is scheduled on them.
package distcheck

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/log"
	"github.com/Mathew-Estafanous/distcheck/metrics"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
)

type State int32

const (
	Uninitialized State = iota
	Joined
	TornDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Joined:
		return "JOINED"
	case TornDown:
		return "TORN_DOWN"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var (
	ErrGroupDestroyed = errors.New("process group has been destroyed")
	ErrNilRendezvous  = errors.New("nil rendezvous provided")
	ErrNilTransport   = errors.New("nil transport provided")
)

// Options describe the local process and the bounds it waits for others.
type Options struct {
	Rank      int
	WorldSize int

	// Timeout bounds the rendezvous. A group that has not formed by then is
	// never used.
	Timeout time.Duration

	// OpTimeout bounds every collective call.
	OpTimeout time.Duration

	// Hostname is announced to the other ranks. Defaults to os.Hostname.
	Hostname string
}

var DefaultOpts = Options{
	Timeout:   30 * time.Second,
	OpTimeout: 30 * time.Second,
}

// Group is this process's membership in a formed group. There is exactly one per
// process and it cannot be shared with another process.
type Group struct {
	opts      Options
	transport Transport
	rdzv      rendezvous.Rendezvous
	box       *mailbox
	logger    *zap.SugaredLogger

	state atomic.Int32

	// mu serializes collective calls and teardown.
	mu         sync.Mutex
	seq        uint64
	self       rendezvous.Member
	membership *rendezvous.Membership
}

// Init starts the transport, joins the rendezvous and returns the formed group.
// Init fails rather than returning a partially formed group: on error the transport
// is stopped and the rendezvous left before returning.
func Init(ctx context.Context, opts Options, rdzv rendezvous.Rendezvous, t Transport) (*Group, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultOpts.Timeout
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = DefaultOpts.OpTimeout
	}
	if opts.Hostname == "" {
		opts.Hostname, _ = os.Hostname()
	}
	if err := ValidateIdentity(opts.Rank, opts.WorldSize); err != nil {
		return nil, err
	}
	if rdzv == nil {
		return nil, errdefs.ConfigMismatch(opts.Rank, "init", ErrNilRendezvous)
	}
	if t == nil {
		return nil, errdefs.ConfigMismatch(opts.Rank, "init", ErrNilTransport)
	}

	g := &Group{
		opts:      opts,
		transport: t,
		rdzv:      rdzv,
		box:       newMailbox(),
		logger:    log.Logger.With("rank", opts.Rank),
	}

	if err := t.RegisterHandler(g); err != nil {
		return nil, errdefs.Transport(opts.Rank, "init", err)
	}
	if err := t.Start(); err != nil {
		return nil, errdefs.Transport(opts.Rank, "listen", err)
	}

	g.self = rendezvous.Member{
		Rank:      opts.Rank,
		WorldSize: opts.WorldSize,
		Addr:      t.Addr(),
		Hostname:  opts.Hostname,
	}
	g.logger.Infow("joining group", "worldSize", opts.WorldSize, "addr", g.self.Addr, "timeout", opts.Timeout)

	start := time.Now()
	joinCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	ms, err := rdzv.Join(joinCtx, g.self)
	if err == nil {
		err = ms.Validate(g.self)
	}
	metrics.ObserveRendezvous(time.Since(start), err)
	if err != nil {
		g.abort()
		return nil, errdefs.Rendezvous(opts.Rank, "join", err)
	}

	g.membership = ms
	g.state.Store(int32(Joined))
	metrics.SetWorldSize(ms.WorldSize())
	g.logger.Infow("joined group", "runID", ms.RunID, "took", time.Since(start).Round(time.Millisecond))
	return g, nil
}

// ValidateIdentity checks 0 <= rank < worldSize.
func ValidateIdentity(rank, worldSize int) error {
	if worldSize < 1 {
		return errdefs.ConfigMismatch(rank, "init", fmt.Errorf("world size must be at least 1, got %d", worldSize))
	}
	if rank < 0 || rank >= worldSize {
		return errdefs.ConfigMismatch(rank, "init", fmt.Errorf("rank %d is outside [0, %d)", rank, worldSize))
	}
	return nil
}

func (g *Group) abort() {
	g.state.Store(int32(TornDown))
	if err := g.transport.Stop(); err != nil {
		g.logger.Warnw("failed to stop transport", "error", err)
	}
	if err := g.rdzv.Leave(); err != nil {
		g.logger.Warnw("failed to leave rendezvous", "error", err)
	}
}

// Destroy releases the transport and leaves the rendezvous. It is safe to call more
// than once.
func (g *Group) Destroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.state.CompareAndSwap(int32(Joined), int32(TornDown)) {
		return nil
	}
	g.logger.Infow("destroying group", "runID", g.RunID())
	return errors.Join(g.transport.Stop(), g.rdzv.Leave())
}

func (g *Group) State() State {
	return State(g.state.Load())
}

func (g *Group) Rank() int {
	return g.opts.Rank
}

func (g *Group) WorldSize() int {
	return g.opts.WorldSize
}

func (g *Group) RunID() string {
	if g.membership == nil {
		return ""
	}
	return g.membership.RunID
}

func (g *Group) Hostname() string {
	return g.opts.Hostname
}

// Members returns the group ordered by rank.
func (g *Group) Members() []rendezvous.Member {
	if g.membership == nil {
		return nil
	}
	return append([]rendezvous.Member{}, g.membership.Members...)
}

// OnEnvelope implements EnvelopeHandler. Envelopes may arrive before this rank
// finished joining and are kept until the matching call.
func (g *Group) OnEnvelope(env *Envelope) error {
	if g.State() == TornDown {
		return ErrGroupDestroyed
	}
	if env.Src < 0 || env.Src >= g.opts.WorldSize {
		return fmt.Errorf("envelope from rank %d outside a group of %d", env.Src, g.opts.WorldSize)
	}
	return g.box.deliver(env)
}
