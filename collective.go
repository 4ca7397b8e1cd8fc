package distcheck

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/metrics"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
)

const (
	OpAllGather = "all_gather"
	OpBroadcast = "broadcast"
	OpBarrier   = "barrier"
	OpAllReduce = "all_reduce"
)

type ReduceOp int

const (
	Sum ReduceOp = iota
	Max
	Min
)

func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Max:
		return "max"
	case Min:
		return "min"
	}
	return fmt.Sprintf("ReduceOp(%d)", int(op))
}

func (op ReduceOp) apply(a, b float64) float64 {
	switch op {
	case Max:
		return math.Max(a, b)
	case Min:
		return math.Min(a, b)
	default:
		return a + b
	}
}

// AllGather returns every rank's values indexed by rank.
func (g *Group) AllGather(ctx context.Context, values []float64) ([][]float64, error) {
	var out [][]float64
	err := g.run(ctx, OpAllGather, func(ctx context.Context, seq uint64) error {
		var err error
		out, err = g.exchange(ctx, seq, OpAllGather, values)
		return err
	})
	return out, err
}

// Broadcast delivers root's values to every rank. The values passed by other
// ranks are ignored; the returned slice is always a fresh copy.
func (g *Group) Broadcast(ctx context.Context, values []float64, root int) ([]float64, error) {
	var out []float64
	err := g.run(ctx, OpBroadcast, func(ctx context.Context, seq uint64) error {
		if root < 0 || root >= g.opts.WorldSize {
			return errdefs.ConfigMismatch(g.opts.Rank, OpBroadcast, fmt.Errorf("root %d is outside [0, %d)", root, g.opts.WorldSize))
		}

		if g.opts.Rank != root {
			env, err := g.recv(ctx, seq, OpBroadcast, root)
			if err != nil {
				return err
			}
			out = env.Values
			return nil
		}

		env := &Envelope{Seq: seq, Op: OpBroadcast, Src: root, Values: values}
		eg, ectx := errgroup.WithContext(ctx)
		for _, m := range g.membership.Members {
			if m.Rank == root {
				continue
			}
			eg.Go(func() error {
				return g.send(ectx, OpBroadcast, m, env)
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		out = append([]float64{}, values...)
		return nil
	})
	return out, err
}

// Barrier returns once every rank entered it.
func (g *Group) Barrier(ctx context.Context) error {
	return g.run(ctx, OpBarrier, func(ctx context.Context, seq uint64) error {
		_, err := g.exchange(ctx, seq, OpBarrier, nil)
		return err
	})
}

// AllReduce combines the values of every rank element-wise with op. Contributions
// are folded in rank order, so every rank computes a bit-identical result.
func (g *Group) AllReduce(ctx context.Context, values []float64, op ReduceOp) ([]float64, error) {
	var out []float64
	err := g.run(ctx, OpAllReduce, func(ctx context.Context, seq uint64) error {
		gathered, err := g.exchange(ctx, seq, OpAllReduce, values)
		if err != nil {
			return err
		}
		for r, v := range gathered {
			if len(v) != len(values) {
				return errdefs.ConfigMismatch(g.opts.Rank, OpAllReduce,
					fmt.Errorf("rank %d contributed %d values, this rank %d", r, len(v), len(values)))
			}
		}

		out = append([]float64{}, gathered[0]...)
		for _, v := range gathered[1:] {
			for i := range out {
				out[i] = op.apply(out[i], v[i])
			}
		}
		return nil
	})
	return out, err
}

// run executes one collective call under the group lock and the op timeout.
func (g *Group) run(ctx context.Context, op string, fn func(ctx context.Context, seq uint64) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.State() {
	case Joined:
	case TornDown:
		return fmt.Errorf("%s: %w", op, ErrGroupDestroyed)
	default:
		return fmt.Errorf("%s: group has not been joined", op)
	}

	g.seq++
	ctx, cancel := context.WithTimeout(ctx, g.opts.OpTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx, g.seq)
	metrics.ObserveCollective(op, time.Since(start), err)
	if err != nil {
		g.logger.Warnw("collective failed", "op", op, "seq", g.seq, "error", err)
		return err
	}
	g.logger.Debugw("collective done", "op", op, "seq", g.seq, "took", time.Since(start))
	return nil
}

// exchange sends values to every other rank and collects theirs.
func (g *Group) exchange(ctx context.Context, seq uint64, op string, values []float64) ([][]float64, error) {
	out := make([][]float64, g.opts.WorldSize)
	out[g.opts.Rank] = append([]float64{}, values...)

	env := &Envelope{Seq: seq, Op: op, Src: g.opts.Rank, Values: values}
	eg, ectx := errgroup.WithContext(ctx)
	for _, m := range g.membership.Members {
		if m.Rank == g.opts.Rank {
			continue
		}
		eg.Go(func() error {
			return g.send(ectx, op, m, env)
		})
		eg.Go(func() error {
			got, err := g.recv(ectx, seq, op, m.Rank)
			if err != nil {
				return err
			}
			out[m.Rank] = got.Values
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Group) send(ctx context.Context, op string, target rendezvous.Member, env *Envelope) error {
	if err := g.transport.Send(ctx, target, env); err != nil {
		return errdefs.Transport(g.opts.Rank, op, fmt.Errorf("send to %s: %w", target, err))
	}
	return nil
}

func (g *Group) recv(ctx context.Context, seq uint64, op string, src int) (*Envelope, error) {
	env, err := g.box.receive(ctx, seq, src)
	if err != nil {
		return nil, errdefs.Transport(g.opts.Rank, op,
			fmt.Errorf("no contribution from rank %d for call %d within %v: %w", src, seq, g.opts.OpTimeout, err))
	}
	if env.Op != op {
		return nil, errdefs.ConfigMismatch(g.opts.Rank, op,
			fmt.Errorf("rank %d issued %s as call %d", src, env.Op, seq))
	}
	return env, nil
}
