package distcheck_test

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Mathew-Estafanous/distcheck"
	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
	"github.com/Mathew-Estafanous/distcheck/transport"
)

// formGroup joins worldSize in-memory ranks concurrently.
func formGroup(t *testing.T, worldSize int, opTimeout time.Duration) []*distcheck.Group {
	t.Helper()
	store := rendezvous.NewStore(worldSize)
	reg := transport.NewRegistry()

	groups := make([]*distcheck.Group, worldSize)
	eg, ctx := errgroup.WithContext(context.Background())
	for rank := 0; rank < worldSize; rank++ {
		eg.Go(func() error {
			opts := distcheck.Options{
				Rank:      rank,
				WorldSize: worldSize,
				Timeout:   5 * time.Second,
				OpTimeout: opTimeout,
			}
			tr := transport.NewMemoryTransport(fmt.Sprintf("rank-%d", rank), reg)
			g, err := distcheck.Init(ctx, opts, rendezvous.NewLocalRendezvous(store), tr)
			if err != nil {
				return err
			}
			groups[rank] = g
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	t.Cleanup(func() {
		for _, g := range groups {
			_ = g.Destroy()
		}
	})
	return groups
}

// each runs fn on every rank concurrently.
func each(groups []*distcheck.Group, fn func(g *distcheck.Group) error) error {
	var eg errgroup.Group
	for _, g := range groups {
		eg.Go(func() error {
			return fn(g)
		})
	}
	return eg.Wait()
}

func TestInit_FormsGroup(t *testing.T) {
	groups := formGroup(t, 3, time.Second)
	runID := groups[0].RunID()
	require.NotEmpty(t, runID)

	for rank, g := range groups {
		assert.Equal(t, distcheck.Joined, g.State())
		assert.Equal(t, rank, g.Rank())
		assert.Equal(t, 3, g.WorldSize())
		assert.Equal(t, runID, g.RunID())

		members := g.Members()
		require.Len(t, members, 3)
		for i, m := range members {
			assert.Equal(t, i, m.Rank)
			assert.Equal(t, fmt.Sprintf("rank-%d", i), m.Addr)
		}
	}
}

func TestInit_InvalidIdentity(t *testing.T) {
	tests := []struct {
		name      string
		rank      int
		worldSize int
	}{
		{"zero world size", 0, 0},
		{"negative rank", -1, 2},
		{"rank equals world size", 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := transport.NewMemoryTransport("rank", transport.NewRegistry())
			_, err := distcheck.Init(context.Background(),
				distcheck.Options{Rank: tt.rank, WorldSize: tt.worldSize},
				rendezvous.NewLocalRendezvous(rendezvous.NewStore(2)), tr)
			require.Error(t, err)
			assert.True(t, errdefs.IsConfigMismatch(err))
		})
	}
}

func TestInit_MissingRankTimesOut(t *testing.T) {
	store := rendezvous.NewStore(2)
	reg := transport.NewRegistry()
	tr := transport.NewMemoryTransport("rank-0", reg)

	start := time.Now()
	_, err := distcheck.Init(context.Background(),
		distcheck.Options{Rank: 0, WorldSize: 2, Timeout: 200 * time.Millisecond},
		rendezvous.NewLocalRendezvous(store), tr)
	require.Error(t, err)
	assert.True(t, errdefs.IsRendezvous(err))
	assert.Contains(t, err.Error(), "missing [1]")
	assert.Less(t, time.Since(start), 2*time.Second)

	// the transport was released so the address can be reused
	again := transport.NewMemoryTransport("rank-0", reg)
	require.NoError(t, again.RegisterHandler(nopHandler{}))
	assert.NoError(t, again.Start())
}

func TestInit_WorldSizeMismatch(t *testing.T) {
	store := rendezvous.NewStore(2)
	tr := transport.NewMemoryTransport("rank-1", transport.NewRegistry())

	_, err := distcheck.Init(context.Background(),
		distcheck.Options{Rank: 1, WorldSize: 3, Timeout: time.Second},
		rendezvous.NewLocalRendezvous(store), tr)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfigMismatch(err))
}

type nopHandler struct{}

func (nopHandler) OnEnvelope(*distcheck.Envelope) error { return nil }

func TestAllGather(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4} {
		t.Run(fmt.Sprintf("world=%d", n), func(t *testing.T) {
			groups := formGroup(t, n, 2*time.Second)
			results := make([][][]float64, n)

			err := each(groups, func(g *distcheck.Group) error {
				r := float64(g.Rank())
				out, err := g.AllGather(context.Background(), []float64{r * 100, r*100 + 10, r*100 + 20})
				results[g.Rank()] = out
				return err
			})
			require.NoError(t, err)

			for _, out := range results {
				require.Len(t, out, n)
				for src, v := range out {
					s := float64(src)
					assert.Equal(t, []float64{s * 100, s*100 + 10, s*100 + 20}, v)
				}
			}
		})
	}
}

func TestBroadcast(t *testing.T) {
	groups := formGroup(t, 4, 2*time.Second)
	results := make([][]float64, 4)

	err := each(groups, func(g *distcheck.Group) error {
		in := []float64{0, 0, 0}
		if g.Rank() == 2 {
			in = []float64{42, 100, 256}
		}
		out, err := g.Broadcast(context.Background(), in, 2)
		results[g.Rank()] = out
		return err
	})
	require.NoError(t, err)
	for _, out := range results {
		assert.Equal(t, []float64{42, 100, 256}, out)
	}
}

func TestBroadcast_InvalidRoot(t *testing.T) {
	groups := formGroup(t, 1, time.Second)
	_, err := groups[0].Broadcast(context.Background(), []float64{1}, 1)
	require.Error(t, err)
	assert.True(t, errdefs.IsConfigMismatch(err))
}

func TestBarrier_WaitsForEveryRank(t *testing.T) {
	groups := formGroup(t, 3, 2*time.Second)
	delay := 150 * time.Millisecond

	done := make([]time.Time, 3)
	start := time.Now()
	err := each(groups, func(g *distcheck.Group) error {
		if g.Rank() == 2 {
			time.Sleep(delay)
		}
		err := g.Barrier(context.Background())
		done[g.Rank()] = time.Now()
		return err
	})
	require.NoError(t, err)
	for _, at := range done {
		assert.GreaterOrEqual(t, at.Sub(start), delay)
	}
}

func TestAllReduce(t *testing.T) {
	tests := []struct {
		op   distcheck.ReduceOp
		want []float64
	}{
		{distcheck.Sum, []float64{6, 2}},
		{distcheck.Max, []float64{3, 1}},
		{distcheck.Min, []float64{1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			groups := formGroup(t, 3, 2*time.Second)
			results := make([][]float64, 3)
			err := each(groups, func(g *distcheck.Group) error {
				r := float64(g.Rank())
				out, err := g.AllReduce(context.Background(), []float64{r + 1, math.Min(r, 1)}, tt.op)
				results[g.Rank()] = out
				return err
			})
			require.NoError(t, err)
			for _, out := range results {
				assert.Equal(t, tt.want, out)
			}
		})
	}
}

func TestAllReduce_LengthMismatch(t *testing.T) {
	groups := formGroup(t, 2, 2*time.Second)
	err := each(groups, func(g *distcheck.Group) error {
		values := []float64{1}
		if g.Rank() == 1 {
			values = []float64{1, 2}
		}
		_, err := g.AllReduce(context.Background(), values, distcheck.Sum)
		return err
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsConfigMismatch(err))
}

func TestCollectives_SequenceOfCalls(t *testing.T) {
	groups := formGroup(t, 3, 2*time.Second)
	err := each(groups, func(g *distcheck.Group) error {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if _, err := g.AllGather(ctx, []float64{float64(i)}); err != nil {
				return err
			}
			if err := g.Barrier(ctx); err != nil {
				return err
			}
			out, err := g.AllReduce(ctx, []float64{1}, distcheck.Sum)
			if err != nil {
				return err
			}
			if out[0] != 3 {
				return fmt.Errorf("iteration %d: got %v", i, out)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCollectives_OpMismatch(t *testing.T) {
	groups := formGroup(t, 2, time.Second)
	err := each(groups, func(g *distcheck.Group) error {
		if g.Rank() == 0 {
			return g.Barrier(context.Background())
		}
		_, err := g.AllGather(context.Background(), []float64{1})
		return err
	})
	require.Error(t, err)
	assert.True(t, errdefs.IsConfigMismatch(err))
}

func TestCollectives_AbsentRankTimesOut(t *testing.T) {
	groups := formGroup(t, 2, 200*time.Millisecond)

	start := time.Now()
	err := groups[0].Barrier(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err))
	assert.Contains(t, err.Error(), "rank 1")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDestroy(t *testing.T) {
	groups := formGroup(t, 2, time.Second)

	require.NoError(t, groups[0].Destroy())
	require.NoError(t, groups[0].Destroy())
	assert.Equal(t, distcheck.TornDown, groups[0].State())

	err := groups[0].Barrier(context.Background())
	assert.ErrorIs(t, err, distcheck.ErrGroupDestroyed)

	// the surviving rank cannot reach the destroyed one
	err = groups[1].Barrier(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err))
}
