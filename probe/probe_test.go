package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
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

// fakeGroup answers collectives as a group of worldSize would, unless told otherwise.
type fakeGroup struct {
	rank, worldSize int

	gatherOverride    [][]float64
	broadcastOverride []float64
	reduceOverride    []float64
	barrierErr        error
	destroyErr        error

	destroyed int
}

func (f *fakeGroup) Rank() int      { return f.rank }
func (f *fakeGroup) WorldSize() int { return f.worldSize }
func (f *fakeGroup) RunID() string  { return "run-test" }

func (f *fakeGroup) AllGather(_ context.Context, _ []float64) ([][]float64, error) {
	if f.gatherOverride != nil {
		return f.gatherOverride, nil
	}
	out := make([][]float64, f.worldSize)
	for r := range out {
		out[r] = gatherPayload(r)
	}
	return out, nil
}

func (f *fakeGroup) Broadcast(_ context.Context, _ []float64, _ int) ([]float64, error) {
	if f.broadcastOverride != nil {
		return f.broadcastOverride, nil
	}
	return []float64{42, 100, 256}, nil
}

func (f *fakeGroup) Barrier(context.Context) error {
	return f.barrierErr
}

func (f *fakeGroup) AllReduce(_ context.Context, _ []float64, _ distcheck.ReduceOp) ([]float64, error) {
	if f.reduceOverride != nil {
		return f.reduceOverride, nil
	}
	return []float64{float64(f.worldSize)}, nil
}

func (f *fakeGroup) Destroy() error {
	f.destroyed++
	return f.destroyErr
}

type memorySaver struct {
	mu      sync.Mutex
	reports []*Report
}

func (s *memorySaver) SaveReport(r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func TestProbes_DetectMismatch(t *testing.T) {
	tests := []struct {
		name  string
		group *fakeGroup
		probe func(context.Context, Collectives) (string, error)
	}{
		{
			name:  "all_gather short",
			group: &fakeGroup{rank: 0, worldSize: 2, gatherOverride: [][]float64{{0, 10, 20}}},
			probe: AllGather,
		},
		{
			name:  "all_gather wrong slot",
			group: &fakeGroup{rank: 0, worldSize: 2, gatherOverride: [][]float64{{0, 10, 20}, {0, 10, 20}}},
			probe: AllGather,
		},
		{
			name:  "broadcast zeroed",
			group: &fakeGroup{rank: 1, worldSize: 2, broadcastOverride: []float64{0, 0, 0}},
			probe: Broadcast,
		},
		{
			name:  "all_reduce wrong sum",
			group: &fakeGroup{rank: 1, worldSize: 3, reduceOverride: []float64{2}},
			probe: AllReduce,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.probe(context.Background(), tt.group)
			require.Error(t, err)
			assert.True(t, errdefs.IsProbeMismatch(err))
		})
	}
}

func TestProbes_Values(t *testing.T) {
	g := &fakeGroup{rank: 1, worldSize: 2}

	v, err := AllGather(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "gathered=[[0 10 20] [100 110 120]]", v)

	v, err = Broadcast(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "value=[42 100 256]", v)

	v, err = AllReduce(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "sum=2", v)
}

func TestHarness_StopsAtFirstFailure(t *testing.T) {
	g := &fakeGroup{rank: 1, worldSize: 2, barrierErr: errdefs.Transport(1, "barrier", errors.New("connection reset"))}
	saver := &memorySaver{}
	var out bytes.Buffer

	report, err := NewHarness(g, &HarnessConfig{Out: &out, Saver: saver}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err))
	assert.Equal(t, 1, g.destroyed)

	require.Len(t, report.Results, 3)
	assert.False(t, report.Passed)
	failed, ok := report.Failed()
	require.True(t, ok)
	assert.Equal(t, distcheck.OpBarrier, failed.Name)
	assert.Contains(t, failed.Error, "connection reset")

	assert.Contains(t, out.String(), "[rank 1] barrier FAILED")
	assert.NotContains(t, out.String(), "all_reduce")
	assert.Contains(t, out.String(), "[rank 1] teardown ok")
	require.Len(t, saver.reports, 1)
}

func TestHarness_TeardownFailure(t *testing.T) {
	g := &fakeGroup{rank: 0, worldSize: 1, destroyErr: errors.New("listener busy")}
	var out bytes.Buffer

	report, err := NewHarness(g, &HarnessConfig{Out: &out}).Run(context.Background())
	require.Error(t, err)
	assert.True(t, report.Passed)
	assert.Contains(t, out.String(), "teardown FAILED")
}

func TestHarness_CancelledContext(t *testing.T) {
	g := &fakeGroup{rank: 0, worldSize: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewHarness(g, &HarnessConfig{Out: &bytes.Buffer{}}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Results)
	assert.Equal(t, 1, g.destroyed)
}

func TestHarness_RealGroup(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4} {
		t.Run(fmt.Sprintf("world=%d", n), func(t *testing.T) {
			store := rendezvous.NewStore(n)
			reg := transport.NewRegistry()
			saver := &memorySaver{}
			outs := make([]bytes.Buffer, n)

			eg, ctx := errgroup.WithContext(context.Background())
			for rank := 0; rank < n; rank++ {
				eg.Go(func() error {
					tr := transport.NewMemoryTransport(fmt.Sprintf("rank-%d", rank), reg)
					g, err := distcheck.Init(ctx, distcheck.Options{
						Rank:      rank,
						WorldSize: n,
						Timeout:   5 * time.Second,
						OpTimeout: 5 * time.Second,
					}, rendezvous.NewLocalRendezvous(store), tr)
					if err != nil {
						return err
					}
					_, err = NewHarness(g, &HarnessConfig{Out: &outs[rank], Saver: saver}).Run(ctx)
					return err
				})
			}
			require.NoError(t, eg.Wait())

			require.Len(t, saver.reports, n)
			for _, r := range saver.reports {
				assert.True(t, r.Passed)
				assert.Len(t, r.Results, len(Default))
				assert.Equal(t, saver.reports[0].RunID, r.RunID)
			}
			for rank := range outs {
				lines := outs[rank].String()
				assert.True(t, strings.Contains(lines, fmt.Sprintf("[rank %d] all_reduce ok sum=%d", rank, n)), lines)
			}
		})
	}
}
