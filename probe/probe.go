// Package probe runs the connectivity smoke test on top of a joined group: each probe
// issues one collective with a payload whose expected result is known on every rank.
package probe

import (
	"context"
	"fmt"

	"github.com/Mathew-Estafanous/distcheck"
	"github.com/Mathew-Estafanous/distcheck/errdefs"
)

// Collectives is the part of *distcheck.Group the probes use.
type Collectives interface {
	Rank() int
	WorldSize() int
	RunID() string
	AllGather(ctx context.Context, values []float64) ([][]float64, error)
	Broadcast(ctx context.Context, values []float64, root int) ([]float64, error)
	Barrier(ctx context.Context) error
	AllReduce(ctx context.Context, values []float64, op distcheck.ReduceOp) ([]float64, error)
	Destroy() error
}

var _ Collectives = (*distcheck.Group)(nil)

// Probe is one check. Run returns a short rendering of what the rank observed.
type Probe struct {
	Name string
	Run  func(ctx context.Context, g Collectives) (string, error)
}

// BroadcastRoot is the rank whose payload the broadcast probe distributes.
const BroadcastRoot = 0

var broadcastPayload = []float64{42, 100, 256}

// Default lists the probes in the order every rank runs them.
var Default = []Probe{
	{Name: distcheck.OpAllGather, Run: AllGather},
	{Name: distcheck.OpBroadcast, Run: Broadcast},
	{Name: distcheck.OpBarrier, Run: Barrier},
	{Name: distcheck.OpAllReduce, Run: AllReduce},
}

func gatherPayload(rank int) []float64 {
	r := float64(rank)
	return []float64{r * 100, r*100 + 10, r*100 + 20}
}

// AllGather contributes [r*100, r*100+10, r*100+20] and checks every rank's slot.
func AllGather(ctx context.Context, g Collectives) (string, error) {
	out, err := g.AllGather(ctx, gatherPayload(g.Rank()))
	if err != nil {
		return "", err
	}
	if len(out) != g.WorldSize() {
		return "", errdefs.ProbeMismatch(g.Rank(), distcheck.OpAllGather,
			fmt.Errorf("gathered %d contributions, want %d", len(out), g.WorldSize()))
	}
	for src, got := range out {
		if want := gatherPayload(src); !equal(got, want) {
			return "", errdefs.ProbeMismatch(g.Rank(), distcheck.OpAllGather,
				fmt.Errorf("contribution of rank %d is %v, want %v", src, got, want))
		}
	}
	return fmt.Sprintf("gathered=%v", out), nil
}

// Broadcast distributes [42, 100, 256] from BroadcastRoot to ranks that start zeroed.
func Broadcast(ctx context.Context, g Collectives) (string, error) {
	in := make([]float64, len(broadcastPayload))
	if g.Rank() == BroadcastRoot {
		copy(in, broadcastPayload)
	}
	out, err := g.Broadcast(ctx, in, BroadcastRoot)
	if err != nil {
		return "", err
	}
	if !equal(out, broadcastPayload) {
		return "", errdefs.ProbeMismatch(g.Rank(), distcheck.OpBroadcast,
			fmt.Errorf("received %v from rank %d, want %v", out, BroadcastRoot, broadcastPayload))
	}
	return fmt.Sprintf("value=%v", out), nil
}

func Barrier(ctx context.Context, g Collectives) (string, error) {
	return "", g.Barrier(ctx)
}

// AllReduce sums 1.0 from every rank, which must equal the world size.
func AllReduce(ctx context.Context, g Collectives) (string, error) {
	out, err := g.AllReduce(ctx, []float64{1}, distcheck.Sum)
	if err != nil {
		return "", err
	}
	want := float64(g.WorldSize())
	if len(out) != 1 || out[0] != want {
		return "", errdefs.ProbeMismatch(g.Rank(), distcheck.OpAllReduce,
			fmt.Errorf("sum is %v, want [%v]", out, want))
	}
	return fmt.Sprintf("sum=%v", out[0]), nil
}

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
