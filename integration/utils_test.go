package integration

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/benchmark/latency"

	"github.com/Mathew-Estafanous/distcheck"
	"github.com/Mathew-Estafanous/distcheck/probe"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
	"github.com/Mathew-Estafanous/distcheck/store"
	"github.com/Mathew-Estafanous/distcheck/transport"
)

var testOpts = distcheck.Options{
	Timeout:   10 * time.Second,
	OpTimeout: 5 * time.Second,
	Hostname:  "test-host",
}

// testRank is one process of a test group.
type testRank struct {
	rank int
	opts distcheck.Options

	list   net.Listener
	dialer rendezvous.Dialer
	rdzv   rendezvous.Rendezvous

	// startDelay postpones this rank's Init.
	startDelay time.Duration

	// absent ranks are never started.
	absent bool

	// initOnly ranks form the group but run no probes.
	initOnly bool

	saver  *store.MemoryStore
	group  *distcheck.Group
	report *probe.Report
	err    error
}

// testGroup holds what every rank of a test shares before any of them starts.
type testGroup struct {
	ranks   []*testRank
	network *latency.Network
}

type groupOption func(g *testGroup)

// withNetwork routes the store and the transport of every rank through n.
func withNetwork(n latency.Network) groupOption {
	return func(g *testGroup) {
		g.network = &n
	}
}

// withRank changes a single rank before it is started.
func withRank(rank int, fn func(r *testRank)) groupOption {
	return func(g *testGroup) {
		fn(g.ranks[rank])
	}
}

// setupGroup prepares worldSize ranks that rendezvous through a store hosted by
// rank 0. The returned function starts every rank, runs the probes and waits.
func setupGroup(t *testing.T, worldSize int, options ...groupOption) ([]*testRank, func()) {
	t.Helper()

	masterList, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	saver := store.NewMemoryStore()
	g := &testGroup{ranks: make([]*testRank, worldSize)}
	for i := range g.ranks {
		list, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		opts := testOpts
		opts.Rank = i
		opts.WorldSize = worldSize
		g.ranks[i] = &testRank{rank: i, opts: opts, list: list, saver: saver}
	}
	for _, opt := range options {
		opt(g)
	}

	storeList := net.Listener(masterList)
	if g.network != nil {
		storeList = g.network.Listener(masterList)
		for _, r := range g.ranks {
			r.list = g.network.Listener(r.list)
			r.dialer = networkDialer(*g.network)
		}
	}

	hosted := false
	for _, r := range g.ranks {
		if r.rdzv != nil {
			continue
		}
		cfg := &rendezvous.StoreConfig{
			MasterAddr: masterList.Addr().String(),
			IsMaster:   r.rank == 0,
			WorldSize:  r.opts.WorldSize,
			Timeout:    r.opts.Timeout,
			Dialer:     r.dialer,
		}
		if r.rank == 0 {
			cfg.Listener = storeList
			hosted = true
		}
		r.rdzv = rendezvous.NewStoreRendezvous(cfg)
	}
	if !hosted {
		_ = masterList.Close()
	}

	start := func() {
		var wg sync.WaitGroup
		for _, r := range g.ranks {
			if r.absent {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.run(t)
			}()
		}
		wg.Wait()
	}
	return g.ranks, start
}

func networkDialer(n latency.Network) rendezvous.Dialer {
	return func(ctx context.Context, target string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, err
		}
		return n.Conn(conn)
	}
}

func (r *testRank) run(t *testing.T) {
	if r.startDelay > 0 {
		time.Sleep(r.startDelay)
	}

	tr := transport.NewGRPCTransport(r.list, &transport.GRPCTransportConfig{Dialer: r.dialer})
	g, err := distcheck.Init(context.Background(), r.opts, r.rdzv, tr)
	if err != nil {
		r.err = err
		return
	}
	r.group = g
	if r.initOnly {
		return
	}

	r.report, r.err = probe.NewHarness(g, &probe.HarnessConfig{
		Out:   testWriter{t},
		Saver: r.saver,
	}).Run(context.Background())
}

// testWriter sends harness output to the test log.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func cleanupTestGroup(t *testing.T, ranks []*testRank) {
	t.Helper()
	for _, r := range ranks {
		if r.group != nil {
			_ = r.group.Destroy()
		}
		_ = r.list.Close()
	}
}
