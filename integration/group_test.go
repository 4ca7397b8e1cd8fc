package integration

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mathew-Estafanous/distcheck"
	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
)

func requirePassed(t *testing.T, ranks []*testRank) {
	t.Helper()
	runID := ranks[0].report.RunID
	for _, r := range ranks {
		require.NoError(t, r.err, "rank %d", r.rank)
		require.NotNil(t, r.report)
		assert.True(t, r.report.Passed, "rank %d", r.rank)
		assert.Len(t, r.report.Results, 4)
		assert.Equal(t, runID, r.report.RunID)
		assert.Equal(t, distcheck.TornDown, r.group.State())
	}

	saved, err := ranks[0].saver.Reports(runID)
	require.NoError(t, err)
	assert.Len(t, saved, len(ranks))
}

func TestGroup_ProbesPass(t *testing.T) {
	for n := 1; n <= 4; n++ {
		t.Run(fmt.Sprintf("WorldSize%d", n), func(t *testing.T) {
			ranks, start := setupGroup(t, n)
			defer cleanupTestGroup(t, ranks)

			start()
			requirePassed(t, ranks)
		})
	}
}

func TestGroup_CoordinatorStartsLast(t *testing.T) {
	ranks, start := setupGroup(t, 3, withRank(0, func(r *testRank) {
		r.startDelay = time.Second
	}))
	defer cleanupTestGroup(t, ranks)

	start()
	requirePassed(t, ranks)
}

func TestGroup_WorldSizeMismatch(t *testing.T) {
	ranks, start := setupGroup(t, 2, func(g *testGroup) {
		for _, r := range g.ranks {
			r.opts.Timeout = 2 * time.Second
		}
		g.ranks[1].opts.WorldSize = 3
	})
	defer cleanupTestGroup(t, ranks)

	start()
	require.Error(t, ranks[1].err)
	assert.True(t, errdefs.IsConfigMismatch(ranks[1].err), ranks[1].err.Error())
	assert.Equal(t, 3, errdefs.ExitCode(ranks[1].err))

	require.Error(t, ranks[0].err)
	assert.True(t, errdefs.IsRendezvous(ranks[0].err), ranks[0].err.Error())
	assert.Equal(t, 2, errdefs.ExitCode(ranks[0].err))
}

func TestGroup_MissingRank(t *testing.T) {
	ranks, start := setupGroup(t, 3, func(g *testGroup) {
		for _, r := range g.ranks {
			r.opts.Timeout = time.Second
		}
		g.ranks[2].absent = true
	})
	defer cleanupTestGroup(t, ranks)

	begin := time.Now()
	start()
	assert.Less(t, time.Since(begin), 5*time.Second)
	for _, r := range ranks[:2] {
		require.Error(t, r.err)
		assert.True(t, errdefs.IsRendezvous(r.err), r.err.Error())
		assert.Nil(t, r.group)
	}
}

func TestGroup_RankLeavesMidSession(t *testing.T) {
	ranks, start := setupGroup(t, 2, func(g *testGroup) {
		for _, r := range g.ranks {
			r.opts.OpTimeout = time.Second
			r.initOnly = true
		}
	})
	defer cleanupTestGroup(t, ranks)

	start()
	for _, r := range ranks {
		require.NoError(t, r.err)
	}

	require.NoError(t, ranks[1].group.Destroy())

	_, err := ranks[0].group.AllGather(context.Background(), []float64{0})
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err), err.Error())
	assert.Equal(t, 4, errdefs.ExitCode(err))
}

// withGossip forms the group through memlist gossip seeded by rank 0.
func withGossip(t *testing.T) groupOption {
	return func(g *testGroup) {
		ports := make([]int, len(g.ranks))
		for i := range ports {
			ports[i] = freePort(t)
		}
		for _, r := range g.ranks {
			r.rdzv = rendezvous.NewGossipRendezvous(&rendezvous.GossipConfig{
				BindAddr:  "127.0.0.1",
				BindPort:  uint16(ports[r.rank]),
				Seed:      fmt.Sprintf("127.0.0.1:%d", ports[0]),
				WorldSize: len(g.ranks),
			})
		}
	}
}

func TestGroup_Gossip(t *testing.T) {
	ranks, start := setupGroup(t, 3, withGossip(t))
	defer cleanupTestGroup(t, ranks)

	start()
	requirePassed(t, ranks)
}

func TestGroup_GossipWorkersStartFirst(t *testing.T) {
	ranks, start := setupGroup(t, 3, withGossip(t), withRank(0, func(r *testRank) {
		r.startDelay = time.Second
	}))
	defer cleanupTestGroup(t, ranks)

	start()
	requirePassed(t, ranks)
}

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}
