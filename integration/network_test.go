package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/benchmark/latency"
)

func TestNetwork_ProbeLatency(t *testing.T) {
	tests := []struct {
		name    string
		latency latency.Network
	}{
		{"SmallDelay", latency.LAN},
		{"MediumDelay", latency.WAN},
		{"LargeDelay", latency.Longhaul},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranks, start := setupGroup(t, 3, withNetwork(tt.latency))
			defer cleanupTestGroup(t, ranks)

			start()
			requirePassed(t, ranks)

			for _, r := range ranks {
				for _, res := range r.report.Results {
					t.Logf("rank %d %s took %v", r.rank, res.Name, res.Duration)
				}
			}
		})
	}
}

func TestNetwork_SlowCoordinator(t *testing.T) {
	ranks, start := setupGroup(t, 4, withNetwork(latency.WAN), withRank(0, func(r *testRank) {
		r.startDelay = 500 * time.Millisecond
	}))
	defer cleanupTestGroup(t, ranks)

	begin := time.Now()
	start()
	requirePassed(t, ranks)
	assert.Less(t, time.Since(begin), testOpts.Timeout)
}
