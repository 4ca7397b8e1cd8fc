package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
)

func TestObserveCollective(t *testing.T) {
	before := testutil.ToFloat64(collectiveFailures.WithLabelValues("barrier", "transport"))

	ObserveCollective("barrier", 3*time.Millisecond, nil)
	ObserveCollective("barrier", time.Second, errdefs.Transport(1, "barrier", errors.New("reset")))

	assert.InDelta(t, before+1, testutil.ToFloat64(collectiveFailures.WithLabelValues("barrier", "transport")), 0.001)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(collectiveDuration, "distcheck_collective_duration_seconds"), 1)
}

func TestObserveRendezvous(t *testing.T) {
	ObserveRendezvous(time.Second, nil)
	ObserveRendezvous(time.Second, errdefs.ConfigMismatch(0, "join", errors.New("world size")))

	assert.Equal(t, 2, testutil.CollectAndCount(rendezvousDuration))
}

func TestSetWorldSize(t *testing.T) {
	SetWorldSize(4)
	assert.InDelta(t, 4, testutil.ToFloat64(worldSize), 0.001)
}

func TestServe(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, lis)
	}()

	SetWorldSize(2)
	resp, err := http.Get("http://" + lis.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "distcheck_world_size 2"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("metrics server did not shut down")
	}
}
