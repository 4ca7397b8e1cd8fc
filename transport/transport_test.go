package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Mathew-Estafanous/distcheck"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
)

type recordingHandler struct {
	mu        sync.Mutex
	envelopes []*distcheck.Envelope
	err       error
}

func (h *recordingHandler) OnEnvelope(env *distcheck.Envelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.envelopes = append(h.envelopes, env)
	return nil
}

func (h *recordingHandler) received() []*distcheck.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*distcheck.Envelope{}, h.envelopes...)
}

func target(rank int, addr string) rendezvous.Member {
	return rendezvous.Member{Rank: rank, WorldSize: 2, Addr: addr}
}

func TestMemoryTransport_Send(t *testing.T) {
	reg := NewRegistry()
	a := NewMemoryTransport("rank-0", reg)
	b := NewMemoryTransport("rank-1", reg)

	h := &recordingHandler{}
	require.NoError(t, a.RegisterHandler(&recordingHandler{}))
	require.NoError(t, b.RegisterHandler(h))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	values := []float64{1, 2, 3}
	env := &distcheck.Envelope{Seq: 1, Op: distcheck.OpAllGather, Src: 0, Values: values}
	require.NoError(t, a.Send(context.Background(), target(1, "rank-1"), env))
	values[0] = 99

	got := h.received()
	require.Len(t, got, 1)
	assert.Equal(t, []float64{1, 2, 3}, got[0].Values)
	assert.Equal(t, uint64(1), got[0].Seq)

	require.NoError(t, b.Stop())
	err := a.Send(context.Background(), target(1, "rank-1"), env)
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestMemoryTransport_StartRequiresHandler(t *testing.T) {
	reg := NewRegistry()
	tr := NewMemoryTransport("rank-0", reg)
	assert.ErrorIs(t, tr.Start(), ErrNoHandlerRegistered)
	assert.ErrorIs(t, tr.RegisterHandler(nil), ErrNilHandler)

	require.NoError(t, tr.RegisterHandler(&recordingHandler{}))
	require.NoError(t, tr.Start())

	dup := NewMemoryTransport("rank-0", reg)
	require.NoError(t, dup.RegisterHandler(&recordingHandler{}))
	assert.Error(t, dup.Start())

	require.NoError(t, tr.Stop())
	require.NoError(t, tr.Stop())
}

func TestMemoryTransport_CancelledContext(t *testing.T) {
	reg := NewRegistry()
	a := NewMemoryTransport("rank-0", reg)
	b := NewMemoryTransport("rank-1", reg)
	require.NoError(t, a.RegisterHandler(&recordingHandler{}))
	require.NoError(t, b.RegisterHandler(&recordingHandler{}))
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := a.Send(ctx, target(1, "rank-1"), &distcheck.Envelope{Seq: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func newGRPCTransport(t *testing.T, h distcheck.EnvelopeHandler) *GRPCTransport {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tr := NewGRPCTransport(lis, &GRPCTransportConfig{RetryDelay: 10 * time.Millisecond})
	require.NoError(t, tr.RegisterHandler(h))
	require.NoError(t, tr.Start())
	t.Cleanup(func() {
		_ = tr.Stop()
	})
	return tr
}

func TestGRPCTransport_Send(t *testing.T) {
	h0, h1 := &recordingHandler{}, &recordingHandler{}
	t0 := newGRPCTransport(t, h0)
	t1 := newGRPCTransport(t, h1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := &distcheck.Envelope{Seq: 7, Op: distcheck.OpAllReduce, Src: 0, Values: []float64{0.5, -1, 1e300}}
	require.NoError(t, t0.Send(ctx, target(1, t1.Addr()), env))
	require.NoError(t, t1.Send(ctx, target(0, t0.Addr()), &distcheck.Envelope{Seq: 7, Op: distcheck.OpAllReduce, Src: 1}))

	got := h1.received()
	require.Len(t, got, 1)
	assert.Equal(t, env, got[0])

	back := h0.received()
	require.Len(t, back, 1)
	assert.Equal(t, 1, back[0].Src)
	assert.Empty(t, back[0].Values)
}

func TestGRPCTransport_StartRequiresHandler(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	tr := NewGRPCTransport(lis, nil)
	assert.ErrorIs(t, tr.Start(), ErrNoHandlerRegistered)
	assert.ErrorIs(t, tr.RegisterHandler(nil), ErrNilHandler)
	assert.Equal(t, lis.Addr().String(), tr.Addr())
}

func TestGRPCTransport_AdvertiseAddr(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	tr := NewGRPCTransport(lis, &GRPCTransportConfig{AdvertiseAddr: "10.0.0.7:29500"})
	assert.Equal(t, "10.0.0.7:29500", tr.Addr())
}

func TestGRPCTransport_RejectedEnvelopeNotRetried(t *testing.T) {
	h := &recordingHandler{err: errors.New("duplicate envelope")}
	t0 := newGRPCTransport(t, &recordingHandler{})
	t1 := newGRPCTransport(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := t0.Send(ctx, target(1, t1.Addr()), &distcheck.Envelope{Seq: 1, Op: distcheck.OpBarrier})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPCTransport_UnreachablePeer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := lis.Addr().String()
	require.NoError(t, lis.Close())

	t0 := newGRPCTransport(t, &recordingHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err = t0.Send(ctx, target(1, dead), &distcheck.Envelope{Seq: 1, Op: distcheck.OpBarrier})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
