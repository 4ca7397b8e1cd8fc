package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/Mathew-Estafanous/distcheck"
	"github.com/Mathew-Estafanous/distcheck/log"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
	"github.com/Mathew-Estafanous/distcheck/wire"
)

const collectiveServiceName = "distcheck.Collective"

type Dialer = rendezvous.Dialer

// collectiveService is the handler type of the collective gRPC service.
type collectiveService interface {
	deliver(ctx context.Context, env *wire.Envelope) (*wire.Ack, error)
}

var collectiveServiceDesc = grpc.ServiceDesc{
	ServiceName: collectiveServiceName,
	HandlerType: (*collectiveService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "distcheck/collective.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := &wire.Envelope{}
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(collectiveService).deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + collectiveServiceName + "/Deliver",
	}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(collectiveService).deliver(ctx, req.(*wire.Envelope))
	})
}

// GRPCTransport implements the Transport interface using gRPC
type GRPCTransport struct {
	listener   net.Listener
	server     *grpc.Server
	tlsConfig  *tls.Config
	dialer     Dialer
	maxRetries int
	retryDelay time.Duration
	advertise  string
	handler    distcheck.EnvelopeHandler
	logger     *zap.SugaredLogger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// GRPCTransportConfig holds configuration for the gRPC transport
type GRPCTransportConfig struct {
	TLSConfig  *tls.Config
	Dialer     Dialer
	MaxRetries int
	RetryDelay time.Duration

	// AdvertiseAddr is the address announced to peers. Defaults to the listener
	// address, which is only reachable by peers when bound to a concrete host.
	AdvertiseAddr string
}

// NewGRPCTransport creates a new gRPC transport
func NewGRPCTransport(listener net.Listener, config *GRPCTransportConfig) *GRPCTransport {
	if config == nil {
		config = &GRPCTransportConfig{}
	}

	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 40 * time.Millisecond
	}
	advertise := config.AdvertiseAddr
	if advertise == "" {
		advertise = listener.Addr().String()
	}

	return &GRPCTransport{
		listener:   listener,
		tlsConfig:  config.TLSConfig,
		dialer:     config.Dialer,
		maxRetries: config.MaxRetries,
		retryDelay: config.RetryDelay,
		advertise:  advertise,
		conns:      make(map[string]*grpc.ClientConn),
		logger:     log.Logger.With("component", "transport", "addr", advertise),
	}
}

// Start serves incoming envelopes in the background.
func (t *GRPCTransport) Start() error {
	if t.handler == nil {
		return ErrNoHandlerRegistered
	}

	var opts []grpc.ServerOption
	if t.tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(t.tlsConfig)))
	}
	t.server = grpc.NewServer(opts...)
	t.server.RegisterService(&collectiveServiceDesc, t)

	go func() {
		if err := t.server.Serve(t.listener); err != nil {
			t.logger.Warnw("transport stopped serving", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the transport layer and closes outgoing connections.
func (t *GRPCTransport) Stop() error {
	if t.server != nil {
		t.server.GracefulStop()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for addr, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(t.conns, addr)
	}
	return errors.Join(errs...)
}

func (t *GRPCTransport) Addr() string {
	return t.advertise
}

// RegisterHandler registers the receiver of incoming envelopes.
func (t *GRPCTransport) RegisterHandler(handler distcheck.EnvelopeHandler) error {
	if handler == nil {
		return ErrNilHandler
	}
	t.handler = handler
	return nil
}

// Send delivers env to target. Only calls that never reached the peer are retried,
// so an envelope is accepted at most once.
func (t *GRPCTransport) Send(ctx context.Context, target rendezvous.Member, env *distcheck.Envelope) error {
	conn, err := t.conn(target.Addr)
	if err != nil {
		return err
	}

	req := &wire.Envelope{
		Seq:    env.Seq,
		Op:     env.Op,
		Src:    int64(env.Src),
		Values: env.Values,
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.retryDelay), uint64(t.maxRetries)),
		ctx,
	)
	return backoff.Retry(func() error {
		err := conn.Invoke(ctx, "/"+collectiveServiceName+"/Deliver", req, &wire.Ack{})
		if err == nil {
			return nil
		}
		if status.Code(err) != codes.Unavailable {
			return backoff.Permanent(err)
		}
		t.logger.Debugw("peer unavailable, retrying", "peer", target.String(), "error", err)
		return err
	}, b)
}

func (t *GRPCTransport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}

	var creds credentials.TransportCredentials
	if t.tlsConfig == nil {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(t.tlsConfig)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.Name)),
	}
	if t.dialer != nil {
		opts = append(opts, grpc.WithContextDialer(t.dialer))
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = conn
	return conn, nil
}

func (t *GRPCTransport) deliver(_ context.Context, in *wire.Envelope) (*wire.Ack, error) {
	env := &distcheck.Envelope{
		Seq:    in.Seq,
		Op:     in.Op,
		Src:    int(in.Src),
		Values: in.Values,
	}
	if err := t.handler.OnEnvelope(env); err != nil {
		t.logger.Warnw("rejected envelope", "src", env.Src, "seq", env.Seq, "op", env.Op, "error", err)
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return &wire.Ack{}, nil
}

var (
	ErrNoHandlerRegistered = errors.New("no envelope handler registered")
	ErrNilHandler          = errors.New("nil envelope handler provided")
	ErrPeerNotFound        = errors.New("target rank not found in memory transport registry")
	ErrPeerNotRunning      = errors.New("target rank transport is not running")
)
