package rendezvous

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/log"
	"github.com/Mathew-Estafanous/distcheck/wire"
)

const storeServiceName = "distcheck.Store"

// storeService is the handler type of the store gRPC service.
type storeService interface {
	storeHandler() *StoreServer
}

var storeServiceDesc = grpc.ServiceDesc{
	ServiceName: storeServiceName,
	HandlerType: (*storeService)(nil),
	Methods: []grpc.MethodDesc{
		storeMethod("Join", func() wire.Message { return &wire.JoinRequest{} }, (*StoreServer).join),
		storeMethod("Set", func() wire.Message { return &wire.KVRequest{} }, (*StoreServer).set),
		storeMethod("Get", func() wire.Message { return &wire.KVRequest{} }, (*StoreServer).get),
		storeMethod("Add", func() wire.Message { return &wire.KVRequest{} }, (*StoreServer).add),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "distcheck/store.proto",
}

type storeCall func(s *StoreServer, ctx context.Context, req wire.Message) (wire.Message, error)

func storeMethod(name string, newReq func() wire.Message, call storeCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := newReq()
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(storeService).storeHandler()
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + storeServiceName + "/" + name,
			}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(wire.Message))
			})
		},
	}
}

// StoreServer serves a Store over gRPC.
type StoreServer struct {
	store     *Store
	listener  net.Listener
	server    *grpc.Server
	timeout   time.Duration
	tlsConfig *tls.Config
	logger    *zap.SugaredLogger
}

type StoreServerConfig struct {
	// Timeout bounds how long a Join call waits for the rest of the group.
	Timeout   time.Duration
	TLSConfig *tls.Config
}

func NewStoreServer(lis net.Listener, store *Store, config *StoreServerConfig) *StoreServer {
	if config == nil {
		config = &StoreServerConfig{}
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &StoreServer{
		store:     store,
		listener:  lis,
		timeout:   config.Timeout,
		tlsConfig: config.TLSConfig,
		logger:    log.Logger.With("component", "store", "addr", lis.Addr().String()),
	}
}

func (s *StoreServer) storeHandler() *StoreServer {
	return s
}

func (s *StoreServer) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background until Stop is called.
func (s *StoreServer) Start() {
	var opts []grpc.ServerOption
	if s.tlsConfig != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsConfig)))
	}
	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&storeServiceDesc, s)

	s.logger.Infow("rendezvous store listening", "worldSize", s.store.WorldSize())
	go func() {
		if err := s.server.Serve(s.listener); err != nil {
			s.logger.Warnw("rendezvous store stopped", "error", err)
		}
	}()
}

func (s *StoreServer) Stop() {
	if s.server != nil {
		s.server.Stop()
	}
}

func (s *StoreServer) join(ctx context.Context, msg wire.Message) (wire.Message, error) {
	req := msg.(*wire.JoinRequest)
	m := memberFromWire(req.Member)

	if err := s.store.Register(m); err != nil {
		s.logger.Warnw("rejected member", "member", m.String(), "error", err)
		return nil, toStatus(err)
	}
	s.logger.Infow("member joined", "member", m.String(), "joined", s.store.Joined(), "worldSize", s.store.WorldSize())

	ctx, cancel := context.WithTimeout(ctx, waitTimeout(ctx, s.timeout))
	defer cancel()
	ms, err := s.store.Wait(ctx, m.Rank)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &wire.JoinResponse{RunID: ms.RunID}
	for _, member := range ms.Members {
		resp.Members = append(resp.Members, memberToWire(member))
	}
	return resp, nil
}

func (s *StoreServer) set(_ context.Context, msg wire.Message) (wire.Message, error) {
	req := msg.(*wire.KVRequest)
	s.store.Set(req.Key, req.Value)
	return &wire.KVResponse{}, nil
}

func (s *StoreServer) get(_ context.Context, msg wire.Message) (wire.Message, error) {
	req := msg.(*wire.KVRequest)
	v, ok := s.store.Get(req.Key)
	return &wire.KVResponse{Value: v, Found: ok}, nil
}

func (s *StoreServer) add(_ context.Context, msg wire.Message) (wire.Message, error) {
	req := msg.(*wire.KVRequest)
	return &wire.KVResponse{Counter: s.store.Add(req.Key, req.Delta)}, nil
}

// waitTimeout answers slightly before the caller gives up so the caller sees which
// ranks were missing instead of a bare deadline error.
func waitTimeout(ctx context.Context, limit time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return limit
	}
	remaining := time.Until(deadline) - 250*time.Millisecond
	if remaining < limit {
		return max(remaining, 0)
	}
	return limit
}

func toStatus(err error) error {
	switch {
	case errdefs.IsConfigMismatch(err):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errdefs.IsRendezvous(err):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// StoreClient talks to a StoreServer.
type StoreClient struct {
	addr string
	conn *grpc.ClientConn
}

// DialStore prepares a client for the store at addr. No connection is made until
// the first call.
func DialStore(addr string, tlsConfig *tls.Config, dialer Dialer) (*StoreClient, error) {
	var creds credentials.TransportCredentials
	if tlsConfig == nil {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(tlsConfig)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.Name)),
		// the coordinator may come up after us; keep reconnect attempts frequent
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: grpcbackoff.Config{
				BaseDelay:  100 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   time.Second,
			},
			MinConnectTimeout: 2 * time.Second,
		}),
	}
	if dialer != nil {
		opts = append(opts, grpc.WithContextDialer(dialer))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &StoreClient{addr: addr, conn: conn}, nil
}

func (c *StoreClient) Addr() string {
	return c.addr
}

func (c *StoreClient) Close() error {
	return c.conn.Close()
}

func (c *StoreClient) invoke(ctx context.Context, method string, req, resp wire.Message) error {
	return c.conn.Invoke(ctx, "/"+storeServiceName+"/"+method, req, resp)
}

// Join registers self with the coordinator and waits for the complete group.
func (c *StoreClient) Join(ctx context.Context, self Member) (*Membership, error) {
	ms, err := c.join(ctx, self)
	if err != nil {
		return nil, fromStatus(self.Rank, "join", err)
	}
	return ms, nil
}

func (c *StoreClient) join(ctx context.Context, self Member) (*Membership, error) {
	resp := &wire.JoinResponse{}
	if err := c.invoke(ctx, "Join", &wire.JoinRequest{Member: memberToWire(self)}, resp); err != nil {
		return nil, err
	}
	ms := &Membership{RunID: resp.RunID, Members: make([]Member, 0, len(resp.Members))}
	for _, m := range resp.Members {
		ms.Members = append(ms.Members, memberFromWire(m))
	}
	return ms, nil
}

func (c *StoreClient) Set(ctx context.Context, key string, value []byte) error {
	return c.invoke(ctx, "Set", &wire.KVRequest{Key: key, Value: value}, &wire.KVResponse{})
}

func (c *StoreClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp := &wire.KVResponse{}
	if err := c.invoke(ctx, "Get", &wire.KVRequest{Key: key}, resp); err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (c *StoreClient) Add(ctx context.Context, key string, delta int64) (int64, error) {
	resp := &wire.KVResponse{}
	if err := c.invoke(ctx, "Add", &wire.KVRequest{Key: key, Delta: delta}, resp); err != nil {
		return 0, err
	}
	return resp.Counter, nil
}

var errCoordinatorUnreachable = errors.New("coordinator unreachable")

func fromStatus(rank int, op string, err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.FailedPrecondition:
		return errdefs.ConfigMismatch(rank, op, errors.New(st.Message()))
	case codes.Unavailable:
		return errdefs.Rendezvous(rank, op, errors.Join(errCoordinatorUnreachable, err))
	default:
		return errdefs.Rendezvous(rank, op, err)
	}
}

func isUnavailable(err error) bool {
	return status.Code(err) == codes.Unavailable
}
