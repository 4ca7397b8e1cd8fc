package rendezvous

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/log"
)

// StoreConfig configures a StoreRendezvous.
type StoreConfig struct {
	// MasterAddr is the host:port of the coordinator store.
	MasterAddr string

	// IsMaster makes this process host the store. Exactly one process of the
	// group may do so.
	IsMaster bool

	WorldSize int

	// Timeout bounds the whole rendezvous. Defaults to 30s.
	Timeout time.Duration

	// Listener is used by the master instead of binding MasterAddr's port on
	// every interface.
	Listener net.Listener

	TLSConfig *tls.Config
	Dialer    Dialer
}

// StoreRendezvous forms the group around a key/value store hosted by one process,
// the same way torch's c10d rendezvous uses a TCPStore.
type StoreRendezvous struct {
	cfg    StoreConfig
	server *StoreServer
	client *StoreClient
	logger *zap.SugaredLogger
}

func NewStoreRendezvous(config *StoreConfig) *StoreRendezvous {
	cfg := *config
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &StoreRendezvous{
		cfg:    cfg,
		logger: log.Logger.With("component", "rendezvous", "master", cfg.MasterAddr),
	}
}

func (r *StoreRendezvous) Join(ctx context.Context, self Member) (*Membership, error) {
	if self.WorldSize != r.cfg.WorldSize {
		return nil, errdefs.ConfigMismatch(self.Rank, "join",
			errors.Errorf("member world size %d differs from rendezvous world size %d", self.WorldSize, r.cfg.WorldSize))
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if r.cfg.IsMaster {
		if err := r.host(self.Rank); err != nil {
			return nil, err
		}
	}

	client, err := DialStore(r.cfg.MasterAddr, r.cfg.TLSConfig, r.cfg.Dialer)
	if err != nil {
		return nil, errdefs.Rendezvous(self.Rank, "dial", errors.Wrapf(err, "store address %s", r.cfg.MasterAddr))
	}
	r.client = client

	var (
		ms      *Membership
		lastErr error
	)
	attempt := func() error {
		var err error
		ms, err = client.join(ctx, self)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		lastErr = err
		if isUnavailable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		r.logger.Debugw("coordinator not reachable yet, retrying", "rank", self.Rank, "retryIn", next, "error", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	if err := backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), notify); err != nil {
		if ctx.Err() != nil && (lastErr == nil || isUnavailable(lastErr)) {
			return nil, errdefs.Rendezvous(self.Rank, "join",
				errors.Wrapf(errCoordinatorUnreachable, "no coordinator answered at %s within %v", r.cfg.MasterAddr, r.cfg.Timeout))
		}
		return nil, fromStatus(self.Rank, "join", err)
	}

	if err := ms.Validate(self); err != nil {
		return nil, err
	}
	r.logger.Infow("group formed", "rank", self.Rank, "worldSize", ms.WorldSize(), "runID", ms.RunID)
	return ms, nil
}

// host binds the coordinator port and starts the store.
func (r *StoreRendezvous) host(rank int) error {
	lis := r.cfg.Listener
	if lis == nil {
		_, port, err := net.SplitHostPort(r.cfg.MasterAddr)
		if err != nil {
			return errdefs.ConfigMismatch(rank, "listen", errors.Wrapf(err, "master address %q", r.cfg.MasterAddr))
		}
		lis, err = net.Listen("tcp", net.JoinHostPort("", port))
		if err != nil {
			return errdefs.Rendezvous(rank, "listen",
				errors.Wrapf(err, "cannot bind rendezvous port %s, is another process using it", port))
		}
	}

	r.server = NewStoreServer(lis, NewStore(r.cfg.WorldSize), &StoreServerConfig{
		Timeout:   r.cfg.Timeout,
		TLSConfig: r.cfg.TLSConfig,
	})
	r.server.Start()
	return nil
}

// Client returns the store client once Join has been called.
func (r *StoreRendezvous) Client() *StoreClient {
	return r.client
}

func (r *StoreRendezvous) Leave() error {
	var err error
	if r.client != nil {
		err = r.client.Close()
		r.client = nil
	}
	if r.server != nil {
		r.server.Stop()
		r.server = nil
	}
	return err
}
