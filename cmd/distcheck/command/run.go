package command

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/Mathew-Estafanous/distcheck"
	"github.com/Mathew-Estafanous/distcheck/config"
	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/log"
	"github.com/Mathew-Estafanous/distcheck/metrics"
	"github.com/Mathew-Estafanous/distcheck/probe"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
	"github.com/Mathew-Estafanous/distcheck/store"
	"github.com/Mathew-Estafanous/distcheck/transport"
)

func cmdRun(cliContext *cli.Context) error {
	cfg, err := loadConfig(cliContext, nil)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return run(ctx, cfg, cliContext.App.Writer)
}

func run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if cfg.MetricsAddr != "" {
		lis, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return errors.Wrapf(err, "cannot serve metrics on %s", cfg.MetricsAddr)
		}
		go func() {
			if err := metrics.Serve(ctx, lis); err != nil {
				log.Logger.Warnw("metrics server failed", "error", err)
			}
		}()
	}

	var savers store.Savers
	if cfg.ReportDB != "" {
		db, err := store.NewBoltStore(cfg.ReportDB)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Logger.Warnw("failed to close report db", "error", err)
			}
		}()
		savers = append(savers, db)
	}
	if cfg.ReportDir != "" {
		dir, err := store.NewFileStore(cfg.ReportDir, cfg.ReportRetain)
		if err != nil {
			return errors.Wrapf(err, "cannot use report directory %s", cfg.ReportDir)
		}
		savers = append(savers, dir)
	}

	tlsConf, err := cfg.TLSConfig()
	if err != nil {
		return errdefs.ConfigMismatch(cfg.Rank, "config", err)
	}

	rdzv, listenAddr, err := newRendezvous(cfg, tlsConf)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return errdefs.Rendezvous(cfg.Rank, "listen", errors.Wrapf(err, "cannot bind collective listener %s", listenAddr))
	}
	tr := transport.NewGRPCTransport(lis, &transport.GRPCTransportConfig{TLSConfig: tlsConf})

	hostname, _ := os.Hostname()
	g, err := distcheck.Init(ctx, distcheck.Options{
		Rank:      cfg.Rank,
		WorldSize: cfg.WorldSize,
		Timeout:   cfg.Timeout,
		OpTimeout: cfg.OpTimeout,
		Hostname:  hostname,
	}, rdzv, tr)
	if err != nil {
		fmt.Fprintf(out, "[rank %d] init FAILED: %v\n", cfg.Rank, err)
		if errdefs.IsRendezvous(err) {
			printHints(out, cfg)
		}
		return err
	}

	_, err = probe.NewHarness(g, &probe.HarnessConfig{
		Out:      out,
		Saver:    savers,
		Hostname: hostname,
		Backend:  cfg.Backend,
	}).Run(ctx)
	if err != nil && errdefs.IsTransport(err) {
		printTransportHints(out)
	}
	return err
}

// newRendezvous returns the configured rendezvous and the address the collective
// listener must bind.
func newRendezvous(cfg *config.Config, tlsConf *tls.Config) (rendezvous.Rendezvous, string, error) {
	if cfg.Rendezvous == config.RendezvousStatic {
		s, err := rendezvous.NewStaticRendezvousFromFile(cfg.StaticMembers)
		if err != nil {
			return nil, "", errdefs.ConfigMismatch(cfg.Rank, "config", errors.Wrap(err, "failed to read static members"))
		}
		self, ok := s.Lookup(cfg.Rank)
		if !ok {
			return nil, "", errdefs.ConfigMismatch(cfg.Rank, "config",
				errors.Errorf("rank %d is not in %s", cfg.Rank, cfg.StaticMembers))
		}
		s.WaitReachable(rendezvous.DialTCP)
		return s, self.Addr, nil
	}

	host, err := cfg.BindHost()
	if err != nil {
		return nil, "", errdefs.ConfigMismatch(cfg.Rank, "config", err)
	}
	listenAddr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))

	switch cfg.Rendezvous {
	case config.RendezvousGossip:
		return rendezvous.NewGossipRendezvous(&rendezvous.GossipConfig{
			BindAddr:  host,
			BindPort:  uint16(cfg.LocalGossipPort()),
			Seed:      cfg.GossipEndpoint(),
			WorldSize: cfg.WorldSize,
		}), listenAddr, nil
	default:
		return rendezvous.NewStoreRendezvous(&rendezvous.StoreConfig{
			MasterAddr: cfg.MasterEndpoint(),
			IsMaster:   cfg.Rank == 0,
			WorldSize:  cfg.WorldSize,
			Timeout:    cfg.Timeout,
			TLSConfig:  tlsConf,
		}), listenAddr, nil
	}
}
