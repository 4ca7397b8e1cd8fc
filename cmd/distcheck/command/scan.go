package command

import (
	"context"
	"fmt"
	"net/netip"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/Mathew-Estafanous/distcheck/log"
	"github.com/Mathew-Estafanous/distcheck/netutil"
)

func cmdScan(cliContext *cli.Context) error {
	if err := log.SetLevel(cliContext.String("log-level")); err != nil {
		return err
	}

	var (
		prefix netip.Prefix
		err    error
	)
	if cidr := cliContext.String("cidr"); cidr != "" {
		prefix, err = netip.ParsePrefix(cidr)
		if err != nil {
			return errors.Wrapf(err, "invalid --cidr %q", cidr)
		}
	} else {
		prefix, err = netutil.LocalPrefix()
		if err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	out := cliContext.App.Writer
	fmt.Fprintf(out, "scanning %s ...\n", prefix)
	hosts, err := netutil.Scan(ctx, prefix, &netutil.ScanConfig{
		Ports:       cliContext.IntSlice("port"),
		Workers:     cliContext.Int("workers"),
		DialTimeout: cliContext.Duration("dial-timeout"),
		Resolve:     cliContext.Bool("resolve"),
	})
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		fmt.Fprintln(out, "no hosts with open ports found")
		return nil
	}
	hosts.RenderTable(out)
	return nil
}
