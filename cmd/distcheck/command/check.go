package command

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli"

	"github.com/Mathew-Estafanous/distcheck/config"
	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/netutil"
)

func cmdCheck(cliContext *cli.Context) error {
	cfg, err := loadConfig(cliContext, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*cliContext.Duration("dial-timeout"))
	defer cancel()
	return check(ctx, cfg, cliContext.Duration("dial-timeout"), cliContext.App.Writer)
}

func check(ctx context.Context, cfg *config.Config, timeout time.Duration, out io.Writer) error {
	addr := cfg.MasterEndpoint()
	fmt.Fprintf(out, "connecting to %s ...\n", addr)

	took, err := netutil.CheckTCP(ctx, addr, timeout)
	if err != nil {
		fmt.Fprintf(out, "cannot reach %s: %v\n", addr, err)
		printHints(out, cfg)
		return errdefs.Rendezvous(cfg.Rank, "check", err)
	}
	fmt.Fprintf(out, "connected to %s in %v\n", addr, took.Round(time.Microsecond))
	return nil
}
