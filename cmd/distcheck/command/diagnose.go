package command

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/Mathew-Estafanous/distcheck/config"
	"github.com/Mathew-Estafanous/distcheck/netutil"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
)

func cmdDiagnose(cliContext *cli.Context) error {
	cfg, err := loadConfig(cliContext, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return diagnose(ctx, cfg, cliContext.App.Writer)
}

type diagnosis struct {
	check  string
	result string
	ok     bool
}

func diagnose(ctx context.Context, cfg *config.Config, out io.Writer) error {
	var rows []diagnosis

	hostname, err := os.Hostname()
	rows = append(rows, diagnosis{"hostname", valueOrError(hostname, err), err == nil})

	ip, err := netutil.LocalIP()
	rows = append(rows, diagnosis{"local ip", valueOrError(ip.String(), err), err == nil})

	if cfg.SocketIfname != "" {
		ifIP, err := netutil.InterfaceIPv4(cfg.SocketIfname)
		rows = append(rows, diagnosis{"interface " + cfg.SocketIfname, valueOrError(ifIP.String(), err), err == nil})
	}

	if cfg.DisableP2P || cfg.DisableIB {
		rows = append(rows, diagnosis{"nccl switches", disabledTransports(cfg) + " disabled, the socket transport is unaffected", true})
	}

	if netutil.PortAvailable("", cfg.MasterPort) {
		rows = append(rows, diagnosis{"port " + strconv.Itoa(cfg.MasterPort), "available", true})
	} else {
		rows = append(rows, diagnosis{"port " + strconv.Itoa(cfg.MasterPort), "in use, rank 0 cannot host the rendezvous here", false})
	}

	if err := storeSelfTest(ctx); err != nil {
		rows = append(rows, diagnosis{"rendezvous store", err.Error(), false})
	} else {
		rows = append(rows, diagnosis{"rendezvous store", "join, set, get and add work on localhost", true})
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Check", "Result", "OK"})
	table.SetAutoWrapText(false)
	failed := 0
	for _, r := range rows {
		mark := "yes"
		if !r.ok {
			mark = "NO"
			failed++
		}
		table.Append([]string{r.check, r.result, mark})
	}
	table.Render()

	if failed > 0 {
		return errors.Errorf("%d of %d checks failed", failed, len(rows))
	}
	return nil
}

func valueOrError(v string, err error) string {
	if err != nil {
		return err.Error()
	}
	return v
}

// storeSelfTest hosts a one-rank store on an ephemeral localhost port and runs
// every store operation against it.
func storeSelfTest(ctx context.Context) error {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return errors.Wrap(err, "cannot bind localhost")
	}
	srv := rendezvous.NewStoreServer(lis, rendezvous.NewStore(1), &rendezvous.StoreServerConfig{Timeout: 5 * time.Second})
	srv.Start()
	defer srv.Stop()

	client, err := rendezvous.DialStore(srv.Addr(), nil, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	self := rendezvous.Member{Rank: 0, WorldSize: 1, Addr: srv.Addr()}
	ms, err := client.Join(ctx, self)
	if err != nil {
		return errors.Wrap(err, "join")
	}
	if ms.WorldSize() != 1 {
		return errors.Errorf("join returned %d members, want 1", ms.WorldSize())
	}

	if err := client.Set(ctx, "diagnose", []byte("ok")); err != nil {
		return errors.Wrap(err, "set")
	}
	v, ok, err := client.Get(ctx, "diagnose")
	if err != nil {
		return errors.Wrap(err, "get")
	}
	if !ok || string(v) != "ok" {
		return errors.Errorf("get returned %q, want %q", v, "ok")
	}
	n, err := client.Add(ctx, "diagnose-counter", 2)
	if err != nil {
		return errors.Wrap(err, "add")
	}
	if n != 2 {
		return fmt.Errorf("add returned %d, want 2", n)
	}
	return nil
}

func disabledTransports(cfg *config.Config) string {
	switch {
	case cfg.DisableP2P && cfg.DisableIB:
		return "p2p and infiniband"
	case cfg.DisableP2P:
		return "p2p"
	default:
		return "infiniband"
	}
}
