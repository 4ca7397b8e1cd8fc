package command

import (
	"time"

	"github.com/urfave/cli"

	"github.com/Mathew-Estafanous/distcheck/config"
)

const usage = `
# on the coordinator machine (rank 0), start first
distcheck run --rank 0 --world-size 2 --master-addr 192.168.29.52

# on the worker machine, within the timeout
distcheck run --rank 1 --world-size 2 --master-addr 192.168.29.52

# before that, check the worker can reach the coordinator at all
distcheck check --master-addr 192.168.29.52
`

const runDescription = `Every rank must be started with the same world size. A rank whose world size
differs from the coordinator's is rejected as soon as it reaches the coordinator,
it does not wait for the rendezvous timeout.

Exit codes:
   2  rendezvous failed or timed out
   3  configuration mismatch, including a world size that differs from the coordinator's
   4  transport failure between ranks
   5  a collective returned an unexpected result`

// Version is set at build time.
var Version = "dev"

func App() *cli.App {
	app := cli.NewApp()

	app.Name = "distcheck"
	app.Version = Version
	app.Usage = usage
	app.Description = "connectivity smoke test for multi-machine training groups"

	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "join the group and run the all_gather, broadcast, barrier and all_reduce probes",
			UsageText: `# torchrun style, identity from RANK / WORLD_SIZE / MASTER_ADDR / MASTER_PORT
distcheck run

# explicit identity
distcheck run --rank 1 --world-size 2 --master-addr 10.0.0.1 --master-port 29500

# fixed member table instead of a coordinator
distcheck run --rank 0 --world-size 2 --rendezvous static --static-members members.json
`,
			Description: runDescription,
			Action:      cmdRun,
			Flags:  runFlags(),
		},
		{
			Name:   "check",
			Usage:  "test a TCP connection to the coordinator",
			Action: cmdCheck,
			Flags: []cli.Flag{
				masterAddrFlag,
				masterPortFlag,
				configFlag,
				logLevelFlag,
				cli.DurationFlag{
					Name:  "dial-timeout",
					Usage: "how long to wait for the TCP handshake",
					Value: 5 * time.Second,
				},
			},
		},
		{
			Name:   "diagnose",
			Usage:  "print local network information, check the rendezvous port and self-test the store",
			Action: cmdDiagnose,
			Flags: []cli.Flag{
				masterAddrFlag,
				masterPortFlag,
				configFlag,
				logLevelFlag,
			},
		},
		{
			Name:   "scan",
			Usage:  "sweep the local network for hosts with open rendezvous ports",
			Action: cmdScan,
			Flags: []cli.Flag{
				logLevelFlag,
				cli.StringFlag{
					Name:  "cidr",
					Usage: "network to scan (default: the /24 of the outbound address)",
				},
				cli.IntSliceFlag{
					Name:  "port",
					Usage: "port to probe, repeatable (default: 22,80,443,5000,8000,8080,12355,29500)",
				},
				cli.IntFlag{
					Name:  "workers",
					Usage: "concurrent hosts",
					Value: 50,
				},
				cli.DurationFlag{
					Name:  "dial-timeout",
					Usage: "per-port connect timeout",
					Value: time.Second,
				},
				cli.BoolFlag{
					Name:  "resolve",
					Usage: "look up reverse DNS names of responding hosts",
				},
			},
		},
		{
			Name:   "history",
			Usage:  "print reports stored by previous runs",
			Action: cmdHistory,
			Flags: []cli.Flag{
				logLevelFlag,
				cli.StringFlag{
					Name:  "report-db",
					Usage: "report database written by run --report-db",
					Value: defaultReportDB,
				},
				cli.StringFlag{
					Name:  "run-id",
					Usage: "show the probes of one run (\"last\" for the most recent)",
				},
			},
		},
	}

	return app
}

const defaultReportDB = "distcheck-reports.db"

var (
	configFlag = cli.StringFlag{
		Name:  "config,c",
		Usage: "TOML config file, overridden by environment and flags",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "log-level,l",
		Usage: "set the logging level [debug, info, warn, error]",
	}
	masterAddrFlag = cli.StringFlag{
		Name:  "master-addr",
		Usage: "coordinator host (env MASTER_ADDR, default " + config.DefaultMasterAddr + ")",
	}
	masterPortFlag = cli.IntFlag{
		Name:  "master-port",
		Usage: "coordinator port (env MASTER_PORT, default 29500)",
	}
)

func runFlags() []cli.Flag {
	return []cli.Flag{
		configFlag,
		logLevelFlag,
		cli.IntFlag{
			Name:  "rank",
			Usage: "rank of this process (env RANK)",
		},
		cli.IntFlag{
			Name:  "world-size",
			Usage: "number of processes in the group (env WORLD_SIZE)",
		},
		cli.IntFlag{
			Name:  "local-rank",
			Usage: "rank among the processes of this machine (env LOCAL_RANK)",
		},
		masterAddrFlag,
		masterPortFlag,
		cli.StringFlag{
			Name:  "backend",
			Usage: "collective backend [gloo, grpc]",
		},
		cli.StringFlag{
			Name:  "rendezvous",
			Usage: "how the group forms [c10d, gossip, static]",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "how long to wait for the group to form (default 30s)",
		},
		cli.DurationFlag{
			Name:  "op-timeout",
			Usage: "how long each collective may take (default 30s)",
		},
		cli.StringFlag{
			Name:  "bind-addr",
			Usage: "host the collective listener binds and announces",
		},
		cli.IntFlag{
			Name:  "port",
			Usage: "port of the collective listener (default: any free port)",
		},
		cli.StringFlag{
			Name:  "ifname",
			Usage: "bind the collective listener to this interface (env DISTCHECK_SOCKET_IFNAME or GLOO_SOCKET_IFNAME)",
		},
		cli.IntFlag{
			Name:  "gossip-port",
			Usage: "first gossip port for --rendezvous gossip (default: master port + 1)",
		},
		cli.StringFlag{
			Name:  "static-members",
			Usage: "JSON member table for --rendezvous static",
		},
		cli.StringFlag{
			Name:  "report-db",
			Usage: "store the run report in this bbolt file",
		},
		cli.StringFlag{
			Name:  "report-dir",
			Usage: "also write the run report as JSON into this directory",
		},
		cli.IntFlag{
			Name:  "report-retain",
			Usage: "number of runs --report-dir keeps (default: all)",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "serve prometheus metrics on this address while running",
		},
		cli.StringFlag{
			Name:  "tls-cert",
			Usage: "TLS certificate for the store and transport",
		},
		cli.StringFlag{
			Name:  "tls-key",
			Usage: "TLS key for the store and transport",
		},
		cli.StringFlag{
			Name:  "tls-ca",
			Usage: "CA bundle peers are verified against",
		},
	}
}
