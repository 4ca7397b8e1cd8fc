package command

import (
	"os"

	"github.com/urfave/cli"

	"github.com/Mathew-Estafanous/distcheck/config"
	"github.com/Mathew-Estafanous/distcheck/log"
)

// loadConfig layers defaults, the --config file, the environment and finally the
// flags that were set explicitly.
func loadConfig(cliContext *cli.Context, lookupEnv func(string) (string, bool)) (*config.Config, error) {
	cfg := config.Default()
	if path := cliContext.String("config"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookupEnv); err != nil {
		return nil, err
	}
	applyFlags(cliContext, cfg)

	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cliContext *cli.Context, cfg *config.Config) {
	ints := map[string]*int{
		"rank":          &cfg.Rank,
		"world-size":    &cfg.WorldSize,
		"local-rank":    &cfg.LocalRank,
		"master-port":   &cfg.MasterPort,
		"port":          &cfg.Port,
		"gossip-port":   &cfg.GossipPort,
		"report-retain": &cfg.ReportRetain,
	}
	for name, dst := range ints {
		if cliContext.IsSet(name) {
			*dst = cliContext.Int(name)
		}
	}

	strs := map[string]*string{
		"master-addr":    &cfg.MasterAddr,
		"backend":        &cfg.Backend,
		"rendezvous":     &cfg.Rendezvous,
		"bind-addr":      &cfg.BindAddr,
		"ifname":         &cfg.SocketIfname,
		"static-members": &cfg.StaticMembers,
		"report-db":      &cfg.ReportDB,
		"report-dir":     &cfg.ReportDir,
		"metrics-addr":   &cfg.MetricsAddr,
		"log-level":      &cfg.LogLevel,
		"tls-cert":       &cfg.TLS.CertFile,
		"tls-key":        &cfg.TLS.KeyFile,
		"tls-ca":         &cfg.TLS.CAFile,
	}
	for name, dst := range strs {
		if cliContext.IsSet(name) {
			*dst = cliContext.String(name)
		}
	}

	if cliContext.IsSet("timeout") {
		cfg.Timeout = cliContext.Duration("timeout")
	}
	if cliContext.IsSet("op-timeout") {
		cfg.OpTimeout = cliContext.Duration("op-timeout")
	}
}
