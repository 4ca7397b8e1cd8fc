// Package config resolves how a rank finds and joins its group. Values come from
// defaults, an optional TOML file and the launcher environment, in that order; the
// command line overrides all of them.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/Mathew-Estafanous/distcheck/errdefs"
	"github.com/Mathew-Estafanous/distcheck/netutil"
)

const (
	DefaultMasterAddr = "127.0.0.1"
	DefaultMasterPort = 29500
	DefaultTimeout    = 30 * time.Second
	DefaultOpTimeout  = 30 * time.Second

	BackendGloo = "gloo"
	BackendGRPC = "grpc"
	BackendNCCL = "nccl"

	RendezvousStore  = "c10d"
	RendezvousGossip = "gossip"
	RendezvousStatic = "static"
)

// Config is everything a rank needs to join a group and report on it.
type Config struct {
	Rank      int `toml:"rank"`
	WorldSize int `toml:"world-size"`
	LocalRank int `toml:"local-rank"`

	MasterAddr string `toml:"master-addr"`
	MasterPort int    `toml:"master-port"`

	Backend    string `toml:"backend"`
	Rendezvous string `toml:"rendezvous"`

	// BindAddr is the host the collective listener binds. Empty means the address
	// of SocketIfname, or the outbound address of this machine.
	BindAddr     string `toml:"bind-addr"`
	SocketIfname string `toml:"socket-ifname"`

	// DisableP2P and DisableIB mirror NCCL_P2P_DISABLE and NCCL_IB_DISABLE. The
	// socket transport never uses either path; they are reported by diagnose.
	DisableP2P bool `toml:"disable-p2p"`
	DisableIB  bool `toml:"disable-ib"`

	// Port of the collective listener, 0 picks a free one.
	Port int `toml:"port"`

	// GossipPort is the first memberlist port; rank-local processes add LocalRank.
	// Defaults to MasterPort+1.
	GossipPort int `toml:"gossip-port"`

	Timeout   time.Duration `toml:"timeout"`
	OpTimeout time.Duration `toml:"op-timeout"`

	StaticMembers string `toml:"static-members"`
	ReportDB      string `toml:"report-db"`
	ReportDir     string `toml:"report-dir"`
	ReportRetain  int    `toml:"report-retain"`
	MetricsAddr   string `toml:"metrics-addr"`
	LogLevel      string `toml:"log-level"`

	TLS TLS `toml:"tls"`
}

type TLS struct {
	CertFile           string `toml:"cert-file"`
	KeyFile            string `toml:"key-file"`
	CAFile             string `toml:"ca-file"`
	ServerName         string `toml:"server-name"`
	InsecureSkipVerify bool   `toml:"insecure-skip-verify"`
}

func (t TLS) Enabled() bool {
	return t.CertFile != "" || t.CAFile != ""
}

func Default() *Config {
	return &Config{
		WorldSize:  1,
		MasterAddr: DefaultMasterAddr,
		MasterPort: DefaultMasterPort,
		Backend:    BackendGloo,
		Rendezvous: RendezvousStore,
		Timeout:    DefaultTimeout,
		OpTimeout:  DefaultOpTimeout,
		LogLevel:   "info",
	}
}

// LoadFile merges the TOML file at path into c. Unknown keys are rejected so typos
// do not silently fall back to defaults.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Wrapf(err, "failed to decode config file %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return errors.Errorf("unknown config items in %s: %s", path, strings.Join(keys, ","))
	}
	return nil
}

// ApplyEnv reads the variables launchers such as torchrun export. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"RANK", &c.Rank},
		{"WORLD_SIZE", &c.WorldSize},
		{"LOCAL_RANK", &c.LocalRank},
		{"MASTER_PORT", &c.MasterPort},
	}
	for _, v := range ints {
		s, ok := lookup(v.key)
		if !ok || s == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return errors.Wrapf(err, "invalid %s=%q", v.key, s)
		}
		*v.dst = n
	}

	if s, ok := lookup("MASTER_ADDR"); ok && s != "" {
		c.MasterAddr = s
	}
	if s, ok := lookup("DISTCHECK_SOCKET_IFNAME"); ok && s != "" {
		c.SocketIfname = s
	} else if s, ok := lookup("GLOO_SOCKET_IFNAME"); ok && s != "" {
		c.SocketIfname = s
	} else if s, ok := lookup("NCCL_SOCKET_IFNAME"); ok && s != "" {
		c.SocketIfname = s
	}

	if s, ok := lookup("NCCL_P2P_DISABLE"); ok && envTrue(s) {
		c.DisableP2P = true
	}
	if s, ok := lookup("NCCL_IB_DISABLE"); ok && envTrue(s) {
		c.DisableIB = true
	}

	if s, ok := lookup("DISTCHECK_DEBUG"); ok && envTrue(s) {
		c.LogLevel = "debug"
	}
	// OFF or unset leaves the level alone
	if s, ok := lookup("TORCH_DISTRIBUTED_DEBUG"); ok {
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "INFO", "DETAIL":
			c.LogLevel = "debug"
		}
	}
	if s, ok := lookup("NCCL_DEBUG"); ok {
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "INFO", "TRACE":
			c.LogLevel = "debug"
		}
	}
	return nil
}

func envTrue(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && s != "0" && !strings.EqualFold(s, "false")
}

// Validate checks the identity and naming of c. All failures are configuration
// mismatches.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errdefs.ConfigMismatch(c.Rank, "config", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.WorldSize < 1 {
		return errors.Errorf("world size must be at least 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return errors.Errorf("rank %d is outside [0, %d)", c.Rank, c.WorldSize)
	}
	if c.LocalRank < 0 {
		return errors.Errorf("local rank must not be negative, got %d", c.LocalRank)
	}
	if err := validPort("master port", c.MasterPort, false); err != nil {
		return err
	}
	if err := validPort("port", c.Port, true); err != nil {
		return err
	}
	if c.GossipPort != 0 {
		if err := validPort("gossip port", c.GossipPort, false); err != nil {
			return err
		}
	}
	if c.Rendezvous == RendezvousGossip {
		// rank-local processes offset the gossip port, which must still fit
		if err := validPort("local gossip port", c.LocalGossipPort(), false); err != nil {
			return err
		}
	}
	if c.ReportRetain < 0 {
		return errors.Errorf("report retain must not be negative, got %d", c.ReportRetain)
	}
	if c.MasterAddr == "" && c.Rendezvous != RendezvousStatic {
		return errors.New("master address must be set")
	}

	switch strings.ToLower(c.Backend) {
	case BackendGloo, BackendGRPC:
	case BackendNCCL:
		return errors.New("backend nccl needs a GPU transport, which distcheck does not provide; use gloo")
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}

	switch c.Rendezvous {
	case RendezvousStore, RendezvousGossip:
	case RendezvousStatic:
		if c.StaticMembers == "" {
			return errors.New("static rendezvous needs a members file")
		}
	default:
		return errors.Errorf("unknown rendezvous %q", c.Rendezvous)
	}

	if c.Timeout <= 0 {
		return errors.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.OpTimeout <= 0 {
		return errors.Errorf("op timeout must be positive, got %v", c.OpTimeout)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("tls cert and key files must be set together")
	}
	return nil
}

func validPort(name string, port int, allowZero bool) error {
	if port == 0 && allowZero {
		return nil
	}
	if port < 1 || port > 65535 {
		return errors.Errorf("%s %d is outside [1, 65535]", name, port)
	}
	return nil
}

// MasterEndpoint is the host:port of the rendezvous coordinator.
func (c *Config) MasterEndpoint() string {
	return net.JoinHostPort(c.MasterAddr, strconv.Itoa(c.MasterPort))
}

// GossipEndpoint is the memberlist address of rank 0, which the other ranks seed from.
func (c *Config) GossipEndpoint() string {
	return net.JoinHostPort(c.MasterAddr, strconv.Itoa(c.gossipPort()))
}

// LocalGossipPort is the memberlist port of this process.
func (c *Config) LocalGossipPort() int {
	return c.gossipPort() + c.LocalRank
}

func (c *Config) gossipPort() int {
	if c.GossipPort != 0 {
		return c.GossipPort
	}
	return c.MasterPort + 1
}

// BindHost picks the address peers reach this rank on. An explicit BindAddr wins,
// then the address of SocketIfname. A loopback master means every rank is local.
func (c *Config) BindHost() (string, error) {
	if c.BindAddr != "" {
		return c.BindAddr, nil
	}
	if c.SocketIfname != "" {
		ip, err := netutil.InterfaceIPv4(c.SocketIfname)
		if err != nil {
			return "", err
		}
		return ip.String(), nil
	}
	if netutil.IsLoopbackHost(c.MasterAddr) {
		return "127.0.0.1", nil
	}
	ip, err := netutil.LocalIP()
	if err != nil {
		return "", err
	}
	return ip.String(), nil
}

// TLSConfig builds the TLS settings shared by the store and the transport. It
// returns nil when TLS is not configured.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.TLS.Enabled() {
		return nil, nil
	}

	conf := &tls.Config{
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if c.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load tls key pair")
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read tls ca file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", c.TLS.CAFile)
		}
		conf.RootCAs = pool
		conf.ClientCAs = pool
		if c.TLS.CertFile != "" {
			conf.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return conf, nil
}
