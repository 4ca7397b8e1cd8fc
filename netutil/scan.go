package netutil

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultScanPorts are the ports worth probing on a training host: ssh, web, and the
// usual rendezvous ports.
var DefaultScanPorts = []int{22, 80, 443, 5000, 8000, 8080, 12355, 29500}

type ScanConfig struct {
	Ports       []int
	Workers     int
	DialTimeout time.Duration

	// Resolve looks up reverse DNS names of responding hosts.
	Resolve bool
}

// Host is a scanned address with at least one open port.
type Host struct {
	Addr      netip.Addr
	Hostname  string
	OpenPorts []int
}

type Hosts []Host

// RenderTable renders the scanned hosts as a table.
func (hs Hosts) RenderTable(wr io.Writer) {
	table := tablewriter.NewWriter(wr)
	table.SetAlignment(tablewriter.ALIGN_CENTER)
	table.SetHeader([]string{"Address", "Hostname", "Open Ports"})
	for _, h := range hs {
		ports := make([]string, len(h.OpenPorts))
		for i, p := range h.OpenPorts {
			ports[i] = strconv.Itoa(p)
		}
		name := h.Hostname
		if name == "" {
			name = "-"
		}
		table.Append([]string{h.Addr.String(), name, strings.Join(ports, ",")})
	}
	table.Render()
}

// Scan probes every host address of prefix on the configured ports and returns the
// hosts that accepted at least one connection, ordered by address.
func Scan(ctx context.Context, prefix netip.Prefix, config *ScanConfig) (Hosts, error) {
	if config == nil {
		config = &ScanConfig{}
	}
	if len(config.Ports) == 0 {
		config.Ports = DefaultScanPorts
	}
	if config.Workers <= 0 {
		config.Workers = 50
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = time.Second
	}
	if !prefix.Addr().Is4() {
		return nil, errors.Errorf("only IPv4 prefixes can be scanned, got %s", prefix)
	}
	if prefix.Bits() < 16 {
		return nil, errors.Errorf("prefix %s is too large to scan", prefix)
	}
	for _, port := range config.Ports {
		if port < 1 || port > 65535 {
			return nil, errors.Errorf("port %d is outside [1, 65535]", port)
		}
	}

	var (
		mu    sync.Mutex
		found Hosts
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(config.Workers)
	for _, addr := range hostAddrs(prefix.Masked()) {
		if ectx.Err() != nil {
			break
		}
		eg.Go(func() error {
			h, ok := probeHost(ectx, addr, config)
			if ok {
				mu.Lock()
				found = append(found, h)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return found, err
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Addr.Less(found[j].Addr)
	})
	return found, nil
}

func probeHost(ctx context.Context, addr netip.Addr, config *ScanConfig) (Host, bool) {
	h := Host{Addr: addr}
	d := net.Dialer{Timeout: config.DialTimeout}
	for _, port := range config.Ports {
		conn, err := d.DialContext(ctx, "tcp", netip.AddrPortFrom(addr, uint16(port)).String())
		if err != nil {
			continue
		}
		_ = conn.Close()
		h.OpenPorts = append(h.OpenPorts, port)
	}
	if len(h.OpenPorts) == 0 {
		return h, false
	}
	if config.Resolve {
		if names, err := net.DefaultResolver.LookupAddr(ctx, addr.String()); err == nil && len(names) > 0 {
			h.Hostname = strings.TrimSuffix(names[0], ".")
		}
	}
	return h, true
}

// hostAddrs lists the usable host addresses of p, leaving out the network and
// broadcast addresses when the prefix has them.
func hostAddrs(p netip.Prefix) []netip.Addr {
	var addrs []netip.Addr
	for a := p.Addr(); p.Contains(a); a = a.Next() {
		addrs = append(addrs, a)
		if !a.Next().IsValid() {
			break
		}
	}
	if p.Bits() <= 30 && len(addrs) > 2 {
		addrs = addrs[1 : len(addrs)-1]
	}
	return addrs
}

// LocalPrefix returns the /24 around this host's outbound address.
func LocalPrefix() (netip.Prefix, error) {
	ip, err := LocalIP()
	if err != nil {
		return netip.Prefix{}, err
	}
	return ip.Prefix(24)
}
