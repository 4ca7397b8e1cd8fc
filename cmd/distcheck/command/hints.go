package command

import (
	"fmt"
	"io"

	"github.com/Mathew-Estafanous/distcheck/config"
)

func printHints(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, `
the group did not form, try:
  1. start rank 0 first; the other ranks must start within %v of it
  2. open TCP port %d on %s (firewall, antivirus, WSL port forwarding)
  3. check the master is reachable: distcheck check --master-addr %s --master-port %d
  4. make sure every process uses the same --world-size and a unique --rank
  5. try a different port on every machine (--master-port / MASTER_PORT)
`, cfg.Timeout, cfg.MasterPort, cfg.MasterAddr, cfg.MasterAddr, cfg.MasterPort)
}

func printTransportHints(w io.Writer) {
	fmt.Fprint(w, `
the group formed but a collective failed, try:
  1. allow the collective listener ports between the machines, not only the master port
  2. pin the interface peers should use with --ifname (or GLOO_SOCKET_IFNAME)
  3. rerun the whole group; a failed rank cannot rejoin a running group
`)
}
