// This is meant as a very simple example of how the distcheck packages can be used
// without the CLI: every rank finds the others through gossip, checks the group
// and leaves its report in .data/.
//
// Start rank 0 first, then point every other rank at its gossip address.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Mathew-Estafanous/distcheck"
	"github.com/Mathew-Estafanous/distcheck/netutil"
	"github.com/Mathew-Estafanous/distcheck/probe"
	"github.com/Mathew-Estafanous/distcheck/rendezvous"
	"github.com/Mathew-Estafanous/distcheck/store"
	"github.com/Mathew-Estafanous/distcheck/transport"
)

// [exe] <GossipPort> <Rank> <WorldSize> <Address* (gossip address of rank 0)>
func main() {
	if len(os.Args) < 4 {
		log.Fatalln("usage: example <gossip-port> <rank> <world-size> [seed]")
	}
	gossipPort, err := strconv.Atoi(os.Args[1])
	if err != nil {
		log.Fatalln(err)
	}
	rank, err := strconv.Atoi(os.Args[2])
	if err != nil {
		log.Fatalln(err)
	}
	worldSize, err := strconv.Atoi(os.Args[3])
	if err != nil {
		log.Fatalln(err)
	}

	ip := "127.0.0.1"
	if local, err := netutil.LocalIP(); err == nil {
		ip = local.String()
	}

	var seed string
	if len(os.Args) >= 5 {
		seed = os.Args[4]
	}
	rdzv := rendezvous.NewGossipRendezvous(&rendezvous.GossipConfig{
		BindAddr:  ip,
		BindPort:  uint16(gossipPort),
		Seed:      seed,
		WorldSize: worldSize,
	})

	list, err := net.Listen("tcp", fmt.Sprintf("%v:%v", ip, 6000+rank))
	if err != nil {
		log.Fatalln(err)
	}
	grpcTransport := transport.NewGRPCTransport(list, nil)

	opts := distcheck.DefaultOpts
	opts.Rank = rank
	opts.WorldSize = worldSize
	opts.Timeout = time.Minute
	g, err := distcheck.Init(context.Background(), opts, rdzv, grpcTransport)
	if err != nil {
		log.Fatalln(err)
	}

	reports, err := store.NewFileStore(".data", 5)
	if err != nil {
		log.Fatalln(err)
	}
	if _, err := probe.NewHarness(g, &probe.HarnessConfig{Saver: reports}).Run(context.Background()); err != nil {
		log.Fatalln(err)
	}
	log.Println("Group check finished.")
}
