package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shurlinet/swarmcore/swarm"
)

func runPing(args []string) {
	if err := doPing(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doPing(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	countFlag := fs.Int("c", 4, "number of pings")
	if err := fs.Parse(args); err != nil {
		return err
	}
	remaining := fs.Args()
	if len(remaining) < 1 {
		return fmt.Errorf("usage: swarmnode ping <multiaddr> [-c N] [--config path]")
	}

	target, err := swarm.ParseAddress(remaining[0])
	if err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}

	ln, err := buildNode(*configFlag)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ln.Node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer ln.Node.Shutdown(context.Background())

	dialCtx, dialCancel := context.WithTimeout(ctx, 15*time.Second)
	mc, err := ln.Node.ConnectAddress(dialCtx, target)
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	for i := 0; i < *countFlag; i++ {
		start := time.Now()
		pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
		err := ln.Node.PingPeer(pingCtx, mc.Peer)
		pingCancel()
		if err != nil {
			fmt.Fprintf(stdout, "ping %d: failed: %v\n", i+1, err)
			continue
		}
		fmt.Fprintf(stdout, "ping %d: %s in %s\n", i+1, mc.Peer, time.Since(start).Round(time.Millisecond))
		if i < *countFlag-1 {
			time.Sleep(1 * time.Second)
		}
	}
	return nil
}
