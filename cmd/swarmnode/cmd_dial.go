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

func runDial(args []string) {
	if err := doDial(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doDial(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("dial", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	timeoutFlag := fs.Duration("timeout", 15*time.Second, "dial timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	remaining := fs.Args()
	if len(remaining) < 1 {
		return fmt.Errorf("usage: swarmnode dial <multiaddr> [--config path] [--timeout 15s]")
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

	dialCtx, dialCancel := context.WithTimeout(ctx, *timeoutFlag)
	defer dialCancel()

	started := time.Now()
	mc, err := ln.Node.ConnectAddress(dialCtx, target)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	fmt.Fprintf(stdout, "Connected to %s in %s\n", mc.Peer, time.Since(started).Round(time.Millisecond))
	return nil
}
