package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/shurlinet/swarmcore/internal/config"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to config file")
	fs.Parse(args)

	fmt.Printf("swarmnode %s (%s)\n", version, commit)

	ln, err := buildNode(*configFlag)
	if err != nil {
		fatal("Failed to build node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ln.Node.Start(ctx); err != nil {
		fatal("Failed to start node: %v", err)
	}

	fmt.Printf("Peer ID: %s\n", ln.Node.LocalPeer())
	for _, addr := range ln.Node.AdvertisedAddresses() {
		fmt.Printf("Listening: %s\n", addr)
	}

	var metricsPath string
	if ln.Metrics != nil {
		cfgFile, _ := config.FindConfigFile(*configFlag)
		cfg, _ := config.Load(cfgFile)
		addr := cfg.Telemetry.Metrics.ListenAddress
		if addr == "" {
			addr = "127.0.0.1:9091"
		}
		metricsPath = addr
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", ln.Metrics.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
			}
		}()
		fmt.Printf("Metrics: http://%s/metrics\n", metricsPath)
	}

	go func() {
		for evt := range ln.Node.Events() {
			fmt.Printf("event: %+v\n", evt)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	if err := ln.Node.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
	}
	fmt.Println("Node stopped.")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	osExit(1)
}
