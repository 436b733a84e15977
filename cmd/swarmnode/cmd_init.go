package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shurlinet/swarmcore/internal/config"
	"github.com/shurlinet/swarmcore/internal/identity"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

const initConfigTemplate = `identity:
  key_file: "identity.key"
network:
  listen_addresses:
    - "/ip4/0.0.0.0/tcp/0"
  transports: ["tcp"]
  security: ["noise"]
  muxers: ["yamux"]
security:
  authorized_keys_file: "authorized_keys"
  enable_connection_gating: false
services:
  /ipfs/ping/1.0.0:
    enabled: true
`

func doInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "config directory (default: ~/.config/swarmnode)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	configDir := *dirFlag
	if configDir == "" {
		d, err := config.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config directory: %w", err)
		}
		configDir = d
	}

	configFile := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config already exists: %s\nDelete it first if you want to reinitialize", configFile)
	}

	fmt.Fprintf(stdout, "Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	keyFile := filepath.Join(configDir, "identity.key")
	kp, err := identity.LoadOrCreate(keyFile)
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	fmt.Fprintf(stdout, "Your Peer ID: %s\n", kp.ID)

	authKeysFile := filepath.Join(configDir, "authorized_keys")
	if _, err := os.Stat(authKeysFile); os.IsNotExist(err) {
		content := "# authorized_keys - add peer IDs here, one per line\n# <peer_id> # optional comment\n"
		if err := os.WriteFile(authKeysFile, []byte(content), 0600); err != nil {
			return fmt.Errorf("failed to create authorized_keys: %w", err)
		}
	}

	if err := os.WriteFile(configFile, []byte(initConfigTemplate), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(stdout, "Config written to: %s\n", configFile)
	fmt.Fprintln(stdout, "Next: swarmnode serve --config "+configFile)
	return nil
}
