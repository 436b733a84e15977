package main

import (
	"fmt"
	"path/filepath"

	"github.com/shurlinet/swarmcore/gater"
	"github.com/shurlinet/swarmcore/internal/config"
	"github.com/shurlinet/swarmcore/internal/identity"
	"github.com/shurlinet/swarmcore/internal/metrics"
	"github.com/shurlinet/swarmcore/muxer/yamux"
	"github.com/shurlinet/swarmcore/protocol/ping"
	"github.com/shurlinet/swarmcore/security/noise"
	"github.com/shurlinet/swarmcore/security/plaintext"
	"github.com/shurlinet/swarmcore/swarm"
	"github.com/shurlinet/swarmcore/transport/quic"
	"github.com/shurlinet/swarmcore/transport/tcp"
)

// loadedNode bundles a constructed swarm.Node with the collaborators a CLI
// command might additionally want to reach (metrics registry, AutoNAT
// server).
type loadedNode struct {
	Node    *swarm.Node
	KeyPair *swarm.KeyPair
	Metrics *metrics.Metrics
}

// buildNode loads a FileConfig from configPath (or the standard search
// locations if empty), resolves its identity and named transport/security/
// muxer stack, and constructs a swarm.Node ready to Start.
func buildNode(configPath string) (*loadedNode, error) {
	path, err := config.FindConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.ResolvePaths(cfg, filepath.Dir(path))

	kp, err := identity.LoadOrCreate(cfg.Identity.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	listenAddrs := make([]*swarm.Address, 0, len(cfg.Network.ListenAddresses))
	for _, raw := range cfg.Network.ListenAddresses {
		addr, err := swarm.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", raw, err)
		}
		listenAddrs = append(listenAddrs, addr)
	}

	transports, err := buildTransports(cfg.Network.Transports, kp)
	if err != nil {
		return nil, err
	}
	security, err := buildSecurity(cfg.Network.SecurityStacks, kp)
	if err != nil {
		return nil, err
	}
	muxers, err := buildMuxers(cfg.Network.Muxers)
	if err != nil {
		return nil, err
	}

	var connGater swarm.ConnectionGater = swarm.AllowAllGater{}
	if cfg.Security.EnableConnectionGating {
		authorized, err := gater.LoadAuthorizedKeys(cfg.Security.AuthorizedKeysFile)
		if err != nil {
			return nil, fmt.Errorf("authorized_keys: %w", err)
		}
		g := gater.NewAuthorizedPeerGater(authorized, nil)
		if cfg.Security.EnrollmentEnabled {
			g.SetEnrollmentMode(true, cfg.Security.EnrollmentLimit, 0)
		}
		connGater = g
	}

	nodeCfg := swarm.NodeConfiguration{
		KeyPair:         kp,
		ListenAddresses: listenAddrs,
		Transports:      transports,
		Security:        security,
		Muxers:          muxers,
		Gater:           connGater,
		IdleTimeout:     cfg.Network.IdleTimeout,
		MaxMessageSize:  cfg.Network.MaxMessageSize,
		Services:        map[string]swarm.StreamHandler{},
	}

	if cfg.Pool != (config.PoolConfig{}) {
		nodeCfg.Pool = swarm.PoolConfig{
			HighWatermark: cfg.Pool.HighWatermark,
			LowWatermark:  cfg.Pool.LowWatermark,
			MaxPerPeer:    cfg.Pool.MaxPerPeer,
			GracePeriod:   cfg.Pool.GracePeriod,
		}
	}
	if cfg.Health != (config.HealthConfig{}) {
		nodeCfg.HealthCheck = &swarm.HealthMonitorConfig{
			ProbeInterval: cfg.Health.ProbeInterval,
			ProbeTimeout:  cfg.Health.ProbeTimeout,
		}
	}
	if cfg.Reconnect != (config.ReconnectConfig{}) {
		nodeCfg.Reconnection = &swarm.ReconnectionPolicyConfig{
			BaseDelay:       cfg.Reconnect.BaseDelay,
			Multiplier:      cfg.Reconnect.Multiplier,
			JitterFraction:  cfg.Reconnect.JitterFraction,
			MaxDelay:        cfg.Reconnect.MaxDelay,
			MaxRetries:      cfg.Reconnect.MaxRetries,
			StableThreshold: cfg.Reconnect.StableThreshold,
		}
	}
	if cfg.Resources != (config.ResourcesConfig{}) {
		nodeCfg.ResourceManager = &swarm.ResourceManagerConfig{
			System: swarm.ScopeLimits{
				InboundConnections:  int(cfg.Resources.SystemInboundConnections),
				OutboundConnections: int(cfg.Resources.SystemOutboundConnections),
				InboundStreams:      int(cfg.Resources.SystemInboundStreams),
				OutboundStreams:     int(cfg.Resources.SystemOutboundStreams),
				Memory:              cfg.Resources.SystemMemory,
			},
			DefaultPeer: swarm.ScopeLimits{
				InboundConnections:  int(cfg.Resources.PerPeerInboundConnections),
				OutboundConnections: int(cfg.Resources.PerPeerOutboundConnections),
				InboundStreams:      int(cfg.Resources.PerPeerInboundStreams),
				OutboundStreams:     int(cfg.Resources.PerPeerOutboundStreams),
			},
		}
	}

	if svc, ok := cfg.Services[swarm.PingProtocolID]; ok && svc.Enabled {
		nodeCfg.Services[swarm.PingProtocolID] = ping.Handler
	}

	node, err := swarm.NewNode(nodeCfg)
	if err != nil {
		return nil, fmt.Errorf("construct node: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		m = metrics.New(version, "")
	}

	return &loadedNode{Node: node, KeyPair: kp, Metrics: m}, nil
}

func buildTransports(names []string, kp *swarm.KeyPair) ([]swarm.Transport, error) {
	out := make([]swarm.Transport, 0, len(names))
	for _, name := range names {
		switch name {
		case "tcp":
			out = append(out, tcp.New())
		case "quic":
			out = append(out, quic.New(kp))
		default:
			return nil, fmt.Errorf("unknown transport %q", name)
		}
	}
	return out, nil
}

func buildSecurity(names []string, kp *swarm.KeyPair) ([]swarm.SecurityUpgrader, error) {
	out := make([]swarm.SecurityUpgrader, 0, len(names))
	for _, name := range names {
		switch name {
		case "noise":
			out = append(out, noise.New(kp))
		case "plaintext":
			out = append(out, plaintext.New(kp))
		default:
			return nil, fmt.Errorf("unknown security stack %q", name)
		}
	}
	return out, nil
}

func buildMuxers(names []string) ([]swarm.Muxer, error) {
	out := make([]swarm.Muxer, 0, len(names))
	for _, name := range names {
		switch name {
		case "yamux":
			out = append(out, yamux.New())
		default:
			return nil, fmt.Errorf("unknown muxer %q", name)
		}
	}
	return out, nil
}
