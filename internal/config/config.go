package config

import "time"

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// FileConfig is the on-disk (YAML) shape of a swarm node's configuration.
// Loading turns this into a swarm.NodeConfiguration by resolving the named
// transports/security/muxers against the registries the caller built and
// reading the identity key file from disk.
type FileConfig struct {
	Version     int               `yaml:"version,omitempty"`
	Identity    IdentityConfig    `yaml:"identity"`
	Network     NetworkConfig     `yaml:"network"`
	Pool        PoolConfig        `yaml:"pool,omitempty"`
	Health      HealthConfig      `yaml:"health,omitempty"`
	Reconnect   ReconnectConfig   `yaml:"reconnect,omitempty"`
	Resources   ResourcesConfig   `yaml:"resources,omitempty"`
	Security    SecurityConfig    `yaml:"security,omitempty"`
	AutoNAT     AutoNATConfig     `yaml:"autonat,omitempty"`
	Services    ServicesConfig    `yaml:"services,omitempty"`
	Telemetry   TelemetryConfig   `yaml:"telemetry,omitempty"`
}

// IdentityConfig names where the node's long-term Ed25519 key lives.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds listen addresses and the named transport/security/
// muxer stack to assemble (names are looked up in the caller's registry,
// keeping this package free of a direct import cycle on the adapter
// packages).
type NetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
	Transports      []string `yaml:"transports"` // e.g. "tcp", "quic"
	SecurityStacks  []string `yaml:"security"`   // e.g. "noise", "plaintext"
	Muxers          []string `yaml:"muxers"`     // e.g. "yamux"
	IdleTimeout     time.Duration `yaml:"idle_timeout,omitempty"`
	MaxMessageSize  int           `yaml:"max_message_size,omitempty"`
}

// PoolConfig mirrors swarm.PoolConfig for YAML purposes.
type PoolConfig struct {
	HighWatermark int           `yaml:"high_watermark,omitempty"`
	LowWatermark  int           `yaml:"low_watermark,omitempty"`
	MaxPerPeer    int           `yaml:"max_per_peer,omitempty"`
	GracePeriod   time.Duration `yaml:"grace_period,omitempty"`
}

// HealthConfig mirrors swarm.HealthMonitorConfig.
type HealthConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval,omitempty"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout,omitempty"`
}

// ReconnectConfig mirrors swarm.ReconnectionPolicyConfig.
type ReconnectConfig struct {
	BaseDelay       time.Duration `yaml:"base_delay,omitempty"`
	Multiplier      float64       `yaml:"multiplier,omitempty"`
	JitterFraction  float64       `yaml:"jitter_fraction,omitempty"`
	MaxDelay        time.Duration `yaml:"max_delay,omitempty"`
	MaxRetries      int           `yaml:"max_retries,omitempty"`
	StableThreshold time.Duration `yaml:"stable_threshold,omitempty"`
}

// ResourcesConfig mirrors the aggregate limits of swarm.ResourceManagerConfig.
type ResourcesConfig struct {
	SystemInboundConnections  int64 `yaml:"system_inbound_connections,omitempty"`
	SystemOutboundConnections int64 `yaml:"system_outbound_connections,omitempty"`
	SystemInboundStreams      int64 `yaml:"system_inbound_streams,omitempty"`
	SystemOutboundStreams     int64 `yaml:"system_outbound_streams,omitempty"`
	SystemMemory              int64 `yaml:"system_memory,omitempty"`
	PerPeerInboundConnections int64 `yaml:"per_peer_inbound_connections,omitempty"`
	PerPeerOutboundConnections int64 `yaml:"per_peer_outbound_connections,omitempty"`
	PerPeerInboundStreams     int64 `yaml:"per_peer_inbound_streams,omitempty"`
	PerPeerOutboundStreams    int64 `yaml:"per_peer_outbound_streams,omitempty"`
}

// SecurityConfig holds connection-gating configuration.
type SecurityConfig struct {
	AuthorizedKeysFile     string `yaml:"authorized_keys_file,omitempty"`
	EnableConnectionGating bool   `yaml:"enable_connection_gating,omitempty"`
	EnrollmentEnabled      bool   `yaml:"enrollment_enabled,omitempty"`
	EnrollmentLimit        int    `yaml:"enrollment_limit,omitempty"`
}

// AutoNATConfig controls AutoNAT v2 participation.
type AutoNATConfig struct {
	ClientEnabled bool     `yaml:"client_enabled,omitempty"`
	ServerEnabled bool     `yaml:"server_enabled,omitempty"`
	KnownServers  []string `yaml:"known_servers,omitempty"` // peer IDs
}

// ServicesConfig holds which named stream-handler services are enabled,
// keyed by the protocol ID they register under.
type ServicesConfig map[string]ServiceConfig

// ServiceConfig holds per-service enable/restriction settings.
type ServiceConfig struct {
	Enabled      bool     `yaml:"enabled"`
	AllowedPeers []string `yaml:"allowed_peers,omitempty"` // peer IDs, empty = all authorized peers
}

// TelemetryConfig holds observability settings, disabled by default.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"` // default: "127.0.0.1:9091"
}
