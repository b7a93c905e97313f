// Package config loads the YAML configuration of a replication node.
package config

import (
	"errors"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/systems/physics"
)

// Transport kinds.
const (
	TransportQUIC      = "quic"
	TransportWebSocket = "websocket"
	TransportLoopback  = "loopback"
)

type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Transport   TransportConfig   `yaml:"transport"`
	Replication ReplicationConfig `yaml:"replication"`
	Prefabs     []PrefabConfig    `yaml:"prefabs"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type NodeConfig struct {
	// Authoritative makes objects of this node send their state by default.
	Authoritative bool `yaml:"authoritative"`
}

type TransportConfig struct {
	Kind   string   `yaml:"kind"`
	Listen string   `yaml:"listen"`
	Peers  []string `yaml:"peers"`
	// Path is the WebSocket upgrade path.
	Path            string `yaml:"path"`
	MaxDatagramSize int    `yaml:"max_datagram_size"`
	CertFile        string `yaml:"cert_file"`
	KeyFile         string `yaml:"key_file"`
}

type ReplicationConfig struct {
	TickRate           int           `yaml:"tick_rate"`
	SnapshotsPerSecond float32       `yaml:"snapshots_per_second"`
	ExtrapolationLimit time.Duration `yaml:"extrapolation_limit"`
	PositionBounds     BoundsConfig  `yaml:"position_bounds"`
	AwaitingTimeout    time.Duration `yaml:"awaiting_timeout"`
}

type BoundsConfig struct {
	Center [3]float32 `yaml:"center"`
	Size   [3]float32 `yaml:"size"`
}

// PrefabConfig names a prefab and the builder that creates it. The list
// order is the prefab id, so every node must list the same prefabs.
type PrefabConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

type MetricsConfig struct {
	// Listen serves /metrics when set.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:            TransportQUIC,
			Listen:          "127.0.0.1:7777",
			Path:            "/replication",
			MaxDatagramSize: 1200,
		},
		Replication: ReplicationConfig{
			TickRate:           60,
			SnapshotsPerSecond: 60,
			ExtrapolationLimit: 300 * time.Millisecond,
			PositionBounds: BoundsConfig{
				Size: [3]float32{4096, 4096, 4096},
			},
			AwaitingTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9090"},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeInvalidConfig, "failed to open config", err).
			WithContext("path", path)
	}
	defer file.Close()
	return Decode(file)
}

// Decode reads YAML over the defaults. Unknown fields are rejected.
func Decode(r io.Reader) (*Config, error) {
	config := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, protocol.NewProtocolError(protocol.ErrorCodeInvalidConfig, "failed to decode config", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportQUIC, TransportWebSocket:
		if c.Transport.Listen == "" && len(c.Transport.Peers) == 0 {
			return invalid("transport.listen", "a network transport needs a listen address or peers")
		}
	case TransportLoopback:
	default:
		return invalid("transport.kind", "unknown transport kind")
	}
	if c.Transport.MaxDatagramSize < 0 {
		return invalid("transport.max_datagram_size", "must not be negative")
	}
	if (c.Transport.CertFile == "") != (c.Transport.KeyFile == "") {
		return invalid("transport.cert_file", "cert_file and key_file go together")
	}

	r := c.Replication
	if r.TickRate <= 0 {
		return invalid("replication.tick_rate", "must be positive")
	}
	if r.SnapshotsPerSecond < 0 {
		return invalid("replication.snapshots_per_second", "must not be negative")
	}
	if r.ExtrapolationLimit < 0 {
		return invalid("replication.extrapolation_limit", "must not be negative")
	}
	if r.AwaitingTimeout <= 0 {
		return invalid("replication.awaiting_timeout", "must be positive")
	}
	for _, size := range r.PositionBounds.Size {
		if size <= 0 {
			return invalid("replication.position_bounds.size", "every axis must be positive")
		}
	}

	names := make(map[string]struct{}, len(c.Prefabs))
	for _, prefab := range c.Prefabs {
		if prefab.Name == "" || prefab.Kind == "" {
			return invalid("prefabs", "every prefab needs a name and a kind")
		}
		if _, duplicate := names[prefab.Name]; duplicate {
			return invalid("prefabs", "duplicate prefab name").WithContext("name", prefab.Name)
		}
		names[prefab.Name] = struct{}{}
	}

	if _, ok := log.ParseLevel(c.Log.Level); !ok {
		return invalid("log.level", "unknown log level")
	}
	if _, ok := log.ParseFormat(c.Log.Format); !ok {
		return invalid("log.format", "unknown log format")
	}
	return nil
}

// Bounds converts the position bounds for the codec.
func (r ReplicationConfig) Bounds() protocol.Bounds {
	center, size := r.PositionBounds.Center, r.PositionBounds.Size
	return protocol.Bounds{
		Center: physics.Vec3(center[0], center[1], center[2]),
		Size:   physics.Vec3(size[0], size[1], size[2]),
	}
}

// TickInterval is the period of the update loop.
func (r ReplicationConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(r.TickRate)
}

// LogLevel returns the configured level, falling back to info.
func (c *Config) LogLevel() log.Level {
	level, _ := log.ParseLevel(c.Log.Level)
	return level
}

func (c *Config) LogFormat() log.Format {
	format, _ := log.ParseFormat(c.Log.Format)
	return format
}

func invalid(field, message string) *protocol.Error {
	return protocol.NewProtocolError(protocol.ErrorCodeInvalidConfig, message, protocol.ErrInvalidConfig).
		WithContext("field", field)
}
