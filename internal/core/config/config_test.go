package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/distsync/internal/core/observability/log"
	"github.com/zeusync/distsync/internal/core/protocol"
	"github.com/zeusync/distsync/internal/core/systems/physics"
)

const sample = `
node:
  authoritative: true
transport:
  kind: websocket
  listen: 0.0.0.0:8080
  peers: [ws://10.0.0.2:8080/replication]
replication:
  tick_rate: 30
  snapshots_per_second: 20
  extrapolation_limit: 250ms
  awaiting_timeout: 2s
  position_bounds:
    center: [0, 100, 0]
    size: [1024, 256, 1024]
prefabs:
  - name: Car
    kind: car
  - name: Crate
    kind: box
metrics:
  listen: ""
log:
  level: debug
  format: console
`

func TestDefaultIsValid(t *testing.T) {
	config := Default()
	require.NoError(t, config.Validate())
	assert.Equal(t, protocol.DefaultPositionBounds, config.Replication.Bounds())
	assert.Equal(t, time.Second/60, config.Replication.TickInterval())
	assert.Equal(t, log.LevelInfo, config.LogLevel())
}

func TestDecodeOverridesDefaults(t *testing.T) {
	config, err := Decode(strings.NewReader(sample))
	require.NoError(t, err)

	assert.True(t, config.Node.Authoritative)
	assert.Equal(t, TransportWebSocket, config.Transport.Kind)
	assert.Equal(t, []string{"ws://10.0.0.2:8080/replication"}, config.Transport.Peers)
	assert.Equal(t, "/replication", config.Transport.Path)
	assert.Equal(t, 1200, config.Transport.MaxDatagramSize)

	assert.Equal(t, 30, config.Replication.TickRate)
	assert.Equal(t, float32(20), config.Replication.SnapshotsPerSecond)
	assert.Equal(t, 250*time.Millisecond, config.Replication.ExtrapolationLimit)
	assert.Equal(t, 2*time.Second, config.Replication.AwaitingTimeout)
	assert.Equal(t, protocol.Bounds{Center: physics.Vec3(0, 100, 0), Size: physics.Vec3(1024, 256, 1024)}, config.Replication.Bounds())

	assert.Equal(t, []PrefabConfig{{Name: "Car", Kind: "car"}, {Name: "Crate", Kind: "box"}}, config.Prefabs)
	assert.Empty(t, config.Metrics.Listen)
	assert.Equal(t, log.LevelDebug, config.LogLevel())
	assert.Equal(t, log.FormatConsole, config.LogFormat())
}

func TestDecodeEmptyInputKeepsDefaults(t *testing.T) {
	config, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), config)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("transport:\n  knd: quic\n"))
	require.Error(t, err)
	assert.Equal(t, protocol.ErrorCodeInvalidConfig, protocol.GetErrorCode(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, "transport.kind"},
		{"network without address", func(c *Config) { c.Transport.Listen = "" }, "transport.listen"},
		{"lonely cert", func(c *Config) { c.Transport.CertFile = "cert.pem" }, "transport.cert_file"},
		{"zero tick rate", func(c *Config) { c.Replication.TickRate = 0 }, "replication.tick_rate"},
		{"flat bounds", func(c *Config) { c.Replication.PositionBounds.Size[1] = 0 }, "replication.position_bounds.size"},
		{"no awaiting timeout", func(c *Config) { c.Replication.AwaitingTimeout = 0 }, "replication.awaiting_timeout"},
		{"nameless prefab", func(c *Config) { c.Prefabs = []PrefabConfig{{Kind: "box"}} }, "prefabs"},
		{"duplicate prefab", func(c *Config) {
			c.Prefabs = []PrefabConfig{{Name: "Box", Kind: "box"}, {Name: "Box", Kind: "car"}}
		}, "prefabs"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)

			err := config.Validate()
			require.ErrorIs(t, err, protocol.ErrInvalidConfig)
			var configErr *protocol.Error
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, tt.field, configErr.Context["field"])
			assert.True(t, configErr.IsFatal())
		})
	}
}

func TestLoopbackNeedsNoAddress(t *testing.T) {
	config := Default()
	config.Transport.Kind = TransportLoopback
	config.Transport.Listen = ""
	assert.NoError(t, config.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, config.Replication.TickRate)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, protocol.ErrorCodeInvalidConfig, protocol.GetErrorCode(err))
}
