package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/han-fei/telemesh/internal/utils"
)

func validConfig() *Config {
	cfg := &Config{
		Node:  NodeConfig{ID: "node-a", Address: "10.0.0.1:9095"},
		Roles: RolesConfig{Collector: true, Aggregator: true},
		Collector: CollectorConfig{
			Targets: []string{LocalTarget, "10.0.0.2:9095"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// TestLoadConfig 测试配置加载和默认值
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemesh.yaml")
	content := `
node:
  id: node-a
  listen: ":9195"
roles:
  collector: true
  aggregator: true
collector:
  interval: 2s
  targets: ["local", "10.0.0.2:9095"]
aggregator:
  secondary: "10.0.0.3:9095"
sink:
  type: pushgateway
  address: http://pushgateway:9091
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "node-a", cfg.Node.ID)
	host, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, net.JoinHostPort(host, "9195"), cfg.Node.Address)
	assert.Equal(t, 2*time.Second, cfg.Collector.Interval)
	assert.Equal(t, DefaultSampleWindow, cfg.Collector.SampleWindow)
	assert.Equal(t, DefaultRequestTimeout, cfg.Collector.RequestTimeout)
	assert.Equal(t, 1, cfg.Collector.Workers)
	assert.Equal(t, DefaultMailboxSize, cfg.Aggregator.MailboxSize)
	assert.Equal(t, DefaultJob, cfg.Sink.Job)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSampleWindowDefaultFollowsShortInterval(t *testing.T) {
	cfg := &Config{Collector: CollectorConfig{Interval: 400 * time.Millisecond}}
	cfg.ApplyDefaults()
	assert.Equal(t, 200*time.Millisecond, cfg.Collector.SampleWindow)
}

func TestValidateRejectsContradictions(t *testing.T) {
	tests := []struct {
		name  string
		field string
		edit  func(c *Config)
	}{
		{"no role", "roles", func(c *Config) { c.Roles = RolesConfig{} }},
		{"collector without targets", "collector.targets", func(c *Config) { c.Collector.Targets = nil }},
		{"negative interval", "collector.interval", func(c *Config) { c.Collector.Interval = -time.Second }},
		{"duplicate target", "collector.targets", func(c *Config) {
			c.Collector.Targets = []string{"10.0.0.2:9095", "10.0.0.2:9095"}
		}},
		{"local target without aggregator", "collector.targets", func(c *Config) {
			c.Roles.Aggregator = false
		}},
		{"secondary without aggregator", "aggregator.secondary", func(c *Config) {
			c.Roles.Aggregator = false
			c.Collector.Targets = []string{"10.0.0.2:9095"}
			c.Aggregator.Secondary = "10.0.0.3:9095"
		}},
		{"sink without aggregator", "sink.type", func(c *Config) {
			c.Roles.Aggregator = false
			c.Collector.Targets = []string{"10.0.0.2:9095"}
			c.Sink.Type = SinkPushgateway
		}},
		{"secondary is self", "aggregator.secondary", func(c *Config) { c.Aggregator.Secondary = "10.0.0.1:9095" }},
		{"port-only address with secondary", "node.address", func(c *Config) {
			c.Node.Address = ":9095"
			c.Aggregator.Secondary = "10.0.0.3:9095"
		}},
		{"unspecified host with secondary", "node.address", func(c *Config) {
			c.Node.Address = "0.0.0.0:9095"
			c.Aggregator.Secondary = "10.0.0.3:9095"
		}},
		{"unknown sink", "sink.type", func(c *Config) {
			c.Sink.Type = "graphite"
			c.Sink.Timeout = time.Second
		}},
		{"pushgateway without address", "sink.address", func(c *Config) {
			c.Sink.Type = SinkPushgateway
			c.Sink.Timeout = time.Second
		}},
		{"kafka without brokers", "sink.kafka.brokers", func(c *Config) {
			c.Sink.Type = SinkKafka
			c.Sink.Timeout = time.Second
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.edit(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var ce *utils.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestValidateDetectsForwardingCycle(t *testing.T) {
	cfg := validConfig()
	cfg.Aggregator.Secondary = "10.0.0.2:9095"
	cfg.Topology.Forwarding = map[string]string{
		"10.0.0.2:9095": "10.0.0.3:9095",
		"10.0.0.3:9095": "10.0.0.1:9095",
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, utils.IsConfigurationError(err))
	assert.Contains(t, err.Error(), "环路")
}

func TestValidateAcceptsChain(t *testing.T) {
	cfg := validConfig()
	cfg.Aggregator.Secondary = "10.0.0.2:9095"
	cfg.Topology.Forwarding = map[string]string{
		"10.0.0.2:9095": "10.0.0.3:9095",
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsConflictingSelfEdge(t *testing.T) {
	cfg := validConfig()
	cfg.Aggregator.Secondary = "10.0.0.2:9095"
	cfg.Topology.Forwarding = map[string]string{
		"10.0.0.1:9095": "10.0.0.9:9095",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, utils.IsConfigurationError(err))
}

func TestFindCycle(t *testing.T) {
	assert.Nil(t, FindCycle(nil))
	assert.Nil(t, FindCycle(map[string]string{"a": "b", "b": "c"}))
	assert.Equal(t, []string{"a", "a"}, FindCycle(map[string]string{"a": "a"}))

	cycle := FindCycle(map[string]string{"x": "a", "a": "b", "b": "a"})
	require.NotNil(t, cycle)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.Len(t, cycle, 3)
}

// TestExampleConfigIsValid 仓库自带的示例配置可以通过校验
func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "telemesh.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "10.0.0.1:9095", cfg.Node.Address)
	assert.Equal(t, SinkPushgateway, cfg.Sink.Type)
	assert.Equal(t, []string{LocalTarget, "10.0.0.3:9095"}, cfg.Collector.Targets)
}

// TestReadConfigSkipsDefaults 读取时不补默认值
func TestReadConfigSkipsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  aggregator: true\n"), 0o600))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Collector.Interval)
	assert.Empty(t, cfg.Node.Listen)

	cfg.ApplyDefaults()
	assert.Equal(t, DefaultInterval, cfg.Collector.Interval)
	assert.Equal(t, DefaultListen, cfg.Node.Listen)
}

func TestAddressDefaultsToHostnameForWildcardListen(t *testing.T) {
	host, err := os.Hostname()
	require.NoError(t, err)

	for _, listen := range []string{"", ":9300", "0.0.0.0:9300", "[::]:9300"} {
		cfg := &Config{Node: NodeConfig{Listen: listen}}
		cfg.ApplyDefaults()

		_, port, err := net.SplitHostPort(cfg.Node.Listen)
		require.NoError(t, err)
		assert.Equal(t, net.JoinHostPort(host, port), cfg.Node.Address, listen)
		assert.True(t, cfg.IsLocalTarget(cfg.Node.Listen))
	}

	cfg := &Config{Node: NodeConfig{Listen: "10.0.0.7:9300"}}
	cfg.ApplyDefaults()
	assert.Equal(t, "10.0.0.7:9300", cfg.Node.Address)
}

func TestDefaultAggregatorWithSecondaryIsValid(t *testing.T) {
	cfg := &Config{Roles: RolesConfig{Aggregator: true}}
	cfg.Aggregator.Secondary = "10.0.0.3:9095"
	cfg.ApplyDefaults()

	require.NoError(t, cfg.Validate())
	assert.NotEqual(t, DefaultListen, cfg.Node.Address)
}
