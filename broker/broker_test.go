package broker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/han-fei/telemesh/internal/config"
	"github.com/han-fei/telemesh/internal/utils"
	"github.com/han-fei/telemesh/pkg/interfaces"
	"github.com/han-fei/telemesh/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func brokerConfig() *config.Config {
	cfg := &config.Config{
		Node:  config.NodeConfig{ID: "broker-1", Address: "localhost:9095"},
		Roles: config.RolesConfig{Aggregator: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// TestBrokerCreation 测试Broker创建
func TestBrokerCreation(t *testing.T) {
	cfg := brokerConfig()

	broker, err := NewBroker(cfg, nil, prometheus.NewRegistry(), utils.DiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, cfg.Node.ID, broker.Config.Node.ID)
	assert.Equal(t, "localhost:9095", broker.Local().Name())
}

// TestBrokerLifecycle 测试Broker生命周期
func TestBrokerLifecycle(t *testing.T) {
	broker, err := NewBroker(brokerConfig(), nil, nil, utils.DiscardLogger())
	require.NoError(t, err)
	require.NoError(t, broker.Start())

	ctx := context.Background()
	_, err = broker.Local().ReceiveTelemetry(ctx, "w1", models.Sample{CPUPercent: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), broker.Stats().Received)

	require.NoError(t, broker.Stop())
	_, err = broker.Local().ReceiveTelemetry(ctx, "w1", models.Sample{})
	assert.Error(t, err)
}

// TestBrokerRejectsUnknownSink 未知sink类型返回配置错误
func TestBrokerRejectsUnknownSink(t *testing.T) {
	cfg := brokerConfig()
	cfg.Sink.Type = "graphite"

	_, err := NewBroker(cfg, nil, nil, utils.DiscardLogger())
	require.Error(t, err)
	assert.True(t, utils.IsConfigurationError(err))
}

// TestBrokerWithPushgatewaySink sink配置传递到汇聚节点
func TestBrokerWithPushgatewaySink(t *testing.T) {
	cfg := brokerConfig()
	cfg.Sink = config.SinkConfig{Type: config.SinkPushgateway, Address: "http://127.0.0.1:1"}
	cfg.ApplyDefaults()

	broker, err := NewBroker(cfg, nil, nil, utils.DiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, "pushgateway:http://127.0.0.1:1", broker.Stats().Sink)
	require.NoError(t, broker.Stop())
}

// TestDefaultConfigChainRelaysToEnd 默认配置下A->B->C链路的样本能到达C
func TestDefaultConfigChainRelaysToEnd(t *testing.T) {
	newBroker := func(secondaryAddress string, secondary interfaces.Aggregator) *Broker {
		cfg := &config.Config{Roles: config.RolesConfig{Aggregator: true}}
		cfg.Aggregator.Secondary = secondaryAddress
		cfg.ApplyDefaults()

		b, err := NewBroker(cfg, secondary, nil, utils.DiscardLogger())
		require.NoError(t, err)
		require.NoError(t, b.Start())
		t.Cleanup(func() { _ = b.Stop() })
		return b
	}

	c := newBroker("", nil)
	b := newBroker("c:9095", c.Local())
	a := newBroker("b:9095", b.Local())
	assert.Equal(t, a.Local().Name(), c.Local().Name())

	ctx := context.Background()
	_, err := a.Local().ReceiveTelemetry(ctx, "w1", models.Sample{CPUPercent: 10})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		all, err := c.Local().GetAllTelemetry(ctx)
		return err == nil && all["w1"].CPUPercent == 10
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Stats().LoopsStopped)
}
