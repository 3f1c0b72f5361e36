package agent

import (
	"context"
	"sync"
	"testing"
	"time"

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

type staticProvider struct{}

func (staticProvider) Sample(context.Context) (models.HostStats, error) {
	return models.HostStats{CPUPercent: 45.5, MemoryPercent: 60, AvailableBytes: 400, TotalBytes: 1000}, nil
}

type recordingTarget struct {
	mu         sync.Mutex
	identities map[string]int
}

func (r *recordingTarget) Name() string { return "recorder" }

func (r *recordingTarget) ReceiveTelemetry(ctx context.Context, identity string, sample models.Sample) (models.Ack, error) {
	return r.Relay(ctx, models.Report{Identity: identity, Sample: sample})
}

func (r *recordingTarget) Relay(_ context.Context, report models.Report) (models.Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[report.Identity]++
	return models.Ack{Status: models.AckStatusReceived}, nil
}

func (r *recordingTarget) GetAllTelemetry(context.Context) (map[string]models.Sample, error) {
	return nil, nil
}

func (r *recordingTarget) seen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.identities)
}

// TestAgentCreation 测试Agent创建
func TestAgentCreation(t *testing.T) {
	cfg := config.CollectorConfig{Identity: "test-agent", Workers: 1, Interval: time.Second}

	agent := NewAgent(cfg, nil, staticProvider{}, utils.DiscardLogger())
	require.NotNil(t, agent)
	assert.Equal(t, []string{"test-agent"}, agent.Identities())
}

// TestAgentWorkers 多个采集端各自拥有身份并全部上报
func TestAgentWorkers(t *testing.T) {
	target := &recordingTarget{identities: map[string]int{}}
	cfg := config.CollectorConfig{
		Identity:       "host",
		Workers:        3,
		Interval:       10 * time.Millisecond,
		RequestTimeout: time.Second,
	}

	agent := NewAgent(cfg, []interfaces.Aggregator{target}, staticProvider{}, utils.DiscardLogger())
	assert.Equal(t, []string{"host-0", "host-1", "host-2"}, agent.Identities())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	require.Eventually(t, func() bool { return target.seen() == 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, s := range agent.Stats() {
		assert.NotZero(t, s.Ticks, s.Identity)
		assert.Zero(t, s.DeliveryFailures, s.Identity)
	}
}

// TestAgentRejectsBadInterval 非正的采集间隔直接返回错误
func TestAgentRejectsBadInterval(t *testing.T) {
	agent := NewAgent(config.CollectorConfig{Identity: "x", Workers: 1}, nil, staticProvider{}, utils.DiscardLogger())
	err := agent.Run(context.Background())
	require.Error(t, err)
	assert.True(t, utils.IsConfigurationError(err))
}

// TestGeneratedIdentitiesAreUnique 未固定身份时每个采集端都不同
func TestGeneratedIdentitiesAreUnique(t *testing.T) {
	agent := NewAgent(config.CollectorConfig{Workers: 4, Interval: time.Second}, nil, staticProvider{}, utils.DiscardLogger())
	ids := agent.Identities()
	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], id)
		seen[id] = true
	}
	assert.Len(t, seen, 4)
}
