package collector

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/han-fei/telemesh/internal/utils"
	"github.com/han-fei/telemesh/pkg/interfaces"
	"github.com/han-fei/telemesh/pkg/models"
)

func TestCollectReturnsSample(t *testing.T) {
	provider := &fakeProvider{results: []providerResult{okStats(10)}}
	mc := NewMetricsCollector("w1", provider, time.Second, discardLogger())
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mc.now = func() time.Time { return fixed }

	sample, err := mc.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.Sample{
		Timestamp:            fixed,
		CPUPercent:           10,
		MemoryPercent:        50,
		AvailableMemoryBytes: 2000,
		TotalMemoryBytes:     4000,
	}, sample)
}

func TestCollectProviderFailure(t *testing.T) {
	provider := &fakeProvider{results: []providerResult{{err: errProviderDown}}}
	mc := NewMetricsCollector("w1", provider, time.Second, discardLogger())

	_, err := mc.Collect(context.Background())
	var ce *utils.CollectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "w1", ce.Identity)
	assert.ErrorIs(t, err, errProviderDown)
	assert.Equal(t, utils.ErrorTypeCollection, utils.TypeOf(err))
}

func TestCollectRejectsInvalidData(t *testing.T) {
	cases := map[string]models.HostStats{
		"cpu over 100":  {CPUPercent: 120, MemoryPercent: 10, TotalBytes: 1},
		"negative mem":  {CPUPercent: 1, MemoryPercent: -1, TotalBytes: 1},
		"nan cpu":       {CPUPercent: math.NaN(), MemoryPercent: 10, TotalBytes: 1},
		"missing total": {CPUPercent: 1, MemoryPercent: 10},
	}
	for name, stats := range cases {
		t.Run(name, func(t *testing.T) {
			provider := &fakeProvider{results: []providerResult{{stats: stats}}}
			mc := NewMetricsCollector("w1", provider, time.Second, discardLogger())
			_, err := mc.Collect(context.Background())
			var ce *utils.CollectionError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestCollectRecoversProviderPanic(t *testing.T) {
	mc := NewMetricsCollector("w1", &fakeProvider{panics: true}, time.Second, discardLogger())
	_, err := mc.Collect(context.Background())
	var ce *utils.CollectionError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "panic")
}

func TestRunRejectsNonPositiveInterval(t *testing.T) {
	mc := NewMetricsCollector("w1", &fakeProvider{}, time.Second, discardLogger())
	err := mc.Run(context.Background(), nil, 0)
	assert.True(t, utils.IsConfigurationError(err))
}

// TestRunReportsInOrder 一个周期内按A、B、C顺序上报
func TestRunReportsInOrder(t *testing.T) {
	log := &callLog{}
	targets := []interfaces.Aggregator{
		newFakeAggregator("A", log),
		newFakeAggregator("B", log),
		newFakeAggregator("C", log),
	}
	provider := &fakeProvider{results: []providerResult{okStats(10)}}
	mc := NewMetricsCollector("w1", provider, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mc.Run(ctx, targets, time.Hour) }()

	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"A", "B", "C"}, log.snapshot())
	assert.Equal(t, uint64(3), mc.Stats().Delivered)
}

// TestRunContinuesAfterFailedTarget 某个目标失败不影响后续目标
func TestRunContinuesAfterFailedTarget(t *testing.T) {
	log := &callLog{}
	a := newFakeAggregator("A", log)
	b := newFakeAggregator("B", log)
	b.err = errors.New("unreachable")
	c := newFakeAggregator("C", log)

	provider := &fakeProvider{results: []providerResult{okStats(10)}}
	mc := NewMetricsCollector("w1", provider, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mc.Run(ctx, []interfaces.Aggregator{a, b, c}, time.Hour) }()

	require.Eventually(t, func() bool { return len(log.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	snap, _ := c.GetAllTelemetry(context.Background())
	assert.Contains(t, snap, "w1")
	stats := mc.Stats()
	assert.Equal(t, uint64(2), stats.Delivered)
	assert.Equal(t, uint64(1), stats.DeliveryFailures)
}

// TestRunSlowTargetBoundedByTimeout 挂起的目标在超时后视为失败
func TestRunSlowTargetBoundedByTimeout(t *testing.T) {
	log := &callLog{}
	slow := newFakeAggregator("slow", log)
	slow.block = true
	next := newFakeAggregator("next", log)

	provider := &fakeProvider{results: []providerResult{okStats(10)}}
	mc := NewMetricsCollector("w1", provider, 20*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mc.Run(ctx, []interfaces.Aggregator{slow, next}, time.Hour) }()

	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"slow", "next"}, log.snapshot())
	assert.Equal(t, uint64(1), mc.Stats().DeliveryFailures)
}

// TestRunSurvivesCollectionFailure 采集失败后等待一个周期继续下一次采集
func TestRunSurvivesCollectionFailure(t *testing.T) {
	provider := &fakeProvider{results: []providerResult{{err: errProviderDown}, okStats(20)}}
	target := newFakeAggregator("A", nil)
	mc := NewMetricsCollector("w1", provider, time.Second, discardLogger())

	interval := 30 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- mc.Run(ctx, []interfaces.Aggregator{target}, interval) }()

	require.Eventually(t, func() bool {
		snap, _ := target.GetAllTelemetry(context.Background())
		_, ok := snap["w1"]
		return ok
	}, time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)
	cancel()
	<-done

	assert.GreaterOrEqual(t, elapsed, interval)
	stats := mc.Stats()
	assert.Equal(t, uint64(1), stats.CollectFailures)
	assert.GreaterOrEqual(t, stats.Ticks, uint64(2))
}

// TestRunLastSampleWins 第二个周期的样本覆盖第一个
func TestRunLastSampleWins(t *testing.T) {
	provider := &fakeProvider{results: []providerResult{
		okStats(10),
		{stats: models.HostStats{CPUPercent: 20, MemoryPercent: 55, AvailableBytes: 1900, TotalBytes: 4000}},
	}}
	target := newFakeAggregator("A", nil)
	mc := NewMetricsCollector("w1", provider, time.Second, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mc.Run(ctx, []interfaces.Aggregator{target}, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return provider.callCount() >= 2 && mc.Stats().Delivered >= 2 },
		time.Second, 5*time.Millisecond)
	cancel()
	<-done

	snap, _ := target.GetAllTelemetry(context.Background())
	assert.Equal(t, 20.0, snap["w1"].CPUPercent)
}

func TestNewIdentity(t *testing.T) {
	assert.Equal(t, "edge", NewIdentity("edge", 0, 1))
	assert.Equal(t, "edge-2", NewIdentity("edge", 2, 3))

	a := NewIdentity("", 0, 1)
	b := NewIdentity("", 0, 1)
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
