package collector

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/han-fei/telemesh/internal/utils"
	"github.com/han-fei/telemesh/pkg/interfaces"
	"github.com/han-fei/telemesh/pkg/models"
)

// MetricsCollector 指标采集器，周期性采集主机指标并依次上报给所有汇聚节点
type MetricsCollector struct {
	identity string
	provider interfaces.MetricsProvider
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	ticks            atomic.Uint64
	collectFailures  atomic.Uint64
	delivered        atomic.Uint64
	deliveryFailures atomic.Uint64
}

// Stats 采集器统计
type Stats struct {
	Identity         string `json:"identity"`
	Ticks            uint64 `json:"ticks"`
	CollectFailures  uint64 `json:"collect_failures"`
	Delivered        uint64 `json:"delivered"`
	DeliveryFailures uint64 `json:"delivery_failures"`
}

// NewMetricsCollector 创建新的指标采集器
// requestTimeout: 单次上报的超时时间，为0时不设超时
func NewMetricsCollector(identity string, provider interfaces.MetricsProvider, requestTimeout time.Duration, logger *slog.Logger) *MetricsCollector {
	return &MetricsCollector{
		identity: identity,
		provider: provider,
		timeout:  requestTimeout,
		logger:   logger.With("component", "collector", "identity", identity),
		now:      time.Now,
	}
}

// Identity 采集器身份
func (mc *MetricsCollector) Identity() string {
	return mc.identity
}

// Collect 读取当前主机资源使用情况
func (mc *MetricsCollector) Collect(ctx context.Context) (models.Sample, error) {
	stats, err := mc.safeSample(ctx)
	if err != nil {
		return models.Sample{}, &utils.CollectionError{Identity: mc.identity, Err: err}
	}

	if !models.ValidPercent(stats.CPUPercent) || !models.ValidPercent(stats.MemoryPercent) || stats.TotalBytes == 0 {
		return models.Sample{}, &utils.CollectionError{
			Identity: mc.identity,
			Err: fmt.Errorf("无效的主机数据: cpu=%v memory=%v total=%d",
				stats.CPUPercent, stats.MemoryPercent, stats.TotalBytes),
		}
	}

	return models.NewSample(mc.now(), stats), nil
}

// safeSample 调用指标提供者并恢复panic
func (mc *MetricsCollector) safeSample(ctx context.Context) (stats models.HostStats, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("指标提供者panic: %v\n%s", v, debug.Stack())
		}
	}()
	return mc.provider.Sample(ctx)
}

// Run 采集循环，直到ctx被取消
// 每个周期先采集，成功后按顺序逐个上报，然后等待interval
func (mc *MetricsCollector) Run(ctx context.Context, targets []interfaces.Aggregator, interval time.Duration) error {
	if interval <= 0 {
		return utils.NewConfigError("collector.interval", "必须为正数，当前为 %v", interval)
	}

	mc.logger.Info("开始采集循环", "interval", interval, "targets", len(targets))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		mc.tick(ctx, targets)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			mc.logger.Info("采集循环收到停止信号，正在退出")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tick 执行一次采集和上报
func (mc *MetricsCollector) tick(ctx context.Context, targets []interfaces.Aggregator) {
	mc.ticks.Add(1)

	sample, err := mc.Collect(ctx)
	if err != nil {
		mc.collectFailures.Add(1)
		mc.logger.Warn("采集指标失败", "error", err)
		return
	}

	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		if err := mc.report(ctx, target, sample); err != nil {
			mc.deliveryFailures.Add(1)
			mc.logger.Warn("上报失败", "target", target.Name(), "error", err)
			continue
		}
		mc.delivered.Add(1)
	}
}

// report 向单个汇聚节点上报，超时视为失败
func (mc *MetricsCollector) report(ctx context.Context, target interfaces.Aggregator, sample models.Sample) error {
	if mc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, mc.timeout)
		defer cancel()
	}

	ack, err := target.ReceiveTelemetry(ctx, mc.identity, sample)
	if err != nil {
		return &utils.DeliveryError{Target: target.Name(), Identity: mc.identity, Err: err}
	}

	mc.logger.Debug("上报成功", "target", target.Name(), "status", ack.Status)
	return nil
}

// Stats 返回采集器统计
func (mc *MetricsCollector) Stats() Stats {
	return Stats{
		Identity:         mc.identity,
		Ticks:            mc.ticks.Load(),
		CollectFailures:  mc.collectFailures.Load(),
		Delivered:        mc.delivered.Load(),
		DeliveryFailures: mc.deliveryFailures.Load(),
	}
}
