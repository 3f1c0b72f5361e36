// Package agent 组装节点上的采集端
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/han-fei/telemesh/agent/internal/collector"
	"github.com/han-fei/telemesh/internal/config"
	"github.com/han-fei/telemesh/pkg/interfaces"
)

// CollectorStats 单个采集端的统计
type CollectorStats = collector.Stats

// Agent 一组共享指标来源和上报目标的采集端
type Agent struct {
	collectors []*collector.MetricsCollector
	targets    []interfaces.Aggregator
	interval   time.Duration
	logger     *slog.Logger
}

// NewAgent 按配置创建采集端，provider为nil时读取本机/proc
func NewAgent(cfg config.CollectorConfig, targets []interfaces.Aggregator, provider interfaces.MetricsProvider, logger *slog.Logger) *Agent {
	if provider == nil {
		provider = NewHostProvider(cfg.SampleWindow)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	collectors := make([]*collector.MetricsCollector, 0, workers)
	for i := 0; i < workers; i++ {
		identity := collector.NewIdentity(cfg.Identity, i, workers)
		collectors = append(collectors, collector.NewMetricsCollector(identity, provider, cfg.RequestTimeout, logger))
	}

	return &Agent{
		collectors: collectors,
		targets:    targets,
		interval:   cfg.Interval,
		logger:     logger.With("component", "agent"),
	}
}

// NewHostProvider 读取本机/proc的指标来源
func NewHostProvider(window time.Duration) interfaces.MetricsProvider {
	return collector.NewProcfsProvider("/proc", window)
}

// Identities 所有采集端标识
func (a *Agent) Identities() []string {
	ids := make([]string, 0, len(a.collectors))
	for _, c := range a.collectors {
		ids = append(ids, c.Identity())
	}
	return ids
}

// Run 运行所有采集循环直到ctx取消
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("采集端启动", "identities", a.Identities(), "targets", len(a.targets), "interval", a.interval)

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range a.collectors {
		g.Go(func() error {
			return c.Run(ctx, a.targets, a.interval)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		a.logger.Info("采集端已停止")
		return nil
	}
	return err
}

// Stats 所有采集端的统计
func (a *Agent) Stats() []CollectorStats {
	stats := make([]CollectorStats, 0, len(a.collectors))
	for _, c := range a.collectors {
		stats = append(stats, c.Stats())
	}
	return stats
}
