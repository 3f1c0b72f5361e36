// Package broker 组装节点上的汇聚端：汇聚节点、sink与gRPC服务
package broker

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/han-fei/telemesh/broker/internal/aggregator"
	"github.com/han-fei/telemesh/broker/internal/api"
	"github.com/han-fei/telemesh/broker/internal/service"
	"github.com/han-fei/telemesh/broker/internal/sink"
	"github.com/han-fei/telemesh/internal/config"
	"github.com/han-fei/telemesh/pkg/interfaces"
)

type (
	// AggregatorStats 汇聚节点统计
	AggregatorStats = aggregator.Stats
	// AdminServer 管理HTTP服务器
	AdminServer = api.Server
	// AdminOptions 管理HTTP服务器选项
	AdminOptions = api.Options
	// TelemetrySource 管理接口查询的数据来源
	TelemetrySource = api.TelemetrySource
)

// NewAdminServer 创建管理HTTP服务器
func NewAdminServer(opts AdminOptions, logger *slog.Logger) *AdminServer {
	return api.NewServer(opts, logger)
}

// Broker 本节点的汇聚端
type Broker struct {
	Config     *config.Config
	aggregator *aggregator.TelemetryAggregator
	sink       interfaces.Sink
	grpcServer *service.GRPCServer
	logger     *slog.Logger
}

// NewBroker 创建汇聚端，secondary和sink都可以为空
// 汇聚节点以本节点地址命名，与转发拓扑中的地址一致
func NewBroker(cfg *config.Config, secondary interfaces.Aggregator, reg prometheus.Registerer, logger *slog.Logger) (*Broker, error) {
	s, err := sink.New(cfg.Sink, logger)
	if err != nil {
		return nil, err
	}

	agg := aggregator.NewTelemetryAggregator(aggregator.Options{
		Name: cfg.Node.Address,
		Forwarding: aggregator.ForwardingConfig{
			Secondary:      secondary,
			Sink:           s,
			RequestTimeout: cfg.Aggregator.RequestTimeout,
		},
		MailboxSize: cfg.Aggregator.MailboxSize,
		MaxHops:     cfg.Aggregator.MaxHops,
		Registerer:  reg,
	}, logger)

	return &Broker{
		Config:     cfg,
		aggregator: agg,
		sink:       s,
		grpcServer: service.NewGRPCServer(cfg.Node.Listen, agg, logger),
		logger:     logger.With("component", "broker"),
	}, nil
}

// Local 进程内的汇聚节点
func (b *Broker) Local() interfaces.Aggregator {
	return b.aggregator
}

// Source 管理接口的数据来源
func (b *Broker) Source() TelemetrySource {
	return b.aggregator
}

// Stats 汇聚节点统计
func (b *Broker) Stats() AggregatorStats {
	return b.aggregator.Stats()
}

// Start 启动汇聚节点
func (b *Broker) Start() error {
	return b.aggregator.Start()
}

// Serve 在给定listener上提供gRPC服务，阻塞直到Stop
func (b *Broker) Serve(lis net.Listener) error {
	return b.grpcServer.Serve(lis)
}

// Listen 监听配置的gRPC地址
func (b *Broker) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", b.Config.Node.Listen)
	if err != nil {
		return nil, fmt.Errorf("监听 %s 失败: %w", b.Config.Node.Listen, err)
	}
	return lis, nil
}

// Stop 依次停止gRPC服务、汇聚节点和sink
func (b *Broker) Stop() error {
	b.grpcServer.Stop()
	if err := b.aggregator.Stop(); err != nil {
		return err
	}
	if b.sink != nil {
		if err := b.sink.Close(); err != nil {
			b.logger.Warn("关闭sink失败", "error", err)
		}
	}
	return nil
}
