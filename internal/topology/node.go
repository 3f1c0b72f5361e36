// Package topology 根据配置把采集端、汇聚节点和转发目标连接起来
package topology

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/han-fei/telemesh/agent"
	"github.com/han-fei/telemesh/broker"
	"github.com/han-fei/telemesh/internal/config"
	"github.com/han-fei/telemesh/internal/registry"
	"github.com/han-fei/telemesh/pkg/interfaces"
)

// 关闭HTTP服务的等待时间
const shutdownTimeout = 5 * time.Second

// Deps 外部注入的依赖，零值可用
type Deps struct {
	Provider     interfaces.MetricsProvider // 为nil时读取本机/proc
	Registry     *prometheus.Registry       // 为nil时新建并注册进程指标
	Logger       *slog.Logger
	DialOptions  []grpc.DialOption
	GRPCListener net.Listener // 为nil时监听 node.listen
	HTTPListener net.Listener // 为nil时监听 node.http_listen
}

// Node 一个已连接好的节点
type Node struct {
	cfg       *config.Config
	deps      Deps
	endpoints *registry.EndpointRegistry
	broker    *broker.Broker      // 未启用aggregator角色时为nil
	agent     *agent.Agent        // 未启用collector角色时为nil
	admin     *broker.AdminServer // http_listen 为 "-" 时为nil
	logger    *slog.Logger
}

// Stats 节点统计，由 /api/v1/stats 返回
type Stats struct {
	Node       string                  `json:"node"`
	Address    string                  `json:"address"`
	Roles      config.RolesConfig      `json:"roles"`
	Aggregator *broker.AggregatorStats `json:"aggregator,omitempty"`
	Collectors []agent.CollectorStats  `json:"collectors,omitempty"`
	Endpoints  []registry.Endpoint     `json:"endpoints"`
}

// Build 校验配置并创建节点
// 顺序：二级汇聚节点与sink -> 本地汇聚节点 -> 采集目标 -> 采集端
func Build(cfg *config.Config, deps Deps) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
		deps.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	logger := deps.Logger.With("node", cfg.Node.ID)

	n := &Node{
		cfg:  cfg,
		deps: deps,
		endpoints: registry.NewEndpointRegistry(registry.Options{
			IsLocal:        cfg.IsLocalTarget,
			RequestTimeout: cfg.Aggregator.RequestTimeout,
			DialOptions:    deps.DialOptions,
		}, logger),
		logger: logger,
	}

	if cfg.Roles.Aggregator {
		var secondary interfaces.Aggregator
		if cfg.Aggregator.Secondary != "" {
			s, err := n.endpoints.Resolve(cfg.Aggregator.Secondary)
			if err != nil {
				n.endpoints.Close()
				return nil, err
			}
			secondary = s
		}

		b, err := broker.NewBroker(cfg, secondary, deps.Registry, logger)
		if err != nil {
			n.endpoints.Close()
			return nil, err
		}
		n.broker = b
		n.endpoints.SetLocal(b.Local())
	}

	if cfg.Roles.Collector {
		targets, err := n.endpoints.ResolveAll(cfg.Collector.Targets)
		if err != nil {
			n.endpoints.Close()
			return nil, err
		}
		n.agent = agent.NewAgent(cfg.Collector, targets, deps.Provider, logger)
	}

	if cfg.Node.HTTPListen != "-" {
		opts := broker.AdminOptions{
			Listen:       cfg.Node.HTTPListen,
			Gatherer:     deps.Registry,
			Stats:        func() any { return n.Stats() },
			QueryTimeout: cfg.Aggregator.RequestTimeout,
		}
		if n.broker != nil {
			opts.Source = n.broker.Source()
		}
		n.admin = broker.NewAdminServer(opts, logger)
	}

	logger.Info("节点已创建", "config", cfg.String())
	return n, nil
}

// Local 本地汇聚节点，未启用aggregator角色时为nil
func (n *Node) Local() interfaces.Aggregator {
	if n.broker == nil {
		return nil
	}
	return n.broker.Local()
}

// Identities 本节点采集端的标识
func (n *Node) Identities() []string {
	if n.agent == nil {
		return nil
	}
	return n.agent.Identities()
}

// Stats 节点统计
func (n *Node) Stats() Stats {
	stats := Stats{
		Node:      n.cfg.Node.ID,
		Address:   n.cfg.Node.Address,
		Roles:     n.cfg.Roles,
		Endpoints: n.endpoints.Endpoints(),
	}
	if n.broker != nil {
		s := n.broker.Stats()
		stats.Aggregator = &s
	}
	if n.agent != nil {
		stats.Collectors = n.agent.Stats()
	}
	return stats
}

// Run 启动gRPC服务、管理接口、汇聚节点和采集循环，阻塞直到ctx取消
func (n *Node) Run(ctx context.Context) error {
	grpcLis, httpLis, err := n.listen()
	if err != nil {
		return err
	}

	if n.broker != nil {
		if err := n.broker.Start(); err != nil {
			closeListeners(grpcLis, httpLis)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if n.broker != nil {
		g.Go(func() error { return n.broker.Serve(grpcLis) })
	}
	if n.admin != nil {
		g.Go(func() error { return n.admin.Serve(httpLis) })
	}
	if n.agent != nil {
		g.Go(func() error { return n.agent.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		n.shutdown()
		return nil
	})

	err = g.Wait()
	if cerr := n.endpoints.Close(); cerr != nil {
		n.logger.Warn("关闭远端连接失败", "error", cerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	n.logger.Info("节点已停止")
	return nil
}

// shutdown 停止管理接口和汇聚端
func (n *Node) shutdown() {
	if n.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := n.admin.Shutdown(ctx); err != nil {
			n.logger.Warn("关闭管理接口失败", "error", err)
		}
		cancel()
	}
	if n.broker != nil {
		if err := n.broker.Stop(); err != nil {
			n.logger.Warn("停止汇聚端失败", "error", err)
		}
	}
}

// listen 准备监听器，测试可以通过Deps注入
func (n *Node) listen() (grpcLis, httpLis net.Listener, err error) {
	if n.broker != nil {
		grpcLis = n.deps.GRPCListener
		if grpcLis == nil {
			if grpcLis, err = n.broker.Listen(); err != nil {
				return nil, nil, err
			}
		}
	}
	if n.admin != nil {
		httpLis = n.deps.HTTPListener
		if httpLis == nil {
			if httpLis, err = net.Listen("tcp", n.cfg.Node.HTTPListen); err != nil {
				closeListeners(grpcLis)
				return nil, nil, err
			}
		}
	}
	return grpcLis, httpLis, nil
}

func closeListeners(listeners ...net.Listener) {
	for _, lis := range listeners {
		if lis != nil {
			_ = lis.Close()
		}
	}
}
