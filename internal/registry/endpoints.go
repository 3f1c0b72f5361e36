// Package registry 把配置中的地址解析为汇聚节点句柄
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/han-fei/telemesh/internal/utils"
	"github.com/han-fei/telemesh/pkg/interfaces"
	"github.com/han-fei/telemesh/pkg/transport"
)

// EndpointRegistry 地址到汇聚节点句柄的映射
// 本地地址解析为进程内的汇聚节点，其余地址共享同一个gRPC客户端
type EndpointRegistry struct {
	local    interfaces.Aggregator
	isLocal  func(address string) bool
	timeout  time.Duration
	dialOpts []grpc.DialOption
	logger   *slog.Logger

	mu      sync.Mutex
	remotes map[string]*transport.RemoteAggregator
	closed  bool
}

// Options 注册表选项
type Options struct {
	Local          interfaces.Aggregator     // 本地汇聚节点，可为nil
	IsLocal        func(address string) bool // 判断地址是否指向本节点
	RequestTimeout time.Duration
	DialOptions    []grpc.DialOption
}

// Endpoint 已创建客户端的远端地址
type Endpoint struct {
	Address string `json:"address"`
}

// NewEndpointRegistry 创建注册表
func NewEndpointRegistry(opts Options, logger *slog.Logger) *EndpointRegistry {
	isLocal := opts.IsLocal
	if isLocal == nil {
		isLocal = func(string) bool { return false }
	}
	return &EndpointRegistry{
		local:    opts.Local,
		isLocal:  isLocal,
		timeout:  opts.RequestTimeout,
		dialOpts: opts.DialOptions,
		logger:   logger.With("component", "registry"),
		remotes:  make(map[string]*transport.RemoteAggregator),
	}
}

// SetLocal 设置本地汇聚节点，需在解析采集目标之前调用
func (r *EndpointRegistry) SetLocal(local interfaces.Aggregator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = local
}

// Resolve 解析单个地址
func (r *EndpointRegistry) Resolve(address string) (interfaces.Aggregator, error) {
	if r.isLocal(address) {
		r.mu.Lock()
		local := r.local
		r.mu.Unlock()
		if local == nil {
			return nil, utils.NewConfigError("collector.targets", "目标 %s 指向本节点，但本节点未启用汇聚角色", address)
		}
		return local, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New("endpoint registry is closed")
	}
	if remote, ok := r.remotes[address]; ok {
		return remote, nil
	}

	remote, err := transport.NewRemoteAggregator(address, r.timeout, r.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("解析地址 %s 失败: %w", address, err)
	}
	r.remotes[address] = remote
	r.logger.Debug("已创建远端汇聚节点客户端", "address", address)
	return remote, nil
}

// ResolveAll 按顺序解析多个地址
func (r *EndpointRegistry) ResolveAll(addresses []string) ([]interfaces.Aggregator, error) {
	targets := make([]interfaces.Aggregator, 0, len(addresses))
	for _, address := range addresses {
		target, err := r.Resolve(address)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// Endpoints 返回已创建的远端客户端
func (r *EndpointRegistry) Endpoints() []Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	endpoints := make([]Endpoint, 0, len(r.remotes))
	for address := range r.remotes {
		endpoints = append(endpoints, Endpoint{Address: address})
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].Address < endpoints[j].Address })
	return endpoints
}

// Close 关闭所有远端连接
func (r *EndpointRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for address, remote := range r.remotes {
		if err := remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", address, err))
		}
		delete(r.remotes, address)
	}
	return errors.Join(errs...)
}
