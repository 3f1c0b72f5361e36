// Package interfaces 定义了系统中的核心接口
package interfaces

import (
	"context"

	"github.com/han-fei/telemesh/pkg/models"
)

// MetricsProvider 主机指标提供者
type MetricsProvider interface {
	// Sample 读取当前主机资源使用情况，可能阻塞一个采样窗口
	Sample(ctx context.Context) (models.HostStats, error)
}

// Aggregator 汇聚节点接口，本地actor和远程客户端都实现它
type Aggregator interface {
	// Name 汇聚节点名称，用于日志和转发路径
	Name() string

	// ReceiveTelemetry 接收采集端上报的样本
	ReceiveTelemetry(ctx context.Context, identity string, sample models.Sample) (models.Ack, error)

	// Relay 接收其他汇聚节点转发的样本
	Relay(ctx context.Context, report models.Report) (models.Ack, error)

	// GetAllTelemetry 返回所有采集端最新样本的快照
	GetAllTelemetry(ctx context.Context) (map[string]models.Sample, error)
}
