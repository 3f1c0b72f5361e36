package interfaces

import (
	"context"

	"github.com/han-fei/telemesh/pkg/models"
)

// Sink 外部指标系统
type Sink interface {
	// Name sink名称，用于日志
	Name() string

	// Push 把样本推送到外部系统
	Push(ctx context.Context, identity string, sample models.Sample) error

	// Close 关闭连接
	Close() error
}
