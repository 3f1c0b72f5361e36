// Package sink 把汇聚节点收到的样本推送到外部指标系统
package sink

import (
	"fmt"
	"log/slog"

	"github.com/han-fei/telemesh/internal/config"
	"github.com/han-fei/telemesh/internal/utils"
	"github.com/han-fei/telemesh/pkg/interfaces"
)

// New 根据配置创建sink，未配置时返回nil
func New(cfg config.SinkConfig, logger *slog.Logger) (interfaces.Sink, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case config.SinkPushgateway:
		return NewPushgatewaySink(cfg.Address, cfg.Job, cfg.Timeout), nil
	case config.SinkKafka:
		return NewKafkaSink(cfg.Kafka, cfg.Timeout), nil
	case config.SinkRedis:
		return NewRedisSink(cfg.Address, cfg.Redis, cfg.Timeout, logger), nil
	default:
		return nil, utils.NewConfigError("sink.type", "不支持的sink类型: %s", cfg.Type)
	}
}

// sampleKey 样本在外部系统中的键
func sampleKey(prefix, identity string) string {
	return fmt.Sprintf("%s%s", prefix, identity)
}
