package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/han-fei/telemesh/internal/config"
	"github.com/han-fei/telemesh/pkg/models"
)

// hashWriter go-redis 客户端中用到的命令
type hashWriter interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// RedisSink 每个采集端一个hash，只保留最新样本
type RedisSink struct {
	address   string
	keyPrefix string
	ttl       time.Duration
	client    hashWriter
}

// NewRedisSink 创建Redis sink，连接失败只记录日志，推送时再报错
// timeout: 建连和读写的超时时间
func NewRedisSink(address string, cfg config.RedisConfig, timeout time.Duration, logger *slog.Logger) *RedisSink {
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("连接Redis失败", "address", address, "error", err)
	}

	return newRedisSink(address, cfg, client)
}

func newRedisSink(address string, cfg config.RedisConfig, client hashWriter) *RedisSink {
	return &RedisSink{
		address:   address,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
		client:    client,
	}
}

// Name sink名称
func (s *RedisSink) Name() string {
	return "redis:" + s.address
}

// Push 覆盖写入hash，配置了TTL时刷新过期时间
func (s *RedisSink) Push(ctx context.Context, identity string, sample models.Sample) error {
	key := sampleKey(s.keyPrefix, identity)

	err := s.client.HSet(ctx, key,
		"timestamp", sample.Timestamp.Format(time.RFC3339Nano),
		"cpu_percent", strconv.FormatFloat(sample.CPUPercent, 'f', -1, 64),
		"memory_percent", strconv.FormatFloat(sample.MemoryPercent, 'f', -1, 64),
		"available_memory_bytes", strconv.FormatUint(sample.AvailableMemoryBytes, 10),
		"total_memory_bytes", strconv.FormatUint(sample.TotalMemoryBytes, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("写入Redis失败: %w", err)
	}

	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("设置过期时间失败: %w", err)
		}
	}
	return nil
}

// Close 关闭客户端
func (s *RedisSink) Close() error {
	return s.client.Close()
}
