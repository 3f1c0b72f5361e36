package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/han-fei/telemesh/internal/config"
	"github.com/han-fei/telemesh/pkg/models"
)

// messageWriter kafka.Writer 的最小接口
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink 每个样本写一条以采集端标识为key的JSON消息
type KafkaSink struct {
	brokers []string
	topic   string
	writer  messageWriter
}

// NewKafkaSink 创建Kafka sink
// timeout: 单次写入和读取确认的超时时间
func NewKafkaSink(cfg config.KafkaConfig, timeout time.Duration) *KafkaSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           timeout,
		ReadTimeout:            timeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(cfg.Brokers, cfg.Topic, writer)
}

func newKafkaSink(brokers []string, topic string, writer messageWriter) *KafkaSink {
	return &KafkaSink{brokers: brokers, topic: topic, writer: writer}
}

// Name sink名称
func (s *KafkaSink) Name() string {
	return fmt.Sprintf("kafka:%s/%s", strings.Join(s.brokers, ","), s.topic)
}

// Push 写入一条消息，同一采集端的消息落在同一分区
func (s *KafkaSink) Push(ctx context.Context, identity string, sample models.Sample) error {
	value, err := json.Marshal(models.Report{Identity: identity, Sample: sample})
	if err != nil {
		return fmt.Errorf("序列化样本失败: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(identity),
		Value: value,
		Time:  sample.Timestamp,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("写入Kafka失败: %w", err)
	}
	return nil
}

// Close 关闭writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
