// Package config 加载并校验节点配置
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// 本地汇聚节点的保留目标名
const LocalTarget = "local"

// 支持的sink类型
const (
	SinkPushgateway = "pushgateway"
	SinkKafka       = "kafka"
	SinkRedis       = "redis"
)

// 默认值
const (
	DefaultListen         = ":9095"
	DefaultHTTPListen     = ":9097"
	DefaultInterval       = 5 * time.Second
	DefaultSampleWindow   = time.Second
	DefaultRequestTimeout = 3 * time.Second
	DefaultMailboxSize    = 1024
	DefaultMaxHops        = 8
	DefaultJob            = "telemesh"
	DefaultKafkaTopic     = "telemetry"
	DefaultRedisKeyPrefix = "telemesh:"
)

// Config 节点配置
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Roles      RolesConfig      `yaml:"roles"`
	Collector  CollectorConfig  `yaml:"collector"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Sink       SinkConfig       `yaml:"sink"`
	Topology   TopologyConfig   `yaml:"topology"`
	Log        LogConfig        `yaml:"log"`
}

// NodeConfig 节点基本配置
type NodeConfig struct {
	ID         string `yaml:"id"`          // 节点ID，默认主机名
	Address    string `yaml:"address"`     // 其他节点访问本节点的地址，默认为主机名加监听端口
	Listen     string `yaml:"listen"`      // gRPC监听地址
	HTTPListen string `yaml:"http_listen"` // 管理API监听地址，为"-"时不启动
}

// RolesConfig 节点角色
type RolesConfig struct {
	Collector  bool `yaml:"collector"`
	Aggregator bool `yaml:"aggregator"`
}

// CollectorConfig 采集配置
type CollectorConfig struct {
	Identity       string        `yaml:"identity"`        // 固定身份，为空时按进程生成
	Workers        int           `yaml:"workers"`         // 本进程内的采集器数量
	Interval       time.Duration `yaml:"interval"`        // 采集间隔
	SampleWindow   time.Duration `yaml:"sample_window"`   // CPU采样窗口
	RequestTimeout time.Duration `yaml:"request_timeout"` // 单次上报超时
	Targets        []string      `yaml:"targets"`         // 汇聚节点地址，按顺序上报
}

// AggregatorConfig 汇聚配置
type AggregatorConfig struct {
	Secondary      string        `yaml:"secondary"`       // 二级汇聚节点地址
	RequestTimeout time.Duration `yaml:"request_timeout"` // 转发超时
	MailboxSize    int           `yaml:"mailbox_size"`    // 邮箱容量
	MaxHops        int           `yaml:"max_hops"`        // 最大转发跳数
}

// SinkConfig 外部指标系统配置
type SinkConfig struct {
	Type    string        `yaml:"type"`    // pushgateway, kafka, redis，为空表示不启用
	Address string        `yaml:"address"` // pushgateway URL 或 redis 地址
	Job     string        `yaml:"job"`     // pushgateway job
	Timeout time.Duration `yaml:"timeout"` // 推送超时
	Kafka   KafkaConfig   `yaml:"kafka"`
	Redis   RedisConfig   `yaml:"redis"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// TopologyConfig 已知的转发拓扑，用于启动时检测环路
type TopologyConfig struct {
	Forwarding map[string]string `yaml:"forwarding"` // 汇聚节点地址 -> 二级汇聚节点地址
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// LoadConfig 加载配置文件并设置默认值
func LoadConfig(path string) (*Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ReadConfig 只读取配置文件，不设置默认值，便于命令行参数覆盖后再补默认值
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return unmarshal(data)
}

// Parse 解析YAML配置并设置默认值
func Parse(data []byte) (*Config, error) {
	cfg, err := unmarshal(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func unmarshal(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults 为零值字段设置默认值
func (c *Config) ApplyDefaults() {
	if c.Node.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Node.ID = host
		} else {
			c.Node.ID = "telemesh"
		}
	}
	if c.Node.Listen == "" {
		c.Node.Listen = DefaultListen
	}
	if c.Node.Address == "" {
		c.Node.Address = advertiseAddress(c.Node.Listen)
	}
	if c.Node.HTTPListen == "" {
		c.Node.HTTPListen = DefaultHTTPListen
	}

	if c.Collector.Workers == 0 {
		c.Collector.Workers = 1
	}
	if c.Collector.Interval == 0 {
		c.Collector.Interval = DefaultInterval
	}
	if c.Collector.SampleWindow == 0 {
		c.Collector.SampleWindow = DefaultSampleWindow
		if c.Collector.SampleWindow >= c.Collector.Interval {
			c.Collector.SampleWindow = c.Collector.Interval / 2
		}
	}
	if c.Collector.RequestTimeout == 0 {
		c.Collector.RequestTimeout = DefaultRequestTimeout
	}

	if c.Aggregator.RequestTimeout == 0 {
		c.Aggregator.RequestTimeout = DefaultRequestTimeout
	}
	if c.Aggregator.MailboxSize == 0 {
		c.Aggregator.MailboxSize = DefaultMailboxSize
	}
	if c.Aggregator.MaxHops == 0 {
		c.Aggregator.MaxHops = DefaultMaxHops
	}

	if c.Sink.Type != "" {
		if c.Sink.Job == "" {
			c.Sink.Job = DefaultJob
		}
		if c.Sink.Timeout == 0 {
			c.Sink.Timeout = DefaultRequestTimeout
		}
		if c.Sink.Kafka.Topic == "" {
			c.Sink.Kafka.Topic = DefaultKafkaTopic
		}
		if c.Sink.Kafka.BatchTimeout == 0 {
			c.Sink.Kafka.BatchTimeout = 10 * time.Millisecond
		}
		if c.Sink.Redis.KeyPrefix == "" {
			c.Sink.Redis.KeyPrefix = DefaultRedisKeyPrefix
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// advertiseAddress 监听地址没有具体主机时用主机名补全
func advertiseAddress(listen string) string {
	if !isWildcardAddress(listen) {
		return listen
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return listen
	}
	_, port, _ := net.SplitHostPort(listen)
	return net.JoinHostPort(host, port)
}

// isWildcardAddress 判断地址是否只有端口，或主机为0.0.0.0、::
func isWildcardAddress(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// IsLocalTarget 判断目标是否指向本进程内的汇聚节点
func (c *Config) IsLocalTarget(target string) bool {
	return target == LocalTarget || target == c.Node.Address || target == c.Node.Listen
}
