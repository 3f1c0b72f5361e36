package sink

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/han-fei/telemesh/pkg/models"
)

// PushgatewaySink 以Prometheus Gauge的形式推送到Pushgateway
// 每次推送替换整个job分组，分组内保留所有采集端的最新值
type PushgatewaySink struct {
	url    string
	job    string
	client *http.Client

	mu       sync.Mutex
	registry *prometheus.Registry
	cpu      *prometheus.GaugeVec
	memory   *prometheus.GaugeVec
	avail    *prometheus.GaugeVec
	total    *prometheus.GaugeVec
	ts       *prometheus.GaugeVec
}

// NewPushgatewaySink 创建Pushgateway sink
func NewPushgatewaySink(url, job string, timeout time.Duration) *PushgatewaySink {
	newGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{"identity"})
	}

	s := &PushgatewaySink{
		url:      url,
		job:      job,
		client:   &http.Client{Timeout: timeout},
		registry: prometheus.NewRegistry(),
		cpu:      newGauge("telemesh_cpu_percent", "CPU utilisation reported by a collector."),
		memory:   newGauge("telemesh_memory_percent", "Memory utilisation reported by a collector."),
		avail:    newGauge("telemesh_available_memory_bytes", "Available memory reported by a collector."),
		total:    newGauge("telemesh_total_memory_bytes", "Total memory reported by a collector."),
		ts:       newGauge("telemesh_sample_timestamp_seconds", "Unix time the sample was taken."),
	}
	s.registry.MustRegister(s.cpu, s.memory, s.avail, s.total, s.ts)
	return s
}

// Name sink名称
func (s *PushgatewaySink) Name() string {
	return "pushgateway:" + s.url
}

// Push 更新Gauge并推送
func (s *PushgatewaySink) Push(ctx context.Context, identity string, sample models.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cpu.WithLabelValues(identity).Set(sample.CPUPercent)
	s.memory.WithLabelValues(identity).Set(sample.MemoryPercent)
	s.avail.WithLabelValues(identity).Set(float64(sample.AvailableMemoryBytes))
	s.total.WithLabelValues(identity).Set(float64(sample.TotalMemoryBytes))
	s.ts.WithLabelValues(identity).Set(float64(sample.Timestamp.UnixNano()) / 1e9)

	err := push.New(s.url, s.job).
		Gatherer(s.registry).
		Client(s.client).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("推送到Pushgateway失败: %w", err)
	}
	return nil
}

// Close 无需释放资源
func (s *PushgatewaySink) Close() error {
	return nil
}
