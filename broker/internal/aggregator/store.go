package aggregator

import "github.com/han-fei/telemesh/pkg/models"

// TelemetryStore 每个采集端的最新样本
// 只由所属汇聚节点的处理协程访问，不加锁
type TelemetryStore struct {
	samples map[string]models.Sample
}

// NewTelemetryStore 创建存储
func NewTelemetryStore() *TelemetryStore {
	return &TelemetryStore{samples: make(map[string]models.Sample)}
}

// Put 按接收顺序覆盖，后写入者胜出
func (s *TelemetryStore) Put(identity string, sample models.Sample) {
	s.samples[identity] = sample
}

// Get 获取单个采集端的样本
func (s *TelemetryStore) Get(identity string) (models.Sample, bool) {
	sample, ok := s.samples[identity]
	return sample, ok
}

// Snapshot 返回当前时刻的副本
func (s *TelemetryStore) Snapshot() map[string]models.Sample {
	return models.CopySnapshot(s.samples)
}

// Len 采集端数量
func (s *TelemetryStore) Len() int {
	return len(s.samples)
}
