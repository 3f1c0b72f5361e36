// Package models 定义了采集节点与汇聚节点之间共享的数据结构
package models

import (
	"errors"
	"math"
	"strings"
	"time"
)

// AckStatusReceived 汇聚节点接收成功时返回的状态
const AckStatusReceived = "received"

// Sample 一次主机资源使用采样，值类型，转发时按值复制
type Sample struct {
	Timestamp            time.Time `json:"timestamp"`
	CPUPercent           float64   `json:"cpu_percent"`            // CPU使用率百分比
	MemoryPercent        float64   `json:"memory_percent"`         // 内存使用率百分比
	AvailableMemoryBytes uint64    `json:"available_memory_bytes"` // 可用内存（字节）
	TotalMemoryBytes     uint64    `json:"total_memory_bytes"`     // 总内存（字节）
}

// HostStats 主机指标提供者返回的原始读数
type HostStats struct {
	CPUPercent     float64
	MemoryPercent  float64
	AvailableBytes uint64
	TotalBytes     uint64
}

// Report 采集端上报或汇聚节点之间转发的消息
type Report struct {
	Identity string   `json:"identity"`
	Sample   Sample   `json:"sample"`
	Path     []string `json:"path,omitempty"` // 已经存储过该样本的汇聚节点实例标识
}

// ErrEmptyIdentity 消息缺少采集端身份
var ErrEmptyIdentity = errors.New("identity is required")

// Validate 校验消息，身份不能为空
func (r Report) Validate() error {
	if strings.TrimSpace(r.Identity) == "" {
		return ErrEmptyIdentity
	}
	return nil
}

// Visited 判断汇聚节点是否已经出现在转发路径中
func (r Report) Visited(name string) bool {
	for _, hop := range r.Path {
		if hop == name {
			return true
		}
	}
	return false
}

// WithHop 返回追加了一跳的副本，不修改原路径
func (r Report) WithHop(name string) Report {
	path := make([]string, 0, len(r.Path)+1)
	path = append(path, r.Path...)
	r.Path = append(path, name)
	return r
}

// Ack 汇聚节点的确认消息
type Ack struct {
	Status     string `json:"status"`
	Aggregator string `json:"aggregator"`
}

// NewSample 根据主机读数构造采样
func NewSample(ts time.Time, stats HostStats) Sample {
	return Sample{
		Timestamp:            ts,
		CPUPercent:           stats.CPUPercent,
		MemoryPercent:        stats.MemoryPercent,
		AvailableMemoryBytes: stats.AvailableBytes,
		TotalMemoryBytes:     stats.TotalBytes,
	}
}

// ValidPercent 百分比必须是0到100之间的有限数
func ValidPercent(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= 100
}

// CopySnapshot 复制快照，返回值与源map互不影响
func CopySnapshot(src map[string]Sample) map[string]Sample {
	dst := make(map[string]Sample, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
