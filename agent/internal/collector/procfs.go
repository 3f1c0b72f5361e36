package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/han-fei/telemesh/pkg/models"
)

// cpuStat /proc/stat 中汇总cpu行，单位秒
type cpuStat struct {
	idle  float64
	total float64
}

// ProcfsProvider 基于/proc的主机指标提供者
type ProcfsProvider struct {
	root   string
	window time.Duration

	mu   sync.Mutex
	prev cpuStat
}

// NewProcfsProvider 创建主机指标提供者
// root: proc文件系统挂载点，通常为"/proc"
// window: CPU使用率采样窗口，为0时与上一次读取比较
func NewProcfsProvider(root string, window time.Duration) *ProcfsProvider {
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	return &ProcfsProvider{root: root, window: window}
}

// Sample 读取当前CPU和内存使用情况
func (p *ProcfsProvider) Sample(ctx context.Context) (models.HostStats, error) {
	fs, err := procfs.NewFS(p.root)
	if err != nil {
		return models.HostStats{}, fmt.Errorf("打开proc文件系统失败: %w", err)
	}

	cpuPercent, err := p.cpuPercent(ctx, fs)
	if err != nil {
		return models.HostStats{}, err
	}

	memInfo, err := fs.Meminfo()
	if err != nil {
		return models.HostStats{}, fmt.Errorf("读取meminfo失败: %w", err)
	}

	total := value(memInfo.MemTotalBytes)
	if total == 0 {
		return models.HostStats{}, fmt.Errorf("meminfo中缺少MemTotal")
	}
	available := value(memInfo.MemAvailableBytes)
	if memInfo.MemAvailableBytes == nil {
		// 旧内核没有MemAvailable
		available = value(memInfo.MemFreeBytes) + value(memInfo.BuffersBytes) + value(memInfo.CachedBytes)
	}
	if available > total {
		available = total
	}

	return models.HostStats{
		CPUPercent:     cpuPercent,
		MemoryPercent:  float64(total-available) / float64(total) * 100,
		AvailableBytes: available,
		TotalBytes:     total,
	}, nil
}

func value(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

// cpuPercent 计算采样窗口内的CPU使用率
func (p *ProcfsProvider) cpuPercent(ctx context.Context, fs procfs.FS) (float64, error) {
	var before cpuStat
	if p.window > 0 {
		first, err := readCPUStat(fs)
		if err != nil {
			return 0, err
		}
		before = first

		timer := time.NewTimer(p.window)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	after, err := readCPUStat(fs)
	if err != nil {
		return 0, err
	}

	if p.window <= 0 {
		p.mu.Lock()
		before = p.prev
		p.prev = after
		p.mu.Unlock()
	}

	return usage(before, after), nil
}

// usage 根据两次统计计算使用率
func usage(before, after cpuStat) float64 {
	if after.total <= before.total {
		return 0
	}
	totalDiff := after.total - before.total
	idleDiff := after.idle - before.idle
	if idleDiff < 0 {
		idleDiff = 0
	}
	if idleDiff > totalDiff {
		idleDiff = totalDiff
	}
	return 100.0 * (1.0 - idleDiff/totalDiff)
}

// readCPUStat 读取/proc/stat中的汇总cpu行
func readCPUStat(fs procfs.FS) (cpuStat, error) {
	stat, err := fs.Stat()
	if err != nil {
		return cpuStat{}, fmt.Errorf("读取/proc/stat失败: %w", err)
	}

	c := stat.CPUTotal
	idle := c.Idle + c.Iowait
	total := c.User + c.Nice + c.System + idle + c.IRQ + c.SoftIRQ + c.Steal
	if total == 0 {
		return cpuStat{}, fmt.Errorf("/proc/stat中没有cpu汇总行")
	}
	return cpuStat{idle: idle, total: total}, nil
}
