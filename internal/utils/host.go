package utils

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats 主机与进程资源状态 (健康检查接口使用)
type HostStats struct {
	TotalMemory     uint64  `json:"total_memory"`     // 系统总内存(字节)
	AvailableMemory uint64  `json:"available_memory"` // 系统可用内存(字节)
	MemoryPercent   float64 `json:"memory_percent"`   // 系统内存使用率
	CPUPercent      float64 `json:"cpu_percent"`      // CPU使用率
	HeapAlloc       uint64  `json:"heap_alloc"`       // 进程堆内存(字节)
	Goroutines      int     `json:"goroutines"`       // goroutine数量
	MemoryPressure  string  `json:"memory_pressure"`  // normal | warning | critical | emergency
}

// CollectHostStats 采样当前资源状态
// gopsutil 失败时对应字段保持为0, 不返回错误
func CollectHostStats() HostStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := HostStats{
		HeapAlloc:  ms.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		Debugf("获取系统内存失败: %v", err)
	} else {
		stats.TotalMemory = vm.Total
		stats.AvailableMemory = vm.Available
		stats.MemoryPercent = vm.UsedPercent
	}

	if percentages, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		Debugf("获取CPU使用率失败: %v", err)
	} else if len(percentages) > 0 {
		stats.CPUPercent = percentages[0]
	}

	stats.MemoryPressure = memoryPressure(stats.AvailableMemory, stats.TotalMemory)
	return stats
}

// memoryPressure 按可用内存划分压力等级
func memoryPressure(available, total uint64) string {
	if total == 0 {
		return "unknown"
	}
	availableMB := available / (1024 * 1024)
	switch {
	case availableMB < 200:
		return "emergency"
	case availableMB < 300:
		return "critical"
	case availableMB < 500:
		return "warning"
	default:
		return "normal"
	}
}
