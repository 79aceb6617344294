package calendar

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
)

// MarkerTable 每日三态标记的存取, 按目标隔离
type MarkerTable interface {
	Marker(day time.Time) (models.DayMarker, error)
	SetMarker(day time.Time, m models.DayMarker) error
}

// ProbeFunc 探测某日是否有数据
type ProbeFunc func(ctx context.Context, day time.Time) (bool, error)

// Finder 查找最早有数据的日期
type Finder struct {
	slots   Slots
	markers MarkerTable
	probes  int
}

// NewFinder 创建查找器
func NewFinder(slots Slots, markers MarkerTable) *Finder {
	return &Finder{slots: slots, markers: markers}
}

// Probes 最近一次查找实际调用probe的次数
func (f *Finder) Probes() int {
	return f.probes
}

// FindEarliest 在 [0, Len) 上二分查找第一个 probe 为 true 的日期
// 已有标记的日期不再探测; probe 为 true 时收缩到左半 (含 mid), 否则收缩到右半
func (f *Finder) FindEarliest(ctx context.Context, probe ProbeFunc) (time.Time, error) {
	f.probes = 0
	total := f.slots.Len()
	if total == 0 {
		return time.Time{}, fmt.Errorf("空的日期范围")
	}

	low, high := 0, total-1
	for low < high {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}

		mid := (low + high) / 2
		day := f.slots.Date(mid)

		marker, err := f.markers.Marker(day)
		if err != nil {
			return time.Time{}, err
		}
		if !marker.Resolved() {
			hasData, err := probe(ctx, day)
			if err != nil {
				return time.Time{}, err
			}
			f.probes++
			marker = models.MarkerFor(hasData)
			if err := f.markers.SetMarker(day, marker); err != nil {
				return time.Time{}, err
			}
		}

		if marker == models.MarkerHasData {
			high = mid
		} else {
			low = mid + 1
		}
	}
	return f.slots.Date(low), nil
}

// MemoryMarkers 内存中的标记表
type MemoryMarkers struct {
	mu      sync.Mutex
	markers map[string]models.DayMarker
}

// NewMemoryMarkers 创建内存标记表
func NewMemoryMarkers() *MemoryMarkers {
	return &MemoryMarkers{markers: make(map[string]models.DayMarker)}
}

// Marker 实现 MarkerTable
func (m *MemoryMarkers) Marker(day time.Time) (models.DayMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markers[models.FormatDay(day)], nil
}

// SetMarker 实现 MarkerTable
func (m *MemoryMarkers) SetMarker(day time.Time, marker models.DayMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[models.FormatDay(day)] = marker
	return nil
}
