// Package calendar 按年份展开的日期槽位, 以及在其上查找最早有数据日期的二分查找
package calendar

import (
	"fmt"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
)

// Slots 将 [FromYear, ToYear] 的每一天展开为连续下标, 闰年366个槽位
type Slots struct {
	FromYear int
	ToYear   int
}

// NewSlots 创建槽位表
func NewSlots(fromYear, toYear int) (Slots, error) {
	if fromYear > toYear {
		return Slots{}, fmt.Errorf("年份区间无效: %d-%d", fromYear, toYear)
	}
	return Slots{FromYear: fromYear, ToYear: toYear}, nil
}

func (s Slots) start() time.Time {
	return time.Date(s.FromYear, 1, 1, 0, 0, 0, 0, time.UTC)
}

// Len 槽位总数
func (s Slots) Len() int {
	n := 0
	for y := s.FromYear; y <= s.ToYear; y++ {
		n += DaysInYear(y)
	}
	return n
}

// Date 下标对应的日期
func (s Slots) Date(idx int) time.Time {
	return s.start().AddDate(0, 0, idx)
}

// Index 日期对应的下标, 超出范围时 ok 为 false
func (s Slots) Index(day time.Time) (idx int, ok bool) {
	d := models.DayStart(day)
	idx = int(d.Sub(s.start()).Hours() / 24)
	return idx, idx >= 0 && idx < s.Len()
}

// DaysInYear 闰年366天
func DaysInYear(year int) int {
	if year%4 == 0 && (year%100 != 0 || year%400 == 0) {
		return 366
	}
	return 365
}
