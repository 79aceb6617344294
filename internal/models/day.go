package models

import (
	"fmt"
	"time"
)

// SecondsPerDay 一天的秒数
const SecondsPerDay int64 = 24 * 60 * 60

// DayLayout 接口使用的日期格式
const DayLayout = "2006-01-02"

// DayOf 返回unix秒所在的UTC日零点
func DayOf(unix int64) time.Time {
	return DayStart(time.Unix(unix, 0))
}

// DayStart 返回时间所在的UTC日零点
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay 返回该日最后一秒
func EndOfDay(day time.Time) int64 {
	return DayStart(day).Unix() + SecondsPerDay - 1
}

// FormatDay 格式化为 YYYY-MM-DD
func FormatDay(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// ParseDay 解析 YYYY-MM-DD (UTC)
func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DayLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("无效的日期 %q (应为 YYYY-MM-DD): %w", s, err)
	}
	return t, nil
}
