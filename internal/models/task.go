package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus 任务状态
type TaskStatus string

const (
	TaskStatusFetching  TaskStatus = "fetching_history" // 爬取历史弹幕中
	TaskStatusPaused    TaskStatus = "paused"           // 已暂停 (可恢复)
	TaskStatusBanned    TaskStatus = "banned"           // 重试耗尽, 疑似被封禁
	TaskStatusCompleted TaskStatus = "completed"        // 历史弹幕已爬完
)

// IsValid 是否为已知状态
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusFetching, TaskStatusPaused, TaskStatusBanned, TaskStatusCompleted:
		return true
	}
	return false
}

// CanTransition 爬取器驱动的状态迁移
// fetching_history -> {paused, banned, completed}; paused -> fetching_history
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskStatusFetching:
		return to == TaskStatusPaused || to == TaskStatusBanned || to == TaskStatusCompleted
	case TaskStatusPaused:
		return to == TaskStatusFetching
	}
	return false
}

// Startable 只有暂停状态的任务可以启动
func (s TaskStatus) Startable() bool {
	return s == TaskStatusPaused
}

// CrawlConfig 爬取配置
type CrawlConfig struct {
	PoolCap          int     `mapstructure:"pool_cap" json:"pool_cap"`                     // 单日弹幕池上限 (默认:3000)
	MaxRetries       int     `mapstructure:"max_retries" json:"max_retries"`               // 单日最大尝试次数 (默认:5)
	RetryMin         float64 `mapstructure:"retry_min" json:"retry_min"`                   // 重试等待下限(秒)
	RetryMax         float64 `mapstructure:"retry_max" json:"retry_max"`                   // 重试等待上限(秒)
	IntervalMin      float64 `mapstructure:"interval_min" json:"interval_min"`             // 请求间隔下限(秒) (默认:6)
	IntervalMax      float64 `mapstructure:"interval_max" json:"interval_max"`             // 请求间隔上限(秒) (默认:8)
	RequestTimeout   int     `mapstructure:"request_timeout" json:"request_timeout"`       // 单次请求超时(秒) (默认:10)
	AdaptiveStep     bool    `mapstructure:"adaptive_step" json:"adaptive_step"`           // 按新增率跳跃
	BoundarySearch   bool    `mapstructure:"boundary_search" json:"boundary_search"`       // 未设置起始时间时二分查找最早有数据的日期
	BoundaryFromYear int     `mapstructure:"boundary_from_year" json:"boundary_from_year"` // 二分查找起始年份
	BoundaryToYear   int     `mapstructure:"boundary_to_year" json:"boundary_to_year"`     // 二分查找结束年份 (0为今年)
	FetchSpecial     bool    `mapstructure:"fetch_special" json:"fetch_special"`           // 首次运行时拉取特殊弹幕包
	EarliestDate     string  `mapstructure:"earliest_date" json:"earliest_date"`           // 未设置起始时间时的默认日期
}

// DefaultCrawlConfig 默认爬取配置
func DefaultCrawlConfig() CrawlConfig {
	return CrawlConfig{
		PoolCap:          3000,
		MaxRetries:       5,
		RetryMin:         6,
		RetryMax:         8,
		IntervalMin:      6,
		IntervalMax:      8,
		RequestTimeout:   10,
		AdaptiveStep:     true,
		BoundarySearch:   false,
		BoundaryFromYear: 2009,
		FetchSpecial:     true,
		EarliestDate:     "2009-01-01",
	}
}

// Validate 验证配置
func (c *CrawlConfig) Validate() error {
	if c.PoolCap < 1 {
		return fmt.Errorf("弹幕池上限必须大于0")
	}
	if c.MaxRetries < 1 || c.MaxRetries > 20 {
		return fmt.Errorf("最大尝试次数必须在1-20之间")
	}
	if c.RetryMin < 0 || c.RetryMax < c.RetryMin {
		return fmt.Errorf("重试等待区间无效: [%.1f, %.1f]", c.RetryMin, c.RetryMax)
	}
	if c.IntervalMin < 0 || c.IntervalMax < c.IntervalMin {
		return fmt.Errorf("请求间隔区间无效: [%.1f, %.1f]", c.IntervalMin, c.IntervalMax)
	}
	if c.RequestTimeout < 1 || c.RequestTimeout > 120 {
		return fmt.Errorf("请求超时必须在1-120秒之间")
	}
	if _, err := ParseDay(c.EarliestDate); err != nil {
		return err
	}
	if c.BoundarySearch {
		to := c.BoundaryToYear
		if to == 0 {
			to = time.Now().UTC().Year()
		}
		if c.BoundaryFromYear < 1970 || c.BoundaryFromYear > to {
			return fmt.Errorf("二分查找年份区间无效: %d-%d", c.BoundaryFromYear, to)
		}
	}
	return nil
}

// Earliest 默认起始日期
func (c *CrawlConfig) Earliest() time.Time {
	t, err := ParseDay(c.EarliestDate)
	if err != nil {
		return time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// BacktrackWindow 待回溯的日期区间 (UTC日零点, 闭区间, 由旧到新)
type BacktrackWindow struct {
	Next int64 `json:"next"`
	Last int64 `json:"last"`
}

// Remaining 剩余回溯天数
func (w *BacktrackWindow) Remaining() int {
	if w == nil || w.Next > w.Last {
		return 0
	}
	return int((w.Last-w.Next)/SecondsPerDay) + 1
}

// TaskState 单个目标的持久化爬取进度
type TaskState struct {
	TargetID        int64            `json:"targetId"`            // 目标cid
	Title           string           `json:"title"`               // 标题
	RangeStart      int64            `json:"rangeStart"`          // 爬取范围起点 (0表示最早)
	RangeEnd        int64            `json:"rangeEnd"`            // 爬取范围终点 (0表示现在)
	CursorTime      int64            `json:"cursorTime"`          // 当前游标, 只会向rangeStart移动
	TotalRecords    int              `json:"totalRecords"`        // 已入库弹幕数
	AdvancedRecords int              `json:"advancedRecords"`     // 已入库高级弹幕数 (mode >= 7)
	Status          TaskStatus       `json:"status"`              // 任务状态
	LastRunAt       int64            `json:"lastRunAt"`           // 最近一次运行时间
	LastStep        int              `json:"lastStep"`            // 到达当前日期所用的跳跃天数
	Backtrack       *BacktrackWindow `json:"backtrack,omitempty"` // 未完成的回溯区间
	LastError       string           `json:"lastError,omitempty"` // 最近一次致命错误
	Checkpoint      int64            `json:"checkpoint"`          // 已提交到弹幕库的批次序号
}

// NewTaskState 创建默认任务状态
func NewTaskState(targetID int64) *TaskState {
	return &TaskState{
		TargetID: targetID,
		Status:   TaskStatusPaused,
		LastStep: 1,
	}
}

// Activate 解析为0的范围与游标
// 返回是否有字段被修改
func (s *TaskState) Activate(now, earliest time.Time) bool {
	changed := false
	if s.RangeStart == 0 {
		s.RangeStart = DayStart(earliest).Unix()
		changed = true
	}
	if s.RangeEnd == 0 {
		s.RangeEnd = now.Unix()
		changed = true
	}
	if s.CursorTime == 0 {
		s.CursorTime = s.RangeEnd
		changed = true
	}
	if s.CursorTime > s.RangeEnd {
		s.CursorTime = s.RangeEnd
		changed = true
	}
	if s.LastStep < 1 {
		s.LastStep = 1
		changed = true
	}
	return changed
}

// ApplyCheckpoint 用弹幕库中更新的检查点覆盖爬取进度
// 状态文件只在入库事务之后写入, 两者之间中断时检查点领先于状态文件
func (s *TaskState) ApplyCheckpoint(cp *TaskState) bool {
	if cp == nil || cp.Checkpoint <= s.Checkpoint {
		return false
	}
	s.CursorTime = cp.CursorTime
	s.TotalRecords = cp.TotalRecords
	s.AdvancedRecords = cp.AdvancedRecords
	s.LastStep = cp.LastStep
	s.Backtrack = nil
	if cp.Backtrack != nil {
		bt := *cp.Backtrack
		s.Backtrack = &bt
	}
	s.Checkpoint = cp.Checkpoint
	return true
}

// Validate 验证任务状态
func (s *TaskState) Validate() error {
	if err := ValidateTargetID(s.TargetID); err != nil {
		return err
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("未知的任务状态: %q", s.Status)
	}
	if s.RangeStart < 0 || s.RangeEnd < 0 || s.CursorTime < 0 {
		return fmt.Errorf("时间不能为负数")
	}
	if s.RangeStart != 0 && s.RangeEnd != 0 && s.RangeStart > s.RangeEnd {
		return fmt.Errorf("起始时间晚于结束时间")
	}
	return nil
}

// Clone 深拷贝
func (s *TaskState) Clone() *TaskState {
	c := *s
	if s.Backtrack != nil {
		bt := *s.Backtrack
		c.Backtrack = &bt
	}
	return &c
}

// DaysTotal 范围内的总天数
func (s *TaskState) DaysTotal() int {
	if s.RangeEnd <= s.RangeStart {
		return 1
	}
	return int((DayOf(s.RangeEnd).Unix()-DayOf(s.RangeStart).Unix())/SecondsPerDay) + 1
}

// DaysCovered 游标已经走过的天数
func (s *TaskState) DaysCovered() int {
	if s.RangeEnd == 0 || s.CursorTime == 0 {
		return 0
	}
	n := int((DayOf(s.RangeEnd).Unix() - DayOf(s.CursorTime).Unix()) / SecondsPerDay)
	if n < 0 {
		return 0
	}
	if total := s.DaysTotal(); n > total {
		return total
	}
	return n
}

// ToJSON 序列化为JSON
func (s *TaskState) ToJSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// FromJSON 从JSON反序列化
func (s *TaskState) FromJSON(data []byte) error {
	return json.Unmarshal(data, s)
}
