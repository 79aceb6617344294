package models

import (
	"encoding/json"
	"time"
)

// RunReport 一次运行的报告
type RunReport struct {
	TaskID   string `json:"task_id"`
	TargetID int64  `json:"target_id"`
	Title    string `json:"title,omitempty"`

	// 时间信息
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration"` // 秒

	// 结果
	FinalStatus TaskStatus `json:"final_status"`
	Error       string     `json:"error,omitempty"`

	// 本次运行新增
	NewRecords         int `json:"new_records"`
	NewAdvancedRecords int `json:"new_advanced_records"`

	// 运行结束时的状态快照
	State *TaskState `json:"state"`

	// 配置快照
	Config CrawlConfig `json:"config"`
}

// NewRunReport 根据运行前后的状态生成报告
func NewRunReport(taskID string, before, after *TaskState, start time.Time, config CrawlConfig) *RunReport {
	end := time.Now()
	r := &RunReport{
		TaskID:      taskID,
		TargetID:    after.TargetID,
		Title:       after.Title,
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start).Seconds(),
		FinalStatus: after.Status,
		Error:       after.LastError,
		State:       after.Clone(),
		Config:      config,
	}
	if before != nil {
		r.NewRecords = after.TotalRecords - before.TotalRecords
		r.NewAdvancedRecords = after.AdvancedRecords - before.AdvancedRecords
	}
	return r
}

// ToJSON 序列化为JSON
func (r *RunReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
