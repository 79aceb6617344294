package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
)

// BatchRunner 依次爬取多个目标
type BatchRunner struct {
	orchestrator  *Orchestrator
	batchDelay    time.Duration
	continueOnErr bool

	// OnStart 任务启动后回调, sub 在任务开始前已订阅, 由回调负责关闭
	OnStart func(taskID string, targetID int64, sub *Subscription)
}

// BatchResult 单个目标的结果
type BatchResult struct {
	TargetID    int64
	TaskID      string
	Success     bool
	Status      models.TaskStatus
	Error       error
	NewRecords  int
	ProcessedAt time.Time
	Duration    float64
}

// BatchSummary 批量爬取摘要
type BatchSummary struct {
	TotalTargets    int
	SuccessCount    int
	FailCount       int
	TotalNewRecords int
	TotalDuration   float64
	Interrupted     bool
	Results         []BatchResult
}

// NewBatchRunner 创建批量爬取器
func NewBatchRunner(orchestrator *Orchestrator, batchDelay time.Duration, continueOnErr bool) *BatchRunner {
	return &BatchRunner{
		orchestrator:  orchestrator,
		batchDelay:    batchDelay,
		continueOnErr: continueOnErr,
	}
}

// Run 依次运行各目标; ctx 取消时停止当前任务并返回已完成部分的摘要
func (br *BatchRunner) Run(ctx context.Context, targets []int64) *BatchSummary {
	utils.Infof("🚀 开始批量爬取: %d个目标", len(targets))

	summary := &BatchSummary{
		TotalTargets: len(targets),
		Results:      make([]BatchResult, 0, len(targets)),
	}
	startTime := time.Now()

	for i, targetID := range targets {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
		utils.Infof("==================== [%d/%d] 目标 %d ====================", i+1, len(targets), targetID)

		result := br.runOne(ctx, targetID)
		summary.Results = append(summary.Results, result)

		if result.Success {
			summary.SuccessCount++
			summary.TotalNewRecords += result.NewRecords
		} else {
			summary.FailCount++
			utils.Errorf("❌ 目标 %d 失败: %v", targetID, result.Error)
			if !br.continueOnErr {
				utils.Warn("批量爬取中止 (--continue-on-error=false)")
				break
			}
		}

		if i < len(targets)-1 && br.batchDelay > 0 {
			utils.Debugf("等待 %.0f 秒后处理下一个目标...", br.batchDelay.Seconds())
			if !sleepCtx(ctx, br.batchDelay) {
				summary.Interrupted = true
				break
			}
		}
	}

	summary.TotalDuration = time.Since(startTime).Seconds()
	br.printSummary(summary)
	return summary
}

// runOne 运行单个目标直到任务退出
func (br *BatchRunner) runOne(ctx context.Context, targetID int64) (result BatchResult) {
	result = BatchResult{TargetID: targetID, ProcessedAt: time.Now()}
	startTime := time.Now()
	defer func() { result.Duration = time.Since(startTime).Seconds() }()

	o := br.orchestrator
	before, err := o.GetTaskState(targetID)
	if errors.Is(err, ErrTaskNotFound) {
		before, err = o.InitTask(targetID, "", 0, 0)
	}
	if err != nil {
		result.Error = err
		return result
	}

	handle, err := o.Launch(targetID, br.OnStart != nil)
	if err != nil {
		result.Error = err
		return result
	}
	result.TaskID = handle.ID

	if br.OnStart != nil {
		br.OnStart(handle.ID, targetID, handle.Subscription)
	}

	select {
	case <-handle.Done:
	case <-ctx.Done():
		if err := o.StopTask(handle.ID); err != nil && !errors.Is(err, ErrTaskNotFound) {
			utils.Warnf("停止任务失败: %v", err)
		}
		<-handle.Done
	}

	after, err := o.GetTaskState(targetID)
	if err != nil {
		result.Error = err
		return result
	}
	result.Status = after.Status
	result.NewRecords = after.TotalRecords - before.TotalRecords

	switch {
	case after.LastError != "":
		result.Error = errors.New(after.LastError)
	case after.Status == models.TaskStatusBanned:
		result.Error = fmt.Errorf("重试耗尽, 任务已停止 (游标 %s)", formatTime(after.CursorTime))
	default:
		result.Success = true
	}
	return result
}

// printSummary 打印批量爬取摘要
func (br *BatchRunner) printSummary(summary *BatchSummary) {
	utils.Info("==================================================")
	utils.Info("📊 批量爬取摘要")
	utils.Info("==================================================")
	utils.Infof("目标数: %d", summary.TotalTargets)
	utils.Infof("✅ 成功: %d", summary.SuccessCount)
	utils.Infof("❌ 失败: %d", summary.FailCount)
	utils.Infof("💬 新增弹幕: %d", summary.TotalNewRecords)
	utils.Infof("⏱️  总耗时: %.2f秒", summary.TotalDuration)
	if summary.Interrupted {
		utils.Warn("⏸️ 批量爬取被中断")
	}
	utils.Info("==================================================")

	if summary.FailCount > 0 {
		utils.Warn("失败的目标:")
		for _, result := range summary.Results {
			if !result.Success {
				utils.Warnf("  - %d: %v", result.TargetID, result.Error)
			}
		}
	}
}
