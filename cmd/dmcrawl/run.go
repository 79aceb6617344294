package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/core"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	targetFile      string
	batchDelay      int
	continueOnError bool
)

var runCmd = &cobra.Command{
	Use:   "run [cid...]",
	Short: "爬取历史弹幕 (Ctrl+C 暂停并保存进度)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateBatchDelay(batchDelay); err != nil {
			return err
		}
		targets, err := CollectTargets(args, targetFile)
		if err != nil {
			return err
		}

		orchestrator, _, err := newOrchestrator()
		if err != nil {
			return err
		}

		ctx, stop := interruptContext()
		defer stop()

		runner := core.NewBatchRunner(orchestrator, time.Duration(batchDelay)*time.Second, continueOnError)

		var wg sync.WaitGroup
		if len(targets) == 1 {
			runner.OnStart = func(taskID string, targetID int64, sub *core.Subscription) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					followProgress(sub)
				}()
			}
		}

		summary := runner.Run(ctx, targets)
		wg.Wait()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			utils.Warnf("等待任务退出超时: %v", err)
		}

		if summary.FailCount > 0 {
			return fmt.Errorf("%d/%d 个目标失败", summary.FailCount, summary.TotalTargets)
		}
		utils.Info("✨ 爬取任务完成!")
		return nil
	},
}

// followProgress 按已覆盖天数更新进度条, 直到订阅关闭
func followProgress(sub *core.Subscription) {
	defer sub.Close()

	var bar *progressbar.ProgressBar
	for ev := range sub.Events {
		st := ev.State()
		// 起始日期查找完成前没有总天数
		if st == nil || st.RangeStart == 0 || st.RangeEnd == 0 {
			continue
		}
		if bar == nil {
			bar = utils.NewProgressBar(st.DaysTotal(), fmt.Sprintf("目标 %d", st.TargetID))
		} else if bar.GetMax() != st.DaysTotal() {
			bar.ChangeMax(st.DaysTotal())
		}
		bar.Set(st.DaysCovered())
	}
	if bar != nil {
		bar.Finish()
	}
}

func init() {
	runCmd.Flags().StringVarP(&targetFile, "file", "f", "", "包含cid列表的文件路径")
	runCmd.Flags().IntVar(&batchDelay, "batch-delay", 1, "批量处理目标间延迟(秒)")
	runCmd.Flags().BoolVar(&continueOnError, "continue-on-error", true, "遇到错误继续处理")
}
