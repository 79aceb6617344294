package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/core"
	"github.com/RecoveryAshes/dmcrawl/internal/crawlers"
	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// init
	initTitle string
	initFrom  string
	initTo    string
	initBVID  string

	// set-state
	stateFrom   string
	stateTo     string
	stateCursor string
	stateStatus string

	// export
	exportOutput string
	exportWeight bool
)

var initCmd = &cobra.Command{
	Use:   "init [cid...]",
	Short: "创建或更新爬取任务",
	Long: `创建或更新爬取任务。任务已存在时只更新指定的标题与范围。

--from/--to 使用 YYYY-MM-DD (UTC)。未指定时, 起点为配置 crawl.earliest_date
(或开启 crawl.boundary_search 时二分查找), 终点为首次运行的时间。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := ParseFromFlag(initFrom)
		if err != nil {
			return err
		}
		end, err := ParseToFlag(initTo)
		if err != nil {
			return err
		}
		if err := ValidateRange(start, end); err != nil {
			return err
		}

		type target struct {
			cid   int64
			title string
		}
		var targets []target

		if initBVID != "" {
			parts, bvid, err := resolveParts(initBVID)
			if err != nil {
				return err
			}
			for _, p := range parts {
				title := fmt.Sprintf("%s P%d %s", bvid, p.Page, p.Part)
				if initTitle != "" {
					title = fmt.Sprintf("%s P%d", initTitle, p.Page)
				}
				targets = append(targets, target{cid: p.CID, title: title})
			}
		}
		for _, arg := range args {
			cid, err := models.ParseTargetID(arg)
			if err != nil {
				return err
			}
			targets = append(targets, target{cid: cid, title: initTitle})
		}
		if len(targets) == 0 {
			return fmt.Errorf("请指定cid或 --bvid")
		}

		orchestrator := core.NewOrchestrator(appConfig, nil)
		for _, t := range targets {
			st, err := orchestrator.InitTask(t.cid, t.title, start, end)
			if err != nil {
				return fmt.Errorf("初始化目标 %d 失败: %w", t.cid, err)
			}
			utils.Infof("✅ 任务已就绪: %d %s [%s]", st.TargetID, st.Title, st.Status)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [cid]",
	Short: "查看任务状态 (YAML)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orchestrator := core.NewOrchestrator(appConfig, nil)

		var states []*models.TaskState
		if len(args) == 1 {
			cid, err := models.ParseTargetID(args[0])
			if err != nil {
				return err
			}
			st, err := orchestrator.GetTaskState(cid)
			if err != nil {
				return err
			}
			states = append(states, st)
		} else {
			list, err := orchestrator.ListTasks()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				utils.Infof("数据目录 %s 下没有任务", appConfig.Storage.DataDir)
				return nil
			}
			states = list
		}

		return writeStatus(cmd.OutOrStdout(), states)
	},
}

var setStateCmd = &cobra.Command{
	Use:   "set-state <cid>",
	Short: "人工修改任务状态 (如将 banned 改回 paused)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cid, err := models.ParseTargetID(args[0])
		if err != nil {
			return err
		}
		orchestrator := core.NewOrchestrator(appConfig, nil)
		st, err := orchestrator.GetTaskState(cid)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("from") {
			if st.RangeStart, err = ParseFromFlag(stateFrom); err != nil {
				return err
			}
		}
		if flags.Changed("to") {
			if st.RangeEnd, err = ParseToFlag(stateTo); err != nil {
				return err
			}
		}
		if flags.Changed("cursor") {
			if st.CursorTime, err = ParseCursorFlag(stateCursor); err != nil {
				return err
			}
			st.Backtrack = nil
			st.LastStep = 1
		}
		if flags.Changed("status") {
			status := models.TaskStatus(stateStatus)
			if !status.IsValid() {
				return fmt.Errorf("未知的任务状态: %s", stateStatus)
			}
			st.Status = status
			st.LastError = ""
		}
		if err := ValidateRange(st.RangeStart, st.RangeEnd); err != nil {
			return err
		}

		if err := orchestrator.SetTaskState(st); err != nil {
			return err
		}
		return writeStatus(cmd.OutOrStdout(), []*models.TaskState{st})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <cid>",
	Short: "导出弹幕为XML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cid, err := models.ParseTargetID(args[0])
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("创建输出文件失败: %w", err)
			}
			defer f.Close()
			w = f
		}

		orchestrator := core.NewOrchestrator(appConfig, nil)
		n, err := orchestrator.ExportXML(cid, w, exportWeight)
		if err != nil {
			return err
		}
		utils.Infof("📦 已导出 %d 条弹幕", n)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <cid>",
	Short: "删除任务及其全部数据",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cid, err := models.ParseTargetID(args[0])
		if err != nil {
			return err
		}
		return core.NewOrchestrator(appConfig, nil).DeleteTask(cid)
	},
}

var partsCmd = &cobra.Command{
	Use:   "parts <BV号或链接>",
	Short: "列出视频的分P与cid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parts, bvid, err := resolveParts(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s 共 %d P\n", bvid, len(parts))
		for _, p := range parts {
			fmt.Fprintf(out, "P%-4d %-12d %s\n", p.Page, p.CID, p.Part)
		}
		return nil
	},
}

// resolveParts 从BV号/AV号/链接解析分P
func resolveParts(text string) ([]crawlers.VideoPart, string, error) {
	bvid, ok := crawlers.ExtractBVID(text)
	if !ok {
		return nil, "", fmt.Errorf("无法识别视频编号: %s", text)
	}
	headerManager, err := newHeaderManager()
	if err != nil {
		return nil, "", err
	}
	timeout := time.Duration(appConfig.Crawl.RequestTimeout) * time.Second
	resolver := crawlers.NewPartResolver(appConfig.Credentials.APIBase, timeout, headerManager)
	parts, err := resolver.Resolve(bvid)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", errors.New("视频没有分P")
	}
	return parts, bvid, nil
}

// statusView status 命令的输出格式
type statusView struct {
	CID             int64             `yaml:"cid"`
	Title           string            `yaml:"title,omitempty"`
	Status          models.TaskStatus `yaml:"status"`
	Range           string            `yaml:"range"`
	Cursor          string            `yaml:"cursor"`
	Progress        string            `yaml:"progress"`
	Records         int               `yaml:"records"`
	AdvancedRecords int               `yaml:"advanced_records"`
	LastStep        int               `yaml:"last_step"`
	Backtrack       string            `yaml:"backtrack,omitempty"`
	LastRunAt       string            `yaml:"last_run_at,omitempty"`
	LastError       string            `yaml:"last_error,omitempty"`
}

func newStatusView(st *models.TaskState) statusView {
	v := statusView{
		CID:             st.TargetID,
		Title:           st.Title,
		Status:          st.Status,
		Range:           fmt.Sprintf("%s ~ %s", formatBound(st.RangeStart, "最早"), formatBound(st.RangeEnd, "现在")),
		Cursor:          formatBound(st.CursorTime, "未开始"),
		Records:         st.TotalRecords,
		AdvancedRecords: st.AdvancedRecords,
		LastStep:        st.LastStep,
		LastError:       st.LastError,
	}
	if st.RangeStart != 0 && st.RangeEnd != 0 && st.CursorTime != 0 {
		v.Progress = fmt.Sprintf("%d/%d 天", st.DaysCovered(), st.DaysTotal())
	} else {
		v.Progress = "-"
	}
	if st.Backtrack != nil {
		v.Backtrack = fmt.Sprintf("%s ~ %s (剩余 %d 天)",
			models.FormatDay(time.Unix(st.Backtrack.Next, 0)), models.FormatDay(time.Unix(st.Backtrack.Last, 0)),
			st.Backtrack.Remaining())
	}
	if st.LastRunAt != 0 {
		v.LastRunAt = time.Unix(st.LastRunAt, 0).UTC().Format(cursorLayout)
	}
	return v
}

func formatBound(unix int64, zero string) string {
	if unix == 0 {
		return zero
	}
	return time.Unix(unix, 0).UTC().Format(cursorLayout)
}

func writeStatus(w io.Writer, states []*models.TaskState) error {
	views := make([]statusView, 0, len(states))
	for _, st := range states {
		views = append(views, newStatusView(st))
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(views); err != nil {
		return fmt.Errorf("输出状态失败: %w", err)
	}
	return enc.Close()
}

func init() {
	initCmd.Flags().StringVar(&initTitle, "title", "", "任务标题")
	initCmd.Flags().StringVar(&initFrom, "from", "", "爬取范围起点 YYYY-MM-DD")
	initCmd.Flags().StringVar(&initTo, "to", "", "爬取范围终点 YYYY-MM-DD")
	initCmd.Flags().StringVar(&initBVID, "bvid", "", "BV号或视频链接, 为每个分P创建任务")

	setStateCmd.Flags().StringVar(&stateFrom, "from", "", "爬取范围起点 YYYY-MM-DD")
	setStateCmd.Flags().StringVar(&stateTo, "to", "", "爬取范围终点 YYYY-MM-DD")
	setStateCmd.Flags().StringVar(&stateCursor, "cursor", "", "游标时间 (YYYY-MM-DD 或 'YYYY-MM-DD HH:MM:SS')")
	setStateCmd.Flags().StringVar(&stateStatus, "status", "", "任务状态 (paused|banned|completed)")

	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "输出文件 (默认标准输出)")
	exportCmd.Flags().BoolVar(&exportWeight, "weight", false, "输出屏蔽等级")
}
