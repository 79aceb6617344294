package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
)

// cursorLayout --cursor 支持的精确时间格式 (UTC)
const cursorLayout = "2006-01-02 15:04:05"

// ParseFromFlag 解析 --from, 返回当天0点; 空串返回0
func ParseFromFlag(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	day, err := models.ParseDay(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("无效的起始日期: %w", err)
	}
	return day.Unix(), nil
}

// ParseToFlag 解析 --to, 返回当天最后一秒; 空串返回0
func ParseToFlag(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	day, err := models.ParseDay(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("无效的结束日期: %w", err)
	}
	return models.EndOfDay(day), nil
}

// ParseCursorFlag 解析 --cursor, 支持 "YYYY-MM-DD HH:MM:SS" 或 "YYYY-MM-DD" (当天最后一秒)
func ParseCursorFlag(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if t, err := time.ParseInLocation(cursorLayout, value, time.UTC); err == nil {
		return t.Unix(), nil
	}
	day, err := models.ParseDay(value)
	if err != nil {
		return 0, fmt.Errorf("无效的游标时间 %q (格式: YYYY-MM-DD 或 YYYY-MM-DD HH:MM:SS)", value)
	}
	return models.EndOfDay(day), nil
}

// ValidateRange 验证时间范围, 0 表示不限
func ValidateRange(start, end int64) error {
	if start != 0 && end != 0 && start > end {
		return fmt.Errorf("起始日期晚于结束日期: %s > %s",
			models.FormatDay(time.Unix(start, 0)), models.FormatDay(time.Unix(end, 0)))
	}
	return nil
}

// ValidateBatchDelay 验证批量间隔
func ValidateBatchDelay(seconds int) error {
	if seconds < 0 || seconds > 3600 {
		return fmt.Errorf("批量间隔必须在0-3600秒之间,当前值: %d", seconds)
	}
	return nil
}

// CollectTargets 合并命令行参数与目标文件中的cid, 保持顺序并去重
func CollectTargets(args []string, targetFile string) ([]int64, error) {
	targets := make([]int64, 0, len(args))
	seen := make(map[int64]bool)
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}

	for _, arg := range args {
		id, err := models.ParseTargetID(arg)
		if err != nil {
			return nil, err
		}
		add(id)
	}

	if targetFile != "" {
		fromFile, err := utils.ReadTargetsFromFile(targetFile)
		if err != nil {
			return nil, err
		}
		for _, id := range fromFile {
			add(id)
		}
	}

	if len(targets) == 0 {
		return nil, fmt.Errorf("请指定至少一个cid (参数或 -f 目标文件)")
	}
	return targets, nil
}
