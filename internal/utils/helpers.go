package utils

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadTargetsFromFile 从文件读取cid列表
// 每行一个cid, 跳过空行和 # 注释, 行内 # 之后的内容视为备注
func ReadTargetsFromFile(path string) ([]int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开目标文件失败: %w", err)
	}
	defer file.Close()

	targets := make([]int64, 0)
	seen := make(map[int64]bool)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		cid, err := strconv.ParseInt(line, 10, 64)
		if err != nil || cid <= 0 {
			Warnf("跳过无效cid (行 %d): %s", lineNum, line)
			continue
		}
		if seen[cid] {
			continue
		}
		seen[cid] = true
		targets = append(targets, cid)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取目标文件失败: %w", err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("目标文件中没有有效的cid")
	}

	Infof("从文件加载了 %d 个目标", len(targets))
	return targets, nil
}
