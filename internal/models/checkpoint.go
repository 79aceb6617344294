package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// StateFilename 任务状态文件名
const StateFilename = "task.json"

// StatePath 返回目标的任务状态文件路径
func StatePath(dataDir string, targetID int64) string {
	return filepath.Join(TargetDir(dataDir, targetID), StateFilename)
}

// TargetDir 返回目标的数据目录
func TargetDir(dataDir string, targetID int64) string {
	return filepath.Join(dataDir, fmt.Sprintf("%d", targetID))
}

// SaveToFile 原子写入: 先写临时文件再重命名
func (s *TaskState) SaveToFile(path string) error {
	data, err := s.ToJSON()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".task-*.json")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("写入任务状态失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("同步任务状态失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadTaskStateFromFile 从文件加载
func LoadTaskStateFromFile(path string) (*TaskState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var st TaskState
	if err := st.FromJSON(data); err != nil {
		return nil, fmt.Errorf("解析任务状态失败 [%s]: %w", path, err)
	}
	if st.LastStep < 1 {
		st.LastStep = 1
	}
	return &st, nil
}

// LoadOrNewTaskState 文件不存在时返回默认状态 (paused)
func LoadOrNewTaskState(path string, targetID int64) (*TaskState, error) {
	st, err := LoadTaskStateFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewTaskState(targetID), nil
	}
	return st, err
}
