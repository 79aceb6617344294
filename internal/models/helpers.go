package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ValidateTargetID 验证目标cid
func ValidateTargetID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("无效的cid: %d", id)
	}
	return nil
}

// ParseTargetID 解析cid字符串
func ParseTargetID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("无效的cid %q: %w", s, err)
	}
	if err := ValidateTargetID(id); err != nil {
		return 0, err
	}
	return id, nil
}

// NewTaskID 生成任务运行ID
func NewTaskID() string {
	return uuid.New().String()
}
