package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDateFlags(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("起始日期", func(t *testing.T) {
		got, err := ParseFromFlag("2024-03-01")
		require.NoError(t, err)
		assert.Equal(t, day.Unix(), got)

		got, err = ParseFromFlag("")
		require.NoError(t, err)
		assert.Zero(t, got)
	})

	t.Run("结束日期取当天最后一秒", func(t *testing.T) {
		got, err := ParseToFlag(" 2024-03-01 ")
		require.NoError(t, err)
		assert.Equal(t, day.Unix()+models.SecondsPerDay-1, got)
	})

	t.Run("格式错误", func(t *testing.T) {
		_, err := ParseFromFlag("2024/03/01")
		assert.ErrorContains(t, err, "无效的起始日期")
		_, err = ParseToFlag("昨天")
		assert.ErrorContains(t, err, "无效的结束日期")
	})

	t.Run("游标", func(t *testing.T) {
		got, err := ParseCursorFlag("2024-03-01 12:30:00")
		require.NoError(t, err)
		assert.Equal(t, day.Add(12*time.Hour+30*time.Minute).Unix(), got)

		got, err = ParseCursorFlag("2024-03-01")
		require.NoError(t, err)
		assert.Equal(t, models.EndOfDay(day), got)

		_, err = ParseCursorFlag("03-01")
		assert.Error(t, err)
	})
}

func TestValidateRange(t *testing.T) {
	assert.NoError(t, ValidateRange(0, 0))
	assert.NoError(t, ValidateRange(100, 0))
	assert.NoError(t, ValidateRange(100, 200))
	assert.ErrorContains(t, ValidateRange(200, 100), "起始日期晚于结束日期")
}

func TestValidateBatchDelay(t *testing.T) {
	assert.NoError(t, ValidateBatchDelay(0))
	assert.NoError(t, ValidateBatchDelay(3600))
	assert.Error(t, ValidateBatchDelay(-1))
	assert.Error(t, ValidateBatchDelay(3601))
}

func TestCollectTargets(t *testing.T) {
	t.Run("参数去重保持顺序", func(t *testing.T) {
		got, err := CollectTargets([]string{"3", "1", "3"}, "")
		require.NoError(t, err)
		assert.Equal(t, []int64{3, 1}, got)
	})

	t.Run("合并目标文件", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "targets.txt")
		require.NoError(t, os.WriteFile(path, []byte("# 列表\n1\n2 # 备注\n\n5\n"), 0644))

		got, err := CollectTargets([]string{"5"}, path)
		require.NoError(t, err)
		assert.Equal(t, []int64{5, 1, 2}, got)
	})

	t.Run("非法cid", func(t *testing.T) {
		_, err := CollectTargets([]string{"abc"}, "")
		assert.Error(t, err)
	})

	t.Run("没有目标", func(t *testing.T) {
		_, err := CollectTargets(nil, "")
		assert.ErrorContains(t, err, "请指定至少一个cid")
	})
}

func TestWriteStatus(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := &models.TaskState{
		TargetID:     42,
		Title:        "测试",
		RangeStart:   start.Unix(),
		RangeEnd:     models.EndOfDay(start.AddDate(0, 0, 9)),
		CursorTime:   models.EndOfDay(start.AddDate(0, 0, 4)),
		TotalRecords: 12,
		Status:       models.TaskStatusBanned,
		LastStep:     2,
		Backtrack: &models.BacktrackWindow{
			Next: start.AddDate(0, 0, 5).Unix(),
			Last: start.AddDate(0, 0, 6).Unix(),
		},
		LastError: "boom",
	}

	var buf bytes.Buffer
	require.NoError(t, writeStatus(&buf, []*models.TaskState{st, models.NewTaskState(7)}))

	var views []map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &views))
	require.Len(t, views, 2)

	assert.Equal(t, 42, views[0]["cid"])
	assert.Equal(t, "banned", views[0]["status"])
	assert.Equal(t, "2024-01-01 00:00:00 ~ 2024-01-10 23:59:59", views[0]["range"])
	assert.Equal(t, "2024-01-05 23:59:59", views[0]["cursor"])
	assert.Equal(t, "5/10 天", views[0]["progress"])
	assert.Equal(t, "2024-01-06 ~ 2024-01-07 (剩余 2 天)", views[0]["backtrack"])
	assert.Equal(t, "boom", views[0]["last_error"])

	assert.Equal(t, "最早 ~ 现在", views[1]["range"])
	assert.Equal(t, "未开始", views[1]["cursor"])
	assert.Equal(t, "-", views[1]["progress"])
	assert.NotContains(t, views[1], "title")
}
