package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrawlConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *CrawlConfig)
		wantErr bool
	}{
		{"默认配置有效", func(c *CrawlConfig) {}, false},
		{"弹幕池上限为0", func(c *CrawlConfig) { c.PoolCap = 0 }, true},
		{"重试次数过大", func(c *CrawlConfig) { c.MaxRetries = 21 }, true},
		{"重试区间颠倒", func(c *CrawlConfig) { c.RetryMin, c.RetryMax = 5, 1 }, true},
		{"间隔区间颠倒", func(c *CrawlConfig) { c.IntervalMin, c.IntervalMax = 9, 8 }, true},
		{"超时为0", func(c *CrawlConfig) { c.RequestTimeout = 0 }, true},
		{"日期格式错误", func(c *CrawlConfig) { c.EarliestDate = "2009/01/01" }, true},
		{"二分年份颠倒", func(c *CrawlConfig) {
			c.BoundarySearch = true
			c.BoundaryFromYear, c.BoundaryToYear = 2020, 2010
		}, true},
		{"关闭二分时忽略年份", func(c *CrawlConfig) { c.BoundaryFromYear = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultCrawlConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskStatus_CanTransition(t *testing.T) {
	assert.True(t, TaskStatusFetching.CanTransition(TaskStatusPaused))
	assert.True(t, TaskStatusFetching.CanTransition(TaskStatusBanned))
	assert.True(t, TaskStatusFetching.CanTransition(TaskStatusCompleted))
	assert.True(t, TaskStatusPaused.CanTransition(TaskStatusFetching))

	assert.False(t, TaskStatusPaused.CanTransition(TaskStatusCompleted), "不能跳过fetching_history")
	assert.False(t, TaskStatusBanned.CanTransition(TaskStatusFetching))
	assert.False(t, TaskStatusCompleted.CanTransition(TaskStatusFetching))

	assert.True(t, TaskStatusPaused.Startable())
	assert.False(t, TaskStatusBanned.Startable())
}

func TestTaskState_Activate(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	earliest := time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("全部为0", func(t *testing.T) {
		st := NewTaskState(42)
		changed := st.Activate(now, earliest)
		assert.True(t, changed)
		assert.Equal(t, earliest.Unix(), st.RangeStart)
		assert.Equal(t, now.Unix(), st.RangeEnd)
		assert.Equal(t, now.Unix(), st.CursorTime)
	})

	t.Run("已有游标保持不变", func(t *testing.T) {
		st := NewTaskState(42)
		st.RangeStart = earliest.Unix()
		st.RangeEnd = now.Unix()
		st.CursorTime = now.Add(-48 * time.Hour).Unix()
		changed := st.Activate(now, earliest)
		assert.False(t, changed)
		assert.Equal(t, now.Add(-48*time.Hour).Unix(), st.CursorTime)
	})

	t.Run("游标超出终点被截断", func(t *testing.T) {
		st := NewTaskState(42)
		st.RangeEnd = now.Unix()
		st.CursorTime = now.Add(time.Hour).Unix()
		st.Activate(now, earliest)
		assert.Equal(t, now.Unix(), st.CursorTime)
	})
}

func TestTaskState_Validate(t *testing.T) {
	st := NewTaskState(1)
	require.NoError(t, st.Validate())

	st.RangeStart, st.RangeEnd = 200, 100
	assert.Error(t, st.Validate())

	bad := NewTaskState(0)
	assert.Error(t, bad.Validate())

	unknown := NewTaskState(1)
	unknown.Status = "running"
	assert.Error(t, unknown.Validate())
}

func TestTaskState_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := StatePath(dir, 123)

	st := NewTaskState(123)
	st.Title = "测试视频"
	st.RangeStart = 1_600_000_000
	st.RangeEnd = 1_700_000_000
	st.CursorTime = 1_650_000_000
	st.TotalRecords = 10
	st.LastStep = 5
	st.Backtrack = &BacktrackWindow{Next: 1_650_000_000, Last: 1_650_172_800}

	require.NoError(t, st.SaveToFile(path))

	loaded, err := LoadTaskStateFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, st, loaded)

	// 临时文件不应残留
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadOrNewTaskState(t *testing.T) {
	st, err := LoadOrNewTaskState(filepath.Join(t.TempDir(), "missing.json"), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.TargetID)
	assert.Equal(t, TaskStatusPaused, st.Status)
	assert.Equal(t, 1, st.LastStep)
}

func TestTaskState_Clone(t *testing.T) {
	st := NewTaskState(1)
	st.Backtrack = &BacktrackWindow{Next: 10, Last: 20}
	c := st.Clone()
	c.Backtrack.Next = 99
	assert.Equal(t, int64(10), st.Backtrack.Next, "克隆后修改不影响原对象")
}

func TestTaskState_ApplyCheckpoint(t *testing.T) {
	st := NewTaskState(1)
	st.Title = "标题"
	st.RangeEnd = 5000
	st.CursorTime = 5000
	st.TotalRecords = 10
	st.Checkpoint = 3

	t.Run("旧检查点被忽略", func(t *testing.T) {
		assert.False(t, st.ApplyCheckpoint(nil))
		assert.False(t, st.ApplyCheckpoint(&TaskState{Checkpoint: 3, TotalRecords: 99}))
		assert.Equal(t, 10, st.TotalRecords)
	})

	t.Run("新检查点覆盖爬取进度", func(t *testing.T) {
		cp := &TaskState{
			Title:           "不覆盖",
			Status:          TaskStatusFetching,
			CursorTime:      4000,
			TotalRecords:    25,
			AdvancedRecords: 2,
			LastStep:        3,
			Backtrack:       &BacktrackWindow{Next: 100, Last: 200},
			Checkpoint:      4,
		}
		require.True(t, st.ApplyCheckpoint(cp))
		assert.Equal(t, int64(4000), st.CursorTime)
		assert.Equal(t, 25, st.TotalRecords)
		assert.Equal(t, 2, st.AdvancedRecords)
		assert.Equal(t, 3, st.LastStep)
		assert.Equal(t, int64(4), st.Checkpoint)
		assert.Equal(t, "标题", st.Title)
		assert.Equal(t, TaskStatusPaused, st.Status)
		assert.Equal(t, int64(5000), st.RangeEnd)

		cp.Backtrack.Next = 150
		assert.Equal(t, int64(100), st.Backtrack.Next)
	})
}

func TestBacktrackWindow_Remaining(t *testing.T) {
	var w *BacktrackWindow
	assert.Equal(t, 0, w.Remaining())

	w = &BacktrackWindow{Next: 0, Last: 4 * SecondsPerDay}
	assert.Equal(t, 5, w.Remaining())

	w.Next = 5 * SecondsPerDay
	assert.Equal(t, 0, w.Remaining())
}

func TestDayHelpers(t *testing.T) {
	ts := time.Date(2021, 2, 3, 15, 4, 5, 0, time.UTC).Unix()
	day := DayOf(ts)
	assert.Equal(t, "2021-02-03", FormatDay(day))
	assert.Equal(t, day.Unix()+SecondsPerDay-1, EndOfDay(day))

	parsed, err := ParseDay("2021-02-03")
	require.NoError(t, err)
	assert.True(t, parsed.Equal(day))

	_, err = ParseDay("20210203")
	assert.Error(t, err)
}

func TestCommentRecord_Flags(t *testing.T) {
	r := CommentRecord{Attr: 1, Mode: ModeScroll}
	assert.True(t, r.IsProtected())
	assert.False(t, r.IsAdvanced())

	r = CommentRecord{Attr: 4, Mode: ModeCode}
	assert.False(t, r.IsProtected())
	assert.True(t, r.IsAdvanced())
}

func TestCliHeaders_Parse(t *testing.T) {
	h, err := CliHeaders{"Referer: https://www.bilibili.com/", "X-Test:a:b"}.Parse()
	require.NoError(t, err)
	assert.Equal(t, "https://www.bilibili.com/", h.Get("Referer"))
	assert.Equal(t, "a:b", h.Get("X-Test"))

	_, err = CliHeaders{"NoColon"}.Parse()
	assert.Error(t, err)

	_, err = CliHeaders{": value"}.Parse()
	assert.Error(t, err)
}

func TestHeaderConfig_CookieHeader(t *testing.T) {
	hc := HeaderConfig{Cookies: map[string]string{"buvid3": "abc", "b_nut": "1"}}
	assert.Equal(t, "b_nut=1; buvid3=abc", hc.CookieHeader())
	assert.Equal(t, "", (&HeaderConfig{}).CookieHeader())
}

func TestParseTargetID(t *testing.T) {
	id, err := ParseTargetID(" 123456 ")
	require.NoError(t, err)
	assert.Equal(t, int64(123456), id)

	_, err = ParseTargetID("abc")
	assert.Error(t, err)
	_, err = ParseTargetID("-1")
	assert.Error(t, err)
}

func TestEvent_Accessors(t *testing.T) {
	ev := NewLogEvent("hello")
	assert.Equal(t, "hello", ev.Line())
	assert.Nil(t, ev.State())

	st := NewTaskState(9)
	sev := NewStateEvent(st)
	st.TotalRecords = 100
	require.NotNil(t, sev.State())
	assert.Equal(t, 0, sev.State().TotalRecords, "事件持有快照")
}
