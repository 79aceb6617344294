package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan models.Event) []models.Event {
	var out []models.Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
}

func TestProgressHub_ReplayHistory(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), ProgressLogFilename)
	require.NoError(t, os.WriteFile(logPath, []byte("旧1\n旧2\n旧3\n"), 0644))

	h := newProgressHub(logPath, ProgressConfig{MaxSize: 5, MaxBackups: 2, HistoryLines: 3})
	h.now = fixedNow
	assert.Equal(t, []string{"旧1", "旧2", "旧3"}, h.history)

	h.publish(models.NewLogEvent("新的一行"))
	st := models.NewTaskState(1)
	st.TotalRecords = 9
	h.publish(models.NewStateEvent(st))

	sub := h.subscribe()
	defer sub.Close()

	events := drain(sub.Events)
	require.Len(t, events, 4)
	assert.Equal(t, "旧2", events[0].Line())
	assert.Equal(t, "旧3", events[1].Line())
	assert.Equal(t, "2024-05-01 08:00:00 新的一行", events[2].Line())
	require.NotNil(t, events[3].State())
	assert.Equal(t, 9, events[3].State().TotalRecords)

	h.close(nil)
	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(content), "2024-05-01 08:00:00 新的一行\n"))
}

func TestProgressHub_LiveBroadcast(t *testing.T) {
	h := newProgressHub("", ProgressConfig{HistoryLines: 10})
	a := h.subscribe()
	b := h.subscribe()
	assert.Equal(t, 2, h.subscriberCount())

	h.publish(models.NewLogEvent("x"))
	assert.Len(t, drain(a.Events), 1)
	assert.Len(t, drain(b.Events), 1)

	b.Close()
	b.Close()
	assert.Equal(t, 1, h.subscriberCount())
	_, ok := <-b.Events
	assert.False(t, ok)
	a.Close()
}

func TestProgressHub_SlowSubscriberRemoved(t *testing.T) {
	h := newProgressHub("", ProgressConfig{HistoryLines: 0})
	h.buffer = 2

	slow := h.subscribe()
	fast := h.subscribe()

	var received int
	for i := 0; i < 5; i++ {
		h.publish(models.NewLogEvent("行"))
		received += len(drain(fast.Events))
	}

	assert.Equal(t, 5, received)
	assert.Equal(t, 1, h.subscriberCount())

	// 慢订阅者收到缓冲内的事件后通道关闭
	var got int
	for range slow.Events {
		got++
	}
	assert.Equal(t, 2, got)
	slow.Close()
	fast.Close()
}

func TestProgressHub_Close(t *testing.T) {
	h := newProgressHub("", ProgressConfig{HistoryLines: 5})
	sub := h.subscribe()

	final := models.NewTaskState(1)
	final.Status = models.TaskStatusCompleted
	h.close(final)

	var events []models.Event
	for ev := range sub.Events {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, models.TaskStatusCompleted, events[0].State().Status)

	// 关闭后发布被忽略, 新订阅者只收到回放
	h.publish(models.NewLogEvent("忽略"))
	late := h.subscribe()
	replay := drain(late.Events)
	require.Len(t, replay, 1)
	assert.NotNil(t, replay[0].State())
	late.Close()
}

func TestProgressHub_HistoryLimit(t *testing.T) {
	h := newProgressHub("", ProgressConfig{HistoryLines: 2})
	h.now = fixedNow
	for _, s := range []string{"a", "b", "c"} {
		h.publish(models.NewLogEvent(s))
	}
	assert.Equal(t, []string{"2024-05-01 08:00:00 b", "2024-05-01 08:00:00 c"}, h.history)
}

func TestTailLines_MissingFile(t *testing.T) {
	assert.Empty(t, tailLines(filepath.Join(t.TempDir(), "none.log"), 10))
}
