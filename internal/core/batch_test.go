package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// targetSource 指定的目标始终请求失败
type targetSource struct {
	*poolSource
	failing map[int64]bool
}

func (s *targetSource) FetchDay(ctx context.Context, targetID int64, day time.Time) ([]models.CommentRecord, error) {
	if s.failing[targetID] {
		return nil, errors.New("HTTP 412")
	}
	return s.poolSource.FetchDay(ctx, targetID, day)
}

func TestBatchRunner_Run(t *testing.T) {
	t.Run("全部成功", func(t *testing.T) {
		o := NewOrchestrator(testConfig(t), &poolSource{records: poolRecords(t), cap: 20})
		initRange(t, o, 1)

		br := NewBatchRunner(o, 0, false)
		var started []int64
		br.OnStart = func(_ string, targetID int64, sub *Subscription) {
			started = append(started, targetID)
			sub.Close()
		}

		// 目标2没有初始化, 自动创建
		summary := br.Run(context.Background(), []int64{1, 2})
		assert.Equal(t, 2, summary.SuccessCount)
		assert.Equal(t, 0, summary.FailCount)
		assert.Equal(t, []int64{1, 2}, started)
		assert.Positive(t, summary.Results[0].NewRecords)
		assert.Equal(t, models.TaskStatusCompleted, summary.Results[0].Status)
	})

	t.Run("失败后中止", func(t *testing.T) {
		src := &targetSource{poolSource: &poolSource{records: poolRecords(t)}, failing: map[int64]bool{1: true}}
		o := NewOrchestrator(testConfig(t), src)

		summary := NewBatchRunner(o, 0, false).Run(context.Background(), []int64{1, 2})
		require.Len(t, summary.Results, 1)
		assert.Equal(t, 1, summary.FailCount)
		assert.Equal(t, models.TaskStatusBanned, summary.Results[0].Status)
		assert.Error(t, summary.Results[0].Error)
	})

	t.Run("失败后继续", func(t *testing.T) {
		src := &targetSource{poolSource: &poolSource{records: poolRecords(t)}, failing: map[int64]bool{1: true}}
		o := NewOrchestrator(testConfig(t), src)

		summary := NewBatchRunner(o, 0, true).Run(context.Background(), []int64{1, 2})
		require.Len(t, summary.Results, 2)
		assert.Equal(t, 1, summary.FailCount)
		assert.Equal(t, 1, summary.SuccessCount)
	})

	t.Run("取消时停止当前任务", func(t *testing.T) {
		o := NewOrchestrator(testConfig(t), &poolSource{records: poolRecords(t), cap: 20})
		o.sleep = blockingSleep
		initRange(t, o, 1)

		ctx, cancel := context.WithCancel(context.Background())
		br := NewBatchRunner(o, time.Hour, true)
		br.OnStart = func(_ string, _ int64, sub *Subscription) {
			sub.Close()
			cancel()
		}

		summary := br.Run(ctx, []int64{1, 2})
		require.Len(t, summary.Results, 1)
		assert.True(t, summary.Interrupted)
		assert.Equal(t, models.TaskStatusPaused, summary.Results[0].Status)
		assert.Empty(t, o.RunningTasks())
	})
}

func TestBatchRunner_FastTaskKeepsProgress(t *testing.T) {
	// 空响应: 任务在第一次请求后立即完成
	o := NewOrchestrator(testConfig(t), &poolSource{})
	initRange(t, o, 1)

	br := NewBatchRunner(o, 0, false)
	var last *models.TaskState
	br.OnStart = func(_ string, _ int64, sub *Subscription) {
		defer sub.Close()
		// 等任务退出后再读取事件, 订阅仍能收到最终状态
		<-waitIdle(o)
		for ev := range sub.Events {
			if st := ev.State(); st != nil {
				last = st
			}
		}
	}

	summary := br.Run(context.Background(), []int64{1})
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Success)
	assert.Equal(t, 0, summary.FailCount)
	require.NotNil(t, last)
	assert.Equal(t, models.TaskStatusCompleted, last.Status)
}

// waitIdle 所有任务退出时关闭
func waitIdle(o *Orchestrator) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for len(o.RunningTasks()) > 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}()
	return ch
}

func TestOrchestrator_LaunchAfterFinish(t *testing.T) {
	o := NewOrchestrator(testConfig(t), &poolSource{})
	initRange(t, o, 1)

	h, err := o.Launch(1, true)
	require.NoError(t, err)
	<-h.Done

	// 任务已移出运行集合, 句柄仍可使用
	_, err = o.Done(h.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	var states []*models.TaskState
	for ev := range h.Subscription.Events {
		if st := ev.State(); st != nil {
			states = append(states, st)
		}
	}
	require.NotEmpty(t, states)
	assert.Equal(t, models.TaskStatusCompleted, states[len(states)-1].Status)

	h2, err := o.Launch(1, false)
	assert.ErrorIs(t, err, ErrTaskNotStartable)
	assert.Nil(t, h2)
}
