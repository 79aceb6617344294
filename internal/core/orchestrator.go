package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/crawlers"
	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/RecoveryAshes/dmcrawl/internal/storage"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
)

var (
	// ErrTaskNotFound 任务或目标不存在
	ErrTaskNotFound = errors.New("任务不存在")
	// ErrTaskRunning 目标正在爬取
	ErrTaskRunning = errors.New("任务正在运行")
	// ErrTaskNotStartable 任务状态不允许启动
	ErrTaskNotStartable = errors.New("任务当前状态不可启动")
)

// eventBuffer 爬取器到广播器的事件缓冲
const eventBuffer = 64

// Orchestrator 管理所有目标的爬取任务
// 每个任务在独立的 goroutine 中运行, 通过 context 取消
type Orchestrator struct {
	config   *Config
	source   crawlers.SegmentSource
	reporter *utils.Reporter

	mu      sync.Mutex
	tasks   map[string]*runningTask // taskID -> task
	targets map[int64]string        // targetID -> taskID
	wg      sync.WaitGroup

	// sleep 非空时替换爬取器的等待函数
	sleep Sleeper
}

type runningTask struct {
	id       string
	targetID int64
	cancel   context.CancelFunc
	hub      *progressHub
	done     chan struct{}

	mu     sync.Mutex
	latest *models.TaskState
}

func (t *runningTask) snapshot() *models.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest.Clone()
}

func (t *runningTask) observe(ev models.Event) {
	if st := ev.State(); st != nil {
		t.mu.Lock()
		t.latest = st
		t.mu.Unlock()
	}
}

// NewOrchestrator 创建任务编排器
func NewOrchestrator(config *Config, source crawlers.SegmentSource) *Orchestrator {
	return &Orchestrator{
		config:   config,
		source:   source,
		reporter: utils.NewReporter(config.Storage.DataDir),
		tasks:    make(map[string]*runningTask),
		targets:  make(map[int64]string),
	}
}

func (o *Orchestrator) statePath(targetID int64) string {
	return models.StatePath(o.config.Storage.DataDir, targetID)
}

// TaskHandle 已启动任务的句柄
type TaskHandle struct {
	ID string
	// Done 任务退出时关闭
	Done <-chan struct{}
	// Subscription 在任务开始前订阅, 未要求订阅时为nil
	Subscription *Subscription
}

// StartTask 启动目标的爬取任务, 返回任务ID
func (o *Orchestrator) StartTask(targetID int64) (string, error) {
	h, err := o.Launch(targetID, false)
	if err != nil {
		return "", err
	}
	return h.ID, nil
}

// Launch 启动目标的爬取任务并返回句柄
// subscribe 为 true 时在任务开始前订阅事件, 任务很快结束也能收到全部事件
func (o *Orchestrator) Launch(targetID int64, subscribe bool) (*TaskHandle, error) {
	if err := models.ValidateTargetID(targetID); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.targets[targetID]; ok {
		return nil, ErrTaskRunning
	}

	st, err := models.LoadTaskStateFromFile(o.statePath(targetID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	if st.Status == models.TaskStatusFetching {
		// 上次运行未正常退出
		utils.Warnf("⚠️ 目标 %d 的状态为 %s, 按暂停处理", targetID, st.Status)
		st.Status = models.TaskStatusPaused
	}
	if !st.Status.Startable() {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotStartable, st.Status)
	}

	archive, err := storage.Open(storage.ArchivePath(o.config.Storage.DataDir, targetID))
	if err != nil {
		return nil, err
	}

	taskID := models.NewTaskID()
	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{
		id:       taskID,
		targetID: targetID,
		cancel:   cancel,
		hub:      newProgressHub(ProgressLogPath(o.config.Storage.DataDir, targetID), o.config.Progress),
		done:     make(chan struct{}),
		latest:   st.Clone(),
	}
	o.tasks[taskID] = rt
	o.targets[targetID] = taskID

	handle := &TaskHandle{ID: taskID, Done: rt.done}
	if subscribe {
		handle.Subscription = rt.hub.subscribe()
	}

	events := make(chan models.Event, eventBuffer)
	crawler := NewHistoryCrawler(o.source, archive, o.statePath(targetID), o.config.Crawl, events)
	if o.sleep != nil {
		crawler.sleep = o.sleep
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range events {
			rt.observe(ev)
			rt.hub.publish(ev)
		}
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()

		before := st.Clone()
		start := time.Now()
		outcome, err := crawler.Run(ctx, st)
		if err != nil {
			o.recordFailure(st, err, events)
		}
		close(events)
		<-pumpDone

		if err := archive.Close(); err != nil {
			utils.Warnf("关闭弹幕库失败: %v", err)
		}
		o.finish(rt, before, st, start, outcome)
	}()

	utils.Infof("▶️ 任务已启动: %s (目标 %d)", taskID, targetID)
	return handle, nil
}

// recordFailure 存储失败时记录为暂停状态
func (o *Orchestrator) recordFailure(st *models.TaskState, err error, events chan<- models.Event) {
	utils.Errorf("❌ 目标 %d 运行失败: %v", st.TargetID, err)
	st.Status = models.TaskStatusPaused
	st.LastError = err.Error()
	if saveErr := st.SaveToFile(o.statePath(st.TargetID)); saveErr != nil {
		utils.Errorf("保存任务状态失败: %v", saveErr)
	}
	events <- models.NewLogEvent("❌ 任务出错已暂停: " + err.Error())
	events <- models.NewStateEvent(st)
}

// finish 广播最终状态, 关闭订阅者并移出运行集合
func (o *Orchestrator) finish(rt *runningTask, before, after *models.TaskState, start time.Time, outcome Outcome) {
	rt.hub.close(after)

	o.mu.Lock()
	delete(o.tasks, rt.id)
	delete(o.targets, rt.targetID)
	o.mu.Unlock()

	report := models.NewRunReport(rt.id, before, after, start, o.config.Crawl)
	if _, err := o.reporter.SaveRunReport(report); err != nil {
		utils.Warnf("保存运行报告失败: %v", err)
	}

	utils.Infof("⏹️ 任务结束: %s (目标 %d) %s, 新增弹幕 %d", rt.id, rt.targetID, outcome, report.NewRecords)
	close(rt.done)
}

func (o *Orchestrator) lookup(taskID string) (*runningTask, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rt, ok := o.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return rt, nil
}

func (o *Orchestrator) isRunning(targetID int64) (*runningTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	taskID, ok := o.targets[targetID]
	if !ok {
		return nil, false
	}
	return o.tasks[taskID], true
}

// StopTask 请求停止任务, 任务在当前请求结束后以暂停状态退出
func (o *Orchestrator) StopTask(taskID string) error {
	rt, err := o.lookup(taskID)
	if err != nil {
		return err
	}
	rt.cancel()
	utils.Infof("⏸️ 请求停止任务: %s", taskID)
	return nil
}

// Subscribe 订阅任务事件
func (o *Orchestrator) Subscribe(taskID string) (*Subscription, error) {
	rt, err := o.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return rt.hub.subscribe(), nil
}

// Done 任务退出时关闭
func (o *Orchestrator) Done(taskID string) (<-chan struct{}, error) {
	rt, err := o.lookup(taskID)
	if err != nil {
		return nil, err
	}
	return rt.done, nil
}

// GetTaskState 运行中返回最新快照, 否则读取状态文件并合并弹幕库中更新的检查点
func (o *Orchestrator) GetTaskState(targetID int64) (*models.TaskState, error) {
	if rt, ok := o.isRunning(targetID); ok {
		return rt.snapshot(), nil
	}
	st, err := models.LoadTaskStateFromFile(o.statePath(targetID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	cp, err := o.loadCheckpoint(targetID)
	if err != nil {
		return nil, err
	}
	if st.ApplyCheckpoint(cp) {
		utils.Debugf("目标 %d 的状态文件落后于弹幕库, 使用检查点 %d", targetID, st.Checkpoint)
	}
	return st, nil
}

// loadCheckpoint 读取弹幕库中的检查点, 弹幕库不存在时返回nil
func (o *Orchestrator) loadCheckpoint(targetID int64) (*models.TaskState, error) {
	path := storage.ArchivePath(o.config.Storage.DataDir, targetID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	archive, err := storage.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer archive.Close()
	return archive.LoadCheckpoint()
}

// SetTaskState 覆盖任务状态 (如将 banned 改回 paused)
func (o *Orchestrator) SetTaskState(st *models.TaskState) error {
	if err := st.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.targets[st.TargetID]; ok {
		return ErrTaskRunning
	}

	// 人工修改的进度优先于弹幕库中未合并的检查点
	cp, err := o.loadCheckpoint(st.TargetID)
	if err != nil {
		return err
	}
	if cp != nil && cp.Checkpoint > st.Checkpoint {
		st.Checkpoint = cp.Checkpoint
	}
	if err := st.SaveToFile(o.statePath(st.TargetID)); err != nil {
		return fmt.Errorf("保存任务状态失败: %w", err)
	}
	utils.Infof("📝 任务状态已更新: 目标 %d -> %s", st.TargetID, st.Status)
	return nil
}

// InitTask 创建目标的任务状态; 已存在时更新标题与范围 (0表示不修改)
func (o *Orchestrator) InitTask(targetID int64, title string, start, end int64) (*models.TaskState, error) {
	if err := models.ValidateTargetID(targetID); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.targets[targetID]; ok {
		return nil, ErrTaskRunning
	}

	st, err := models.LoadOrNewTaskState(o.statePath(targetID), targetID)
	if err != nil {
		return nil, err
	}
	if title != "" {
		st.Title = title
	}
	if start != 0 {
		st.RangeStart = start
	}
	if end != 0 {
		st.RangeEnd = end
		if st.CursorTime > end {
			st.CursorTime = end
		}
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if err := st.SaveToFile(o.statePath(targetID)); err != nil {
		return nil, fmt.Errorf("保存任务状态失败: %w", err)
	}
	return st, nil
}

// DeleteTask 删除目标的全部数据
func (o *Orchestrator) DeleteTask(targetID int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.targets[targetID]; ok {
		return ErrTaskRunning
	}

	dir := models.TargetDir(o.config.Storage.DataDir, targetID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return ErrTaskNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("删除目标数据失败: %w", err)
	}
	utils.Infof("🗑️ 已删除目标 %d", targetID)
	return nil
}

// ListTasks 列出数据目录下的全部任务 (按目标ID排序)
func (o *Orchestrator) ListTasks() ([]*models.TaskState, error) {
	entries, err := os.ReadDir(o.config.Storage.DataDir)
	if errors.Is(err, os.ErrNotExist) {
		return []*models.TaskState{}, nil
	}
	if err != nil {
		return nil, err
	}

	list := make([]*models.TaskState, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		targetID, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || targetID <= 0 {
			continue
		}
		st, err := o.GetTaskState(targetID)
		if errors.Is(err, ErrTaskNotFound) {
			continue
		}
		if err != nil {
			utils.Warnf("读取任务状态失败 [%d]: %v", targetID, err)
			continue
		}
		list = append(list, st)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].TargetID < list[j].TargetID })
	return list, nil
}

// RunningTasks 运行中的任务: taskID -> targetID
func (o *Orchestrator) RunningTasks() map[string]int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int64, len(o.tasks))
	for id, rt := range o.tasks {
		out[id] = rt.targetID
	}
	return out
}

// ExportXML 以XML格式导出目标的全部弹幕, 返回条数
func (o *Orchestrator) ExportXML(targetID int64, w io.Writer, withWeight bool) (int, error) {
	if _, ok := o.isRunning(targetID); ok {
		return 0, ErrTaskRunning
	}

	path := storage.ArchivePath(o.config.Storage.DataDir, targetID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, ErrTaskNotFound
	}
	archive, err := storage.OpenReadOnly(path)
	if err != nil {
		return 0, err
	}
	defer archive.Close()

	return utils.WriteXML(w, targetID, archive, withWeight)
}

// Shutdown 停止全部任务并等待退出
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, rt := range o.tasks {
		rt.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
