package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/calendar"
	"github.com/RecoveryAshes/dmcrawl/internal/crawlers"
	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
)

// Outcome 一次运行的结束方式
type Outcome int

const (
	OutcomeCompleted Outcome = iota // 历史弹幕已爬完
	OutcomePaused                   // 被中断, 可继续
	OutcomeBanned                   // 重试耗尽
)

// String 实现 fmt.Stringer
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomePaused:
		return "paused"
	case OutcomeBanned:
		return "banned"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Status 对应的任务状态
func (o Outcome) Status() models.TaskStatus {
	switch o {
	case OutcomeCompleted:
		return models.TaskStatusCompleted
	case OutcomeBanned:
		return models.TaskStatusBanned
	default:
		return models.TaskStatusPaused
	}
}

// ArchiveStore 爬取器使用的存储操作
type ArchiveStore interface {
	calendar.MarkerTable
	LoadIDs() (map[int64]struct{}, error)
	LoadCheckpoint() (*models.TaskState, error)
	Ingest(records []models.CommentRecord, cp *models.TaskState) error
}

// Sleeper 可中断的等待, ctx 被取消时返回 false
type Sleeper func(ctx context.Context, d time.Duration) bool

var errBanned = errors.New("重试次数耗尽")

// storageError 存储失败, 终止运行
type storageError struct {
	err error
}

func (e *storageError) Error() string { return "存储失败: " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

// HistoryCrawler 自适应顺序爬取器
// 从 rangeEnd 向 rangeStart 逐日回溯历史弹幕, 按新增率决定跳跃天数
type HistoryCrawler struct {
	source    crawlers.SegmentSource
	store     ArchiveStore
	statePath string
	config    models.CrawlConfig
	events    chan<- models.Event

	sleep  Sleeper
	jitter func(lo, hi float64) time.Duration
	now    func() time.Time

	seen map[int64]struct{}
}

// NewHistoryCrawler 创建爬取器
// statePath 为空时不落盘, events 为 nil 时不推送事件
func NewHistoryCrawler(source crawlers.SegmentSource, store ArchiveStore, statePath string,
	config models.CrawlConfig, events chan<- models.Event) *HistoryCrawler {
	return &HistoryCrawler{
		source:    source,
		store:     store,
		statePath: statePath,
		config:    config,
		events:    events,
		sleep:     sleepCtx,
		jitter:    randomDuration,
		now:       time.Now,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func randomDuration(lo, hi float64) time.Duration {
	secs := lo
	if hi > lo {
		secs = lo + rand.Float64()*(hi-lo)
	}
	return time.Duration(secs * float64(time.Second))
}

// StepFor 按新增率 (千分比) 计算跳跃天数
func StepFor(added, total int) int {
	if total <= 0 {
		return 1
	}
	permille := added * 1000 / total
	switch {
	case permille >= 500:
		return 1
	case permille >= 300:
		return 2
	case permille >= 200:
		return 3
	case permille >= 100:
		return 5
	case permille >= 50:
		return 7
	case permille >= 25:
		return 8
	case permille >= 1:
		return 9
	default:
		return 10
	}
}

// Run 运行直到完成、被中断或重试耗尽
// 存储失败或任务状态不允许启动时返回 error, 此时状态未写入结束状态
func (c *HistoryCrawler) Run(ctx context.Context, st *models.TaskState) (Outcome, error) {
	if !st.Status.CanTransition(models.TaskStatusFetching) {
		return OutcomePaused, fmt.Errorf("任务状态为 %s, 不能开始爬取", st.Status)
	}

	seen, err := c.store.LoadIDs()
	if err != nil {
		return OutcomePaused, fmt.Errorf("加载弹幕ID失败: %w", err)
	}
	c.seen = seen

	cp, err := c.store.LoadCheckpoint()
	if err != nil {
		return OutcomePaused, fmt.Errorf("加载检查点失败: %w", err)
	}
	if st.ApplyCheckpoint(cp) {
		c.logf("♻️ 状态文件落后于弹幕库, 已恢复到检查点 %d (弹幕 %d, 游标 %s)",
			st.Checkpoint, st.TotalRecords, formatTime(st.CursorTime))
	}

	// rangeStart 在查找完成前保持为0, 中断后继续查找
	needBoundary := c.config.BoundarySearch && st.RangeStart == 0
	st.Activate(c.now(), c.config.Earliest())
	if needBoundary {
		st.RangeStart = 0
	}
	st.Status = models.TaskStatusFetching
	st.LastRunAt = c.now().Unix()
	st.LastError = ""

	if err := c.save(st); err != nil {
		return OutcomePaused, err
	}

	if needBoundary {
		if outcome, done, err := c.resolveBoundary(ctx, st); done || err != nil {
			if err != nil {
				return outcome, err
			}
			return c.finish(st, outcome)
		}
	}

	if c.config.FetchSpecial && st.TotalRecords == 0 {
		if err := c.fetchSpecial(ctx, st); err != nil {
			return OutcomePaused, err
		}
	}

	if err := c.save(st); err != nil {
		return OutcomePaused, err
	}
	c.emitState(st)
	c.logf("🚀 开始爬取 %d: %s ~ %s, 游标 %s",
		st.TargetID, models.FormatDay(time.Unix(st.RangeStart, 0)),
		models.FormatDay(time.Unix(st.RangeEnd, 0)), formatTime(st.CursorTime))

	for {
		if ctx.Err() != nil {
			return c.finish(st, OutcomePaused)
		}

		var outcome Outcome
		var done bool
		if st.Backtrack != nil {
			outcome, done, err = c.backtrackStep(ctx, st)
		} else {
			outcome, done, err = c.step(ctx, st)
		}
		if err != nil {
			return OutcomePaused, err
		}
		if done {
			return c.finish(st, outcome)
		}

		if err := c.save(st); err != nil {
			return OutcomePaused, err
		}
		c.emitState(st)

		if !c.sleep(ctx, c.jitter(c.config.IntervalMin, c.config.IntervalMax)) {
			return c.finish(st, OutcomePaused)
		}
	}
}

// step 爬取游标所在日期并计算下一次的落点
func (c *HistoryCrawler) step(ctx context.Context, st *models.TaskState) (Outcome, bool, error) {
	day := models.DayOf(st.CursorTime)
	if day.Before(models.DayOf(st.RangeStart)) {
		c.logf("✅ 已越过起始日期 %s", models.FormatDay(time.Unix(st.RangeStart, 0)))
		return OutcomeCompleted, true, nil
	}

	records, err := c.fetchWithRetry(ctx, st.TargetID, day)
	if err != nil {
		return c.fetchOutcome(err), true, nil
	}
	if len(records) == 0 {
		c.logf("爬取: %s, 没有弹幕...", models.FormatDay(day))
		return OutcomeCompleted, true, nil
	}

	b := c.filter(st, records, true)
	next := st.Clone()
	b.apply(next)

	step := c.planStep(next, day, len(records), len(b.fresh))
	floor := models.EndOfDay(day.AddDate(0, 0, -step))
	if next.CursorTime > floor {
		next.CursorTime = floor
		next.LastStep = step
	} else {
		next.LastStep = 1
	}
	if err := c.commit(st, next, b); err != nil {
		return OutcomePaused, true, err
	}
	added, advanced := len(b.fresh), b.advanced

	c.logf("爬取: %s 弹幕 %d (+%d) | 神弹幕 %d (+%d)",
		models.FormatDay(day), st.TotalRecords, added, st.AdvancedRecords, advanced)
	if st.Backtrack != nil {
		c.logf("弹幕池已满, 回溯 %s ~ %s (%d 天)",
			models.FormatDay(time.Unix(st.Backtrack.Next, 0)), models.FormatDay(time.Unix(st.Backtrack.Last, 0)),
			st.Backtrack.Remaining())
	}
	c.logf("接下来爬取: %s", formatTime(st.CursorTime))
	return 0, false, nil
}

// planStep 弹幕池饱和且上一次有跳跃时打开回溯区间, 否则按新增率决定跳跃天数
func (c *HistoryCrawler) planStep(st *models.TaskState, day time.Time, total, added int) int {
	saturated := total >= c.config.PoolCap
	if saturated && st.LastStep > 1 {
		st.Backtrack = &models.BacktrackWindow{
			Next: day.AddDate(0, 0, 1).Unix(),
			Last: day.AddDate(0, 0, st.LastStep).Unix(),
		}
		return 1
	}
	if !saturated && c.config.AdaptiveStep {
		return StepFor(added, total)
	}
	return 1
}

// backtrackStep 补爬被跳过的一天, 由旧到新
func (c *HistoryCrawler) backtrackStep(ctx context.Context, st *models.TaskState) (Outcome, bool, error) {
	day := time.Unix(st.Backtrack.Next, 0).UTC()

	records, err := c.fetchWithRetry(ctx, st.TargetID, day)
	if err != nil {
		return c.fetchOutcome(err), true, nil
	}

	b := c.filter(st, records, true)
	next := st.Clone()
	b.apply(next)
	next.Backtrack.Next += models.SecondsPerDay
	if next.Backtrack.Next > next.Backtrack.Last {
		next.Backtrack = nil
		next.LastStep = 1
	}
	if err := c.commit(st, next, b); err != nil {
		return OutcomePaused, true, err
	}

	if len(records) == 0 {
		c.logf("回溯: %s, 没有弹幕...", models.FormatDay(day))
	} else {
		c.logf("回溯: %s 弹幕 %d (+%d) | 神弹幕 %d (+%d)",
			models.FormatDay(day), st.TotalRecords, len(b.fresh), st.AdvancedRecords, b.advanced)
	}
	if st.Backtrack == nil {
		c.logf("回溯完成, 接下来爬取: %s", formatTime(st.CursorTime))
	}
	return 0, false, nil
}

// fetchWithRetry 获取某一天的弹幕, 失败时随机等待后重试
// 单次请求不随 ctx 取消, 由 request_timeout 限制
func (c *HistoryCrawler) fetchWithRetry(ctx context.Context, targetID int64, day time.Time) ([]models.CommentRecord, error) {
	timeout := time.Duration(c.config.RequestTimeout) * time.Second
	attempts := c.config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		records, err := c.source.FetchDay(reqCtx, targetID, day)
		cancel()
		if err == nil {
			return records, nil
		}
		lastErr = err
		c.logf("⚠️ 请求 %s 失败 (%d/%d): %v", models.FormatDay(day), attempt, attempts, err)

		if attempt == attempts {
			break
		}
		if !c.sleep(ctx, c.jitter(c.config.RetryMin, c.config.RetryMax)) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: %v", errBanned, lastErr)
}

func (c *HistoryCrawler) fetchOutcome(err error) Outcome {
	if errors.Is(err, errBanned) {
		c.logf("🚫 重试 %d 次均失败, 可能已被限制访问", c.config.MaxRetries)
		return OutcomeBanned
	}
	return OutcomePaused
}

// ingestBatch 一次响应中尚未入库的弹幕
type ingestBatch struct {
	fresh    []models.CommentRecord
	advanced int
	cursor   int64
}

// apply 把批次计入状态
func (b *ingestBatch) apply(st *models.TaskState) {
	st.TotalRecords += len(b.fresh)
	st.AdvancedRecords += b.advanced
	st.CursorTime = b.cursor
}

// filter 过滤已存在的弹幕
// lower 为 true 时用新增的非保护弹幕降低游标
func (c *HistoryCrawler) filter(st *models.TaskState, records []models.CommentRecord, lower bool) *ingestBatch {
	b := &ingestBatch{
		fresh:  make([]models.CommentRecord, 0, len(records)),
		cursor: st.CursorTime,
	}
	batch := make(map[int64]struct{}, len(records))

	for _, r := range records {
		if _, ok := c.seen[r.ID]; ok {
			continue
		}
		if _, ok := batch[r.ID]; ok {
			continue
		}
		batch[r.ID] = struct{}{}
		b.fresh = append(b.fresh, r)
		if r.IsAdvanced() {
			b.advanced++
		}
		if lower && !r.IsProtected() && r.Ctime < b.cursor {
			b.cursor = r.Ctime
		}
	}
	return b
}

// commit 新弹幕与 next 作为检查点在同一事务中入库, 提交成功后 st 才变为 next
func (c *HistoryCrawler) commit(st, next *models.TaskState, b *ingestBatch) error {
	if len(b.fresh) > 0 {
		next.Checkpoint = st.Checkpoint + 1
		if err := c.store.Ingest(b.fresh, next); err != nil {
			return &storageError{err: err}
		}
		for _, r := range b.fresh {
			c.seen[r.ID] = struct{}{}
		}
	}
	*st = *next
	return nil
}

// ingest 过滤并入库, 只更新计数与游标
func (c *HistoryCrawler) ingest(st *models.TaskState, records []models.CommentRecord, lower bool) (added, advanced int, err error) {
	b := c.filter(st, records, lower)
	next := st.Clone()
	b.apply(next)
	if err := c.commit(st, next, b); err != nil {
		return 0, 0, err
	}
	return len(b.fresh), b.advanced, nil
}

// resolveBoundary 二分查找最早有弹幕的日期作为 rangeStart
func (c *HistoryCrawler) resolveBoundary(ctx context.Context, st *models.TaskState) (Outcome, bool, error) {
	toYear := c.config.BoundaryToYear
	if toYear == 0 {
		toYear = c.now().UTC().Year()
	}
	slots, err := calendar.NewSlots(c.config.BoundaryFromYear, toYear)
	if err != nil {
		c.logf("⚠️ 跳过起始日期查找: %v", err)
		st.RangeStart = models.DayStart(c.config.Earliest()).Unix()
		return 0, false, nil
	}

	c.logf("🔍 查找最早有弹幕的日期 (%d-%d)", slots.FromYear, slots.ToYear)
	finder := calendar.NewFinder(slots, c.store)
	day, err := finder.FindEarliest(ctx, func(ctx context.Context, day time.Time) (bool, error) {
		records, err := c.fetchWithRetry(ctx, st.TargetID, day)
		if err != nil {
			return false, err
		}
		if _, _, err := c.ingest(st, records, false); err != nil {
			return false, err
		}
		c.logf("探测: %s 弹幕 %d 条", models.FormatDay(day), len(records))
		return len(records) > 0, nil
	})
	if err != nil {
		if errors.Is(err, errBanned) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
			return c.fetchOutcome(err), true, nil
		}
		return OutcomePaused, true, fmt.Errorf("查找起始日期失败: %w", err)
	}

	st.RangeStart = day.Unix()
	if st.RangeStart > st.RangeEnd {
		st.RangeStart = models.DayOf(st.RangeEnd).Unix()
	}
	c.logf("📅 最早有弹幕的日期: %s (探测 %d 次)", models.FormatDay(day), finder.Probes())
	return 0, false, nil
}

// fetchSpecial 拉取特殊弹幕包, 失败不影响历史弹幕爬取
func (c *HistoryCrawler) fetchSpecial(ctx context.Context, st *models.TaskState) error {
	timeout := time.Duration(c.config.RequestTimeout) * time.Second
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	records, err := c.source.FetchSpecial(reqCtx, st.TargetID)
	if err != nil {
		c.logf("⚠️ 获取特殊弹幕包失败: %v", err)
		return nil
	}
	added, advanced, err := c.ingest(st, records, false)
	if err != nil {
		return err
	}
	if added > 0 {
		c.logf("特殊弹幕: +%d | 神弹幕 +%d", added, advanced)
	}
	return nil
}

// finish 写入结束状态
func (c *HistoryCrawler) finish(st *models.TaskState, outcome Outcome) (Outcome, error) {
	status := outcome.Status()
	if !st.Status.CanTransition(status) {
		return outcome, fmt.Errorf("非法的状态迁移: %s -> %s", st.Status, status)
	}
	st.Status = status
	if err := c.save(st); err != nil {
		return outcome, err
	}
	c.emitState(st)

	switch outcome {
	case OutcomeCompleted:
		c.logf("🎉 历史弹幕爬取完成: 弹幕 %d | 神弹幕 %d", st.TotalRecords, st.AdvancedRecords)
	case OutcomeBanned:
		c.logf("🚫 任务已停止 (banned), 游标 %s", formatTime(st.CursorTime))
	default:
		c.logf("⏸️ 任务已暂停, 游标 %s", formatTime(st.CursorTime))
	}
	return outcome, nil
}

func (c *HistoryCrawler) save(st *models.TaskState) error {
	if c.statePath == "" {
		return nil
	}
	if err := st.SaveToFile(c.statePath); err != nil {
		return &storageError{err: err}
	}
	return nil
}

func (c *HistoryCrawler) emitState(st *models.TaskState) {
	if c.events != nil {
		c.events <- models.NewStateEvent(st)
	}
}

func (c *HistoryCrawler) logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	utils.Logger.Info().Msg(line)
	if c.events != nil {
		c.events <- models.NewLogEvent(line)
	}
}

func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04:05")
}
