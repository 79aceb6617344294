package core

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// ProgressLogFilename 任务进度日志文件名
	ProgressLogFilename = "progress.log"

	// subscriberBuffer 订阅者通道的最小缓冲
	subscriberBuffer = 256
)

// ProgressLogPath 返回目标的进度日志路径
func ProgressLogPath(dataDir string, targetID int64) string {
	return filepath.Join(models.TargetDir(dataDir, targetID), ProgressLogFilename)
}

// Subscription 任务事件订阅
type Subscription struct {
	// Events 先回放历史日志与最新状态, 再推送实时事件; 任务结束或订阅者过慢时关闭
	Events <-chan models.Event

	once   sync.Once
	cancel func()
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	ch chan models.Event
}

// progressHub 单个任务的事件广播
// 保留最近的日志行用于回放, 并追加写入任务的 progress.log
type progressHub struct {
	mu      sync.Mutex
	history []string
	limit   int
	last    *models.TaskState
	subs    map[*subscriber]struct{}
	buffer  int
	writer  io.WriteCloser
	closed  bool
	now     func() time.Time
}

// newProgressHub 创建广播器, 从已有的进度日志末尾恢复历史
func newProgressHub(logPath string, cfg ProgressConfig) *progressHub {
	h := &progressHub{
		limit:  cfg.HistoryLines,
		subs:   make(map[*subscriber]struct{}),
		buffer: subscriberBuffer,
		now:    time.Now,
	}
	if logPath != "" {
		h.history = tailLines(logPath, cfg.HistoryLines)
		h.writer = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
		}
	}
	return h
}

// tailLines 读取文件最后 n 行, 文件不存在时返回空
func tailLines(path string, n int) []string {
	if n <= 0 {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(lines) == n {
			lines = lines[1:]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		utils.Warnf("读取进度日志失败 [%s]: %v", path, err)
	}
	return lines
}

// publish 记录并广播事件
func (h *progressHub) publish(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	switch ev.Type {
	case models.EventLog:
		line := h.now().Format("2006-01-02 15:04:05") + " " + ev.Line()
		ev = models.NewLogEvent(line)
		h.remember(line)
		if h.writer != nil {
			if _, err := io.WriteString(h.writer, line+"\n"); err != nil {
				utils.Warnf("写入进度日志失败: %v", err)
			}
		}
	case models.EventTaskState:
		h.last = ev.State()
	}

	h.broadcastLocked(ev)
}

func (h *progressHub) remember(line string) {
	if h.limit <= 0 {
		return
	}
	if len(h.history) >= h.limit {
		h.history = append(h.history[:0], h.history[len(h.history)-h.limit+1:]...)
	}
	h.history = append(h.history, line)
}

// broadcastLocked 非阻塞发送, 缓冲已满的订阅者被移除
func (h *progressHub) broadcastLocked(ev models.Event) {
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(h.subs, sub)
			close(sub.ch)
			utils.Debugf("订阅者处理过慢, 已断开")
		}
	}
}

// subscribe 添加订阅者并回放历史
func (h *progressHub) subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.buffer
	if n := len(h.history) + 1; n > size {
		size = n
	}
	sub := &subscriber{ch: make(chan models.Event, size)}

	for _, line := range h.history {
		sub.ch <- models.NewLogEvent(line)
	}
	if h.last != nil {
		sub.ch <- models.NewStateEvent(h.last)
	}

	if h.closed {
		close(sub.ch)
	} else {
		h.subs[sub] = struct{}{}
	}

	return &Subscription{
		Events: sub.ch,
		cancel: func() { h.unsubscribe(sub) },
	}
}

func (h *progressHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// close 广播最终状态并关闭全部订阅者
func (h *progressHub) close(final *models.TaskState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	if final != nil {
		h.last = final.Clone()
		h.broadcastLocked(models.NewStateEvent(final))
	}
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.closed = true

	if h.writer != nil {
		if err := h.writer.Close(); err != nil {
			utils.Warnf("关闭进度日志失败: %v", err)
		}
	}
}

// subscriberCount 当前订阅者数量
func (h *progressHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
