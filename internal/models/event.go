package models

// EventType 推送事件类型
type EventType string

const (
	EventLog       EventType = "log"       // 进度日志行
	EventTaskState EventType = "taskState" // 任务状态快照
)

// Event 推送给订阅者的事件
// Data 为 string (log) 或 *TaskState (taskState)
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// NewLogEvent 创建日志事件
func NewLogEvent(line string) Event {
	return Event{Type: EventLog, Data: line}
}

// NewStateEvent 创建状态事件 (快照, 与爬取器持有的状态隔离)
func NewStateEvent(st *TaskState) Event {
	return Event{Type: EventTaskState, Data: st.Clone()}
}

// Line 返回日志内容, 非日志事件返回空串
func (e Event) Line() string {
	if e.Type != EventLog {
		return ""
	}
	s, _ := e.Data.(string)
	return s
}

// State 返回状态快照, 非状态事件返回nil
func (e Event) State() *TaskState {
	if e.Type != EventTaskState {
		return nil
	}
	st, _ := e.Data.(*TaskState)
	return st
}
