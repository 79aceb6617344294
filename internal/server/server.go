package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/RecoveryAshes/dmcrawl/internal/core"
	"github.com/RecoveryAshes/dmcrawl/internal/models"
	"github.com/RecoveryAshes/dmcrawl/internal/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/websocket"
)

// maxBodySize 请求体上限
const maxBodySize = 1 << 20

// Response 统一响应结构
type Response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data"`
}

// InitRequest POST /api/tasks 请求体
type InitRequest struct {
	TargetID   int64  `json:"targetId"`
	Title      string `json:"title"`
	RangeStart int64  `json:"rangeStart"`
	RangeEnd   int64  `json:"rangeEnd"`
}

// StartResponse 启动任务的返回
type StartResponse struct {
	TaskID string `json:"taskId"`
}

// Server 任务控制服务
type Server struct {
	orchestrator *core.Orchestrator
	router       *chi.Mux
	httpServer   *http.Server
}

// New 创建控制服务
func New(orchestrator *core.Orchestrator, addr string) *Server {
	s := &Server{orchestrator: orchestrator}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/api/health", s.handleHealth)
	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleInitTask)
		r.Get("/running", s.handleRunningTasks)
		r.Route("/{targetId}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Put("/", s.handleSetTask)
			r.Delete("/", s.handleDeleteTask)
			r.Post("/start", s.handleStartTask)
			r.Get("/export.xml", s.handleExport)
		})
	})
	r.Post("/api/runs/{taskId}/stop", s.handleStopTask)
	r.Get("/ws/runs/{taskId}", s.handleSubscribe)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler 返回路由, 测试中配合 httptest 使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动监听 (阻塞)
func (s *Server) Start() error {
	utils.Infof("🌐 控制服务已启动: http://%s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("控制服务异常退出: %w", err)
	}
	return nil
}

// Shutdown 停止接收新请求并等待处理中的请求结束
func (s *Server) Shutdown(ctx context.Context) error {
	utils.Info("正在关闭控制服务...")
	return s.httpServer.Shutdown(ctx)
}

// requestLogger 用全局日志记录请求
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		utils.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		utils.Warnf("写入响应失败: %v", err)
	}
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, Response{Code: 0, Msg: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, Response{Code: status, Msg: err.Error()})
}

// writeTaskError 按错误类型映射状态码
func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, core.ErrTaskRunning), errors.Is(err, core.ErrTaskNotStartable):
		writeError(w, http.StatusConflict, err)
	default:
		utils.Errorf("请求处理失败: %v", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func targetParam(r *http.Request) (int64, error) {
	return models.ParseTargetID(chi.URLParam(r, "targetId"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("请求体无效: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{
		"host":    utils.CollectHostStats(),
		"running": len(s.orchestrator.RunningTasks()),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.orchestrator.ListTasks()
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeOK(w, list)
}

func (s *Server) handleRunningTasks(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.orchestrator.RunningTasks())
}

func (s *Server) handleInitTask(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := models.ValidateTargetID(req.TargetID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.RangeStart < 0 || req.RangeEnd < 0 ||
		(req.RangeStart != 0 && req.RangeEnd != 0 && req.RangeStart > req.RangeEnd) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("时间范围无效: %d-%d", req.RangeStart, req.RangeEnd))
		return
	}

	st, err := s.orchestrator.InitTask(req.TargetID, req.Title, req.RangeStart, req.RangeEnd)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeOK(w, st)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	targetID, err := targetParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.orchestrator.GetTaskState(targetID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeOK(w, st)
}

func (s *Server) handleSetTask(w http.ResponseWriter, r *http.Request) {
	targetID, err := targetParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var st models.TaskState
	if err := decodeBody(w, r, &st); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if st.TargetID == 0 {
		st.TargetID = targetID
	}
	if st.TargetID != targetID {
		writeError(w, http.StatusBadRequest, fmt.Errorf("cid不一致: %d != %d", st.TargetID, targetID))
		return
	}
	if err := st.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.orchestrator.GetTaskState(targetID); err != nil {
		writeTaskError(w, err)
		return
	}

	if err := s.orchestrator.SetTaskState(&st); err != nil {
		writeTaskError(w, err)
		return
	}
	writeOK(w, &st)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	targetID, err := targetParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.orchestrator.DeleteTask(targetID); err != nil {
		writeTaskError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	targetID, err := targetParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	taskID, err := s.orchestrator.StartTask(targetID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeOK(w, StartResponse{TaskID: taskID})
}

// handleStopTask 请求停止任务; 带 wait 参数时等待任务退出并返回最终状态
func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	targetID, ok := s.orchestrator.RunningTasks()[taskID]
	if !ok {
		writeTaskError(w, core.ErrTaskNotFound)
		return
	}
	done, err := s.orchestrator.Done(taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	if err := s.orchestrator.StopTask(taskID); err != nil {
		writeTaskError(w, err)
		return
	}
	if r.URL.Query().Get("wait") == "" {
		writeOK(w, nil)
		return
	}

	select {
	case <-done:
	case <-r.Context().Done():
		return
	}
	st, err := s.orchestrator.GetTaskState(targetID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeOK(w, st)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	targetID, err := targetParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	withWeight, _ := strconv.ParseBool(r.URL.Query().Get("weight"))

	var buf bytes.Buffer
	n, err := s.orchestrator.ExportXML(targetID, &buf, withWeight)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%d.xml"`, targetID))
	w.Header().Set("X-Record-Count", strconv.Itoa(n))
	if _, err := buf.WriteTo(w); err != nil {
		utils.Warnf("写入导出内容失败: %v", err)
	}
}

// handleSubscribe 通过 WebSocket 推送任务事件 (JSON)
// 任务结束时服务端关闭连接, 客户端断开时取消订阅
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	sub, err := s.orchestrator.Subscribe(taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	ws := websocket.Server{Handler: func(conn *websocket.Conn) {
		defer sub.Close()
		go func() {
			var msg string
			for {
				if err := websocket.Message.Receive(conn, &msg); err != nil {
					sub.Close()
					return
				}
			}
		}()

		for ev := range sub.Events {
			if err := websocket.JSON.Send(conn, ev); err != nil {
				utils.Debugf("推送事件失败 [%s]: %v", taskID, err)
				return
			}
		}
	}}
	ws.ServeHTTP(w, r)
	sub.Close()
}
