package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"Dough-Agent/internal/agent"
	"Dough-Agent/internal/observability/metrics"
	"Dough-Agent/internal/storage/mysql"
)

// StatusSource 提供控制循环快照，agent.Agent 实现了该接口。
type StatusSource interface {
	Snapshot() agent.State
}

// SwapLister 查询最近的兑换记录，mysql.SwapRepository 实现了该接口。
type SwapLister interface {
	ListLatest(ctx context.Context, limit int) ([]mysql.SwapRecord, error)
}

// Server 负责暴露只读 REST 接口。
type Server struct {
	addr    string
	status  StatusSource
	swaps   SwapLister
	metrics *metrics.Collector
	token   string
	audit   *slog.Logger
}

// NewServer 构造 API 服务实例。swaps 与 collector 可以为空。
func NewServer(addr string, status StatusSource, swaps SwapLister, collector *metrics.Collector, opts ...Option) *Server {
	s := &Server{addr: addr, status: status, swaps: swaps, metrics: collector}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/status", s.requireToken(s.instrument("/api/v1/status", s.handleStatus)))
	mux.Handle("/api/v1/swaps", s.requireToken(s.instrument("/api/v1/swaps", s.handleListSwaps)))
	mux.Handle("/healthz", s.instrument("/healthz", s.handleHealth))
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.status == nil {
		http.Error(w, "控制循环未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

// handleHealth 在循环因错误终止后返回 503，正常运行或正常退出时返回 200。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	state := s.status.Snapshot()
	if state.Terminated() && !state.Graceful {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "terminated", "cause": state.Cause})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "phase": string(state.Phase)})
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.swaps == nil {
		http.Error(w, "未配置兑换历史", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit 必须为正整数", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := s.swaps.ListLatest(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []mysql.SwapRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
