package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Sokosumi-Chain/internal/auth"
	xerrors "Sokosumi-Chain/internal/errors"
	"Sokosumi-Chain/internal/hire"
	"Sokosumi-Chain/internal/observability/metrics"
	"Sokosumi-Chain/internal/tracking"
	"Sokosumi-Chain/pkg/logger"
)

const hiresPath = "/api/v1/hires"

// Server 负责暴露 REST 接口，供外部雇佣智能体并查询任务。
type Server struct {
	addr           string
	hires          *hire.Service
	metricsEnabled bool
	auth           *auth.Service
	logger         *slog.Logger
}

// ServerOption 定义可选配置。
type ServerOption func(*Server)

// WithMetrics 控制是否挂载 /metrics。
func WithMetrics(enabled bool) ServerOption {
	return func(s *Server) { s.metricsEnabled = enabled }
}

// WithAuth 启用令牌认证。svc 未配置令牌时请求不做校验。
func WithAuth(svc *auth.Service) ServerOption {
	return func(s *Server) { s.auth = svc }
}

// WithServerLogger 指定日志输出。
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc *hire.Service, opts ...ServerOption) *Server {
	s := &Server{addr: addr, hires: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回挂载全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	readWrite := map[string][]string{
		http.MethodGet:  {auth.PermHiresRead},
		http.MethodPost: {auth.PermHiresWrite},
		"*":             {auth.PermHiresWrite},
	}
	mux := http.NewServeMux()
	mux.Handle(hiresPath, instrument(hiresPath, s.protect(readWrite, s.handleHires)))
	mux.Handle(hiresPath+"/", instrument(hiresPath+"/{id}", s.protect(readWrite, s.handleHireDetail)))
	mux.Handle("/api/v1/stats", instrument("/api/v1/stats",
		s.protect(map[string][]string{"*": {auth.PermHiresRead}}, s.handleStats)))
	mux.Handle("/api/v1/monitor", instrument("/api/v1/monitor",
		s.protect(map[string][]string{"*": {auth.PermHiresWrite}}, s.handleMonitor)))
	mux.Handle("/api/v1/results", instrument("/api/v1/results",
		s.protect(map[string][]string{"*": {auth.PermResultWrite}}, s.handleSubmitResult)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metricsEnabled {
		mux.Handle("/metrics", metrics.Handler())
	}
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
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

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

func (s *Server) handleHires(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateHire(w, r)
	case http.MethodGet:
		s.handleListHires(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateHire(w http.ResponseWriter, r *http.Request) {
	if s.hires == nil {
		http.Error(w, "雇佣服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req hire.HireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	result, err := s.hires.Hire(r.Context(), req)
	if err != nil {
		var job *tracking.Job
		if result != nil {
			job = result.Job
		}
		s.writeError(w, err, job)
		return
	}
	status := http.StatusCreated
	if result.Job != nil && result.Job.Status == tracking.StatusPendingPayment {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListHires(w http.ResponseWriter, r *http.Request) {
	if s.hires == nil {
		http.Error(w, "雇佣服务未初始化", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	opts := []tracking.ListOption{}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, tracking.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts = append(opts, tracking.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []tracking.Status
		for _, part := range strings.Split(raw, ",") {
			status := tracking.Status(strings.TrimSpace(part))
			if !tracking.IsValidStatus(status) {
				http.Error(w, "无效的状态过滤: "+part, http.StatusBadRequest)
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, tracking.WithStatuses(statuses...))
	}
	if agentID := query.Get("agent_id"); agentID != "" {
		opts = append(opts, tracking.WithAgent(agentID))
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts = append(opts, tracking.WithSortOrder(tracking.SortByUpdatedAsc))
	}

	jobs, err := s.hires.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if jobs == nil {
		jobs = []*tracking.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleHireDetail 处理 GET /api/v1/hires/{id} 与 POST /api/v1/hires/{id}/refresh。
func (s *Server) handleHireDetail(w http.ResponseWriter, r *http.Request) {
	if s.hires == nil {
		http.Error(w, "雇佣服务未初始化", http.StatusServiceUnavailable)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, hiresPath+"/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		job, err := s.hires.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case action == "refresh" && r.Method == http.MethodPost:
		job, err := s.hires.Refresh(r.Context(), id)
		if err != nil {
			s.writeError(w, err, job)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case action == "" || action == "refresh":
		http.Error(w, "请求方法不被支持", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.hires == nil {
		http.Error(w, "雇佣服务未初始化", http.StatusServiceUnavailable)
		return
	}
	report, err := s.hires.Monitor(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.hires == nil {
		http.Error(w, "雇佣服务未初始化", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.hires.Stats(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type submitResultRequest struct {
	BlockchainIdentifier string          `json:"blockchain_identifier"`
	Result               json.RawMessage `json:"result"`
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.hires == nil {
		http.Error(w, "雇佣服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req submitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	// 字符串结果按原文计算哈希，其余 JSON 按原始字节计算。
	payload := []byte(req.Result)
	var text string
	if err := json.Unmarshal(req.Result, &text); err == nil {
		payload = []byte(text)
	}
	receipt, err := s.hires.SubmitResult(r.Context(), req.BlockchainIdentifier, payload)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type errorResponse struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Job     *tracking.Job `json:"job,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error, job *tracking.Job) {
	status := xerrors.HTTPStatusOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err), slog.String("code", string(xerrors.CodeOf(err))))
	}
	resp := errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error(), Job: job}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Message()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 记录请求指标。route 为固定的路由模板，避免标签基数膨胀。
func instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

// protect 为路由挂载认证中间件。
func (s *Server) protect(perms map[string][]string, next http.HandlerFunc) http.HandlerFunc {
	if !s.auth.Enabled() {
		return next
	}
	return s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: perms})(next).ServeHTTP
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
