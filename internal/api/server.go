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

	xerrors "ChainFlow-Nodes/internal/errors"
	"ChainFlow-Nodes/internal/execution"
	"ChainFlow-Nodes/internal/network"
	"ChainFlow-Nodes/internal/node"
	"ChainFlow-Nodes/internal/observability/metrics"
	"ChainFlow-Nodes/internal/trigger"
	"ChainFlow-Nodes/pkg/logger"
)

// CredentialSource 在同步调用时解析凭证档案。
type CredentialSource interface {
	Credentials(ctx context.Context, profile string) (network.Credentials, error)
}

// Option 定制 Server。
type Option func(*Server)

// WithRegistry 注入节点注册表。
func WithRegistry(r *node.Registry) Option {
	return func(s *Server) { s.nodes = r }
}

// WithExecutions 注入执行服务。
func WithExecutions(svc *execution.Service) Option {
	return func(s *Server) { s.executions = svc }
}

// WithTriggers 注入触发器管理器。
func WithTriggers(m *trigger.Manager) Option {
	return func(s *Server) { s.triggers = m }
}

// WithEventBuffer 使 /events 接口可以读取内存中的触发器事件。
func WithEventBuffer(sink *trigger.MemorySink) Option {
	return func(s *Server) { s.events = sink }
}

// WithCredentials 设置同步调用使用的凭证来源。
func WithCredentials(src CredentialSource) Option {
	return func(s *Server) { s.creds = src }
}

// WithMetricsPath 设置 Prometheus 端点路径，空字符串表示不暴露。
func WithMetricsPath(path string) Option {
	return func(s *Server) { s.metricsPath = path }
}

// WithTimeouts 设置读取请求头和优雅关闭的超时时间。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// Server 负责暴露 REST 接口，供外部查询节点目录、调用节点和管理触发器。
type Server struct {
	addr              string
	nodes             *node.Registry
	executions        *execution.Service
	triggers          *trigger.Manager
	events            *trigger.MemorySink
	creds             CredentialSource
	metricsPath       string
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	log               *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		metricsPath:       "/metrics",
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
		log:               logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试直接使用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealth)

	s.route(mux, "GET /api/v1/nodes", s.handleListNodes)
	s.route(mux, "GET /api/v1/nodes/{type}", s.handleDescribeNode)
	s.route(mux, "GET /api/v1/nodes/{type}/methods/{method}", s.handleLoadMethod)
	s.route(mux, "POST /api/v1/nodes/{type}/run", s.handleRunNode)

	s.route(mux, "POST /api/v1/executions", s.handleSubmitExecution)
	s.route(mux, "GET /api/v1/executions", s.handleListExecutions)
	s.route(mux, "GET /api/v1/executions/stats", s.handleExecutionStats)
	s.route(mux, "GET /api/v1/executions/{id}", s.handleExecutionDetail)

	s.route(mux, "POST /api/v1/triggers", s.handleStartTrigger)
	s.route(mux, "GET /api/v1/triggers", s.handleListTriggers)
	s.route(mux, "GET /api/v1/triggers/{id}", s.handleTriggerDetail)
	s.route(mux, "DELETE /api/v1/triggers/{id}", s.handleStopTrigger)
	s.route(mux, "GET /api/v1/triggers/{id}/events", s.handleTriggerEvents)

	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, metrics.Handler())
	}
	return mux
}

// route 为每个处理器记录请求指标。
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(started))
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if s.nodes == nil {
		writeError(w, unavailable("节点注册表"))
		return
	}
	descs := s.nodes.Descriptions()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := descs[:0]
		for _, d := range descs {
			if string(d.Kind) == kind {
				filtered = append(filtered, d)
			}
		}
		descs = filtered
	}
	writeJSON(w, http.StatusOK, descs)
}

func (s *Server) handleDescribeNode(w http.ResponseWriter, r *http.Request) {
	if s.nodes == nil {
		writeError(w, unavailable("节点注册表"))
		return
	}
	desc, ok := s.nodes.Describe(r.PathValue("type"))
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "节点类型不存在"))
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleLoadMethod(w http.ResponseWriter, r *http.Request) {
	if s.nodes == nil {
		writeError(w, unavailable("节点注册表"))
		return
	}
	q := node.Query{
		Network:  r.URL.Query().Get("network"),
		Category: r.URL.Query().Get("category"),
	}
	options, err := s.nodes.LoadMethods(r.Context(), r.PathValue("type"), r.PathValue("method"), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

// runRequest 是同步调用节点的请求体。
type runRequest struct {
	Operation string          `json:"operation"`
	Network   string          `json:"network,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Profile   string          `json:"profile,omitempty"`
}

// handleRunNode 同步调用节点，响应体原样返回提供方的 JSON。
func (s *Server) handleRunNode(w http.ResponseWriter, r *http.Request) {
	if s.nodes == nil {
		writeError(w, unavailable("节点注册表"))
		return
	}
	var req runRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	in := node.Input{Operation: req.Operation, Network: req.Network, Params: req.Params}
	if s.creds != nil {
		creds, err := s.creds.Credentials(r.Context(), req.Profile)
		if err != nil {
			writeError(w, err)
			return
		}
		in.Credentials = creds
	}
	resp, err := s.nodes.Run(r.Context(), r.PathValue("type"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// handleSubmitExecution 提交异步执行；wait 参数指定时同步等待完成。
func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, unavailable("执行服务"))
		return
	}
	var req execution.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	exec, err := s.executions.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "wait 参数无效"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		done, err := s.executions.WaitUntilCompleted(ctx, exec.ID, 100*time.Millisecond)
		if err == nil {
			writeJSON(w, http.StatusOK, done)
			return
		}
		if xerrors.CodeOf(err) != xerrors.CodeTimeout {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, unavailable("执行服务"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := s.executions.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, unavailable("执行服务"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.executions.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		writeError(w, unavailable("执行服务"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少执行 ID"))
		return
	}
	exec, err := s.executions.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleStartTrigger(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		writeError(w, unavailable("触发器管理器"))
		return
	}
	var req trigger.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.triggers.Start(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, _ *http.Request) {
	if s.triggers == nil {
		writeError(w, unavailable("触发器管理器"))
		return
	}
	writeJSON(w, http.StatusOK, s.triggers.List())
}

func (s *Server) handleTriggerDetail(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		writeError(w, unavailable("触发器管理器"))
		return
	}
	info, err := s.triggers.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStopTrigger(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		writeError(w, unavailable("触发器管理器"))
		return
	}
	if err := s.triggers.Stop(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTriggerEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, unavailable("触发器事件缓冲"))
		return
	}
	writeJSON(w, http.StatusOK, s.events.Events(r.PathValue("id")))
}

// listOptionsFromQuery 将查询参数转换为执行列表过滤条件。
func listOptionsFromQuery(r *http.Request) ([]execution.ListOption, error) {
	q := r.URL.Query()
	var opts []execution.ListOption
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 参数无效")
		}
		opts = append(opts, execution.WithLimit(n))
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 参数无效")
		}
		opts = append(opts, execution.WithOffset(n))
	}
	if raw := q["status"]; len(raw) > 0 {
		var statuses []execution.Status
		for _, item := range raw {
			for _, part := range strings.Split(item, ",") {
				status := execution.Status(strings.TrimSpace(part))
				if !execution.IsValidStatus(status) {
					return nil, xerrors.New(xerrors.CodeInvalidArgument, "status 参数无效: "+part)
				}
				statuses = append(statuses, status)
			}
		}
		opts = append(opts, execution.WithStatuses(statuses...))
	}
	if v := q.Get("node"); v != "" {
		opts = append(opts, execution.WithNode(v))
	}
	if v := q.Get("operation"); v != "" {
		opts = append(opts, execution.WithOperation(v))
	}
	if v := q.Get("q"); v != "" {
		opts = append(opts, execution.WithQuery(v))
	}
	for key, apply := range map[string]func(time.Time) execution.ListOption{
		"since": execution.WithUpdatedSince,
		"until": execution.WithUpdatedUntil,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" 参数需为 RFC3339 时间")
		}
		opts = append(opts, apply(ts))
	}
	if raw := q.Get("has_response"); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "has_response 参数无效")
		}
		opts = append(opts, execution.WithResponsePresence(has))
	}
	switch q.Get("order") {
	case "":
	case "asc":
		opts = append(opts, execution.WithSortOrder(execution.SortByUpdatedAsc))
	case "desc":
		opts = append(opts, execution.WithSortOrder(execution.SortByUpdatedDesc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order 仅支持 asc/desc")
	}
	return opts, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func unavailable(component string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, component+"未初始化")
}

// errorBody 是所有失败响应的统一格式。
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		if msg := e.Message(); msg != "" {
			detail.Message = msg
		}
		detail.Metadata = e.Metadata()
	}
	writeJSON(w, xerrors.HTTPStatus(err), errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
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
