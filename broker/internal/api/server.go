// Package api 提供节点的管理HTTP接口
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/han-fei/telemesh/pkg/models"
)

// TelemetrySource 本地汇聚节点提供的查询能力
type TelemetrySource interface {
	Name() string
	GetAllTelemetry(ctx context.Context) (map[string]models.Sample, error)
	GetTelemetry(ctx context.Context, identity string) (models.Sample, bool, error)
	Subscribe(buffer int) (<-chan models.Report, func())
}

// Options 管理接口选项
type Options struct {
	Listen       string
	Source       TelemetrySource     // 未启用汇聚角色时为nil
	Gatherer     prometheus.Gatherer // /metrics 的数据来源
	Stats        func() any          // /api/v1/stats 的内容
	QueryTimeout time.Duration
}

// Server 管理HTTP服务器
type Server struct {
	opts       Options
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	shutdown   chan struct{}
}

// NewServer 创建管理HTTP服务器
func NewServer(opts Options, logger *slog.Logger) *Server {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 3 * time.Second
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		opts:     opts,
		router:   mux.NewRouter(),
		logger:   logger.With("component", "api"),
		shutdown: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// routes 注册路由
func (s *Server) routes() {
	// 遥测数据
	s.router.HandleFunc("/api/v1/telemetry", s.handleTelemetry).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/telemetry/watch", s.handleWatch).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/telemetry/{identity}", s.handleIdentity).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods(http.MethodGet)

	// 健康检查与监控
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Handler 返回路由，便于测试
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 监听端口并阻塞处理请求
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve 在给定listener上处理请求
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("管理接口启动", "address", lis.Addr().String())
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 关闭服务器并断开所有websocket连接
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if !s.requireSource(w) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.QueryTimeout)
	defer cancel()

	samples, err := s.opts.Source.GetAllTelemetry(ctx)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]any{
		"aggregator": s.opts.Source.Name(),
		"samples":    samples,
	})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !s.requireSource(w) {
		return
	}
	identity := mux.Vars(r)["identity"]

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.QueryTimeout)
	defer cancel()

	sample, ok, err := s.opts.Source.GetTelemetry(ctx, identity)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if !ok {
		s.writeJSONResponse(w, http.StatusNotFound, map[string]string{"error": "unknown identity: " + identity})
		return
	}
	s.writeJSONResponse(w, http.StatusOK, models.Report{Identity: identity, Sample: sample})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var stats any = map[string]any{}
	if s.opts.Stats != nil {
		stats = s.opts.Stats()
	}
	s.writeJSONResponse(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "telemesh",
	})
}

// requireSource 未启用汇聚角色时返回404
func (s *Server) requireSource(w http.ResponseWriter) bool {
	if s.opts.Source == nil {
		s.writeJSONResponse(w, http.StatusNotFound, map[string]string{"error": "aggregator role is not enabled"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSONResponse(w, status, map[string]string{"error": err.Error()})
}

// writeJSONResponse 写入JSON响应
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("写入JSON响应失败", "error", err)
	}
}
