package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/han-fei/telemesh/broker/internal/aggregator"
	"github.com/han-fei/telemesh/pkg/interfaces"
	"github.com/han-fei/telemesh/pkg/models"
	"github.com/han-fei/telemesh/pkg/transport"
)

// 消息大小上限
const maxMsgSize = 4 << 20

// GRPCServer 对外暴露本地汇聚节点的gRPC服务器
type GRPCServer struct {
	listen     string
	server     *grpc.Server
	health     *health.Server
	aggregator interfaces.Aggregator
	logger     *slog.Logger
}

// NewGRPCServer 创建gRPC服务器
func NewGRPCServer(listen string, agg interfaces.Aggregator, logger *slog.Logger) *GRPCServer {
	s := &GRPCServer{
		listen:     listen,
		health:     health.NewServer(),
		aggregator: agg,
		logger:     logger.With("component", "grpc"),
	}

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.ChainUnaryInterceptor(s.loggingInterceptor),
	)

	transport.RegisterTelemetryServer(s.server, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(transport.ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s
}

// Start 监听端口并阻塞处理请求
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", s.listen, err)
	}
	return s.Serve(lis)
}

// Serve 在给定listener上处理请求
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("gRPC服务器启动", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop 停止服务器，等待处理中的请求结束
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
	s.logger.Info("gRPC服务器已停止")
}

// ReceiveTelemetry 实现 TelemetryService.ReceiveTelemetry
func (s *GRPCServer) ReceiveTelemetry(ctx context.Context, report *models.Report) (*models.Ack, error) {
	ack, err := s.aggregator.Relay(ctx, *report)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ack, nil
}

// GetAllTelemetry 实现 TelemetryService.GetAllTelemetry
func (s *GRPCServer) GetAllTelemetry(ctx context.Context, _ *transport.SnapshotRequest) (*transport.Snapshot, error) {
	samples, err := s.aggregator.GetAllTelemetry(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &transport.Snapshot{Aggregator: s.aggregator.Name(), Samples: samples}, nil
}

// loggingInterceptor 记录每次调用的耗时与结果
func (s *GRPCServer) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("gRPC调用失败", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		s.logger.Debug("gRPC调用完成", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// toStatus 把汇聚节点错误转换为gRPC状态码
func toStatus(err error) error {
	switch {
	case errors.Is(err, models.ErrEmptyIdentity):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, aggregator.ErrNotRunning):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
