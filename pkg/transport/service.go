package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/han-fei/telemesh/pkg/models"
)

// 服务与方法名
const (
	ServiceName            = "telemesh.TelemetryService"
	ReceiveTelemetryMethod = "/" + ServiceName + "/ReceiveTelemetry"
	GetAllTelemetryMethod  = "/" + ServiceName + "/GetAllTelemetry"
)

// SnapshotRequest 查询快照的请求
type SnapshotRequest struct{}

// Snapshot 汇聚节点的快照
type Snapshot struct {
	Aggregator string                   `json:"aggregator"`
	Samples    map[string]models.Sample `json:"samples"`
}

// TelemetryServer 服务端需要实现的方法
type TelemetryServer interface {
	ReceiveTelemetry(ctx context.Context, report *models.Report) (*models.Ack, error)
	GetAllTelemetry(ctx context.Context, req *SnapshotRequest) (*Snapshot, error)
}

// RegisterTelemetryServer 注册服务
func RegisterTelemetryServer(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&telemetryServiceDesc, srv)
}

func receiveTelemetryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(models.Report)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).ReceiveTelemetry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReceiveTelemetryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryServer).ReceiveTelemetry(ctx, req.(*models.Report))
	}
	return interceptor(ctx, in, info, handler)
}

func getAllTelemetryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TelemetryServer).GetAllTelemetry(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetAllTelemetryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TelemetryServer).GetAllTelemetry(ctx, req.(*SnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var telemetryServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReceiveTelemetry", Handler: receiveTelemetryHandler},
		{MethodName: "GetAllTelemetry", Handler: getAllTelemetryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "telemesh/telemetry",
}
