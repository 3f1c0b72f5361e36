package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/han-fei/telemesh/pkg/models"
)

// RemoteAggregator 通过gRPC访问远端汇聚节点，实现 interfaces.Aggregator
type RemoteAggregator struct {
	address string
	timeout time.Duration
	conn    *grpc.ClientConn
}

// NewRemoteAggregator 创建远端汇聚节点客户端
// 连接是惰性建立的，对端不可达时在调用时返回错误
func NewRemoteAggregator(address string, timeout time.Duration, opts ...grpc.DialOption) (*RemoteAggregator, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("创建到 %s 的连接失败: %w", address, err)
	}

	return &RemoteAggregator{address: address, timeout: timeout, conn: conn}, nil
}

// Name 远端地址
func (r *RemoteAggregator) Name() string {
	return r.address
}

// ReceiveTelemetry 上报样本
func (r *RemoteAggregator) ReceiveTelemetry(ctx context.Context, identity string, sample models.Sample) (models.Ack, error) {
	return r.Relay(ctx, models.Report{Identity: identity, Sample: sample})
}

// Relay 带转发路径上报样本
func (r *RemoteAggregator) Relay(ctx context.Context, report models.Report) (models.Ack, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var ack models.Ack
	if err := r.conn.Invoke(ctx, ReceiveTelemetryMethod, &report, &ack); err != nil {
		return models.Ack{}, err
	}
	return ack, nil
}

// GetAllTelemetry 拉取远端快照
func (r *RemoteAggregator) GetAllTelemetry(ctx context.Context) (map[string]models.Sample, error) {
	snapshot, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snapshot.Samples, nil
}

// Snapshot 拉取远端快照及汇聚节点名称
func (r *RemoteAggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	snapshot := new(Snapshot)
	if err := r.conn.Invoke(ctx, GetAllTelemetryMethod, &SnapshotRequest{}, snapshot); err != nil {
		return nil, err
	}
	if snapshot.Samples == nil {
		snapshot.Samples = make(map[string]models.Sample)
	}
	return snapshot, nil
}

// Close 关闭连接
func (r *RemoteAggregator) Close() error {
	return r.conn.Close()
}

func (r *RemoteAggregator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
