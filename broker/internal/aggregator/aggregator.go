// Package aggregator 实现汇聚节点：保存每个采集端的最新样本并转发给二级汇聚节点和外部sink
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/han-fei/telemesh/internal/utils"
	"github.com/han-fei/telemesh/pkg/interfaces"
	"github.com/han-fei/telemesh/pkg/models"
)

// 默认值
const (
	DefaultMailboxSize    = 1024
	DefaultMaxHops        = 8
	DefaultRequestTimeout = 3 * time.Second
)

var (
	// ErrNotRunning 汇聚节点未启动或已停止
	ErrNotRunning = errors.New("aggregator is not running")
)

// ForwardingConfig 转发配置，构造后不再改变
type ForwardingConfig struct {
	Secondary      interfaces.Aggregator // 二级汇聚节点，可为nil
	Sink           interfaces.Sink       // 外部指标系统，可为nil
	RequestTimeout time.Duration         // 单次转发超时
}

// Options 汇聚节点选项
type Options struct {
	Name        string
	HopID       string // 写入转发路径的实例标识，为空时由Name加随机后缀生成
	Forwarding  ForwardingConfig
	MailboxSize int // 邮箱容量，同时也是转发队列容量
	MaxHops     int
	Registerer  prometheus.Registerer // 为nil时不注册监控指标
}

// Stats 汇聚节点统计
type Stats struct {
	Name              string `json:"name"`
	HopID             string `json:"hop_id"`
	Received          uint64 `json:"received"`
	Collectors        int64  `json:"collectors"`
	SecondaryFailures uint64 `json:"secondary_failures"`
	SinkFailures      uint64 `json:"sink_failures"`
	LoopsStopped      uint64 `json:"loops_stopped"`
	ForwardDropped    uint64 `json:"forward_dropped"`
	Secondary         string `json:"secondary,omitempty"`
	Sink              string `json:"sink,omitempty"`
}

type requestKind int

const (
	kindReport requestKind = iota
	kindSnapshot
	kindLookup
)

// request 邮箱中的一条消息
type request struct {
	kind     requestKind
	report   models.Report
	identity string
	reply    chan response
}

type response struct {
	ack      models.Ack
	snapshot map[string]models.Sample
	sample   models.Sample
	found    bool
	err      error
}

// TelemetryAggregator 汇聚节点
// 所有请求经邮箱由单个协程逐个处理，存储只在该协程内访问。
// 写入存储后立即确认，转发由独立的转发协程按接收顺序完成，
// 二级节点或sink卡住时不会拖慢确认。
type TelemetryAggregator struct {
	name       string
	hopID      string
	forwarding ForwardingConfig
	maxHops    int
	store      *TelemetryStore
	mailbox    chan *request
	outbox     chan models.Report
	logger     *slog.Logger
	metrics    *aggregatorMetrics

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
	stopped atomic.Bool

	received          atomic.Uint64
	collectors        atomic.Int64
	secondaryFailures atomic.Uint64
	sinkFailures      atomic.Uint64
	loopsStopped      atomic.Uint64
	forwardDropped    atomic.Uint64

	subMu       sync.RWMutex
	subscribers map[chan models.Report]struct{}
}

// NewTelemetryAggregator 创建汇聚节点
func NewTelemetryAggregator(opts Options, logger *slog.Logger) *TelemetryAggregator {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultMaxHops
	}
	if opts.Forwarding.RequestTimeout <= 0 {
		opts.Forwarding.RequestTimeout = DefaultRequestTimeout
	}

	if opts.HopID == "" {
		opts.HopID = opts.Name + "/" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &TelemetryAggregator{
		name:        opts.Name,
		hopID:       opts.HopID,
		forwarding:  opts.Forwarding,
		maxHops:     opts.MaxHops,
		store:       NewTelemetryStore(),
		mailbox:     make(chan *request, opts.MailboxSize),
		outbox:      make(chan models.Report, opts.MailboxSize),
		logger:      logger.With("component", "aggregator", "aggregator", opts.Name, "hop_id", opts.HopID),
		metrics:     newAggregatorMetrics(opts.Name, opts.Registerer),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[chan models.Report]struct{}),
	}
}

// Name 汇聚节点名称
func (a *TelemetryAggregator) Name() string {
	return a.name
}

// HopID 写入转发路径的实例标识，地址相同的汇聚节点也互不相同
func (a *TelemetryAggregator) HopID() string {
	return a.hopID
}

// Start 启动消息处理协程和转发协程
func (a *TelemetryAggregator) Start() error {
	if a.stopped.Load() {
		return ErrNotRunning
	}
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("aggregator %s already started", a.name)
	}

	a.wg.Add(2)
	go a.messageLoop()
	go a.forwardLoop()

	a.logger.Info("汇聚节点已启动", "secondary", a.secondaryName(), "sink", a.sinkName())
	return nil
}

// Stop 停止处理协程，未处理的请求返回ErrNotRunning
func (a *TelemetryAggregator) Stop() error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.cancel()
	a.wg.Wait()
	a.running.Store(false)

	a.subMu.Lock()
	for ch := range a.subscribers {
		close(ch)
		delete(a.subscribers, ch)
	}
	a.subMu.Unlock()

	a.logger.Info("汇聚节点已停止")
	return nil
}

// ReceiveTelemetry 接收采集端上报的样本
// 只要节点在运行，存储总会写入；转发失败不影响返回结果
func (a *TelemetryAggregator) ReceiveTelemetry(ctx context.Context, identity string, sample models.Sample) (models.Ack, error) {
	return a.Relay(ctx, models.Report{Identity: identity, Sample: sample})
}

// Relay 接收带转发路径的样本，身份为空时返回models.ErrEmptyIdentity
func (a *TelemetryAggregator) Relay(ctx context.Context, report models.Report) (models.Ack, error) {
	if err := report.Validate(); err != nil {
		return models.Ack{}, err
	}
	resp, err := a.call(ctx, &request{kind: kindReport, report: report})
	if err != nil {
		return models.Ack{}, err
	}
	return resp.ack, nil
}

// GetAllTelemetry 返回存储的时间点副本
func (a *TelemetryAggregator) GetAllTelemetry(ctx context.Context) (map[string]models.Sample, error) {
	resp, err := a.call(ctx, &request{kind: kindSnapshot})
	if err != nil {
		return nil, err
	}
	return resp.snapshot, nil
}

// GetTelemetry 查询单个采集端的最新样本
func (a *TelemetryAggregator) GetTelemetry(ctx context.Context, identity string) (models.Sample, bool, error) {
	resp, err := a.call(ctx, &request{kind: kindLookup, identity: identity})
	if err != nil {
		return models.Sample{}, false, err
	}
	return resp.sample, resp.found, nil
}

// Stats 返回统计信息
func (a *TelemetryAggregator) Stats() Stats {
	return Stats{
		Name:              a.name,
		HopID:             a.hopID,
		Received:          a.received.Load(),
		Collectors:        a.collectors.Load(),
		SecondaryFailures: a.secondaryFailures.Load(),
		SinkFailures:      a.sinkFailures.Load(),
		LoopsStopped:      a.loopsStopped.Load(),
		ForwardDropped:    a.forwardDropped.Load(),
		Secondary:         a.secondaryName(),
		Sink:              a.sinkName(),
	}
}

// Subscribe 订阅写入存储的样本，订阅者处理过慢时丢弃消息
func (a *TelemetryAggregator) Subscribe(buffer int) (<-chan models.Report, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.Report, buffer)

	a.subMu.Lock()
	if a.stopped.Load() {
		a.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	a.subscribers[ch] = struct{}{}
	a.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			defer a.subMu.Unlock()
			if _, ok := a.subscribers[ch]; ok {
				delete(a.subscribers, ch)
				close(ch)
			}
		})
	}
}

// call 把请求放入邮箱并等待处理结果
func (a *TelemetryAggregator) call(ctx context.Context, req *request) (response, error) {
	if !a.running.Load() || a.stopped.Load() {
		return response{}, ErrNotRunning
	}

	req.reply = make(chan response, 1)
	select {
	case a.mailbox <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-a.ctx.Done():
		return response{}, ErrNotRunning
	}

	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-a.done:
		// 处理协程退出后才入队的请求不会再被处理
		select {
		case resp := <-req.reply:
			return resp, resp.err
		default:
			return response{}, ErrNotRunning
		}
	}
}

// messageLoop 消息处理循环
func (a *TelemetryAggregator) messageLoop() {
	defer a.wg.Done()
	defer close(a.done)

	for {
		select {
		case req := <-a.mailbox:
			a.handle(req)
		case <-a.ctx.Done():
			a.drainMailbox()
			return
		}
	}
}

// drainMailbox 停止时拒绝剩余请求
func (a *TelemetryAggregator) drainMailbox() {
	for {
		select {
		case req := <-a.mailbox:
			req.reply <- response{err: ErrNotRunning}
		default:
			return
		}
	}
}

// handle 处理单个请求
func (a *TelemetryAggregator) handle(req *request) {
	switch req.kind {
	case kindReport:
		req.reply <- response{ack: a.receive(req.report)}
	case kindSnapshot:
		req.reply <- response{snapshot: a.store.Snapshot()}
	case kindLookup:
		sample, ok := a.store.Get(req.identity)
		req.reply <- response{sample: sample, found: ok}
	default:
		req.reply <- response{err: fmt.Errorf("unknown request kind %d", req.kind)}
	}
}

// receive 写入存储，通知订阅者，然后把样本交给转发协程
func (a *TelemetryAggregator) receive(report models.Report) models.Ack {
	a.store.Put(report.Identity, report.Sample)

	a.received.Add(1)
	a.collectors.Store(int64(a.store.Len()))
	a.metrics.received.Inc()
	a.metrics.collectors.Set(float64(a.store.Len()))

	a.logger.Debug("收到样本", "identity", report.Identity, "cpu_percent", report.Sample.CPUPercent,
		"memory_percent", report.Sample.MemoryPercent, "hops", len(report.Path))

	a.publish(report)
	a.enqueueForward(report)

	return models.Ack{Status: models.AckStatusReceived, Aggregator: a.name}
}

// enqueueForward 非阻塞地放入转发队列，队列满时丢弃并计数
func (a *TelemetryAggregator) enqueueForward(report models.Report) {
	if a.forwarding.Secondary == nil && a.forwarding.Sink == nil {
		return
	}
	select {
	case a.outbox <- report:
	default:
		a.forwardDropped.Add(1)
		a.metrics.forwardDropped.Inc()
		a.logger.Warn("转发队列已满，丢弃本次转发", "identity", report.Identity,
			"target", a.secondaryName(), "sink", a.sinkName())
	}
}

// forwardLoop 转发协程，按接收顺序逐个转发
func (a *TelemetryAggregator) forwardLoop() {
	defer a.wg.Done()

	for {
		select {
		case report := <-a.outbox:
			a.forward(report)
		case <-a.ctx.Done():
			if n := len(a.outbox); n > 0 {
				a.logger.Info("停止时放弃未完成的转发", "pending", n)
			}
			return
		}
	}
}

// forward 尽力转发到二级汇聚节点和sink，两者互不影响
func (a *TelemetryAggregator) forward(report models.Report) {
	if a.forwarding.Secondary != nil {
		switch {
		case report.Visited(a.hopID):
			a.loopsStopped.Add(1)
			a.metrics.loopsStopped.Inc()
			a.logger.Warn("样本已经过本节点，停止转发", "identity", report.Identity, "path", report.Path)
		case len(report.Path) >= a.maxHops:
			a.loopsStopped.Add(1)
			a.metrics.loopsStopped.Inc()
			a.logger.Warn("超过最大转发跳数，停止转发", "identity", report.Identity, "hops", len(report.Path))
		default:
			if err := a.relayToSecondary(report.WithHop(a.hopID)); err != nil {
				a.secondaryFailures.Add(1)
				a.metrics.forwardFailures.WithLabelValues(destinationSecondary).Inc()
				a.logger.Warn("转发到二级汇聚节点失败", "identity", report.Identity,
					"target", a.forwarding.Secondary.Name(), "error", err)
			}
		}
	}

	if a.forwarding.Sink != nil {
		if err := a.pushToSink(report); err != nil {
			a.sinkFailures.Add(1)
			a.metrics.forwardFailures.WithLabelValues(destinationSink).Inc()
			a.logger.Warn("推送到sink失败", "identity", report.Identity,
				"sink", a.forwarding.Sink.Name(), "error", err)
		}
	}
}

// relayToSecondary 转发一次，不重试
func (a *TelemetryAggregator) relayToSecondary(report models.Report) (err error) {
	secondary := a.forwarding.Secondary
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("secondary panicked: %v\n%s", v, debug.Stack())
		}
		a.metrics.forwardDuration.WithLabelValues(destinationSecondary).Observe(time.Since(start).Seconds())
		if err != nil {
			err = &utils.DeliveryError{Target: secondary.Name(), Identity: report.Identity, Err: err}
		}
	}()

	ctx, cancel := context.WithTimeout(a.ctx, a.forwarding.RequestTimeout)
	defer cancel()

	_, err = secondary.Relay(ctx, report)
	return err
}

// pushToSink 推送一次，不重试
func (a *TelemetryAggregator) pushToSink(report models.Report) (err error) {
	sink := a.forwarding.Sink
	start := time.Now()
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("sink panicked: %v\n%s", v, debug.Stack())
		}
		a.metrics.forwardDuration.WithLabelValues(destinationSink).Observe(time.Since(start).Seconds())
		if err != nil {
			err = &utils.SinkPushError{Sink: sink.Name(), Identity: report.Identity, Err: err}
		}
	}()

	ctx, cancel := context.WithTimeout(a.ctx, a.forwarding.RequestTimeout)
	defer cancel()

	return sink.Push(ctx, report.Identity, report.Sample)
}

// publish 非阻塞通知订阅者
func (a *TelemetryAggregator) publish(report models.Report) {
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	for ch := range a.subscribers {
		select {
		case ch <- report:
		default:
		}
	}
}

func (a *TelemetryAggregator) secondaryName() string {
	if a.forwarding.Secondary == nil {
		return ""
	}
	return a.forwarding.Secondary.Name()
}

func (a *TelemetryAggregator) sinkName() string {
	if a.forwarding.Sink == nil {
		return ""
	}
	return a.forwarding.Sink.Name()
}
