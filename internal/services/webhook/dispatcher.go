package webhook

import (
	"context"
	"log/slog"
	"sync"

	"evidence-vault/internal/domain/model"
)

// DispatcherOptions 定义异步投递参数。
type DispatcherOptions struct {
	QueueSize int // 默认 256
	Workers   int // 默认 4
	Logger    *slog.Logger
}

// Dispatcher 在独立 worker 上异步投递事件。Enqueue 永不阻塞生产者：队列满时丢弃并告警。
type Dispatcher struct {
	svc     *Service
	queue   chan Event
	workers int
	log     *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

func NewDispatcher(svc *Service, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		svc:     svc,
		queue:   make(chan Event, opts.QueueSize),
		workers: opts.Workers,
		log:     opts.Logger.With("component", "webhook-dispatcher"),
		quit:    make(chan struct{}),
	}
}

// Start 启动 worker。
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for range d.workers {
			d.wg.Add(1)
			go d.work()
		}
	})
}

// Close 停止 worker 并等待进行中的投递结束；队列中尚未开始的事件被丢弃。
func (d *Dispatcher) Close() {
	d.stopOnce.Do(func() { close(d.quit) })
	d.wg.Wait()
}

// Observe 适配 auditstream.Stream.Subscribe：把已提交的审计记录转为事件入队。
func (d *Dispatcher) Observe(rec model.AuditRecord) {
	d.Enqueue(EventFromRecord(rec))
}

// Enqueue 非阻塞入队；webhook 自身的事件不会再转发。返回是否入队成功。
func (d *Dispatcher) Enqueue(ev Event) bool {
	if ev.Type.IsWebhookCategory() {
		return false
	}
	select {
	case <-d.quit:
		return false
	default:
	}
	select {
	case d.queue <- ev:
		return true
	default:
		d.log.Warn("webhook queue full, event dropped", "event_type", ev.Type, "seq", ev.Seq)
		return false
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case <-d.quit:
			return
		case ev := <-d.queue:
			d.svc.Dispatch(context.Background(), ev)
		}
	}
}
