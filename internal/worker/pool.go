package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"wms_resolver/internal/config"

	"github.com/sirupsen/logrus"
)

// Handler 处理工单事件。
type Handler interface {
	Process(ctx context.Context, ticketID string) error
	HandleSweep(ctx context.Context, ticketID string) error
}

// Pool N 个 goroutine 从队列取事件交给 Handler。
// 拿不到租约的事件在退避后重新入队。
type Pool struct {
	queue   Queue
	handler Handler
	workers int
	backoff time.Duration
	logger  *logrus.Logger
}

func NewPool(queue Queue, handler Handler, workers int, backoff time.Duration, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &Pool{queue: queue, handler: handler, workers: workers, backoff: backoff, logger: logger}
}

// Run 阻塞直到 ctx 结束且所有 worker 退出。
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.WithField("worker", id).WithError(err).Warn("dequeue")
			continue
		}
		p.handle(ctx, id, d)
	}
}

func (p *Pool) handle(ctx context.Context, id int, d Delivery) {
	ev := d.Event
	var err error
	switch ev.Kind {
	case KindSweep:
		err = p.handler.HandleSweep(ctx, ev.TicketID)
	default:
		err = p.handler.Process(ctx, ev.TicketID)
	}

	switch {
	case errors.Is(err, ErrLeaseHeld):
		p.requeue(ctx, ev)
	case err != nil:
		// 状态已持久化，失败的批次由清扫任务兜底重试
		config.LogError(p.logger, "worker", "handle", "ticket event", ev, err)
	}
	if err := d.Ack(ctx); err != nil {
		config.LogError(p.logger, "worker", "handle", "ack ticket event", ev, err)
	}
	p.logger.WithFields(logrus.Fields{"worker": id, "ticket_id": ev.TicketID, "kind": ev.Kind}).Debug("event handled")
}

func (p *Pool) requeue(ctx context.Context, ev Event) {
	select {
	case <-time.After(p.backoff):
	case <-ctx.Done():
		return
	}
	if err := p.queue.Enqueue(ctx, ev); err != nil {
		config.LogError(p.logger, "worker", "requeue", "re-enqueue after lease conflict", ev, err)
	}
}

// Sweepable 可被定时清扫的对象。
type Sweepable interface {
	Sweep(ctx context.Context, now time.Time, enqueue func(context.Context, Event) error) (int, error)
}

// Sweeper 定时触发清扫，把待检查的工单放入队列。
type Sweeper struct {
	target   Sweepable
	queue    Queue
	interval time.Duration
	now      func() time.Time
	logger   *logrus.Logger
}

func NewSweeper(target Sweepable, queue Queue, interval time.Duration, logger *logrus.Logger) *Sweeper {
	return &Sweeper{target: target, queue: queue, interval: interval, now: time.Now, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 执行一次清扫。
func (s *Sweeper) Tick(ctx context.Context) int {
	n, err := s.target.Sweep(ctx, s.now(), s.queue.Enqueue)
	if err != nil {
		config.LogError(s.logger, "worker", "Sweeper.Tick", "sweep", nil, err)
	}
	if n > 0 {
		s.logger.WithField("enqueued", n).Info("sweep enqueued tickets")
	}
	return n
}
