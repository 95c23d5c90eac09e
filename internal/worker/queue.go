// Package worker 提供工单事件队列、租约与后台 worker 池。
package worker

import (
	"context"
	"errors"
	"fmt"
)

// EventKind 事件类型。
type EventKind string

const (
	// KindProcess 推进工单直到挂起或终态。
	KindProcess EventKind = "process"
	// KindSweep 检查等待中的外部请求（超时 / 数据已到）。
	KindSweep EventKind = "sweep"
)

type Event struct {
	TicketID string    `json:"ticket_id"`
	Kind     EventKind `json:"kind"`
}

func (e Event) Validate() error {
	if e.TicketID == "" {
		return fmt.Errorf("ticket_id is required")
	}
	if e.Kind != KindProcess && e.Kind != KindSweep {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Delivery 取出的事件；处理完成后调用 Ack。
type Delivery struct {
	Event Event
	ack   func(context.Context) error
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Queue 工单事件队列。Dequeue 阻塞直到取到事件或 ctx 结束。
type Queue interface {
	Enqueue(ctx context.Context, ev Event) error
	Dequeue(ctx context.Context) (Delivery, error)
}

var ErrQueueFull = errors.New("ticket queue is full")

// MemoryQueue 单进程内的 channel 队列。
type MemoryQueue struct {
	ch chan Event
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan Event, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case ev := <-q.ch:
		return Delivery{Event: ev}, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Len 当前积压数量。
func (q *MemoryQueue) Len() int { return len(q.ch) }
