package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// StreamQueue 基于 Redis Stream + 消费者组的队列，多实例部署时共享。
// 语义：处理完成后才 ACK，进程崩溃时未 ACK 的事件会在重启后从 pending 重新读取。
type StreamQueue struct {
	rdb      *rd.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
	logger   *logrus.Logger

	mu          sync.Mutex
	buf         []streamItem
	pendingDone bool
}

type streamItem struct {
	id string
	ev Event
}

func NewStreamQueue(rdb *rd.Client, stream, group, consumer string, logger *logrus.Logger) *StreamQueue {
	return &StreamQueue{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    2 * time.Second,
		logger:   logger,
	}
}

// EnsureGroup 创建消费者组，已存在时忽略。
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (q *StreamQueue) Enqueue(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"ticket_id": ev.TicketID, "kind": string(ev.Kind)},
	}).Err()
}

func (q *StreamQueue) Dequeue(ctx context.Context) (Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.buf) == 0 {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		// 启动后先取一次本消费者历史 pending，之后只读新消息
		streamID := ">"
		block := q.block
		if !q.pendingDone {
			streamID, block = "0", 0
		}
		msgs, err := q.readGroup(ctx, streamID, block)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return Delivery{}, ctx.Err()
			}
			q.logger.WithError(err).Warn("ticket stream read")
			time.Sleep(300 * time.Millisecond)
			continue
		}
		q.pendingDone = true
		for _, xm := range msgs {
			ev, err := parseEvent(xm.Values)
			if err != nil {
				// 脏消息直接 ACK 丢弃，避免阻塞队列。
				q.logger.WithField("stream_id", xm.ID).WithError(err).Warn("drop malformed ticket event")
				_ = q.ack(ctx, xm.ID)
				continue
			}
			q.buf = append(q.buf, streamItem{id: xm.ID, ev: ev})
		}
	}

	item := q.buf[0]
	q.buf = q.buf[1:]
	return Delivery{Event: item.ev, ack: func(ctx context.Context) error { return q.ack(ctx, item.id) }}, nil
}

func (q *StreamQueue) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := q.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, streamID},
		Count:    16,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (q *StreamQueue) ack(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, id)
	pipe.XDel(ctx, q.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseEvent(values map[string]any) (Event, error) {
	ticketID, err := streamString(values, "ticket_id")
	if err != nil {
		return Event{}, err
	}
	kind, err := streamString(values, "kind")
	if err != nil {
		return Event{}, err
	}
	ev := Event{TicketID: ticketID, Kind: EventKind(kind)}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func streamString(values map[string]any, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
