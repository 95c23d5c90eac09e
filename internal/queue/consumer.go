package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"wms_resolver/internal/config"
	"wms_resolver/internal/engine"
	"wms_resolver/internal/reconcile"
	"wms_resolver/internal/worker"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

const (
	retryBackoff    = 200 * time.Millisecond
	maxRetryBackoff = 30 * time.Second
)

// ResponseHandler 外部回执的处理方，通常是 *engine.Engine。
type ResponseHandler interface {
	HandleResponse(ctx context.Context, ticketID string, resp engine.Response) error
}

// Consumer 从 Kafka 读取外部系统回执并交给状态机。
type Consumer struct {
	r       *kafka.Reader
	handler ResponseHandler
	logger  *logrus.Logger

	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, topic, groupID string, handler ResponseHandler, logger *logrus.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		handler:    handler,
		logger:     logger,
		backoff:    retryBackoff,
		maxBackoff: maxRetryBackoff,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 读取直到 ctx 结束。可重试的错误原地退避重试，处理完成后才提交 offset。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		if !c.process(ctx, m.Value) {
			return
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			config.LogError(c.logger, "queue", "Consumer.Run", "commit offset", m.Offset, err)
		}
	}
}

// process 处理一条消息直到成功或确定丢弃；ctx 结束时返回 false，offset 不提交。
func (c *Consumer) process(ctx context.Context, value []byte) bool {
	backoff := c.backoff
	if backoff <= 0 {
		backoff = retryBackoff
	}
	for {
		err := c.handle(ctx, value)
		if err == nil {
			return true
		}
		if !errors.Is(err, worker.ErrLeaseHeld) {
			config.LogError(c.logger, "queue", "Consumer.process", "apply response, retrying", backoff.String(), err)
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if c.maxBackoff > 0 {
			backoff = min(backoff*2, c.maxBackoff)
		}
	}
}

// terminal 重投也不会成功的领域错误：消息直接丢弃。
func terminal(err error) bool {
	var fe *reconcile.FormatError
	return errors.As(err, &fe) ||
		errors.Is(err, engine.ErrNotAwaiting) ||
		errors.Is(err, engine.ErrRequestMismatch) ||
		errors.Is(err, engine.ErrTicketNotFound) ||
		errors.Is(err, engine.ErrEmptyResponse)
}

func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var msg ResponseMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		config.LogError(c.logger, "queue", "Consumer.handle", "unmarshal response", string(value), err)
		return nil
	}
	if err := msg.Validate(); err != nil {
		config.LogError(c.logger, "queue", "Consumer.handle", "invalid response", msg.TicketID, err)
		return nil
	}
	err := c.handler.HandleResponse(ctx, msg.TicketID, engine.Response{
		RequestID: msg.RequestID,
		Confirmed: msg.Confirmed,
		Rows:      msg.Rows,
	})
	switch {
	case err == nil:
		c.logger.WithField("ticket_id", msg.TicketID).Info("external response applied")
	case terminal(err):
		config.LogError(c.logger, "queue", "Consumer.handle", "drop response", msg.TicketID, err)
	default:
		// 租约冲突、数据库等暂时性错误：交给调用方重试
		return err
	}
	return nil
}
