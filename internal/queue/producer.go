package queue

import (
	"context"
	"encoding/json"
	"time"

	"wms_resolver/internal/notify"

	"github.com/segmentio/kafka-go"
)

// Producer 封装 Kafka 写入器，作为通知出口。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 创建生产者并配置可靠性参数：
// - Hash + Key: 同一工单的通知落到同一分区，保持顺序。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - MaxAttempts/Timeout: 控制重试与超时边界。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Close 释放 writer 资源。
func (p *Producer) Close() error { return p.w.Close() }

// Send 同步写入一条通知，ticket_id 作为 key。
func (p *Producer) Send(ctx context.Context, n notify.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.TicketID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "template_id", Value: []byte(n.TemplateID)},
			{Key: "dedupe_key", Value: []byte(n.DedupeKey())},
		},
	})
}
