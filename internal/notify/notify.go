// Package notify 负责渲染并投递工单通知，同一迁移同一对象至多发送一次。
package notify

import (
	"context"
	"fmt"
	"sync"

	"wms_resolver/internal/config"
	"wms_resolver/internal/model"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 通知对象。
const (
	TargetUser       = "user"
	TargetOperations = "operations"
)

// Notification 投递给下游（Kafka / 日志）的通知载荷。
type Notification struct {
	Target      string             `json:"target"`
	TemplateID  string             `json:"template_id"`
	TicketID    string             `json:"ticket_id"`
	Seq         int                `json:"seq"`
	Recipient   string             `json:"recipient"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	SnippetRefs []model.SnippetRef `json:"snippet_refs"`
}

// DedupeKey 去重键：工单 + 迁移序号 + 对象。
func (n Notification) DedupeKey() string {
	return fmt.Sprintf("%s:%d:%s", n.TicketID, n.Seq, n.Target)
}

// Sender 通知出口。
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Message 一次待发送的通知。
type Message struct {
	Target     string
	Recipient  string
	TemplateID string
	Data       RenderData
	Snippets   []model.SnippetRef
}

type Dispatcher struct {
	db      *gorm.DB
	catalog *Catalog
	sender  Sender
	logger  *logrus.Logger
}

func NewDispatcher(db *gorm.DB, catalog *Catalog, sender Sender, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{db: db, catalog: catalog, sender: sender, logger: logger}
}

// Dispatch 渲染后先占位 NotificationLog 再发送。占位已存在说明该迁移重放过，直接跳过。
// 返回值表示本次是否真正调用了 sender。
func (d *Dispatcher) Dispatch(ctx context.Context, seq int, msg Message) (bool, error) {
	msg.Data.Snippets = Blocks(msg.Snippets)
	subject, body, err := d.catalog.Render(msg.TemplateID, msg.Data)
	if err != nil {
		return false, err
	}
	n := Notification{
		Target:      msg.Target,
		TemplateID:  msg.TemplateID,
		TicketID:    msg.Data.TicketID,
		Seq:         seq,
		Recipient:   msg.Recipient,
		Subject:     subject,
		Body:        body,
		SnippetRefs: msg.Snippets,
	}
	if n.SnippetRefs == nil {
		n.SnippetRefs = []model.SnippetRef{}
	}

	claim := model.NotificationLog{DedupeKey: n.DedupeKey(), TicketID: n.TicketID, Target: n.Target, TemplateID: n.TemplateID}
	res := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&claim)
	if res.Error != nil {
		return false, fmt.Errorf("claim notification %s: %w", n.DedupeKey(), res.Error)
	}
	if res.RowsAffected == 0 {
		d.logger.WithFields(logrus.Fields{"ticket_id": n.TicketID, "dedupe_key": n.DedupeKey()}).Info("notification already dispatched, skip")
		return false, nil
	}

	if err := d.sender.Send(ctx, n); err != nil {
		config.LogError(d.logger, "notify", "Dispatch", "send notification", n.DedupeKey(), err)
		return true, fmt.Errorf("send notification %s: %w", n.DedupeKey(), err)
	}
	return true, nil
}

// LogSender 仅写日志的出口，本地开发默认使用。
type LogSender struct {
	Logger *logrus.Logger
}

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Logger.WithFields(logrus.Fields{
		"ticket_id":   n.TicketID,
		"target":      n.Target,
		"recipient":   n.Recipient,
		"template_id": n.TemplateID,
		"seq":         n.Seq,
	}).Info(n.Subject)
	return nil
}

// Recorder 内存出口，保存所有已发送通知。
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *Recorder) Send(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

// Sent 返回已发送通知的副本。
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// For 按工单筛选。
func (r *Recorder) For(ticketID string) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.TicketID == ticketID {
			out = append(out, n)
		}
	}
	return out
}
