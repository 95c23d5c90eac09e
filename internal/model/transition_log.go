package model

import "time"

// TransitionLog 状态迁移的追加日志，只增不改。
type TransitionLog struct {
	ID        uint        `gorm:"primarykey" json:"-"`
	TicketID  string      `gorm:"size:32;not null;uniqueIndex:idx_transition_seq" json:"ticket_id"`
	Seq       int         `gorm:"not null;uniqueIndex:idx_transition_seq" json:"seq"`
	FromState TicketState `gorm:"size:32;not null" json:"from_state"`
	ToState   TicketState `gorm:"size:32;not null" json:"to_state"`
	Reason    string      `gorm:"size:255" json:"reason"`
	CreatedAt time.Time   `json:"timestamp"`
}

func (TransitionLog) TableName() string { return "transition_logs" }

// NotificationLog 通知占位记录：DedupeKey 唯一，先占位后发送，保证至多一次。
type NotificationLog struct {
	ID         uint      `gorm:"primarykey" json:"-"`
	DedupeKey  string    `gorm:"size:128;uniqueIndex;not null" json:"dedupe_key"`
	TicketID   string    `gorm:"size:32;not null;index" json:"ticket_id"`
	Target     string    `gorm:"size:16;not null" json:"target"`
	TemplateID string    `gorm:"size:64;not null" json:"template_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (NotificationLog) TableName() string { return "notification_logs" }

// All 返回需要迁移的全部模型。
func All() []any {
	return []any{
		&OrderHeader{}, &OrderLine{},
		&ShipmentHeader{}, &ShipmentLine{},
		&Ticket{}, &ExternalRequest{},
		&TransitionLog{}, &NotificationLog{},
	}
}
