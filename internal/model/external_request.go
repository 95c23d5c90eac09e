package model

import "time"

// ExternalRequestStatus 外部数据请求状态。
type ExternalRequestStatus string

const (
	RequestPending   ExternalRequestStatus = "pending"
	RequestFulfilled ExternalRequestStatus = "fulfilled"
	RequestTimedOut  ExternalRequestStatus = "timed_out"
	// RequestRejected 回传格式反复不合法，工单已失败。
	RequestRejected ExternalRequestStatus = "rejected"
)

// RequestTarget 请求的对象（缺失/不一致的标识）。
type RequestTarget struct {
	Kind  IDKind `json:"kind"`
	Value string `json:"value"`
}

// CorrectionRow 外部回传的表格修正行。
type CorrectionRow struct {
	UnitID            string `json:"unit_id" validate:"required"`
	OrderID           string `json:"order_id" validate:"required"`
	ShipmentID        string `json:"shipment_id" validate:"required"`
	SupplierReference string `json:"supplier_reference" validate:"required,max=50"`
	Quantity          int    `json:"quantity" validate:"gte=0"`
}

func (r CorrectionRow) Key() LineKey {
	return LineKey{UnitID: r.UnitID, OrderID: r.OrderID, ShipmentID: r.ShipmentID}
}

// ExternalRequest 发往外部系统（SAP / 运维）的数据请求。每个工单同一时刻至多一条 pending。
type ExternalRequest struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RequestID   string                `gorm:"size:64;uniqueIndex;not null" json:"request_id"`
	TicketID    string                `gorm:"size:32;not null;index" json:"ticket_id"`
	RequestedAt time.Time             `gorm:"not null" json:"requested_at"`
	DeadlineAt  time.Time             `gorm:"not null;index" json:"deadline_at"`
	Target      string                `gorm:"size:32;not null" json:"target"`
	Scenario    Scenario              `gorm:"size:32;not null" json:"scenario"`
	Round       int                   `gorm:"not null" json:"round"`
	Payload     []RequestTarget       `gorm:"serializer:json" json:"payload"`
	Response    []CorrectionRow       `gorm:"serializer:json" json:"response,omitempty"`
	Status      ExternalRequestStatus `gorm:"size:16;not null;index" json:"status"`
}

func (ExternalRequest) TableName() string { return "external_requests" }
