package model

import "time"

// OrderStatus 订单头状态。
type OrderStatus string

const (
	OrderInProgress OrderStatus = "in_progress"
	OrderReceived   OrderStatus = "received"
	OrderHold       OrderStatus = "hold"
)

// OrderHeader 订单头，每个 order_id 一行。
type OrderHeader struct {
	OrderID     string      `gorm:"primaryKey;size:10" json:"order_id"`
	Status      OrderStatus `gorm:"size:20;not null" json:"status"`
	LastUpdated time.Time   `gorm:"not null" json:"last_updated"`
}

func (OrderHeader) TableName() string { return "order_headers" }

// OrderLine 订单行，一个 unit 一行；(unit_id, order_id, shipment_id) 唯一。
type OrderLine struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	UnitID      string    `gorm:"size:15;not null;uniqueIndex:idx_order_line_key" json:"unit_id"`
	OrderID     string    `gorm:"size:10;not null;index;uniqueIndex:idx_order_line_key" json:"order_id"`
	ShipmentID  string    `gorm:"size:5;not null;uniqueIndex:idx_order_line_key" json:"shipment_id"`
	Quantity    int       `gorm:"not null" json:"quantity"`
	LastUpdated time.Time `gorm:"not null" json:"last_updated"`
}

func (OrderLine) TableName() string { return "order_lines" }

// Key 返回行的对账主键。
func (l OrderLine) Key() LineKey {
	return LineKey{UnitID: l.UnitID, OrderID: l.OrderID, ShipmentID: l.ShipmentID}
}
