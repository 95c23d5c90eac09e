package model

import (
	"fmt"
	"time"
)

// ShipmentHeader 到货通知头（ASN），每个 shipment_id 一行。
type ShipmentHeader struct {
	ShipmentID        string    `gorm:"primaryKey;size:5" json:"shipment_id"`
	SupplierReference string    `gorm:"size:50;not null" json:"supplier_reference"`
	LastUpdated       time.Time `gorm:"not null" json:"last_updated"`
}

func (ShipmentHeader) TableName() string { return "shipment_headers" }

// ShipmentLine 到货行；(unit_id, order_id, shipment_id) 唯一。
type ShipmentLine struct {
	ID                uint      `gorm:"primarykey" json:"id"`
	UnitID            string    `gorm:"size:15;not null;uniqueIndex:idx_shipment_line_key" json:"unit_id"`
	OrderID           string    `gorm:"size:10;not null;index;uniqueIndex:idx_shipment_line_key" json:"order_id"`
	ShipmentID        string    `gorm:"size:5;not null;index;uniqueIndex:idx_shipment_line_key" json:"shipment_id"`
	SupplierReference string    `gorm:"size:50;not null" json:"supplier_reference"`
	Quantity          int       `gorm:"not null" json:"quantity"`
	LastUpdated       time.Time `gorm:"not null" json:"last_updated"`
}

func (ShipmentLine) TableName() string { return "shipment_lines" }

func (l ShipmentLine) Key() LineKey {
	return LineKey{UnitID: l.UnitID, OrderID: l.OrderID, ShipmentID: l.ShipmentID}
}

// LineKey 是订单行与到货行共用的对账键。
type LineKey struct {
	UnitID     string `json:"unit_id"`
	OrderID    string `json:"order_id"`
	ShipmentID string `json:"shipment_id"`
}

func (k LineKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.UnitID, k.OrderID, k.ShipmentID)
}
