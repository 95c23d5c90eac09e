package model

import "regexp"

var (
	shipmentIDPattern = regexp.MustCompile(`^0\d{4}$`)
	orderIDPattern    = regexp.MustCompile(`^2\d{9}$`)
	unitIDPattern     = regexp.MustCompile(`^5\d{14}$`)
)

// IDKind 标识三类业务主键。
type IDKind string

const (
	KindShipment IDKind = "shipment_id"
	KindOrder    IDKind = "order_id"
	KindUnit     IDKind = "unit_id"
)

// ValidShipmentID：5 位数字，首位 0。
func ValidShipmentID(s string) bool { return shipmentIDPattern.MatchString(s) }

// ValidOrderID：10 位数字，首位 2。
func ValidOrderID(s string) bool { return orderIDPattern.MatchString(s) }

// ValidUnitID：15 位数字，首位 5。
func ValidUnitID(s string) bool { return unitIDPattern.MatchString(s) }

// ValidID 按 kind 分派校验，未知 kind 一律视为非法。
func ValidID(kind IDKind, s string) bool {
	switch kind {
	case KindShipment:
		return ValidShipmentID(s)
	case KindOrder:
		return ValidOrderID(s)
	case KindUnit:
		return ValidUnitID(s)
	default:
		return false
	}
}
