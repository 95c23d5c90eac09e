// Package checker 提供四张表上的只读一致性查询。标识不存在是合法结果，不返回错误。
package checker

import (
	"context"
	"errors"
	"sort"

	"wms_resolver/internal/model"

	"gorm.io/gorm"
)

// Checker 基于任意 gorm 句柄（含事务）执行查询，不做任何写入。
type Checker struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Checker {
	return &Checker{db: db}
}

type ShipmentResult struct {
	FoundHeader bool                  `json:"found_header"`
	FoundLines  bool                  `json:"found_lines"`
	Header      *model.ShipmentHeader `json:"header,omitempty"`
	Lines       []model.ShipmentLine  `json:"lines"`
}

// Found 头与行都在。
func (r ShipmentResult) Found() bool { return r.FoundHeader && r.FoundLines }

type OrderResult struct {
	FoundHeader         bool                 `json:"found_header"`
	FoundLines          bool                 `json:"found_lines"`
	Header              *model.OrderHeader   `json:"header,omitempty"`
	Lines               []model.OrderLine    `json:"lines"`
	LinkedShipmentLines []model.ShipmentLine `json:"linked_shipment_lines"`
}

func (r OrderResult) Found() bool { return r.FoundHeader && r.FoundLines }

// ShipmentIDs 订单行引用的 shipment，去重排序。
func (r OrderResult) ShipmentIDs() []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, l := range r.Lines {
		if _, ok := seen[l.ShipmentID]; !ok {
			seen[l.ShipmentID] = struct{}{}
			out = append(out, l.ShipmentID)
		}
	}
	sort.Strings(out)
	return out
}

type UnitResult struct {
	PresentInOrderLine    bool                 `json:"present_in_order_line"`
	PresentInShipmentLine bool                 `json:"present_in_shipment_line"`
	OrderLines            []model.OrderLine    `json:"order_lines"`
	ShipmentLines         []model.ShipmentLine `json:"shipment_lines"`
}

func (r UnitResult) PresentInBoth() bool { return r.PresentInOrderLine && r.PresentInShipmentLine }

type QuantityComparison struct {
	OrderID           string `json:"order_id"`
	OrderTotal        int    `json:"order_total"`
	ShipmentTotal     int    `json:"shipment_total"`
	OrderUnitCount    int    `json:"order_unit_count"`
	ShipmentUnitCount int    `json:"shipment_unit_count"`
	Match             bool   `json:"match"`
}

// UnitDiff 同一订单两侧 unit 集合的差集。
type UnitDiff struct {
	OnlyInOrder    []string `json:"only_in_order"`
	OnlyInShipment []string `json:"only_in_shipment"`
}

func (d UnitDiff) Empty() bool { return len(d.OnlyInOrder) == 0 && len(d.OnlyInShipment) == 0 }

// First 返回第一个差异 unit（先订单侧后到货侧）。
func (d UnitDiff) First() string {
	if len(d.OnlyInOrder) > 0 {
		return d.OnlyInOrder[0]
	}
	if len(d.OnlyInShipment) > 0 {
		return d.OnlyInShipment[0]
	}
	return ""
}

func (c *Checker) CheckShipment(ctx context.Context, shipmentID string) (ShipmentResult, error) {
	var out ShipmentResult
	var header model.ShipmentHeader
	found, err := first(c.db.WithContext(ctx).Where("shipment_id = ?", shipmentID), &header)
	if err != nil {
		return ShipmentResult{}, err
	}
	if found {
		out.FoundHeader = true
		out.Header = &header
	}
	if err := c.db.WithContext(ctx).Where("shipment_id = ?", shipmentID).Order("unit_id").Find(&out.Lines).Error; err != nil {
		return ShipmentResult{}, err
	}
	out.FoundLines = len(out.Lines) > 0
	return out, nil
}

func (c *Checker) CheckOrder(ctx context.Context, orderID string) (OrderResult, error) {
	var out OrderResult
	var header model.OrderHeader
	found, err := first(c.db.WithContext(ctx).Where("order_id = ?", orderID), &header)
	if err != nil {
		return OrderResult{}, err
	}
	if found {
		out.FoundHeader = true
		out.Header = &header
	}
	if err := c.db.WithContext(ctx).Where("order_id = ?", orderID).Order("unit_id").Find(&out.Lines).Error; err != nil {
		return OrderResult{}, err
	}
	if err := c.db.WithContext(ctx).Where("order_id = ?", orderID).Order("unit_id").Find(&out.LinkedShipmentLines).Error; err != nil {
		return OrderResult{}, err
	}
	out.FoundLines = len(out.Lines) > 0
	return out, nil
}

// CheckUnit orderID / shipmentID 为空表示不限范围。
func (c *Checker) CheckUnit(ctx context.Context, unitID, orderID, shipmentID string) (UnitResult, error) {
	var out UnitResult
	if err := scope(c.db.WithContext(ctx), unitID, orderID, shipmentID).Find(&out.OrderLines).Error; err != nil {
		return UnitResult{}, err
	}
	if err := scope(c.db.WithContext(ctx), unitID, orderID, shipmentID).Find(&out.ShipmentLines).Error; err != nil {
		return UnitResult{}, err
	}
	out.PresentInOrderLine = len(out.OrderLines) > 0
	out.PresentInShipmentLine = len(out.ShipmentLines) > 0
	return out, nil
}

func (c *Checker) CompareQuantities(ctx context.Context, orderID string) (QuantityComparison, error) {
	out := QuantityComparison{OrderID: orderID}

	var orderLines []model.OrderLine
	if err := c.db.WithContext(ctx).Where("order_id = ?", orderID).Find(&orderLines).Error; err != nil {
		return QuantityComparison{}, err
	}
	var shipLines []model.ShipmentLine
	if err := c.db.WithContext(ctx).Where("order_id = ?", orderID).Find(&shipLines).Error; err != nil {
		return QuantityComparison{}, err
	}
	for _, l := range orderLines {
		out.OrderTotal += l.Quantity
	}
	for _, l := range shipLines {
		out.ShipmentTotal += l.Quantity
	}
	out.OrderUnitCount = len(orderLines)
	out.ShipmentUnitCount = len(shipLines)
	out.Match = out.OrderTotal == out.ShipmentTotal && out.OrderUnitCount == out.ShipmentUnitCount
	return out, nil
}

func (c *Checker) DiffUnits(ctx context.Context, orderID string) (UnitDiff, error) {
	var orderUnits, shipUnits []string
	if err := c.db.WithContext(ctx).Model(&model.OrderLine{}).Where("order_id = ?", orderID).Pluck("unit_id", &orderUnits).Error; err != nil {
		return UnitDiff{}, err
	}
	if err := c.db.WithContext(ctx).Model(&model.ShipmentLine{}).Where("order_id = ?", orderID).Pluck("unit_id", &shipUnits).Error; err != nil {
		return UnitDiff{}, err
	}
	return UnitDiff{
		OnlyInOrder:    minus(orderUnits, shipUnits),
		OnlyInShipment: minus(shipUnits, orderUnits),
	}, nil
}

func scope(db *gorm.DB, unitID, orderID, shipmentID string) *gorm.DB {
	q := db.Where("unit_id = ?", unitID)
	if orderID != "" {
		q = q.Where("order_id = ?", orderID)
	}
	if shipmentID != "" {
		q = q.Where("shipment_id = ?", shipmentID)
	}
	return q
}

// first 把 ErrRecordNotFound 转成 found=false。
func first(q *gorm.DB, dest any) (bool, error) {
	err := q.Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func minus(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, s := range b {
		drop[s] = struct{}{}
	}
	out := []string{}
	for _, s := range a {
		if _, ok := drop[s]; !ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
