// Package reconcile 将外部回传的表格修正合并进订单/到货表。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"wms_resolver/internal/checker"
	"wms_resolver/internal/model"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

const (
	ActionInserted = "inserted"
	ActionUpdated  = "updated"
	ActionSkipped  = "skipped"
)

// RowChange 单表单行的合并结果。Before 为 nil 表示合并前不存在。
type RowChange struct {
	Table  string        `json:"table"`
	Key    model.LineKey `json:"key"`
	Action string        `json:"action"`
	Before *int          `json:"before,omitempty"`
	After  int           `json:"after"`
}

// Result 一次导入的汇总与合并后的校验结论。
type Result struct {
	Inserted    int                          `json:"inserted"`
	Updated     int                          `json:"updated"`
	Skipped     int                          `json:"skipped"`
	Changes     []RowChange                  `json:"changes"`
	Comparisons []checker.QuantityComparison `json:"comparisons"`
}

// Changed 是否有任何写入。
func (r Result) Changed() bool { return r.Inserted+r.Updated > 0 }

// Consistent 所有涉及订单合并后数量一致。
func (r Result) Consistent() bool {
	for _, c := range r.Comparisons {
		if !c.Match {
			return false
		}
	}
	return true
}

// Snippets 生成对账前后的数据片段引用（仅包含发生变化的行）。
func (r Result) Snippets() []model.SnippetRef {
	var out []model.SnippetRef
	for _, table := range []string{model.TableOrderLine, model.TableShipmentLine} {
		before := model.SnippetRef{Table: table, HighlightedField: "quantity", Phase: "before"}
		after := model.SnippetRef{Table: table, HighlightedField: "quantity", Phase: "after"}
		for _, c := range r.Changes {
			if c.Table != table || c.Action == ActionSkipped {
				continue
			}
			if c.Before != nil {
				before.RowKeys = append(before.RowKeys, c.Key.String())
				before.Values = append(before.Values, strconv.Itoa(*c.Before))
			}
			after.RowKeys = append(after.RowKeys, c.Key.String())
			after.Values = append(after.Values, strconv.Itoa(c.After))
		}
		if len(before.RowKeys) > 0 {
			out = append(out, before)
		}
		if len(after.RowKeys) > 0 {
			out = append(out, after)
		}
	}
	return out
}

type Importer struct {
	db       *gorm.DB
	validate *validator.Validate
	now      func() time.Time
}

func NewImporter(db *gorm.DB) *Importer {
	v := validator.New()
	// 报错字段用 json 名，和回传表格的列名保持一致
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Importer{db: db, validate: v, now: time.Now}
}

// WithClock 替换时间源，测试使用。
func (im *Importer) WithClock(now func() time.Time) *Importer {
	im.now = now
	return im
}

// Validate 逐行校验，遇到第一个非法标识即整体拒绝。
func (im *Importer) Validate(rows []model.CorrectionRow) error {
	for i, row := range rows {
		n := i + 1
		switch {
		case !model.ValidUnitID(row.UnitID):
			return &FormatError{Row: n, Field: "unit_id", Value: row.UnitID, Rule: "15 digits starting with 5"}
		case !model.ValidOrderID(row.OrderID):
			return &FormatError{Row: n, Field: "order_id", Value: row.OrderID, Rule: "10 digits starting with 2"}
		case !model.ValidShipmentID(row.ShipmentID):
			return &FormatError{Row: n, Field: "shipment_id", Value: row.ShipmentID, Rule: "5 digits starting with 0"}
		}
		if err := im.validate.Struct(row); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				fe := verrs[0]
				return &FormatError{Row: n, Field: fe.Field(), Value: fmt.Sprint(fe.Value()), Rule: fe.Tag()}
			}
			return err
		}
	}
	return nil
}

// Import 校验并在单个事务内合并修正数据；非法数据不会产生任何写入。
func (im *Importer) Import(ctx context.Context, ticketID string, rows []model.CorrectionRow) (Result, error) {
	ctx, span := otel.Tracer("wms_resolver/reconcile").Start(ctx, "reconcile.Import")
	defer span.End()
	span.SetAttributes(attribute.String("ticket_id", ticketID), attribute.Int("rows", len(rows)))

	if err := im.Validate(rows); err != nil {
		return Result{}, err
	}

	var res Result
	now := im.now().UTC()
	err := im.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res = Result{}
		touchedOrders := map[string]bool{}
		touchedShipments := map[string]bool{}
		refs := map[string]string{}

		for _, row := range rows {
			oc, err := mergeOrderLine(tx, row, now)
			if err != nil {
				return err
			}
			sc, err := mergeShipmentLine(tx, row, now)
			if err != nil {
				return err
			}
			for _, c := range []RowChange{oc, sc} {
				res.Changes = append(res.Changes, c)
				switch c.Action {
				case ActionInserted:
					res.Inserted++
				case ActionUpdated:
					res.Updated++
				default:
					res.Skipped++
				}
			}
			if _, ok := touchedOrders[row.OrderID]; !ok {
				touchedOrders[row.OrderID] = false
			}
			if _, ok := touchedShipments[row.ShipmentID]; !ok {
				touchedShipments[row.ShipmentID] = false
				refs[row.ShipmentID] = row.SupplierReference
			}
			if oc.Action != ActionSkipped || sc.Action != ActionSkipped {
				touchedOrders[row.OrderID] = true
				touchedShipments[row.ShipmentID] = true
			}
		}

		for orderID, changed := range touchedOrders {
			if err := upsertOrderHeader(tx, orderID, changed, now); err != nil {
				return err
			}
		}
		for shipmentID, changed := range touchedShipments {
			if err := upsertShipmentHeader(tx, shipmentID, refs[shipmentID], changed, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile import ticket=%s: %w", ticketID, err)
	}

	// 提交后再做合并后校验，读到的是完整的合并结果
	c := checker.New(im.db)
	for _, orderID := range orderIDs(rows) {
		cmp, err := c.CompareQuantities(ctx, orderID)
		if err != nil {
			return Result{}, err
		}
		res.Comparisons = append(res.Comparisons, cmp)
	}
	span.SetAttributes(attribute.Int("inserted", res.Inserted), attribute.Int("updated", res.Updated))
	return res, nil
}

func mergeOrderLine(tx *gorm.DB, row model.CorrectionRow, now time.Time) (RowChange, error) {
	change := RowChange{Table: model.TableOrderLine, Key: row.Key(), After: row.Quantity}
	var existing model.OrderLine
	err := tx.Where("unit_id = ? AND order_id = ? AND shipment_id = ?", row.UnitID, row.OrderID, row.ShipmentID).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		line := model.OrderLine{UnitID: row.UnitID, OrderID: row.OrderID, ShipmentID: row.ShipmentID, Quantity: row.Quantity, LastUpdated: now}
		if err := tx.Create(&line).Error; err != nil {
			return RowChange{}, err
		}
		change.Action = ActionInserted
	case err != nil:
		return RowChange{}, err
	case existing.Quantity == row.Quantity:
		q := existing.Quantity
		change.Before = &q
		change.Action = ActionSkipped
	default:
		q := existing.Quantity
		change.Before = &q
		if err := tx.Model(&existing).Updates(map[string]any{"quantity": row.Quantity, "last_updated": now}).Error; err != nil {
			return RowChange{}, err
		}
		change.Action = ActionUpdated
	}
	return change, nil
}

func mergeShipmentLine(tx *gorm.DB, row model.CorrectionRow, now time.Time) (RowChange, error) {
	change := RowChange{Table: model.TableShipmentLine, Key: row.Key(), After: row.Quantity}
	var existing model.ShipmentLine
	err := tx.Where("unit_id = ? AND order_id = ? AND shipment_id = ?", row.UnitID, row.OrderID, row.ShipmentID).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		line := model.ShipmentLine{
			UnitID: row.UnitID, OrderID: row.OrderID, ShipmentID: row.ShipmentID,
			SupplierReference: row.SupplierReference, Quantity: row.Quantity, LastUpdated: now,
		}
		if err := tx.Create(&line).Error; err != nil {
			return RowChange{}, err
		}
		change.Action = ActionInserted
	case err != nil:
		return RowChange{}, err
	case existing.Quantity == row.Quantity:
		q := existing.Quantity
		change.Before = &q
		change.Action = ActionSkipped
	default:
		q := existing.Quantity
		change.Before = &q
		if err := tx.Model(&existing).Updates(map[string]any{"quantity": row.Quantity, "last_updated": now}).Error; err != nil {
			return RowChange{}, err
		}
		change.Action = ActionUpdated
	}
	return change, nil
}

// upsertOrderHeader 缺头则补建；已存在时仅在行有变化时刷新 last_updated。
func upsertOrderHeader(tx *gorm.DB, orderID string, changed bool, now time.Time) error {
	var h model.OrderHeader
	err := tx.Where("order_id = ?", orderID).Take(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&model.OrderHeader{OrderID: orderID, Status: model.OrderInProgress, LastUpdated: now}).Error
	}
	if err != nil || !changed {
		return err
	}
	return tx.Model(&h).Update("last_updated", now).Error
}

func upsertShipmentHeader(tx *gorm.DB, shipmentID, supplierRef string, changed bool, now time.Time) error {
	var h model.ShipmentHeader
	err := tx.Where("shipment_id = ?", shipmentID).Take(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&model.ShipmentHeader{ShipmentID: shipmentID, SupplierReference: supplierRef, LastUpdated: now}).Error
	}
	if err != nil || !changed {
		return err
	}
	return tx.Model(&h).Update("last_updated", now).Error
}

func orderIDs(rows []model.CorrectionRow) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range rows {
		if _, ok := seen[r.OrderID]; !ok {
			seen[r.OrderID] = struct{}{}
			out = append(out, r.OrderID)
		}
	}
	sort.Strings(out)
	return out
}
