package reconcile

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"wms_resolver/internal/model"

	"github.com/xuri/excelize/v2"
)

// 外部团队沿用旧系统列名，asn/po/pallet 作为别名接受。
var columnAliases = map[string]string{
	"unit_id":            "unit_id",
	"pallet_id":          "unit_id",
	"order_id":           "order_id",
	"po_id":              "order_id",
	"shipment_id":        "shipment_id",
	"asn_id":             "shipment_id",
	"supplier_reference": "supplier_reference",
	"quantity":           "quantity",
	"qty":                "quantity",
}

var requiredColumns = []string{"unit_id", "order_id", "shipment_id", "supplier_reference", "quantity"}

// ParseXLSX 读取修正表格的第一个 sheet：首行为表头，其后每行一条修正。空行跳过。
func ParseXLSX(r io.Reader) ([]model.CorrectionRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("unable to read sheet %s: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s is empty", sheets[0])
	}

	index := map[string]int{}
	for i, name := range rows[0] {
		key := strings.ToLower(strings.TrimSpace(name))
		if canon, ok := columnAliases[key]; ok {
			index[canon] = i
		}
	}
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("missing column %s", col)
		}
	}

	out := make([]model.CorrectionRow, 0, len(rows)-1)
	for _, raw := range rows[1:] {
		cell := func(col string) string {
			i := index[col]
			if i >= len(raw) {
				return ""
			}
			return strings.TrimSpace(raw[i])
		}
		if blank(raw) {
			continue
		}
		qtyStr := cell("quantity")
		qty, err := strconv.Atoi(qtyStr)
		if err != nil {
			return nil, &FormatError{Row: len(out) + 1, Field: "quantity", Value: qtyStr, Rule: "integer"}
		}
		out = append(out, model.CorrectionRow{
			UnitID:            cell("unit_id"),
			OrderID:           cell("order_id"),
			ShipmentID:        padShipmentID(cell("shipment_id")),
			SupplierReference: cell("supplier_reference"),
			Quantity:          qty,
		})
	}
	return out, nil
}

// padShipmentID Excel 会把 01234 存成数字 1234，这里补回前导 0。
func padShipmentID(s string) string {
	if len(s) >= 5 || s == "" {
		return s
	}
	if _, err := strconv.Atoi(s); err != nil {
		return s
	}
	return strings.Repeat("0", 5-len(s)) + s
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// WriteXLSX 生成与 ParseXLSX 对应格式的表格，随运维请求一并下发作模板。
func WriteXLSX(w io.Writer, rows []model.CorrectionRow) error {
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Sheet1"

	for i, h := range requiredColumns {
		cellName, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cellName, h); err != nil {
			return err
		}
	}
	for r, row := range rows {
		values := []any{row.UnitID, row.OrderID, row.ShipmentID, row.SupplierReference, row.Quantity}
		for c, v := range values {
			cellName, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(sheet, cellName, v); err != nil {
				return err
			}
		}
	}
	return f.Write(w)
}
