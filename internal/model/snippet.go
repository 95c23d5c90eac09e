package model

// 通知中引用的数据片段所属表。
const (
	TableOrderHeader    = "order_header"
	TableOrderLine      = "order_line"
	TableShipmentHeader = "shipment_header"
	TableShipmentLine   = "shipment_line"
)

// SnippetRef 指向某张表的若干行并标出需要高亮的字段。Phase 取 before / after，仅在对账前后对比时使用。
type SnippetRef struct {
	Table            string   `json:"table"`
	RowKeys          []string `json:"row_keys"`
	HighlightedField string   `json:"highlighted_field"`
	Phase            string   `json:"phase,omitempty"`
	// Values 与 RowKeys 一一对应的高亮字段取值，便于模板直接渲染
	Values []string `json:"values,omitempty"`
}
