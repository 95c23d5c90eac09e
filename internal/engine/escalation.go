package engine

import (
	"context"
	"fmt"
	"strconv"

	"wms_resolver/internal/checker"
	"wms_resolver/internal/model"
)

// Action 场景检查后的去向。
type Action int

const (
	ActionPass Action = iota
	ActionEscalate
	ActionRequest
)

func (a Action) String() string {
	switch a {
	case ActionPass:
		return "pass"
	case ActionEscalate:
		return "escalate"
	default:
		return "request"
	}
}

// Outcome 一次场景检查的结论。
type Outcome struct {
	Action Action
	// Next / Scope* 仅在 ActionEscalate 时有效
	Next          model.Scenario
	ScopeUnit     string
	ScopeShipment string
	ScopeOrder    string
	// Targets 仅在 ActionRequest 时有效
	Targets  []model.RequestTarget
	Snippets []model.SnippetRef
	Detail   string
}

func pass(detail string, snippets ...model.SnippetRef) Outcome {
	return Outcome{Action: ActionPass, Detail: detail, Snippets: snippets}
}

func escalate(next model.Scenario, detail string) Outcome {
	return Outcome{Action: ActionEscalate, Next: next, Detail: detail}
}

func request(detail string, targets ...model.RequestTarget) Outcome {
	return Outcome{Action: ActionRequest, Detail: detail, Targets: targets}
}

// evaluate 对工单当前子场景做一次检查：
//
//	missing_shipment  头+行齐全 -> pass；否则请求 shipment
//	missing_order     缺头或缺行 -> 请求 order；unit 集合不同 -> missing_unit；数量不同 -> quantity_mismatch
//	missing_unit      限定订单/到货单范围内两侧都在且订单数量一致 -> pass；缺任一侧 -> 请求 unit；数量不同 -> quantity_mismatch
//	quantity_mismatch 订单缺失 -> missing_order；关联到货单缺头 -> missing_shipment；
//	                  unit 只在一侧 -> missing_unit；一致 -> pass；其余 -> 请求数量修正
//
// 只要工单带订单号，pass 还要求该订单两侧数量一致。
func evaluate(ctx context.Context, c *checker.Checker, t *model.Ticket) (Outcome, error) {
	switch t.ActiveScenario {
	case model.ScenarioMissingShipment:
		return evalShipment(ctx, c, t)
	case model.ScenarioMissingOrder:
		return evalOrder(ctx, c, t)
	case model.ScenarioMissingUnit:
		return evalUnit(ctx, c, t)
	case model.ScenarioQuantityMismatch:
		return evalQuantity(ctx, c, t)
	}
	return Outcome{}, fmt.Errorf("ticket %s: unknown scenario %q", t.TicketID, t.ActiveScenario)
}

func evalShipment(ctx context.Context, c *checker.Checker, t *model.Ticket) (Outcome, error) {
	sid := t.ScopeShipment()
	res, err := c.CheckShipment(ctx, sid)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Found() {
		return request(fmt.Sprintf("shipment %s header=%v lines=%v", sid, res.FoundHeader, res.FoundLines),
			model.RequestTarget{Kind: model.KindShipment, Value: sid}), nil
	}
	if t.ScopeOrder() != "" {
		cmp, err := c.CompareQuantities(ctx, t.ScopeOrder())
		if err != nil {
			return Outcome{}, err
		}
		if !cmp.Match {
			return escalate(model.ScenarioQuantityMismatch, quantityDetail(cmp)), nil
		}
	}
	return pass("shipment "+sid+" present in header and lines", shipmentSnippets(res)...), nil
}

func evalOrder(ctx context.Context, c *checker.Checker, t *model.Ticket) (Outcome, error) {
	oid := t.ScopeOrder()
	res, err := c.CheckOrder(ctx, oid)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Found() {
		return request(fmt.Sprintf("order %s header=%v lines=%v", oid, res.FoundHeader, res.FoundLines),
			model.RequestTarget{Kind: model.KindOrder, Value: oid}), nil
	}
	diff, err := c.DiffUnits(ctx, oid)
	if err != nil {
		return Outcome{}, err
	}
	if !diff.Empty() {
		out := escalate(model.ScenarioMissingUnit, unitDiffDetail(diff))
		out.ScopeUnit = diff.First()
		return out, nil
	}
	cmp, err := c.CompareQuantities(ctx, oid)
	if err != nil {
		return Outcome{}, err
	}
	if !cmp.Match {
		return escalate(model.ScenarioQuantityMismatch, quantityDetail(cmp)), nil
	}
	return pass("order "+oid+" present and quantities match", orderSnippets(res, cmp)...), nil
}

func evalUnit(ctx context.Context, c *checker.Checker, t *model.Ticket) (Outcome, error) {
	uid, oid, sid := t.ScopeUnit(), t.ScopeOrder(), t.ScopeShipment()
	res, err := c.CheckUnit(ctx, uid, oid, sid)
	if err != nil {
		return Outcome{}, err
	}
	if !res.PresentInBoth() {
		targets := []model.RequestTarget{{Kind: model.KindUnit, Value: uid}}
		if oid != "" {
			targets = append(targets, model.RequestTarget{Kind: model.KindOrder, Value: oid})
		}
		if sid != "" {
			targets = append(targets, model.RequestTarget{Kind: model.KindShipment, Value: sid})
		}
		return request(fmt.Sprintf("unit %s order_line=%v shipment_line=%v", uid, res.PresentInOrderLine, res.PresentInShipmentLine),
			targets...), nil
	}
	if oid != "" {
		cmp, err := c.CompareQuantities(ctx, oid)
		if err != nil {
			return Outcome{}, err
		}
		if !cmp.Match {
			return escalate(model.ScenarioQuantityMismatch, quantityDetail(cmp)), nil
		}
	}
	return pass("unit "+uid+" present in order and shipment lines", unitSnippets(res)...), nil
}

func evalQuantity(ctx context.Context, c *checker.Checker, t *model.Ticket) (Outcome, error) {
	oid := t.ScopeOrder()
	ord, err := c.CheckOrder(ctx, oid)
	if err != nil {
		return Outcome{}, err
	}
	if !ord.Found() {
		return escalate(model.ScenarioMissingOrder, "order "+oid+" not found"), nil
	}
	for _, sid := range ord.ShipmentIDs() {
		sh, err := c.CheckShipment(ctx, sid)
		if err != nil {
			return Outcome{}, err
		}
		if !sh.FoundHeader {
			out := escalate(model.ScenarioMissingShipment, "shipment "+sid+" header not found")
			out.ScopeShipment = sid
			return out, nil
		}
	}
	diff, err := c.DiffUnits(ctx, oid)
	if err != nil {
		return Outcome{}, err
	}
	if !diff.Empty() {
		out := escalate(model.ScenarioMissingUnit, unitDiffDetail(diff))
		out.ScopeUnit = diff.First()
		return out, nil
	}
	cmp, err := c.CompareQuantities(ctx, oid)
	if err != nil {
		return Outcome{}, err
	}
	if cmp.Match {
		return pass(quantityDetail(cmp), orderSnippets(ord, cmp)...), nil
	}
	// 两侧 unit 相同但数量不同：只能靠回传修正
	return request(quantityDetail(cmp), model.RequestTarget{Kind: model.KindOrder, Value: oid}), nil
}

func quantityDetail(cmp checker.QuantityComparison) string {
	return fmt.Sprintf("order %s total %d/%d units %d/%d", cmp.OrderID,
		cmp.OrderTotal, cmp.ShipmentTotal, cmp.OrderUnitCount, cmp.ShipmentUnitCount)
}

func unitDiffDetail(d checker.UnitDiff) string {
	return fmt.Sprintf("units only in order=%v only in shipment=%v", d.OnlyInOrder, d.OnlyInShipment)
}

func shipmentSnippets(res checker.ShipmentResult) []model.SnippetRef {
	header := model.SnippetRef{Table: model.TableShipmentHeader, HighlightedField: "shipment_id"}
	if res.Header != nil {
		header.RowKeys = []string{res.Header.ShipmentID}
	}
	lines := model.SnippetRef{Table: model.TableShipmentLine, HighlightedField: "quantity"}
	for _, l := range res.Lines {
		lines.RowKeys = append(lines.RowKeys, l.Key().String())
		lines.Values = append(lines.Values, strconv.Itoa(l.Quantity))
	}
	return []model.SnippetRef{header, lines}
}

func orderSnippets(res checker.OrderResult, cmp checker.QuantityComparison) []model.SnippetRef {
	header := model.SnippetRef{Table: model.TableOrderHeader, HighlightedField: "status"}
	if res.Header != nil {
		header.RowKeys = []string{res.Header.OrderID}
		header.Values = []string{string(res.Header.Status)}
	}
	lines := model.SnippetRef{Table: model.TableOrderLine, HighlightedField: "quantity"}
	for _, l := range res.Lines {
		lines.RowKeys = append(lines.RowKeys, l.Key().String())
		lines.Values = append(lines.Values, strconv.Itoa(l.Quantity))
	}
	linked := model.SnippetRef{
		Table:            model.TableShipmentLine,
		RowKeys:          []string{"total"},
		HighlightedField: "quantity",
		Values:           []string{strconv.Itoa(cmp.ShipmentTotal)},
	}
	return []model.SnippetRef{header, lines, linked}
}

func unitSnippets(res checker.UnitResult) []model.SnippetRef {
	ol := model.SnippetRef{Table: model.TableOrderLine, HighlightedField: "unit_id"}
	for _, l := range res.OrderLines {
		ol.RowKeys = append(ol.RowKeys, l.Key().String())
	}
	sl := model.SnippetRef{Table: model.TableShipmentLine, HighlightedField: "unit_id"}
	for _, l := range res.ShipmentLines {
		sl.RowKeys = append(sl.RowKeys, l.Key().String())
	}
	return []model.SnippetRef{ol, sl}
}
