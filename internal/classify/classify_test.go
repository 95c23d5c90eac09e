package classify

import (
	"context"
	"testing"

	"wms_resolver/internal/model"
)

func TestKeywordClassifier(t *testing.T) {
	cases := []struct {
		text     string
		issue    model.Scenario
		wantKind model.IDKind
		wantID   string
	}{
		{"ASN 01234 is missing from our system. Please check.", model.ScenarioMissingShipment, model.KindShipment, "01234"},
		{"Purchase order 2123456789 is not found in WMS. Order not found.", model.ScenarioMissingOrder, model.KindOrder, "2123456789"},
		{"Pallet 512345678901234 is missing for PO 2987654321.", model.ScenarioMissingUnit, model.KindUnit, "512345678901234"},
		{"Quantity mismatch for pallet 598765432109876 in PO 2456789123.", model.ScenarioQuantityMismatch, model.KindOrder, "2456789123"},
	}
	c := NewKeywordClassifier()
	for _, tc := range cases {
		t.Run(string(tc.issue), func(t *testing.T) {
			res, err := c.Classify(context.Background(), tc.text)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if res.Verdict.IssueType != tc.issue {
				t.Fatalf("IssueType = %s, want %s", res.Verdict.IssueType, tc.issue)
			}
			if res.Verdict.Confidence != 1 {
				t.Fatalf("Confidence = %v, want 1", res.Verdict.Confidence)
			}
			sel := SelectIdentifiers(res.Entities, 0.5)
			if got := sel.Get(tc.wantKind); got != tc.wantID {
				t.Fatalf("selected %s = %q, want %q", tc.wantKind, got, tc.wantID)
			}
		})
	}
}

func TestScoreUnknownAndSplit(t *testing.T) {
	if v := Score("hello there"); v.IssueType != model.ScenarioUnknown || v.Confidence != 0 {
		t.Fatalf("Score(no keywords) = %+v", v)
	}
	v := Score("asn is missing and there is a quantity mismatch")
	if v.Confidence != 0.5 {
		t.Fatalf("split Confidence = %v, want 0.5", v.Confidence)
	}
}

func TestSelectIdentifiers(t *testing.T) {
	ents := []model.Entity{
		{Kind: model.KindOrder, Value: "2123456789", Confidence: 0.5},
		{Kind: model.KindOrder, Value: "2987654321", Confidence: 0.5},
		{Kind: model.KindShipment, Value: "01234", Confidence: 0.9},
		{Kind: model.KindShipment, Value: "05555", Confidence: 0.4},
		{Kind: model.KindUnit, Value: "12345", Confidence: 1},
	}
	sel := SelectIdentifiers(ents, 0.3)
	if !sel.IsAmbiguous(model.KindOrder) || sel.OrderID != "" {
		t.Fatalf("order selection = %+v, want ambiguous", sel)
	}
	if sel.ShipmentID != "01234" {
		t.Fatalf("ShipmentID = %q", sel.ShipmentID)
	}
	if sel.UnitID != "" {
		t.Fatalf("malformed unit selected: %q", sel.UnitID)
	}

	// 两个订单各 0.5，阈值 0.6 时全部被过滤
	sel = SelectIdentifiers(ents, 0.6)
	if sel.OrderID != "" || sel.IsAmbiguous(model.KindOrder) {
		t.Fatalf("low-confidence orders kept: %+v", sel)
	}
}
