package engine

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"wms_resolver/internal/config"
	"wms_resolver/internal/model"
	"wms_resolver/internal/notify"
	"wms_resolver/internal/reconcile"
	"wms_resolver/internal/testutil/testdb"
	"wms_resolver/internal/worker"

	"gorm.io/gorm"
)

const (
	shipmentID = "01234"
	orderID    = "2123456789"
	unitA      = "512345678901201"
	unitB      = "512345678901202"
	unitC      = "512345678901299"
	opsContact = "sap_team@company.com"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db     *gorm.DB
	eng    *Engine
	sent   *notify.Recorder
	clock  *clock
	leaser *worker.LocalLeaser
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := testdb.Open(t)
	catalog, err := notify.LoadCatalog(nil)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	f := &fixture{
		db:     db,
		sent:   &notify.Recorder{},
		clock:  &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		leaser: worker.NewLocalLeaser(),
	}
	logger := config.NewDiscardLogger()
	if opts.Now == nil {
		opts.Now = f.clock.Now
	}
	if opts.MinClassifyConfidence == 0 {
		opts.MinClassifyConfidence = 0.5
	}
	if opts.MinEntityConfidence == 0 {
		opts.MinEntityConfidence = 0.5
	}
	opts.OpsContact = opsContact
	f.eng = New(Deps{
		DB:         db,
		Dispatcher: notify.NewDispatcher(db, catalog, f.sent, logger),
		Leaser:     f.leaser,
		Logger:     logger,
	}, opts)
	return f
}

func (f *fixture) submit(t *testing.T, in TicketInput) model.Ticket {
	t.Helper()
	if in.UserContact == "" {
		in.UserContact = "alice@company.com"
	}
	tk, err := f.eng.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return tk
}

func (f *fixture) ticket(t *testing.T, id string) model.Ticket {
	t.Helper()
	tk, err := f.eng.GetTicket(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTicket: %v", err)
	}
	return tk
}

func (f *fixture) states(t *testing.T, id string) []model.TicketState {
	t.Helper()
	logs, err := f.eng.Transitions(context.Background(), id)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	out := []model.TicketState{model.StateCreated}
	for i, l := range logs {
		if l.Seq != i+1 {
			t.Fatalf("transition %d has seq %d", i, l.Seq)
		}
		if l.FromState != out[len(out)-1] {
			t.Fatalf("transition %d from %s, previous state %s", l.Seq, l.FromState, out[len(out)-1])
		}
		out = append(out, l.ToState)
	}
	return out
}

func (f *fixture) requests(t *testing.T, id string) []model.ExternalRequest {
	t.Helper()
	reqs, err := f.eng.Requests(context.Background(), id)
	if err != nil {
		t.Fatalf("Requests: %v", err)
	}
	return reqs
}

func assertStates(t *testing.T, got []model.TicketState, want ...model.TicketState) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func templates(ns []notify.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.TemplateID)
	}
	return out
}

func TestShipmentPresentResolvesInOneCycle(t *testing.T) {
	f := setup(t, Options{})
	testdb.Seed(t, f.db, testdb.Seeded{
		OrderID: orderID, ShipmentID: shipmentID,
		OrderSide: map[string]int{unitA: 4, unitB: 6},
		ShipSide:  map[string]int{unitA: 4, unitB: 6},
	})
	tk := f.submit(t, TicketInput{Description: "ASN 01234 is missing from our system, please check."})
	if err := f.eng.Process(context.Background(), tk.TicketID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got := f.ticket(t, tk.TicketID)
	if got.State != model.StateResolved || got.ResolvedAt == nil {
		t.Fatalf("ticket = %s resolved_at=%v, want resolved", got.State, got.ResolvedAt)
	}
	if got.IssueType != model.ScenarioMissingShipment || got.ShipmentID != shipmentID {
		t.Fatalf("classification = %s/%s", got.IssueType, got.ShipmentID)
	}
	assertStates(t, f.states(t, tk.TicketID),
		model.StateCreated, model.StateClassified, model.StateCheckingConsistency, model.StateResolved)
	if reqs := f.requests(t, tk.TicketID); len(reqs) != 0 {
		t.Fatalf("created %d external requests, want 0", len(reqs))
	}

	sent := f.sent.For(tk.TicketID)
	if len(sent) != 1 {
		t.Fatalf("sent %v, want exactly one notification", templates(sent))
	}
	n := sent[0]
	if n.TemplateID != notify.TemplateShipmentResolved || n.Target != notify.TargetUser || n.Recipient != "alice@company.com" {
		t.Fatalf("notification = %+v", n)
	}
	if len(n.SnippetRefs) == 0 || n.SnippetRefs[0].Table != model.TableShipmentHeader {
		t.Fatalf("snippet refs = %+v", n.SnippetRefs)
	}

	// 重放终态工单不产生新的迁移或通知
	if err := f.eng.Process(context.Background(), tk.TicketID); err != nil {
		t.Fatalf("Process replay: %v", err)
	}
	if len(f.states(t, tk.TicketID)) != 4 || len(f.sent.For(tk.TicketID)) != 1 {
		t.Fatalf("replay changed the ticket")
	}
}

func TestOrderAbsentAwaitsThenResolvesOnArrival(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	tk := f.submit(t, TicketInput{Description: "Purchase order 2123456789 is not found in WMS. Order not found."})
	if err := f.eng.Process(ctx, tk.TicketID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got := f.ticket(t, tk.TicketID)
	if got.State != model.StateAwaitingExternalData || got.ActiveScenario != model.ScenarioMissingOrder {
		t.Fatalf("ticket = %s/%s, want awaiting missing_order", got.State, got.ActiveScenario)
	}
	reqs := f.requests(t, tk.TicketID)
	if len(reqs) != 1 || reqs[0].Status != model.RequestPending || reqs[0].RequestID != got.OutstandingRequestID {
		t.Fatalf("requests = %+v", reqs)
	}
	if p := reqs[0].Payload; len(p) != 1 || p[0].Kind != model.KindOrder || p[0].Value != orderID {
		t.Fatalf("request payload = %+v, want order %s", p, orderID)
	}
	if !reqs[0].DeadlineAt.Equal(f.clock.Now().Add(24 * time.Hour)) {
		t.Fatalf("deadline = %s", reqs[0].DeadlineAt)
	}
	sent := f.sent.For(tk.TicketID)
	if len(sent) != 1 || sent[0].TemplateID != notify.TemplateOpsDataRequest || sent[0].Recipient != opsContact {
		t.Fatalf("sent = %+v", sent)
	}

	// 接口补数：头和行到达
	testdb.Seed(t, f.db, testdb.Seeded{
		OrderID: orderID, ShipmentID: shipmentID,
		OrderSide: map[string]int{unitA: 4},
		ShipSide:  map[string]int{unitA: 4},
	})
	f.clock.Advance(time.Hour)
	if err := f.eng.HandleSweep(ctx, tk.TicketID); err != nil {
		t.Fatalf("HandleSweep: %v", err)
	}

	got = f.ticket(t, tk.TicketID)
	if got.State != model.StateResolved {
		t.Fatalf("ticket = %s, want resolved", got.State)
	}
	assertStates(t, f.states(t, tk.TicketID),
		model.StateCreated, model.StateClassified, model.StateCheckingConsistency,
		model.StateAwaitingExternalData, model.StateReconciling, model.StateVerifying, model.StateResolved)
	if reqs := f.requests(t, tk.TicketID); reqs[0].Status != model.RequestFulfilled {
		t.Fatalf("request status = %s, want fulfilled", reqs[0].Status)
	}
	if tpl := templates(f.sent.For(tk.TicketID)); len(tpl) != 2 || tpl[1] != notify.TemplateReconciledResolved {
		t.Fatalf("templates = %v", tpl)
	}
}

func TestUnitAbsentReconciledByPayload(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	testdb.Seed(t, f.db, testdb.Seeded{
		OrderID: orderID, ShipmentID: shipmentID,
		OrderSide: map[string]int{unitA: 4},
		ShipSide:  map[string]int{unitA: 4},
	})
	tk := f.submit(t, TicketInput{Description: "Pallet 512345678901299 is missing for PO 2123456789 in ASN 01234."})
	if err := f.eng.Process(ctx, tk.TicketID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := f.ticket(t, tk.TicketID)
	if got.State != model.StateAwaitingExternalData || got.UnitID != unitC || got.OrderID != orderID {
		t.Fatalf("ticket = %+v", got)
	}

	rows := []model.CorrectionRow{{UnitID: unitC, OrderID: orderID, ShipmentID: shipmentID, SupplierReference: "ABC123", Quantity: 5}}
	if err := f.eng.HandleResponse(ctx, tk.TicketID, Response{RequestID: got.OutstandingRequestID, Rows: rows}); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}

	got = f.ticket(t, tk.TicketID)
	if got.State != model.StateResolved {
		t.Fatalf("ticket = %s (%s), want resolved", got.State, got.FailureReason)
	}
	assertStates(t, f.states(t, tk.TicketID),
		model.StateCreated, model.StateClassified, model.StateCheckingConsistency,
		model.StateAwaitingExternalData, model.StateReconciling, model.StateVerifying, model.StateResolved)

	cmp, err := f.eng.Checker().CompareQuantities(ctx, orderID)
	if err != nil || !cmp.Match || cmp.OrderTotal != 9 {
		t.Fatalf("CompareQuantities = %+v, %v", cmp, err)
	}
	reqs := f.requests(t, tk.TicketID)
	if len(reqs) != 1 || reqs[0].Status != model.RequestFulfilled || len(reqs[0].Response) != 1 {
		t.Fatalf("requests = %+v", reqs)
	}

	sent := f.sent.For(tk.TicketID)
	last := sent[len(sent)-1]
	if last.TemplateID != notify.TemplateReconciledResolved {
		t.Fatalf("last template = %s", last.TemplateID)
	}
	var after bool
	for _, ref := range last.SnippetRefs {
		if ref.Phase == "after" && ref.Values[0] == "5" {
			after = true
		}
	}
	if !after {
		t.Fatalf("resolution snippets missing the merged row: %+v", last.SnippetRefs)
	}
}

func TestQuantityMismatchEscalatesToMissingUnit(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	testdb.Seed(t, f.db, testdb.Seeded{
		OrderID: orderID, ShipmentID: shipmentID,
		OrderSide: map[string]int{unitA: 4, unitB: 4, unitC: 2},
		ShipSide:  map[string]int{unitA: 4, unitB: 4},
	})
	tk := f.submit(t, TicketInput{Description: "Quantity mismatch for PO 2123456789: ordered 10 but received 8."})
	if err := f.eng.Process(ctx, tk.TicketID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got := f.ticket(t, tk.TicketID)
	if got.State != model.StateAwaitingExternalData {
		t.Fatalf("ticket = %s, want awaiting", got.State)
	}
	if got.IssueType != model.ScenarioQuantityMismatch || got.ActiveScenario != model.ScenarioMissingUnit {
		t.Fatalf("scenario = %s active %s", got.IssueType, got.ActiveScenario)
	}
	if got.ScopeUnitID != unitC || got.CascadeDepth != 1 {
		t.Fatalf("scope unit = %s depth = %d", got.ScopeUnitID, got.CascadeDepth)
	}

	rows := []model.CorrectionRow{{UnitID: unitC, OrderID: orderID, ShipmentID: shipmentID, SupplierReference: "ABC123", Quantity: 2}}
	if err := f.eng.HandleResponse(ctx, tk.TicketID, Response{Rows: rows}); err != nil {
		t.Fatalf("HandleResponse: %v", err)
	}
	got = f.ticket(t, tk.TicketID)
	if got.State != model.StateResolved {
		t.Fatalf("ticket = %s (%s), want resolved", got.State, got.FailureReason)
	}
	assertStates(t, f.states(t, tk.TicketID),
		model.StateCreated, model.StateClassified, model.StateCheckingConsistency, model.StateCheckingConsistency,
		model.StateAwaitingExternalData, model.StateReconciling, model.StateVerifying, model.StateResolved)
	cmp, _ := f.eng.Checker().CompareQuantities(ctx, orderID)
	if !cmp.Match || cmp.ShipmentTotal != 10 {
		t.Fatalf("CompareQuantities = %+v", cmp)
	}
}

// 订单 A 两侧都在但数量不同 -> quantity_mismatch -> B 只在订单侧 -> missing_unit(B)
func seedDoubleCascade(t *testing.T, db *gorm.DB) {
	testdb.Seed(t, db, testdb.Seeded{
		OrderID: orderID, ShipmentID: shipmentID,
		OrderSide: map[string]int{unitA: 4, unitB: 2},
		ShipSide:  map[string]int{unitA: 3},
	})
}

func unitTicket() TicketInput {
	return TicketInput{
		Description: "pallet lost",
		IssueType:   model.ScenarioMissingUnit,
		Entities: []model.Entity{
			{Kind: model.KindUnit, Value: unitA, Confidence: 1},
			{Kind: model.KindOrder, Value: orderID, Confidence: 1},
		},
	}
}

func TestCascadeDepthBound(t *testing.T) {
	t.Run("within bound", func(t *testing.T) {
		f := setup(t, Options{})
		seedDoubleCascade(t, f.db)
		tk := f.submit(t, unitTicket())
		if err := f.eng.Process(context.Background(), tk.TicketID); err != nil {
			t.Fatalf("Process: %v", err)
		}
		got := f.ticket(t, tk.TicketID)
		if got.State != model.StateAwaitingExternalData || got.CascadeDepth != 2 || got.ScopeUnitID != unitB {
			t.Fatalf("ticket = %s depth=%d scope=%s", got.State, got.CascadeDepth, got.ScopeUnitID)
		}
	})

	t.Run("exceeded", func(t *testing.T) {
		f := setup(t, Options{MaxCascadeDepth: 1})
		seedDoubleCascade(t, f.db)
		tk := f.submit(t, unitTicket())
		if err := f.eng.Process(context.Background(), tk.TicketID); err != nil {
			t.Fatalf("Process: %v", err)
		}
		got := f.ticket(t, tk.TicketID)
		if got.State != model.StateEscalated || got.FailureReason != string(ReasonCascadeDepthExceeded) {
			t.Fatalf("ticket = %s/%s, want escalated CascadeDepthExceeded", got.State, got.FailureReason)
		}
		if got.CascadeDepth != 1 {
			t.Fatalf("depth = %d, want 1", got.CascadeDepth)
		}
		if tpl := templates(f.sent.For(tk.TicketID)); len(tpl) != 1 || tpl[0] != notify.TemplateManualReview {
			t.Fatalf("templates = %v", tpl)
		}
	})
}

func TestDuplicateOutstandingRequest(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	tk := f.submit(t, TicketInput{Description: "Purchase order 2123456789 is not found."})
	stray := model.ExternalRequest{
		RequestID: "stray", TicketID: tk.TicketID, RequestedAt: f.clock.Now(), DeadlineAt: f.clock.Now().Add(time.Hour),
		Target: notify.TargetOperations, Scenario: model.ScenarioMissingOrder, Round: 1, Status: model.RequestPending,
	}
	if err := f.db.Create(&stray).Error; err != nil {
		t.Fatalf("seed request: %v", err)
	}

	err := f.eng.Process(ctx, tk.TicketID)
	if !errors.Is(err, ErrDuplicateOutstandingRequest) {
		t.Fatalf("Process err = %v, want ErrDuplicateOutstandingRequest", err)
	}
	if got := f.ticket(t, tk.TicketID); got.State != model.StateCheckingConsistency {
		t.Fatalf("ticket = %s, want checking_consistency", got.State)
	}
	if reqs := f.requests(t, tk.TicketID); len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
}

func TestExternalTimeout(t *testing.T) {
	t.Run("wait window", func(t *testing.T) {
		f := setup(t, Options{})
		ctx := context.Background()
		tk := f.submit(t, TicketInput{Description: "Purchase order 2123456789 is not found."})
		_ = f.eng.Process(ctx, tk.TicketID)

		f.clock.Advance(25 * time.Hour)
		if err := f.eng.HandleSweep(ctx, tk.TicketID); err != nil {
			t.Fatalf("HandleSweep: %v", err)
		}
		got := f.ticket(t, tk.TicketID)
		if got.State != model.StateFailed || got.FailureReason != string(ReasonExternalTimeout) || got.OutstandingRequestID != "" {
			t.Fatalf("ticket = %+v", got)
		}
		if reqs := f.requests(t, tk.TicketID); reqs[0].Status != model.RequestTimedOut {
			t.Fatalf("request status = %s", reqs[0].Status)
		}
		want := []string{notify.TemplateOpsDataRequest, notify.TemplateManualReview, notify.TemplateOpsTimeout}
		got3 := templates(f.sent.For(tk.TicketID))
		if len(got3) != 3 || got3[0] != want[0] || got3[1] != want[1] || got3[2] != want[2] {
			t.Fatalf("templates = %v, want %v", got3, want)
		}
		// 终态后清扫不再改动
		if err := f.eng.HandleSweep(ctx, tk.TicketID); err != nil {
			t.Fatalf("HandleSweep on failed ticket: %v", err)
		}
	})

	t.Run("recheck attempts", func(t *testing.T) {
		f := setup(t, Options{MaxRecheckAttempts: 2})
		ctx := context.Background()
		tk := f.submit(t, TicketInput{Description: "Purchase order 2123456789 is not found."})
		_ = f.eng.Process(ctx, tk.TicketID)

		if err := f.eng.HandleSweep(ctx, tk.TicketID); err != nil {
			t.Fatalf("HandleSweep 1: %v", err)
		}
		if got := f.ticket(t, tk.TicketID); got.State != model.StateAwaitingExternalData || got.RecheckAttempts != 1 {
			t.Fatalf("after first recheck: %s attempts=%d", got.State, got.RecheckAttempts)
		}
		if err := f.eng.HandleSweep(ctx, tk.TicketID); err != nil {
			t.Fatalf("HandleSweep 2: %v", err)
		}
		if got := f.ticket(t, tk.TicketID); got.State != model.StateFailed || got.FailureReason != string(ReasonExternalTimeout) {
			t.Fatalf("after second recheck: %s/%s", got.State, got.FailureReason)
		}
	})
}

func TestReconciliationFormatError(t *testing.T) {
	bad := []model.CorrectionRow{{UnitID: "12345", OrderID: orderID, ShipmentID: shipmentID, SupplierReference: "ABC123", Quantity: 5}}
	good := []model.CorrectionRow{{UnitID: unitC, OrderID: orderID, ShipmentID: shipmentID, SupplierReference: "ABC123", Quantity: 5}}

	awaitingUnit := func(t *testing.T) (*fixture, string) {
		f := setup(t, Options{})
		testdb.Seed(t, f.db, testdb.Seeded{
			OrderID: orderID, ShipmentID: shipmentID,
			OrderSide: map[string]int{unitA: 4},
			ShipSide:  map[string]int{unitA: 4},
		})
		tk := f.submit(t, TicketInput{Description: "Pallet 512345678901299 is missing for PO 2123456789."})
		if err := f.eng.Process(context.Background(), tk.TicketID); err != nil {
			t.Fatalf("Process: %v", err)
		}
		return f, tk.TicketID
	}

	t.Run("retry succeeds", func(t *testing.T) {
		f, id := awaitingUnit(t)
		ctx := context.Background()
		err := f.eng.HandleResponse(ctx, id, Response{Rows: bad})
		var fe *reconcile.FormatError
		if !errors.As(err, &fe) || fe.Row != 1 || fe.Field != "unit_id" {
			t.Fatalf("HandleResponse err = %v, want FormatError on row 1 unit_id", err)
		}
		got := f.ticket(t, id)
		if got.State != model.StateAwaitingExternalData || got.FormatFailures != 1 {
			t.Fatalf("ticket = %s failures=%d", got.State, got.FormatFailures)
		}
		if n := testdb.Count(t, f.db, &model.OrderLine{}); n != 1 {
			t.Fatalf("rejected payload wrote rows: order_lines=%d", n)
		}
		if err := f.eng.HandleResponse(ctx, id, Response{Rows: good}); err != nil {
			t.Fatalf("HandleResponse retry: %v", err)
		}
		if got := f.ticket(t, id); got.State != model.StateResolved {
			t.Fatalf("ticket = %s, want resolved", got.State)
		}
	})

	t.Run("second failure", func(t *testing.T) {
		f, id := awaitingUnit(t)
		ctx := context.Background()
		_ = f.eng.HandleResponse(ctx, id, Response{Rows: bad})
		err := f.eng.HandleResponse(ctx, id, Response{Rows: bad})
		var fe *reconcile.FormatError
		if !errors.As(err, &fe) {
			t.Fatalf("HandleResponse err = %v, want FormatError", err)
		}
		got := f.ticket(t, id)
		if got.State != model.StateFailed || got.FailureReason != string(ReasonReconciliationFormatError) {
			t.Fatalf("ticket = %s/%s", got.State, got.FailureReason)
		}
		if reqs := f.requests(t, id); reqs[0].Status != model.RequestRejected {
			t.Fatalf("request status = %s", reqs[0].Status)
		}
		if err := f.eng.HandleResponse(ctx, id, Response{Rows: good}); !errors.Is(err, ErrNotAwaiting) {
			t.Fatalf("response on failed ticket: %v, want ErrNotAwaiting", err)
		}
	})
}

func TestVerifyFailsTwiceEscalatesDataInconsistency(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	testdb.Seed(t, f.db, testdb.Seeded{
		OrderID: orderID, ShipmentID: shipmentID,
		OrderSide: map[string]int{unitA: 4},
		ShipSide:  map[string]int{unitA: 3},
	})
	tk := f.submit(t, TicketInput{Description: "Quantity mismatch on PO 2123456789."})
	if err := f.eng.Process(ctx, tk.TicketID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.ticket(t, tk.TicketID); got.State != model.StateAwaitingExternalData || got.RequestRounds != 1 {
		t.Fatalf("ticket = %s rounds=%d", got.State, got.RequestRounds)
	}

	if err := f.eng.HandleResponse(ctx, tk.TicketID, Response{Confirmed: true}); err != nil {
		t.Fatalf("HandleResponse 1: %v", err)
	}
	if got := f.ticket(t, tk.TicketID); got.State != model.StateAwaitingExternalData || got.RequestRounds != 2 {
		t.Fatalf("after first verify: %s rounds=%d", got.State, got.RequestRounds)
	}
	if err := f.eng.HandleResponse(ctx, tk.TicketID, Response{Confirmed: true}); err != nil {
		t.Fatalf("HandleResponse 2: %v", err)
	}
	got := f.ticket(t, tk.TicketID)
	if got.State != model.StateEscalated || got.FailureReason != string(ReasonDataInconsistency) {
		t.Fatalf("ticket = %s/%s, want escalated DataInconsistency", got.State, got.FailureReason)
	}
	if reqs := f.requests(t, tk.TicketID); len(reqs) != 2 || reqs[1].Round != 2 {
		t.Fatalf("requests = %+v", reqs)
	}
}

func TestClassificationFailures(t *testing.T) {
	low := 0.3
	cases := []struct {
		name   string
		in     TicketInput
		reason Reason
	}{
		{"no keywords", TicketInput{Description: "hello there"}, ReasonClassificationLowConfidence},
		{"low explicit confidence", TicketInput{Description: "x", IssueType: model.ScenarioMissingOrder, Confidence: &low,
			Entities: []model.Entity{{Kind: model.KindOrder, Value: orderID, Confidence: 1}}}, ReasonClassificationLowConfidence},
		{"tied order candidates", TicketInput{Description: "x", IssueType: model.ScenarioMissingOrder,
			Entities: []model.Entity{
				{Kind: model.KindOrder, Value: orderID, Confidence: 0.5},
				{Kind: model.KindOrder, Value: "2987654321", Confidence: 0.5},
			}}, ReasonExtractionAmbiguous},
		{"missing required id", TicketInput{Description: "Shipment is missing for PO 2123456789"}, ReasonExtractionAmbiguous},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t, Options{})
			tk := f.submit(t, tc.in)
			if err := f.eng.Process(context.Background(), tk.TicketID); err != nil {
				t.Fatalf("Process: %v", err)
			}
			got := f.ticket(t, tk.TicketID)
			if got.State != model.StateFailed || got.FailureReason != string(tc.reason) {
				t.Fatalf("ticket = %s/%s, want failed %s", got.State, got.FailureReason, tc.reason)
			}
			assertStates(t, f.states(t, tk.TicketID), model.StateCreated, model.StateFailed)
			if tpl := templates(f.sent.For(tk.TicketID)); len(tpl) != 1 || tpl[0] != notify.TemplateManualReview {
				t.Fatalf("templates = %v", tpl)
			}
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	tk := f.submit(t, TicketInput{Description: "ASN 01234 missing"})
	if !regexp.MustCompile(`^WMS-[0-9A-F]{8}$`).MatchString(tk.TicketID) {
		t.Fatalf("ticket id = %q", tk.TicketID)
	}
	if tk.State != model.StateCreated {
		t.Fatalf("state = %s", tk.State)
	}

	if _, err := f.eng.Submit(ctx, TicketInput{TicketID: tk.TicketID, UserContact: "a", Description: "b"}); !errors.Is(err, ErrDuplicateTicket) {
		t.Fatalf("duplicate Submit: %v", err)
	}
	if _, err := f.eng.Submit(ctx, TicketInput{Description: "no contact"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Submit without contact: %v", err)
	}
	bad := TicketInput{UserContact: "a", Description: "b", Entities: []model.Entity{{Kind: "pallet", Value: unitA, Confidence: 1}}}
	if _, err := f.eng.Submit(ctx, bad); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Submit with bad entity kind: %v", err)
	}
	if _, err := f.eng.GetTicket(ctx, "WMS-NOPE0000"); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("GetTicket missing: %v", err)
	}
}

func TestHandleResponseGuards(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	tk := f.submit(t, TicketInput{Description: "Purchase order 2123456789 is not found."})

	if err := f.eng.HandleResponse(ctx, tk.TicketID, Response{Confirmed: true}); !errors.Is(err, ErrNotAwaiting) {
		t.Fatalf("response before awaiting: %v", err)
	}
	_ = f.eng.Process(ctx, tk.TicketID)
	if err := f.eng.HandleResponse(ctx, tk.TicketID, Response{}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("empty response: %v", err)
	}
	if err := f.eng.HandleResponse(ctx, tk.TicketID, Response{RequestID: "other", Confirmed: true}); !errors.Is(err, ErrRequestMismatch) {
		t.Fatalf("mismatched request id: %v", err)
	}
	if err := f.eng.HandleResponse(ctx, "WMS-MISSING0", Response{Confirmed: true}); !errors.Is(err, ErrTicketNotFound) {
		t.Fatalf("unknown ticket: %v", err)
	}
}

func TestProcessRespectsLease(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	tk := f.submit(t, TicketInput{Description: "ASN 01234 is missing"})

	lease, err := f.leaser.Acquire(ctx, tk.TicketID, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := f.eng.Process(ctx, tk.TicketID); !errors.Is(err, worker.ErrLeaseHeld) {
		t.Fatalf("Process under foreign lease: %v, want ErrLeaseHeld", err)
	}
	if got := f.ticket(t, tk.TicketID); got.State != model.StateCreated {
		t.Fatalf("ticket advanced without lease: %s", got.State)
	}
	_ = lease.Release(ctx)
	if err := f.eng.Process(ctx, tk.TicketID); err != nil {
		t.Fatalf("Process after release: %v", err)
	}
}

func TestSweepEnqueuesAwaitingAndStale(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	awaiting := f.submit(t, TicketInput{Description: "Purchase order 2123456789 is not found."})
	_ = f.eng.Process(ctx, awaiting.TicketID)
	stale := f.submit(t, TicketInput{Description: "ASN 01234 is missing"})

	var events []worker.Event
	enqueue := func(_ context.Context, ev worker.Event) error {
		events = append(events, ev)
		return nil
	}
	n, err := f.eng.Sweep(ctx, time.Now().Add(time.Hour), enqueue)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 2 || len(events) != 2 {
		t.Fatalf("Sweep enqueued %d: %+v", n, events)
	}
	if events[0] != (worker.Event{TicketID: awaiting.TicketID, Kind: worker.KindSweep}) {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1] != (worker.Event{TicketID: stale.TicketID, Kind: worker.KindProcess}) {
		t.Fatalf("second event = %+v", events[1])
	}

	events = nil
	if n, _ := f.eng.Sweep(ctx, time.Now(), enqueue); n != 1 {
		t.Fatalf("fresh created ticket should not be swept, got %d events", n)
	}
}

func TestListTickets(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	a := f.submit(t, TicketInput{Description: "ASN 01234 is missing", UserContact: "bob@company.com"})
	f.submit(t, TicketInput{Description: "hello"})
	_ = f.eng.Process(ctx, a.TicketID)

	all, err := f.eng.ListTickets(ctx, ListFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("ListTickets = %d, %v", len(all), err)
	}
	bobs, _ := f.eng.ListTickets(ctx, ListFilter{UserContact: "bob@company.com"})
	if len(bobs) != 1 || bobs[0].TicketID != a.TicketID {
		t.Fatalf("filter by contact = %+v", bobs)
	}
	created, _ := f.eng.ListTickets(ctx, ListFilter{State: model.StateCreated})
	if len(created) != 1 {
		t.Fatalf("filter by state = %d, want 1", len(created))
	}
}

func TestMissingUnitScopedToShipment(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	// 同一个 unit 只存在于另一张订单/到货单下
	testdb.Seed(t, f.db, testdb.Seeded{
		OrderID: "2999999999", ShipmentID: "09999",
		OrderSide: map[string]int{unitC: 1},
		ShipSide:  map[string]int{unitC: 1},
	})
	tk := f.submit(t, TicketInput{
		Description: "pallet lost",
		IssueType:   model.ScenarioMissingUnit,
		Entities: []model.Entity{
			{Kind: model.KindUnit, Value: unitC, Confidence: 1},
			{Kind: model.KindShipment, Value: shipmentID, Confidence: 1},
		},
	})
	if err := f.eng.Process(ctx, tk.TicketID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.ticket(t, tk.TicketID); got.State != model.StateAwaitingExternalData {
		t.Fatalf("ticket = %s, want awaiting (unit is only under shipment 09999)", got.State)
	}
	reqs := f.requests(t, tk.TicketID)
	if len(reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(reqs))
	}
	var scoped bool
	for _, target := range reqs[0].Payload {
		if target.Kind == model.KindShipment && target.Value == shipmentID {
			scoped = true
		}
	}
	if !scoped || reqs[0].Payload[0] != (model.RequestTarget{Kind: model.KindUnit, Value: unitC}) {
		t.Fatalf("payload = %+v, want unit %s scoped to shipment %s", reqs[0].Payload, unitC, shipmentID)
	}
}

func TestVerifyingChecksMergedOrders(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	// 订单侧已有 A:4，到货单头和行都还没有
	testdb.Seed(t, f.db, testdb.Seeded{
		OrderID: orderID, ShipmentID: shipmentID,
		OrderSide:          map[string]int{unitA: 4},
		SkipShipmentHeader: true,
	})
	tk := f.submit(t, TicketInput{Description: "ASN 01234 is missing from our system, please check."})
	if err := f.eng.Process(ctx, tk.TicketID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := f.ticket(t, tk.TicketID); got.State != model.StateAwaitingExternalData || got.OrderID != "" {
		t.Fatalf("ticket = %s order=%q", got.State, got.OrderID)
	}

	// 回传只补了 B，合并后订单 A 仍缺到货侧
	partial := []model.CorrectionRow{{UnitID: unitB, OrderID: orderID, ShipmentID: shipmentID, SupplierReference: "ABC123", Quantity: 3}}
	if err := f.eng.HandleResponse(ctx, tk.TicketID, Response{Rows: partial}); err != nil {
		t.Fatalf("HandleResponse 1: %v", err)
	}
	got := f.ticket(t, tk.TicketID)
	if got.State != model.StateAwaitingExternalData {
		cmp, _ := f.eng.Checker().CompareQuantities(ctx, orderID)
		t.Fatalf("ticket = %s with %+v, want a further request round", got.State, cmp)
	}
	if got.ScopeOrderID != orderID || got.ActiveScenario != model.ScenarioMissingUnit || got.ScopeUnitID != unitA {
		t.Fatalf("scope = order %q scenario %s unit %q", got.ScopeOrderID, got.ActiveScenario, got.ScopeUnitID)
	}
	reqs := f.requests(t, tk.TicketID)
	if len(reqs) != 2 || reqs[1].Round != 2 || reqs[1].Payload[0] != (model.RequestTarget{Kind: model.KindUnit, Value: unitA}) {
		t.Fatalf("requests = %+v", reqs)
	}

	rest := []model.CorrectionRow{{UnitID: unitA, OrderID: orderID, ShipmentID: shipmentID, SupplierReference: "ABC123", Quantity: 4}}
	if err := f.eng.HandleResponse(ctx, tk.TicketID, Response{Rows: rest}); err != nil {
		t.Fatalf("HandleResponse 2: %v", err)
	}
	if got := f.ticket(t, tk.TicketID); got.State != model.StateResolved {
		t.Fatalf("ticket = %s (%s), want resolved", got.State, got.FailureReason)
	}
	cmp, err := f.eng.Checker().CompareQuantities(ctx, orderID)
	if err != nil || !cmp.Match || cmp.OrderTotal != 7 {
		t.Fatalf("CompareQuantities = %+v, %v", cmp, err)
	}
}

func TestDefaultWaitWindowOutlastsRechecks(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	opts := OptionsFromConfig(cfg)
	opts.Now = nil
	f := setup(t, opts)
	ctx := context.Background()
	tk := f.submit(t, TicketInput{Description: "Purchase order 2123456789 is not found."})
	if err := f.eng.Process(ctx, tk.TicketID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// 一小时的清扫之后仍在等待
	for i := 0; i < int(time.Hour/cfg.SweepInterval); i++ {
		f.clock.Advance(cfg.SweepInterval)
		if err := f.eng.HandleSweep(ctx, tk.TicketID); err != nil {
			t.Fatalf("HandleSweep %d: %v", i, err)
		}
	}
	if got := f.ticket(t, tk.TicketID); got.State != model.StateAwaitingExternalData {
		t.Fatalf("ticket = %s/%s after 1h of a %s window", got.State, got.FailureReason, cfg.ExternalWaitWindow)
	}

	f.clock.Advance(cfg.ExternalWaitWindow)
	if err := f.eng.HandleSweep(ctx, tk.TicketID); err != nil {
		t.Fatalf("HandleSweep past deadline: %v", err)
	}
	if got := f.ticket(t, tk.TicketID); got.State != model.StateFailed || got.FailureReason != string(ReasonExternalTimeout) {
		t.Fatalf("ticket = %s/%s, want failed ExternalTimeout", got.State, got.FailureReason)
	}
}
