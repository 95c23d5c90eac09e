// Package engine 是工单的解决状态机：分类、一致性检查、外部数据请求、对账与核验。
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wms_resolver/internal/checker"
	"wms_resolver/internal/classify"
	"wms_resolver/internal/config"
	"wms_resolver/internal/model"
	"wms_resolver/internal/notify"
	"wms_resolver/internal/reconcile"
	"wms_resolver/internal/worker"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	// 单批次最多推进的步数，正常路径远小于此值
	maxStepsPerBatch = 32
	// 回传格式错误允许重试一次
	maxFormatFailures = 2
)

var tracer = otel.Tracer("wms_resolver/engine")

type Options struct {
	MaxCascadeDepth    int
	MaxRequestRounds   int
	MaxRecheckAttempts int
	WaitWindow         time.Duration
	LeaseTTL           time.Duration
	// StaleAfter 未挂起却长时间未推进的工单由清扫重新入队
	StaleAfter            time.Duration
	MinClassifyConfidence float64
	MinEntityConfidence   float64
	OpsContact            string
	Now                   func() time.Time
}

// DefaultOptions 与配置默认值一致。
func DefaultOptions() Options {
	return Options{
		MaxCascadeDepth:       3,
		MaxRequestRounds:      2,
		MaxRecheckAttempts:    1440,
		WaitWindow:            24 * time.Hour,
		LeaseTTL:              30 * time.Second,
		StaleAfter:            5 * time.Minute,
		MinClassifyConfidence: 0.5,
		MinEntityConfidence:   0.5,
		OpsContact:            "sap_team@company.com",
		Now:                   time.Now,
	}
}

func OptionsFromConfig(cfg config.AppConfig) Options {
	o := DefaultOptions()
	o.MaxCascadeDepth = cfg.MaxCascadeDepth
	o.MaxRequestRounds = cfg.MaxRequestRounds
	o.MaxRecheckAttempts = cfg.MaxRecheckAttempts
	o.WaitWindow = cfg.ExternalWaitWindow
	o.MinClassifyConfidence = cfg.MinClassifyConfidence
	o.MinEntityConfidence = cfg.MinEntityConfidence
	o.OpsContact = cfg.OpsContact
	return o
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxCascadeDepth <= 0 {
		o.MaxCascadeDepth = d.MaxCascadeDepth
	}
	if o.MaxRequestRounds <= 0 {
		o.MaxRequestRounds = d.MaxRequestRounds
	}
	if o.MaxRecheckAttempts <= 0 {
		o.MaxRecheckAttempts = d.MaxRecheckAttempts
	}
	if o.WaitWindow <= 0 {
		o.WaitWindow = d.WaitWindow
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = d.LeaseTTL
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = d.StaleAfter
	}
	if o.OpsContact == "" {
		o.OpsContact = d.OpsContact
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Deps 外部协作者。Classifier / Leaser 为空时使用内置实现；Queue / Dispatcher 可为空。
type Deps struct {
	DB         *gorm.DB
	Classifier classify.Classifier
	Dispatcher *notify.Dispatcher
	Leaser     worker.Leaser
	Queue      worker.Queue
	Logger     *logrus.Logger
}

type Engine struct {
	db         *gorm.DB
	checker    *checker.Checker
	importer   *reconcile.Importer
	classifier classify.Classifier
	dispatcher *notify.Dispatcher
	leaser     worker.Leaser
	queue      worker.Queue
	validate   *validator.Validate
	opts       Options
	logger     *logrus.Logger
}

func New(d Deps, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		db:         d.DB,
		checker:    checker.New(d.DB),
		importer:   reconcile.NewImporter(d.DB).WithClock(opts.Now),
		classifier: d.Classifier,
		dispatcher: d.Dispatcher,
		leaser:     d.Leaser,
		queue:      d.Queue,
		validate:   validator.New(),
		opts:       opts,
		logger:     d.Logger,
	}
	if e.classifier == nil {
		e.classifier = classify.NewKeywordClassifier()
	}
	if e.leaser == nil {
		e.leaser = worker.NewLocalLeaser()
	}
	if e.logger == nil {
		e.logger = config.NewDiscardLogger()
	}
	return e
}

// Checker 只读一致性查询，供 HTTP 层复用。
func (e *Engine) Checker() *checker.Checker { return e.checker }

// TicketInput 工单提交参数。分类字段缺省时由 Classifier 补齐。
type TicketInput struct {
	TicketID    string         `json:"ticket_id" validate:"omitempty,max=32"`
	UserContact string         `json:"user_contact" validate:"required,max=128"`
	Description string         `json:"description" validate:"required"`
	Entities    []model.Entity `json:"entities" validate:"dive"`
	IssueType   model.Scenario `json:"issue_type" validate:"omitempty,oneof=missing_shipment missing_order missing_unit quantity_mismatch unknown"`
	Confidence  *float64       `json:"confidence" validate:"omitempty,gte=0,lte=1"`
}

// Response 外部系统的回传：修正行，或仅确认数据已通过接口补齐。
type Response struct {
	RequestID string                `json:"request_id"`
	Confirmed bool                  `json:"confirmed"`
	Rows      []model.CorrectionRow `json:"rows"`
}

// NewTicketID 生成 WMS-XXXXXXXX 形式的工单号。
func NewTicketID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "WMS-" + strings.ToUpper(hex[:8])
}

// Submit 校验并落库为 created，然后入队等待 worker 推进。
func (e *Engine) Submit(ctx context.Context, in TicketInput) (model.Ticket, error) {
	if err := e.validate.Struct(in); err != nil {
		return model.Ticket{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	t := model.Ticket{
		TicketID:    in.TicketID,
		UserContact: in.UserContact,
		Description: in.Description,
		IssueType:   in.IssueType,
		Entities:    in.Entities,
		State:       model.StateCreated,
	}
	if t.TicketID == "" {
		t.TicketID = NewTicketID()
	}
	switch {
	case in.Confidence != nil:
		t.IssueConfidence = *in.Confidence
	case in.IssueType != "":
		t.IssueConfidence = 1
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.Ticket{}).Where("ticket_id = ?", t.TicketID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateTicket, t.TicketID)
		}
		return tx.Create(&t).Error
	})
	if err != nil {
		return model.Ticket{}, err
	}
	e.logger.WithFields(logrus.Fields{"ticket_id": t.TicketID, "user_contact": t.UserContact}).Info("ticket submitted")

	if e.queue != nil {
		if err := e.queue.Enqueue(ctx, worker.Event{TicketID: t.TicketID, Kind: worker.KindProcess}); err != nil {
			return t, fmt.Errorf("enqueue ticket %s: %w", t.TicketID, err)
		}
	}
	return t, nil
}

// Process 持有租约推进工单，直到进入等待外部数据或终态。
func (e *Engine) Process(ctx context.Context, ticketID string) error {
	return e.withLease(ctx, ticketID, "engine.Process", func(ctx context.Context) error {
		return e.advance(ctx, ticketID, &batch{})
	})
}

// HandleResponse 处理外部回传。格式错误时工单保持等待（允许重试一次），第二次失败即终止。
func (e *Engine) HandleResponse(ctx context.Context, ticketID string, resp Response) error {
	if !resp.Confirmed && len(resp.Rows) == 0 {
		return ErrEmptyResponse
	}
	return e.withLease(ctx, ticketID, "engine.HandleResponse", func(ctx context.Context) error {
		t, err := e.load(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.State != model.StateAwaitingExternalData {
			return fmt.Errorf("%w: ticket %s is %s", ErrNotAwaiting, ticketID, t.State)
		}
		req, err := e.pendingRequest(ctx, t.TicketID)
		if err != nil {
			return err
		}
		if resp.RequestID != "" && resp.RequestID != req.RequestID {
			return fmt.Errorf("%w: got %s, outstanding %s", ErrRequestMismatch, resp.RequestID, req.RequestID)
		}

		if err := e.importer.Validate(resp.Rows); err != nil {
			var fe *reconcile.FormatError
			if !errors.As(err, &fe) {
				return err
			}
			return e.rejectFormat(ctx, &t, &req, fe)
		}

		reason := "confirmation received"
		if len(resp.Rows) > 0 {
			reason = fmt.Sprintf("response received with %d rows", len(resp.Rows))
		}
		req.Status = model.RequestFulfilled
		req.Response = resp.Rows
		if err := e.transition(ctx, &t, model.StateReconciling, reason, func(tx *gorm.DB) error {
			return tx.Save(&req).Error
		}); err != nil {
			return err
		}
		return e.advance(ctx, ticketID, &batch{})
	})
}

// Sweep 为每个 pending 外部请求入队一个 sweep 事件；中途中断而停滞的工单重新入队 process。
func (e *Engine) Sweep(ctx context.Context, now time.Time, enqueue func(context.Context, worker.Event) error) (int, error) {
	var awaiting []string
	if err := e.db.WithContext(ctx).Model(&model.ExternalRequest{}).
		Where("status = ?", model.RequestPending).
		Distinct("ticket_id").Pluck("ticket_id", &awaiting).Error; err != nil {
		return 0, err
	}
	var stale []string
	if err := e.db.WithContext(ctx).Model(&model.Ticket{}).
		Where("state IN ? AND updated_at < ?", []model.TicketState{
			model.StateCreated, model.StateClassified, model.StateCheckingConsistency,
			model.StateReconciling, model.StateVerifying,
		}, now.Add(-e.opts.StaleAfter)).
		Pluck("ticket_id", &stale).Error; err != nil {
		return 0, err
	}

	n := 0
	for _, id := range awaiting {
		if err := enqueue(ctx, worker.Event{TicketID: id, Kind: worker.KindSweep}); err != nil {
			return n, fmt.Errorf("enqueue sweep %s: %w", id, err)
		}
		n++
	}
	for _, id := range stale {
		if err := enqueue(ctx, worker.Event{TicketID: id, Kind: worker.KindProcess}); err != nil {
			return n, fmt.Errorf("enqueue stale %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

// HandleSweep 检查等待中的工单：超过等待窗口即超时失败，否则重查数据，已补齐则直接进入对账。
func (e *Engine) HandleSweep(ctx context.Context, ticketID string) error {
	return e.withLease(ctx, ticketID, "engine.HandleSweep", func(ctx context.Context) error {
		t, err := e.load(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.State != model.StateAwaitingExternalData {
			return nil
		}
		req, err := e.pendingRequest(ctx, t.TicketID)
		if err != nil {
			return err
		}
		if !e.now().Before(req.DeadlineAt) {
			return e.timeout(ctx, &t, &req, fmt.Sprintf("no response by %s", req.DeadlineAt.Format(time.RFC3339)))
		}

		t.RecheckAttempts++
		out, err := evaluate(ctx, e.checker, &t)
		if err != nil {
			return err
		}
		if out.Action == ActionPass {
			req.Status = model.RequestFulfilled
			reason := fmt.Sprintf("data present on recheck %d", t.RecheckAttempts)
			if err := e.transition(ctx, &t, model.StateReconciling, reason, func(tx *gorm.DB) error {
				return tx.Save(&req).Error
			}); err != nil {
				return err
			}
			return e.advance(ctx, ticketID, &batch{})
		}
		if t.RecheckAttempts >= e.opts.MaxRecheckAttempts {
			return e.timeout(ctx, &t, &req, fmt.Sprintf("data still missing after %d rechecks", t.RecheckAttempts))
		}
		return e.db.WithContext(ctx).Model(&t).Update("recheck_attempts", t.RecheckAttempts).Error
	})
}

// ListFilter 工单列表筛选。
type ListFilter struct {
	State       model.TicketState
	UserContact string
	Limit       int
	Offset      int
}

func (e *Engine) GetTicket(ctx context.Context, ticketID string) (model.Ticket, error) {
	return e.load(ctx, ticketID)
}

func (e *Engine) ListTickets(ctx context.Context, f ListFilter) ([]model.Ticket, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	q := e.db.WithContext(ctx).Model(&model.Ticket{})
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.UserContact != "" {
		q = q.Where("user_contact = ?", f.UserContact)
	}
	var list []model.Ticket
	err := q.Order("created_at DESC").Order("id DESC").Limit(f.Limit).Offset(f.Offset).Find(&list).Error
	return list, err
}

// Transitions 按序返回工单的迁移日志。
func (e *Engine) Transitions(ctx context.Context, ticketID string) ([]model.TransitionLog, error) {
	if _, err := e.load(ctx, ticketID); err != nil {
		return nil, err
	}
	var logs []model.TransitionLog
	err := e.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("seq ASC").Find(&logs).Error
	return logs, err
}

// Requests 工单的全部外部请求，按轮次排序。
func (e *Engine) Requests(ctx context.Context, ticketID string) ([]model.ExternalRequest, error) {
	if _, err := e.load(ctx, ticketID); err != nil {
		return nil, err
	}
	var reqs []model.ExternalRequest
	err := e.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("round ASC").Find(&reqs).Error
	return reqs, err
}

// batch 单次持有租约期间的上下文，对账片段与合并后对比只在本批次内传递到核验。
type batch struct {
	snippets    []model.SnippetRef
	comparisons []checker.QuantityComparison
}

func (e *Engine) withLease(ctx context.Context, ticketID, op string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(attribute.String("ticket_id", ticketID)))
	defer span.End()

	lease, err := e.leaser.Acquire(ctx, ticketID, e.opts.LeaseTTL)
	if err != nil {
		return fmt.Errorf("lease ticket %s: %w", ticketID, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			config.LogError(e.logger, "engine", op, "release lease", ticketID, err)
		}
	}()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (e *Engine) advance(ctx context.Context, ticketID string, b *batch) error {
	for step := 0; step < maxStepsPerBatch; step++ {
		t, err := e.load(ctx, ticketID)
		if err != nil {
			return err
		}
		if t.State.Terminal() || t.State == model.StateAwaitingExternalData {
			return nil
		}
		switch t.State {
		case model.StateCreated:
			err = e.classifyTicket(ctx, &t)
		case model.StateClassified:
			t.ActiveScenario = t.IssueType
			t.CascadeDepth = 0
			err = e.transition(ctx, &t, model.StateCheckingConsistency, "check "+string(t.IssueType), nil)
		case model.StateCheckingConsistency, model.StateVerifying:
			err = e.check(ctx, &t, b)
		case model.StateReconciling:
			err = e.reconcile(ctx, &t, b)
		default:
			err = fmt.Errorf("ticket %s: unexpected state %q", ticketID, t.State)
		}
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("ticket %s did not settle within %d steps", ticketID, maxStepsPerBatch)
}

func (e *Engine) classifyTicket(ctx context.Context, t *model.Ticket) error {
	if len(t.Entities) == 0 || t.IssueType == "" {
		res, err := e.classifier.Classify(ctx, t.Description)
		if err != nil {
			return fmt.Errorf("classify ticket %s: %w", t.TicketID, err)
		}
		if len(t.Entities) == 0 {
			t.Entities = res.Entities
		}
		if t.IssueType == "" {
			t.IssueType = res.Verdict.IssueType
			t.IssueConfidence = res.Verdict.Confidence
		}
	}
	if !t.IssueType.Known() || t.IssueConfidence < e.opts.MinClassifyConfidence {
		return e.fail(ctx, t, model.StateFailed, ReasonClassificationLowConfidence,
			fmt.Sprintf("issue_type=%s confidence=%.2f", t.IssueType, t.IssueConfidence), nil)
	}

	sel := classify.SelectIdentifiers(t.Entities, e.opts.MinEntityConfidence)
	kind := classify.RequiredKind(t.IssueType)
	if sel.IsAmbiguous(kind) || sel.Get(kind) == "" {
		return e.fail(ctx, t, model.StateFailed, ReasonExtractionAmbiguous,
			fmt.Sprintf("no single valid %s for %s", kind, t.IssueType), nil)
	}
	t.ShipmentID, t.OrderID, t.UnitID = sel.ShipmentID, sel.OrderID, sel.UnitID
	return e.transition(ctx, t, model.StateClassified,
		fmt.Sprintf("issue_type=%s confidence=%.2f %s=%s", t.IssueType, t.IssueConfidence, kind, sel.Get(kind)), nil)
}

// check 对当前子场景做一次检查并按结论迁移。检查态与核验态共用。
func (e *Engine) check(ctx context.Context, t *model.Ticket, b *batch) error {
	out, err := evaluate(ctx, e.checker, t)
	if err != nil {
		return fmt.Errorf("evaluate ticket %s: %w", t.TicketID, err)
	}
	if out.Action == ActionPass && t.State == model.StateVerifying {
		if out, err = e.verifyMerged(ctx, t, b, out); err != nil {
			return fmt.Errorf("verify merged orders %s: %w", t.TicketID, err)
		}
	}
	switch out.Action {
	case ActionPass:
		return e.resolve(ctx, t, out, b)
	case ActionEscalate:
		if t.CascadeDepth >= e.opts.MaxCascadeDepth {
			return e.fail(ctx, t, model.StateEscalated, ReasonCascadeDepthExceeded,
				fmt.Sprintf("depth %d reached, next would be %s: %s", t.CascadeDepth, out.Next, out.Detail), nil)
		}
		from := t.ActiveScenario
		t.ActiveScenario = out.Next
		t.CascadeDepth++
		if out.ScopeUnit != "" {
			t.ScopeUnitID = out.ScopeUnit
		}
		if out.ScopeShipment != "" {
			t.ScopeShipmentID = out.ScopeShipment
		}
		if out.ScopeOrder != "" {
			t.ScopeOrderID = out.ScopeOrder
		}
		return e.transition(ctx, t, t.State,
			fmt.Sprintf("escalate %s -> %s (depth %d): %s", from, out.Next, t.CascadeDepth, out.Detail), nil)
	default:
		if t.RequestRounds >= e.opts.MaxRequestRounds {
			return e.fail(ctx, t, model.StateEscalated, ReasonDataInconsistency,
				fmt.Sprintf("%d request rounds used: %s", t.RequestRounds, out.Detail), nil)
		}
		return e.requestExternal(ctx, t, out)
	}
}

// verifyMerged 子场景通过后，本轮回传涉及的每个订单合并后两侧数量也必须一致，否则转 quantity_mismatch。
func (e *Engine) verifyMerged(ctx context.Context, t *model.Ticket, b *batch, out Outcome) (Outcome, error) {
	orders, err := e.mergedOrders(ctx, t, b)
	if err != nil {
		return Outcome{}, err
	}
	for _, oid := range orders {
		cmp, err := e.checker.CompareQuantities(ctx, oid)
		if err != nil {
			return Outcome{}, err
		}
		if !cmp.Match {
			esc := escalate(model.ScenarioQuantityMismatch, "after merge "+quantityDetail(cmp))
			esc.ScopeOrder = oid
			return esc, nil
		}
	}
	return out, nil
}

// mergedOrders 本批次导入涉及的订单；批次上下文丢失（重放）时取最近一次已完成请求的回传行。
func (e *Engine) mergedOrders(ctx context.Context, t *model.Ticket, b *batch) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, c := range b.comparisons {
		add(c.OrderID)
	}
	if len(out) > 0 {
		return out, nil
	}

	var req model.ExternalRequest
	err := e.db.WithContext(ctx).
		Where("ticket_id = ? AND status = ?", t.TicketID, model.RequestFulfilled).
		Order("round DESC").Order("id DESC").Take(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, row := range req.Response {
		add(row.OrderID)
	}
	return out, nil
}

func (e *Engine) resolve(ctx context.Context, t *model.Ticket, out Outcome, b *batch) error {
	templateID := successTemplate(t.IssueType)
	snippets := out.Snippets
	if t.State == model.StateVerifying {
		templateID = notify.TemplateReconciledResolved
		snippets = append(append([]model.SnippetRef{}, b.snippets...), out.Snippets...)
	}
	if err := e.transition(ctx, t, model.StateResolved, "resolved: "+out.Detail, nil); err != nil {
		return err
	}
	e.notify(ctx, t, notify.Message{
		Target:     notify.TargetUser,
		Recipient:  t.UserContact,
		TemplateID: templateID,
		Data:       e.renderData(t),
		Snippets:   snippets,
	})
	return nil
}

// requestExternal 创建外部请求并挂起。pending 唯一性在同一事务内检查。
func (e *Engine) requestExternal(ctx context.Context, t *model.Ticket, out Outcome) error {
	now := e.now()
	req := model.ExternalRequest{
		RequestID:   uuid.NewString(),
		TicketID:    t.TicketID,
		RequestedAt: now,
		DeadlineAt:  now.Add(e.opts.WaitWindow),
		Target:      notify.TargetOperations,
		Scenario:    t.ActiveScenario,
		Round:       t.RequestRounds + 1,
		Payload:     out.Targets,
		Status:      model.RequestPending,
	}
	t.RequestRounds = req.Round
	t.RecheckAttempts = 0
	t.FormatFailures = 0
	t.OutstandingRequestID = req.RequestID

	err := e.transition(ctx, t, model.StateAwaitingExternalData,
		fmt.Sprintf("request round %d: %s", req.Round, out.Detail), func(tx *gorm.DB) error {
			var pending int64
			if err := tx.Model(&model.ExternalRequest{}).
				Where("ticket_id = ? AND status = ?", t.TicketID, model.RequestPending).
				Count(&pending).Error; err != nil {
				return err
			}
			if pending > 0 {
				return ErrDuplicateOutstandingRequest
			}
			return tx.Create(&req).Error
		})
	if err != nil {
		return err
	}

	data := e.renderData(t)
	data.Targets = req.Payload
	e.notify(ctx, t, notify.Message{
		Target:     notify.TargetOperations,
		Recipient:  e.opts.OpsContact,
		TemplateID: notify.TemplateOpsDataRequest,
		Data:       data,
	})
	return nil
}

// reconcile 合并请求上挂的回传行（纯确认时无行），然后进入核验。重放时合并幂等。
func (e *Engine) reconcile(ctx context.Context, t *model.Ticket, b *batch) error {
	reason := "confirmation received"
	if t.OutstandingRequestID != "" {
		var req model.ExternalRequest
		if err := e.db.WithContext(ctx).Where("request_id = ?", t.OutstandingRequestID).Take(&req).Error; err != nil {
			return fmt.Errorf("load request %s: %w", t.OutstandingRequestID, err)
		}
		if len(req.Response) > 0 {
			res, err := e.importer.Import(ctx, t.TicketID, req.Response)
			if err != nil {
				return err
			}
			b.snippets = res.Snippets()
			b.comparisons = res.Comparisons
			reason = fmt.Sprintf("merged inserted=%d updated=%d skipped=%d", res.Inserted, res.Updated, res.Skipped)
		}
	}
	t.OutstandingRequestID = ""
	return e.transition(ctx, t, model.StateVerifying, reason, nil)
}

func (e *Engine) rejectFormat(ctx context.Context, t *model.Ticket, req *model.ExternalRequest, fe *reconcile.FormatError) error {
	t.FormatFailures++
	if t.FormatFailures < maxFormatFailures {
		if err := e.db.WithContext(ctx).Model(t).Update("format_failures", t.FormatFailures).Error; err != nil {
			return err
		}
		e.logger.WithFields(logrus.Fields{"ticket_id": t.TicketID, "row": fe.Row, "field": fe.Field}).Warn("reconciliation payload rejected, awaiting retry")
		return fmt.Errorf("ticket %s: %w", t.TicketID, fe)
	}
	req.Status = model.RequestRejected
	t.OutstandingRequestID = ""
	if err := e.fail(ctx, t, model.StateFailed, ReasonReconciliationFormatError, fe.Error(), func(tx *gorm.DB) error {
		return tx.Save(req).Error
	}); err != nil {
		return err
	}
	return fmt.Errorf("ticket %s: %w", t.TicketID, fe)
}

func (e *Engine) timeout(ctx context.Context, t *model.Ticket, req *model.ExternalRequest, detail string) error {
	req.Status = model.RequestTimedOut
	t.OutstandingRequestID = ""
	if err := e.fail(ctx, t, model.StateFailed, ReasonExternalTimeout, detail, func(tx *gorm.DB) error {
		return tx.Save(req).Error
	}); err != nil {
		return err
	}
	data := e.renderData(t)
	data.Targets = req.Payload
	e.notify(ctx, t, notify.Message{
		Target:     notify.TargetOperations,
		Recipient:  e.opts.OpsContact,
		TemplateID: notify.TemplateOpsTimeout,
		Data:       data,
	})
	return nil
}

// fail 进入 failed / escalated 并通知用户转人工。
func (e *Engine) fail(ctx context.Context, t *model.Ticket, to model.TicketState, reason Reason, detail string, extra func(tx *gorm.DB) error) error {
	t.FailureReason = string(reason)
	if err := e.transition(ctx, t, to, string(reason)+": "+detail, extra); err != nil {
		return err
	}
	e.notify(ctx, t, notify.Message{
		Target:     notify.TargetUser,
		Recipient:  t.UserContact,
		TemplateID: notify.TemplateManualReview,
		Data:       e.renderData(t),
	})
	return nil
}

// transition 在同一事务内写工单与迁移日志。以 transition_seq 做乐观锁。
func (e *Engine) transition(ctx context.Context, t *model.Ticket, to model.TicketState, reason string, extra func(tx *gorm.DB) error) error {
	from := t.State
	prevSeq := t.TransitionSeq
	now := e.now()
	t.State = to
	t.TransitionSeq++
	if to == model.StateResolved {
		t.ResolvedAt = &now
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		res := tx.Model(t).Where("transition_seq = ?", prevSeq).Select("*").Updates(t)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleTicket
		}
		return tx.Create(&model.TransitionLog{
			TicketID:  t.TicketID,
			Seq:       t.TransitionSeq,
			FromState: from,
			ToState:   to,
			Reason:    reason,
			CreatedAt: now,
		}).Error
	})
	if err != nil {
		return fmt.Errorf("transition %s %s->%s: %w", t.TicketID, from, to, err)
	}

	e.logger.WithFields(logrus.Fields{
		"ticket_id": t.TicketID,
		"seq":       t.TransitionSeq,
		"from":      from,
		"to":        to,
		"scenario":  t.ActiveScenario,
		"reason":    reason,
	}).Info("ticket transition")
	return nil
}

// notify 投递失败只记录日志，不影响状态机。
func (e *Engine) notify(ctx context.Context, t *model.Ticket, msg notify.Message) {
	if e.dispatcher == nil {
		return
	}
	if _, err := e.dispatcher.Dispatch(ctx, t.TransitionSeq, msg); err != nil {
		config.LogError(e.logger, "engine", "notify", msg.TemplateID, t.TicketID, err)
	}
}

func (e *Engine) renderData(t *model.Ticket) notify.RenderData {
	scenario := t.ActiveScenario
	if scenario == "" {
		scenario = t.IssueType
	}
	return notify.RenderData{
		TicketID:   t.TicketID,
		Scenario:   scenario,
		ShipmentID: t.ScopeShipment(),
		OrderID:    t.ScopeOrder(),
		UnitID:     t.ScopeUnit(),
		Round:      t.RequestRounds,
	}
}

func (e *Engine) load(ctx context.Context, ticketID string) (model.Ticket, error) {
	var t model.Ticket
	err := e.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Ticket{}, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	return t, err
}

func (e *Engine) pendingRequest(ctx context.Context, ticketID string) (model.ExternalRequest, error) {
	var req model.ExternalRequest
	err := e.db.WithContext(ctx).Where("ticket_id = ? AND status = ?", ticketID, model.RequestPending).Take(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ExternalRequest{}, fmt.Errorf("%w: ticket %s has no pending request", ErrNotAwaiting, ticketID)
	}
	return req, err
}

func (e *Engine) now() time.Time { return e.opts.Now().UTC() }

func successTemplate(s model.Scenario) string {
	switch s {
	case model.ScenarioMissingShipment:
		return notify.TemplateShipmentResolved
	case model.ScenarioMissingUnit:
		return notify.TemplateUnitResolved
	case model.ScenarioQuantityMismatch:
		return notify.TemplateQuantityResolved
	default:
		return notify.TemplateOrderResolved
	}
}
