package model

import "time"

// TicketState 工单状态机的状态。
type TicketState string

const (
	StateCreated              TicketState = "created"
	StateClassified           TicketState = "classified"
	StateCheckingConsistency  TicketState = "checking_consistency"
	StateAwaitingExternalData TicketState = "awaiting_external_data"
	StateReconciling          TicketState = "reconciling"
	StateVerifying            TicketState = "verifying"
	StateResolved             TicketState = "resolved"
	StateFailed               TicketState = "failed"
	// StateEscalated 是 failed 的报表子状态：级联耗尽或核验反复失败。
	StateEscalated TicketState = "escalated"
)

// Terminal 终态不再推进。
func (s TicketState) Terminal() bool {
	return s == StateResolved || s == StateFailed || s == StateEscalated
}

// Scenario 问题场景。
type Scenario string

const (
	ScenarioMissingShipment  Scenario = "missing_shipment"
	ScenarioMissingOrder     Scenario = "missing_order"
	ScenarioMissingUnit      Scenario = "missing_unit"
	ScenarioQuantityMismatch Scenario = "quantity_mismatch"
	ScenarioUnknown          Scenario = "unknown"
)

// Known 是否为可处理的四类场景之一。
func (s Scenario) Known() bool {
	switch s {
	case ScenarioMissingShipment, ScenarioMissingOrder, ScenarioMissingUnit, ScenarioQuantityMismatch:
		return true
	}
	return false
}

// Entity 抽取出的候选标识。
type Entity struct {
	Kind       IDKind  `json:"kind" validate:"oneof=shipment_id order_id unit_id"`
	Value      string  `json:"value" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// Ticket 工单。IssueType 保留用户上报的场景；ActiveScenario 是状态机当前推进的子场景。
type Ticket struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	TicketID        string   `gorm:"size:32;uniqueIndex;not null" json:"ticket_id"`
	UserContact     string   `gorm:"size:128;not null" json:"user_contact"`
	Description     string   `gorm:"type:text;not null" json:"description"`
	IssueType       Scenario `gorm:"size:32" json:"issue_type"`
	IssueConfidence float64  `json:"issue_confidence"`
	Entities        []Entity `gorm:"serializer:json" json:"entities"`

	ShipmentID string `gorm:"size:5" json:"shipment_id,omitempty"`
	OrderID    string `gorm:"size:10" json:"order_id,omitempty"`
	UnitID     string `gorm:"size:15" json:"unit_id,omitempty"`

	ActiveScenario Scenario `gorm:"size:32" json:"active_scenario,omitempty"`
	// ScopeUnitID 级联到 missing_unit 时由差异定位出的 unit。
	ScopeUnitID string `gorm:"size:15" json:"scope_unit_id,omitempty"`
	// ScopeShipmentID 级联到 missing_shipment 时定位出的缺头到货单。
	ScopeShipmentID string `gorm:"size:5" json:"scope_shipment_id,omitempty"`
	// ScopeOrderID 核验时发现合并后数量不平的订单。
	ScopeOrderID    string `gorm:"size:10" json:"scope_order_id,omitempty"`
	CascadeDepth    int    `gorm:"not null;default:0" json:"cascade_depth"`
	RequestRounds   int    `gorm:"not null;default:0" json:"request_rounds"`
	RecheckAttempts int    `gorm:"not null;default:0" json:"recheck_attempts"`
	FormatFailures  int    `gorm:"not null;default:0" json:"format_failures"`

	State                TicketState `gorm:"size:32;not null;index" json:"state"`
	FailureReason        string      `gorm:"size:64" json:"failure_reason,omitempty"`
	TransitionSeq        int         `gorm:"not null;default:0" json:"transition_seq"`
	OutstandingRequestID string      `gorm:"size:64" json:"outstanding_request_id,omitempty"`
	ResolvedAt           *time.Time  `json:"resolved_at,omitempty"`
}

func (Ticket) TableName() string { return "tickets" }

// ScopeUnit 当前子场景关注的 unit：级联定位优先，其次工单抽取值。
func (t *Ticket) ScopeUnit() string {
	if t.ScopeUnitID != "" {
		return t.ScopeUnitID
	}
	return t.UnitID
}

// ScopeShipment 同 ScopeUnit，针对到货单。
func (t *Ticket) ScopeShipment() string {
	if t.ScopeShipmentID != "" {
		return t.ScopeShipmentID
	}
	return t.ShipmentID
}

// ScopeOrder 同 ScopeUnit，针对订单。
func (t *Ticket) ScopeOrder() string {
	if t.ScopeOrderID != "" {
		return t.ScopeOrderID
	}
	return t.OrderID
}
