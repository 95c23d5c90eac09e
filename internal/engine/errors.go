package engine

import "errors"

// Reason 失败 / 升级原因码，写入 Ticket.FailureReason 与迁移日志。
type Reason string

const (
	ReasonExtractionAmbiguous         Reason = "ExtractionAmbiguous"
	ReasonClassificationLowConfidence Reason = "ClassificationLowConfidence"
	ReasonExternalTimeout             Reason = "ExternalTimeout"
	ReasonReconciliationFormatError   Reason = "ReconciliationFormatError"
	ReasonDataInconsistency           Reason = "DataInconsistency"
	ReasonCascadeDepthExceeded        Reason = "CascadeDepthExceeded"
	ReasonDuplicateOutstandingRequest Reason = "DuplicateOutstandingRequest"
)

var (
	// ErrDuplicateOutstandingRequest 工单已有一条 pending 外部请求。
	ErrDuplicateOutstandingRequest = errors.New(string(ReasonDuplicateOutstandingRequest))
	ErrTicketNotFound              = errors.New("ticket not found")
	ErrDuplicateTicket             = errors.New("ticket already exists")
	ErrInvalidInput                = errors.New("invalid ticket input")
	// ErrNotAwaiting 工单当前不在等待外部数据，回传被拒绝。
	ErrNotAwaiting = errors.New("ticket is not awaiting external data")
	// ErrRequestMismatch 回传指向的不是当前 pending 请求。
	ErrRequestMismatch = errors.New("response does not match the outstanding request")
	ErrEmptyResponse   = errors.New("response must carry rows or a confirmation")
	// ErrStaleTicket 乐观锁失败：工单在本批次期间被其他写入推进。
	ErrStaleTicket = errors.New("ticket was modified concurrently")
)
