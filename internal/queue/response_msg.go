package queue

import (
	"fmt"

	"wms_resolver/internal/model"
)

// ResponseMessage 外部系统（SAP）回执消息：修正行或仅确认。
type ResponseMessage struct {
	TicketID  string                `json:"ticket_id"`
	RequestID string                `json:"request_id"`
	Confirmed bool                  `json:"confirmed"`
	Rows      []model.CorrectionRow `json:"rows"`
}

// Validate 做最小字段校验，防止消费者处理脏消息。行内容由对账导入负责校验。
func (m ResponseMessage) Validate() error {
	if m.TicketID == "" {
		return fmt.Errorf("ticket_id is required")
	}
	if !m.Confirmed && len(m.Rows) == 0 {
		return fmt.Errorf("rows or confirmed is required")
	}
	return nil
}
