package redis

import "fmt"

// TicketLeaseKey 工单租约键。
func TicketLeaseKey(ticketID string) string {
	return fmt.Sprintf("wms:ticket:lease:%s", ticketID)
}

// SubmitRateKey 按提交人限流的键。
func SubmitRateKey(userContact string) string {
	return fmt.Sprintf("wms:rate_limit:submit:user:%s", userContact)
}

// SubmitRateIPKey 解析不到提交人时按 IP 限流。
func SubmitRateIPKey(ip string) string {
	return fmt.Sprintf("wms:rate_limit:submit:ip:%s", ip)
}
