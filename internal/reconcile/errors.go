package reconcile

import "fmt"

// FormatError 修正数据结构非法。Row 从 1 开始计数（不含表头）。
type FormatError struct {
	Row   int
	Field string
	Value string
	Rule  string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("reconciliation format error: row %d field %s value %q violates %s", e.Row, e.Field, e.Value, e.Rule)
}
