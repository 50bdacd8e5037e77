package contract

import "time"

// Status: 单元终态。
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// LedgerEntry: 每个工作单元恰好一条的终态记录。
// Err 仅在 StatusFailed 时非空。
type LedgerEntry struct {
	Time   time.Time
	FileID FileID
	Status Status
	Err    string
}

// Ledger: 追加式结果账本；并发安全。
type Ledger interface {
	Append(e LedgerEntry) error
}
