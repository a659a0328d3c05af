// Package usage provides the append-only usage log record and pure
// aggregation over it.
package usage

import "time"

// Operations recorded in the usage log.
const (
	OpCharge         = "charge"
	OpWorkflowCreate = "workflow.create"
	OpWorkflowRun    = "workflow.execute"
)

// Record is one immutable usage-log entry (value type).
type Record struct {
	ID        string
	AccountID string
	Tokens    int64
	Operation string
	CreatedAt time.Time
}

// Summary aggregates records over a period (value type).
type Summary struct {
	AccountID   string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Tokens      int64
	Charges     int64
	ByOperation map[string]int64
}

// Summarize combines records that fall within [start, end).
// This is a PURE function.
func Summarize(accountID string, records []Record, start, end time.Time) Summary {
	s := Summary{
		AccountID:   accountID,
		PeriodStart: start,
		PeriodEnd:   end,
		ByOperation: make(map[string]int64),
	}
	for _, r := range records {
		if r.CreatedAt.Before(start) || !r.CreatedAt.Before(end) {
			continue
		}
		s.Tokens += r.Tokens
		s.Charges++
		op := r.Operation
		if op == "" {
			op = OpCharge
		}
		s.ByOperation[op] += r.Tokens
	}
	return s
}
