package store

import "time"

// DecisionRow is one row of the provenance_log table.
type DecisionRow struct {
	ID          int64
	DecisionID  string
	TriggerType string // "open_loop" | "closed_loop" | "replay"
	RecordJSON  string
	Outcome     string // "enqueue" | "no_change" | "error"
	Reason      string
	CreatedAt   time.Time
}
