package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// #region log-decision
// LogDecision writes a provenance entry to the provenance_log table.
func LogDecision(db *sql.DB, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO provenance_log (decision_id, trigger_type, record_json, outcome, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.DecisionID,
		entry.TriggerType,
		nullIfEmpty(entry.RecordJSON),
		entry.Outcome,
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// LogDecisionRecord serializes rec and logs it with the given trigger and
// outcome.
func LogDecisionRecord(db *sql.DB, trigger, outcome string, rec DecisionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal decision record: %w", err)
	}
	return LogDecision(db, ProvenanceEntry{
		DecisionID:  rec.DecisionID,
		TriggerType: trigger,
		RecordJSON:  string(raw),
		Outcome:     outcome,
		Reason:      rec.Reason,
		CreatedAt:   rec.DecidedAt,
	})
}

// #endregion log-decision

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
