package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/vowguard/internal/ledger"
)

// #region log-decision
// LogDecision writes a provenance entry to the provenance_log table.
func LogDecision(db *sql.DB, entry ProvenanceEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO provenance_log (record_id, prev_hash, hash, mode, allowed, severity, human_review, triad_json, reason, signatory, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RecordID,
		entry.PrevHash,
		entry.Hash,
		entry.Mode,
		entry.Allowed,
		entry.Severity,
		entry.HumanReview,
		entry.TriadJSON,
		nullIfEmpty(entry.Reason),
		nullIfEmpty(entry.Signatory),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// EntryFromRecord flattens a ledger record into a provenance row.
func EntryFromRecord(rec ledger.Record) (ProvenanceEntry, error) {
	triad, err := json.Marshal(rec.Triad)
	if err != nil {
		return ProvenanceEntry{}, fmt.Errorf("marshal triad: %w", err)
	}
	return ProvenanceEntry{
		RecordID:    rec.RecordID,
		PrevHash:    rec.PrevHash,
		Hash:        rec.Hash,
		Mode:        string(rec.Decision.Mode),
		Allowed:     rec.Decision.Allowed,
		Severity:    string(rec.Decision.Severity),
		HumanReview: rec.Decision.RequiresHumanReview,
		TriadJSON:   string(triad),
		Reason:      rec.Decision.Reason,
		Signatory:   rec.Signatory,
		CreatedAt:   rec.Timestamp,
	}, nil
}

// #endregion log-decision

// #region query
// RecentDecisions returns up to limit provenance rows, newest first.
func RecentDecisions(db *sql.DB, limit int) ([]ProvenanceEntry, error) {
	rows, err := db.Query(
		`SELECT record_id, prev_hash, hash, mode, allowed, severity, human_review, triad_json, reason, signatory, created_at
		 FROM provenance_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query provenance: %w", err)
	}
	defer rows.Close()

	var out []ProvenanceEntry
	for rows.Next() {
		var e ProvenanceEntry
		var reason, signatory sql.NullString
		var created string
		if err := rows.Scan(&e.RecordID, &e.PrevHash, &e.Hash, &e.Mode, &e.Allowed, &e.Severity,
			&e.HumanReview, &e.TriadJSON, &reason, &signatory, &created); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		e.Reason = reason.String
		e.Signatory = signatory.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion query

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
