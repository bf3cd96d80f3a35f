package logging

import "time"

// #region provenance-entry
// ProvenanceEntry is a single row in the provenance_log table. Every ledger
// record is mirrored as one entry so operators can query decisions with SQL.
type ProvenanceEntry struct {
	RecordID    string
	PrevHash    string
	Hash        string
	Mode        string
	Allowed     bool
	Severity    string
	HumanReview bool
	TriadJSON   string
	Reason      string
	Signatory   string
	CreatedAt   time.Time
}

// #endregion provenance-entry
