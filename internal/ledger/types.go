package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/signals"
)

// #region record

// Genesis is the prev_hash of the first record in a chain.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// DefaultVow is the vow tag stamped on records when none is configured.
const DefaultVow = "vow-responsibility-v1"

// Record is one immutable, hash-linked ledger entry.
// Hash = SHA-256 over the canonical JSON of every other field.
type Record struct {
	RecordID  string        `json:"record_id"`
	Timestamp time.Time     `json:"timestamp"`
	UserInput string        `json:"user_input"`
	Triad     signals.Triad `json:"triad"`
	Decision  gate.Decision `json:"decision"`
	VowID     string        `json:"vow_id"`
	Signatory string        `json:"signatory"`
	PrevHash  string        `json:"prev_hash"`
	Hash      string        `json:"hash"`
}

// payload is the hashed form of a Record. Field order is part of the file
// format; do not reorder.
type payload struct {
	RecordID  string        `json:"record_id"`
	Timestamp string        `json:"timestamp"`
	UserInput string        `json:"user_input"`
	Triad     signals.Triad `json:"triad"`
	Decision  gate.Decision `json:"decision"`
	VowID     string        `json:"vow_id"`
	Signatory string        `json:"signatory"`
	PrevHash  string        `json:"prev_hash"`
}

// #endregion record

// #region errors

// ErrHalted is returned by every read and append once the ledger has seen an
// integrity or write failure. Only an operator can clear it by repairing the
// file and reopening.
var ErrHalted = errors.New("ledger: halted")

// ErrInvalidRecord is returned when Append is given values that cannot be
// recorded (for example a triad component outside [0, 1]).
var ErrInvalidRecord = errors.New("ledger: invalid record")

// IntegrityError reports a broken hash chain or an unreadable line.
type IntegrityError struct {
	Line     int // 1-based line in the ledger file, 0 when checking in memory
	RecordID string
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("ledger integrity: line %d record %s: %s", e.Line, e.RecordID, e.Reason)
	}
	return fmt.Sprintf("ledger integrity: line %d: %s", e.Line, e.Reason)
}

// #endregion errors
