package ledger

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/signals"
)

// #region ledger-struct

// Ledger is the append-only, hash-chained step ledger backed by a JSON Lines
// file. Appends are serialized; reads return copies.
type Ledger struct {
	mu      sync.RWMutex
	path    string
	f       *os.File
	records []Record
	tail    string
	halted  error

	vowID  string
	now    func() time.Time
	fsync  bool
	logger *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithVow sets the vow tag stamped on new records.
func WithVow(vowID string) Option {
	return func(lg *Ledger) {
		if vowID != "" {
			lg.vowID = vowID
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) {
		if now != nil {
			lg.now = now
		}
	}
}

// WithSync controls whether every append is fsynced. Defaults to true.
func WithSync(on bool) Option {
	return func(lg *Ledger) { lg.fsync = on }
}

// #endregion ledger-struct

// #region open

// Open loads the ledger at path, creating it if absent, and verifies the full
// chain. Any mismatch is returned as an *IntegrityError and no Ledger is
// handed out.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:   path,
		tail:   Genesis,
		vowID:  DefaultVow,
		now:    time.Now,
		fsync:  true,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(l)
	}

	records, err := ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Error("ledger failed verification", zap.String("path", path), zap.Error(err))
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	l.f = f
	l.records = records
	if n := len(records); n > 0 {
		l.tail = records[n-1].Hash
	}

	l.logger.Info("ledger loaded",
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.String("tail", Short(l.tail)))
	return l, nil
}

// ReadFile parses and verifies a ledger file without opening it for append.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses JSON Lines from r and verifies the chain.
func Read(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	var records []Record
	prev := Genesis
	seen := make(map[string]bool)

	for lineNo := 1; ; lineNo++ {
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read ledger: %w", err)
		}
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				break
			}
			return nil, &IntegrityError{Line: lineNo, Reason: "torn final line (no trailing newline)"}
		}

		line = bytes.TrimSuffix(line, []byte("\n"))
		if len(bytes.TrimSpace(line)) == 0 {
			return nil, &IntegrityError{Line: lineNo, Reason: "blank line"}
		}

		var rec Record
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rec); err != nil {
			return nil, &IntegrityError{Line: lineNo, Reason: fmt.Sprintf("unparsable record: %v", err)}
		}
		if err := verifyLink(rec, prev); err != nil {
			err.Line = lineNo
			return nil, err
		}
		if seen[rec.RecordID] {
			return nil, &IntegrityError{Line: lineNo, RecordID: rec.RecordID, Reason: "duplicate record_id"}
		}
		seen[rec.RecordID] = true

		records = append(records, rec)
		prev = rec.Hash
	}
	return records, nil
}

// #endregion open

// #region append

// Append records one decision and returns the stored record. The line is
// written with a single write call and fsynced before the chain tail moves.
func (l *Ledger) Append(input string, t signals.Triad, d gate.Decision, signatory string) (Record, error) {
	if err := validateTriad(t); err != nil {
		return Record{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrHalted, l.halted)
	}

	rec := Record{
		RecordID:  uuid.New().String(),
		Timestamp: l.now().UTC(),
		UserInput: input,
		Triad:     t,
		Decision:  cloneDecision(d),
		VowID:     l.vowID,
		Signatory: signatory,
		PrevHash:  l.tail,
	}
	hash, err := ComputeHash(rec)
	if err != nil {
		return Record{}, fmt.Errorf("hash record: %w", err)
	}
	rec.Hash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		l.halt(fmt.Errorf("write record %s: %w", rec.RecordID, err))
		return Record{}, fmt.Errorf("%w: %v", ErrHalted, l.halted)
	}
	if l.fsync {
		if err := l.f.Sync(); err != nil {
			l.halt(fmt.Errorf("sync record %s: %w", rec.RecordID, err))
			return Record{}, fmt.Errorf("%w: %v", ErrHalted, l.halted)
		}
	}

	l.records = append(l.records, rec)
	l.tail = rec.Hash

	l.logger.Debug("ledger append",
		zap.String("record_id", rec.RecordID),
		zap.String("mode", string(rec.Decision.Mode)),
		zap.String("hash", Short(rec.Hash)))
	return rec, nil
}

func (l *Ledger) halt(err error) {
	l.halted = err
	l.logger.Error("ledger halted", zap.String("path", l.path), zap.Error(err))
}

// #endregion append

// #region reads

// Records returns a copy of all records in append order.
func (l *Ledger) Records() ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.halted != nil {
		return nil, fmt.Errorf("%w: %v", ErrHalted, l.halted)
	}
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out, nil
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Tail returns the hash of the newest record, or Genesis when empty.
func (l *Ledger) Tail() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tail
}

// Verify re-checks the in-memory chain. A failure halts the ledger.
func (l *Ledger) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted != nil {
		return fmt.Errorf("%w: %v", ErrHalted, l.halted)
	}
	prev := Genesis
	for _, rec := range l.records {
		if err := verifyLink(rec, prev); err != nil {
			l.halt(err)
			return err
		}
		prev = rec.Hash
	}
	return nil
}

// Close closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	if l.halted == nil {
		l.halted = errors.New("ledger closed")
	}
	return err
}

// #endregion reads

// #region hashing

// ComputeHash returns hex(SHA-256(canonical payload)) for rec, ignoring rec.Hash.
func ComputeHash(rec Record) (string, error) {
	p := payload{
		RecordID:  rec.RecordID,
		Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
		UserInput: rec.UserInput,
		Triad:     rec.Triad,
		Decision:  rec.Decision,
		VowID:     rec.VowID,
		Signatory: rec.Signatory,
		PrevHash:  rec.PrevHash,
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Short truncates a hash for display. Never use it for verification.
func Short(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}

func verifyLink(rec Record, prev string) *IntegrityError {
	if rec.PrevHash != prev {
		return &IntegrityError{RecordID: rec.RecordID,
			Reason: fmt.Sprintf("prev_hash %s does not match predecessor %s", Short(rec.PrevHash), Short(prev))}
	}
	want, err := ComputeHash(rec)
	if err != nil {
		return &IntegrityError{RecordID: rec.RecordID, Reason: fmt.Sprintf("cannot hash: %v", err)}
	}
	if want != rec.Hash {
		return &IntegrityError{RecordID: rec.RecordID,
			Reason: fmt.Sprintf("hash %s does not match recomputed %s", Short(rec.Hash), Short(want))}
	}
	return nil
}

// #endregion hashing

// #region helpers

func validateTriad(t signals.Triad) error {
	for name, v := range map[string]float64{
		"tension":             t.Tension,
		"drift":               t.Drift,
		"responsibility_risk": t.ResponsibilityRisk,
		"risk_score":          t.RiskScore,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v outside [0, 1]", ErrInvalidRecord, name, v)
		}
	}
	return nil
}

func cloneDecision(d gate.Decision) gate.Decision {
	if d.Verification != nil {
		v := *d.Verification
		d.Verification = &v
	}
	return d
}

// #endregion helpers
