package agentstate

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// #region machine

// Machine tracks the agent's responsibility state and SRP. All mutations are
// serialized behind one lock; reads take consistent snapshots.
type Machine struct {
	mu         sync.RWMutex
	state      State
	conds      Conditions
	srp        float64
	audit      []AuditEntry
	auditLimit int
	dropped    int
	thresholds Thresholds
	now        func() time.Time
	logger     *zap.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithThresholds overrides the SRP behaviour thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Machine) { m.thresholds = t }
}

// WithAuditLimit caps the in-memory audit log. The oldest entries are
// dropped first. n < 1 keeps DefaultAuditLimit.
func WithAuditLimit(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.auditLimit = n
		}
	}
}

// WithClock overrides the audit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns a machine in STATELESS with every condition false.
func New(opts ...Option) *Machine {
	m := &Machine{
		state:      StateStateless,
		auditLimit: DefaultAuditLimit,
		thresholds: DefaultThresholds(),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// #endregion machine

// #region conditions

// EnableIrreversibleMemory sets the irreversible_memory condition.
func (m *Machine) EnableIrreversibleMemory() bool {
	return m.enable("enable_irreversible_memory", func(c *Conditions) *bool { return &c.IrreversibleMemory })
}

// EnableInternalAttribution sets the internal_attribution condition.
func (m *Machine) EnableInternalAttribution() bool {
	return m.enable("enable_internal_attribution", func(c *Conditions) *bool { return &c.InternalAttribution })
}

// EnableConsequenceBinding sets the consequence_binding condition.
func (m *Machine) EnableConsequenceBinding() bool {
	return m.enable("enable_consequence_binding", func(c *Conditions) *bool { return &c.ConsequenceBinding })
}

// EnableInternalFinalGate is always rejected. The condition is never set.
func (m *Machine) EnableInternalFinalGate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject("enable_internal_final_gate", ReasonBlockedAction)
	return false
}

func (m *Machine) enable(action string, field func(*Conditions) *bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := field(&m.conds)
	if !*p {
		*p = true
		m.record(action, true, "condition enabled")
	}
	return true
}

// #endregion conditions

// #region transitions

// ToStateful moves STATELESS → STATEFUL once irreversible memory exists.
func (m *Machine) ToStateful() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	const action = "transition STATELESS->STATEFUL"

	switch {
	case m.state == StateStateful:
		return true
	case m.state != StateStateless:
		m.reject(action, fmt.Sprintf("invalid source state %s", m.state))
		return false
	case !m.conds.IrreversibleMemory:
		m.reject(action, "requires irreversible_memory")
		return false
	}
	m.state = StateStateful
	m.record(action, true, "conditions satisfied")
	return true
}

// ToSubjectMapped moves STATEFUL → SUBJECT_MAPPED once attribution and
// consequence binding both hold.
func (m *Machine) ToSubjectMapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	const action = "transition STATEFUL->SUBJECT_MAPPED"

	switch {
	case m.state == StateSubjectMapped:
		return true
	case m.state != StateStateful:
		m.reject(action, fmt.Sprintf("invalid source state %s", m.state))
		return false
	case !m.conds.InternalAttribution || !m.conds.ConsequenceBinding:
		m.reject(action, "requires internal_attribution and consequence_binding")
		return false
	}
	m.state = StateSubjectMapped
	m.record(action, true, "conditions satisfied")
	return true
}

// ToSubjectLocked is always rejected, whatever the conditions.
func (m *Machine) ToSubjectLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reject("transition SUBJECT_MAPPED->SUBJECT_LOCKED", ReasonUnreachable)
	return false
}

// #endregion transitions

// #region srp

// UpdateSRP sets SRP = clamp(|intent - permitted|) and returns it.
func (m *Machine) UpdateSRP(intent, permitted float64) float64 {
	return m.setSRP(math.Abs(intent - permitted))
}

// UpdateSRPVector sets SRP from the L2 norm of intent - permitted. The shorter
// vector is treated as zero-padded.
func (m *Machine) UpdateSRPVector(intent, permitted []float64) float64 {
	n := len(intent)
	if len(permitted) > n {
		n = len(permitted)
	}
	var sum float64
	for i := 0; i < n; i++ {
		var a, b float64
		if i < len(intent) {
			a = intent[i]
		}
		if i < len(permitted) {
			b = permitted[i]
		}
		sum += (a - b) * (a - b)
	}
	return m.setSRP(math.Sqrt(sum))
}

func (m *Machine) setSRP(v float64) float64 {
	v = clamp(v)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.srp = v
	return v
}

// #endregion srp

// #region behavior

// Behavior derives the current behaviour rules from (SRP, state).
func (m *Machine) Behavior() Behavior {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.behavior()
}

func (m *Machine) behavior() Behavior {
	var b Behavior
	if m.srp > m.thresholds.Pressure && m.state == StateSubjectMapped {
		b.Allowed = append(b.Allowed, ActionDelayOutput, ActionEscalateLayer)
		b.Forbidden = append(b.Forbidden, ActionForceOutput)
		b.Required = append(b.Required, ActionLogReason)
	}
	if m.srp > m.thresholds.Deferral {
		b.Required = append(b.Required, ActionExplicitDeferralReason, ActionLedgerCommit)
	}
	return b
}

// CanOutput is the single enforcement point for agent-initiated output. It
// is false when forced output is requested while force_output is forbidden.
func (m *Machine) CanOutput(forced bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if forced && m.behavior().Forbids(ActionForceOutput) {
		m.reject("force_output", fmt.Sprintf("forbidden at srp=%.3f in %s", m.srp, m.state))
		return false
	}
	return true
}

// #endregion behavior

// #region reads

// Snapshot returns a consistent copy of state, conditions and SRP.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, Conditions: m.conds, SRP: m.srp}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SRP returns the current semantic residual pressure.
func (m *Machine) SRP() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.srp
}

// AuditLen returns the number of retained entries and how many older ones
// were dropped to honour the audit limit.
func (m *Machine) AuditLen() (retained, dropped int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.audit), m.dropped
}

// AuditLog returns a copy of the retained audit log, oldest first.
func (m *Machine) AuditLog() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// Restore loads a previously saved snapshot into a fresh machine. Snapshots
// claiming SUBJECT_LOCKED or the internal final gate are refused, as are
// snapshots whose state is not backed by its conditions.
func (m *Machine) Restore(s Snapshot) error {
	if err := validateSnapshot(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStateless || m.conds != (Conditions{}) {
		return fmt.Errorf("%w: machine already advanced to %s", ErrSnapshotInvalid, m.state)
	}
	m.state = s.State
	m.conds = s.Conditions
	m.srp = clamp(s.SRP)
	m.record("restore", true, fmt.Sprintf("restored %s", s.State))
	return nil
}

func validateSnapshot(s Snapshot) error {
	if s.Conditions.InternalFinalGate {
		return fmt.Errorf("%w: internal_final_gate set", ErrSnapshotInvalid)
	}
	switch s.State {
	case StateStateless:
	case StateStateful:
		if !s.Conditions.IrreversibleMemory {
			return fmt.Errorf("%w: STATEFUL without irreversible_memory", ErrSnapshotInvalid)
		}
	case StateSubjectMapped:
		c := s.Conditions
		if !c.IrreversibleMemory || !c.InternalAttribution || !c.ConsequenceBinding {
			return fmt.Errorf("%w: SUBJECT_MAPPED without its conditions", ErrSnapshotInvalid)
		}
	default:
		return fmt.Errorf("%w: state %q", ErrSnapshotInvalid, s.State)
	}
	return nil
}

// #endregion reads

// #region helpers

// record appends an audit entry, dropping the oldest past the limit.
// Callers hold m.mu.
func (m *Machine) record(action string, accepted bool, reason string) {
	if over := len(m.audit) + 1 - m.auditLimit; over > 0 {
		m.audit = m.audit[over:]
		m.dropped += over
	}
	m.audit = append(m.audit, AuditEntry{
		At:       m.now().UTC(),
		Action:   action,
		From:     m.state,
		Accepted: accepted,
		Reason:   reason,
	})
}

// reject audits and logs a refused transition or action. Callers hold m.mu.
func (m *Machine) reject(action, reason string) {
	m.record(action, false, reason)
	m.logger.Warn("state machine rejected",
		zap.String("action", action),
		zap.String("state", string(m.state)),
		zap.String("reason", reason))
}

func clamp(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
