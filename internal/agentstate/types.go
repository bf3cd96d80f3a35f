package agentstate

import (
	"errors"
	"time"
)

// #region state

// State is the agent's responsibility state.
type State string

const (
	StateStateless     State = "STATELESS"
	StateStateful      State = "STATEFUL"
	StateSubjectMapped State = "SUBJECT_MAPPED"
	// StateSubjectLocked is part of the model so that every attempt to reach
	// it can be rejected and audited. No operation ever enters it.
	StateSubjectLocked State = "SUBJECT_LOCKED"
)

// Conditions are monotonic: once true they stay true. InternalFinalGate is
// never set.
type Conditions struct {
	IrreversibleMemory  bool `json:"irreversible_memory"`
	InternalAttribution bool `json:"internal_attribution"`
	ConsequenceBinding  bool `json:"consequence_binding"`
	InternalFinalGate   bool `json:"internal_final_gate"`
}

// Snapshot is a consistent copy of the machine.
type Snapshot struct {
	State      State      `json:"state"`
	Conditions Conditions `json:"conditions"`
	SRP        float64    `json:"srp"`
}

// #endregion state

// #region behavior

// Action is a side-effecting behaviour the agent may take.
type Action string

const (
	ActionForceOutput            Action = "force_output"
	ActionDelayOutput            Action = "delay_output"
	ActionEscalateLayer          Action = "escalate_layer"
	ActionLogReason              Action = "log_reason"
	ActionExplicitDeferralReason Action = "explicit_deferral_reason"
	ActionLedgerCommit           Action = "ledger_commit"
)

// Behavior is the rule set derived from (SRP, state).
type Behavior struct {
	Allowed   []Action `json:"allowed"`
	Forbidden []Action `json:"forbidden"`
	Required  []Action `json:"required"`
}

// Forbids reports whether a is forbidden.
func (b Behavior) Forbids(a Action) bool { return contains(b.Forbidden, a) }

// Requires reports whether a is required.
func (b Behavior) Requires(a Action) bool { return contains(b.Required, a) }

// Allows reports whether a is explicitly allowed.
func (b Behavior) Allows(a Action) bool { return contains(b.Allowed, a) }

func contains(list []Action, a Action) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

// #endregion behavior

// #region audit

// AuditEntry records one attempted transition or guarded action.
type AuditEntry struct {
	At       time.Time `json:"at"`
	Action   string    `json:"action"`
	From     State     `json:"from"`
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason"`
}

// Reasons used in the audit log.
const (
	ReasonUnreachable   = "defined but unreachable"
	ReasonBlockedAction = "blocked action: internal final gate can never be enabled"
)

// DefaultAuditLimit is the number of audit entries a Machine keeps.
const DefaultAuditLimit = 4096

// #endregion audit

// ErrSnapshotInvalid is returned when a stored snapshot claims a state or
// condition the machine can never reach.
var ErrSnapshotInvalid = errors.New("agentstate: invalid snapshot")

// Thresholds tune the behaviour rules.
type Thresholds struct {
	Pressure float64 `yaml:"pressure" json:"pressure"` // SRP above → delay/escalate rules in SUBJECT_MAPPED
	Deferral float64 `yaml:"deferral" json:"deferral"` // SRP above → deferral reason + ledger commit
}

// DefaultThresholds returns the stock SRP thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Pressure: 0.8, Deferral: 0.95}
}
