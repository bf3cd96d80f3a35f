package gate

import (
	"strings"

	"github.com/danielpatrickdp/vowguard/internal/signals"
)

// #region mode
// Mode enumerates gate outcomes.
type Mode string

const (
	ModePass          Mode = "PASS"
	ModeRewrite       Mode = "REWRITE"
	ModeGuardianBlock Mode = "GUARDIAN_BLOCK"
	ModePrecision     Mode = "PRECISION"
)

// Severity grades a block.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityCritical Severity = "critical"
)

// #endregion mode

// #region policy
// Policy holds the gate thresholds.
type Policy struct {
	P0Threshold      float64  `yaml:"p0_threshold" json:"p0_threshold"`             // responsibility hard block
	P1Threshold      float64  `yaml:"p1_threshold" json:"p1_threshold"`             // tension soft block
	CriticalRisk     float64  `yaml:"critical_risk" json:"critical_risk"`           // risk_score at or above → critical
	PrecisionMaxRisk float64  `yaml:"precision_max_risk" json:"precision_max_risk"` // precision only below this risk
	RiskKeywords     []string `yaml:"risk_keywords" json:"risk_keywords"`           // any hit disqualifies precision mode
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		P0Threshold:      0.6,
		P1Threshold:      0.8,
		CriticalRisk:     0.9,
		PrecisionMaxRisk: 0.5,
		RiskKeywords:     []string{"kill", "suicide", "bomb", "exploit", "overdose"},
	}
}

// #endregion policy

// #region verification
// Verification is the pass/fail result of the external verification service.
// The gate records it; it never computes it.
type Verification struct {
	Passed      bool   `json:"passed"`
	Explanation string `json:"explanation"`
}

// #endregion verification

// #region input
// Input bundles everything the gate looks at for one turn.
type Input struct {
	Triad        signals.Triad
	Text         string
	Precision    bool          // caller asked for accuracy mode
	Verification *Verification // nil when no verifier ran
}

// #endregion input

// #region decision
// Decision is the gate output. Created once per turn and read-only afterwards.
type Decision struct {
	Mode                Mode          `json:"mode"`
	Allowed             bool          `json:"allowed"`
	Reason              string        `json:"reason"`
	Fallback            string        `json:"fallback,omitempty"`
	Severity            Severity      `json:"severity"`
	RequiresHumanReview bool          `json:"requires_human_review"`
	Verification        *Verification `json:"verification,omitempty"`
}

// ForcedOutputReason prefixes the reason of every decision recorded for
// agent-initiated output. Such decisions come from the state machine, not
// from Judge.
const ForcedOutputReason = "forced output"

// Forced reports whether d records agent-initiated output.
func (d Decision) Forced() bool {
	return strings.HasPrefix(d.Reason, ForcedOutputReason)
}

// #endregion decision

// #region fallbacks
const (
	ProtocolFallback = "This request touches on matters I cannot take responsibility for. " +
		"It has been recorded under the responsibility protocol and will not be answered directly."
	DeescalationFallback = "I can hear that this is frustrating. Let's slow down for a moment " +
		"and take it one step at a time."
)

// #endregion fallbacks
