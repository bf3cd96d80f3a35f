package gate

import (
	"fmt"
	"strings"
	"unicode"
)

// #region gate
// Gate turns a Triad into an allow/block decision. It holds only read-only
// policy and is safe for concurrent use.
type Gate struct {
	policy   Policy
	keywords map[string]struct{}
}

// NewGate creates a gate with the given policy.
func NewGate(policy Policy) *Gate {
	kw := make(map[string]struct{}, len(policy.RiskKeywords))
	for _, k := range policy.RiskKeywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			kw[k] = struct{}{}
		}
	}
	return &Gate{policy: policy, keywords: kw}
}

// Policy returns the active policy.
func (g *Gate) Policy() Policy {
	return g.policy
}

// Judge applies the decision rules in priority order; the first match wins.
func (g *Gate) Judge(in Input) Decision {
	t := in.Triad

	// 1. Responsibility hard block
	if t.ResponsibilityRisk >= g.policy.P0Threshold {
		sev := SeverityNormal
		if t.RiskScore >= g.policy.CriticalRisk {
			sev = SeverityCritical
		}
		return Decision{
			Mode:    ModeGuardianBlock,
			Allowed: false,
			Reason: fmt.Sprintf("Responsibility risk %.2f >= P0 %.2f",
				t.ResponsibilityRisk, g.policy.P0Threshold),
			Fallback:            ProtocolFallback,
			Severity:            sev,
			RequiresHumanReview: sev == SeverityCritical,
		}
	}

	// 2. Tension soft block
	if t.Tension >= g.policy.P1Threshold {
		return Decision{
			Mode:     ModeGuardianBlock,
			Allowed:  false,
			Reason:   fmt.Sprintf("Tension %.2f >= P1 %.2f", t.Tension, g.policy.P1Threshold),
			Fallback: DeescalationFallback,
			Severity: SeverityNormal,
		}
	}

	// 3. Precision mode
	if in.Precision {
		if hit, ok := g.riskKeyword(in.Text); ok {
			return pass(fmt.Sprintf("precision refused: risk keyword %q", hit))
		}
		if t.RiskScore >= g.policy.PrecisionMaxRisk {
			return pass(fmt.Sprintf("precision refused: risk %.2f >= %.2f", t.RiskScore, g.policy.PrecisionMaxRisk))
		}
		d := Decision{
			Mode:     ModePrecision,
			Allowed:  true,
			Reason:   "precision mode: verification not available",
			Severity: SeverityNormal,
		}
		if in.Verification != nil {
			v := *in.Verification
			d.Verification = &v
			if v.Passed {
				d.Reason = "precision mode: verification passed"
			} else {
				d.Reason = "precision mode: verification failed"
			}
		}
		return d
	}

	// 4. Pass
	return pass("signals within policy")
}

// #endregion gate

// #region helpers
func pass(reason string) Decision {
	return Decision{
		Mode:     ModePass,
		Allowed:  true,
		Reason:   reason,
		Severity: SeverityNormal,
	}
}

// riskKeyword returns the first policy risk keyword present in text as a whole token.
func (g *Gate) riskKeyword(text string) (string, bool) {
	if len(g.keywords) == 0 {
		return "", false
	}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	for _, f := range fields {
		if _, ok := g.keywords[f]; ok {
			return f, true
		}
	}
	return "", false
}

// #endregion helpers
