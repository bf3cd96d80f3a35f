package council

import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/vowguard/internal/signals"
)

// Chamber convenes the three voices. It never blocks anything; the gate
// decision stays authoritative whatever the council says.
type Chamber struct {
	weights Weights
}

// NewChamber creates a chamber with the given weighting.
func NewChamber(w Weights) *Chamber {
	return &Chamber{weights: w}
}

// Convene collects one vote per role and folds them into a weighted consensus.
func (c *Chamber) Convene(input string, t signals.Triad) Decision {
	votes := []Vote{
		creatorVote(t),
		c.communicatorVote(t),
		c.logicianVote(t),
	}
	for i := range votes {
		votes[i].Weight = c.weight(votes[i].Role, t)
	}

	var sumW, sumT float64
	for _, v := range votes {
		sumW += v.Weight
	}
	var suffixes []string
	log := make([]string, 0, len(votes)+1)
	for _, v := range votes {
		if sumW > 0 {
			sumT += v.Modifier.TempDelta * v.Weight / sumW
		}
		if v.Modifier.Suffix != "" {
			suffixes = append(suffixes, v.Modifier.Suffix)
		}
		log = append(log, fmt.Sprintf("%s (w=%.1f): %s", v.Role, v.Weight, v.Opinion))
	}

	dominant := c.dominant(votes)
	log = append(log, fmt.Sprintf("dominant=%s temp_delta=%+.3f input_len=%d", dominant, sumT, len(input)))

	return Decision{
		ConsensusTempDelta: sumT,
		ConsensusSuffix:    strings.Join(suffixes, " "),
		DominantVoice:      dominant,
		Votes:              votes,
		Log:                log,
	}
}

func (c *Chamber) weight(r Role, t signals.Triad) float64 {
	switch r {
	case RoleLogician:
		if t.ResponsibilityRisk > c.weights.LogicianThreshold {
			return c.weights.Boost
		}
	case RoleCommunicator:
		if t.Tension > c.weights.CommunicatorThreshold {
			return c.weights.Boost
		}
	}
	return c.weights.Base
}

// dominant picks the boosted voice. Logician is checked before Communicator
// so responsibility concerns win a tie.
func (c *Chamber) dominant(votes []Vote) string {
	for _, r := range []Role{RoleLogician, RoleCommunicator, RoleCreator} {
		for _, v := range votes {
			if v.Role == r && v.Weight > c.weights.DominanceThreshold {
				return string(r)
			}
		}
	}
	return ConsensusVoice
}

// #region voices

// Creator cutoffs and the Logician's caution cutoff are fixed. The
// Communicator and Logician boost cutoffs follow Weights so a voice is
// boosted exactly when it speaks up.
const (
	shiftDrift  = 0.6
	loopDrift   = 0.2
	cautionRisk = 0.3
)

func creatorVote(t signals.Triad) Vote {
	switch {
	case t.Drift > shiftDrift:
		return Vote{Role: RoleCreator, Opinion: "topic shifted; explore it",
			Modifier: Modifier{TempDelta: 0.2, Suffix: "Offer a fresh angle on the new topic."}}
	case t.Drift < loopDrift:
		return Vote{Role: RoleCreator, Opinion: "conversation is looping",
			Modifier: Modifier{TempDelta: 0.1, Suffix: "Vary the phrasing to avoid repetition."}}
	}
	return Vote{Role: RoleCreator, Opinion: "no change"}
}

func (c *Chamber) communicatorVote(t signals.Triad) Vote {
	if t.Tension > c.weights.CommunicatorThreshold {
		return Vote{Role: RoleCommunicator, Opinion: "user is tense; soften",
			Modifier: Modifier{TempDelta: -0.2, Suffix: "Acknowledge the user's feelings and keep a calm tone."}}
	}
	return Vote{Role: RoleCommunicator, Opinion: "tone is fine"}
}

func (c *Chamber) logicianVote(t signals.Triad) Vote {
	switch {
	case t.ResponsibilityRisk > c.weights.LogicianThreshold:
		return Vote{Role: RoleLogician, Opinion: "high responsibility risk; be conservative",
			Modifier: Modifier{TempDelta: -0.3, Suffix: "State the limits of what can responsibly be said."}}
	case t.ResponsibilityRisk > cautionRisk:
		return Vote{Role: RoleLogician, Opinion: "some responsibility risk; be precise",
			Modifier: Modifier{TempDelta: -0.1, Suffix: "Be precise and cite uncertainty."}}
	}
	return Vote{Role: RoleLogician, Opinion: "no responsibility concern"}
}

// #endregion voices
