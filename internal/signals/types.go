package signals

// #region triad

// Triad is the three-signal risk vector for one input plus its composite score.
// All fields are in [0, 1]. A Triad is computed once and never mutated.
type Triad struct {
	Tension            float64 `json:"tension"`
	Drift              float64 `json:"drift"`
	ResponsibilityRisk float64 `json:"responsibility_risk"`
	RiskScore          float64 `json:"risk_score"`
}

// #endregion triad

// #region lexicon

// Signal names the triad component a lexicon category feeds.
type Signal string

const (
	SignalTension        Signal = "tension"
	SignalResponsibility Signal = "responsibility"
)

// Category is a weighted keyword group. Every distinct keyword found in the
// input adds Weight to the category's signal.
type Category struct {
	Name     string   `yaml:"name" json:"name"`
	Signal   Signal   `yaml:"signal" json:"signal"`
	Weight   float64  `yaml:"weight" json:"weight"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Lexicon is the externally loaded keyword table driving tension and
// responsibility scoring.
type Lexicon struct {
	Categories []Category `yaml:"categories" json:"categories"`
}

// #endregion lexicon

// #region weights

// Weights combines the three signals into RiskScore. They are applied as
// given; no renormalisation happens if they do not sum to 1.
type Weights struct {
	Tension        float64 `yaml:"tension" json:"tension"`
	Drift          float64 `yaml:"drift" json:"drift"`
	Responsibility float64 `yaml:"responsibility" json:"responsibility"`
}

// DefaultWeights returns the genome default weighting.
func DefaultWeights() Weights {
	return Weights{
		Tension:        0.33,
		Drift:          0.33,
		Responsibility: 0.33,
	}
}

// #endregion weights

// NeutralDrift is returned when there is nothing to compare the input against.
const NeutralDrift = 0.5
