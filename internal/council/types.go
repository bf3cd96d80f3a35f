package council

// #region role

// Role is one of the three fixed council voices.
type Role string

const (
	RoleCreator      Role = "Creator"
	RoleCommunicator Role = "Communicator"
	RoleLogician     Role = "Logician"
)

// Roles lists the voices in suffix concatenation order.
var Roles = []Role{RoleCreator, RoleCommunicator, RoleLogician}

// ConsensusVoice is reported when no single role dominates.
const ConsensusVoice = "Consensus"

// #endregion role

// #region vote

// Modifier is a vote's suggested change to generation parameters.
type Modifier struct {
	TempDelta float64 `json:"temp_delta"`
	Suffix    string  `json:"suffix,omitempty"`
}

// Vote is one voice's opinion on the current turn.
type Vote struct {
	Role     Role     `json:"role"`
	Opinion  string   `json:"opinion"`
	Modifier Modifier `json:"modifier"`
	Weight   float64  `json:"weight"`
}

// Decision is the weighted council consensus. Advisory only.
type Decision struct {
	ConsensusTempDelta float64  `json:"consensus_temp_delta"`
	ConsensusSuffix    string   `json:"consensus_suffix"`
	DominantVoice      string   `json:"dominant_voice"`
	Votes              []Vote   `json:"votes"`
	Log                []string `json:"log"`
}

// #endregion vote

// #region config

// Weights configures how strongly each voice counts.
type Weights struct {
	Base                  float64 `yaml:"base" json:"base"`
	Boost                 float64 `yaml:"boost" json:"boost"`
	LogicianThreshold     float64 `yaml:"logician_threshold" json:"logician_threshold"`         // responsibility_risk above → boost
	CommunicatorThreshold float64 `yaml:"communicator_threshold" json:"communicator_threshold"` // tension above → boost
	DominanceThreshold    float64 `yaml:"dominance_threshold" json:"dominance_threshold"`       // weight above → dominant
}

// DefaultWeights returns the stock council weighting.
func DefaultWeights() Weights {
	return Weights{
		Base:                  1.0,
		Boost:                 2.0,
		LogicianThreshold:     0.6,
		CommunicatorThreshold: 0.5,
		DominanceThreshold:    1.5,
	}
}

// #endregion config
