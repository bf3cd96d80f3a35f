package orchestrator

// #region imports
import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/vowguard/internal/agentstate"
	"github.com/danielpatrickdp/vowguard/internal/codec"
	"github.com/danielpatrickdp/vowguard/internal/council"
	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/ledger"
	"github.com/danielpatrickdp/vowguard/internal/signals"
)

// #endregion

// #region collaborators

// Generator is the opaque text generator. *codec.GeneratorClient satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt, systemContext string, tempDelta float64) (codec.GenerateResult, error)
}

// Verifier is the optional verification service. *codec.VerifierClient
// satisfies it.
type Verifier interface {
	Verify(ctx context.Context, text string) (gate.Verification, error)
}

// #endregion

// #region deps

// Deps are the components a turn is wired through. Store, Verifier and
// Logger are optional.
type Deps struct {
	Sensor    *signals.Sensor
	Gate      *gate.Gate
	Chamber   *council.Chamber
	Ledger    *ledger.Ledger
	Machine   *agentstate.Machine
	Store     *agentstate.Store
	Generator Generator
	Verifier  Verifier
	Logger    *zap.Logger
}

// Config tunes turn handling.
type Config struct {
	HistoryWindow   int           // prior inputs kept for drift
	Signatory       string        // default signatory for ledger records
	Timeout         time.Duration // per collaborator call; 0 = none
	GenerateRetries int           // extra attempts on transient generator errors
	RetryBackoff    time.Duration // multiplied by the attempt number
}

// DefaultConfig returns the stock turn settings.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:   8,
		Timeout:         30 * time.Second,
		GenerateRetries: defaultRetries,
		RetryBackoff:    100 * time.Millisecond,
	}
}

// #endregion

// #region turn

// TurnOptions are per-turn switches.
type TurnOptions struct {
	Precision bool   // request PRECISION mode
	Signatory string // overrides Config.Signatory when set
}

// TurnResult is what a caller sees after one governed turn.
type TurnResult struct {
	Response            string           `json:"response"`
	Mode                gate.Mode        `json:"mode"`
	Triad               signals.Triad    `json:"triad"`
	RequiresHumanReview bool             `json:"requires_human_review"`
	RecordID            string           `json:"record_id"`
	State               agentstate.State `json:"state"`
	SRP                 float64          `json:"srp"`
	Deferral            string           `json:"deferral,omitempty"`

	Decision gate.Decision    `json:"-"`
	Council  council.Decision `json:"-"`
	Latency  time.Duration    `json:"-"`
}

// #endregion

// #region errors

// ErrHalted is returned by every turn after a ledger failure.
var ErrHalted = errors.New("orchestrator halted")

// ErrOutputForbidden is returned by ForceOutput when the state machine
// forbids agent-initiated output.
var ErrOutputForbidden = errors.New("forced output forbidden")

// #endregion
