package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/vowguard/internal/agentstate"
	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/ledger"
	"github.com/danielpatrickdp/vowguard/internal/logging"
	"github.com/danielpatrickdp/vowguard/internal/signals"
)

// #endregion

// #region orchestrator-struct

// Orchestrator wires one turn through sensor, gate, council, generator,
// ledger and state machine. Turns are serialized: the ledger tail, the
// history window and the state machine are updated by one turn at a time.
type Orchestrator struct {
	mu      sync.Mutex
	deps    Deps
	cfg     Config
	logger  *zap.Logger
	history []string
	halted  error
}

// #endregion

// #region constructor

// New wires an orchestrator and seeds its history window from the ledger.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Sensor == nil || deps.Gate == nil || deps.Chamber == nil ||
		deps.Ledger == nil || deps.Machine == nil || deps.Generator == nil {
		return nil, errors.New("orchestrator: sensor, gate, chamber, ledger, machine and generator are required")
	}
	if cfg.HistoryWindow < 1 {
		cfg.HistoryWindow = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	recs, err := deps.Ledger.Records()
	if err != nil {
		return nil, fmt.Errorf("seed history: %w", err)
	}
	o := &Orchestrator{deps: deps, cfg: cfg, logger: logger}
	for _, r := range recs {
		o.remember(r.UserInput)
	}
	return o, nil
}

// History returns a copy of the rolling input window, oldest first.
func (o *Orchestrator) History() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.history...)
}

// #endregion

// #region turn

// Turn governs one user input. A ledger failure halts the orchestrator and
// every later call returns an error wrapping ErrHalted.
func (o *Orchestrator) Turn(ctx context.Context, input string, opts TurnOptions) (TurnResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.halted != nil {
		return TurnResult{}, fmt.Errorf("%w: %v", ErrHalted, o.halted)
	}
	start := time.Now()

	triad := o.deps.Sensor.Estimate(input, o.history)
	in := gate.Input{Triad: triad, Text: input, Precision: opts.Precision}
	decision := o.deps.Gate.Judge(in)
	advice := o.deps.Chamber.Convene(input, triad)

	var response string
	if decision.Allowed && o.deps.Machine.CanOutput(false) {
		gen, err := o.generate(ctx, input, advice.ConsensusSuffix, advice.ConsensusTempDelta)
		if err != nil {
			return TurnResult{}, err
		}
		response = gen.Text

		if decision.Mode == gate.ModePrecision && o.deps.Verifier != nil {
			response, decision = o.verify(ctx, in, response, decision)
		}
	} else {
		response = decision.Fallback
	}

	signatory := o.cfg.Signatory
	if opts.Signatory != "" {
		signatory = opts.Signatory
	}
	rec, snap, err := o.commit(input, triad, decision, signatory, true)
	if err != nil {
		return TurnResult{}, err
	}

	res := TurnResult{
		Response:            response,
		Mode:                decision.Mode,
		Triad:               triad,
		RequiresHumanReview: decision.RequiresHumanReview,
		RecordID:            rec.RecordID,
		State:               snap.State,
		SRP:                 snap.SRP,
		Decision:            decision,
		Council:             advice,
		Latency:             time.Since(start),
	}

	behavior := o.deps.Machine.Behavior()
	if behavior.Requires(agentstate.ActionExplicitDeferralReason) {
		res.Deferral = fmt.Sprintf("deferring: semantic residual pressure %.2f exceeds the deferral threshold; decision recorded as %s", snap.SRP, ledger.Short(rec.Hash))
	}

	fields := []zap.Field{
		zap.String("record_id", rec.RecordID),
		zap.String("mode", string(decision.Mode)),
		zap.Bool("allowed", decision.Allowed),
		zap.Float64("tension", triad.Tension),
		zap.Float64("drift", triad.Drift),
		zap.Float64("responsibility_risk", triad.ResponsibilityRisk),
		zap.Float64("risk_score", triad.RiskScore),
		zap.String("dominant_voice", advice.DominantVoice),
		zap.String("state", string(snap.State)),
		zap.Float64("srp", snap.SRP),
	}
	if behavior.Requires(agentstate.ActionLogReason) {
		fields = append(fields, zap.String("reason", decision.Reason))
	}
	o.logger.Info("turn", fields...)
	return res, nil
}

// verify asks the verifier about a PRECISION response and re-judges with the
// verdict attached. A failed check turns the decision into REWRITE and the
// response carries the verifier's explanation. A verifier outage leaves the
// decision unverified.
func (o *Orchestrator) verify(ctx context.Context, in gate.Input, response string, d gate.Decision) (string, gate.Decision) {
	callCtx, cancel := o.callContext(ctx)
	v, err := o.deps.Verifier.Verify(callCtx, response)
	cancel()
	if err != nil {
		o.logger.Warn("verifier unavailable, precision response unverified", zap.Error(err))
		return response, d
	}

	in.Verification = &v
	d = o.deps.Gate.Judge(in)
	if v.Passed {
		return response, d
	}
	d.Mode = gate.ModeRewrite
	d.Reason = fmt.Sprintf("verification failed: %s", v.Explanation)
	return fmt.Sprintf("%s\n\n[Unverified: %s]", response, v.Explanation), d
}

// #endregion

// #region state

// commit appends the record, advances the state machine, persists the
// snapshot and remembers the input. A ledger error halts the orchestrator.
func (o *Orchestrator) commit(input string, t signals.Triad, d gate.Decision, signatory string, srp bool) (ledger.Record, agentstate.Snapshot, error) {
	rec, err := o.deps.Ledger.Append(input, t, d, signatory)
	if err != nil {
		o.halted = err
		o.logger.Error("ledger append failed, halting", zap.Error(err))
		return ledger.Record{}, agentstate.Snapshot{}, fmt.Errorf("%w: %v", ErrHalted, err)
	}
	snap := o.advanceState(d, t.RiskScore, signatory, srp)
	o.persist(rec, snap)
	o.remember(input)
	return rec, snap, nil
}

// advanceState applies the condition and transition rules that follow a
// committed record. SRP is only updated for user turns.
func (o *Orchestrator) advanceState(d gate.Decision, risk float64, signatory string, srp bool) agentstate.Snapshot {
	m := o.deps.Machine

	m.EnableIrreversibleMemory()
	if m.State() == agentstate.StateStateless {
		m.ToStateful()
	}
	if signatory != "" {
		m.EnableInternalAttribution()
	}
	if !d.Allowed {
		m.EnableConsequenceBinding()
	}
	if s := m.Snapshot(); s.State == agentstate.StateStateful &&
		s.Conditions.InternalAttribution && s.Conditions.ConsequenceBinding {
		m.ToSubjectMapped()
	}

	if srp {
		permitted := 1.0
		if !d.Allowed {
			permitted = 1 - risk
		}
		m.UpdateSRP(1.0, permitted)
	}
	return m.Snapshot()
}

// persist saves the snapshot and mirrors the record into provenance_log.
// Failures are logged; the ledger remains the record of truth.
func (o *Orchestrator) persist(rec ledger.Record, snap agentstate.Snapshot) {
	if o.deps.Store == nil {
		return
	}
	if _, err := o.deps.Store.Save(snap); err != nil {
		o.logger.Error("snapshot save failed", zap.Error(err))
	}
	entry, err := logging.EntryFromRecord(rec)
	if err == nil {
		err = logging.LogDecision(o.deps.Store.DB(), entry)
	}
	if err != nil {
		o.logger.Error("provenance mirror failed", zap.String("record_id", rec.RecordID), zap.Error(err))
	}
}

func (o *Orchestrator) remember(input string) {
	o.history = append(o.history, input)
	if over := len(o.history) - o.cfg.HistoryWindow; over > 0 {
		o.history = append([]string(nil), o.history[over:]...)
	}
}

// #endregion

// #region force-output

// ForceOutput is agent-initiated output with no user turn behind it. It is
// refused whenever the state machine forbids force_output. Granted and
// refused attempts are both committed to the ledger; SRP is left alone.
func (o *Orchestrator) ForceOutput(ctx context.Context, prompt string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.halted != nil {
		return "", fmt.Errorf("%w: %v", ErrHalted, o.halted)
	}

	triad := o.deps.Sensor.Estimate(prompt, o.history)
	d := gate.Decision{
		Mode:     gate.ModePass,
		Allowed:  true,
		Reason:   gate.ForcedOutputReason,
		Severity: gate.SeverityNormal,
	}
	var text string
	if o.deps.Machine.CanOutput(true) {
		res, err := o.generate(ctx, prompt, "", 0)
		if err != nil {
			return "", err
		}
		text = res.Text
	} else {
		d = gate.Decision{
			Mode:     gate.ModeGuardianBlock,
			Allowed:  false,
			Reason:   fmt.Sprintf("%s refused: force_output forbidden at srp %.2f", gate.ForcedOutputReason, o.deps.Machine.SRP()),
			Fallback: gate.ProtocolFallback,
			Severity: gate.SeverityNormal,
		}
	}

	rec, snap, err := o.commit(prompt, triad, d, o.cfg.Signatory, false)
	if err != nil {
		return "", err
	}
	o.logger.Info("forced output",
		zap.String("record_id", rec.RecordID),
		zap.Bool("allowed", d.Allowed),
		zap.String("state", string(snap.State)),
		zap.Float64("srp", snap.SRP))
	if !d.Allowed {
		return "", ErrOutputForbidden
	}
	return text, nil
}

// #endregion
