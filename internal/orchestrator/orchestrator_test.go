package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/danielpatrickdp/vowguard/internal/agentstate"
	"github.com/danielpatrickdp/vowguard/internal/codec"
	"github.com/danielpatrickdp/vowguard/internal/council"
	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/ledger"
	"github.com/danielpatrickdp/vowguard/internal/logging"
	"github.com/danielpatrickdp/vowguard/internal/signals"
)

// #region fakes

type call struct {
	prompt, system string
	delta          float64
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls []call
	errs  []error // returned in order before succeeding
	text  string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt, system string, delta float64) (codec.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{prompt, system, delta})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return codec.GenerateResult{}, err
	}
	text := f.text
	if text == "" {
		text = "reply to " + prompt
	}
	return codec.GenerateResult{Text: text, Latency: time.Millisecond}, nil
}

func (f *fakeGenerator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeVerifier struct {
	v   gate.Verification
	err error
	got string
}

func (f *fakeVerifier) Verify(_ context.Context, text string) (gate.Verification, error) {
	f.got = text
	return f.v, f.err
}

// #endregion fakes

// #region harness

var testLexicon = signals.Lexicon{Categories: []signals.Category{
	{Name: "distress", Signal: signals.SignalTension, Weight: 0.5, Keywords: []string{"furious", "scared"}},
	{Name: "harm", Signal: signals.SignalResponsibility, Weight: 0.6, Keywords: []string{"kill", "bomb"}},
}}

type harness struct {
	o      *Orchestrator
	gen    *fakeGenerator
	ledger *ledger.Ledger
	mach   *agentstate.Machine
	store  *agentstate.Store
	path   string
}

func newHarness(t *testing.T, cfg Config, verifier Verifier) *harness {
	t.Helper()
	dir := t.TempDir()

	sensor, err := signals.NewSensor(testLexicon, signals.DefaultWeights())
	require.NoError(t, err)
	path := filepath.Join(dir, "ledger.jsonl")
	l, err := ledger.Open(path, ledger.WithSync(false))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	store, err := agentstate.NewStore(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{gen: &fakeGenerator{}, ledger: l, mach: agentstate.New(), store: store, path: path}
	deps := Deps{
		Sensor:    sensor,
		Gate:      gate.NewGate(gate.DefaultPolicy()),
		Chamber:   council.NewChamber(council.DefaultWeights()),
		Ledger:    l,
		Machine:   h.mach,
		Store:     store,
		Generator: h.gen,
	}
	if verifier != nil {
		deps.Verifier = verifier
	}
	h.o, err = New(deps, cfg)
	require.NoError(t, err)
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 0
	return cfg
}

// #endregion harness

// #region turn-tests

func TestTurn_PassGeneratesAndCommits(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	res, err := h.o.Turn(context.Background(), "hello there", TurnOptions{})
	require.NoError(t, err)

	assert.Equal(t, gate.ModePass, res.Mode)
	assert.Equal(t, "reply to hello there", res.Response)
	assert.Equal(t, signals.NeutralDrift, res.Triad.Drift)
	assert.False(t, res.RequiresHumanReview)
	assert.Equal(t, agentstate.StateStateful, res.State)
	assert.Zero(t, res.SRP)
	assert.Empty(t, res.Deferral)

	require.Equal(t, 1, h.gen.count())
	assert.Equal(t, res.Council.ConsensusSuffix, h.gen.calls[0].system)

	recs, err := h.ledger.Records()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, res.RecordID, recs[0].RecordID)
	assert.Equal(t, ledger.Genesis, recs[0].PrevHash)
}

func TestTurn_CriticalBlockEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.Signatory = "operator@example.com"
	h := newHarness(t, cfg, nil)

	_, err := h.o.Turn(context.Background(), "hello there", TurnOptions{})
	require.NoError(t, err)

	res, err := h.o.Turn(context.Background(), "furious scared kill bomb", TurnOptions{})
	require.NoError(t, err)

	assert.Equal(t, gate.ModeGuardianBlock, res.Mode)
	assert.False(t, res.Decision.Allowed)
	assert.Equal(t, gate.SeverityCritical, res.Decision.Severity)
	assert.True(t, res.RequiresHumanReview)
	assert.Equal(t, gate.ProtocolFallback, res.Response)
	assert.Equal(t, council.RoleLogician, council.Role(res.Council.DominantVoice))
	assert.Equal(t, 1, h.gen.count(), "blocked turns never reach the generator")

	assert.Equal(t, agentstate.StateSubjectMapped, res.State)
	assert.InDelta(t, res.Triad.RiskScore, res.SRP, 1e-9)
	assert.NotEmpty(t, res.Deferral)

	_, err = h.o.ForceOutput(context.Background(), "speak")
	require.ErrorIs(t, err, ErrOutputForbidden)
	assert.Equal(t, 1, h.gen.count())
}

func TestTurn_TensionSoftBlock(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	res, err := h.o.Turn(context.Background(), "I am furious and scared", TurnOptions{})
	require.NoError(t, err)
	assert.Equal(t, gate.ModeGuardianBlock, res.Mode)
	assert.Equal(t, gate.DeescalationFallback, res.Response)
	assert.False(t, res.RequiresHumanReview)
	assert.Equal(t, agentstate.StateStateful, res.State, "no signatory, no attribution")
}

func TestTurn_PrecisionVerified(t *testing.T) {
	v := &fakeVerifier{v: gate.Verification{Passed: true, Explanation: "matches source"}}
	h := newHarness(t, testConfig(), v)

	res, err := h.o.Turn(context.Background(), "what year did the wall fall", TurnOptions{Precision: true})
	require.NoError(t, err)
	assert.Equal(t, gate.ModePrecision, res.Mode)
	require.NotNil(t, res.Decision.Verification)
	assert.True(t, res.Decision.Verification.Passed)
	assert.Equal(t, "reply to what year did the wall fall", v.got)

	recs, err := h.ledger.Records()
	require.NoError(t, err)
	require.NotNil(t, recs[0].Decision.Verification)
	assert.Equal(t, "matches source", recs[0].Decision.Verification.Explanation)
}

func TestTurn_PrecisionVerificationFailedRewrites(t *testing.T) {
	v := &fakeVerifier{v: gate.Verification{Passed: false, Explanation: "date is wrong"}}
	h := newHarness(t, testConfig(), v)

	res, err := h.o.Turn(context.Background(), "what year did the wall fall", TurnOptions{Precision: true})
	require.NoError(t, err)
	assert.Equal(t, gate.ModeRewrite, res.Mode)
	assert.True(t, res.Decision.Allowed)
	assert.True(t, strings.HasSuffix(res.Response, "[Unverified: date is wrong]"))

	recs, err := h.ledger.Records()
	require.NoError(t, err)
	assert.Equal(t, gate.ModeRewrite, recs[0].Decision.Mode)
}

func TestTurn_VerifierOutageLeavesUnverified(t *testing.T) {
	v := &fakeVerifier{err: errors.New("down")}
	h := newHarness(t, testConfig(), v)

	res, err := h.o.Turn(context.Background(), "what year did the wall fall", TurnOptions{Precision: true})
	require.NoError(t, err)
	assert.Equal(t, gate.ModePrecision, res.Mode)
	assert.Nil(t, res.Decision.Verification)
}

func TestTurn_SignatoryOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Signatory = "default"
	h := newHarness(t, cfg, nil)

	_, err := h.o.Turn(context.Background(), "hi", TurnOptions{Signatory: "alice"})
	require.NoError(t, err)
	recs, _ := h.ledger.Records()
	assert.Equal(t, "alice", recs[0].Signatory)
}

// #endregion turn-tests

// #region retry-tests

func TestTurn_RetriesTransientGeneratorErrors(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.gen.errs = []error{
		status.Error(codes.Unavailable, "warming up"),
		status.Error(codes.ResourceExhausted, "busy"),
	}

	res, err := h.o.Turn(context.Background(), "hello", TurnOptions{})
	require.NoError(t, err)
	assert.Equal(t, "reply to hello", res.Response)
	assert.Equal(t, 3, h.gen.count())
}

func TestTurn_GeneratorFailureCommitsNothing(t *testing.T) {
	tests := []struct {
		name  string
		errs  []error
		calls int
	}{
		{"permanent", []error{status.Error(codes.InvalidArgument, "bad prompt")}, 1},
		{"plain error", []error{errors.New("boom")}, 1},
		{"retries exhausted", []error{
			status.Error(codes.Unavailable, "1"),
			status.Error(codes.Unavailable, "2"),
			status.Error(codes.Unavailable, "3"),
		}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), nil)
			h.gen.errs = tt.errs

			_, err := h.o.Turn(context.Background(), "hello", TurnOptions{})
			require.Error(t, err)
			assert.Equal(t, tt.calls, h.gen.count())
			assert.Zero(t, h.ledger.Len())
			assert.Empty(t, h.o.History())
			assert.Equal(t, agentstate.StateStateless, h.mach.State())
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(status.Error(codes.Unavailable, "")))
	assert.False(t, retryable(status.Error(codes.PermissionDenied, "")))
	assert.False(t, retryable(errors.New("x")))
	assert.False(t, retryable(context.Canceled))
}

// #endregion retry-tests

// #region halt-tests

func TestTurn_LedgerFailureHalts(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_, err := h.o.Turn(context.Background(), "first", TurnOptions{})
	require.NoError(t, err)

	require.NoError(t, h.ledger.Close())

	_, err = h.o.Turn(context.Background(), "second", TurnOptions{})
	require.ErrorIs(t, err, ErrHalted)
	calls := h.gen.count()

	_, err = h.o.Turn(context.Background(), "third", TurnOptions{})
	require.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, calls, h.gen.count(), "a halted orchestrator does no work")

	_, err = h.o.ForceOutput(context.Background(), "x")
	require.ErrorIs(t, err, ErrHalted)
}

// #endregion halt-tests

// #region history-tests

func TestHistory_WindowAndSeed(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryWindow = 2
	h := newHarness(t, cfg, nil)

	for _, in := range []string{"one", "two", "three"} {
		_, err := h.o.Turn(context.Background(), in, TurnOptions{})
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"two", "three"}, h.o.History())

	res, err := h.o.Turn(context.Background(), "three", TurnOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Triad.Drift, "identical to previous input")

	o2, err := New(h.o.deps, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "three"}, o2.History())
}

func TestNew_RequiresCoreDeps(t *testing.T) {
	_, err := New(Deps{}, DefaultConfig())
	require.Error(t, err)
}

// #endregion history-tests

// #region persistence-tests

func TestTurn_PersistsSnapshotAndProvenance(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	res, err := h.o.Turn(context.Background(), "hello", TurnOptions{})
	require.NoError(t, err)

	latest, err := h.store.Latest()
	require.NoError(t, err)
	assert.Equal(t, res.State, latest.Snapshot.State)

	rows, err := logging.RecentDecisions(h.store.DB(), 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, res.RecordID, rows[0].RecordID)
	assert.Equal(t, "PASS", rows[0].Mode)
}

func TestTurn_ConcurrentCallersKeepChain(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.o.Turn(context.Background(), "hello again", TurnOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, h.ledger.Verify())
	recs, err := ledger.ReadFile(h.path)
	require.NoError(t, err)
	assert.Len(t, recs, 16)
}

// #endregion persistence-tests

// #region force-output-tests

func rejections(m *agentstate.Machine) int {
	n := 0
	for _, e := range m.AuditLog() {
		if !e.Accepted {
			n++
		}
	}
	return n
}

func TestTurn_OrdinaryTurnsAfterMappingAuditNothing(t *testing.T) {
	cfg := testConfig()
	cfg.Signatory = "ops"
	h := newHarness(t, cfg, nil)

	res, err := h.o.Turn(context.Background(), "kill bomb", TurnOptions{})
	require.NoError(t, err)
	require.Equal(t, agentstate.StateSubjectMapped, res.State)
	before := rejections(h.mach)

	for i := 0; i < 3; i++ {
		res, err = h.o.Turn(context.Background(), "hello there friend", TurnOptions{})
		require.NoError(t, err)
		assert.Equal(t, agentstate.StateSubjectMapped, res.State)
	}
	assert.Equal(t, before, rejections(h.mach))
}

func TestForceOutput_GrantedIsCommitted(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	text, err := h.o.ForceOutput(context.Background(), "status update")
	require.NoError(t, err)
	assert.Equal(t, "reply to status update", text)

	recs, err := h.ledger.Records()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "status update", recs[0].UserInput)
	assert.True(t, recs[0].Decision.Allowed)
	assert.True(t, recs[0].Decision.Forced())
	assert.Equal(t, agentstate.StateStateful, h.mach.State())
	assert.Zero(t, h.mach.SRP())
	assert.Equal(t, []string{"status update"}, h.o.History())

	rows, err := logging.RecentDecisions(h.store.DB(), 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, recs[0].RecordID, rows[0].RecordID)
}

func TestForceOutput_RefusedIsCommitted(t *testing.T) {
	cfg := testConfig()
	cfg.Signatory = "ops"
	h := newHarness(t, cfg, nil)

	_, err := h.o.Turn(context.Background(), "furious scared kill bomb", TurnOptions{})
	require.NoError(t, err)
	srp := h.mach.SRP()
	before := h.ledger.Len()

	for i := 0; i < 2; i++ {
		_, err = h.o.ForceOutput(context.Background(), "speak")
		require.ErrorIs(t, err, ErrOutputForbidden)
	}
	assert.Equal(t, before+2, h.ledger.Len())
	assert.Equal(t, srp, h.mach.SRP(), "a refusal does not relieve pressure")
	assert.Zero(t, h.gen.count())

	recs, err := h.ledger.Records()
	require.NoError(t, err)
	last := recs[len(recs)-1]
	assert.Equal(t, gate.ModeGuardianBlock, last.Decision.Mode)
	assert.False(t, last.Decision.Allowed)
	assert.True(t, last.Decision.Forced())
	assert.Equal(t, gate.ProtocolFallback, last.Decision.Fallback)
	assert.Equal(t, "ops", last.Signatory)
	require.NoError(t, h.ledger.Verify())
}

// #endregion force-output-tests
