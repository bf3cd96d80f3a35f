package replay

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/vowguard/internal/council"
	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/ledger"
	"github.com/danielpatrickdp/vowguard/internal/signals"
)

// #region types

// Pipeline is the stateless part of a turn: sensor, gate and council. All
// three are safe for concurrent use.
type Pipeline struct {
	Sensor  *signals.Sensor
	Gate    *gate.Gate
	Chamber *council.Chamber
}

// Result captures the outcome of replaying one case.
type Result struct {
	Name       string
	Triad      signals.Triad
	Decision   gate.Decision
	Council    council.Decision
	Mismatches []string
}

// Passed reports whether the case met every pinned expectation.
func (r Result) Passed() bool { return len(r.Mismatches) == 0 }

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Total  int
	Passed int
	Failed int
	ByMode map[gate.Mode]int
}

// #endregion types

// #region replay

// Run evaluates every case of f concurrently. Results keep fixture order:
// text cases first, then triad cases. Triad cases need no Sensor.
func Run(ctx context.Context, f *Fixture, p Pipeline) ([]Result, error) {
	results := make([]Result, len(f.Cases)+len(f.TriadCases))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for i, c := range f.Cases {
		i, c := i, c // per-iteration copies; go.mod targets Go 1.21
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t := p.Sensor.Estimate(c.Input, f.History)
			results[i] = judge(p, c.Name, c.Input, c.Precision, t, c.Expect)
			return nil
		})
	}
	for j, c := range f.TriadCases {
		c := c // per-iteration copy; go.mod targets Go 1.21
		i := len(f.Cases) + j
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = judge(p, c.Name, c.Text, c.Precision, c.Triad, c.Expect)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func judge(p Pipeline, name, text string, precision bool, t signals.Triad, e Expectation) Result {
	d := p.Gate.Judge(gate.Input{Triad: t, Text: text, Precision: precision})
	c := p.Chamber.Convene(text, t)
	return Result{
		Name:       name,
		Triad:      t,
		Decision:   d,
		Council:    c,
		Mismatches: e.Check(d, c),
	}
}

// Ledger re-scores every recorded turn with the current pipeline, using the
// same rolling history window the orchestrator keeps, and reports where the
// gate would now decide differently. A recorded REWRITE is compared as the
// PRECISION decision the gate made before verification failed. Forced-output
// records feed the history window but are not re-scored.
func Ledger(recs []ledger.Record, p Pipeline, window int) []Result {
	if window < 1 {
		window = 1
	}
	results := make([]Result, 0, len(recs))
	for i, r := range recs {
		if r.Decision.Forced() {
			continue
		}
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		history := make([]string, 0, i-lo)
		for _, prev := range recs[lo:i] {
			history = append(history, prev.UserInput)
		}

		want := r.Decision
		precision := want.Mode == gate.ModePrecision || want.Mode == gate.ModeRewrite
		if want.Mode == gate.ModeRewrite {
			want.Mode = gate.ModePrecision
		}
		e := Expectation{
			Mode:                want.Mode,
			Allowed:             &want.Allowed,
			Severity:            want.Severity,
			RequiresHumanReview: &want.RequiresHumanReview,
		}

		t := p.Sensor.Estimate(r.UserInput, history)
		results = append(results, judge(p, r.RecordID, r.UserInput, precision, t, e))
	}
	return results
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results), ByMode: make(map[gate.Mode]int)}
	for _, r := range results {
		if r.Passed() {
			s.Passed++
		} else {
			s.Failed++
		}
		s.ByMode[r.Decision.Mode]++
	}
	return s
}

// #endregion replay
