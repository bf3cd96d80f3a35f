package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/vowguard/internal/config"
	"github.com/danielpatrickdp/vowguard/internal/council"
	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/ledger"
	"github.com/danielpatrickdp/vowguard/internal/replay"
)

// #region main

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "replay",
		Short:         "Replay fixtures or a recorded ledger through the current policy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "vowguard.yaml", "policy file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print passing cases too")

	runCmd := &cobra.Command{
		Use:   "run <fixture>...",
		Short: "Run JSON fixtures and report mismatches",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := pipeline(configPath)
			if err != nil {
				return err
			}
			failed := 0
			for _, path := range args {
				f, err := replay.LoadFixture(path)
				if err != nil {
					return err
				}
				results, err := replay.Run(cmd.Context(), f, p)
				if err != nil {
					return err
				}
				failed += report(cmd.OutOrStdout(), path, results, verbose)
			}
			if failed > 0 {
				return fmt.Errorf("%d case(s) failed", failed)
			}
			return nil
		},
	}

	ledgerCmd := &cobra.Command{
		Use:   "ledger <ledger>",
		Short: "Re-score every recorded turn and report decisions the current policy would change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cfg, err := pipeline(configPath)
			if err != nil {
				return err
			}
			recs, err := ledger.ReadFile(args[0])
			if err != nil {
				return err
			}
			results := replay.Ledger(recs, p, cfg.Orchestrator.HistoryWindow)
			if failed := report(cmd.OutOrStdout(), args[0], results, verbose); failed > 0 {
				return fmt.Errorf("%d recorded decision(s) differ under current policy", failed)
			}
			return nil
		},
	}

	root.AddCommand(runCmd, ledgerCmd)
	return root
}

// #endregion main

// #region helpers

func pipeline(configPath string) (replay.Pipeline, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return replay.Pipeline{}, nil, err
	}
	sensor, err := cfg.NewSensor()
	if err != nil {
		return replay.Pipeline{}, nil, err
	}
	return replay.Pipeline{
		Sensor:  sensor,
		Gate:    gate.NewGate(cfg.Gate),
		Chamber: council.NewChamber(cfg.Council),
	}, cfg, nil
}

func report(w io.Writer, source string, results []replay.Result, verbose bool) int {
	s := replay.Summarize(results)
	fmt.Fprintf(w, "=== %s ===\n", source)
	for _, r := range results {
		switch {
		case !r.Passed():
			fmt.Fprintf(w, "FAIL  %-32s  %-14s  T=%.3f D=%.3f R=%.3f risk=%.3f\n",
				r.Name, r.Decision.Mode, r.Triad.Tension, r.Triad.Drift, r.Triad.ResponsibilityRisk, r.Triad.RiskScore)
			for _, m := range r.Mismatches {
				fmt.Fprintf(w, "        %s\n", m)
			}
		case verbose:
			fmt.Fprintf(w, "ok    %-32s  %-14s  voice=%s\n", r.Name, r.Decision.Mode, r.Council.DominantVoice)
		}
	}
	fmt.Fprintf(w, "%d/%d passed", s.Passed, s.Total)
	for _, m := range []gate.Mode{gate.ModePass, gate.ModeRewrite, gate.ModeGuardianBlock, gate.ModePrecision} {
		if n := s.ByMode[m]; n > 0 {
			fmt.Fprintf(w, "  %s=%d", m, n)
		}
	}
	fmt.Fprintln(w)
	return s.Failed
}

// #endregion helpers
