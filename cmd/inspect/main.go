package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/vowguard/internal/agentstate"
	"github.com/danielpatrickdp/vowguard/internal/ledger"
	"github.com/danielpatrickdp/vowguard/internal/logging"
)

// #region main

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "inspect",
		Short:         "Inspect and repair a vowguard ledger and state database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var last int
	var jsonOut bool

	verifyCmd := &cobra.Command{
		Use:   "verify <ledger>",
		Short: "Recompute every hash and link; exit non-zero on tamper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.OutOrStdout(), args[0])
		},
	}

	listCmd := &cobra.Command{
		Use:   "list <ledger>",
		Short: "List ledger records, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.OutOrStdout(), args[0], last, jsonOut)
		},
	}
	listCmd.Flags().IntVar(&last, "last", 0, "show only the N most recent records (0 = all)")
	listCmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")

	repairCmd := &cobra.Command{
		Use:   "repair <ledger>",
		Short: "Truncate a torn final line left by an interrupted append",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(cmd.OutOrStdout(), args[0])
		},
	}

	var stateLast int
	stateCmd := &cobra.Command{
		Use:   "state <db>",
		Short: "Show state machine snapshot history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(cmd.OutOrStdout(), args[0], stateLast)
		},
	}
	stateCmd.Flags().IntVar(&stateLast, "last", 20, "show N most recent snapshots")

	var provLast int
	provCmd := &cobra.Command{
		Use:   "provenance <db>",
		Short: "Show the SQL mirror of recent ledger decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProvenance(cmd.OutOrStdout(), args[0], provLast)
		},
	}
	provCmd.Flags().IntVar(&provLast, "last", 20, "show N most recent decisions")

	root.AddCommand(verifyCmd, listCmd, repairCmd, stateCmd, provCmd)
	return root
}

// #endregion main

// #region verify

func runVerify(w io.Writer, path string) error {
	recs, err := ledger.ReadFile(path)
	if err != nil {
		var ie *ledger.IntegrityError
		if errors.As(err, &ie) {
			fmt.Fprintf(w, "TAMPERED  line %d  record %s: %s\n", ie.Line, ie.RecordID, ie.Reason)
		}
		return err
	}
	tail := ledger.Genesis
	if len(recs) > 0 {
		tail = recs[len(recs)-1].Hash
	}
	fmt.Fprintf(w, "OK  %d records  tail %s\n", len(recs), ledger.Short(tail))
	return nil
}

// #endregion verify

// #region list

type listRow struct {
	RecordID  string  `json:"record_id"`
	Timestamp string  `json:"timestamp"`
	Mode      string  `json:"mode"`
	Allowed   bool    `json:"allowed"`
	Severity  string  `json:"severity"`
	Review    bool    `json:"requires_human_review"`
	Risk      float64 `json:"risk_score"`
	Signatory string  `json:"signatory,omitempty"`
	Hash      string  `json:"hash"`
	Input     string  `json:"user_input"`
}

func runList(w io.Writer, path string, last int, jsonOut bool) error {
	recs, err := ledger.ReadFile(path)
	if err != nil {
		return err
	}
	if last > 0 && len(recs) > last {
		recs = recs[len(recs)-last:]
	}

	rows := make([]listRow, len(recs))
	for i, r := range recs {
		rows[i] = listRow{
			RecordID:  r.RecordID,
			Timestamp: r.Timestamp.Format("2006-01-02T15:04:05Z"),
			Mode:      string(r.Decision.Mode),
			Allowed:   r.Decision.Allowed,
			Severity:  string(r.Decision.Severity),
			Review:    r.Decision.RequiresHumanReview,
			Risk:      r.Triad.RiskScore,
			Signatory: r.Signatory,
			Hash:      r.Hash,
			Input:     r.UserInput,
		}
	}

	if jsonOut {
		return printJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "no records")
		return nil
	}

	fmt.Fprintf(w, "%-12s  %-14s  %-7s  %-8s  %6s  %-6s  %-20s  %s\n",
		"Hash", "Mode", "Allowed", "Severity", "Risk", "Review", "Time", "Input")
	fmt.Fprintf(w, "%-12s+-%-14s+-%-7s+-%-8s+-%6s+-%-6s+-%-20s+-%s\n",
		"------------", "--------------", "-------", "--------", "------", "------", "--------------------", "-----")
	for _, r := range rows {
		fmt.Fprintf(w, "%-12s  %-14s  %-7v  %-8s  %6.3f  %-6v  %-20s  %s\n",
			ledger.Short(r.Hash), r.Mode, r.Allowed, r.Severity, r.Risk, r.Review, r.Timestamp, truncate(r.Input, 40))
	}
	return nil
}

// #endregion list

// #region repair

func runRepair(w io.Writer, path string) error {
	n, err := ledger.Repair(path)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(w, "nothing to repair")
	} else {
		fmt.Fprintf(w, "removed %d bytes of torn tail\n", n)
	}
	return runVerify(w, path)
}

// #endregion repair

// #region state

func runState(w io.Writer, dbPath string, last int) error {
	store, err := agentstate.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	snaps, err := store.List(last)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintln(w, "no snapshots")
		return nil
	}

	fmt.Fprintf(w, "%-12s  %-14s  %6s  %-4s  %-4s  %-4s  %s\n", "Version", "State", "SRP", "Mem", "Attr", "Bind", "Time")
	for i := len(snaps) - 1; i >= 0; i-- {
		s := snaps[i]
		c := s.Snapshot.Conditions
		fmt.Fprintf(w, "%-12s  %-14s  %6.3f  %-4s  %-4s  %-4s  %s\n",
			shortID(s.VersionID), s.Snapshot.State, s.Snapshot.SRP,
			flag(c.IrreversibleMemory), flag(c.InternalAttribution), flag(c.ConsequenceBinding),
			s.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

func runProvenance(w io.Writer, dbPath string, last int) error {
	store, err := agentstate.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	entries, err := logging.RecentDecisions(store.DB(), last)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "no decisions")
		return nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(w, "%s  %-14s  allowed=%-5v  %-8s  %s\n",
			ledger.Short(e.Hash), e.Mode, e.Allowed, e.Severity, e.Reason)
	}
	return nil
}

// #endregion state

// #region helpers

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func flag(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}

// #endregion helpers
