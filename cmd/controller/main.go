package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/vowguard/internal/agentstate"
	"github.com/danielpatrickdp/vowguard/internal/codec"
	"github.com/danielpatrickdp/vowguard/internal/config"
	"github.com/danielpatrickdp/vowguard/internal/council"
	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/ledger"
	"github.com/danielpatrickdp/vowguard/internal/logging"
	"github.com/danielpatrickdp/vowguard/internal/orchestrator"
)

var (
	// Global flags
	configPath string
	signatory  string
	precision  bool
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

// #region root

var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "Governed text agent: every turn is scored, gated and recorded",
	Long: `controller reads one input per line from stdin and prints one JSON
object per turn: {response, mode, triad, requires_human_review, ...}.

Every turn is appended to the hash-chained ledger before its response is
shown. A ledger integrity failure stops the controller.

REPL commands:
  /precision    toggle precision mode
  /state        print the state machine snapshot
  quit, exit    leave`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.NewLogger(cfg.Logging)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runController,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "vowguard.yaml", "policy file (missing file = defaults)")
	rootCmd.PersistentFlags().StringVar(&signatory, "signatory", "", "identity tag recorded with every turn (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&precision, "precision", false, "request precision mode for every turn")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// #endregion root

// #region wiring

func runController(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sensor, err := cfg.NewSensor()
	if err != nil {
		return err
	}

	led, err := ledger.Open(cfg.Ledger.Path,
		ledger.WithLogger(logger),
		ledger.WithVow(cfg.Ledger.VowID),
		ledger.WithSync(cfg.Ledger.Sync),
	)
	if err != nil {
		var ie *ledger.IntegrityError
		if errors.As(err, &ie) {
			logger.Error("ledger integrity failure, refusing to start",
				zap.String("path", cfg.Ledger.Path), zap.Int("line", ie.Line), zap.String("reason", ie.Reason))
		}
		return fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
	}
	defer led.Close()

	store, err := agentstate.NewStore(cfg.State.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	machine := agentstate.New(
		agentstate.WithLogger(logger),
		agentstate.WithThresholds(cfg.State.Thresholds),
	)
	if err := store.RestoreLatest(machine); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	gen, err := codec.NewGeneratorClient(cfg.Codec.GeneratorAddr)
	if err != nil {
		return err
	}
	defer gen.Close()

	deps := orchestrator.Deps{
		Sensor:    sensor,
		Gate:      gate.NewGate(cfg.Gate),
		Chamber:   council.NewChamber(cfg.Council),
		Ledger:    led,
		Machine:   machine,
		Store:     store,
		Generator: gen,
		Logger:    logger,
	}
	if cfg.Codec.VerifierAddr != "" {
		ver, err := codec.NewVerifierClient(cfg.Codec.VerifierAddr)
		if err != nil {
			return err
		}
		defer ver.Close()
		deps.Verifier = ver
	}

	ocfg := orchestrator.DefaultConfig()
	ocfg.HistoryWindow = cfg.Orchestrator.HistoryWindow
	ocfg.Signatory = cfg.Orchestrator.Signatory
	if signatory != "" {
		ocfg.Signatory = signatory
	}
	ocfg.Timeout = cfg.CodecTimeout()

	orch, err := orchestrator.New(deps, ocfg)
	if err != nil {
		return err
	}

	logger.Info("controller ready",
		zap.String("ledger", cfg.Ledger.Path),
		zap.Int("records", led.Len()),
		zap.String("tail", ledger.Short(led.Tail())),
		zap.String("db", cfg.State.DBPath),
		zap.String("generator", cfg.Codec.GeneratorAddr),
		zap.String("state", string(machine.State())))

	return repl(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), orch, machine)
}

// #endregion wiring

// #region repl

func repl(ctx context.Context, in io.Reader, out io.Writer, orch *orchestrator.Orchestrator, machine *agentstate.Machine) error {
	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	precise := precision

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		case "/precision":
			precise = !precise
			fmt.Fprintf(out, "precision=%v\n", precise)
			continue
		case "/state":
			if err := enc.Encode(machine.Snapshot()); err != nil {
				return err
			}
			continue
		}

		res, err := orch.Turn(ctx, line, orchestrator.TurnOptions{Precision: precise})
		if errors.Is(err, orchestrator.ErrHalted) {
			return err
		}
		if err != nil {
			logger.Error("turn failed", zap.Error(err))
			if err := enc.Encode(map[string]string{"error": err.Error()}); err != nil {
				return err
			}
			continue
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// #endregion repl
