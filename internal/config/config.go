// Package config loads the YAML policy file that parameterises the sensor,
// gate, council, ledger and state machine.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/vowguard/internal/agentstate"
	"github.com/danielpatrickdp/vowguard/internal/council"
	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/ledger"
	"github.com/danielpatrickdp/vowguard/internal/signals"
)

//go:embed default_lexicon.yaml
var defaultLexicon []byte

// #region types

// Config is the full policy file.
type Config struct {
	Sensor       SensorConfig       `yaml:"sensor"`
	Gate         gate.Policy        `yaml:"gate"`
	Council      council.Weights    `yaml:"council"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	State        StateConfig        `yaml:"state"`
	Codec        CodecConfig        `yaml:"codec"`
	Logging      LoggingConfig      `yaml:"logging"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// SensorConfig configures the risk sensor.
type SensorConfig struct {
	LexiconPath string          `yaml:"lexicon_path"` // empty → embedded default
	Weights     signals.Weights `yaml:"weights"`
}

// LedgerConfig configures the step ledger.
type LedgerConfig struct {
	Path  string `yaml:"path"`
	VowID string `yaml:"vow_id"`
	Sync  bool   `yaml:"sync"` // fsync after every append
}

// StateConfig configures the state machine and its snapshot store.
type StateConfig struct {
	DBPath     string                `yaml:"db_path"`
	Thresholds agentstate.Thresholds `yaml:"thresholds"`
}

// CodecConfig addresses the generator and verifier services.
type CodecConfig struct {
	GeneratorAddr string `yaml:"generator_addr"`
	VerifierAddr  string `yaml:"verifier_addr"` // empty → no verifier
	Timeout       string `yaml:"timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// OrchestratorConfig configures turn handling.
type OrchestratorConfig struct {
	HistoryWindow int    `yaml:"history_window"`
	Signatory     string `yaml:"signatory"`
}

// ConfigurationError reports an invalid policy value. It is fatal at startup.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// #endregion types

// #region defaults

// DefaultConfig returns the stock policy.
func DefaultConfig() *Config {
	return &Config{
		Sensor: SensorConfig{
			Weights: signals.DefaultWeights(),
		},
		Gate:    gate.DefaultPolicy(),
		Council: council.DefaultWeights(),
		Ledger: LedgerConfig{
			Path:  "vowguard.ledger.jsonl",
			VowID: ledger.DefaultVow,
			Sync:  true,
		},
		State: StateConfig{
			DBPath:     "vowguard.db",
			Thresholds: agentstate.DefaultThresholds(),
		},
		Codec: CodecConfig{
			GeneratorAddr: "localhost:50051",
			Timeout:       "30s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Orchestrator: OrchestratorConfig{
			HistoryWindow: 8,
		},
	}
}

// #endregion defaults

// #region load

// Load reads the policy file at path over the defaults, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decodeStrict(data, cfg); err != nil {
				return nil, &ConfigurationError{Field: path, Message: err.Error()}
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies VOWGUARD_* environment variables.
func (c *Config) applyEnvOverrides() {
	c.Ledger.Path = envOr("VOWGUARD_LEDGER", c.Ledger.Path)
	c.State.DBPath = envOr("VOWGUARD_DB", c.State.DBPath)
	c.Codec.GeneratorAddr = envOr("VOWGUARD_GENERATOR_ADDR", c.Codec.GeneratorAddr)
	c.Codec.VerifierAddr = envOr("VOWGUARD_VERIFIER_ADDR", c.Codec.VerifierAddr)
	c.Logging.Level = envOr("VOWGUARD_LOG_LEVEL", c.Logging.Level)
	c.Orchestrator.Signatory = envOr("VOWGUARD_SIGNATORY", c.Orchestrator.Signatory)
}

// CodecTimeout returns the per-call timeout for collaborator RPCs.
func (c *Config) CodecTimeout() time.Duration {
	d, err := time.ParseDuration(c.Codec.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// #endregion load

// #region validate

// Validate checks ranges and returns the first ConfigurationError found.
func (c *Config) Validate() error {
	w := c.Sensor.Weights
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"sensor.weights.tension", w.Tension},
		{"sensor.weights.drift", w.Drift},
		{"sensor.weights.responsibility", w.Responsibility},
	} {
		if math.IsNaN(f.v) || f.v < 0 {
			return &ConfigurationError{Field: f.name, Message: "must be non-negative"}
		}
	}

	for _, f := range []struct {
		name string
		v    float64
	}{
		{"gate.p0_threshold", c.Gate.P0Threshold},
		{"gate.p1_threshold", c.Gate.P1Threshold},
		{"gate.critical_risk", c.Gate.CriticalRisk},
		{"gate.precision_max_risk", c.Gate.PrecisionMaxRisk},
		{"council.logician_threshold", c.Council.LogicianThreshold},
		{"council.communicator_threshold", c.Council.CommunicatorThreshold},
		{"state.thresholds.pressure", c.State.Thresholds.Pressure},
		{"state.thresholds.deferral", c.State.Thresholds.Deferral},
	} {
		if !unit(f.v) {
			return &ConfigurationError{Field: f.name, Message: fmt.Sprintf("%v not in [0, 1]", f.v)}
		}
	}

	if !(c.Council.Base > 0) || !(c.Council.Boost > 0) || !(c.Council.DominanceThreshold > 0) {
		return &ConfigurationError{Field: "council", Message: "base, boost and dominance_threshold must be positive"}
	}
	if c.Orchestrator.HistoryWindow < 1 {
		return &ConfigurationError{Field: "orchestrator.history_window", Message: "must be at least 1"}
	}
	if c.Ledger.Path == "" {
		return &ConfigurationError{Field: "ledger.path", Message: "required"}
	}
	if c.Ledger.VowID == "" {
		return &ConfigurationError{Field: "ledger.vow_id", Message: "required"}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigurationError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level)}
	}
	if _, err := time.ParseDuration(c.Codec.Timeout); err != nil {
		return &ConfigurationError{Field: "codec.timeout", Message: err.Error()}
	}
	return nil
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// #endregion validate

// #region lexicon

// LoadLexicon reads a lexicon from path, or the embedded default when path is
// empty. The lexicon is validated before it is returned.
func LoadLexicon(path string) (signals.Lexicon, error) {
	data := defaultLexicon
	field := "sensor.lexicon_path(default)"
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return signals.Lexicon{}, &ConfigurationError{Field: "sensor.lexicon_path", Message: err.Error()}
		}
		data, field = b, "sensor.lexicon_path"
	}

	var lex signals.Lexicon
	if err := decodeStrict(data, &lex); err != nil {
		return signals.Lexicon{}, &ConfigurationError{Field: field, Message: err.Error()}
	}
	if err := lex.Validate(); err != nil {
		return signals.Lexicon{}, &ConfigurationError{Field: field, Message: err.Error()}
	}
	return lex, nil
}

// NewSensor loads the configured lexicon and builds a Sensor from it.
func (c *Config) NewSensor() (*signals.Sensor, error) {
	lex, err := LoadLexicon(c.Sensor.LexiconPath)
	if err != nil {
		return nil, err
	}
	s, err := signals.NewSensor(lex, c.Sensor.Weights)
	if err != nil {
		return nil, &ConfigurationError{Field: "sensor", Message: err.Error()}
	}
	return s, nil
}

// #endregion lexicon

// #region helpers

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
