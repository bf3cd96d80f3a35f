package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/vowguard/internal/council"
	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/signals"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture. Every case is
// scored against the same History, so cases are independent of each other.
type Fixture struct {
	Description string      `json:"description"`
	History     []string    `json:"history"`
	Cases       []Case      `json:"cases"`
	TriadCases  []TriadCase `json:"triad_cases"`
}

// Case runs free text through sensor, gate and council.
type Case struct {
	Name      string      `json:"name"`
	Input     string      `json:"input"`
	Precision bool        `json:"precision"`
	Expect    Expectation `json:"expect"`
}

// TriadCase feeds a fixed triad straight into gate and council.
type TriadCase struct {
	Name      string        `json:"name"`
	Text      string        `json:"text"`
	Precision bool          `json:"precision"`
	Triad     signals.Triad `json:"triad"`
	Expect    Expectation   `json:"expect"`
}

// Expectation lists the outcome fields a case pins. Unset fields are not
// checked.
type Expectation struct {
	Mode                gate.Mode     `json:"mode,omitempty"`
	Allowed             *bool         `json:"allowed,omitempty"`
	Severity            gate.Severity `json:"severity,omitempty"`
	RequiresHumanReview *bool         `json:"requires_human_review,omitempty"`
	DominantVoice       string        `json:"dominant_voice,omitempty"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file. Unknown fields are
// rejected so that a typo cannot silently disable a check.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f Fixture
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if len(f.Cases)+len(f.TriadCases) == 0 {
		return nil, fmt.Errorf("fixture %s: no cases", path)
	}
	return &f, nil
}

// #endregion fixture-loader

// #region check

// Check compares a gate and council outcome against the expectation and
// returns one line per mismatch.
func (e Expectation) Check(d gate.Decision, c council.Decision) []string {
	var out []string
	if e.Mode != "" && d.Mode != e.Mode {
		out = append(out, fmt.Sprintf("mode: want %s, got %s", e.Mode, d.Mode))
	}
	if e.Allowed != nil && d.Allowed != *e.Allowed {
		out = append(out, fmt.Sprintf("allowed: want %v, got %v", *e.Allowed, d.Allowed))
	}
	if e.Severity != "" && d.Severity != e.Severity {
		out = append(out, fmt.Sprintf("severity: want %s, got %s", e.Severity, d.Severity))
	}
	if e.RequiresHumanReview != nil && d.RequiresHumanReview != *e.RequiresHumanReview {
		out = append(out, fmt.Sprintf("requires_human_review: want %v, got %v", *e.RequiresHumanReview, d.RequiresHumanReview))
	}
	if e.DominantVoice != "" && c.DominantVoice != e.DominantVoice {
		out = append(out, fmt.Sprintf("dominant_voice: want %s, got %s", e.DominantVoice, c.DominantVoice))
	}
	return out
}

// #endregion check
