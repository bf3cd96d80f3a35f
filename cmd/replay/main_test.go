package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRun_GovernanceFixture(t *testing.T) {
	out, err := run(t, "run", "-v", filepath.Join("..", "..", "internal", "replay", "testdata", "governance.json"))
	require.NoError(t, err)
	assert.Contains(t, out, "10/10 passed")
	assert.Contains(t, out, "ok    critical_harm")
}

func TestRun_FailingFixture(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.json")
	body := `{"triad_cases":[{"name":"should_pass","text":"","triad":{"tension":0,"drift":0,"responsibility_risk":1,"risk_score":0.95},"expect":{"mode":"PASS"}}]}`
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))

	out, err := run(t, "run", p)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL  should_pass")
	assert.Contains(t, out, "mode: want PASS, got GUARDIAN_BLOCK")
}
