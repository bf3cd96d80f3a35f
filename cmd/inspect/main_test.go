package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/vowguard/internal/agentstate"
	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/ledger"
	"github.com/danielpatrickdp/vowguard/internal/signals"
)

func writeLedger(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(path, ledger.WithSync(false))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := l.Append("input", signals.Triad{RiskScore: 0.1}, gate.Decision{
			Mode: gate.ModePass, Allowed: true, Severity: gate.SeverityNormal, Reason: "signals within policy",
		}, "ops")
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVerify_Clean(t *testing.T) {
	out, err := run(t, "verify", writeLedger(t, 3))
	require.NoError(t, err)
	assert.Contains(t, out, "OK  3 records")
}

func TestVerify_Tampered(t *testing.T) {
	path := writeLedger(t, 3)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"user_input":"input"`, `"user_input":"forged"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	out, err := run(t, "verify", path)
	require.Error(t, err)
	assert.Contains(t, out, "TAMPERED  line 1")
}

func TestList_LastJSON(t *testing.T) {
	out, err := run(t, "list", writeLedger(t, 5), "--last", "2", "--json")
	require.NoError(t, err)

	var rows []listRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "PASS", rows[0].Mode)
	assert.Equal(t, "ops", rows[1].Signatory)
}

func TestList_Table(t *testing.T) {
	out, err := run(t, "list", writeLedger(t, 1))
	require.NoError(t, err)
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "Hash")
}

func TestRepair_TornTail(t *testing.T) {
	path := writeLedger(t, 2)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"record_id":"torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = run(t, "verify", path)
	require.Error(t, err)

	out, err := run(t, "repair", path)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 18 bytes")
	assert.Contains(t, out, "OK  2 records")
}

func TestState_And_Provenance(t *testing.T) {
	db := filepath.Join(t.TempDir(), "state.db")
	store, err := agentstate.NewStore(db)
	require.NoError(t, err)
	_, err = store.Save(agentstate.Snapshot{State: agentstate.StateStateful, Conditions: agentstate.Conditions{IrreversibleMemory: true}, SRP: 0.25})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := run(t, "state", db)
	require.NoError(t, err)
	assert.Contains(t, out, "STATEFUL")
	assert.Contains(t, out, "0.250")

	out, err = run(t, "provenance", db)
	require.NoError(t, err)
	assert.Contains(t, out, "no decisions")
}
