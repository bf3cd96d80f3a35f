package logging

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/vowguard/internal/agentstate"
	"github.com/danielpatrickdp/vowguard/internal/config"
	"github.com/danielpatrickdp/vowguard/internal/gate"
	"github.com/danielpatrickdp/vowguard/internal/ledger"
	"github.com/danielpatrickdp/vowguard/internal/signals"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	store, err := agentstate.NewStore(filepath.Join(t.TempDir(), "prov.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store.DB()
}

// #endregion helpers

// #region log-decision-tests
func TestLogDecision_Success(t *testing.T) {
	db := setupDB(t)

	entry := ProvenanceEntry{
		RecordID:    "r1",
		PrevHash:    ledger.Genesis,
		Hash:        "abc123",
		Mode:        "GUARDIAN_BLOCK",
		Allowed:     false,
		Severity:    "critical",
		HumanReview: true,
		TriadJSON:   `{"tension":1}`,
		Reason:      "Responsibility risk 1.00 >= P0 0.60",
		Signatory:   "ops",
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, LogDecision(db, entry))

	got, err := RecentDecisions(db, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, entry.CreatedAt.Equal(got[0].CreatedAt))
	got[0].CreatedAt = entry.CreatedAt
	assert.Equal(t, entry, got[0])
}

func TestLogDecision_ZeroCreatedAtAndEmptyReason(t *testing.T) {
	db := setupDB(t)
	require.NoError(t, LogDecision(db, ProvenanceEntry{
		RecordID: "r2", PrevHash: ledger.Genesis, Hash: "h", Mode: "PASS",
		Allowed: true, Severity: "normal", TriadJSON: "{}",
	}))

	var reason sql.NullString
	var created string
	require.NoError(t, db.QueryRow(`SELECT reason, created_at FROM provenance_log`).Scan(&reason, &created))
	assert.False(t, reason.Valid)
	_, err := time.Parse(time.RFC3339Nano, created)
	assert.NoError(t, err)
}

func TestLogDecision_DuplicateRecordRejected(t *testing.T) {
	db := setupDB(t)
	e := ProvenanceEntry{RecordID: "dup", PrevHash: ledger.Genesis, Hash: "h", Mode: "PASS", Severity: "normal", TriadJSON: "{}"}
	require.NoError(t, LogDecision(db, e))
	assert.Error(t, LogDecision(db, e))
}

func TestEntryFromRecord(t *testing.T) {
	l, err := ledger.Open(filepath.Join(t.TempDir(), "l.jsonl"), ledger.WithSync(false))
	require.NoError(t, err)
	defer l.Close()

	triad := signals.Triad{Tension: 0.2, Drift: 0.5, ResponsibilityRisk: 0.7, RiskScore: 0.46}
	rec, err := l.Append("hello", triad, gate.Decision{
		Mode: gate.ModeGuardianBlock, Reason: "blocked", Severity: gate.SeverityNormal,
	}, "ops")
	require.NoError(t, err)

	e, err := EntryFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, rec.RecordID, e.RecordID)
	assert.Equal(t, ledger.Genesis, e.PrevHash)
	assert.Equal(t, rec.Hash, e.Hash)
	assert.Equal(t, "GUARDIAN_BLOCK", e.Mode)
	assert.False(t, e.Allowed)
	assert.Equal(t, "ops", e.Signatory)

	var back signals.Triad
	require.NoError(t, json.Unmarshal([]byte(e.TriadJSON), &back))
	assert.Equal(t, triad, back)

	db := setupDB(t)
	require.NoError(t, LogDecision(db, e))
}

func TestRecentDecisions_NewestFirst(t *testing.T) {
	db := setupDB(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, LogDecision(db, ProvenanceEntry{RecordID: id, PrevHash: "p", Hash: "h", Mode: "PASS", Severity: "normal", TriadJSON: "{}"}))
	}
	got, err := RecentDecisions(db, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].RecordID)
	assert.Equal(t, "b", got[1].RecordID)
}

// #endregion log-decision-tests

// #region logger-tests
func TestNewLogger(t *testing.T) {
	l, err := NewLogger(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1))
	assert.True(t, l.Core().Enabled(1))

	l, err = NewLogger(config.LoggingConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(-1))

	_, err = NewLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

// #endregion logger-tests
