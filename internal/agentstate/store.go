package agentstate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS state_snapshots (
	version_id      TEXT PRIMARY KEY,
	parent_id       TEXT,
	state           TEXT NOT NULL,
	conditions_json TEXT NOT NULL,
	srp             REAL NOT NULL,
	created_at      TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES state_snapshots(version_id)
);

CREATE TABLE IF NOT EXISTS active_snapshot (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	version_id  TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES state_snapshots(version_id)
);

CREATE TABLE IF NOT EXISTS provenance_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id     TEXT NOT NULL UNIQUE,
	prev_hash     TEXT NOT NULL,
	hash          TEXT NOT NULL,
	mode          TEXT NOT NULL,
	allowed       INTEGER NOT NULL,
	severity      TEXT NOT NULL,
	human_review  INTEGER NOT NULL,
	triad_json    TEXT NOT NULL,
	reason        TEXT,
	signatory     TEXT,
	created_at    TEXT NOT NULL
);
`

// #endregion schema

// ErrNoSnapshot is returned when nothing has been saved yet.
var ErrNoSnapshot = errors.New("agentstate: no snapshot")

// #region store-struct

// SnapshotRecord is a persisted, versioned Snapshot.
type SnapshotRecord struct {
	VersionID string
	ParentID  string
	Snapshot  Snapshot
	CreatedAt time.Time
}

// Store persists machine snapshots in SQLite. It also owns the schema for the
// provenance_log table that the logging package writes to.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor

// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region save

// Save inserts a new snapshot version as a child of the active one and moves
// the active pointer, atomically.
func (s *Store) Save(snap Snapshot) (SnapshotRecord, error) {
	if err := validateSnapshot(snap); err != nil {
		return SnapshotRecord{}, err
	}
	condJSON, err := json.Marshal(snap.Conditions)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("marshal conditions: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullString
	err = tx.QueryRow(`SELECT version_id FROM active_snapshot WHERE id = 1`).Scan(&parent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, fmt.Errorf("get active: %w", err)
	}

	rec := SnapshotRecord{
		VersionID: uuid.New().String(),
		ParentID:  parent.String,
		Snapshot:  snap,
		CreatedAt: time.Now().UTC(),
	}

	var parentPtr interface{}
	if parent.Valid {
		parentPtr = parent.String
	}
	_, err = tx.Exec(
		`INSERT INTO state_snapshots (version_id, parent_id, state, conditions_json, srp, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.VersionID, parentPtr, string(snap.State), string(condJSON), snap.SRP,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("insert snapshot: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO active_snapshot (id, version_id) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET version_id = excluded.version_id`,
		rec.VersionID,
	)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("set active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SnapshotRecord{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

// #endregion save

// #region reads

// Latest reads the active snapshot.
func (s *Store) Latest() (SnapshotRecord, error) {
	var versionID string
	err := s.db.QueryRow(`SELECT version_id FROM active_snapshot WHERE id = 1`).Scan(&versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return SnapshotRecord{}, ErrNoSnapshot
	}
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("get active: %w", err)
	}
	return s.Get(versionID)
}

// Get retrieves a snapshot version by ID.
func (s *Store) Get(id string) (SnapshotRecord, error) {
	row := s.db.QueryRow(
		`SELECT version_id, parent_id, state, conditions_json, srp, created_at
		 FROM state_snapshots WHERE version_id = ?`, id,
	)
	rec, err := scanSnapshot(row)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return rec, nil
}

// List returns the most recent snapshots, newest first.
func (s *Store) List(limit int) ([]SnapshotRecord, error) {
	rows, err := s.db.Query(
		`SELECT version_id, parent_id, state, conditions_json, srp, created_at
		 FROM state_snapshots ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RestoreLatest loads the active snapshot into m. A missing snapshot is not
// an error; m stays in STATELESS.
func (s *Store) RestoreLatest(m *Machine) error {
	rec, err := s.Latest()
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.Restore(rec.Snapshot)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (SnapshotRecord, error) {
	var rec SnapshotRecord
	var parentID sql.NullString
	var state, condJSON, createdStr string

	if err := sc.Scan(&rec.VersionID, &parentID, &state, &condJSON, &rec.Snapshot.SRP, &createdStr); err != nil {
		return SnapshotRecord{}, err
	}
	if parentID.Valid {
		rec.ParentID = parentID.String
	}
	rec.Snapshot.State = State(state)
	if err := json.Unmarshal([]byte(condJSON), &rec.Snapshot.Conditions); err != nil {
		return SnapshotRecord{}, fmt.Errorf("unmarshal conditions: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// #endregion reads
