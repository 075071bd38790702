package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pikabot/pikabot/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		record_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS relay_sessions (
		agent_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS engine_snapshots (
		agent_id TEXT PRIMARY KEY,
		snapshot_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetAgent retrieves an agent record, or nil if none exists.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM agents WHERE agent_id = ?`, agentID)

	var recordJSON string
	err := row.Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}

	var record domain.AgentRecord
	if err := json.Unmarshal([]byte(recordJSON), &record); err != nil {
		return nil, fmt.Errorf("decode agent record: %w", err)
	}
	return &record, nil
}

// SaveAgent creates or updates an agent record.
func (s *SQLiteStore) SaveAgent(ctx context.Context, record *domain.AgentRecord) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode agent record: %w", err)
	}

	query := `
	INSERT INTO agents (agent_id, name, record_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		name = excluded.name,
		record_json = excluded.record_json,
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.Name, string(recordJSON),
		record.CreatedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// ListAgentIDs returns all known agent ids.
func (s *SQLiteStore) ListAgentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("query agent ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent ids: %w", err)
	}
	return ids, nil
}

// GetRelaySession retrieves persisted relay session state, or nil.
func (s *SQLiteStore) GetRelaySession(ctx context.Context, agentID string) (*domain.RelaySessionState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM relay_sessions WHERE agent_id = ?`, agentID)

	var stateJSON string
	err := row.Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan relay session row: %w", err)
	}

	var state domain.RelaySessionState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode relay session state: %w", err)
	}
	return &state, nil
}

// SaveRelaySession creates or updates relay session state.
func (s *SQLiteStore) SaveRelaySession(ctx context.Context, agentID string, state *domain.RelaySessionState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode relay session state: %w", err)
	}

	query := `
	INSERT INTO relay_sessions (agent_id, state_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		state_json = excluded.state_json,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, agentID, string(stateJSON), time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert relay session: %w", err)
	}
	return nil
}

// GetEngineSnapshot retrieves the protocol-engine snapshot, or nil.
func (s *SQLiteStore) GetEngineSnapshot(ctx context.Context, agentID string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT snapshot_json FROM engine_snapshots WHERE agent_id = ?`, agentID)

	var snapshotJSON string
	err := row.Scan(&snapshotJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan engine snapshot row: %w", err)
	}
	return []byte(snapshotJSON), nil
}

// SaveEngineSnapshot creates or updates the protocol-engine snapshot.
func (s *SQLiteStore) SaveEngineSnapshot(ctx context.Context, agentID string, snapshot []byte) error {
	query := `
	INSERT INTO engine_snapshots (agent_id, snapshot_json, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		snapshot_json = excluded.snapshot_json,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, agentID, string(snapshot), time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert engine snapshot: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
