// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/pikabot/pikabot/internal/domain"
)

// Repository defines the interface for persisting agent state. Every
// mutating actor operation writes through it synchronously, so a process
// restart loses at most the most recent in-flight retry.
type Repository interface {
	// GetAgent retrieves an agent record, or nil if none exists.
	GetAgent(ctx context.Context, agentID string) (*domain.AgentRecord, error)

	// SaveAgent creates or updates an agent record.
	SaveAgent(ctx context.Context, record *domain.AgentRecord) error

	// ListAgentIDs returns all known agent ids, for warm-up on restart.
	ListAgentIDs(ctx context.Context) ([]string, error)

	// GetRelaySession retrieves persisted relay session state, or nil.
	GetRelaySession(ctx context.Context, agentID string) (*domain.RelaySessionState, error)

	// SaveRelaySession creates or updates relay session state.
	SaveRelaySession(ctx context.Context, agentID string, state *domain.RelaySessionState) error

	// GetEngineSnapshot retrieves the protocol-engine snapshot, or nil.
	GetEngineSnapshot(ctx context.Context, agentID string) ([]byte, error)

	// SaveEngineSnapshot creates or updates the protocol-engine snapshot.
	SaveEngineSnapshot(ctx context.Context, agentID string, snapshot []byte) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
