// Package domain contains core domain types for the relay bot bridge.
package domain

import (
	"time"
)

// LifecyclePhase describes where an agent is in its boot sequence.
type LifecyclePhase string

const (
	// PhaseBooting means the agent exists but is not yet announcing readiness.
	PhaseBooting LifecyclePhase = "booting"
	// PhaseReady means the boot delay elapsed and the key package is published.
	PhaseReady LifecyclePhase = "ready"
)

// Chat turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatTurn is one entry in an agent's bounded conversation history.
type ChatTurn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ReplyOutcome records the result of the most recent completion-backend call.
// Only the last value is kept; it exists for observability, not replay.
type ReplyOutcome struct {
	At      time.Time     `json:"at"`
	Source  string        `json:"source,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// AgentRecord is the durable record for one bot identity. It is mutated only
// by the agent's actor and persisted after every mutating operation.
type AgentRecord struct {
	ID                    string         `json:"id"`
	Name                  string         `json:"name"`
	Phase                 LifecyclePhase `json:"lifecycle_phase"`
	CreatedAt             time.Time      `json:"created_at"`
	ReadyAt               time.Time      `json:"ready_at"`
	RelayURLs             []string       `json:"relay_urls"`
	IdentityPubkey        string         `json:"identity_pubkey"`
	KeyPackagePublishedAt *time.Time     `json:"key_package_published_at,omitempty"`
	History               []ChatTurn     `json:"history"`
	SessionActiveUntil    *time.Time     `json:"session_active_until,omitempty"`
	LastReplyOutcome      *ReplyOutcome  `json:"last_reply_outcome,omitempty"`
}

// PrimaryRelay returns the first configured relay URL, or "" if none.
func (r *AgentRecord) PrimaryRelay() string {
	if len(r.RelayURLs) == 0 {
		return ""
	}
	return r.RelayURLs[0]
}

// SessionActive reports whether the agent's relay session window is open.
func (r *AgentRecord) SessionActive(now time.Time) bool {
	return r.SessionActiveUntil != nil && now.Before(*r.SessionActiveUntil)
}

// ExtendSession pushes the session deadline out to now+ttl.
func (r *AgentRecord) ExtendSession(now time.Time, ttl time.Duration) {
	deadline := now.Add(ttl)
	r.SessionActiveUntil = &deadline
}

// AppendTurn appends a chat turn, evicting the oldest entries beyond limit.
func (r *AgentRecord) AppendTurn(turn ChatTurn, limit int) {
	r.History = append(r.History, turn)
	if limit > 0 && len(r.History) > limit {
		r.History = r.History[len(r.History)-limit:]
	}
}
