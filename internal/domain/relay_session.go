package domain

import (
	"encoding/json"
	"time"
)

// PendingOutboundEvent is an outbound publish awaiting relay acknowledgment.
// It is removed on OK (accepted or definitively rejected) or after the
// attempt ceiling is reached.
type PendingOutboundEvent struct {
	ID            string          `json:"id"`
	FramePayload  json.RawMessage `json:"frame_payload"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt time.Time       `json:"last_attempt_at"`
}

// RelaySessionState describes one agent's relay connection. Connected must
// reflect actual socket readiness, not intent.
type RelaySessionState struct {
	Connected        bool       `json:"connected"`
	Relay            string     `json:"relay,omitempty"`
	SubscriptionID   string     `json:"subscription_id,omitempty"`
	LastEventAt      *time.Time `json:"last_event_at,omitempty"`
	LastRequestAt    *time.Time `json:"last_request_at,omitempty"`
	RateLimitedUntil *time.Time `json:"rate_limited_until,omitempty"`

	InboundEvents     int64 `json:"inbound_events"`
	DuplicatesIgnored int64 `json:"duplicates_ignored"`
	Published         int64 `json:"published"`
	PublishFailures   int64 `json:"publish_failures"`
	Acked             int64 `json:"acked"`
	Notices           int64 `json:"notices"`
	Errors            int64 `json:"errors"`

	Pending          []PendingOutboundEvent `json:"pending,omitempty"`
	SeenEventIDs     []string               `json:"seen_event_ids,omitempty"`
	SeenFingerprints []string               `json:"seen_fingerprints,omitempty"`

	LastNotice string `json:"last_notice,omitempty"`
}

// RateLimited reports whether publishing is paused by a rate-limit backoff.
func (s *RelaySessionState) RateLimited(now time.Time) bool {
	return s.RateLimitedUntil != nil && now.Before(*s.RateLimitedUntil)
}

// SetRateLimit opens a publish backoff window ending at now+d.
func (s *RelaySessionState) SetRateLimit(now time.Time, d time.Duration) {
	until := now.Add(d)
	s.RateLimitedUntil = &until
}

// ClearRateLimit closes any open backoff window.
func (s *RelaySessionState) ClearRateLimit() {
	s.RateLimitedUntil = nil
}
