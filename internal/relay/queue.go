package relay

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pikabot/pikabot/internal/domain"
)

// Publish queue tuning.
const (
	// RetryInterval is the minimum spacing between attempts for one event.
	RetryInterval = 2 * time.Second
	// MaxAttempts is the ceiling after which a pending event is dropped.
	MaxAttempts = 5
)

// Queue makes outbound publishes at-least-once: every enqueued event is held
// until the relay acknowledges it, retried on flush, and dropped (loudly)
// once the attempt ceiling is reached. The caller owns send ordering and
// persistence; the queue only tracks pending entries.
type Queue struct {
	pending []domain.PendingOutboundEvent
}

// NewQueue restores a queue from persisted pending entries.
func NewQueue(pending []domain.PendingOutboundEvent) *Queue {
	q := &Queue{}
	q.pending = append(q.pending, pending...)
	return q
}

// Enqueue records a new pending event with one attempt charged, whether or
// not the immediate send succeeds. It reports whether a new entry was
// inserted; an id that is already pending is left untouched so its retry
// spacing is preserved.
func (q *Queue) Enqueue(id string, framePayload json.RawMessage, now time.Time) bool {
	for _, p := range q.pending {
		if p.ID == id {
			return false
		}
	}
	q.pending = append(q.pending, domain.PendingOutboundEvent{
		ID:            id,
		FramePayload:  append(json.RawMessage(nil), framePayload...),
		Attempts:      1,
		LastAttemptAt: now,
	})
	return true
}

// Due returns the entries eligible for a resend: under the attempt ceiling
// and last attempted at least RetryInterval ago. Entries at the ceiling are
// dropped and logged as permanent failures.
func (q *Queue) Due(now time.Time) []domain.PendingOutboundEvent {
	var due []domain.PendingOutboundEvent
	kept := q.pending[:0]
	for _, p := range q.pending {
		if p.Attempts >= MaxAttempts {
			slog.Warn("Dropping outbound event after attempt ceiling, data may be lost",
				"event_id", p.ID, "attempts", p.Attempts)
			continue
		}
		kept = append(kept, p)
		if now.Sub(p.LastAttemptAt) >= RetryInterval {
			due = append(due, p)
		}
	}
	q.pending = kept
	return due
}

// MarkAttempt charges one attempt against a pending entry.
func (q *Queue) MarkAttempt(id string, now time.Time) {
	for i := range q.pending {
		if q.pending[i].ID == id {
			q.pending[i].Attempts++
			q.pending[i].LastAttemptAt = now
			return
		}
	}
}

// Ack removes an acknowledged entry and reports whether it was pending.
func (q *Queue) Ack(id string) bool {
	return q.remove(id)
}

// Reject removes a definitively rejected entry. A relay-level rejection is
// not transient, so it is never retried.
func (q *Queue) Reject(id string) bool {
	return q.remove(id)
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	return len(q.pending)
}

// Snapshot returns the pending entries in order for persistence.
func (q *Queue) Snapshot() []domain.PendingOutboundEvent {
	out := make([]domain.PendingOutboundEvent, len(q.pending))
	copy(out, q.pending)
	return out
}

func (q *Queue) remove(id string) bool {
	for i := range q.pending {
		if q.pending[i].ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}
