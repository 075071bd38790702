// Package relay implements the pub/sub relay transport: wire frames, the
// per-agent socket session, inbound deduplication, and the at-least-once
// publish queue.
package relay

import (
	"encoding/json"
)

// Event kinds carried over the relay.
const (
	// KindKeyPackage is the published identity capability token.
	KindKeyPackage = 443
	// KindGroupMessage is a ciphertext wrapper for a membership group.
	KindGroupMessage = 445
)

// Tag keys on signed events.
const (
	TagGroup = "h"
	TagRole  = "role"
)

// SignedEvent is the signed event shape shared by inbound and outbound frames.
type SignedEvent struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	Sig       string     `json:"sig"`
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// Tag returns the value of the first tag with the given key, or "".
func (e *SignedEvent) Tag(key string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// GroupID returns the membership group tag value, or "".
func (e *SignedEvent) GroupID() string {
	return e.Tag(TagGroup)
}

// Role returns the message role tag value, or "".
func (e *SignedEvent) Role() string {
	return e.Tag(TagRole)
}

// Frame is a decoded inbound relay frame. The set of implementations is
// closed; anything the decoder does not recognize becomes UnrecognizedFrame.
type Frame interface {
	frame()
}

// EventFrame carries a signed event for a subscription. Raw preserves the
// event JSON exactly as received for hand-off to the protocol engine.
type EventFrame struct {
	SubscriptionID string
	Event          SignedEvent
	Raw            json.RawMessage
}

// NoticeFrame is a human-readable relay notice.
type NoticeFrame struct {
	Text string
}

// OKFrame acknowledges or rejects a previously published event.
type OKFrame struct {
	EventID  string
	Accepted bool
	Message  string
}

// EOSEFrame marks the end of stored events for a subscription.
type EOSEFrame struct {
	SubscriptionID string
}

// UnrecognizedFrame is any inbound frame the decoder could not classify.
type UnrecognizedFrame struct {
	Label string
	Raw   json.RawMessage
}

func (EventFrame) frame()        {}
func (NoticeFrame) frame()       {}
func (OKFrame) frame()           {}
func (EOSEFrame) frame()         {}
func (UnrecognizedFrame) frame() {}

// DecodeFrame decodes one inbound relay frame. Decoding happens exactly once
// at this boundary; malformed input maps to UnrecognizedFrame, never an error.
func DecodeFrame(data []byte) Frame {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		return UnrecognizedFrame{Raw: append(json.RawMessage(nil), data...)}
	}

	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return UnrecognizedFrame{Raw: append(json.RawMessage(nil), data...)}
	}

	switch label {
	case "EVENT":
		if len(parts) < 3 {
			break
		}
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			break
		}
		var ev SignedEvent
		if err := json.Unmarshal(parts[2], &ev); err != nil {
			break
		}
		return EventFrame{SubscriptionID: subID, Event: ev, Raw: parts[2]}
	case "NOTICE":
		if len(parts) < 2 {
			break
		}
		var text string
		if err := json.Unmarshal(parts[1], &text); err != nil {
			break
		}
		return NoticeFrame{Text: text}
	case "OK":
		if len(parts) < 3 {
			break
		}
		var eventID string
		var accepted bool
		if err := json.Unmarshal(parts[1], &eventID); err != nil {
			break
		}
		if err := json.Unmarshal(parts[2], &accepted); err != nil {
			break
		}
		var message string
		if len(parts) >= 4 {
			_ = json.Unmarshal(parts[3], &message)
		}
		return OKFrame{EventID: eventID, Accepted: accepted, Message: message}
	case "EOSE":
		if len(parts) < 2 {
			break
		}
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			break
		}
		return EOSEFrame{SubscriptionID: subID}
	}

	return UnrecognizedFrame{Label: label, Raw: append(json.RawMessage(nil), data...)}
}

// SubscriptionFilter is the REQ filter payload.
type SubscriptionFilter struct {
	Kinds     []int    `json:"kinds"`
	Since     int64    `json:"since"`
	Limit     int      `json:"limit"`
	GroupTags []string `json:"#h"`
}

// EncodeReq encodes a ["REQ", sub_id, filter] frame.
func EncodeReq(subID string, filter SubscriptionFilter) ([]byte, error) {
	return json.Marshal([]any{"REQ", subID, filter})
}

// EncodeClose encodes a ["CLOSE", sub_id] frame.
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]string{"CLOSE", subID})
}

// EncodeEvent encodes an ["EVENT", signed_event] frame from raw event JSON.
func EncodeEvent(signedEvent json.RawMessage) ([]byte, error) {
	return json.Marshal([]any{"EVENT", signedEvent})
}
