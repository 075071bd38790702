// Package engine is the protocol-engine scaffold: deterministic identity,
// key-package, and group-message state transitions behind the JSON contract
// the bridge consumes. There is no real cryptography here; the scaffold
// stands in for the group-messaging engine so the orchestration layer can be
// built and tested against stable semantics.
package engine

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SnapshotSchemaVersion is the current durable snapshot schema. Older
// snapshots are upgraded additively on load; newer ones are rejected.
const SnapshotSchemaVersion = 2

// ciphertextPrefix frames scaffold ciphertext so decode failures are
// distinguishable from commit (non-application) messages.
const ciphertextPrefix = "scaffold1:"

var (
	// ErrNoIdentity is returned when an operation needs an identity that has
	// not been initialized yet.
	ErrNoIdentity = errors.New("engine: identity not initialized")
	// ErrUnknownGroup is returned for operations on a group that was never
	// joined via a welcome.
	ErrUnknownGroup = errors.New("engine: unknown group")
	// ErrSnapshotTooNew is returned when a snapshot was written by a newer
	// engine schema. Loading it partially would corrupt state, so it is
	// rejected outright.
	ErrSnapshotTooNew = errors.New("engine: snapshot schema newer than engine")
)

// IdentityResult is the response to init_or_load_identity.
type IdentityResult struct {
	Created        bool   `json:"created"`
	Pubkey         string `json:"pubkey"`
	KeyPackageHint string `json:"key_package_hint"`
}

// KeyPackageResult is the response to publish_keypackage_payload.
type KeyPackageResult struct {
	Payload     string          `json:"payload"`
	Tags        [][]string      `json:"tags"`
	SignedEvent json.RawMessage `json:"signed_event"`
	EventID     string          `json:"event_id"`
}

// WelcomeResult is the response to the process_welcome operations.
type WelcomeResult struct {
	GroupID       string `json:"group_id"`
	Joined        bool   `json:"joined"`
	AlreadyMember bool   `json:"already_member"`
}

// GroupMessageResult is the response to the process_group_message operations.
type GroupMessageResult struct {
	AppliedMessages int    `json:"applied_messages"`
	MessageKind     string `json:"message_kind"`
	Plaintext       string `json:"plaintext,omitempty"`
	SenderPubkey    string `json:"sender_pubkey,omitempty"`
}

// OutboundResult is the response to create_outbound_group_message.
type OutboundResult struct {
	EventID     string          `json:"event_id"`
	Sequence    uint64          `json:"sequence"`
	Ciphertext  string          `json:"ciphertext"`
	SignedEvent json.RawMessage `json:"signed_event"`
}

type groupState struct {
	Joined    bool   `json:"joined"`
	Sequence  uint64 `json:"sequence"`
	WrapperID string `json:"wrapper_id,omitempty"`
}

// Engine holds one identity's scaffold state. It is owned by a single actor
// and is not safe for concurrent use.
type Engine struct {
	pubkey string
	kpHint string
	groups map[string]*groupState
}

// New creates an empty engine with no identity.
func New() *Engine {
	return &Engine{groups: make(map[string]*groupState)}
}

// wireEvent mirrors the signed event shape without depending on the
// transport package; the engine is consumed as an opaque JSON contract.
type wireEvent struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	Sig       string     `json:"sig"`
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// InitOrLoadIdentity derives the identity from seed, or generates a random
// seed when none is given. Loading an existing identity is a no-op.
func (e *Engine) InitOrLoadIdentity(seed string) (IdentityResult, error) {
	if e.pubkey != "" {
		return IdentityResult{Created: false, Pubkey: e.pubkey, KeyPackageHint: e.kpHint}, nil
	}
	if seed == "" {
		seed = uuid.NewString()
	}
	e.pubkey = hashHex("identity:" + seed)
	e.kpHint = e.pubkey[:16]
	return IdentityResult{Created: true, Pubkey: e.pubkey, KeyPackageHint: e.kpHint}, nil
}

// PublishKeyPackagePayload builds the signed key-package event for the
// current identity. The payload is deterministic per identity so a retried
// publish reuses the same event id.
func (e *Engine) PublishKeyPackagePayload() (KeyPackageResult, error) {
	if e.pubkey == "" {
		return KeyPackageResult{}, ErrNoIdentity
	}
	payload := hashHex("keypackage:" + e.pubkey)
	tags := [][]string{{"kp", e.kpHint}}
	ev := e.signEvent(443, tags, payload, 0)
	raw, err := json.Marshal(ev)
	if err != nil {
		return KeyPackageResult{}, fmt.Errorf("encode key package event: %w", err)
	}
	return KeyPackageResult{Payload: payload, Tags: tags, SignedEvent: raw, EventID: ev.ID}, nil
}

// ProcessWelcome joins a group directly by id.
func (e *Engine) ProcessWelcome(groupID string) (WelcomeResult, error) {
	return e.join(groupID, "")
}

// ProcessWelcomeEvent joins a group from a wrapper event and welcome payload.
// The payload is opaque to the scaffold; only the wrapper id is retained.
func (e *Engine) ProcessWelcomeEvent(groupID, wrapperID string, welcome json.RawMessage) (WelcomeResult, error) {
	_ = welcome
	return e.join(groupID, wrapperID)
}

func (e *Engine) join(groupID, wrapperID string) (WelcomeResult, error) {
	if e.pubkey == "" {
		return WelcomeResult{}, ErrNoIdentity
	}
	if groupID == "" {
		return WelcomeResult{}, fmt.Errorf("engine: group id is required")
	}
	g, exists := e.groups[groupID]
	if !exists {
		g = &groupState{}
		e.groups[groupID] = g
	}
	already := g.Joined
	g.Joined = true
	if wrapperID != "" {
		g.WrapperID = wrapperID
	}
	return WelcomeResult{GroupID: groupID, Joined: true, AlreadyMember: already}, nil
}

// ProcessGroupMessageEvent applies one inbound group message event given as
// raw event JSON. Application messages decode to plaintext; anything not in
// scaffold framing is treated as a commit with no plaintext.
func (e *Engine) ProcessGroupMessageEvent(groupID string, eventJSON json.RawMessage) (GroupMessageResult, error) {
	if e.pubkey == "" {
		return GroupMessageResult{}, ErrNoIdentity
	}
	g, ok := e.groups[groupID]
	if !ok || !g.Joined {
		return GroupMessageResult{}, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	var ev wireEvent
	if err := json.Unmarshal(eventJSON, &ev); err != nil {
		return GroupMessageResult{}, fmt.Errorf("decode group message event: %w", err)
	}
	return e.processCiphertext(ev.Pubkey, ev.Content)
}

// ProcessGroupMessage applies one inbound ciphertext by event id, for callers
// that have already unwrapped the event.
func (e *Engine) ProcessGroupMessage(groupID, eventID, ciphertext string) (GroupMessageResult, error) {
	if e.pubkey == "" {
		return GroupMessageResult{}, ErrNoIdentity
	}
	g, ok := e.groups[groupID]
	if !ok || !g.Joined {
		return GroupMessageResult{}, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	_ = eventID
	return e.processCiphertext("", ciphertext)
}

func (e *Engine) processCiphertext(sender, ciphertext string) (GroupMessageResult, error) {
	if len(ciphertext) > len(ciphertextPrefix) && ciphertext[:len(ciphertextPrefix)] == ciphertextPrefix {
		plain, err := base64.StdEncoding.DecodeString(ciphertext[len(ciphertextPrefix):])
		if err != nil {
			return GroupMessageResult{}, fmt.Errorf("decode scaffold ciphertext: %w", err)
		}
		return GroupMessageResult{
			AppliedMessages: 1,
			MessageKind:     "application",
			Plaintext:       string(plain),
			SenderPubkey:    sender,
		}, nil
	}
	return GroupMessageResult{AppliedMessages: 1, MessageKind: "commit", SenderPubkey: sender}, nil
}

// CreateOutboundGroupMessage encrypts (scaffold-frames) a reply for a group
// and returns the signed wrapper event ready for publishing.
func (e *Engine) CreateOutboundGroupMessage(groupID, plaintext string) (OutboundResult, error) {
	if e.pubkey == "" {
		return OutboundResult{}, ErrNoIdentity
	}
	g, ok := e.groups[groupID]
	if !ok || !g.Joined {
		return OutboundResult{}, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	g.Sequence++
	ciphertext := ciphertextPrefix + base64.StdEncoding.EncodeToString([]byte(plaintext))
	tags := [][]string{{"h", groupID}, {"role", "assistant"}}
	ev := e.signEvent(445, tags, ciphertext, g.Sequence)
	raw, err := json.Marshal(ev)
	if err != nil {
		return OutboundResult{}, fmt.Errorf("encode outbound event: %w", err)
	}
	return OutboundResult{EventID: ev.ID, Sequence: g.Sequence, Ciphertext: ciphertext, SignedEvent: raw}, nil
}

// JoinedGroups returns the ids of all joined groups in stable order.
func (e *Engine) JoinedGroups() []string {
	var out []string
	for id, g := range e.groups {
		if g.Joined {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// signEvent builds a scaffold-signed event. The id is the hash of the
// canonical serialization; the sig is derived from id and pubkey, which is
// enough for the bridge's dedup and ack bookkeeping.
func (e *Engine) signEvent(kind int, tags [][]string, content string, seq uint64) wireEvent {
	createdAt := time.Now().Unix()
	canonical, _ := json.Marshal([]any{0, e.pubkey, kind, tags, content, seq})
	id := hashHex(string(canonical))
	return wireEvent{
		ID:        id,
		Pubkey:    e.pubkey,
		Sig:       hashHex("sig:" + id + e.pubkey),
		Kind:      kind,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   content,
	}
}

type snapshot struct {
	SchemaVersion  int                    `json:"schema_version"`
	Pubkey         string                 `json:"pubkey"`
	KeyPackageHint string                 `json:"key_package_hint"`
	Groups         map[string]*groupState `json:"groups"`
}

// snapshotV1 is the legacy shape: groups were a joined-flag map with no
// per-group sequence.
type snapshotV1 struct {
	Pubkey string          `json:"pubkey"`
	Groups map[string]bool `json:"groups"`
}

// Snapshot serializes the engine state for durable storage.
func (e *Engine) Snapshot() ([]byte, error) {
	data, err := json.Marshal(snapshot{
		SchemaVersion:  SnapshotSchemaVersion,
		Pubkey:         e.pubkey,
		KeyPackageHint: e.kpHint,
		Groups:         e.groups,
	})
	if err != nil {
		return nil, fmt.Errorf("encode engine snapshot: %w", err)
	}
	return data, nil
}

// LoadSnapshot restores engine state. Snapshots newer than the running
// schema are rejected; older ones are upgraded additively.
func (e *Engine) LoadSnapshot(data []byte) error {
	var versioned struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &versioned); err != nil {
		return fmt.Errorf("decode engine snapshot: %w", err)
	}
	if versioned.SchemaVersion > SnapshotSchemaVersion {
		return fmt.Errorf("%w: got %d, engine supports %d",
			ErrSnapshotTooNew, versioned.SchemaVersion, SnapshotSchemaVersion)
	}

	if versioned.SchemaVersion <= 1 {
		var legacy snapshotV1
		if err := json.Unmarshal(data, &legacy); err != nil {
			return fmt.Errorf("decode legacy engine snapshot: %w", err)
		}
		e.pubkey = legacy.Pubkey
		if e.pubkey != "" {
			e.kpHint = e.pubkey[:16]
		}
		e.groups = make(map[string]*groupState)
		for id, joined := range legacy.Groups {
			e.groups[id] = &groupState{Joined: joined}
		}
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode engine snapshot: %w", err)
	}
	e.pubkey = snap.Pubkey
	e.kpHint = snap.KeyPackageHint
	e.groups = snap.Groups
	if e.groups == nil {
		e.groups = make(map[string]*groupState)
	}
	if e.kpHint == "" && len(e.pubkey) >= 16 {
		e.kpHint = e.pubkey[:16]
	}
	return nil
}

func hashHex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
