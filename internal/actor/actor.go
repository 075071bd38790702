// Package actor hosts the per-agent actor: a single goroutine per agent that
// owns the durable record, the relay session, the publish queue, and the
// wake scheduler. Socket frames, timer ticks, and HTTP requests all post
// messages into one inbox and are drained in arrival order, so no two
// mutations of an agent's state ever race.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pikabot/pikabot/internal/bridge"
	"github.com/pikabot/pikabot/internal/config"
	"github.com/pikabot/pikabot/internal/domain"
	"github.com/pikabot/pikabot/internal/engine"
	"github.com/pikabot/pikabot/internal/relay"
	"github.com/pikabot/pikabot/internal/shared"
	"github.com/pikabot/pikabot/internal/store"
)

const (
	// wakeInterval is the ceiling between scheduler ticks while a session
	// is active.
	wakeInterval = 30 * time.Second
	// rateLimitBackoff pauses publishes after a rate-limit rejection.
	rateLimitBackoff = 10 * time.Second
	// lookbackWindow is the subscription since-window when no event has
	// been seen yet.
	lookbackWindow = 2 * time.Minute
	// sinceSlack rewinds the since-window slightly past the last seen event
	// so boundary events are not missed; dedup absorbs the overlap.
	sinceSlack = time.Second

	subscribeLimit = 200
	noticeLimit    = 256
	inboxSize      = 256
)

var (
	// ErrActorStopped is returned when a request reaches a stopped actor.
	ErrActorStopped = errors.New("agent actor stopped")
	// ErrNotInitialized is returned for status/welcome calls before init.
	ErrNotInitialized = errors.New("agent not initialized")
)

// RelaySession abstracts the relay socket owner; satisfied by
// *relay.Session and by test fakes.
type RelaySession interface {
	Ensure(ctx context.Context, url string) (bool, error)
	Connected() bool
	Send(ctx context.Context, payload []byte) error
	Close(reason string)
}

// ReplyBridge abstracts the completion backend; satisfied by
// *bridge.Client and by test fakes.
type ReplyBridge interface {
	Complete(ctx context.Context, req bridge.Request) (bridge.Result, error)
}

// InitRequest creates or updates an agent.
type InitRequest struct {
	Name         string   `json:"name"`
	RelayURLs    []string `json:"relays,omitempty"`
	IdentitySeed string   `json:"identity_seed,omitempty"`
}

// WelcomeRequest joins the agent into a membership group.
type WelcomeRequest struct {
	GroupID   string          `json:"group_id"`
	WrapperID string          `json:"wrapper_id,omitempty"`
	Welcome   json.RawMessage `json:"welcome,omitempty"`
}

// StatusView is the externally visible agent state.
type StatusView struct {
	Record       domain.AgentRecord       `json:"record"`
	Session      domain.RelaySessionState `json:"session"`
	JoinedGroups []string                 `json:"joined_groups"`
}

// WelcomeView is the response to a welcome call.
type WelcomeView struct {
	engine.WelcomeResult
	SessionActiveUntil time.Time `json:"session_active_until"`
}

type actorMsg interface{ actorMsg() }

type frameMsg struct{ frame relay.Frame }
type disconnectMsg struct{ err error }
type tickMsg struct{}
type initMsg struct {
	req  InitRequest
	resp chan statusOrErr
}
type statusMsg struct{ resp chan statusOrErr }
type welcomeMsg struct {
	req  WelcomeRequest
	resp chan welcomeOrErr
}

func (frameMsg) actorMsg()      {}
func (disconnectMsg) actorMsg() {}
func (tickMsg) actorMsg()       {}
func (initMsg) actorMsg()       {}
func (statusMsg) actorMsg()     {}
func (welcomeMsg) actorMsg()    {}

type statusOrErr struct {
	view StatusView
	err  error
}

type welcomeOrErr struct {
	view WelcomeView
	err  error
}

// Actor owns one agent. All state below the inbox is touched only by the
// actor goroutine (and, in tests, by direct handler calls).
type Actor struct {
	id     string
	cfg    *config.Config
	repo   store.Repository
	bridge ReplyBridge

	inbox chan actorMsg
	done  chan struct{}

	record *domain.AgentRecord
	state  *domain.RelaySessionState
	eng    *engine.Engine
	sess   RelaySession
	queue  *relay.Queue
	dedup  *relay.Dedup

	timer     *time.Timer
	kpEventID string

	clock func() time.Time
}

// newActor builds an actor and loads its durable state. A snapshot written
// by a newer engine schema fails the load outright.
func newActor(ctx context.Context, agentID string, deps Deps) (*Actor, error) {
	a := &Actor{
		id:     agentID,
		cfg:    deps.Cfg,
		repo:   deps.Repo,
		bridge: deps.Bridge,
		inbox:  make(chan actorMsg, inboxSize),
		done:   make(chan struct{}),
		eng:    engine.New(),
		clock:  time.Now,
	}
	a.sess = deps.NewSession(agentID, a)

	record, err := deps.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent record: %w", err)
	}
	a.record = record

	state, err := deps.Repo.GetRelaySession(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load relay session state: %w", err)
	}
	if state == nil {
		state = &domain.RelaySessionState{}
	}
	// A restart always starts disconnected, whatever was persisted.
	state.Connected = false
	state.SubscriptionID = ""
	a.state = state
	a.queue = relay.NewQueue(state.Pending)
	a.dedup = relay.NewDedupFrom(state.SeenEventIDs, state.SeenFingerprints)

	snapshot, err := deps.Repo.GetEngineSnapshot(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load engine snapshot: %w", err)
	}
	if snapshot != nil {
		if err := a.eng.LoadSnapshot(snapshot); err != nil {
			return nil, fmt.Errorf("restore engine snapshot: %w", err)
		}
	}

	if a.record != nil && a.record.SessionActive(a.clock()) {
		// Resume promptly after restart: the first tick reconnects and
		// resubscribes to all groups already joined in the snapshot.
		a.timer = time.AfterFunc(0, a.postTick)
	}
	return a, nil
}

// Init creates or idempotently updates the agent.
func (a *Actor) Init(ctx context.Context, req InitRequest) (StatusView, error) {
	resp := make(chan statusOrErr, 1)
	if err := a.post(ctx, initMsg{req: req, resp: resp}); err != nil {
		return StatusView{}, err
	}
	return a.awaitStatus(ctx, resp)
}

// Status re-checks lifecycle readiness, drives a connect/flush/resubscribe
// cycle, and returns the current view.
func (a *Actor) Status(ctx context.Context) (StatusView, error) {
	resp := make(chan statusOrErr, 1)
	if err := a.post(ctx, statusMsg{resp: resp}); err != nil {
		return StatusView{}, err
	}
	return a.awaitStatus(ctx, resp)
}

// ProcessWelcome joins a group, marks the session active, and triggers a
// resubscription so the new group's traffic is observed.
func (a *Actor) ProcessWelcome(ctx context.Context, req WelcomeRequest) (WelcomeView, error) {
	resp := make(chan welcomeOrErr, 1)
	if err := a.post(ctx, welcomeMsg{req: req, resp: resp}); err != nil {
		return WelcomeView{}, err
	}
	select {
	case r := <-resp:
		return r.view, r.err
	case <-ctx.Done():
		return WelcomeView{}, ctx.Err()
	case <-a.done:
		return WelcomeView{}, ErrActorStopped
	}
}

// HandleFrame implements relay.Sink: frames are serialized via the inbox.
func (a *Actor) HandleFrame(f relay.Frame) {
	select {
	case a.inbox <- frameMsg{frame: f}:
	case <-a.done:
	}
}

// HandleDisconnect implements relay.Sink.
func (a *Actor) HandleDisconnect(err error) {
	select {
	case a.inbox <- disconnectMsg{err: err}:
	case <-a.done:
	}
}

func (a *Actor) postTick() {
	select {
	case a.inbox <- tickMsg{}:
	case <-a.done:
	}
}

func (a *Actor) post(ctx context.Context, msg actorMsg) error {
	select {
	case a.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return ErrActorStopped
	}
}

func (a *Actor) awaitStatus(ctx context.Context, resp chan statusOrErr) (StatusView, error) {
	select {
	case r := <-resp:
		return r.view, r.err
	case <-ctx.Done():
		return StatusView{}, ctx.Err()
	case <-a.done:
		return StatusView{}, ErrActorStopped
	}
}

func (a *Actor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.teardown()
			return
		case msg := <-a.inbox:
			a.dispatch(ctx, msg)
		}
	}
}

func (a *Actor) teardown() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.sess.Close("shutdown")
	// Persist with a fresh context: the run context is already canceled.
	persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.persist(persistCtx)
	close(a.done)
}

func (a *Actor) dispatch(ctx context.Context, msg actorMsg) {
	switch m := msg.(type) {
	case initMsg:
		view, err := a.handleInit(ctx, m.req)
		m.resp <- statusOrErr{view: view, err: err}
	case statusMsg:
		view, err := a.handleStatus(ctx)
		m.resp <- statusOrErr{view: view, err: err}
	case welcomeMsg:
		view, err := a.handleWelcome(ctx, m.req)
		m.resp <- welcomeOrErr{view: view, err: err}
	case frameMsg:
		a.handleFrame(ctx, m.frame)
	case disconnectMsg:
		a.handleDisconnect(ctx, m.err)
	case tickMsg:
		a.handleTick(ctx)
	}
}

func (a *Actor) handleInit(ctx context.Context, req InitRequest) (StatusView, error) {
	now := a.clock()

	if a.record == nil {
		if req.Name == "" {
			return StatusView{}, fmt.Errorf("init: name is required")
		}
		relays := req.RelayURLs
		if len(relays) == 0 {
			relays = a.cfg.RelayURLs
		}
		a.record = &domain.AgentRecord{
			ID:        a.id,
			Name:      req.Name,
			Phase:     domain.PhaseBooting,
			CreatedAt: now,
			ReadyAt:   now.Add(a.cfg.BootDelay),
			RelayURLs: relays,
		}
		slog.Info("Agent record created", "agent_id", a.id, "name", req.Name)
	} else {
		if req.Name != "" {
			a.record.Name = req.Name
		}
		if len(req.RelayURLs) > 0 {
			if req.RelayURLs[0] != a.record.PrimaryRelay() {
				slog.Info("Primary relay changed, rebuilding session",
					"agent_id", a.id, "relay", req.RelayURLs[0])
				a.sess.Close("relay changed")
				a.state.Connected = false
				a.state.SubscriptionID = ""
			}
			a.record.RelayURLs = req.RelayURLs
		}
	}

	idRes, err := a.eng.InitOrLoadIdentity(req.IdentitySeed)
	if err != nil {
		return StatusView{}, fmt.Errorf("init identity: %w", err)
	}
	a.record.IdentityPubkey = idRes.Pubkey

	a.record.ExtendSession(now, a.cfg.SessionTTL)
	// Connect before publishing so the key package goes out immediately
	// instead of waiting for the first retry flush.
	a.driveSession(ctx, now, true)
	a.publishKeyPackageIfNeeded(ctx, now)
	a.refreshLifecycle(now)
	a.scheduleWake(now)
	a.persist(ctx)
	return a.statusView(), nil
}

func (a *Actor) handleStatus(ctx context.Context) (StatusView, error) {
	if a.record == nil {
		return StatusView{}, ErrNotInitialized
	}
	now := a.clock()

	// A fresh status call reactivates a dormant session.
	if !a.record.SessionActive(now) {
		a.record.ExtendSession(now, a.cfg.SessionTTL)
	}
	a.driveSession(ctx, now, true)
	a.publishKeyPackageIfNeeded(ctx, now)
	a.refreshLifecycle(now)
	a.scheduleWake(now)
	a.persist(ctx)
	return a.statusView(), nil
}

func (a *Actor) handleWelcome(ctx context.Context, req WelcomeRequest) (WelcomeView, error) {
	if a.record == nil {
		return WelcomeView{}, ErrNotInitialized
	}
	now := a.clock()

	var res engine.WelcomeResult
	var err error
	if req.WrapperID != "" || len(req.Welcome) > 0 {
		res, err = a.eng.ProcessWelcomeEvent(req.GroupID, req.WrapperID, req.Welcome)
	} else {
		res, err = a.eng.ProcessWelcome(req.GroupID)
	}
	if err != nil {
		return WelcomeView{}, err
	}

	a.record.ExtendSession(now, a.cfg.SessionTTL)
	a.driveSession(ctx, now, true)
	a.scheduleWake(now)
	a.persist(ctx)
	slog.Info("Group welcome processed", "agent_id", a.id,
		"group_id", res.GroupID, "already_member", res.AlreadyMember)
	return WelcomeView{WelcomeResult: res, SessionActiveUntil: *a.record.SessionActiveUntil}, nil
}

func (a *Actor) handleTick(ctx context.Context) {
	if a.record == nil {
		return
	}
	now := a.clock()

	if !a.record.SessionActive(now) {
		a.sess.Close("session expired")
		a.state.Connected = false
		a.state.SubscriptionID = ""
		slog.Info("Session expired, agent going dormant", "agent_id", a.id)
		a.persist(ctx)
		// No reschedule: dormancy ends with a welcome or a fresh status call.
		return
	}

	a.driveSession(ctx, now, true)
	a.publishKeyPackageIfNeeded(ctx, now)
	a.refreshLifecycle(now)
	a.persist(ctx)
	a.scheduleWake(now)
}

func (a *Actor) handleFrame(ctx context.Context, f relay.Frame) {
	now := a.clock()
	switch fr := f.(type) {
	case relay.EventFrame:
		a.handleEvent(ctx, now, fr)
	case relay.NoticeFrame:
		a.state.Notices++
		a.state.LastNotice = truncateNotice(fr.Text)
	case relay.OKFrame:
		a.handleOK(now, fr)
	case relay.EOSEFrame:
		// End of stored events for the subscription; live events follow.
	case relay.UnrecognizedFrame:
		a.state.Errors++
		slog.Debug("Unrecognized relay frame", "agent_id", a.id, "label", fr.Label)
	}
	a.persist(ctx)
}

func (a *Actor) handleEvent(ctx context.Context, now time.Time, fr relay.EventFrame) {
	a.state.InboundEvents++
	ev := fr.Event

	if ev.Kind != relay.KindGroupMessage {
		return
	}
	if a.dedup.SeenID(ev.ID) {
		a.state.DuplicatesIgnored++
		return
	}
	group := ev.GroupID()
	if a.dedup.SeenContent(ev.Pubkey, group, ev.Content) {
		a.state.DuplicatesIgnored++
		return
	}

	if evTime := time.Unix(ev.CreatedAt, 0); a.state.LastEventAt == nil || evTime.After(*a.state.LastEventAt) {
		a.state.LastEventAt = &evTime
	}

	res, err := a.eng.ProcessGroupMessageEvent(group, fr.Raw)
	if err != nil {
		a.state.Errors++
		slog.Warn("Protocol engine rejected group message",
			"agent_id", a.id, "event_id", ev.ID, "error", err)
		return
	}

	if a.record != nil {
		a.record.ExtendSession(now, a.cfg.SessionTTL)
	}

	if res.Plaintext == "" {
		return
	}
	if a.record == nil || ev.Pubkey == a.record.IdentityPubkey {
		return
	}
	if ev.Role() == domain.RoleAssistant {
		return
	}
	a.replyToTurn(ctx, now, group, res.Plaintext)
}

func (a *Actor) replyToTurn(ctx context.Context, now time.Time, group, text string) {
	history := append([]domain.ChatTurn(nil), a.record.History...)
	res, err := a.bridge.Complete(ctx, bridge.Request{
		AgentID:   a.id,
		AgentName: a.record.Name,
		Message:   text,
		History:   history,
	})
	if err != nil {
		slog.Warn("Reply generation failed", "agent_id", a.id, "group_id", group, "error", err)
		a.record.LastReplyOutcome = &domain.ReplyOutcome{At: a.clock(), Error: err.Error()}
		return
	}

	a.record.AppendTurn(domain.ChatTurn{Role: domain.RoleUser, Content: text, At: now}, a.cfg.HistoryLimit)
	a.record.AppendTurn(domain.ChatTurn{Role: domain.RoleAssistant, Content: res.Reply, At: a.clock()}, a.cfg.HistoryLimit)

	out, err := a.eng.CreateOutboundGroupMessage(group, res.Reply)
	if err != nil {
		a.state.Errors++
		slog.Error("Failed to encode outbound reply", "agent_id", a.id, "group_id", group, "error", err)
		a.record.LastReplyOutcome = &domain.ReplyOutcome{At: a.clock(), Error: "encode reply: " + err.Error()}
		return
	}
	frame, err := relay.EncodeEvent(out.SignedEvent)
	if err != nil {
		a.state.Errors++
		slog.Error("Failed to encode outbound frame", "agent_id", a.id, "error", err)
		return
	}
	a.enqueue(ctx, out.EventID, frame, a.clock())

	a.record.LastReplyOutcome = &domain.ReplyOutcome{At: a.clock(), Source: res.Source, Latency: res.Latency}
	slog.Info("Reply published", "agent_id", a.id, "group_id", group,
		"event_id", out.EventID, "latency", res.Latency)
}

func (a *Actor) handleOK(now time.Time, fr relay.OKFrame) {
	if fr.Accepted {
		a.state.Acked++
		a.queue.Ack(fr.EventID)
		a.state.ClearRateLimit()
		if a.record != nil && fr.EventID == a.kpEventID && a.record.KeyPackagePublishedAt == nil {
			t := now
			a.record.KeyPackagePublishedAt = &t
			a.refreshLifecycle(now)
			slog.Info("Key package acknowledged by relay", "agent_id", a.id, "event_id", fr.EventID)
		}
		return
	}

	a.state.PublishFailures++
	if isRateLimitMessage(fr.Message) {
		a.state.SetRateLimit(now, rateLimitBackoff)
		slog.Warn("Relay rate limit hit, pausing publishes",
			"agent_id", a.id, "until", a.state.RateLimitedUntil)
	}
	a.state.LastNotice = truncateNotice("publish rejected: " + fr.Message)
	// A definitive rejection is not retried, on this relay or elsewhere.
	a.queue.Reject(fr.EventID)
}

func (a *Actor) handleDisconnect(ctx context.Context, err error) {
	a.state.Connected = false
	a.state.SubscriptionID = ""
	a.state.Errors++
	slog.Warn("Relay session lost", "agent_id", a.id, "error", err)
	a.persist(ctx)
	// The next scheduled tick reconnects; no immediate retry loop.
}

// refreshLifecycle promotes Booting to Ready once both the boot delay has
// elapsed and the key package is durably published.
func (a *Actor) refreshLifecycle(now time.Time) {
	if a.record.Phase != domain.PhaseBooting {
		return
	}
	if now.Before(a.record.ReadyAt) || a.record.KeyPackagePublishedAt == nil {
		return
	}
	a.record.Phase = domain.PhaseReady
	slog.Info("Agent ready", "agent_id", a.id, "pubkey", a.record.IdentityPubkey)
}

func (a *Actor) publishKeyPackageIfNeeded(ctx context.Context, now time.Time) {
	if a.record == nil || a.record.KeyPackagePublishedAt != nil {
		return
	}
	kp, err := a.eng.PublishKeyPackagePayload()
	if err != nil {
		slog.Warn("Key package payload unavailable", "agent_id", a.id, "error", err)
		return
	}
	frame, err := relay.EncodeEvent(kp.SignedEvent)
	if err != nil {
		slog.Error("Failed to encode key package frame", "agent_id", a.id, "error", err)
		return
	}
	a.kpEventID = kp.EventID
	a.enqueue(ctx, kp.EventID, frame, now)
}

// driveSession ensures the socket is open for the active session, flushes
// the publish queue, and (re)issues the subscription.
func (a *Actor) driveSession(ctx context.Context, now time.Time, resubscribe bool) {
	if a.record == nil || !a.record.SessionActive(now) {
		return
	}
	url := a.record.PrimaryRelay()
	if url == "" {
		return
	}

	opened, err := a.sess.Ensure(ctx, url)
	if err != nil {
		a.state.Connected = false
		a.state.Errors++
		slog.Warn("Relay connect failed", "agent_id", a.id, "relay", url, "error", err)
		return
	}
	a.state.Connected = true
	a.state.Relay = url

	if opened || resubscribe {
		a.subscribe(ctx, now)
	}
	a.flushQueue(ctx, now)
}

// subscribe closes any previous subscription and issues a fresh one with a
// new id; reusing ids invites relay-side ambiguity.
func (a *Actor) subscribe(ctx context.Context, now time.Time) {
	if !a.sess.Connected() {
		return
	}
	if a.state.SubscriptionID != "" {
		if payload, err := relay.EncodeClose(a.state.SubscriptionID); err == nil {
			if err := a.sess.Send(ctx, payload); err != nil {
				slog.Debug("Failed to close old subscription", "agent_id", a.id, "error", err)
			}
		}
	}

	since := now.Add(-lookbackWindow).Unix()
	if a.state.LastEventAt != nil {
		since = a.state.LastEventAt.Add(-sinceSlack).Unix()
	}
	subID := uuid.NewString()
	payload, err := relay.EncodeReq(subID, relay.SubscriptionFilter{
		Kinds:     []int{relay.KindGroupMessage},
		Since:     since,
		Limit:     subscribeLimit,
		GroupTags: a.eng.JoinedGroups(),
	})
	if err != nil {
		slog.Error("Failed to encode subscription", "agent_id", a.id, "error", err)
		return
	}
	if err := a.sess.Send(ctx, payload); err != nil {
		slog.Warn("Subscription request failed", "agent_id", a.id, "error", err)
		return
	}
	a.state.SubscriptionID = subID
	t := now
	a.state.LastRequestAt = &t
}

// enqueue records a pending publish and attempts an immediate send when the
// socket is open and no rate-limit window is in force. An id that is already
// pending is left to the flush cycle; sending it again here would break the
// retry spacing.
func (a *Actor) enqueue(ctx context.Context, eventID string, frame json.RawMessage, now time.Time) {
	if !a.queue.Enqueue(eventID, frame, now) {
		return
	}
	if !a.sess.Connected() || a.state.RateLimited(now) {
		return
	}
	if err := a.sess.Send(ctx, frame); err != nil {
		slog.Warn("Immediate publish failed, will retry on flush",
			"agent_id", a.id, "event_id", eventID, "error", err)
		return
	}
	a.state.Published++
}

// flushQueue resends due pending events, respecting the retry spacing and
// the rate-limit window.
func (a *Actor) flushQueue(ctx context.Context, now time.Time) {
	if !a.sess.Connected() || a.state.RateLimited(now) {
		return
	}
	for _, p := range a.queue.Due(now) {
		if err := a.sess.Send(ctx, p.FramePayload); err != nil {
			slog.Warn("Queue flush send failed", "agent_id", a.id, "event_id", p.ID, "error", err)
			return
		}
		a.queue.MarkAttempt(p.ID, now)
		a.state.Published++
	}
}

// scheduleWake arms the cooperative wake timer for the nearer of the
// session deadline and the tick ceiling. Dormant agents get no timer.
func (a *Actor) scheduleWake(now time.Time) {
	if a.record == nil || !a.record.SessionActive(now) {
		return
	}
	d := wakeInterval
	if until := a.record.SessionActiveUntil.Sub(now); until < d {
		d = until
	}
	if d < 0 {
		d = 0
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, a.postTick)
}

// persist flushes all durable state synchronously. One retry absorbs a
// transient SQLite lock conflict.
func (a *Actor) persist(ctx context.Context) {
	a.state.Pending = a.queue.Snapshot()
	a.state.SeenEventIDs, a.state.SeenFingerprints = a.dedup.Snapshot()

	err := a.persistOnce(ctx)
	if shared.IsSQLiteConflictError(err) {
		time.Sleep(100 * time.Millisecond)
		err = a.persistOnce(ctx)
	}
	if err != nil {
		slog.Error("Failed to persist agent state", "agent_id", a.id, "error", err)
	}
}

func (a *Actor) persistOnce(ctx context.Context) error {
	if a.record != nil {
		if err := a.repo.SaveAgent(ctx, a.record); err != nil {
			return err
		}
	}
	if err := a.repo.SaveRelaySession(ctx, a.id, a.state); err != nil {
		return err
	}
	snapshot, err := a.eng.Snapshot()
	if err != nil {
		return err
	}
	return a.repo.SaveEngineSnapshot(ctx, a.id, snapshot)
}

func (a *Actor) statusView() StatusView {
	return StatusView{
		Record:       *a.record,
		Session:      *a.state,
		JoinedGroups: a.eng.JoinedGroups(),
	}
}

// truncateNotice caps the stored notice, backing off to a rune boundary so
// the durable state never holds invalid UTF-8.
func truncateNotice(text string) string {
	if len(text) <= noticeLimit {
		return text
	}
	cut := noticeLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRateLimitMessage(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "rate-limit") ||
		strings.Contains(m, "rate limit") ||
		strings.Contains(m, "slow down")
}
