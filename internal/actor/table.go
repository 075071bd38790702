package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pikabot/pikabot/internal/config"
	"github.com/pikabot/pikabot/internal/relay"
	"github.com/pikabot/pikabot/internal/store"
)

const maxAgentIDLen = 128

// Deps carries everything an actor needs. NewSession is a factory so tests
// can substitute a fake socket.
type Deps struct {
	Cfg        *config.Config
	Repo       store.Repository
	Bridge     ReplyBridge
	NewSession func(agentID string, sink relay.Sink) RelaySession
}

// Table owns the live actors, one per agent id. Lookups revive agents from
// durable state on demand.
type Table struct {
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*Actor
}

// NewTable creates an actor table. Actors it spawns stop when Shutdown is
// called.
func NewTable(deps Deps) *Table {
	if deps.NewSession == nil {
		deps.NewSession = func(agentID string, sink relay.Sink) RelaySession {
			return relay.NewSession(agentID, sink)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Table{
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		actors: make(map[string]*Actor),
	}
}

// Get returns the live actor for an agent, reviving it from the store if
// needed. A corrupt or too-new engine snapshot fails the revival.
func (t *Table) Get(ctx context.Context, agentID string) (*Actor, error) {
	if agentID == "" || len(agentID) > maxAgentIDLen {
		return nil, fmt.Errorf("invalid agent id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if a, ok := t.actors[agentID]; ok {
		return a, nil
	}

	a, err := newActor(ctx, agentID, t.deps)
	if err != nil {
		return nil, fmt.Errorf("revive agent %q: %w", agentID, err)
	}
	t.actors[agentID] = a
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		a.run(t.ctx)
	}()
	return a, nil
}

// Find returns the live actor for an agent that already exists, either in
// the table or in the store. Unknown ids return ErrNotInitialized without
// retaining an actor, so status probes of arbitrary ids cannot grow the
// table.
func (t *Table) Find(ctx context.Context, agentID string) (*Actor, error) {
	t.mu.Lock()
	a, ok := t.actors[agentID]
	t.mu.Unlock()
	if ok {
		return a, nil
	}

	record, err := t.deps.Repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("look up agent %q: %w", agentID, err)
	}
	if record == nil {
		return nil, ErrNotInitialized
	}
	return t.Get(ctx, agentID)
}

// WarmUp revives every agent known to the store. Sessions that were active
// when the process stopped reconnect and resubscribe on their first tick.
func (t *Table) WarmUp(ctx context.Context) error {
	ids, err := t.deps.Repo.ListAgentIDs(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, id := range ids {
		if _, err := t.Get(ctx, id); err != nil {
			slog.Error("Failed to revive agent on warm-up", "agent_id", id, "error", err)
			continue
		}
	}
	slog.Info("Agent warm-up complete", "count", len(ids))
	return nil
}

// Shutdown stops all actors and waits for their final persists.
func (t *Table) Shutdown() {
	t.cancel()
	t.wg.Wait()
}
