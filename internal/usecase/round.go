package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"huddle/internal/domain"
)

// roundState is the per-chat mutable state of the round state machine.
// It is owned by the Coordinator and only reachable through its methods;
// process-exit callbacks may touch it from arbitrary goroutines.
type roundState struct {
	phase     domain.ChatPhase
	locked    bool
	readOnly  bool
	pending   map[string]struct{}
	synthesis bool
}

// Coordinator owns the round state machine for every chat: the coarse
// per-chat lock, the pending-response set used for fan-in, the
// synthesis-in-progress guard and the read-only flag.
type Coordinator struct {
	mu     sync.Mutex
	chats  map[string]*roundState
	bus    domain.EventBus
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(bus domain.EventBus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		chats:  make(map[string]*roundState),
		bus:    bus,
		logger: logger,
	}
}

func (c *Coordinator) state(chatID string) *roundState {
	st, ok := c.chats[chatID]
	if !ok {
		st = &roundState{phase: domain.PhaseIdle, pending: make(map[string]struct{})}
		c.chats[chatID] = st
	}
	return st
}

// TryLock acquires the chat lock, failing fast with ErrChatBusy when it is
// already held. There is no queueing: rounds can run for minutes and the
// caller must report busy rather than wait.
func (c *Coordinator) TryLock(chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(chatID)
	if st.locked {
		return domain.ErrChatBusy
	}
	st.locked = true
	return nil
}

// Unlock releases the chat lock. Safe to call when not held.
func (c *Coordinator) Unlock(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(chatID).locked = false
}

// Locked reports whether the chat lock is currently held.
func (c *Coordinator) Locked(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(chatID).locked
}

// Phase returns the chat's current round phase.
func (c *Coordinator) Phase(chatID string) domain.ChatPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(chatID).phase
}

// SetPhase transitions the chat to the given phase and emits a chat.state
// event when the phase actually changed.
func (c *Coordinator) SetPhase(ctx context.Context, chatID string, phase domain.ChatPhase) {
	c.mu.Lock()
	st := c.state(chatID)
	changed := st.phase != phase
	st.phase = phase
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Debug("chat phase", "chat_id", chatID, "phase", string(phase))
	c.emitState(ctx, chatID, phase)
}

// SetReadOnly records the read-only flag set by the triggering user message.
// Every spawn in the round consults it until the next user message.
func (c *Coordinator) SetReadOnly(chatID string, ro bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(chatID).readOnly = ro
}

// ReadOnly returns the chat's current read-only flag.
func (c *Coordinator) ReadOnly(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state(chatID).readOnly
}

// AddPending records that a participant invocation was spawned and has not
// reported back yet. Consecutive rounds merge into the same set, so a slow
// participant from a previous round is never dropped.
func (c *Coordinator) AddPending(chatID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(chatID).pending[name] = struct{}{}
}

// RemovePending removes a participant from the pending set. It returns
// whether the name was present and whether the removal emptied a previously
// non-empty set. The latter is the sole trigger for synthesis.
func (c *Coordinator) RemovePending(chatID, name string) (present, emptied bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(chatID)
	if _, present = st.pending[name]; !present {
		return false, false
	}
	delete(st.pending, name)
	return true, len(st.pending) == 0
}

// PendingNames returns a snapshot of the pending set.
func (c *Coordinator) PendingNames(chatID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(chatID)
	names := make([]string, 0, len(st.pending))
	for n := range st.pending {
		names = append(names, n)
	}
	return names
}

// BeginSynthesis sets the synthesis-in-progress flag. It returns false when
// a synthesis spawn is already underway, guaranteeing at most one synthesis
// per round even when two "last participant" completions race.
func (c *Coordinator) BeginSynthesis(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(chatID)
	if st.synthesis {
		return false
	}
	st.synthesis = true
	return true
}

// EndSynthesis clears the synthesis-in-progress flag.
func (c *Coordinator) EndSynthesis(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(chatID).synthesis = false
}

// Abort forces the chat back to idle: pending set cleared, synthesis flag
// cleared, lock released. Used on unrecoverable spawn failures.
func (c *Coordinator) Abort(ctx context.Context, chatID string) {
	c.mu.Lock()
	st := c.state(chatID)
	st.pending = make(map[string]struct{})
	st.synthesis = false
	st.locked = false
	changed := st.phase != domain.PhaseIdle
	st.phase = domain.PhaseIdle
	c.mu.Unlock()

	if changed {
		c.emitState(ctx, chatID, domain.PhaseIdle)
	}
}

// Forget drops all state for a chat. Called before a chat is deleted.
func (c *Coordinator) Forget(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chats, chatID)
}

func (c *Coordinator) emitState(ctx context.Context, chatID string, phase domain.ChatPhase) {
	if c.bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.StatePayload{Phase: phase})
	c.bus.Publish(ctx, domain.Event{
		Type:      domain.EventChatState,
		Timestamp: time.Now(),
		ChatID:    chatID,
		Payload:   payload,
	})
}
