package usecase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"huddle/internal/domain"
)

// discardLogger returns a no-op logger for engines created without one.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// spawnRole tags an in-flight process with the engine's reason for it.
type spawnRole int

const (
	roleModerator spawnRole = iota
	roleParticipant
)

// spawnTag is the engine's record of one in-flight spawn, keyed by the
// spawner's session id. The reaction to the matching exit event is the only
// place pending-set and lock state change after a spawn.
type spawnTag struct {
	chatID      string
	role        spawnRole
	participant string // set for roleParticipant
}

// EngineConfig tunes the routing engine.
type EngineConfig struct {
	// RespawnPerMinute bounds automatic lost-session recoveries per chat
	// engine. Zero selects the default.
	RespawnPerMinute int
}

const defaultRespawnPerMinute = 6

// Engine is the message router and process orchestrator of a group chat:
// it decides who talks next, spawns the correct agent process with the
// correct context, and detects the end of a round so the moderator can
// synthesize a final answer.
//
// The engine runs its routing logic synchronously per call; concurrency
// comes from multiple agent processes running at once. Their completions
// arrive through HandleProcessExit from whatever goroutine the spawner
// completes on.
type Engine struct {
	chats      domain.ChatStore
	transcript domain.TranscriptStore
	catalog    domain.Catalog
	spawner    domain.Spawner
	bus        domain.EventBus
	rounds     *Coordinator
	roster     *Roster
	prompts    *PromptBuilder
	logger     *slog.Logger

	inflight *inflightTable
	respawn  *rate.Limiter
}

// NewEngine wires the routing engine.
func NewEngine(
	chats domain.ChatStore,
	transcript domain.TranscriptStore,
	catalog domain.Catalog,
	spawner domain.Spawner,
	bus domain.EventBus,
	rounds *Coordinator,
	roster *Roster,
	prompts *PromptBuilder,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = discardLogger()
	}
	perMinute := cfg.RespawnPerMinute
	if perMinute <= 0 {
		perMinute = defaultRespawnPerMinute
	}
	return &Engine{
		chats:      chats,
		transcript: transcript,
		catalog:    catalog,
		spawner:    spawner,
		bus:        bus,
		rounds:     rounds,
		roster:     roster,
		prompts:    prompts,
		logger:     logger,
		inflight:   newInflightTable(),
		respawn:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

// RouteUserMessage starts a round for a user message. It fails fast with
// ErrChatBusy when a round is already running, performing no side effects.
func (e *Engine) RouteUserMessage(ctx context.Context, chatID, text string, readOnly bool) error {
	const op = "Engine.RouteUserMessage"

	chat, err := e.loadChat(ctx, op, chatID)
	if err != nil {
		return err
	}
	modSpec, err := e.moderatorSpec(op, chat)
	if err != nil {
		return err
	}

	if err := e.rounds.TryLock(chatID); err != nil {
		return domain.NewDomainError(op, err, "round already running")
	}
	e.rounds.SetReadOnly(chatID, readOnly)

	// Attach anything the user mentioned before the moderator runs, so the
	// persisted roster is complete when the moderator's prompt is built.
	e.roster.AutoAttach(ctx, chat, ExtractAllMentions(text))

	e.logMessage(ctx, chatID, domain.ChatMessage{
		From: domain.SenderUser, Content: text, Timestamp: time.Now(), ReadOnly: readOnly,
	})

	e.rounds.SetPhase(ctx, chatID, domain.PhaseModerator)

	prompt, resume, err := e.prompts.ModeratorPrompt(ctx, chat, modSpec, text, readOnly)
	if err != nil {
		e.rounds.Abort(ctx, chatID)
		return domain.WrapOp(op, err)
	}
	if err := e.spawnModerator(ctx, chat, modSpec, prompt, resume); err != nil {
		e.rounds.Abort(ctx, chatID)
		return domain.NewDomainError(op, domain.ErrSpawnFailed, err.Error())
	}
	return nil
}

// RouteModeratorResponse handles a finished moderator turn. The message is
// always logged and emitted. Mentions delegate to participants; a reply
// without mentions is the final answer and ends the round.
func (e *Engine) RouteModeratorResponse(ctx context.Context, chatID, text string, readOnly bool) error {
	const op = "Engine.RouteModeratorResponse"

	chat, err := e.loadChat(ctx, op, chatID)
	if err != nil {
		return err
	}

	// A moderator turn is round progress: the previous synthesis (if any)
	// has produced this output, so the guard resets for the next round.
	e.rounds.EndSynthesis(chatID)

	e.logMessage(ctx, chatID, domain.ChatMessage{
		From: domain.SenderModerator, Content: text, Timestamp: time.Now(), ReadOnly: readOnly,
	})

	raw := ExtractAllMentions(text)
	e.roster.AutoAttach(ctx, chat, raw)

	names := make([]string, len(chat.Participants))
	for i, p := range chat.Participants {
		names[i] = p.Name
	}
	mentioned := ExtractMentions(text, names)

	if len(mentioned) == 0 {
		if len(e.rounds.PendingNames(chatID)) > 0 {
			// A recovery respawn is still outstanding. Unlocking now would
			// let its later completion trigger a synthesis with no lock
			// held, racing whatever round took the lock in between. The
			// round ends when that reply arrives.
			e.rounds.SetPhase(ctx, chatID, domain.PhaseAgents)
			return nil
		}
		// Final answer: round complete, lock released.
		e.rounds.SetPhase(ctx, chatID, domain.PhaseIdle)
		e.rounds.Unlock(chatID)
		return nil
	}

	spawned := 0
	for _, name := range mentioned {
		if err := e.spawnParticipant(ctx, chat, name, text, readOnly); err != nil {
			// One bad participant never aborts the round.
			e.logger.Warn("participant spawn failed",
				"chat_id", chatID, "participant", name, "error", err)
			e.emitParticipantState(ctx, chatID, name, false)
			continue
		}
		spawned++
	}

	if spawned == 0 && len(e.rounds.PendingNames(chatID)) == 0 {
		// Every spawn failed and nothing is outstanding from an earlier
		// round: fall back to idle rather than leaving the chat locked.
		e.rounds.Abort(ctx, chatID)
		return domain.NewDomainError(op, domain.ErrSpawnFailed, "no participant could be spawned")
	}
	e.rounds.SetPhase(ctx, chatID, domain.PhaseAgents)
	return nil
}

// RouteAgentResponse handles a finished participant turn: log, stats, emit.
// It does not decide on synthesis; HandleProcessExit owns the pending set.
func (e *Engine) RouteAgentResponse(ctx context.Context, chatID, participantName, text string) error {
	const op = "Engine.RouteAgentResponse"

	chat, err := e.loadChat(ctx, op, chatID)
	if err != nil {
		return err
	}

	e.logMessage(ctx, chatID, domain.ChatMessage{
		From: participantName, Content: text, Timestamp: time.Now(),
	})
	e.roster.RecordReply(ctx, chat, participantName, text)
	e.emitParticipantState(ctx, chatID, participantName, false)
	return nil
}

// SpawnModeratorSynthesis runs the end-of-round moderator turn. The
// synthesis-in-progress guard makes the call idempotent per round: racing
// callers after simultaneous last completions spawn at most one synthesis.
func (e *Engine) SpawnModeratorSynthesis(ctx context.Context, chatID string) error {
	const op = "Engine.SpawnModeratorSynthesis"

	if !e.rounds.BeginSynthesis(chatID) {
		e.logger.Debug("synthesis already in progress", "chat_id", chatID)
		return nil
	}

	chat, err := e.loadChat(ctx, op, chatID)
	if err != nil {
		e.rounds.EndSynthesis(chatID)
		return err
	}
	modSpec, err := e.moderatorSpec(op, chat)
	if err != nil {
		e.rounds.EndSynthesis(chatID)
		return err
	}

	e.rounds.SetPhase(ctx, chatID, domain.PhaseModerator)

	readOnly := e.rounds.ReadOnly(chatID)
	prompt, resume, err := e.prompts.SynthesisPrompt(ctx, chat, modSpec, readOnly)
	if err != nil {
		e.rounds.Abort(ctx, chatID)
		return domain.WrapOp(op, err)
	}
	if err := e.spawnModerator(ctx, chat, modSpec, prompt, resume); err != nil {
		e.rounds.Abort(ctx, chatID)
		return domain.NewDomainError(op, domain.ErrSpawnFailed, err.Error())
	}
	return nil
}

// RespawnParticipantWithRecovery restarts a participant whose backing
// session vanished. The prior resume handle is marked missing and the
// participant's earlier statements are reinserted through the prompt.
// Recoveries are rate limited to avoid respawn storms.
func (e *Engine) RespawnParticipantWithRecovery(ctx context.Context, chatID, participantName string) error {
	const op = "Engine.RespawnParticipantWithRecovery"

	if !e.respawn.Allow() {
		return domain.NewDomainError(op, domain.ErrLimitReached, "recovery rate limit")
	}

	chat, err := e.loadChat(ctx, op, chatID)
	if err != nil {
		return err
	}
	p := chat.Participant(participantName)
	if p == nil {
		return domain.NewDomainError(op, domain.ErrParticipantNotFound, participantName)
	}
	spec, err := e.catalog.Get(p.AgentType)
	if err != nil || !spec.Available {
		return domain.NewDomainError(op, domain.ErrAgentUnavailable, p.AgentType)
	}

	// Clean slate: the old handle can never be resumed again.
	if domain.ResumableHandle(p.SessionHandle) {
		e.roster.SetSessionHandle(ctx, chat, p.Name, domain.NonResumablePrefix+p.SessionHandle)
	}

	readOnly := e.rounds.ReadOnly(chatID)
	prompt, err := e.prompts.RecoveryPrompt(ctx, chat, p, readOnly)
	if err != nil {
		return domain.WrapOp(op, err)
	}

	sessionID, err := e.spawner.Spawn(ctx, domain.SpawnRequest{
		ChatID:   chatID,
		Agent:    spec,
		Args:     participantArgs(spec, p, false),
		Cwd:      p.Cwd,
		Env:      p.Env,
		Prompt:   prompt,
		ReadOnly: readOnly,
	})
	if err != nil {
		e.emitParticipantState(ctx, chatID, p.Name, false)
		return domain.NewDomainError(op, domain.ErrSpawnFailed, err.Error())
	}

	e.inflight.put(sessionID, spawnTag{chatID: chatID, role: roleParticipant, participant: p.Name})
	e.rounds.AddPending(chatID, p.Name)
	e.roster.SetSessionHandle(ctx, chat, p.Name, sessionID)
	e.emitParticipantState(ctx, chatID, p.Name, true)
	e.logger.Info("participant respawned with recovery context",
		"chat_id", chatID, "participant", p.Name, "session_id", sessionID)
	return nil
}

// HandleProcessExit is the spawner's exit callback: the single mutator of
// pending-set and lock state after spawns. Moderator output feeds back into
// RouteModeratorResponse; participant output feeds RouteAgentResponse, and
// the non-empty-to-empty pending transition triggers synthesis exactly once.
func (e *Engine) HandleProcessExit(ctx context.Context, sessionID, output string, procErr error) {
	tag, ok := e.inflight.pop(sessionID)
	if !ok {
		e.logger.Debug("exit for unknown session", "session_id", sessionID)
		return
	}

	switch tag.role {
	case roleModerator:
		if procErr != nil {
			// Moderator failure aborts the round.
			e.logger.Error("moderator process failed",
				"chat_id", tag.chatID, "session_id", sessionID, "error", procErr)
			e.rounds.Abort(ctx, tag.chatID)
			return
		}
		readOnly := e.rounds.ReadOnly(tag.chatID)
		if err := e.RouteModeratorResponse(ctx, tag.chatID, output, readOnly); err != nil {
			e.logger.Error("routing moderator response failed",
				"chat_id", tag.chatID, "error", err)
		}

	case roleParticipant:
		if procErr != nil {
			e.logger.Warn("participant process failed",
				"chat_id", tag.chatID, "participant", tag.participant, "error", procErr)
			e.emitParticipantState(ctx, tag.chatID, tag.participant, false)
		} else if err := e.RouteAgentResponse(ctx, tag.chatID, tag.participant, output); err != nil {
			e.logger.Error("routing agent response failed",
				"chat_id", tag.chatID, "participant", tag.participant, "error", err)
		}

		present, emptied := e.rounds.RemovePending(tag.chatID, tag.participant)
		if present && emptied {
			if err := e.SpawnModeratorSynthesis(ctx, tag.chatID); err != nil {
				e.logger.Error("synthesis spawn failed", "chat_id", tag.chatID, "error", err)
			}
		}
	}
}

// ReleaseChat drops all engine state for a chat before it is deleted:
// lock, pending set, flags and in-flight spawn tags.
func (e *Engine) ReleaseChat(ctx context.Context, chatID string) {
	for _, sessionID := range e.inflight.sessionsFor(chatID) {
		if err := e.spawner.Kill(ctx, sessionID); err != nil {
			e.logger.Debug("killing process for released chat",
				"chat_id", chatID, "session_id", sessionID, "error", err)
		}
		e.inflight.pop(sessionID)
	}
	e.rounds.Forget(chatID)
}

// --- internal ---

func (e *Engine) loadChat(ctx context.Context, op, chatID string) (*domain.GroupChat, error) {
	chat, err := e.chats.LoadChat(ctx, chatID)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrChatNotFound, chatID)
	}
	return chat, nil
}

func (e *Engine) moderatorSpec(op string, chat *domain.GroupChat) (domain.AgentSpec, error) {
	spec, err := e.catalog.Get(chat.ModeratorType)
	if err != nil || !spec.Available {
		return domain.AgentSpec{}, domain.NewDomainError(op, domain.ErrModeratorInactive, chat.ModeratorType)
	}
	return spec, nil
}

func (e *Engine) spawnModerator(ctx context.Context, chat *domain.GroupChat, spec domain.AgentSpec, prompt string, resume bool) error {
	args := append([]string{}, spec.BaseArgs...)
	if resume {
		args = append(args, spec.ResumeArgs...)
		args = append(args, chat.ModeratorSessionHandle)
	}

	sessionID, err := e.spawner.Spawn(ctx, domain.SpawnRequest{
		ChatID:   chat.ID,
		Agent:    spec,
		Args:     args,
		Prompt:   prompt,
		ReadOnly: e.rounds.ReadOnly(chat.ID),
	})
	if err != nil {
		return err
	}

	e.inflight.put(sessionID, spawnTag{chatID: chat.ID, role: roleModerator})
	// Best effort: the new process session becomes the next resume handle.
	if err := e.chats.SetModeratorHandle(ctx, chat.ID, sessionID); err != nil {
		e.logger.Warn("storing moderator handle failed", "chat_id", chat.ID, "error", err)
	}
	e.logger.Info("moderator spawned",
		"chat_id", chat.ID, "session_id", sessionID, "resume", resume)
	return nil
}

func (e *Engine) spawnParticipant(ctx context.Context, chat *domain.GroupChat, name, task string, readOnly bool) error {
	p := chat.Participant(name)
	if p == nil {
		return domain.ErrParticipantNotFound
	}
	spec, err := e.catalog.Get(p.AgentType)
	if err != nil || !spec.Available {
		return domain.ErrAgentUnavailable
	}

	prompt, resume, err := e.prompts.DelegationPrompt(ctx, chat, p, spec, task, readOnly)
	if err != nil {
		return err
	}

	// Pending before spawn: the exit callback may fire immediately.
	e.rounds.AddPending(chat.ID, p.Name)

	sessionID, err := e.spawner.Spawn(ctx, domain.SpawnRequest{
		ChatID:   chat.ID,
		Agent:    spec,
		Args:     participantArgs(spec, p, resume),
		Cwd:      p.Cwd,
		Env:      p.Env,
		Prompt:   prompt,
		ReadOnly: readOnly,
	})
	if err != nil {
		e.rounds.RemovePending(chat.ID, p.Name)
		return err
	}

	e.inflight.put(sessionID, spawnTag{chatID: chat.ID, role: roleParticipant, participant: p.Name})
	e.roster.SetSessionHandle(ctx, chat, p.Name, sessionID)
	e.emitParticipantState(ctx, chat.ID, p.Name, true)
	e.logger.Info("participant spawned",
		"chat_id", chat.ID, "participant", p.Name, "session_id", sessionID, "resume", resume)
	return nil
}

func participantArgs(spec domain.AgentSpec, p *domain.Participant, resume bool) []string {
	args := append([]string{}, spec.BaseArgs...)
	args = append(args, p.ExtraArgs...)
	if p.Model != "" {
		args = append(args, "--model", p.Model)
	}
	if resume {
		args = append(args, spec.ResumeArgs...)
		args = append(args, p.SessionHandle)
	}
	return args
}

// logMessage appends to the transcript and emits the message event. Append
// failures are logged, never propagated: a user-visible message must not
// disappear because a bookkeeping write failed.
func (e *Engine) logMessage(ctx context.Context, chatID string, msg domain.ChatMessage) {
	if err := e.transcript.AppendMessage(ctx, chatID, msg); err != nil {
		e.logger.Warn("transcript append failed",
			"chat_id", chatID, "from", msg.From, "error", err)
	}
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.MessagePayload{
		From:      msg.From,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		ReadOnly:  msg.ReadOnly,
	})
	e.bus.Publish(ctx, domain.Event{
		Type:      domain.EventChatMessage,
		Timestamp: time.Now(),
		ChatID:    chatID,
		Payload:   payload,
	})
}

func (e *Engine) emitParticipantState(ctx context.Context, chatID, name string, working bool) {
	if e.bus == nil {
		return
	}
	payload, _ := json.Marshal(domain.ParticipantStatePayload{Name: name, Working: working})
	e.bus.Publish(ctx, domain.Event{
		Type:      domain.EventParticipantState,
		Timestamp: time.Now(),
		ChatID:    chatID,
		Payload:   payload,
	})
}
