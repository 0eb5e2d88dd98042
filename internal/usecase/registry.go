package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"huddle/internal/domain"
)

// participantPalette cycles display colors for newly attached participants.
var participantPalette = []string{
	"cyan", "magenta", "yellow", "green", "blue", "red",
}

// Roster manages the participant registry of a chat: attaching existing
// addressable sessions, spawning fresh instances for installed agent types,
// and best-effort per-participant stats.
type Roster struct {
	store   domain.ChatStore
	dir     domain.SessionDirectory
	catalog domain.Catalog
	bus     domain.EventBus
	logger  *slog.Logger
	homeDir string
}

// NewRoster creates a Roster. homeDir is the default working directory for
// fresh participant instances.
func NewRoster(store domain.ChatStore, dir domain.SessionDirectory, catalog domain.Catalog, bus domain.EventBus, homeDir string, logger *slog.Logger) *Roster {
	return &Roster{
		store:   store,
		dir:     dir,
		catalog: catalog,
		bus:     bus,
		logger:  logger,
		homeDir: homeDir,
	}
}

// AutoAttach resolves raw mention tokens against the chat roster, the live
// session directory and the agent catalog, attaching anything addressable
// that is not yet a participant. chat.Participants is updated in place and
// each attach is persisted before returning, so the roster is stable before
// any spawn that follows.
//
// A per-call set of already-added agent types (seeded from the current
// participants) guarantees that two mention spellings resolving to the same
// type attach exactly one participant. Unavailable agents are logged and
// skipped; one bad mention never aborts the pass.
func (r *Roster) AutoAttach(ctx context.Context, chat *domain.GroupChat, rawMentions []string) []domain.Participant {
	if len(rawMentions) == 0 {
		return nil
	}

	addedTypes := make(map[string]struct{}, len(chat.Participants))
	for _, p := range chat.Participants {
		addedTypes[p.AgentType] = struct{}{}
	}

	var sessions []domain.AddressableSession
	if r.dir != nil {
		var err error
		sessions, err = r.dir.Sessions(ctx)
		if err != nil {
			r.logger.Warn("session directory unavailable", "chat_id", chat.ID, "error", err)
		}
	}

	var added []domain.Participant
	for _, tok := range rawMentions {
		if chat.Participant(tok) != nil {
			continue
		}

		p, ok := r.resolveMention(tok, sessions)
		if !ok {
			continue
		}
		if _, dup := addedTypes[p.AgentType]; dup {
			r.logger.Debug("agent type already attached this pass",
				"chat_id", chat.ID, "agent_type", p.AgentType, "mention", tok)
			continue
		}

		p.Color = participantPalette[len(chat.Participants)%len(participantPalette)]
		if err := r.store.AddParticipant(ctx, chat.ID, p); err != nil {
			r.logger.Warn("persisting participant failed",
				"chat_id", chat.ID, "participant", p.Name, "error", err)
			continue
		}
		chat.Participants = append(chat.Participants, p)
		addedTypes[p.AgentType] = struct{}{}
		added = append(added, p)
		r.logger.Info("participant attached",
			"chat_id", chat.ID, "participant", p.Name, "agent_type", p.AgentType)
	}

	if len(added) > 0 {
		r.emitRoster(ctx, chat)
	}
	return added
}

// resolveMention maps one raw mention token to a new Participant record:
// an existing addressable session first, then a fresh instance of an
// installed agent type.
func (r *Roster) resolveMention(tok string, sessions []domain.AddressableSession) (domain.Participant, bool) {
	for _, s := range sessions {
		if s.AgentType == "terminal" || !domain.EqualNames(s.Name, tok) {
			continue
		}
		spec, err := r.catalog.Get(s.AgentType)
		if err != nil || !spec.Available {
			r.logger.Warn("mentioned session's agent type unavailable",
				"mention", tok, "agent_type", s.AgentType)
			return domain.Participant{}, false
		}
		return domain.Participant{
			Name:          s.Name,
			AgentType:     s.AgentType,
			SessionHandle: s.Handle,
			Cwd:           s.Cwd,
			Model:         s.Model,
			ExtraArgs:     s.ExtraArgs,
			Env:           s.Env,
		}, true
	}

	for _, spec := range r.catalog.List() {
		if !domain.EqualNames(spec.Name, tok) && !domain.EqualNames(spec.ID, tok) {
			continue
		}
		if !spec.Available {
			r.logger.Warn("mentioned agent not installed", "mention", tok, "agent_type", spec.ID)
			return domain.Participant{}, false
		}
		// Fresh instance: new identity, no resume handle, home as cwd.
		return domain.Participant{
			Name:      spec.Name,
			AgentType: spec.ID,
			Cwd:       r.homeDir,
		}, true
	}

	r.logger.Debug("mention matched nothing", "mention", tok)
	return domain.Participant{}, false
}

// Add attaches a participant explicitly (the add-participant UI action).
func (r *Roster) Add(ctx context.Context, chat *domain.GroupChat, p domain.Participant) error {
	const op = "Roster.Add"
	if chat.Participant(p.Name) != nil {
		return domain.NewDomainError(op, domain.ErrDuplicate, p.Name)
	}
	spec, err := r.catalog.Get(p.AgentType)
	if err != nil || !spec.Available {
		return domain.NewDomainError(op, domain.ErrAgentUnavailable, p.AgentType)
	}
	if p.Cwd == "" {
		p.Cwd = r.homeDir
	}
	p.Color = participantPalette[len(chat.Participants)%len(participantPalette)]
	if err := r.store.AddParticipant(ctx, chat.ID, p); err != nil {
		return domain.WrapOp(op, err)
	}
	chat.Participants = append(chat.Participants, p)
	r.emitRoster(ctx, chat)
	return nil
}

// RecordReply updates a participant's reply stats: message count, last
// activity and the first sentence of the reply. Failures are logged and
// swallowed; bookkeeping never blocks message delivery.
func (r *Roster) RecordReply(ctx context.Context, chat *domain.GroupChat, name, text string) {
	p := chat.Participant(name)
	if p == nil {
		return
	}
	count := p.MessageCount + 1
	now := time.Now()
	summary := firstSentence(text)

	patch := domain.ParticipantPatch{
		MessageCount: &count,
		LastActivity: &now,
		LastSummary:  &summary,
	}
	if err := r.store.UpdateParticipant(ctx, chat.ID, p.Name, patch); err != nil {
		r.logger.Warn("participant stats update failed",
			"chat_id", chat.ID, "participant", p.Name, "error", err)
		return
	}
	p.MessageCount = count
	p.LastActivity = now
	p.LastSummary = summary
}

// SetSessionHandle records a participant's new resume handle, best-effort.
func (r *Roster) SetSessionHandle(ctx context.Context, chat *domain.GroupChat, name, handle string) {
	p := chat.Participant(name)
	if p == nil {
		return
	}
	patch := domain.ParticipantPatch{SessionHandle: &handle}
	if err := r.store.UpdateParticipant(ctx, chat.ID, p.Name, patch); err != nil {
		r.logger.Warn("participant handle update failed",
			"chat_id", chat.ID, "participant", p.Name, "error", err)
		return
	}
	p.SessionHandle = handle
}

func (r *Roster) emitRoster(ctx context.Context, chat *domain.GroupChat) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.RosterPayload{Participants: chat.Participants})
	if err != nil {
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      domain.EventParticipantsChanged,
		Timestamp: time.Now(),
		ChatID:    chat.ID,
		Payload:   payload,
	})
}

// firstSentence returns the first sentence of text, used for the roster's
// last-summary column.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		switch r {
		case '\n':
			return strings.TrimSpace(text[:i])
		case '.', '!', '?':
			rest := text[i+len(string(r)):]
			if rest == "" || unicode.IsSpace([]rune(rest)[0]) {
				return text[:i+len(string(r))]
			}
		}
	}
	return text
}
