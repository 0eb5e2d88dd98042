package domain

import (
	"context"
	"time"
)

// ChatPhase is the round state machine phase of a group chat.
type ChatPhase string

const (
	PhaseIdle      ChatPhase = "idle"
	PhaseModerator ChatPhase = "moderator-thinking"
	PhaseAgents    ChatPhase = "agent-working"
)

// Well-known sender names in a transcript.
const (
	SenderUser      = "user"
	SenderModerator = "moderator"
)

// NonResumablePrefix marks a session handle whose backing session is known
// to be gone. A handle carrying this prefix is never used for resume.
const NonResumablePrefix = "missing:"

// GroupChat is the persisted description of one group chat. It is loaded
// fresh on every routing call; the engine keeps no long-lived chat object.
type GroupChat struct {
	ID                     string
	Name                   string
	ModeratorType          string
	ModeratorSessionHandle string
	Participants           []Participant
}

// Participant returns the participant whose name matches under mention
// normalization, or nil.
func (c *GroupChat) Participant(name string) *Participant {
	for i := range c.Participants {
		if EqualNames(c.Participants[i].Name, name) {
			return &c.Participants[i]
		}
	}
	return nil
}

// Participant is one agent attached to a chat, addressable via @mention.
// AgentType is fixed at creation; renaming the backing type means removing
// and re-adding the participant.
type Participant struct {
	Name          string
	AgentType     string
	SessionHandle string
	Cwd           string
	Model         string
	ExtraArgs     []string
	Env           map[string]string
	MessageCount  int
	LastActivity  time.Time
	LastSummary   string
	Color         string
}

// Resumable reports whether the participant carries a usable resume handle.
// Whether the backing agent type supports resume is checked separately
// against the catalog.
func (p *Participant) Resumable() bool {
	return ResumableHandle(p.SessionHandle)
}

// ParticipantPatch is a partial participant update. Nil fields are left
// untouched by UpdateParticipant.
type ParticipantPatch struct {
	SessionHandle *string
	MessageCount  *int
	LastActivity  *time.Time
	LastSummary   *string
}

// ChatStore persists chat metadata and the participant roster.
type ChatStore interface {
	LoadChat(ctx context.Context, chatID string) (*GroupChat, error)
	AddParticipant(ctx context.Context, chatID string, p Participant) error
	UpdateParticipant(ctx context.Context, chatID, name string, patch ParticipantPatch) error
	SetModeratorHandle(ctx context.Context, chatID, handle string) error
}

// TranscriptStore persists the message log of a chat.
type TranscriptStore interface {
	AppendMessage(ctx context.Context, chatID string, msg ChatMessage) error
	// ReadRecent returns up to n most recent messages in chronological order.
	ReadRecent(ctx context.Context, chatID string, n int) ([]ChatMessage, error)
}
