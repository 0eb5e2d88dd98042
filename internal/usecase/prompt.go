package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"huddle/internal/domain"
)

// Transcript history window per prompt kind.
const (
	historyLinesUser      = 20
	historyLinesDelegate  = 15
	historyLinesSynthesis = 30
)

// defaultTokenBudget caps the assembled prompt size. History is dropped
// oldest-first when a prompt would exceed it.
const defaultTokenBudget = 8000

const moderatorInstructions = `You are the moderator of a group chat between a human operator and AI agents.
Decide whether to answer the user directly or delegate by mentioning agents
with @agent-name. Mention only agents you want to act this round. A reply
without mentions is treated as your final answer.`

const participantInstructions = `You are a participant in a moderated group chat. The moderator has delegated
a task to you. Do the work and reply with your result.`

const synthesisInstructions = `All delegated agents have replied. Review the round below and either give the
user a final answer (no mentions) or delegate again with @agent-name mentions.`

const recoveryInstructions = `Your previous session was lost. A summary of your prior statements in this
chat follows so you can continue where you left off.`

const readOnlyNotice = `This round is read-only: inspect, but do not modify any external state.`

// PromptBuilder decides, per invocation, whether an agent can resume its own
// prior session (short prompt) or needs a full rebuild (instructions plus
// bounded chat history plus new content). All externally sourced text is
// wrapped in boundary tags before being concatenated with instructions.
type PromptBuilder struct {
	transcript  domain.TranscriptStore
	catalog     domain.Catalog
	tokenBudget int
	logger      *slog.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewPromptBuilder creates a PromptBuilder. tokenBudget <= 0 selects the
// default budget.
func NewPromptBuilder(transcript domain.TranscriptStore, catalog domain.Catalog, tokenBudget int, logger *slog.Logger) *PromptBuilder {
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	return &PromptBuilder{
		transcript:  transcript,
		catalog:     catalog,
		tokenBudget: tokenBudget,
		logger:      logger,
	}
}

// resumeEligible reports whether the target can be resumed: a usable handle
// and an agent type that declares resume support.
func resumeEligible(handle string, spec domain.AgentSpec) bool {
	return domain.ResumableHandle(handle) && spec.SupportsResume
}

// ModeratorPrompt builds the prompt for a user-triggered moderator turn.
// The returned resume flag tells the caller to spawn with resume arguments.
func (b *PromptBuilder) ModeratorPrompt(ctx context.Context, chat *domain.GroupChat, spec domain.AgentSpec, userMessage string, readOnly bool) (string, bool, error) {
	newContent := wrapTag("user-message", userMessage)

	if resumeEligible(chat.ModeratorSessionHandle, spec) {
		return b.assemble(readOnly, "", newContent, b.rosterSummary(chat)), true, nil
	}

	history, err := b.historyBlock(ctx, chat.ID, historyLinesUser, false)
	if err != nil {
		return "", false, domain.WrapOp("PromptBuilder.ModeratorPrompt", err)
	}
	return b.assemble(readOnly, moderatorInstructions+"\n\n"+history, newContent, b.rosterSummary(chat)), false, nil
}

// DelegationPrompt builds the prompt for one delegated participant turn.
func (b *PromptBuilder) DelegationPrompt(ctx context.Context, chat *domain.GroupChat, p *domain.Participant, spec domain.AgentSpec, task string, readOnly bool) (string, bool, error) {
	newContent := wrapFrom("moderator-task", domain.SenderModerator, task)

	if resumeEligible(p.SessionHandle, spec) {
		return b.assemble(readOnly, "", newContent, b.rosterSummary(chat)), true, nil
	}

	history, err := b.historyBlock(ctx, chat.ID, historyLinesDelegate, false)
	if err != nil {
		return "", false, domain.WrapOp("PromptBuilder.DelegationPrompt", err)
	}
	return b.assemble(readOnly, participantInstructions+"\n\n"+history, newContent, b.rosterSummary(chat)), false, nil
}

// SynthesisPrompt builds the end-of-round moderator prompt. The round's
// replies are always included: they happened in other processes, so even a
// resumed moderator session has never seen them. Each non-human line is
// wrapped individually.
func (b *PromptBuilder) SynthesisPrompt(ctx context.Context, chat *domain.GroupChat, spec domain.AgentSpec, readOnly bool) (string, bool, error) {
	history, err := b.historyBlock(ctx, chat.ID, historyLinesSynthesis, true)
	if err != nil {
		return "", false, domain.WrapOp("PromptBuilder.SynthesisPrompt", err)
	}

	if resumeEligible(chat.ModeratorSessionHandle, spec) {
		return b.assemble(readOnly, "", synthesisInstructions+"\n\n"+history, b.rosterSummary(chat)), true, nil
	}
	return b.assemble(readOnly, moderatorInstructions, synthesisInstructions+"\n\n"+history, b.rosterSummary(chat)), false, nil
}

// RecoveryPrompt rebuilds context for a participant whose backing session
// vanished: its prior statements are replayed inside boundary tags and the
// process starts from a clean slate (no resume handle).
func (b *PromptBuilder) RecoveryPrompt(ctx context.Context, chat *domain.GroupChat, p *domain.Participant, readOnly bool) (string, error) {
	msgs, err := b.transcript.ReadRecent(ctx, chat.ID, historyLinesSynthesis)
	if err != nil {
		return "", domain.WrapOp("PromptBuilder.RecoveryPrompt", err)
	}

	var prior []string
	for _, m := range msgs {
		if domain.EqualNames(m.From, p.Name) {
			prior = append(prior, m.Content)
		}
	}
	statements := "(no prior statements)"
	if len(prior) > 0 {
		statements = strings.Join(prior, "\n---\n")
	}

	parts := []string{
		participantInstructions,
		recoveryInstructions,
		wrapFrom("prior-statements", p.Name, statements),
		b.rosterSummary(chat),
	}
	if readOnly {
		parts = append([]string{readOnlyNotice}, parts...)
	}
	return strings.Join(parts, "\n\n"), nil
}

// assemble joins the prompt sections, prepends the read-only notice when set
// and enforces the token budget by trimming the instruction/history section.
func (b *PromptBuilder) assemble(readOnly bool, instructions, newContent, roster string) string {
	var parts []string
	if readOnly {
		parts = append(parts, readOnlyNotice)
	}
	if instructions != "" {
		instructions = b.trimToBudget(instructions, newContent+roster)
		parts = append(parts, instructions)
	}
	parts = append(parts, newContent, roster)
	return strings.Join(parts, "\n\n")
}

// historyBlock renders the last n transcript lines. With wrapEach set, each
// non-human speaker's line is individually wrapped in an agent-message tag
// so agent output can never masquerade as instructions.
func (b *PromptBuilder) historyBlock(ctx context.Context, chatID string, n int, wrapEach bool) (string, error) {
	msgs, err := b.transcript.ReadRecent(ctx, chatID, n)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return wrapTag("chat-history", "(empty)"), nil
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if wrapEach && !m.FromUser() {
			lines = append(lines, wrapFrom("agent-message", m.From, m.Content))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.From, m.Content))
	}
	return wrapTag("chat-history", strings.Join(lines, "\n")), nil
}

// rosterSummary restates the current participants and the installed agent
// types so a resumed agent knows who is addressable this round.
func (b *PromptBuilder) rosterSummary(chat *domain.GroupChat) string {
	var sb strings.Builder
	sb.WriteString("Participants:\n")
	if len(chat.Participants) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, p := range chat.Participants {
		fmt.Fprintf(&sb, "  - @%s (%s, %d replies", domain.NormalizeName(p.Name), p.AgentType, p.MessageCount)
		if p.LastSummary != "" {
			fmt.Fprintf(&sb, ", last: %s", p.LastSummary)
		}
		sb.WriteString(")\n")
	}

	var available []string
	for _, spec := range b.catalog.List() {
		if spec.Available {
			available = append(available, "@"+domain.NormalizeName(spec.Name))
		}
	}
	if len(available) > 0 {
		sb.WriteString("Available agents: " + strings.Join(available, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// trimToBudget drops the oldest chat-history lines until section+fixed fits
// the token budget. Only lines inside the chat-history tags are candidates;
// instructions and the tags themselves always survive.
func (b *PromptBuilder) trimToBudget(section, fixed string) string {
	budget := b.tokenBudget - b.countTokens(fixed)
	if budget <= 0 || b.countTokens(section) <= budget {
		return section
	}

	const openTag, closeTag = "<chat-history>", "</chat-history>"
	start := strings.Index(section, openTag)
	end := strings.Index(section, closeTag)
	if start < 0 || end < start {
		return section
	}
	head := section[:start+len(openTag)]
	tail := section[end:]

	lines := strings.Split(strings.Trim(section[start+len(openTag):end], "\n"), "\n")
	for len(lines) > 0 && b.countTokens(head+"\n"+strings.Join(lines, "\n")+"\n"+tail) > budget {
		lines = lines[1:]
	}
	body := "(older history trimmed)"
	if len(lines) > 0 {
		body = strings.Join(lines, "\n")
	}
	b.logger.Debug("prompt history trimmed to token budget", "budget", b.tokenBudget)
	return head + "\n" + body + "\n" + tail
}

// countTokens measures text with the cl100k_base encoding, falling back to a
// bytes/4 estimate when the encoding is unavailable (e.g. offline hosts).
func (b *PromptBuilder) countTokens(text string) int {
	b.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err != nil {
			b.logger.Debug("tiktoken encoding unavailable, estimating tokens", "error", err)
			return
		}
		b.enc = enc
	})
	if b.enc == nil {
		return len(text) / 4
	}
	return len(b.enc.Encode(text, nil, nil))
}

// wrapTag wraps untrusted content in an explicit boundary tag.
func wrapTag(tag, content string) string {
	return fmt.Sprintf("<%s>\n%s\n</%s>", tag, content, tag)
}

// wrapFrom is wrapTag with a from attribute identifying the speaker.
func wrapFrom(tag, from, content string) string {
	return fmt.Sprintf("<%s from=%q>\n%s\n</%s>", tag, from, content, tag)
}
