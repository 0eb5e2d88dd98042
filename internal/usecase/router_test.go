package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"huddle/internal/domain"
)

type engineFixture struct {
	engine     *Engine
	store      *fakeChatStore
	transcript *fakeTranscript
	spawner    *fakeSpawner
	rounds     *Coordinator
}

func newEngineFixture(t *testing.T, chat *domain.GroupChat, specs ...domain.AgentSpec) *engineFixture {
	t.Helper()
	store := newFakeChatStore(chat)
	transcript := newFakeTranscript()
	cat := newFakeCatalog(specs...)
	spawner := newFakeSpawner()
	rounds := NewCoordinator(nil, discardLogger())
	roster := NewRoster(store, &fakeDir{}, cat, nil, "/home/op", discardLogger())
	prompts := NewPromptBuilder(transcript, cat, 0, discardLogger())

	engine := NewEngine(store, transcript, cat, spawner, nil, rounds, roster, prompts,
		EngineConfig{}, discardLogger())
	return &engineFixture{
		engine: engine, store: store, transcript: transcript,
		spawner: spawner, rounds: rounds,
	}
}

func claudeSpec() domain.AgentSpec {
	return domain.AgentSpec{
		ID: "claude", Name: "Claude", Available: true, Command: "claude",
		SupportsResume: true, ResumeArgs: []string{"--resume"},
	}
}

func codexSpec() domain.AgentSpec {
	return domain.AgentSpec{
		ID: "codex", Name: "Codex", Available: true, Command: "codex",
	}
}

func twoParticipantChat() *domain.GroupChat {
	return &domain.GroupChat{
		ID: "c", Name: "review", ModeratorType: "claude",
		Participants: []domain.Participant{
			{Name: "Alpha", AgentType: "claude"},
			{Name: "Beta", AgentType: "codex"},
		},
	}
}

func TestRouteUserMessageSpawnsModerator(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "please review the diff", false); err != nil {
		t.Fatalf("RouteUserMessage: %v", err)
	}

	if f.spawner.count() != 1 {
		t.Fatalf("spawns = %d, want 1", f.spawner.count())
	}
	req, id := f.spawner.last()
	if req.Agent.ID != "claude" {
		t.Errorf("spawned agent = %q", req.Agent.ID)
	}
	if !strings.Contains(req.Prompt, "please review the diff") {
		t.Errorf("prompt missing user message:\n%s", req.Prompt)
	}
	if f.rounds.Phase("c") != domain.PhaseModerator {
		t.Errorf("phase = %q", f.rounds.Phase("c"))
	}
	if !f.rounds.Locked("c") {
		t.Error("chat should be locked")
	}
	if got := f.transcript.senders("c"); len(got) != 1 || got[0] != "user" {
		t.Errorf("transcript senders = %v", got)
	}
	chat, _ := f.store.LoadChat(ctx, "c")
	if chat.ModeratorSessionHandle != id {
		t.Errorf("moderator handle = %q, want %q", chat.ModeratorSessionHandle, id)
	}
}

func TestRouteUserMessageBusyHasNoSideEffects(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.rounds.TryLock("c"); err != nil {
		t.Fatal(err)
	}

	err := f.engine.RouteUserMessage(ctx, "c", "hello", false)
	if !errors.Is(err, domain.ErrChatBusy) {
		t.Fatalf("err = %v, want ErrChatBusy", err)
	}
	if f.spawner.count() != 0 {
		t.Errorf("spawns = %d, want 0", f.spawner.count())
	}
	if len(f.transcript.senders("c")) != 0 {
		t.Error("busy rejection must not log the message")
	}
}

func TestRouteUserMessageUnknownChat(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec())
	err := f.engine.RouteUserMessage(context.Background(), "ghost-chat", "hi", false)
	if !errors.Is(err, domain.ErrChatNotFound) {
		t.Errorf("err = %v, want ErrChatNotFound", err)
	}
}

func TestRouteUserMessageModeratorUnavailable(t *testing.T) {
	chat := twoParticipantChat()
	chat.ModeratorType = "ghost"
	f := newEngineFixture(t, chat, claudeSpec())

	err := f.engine.RouteUserMessage(context.Background(), "c", "hi", false)
	if !errors.Is(err, domain.ErrModeratorInactive) {
		t.Fatalf("err = %v, want ErrModeratorInactive", err)
	}
	if f.rounds.Locked("c") {
		t.Error("lock leaked on moderator check failure")
	}
}

func TestModeratorFinalAnswerEndsRound(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "just answer directly", false); err != nil {
		t.Fatal(err)
	}
	_, modSession := f.spawner.last()

	f.engine.HandleProcessExit(ctx, modSession, "Here is the answer, no delegation needed.", nil)

	if f.rounds.Phase("c") != domain.PhaseIdle {
		t.Errorf("phase = %q, want idle", f.rounds.Phase("c"))
	}
	if f.rounds.Locked("c") {
		t.Error("lock must be released on a final answer")
	}
	if got := f.transcript.senders("c"); len(got) != 2 || got[1] != "moderator" {
		t.Errorf("transcript senders = %v", got)
	}
	if f.spawner.count() != 1 {
		t.Errorf("spawns = %d, want 1 (no delegation)", f.spawner.count())
	}
}

func TestFinalAnswerWithOutstandingRecoveryKeepsLock(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "look into the failure", false); err != nil {
		t.Fatal(err)
	}
	_, modSession := f.spawner.last()

	// A lost session gets respawned while the moderator is still thinking.
	if err := f.engine.RespawnParticipantWithRecovery(ctx, "c", "alpha"); err != nil {
		t.Fatalf("RespawnParticipantWithRecovery: %v", err)
	}
	_, alphaSession := f.spawner.last()

	f.engine.HandleProcessExit(ctx, modSession, "No more work needed.", nil)

	if !f.rounds.Locked("c") {
		t.Fatal("lock must stay held while a recovery reply is outstanding")
	}
	if f.rounds.Phase("c") != domain.PhaseAgents {
		t.Errorf("phase = %q, want agent-working", f.rounds.Phase("c"))
	}

	// The outstanding reply empties the pending set; fan-in ends the round
	// through the usual synthesis turn.
	f.engine.HandleProcessExit(ctx, alphaSession, "recovered and done", nil)
	if f.spawner.count() != 3 {
		t.Errorf("spawns = %d, want 3 (moderator, recovery, synthesis)", f.spawner.count())
	}
}

func TestFullRoundWithDelegationAndSynthesis(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "review this", false); err != nil {
		t.Fatal(err)
	}
	_, modSession := f.spawner.last()

	// Moderator delegates to both participants.
	f.engine.HandleProcessExit(ctx, modSession, "@alpha check style, @beta run tests", nil)

	if f.spawner.count() != 3 {
		t.Fatalf("spawns = %d, want moderator + 2 participants", f.spawner.count())
	}
	if f.rounds.Phase("c") != domain.PhaseAgents {
		t.Errorf("phase = %q, want agent-working", f.rounds.Phase("c"))
	}
	if len(f.rounds.PendingNames("c")) != 2 {
		t.Errorf("pending = %v, want 2", f.rounds.PendingNames("c"))
	}

	alphaReq, alphaSession := f.spawner.at(1)
	if !strings.Contains(alphaReq.Prompt, "@alpha check style") {
		t.Errorf("delegation prompt missing task:\n%s", alphaReq.Prompt)
	}
	_, betaSession := f.spawner.at(2)

	// First reply: round continues, no synthesis yet.
	f.engine.HandleProcessExit(ctx, alphaSession, "style is fine", nil)
	if f.spawner.count() != 3 {
		t.Fatalf("synthesis spawned before the round emptied")
	}
	if len(f.rounds.PendingNames("c")) != 1 {
		t.Errorf("pending = %v, want 1", f.rounds.PendingNames("c"))
	}

	// Last reply: pending empties, synthesis spawns.
	f.engine.HandleProcessExit(ctx, betaSession, "tests pass", nil)
	if f.spawner.count() != 4 {
		t.Fatalf("spawns = %d, want synthesis spawn", f.spawner.count())
	}
	synthReq, synthSession := f.spawner.last()
	if synthReq.Agent.ID != "claude" {
		t.Errorf("synthesis agent = %q", synthReq.Agent.ID)
	}
	if !strings.Contains(synthReq.Prompt, `<agent-message from="Alpha">`) ||
		!strings.Contains(synthReq.Prompt, "tests pass") {
		t.Errorf("synthesis prompt missing round replies:\n%s", synthReq.Prompt)
	}
	if f.rounds.Phase("c") != domain.PhaseModerator {
		t.Errorf("phase = %q, want moderator-thinking", f.rounds.Phase("c"))
	}

	// Synthesis produces the final answer.
	f.engine.HandleProcessExit(ctx, synthSession, "both reviewers are happy", nil)
	if f.rounds.Phase("c") != domain.PhaseIdle || f.rounds.Locked("c") {
		t.Errorf("round did not end: phase=%q locked=%v", f.rounds.Phase("c"), f.rounds.Locked("c"))
	}

	wantSenders := []string{"user", "moderator", "Alpha", "Beta", "moderator"}
	got := f.transcript.senders("c")
	if len(got) != len(wantSenders) {
		t.Fatalf("transcript senders = %v, want %v", got, wantSenders)
	}
	for i := range wantSenders {
		if got[i] != wantSenders[i] {
			t.Errorf("senders[%d] = %q, want %q", i, got[i], wantSenders[i])
		}
	}

	// Participant stats recorded.
	if p := f.store.participant("c", "Alpha"); p.MessageCount != 1 || p.LastSummary == "" {
		t.Errorf("alpha stats = %+v", p)
	}
}

func TestModeratorResponseAutoAttachesMentionedAgentType(t *testing.T) {
	chat := &domain.GroupChat{ID: "c", Name: "solo", ModeratorType: "claude"}
	f := newEngineFixture(t, chat, claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "get codex to help", false); err != nil {
		t.Fatal(err)
	}
	_, modSession := f.spawner.last()

	f.engine.HandleProcessExit(ctx, modSession, "@codex please take a look", nil)

	if p := f.store.participant("c", "Codex"); p == nil {
		t.Fatal("codex was not auto-attached")
	}
	if f.spawner.count() != 2 {
		t.Fatalf("spawns = %d, want moderator + codex", f.spawner.count())
	}
	req, _ := f.spawner.last()
	if req.Agent.ID != "codex" {
		t.Errorf("spawned agent = %q", req.Agent.ID)
	}
}

func TestParticipantResumeArgs(t *testing.T) {
	chat := twoParticipantChat()
	chat.Participants[0].SessionHandle = "old-session"
	chat.Participants[1].Model = "gpt-5"
	f := newEngineFixture(t, chat, claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "go", false); err != nil {
		t.Fatal(err)
	}
	_, modSession := f.spawner.last()
	f.engine.HandleProcessExit(ctx, modSession, "@alpha and @beta, proceed", nil)

	alphaReq, _ := f.spawner.at(1)
	args := strings.Join(alphaReq.Args, " ")
	if !strings.Contains(args, "--resume old-session") {
		t.Errorf("alpha args = %v, want resume args", alphaReq.Args)
	}
	if strings.Contains(alphaReq.Prompt, "You are a participant") {
		t.Errorf("resumed participant got a full rebuild:\n%s", alphaReq.Prompt)
	}

	betaReq, _ := f.spawner.at(2)
	args = strings.Join(betaReq.Args, " ")
	if !strings.Contains(args, "--model gpt-5") {
		t.Errorf("beta args = %v, want model flag", betaReq.Args)
	}
	if strings.Contains(args, "--resume") {
		t.Errorf("beta args = %v, codex has no resume support", betaReq.Args)
	}
	if !strings.Contains(betaReq.Prompt, "You are a participant") {
		t.Errorf("fresh participant missing instructions:\n%s", betaReq.Prompt)
	}
}

func TestAllParticipantSpawnsFailingAbortsRound(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "go", false); err != nil {
		t.Fatal(err)
	}
	f.spawner.failAgents["claude"] = domain.ErrSpawnFailed
	f.spawner.failAgents["codex"] = domain.ErrSpawnFailed

	err := f.engine.RouteModeratorResponse(ctx, "c", "@alpha and @beta, go", false)
	if !errors.Is(err, domain.ErrSpawnFailed) {
		t.Fatalf("err = %v, want ErrSpawnFailed", err)
	}
	if f.rounds.Phase("c") != domain.PhaseIdle || f.rounds.Locked("c") {
		t.Errorf("round not aborted: phase=%q locked=%v", f.rounds.Phase("c"), f.rounds.Locked("c"))
	}
	if len(f.rounds.PendingNames("c")) != 0 {
		t.Errorf("pending = %v, want empty", f.rounds.PendingNames("c"))
	}
}

func TestPartialSpawnFailureKeepsRoundAlive(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "go", false); err != nil {
		t.Fatal(err)
	}
	f.spawner.failAgents["codex"] = domain.ErrSpawnFailed

	if err := f.engine.RouteModeratorResponse(ctx, "c", "@alpha and @beta, go", false); err != nil {
		t.Fatalf("RouteModeratorResponse: %v", err)
	}
	if f.rounds.Phase("c") != domain.PhaseAgents {
		t.Errorf("phase = %q, want agent-working", f.rounds.Phase("c"))
	}
	pending := f.rounds.PendingNames("c")
	if len(pending) != 1 || pending[0] != "Alpha" {
		t.Errorf("pending = %v, want [Alpha]", pending)
	}
}

func TestModeratorFailureAbortsRound(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "go", false); err != nil {
		t.Fatal(err)
	}
	_, modSession := f.spawner.last()

	f.engine.HandleProcessExit(ctx, modSession, "", errors.New("exit status 1"))

	if f.rounds.Phase("c") != domain.PhaseIdle || f.rounds.Locked("c") {
		t.Errorf("round not aborted: phase=%q locked=%v", f.rounds.Phase("c"), f.rounds.Locked("c"))
	}
}

func TestParticipantFailureStillCountsTowardFanIn(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "go", false); err != nil {
		t.Fatal(err)
	}
	_, modSession := f.spawner.last()
	f.engine.HandleProcessExit(ctx, modSession, "@alpha only this time", nil)
	_, alphaSession := f.spawner.last()

	// The failed slot is removed from the pending set, so the round still
	// reaches synthesis with whatever did arrive.
	f.engine.HandleProcessExit(ctx, alphaSession, "", errors.New("killed"))

	if f.spawner.count() != 3 {
		t.Fatalf("spawns = %d, want synthesis after failure cleanup", f.spawner.count())
	}
	for _, from := range f.transcript.senders("c") {
		if from == "Alpha" {
			t.Error("failed participant output must not be logged")
		}
	}
}

func TestSynthesisSpawnsExactlyOnceOnRacingExits(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "go", false); err != nil {
		t.Fatal(err)
	}
	_, modSession := f.spawner.last()
	f.engine.HandleProcessExit(ctx, modSession, "@alpha and @beta, go", nil)

	_, alphaSession := f.spawner.at(1)
	_, betaSession := f.spawner.at(2)

	var wg sync.WaitGroup
	for _, session := range []string{alphaSession, betaSession} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			f.engine.HandleProcessExit(ctx, id, "done", nil)
		}(session)
	}
	wg.Wait()

	if f.spawner.count() != 4 {
		t.Errorf("spawns = %d, want exactly one synthesis", f.spawner.count())
	}
}

func TestRespawnParticipantWithRecovery(t *testing.T) {
	chat := twoParticipantChat()
	chat.Participants[0].SessionHandle = "lost-session"
	f := newEngineFixture(t, chat, claudeSpec(), codexSpec())
	ctx := context.Background()

	seedTranscript(t, f.transcript,
		domain.ChatMessage{From: "Alpha", Content: "my earlier finding"},
	)

	if err := f.engine.RespawnParticipantWithRecovery(ctx, "c", "alpha"); err != nil {
		t.Fatalf("RespawnParticipantWithRecovery: %v", err)
	}

	req, newSession := f.spawner.last()
	if strings.Contains(strings.Join(req.Args, " "), "--resume") {
		t.Errorf("recovery spawn must not resume: %v", req.Args)
	}
	if !strings.Contains(req.Prompt, "previous session was lost") ||
		!strings.Contains(req.Prompt, "my earlier finding") {
		t.Errorf("recovery prompt incomplete:\n%s", req.Prompt)
	}

	p := f.store.participant("c", "Alpha")
	if p.SessionHandle != newSession {
		t.Errorf("handle = %q, want the new session id", p.SessionHandle)
	}
	pending := f.rounds.PendingNames("c")
	if len(pending) != 1 || pending[0] != "Alpha" {
		t.Errorf("pending = %v, want [Alpha]", pending)
	}
}

func TestRespawnRateLimit(t *testing.T) {
	store := newFakeChatStore(twoParticipantChat())
	transcript := newFakeTranscript()
	cat := newFakeCatalog(claudeSpec(), codexSpec())
	spawner := newFakeSpawner()
	rounds := NewCoordinator(nil, discardLogger())
	roster := NewRoster(store, &fakeDir{}, cat, nil, "/home/op", discardLogger())
	prompts := NewPromptBuilder(transcript, cat, 0, discardLogger())
	engine := NewEngine(store, transcript, cat, spawner, nil, rounds, roster, prompts,
		EngineConfig{RespawnPerMinute: 1}, discardLogger())
	ctx := context.Background()

	if err := engine.RespawnParticipantWithRecovery(ctx, "c", "alpha"); err != nil {
		t.Fatalf("first respawn: %v", err)
	}
	err := engine.RespawnParticipantWithRecovery(ctx, "c", "beta")
	if !errors.Is(err, domain.ErrLimitReached) {
		t.Errorf("err = %v, want ErrLimitReached", err)
	}
}

func TestHandleProcessExitUnknownSession(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	// Must be a no-op, not a panic.
	f.engine.HandleProcessExit(context.Background(), "never-spawned", "output", nil)
	if f.spawner.count() != 0 {
		t.Errorf("spawns = %d", f.spawner.count())
	}
}

func TestReleaseChatKillsInflight(t *testing.T) {
	f := newEngineFixture(t, twoParticipantChat(), claudeSpec(), codexSpec())
	ctx := context.Background()

	if err := f.engine.RouteUserMessage(ctx, "c", "go", false); err != nil {
		t.Fatal(err)
	}
	_, modSession := f.spawner.last()

	f.engine.ReleaseChat(ctx, "c")

	if len(f.spawner.killed) != 1 || f.spawner.killed[0] != modSession {
		t.Errorf("killed = %v, want [%s]", f.spawner.killed, modSession)
	}
	if f.rounds.Locked("c") {
		t.Error("released chat still locked")
	}

	// The stale exit event after release is ignored.
	f.engine.HandleProcessExit(ctx, modSession, "late output", nil)
	if len(f.transcript.senders("c")) != 1 {
		t.Errorf("transcript = %v, stale exit must not route", f.transcript.senders("c"))
	}
}
