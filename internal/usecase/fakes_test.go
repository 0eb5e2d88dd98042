package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"huddle/internal/domain"
)

// fakeChatStore keeps chats in memory. LoadChat returns a deep copy so the
// engine's reload-per-call behavior is observable in tests.
type fakeChatStore struct {
	mu    sync.Mutex
	chats map[string]*domain.GroupChat
}

func newFakeChatStore(chats ...*domain.GroupChat) *fakeChatStore {
	s := &fakeChatStore{chats: make(map[string]*domain.GroupChat)}
	for _, c := range chats {
		s.chats[c.ID] = c
	}
	return s
}

func (s *fakeChatStore) LoadChat(_ context.Context, chatID string) (*domain.GroupChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, domain.ErrChatNotFound
	}
	cp := *c
	cp.Participants = append([]domain.Participant{}, c.Participants...)
	return &cp, nil
}

func (s *fakeChatStore) AddParticipant(_ context.Context, chatID string, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return domain.ErrChatNotFound
	}
	for _, existing := range c.Participants {
		if domain.EqualNames(existing.Name, p.Name) {
			return domain.ErrDuplicate
		}
	}
	c.Participants = append(c.Participants, p)
	return nil
}

func (s *fakeChatStore) UpdateParticipant(_ context.Context, chatID, name string, patch domain.ParticipantPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return domain.ErrChatNotFound
	}
	for i := range c.Participants {
		p := &c.Participants[i]
		if !domain.EqualNames(p.Name, name) {
			continue
		}
		if patch.SessionHandle != nil {
			p.SessionHandle = *patch.SessionHandle
		}
		if patch.MessageCount != nil {
			p.MessageCount = *patch.MessageCount
		}
		if patch.LastActivity != nil {
			p.LastActivity = *patch.LastActivity
		}
		if patch.LastSummary != nil {
			p.LastSummary = *patch.LastSummary
		}
		return nil
	}
	return domain.ErrParticipantNotFound
}

func (s *fakeChatStore) SetModeratorHandle(_ context.Context, chatID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return domain.ErrChatNotFound
	}
	c.ModeratorSessionHandle = handle
	return nil
}

// participant returns the stored (not copied) participant record.
func (s *fakeChatStore) participant(chatID, name string) *domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	return c.Participant(name)
}

type fakeTranscript struct {
	mu   sync.Mutex
	msgs map[string][]domain.ChatMessage
}

func newFakeTranscript() *fakeTranscript {
	return &fakeTranscript{msgs: make(map[string][]domain.ChatMessage)}
}

func (t *fakeTranscript) AppendMessage(_ context.Context, chatID string, msg domain.ChatMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs[chatID] = append(t.msgs[chatID], msg)
	return nil
}

func (t *fakeTranscript) ReadRecent(_ context.Context, chatID string, n int) ([]domain.ChatMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	all := t.msgs[chatID]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]domain.ChatMessage{}, all...), nil
}

func (t *fakeTranscript) senders(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, m := range t.msgs[chatID] {
		out = append(out, m.From)
	}
	return out
}

type fakeCatalog struct {
	specs map[string]domain.AgentSpec
}

func newFakeCatalog(specs ...domain.AgentSpec) *fakeCatalog {
	c := &fakeCatalog{specs: make(map[string]domain.AgentSpec)}
	for _, s := range specs {
		c.specs[s.ID] = s
	}
	return c
}

func (c *fakeCatalog) Get(id string) (domain.AgentSpec, error) {
	s, ok := c.specs[id]
	if !ok {
		return domain.AgentSpec{}, domain.ErrAgentUnavailable
	}
	return s, nil
}

func (c *fakeCatalog) List() []domain.AgentSpec {
	out := make([]domain.AgentSpec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fakeDir struct {
	sessions []domain.AddressableSession
	err      error
}

func (d *fakeDir) Sessions(_ context.Context) ([]domain.AddressableSession, error) {
	return d.sessions, d.err
}

// fakeSpawner records spawn requests and hands out sequential session ids.
// failAgents simulates per-agent-type spawn failures.
type fakeSpawner struct {
	mu         sync.Mutex
	next       int
	spawns     []domain.SpawnRequest
	ids        []string
	killed     []string
	failAgents map[string]error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{failAgents: make(map[string]error)}
}

func (f *fakeSpawner) Spawn(_ context.Context, req domain.SpawnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failAgents[req.Agent.ID]; ok {
		return "", err
	}
	f.next++
	id := fmt.Sprintf("sess-%d", f.next)
	f.spawns = append(f.spawns, req)
	f.ids = append(f.ids, id)
	return id, nil
}

func (f *fakeSpawner) Write(string, string) error { return nil }

func (f *fakeSpawner) Kill(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, sessionID)
	return nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func (f *fakeSpawner) last() (domain.SpawnRequest, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawns) == 0 {
		return domain.SpawnRequest{}, ""
	}
	return f.spawns[len(f.spawns)-1], f.ids[len(f.ids)-1]
}

func (f *fakeSpawner) at(i int) (domain.SpawnRequest, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns[i], f.ids[i]
}
