package usecase

import "sync"

// inflightTable maps spawner session ids to the engine's spawn tags. Exit
// callbacks arrive on spawner goroutines, so access is mutex-protected.
type inflightTable struct {
	mu   sync.Mutex
	tags map[string]spawnTag
}

func newInflightTable() *inflightTable {
	return &inflightTable{tags: make(map[string]spawnTag)}
}

func (t *inflightTable) put(sessionID string, tag spawnTag) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tags[sessionID] = tag
}

// pop removes and returns the tag for a session id.
func (t *inflightTable) pop(sessionID string) (spawnTag, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tag, ok := t.tags[sessionID]
	if ok {
		delete(t.tags, sessionID)
	}
	return tag, ok
}

// sessionsFor returns the session ids of all in-flight spawns for a chat.
func (t *inflightTable) sessionsFor(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, tag := range t.tags {
		if tag.chatID == chatID {
			ids = append(ids, id)
		}
	}
	return ids
}
