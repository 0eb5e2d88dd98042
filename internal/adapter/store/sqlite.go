package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"huddle/internal/domain"
)

// Store implements domain.ChatStore and domain.TranscriptStore on a single
// SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at dbPath and runs the schema
// migration.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open chat db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate chat db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			moderator_type   TEXT NOT NULL,
			moderator_handle TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			chat_id        TEXT NOT NULL REFERENCES chats(id),
			name           TEXT NOT NULL,
			norm_name      TEXT NOT NULL,
			agent_type     TEXT NOT NULL,
			session_handle TEXT NOT NULL DEFAULT '',
			cwd            TEXT NOT NULL DEFAULT '',
			model          TEXT NOT NULL DEFAULT '',
			extra_args     TEXT NOT NULL DEFAULT '[]',
			env            TEXT NOT NULL DEFAULT '{}',
			message_count  INTEGER NOT NULL DEFAULT 0,
			last_activity  TEXT NOT NULL DEFAULT '',
			last_summary   TEXT NOT NULL DEFAULT '',
			color          TEXT NOT NULL DEFAULT '',
			position       INTEGER NOT NULL,
			PRIMARY KEY (chat_id, norm_name)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id        TEXT PRIMARY KEY,
			chat_id   TEXT NOT NULL REFERENCES chats(id),
			sender    TEXT NOT NULL,
			content   TEXT NOT NULL,
			read_only INTEGER NOT NULL DEFAULT 0,
			ts        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateChat persists a new chat and its initial participants.
func (s *Store) CreateChat(ctx context.Context, chat *domain.GroupChat) error {
	const op = "store.CreateChat"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO chats (id, name, moderator_type, moderator_handle, created_at) VALUES (?, ?, ?, ?, ?)",
		chat.ID, chat.Name, chat.ModeratorType, chat.ModeratorSessionHandle,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	for i, p := range chat.Participants {
		if err := insertParticipant(ctx, tx, chat.ID, p, i); err != nil {
			return domain.WrapOp(op, err)
		}
	}
	return tx.Commit()
}

func (s *Store) LoadChat(ctx context.Context, chatID string) (*domain.GroupChat, error) {
	const op = "store.LoadChat"

	var chat domain.GroupChat
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, moderator_type, moderator_handle FROM chats WHERE id = ?", chatID,
	).Scan(&chat.ID, &chat.Name, &chat.ModeratorType, &chat.ModeratorSessionHandle)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.NewDomainError(op, domain.ErrChatNotFound, chatID)
		}
		return nil, domain.WrapOp(op, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, agent_type, session_handle, cwd, model, extra_args, env,
		       message_count, last_activity, last_summary, color
		FROM participants WHERE chat_id = ? ORDER BY position`, chatID)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Participant
		var argsJSON, envJSON, activity string
		if err := rows.Scan(&p.Name, &p.AgentType, &p.SessionHandle, &p.Cwd, &p.Model,
			&argsJSON, &envJSON, &p.MessageCount, &activity, &p.LastSummary, &p.Color); err != nil {
			return nil, domain.WrapOp(op, err)
		}
		if err := json.Unmarshal([]byte(argsJSON), &p.ExtraArgs); err != nil {
			return nil, domain.WrapOp(op, fmt.Errorf("unmarshal extra args: %w", err))
		}
		if err := json.Unmarshal([]byte(envJSON), &p.Env); err != nil {
			return nil, domain.WrapOp(op, fmt.Errorf("unmarshal env: %w", err))
		}
		if activity != "" {
			p.LastActivity, _ = time.Parse(time.RFC3339Nano, activity)
		}
		chat.Participants = append(chat.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	return &chat, nil
}

func (s *Store) AddParticipant(ctx context.Context, chatID string, p domain.Participant) error {
	const op = "store.AddParticipant"

	var pos int
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(position)+1, 0) FROM participants WHERE chat_id = ?", chatID,
	).Scan(&pos)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if err := insertParticipant(ctx, s.db, chatID, p, pos); err != nil {
		return domain.WrapOp(op, err)
	}
	return nil
}

func (s *Store) UpdateParticipant(ctx context.Context, chatID, name string, patch domain.ParticipantPatch) error {
	const op = "store.UpdateParticipant"

	set := ""
	var args []any
	add := func(col string, v any) {
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, v)
	}
	if patch.SessionHandle != nil {
		add("session_handle", *patch.SessionHandle)
	}
	if patch.MessageCount != nil {
		add("message_count", *patch.MessageCount)
	}
	if patch.LastActivity != nil {
		add("last_activity", patch.LastActivity.UTC().Format(time.RFC3339Nano))
	}
	if patch.LastSummary != nil {
		add("last_summary", *patch.LastSummary)
	}
	if set == "" {
		return nil
	}

	args = append(args, chatID, domain.NormalizeName(name))
	res, err := s.db.ExecContext(ctx,
		"UPDATE participants SET "+set+" WHERE chat_id = ? AND norm_name = ?", args...)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError(op, domain.ErrParticipantNotFound, name)
	}
	return nil
}

func (s *Store) SetModeratorHandle(ctx context.Context, chatID, handle string) error {
	const op = "store.SetModeratorHandle"

	res, err := s.db.ExecContext(ctx,
		"UPDATE chats SET moderator_handle = ? WHERE id = ?", handle, chatID)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewDomainError(op, domain.ErrChatNotFound, chatID)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, chatID string, msg domain.ChatMessage) error {
	const op = "store.AppendMessage"

	id := msg.ID
	if id == "" {
		id = newID()
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	readOnly := 0
	if msg.ReadOnly {
		readOnly = 1
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, chat_id, sender, content, read_only, ts) VALUES (?, ?, ?, ?, ?, ?)",
		id, chatID, msg.From, msg.Content, readOnly, ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return domain.WrapOp(op, err)
	}
	return nil
}

func (s *Store) ReadRecent(ctx context.Context, chatID string, n int) ([]domain.ChatMessage, error) {
	const op = "store.ReadRecent"

	// ULID ids break ties for messages sharing a timestamp.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, content, read_only, ts
		FROM messages WHERE chat_id = ?
		ORDER BY ts DESC, id DESC LIMIT ?`, chatID, n)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	defer rows.Close()

	var msgs []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var readOnly int
		var ts string
		if err := rows.Scan(&m.ID, &m.From, &m.Content, &readOnly, &ts); err != nil {
			return nil, domain.WrapOp(op, err)
		}
		m.ReadOnly = readOnly != 0
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	// Query returned newest first; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertParticipant(ctx context.Context, db execer, chatID string, p domain.Participant, pos int) error {
	argsJSON, err := json.Marshal(p.ExtraArgs)
	if err != nil {
		return fmt.Errorf("marshal extra args: %w", err)
	}
	envJSON, err := json.Marshal(p.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	activity := ""
	if !p.LastActivity.IsZero() {
		activity = p.LastActivity.UTC().Format(time.RFC3339Nano)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO participants (chat_id, name, norm_name, agent_type, session_handle,
			cwd, model, extra_args, env, message_count, last_activity, last_summary, color, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		chatID, p.Name, domain.NormalizeName(p.Name), p.AgentType, p.SessionHandle,
		p.Cwd, p.Model, string(argsJSON), string(envJSON),
		p.MessageCount, activity, p.LastSummary, p.Color, pos)
	if err != nil {
		// The primary key is (chat_id, norm_name); a constraint violation
		// here means the normalized name is already taken.
		if strings.Contains(err.Error(), "constraint failed") {
			return fmt.Errorf("%w: %s", domain.ErrDuplicate, p.Name)
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns a ULID. Monotonic entropy keeps ids ordered for messages
// appended within the same millisecond.
func newID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

var (
	_ domain.ChatStore       = (*Store)(nil)
	_ domain.TranscriptStore = (*Store)(nil)
)
