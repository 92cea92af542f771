// Package conversations persists chats, their messages and personas in SQLite.
package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ErrNotFound is returned when a chat or persona does not exist.
var ErrNotFound = errors.New("not found")

const (
	defaultTitle   = "New Chat"
	maxTitleLength = 50
	defaultLimit   = 50
)

// Chat is a conversation owned by one user.
type Chat struct {
	ID        string
	UserID    string
	Title     string
	Model     string
	PersonaID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one stored turn of a chat.
type Message struct {
	ID        string
	ChatID    string
	Role      llm.MessageRole
	Content   string
	Model     string
	CreatedAt time.Time
}

// Store handles persistence of chats and messages.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// TitleFrom derives a chat title from the first user message.
func TitleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return defaultTitle
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		title = string([]rune(title)[:maxTitleLength]) + "..."
	}
	return title
}

// CreateChat starts a new chat for userID. personaID may be empty.
func (s *Store) CreateChat(ctx context.Context, userID, title, model, personaID string) (*Chat, error) {
	if userID == "" {
		return nil, llm.NewValidationError("user id is required")
	}
	if title == "" {
		title = defaultTitle
	}

	now := s.now()
	chat := &Chat{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Model:     model,
		PersonaID: personaID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := sq.Insert("chats").
		Columns("id", "user_id", "title", "model", "persona_id", "created_at", "updated_at").
		Values(chat.ID, userID, title, model, nullable(personaID), now.Unix(), now.Unix())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return chat, nil
}

// GetChat loads a chat by id.
func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	chats, err := s.queryChats(ctx, sq.Eq{"id": chatID}, 1)
	if err != nil {
		return nil, err
	}
	if len(chats) == 0 {
		return nil, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	return &chats[0], nil
}

// ListChats returns the most recently updated chats of userID.
func (s *Store) ListChats(ctx context.Context, userID string, limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.queryChats(ctx, sq.Eq{"user_id": userID}, limit)
}

func (s *Store) queryChats(ctx context.Context, where sq.Eq, limit int) ([]Chat, error) {
	queryStr, args, err := sq.Select("id", "user_id", "title", "model", "persona_id", "created_at", "updated_at").
		From("chats").
		Where(where).
		OrderBy("updated_at DESC", "rowid DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No need to check error on close

	var chats []Chat
	for rows.Next() {
		var c Chat
		var personaID sql.NullString
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &personaID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.PersonaID = personaID.String
		c.CreatedAt = time.Unix(created, 0)
		c.UpdatedAt = time.Unix(updated, 0)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// DeleteChat removes a chat of userID together with its messages.
func (s *Store) DeleteChat(ctx context.Context, userID, chatID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	queryStr, args, err := sq.Delete("chats").Where(sq.Eq{"id": chatID, "user_id": userID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := tx.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}

	queryStr, args, err = sq.Delete("messages").Where(sq.Eq{"chat_id": chatID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}

// AppendMessage saves a message to a chat and bumps the chat's updated_at.
// model records which model produced an assistant message and may be empty.
func (s *Store) AppendMessage(ctx context.Context, chatID string, role llm.MessageRole, content, model string) (err error) {
	if !lo.Contains([]llm.MessageRole{llm.RoleUser, llm.RoleAssistant, llm.RoleSystem}, role) {
		return llm.NewValidationError(fmt.Sprintf("invalid role %q", role))
	}

	now := s.now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	queryStr, args, err := sq.Update("chats").
		Set("updated_at", now).
		Where(sq.Eq{"id": chatID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := tx.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}

	queryStr, args, err = sq.Insert("messages").
		Columns("id", "chat_id", "role", "content", "model", "created_at").
		Values(uuid.NewString(), chatID, string(role), content, nullable(model), now).
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// Messages returns every stored message of a chat in insertion order.
func (s *Store) Messages(ctx context.Context, chatID string) ([]Message, error) {
	queryStr, args, err := sq.Select("id", "chat_id", "role", "content", "model", "created_at").
		From("messages").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at ASC", "rowid ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No need to check error on close

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		var model sql.NullString
		var created int64
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &m.Content, &model, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = llm.MessageRole(role)
		m.Model = model.String
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// History returns the user and assistant turns of a chat, ready to be passed
// to llm.BuildMessages. System rows are left out; the system prompt comes
// from the chat's persona.
func (s *Store) History(ctx context.Context, chatID string) ([]llm.Message, error) {
	msgs, err := s.Messages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(msgs, func(m Message, _ int) (llm.Message, bool) {
		return llm.NewTextMessage(m.Role, m.Content), m.Role != llm.RoleSystem
	}), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
