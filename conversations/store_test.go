package conversations

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/aschepis/backscratcher/bluechat/migrations"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.RunMigrations(db, zerolog.Nop()))
	return NewStore(db)
}

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "New Chat", TitleFrom("  \n "))
	assert.Equal(t, "hello there", TitleFrom("hello\n  there"))

	long := strings.Repeat("é", 60)
	title := TitleFrom(long)
	assert.Equal(t, strings.Repeat("é", 50)+"...", title)
}

func TestStore_ChatLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chat, err := store.CreateChat(ctx, "u1", "First", "gpt-4", "")
	require.NoError(t, err)
	assert.NotEmpty(t, chat.ID)

	require.NoError(t, store.AppendMessage(ctx, chat.ID, llm.RoleSystem, "be brief", ""))
	require.NoError(t, store.AppendMessage(ctx, chat.ID, llm.RoleUser, "hi", ""))
	require.NoError(t, store.AppendMessage(ctx, chat.ID, llm.RoleAssistant, "hello", "mixtral-8x7b-32768"))

	msgs, err := store.Messages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "mixtral-8x7b-32768", msgs[2].Model)

	history, err := store.History(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{
		llm.NewTextMessage(llm.RoleUser, "hi"),
		llm.NewTextMessage(llm.RoleAssistant, "hello"),
	}, history)

	got, err := store.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "First", got.Title)
	assert.Empty(t, got.PersonaID)

	require.NoError(t, store.DeleteChat(ctx, "u1", chat.ID))
	_, err = store.GetChat(ctx, chat.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	msgs, err = store.Messages(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStore_ListChatsOrderedByActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return now }

	a, err := store.CreateChat(ctx, "u1", "a", "gpt-4", "")
	require.NoError(t, err)
	now = now.Add(time.Minute)
	b, err := store.CreateChat(ctx, "u1", "b", "gpt-4", "")
	require.NoError(t, err)
	_, err = store.CreateChat(ctx, "u2", "other", "gpt-4", "")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	require.NoError(t, store.AppendMessage(ctx, a.ID, llm.RoleUser, "bump", ""))

	chats, err := store.ListChats(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, a.ID, chats[0].ID)
	assert.Equal(t, b.ID, chats[1].ID)
}

func TestStore_Errors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateChat(ctx, "", "t", "gpt-4", "")
	assert.True(t, llm.IsValidationError(err))

	err = store.AppendMessage(ctx, "missing", llm.RoleUser, "hi", "")
	assert.True(t, errors.Is(err, ErrNotFound))

	chat, err := store.CreateChat(ctx, "u1", "", "gpt-4", "")
	require.NoError(t, err)
	assert.Equal(t, "New Chat", chat.Title)
	assert.True(t, llm.IsValidationError(store.AppendMessage(ctx, chat.ID, "tool", "x", "")))
	assert.True(t, errors.Is(store.DeleteChat(ctx, "u2", chat.ID), ErrNotFound))
}

func TestStore_Personas(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mine, err := store.CreatePersona(ctx, Persona{UserID: "u1", Name: "Pirate", SystemPrompt: "Talk like a pirate.", Model: "gpt-4"})
	require.NoError(t, err)
	public, err := store.CreatePersona(ctx, Persona{UserID: "u2", Name: "Chef", SystemPrompt: "You are a chef.", Model: "mixtral-8x7b-32768", Public: true})
	require.NoError(t, err)
	_, err = store.CreatePersona(ctx, Persona{UserID: "u2", Name: "Secret", SystemPrompt: "Hidden.", Model: "gpt-4"})
	require.NoError(t, err)

	list, err := store.ListPersonas(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, mine.ID, list[0].ID, "own personas come first")
	assert.Equal(t, public.ID, list[1].ID)
	assert.True(t, list[1].Public)

	found, err := store.FindPersona(ctx, "u1", "Chef")
	require.NoError(t, err)
	assert.Equal(t, "You are a chef.", found.SystemPrompt)

	_, err = store.FindPersona(ctx, "u1", "Secret")
	assert.True(t, errors.Is(err, ErrNotFound))

	got, err := store.GetPersona(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pirate", got.Name)

	assert.True(t, errors.Is(store.DeletePersona(ctx, "u1", public.ID), ErrNotFound))
	require.NoError(t, store.DeletePersona(ctx, "u1", mine.ID))

	_, err = store.CreatePersona(ctx, Persona{UserID: "u1", Name: " "})
	assert.True(t, llm.IsValidationError(err))
}
