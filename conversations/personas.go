package conversations

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Persona is a named system prompt with a preferred model. Public personas
// are visible to every user.
type Persona struct {
	ID           string
	UserID       string
	Name         string
	SystemPrompt string
	Model        string
	Public       bool
	CreatedAt    time.Time
}

var personaColumns = []string{"id", "user_id", "name", "system_prompt", "model", "is_public", "created_at"}

// CreatePersona saves p and returns it with its id and creation time set.
func (s *Store) CreatePersona(ctx context.Context, p Persona) (*Persona, error) {
	if p.UserID == "" {
		return nil, llm.NewValidationError("user id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, llm.NewValidationError("persona name is required")
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return nil, llm.NewValidationError("persona system prompt is required")
	}

	p.ID = uuid.NewString()
	p.CreatedAt = s.now()
	queryStr, args, err := sq.Insert("personas").
		Columns(personaColumns...).
		Values(p.ID, p.UserID, p.Name, p.SystemPrompt, p.Model, p.Public, p.CreatedAt.Unix()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return nil, fmt.Errorf("insert persona: %w", err)
	}
	return &p, nil
}

// GetPersona loads a persona by id.
func (s *Store) GetPersona(ctx context.Context, id string) (*Persona, error) {
	personas, err := s.queryPersonas(ctx, sq.Eq{"id": id})
	if err != nil {
		return nil, err
	}
	if len(personas) == 0 {
		return nil, fmt.Errorf("persona %s: %w", id, ErrNotFound)
	}
	return &personas[0], nil
}

// FindPersona looks up a persona visible to userID by id or by name.
func (s *Store) FindPersona(ctx context.Context, userID, idOrName string) (*Persona, error) {
	personas, err := s.queryPersonas(ctx, sq.And{
		sq.Or{sq.Eq{"id": idOrName}, sq.Eq{"name": idOrName}},
		sq.Or{sq.Eq{"user_id": userID}, sq.Eq{"is_public": true}},
	})
	if err != nil {
		return nil, err
	}
	if len(personas) == 0 {
		return nil, fmt.Errorf("persona %s: %w", idOrName, ErrNotFound)
	}
	return &personas[0], nil
}

// ListPersonas returns the personas owned by userID followed by public ones
// owned by others.
func (s *Store) ListPersonas(ctx context.Context, userID string) ([]Persona, error) {
	personas, err := s.queryPersonas(ctx, sq.Or{sq.Eq{"user_id": userID}, sq.Eq{"is_public": true}})
	if err != nil {
		return nil, err
	}
	own, others := lo.FilterReject(personas, func(p Persona, _ int) bool { return p.UserID == userID })
	return append(own, others...), nil
}

// DeletePersona removes a persona owned by userID.
func (s *Store) DeletePersona(ctx context.Context, userID, id string) error {
	queryStr, args, err := sq.Delete("personas").Where(sq.Eq{"id": id, "user_id": userID}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("persona %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) queryPersonas(ctx context.Context, where sq.Sqlizer) ([]Persona, error) {
	queryStr, args, err := sq.Select(personaColumns...).
		From("personas").
		Where(where).
		OrderBy("name ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close() //nolint:errcheck // No need to check error on close

	var out []Persona
	for rows.Next() {
		var p Persona
		var public sql.NullBool
		var created int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.SystemPrompt, &p.Model, &public, &created); err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		p.Public = public.Bool
		p.CreatedAt = time.Unix(created, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}
