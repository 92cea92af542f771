package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Limits configures SQLStore quotas. A non-positive limit disables the quota
// for that kind.
type Limits struct {
	Messages int
	Images   int
	Window   time.Duration
}

// DefaultLimits returns the default daily quotas.
func DefaultLimits() Limits {
	return Limits{
		Messages: 50,
		Images:   10,
		Window:   24 * time.Hour,
	}
}

func (l Limits) limit(kind Kind) int {
	if kind == KindImage {
		return l.Images
	}
	return l.Messages
}

// Usage is the current counter state of one kind.
type Usage struct {
	Kind    Kind
	Used    int
	Limit   int
	ResetAt time.Time
}

// SQLStore keeps fixed-window counters in the rate_limits table. A user's
// window for a kind starts at the first operation after the previous window
// expired.
type SQLStore struct {
	db     *sql.DB
	limits Limits
	now    func() time.Time
	logger zerolog.Logger
}

var _ Limiter = (*SQLStore)(nil)

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB, limits Limits, logger zerolog.Logger) *SQLStore {
	if limits.Window <= 0 {
		limits.Window = DefaultLimits().Window
	}
	return &SQLStore{
		db:     db,
		limits: limits,
		now:    time.Now,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

func columns(kind Kind) (count, reset string, err error) {
	switch kind {
	case KindMessage:
		return "message_count", "last_message_reset", nil
	case KindImage:
		return "image_count", "last_image_reset", nil
	default:
		return "", "", fmt.Errorf("unknown limit kind %q", kind)
	}
}

// current returns the count and window start for kind, treating an expired
// window as empty.
func (s *SQLStore) current(ctx context.Context, userID string, kind Kind) (int, time.Time, error) {
	countCol, resetCol, err := columns(kind)
	if err != nil {
		return 0, time.Time{}, err
	}

	queryStr, args, err := sq.Select(countCol, resetCol).
		From("rate_limits").
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("build query: %w", err)
	}

	now := s.now()
	var count int
	var reset int64
	err = s.db.QueryRowContext(ctx, queryStr, args...).Scan(&count, &reset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, now, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("query rate limit: %w", err)
	}

	start := time.Unix(reset, 0)
	if !now.Before(start.Add(s.limits.Window)) {
		return 0, now, nil
	}
	return count, start, nil
}

// Check implements Limiter.
func (s *SQLStore) Check(ctx context.Context, userID string, kind Kind) (Status, error) {
	limit := s.limits.limit(kind)
	count, start, err := s.current(ctx, userID, kind)
	if err != nil {
		return Status{}, err
	}
	if limit <= 0 {
		return Status{Allowed: true, Remaining: -1}, nil
	}

	remaining := max(limit-count, 0)
	return Status{
		Allowed:   count < limit,
		Remaining: remaining,
		ResetAt:   start.Add(s.limits.Window),
	}, nil
}

// Increment implements Limiter.
func (s *SQLStore) Increment(ctx context.Context, userID string, kind Kind) error {
	countCol, resetCol, err := columns(kind)
	if err != nil {
		return err
	}

	now := s.now().Unix()
	cutoff := s.now().Add(-s.limits.Window).Unix()
	messages, images := 0, 0
	if kind == KindMessage {
		messages = 1
	} else {
		images = 1
	}

	query := sq.Insert("rate_limits").
		Columns("user_id", "message_count", "image_count", "last_message_reset", "last_image_reset", "created_at", "updated_at").
		Values(userID, messages, images, now, now, now, now).
		Suffix(fmt.Sprintf(
			"ON CONFLICT(user_id) DO UPDATE SET "+
				"%[1]s = CASE WHEN %[2]s <= ? THEN 1 ELSE %[1]s + 1 END, "+
				"%[2]s = CASE WHEN %[2]s <= ? THEN ? ELSE %[2]s END, "+
				"updated_at = ?",
			countCol, resetCol,
		), cutoff, cutoff, now, now)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("increment rate limit: %w", err)
	}

	s.logger.Debug().Str("user_id", userID).Str("kind", string(kind)).Msg("Usage recorded")
	return nil
}

// Usage returns the counters of every kind for userID.
func (s *SQLStore) Usage(ctx context.Context, userID string) ([]Usage, error) {
	kinds := []Kind{KindMessage, KindImage}
	out := make([]Usage, 0, len(kinds))
	for _, kind := range kinds {
		count, start, err := s.current(ctx, userID, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, Usage{
			Kind:    kind,
			Used:    count,
			Limit:   s.limits.limit(kind),
			ResetAt: start.Add(s.limits.Window),
		})
	}
	return out, nil
}

// Reset clears the counters of userID. It is used by administrative tooling.
func (s *SQLStore) Reset(ctx context.Context, userID string, kinds ...Kind) error {
	if len(kinds) == 0 {
		kinds = []Kind{KindMessage, KindImage}
	}
	if _, bad := lo.Find(kinds, func(k Kind) bool { return !k.Valid() }); bad {
		return fmt.Errorf("unknown limit kind in %v", kinds)
	}

	now := s.now().Unix()
	update := sq.Update("rate_limits").Set("updated_at", now).Where(sq.Eq{"user_id": userID})
	for _, kind := range kinds {
		countCol, resetCol, _ := columns(kind)
		update = update.Set(countCol, 0).Set(resetCol, now)
	}

	queryStr, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}
