package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/recoverly/recoverly/internal/config"
	"github.com/recoverly/recoverly/internal/core"
	"github.com/recoverly/recoverly/internal/models"
)

// windowTxAttempts bounds optimistic retries of the window transaction when
// the store reports a serialization failure.
const windowTxAttempts = 3

type Client struct {
	db *sql.DB
}

func NewClient(ctx context.Context, cfg *config.Config) (core.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Users

func (c *Client) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	const q = `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, COALESCE($4, now()), COALESCE($5, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		user.ID, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	return err
}

func (c *Client) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, email).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Rate-limit windows

func (c *Client) GetWindow(ctx context.Context, ownerID string) (*models.RateLimitWindow, error) {
	const q = `
		SELECT owner_id, message_count, window_start, window_end, last_reset
		FROM rate_limit_windows WHERE owner_id = $1
	`
	var w models.RateLimitWindow
	err := c.db.QueryRowContext(ctx, q, ownerID).Scan(
		&w.OwnerID, &w.MessageCount, &w.WindowStart, &w.WindowEnd, &w.LastReset,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// MutateWindow executes fn over the owner's window row with serializable
// isolation. A row lock keeps two concurrent calls for the same owner from
// interleaving; serialization failures are retried a bounded number of times.
func (c *Client) MutateWindow(ctx context.Context, ownerID string, fn func(cur *models.RateLimitWindow) (*models.RateLimitWindow, error)) (*models.RateLimitWindow, error) {
	var lastErr error
	for attempt := 0; attempt < windowTxAttempts; attempt++ {
		w, err := c.mutateWindowOnce(ctx, ownerID, fn)
		if err == nil {
			return w, nil
		}
		lastErr = err
		if !isSerializationFailure(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("window transaction did not settle after %d attempts: %w", windowTxAttempts, lastErr)
}

func (c *Client) mutateWindowOnce(ctx context.Context, ownerID string, fn func(cur *models.RateLimitWindow) (*models.RateLimitWindow, error)) (*models.RateLimitWindow, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin window tx: %w", err)
	}
	defer tx.Rollback()

	const sel = `
		SELECT owner_id, message_count, window_start, window_end, last_reset
		FROM rate_limit_windows WHERE owner_id = $1
		FOR UPDATE
	`
	var cur *models.RateLimitWindow
	var w models.RateLimitWindow
	err = tx.QueryRowContext(ctx, sel, ownerID).Scan(
		&w.OwnerID, &w.MessageCount, &w.WindowStart, &w.WindowEnd, &w.LastReset,
	)
	switch {
	case err == sql.ErrNoRows:
		cur = nil
	case err != nil:
		return nil, fmt.Errorf("read window: %w", err)
	default:
		cur = &w
	}

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		// Decision made without touching storage (e.g. a denial).
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit window tx: %w", err)
		}
		return cur, nil
	}

	const up = `
		INSERT INTO rate_limit_windows (owner_id, message_count, window_start, window_end, last_reset)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id) DO UPDATE SET
			message_count = EXCLUDED.message_count,
			window_start  = EXCLUDED.window_start,
			window_end    = EXCLUDED.window_end,
			last_reset    = EXCLUDED.last_reset
	`
	if _, err := tx.ExecContext(ctx, up,
		next.OwnerID, next.MessageCount, next.WindowStart, next.WindowEnd, next.LastReset,
	); err != nil {
		return nil, fmt.Errorf("write window: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit window tx: %w", err)
	}
	return next, nil
}

// isSerializationFailure reports whether err is a retryable transaction
// conflict (SQLSTATE 40001 serialization failure or 40P01 deadlock).
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// Streaks

func (c *Client) ListStreaks(ctx context.Context, ownerID string) ([]models.Streak, error) {
	const q = `
		SELECT owner_id, category, start_time, longest_seconds, updated_at
		FROM streaks
		WHERE owner_id = $1
		ORDER BY category ASC
	`
	rows, err := c.db.QueryContext(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Streak
	for rows.Next() {
		var s models.Streak
		if err := rows.Scan(&s.OwnerID, &s.Category, &s.StartTime, &s.LongestSeconds, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Client) UpsertStreak(ctx context.Context, streak *models.Streak) error {
	if streak == nil {
		return errors.New("nil streak")
	}
	const q = `
		INSERT INTO streaks (owner_id, category, start_time, longest_seconds, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (owner_id, category) DO UPDATE SET
			start_time      = EXCLUDED.start_time,
			longest_seconds = GREATEST(streaks.longest_seconds, EXCLUDED.longest_seconds),
			updated_at      = now()
	`
	_, err := c.db.ExecContext(ctx, q,
		streak.OwnerID, streak.Category, streak.StartTime, streak.LongestSeconds)
	return err
}

// Check-ins

func (c *Client) CreateCheckIn(ctx context.Context, checkIn *models.CheckIn) error {
	if checkIn == nil {
		return errors.New("nil check-in")
	}
	triggers, err := json.Marshal(checkIn.Triggers)
	if err != nil {
		return fmt.Errorf("encode triggers: %w", err)
	}
	const q = `
		INSERT INTO check_ins (id, owner_id, date, mood, urge_intensity, triggers, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
	`
	_, err = c.db.ExecContext(ctx, q,
		checkIn.ID, checkIn.OwnerID, checkIn.Date, checkIn.Mood, checkIn.UrgeIntensity,
		triggers, checkIn.Note, checkIn.CreatedAt)
	return err
}

func (c *Client) ListRecentCheckIns(ctx context.Context, ownerID string, limit int) ([]models.CheckIn, error) {
	const q = `
		SELECT id, owner_id, date, mood, urge_intensity, triggers, note, created_at
		FROM check_ins
		WHERE owner_id = $1
		ORDER BY date DESC, created_at DESC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, q, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.CheckIn
	for rows.Next() {
		var (
			ci       models.CheckIn
			triggers []byte
		)
		if err := rows.Scan(&ci.ID, &ci.OwnerID, &ci.Date, &ci.Mood, &ci.UrgeIntensity, &triggers, &ci.Note, &ci.CreatedAt); err != nil {
			return nil, err
		}
		if len(triggers) > 0 {
			if err := json.Unmarshal(triggers, &ci.Triggers); err != nil {
				return nil, fmt.Errorf("decode triggers: %w", err)
			}
		}
		out = append(out, ci)
	}
	return out, rows.Err()
}

// Relapses

func (c *Client) CreateRelapse(ctx context.Context, relapse *models.Relapse) error {
	if relapse == nil {
		return errors.New("nil relapse")
	}
	const q = `
		INSERT INTO relapses (id, owner_id, date, type, streak_type, previous_streak_seconds, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		relapse.ID, relapse.OwnerID, relapse.Date, relapse.Type, relapse.StreakType,
		relapse.PreviousStreakSeconds, relapse.Note, relapse.CreatedAt)
	return err
}

func (c *Client) ListRecentRelapses(ctx context.Context, ownerID string, limit int) ([]models.Relapse, error) {
	const q = `
		SELECT id, owner_id, date, type, streak_type, previous_streak_seconds, note, created_at
		FROM relapses
		WHERE owner_id = $1
		ORDER BY date DESC, created_at DESC
		LIMIT $2
	`
	rows, err := c.db.QueryContext(ctx, q, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Relapse
	for rows.Next() {
		var r models.Relapse
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Date, &r.Type, &r.StreakType, &r.PreviousStreakSeconds, &r.Note, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Settings

func (c *Client) GetUserSettings(ctx context.Context, ownerID string) (*models.UserSettings, error) {
	const q = `
		SELECT owner_id, system_prompt, updated_at
		FROM user_settings WHERE owner_id = $1
	`
	var s models.UserSettings
	err := c.db.QueryRowContext(ctx, q, ownerID).Scan(&s.OwnerID, &s.SystemPrompt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Chat messages

func (c *Client) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg == nil {
		return errors.New("nil message")
	}
	const q = `
		INSERT INTO chat_messages (id, owner_id, role, content, is_emergency, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		msg.ID, msg.OwnerID, msg.Role, msg.Content, msg.IsEmergency, msg.CreatedAt)
	return err
}

// ListMessages selects the newest `limit` messages and returns them oldest
// first. Ties on created_at sort by seq, the store-assigned insertion order.
func (c *Client) ListMessages(ctx context.Context, ownerID string, limit int) ([]models.ChatMessage, error) {
	const q = `
		SELECT id, owner_id, role, content, is_emergency, created_at
		FROM (
			SELECT id, owner_id, role, content, is_emergency, created_at, seq
			FROM chat_messages
			WHERE owner_id = $1
			ORDER BY created_at DESC, seq DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, seq ASC
	`
	rows, err := c.db.QueryContext(ctx, q, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Role, &m.Content, &m.IsEmergency, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *Client) DeleteMessages(ctx context.Context, ownerID string) (int64, error) {
	const q = `DELETE FROM chat_messages WHERE owner_id = $1`
	res, err := c.db.ExecContext(ctx, q, ownerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
