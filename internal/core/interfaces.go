package core

import (
	"context"
	"errors"

	"github.com/recoverly/recoverly/internal/models"
)

// Store defines all persistence operations the services need. It abstracts
// Postgres so higher layers never depend on a specific DB.
type Store interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	// GetWindow returns the current window record, or nil when the user has
	// never sent a message.
	GetWindow(ctx context.Context, ownerID string) (*models.RateLimitWindow, error)
	// MutateWindow runs fn inside a serializable transaction holding the
	// user's window row. fn receives the current record (nil when absent)
	// and returns the record to write, or nil to leave storage untouched.
	// The returned window is the record as committed.
	MutateWindow(ctx context.Context, ownerID string, fn func(cur *models.RateLimitWindow) (*models.RateLimitWindow, error)) (*models.RateLimitWindow, error)

	ListStreaks(ctx context.Context, ownerID string) ([]models.Streak, error)
	UpsertStreak(ctx context.Context, streak *models.Streak) error

	CreateCheckIn(ctx context.Context, checkIn *models.CheckIn) error
	ListRecentCheckIns(ctx context.Context, ownerID string, limit int) ([]models.CheckIn, error)

	CreateRelapse(ctx context.Context, relapse *models.Relapse) error
	ListRecentRelapses(ctx context.Context, ownerID string, limit int) ([]models.Relapse, error)

	GetUserSettings(ctx context.Context, ownerID string) (*models.UserSettings, error)

	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	// ListMessages returns the most recent `limit` messages for the owner in
	// chronological order (oldest of the selection first).
	ListMessages(ctx context.Context, ownerID string, limit int) ([]models.ChatMessage, error)
	// DeleteMessages removes the owner's entire message log and returns the
	// number of records removed.
	DeleteMessages(ctx context.Context, ownerID string) (int64, error)
}

// Classification of model-backend failures by HTTP-like status.
var (
	// ErrModelOverloaded maps a 429 from the completion service.
	ErrModelOverloaded = errors.New("model backend overloaded")
	// ErrModelUnauthorized maps a 401 from the completion service.
	ErrModelUnauthorized = errors.New("model backend rejected credentials")
)

// PromptMessage is one role-tagged entry of a completion request.
type PromptMessage struct {
	Role    string
	Content string
}

// CompletionRequest carries the ordered conversation plus generation
// parameters for a single model call. UserTag identifies the caller for
// abuse monitoring and never contains credentials.
type CompletionRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
	UserTag     string
	System      string
	Messages    []PromptMessage
}

// ModelClient is the thin synchronous contract with the external completion
// service.
type ModelClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
