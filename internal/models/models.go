package models

import (
	"time"
)

// Message roles. Stored on chat messages and used when composing model requests.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Streak categories tracked per user.
const (
	StreakMain       = "main"
	StreakDiscipline = "discipline"
)

// Relapse types.
const (
	RelapseFull          = "full-relapse"
	RelapseRuleViolation = "rule-violation"
)

// User represents an authenticated user of the system.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// UserSettings holds per-user configuration. A zero SystemPrompt means the
// default prompt applies.
type UserSettings struct {
	OwnerID      string    `db:"owner_id" json:"owner_id"`
	SystemPrompt string    `db:"system_prompt" json:"system_prompt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// RateLimitWindow is the durable fixed-window record for one user.
// MessageCount never exceeds the configured ceiling while the window is
// current; that is enforced by the limiter, not by storage.
type RateLimitWindow struct {
	OwnerID      string    `db:"owner_id" json:"owner_id"`
	MessageCount int       `db:"message_count" json:"message_count"`
	WindowStart  time.Time `db:"window_start" json:"window_start"`
	WindowEnd    time.Time `db:"window_end" json:"window_end"`
	LastReset    time.Time `db:"last_reset" json:"last_reset"`
}

// RateLimitStatus is the limiter's decision for one request.
type RateLimitStatus struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Reason    string    `json:"reason,omitempty"`
}

// Streak is the persisted state of one streak category. Elapsed time is
// derived from StartTime at read time, never stored.
type Streak struct {
	OwnerID        string    `db:"owner_id" json:"owner_id"`
	Category       string    `db:"category" json:"category"`
	StartTime      time.Time `db:"start_time" json:"start_time"`
	LongestSeconds int64     `db:"longest_seconds" json:"longest_seconds"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// StreakSnapshot is the derived view of a streak at a point in time.
type StreakSnapshot struct {
	Category       string `json:"category"`
	CurrentSeconds int64  `json:"current_seconds"`
	LongestSeconds int64  `json:"longest_seconds"`
	CurrentDays    int    `json:"current_days"`
	LongestDays    int    `json:"longest_days"`
}

// Snapshot derives the point-in-time view of a streak. A zero or future
// StartTime counts as zero elapsed time rather than an error.
func (s Streak) Snapshot(now time.Time) StreakSnapshot {
	var current int64
	if !s.StartTime.IsZero() && now.After(s.StartTime) {
		current = int64(now.Sub(s.StartTime).Seconds())
	}
	longest := s.LongestSeconds
	if current > longest {
		longest = current
	}
	return StreakSnapshot{
		Category:       s.Category,
		CurrentSeconds: current,
		LongestSeconds: longest,
		CurrentDays:    DaysFromSeconds(current),
		LongestDays:    DaysFromSeconds(longest),
	}
}

// DaysFromSeconds converts an elapsed-seconds count to whole days.
func DaysFromSeconds(secs int64) int {
	if secs <= 0 {
		return 0
	}
	return int(secs / 86400)
}

// CheckIn is a persisted daily check-in record.
type CheckIn struct {
	ID            string    `db:"id" json:"id"`
	OwnerID       string    `db:"owner_id" json:"owner_id"`
	Date          time.Time `db:"date" json:"date"`
	Mood          string    `db:"mood" json:"mood"`
	UrgeIntensity int       `db:"urge_intensity" json:"urge_intensity"`
	Triggers      []string  `db:"triggers" json:"triggers"`
	Note          string    `db:"note" json:"note,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// CheckInSummary is the projection of a check-in carried inside a user
// context.
type CheckInSummary struct {
	Date          time.Time `json:"date"`
	Mood          string    `json:"mood"`
	UrgeIntensity int       `json:"urge_intensity"`
	Triggers      []string  `json:"triggers"`
}

// Summary projects the check-in into its context form.
func (c CheckIn) Summary() CheckInSummary {
	return CheckInSummary{
		Date:          c.Date,
		Mood:          c.Mood,
		UrgeIntensity: c.UrgeIntensity,
		Triggers:      c.Triggers,
	}
}

// Relapse is a persisted relapse event. PreviousStreakSeconds captures the
// streak length that was lost when the event was recorded.
type Relapse struct {
	ID                    string    `db:"id" json:"id"`
	OwnerID               string    `db:"owner_id" json:"owner_id"`
	Date                  time.Time `db:"date" json:"date"`
	Type                  string    `db:"type" json:"type"`
	StreakType            string    `db:"streak_type" json:"streak_type"`
	PreviousStreakSeconds int64     `db:"previous_streak_seconds" json:"previous_streak_seconds"`
	Note                  string    `db:"note" json:"note,omitempty"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
}

// RelapseSummary is the projection of a relapse carried inside a user
// context.
type RelapseSummary struct {
	Date               time.Time `json:"date"`
	Type               string    `json:"type"`
	StreakType         string    `json:"streak_type"`
	PreviousStreakDays int       `json:"previous_streak_days"`
}

// Summary projects the relapse into its context form.
func (r Relapse) Summary() RelapseSummary {
	return RelapseSummary{
		Date:               r.Date,
		Type:               r.Type,
		StreakType:         r.StreakType,
		PreviousStreakDays: DaysFromSeconds(r.PreviousStreakSeconds),
	}
}

// ChatMessage is one entry in a user's append-only message log. Ordering is
// by CreatedAt ascending with the store-assigned ID breaking ties.
type ChatMessage struct {
	ID          string    `db:"id" json:"id"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	Role        string    `db:"role" json:"role"`
	Content     string    `db:"content" json:"content"`
	IsEmergency bool      `db:"is_emergency" json:"is_emergency"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// UserContext is the per-request behavioral context handed to the model.
// It is built fresh for every chat request and never persisted.
type UserContext struct {
	OwnerID        string
	Main           StreakSnapshot
	Discipline     StreakSnapshot
	CheckIns       []CheckInSummary
	Relapses       []RelapseSummary
	RecentMessages []ChatMessage
	SystemPrompt   string
	IsEmergency    bool
}
