// Package ratelimit enforces a per-user fixed-window budget on chat
// messages. The check-and-increment runs inside a single serializable store
// transaction so two concurrent requests for the same user cannot both slip
// past the ceiling. On storage failure the limiter fails open: a transient
// outage must not block a user's message.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/recoverly/recoverly/internal/config"
	"github.com/recoverly/recoverly/internal/models"
)

// WindowStore is the slice of persistence the limiter needs.
type WindowStore interface {
	GetWindow(ctx context.Context, ownerID string) (*models.RateLimitWindow, error)
	MutateWindow(ctx context.Context, ownerID string, fn func(cur *models.RateLimitWindow) (*models.RateLimitWindow, error)) (*models.RateLimitWindow, error)
}

type Limiter struct {
	store   WindowStore
	ceiling int
	window  time.Duration
	txWait  time.Duration

	now func() time.Time
}

func New(store WindowStore, cfg *config.Config) *Limiter {
	return &Limiter{
		store:   store,
		ceiling: cfg.RateLimitCeiling,
		window:  cfg.RateLimitWindow,
		txWait:  cfg.RateLimitTxWait,
		now:     time.Now,
	}
}

// CheckAndConsume decides whether the owner may send another message and, if
// so, consumes one unit of the window budget. The decision and the write are
// one atomic transaction. The transaction gets its own short deadline so a
// stuck store cannot eat the whole request budget before the fail-open path.
func (l *Limiter) CheckAndConsume(ctx context.Context, ownerID string) models.RateLimitStatus {
	txCtx, cancel := context.WithTimeout(ctx, l.txWait)
	defer cancel()

	now := l.now()
	var status models.RateLimitStatus
	_, err := l.store.MutateWindow(txCtx, ownerID, func(cur *models.RateLimitWindow) (*models.RateLimitWindow, error) {
		if cur == nil || !now.Before(cur.WindowEnd) {
			// First-ever message, or the previous window has expired:
			// replace the record outright.
			next := &models.RateLimitWindow{
				OwnerID:      ownerID,
				MessageCount: 1,
				WindowStart:  now,
				WindowEnd:    now.Add(l.window),
				LastReset:    now,
			}
			status = models.RateLimitStatus{
				Allowed:   true,
				Remaining: l.ceiling - 1,
				ResetAt:   next.WindowEnd,
			}
			return next, nil
		}

		if cur.MessageCount >= l.ceiling {
			status = models.RateLimitStatus{
				Allowed:   false,
				Remaining: 0,
				ResetAt:   cur.WindowEnd,
				Reason: fmt.Sprintf("message limit of %d reached; try again after %s",
					l.ceiling, cur.WindowEnd.Format(time.RFC3339)),
			}
			// Denials leave the record untouched.
			return nil, nil
		}

		next := *cur
		next.MessageCount++
		status = models.RateLimitStatus{
			Allowed:   true,
			Remaining: l.ceiling - next.MessageCount,
			ResetAt:   next.WindowEnd,
		}
		return &next, nil
	})
	if err != nil {
		log.Printf("rate limiter failing open for %s: %v", ownerID, err)
		return models.RateLimitStatus{
			Allowed:   true,
			Remaining: 0,
			ResetAt:   now.Add(l.window),
			Reason:    "rate limit check unavailable; request allowed",
		}
	}
	return status
}

// PeekStatus reports the owner's current allowance without consuming any of
// it. An absent or expired window reads as a full fresh allowance; nothing
// is written.
func (l *Limiter) PeekStatus(ctx context.Context, ownerID string) models.RateLimitStatus {
	now := l.now()
	w, err := l.store.GetWindow(ctx, ownerID)
	if err != nil {
		log.Printf("rate limiter peek failed for %s: %v", ownerID, err)
		return models.RateLimitStatus{
			Allowed:   true,
			Remaining: 0,
			ResetAt:   now.Add(l.window),
			Reason:    "rate limit status unavailable",
		}
	}

	if w == nil || !now.Before(w.WindowEnd) {
		return models.RateLimitStatus{
			Allowed:   true,
			Remaining: l.ceiling,
			ResetAt:   now.Add(l.window),
		}
	}

	remaining := l.ceiling - w.MessageCount
	if remaining < 0 {
		remaining = 0
	}
	status := models.RateLimitStatus{
		Allowed:   remaining > 0,
		Remaining: remaining,
		ResetAt:   w.WindowEnd,
	}
	if !status.Allowed {
		status.Reason = fmt.Sprintf("message limit of %d reached; try again after %s",
			l.ceiling, w.WindowEnd.Format(time.RFC3339))
	}
	return status
}
