// Package contextbuilder assembles the per-request behavioral context that
// accompanies every model call: streak state, recent check-ins, recent
// relapses, recent conversation and the per-user system prompt. All five
// reads run concurrently and each degrades to an empty default on failure,
// so building a context never fails outward.
package contextbuilder

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recoverly/recoverly/internal/config"
	"github.com/recoverly/recoverly/internal/models"
)

// Reader is the slice of persistence the builder needs.
type Reader interface {
	ListStreaks(ctx context.Context, ownerID string) ([]models.Streak, error)
	ListRecentCheckIns(ctx context.Context, ownerID string, limit int) ([]models.CheckIn, error)
	ListRecentRelapses(ctx context.Context, ownerID string, limit int) ([]models.Relapse, error)
	ListMessages(ctx context.Context, ownerID string, limit int) ([]models.ChatMessage, error)
	GetUserSettings(ctx context.Context, ownerID string) (*models.UserSettings, error)
}

// outcome is the settled result of one sub-read: either a value or a
// degraded default with the cause kept for logging. Keeping the tag explicit
// makes the final compose a plain merge instead of scattered error handling.
type outcome[T any] struct {
	value    T
	degraded bool
	cause    error
}

func settle[T any](v T, err error) outcome[T] {
	if err != nil {
		var zero T
		return outcome[T]{value: zero, degraded: true, cause: err}
	}
	return outcome[T]{value: v}
}

type Builder struct {
	reader Reader

	checkInLimit int
	relapseLimit int
	messageLimit int

	defaultPrompt   string
	emergencyPrompt string

	now func() time.Time
}

func New(reader Reader, cfg *config.Config) *Builder {
	return &Builder{
		reader:          reader,
		checkInLimit:    cfg.CheckInContextLimit,
		relapseLimit:    cfg.RelapseContextLimit,
		messageLimit:    cfg.MessageContextLimit,
		defaultPrompt:   cfg.DefaultSystemPrompt,
		emergencyPrompt: cfg.EmergencyPromptAddition,
		now:             time.Now,
	}
}

// BuildContext issues the five reads concurrently and composes whatever
// settled. A failed sub-read contributes its zero default; the others keep
// their real data. No read's failure cancels the others.
func (b *Builder) BuildContext(ctx context.Context, ownerID string, isEmergency bool) *models.UserContext {
	var (
		streaks  outcome[[]models.Streak]
		checkIns outcome[[]models.CheckIn]
		relapses outcome[[]models.Relapse]
		messages outcome[[]models.ChatMessage]
		settings outcome[*models.UserSettings]
	)

	// The goroutines always return nil so one source's failure never
	// cancels the group context out from under the rest.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		streaks = settle(b.reader.ListStreaks(gctx, ownerID))
		return nil
	})
	g.Go(func() error {
		checkIns = settle(b.reader.ListRecentCheckIns(gctx, ownerID, b.checkInLimit))
		return nil
	})
	g.Go(func() error {
		relapses = settle(b.reader.ListRecentRelapses(gctx, ownerID, b.relapseLimit))
		return nil
	})
	g.Go(func() error {
		messages = settle(b.reader.ListMessages(gctx, ownerID, b.messageLimit))
		return nil
	})
	g.Go(func() error {
		settings = settle(b.reader.GetUserSettings(gctx, ownerID))
		return nil
	})
	_ = g.Wait()

	logDegraded(ownerID, "streaks", streaks.degraded, streaks.cause)
	logDegraded(ownerID, "check-ins", checkIns.degraded, checkIns.cause)
	logDegraded(ownerID, "relapses", relapses.degraded, relapses.cause)
	logDegraded(ownerID, "messages", messages.degraded, messages.cause)
	logDegraded(ownerID, "settings", settings.degraded, settings.cause)

	now := b.now()
	uc := &models.UserContext{
		OwnerID:        ownerID,
		Main:           models.Streak{OwnerID: ownerID, Category: models.StreakMain}.Snapshot(now),
		Discipline:     models.Streak{OwnerID: ownerID, Category: models.StreakDiscipline}.Snapshot(now),
		RecentMessages: messages.value,
		IsEmergency:    isEmergency,
	}

	for _, s := range streaks.value {
		switch s.Category {
		case models.StreakMain:
			uc.Main = s.Snapshot(now)
		case models.StreakDiscipline:
			uc.Discipline = s.Snapshot(now)
		}
	}

	// Check-ins and relapses stay newest-first: the briefing presents them
	// as recent history. Messages arrive oldest-first from the store for
	// chronological reading order.
	for _, ci := range checkIns.value {
		uc.CheckIns = append(uc.CheckIns, ci.Summary())
	}
	for _, r := range relapses.value {
		uc.Relapses = append(uc.Relapses, r.Summary())
	}

	uc.SystemPrompt = b.composePrompt(settings.value, isEmergency)
	return uc
}

// composePrompt picks the user's custom prompt when configured, else the
// default, and appends the emergency addition last when flagged. The order
// matters: base first, emergency addition after.
func (b *Builder) composePrompt(settings *models.UserSettings, isEmergency bool) string {
	prompt := b.defaultPrompt
	if settings != nil && settings.SystemPrompt != "" {
		prompt = settings.SystemPrompt
	}
	if isEmergency {
		prompt += b.emergencyPrompt
	}
	return prompt
}

func logDegraded(ownerID, source string, degraded bool, cause error) {
	if degraded {
		log.Printf("context build for %s: %s source degraded to default: %v", ownerID, source, cause)
	}
}
