// Package chat owns the message pipeline: validation, rate limiting,
// persistence, context building, the model call and response shaping. Side
// effects are strictly ordered; the first failure ends the request.
package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/recoverly/recoverly/internal/config"
	"github.com/recoverly/recoverly/internal/contextbuilder"
	"github.com/recoverly/recoverly/internal/core"
	"github.com/recoverly/recoverly/internal/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// MessageStore is the slice of persistence the orchestrator needs.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, ownerID string, limit int) ([]models.ChatMessage, error)
	DeleteMessages(ctx context.Context, ownerID string) (int64, error)
}

// RateLimiter decides whether a message may consume budget.
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, ownerID string) models.RateLimitStatus
}

// ContextBuilder assembles the per-request behavioral context.
type ContextBuilder interface {
	BuildContext(ctx context.Context, ownerID string, isEmergency bool) *models.UserContext
}

// SendResult is the caller-facing outcome of a chat request. A rate-limit
// denial is a normal result, not an error.
type SendResult struct {
	Success           bool                `json:"success"`
	Message           *models.ChatMessage `json:"message,omitempty"`
	Error             string              `json:"error,omitempty"`
	RateLimitExceeded bool                `json:"rate_limit_exceeded,omitempty"`
}

type Orchestrator struct {
	store   MessageStore
	limiter RateLimiter
	builder ContextBuilder
	model   core.ModelClient

	maxMessageLen int
	genModel      string
	temperature   float64
	maxTokens     int

	now   func() time.Time
	newID func() string
}

func NewOrchestrator(store MessageStore, limiter RateLimiter, builder ContextBuilder, model core.ModelClient, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:         store,
		limiter:       limiter,
		builder:       builder,
		model:         model,
		maxMessageLen: cfg.MaxMessageLen,
		genModel:      cfg.GenModel,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxOutputTokens,
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Send runs one message through the full pipeline. The rate check precedes
// any persistence, and the user's message is persisted before context is
// built. Errors after validation carry a Kind for the handler to translate.
func (o *Orchestrator) Send(ctx context.Context, ownerID, message string, isEmergency bool) (*SendResult, error) {
	// Validated
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil, invalidf("message must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > o.maxMessageLen {
		return nil, invalidf("message exceeds the %d character limit", o.maxMessageLen)
	}

	// RateChecked
	status := o.limiter.CheckAndConsume(ctx, ownerID)
	if !status.Allowed {
		return &SendResult{
			Success:           false,
			Error:             status.Reason,
			RateLimitExceeded: true,
		}, nil
	}

	// UserMessagePersisted. Dropping the user's own words silently is
	// unacceptable, so a failure here fails the request.
	userMsg := &models.ChatMessage{
		ID:          o.newID(),
		OwnerID:     ownerID,
		Role:        models.RoleUser,
		Content:     trimmed,
		IsEmergency: isEmergency,
		CreatedAt:   o.now(),
	}
	if err := o.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, internal("could not record your message", err)
	}

	// ContextBuilt (never fails outward).
	uc := o.builder.BuildContext(ctx, ownerID, isEmergency)

	// ModelInvoked
	reply, err := o.model.Complete(ctx, o.composeRequest(ownerID, uc, userMsg))
	if err != nil {
		switch {
		case errors.Is(err, core.ErrModelOverloaded):
			return nil, overloaded(err)
		case errors.Is(err, core.ErrModelUnauthorized):
			// Credential problems are ours, not the caller's.
			return nil, internal("the assistant is unavailable right now", err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, timeout(err)
		default:
			return nil, internal("the assistant is unavailable right now", err)
		}
	}
	if strings.TrimSpace(reply) == "" {
		return nil, internal("the assistant returned an empty reply", errors.New("empty completion"))
	}

	// AssistantMessagePersisted
	assistantMsg := &models.ChatMessage{
		ID:          o.newID(),
		OwnerID:     ownerID,
		Role:        models.RoleAssistant,
		Content:     reply,
		IsEmergency: isEmergency,
		CreatedAt:   o.now(),
	}
	if err := o.store.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, internal("could not record the reply", err)
	}

	// Responded
	return &SendResult{Success: true, Message: assistantMsg}, nil
}

// composeRequest builds the ordered model request: one system entry (prompt
// plus rendered briefing), the recent conversation in chronological order,
// then the current user message last. The just-persisted user message is
// filtered out of history by ID so the current turn appears exactly once
// regardless of store read timing.
func (o *Orchestrator) composeRequest(ownerID string, uc *models.UserContext, userMsg *models.ChatMessage) core.CompletionRequest {
	req := core.CompletionRequest{
		Model:       o.genModel,
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
		UserTag:     ownerID,
		System:      uc.SystemPrompt + "\n\n" + contextbuilder.RenderBriefing(uc),
	}
	for _, m := range uc.RecentMessages {
		if m.ID == userMsg.ID {
			continue
		}
		req.Messages = append(req.Messages, core.PromptMessage{Role: m.Role, Content: m.Content})
	}
	req.Messages = append(req.Messages, core.PromptMessage{Role: userMsg.Role, Content: userMsg.Content})
	return req
}

// History returns the owner's most recent messages in chronological order.
// limit 0 means the default; anything else must be positive and is capped.
func (o *Orchestrator) History(ctx context.Context, ownerID string, limit int) ([]models.ChatMessage, error) {
	switch {
	case limit == 0:
		limit = defaultHistoryLimit
	case limit < 0:
		return nil, invalidf("limit must be a positive integer")
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	msgs, err := o.store.ListMessages(ctx, ownerID, limit)
	if err != nil {
		return nil, internal("could not load chat history", err)
	}
	return msgs, nil
}

// ClearHistory deletes the owner's entire message log and returns the count
// of removed records.
func (o *Orchestrator) ClearHistory(ctx context.Context, ownerID string) (int64, error) {
	n, err := o.store.DeleteMessages(ctx, ownerID)
	if err != nil {
		return 0, internal("could not clear chat history", err)
	}
	log.Printf("cleared %d chat messages for %s", n, ownerID)
	return n, nil
}
