package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverly/recoverly/internal/config"
	"github.com/recoverly/recoverly/internal/core"
	"github.com/recoverly/recoverly/internal/models"
)

type fakeMessageStore struct {
	messages   []models.ChatMessage
	failAppend bool
}

func (s *fakeMessageStore) AppendMessage(_ context.Context, msg *models.ChatMessage) error {
	if s.failAppend {
		return errors.New("store unavailable")
	}
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *fakeMessageStore) ListMessages(_ context.Context, _ string, limit int) ([]models.ChatMessage, error) {
	if limit > len(s.messages) {
		limit = len(s.messages)
	}
	return append([]models.ChatMessage(nil), s.messages[len(s.messages)-limit:]...), nil
}

func (s *fakeMessageStore) DeleteMessages(context.Context, string) (int64, error) {
	n := int64(len(s.messages))
	s.messages = nil
	return n, nil
}

type fakeLimiter struct {
	status models.RateLimitStatus
	calls  int
}

func (l *fakeLimiter) CheckAndConsume(context.Context, string) models.RateLimitStatus {
	l.calls++
	return l.status
}

type fakeBuilder struct {
	uc    *models.UserContext
	calls int
	// When set, the context's recent messages come from this hook so tests
	// can simulate the read racing with the just-written user message.
	recent func() []models.ChatMessage
}

func (b *fakeBuilder) BuildContext(_ context.Context, ownerID string, isEmergency bool) *models.UserContext {
	b.calls++
	uc := b.uc
	if uc == nil {
		uc = &models.UserContext{OwnerID: ownerID, SystemPrompt: "base prompt"}
	}
	uc.IsEmergency = isEmergency
	if b.recent != nil {
		uc.RecentMessages = b.recent()
	}
	return uc
}

type fakeModel struct {
	reply string
	err   error
	last  core.CompletionRequest
	calls int
}

func (m *fakeModel) Complete(_ context.Context, req core.CompletionRequest) (string, error) {
	m.calls++
	m.last = req
	return m.reply, m.err
}

func testOrchestrator(store *fakeMessageStore, limiter *fakeLimiter, builder *fakeBuilder, model *fakeModel) *Orchestrator {
	cfg := &config.Config{
		MaxMessageLen:   2000,
		GenModel:        "test-model",
		Temperature:     0.7,
		MaxOutputTokens: 256,
	}
	o := NewOrchestrator(store, limiter, builder, model, cfg)
	o.now = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) }
	seq := 0
	o.newID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return o
}

func allowAll() *fakeLimiter {
	return &fakeLimiter{status: models.RateLimitStatus{Allowed: true, Remaining: 9}}
}

// First-ever message: window consumed, both sides persisted, success result.
func TestSendFirstMessage(t *testing.T) {
	store := &fakeMessageStore{}
	limiter := allowAll()
	builder := &fakeBuilder{}
	model := &fakeModel{reply: "Welcome, glad you reached out."}
	o := testOrchestrator(store, limiter, builder, model)

	result, err := o.Send(context.Background(), "u1", "Hello", false)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotNil(t, result.Message)
	assert.Equal(t, models.RoleAssistant, result.Message.Role)
	assert.Equal(t, "Welcome, glad you reached out.", result.Message.Content)

	require.Len(t, store.messages, 2)
	assert.Equal(t, models.RoleUser, store.messages[0].Role)
	assert.Equal(t, "Hello", store.messages[0].Content)
	assert.Equal(t, models.RoleAssistant, store.messages[1].Role)
	assert.Equal(t, 1, limiter.calls)
	assert.Equal(t, 1, builder.calls)
	assert.Equal(t, 1, model.calls)

	// The model saw the system entry and the user message last.
	assert.Contains(t, model.last.System, "base prompt")
	require.Len(t, model.last.Messages, 1)
	assert.Equal(t, core.PromptMessage{Role: models.RoleUser, Content: "Hello"}, model.last.Messages[0])
	assert.Equal(t, "test-model", model.last.Model)
	assert.Equal(t, "u1", model.last.UserTag)
}

// Rate-limit denial is a structured result, not an error, and nothing is
// persisted.
func TestSendRateLimited(t *testing.T) {
	store := &fakeMessageStore{}
	limiter := &fakeLimiter{status: models.RateLimitStatus{
		Allowed: false, Remaining: 0, Reason: "message limit of 10 reached",
	}}
	builder := &fakeBuilder{}
	model := &fakeModel{reply: "unused"}
	o := testOrchestrator(store, limiter, builder, model)

	result, err := o.Send(context.Background(), "u1", "Hello", false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.RateLimitExceeded)
	assert.Equal(t, "message limit of 10 reached", result.Error)

	assert.Empty(t, store.messages)
	assert.Zero(t, builder.calls)
	assert.Zero(t, model.calls)
}

// Validation failures halt before any side effect.
func TestSendValidation(t *testing.T) {
	store := &fakeMessageStore{}
	limiter := allowAll()
	builder := &fakeBuilder{}
	model := &fakeModel{reply: "unused"}
	o := testOrchestrator(store, limiter, builder, model)

	_, err := o.Send(context.Background(), "u1", "   \n\t ", false)
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	_, err = o.Send(context.Background(), "u1", strings.Repeat("a", 2001), false)
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))

	assert.Zero(t, limiter.calls)
	assert.Empty(t, store.messages)
	assert.Zero(t, model.calls)
}

// Emergency requests carry the warning through prompt and briefing.
func TestSendEmergency(t *testing.T) {
	store := &fakeMessageStore{}
	limiter := allowAll()
	builder := &fakeBuilder{uc: &models.UserContext{
		OwnerID:      "u1",
		SystemPrompt: "base prompt emergency addition",
	}}
	model := &fakeModel{reply: "Stay with me, let's get through this urge."}
	o := testOrchestrator(store, limiter, builder, model)

	result, err := o.Send(context.Background(), "u1", "I need help now", true)
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.True(t, strings.HasPrefix(model.last.System, "base prompt emergency addition"))
	assert.Contains(t, model.last.System, "*** The user is in an emergency situation and needs immediate support. ***")

	require.Len(t, store.messages, 2)
	assert.True(t, store.messages[0].IsEmergency)
	assert.True(t, store.messages[1].IsEmergency)
}

// The just-persisted user message is excluded from forwarded history even
// when the context read observed it.
func TestSendFiltersCurrentTurnFromHistory(t *testing.T) {
	store := &fakeMessageStore{
		messages: []models.ChatMessage{
			{ID: "old-1", Role: models.RoleUser, Content: "earlier question"},
			{ID: "old-2", Role: models.RoleAssistant, Content: "earlier answer"},
		},
	}
	limiter := allowAll()
	builder := &fakeBuilder{}
	builder.recent = func() []models.ChatMessage {
		msgs, _ := store.ListMessages(context.Background(), "u1", 10)
		return msgs
	}
	model := &fakeModel{reply: "answer"}
	o := testOrchestrator(store, limiter, builder, model)

	_, err := o.Send(context.Background(), "u1", "new question", false)
	require.NoError(t, err)

	// History (2 entries), then the current user message exactly once.
	require.Len(t, model.last.Messages, 3)
	assert.Equal(t, "earlier question", model.last.Messages[0].Content)
	assert.Equal(t, "earlier answer", model.last.Messages[1].Content)
	assert.Equal(t, "new question", model.last.Messages[2].Content)
}

func TestSendUserPersistFailureIsFatal(t *testing.T) {
	store := &fakeMessageStore{failAppend: true}
	limiter := allowAll()
	builder := &fakeBuilder{}
	model := &fakeModel{reply: "unused"}
	o := testOrchestrator(store, limiter, builder, model)

	_, err := o.Send(context.Background(), "u1", "Hello", false)
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Zero(t, model.calls)
}

func TestSendEmptyCompletionIsInternal(t *testing.T) {
	store := &fakeMessageStore{}
	limiter := allowAll()
	builder := &fakeBuilder{}
	model := &fakeModel{reply: "   "}
	o := testOrchestrator(store, limiter, builder, model)

	_, err := o.Send(context.Background(), "u1", "Hello", false)
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
	// The user message stays; no assistant message is written.
	require.Len(t, store.messages, 1)
	assert.Equal(t, models.RoleUser, store.messages[0].Role)
}

func TestSendModelErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"overloaded", fmt.Errorf("wrapped: %w", core.ErrModelOverloaded), KindUpstreamOverloaded},
		{"unauthorized", fmt.Errorf("wrapped: %w", core.ErrModelUnauthorized), KindInternal},
		{"timeout", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), KindTimeout},
		{"generic", errors.New("connection reset"), KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeMessageStore{}
			o := testOrchestrator(store, allowAll(), &fakeBuilder{}, &fakeModel{err: tc.err})

			_, err := o.Send(context.Background(), "u1", "Hello", false)
			require.Error(t, err)
			assert.Equal(t, tc.want, KindOf(err))
			// No partial assistant message after a failed model call.
			require.Len(t, store.messages, 1)
		})
	}
}

func TestHistoryLimits(t *testing.T) {
	store := &fakeMessageStore{}
	for i := 0; i < 120; i++ {
		store.messages = append(store.messages, models.ChatMessage{ID: fmt.Sprintf("m-%d", i)})
	}
	o := testOrchestrator(store, allowAll(), &fakeBuilder{}, &fakeModel{})

	msgs, err := o.History(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 50)

	msgs, err = o.History(context.Background(), "u1", 500)
	require.NoError(t, err)
	assert.Len(t, msgs, 100)

	_, err = o.History(context.Background(), "u1", -1)
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestClearHistory(t *testing.T) {
	store := &fakeMessageStore{messages: []models.ChatMessage{{ID: "a"}, {ID: "b"}}}
	o := testOrchestrator(store, allowAll(), &fakeBuilder{}, &fakeModel{})

	n, err := o.ClearHistory(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Empty(t, store.messages)
}
