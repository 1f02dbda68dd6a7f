package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoverly/recoverly/internal/config"
	"github.com/recoverly/recoverly/internal/models"
)

// fakeWindowStore keeps windows in memory. A single mutex around
// MutateWindow gives the same effect as a serializable transaction.
type fakeWindowStore struct {
	mu      sync.Mutex
	windows map[string]*models.RateLimitWindow
	down    bool
}

func newFakeWindowStore() *fakeWindowStore {
	return &fakeWindowStore{windows: map[string]*models.RateLimitWindow{}}
}

func (s *fakeWindowStore) GetWindow(_ context.Context, ownerID string) (*models.RateLimitWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errors.New("store unavailable")
	}
	w, ok := s.windows[ownerID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *fakeWindowStore) MutateWindow(_ context.Context, ownerID string, fn func(cur *models.RateLimitWindow) (*models.RateLimitWindow, error)) (*models.RateLimitWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errors.New("store unavailable")
	}
	var cur *models.RateLimitWindow
	if w, ok := s.windows[ownerID]; ok {
		cp := *w
		cur = &cp
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return cur, nil
	}
	cp := *next
	s.windows[ownerID] = &cp
	return next, nil
}

func (s *fakeWindowStore) count(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[ownerID]; ok {
		return w.MessageCount
	}
	return 0
}

func newTestLimiter(store *fakeWindowStore, ceiling int, window time.Duration, now time.Time) *Limiter {
	cfg := &config.Config{
		RateLimitCeiling: ceiling,
		RateLimitWindow:  window,
		RateLimitTxWait:  time.Second,
	}
	l := New(store, cfg)
	l.now = func() time.Time { return now }
	return l
}

func TestCheckAndConsumeWithinCeiling(t *testing.T) {
	store := newFakeWindowStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(store, 3, time.Hour, now)

	for i := 1; i <= 3; i++ {
		st := l.CheckAndConsume(context.Background(), "u1")
		assert.True(t, st.Allowed, "call %d should be allowed", i)
		assert.Equal(t, 3-i, st.Remaining)
		assert.Equal(t, now.Add(time.Hour), st.ResetAt)
	}

	st := l.CheckAndConsume(context.Background(), "u1")
	assert.False(t, st.Allowed)
	assert.Equal(t, 0, st.Remaining)
	assert.NotEmpty(t, st.Reason)
	// Denial leaves the record untouched.
	assert.Equal(t, 3, store.count("u1"))
}

func TestFirstMessageCreatesWindow(t *testing.T) {
	store := newFakeWindowStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(store, 10, time.Hour, now)

	st := l.CheckAndConsume(context.Background(), "fresh")
	require.True(t, st.Allowed)
	assert.Equal(t, 9, st.Remaining)

	w := store.windows["fresh"]
	require.NotNil(t, w)
	assert.Equal(t, 1, w.MessageCount)
	assert.Equal(t, now, w.WindowStart)
	assert.Equal(t, now.Add(time.Hour), w.WindowEnd)
}

func TestWindowExpiryStartsFresh(t *testing.T) {
	store := newFakeWindowStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(store, 2, time.Hour, now)

	l.CheckAndConsume(context.Background(), "u1")
	l.CheckAndConsume(context.Background(), "u1")
	st := l.CheckAndConsume(context.Background(), "u1")
	require.False(t, st.Allowed)

	// Advance past the window end: allowed again regardless of prior count.
	later := now.Add(time.Hour + time.Minute)
	l.now = func() time.Time { return later }
	st = l.CheckAndConsume(context.Background(), "u1")
	assert.True(t, st.Allowed)
	assert.Equal(t, 1, st.Remaining)
	assert.Equal(t, 1, store.count("u1"))
	assert.Equal(t, later, store.windows["u1"].WindowStart)
}

func TestFailOpenOnStoreError(t *testing.T) {
	store := newFakeWindowStore()
	store.down = true
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(store, 3, time.Hour, now)

	st := l.CheckAndConsume(context.Background(), "u1")
	assert.True(t, st.Allowed)
	assert.Equal(t, 0, st.Remaining)
	assert.NotEmpty(t, st.Reason)
}

func TestConcurrentCallsNeverExceedCeiling(t *testing.T) {
	store := newFakeWindowStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(store, 5, time.Hour, now)

	const callers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := l.CheckAndConsume(context.Background(), "u1")
			if st.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
	assert.Equal(t, 5, store.count("u1"))
}

func TestPeekStatusNeverMutates(t *testing.T) {
	store := newFakeWindowStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(store, 3, time.Hour, now)

	// Peek on a user with no window: full allowance, nothing written.
	st := l.PeekStatus(context.Background(), "ghost")
	assert.True(t, st.Allowed)
	assert.Equal(t, 3, st.Remaining)
	assert.Empty(t, store.windows)

	l.CheckAndConsume(context.Background(), "u1")
	for i := 0; i < 5; i++ {
		st = l.PeekStatus(context.Background(), "u1")
	}
	assert.True(t, st.Allowed)
	assert.Equal(t, 2, st.Remaining)
	assert.Equal(t, 1, store.count("u1"))
}

func TestPeekStatusExpiredWindowReadsAsFresh(t *testing.T) {
	store := newFakeWindowStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLimiter(store, 2, time.Hour, now)

	l.CheckAndConsume(context.Background(), "u1")
	l.CheckAndConsume(context.Background(), "u1")

	later := now.Add(2 * time.Hour)
	l.now = func() time.Time { return later }
	st := l.PeekStatus(context.Background(), "u1")
	assert.True(t, st.Allowed)
	assert.Equal(t, 2, st.Remaining)
	// Still only a peek: the stale record survives until the next consume.
	assert.Equal(t, 2, store.count("u1"))
}
