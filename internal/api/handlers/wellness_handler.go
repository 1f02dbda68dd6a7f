package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	middleware "github.com/recoverly/recoverly/internal/api/middlewares"
	"github.com/recoverly/recoverly/internal/core"
	"github.com/recoverly/recoverly/internal/models"
)

// WellnessHandler serves the check-in, relapse and streak endpoints. These
// records are what the context builder later reads when assembling a chat
// briefing.
type WellnessHandler struct {
	store core.Store
	now   func() time.Time
}

func NewWellnessHandler(store core.Store) *WellnessHandler {
	return &WellnessHandler{store: store, now: time.Now}
}

type checkInRequest struct {
	Mood          string   `json:"mood"`
	UrgeIntensity int      `json:"urge_intensity"`
	Triggers      []string `json:"triggers"`
	Note          string   `json:"note"`
}

// CreateCheckIn handles POST /api/checkins.
func (h *WellnessHandler) CreateCheckIn(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req checkInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UrgeIntensity < 0 || req.UrgeIntensity > 10 {
		http.Error(w, "urge_intensity must be between 0 and 10", http.StatusBadRequest)
		return
	}

	now := h.now()
	checkIn := &models.CheckIn{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		Date:          now,
		Mood:          req.Mood,
		UrgeIntensity: req.UrgeIntensity,
		Triggers:      req.Triggers,
		Note:          req.Note,
		CreatedAt:     now,
	}
	if err := h.store.CreateCheckIn(r.Context(), checkIn); err != nil {
		log.Printf("create check-in for %s: %v", ownerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, checkIn)
}

type relapseRequest struct {
	Type       string `json:"type"`
	StreakType string `json:"streak_type"`
	Note       string `json:"note"`
}

// ReportRelapse handles POST /api/relapses. Recording a relapse resets the
// named streak; the lost streak length is captured on the relapse record
// before the reset.
func (h *WellnessHandler) ReportRelapse(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req relapseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type != models.RelapseFull && req.Type != models.RelapseRuleViolation {
		http.Error(w, "type must be full-relapse or rule-violation", http.StatusBadRequest)
		return
	}
	if req.StreakType != models.StreakMain && req.StreakType != models.StreakDiscipline {
		http.Error(w, "streak_type must be main or discipline", http.StatusBadRequest)
		return
	}

	now := h.now()
	var prevSeconds int64
	streaks, err := h.store.ListStreaks(r.Context(), ownerID)
	if err != nil {
		log.Printf("load streaks for %s: %v", ownerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for _, s := range streaks {
		if s.Category == req.StreakType {
			prevSeconds = s.Snapshot(now).CurrentSeconds
		}
	}

	relapse := &models.Relapse{
		ID:                    uuid.NewString(),
		OwnerID:               ownerID,
		Date:                  now,
		Type:                  req.Type,
		StreakType:            req.StreakType,
		PreviousStreakSeconds: prevSeconds,
		Note:                  req.Note,
		CreatedAt:             now,
	}
	if err := h.store.CreateRelapse(r.Context(), relapse); err != nil {
		log.Printf("create relapse for %s: %v", ownerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	reset := &models.Streak{
		OwnerID:        ownerID,
		Category:       req.StreakType,
		StartTime:      now,
		LongestSeconds: prevSeconds,
	}
	if err := h.store.UpsertStreak(r.Context(), reset); err != nil {
		log.Printf("reset streak for %s: %v", ownerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, relapse)
}

// GetStreaks handles GET /api/streaks and returns derived snapshots for
// both categories, defaulting to zero for categories never started.
func (h *WellnessHandler) GetStreaks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	streaks, err := h.store.ListStreaks(r.Context(), ownerID)
	if err != nil {
		log.Printf("load streaks for %s: %v", ownerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	now := h.now()
	snapshots := map[string]models.StreakSnapshot{
		models.StreakMain:       models.Streak{OwnerID: ownerID, Category: models.StreakMain}.Snapshot(now),
		models.StreakDiscipline: models.Streak{OwnerID: ownerID, Category: models.StreakDiscipline}.Snapshot(now),
	}
	for _, s := range streaks {
		snapshots[s.Category] = s.Snapshot(now)
	}
	writeJSON(w, http.StatusOK, map[string]any{"streaks": snapshots})
}

// GetCheckIns handles GET /api/checkins?limit=N, newest first.
func (h *WellnessHandler) GetCheckIns(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.OwnerID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	limit := parseLimit(r, 30, 100)
	if limit <= 0 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	checkIns, err := h.store.ListRecentCheckIns(r.Context(), ownerID, limit)
	if err != nil {
		log.Printf("load check-ins for %s: %v", ownerID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if checkIns == nil {
		checkIns = []models.CheckIn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"check_ins": checkIns})
}

// parseLimit reads the limit query param with a default and a cap; -1 marks
// a malformed or non-positive value.
func parseLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return -1
	}
	if n > max {
		return max
	}
	return n
}
