package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/queue"
	"github.com/guild-tracker/internal/types"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Attention hints shown next to failed entries
const (
	AttentionFixInput    = "fix_input"
	AttentionInvestigate = "investigate"
)

// entryView is a queue entry plus what an operator should do about it
type entryView struct {
	*models.QueueEntry
	Attention string `json:"attention,omitempty"`
}

func newEntryView(e *models.QueueEntry) entryView {
	v := entryView{QueueEntry: e}
	switch {
	case e.Status != types.StatusFailed:
	case e.IsPermanentError:
		v.Attention = AttentionFixInput
	case e.RetryCount >= e.MaxRetries:
		v.Attention = AttentionInvestigate
	}
	return v
}

type enqueueRequest struct {
	GuildID  string `json:"guildId"`
	Name     string `json:"name"`
	Realm    string `json:"realm"`
	Region   string `json:"region"`
	Priority *int   `json:"priority,omitempty"`
}

// handleQueueStats handles GET /api/v1/queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleListEntries handles GET /api/v1/queue/entries?status=&limit=
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := queue.ListFilter{Limit: defaultListLimit}

	if raw := query.Get("status"); raw != "" {
		status, ok := types.ParseQueueStatus(raw)
		if !ok {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Unknown status", map[string]interface{}{
				"status":  raw,
				"allowed": types.AllQueueStatuses(),
			})
			return
		}
		filter.Status = status
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "limit must be between 1 and 1000", nil)
			return
		}
		filter.Limit = limit
	}

	entries, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newEntryView(e))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": views,
		"count":   len(views),
	})
}

// handleEnqueue handles POST /api/v1/queue/entries. Enqueueing a guild that
// already has an entry returns that entry with 200.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	req.GuildID = strings.TrimSpace(req.GuildID)
	if req.GuildID == "" || strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Realm) == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "guildId, name and realm are required", nil)
		return
	}
	region, ok := types.ParseRegion(req.Region)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Unsupported region", map[string]interface{}{
			"region": req.Region,
		})
		return
	}
	if req.Priority != nil && *req.Priority < 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "priority cannot be negative", nil)
		return
	}

	entry, created, err := s.queue.Enqueue(r.Context(), queue.Guild{
		ID:     req.GuildID,
		Name:   strings.TrimSpace(req.Name),
		Realm:  strings.TrimSpace(req.Realm),
		Region: region,
	}, req.Priority)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, newEntryView(entry))
}

// handleGetEntry handles GET /api/v1/queue/entries/{guildId}
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.queue.Get(r.Context(), mux.Vars(r)["guildId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newEntryView(entry))
}

// handlePause handles POST /api/v1/queue/entries/{guildId}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	entry, err := s.queue.Pause(r.Context(), mux.Vars(r)["guildId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newEntryView(entry))
}

// handleResume handles POST /api/v1/queue/entries/{guildId}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	entry, err := s.queue.Resume(r.Context(), mux.Vars(r)["guildId"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newEntryView(entry))
}
