package handlers

import (
	"encoding/json"
	"hash/fnv"
	"net/http"
	"strings"
	"time"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/http/middleware"
	"github.com/iago/research-agent/internal/service"
)

type researchRequest struct {
	Query    string `json:"query"`
	TopK     int    `json:"top_k,omitempty"`
	Deep     bool   `json:"deep,omitempty"`
	WarmCard *bool  `json:"warm_card,omitempty"`
}

type jobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type jobResponse struct {
	JobID           string           `json:"job_id"`
	Status          domain.JobStatus `json:"status"`
	Query           string           `json:"query"`
	TopK            int              `json:"top_k"`
	Lane            domain.Lane      `json:"lane"`
	TotalCards      int              `json:"total_cards"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
	Error           *jobError        `json:"error,omitempty"`
}

func newJobResponse(job *domain.Job) jobResponse {
	response := jobResponse{
		JobID:           job.ID,
		Status:          job.Status,
		Query:           job.Query,
		TopK:            job.TopK,
		Lane:            job.Lane,
		TotalCards:      job.TotalCards,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		FinishedAt:      job.FinishedAt,
	}
	if strings.TrimSpace(job.ErrorCode) != "" {
		response.Error = &jobError{Code: job.ErrorCode, Message: job.ErrorMessage}
	}
	return response
}

// Submit accepts a research request and answers 202 before any work runs.
// A repeated Idempotency-Key with the same payload returns the original job.
func (api *API) Submit(w http.ResponseWriter, r *http.Request) {
	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey != "" && (len(idempotencyKey) < minIdempotencyKey || len(idempotencyKey) > maxIdempotencyKey) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key must be 16 to 128 characters")
		return
	}

	var request researchRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	user := middleware.GetUser(r.Context())
	storeKey := user + "\x00" + idempotencyKey
	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		if entry, exists := api.idempotency.Get(storeKey); exists {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
				return
			}
			api.writeAccepted(w, entry.Handle)
			return
		}
	}

	handle, err := api.research.Submit(r.Context(), service.SubmitRequest{
		Query:    request.Query,
		TopK:     request.TopK,
		User:     user,
		Deep:     request.Deep,
		WarmCard: request.WarmCard,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	if idempotencyKey != "" {
		api.idempotency.Put(storeKey, payloadHash, handle)
	}
	api.writeAccepted(w, handle)
}

func (api *API) writeAccepted(w http.ResponseWriter, handle service.JobHandle) {
	w.Header().Set("Location", "/v1/research/"+handle.JobID)
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, handle)
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	job, err := api.research.Job(r.Context(), jobID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (api *API) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	job, err := api.research.Cancel(r.Context(), jobID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newJobResponse(job))
}

func (api *API) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.research.Stats(r.Context(), statsRecentJobs)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
