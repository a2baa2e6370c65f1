package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/domain"
	"github.com/iago/research-agent/internal/errors"
	"github.com/iago/research-agent/internal/events"
	"github.com/iago/research-agent/internal/http/middleware"
	"github.com/iago/research-agent/internal/logger"
	"github.com/iago/research-agent/internal/queue"
	"github.com/iago/research-agent/internal/service"
)

const (
	maxBodyBytes      = 64 << 10
	statsRecentJobs   = 50
	idempotencyTTL    = 24 * time.Hour
	defaultKeepAlive  = 15 * time.Second
	minIdempotencyKey = 16
	maxIdempotencyKey = 128
)

var errInvalidPayload = errors.New("invalid payload")

// ResearchService is the part of service.ResearchService the API serves.
type ResearchService interface {
	Submit(ctx context.Context, request service.SubmitRequest) (service.JobHandle, error)
	Job(ctx context.Context, jobID string) (*domain.Job, error)
	Cancel(ctx context.Context, jobID string) (*domain.Job, error)
	Stream(ctx context.Context, jobID string, cursor int64, view events.View) (<-chan domain.JobEvent, error)
	Stats(ctx context.Context, limit int) (service.Stats, error)
}

type Options struct {
	// KeepAlive is the interval between SSE comment frames.
	KeepAlive time.Duration
	Logger    *zap.SugaredLogger
}

type API struct {
	research    ResearchService
	idempotency *idempotencyStore
	keepAlive   time.Duration
	logger      *zap.SugaredLogger
}

func NewAPI(research ResearchService, opts Options) *API {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	return &API{
		research:    research,
		idempotency: newIdempotencyStore(idempotencyTTL),
		keepAlive:   opts.KeepAlive,
		logger:      logger.OrNop(opts.Logger).Named("http"),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.IsValidation(err):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, errors.ErrGone):
		writeError(w, r, http.StatusGone, "stream_expired", "job events are no longer retained")
	case errors.Is(err, errors.ErrQuotaExceeded):
		writeError(w, r, http.StatusPaymentRequired, "quota_exceeded", "research credits exhausted")
	case errors.Is(err, queue.ErrBackpressure):
		w.Header().Set("Retry-After", "2")
		writeError(w, r, http.StatusServiceUnavailable, "queue_full", "too many pending jobs, retry shortly")
	case errors.Is(err, errors.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", "job is not in a state that allows this operation")
	default:
		api.logger.Errorw("request failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

type idempotencyEntry struct {
	PayloadHash uint64
	Handle      service.JobHandle
	CreatedAt   time.Time
}

// idempotencyStore remembers accepted submissions per caller and key so a
// retried POST returns the original job.
type idempotencyStore struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]idempotencyEntry
}

func newIdempotencyStore(ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{
		ttl:     ttl,
		entries: make(map[string]idempotencyEntry),
	}
}

func (s *idempotencyStore) Get(key string) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && time.Since(entry.CreatedAt) > s.ttl {
		delete(s.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, ok
}

func (s *idempotencyStore) Put(key string, payloadHash uint64, handle service.JobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for existing, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, existing)
		}
	}
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		Handle:      handle,
		CreatedAt:   now,
	}
}
