package httpserver

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/iago/research-agent/internal/http/handlers"
	"github.com/iago/research-agent/internal/http/middleware"
	"github.com/iago/research-agent/internal/metrics"
)

type RouterDependencies struct {
	API         *handlers.API
	Logger      *zap.SugaredLogger
	AuthTokens  map[string]string
	CORSOrigins []string
	RateLimiter *middleware.RateLimiter
	// HTTPMetrics and MetricsHandler are optional.
	HTTPMetrics    *metrics.HTTPMiddleware
	MetricsHandler http.Handler
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.API.Health)
	mux.HandleFunc("POST /v1/research", deps.API.Submit)
	mux.HandleFunc("GET /v1/research/{id}", deps.API.JobStatus)
	mux.HandleFunc("POST /v1/research/{id}/cancel", deps.API.Cancel)
	mux.HandleFunc("GET /v1/research/{id}/stream", deps.API.Stream)
	mux.HandleFunc("GET /v1/research/{id}/cards/stream", deps.API.CardsStream)
	mux.HandleFunc("GET /v1/stats", deps.API.Stats)
	if deps.MetricsHandler != nil {
		mux.Handle("GET /metrics", deps.MetricsHandler)
	}

	handler := http.Handler(mux)
	if deps.HTTPMetrics != nil {
		handler = deps.HTTPMetrics.Handler(handler)
	}
	handler = middleware.Auth(deps.AuthTokens)(handler)
	if deps.RateLimiter != nil {
		handler = deps.RateLimiter.Middleware(handler)
	}
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
