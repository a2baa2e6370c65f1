package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iago/research-agent/internal/events"
)

// Stream serves every event of a job as text/event-stream.
func (api *API) Stream(w http.ResponseWriter, r *http.Request) {
	api.serveEvents(w, r, events.ViewLifecycle)
}

// CardsStream serves only card events and the terminal event.
func (api *API) CardsStream(w http.ResponseWriter, r *http.Request) {
	api.serveEvents(w, r, events.ViewCards)
}

func (api *API) serveEvents(w http.ResponseWriter, r *http.Request, view events.View) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	cursor, ok := parseCursor(r)
	if jobID == "" || !ok {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid job id or cursor")
		return
	}

	ctx := r.Context()
	stream, err := api.research.Stream(ctx, jobID, cursor, view)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	controller := http.NewResponseController(w)
	_ = controller.SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := controller.Flush(); err != nil {
		api.logger.Warnw("response does not support streaming", "job_id", jobID, "error", err)
		return
	}

	keepAlive := time.NewTicker(api.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-stream:
			if !open {
				return
			}
			if err := events.WriteSSE(w, event.Sequence, string(event.Type), event.Payload); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := events.WriteKeepAlive(w); err != nil {
				return
			}
		}
		if err := controller.Flush(); err != nil {
			return
		}
	}
}

// parseCursor reads the resume position from Last-Event-ID, falling back to
// the cursor query parameter. No cursor replays from the start.
func parseCursor(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("cursor"))
	}
	if raw == "" {
		return 0, true
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, false
	}
	return cursor, true
}
