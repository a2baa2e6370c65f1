package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventPlanning   EventType = "planning"
	EventSearching  EventType = "searching"
	EventClustering EventType = "clustering"
	EventFetching   EventType = "fetching"
	EventSynthesis  EventType = "synthesis"
	EventCard       EventType = "card"
	EventUpdate     EventType = "update"
	EventError      EventType = "error"
	EventEnd        EventType = "end"
)

// Terminal reports whether the event closes a job stream.
func (t EventType) Terminal() bool {
	return t == EventEnd || t == EventError
}

// JobEvent is an immutable, ordered record on a job's event log. Sequence
// starts at 1 and grows by exactly 1.
type JobEvent struct {
	JobID     string          `json:"job_id"`
	Sequence  int64           `json:"sequence_number"`
	Type      EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type PlanningPayload struct {
	Query       string   `json:"query"`
	SearchTerms []string `json:"search_terms"`
}

type SearchingPayload struct {
	SearchesCompleted int `json:"searches_completed"`
	URLsFound         int `json:"urls_found"`
}

type ClusteringPayload struct {
	ClustersCreated int      `json:"clusters_created"`
	Domains         []string `json:"domains"`
}

type FetchingPayload struct {
	URLsProcessed   int `json:"urls_processed"`
	TotalURLs       int `json:"total_urls"`
	ProgressPercent int `json:"progress_percent"`
}

type SynthesisPayload struct {
	CardsGenerated int `json:"cards_generated"`
	CardsRejected  int `json:"cards_rejected"`
}

type UpdatePayload struct {
	Stage           string `json:"stage"`
	Message         string `json:"message"`
	ProgressPercent int    `json:"progress_percent"`
	Count           int    `json:"count,omitempty"`
}

type EndPayload struct {
	TotalCards       int   `json:"total_cards"`
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

type ErrorPayload struct {
	Error     string    `json:"error"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
