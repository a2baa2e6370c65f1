package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo encodes the forward-only lifecycle. A pending job may be
// cancelled before any worker claims it.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Lane is a scheduler priority lane.
type Lane string

const (
	LaneHigh    Lane = "high"
	LaneDefault Lane = "default"
	LaneLow     Lane = "low"
)

// Lanes lists lanes in dispatch order.
var Lanes = []Lane{LaneHigh, LaneDefault, LaneLow}

func (l Lane) Valid() bool {
	return l == LaneHigh || l == LaneDefault || l == LaneLow
}

// Job is one research request.
type Job struct {
	ID              string     `json:"id"`
	Query           string     `json:"query"`
	TopK            int        `json:"top_k"`
	Status          JobStatus  `json:"status"`
	Lane            Lane       `json:"lane"`
	CreatedBy       string     `json:"created_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	TotalCards      int        `json:"total_cards"`
	ErrorCode       string     `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
}

// Deep reports whether the job runs on the deep path. Fast-path jobs are
// the only ones queued on the high lane.
func (j Job) Deep() bool {
	return j.Lane != LaneHigh
}

// JobOutcome is the terminal state recorded on a finished job.
type JobOutcome struct {
	// From restricts the transition to jobs currently in that status. Empty
	// accepts any status that can reach Status.
	From         JobStatus
	Status       JobStatus
	TotalCards   int
	ErrorCode    string
	ErrorMessage string
	FinishedAt   time.Time
}

// TaskKind names the handler a queued task is dispatched to.
type TaskKind string

const (
	TaskResearchRun TaskKind = "research.run"
	TaskEventsSweep TaskKind = "events.sweep"
)

// Task is the transport format sent to queue backends.
type Task struct {
	ID          string    `json:"id"`
	Kind        TaskKind  `json:"kind"`
	JobID       string    `json:"job_id,omitempty"`
	Lane        Lane      `json:"lane"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}
