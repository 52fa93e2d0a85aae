package models

import "time"

type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventDelayed   EventType = "delayed"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
	EventCancelled EventType = "cancelled"
	EventPaused    EventType = "paused"
	EventResumed   EventType = "resumed"
)

// JobEvent is a queue lifecycle notification. JobID is empty for
// queue-wide events such as paused and resumed.
type JobEvent struct {
	Type    EventType `json:"type"`
	JobID   string    `json:"job_id,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Err     string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
