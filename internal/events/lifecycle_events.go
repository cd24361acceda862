package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies one attempt lifecycle event
type EventType string

const (
	EventAttemptStarted   EventType = "attempt.started"
	EventAttemptSubmitted EventType = "attempt.submitted"
	EventResultsPublished EventType = "assessment.results_published"
)

// LifecycleEvent is the envelope every published event shares
type LifecycleEvent struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Version   string      `json:"version"`
	Data      interface{} `json:"data"`
}

type AttemptStartedEvent struct {
	AttemptID    string    `json:"attempt_id"`
	AssessmentID string    `json:"assessment_id"`
	StudentID    string    `json:"student_id"`
	Resumed      bool      `json:"resumed"`
	StartedAt    time.Time `json:"started_at"`
}

type AttemptSubmittedEvent struct {
	AttemptID       string    `json:"attempt_id"`
	AssessmentID    string    `json:"assessment_id"`
	StudentID       string    `json:"student_id"`
	SubmittedAt     time.Time `json:"submitted_at"`
	TotalScore      int       `json:"total_score"`
	ResultsReleased bool      `json:"results_released"`
}

type ResultsPublishedEvent struct {
	AssessmentID string    `json:"assessment_id"`
	PublishedBy  string    `json:"published_by"`
	PublishedAt  time.Time `json:"published_at"`
}

// NewLifecycleEvent wraps a payload in the standard envelope
func NewLifecycleEvent(eventType EventType, data interface{}) *LifecycleEvent {
	return &LifecycleEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    "assessment-service",
		Version:   "1.0",
		Data:      data,
	}
}
