package analytics

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an onboarding analytics event.
type EventType string

const (
	EventSessionStart    EventType = "onboarding_session_start"
	EventSessionComplete EventType = "onboarding_session_complete"
	EventSessionAbandon  EventType = "onboarding_session_abandon"
	EventStepStart       EventType = "onboarding_step_start"
	EventStepComplete    EventType = "onboarding_step_complete"
	EventStepSkip        EventType = "onboarding_step_skip"
	EventStepError       EventType = "onboarding_step_error"
	EventResumePrompt    EventType = "onboarding_resume_prompt"
	EventResumeAccepted  EventType = "onboarding_resume_accepted"
	EventResumeDismissed EventType = "onboarding_resume_dismissed"
)

// Event is a flat analytics record.
type Event struct {
	ID              string                 `json:"id"`
	Type            EventType              `json:"type"`
	UserID          string                 `json:"user_id"`
	Role            string                 `json:"role"`
	StepID          string                 `json:"step_id,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	DurationSeconds float64                `json:"duration_seconds,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(typ EventType, userID, role, stepID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		UserID:    userID,
		Role:      role,
		StepID:    stepID,
		Timestamp: time.Now().UTC(),
	}
}

// With sets a metadata key and returns the event.
func (e Event) With(key string, value interface{}) Event {
	md := make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}
