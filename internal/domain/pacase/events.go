package pacase

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a case event.
type EventType string

const (
	EventCaseCreated    EventType = "CaseCreated"
	EventStageCompleted EventType = "StageCompleted"
	EventCaseCompleted  EventType = "CaseCompleted"
	EventCaseFailed     EventType = "CaseFailed"
	EventCaseReset      EventType = "CaseReset"
)

// AggregateType is stored with every event.
const AggregateType = "PACase"

// Event is one recorded change to a case.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	FormVersion   string          `json:"form_version,omitempty"`
	Fingerprint   string          `json:"fingerprint,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(caseID string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   caseID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// Terminal reports whether the event ends a run of the case.
func (e *Event) Terminal() bool {
	return e.EventType == EventCaseCompleted || e.EventType == EventCaseFailed
}

// CaseCreatedData starts a run.
type CaseCreatedData struct {
	CaseID      string `json:"case_id"`
	FormVersion string `json:"form_version"`
	Fingerprint string `json:"fingerprint"`
}

// StageCompletedData records one finished stage.
type StageCompletedData struct {
	Stage  Stage  `json:"stage"`
	Detail string `json:"detail,omitempty"`
}

// Summary is the outcome of a completed run.
type Summary struct {
	Fields          int    `json:"fields"`
	Resolved        int    `json:"resolved"`
	Ambiguous       int    `json:"ambiguous"`
	Unresolved      int    `json:"unresolved"`
	RequiredMissing int    `json:"required_missing"`
	ContentDigest   string `json:"field_content_digest"`
	Truncated       bool   `json:"source_truncated,omitempty"`
	Degraded        int    `json:"degraded_contexts,omitempty"`
}

// CaseCompletedData closes a successful run.
type CaseCompletedData struct {
	CaseID      string  `json:"case_id"`
	FormVersion string  `json:"form_version"`
	Fingerprint string  `json:"fingerprint"`
	Summary     Summary `json:"summary"`
}

// CaseFailedData closes a failed run.
type CaseFailedData struct {
	CaseID      string `json:"case_id"`
	FormVersion string `json:"form_version"`
	Stage       Stage  `json:"stage"`
	Error       string `json:"error"`
}

// CaseResetData reopens a finished case because its inputs changed.
type CaseResetData struct {
	CaseID         string `json:"case_id"`
	FormVersion    string `json:"form_version"`
	Fingerprint    string `json:"fingerprint"`
	OldFingerprint string `json:"old_fingerprint"`
}

// WithCorrelation sets the correlation id.
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}
