// Package pacase implements the event-sourced prior authorization case and
// its stage machine.
package pacase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Stage is a position in the case lifecycle.
type Stage string

const (
	StageCreated           Stage = "Created"
	StageSchemaExtracted   Stage = "SchemaExtracted"
	StageContextsGenerated Stage = "ContextsGenerated"
	StageAnswersResolved   Stage = "AnswersResolved"
	StageValidated         Stage = "Validated"
	StageFilled            Stage = "Filled"
	StageReported          Stage = "Reported"
	StageDone              Stage = "Done"
	StageFailed            Stage = "Failed"
)

var order = []Stage{
	StageCreated,
	StageSchemaExtracted,
	StageContextsGenerated,
	StageAnswersResolved,
	StageValidated,
	StageFilled,
	StageReported,
	StageDone,
}

// Next returns the stage after s, or "" when s has no successor.
func Next(s Stage) Stage {
	for i, o := range order {
		if o == s && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

var (
	ErrInvalidTransition = errors.New("invalid case transition")
	ErrNotFound          = errors.New("case not found")
	ErrConcurrentUpdate  = errors.New("case modified concurrently")
)

// Case is the aggregate root for one patient's form and referral.
type Case struct {
	id          string
	version     int
	stage       Stage
	failedStage Stage
	failure     string
	formVersion string
	fingerprint string
	summary     *Summary
	createdAt   time.Time
	updatedAt   time.Time
	changes     []*Event
}

// New returns an empty case that has not been started.
func New(id string) *Case {
	return &Case{id: id}
}

func (c *Case) ID() string { return c.id }
func (c *Case) Version() int { return c.version }
func (c *Case) Stage() Stage { return c.stage }
func (c *Case) FormVersion() string { return c.formVersion }
func (c *Case) Fingerprint() string { return c.fingerprint }
func (c *Case) CreatedAt() time.Time { return c.createdAt }
func (c *Case) UpdatedAt() time.Time { return c.updatedAt }

// FailedStage is the stage that failed when Stage is StageFailed.
func (c *Case) FailedStage() Stage { return c.failedStage }

// Failure is the recorded error message of a failed run.
func (c *Case) Failure() string { return c.failure }

// Summary is set once the case is Done.
func (c *Case) Summary() *Summary { return c.summary }

// Changes returns uncommitted events.
func (c *Case) Changes() []*Event { return c.changes }

// ClearChanges drops uncommitted events after a save.
func (c *Case) ClearChanges() { c.changes = nil }

// Finished reports whether the case ended its current run.
func (c *Case) Finished() bool { return c.stage == StageDone || c.stage == StageFailed }

// Start begins the first run of a new case.
func (c *Case) Start(formVersion, fingerprint string) error {
	if c.stage != "" {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.stage)
	}
	return c.record(EventCaseCreated, &CaseCreatedData{
		CaseID:      c.id,
		FormVersion: formVersion,
		Fingerprint: fingerprint,
	})
}

// Reset reopens a finished case for a full re-run with new inputs.
func (c *Case) Reset(formVersion, fingerprint string) error {
	if !c.Finished() {
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, c.stage)
	}
	return c.record(EventCaseReset, &CaseResetData{
		CaseID:         c.id,
		FormVersion:    formVersion,
		Fingerprint:    fingerprint,
		OldFingerprint: c.fingerprint,
	})
}

// Advance moves the case to the stage after the current one. Stages
// cannot be skipped and Done is reached through Complete.
func (c *Case) Advance(to Stage, detail string) error {
	if to == StageDone || Next(c.stage) != to {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.stage, to)
	}
	return c.record(EventStageCompleted, &StageCompletedData{Stage: to, Detail: detail})
}

// Complete moves a reported case to Done.
func (c *Case) Complete(summary Summary) error {
	if c.stage != StageReported {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.stage, StageDone)
	}
	return c.record(EventCaseCompleted, &CaseCompletedData{
		CaseID:      c.id,
		FormVersion: c.formVersion,
		Fingerprint: c.fingerprint,
		Summary:     summary,
	})
}

// Fail ends the run in Failed(stage). stage is the stage that was being
// attempted.
func (c *Case) Fail(stage Stage, cause error) error {
	if c.stage == "" || c.Finished() {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, c.stage)
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return c.record(EventCaseFailed, &CaseFailedData{
		CaseID:      c.id,
		FormVersion: c.formVersion,
		Stage:       stage,
		Error:       msg,
	})
}

func (c *Case) record(t EventType, data any) error {
	event, err := NewEvent(c.id, t, data)
	if err != nil {
		return err
	}
	if err := c.apply(event); err != nil {
		return err
	}
	c.changes = append(c.changes, event)
	return nil
}

func (c *Case) apply(event *Event) error {
	switch event.EventType {
	case EventCaseCreated:
		var d CaseCreatedData
		if err := json.Unmarshal(event.EventData, &d); err != nil {
			return err
		}
		c.start(d.FormVersion, d.Fingerprint)
		c.createdAt = event.Timestamp
	case EventCaseReset:
		var d CaseResetData
		if err := json.Unmarshal(event.EventData, &d); err != nil {
			return err
		}
		c.start(d.FormVersion, d.Fingerprint)
	case EventStageCompleted:
		var d StageCompletedData
		if err := json.Unmarshal(event.EventData, &d); err != nil {
			return err
		}
		c.stage = d.Stage
	case EventCaseCompleted:
		var d CaseCompletedData
		if err := json.Unmarshal(event.EventData, &d); err != nil {
			return err
		}
		c.stage = StageDone
		c.summary = &d.Summary
	case EventCaseFailed:
		var d CaseFailedData
		if err := json.Unmarshal(event.EventData, &d); err != nil {
			return err
		}
		c.stage = StageFailed
		c.failedStage = d.Stage
		c.failure = d.Error
	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}

	c.version++
	event.Version = c.version
	event.FormVersion = c.formVersion
	event.Fingerprint = c.fingerprint
	c.updatedAt = event.Timestamp
	return nil
}

func (c *Case) start(formVersion, fingerprint string) {
	c.stage = StageCreated
	c.formVersion = formVersion
	c.fingerprint = fingerprint
	c.failedStage = ""
	c.failure = ""
	c.summary = nil
}

// LoadFromHistory rebuilds state from stored events.
func (c *Case) LoadFromHistory(events []*Event) error {
	for _, e := range events {
		if err := c.apply(e); err != nil {
			return fmt.Errorf("replay %s v%d: %w", e.EventType, e.Version, err)
		}
	}
	return nil
}
