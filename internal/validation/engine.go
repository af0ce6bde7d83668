// Package validation normalizes resolved values per field kind and enforces
// field constraints. It can only downgrade an answer's status.
package validation

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/domain/answer"
	"github.com/drfirst/go-pafill/internal/domain/form"
	"github.com/drfirst/go-pafill/internal/faults"
)

// Failure is a constraint violation and the status it demands.
type Failure struct {
	Status answer.Status
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

func ambiguous(format string, args ...any) *Failure {
	return &Failure{Status: answer.StatusAmbiguous, Reason: fmt.Sprintf(format, args...)}
}

func unresolved(format string, args ...any) *Failure {
	return &Failure{Status: answer.StatusUnresolved, Reason: fmt.Sprintf(format, args...)}
}

// Handler normalizes value for fd or reports why it cannot.
type Handler func(fd form.FieldDescriptor, value string) (string, *Failure)

// Options tunes the engine.
type Options struct {
	// AllowTextTruncation cuts over-long text instead of rejecting it.
	AllowTextTruncation bool
}

// Engine dispatches each answer to the handler for its field kind.
type Engine struct {
	handlers map[form.Kind]Handler
	logger   *zap.Logger
}

// New builds an engine for one form. profile may be nil.
func New(opts Options, profile *form.Profile, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	vocab := NewVocabulary(profile)
	return &Engine{
		handlers: map[form.Kind]Handler{
			form.KindText:     textHandler(opts.AllowTextTruncation),
			form.KindCheckbox: checkboxHandler(vocab),
			form.KindDate:     dateHandler,
			form.KindChoice:   choiceHandler(opts.AllowTextTruncation),
		},
		logger: logger,
	}
}

// Validate returns a with NormalizedValue set, or with its status lowered
// and the reason recorded. Unresolved answers pass through untouched.
func (e *Engine) Validate(fd form.FieldDescriptor, a answer.ResolvedAnswer) answer.ResolvedAnswer {
	if a.Status == answer.StatusUnresolved || strings.TrimSpace(a.RawValue) == "" {
		a.NormalizedValue = ""
		if a.Status != answer.StatusUnresolved {
			a.Status = answer.StatusUnresolved
			a.Reason = joinReason(a.Reason, "empty value")
		}
		return a
	}

	h, ok := e.handlers[fd.Kind]
	if !ok {
		return e.reject(fd, a, unresolved("no handler for kind %q", fd.Kind))
	}

	value, fail := h(fd, a.RawValue)
	if fail != nil {
		return e.reject(fd, a, fail)
	}
	a.NormalizedValue = value
	return a
}

// ValidateAll validates every answer of the schema. Fields missing from set
// come back unresolved so the result always covers the schema.
func (e *Engine) ValidateAll(schema *form.Schema, set answer.Set) answer.Set {
	out := make(answer.Set, len(schema.Fields))
	for _, fd := range schema.Fields {
		a, ok := set[fd.ID]
		if !ok {
			a = answer.Unresolved(fd.ID, "no answer produced")
		}
		out[fd.ID] = e.Validate(fd, a)
	}
	return out
}

func (e *Engine) reject(fd form.FieldDescriptor, a answer.ResolvedAnswer, f *Failure) answer.ResolvedAnswer {
	e.logger.Debug("value rejected",
		zap.String("field_id", fd.ID),
		zap.String("kind", string(fd.Kind)),
		zap.Error(&faults.ValidationError{FieldID: fd.ID, Reason: f.Reason}))

	a.Status = answer.Downgrade(a.Status, f.Status)
	a.Reason = joinReason(a.Reason, f.Reason)
	a.NormalizedValue = ""
	return a
}

func joinReason(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
