// Package collaborator defines the external services the pipeline depends on
// and the retry policy every call to them goes through.
package collaborator

import (
	"context"
	"errors"

	"github.com/drfirst/go-pafill/internal/domain/form"
	"github.com/drfirst/go-pafill/pkg/circuitbreaker"
)

// PromptKind selects what the text-generation service is asked to do.
type PromptKind string

const (
	PromptContextualize PromptKind = "contextualize"
	PromptExtract       PromptKind = "extract"
)

// Request is a typed text-generation request.
type Request struct {
	PromptKind      PromptKind `json:"prompt_kind"`
	FieldID         string     `json:"field_id"`
	FieldLabel      string     `json:"field_label"`
	Kind            form.Kind  `json:"kind"`
	Options         []string   `json:"options,omitempty"`
	PageContext     []string   `json:"page_context,omitempty"`
	Question        string     `json:"question,omitempty"`
	ClinicalContext string     `json:"clinical_context,omitempty"`
	SourceText      string     `json:"source_text,omitempty"`
}

// Candidate is one value the service found for a field.
type Candidate struct {
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
	Excerpt    string   `json:"source_excerpt,omitempty"`
	Page       int      `json:"page,omitempty"`
}

// Response is a typed text-generation response. Absent is an explicit "not
// found", distinct from an empty value.
type Response struct {
	Question        string      `json:"question,omitempty"`
	ClinicalContext string      `json:"clinical_context,omitempty"`
	Value           *string     `json:"value,omitempty"`
	Confidence      *float64    `json:"confidence,omitempty"`
	Excerpt         string      `json:"source_excerpt,omitempty"`
	Page            int         `json:"page,omitempty"`
	Absent          bool        `json:"absent"`
	Candidates      []Candidate `json:"candidates,omitempty"`
}

// TextGenerator answers contextualization and extraction prompts.
type TextGenerator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Segment is referral text with page provenance.
type Segment struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

// OCR turns a scanned or born-digital referral document into text segments.
type OCR interface {
	Extract(ctx context.Context, document []byte) ([]Segment, error)
}

// Sentinel errors adapters wrap so the retry policy can classify them.
var (
	ErrTimeout           = errors.New("collaborator timed out")
	ErrRateLimited       = errors.New("collaborator rate limited")
	ErrUnavailable       = errors.New("collaborator unavailable")
	ErrMalformedResponse = errors.New("collaborator returned a malformed response")
	ErrMalformedInput    = errors.New("collaborator rejected the input")
	ErrUnauthorized      = errors.New("collaborator rejected credentials")
)

// IsTerminal reports errors that retrying cannot fix. They abort the case.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrMalformedInput) || errors.Is(err, ErrUnauthorized)
}

// IsRetryable reports errors worth another attempt. Anything not known to be
// terminal is treated as transient.
func IsRetryable(err error) bool {
	if err == nil || IsTerminal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// outcome labels an attempt for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return "timeout"
	case IsTerminal(err):
		return "terminal"
	default:
		return "error"
	}
}

// GeneratorFunc adapts a function to TextGenerator.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// OCRFunc adapts a function to OCR.
type OCRFunc func(ctx context.Context, document []byte) ([]Segment, error)

// Extract calls f.
func (f OCRFunc) Extract(ctx context.Context, document []byte) ([]Segment, error) {
	return f(ctx, document)
}
