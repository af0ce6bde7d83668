// Package resolver finds each field's answer in the referral text and
// classifies how much it can be trusted.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-pafill/internal/collaborator"
	"github.com/drfirst/go-pafill/internal/domain/answer"
	"github.com/drfirst/go-pafill/internal/domain/form"
	"github.com/drfirst/go-pafill/internal/faults"
	"github.com/drfirst/go-pafill/internal/observability/metrics"
)

// Config tunes classification and source windowing.
type Config struct {
	ConfidenceThreshold float64
	ConflictMargin      float64
	DefaultConfidence   float64
	Window              WindowOptions
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.5,
		ConflictMargin:      0.15,
		DefaultConfidence:   0.7,
		Window: WindowOptions{
			Policy:        PolicyWindow,
			MaxChars:      24000,
			WindowChars:   2000,
			WindowOverlap: 200,
		},
	}
}

// Resolver resolves fields one collaborator call at a time.
type Resolver struct {
	gen     collaborator.TextGenerator
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a resolver. gen should already carry the retry policy.
func New(gen collaborator.TextGenerator, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		gen:     gen,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("resolver"),
	}
}

// ResolveAll resolves every schema field. contexts must be in schema order.
// The returned set has exactly one entry per field. Only terminal
// collaborator errors and cancellation fail the call.
func (r *Resolver) ResolveAll(ctx context.Context, doc Document, schema *form.Schema, contexts []answer.FieldContext, limit int) (answer.Set, error) {
	if len(contexts) != len(schema.Fields) {
		return nil, fmt.Errorf("resolver: %d contexts for %d fields", len(contexts), len(schema.Fields))
	}

	results := make([]answer.ResolvedAnswer, len(schema.Fields))
	eg, egCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		eg.SetLimit(limit)
	}
	for i, fd := range schema.Fields {
		eg.Go(func() error {
			a, err := r.Resolve(egCtx, doc, fd, contexts[i])
			if err != nil {
				return err
			}
			results[i] = a
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	set := make(answer.Set, len(results))
	for _, a := range results {
		set[a.FieldID] = a
	}
	return set, nil
}

// Resolve resolves one field.
func (r *Resolver) Resolve(ctx context.Context, doc Document, fd form.FieldDescriptor, fc answer.FieldContext) (answer.ResolvedAnswer, error) {
	ctx, span := r.tracer.Start(ctx, "resolve_field",
		trace.WithAttributes(
			attribute.String("field_id", fd.ID),
			attribute.String("kind", string(fd.Kind)),
		))
	defer span.End()

	if doc.Empty() {
		return answer.Unresolved(fd.ID, "referral has no text"), nil
	}

	query := strings.Join([]string{fd.DisplayLabel(), fc.Question, fc.ClinicalContext}, " ")
	src, err := SelectSource(doc, query, r.cfg.Window)
	if err != nil {
		return answer.Unresolved(fd.ID, err.Error()), nil
	}
	if src.Truncated {
		r.metrics.SourceTruncated()
		span.SetAttributes(attribute.Bool("truncated", true))
	}

	resp, err := r.gen.Generate(ctx, collaborator.Request{
		PromptKind:      collaborator.PromptExtract,
		FieldID:         fd.ID,
		FieldLabel:      fd.DisplayLabel(),
		Kind:            fd.Kind,
		Options:         fd.Constraints.Options,
		Question:        fc.Question,
		ClinicalContext: fc.ClinicalContext,
		SourceText:      src.Text,
	})
	if err != nil {
		if collaborator.IsTerminal(err) {
			return answer.ResolvedAnswer{}, &faults.ResolutionError{FieldID: fd.ID, Err: err}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return answer.ResolvedAnswer{}, ctxErr
		}
		r.logger.Warn("field resolution failed",
			zap.String("field_id", fd.ID),
			zap.Error(&faults.ResolutionError{FieldID: fd.ID, Err: err}))
		a := answer.Unresolved(fd.ID, "resolution failed: "+err.Error())
		a.Truncated = src.Truncated
		return a, nil
	}

	a := r.classify(fd, resp, queryTerms(fd.DisplayLabel()+" "+fc.Question))
	a.Truncated = src.Truncated
	return a, nil
}

// classify turns a collaborator response into an answer.
func (r *Resolver) classify(fd form.FieldDescriptor, resp *collaborator.Response, terms map[string]bool) answer.ResolvedAnswer {
	if resp == nil || resp.Absent {
		return answer.Unresolved(fd.ID, "not found in referral")
	}

	var cands []collaborator.Candidate
	if resp.Value != nil {
		cands = append(cands, collaborator.Candidate{
			Value:      *resp.Value,
			Confidence: resp.Confidence,
			Excerpt:    resp.Excerpt,
			Page:       resp.Page,
		})
	}
	cands = append(cands, resp.Candidates...)

	usable := cands[:0:0]
	for _, c := range cands {
		c.Value = strings.TrimSpace(c.Value)
		if c.Value == "" || IsPlaceholder(c.Value) {
			continue
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return answer.Unresolved(fd.ID, "no usable value in referral")
	}

	scored := make([]scoredCandidate, len(usable))
	for i, c := range usable {
		conf := r.cfg.DefaultConfidence
		if c.Confidence != nil {
			conf = clamp(*c.Confidence)
		}
		scored[i] = scoredCandidate{Candidate: c, confidence: conf, relevance: score(c.Excerpt, terms), order: i}
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].before(scored[b]) })

	winner := scored[0]
	a := answer.ResolvedAnswer{
		FieldID:         fd.ID,
		RawValue:        winner.Value,
		NormalizedValue: winner.Value,
		Confidence:      winner.confidence,
		SourceExcerpt:   strings.TrimSpace(winner.Excerpt),
		SourcePage:      winner.Page,
		Status:          answer.StatusResolved,
	}

	var discarded []string
	seen := map[string]bool{valueKey(winner.Value): true}
	conflict := false
	for _, c := range scored[1:] {
		key := valueKey(c.Value)
		if seen[key] {
			continue
		}
		seen[key] = true
		discarded = append(discarded, c.Value)
		if winner.confidence-c.confidence <= r.cfg.ConflictMargin {
			conflict = true
		}
	}

	switch {
	case conflict:
		a.Status = answer.StatusAmbiguous
		a.Reason = "conflicting values in referral"
	case a.Confidence < r.cfg.ConfidenceThreshold:
		a.Status = answer.StatusAmbiguous
		a.Reason = fmt.Sprintf("confidence %.2f below threshold %.2f", a.Confidence, r.cfg.ConfidenceThreshold)
	}
	if a.Status == answer.StatusAmbiguous {
		a.Discarded = discarded
	}
	return a
}

type scoredCandidate struct {
	collaborator.Candidate
	confidence float64
	relevance  float64
	order      int
}

// before orders by confidence, then excerpt length, then overlap with the
// field's own wording, then arrival.
func (c scoredCandidate) before(o scoredCandidate) bool {
	if c.confidence != o.confidence {
		return c.confidence > o.confidence
	}
	if len(c.Excerpt) != len(o.Excerpt) {
		return len(c.Excerpt) > len(o.Excerpt)
	}
	if c.relevance != o.relevance {
		return c.relevance > o.relevance
	}
	return c.order < o.order
}

var placeholders = map[string]bool{
	"not documented":   true,
	"not specified":    true,
	"not available":    true,
	"not applicable":   true,
	"not provided":     true,
	"not found":        true,
	"none documented":  true,
	"no documentation": true,
	"n/a":              true,
	"null":             true,
	"unknown":          true,
}

// IsPlaceholder reports filler text that stands for "no answer".
func IsPlaceholder(v string) bool {
	v = strings.ToLower(strings.Trim(strings.TrimSpace(v), ".!"))
	return placeholders[v]
}

func valueKey(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// IsTerminal reports whether err from ResolveAll should abort the case.
func IsTerminal(err error) bool {
	var re *faults.ResolutionError
	return errors.As(err, &re)
}
