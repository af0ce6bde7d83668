// Package contextgen produces the question and clinical framing for each
// form field, once per form version.
package contextgen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/drfirst/go-pafill/internal/collaborator"
	"github.com/drfirst/go-pafill/internal/domain/answer"
	"github.com/drfirst/go-pafill/internal/domain/form"
	"github.com/drfirst/go-pafill/internal/faults"
	"github.com/drfirst/go-pafill/internal/observability/metrics"
)

// Generator caches contexts by (form version, field ID). Concurrent requests
// for the same key share one collaborator call.
type Generator struct {
	gen     collaborator.TextGenerator
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	mu    sync.RWMutex
	cache map[cacheKey]answer.FieldContext
	group singleflight.Group
}

type cacheKey struct {
	formVersion string
	fieldID     string
}

func (k cacheKey) String() string { return k.formVersion + "\x00" + k.fieldID }

// New creates a generator. gen should already carry the retry policy.
func New(gen collaborator.TextGenerator, m *metrics.Metrics, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		gen:     gen,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("contextgen"),
		cache:   make(map[cacheKey]answer.FieldContext),
	}
}

// Generate returns one context per schema field, in schema order. Only a
// terminal collaborator error fails the call; anything else degrades the
// affected field to the templated fallback.
func (g *Generator) Generate(ctx context.Context, schema *form.Schema, limit int) ([]answer.FieldContext, error) {
	ctx, span := g.tracer.Start(ctx, "contextgen_generate",
		trace.WithAttributes(
			attribute.String("form_version", schema.FormVersion),
			attribute.Int("fields", len(schema.Fields)),
		))
	defer span.End()

	out := make([]answer.FieldContext, len(schema.Fields))
	eg, egCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		eg.SetLimit(limit)
	}
	for i, fd := range schema.Fields {
		eg.Go(func() error {
			fc, err := g.Context(egCtx, schema, fd)
			if err != nil {
				return err
			}
			out[i] = fc
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// Context returns the context for one field.
func (g *Generator) Context(ctx context.Context, schema *form.Schema, fd form.FieldDescriptor) (answer.FieldContext, error) {
	key := cacheKey{formVersion: schema.FormVersion, fieldID: fd.ID}

	if fc, ok := g.lookup(key); ok {
		g.metrics.ContextLookup(true)
		return fc, nil
	}
	g.metrics.ContextLookup(false)

	// The shared call must outlive any single waiter's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key.String(), func() (interface{}, error) {
		if fc, ok := g.lookup(key); ok {
			return fc, nil
		}
		return g.generate(shared, key, schema, fd)
	})

	select {
	case <-ctx.Done():
		return answer.FieldContext{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return answer.FieldContext{}, res.Err
		}
		return res.Val.(answer.FieldContext), nil
	}
}

func (g *Generator) generate(ctx context.Context, key cacheKey, schema *form.Schema, fd form.FieldDescriptor) (answer.FieldContext, error) {
	resp, err := g.gen.Generate(ctx, collaborator.Request{
		PromptKind:  collaborator.PromptContextualize,
		FieldID:     fd.ID,
		FieldLabel:  fd.DisplayLabel(),
		Kind:        fd.Kind,
		Options:     fd.Constraints.Options,
		PageContext: schema.PageLabels(fd.Page),
	})
	if err == nil && (resp == nil || strings.TrimSpace(resp.Question) == "") {
		err = fmt.Errorf("%w: empty question", collaborator.ErrMalformedResponse)
	}
	if err != nil {
		if collaborator.IsTerminal(err) {
			return answer.FieldContext{}, &faults.ContextGenerationError{FieldID: fd.ID, Err: err}
		}
		g.metrics.ContextFallback()
		g.logger.Warn("context generation failed, using fallback",
			zap.String("form_version", key.formVersion),
			zap.String("field_id", fd.ID),
			zap.Error(&faults.ContextGenerationError{FieldID: fd.ID, Err: err}))
		// Degraded contexts stay out of the cache.
		return Fallback(fd), nil
	}

	fc := answer.FieldContext{
		FieldID:         fd.ID,
		Question:        strings.TrimSpace(resp.Question),
		ClinicalContext: limitWords(strings.TrimSpace(resp.ClinicalContext), maxContextWords),
	}
	if fc.ClinicalContext == "" {
		fc.ClinicalContext = Fallback(fd).ClinicalContext
	}

	g.mu.Lock()
	g.cache[key] = fc
	g.mu.Unlock()
	return fc, nil
}

func (g *Generator) lookup(key cacheKey) (answer.FieldContext, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fc, ok := g.cache[key]
	return fc, ok
}

// Forget drops cached contexts for a form version.
func (g *Generator) Forget(formVersion string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.cache {
		if k.formVersion == formVersion {
			delete(g.cache, k)
		}
	}
}

const maxContextWords = 25

// Fallback builds a templated context from the field's label and kind.
func Fallback(fd form.FieldDescriptor) answer.FieldContext {
	label := fd.DisplayLabel()
	var question string
	switch fd.Kind {
	case form.KindCheckbox:
		question = fmt.Sprintf("Does the referral indicate %q?", label)
	case form.KindDate:
		question = fmt.Sprintf("What date does the referral give for %q?", label)
	case form.KindChoice:
		question = fmt.Sprintf("Which option applies for %q?", label)
		if len(fd.Constraints.Options) > 0 {
			question += " Options: " + strings.Join(fd.Constraints.Options, ", ") + "."
		}
	default:
		question = fmt.Sprintf("What is the %s?", label)
	}
	return answer.FieldContext{
		FieldID:         fd.ID,
		Question:        question,
		ClinicalContext: fmt.Sprintf("Prior authorization form field %q (%s) on page %d.", label, fd.Kind, fd.Page),
		Degraded:        true,
	}
}

func limitWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}

// IsTerminal reports whether err from Generate should abort the case.
func IsTerminal(err error) bool {
	var cge *faults.ContextGenerationError
	return errors.As(err, &cge) && collaborator.IsTerminal(err)
}
