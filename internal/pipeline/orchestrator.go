// Package pipeline sequences the per-case stages and persists each
// transition of the case aggregate.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/artifacts"
	"github.com/drfirst/go-pafill/internal/collaborator"
	"github.com/drfirst/go-pafill/internal/contextgen"
	"github.com/drfirst/go-pafill/internal/domain/answer"
	"github.com/drfirst/go-pafill/internal/domain/form"
	"github.com/drfirst/go-pafill/internal/domain/pacase"
	"github.com/drfirst/go-pafill/internal/faults"
	"github.com/drfirst/go-pafill/internal/filler"
	"github.com/drfirst/go-pafill/internal/observability/metrics"
	"github.com/drfirst/go-pafill/internal/report"
	"github.com/drfirst/go-pafill/internal/resolver"
	"github.com/drfirst/go-pafill/internal/validation"
	"github.com/drfirst/go-pafill/pkg/idempotency"
)

// ErrInvalidInput is returned for inputs that cannot start a case.
var ErrInvalidInput = errors.New("invalid case input")

// Inventory lists the fillable widgets of a form template.
type Inventory interface {
	Inventory(ctx context.Context, template []byte) ([]form.RawField, error)
}

// ProfileSource looks up per-form tuning. A nil profile is valid.
type ProfileSource interface {
	For(formVersion string) *form.Profile
}

// CaseInput is everything one case needs.
type CaseInput struct {
	CaseID      string
	FormVersion string
	Template    []byte
	// Referral is the raw referral document handed to OCR.
	Referral []byte
	// ReferralText skips OCR when the text is already known.
	ReferralText  []collaborator.Segment
	CorrelationID string
}

// Outcome is the result of one RunCase call.
type Outcome struct {
	CaseID      string          `json:"case_id"`
	Stage       pacase.Stage    `json:"stage"`
	FailedStage pacase.Stage    `json:"failed_stage,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	Summary     *pacase.Summary `json:"summary,omitempty"`
	// Reused is set when a Done case was asked to run again with unchanged
	// inputs and nothing was recomputed.
	Reused bool           `json:"reused"`
	Report *report.Report `json:"-"`
}

// Deps are the collaborators and stores a pipeline runs against.
type Deps struct {
	Inventory Inventory
	OCR       collaborator.OCR
	Contexts  *contextgen.Generator
	Resolver  *resolver.Resolver
	Writer    filler.FormWriter
	Store     artifacts.Store
	Repo      pacase.Repository
	Ledger    *idempotency.Ledger
	Profiles  ProfileSource
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Options tunes the stages.
type Options struct {
	FieldConcurrency int
	Validation       validation.Options
	Filler           filler.Options
}

// Orchestrator runs cases.
type Orchestrator struct {
	deps      Deps
	opts      Options
	extractor *form.Extractor
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{
		deps:      deps,
		opts:      opts,
		extractor: form.NewExtractor(deps.Logger),
		logger:    deps.Logger,
		tracer:    otel.Tracer("pipeline"),
	}
}

// Fingerprint identifies a case's inputs.
func Fingerprint(in CaseInput) string {
	referral := in.Referral
	if len(in.ReferralText) > 0 {
		referral = []byte(resolver.Document{Segments: in.ReferralText}.Text())
	}
	return idempotency.Fingerprint(in.CaseID, in.FormVersion, referral)
}

// RunCase runs one case to Done or Failed(stage). A failed case returns a
// *faults.StageError together with its outcome.
func (o *Orchestrator) RunCase(ctx context.Context, in CaseInput) (*Outcome, error) {
	if in.CaseID == "" || in.FormVersion == "" || len(in.Template) == 0 {
		return nil, fmt.Errorf("%w: case id, form version and template are required", ErrInvalidInput)
	}
	if !artifacts.ValidCaseID(in.CaseID) {
		return nil, fmt.Errorf("%w: case id %q cannot name an artifact directory", ErrInvalidInput, in.CaseID)
	}
	if len(in.Referral) == 0 && len(in.ReferralText) == 0 {
		return nil, fmt.Errorf("%w: referral is required", ErrInvalidInput)
	}

	fp := Fingerprint(in)
	if o.deps.Ledger == nil {
		return o.run(ctx, in, fp)
	}

	if err := o.supersedeStale(ctx, in.CaseID, fp); err != nil {
		return nil, err
	}

	var (
		outcome *Outcome
		runErr  error
	)
	claim := idempotency.Claim{Fingerprint: fp, CaseID: in.CaseID, FormVersion: in.FormVersion}
	res, err := o.deps.Ledger.Run(ctx, claim, func(ctx context.Context) (json.RawMessage, error) {
		outcome, runErr = o.run(ctx, in, fp)
		if runErr != nil {
			return nil, runErr
		}
		return json.Marshal(outcome)
	})
	if err != nil {
		return outcome, err
	}
	if res.Replayed {
		var stored Outcome
		if err := json.Unmarshal(res.Outcome, &stored); err != nil {
			return nil, fmt.Errorf("decode stored outcome: %w", err)
		}
		stored.Reused = true
		o.logger.Info("case inputs unchanged, reusing outcome",
			zap.String("case_id", in.CaseID),
			zap.String("fingerprint", fp),
			zap.Int("attempts", res.Attempts))
		return &stored, nil
	}
	return outcome, nil
}

// supersedeStale reopens the ledger entry for fp unless the stored case is
// Done with exactly these inputs. A case that ran A, then B, then A again
// must reprocess A rather than replay its first outcome.
func (o *Orchestrator) supersedeStale(ctx context.Context, caseID, fp string) error {
	c, err := o.deps.Repo.Load(ctx, caseID)
	switch {
	case errors.Is(err, pacase.ErrNotFound):
	case err != nil:
		return &faults.PersistenceError{Op: "load case", Err: err}
	case c.Stage() == pacase.StageDone && c.Fingerprint() == fp:
		return nil
	}
	if err := o.deps.Ledger.Supersede(ctx, fp); err != nil {
		return &faults.PersistenceError{Op: "supersede run", Err: err}
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, in CaseInput, fp string) (*Outcome, error) {
	ctx, span := o.tracer.Start(ctx, "run_case",
		trace.WithAttributes(
			attribute.String("case_id", in.CaseID),
			attribute.String("form_version", in.FormVersion),
		))
	defer span.End()
	log := o.logger.With(zap.String("case_id", in.CaseID), zap.String("form_version", in.FormVersion))

	c, reused, err := o.open(ctx, in, fp)
	if err != nil {
		return nil, err
	}
	if reused {
		log.Info("case already done with unchanged inputs")
		out := &Outcome{CaseID: c.ID(), Stage: c.Stage(), Fingerprint: fp, Summary: c.Summary(), Reused: true}
		if o.deps.Store != nil {
			if b, err := o.deps.Store.Read(c.ID(), artifacts.ReportJSON); err == nil {
				var r report.Report
				if json.Unmarshal(b, &r) == nil {
					out.Report = &r
				}
			}
		}
		return out, nil
	}

	o.deps.Metrics.CaseStarted()
	defer o.deps.Metrics.CaseDone()

	r := &run{o: o, c: c, in: in, log: log}
	out, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		o.deps.Metrics.CaseFinished("failed")
		log.Warn("case failed", zap.Error(err))
		return out, err
	}
	o.deps.Metrics.CaseFinished("done")
	log.Info("case done",
		zap.Int("resolved", out.Summary.Resolved),
		zap.Int("ambiguous", out.Summary.Ambiguous),
		zap.Int("unresolved", out.Summary.Unresolved))
	return out, nil
}

// open loads or creates the case and puts it in Created. reused reports a
// Done case whose inputs are unchanged.
func (o *Orchestrator) open(ctx context.Context, in CaseInput, fp string) (*pacase.Case, bool, error) {
	c, err := o.deps.Repo.Load(ctx, in.CaseID)
	switch {
	case errors.Is(err, pacase.ErrNotFound):
		c = pacase.New(in.CaseID)
		if err := c.Start(in.FormVersion, fp); err != nil {
			return nil, false, err
		}
	case err != nil:
		return nil, false, &faults.PersistenceError{Op: "load case", Err: err}
	case c.Stage() == pacase.StageDone && c.Fingerprint() == fp:
		return c, true, nil
	default:
		if !c.Finished() {
			// A previous run stopped mid-way; close it before starting over.
			if err := c.Fail(pacase.Next(c.Stage()), errors.New("run interrupted")); err != nil {
				return nil, false, err
			}
		}
		if err := c.Reset(in.FormVersion, fp); err != nil {
			return nil, false, err
		}
	}

	for _, e := range c.Changes() {
		e.WithCorrelation(in.CorrelationID)
	}
	if err := o.deps.Repo.Save(ctx, c); err != nil {
		return nil, false, &faults.PersistenceError{Op: "save case", Err: err}
	}
	return c, false, nil
}

// run carries the state of one case execution between stages.
type run struct {
	o   *Orchestrator
	c   *pacase.Case
	in  CaseInput
	log *zap.Logger

	profile  *form.Profile
	schema   *form.Schema
	contexts []answer.FieldContext
	doc      resolver.Document
	answers  answer.Set
	fill     *filler.Result
	report   *report.Report
}

func (r *run) execute(ctx context.Context) (*Outcome, error) {
	if r.o.deps.Profiles != nil {
		r.profile = r.o.deps.Profiles.For(r.in.FormVersion)
	}

	stages := []struct {
		stage pacase.Stage
		fn    func(context.Context) (string, error)
	}{
		{pacase.StageSchemaExtracted, r.extractSchema},
		{pacase.StageContextsGenerated, r.generateContexts},
		{pacase.StageAnswersResolved, r.resolveAnswers},
		{pacase.StageValidated, r.validate},
		{pacase.StageFilled, r.fillForm},
		{pacase.StageReported, r.publish},
	}
	for _, s := range stages {
		if err := r.step(ctx, s.stage, s.fn); err != nil {
			return r.outcome(), err
		}
	}

	summary := r.summary()
	if err := r.c.Complete(summary); err != nil {
		return r.outcome(), err
	}
	if err := r.save(ctx); err != nil {
		return r.outcome(), err
	}
	return r.outcome(), nil
}

func (r *run) step(ctx context.Context, stage pacase.Stage, fn func(context.Context) (string, error)) error {
	ctx, span := r.o.tracer.Start(ctx, "stage_"+string(stage))
	defer span.End()

	start := time.Now()
	detail, err := fn(ctx)
	if err == nil {
		err = ctx.Err()
	}
	r.o.deps.Metrics.ObserveStage(string(stage), time.Since(start))

	if err != nil {
		span.RecordError(err)
		if failErr := r.c.Fail(stage, err); failErr != nil {
			return failErr
		}
		if saveErr := r.save(context.WithoutCancel(ctx)); saveErr != nil {
			r.log.Error("failed to record case failure", zap.Error(saveErr))
		}
		return &faults.StageError{CaseID: r.c.ID(), Stage: string(stage), Err: err}
	}

	if err := r.c.Advance(stage, detail); err != nil {
		return err
	}
	r.log.Debug("stage completed", zap.String("stage", string(stage)), zap.String("detail", detail))
	return r.save(ctx)
}

func (r *run) save(ctx context.Context) error {
	for _, e := range r.c.Changes() {
		e.WithCorrelation(r.in.CorrelationID)
	}
	if err := r.o.deps.Repo.Save(ctx, r.c); err != nil {
		return &faults.PersistenceError{Op: "save case", Err: err}
	}
	return nil
}

func (r *run) extractSchema(ctx context.Context) (string, error) {
	raw, err := r.o.deps.Inventory.Inventory(ctx, r.in.Template)
	if err != nil {
		return "", fmt.Errorf("form inventory: %w", err)
	}
	schema, err := r.o.extractor.Extract(r.in.FormVersion, raw, r.profile)
	if err != nil {
		return "", err
	}
	if len(schema.Fields) == 0 {
		return "", &faults.SchemaError{Reason: "form has no fillable fields"}
	}
	r.schema = schema
	return fmt.Sprintf("%d fields, %d skipped", len(schema.Fields), len(schema.Skipped)), nil
}

func (r *run) generateContexts(ctx context.Context) (string, error) {
	contexts, err := r.o.deps.Contexts.Generate(ctx, r.schema, r.o.opts.FieldConcurrency)
	if err != nil {
		return "", err
	}
	r.contexts = contexts
	degraded := 0
	for _, fc := range contexts {
		if fc.Degraded {
			degraded++
		}
	}
	return fmt.Sprintf("%d contexts, %d degraded", len(contexts), degraded), nil
}

func (r *run) resolveAnswers(ctx context.Context) (string, error) {
	segments := r.in.ReferralText
	if len(segments) == 0 {
		var err error
		segments, err = r.o.deps.OCR.Extract(ctx, r.in.Referral)
		if err != nil {
			return "", fmt.Errorf("referral text extraction: %w", err)
		}
	}
	r.doc = resolver.Document{Segments: segments}

	set, err := r.o.deps.Resolver.ResolveAll(ctx, r.doc, r.schema, r.contexts, r.o.opts.FieldConcurrency)
	if err != nil {
		return "", err
	}
	r.answers = set
	return statusDetail(set), nil
}

func (r *run) validate(ctx context.Context) (string, error) {
	engine := validation.New(r.o.opts.Validation, r.profile, r.log)
	r.answers = engine.ValidateAll(r.schema, r.answers)
	for _, a := range r.answers {
		r.o.deps.Metrics.FieldStatus(string(a.Status))
	}
	return statusDetail(r.answers), nil
}

func (r *run) fillForm(ctx context.Context) (string, error) {
	res, err := filler.New(r.o.deps.Writer, r.o.opts.Filler, r.log).Fill(ctx, r.in.Template, r.schema, r.answers)
	if err != nil {
		return "", err
	}
	r.fill = res
	return fmt.Sprintf("%d written, %d blank", res.Written, len(res.Blank)), nil
}

// publish builds the report and publishes every artifact in one step so a
// case never has a filled form without its report.
func (r *run) publish(ctx context.Context) (string, error) {
	r.report = report.Build(r.c.ID(), r.schema, r.answers)

	reportJSON, err := r.report.JSON()
	if err != nil {
		return "", err
	}
	reportPDF, err := r.report.PDF()
	if err != nil {
		return "", err
	}

	files := []artifacts.Artifact{
		{Name: artifacts.Editable, Data: r.fill.Editable},
		{Name: artifacts.Flattened, Data: r.fill.Flattened},
		{Name: artifacts.ReportText, Data: []byte(r.report.Text())},
		{Name: artifacts.ReportJSON, Data: reportJSON},
		{Name: artifacts.ReportPDF, Data: reportPDF},
	}
	manifest := artifacts.Manifest{Fingerprint: r.c.Fingerprint(), ContentHash: r.fill.Digest}
	if err := r.o.deps.Store.Publish(ctx, r.c.ID(), manifest, files); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d entries, %d required", len(r.report.Entries), r.report.RequiredMissing()), nil
}

func (r *run) summary() pacase.Summary {
	s := pacase.Summary{
		Fields:     len(r.schema.Fields),
		Resolved:   r.answers.Count(answer.StatusResolved),
		Ambiguous:  r.answers.Count(answer.StatusAmbiguous),
		Unresolved: r.answers.Count(answer.StatusUnresolved),
	}
	if r.fill != nil {
		s.ContentDigest = r.fill.Digest
	}
	if r.report != nil {
		s.RequiredMissing = r.report.RequiredMissing()
		s.Truncated = r.report.Truncated
	}
	for _, fc := range r.contexts {
		if fc.Degraded {
			s.Degraded++
		}
	}
	return s
}

func (r *run) outcome() *Outcome {
	out := &Outcome{
		CaseID:      r.c.ID(),
		Stage:       r.c.Stage(),
		FailedStage: r.c.FailedStage(),
		Fingerprint: r.c.Fingerprint(),
		Summary:     r.c.Summary(),
		Report:      r.report,
	}
	return out
}

func statusDetail(set answer.Set) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%d resolved, %d ambiguous, %d unresolved",
		set.Count(answer.StatusResolved),
		set.Count(answer.StatusAmbiguous),
		set.Count(answer.StatusUnresolved))
	return b.String()
}
