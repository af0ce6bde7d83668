// Package filler writes validated answers into a form template and produces
// the editable and flattened artifacts.
package filler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/domain/answer"
	"github.com/drfirst/go-pafill/internal/domain/form"
	"github.com/drfirst/go-pafill/internal/faults"
)

// ErrNoSlot is returned by writers when the template has no field for a value.
var ErrNoSlot = errors.New("no such field in form")

// FieldValue is what gets written into one field slot.
type FieldValue struct {
	FieldID string    `json:"field_id"`
	Kind    form.Kind `json:"kind"`
	Value   string    `json:"value"`
	// Checked is the boolean state for checkbox fields.
	Checked bool `json:"checked,omitempty"`
}

// FormWriter writes field values into a PDF form.
type FormWriter interface {
	// Write fills template. When lock is true the result is flattened into
	// static page content with no form fields left.
	Write(ctx context.Context, template []byte, values []FieldValue, lock bool) ([]byte, error)
	// Content reads back the field values of a filled form keyed by field id.
	Content(ctx context.Context, pdf []byte) (map[string]string, error)
}

// Options tunes how unresolved fields are written.
type Options struct {
	// Placeholder is written into unresolved text fields. Empty leaves
	// them blank.
	Placeholder string
}

// Result holds the filled artifacts.
type Result struct {
	Editable  []byte
	Flattened []byte
	Values    []FieldValue
	// Digest covers the field content read back from the editable form.
	Digest string
	// Written counts fields that received an answer.
	Written int
	// Blank lists fields left empty or unchecked for lack of an answer.
	Blank []string
}

// Filler fills one form per call.
type Filler struct {
	writer FormWriter
	opts   Options
	logger *zap.Logger
}

// New creates a filler.
func New(writer FormWriter, opts Options, logger *zap.Logger) *Filler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filler{writer: writer, opts: opts, logger: logger}
}

// Plan maps every schema field to exactly one value in schema order.
func (f *Filler) Plan(schema *form.Schema, set answer.Set) ([]FieldValue, []string, error) {
	values := make([]FieldValue, 0, len(schema.Fields))
	var blank []string
	for _, fd := range schema.Fields {
		a, ok := set[fd.ID]
		fillable := ok && a.Fillable()

		v := FieldValue{FieldID: fd.ID, Kind: fd.Kind}
		switch fd.Kind {
		case form.KindCheckbox:
			if fillable {
				switch a.NormalizedValue {
				case fd.Constraints.CheckedState:
					v.Checked = true
				case fd.Constraints.UncheckedState:
				default:
					return nil, nil, &faults.FillError{
						FieldID: fd.ID,
						Err:     fmt.Errorf("state %q is not one of %q/%q", a.NormalizedValue, fd.Constraints.CheckedState, fd.Constraints.UncheckedState),
					}
				}
			}
			v.Value = fd.Constraints.UncheckedState
			if v.Checked {
				v.Value = fd.Constraints.CheckedState
			}
		case form.KindText:
			if fillable {
				v.Value = a.NormalizedValue
			} else {
				v.Value = f.opts.Placeholder
			}
		default:
			if fillable {
				v.Value = a.NormalizedValue
			}
		}
		if !fillable {
			blank = append(blank, fd.ID)
		}
		values = append(values, v)
	}
	return values, blank, nil
}

// Fill writes the answers into template twice, once editable and once flattened.
func (f *Filler) Fill(ctx context.Context, template []byte, schema *form.Schema, set answer.Set) (*Result, error) {
	values, blank, err := f.Plan(schema, set)
	if err != nil {
		return nil, err
	}

	editable, err := f.writer.Write(ctx, template, values, false)
	if err != nil {
		return nil, asFillError(err)
	}
	flattened, err := f.writer.Write(ctx, template, values, true)
	if err != nil {
		return nil, asFillError(err)
	}

	content, err := f.writer.Content(ctx, editable)
	if err != nil {
		return nil, &faults.FillError{Err: fmt.Errorf("read back: %w", err)}
	}
	for _, v := range values {
		if _, ok := content[v.FieldID]; !ok {
			return nil, &faults.FillError{FieldID: v.FieldID, Err: ErrNoSlot}
		}
	}

	res := &Result{
		Editable:  editable,
		Flattened: flattened,
		Values:    values,
		Digest:    ContentDigest(content),
		Written:   len(values) - len(blank),
		Blank:     blank,
	}
	f.logger.Debug("form filled",
		zap.String("form_version", schema.FormVersion),
		zap.Int("written", res.Written),
		zap.Int("blank", len(blank)),
		zap.String("digest", res.Digest))
	return res, nil
}

// ContentDigest hashes field content independent of map order.
func ContentDigest(content map[string]string) string {
	keys := make([]string, 0, len(content))
	for k := range content {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]string, len(keys))
	for i, k := range keys {
		pairs[i] = [2]string{k, content[k]}
	}
	b, _ := json.Marshal(pairs)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func asFillError(err error) error {
	var fe *faults.FillError
	if errors.As(err, &fe) {
		return err
	}
	return &faults.FillError{Err: err}
}
