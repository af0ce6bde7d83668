package pdfform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/domain/form"
	"github.com/drfirst/go-pafill/internal/faults"
	"github.com/drfirst/go-pafill/internal/filler"
)

// Groups of the pdfcpu form JSON that hold fields.
var fieldGroups = []string{"textfield", "datefield", "checkbox", "radiobuttongroup", "combobox", "listbox"}

// Writer fills templates through pdfcpu's JSON form export and fill.
type Writer struct {
	logger *zap.Logger
}

// NewWriter creates a writer.
func NewWriter(logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{logger: logger}
}

// Write fills template with values. Locked output is flattened: field
// appearances become page content and no form fields remain.
func (w *Writer) Write(ctx context.Context, template []byte, values []filler.FieldValue, lock bool) (out []byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = &faults.FillError{Err: fmt.Errorf("pdf fill: %v", r)}
		}
	}()

	exported, err := exportJSON(template)
	if err != nil {
		return nil, &faults.FillError{Err: err}
	}
	filled, err := apply(exported, values, lock)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := api.FillForm(bytes.NewReader(template), bytes.NewReader(filled), &buf, configuration()); err != nil {
		return nil, &faults.FillError{Err: fmt.Errorf("pdf fill: %w", err)}
	}
	out = buf.Bytes()
	if lock {
		if out, err = flatten(out); err != nil {
			return nil, &faults.FillError{Err: err}
		}
	}
	w.logger.Debug("form written", zap.Int("values", len(values)), zap.Bool("flattened", lock), zap.Int("bytes", len(out)))
	return out, nil
}

// Content reads back the field values of a filled form.
func (w *Writer) Content(ctx context.Context, pdf []byte) (out map[string]string, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf export: %v", r)
		}
	}()

	exported, err := exportJSON(pdf)
	if err != nil {
		return nil, err
	}
	return content(exported)
}

func exportJSON(pdf []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := api.ExportFormJSON(bytes.NewReader(pdf), &buf, "template", configuration()); err != nil {
		return nil, fmt.Errorf("pdf export: %w", err)
	}
	return buf.Bytes(), nil
}

// apply sets values on an exported form document. Every value must find
// exactly one field.
func apply(exported []byte, values []filler.FieldValue, lock bool) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(exported, &doc); err != nil {
		return nil, &faults.FillError{Err: fmt.Errorf("decode form export: %w", err)}
	}

	pending := make(map[string]filler.FieldValue, len(values))
	for _, v := range values {
		pending[v.FieldID] = v
	}

	err := eachField(doc, func(group string, field map[string]any) error {
		field["locked"] = lock
		v, ok := pending[fieldKey(field)]
		if !ok {
			return nil
		}
		delete(pending, v.FieldID)

		switch group {
		case "checkbox":
			field["value"] = v.Checked
		case "listbox":
			if v.Value == "" {
				field["values"] = []string{}
			} else {
				field["values"] = []string{v.Value}
			}
		case "radiobuttongroup", "combobox":
			if v.Value != "" && !hasOption(field, v.Value) {
				return &faults.FillError{FieldID: v.FieldID, Err: fmt.Errorf("%q is not an option", v.Value)}
			}
			field["value"] = v.Value
		default:
			field["value"] = v.Value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, v := range values {
		if _, missing := pending[v.FieldID]; missing {
			return nil, &faults.FillError{FieldID: v.FieldID, Err: filler.ErrNoSlot}
		}
	}
	return json.Marshal(doc)
}

// content flattens an exported form document to field id → value.
func content(exported []byte) (map[string]string, error) {
	var doc map[string]any
	if err := json.Unmarshal(exported, &doc); err != nil {
		return nil, fmt.Errorf("decode form export: %w", err)
	}
	out := make(map[string]string)
	err := eachField(doc, func(group string, field map[string]any) error {
		key := fieldKey(field)
		switch group {
		case "checkbox":
			checked, _ := field["value"].(bool)
			out[key] = strconv.FormatBool(checked)
		case "listbox":
			var vals []string
			if arr, ok := field["values"].([]any); ok {
				for _, v := range arr {
					if s, ok := v.(string); ok {
						vals = append(vals, s)
					}
				}
			}
			out[key] = strings.Join(vals, ", ")
		default:
			s, _ := field["value"].(string)
			out[key] = s
		}
		return nil
	})
	return out, err
}

func eachField(doc map[string]any, fn func(group string, field map[string]any) error) error {
	forms, _ := doc["forms"].([]any)
	for _, f := range forms {
		fm, ok := f.(map[string]any)
		if !ok {
			continue
		}
		for _, group := range fieldGroups {
			entries, _ := fm[group].([]any)
			for _, e := range entries {
				field, ok := e.(map[string]any)
				if !ok {
					continue
				}
				if err := fn(group, field); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func fieldKey(field map[string]any) string {
	if name, ok := field["name"].(string); ok && strings.TrimSpace(name) != "" {
		return form.NormalizeID(name)
	}
	id, _ := field["id"].(string)
	return form.NormalizeID(id)
}

func hasOption(field map[string]any, v string) bool {
	opts, _ := field["options"].([]any)
	for _, o := range opts {
		if s, ok := o.(string); ok && s == v {
			return true
		}
	}
	return false
}
