package form

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/faults"
)

var (
	dateHint    = regexp.MustCompile(`(?i)\b(date|dob|d\.o\.b\.?|birth\s?date)\b`)
	partialDate = regexp.MustCompile(`(?i)\((mm|dd|yy|yyyy)\)`)
	requiredTag = regexp.MustCompile(`(?i)(\*\s*$|\(required\))`)
)

// Extractor turns a raw widget inventory into a Schema.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates an extractor.
func NewExtractor(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

type positioned struct {
	field FieldDescriptor
	index int
}

// Extract builds the schema for formVersion. Widgets sharing an ID are merged
// when they agree on kind; a kind conflict is a SchemaError. profile may be nil.
func (e *Extractor) Extract(formVersion string, raw []RawField, profile *Profile) (*Schema, error) {
	schema := &Schema{FormVersion: formVersion}
	overrides := profile.Overrides()
	byID := make(map[string]int)
	var fields []positioned

	for i, rf := range raw {
		id := NormalizeID(rf.Name)
		if id == "" {
			id = NormalizeID(rf.ID)
		}
		if id == "" {
			return nil, &faults.SchemaError{Reason: fmt.Sprintf("widget %d has no name", i)}
		}

		kind, ok := inferKind(rf)
		if !ok {
			schema.Skipped = append(schema.Skipped, SkippedField{
				Name:   id,
				Type:   rf.Type,
				Reason: "widget type cannot hold an answer",
			})
			e.logger.Debug("skipping non-answerable widget",
				zap.String("field_id", id),
				zap.String("type", rf.Type))
			continue
		}

		fd := FieldDescriptor{
			ID:       id,
			Name:     strings.TrimSpace(rf.Name),
			Kind:     kind,
			Page:     rf.Page,
			Label:    cleanLabel(rf.Label),
			Required: rf.Required || requiredTag.MatchString(rf.Label),
			Rect:     rf.Rect,
			Constraints: Constraints{
				MaxLength: rf.MaxLength,
				Options:   append([]string(nil), rf.Options...),
				Multiline: rf.Multiline,
			},
		}
		if fd.Name == "" {
			fd.Name = id
		}
		if fd.Page <= 0 {
			fd.Page = 1
		}

		if ov, ok := overrides[id]; ok {
			if err := applyOverride(&fd, ov); err != nil {
				return nil, err
			}
		}
		finishConstraints(&fd, rf, profile.dateFormat())

		if at, dup := byID[id]; dup {
			existing := fields[at].field
			if existing.Kind != fd.Kind {
				return nil, &faults.SchemaError{
					FieldID: id,
					Reason:  fmt.Sprintf("declared as both %s and %s", existing.Kind, fd.Kind),
				}
			}
			// Same field rendered by another widget: keep the first widget's
			// position, but a later widget may still mark it required.
			if fd.Required && !existing.Required {
				fields[at].field.Required = true
			}
			continue
		}

		byID[id] = len(fields)
		fields = append(fields, positioned{field: fd, index: i})
	}

	sort.SliceStable(fields, func(a, b int) bool {
		return lessByPosition(fields[a], fields[b])
	})

	schema.Fields = make([]FieldDescriptor, len(fields))
	for i, p := range fields {
		p.field.Position = i
		schema.Fields[i] = p.field
	}

	e.logger.Debug("schema extracted",
		zap.String("form_version", formVersion),
		zap.Int("fields", len(schema.Fields)),
		zap.Int("skipped", len(schema.Skipped)))

	return schema, nil
}

func lessByPosition(a, b positioned) bool {
	fa, fb := a.field, b.field
	if fa.Page != fb.Page {
		return fa.Page < fb.Page
	}
	ta, tb := math.Round(fa.Rect.URY), math.Round(fb.Rect.URY)
	if ta != tb {
		// PDF y grows upward, so a higher top edge comes first.
		return ta > tb
	}
	if fa.Rect.LLX != fb.Rect.LLX {
		return fa.Rect.LLX < fb.Rect.LLX
	}
	return a.index < b.index
}

func inferKind(rf RawField) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(rf.Type)) {
	case "text", "tx", "textfield":
		if looksLikeDate(rf) {
			return KindDate, true
		}
		return KindText, true
	case "date", "datefield":
		return KindDate, true
	case "checkbox", "btn", "check":
		return KindCheckbox, true
	case "choice", "ch", "combobox", "listbox", "radio", "radiobuttongroup":
		return KindChoice, true
	}
	return "", false
}

func looksLikeDate(rf RawField) bool {
	text := rf.Label + " " + rf.Name
	return dateHint.MatchString(text) && !partialDate.MatchString(text)
}

func applyOverride(fd *FieldDescriptor, ov FieldOverride) error {
	if ov.Kind != "" {
		if !ov.Kind.Valid() {
			return &faults.SchemaError{FieldID: fd.ID, Reason: fmt.Sprintf("unknown kind override %q", ov.Kind)}
		}
		fd.Kind = ov.Kind
	}
	if ov.Required != nil {
		fd.Required = *ov.Required
	}
	if ov.Label != "" {
		fd.Label = ov.Label
	}
	if ov.MaxLength > 0 {
		fd.Constraints.MaxLength = ov.MaxLength
	}
	if ov.DateFormat != "" {
		fd.Constraints.DateFormat = ov.DateFormat
	}
	return nil
}

func finishConstraints(fd *FieldDescriptor, rf RawField, profileFormat string) {
	switch fd.Kind {
	case KindDate:
		if fd.Constraints.DateFormat == "" {
			fd.Constraints.DateFormat = rf.DateFormat
		}
		if fd.Constraints.DateFormat == "" {
			fd.Constraints.DateFormat = profileFormat
		}
		if fd.Constraints.DateFormat == "" {
			fd.Constraints.DateFormat = DefaultDateFormat
		}
	case KindCheckbox:
		fd.Constraints.CheckedState = rf.OnState
		if fd.Constraints.CheckedState == "" {
			fd.Constraints.CheckedState = "Yes"
		}
		fd.Constraints.UncheckedState = "Off"
	}
}

// NormalizeID turns a widget name into a field id.
func NormalizeID(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cleanLabel(s string) string {
	s = requiredTag.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
