// Package form models the fillable fields of a prior authorization form.
package form

import "strings"

// Kind is the closed set of field kinds the pipeline knows how to answer.
type Kind string

const (
	KindText     Kind = "text"
	KindCheckbox Kind = "checkbox"
	KindDate     Kind = "date"
	KindChoice   Kind = "choice"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindCheckbox, KindDate, KindChoice:
		return true
	}
	return false
}

// DefaultDateFormat is used when neither the form nor a profile names one.
const DefaultDateFormat = "MM/DD/YYYY"

// Rect is a widget rectangle in PDF user space.
type Rect struct {
	LLX float64 `json:"llx"`
	LLY float64 `json:"lly"`
	URX float64 `json:"urx"`
	URY float64 `json:"ury"`
}

// IsZero reports whether the rectangle carries no position.
func (r Rect) IsZero() bool { return r == Rect{} }

// Constraints narrows what a field accepts.
type Constraints struct {
	MaxLength      int      `json:"max_length,omitempty"`
	DateFormat     string   `json:"date_format,omitempty"`
	Options        []string `json:"options,omitempty"`
	CheckedState   string   `json:"checked_state,omitempty"`
	UncheckedState string   `json:"unchecked_state,omitempty"`
	Multiline      bool     `json:"multiline,omitempty"`
}

// FieldDescriptor describes one fillable field. ID is unique within a form.
type FieldDescriptor struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Kind        Kind        `json:"kind"`
	Page        int         `json:"page"`
	Label       string      `json:"label"`
	Required    bool        `json:"required"`
	Rect        Rect        `json:"rect"`
	Constraints Constraints `json:"constraints"`
	// Position is the field's index in schema order.
	Position int `json:"position"`
}

// DisplayLabel returns the label, falling back to the field name.
func (f FieldDescriptor) DisplayLabel() string {
	if l := strings.TrimSpace(f.Label); l != "" {
		return l
	}
	return f.Name
}

// RawField is one widget as reported by the form inventory.
type RawField struct {
	ID         string
	Name       string
	Type       string
	Page       int
	Rect       Rect
	Label      string
	Required   bool
	MaxLength  int
	Options    []string
	DateFormat string
	OnState    string
	Multiline  bool
}

// FieldOverride adjusts an inferred descriptor. Zero values leave the
// inferred attribute untouched.
type FieldOverride struct {
	Kind       Kind   `yaml:"kind"`
	Required   *bool  `yaml:"required"`
	Label      string `yaml:"label"`
	MaxLength  int    `yaml:"max_length"`
	DateFormat string `yaml:"date_format"`
}

// SkippedField is an inventory entry that cannot hold an answer, such as a
// signature or push button.
type SkippedField struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Schema is the ordered field set of one form version.
type Schema struct {
	FormVersion string            `json:"form_version"`
	Fields      []FieldDescriptor `json:"fields"`
	Skipped     []SkippedField    `json:"skipped,omitempty"`
}

// Field looks up a descriptor by ID.
func (s *Schema) Field(id string) (FieldDescriptor, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// Pages returns the distinct pages in schema order.
func (s *Schema) Pages() []int {
	var pages []int
	seen := make(map[int]bool)
	for _, f := range s.Fields {
		if !seen[f.Page] {
			seen[f.Page] = true
			pages = append(pages, f.Page)
		}
	}
	return pages
}

// PageLabels returns the labels of every field on page, in schema order.
func (s *Schema) PageLabels(page int) []string {
	var labels []string
	for _, f := range s.Fields {
		if f.Page == page {
			labels = append(labels, f.DisplayLabel())
		}
	}
	return labels
}
