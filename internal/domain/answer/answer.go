// Package answer holds the per-field results that flow between stages.
package answer

// FieldContext is the question and clinical framing generated for a field.
type FieldContext struct {
	FieldID         string `json:"field_id"`
	Question        string `json:"question"`
	ClinicalContext string `json:"clinical_context"`
	// Degraded marks a templated fallback used when generation failed.
	Degraded bool `json:"degraded"`
}

// Status is the resolution outcome of a field.
type Status string

const (
	StatusResolved   Status = "resolved"
	StatusAmbiguous  Status = "ambiguous"
	StatusUnresolved Status = "unresolved"
)

// severity orders statuses so validation can only move downward.
func (s Status) severity() int {
	switch s {
	case StatusResolved:
		return 0
	case StatusAmbiguous:
		return 1
	default:
		return 2
	}
}

// Downgrade returns the worse of current and target.
func Downgrade(current, target Status) Status {
	if target.severity() > current.severity() {
		return target
	}
	return current
}

// ResolvedAnswer is the outcome of resolving one field against the referral.
// NormalizedValue is only meaningful when Status is resolved; fillers must not
// write it otherwise.
type ResolvedAnswer struct {
	FieldID         string   `json:"field_id"`
	RawValue        string   `json:"raw_value,omitempty"`
	NormalizedValue string   `json:"normalized_value,omitempty"`
	Confidence      float64  `json:"confidence"`
	SourceExcerpt   string   `json:"source_excerpt,omitempty"`
	SourcePage      int      `json:"source_page,omitempty"`
	Status          Status   `json:"status"`
	Reason          string   `json:"reason,omitempty"`
	Discarded       []string `json:"discarded,omitempty"`
	Truncated       bool     `json:"truncated,omitempty"`
}

// Fillable reports whether the answer may be written into the form.
func (a ResolvedAnswer) Fillable() bool {
	return a.Status == StatusResolved && a.NormalizedValue != ""
}

// Unresolved builds an unresolved answer with a reason.
func Unresolved(fieldID, reason string) ResolvedAnswer {
	return ResolvedAnswer{FieldID: fieldID, Status: StatusUnresolved, Reason: reason}
}

// Set maps field IDs to their answers. Every schema field has exactly one entry.
type Set map[string]ResolvedAnswer

// Count returns the number of answers with status s.
func (s Set) Count(status Status) int {
	n := 0
	for _, a := range s {
		if a.Status == status {
			n++
		}
	}
	return n
}
