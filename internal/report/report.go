// Package report builds the missing-information report for a filled case.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/drfirst/go-pafill/internal/domain/answer"
	"github.com/drfirst/go-pafill/internal/domain/form"
)

// Entry is one field that still needs a human.
type Entry struct {
	FieldID   string        `json:"field_id"`
	Label     string        `json:"label"`
	Required  bool          `json:"required"`
	Status    answer.Status `json:"status"`
	Page      int           `json:"page"`
	Position  int           `json:"position"`
	Reason    string        `json:"reason,omitempty"`
	Candidate string        `json:"candidate,omitempty"`
	Discarded []string      `json:"discarded,omitempty"`
}

// Report lists unresolved and ambiguous fields, required ones first.
type Report struct {
	CaseID      string              `json:"case_id"`
	FormVersion string              `json:"form_version"`
	Total       int                 `json:"total_fields"`
	Resolved    int                 `json:"resolved_fields"`
	Truncated   bool                `json:"source_truncated"`
	Entries     []Entry             `json:"entries"`
	Skipped     []form.SkippedField `json:"skipped,omitempty"`
}

// Build assembles the report. Schema fields without an answer are reported
// as unresolved.
func Build(caseID string, schema *form.Schema, set answer.Set) *Report {
	r := &Report{
		CaseID:      caseID,
		FormVersion: schema.FormVersion,
		Total:       len(schema.Fields),
		Entries:     []Entry{},
		Skipped:     schema.Skipped,
	}
	for _, fd := range schema.Fields {
		a, ok := set[fd.ID]
		if !ok {
			a = answer.Unresolved(fd.ID, "no answer produced")
		}
		if a.Truncated {
			r.Truncated = true
		}
		if a.Status == answer.StatusResolved {
			r.Resolved++
			continue
		}
		e := Entry{
			FieldID:  fd.ID,
			Label:    fd.DisplayLabel(),
			Required: fd.Required,
			Status:   a.Status,
			Page:     fd.Page,
			Position: fd.Position,
			Reason:   a.Reason,
		}
		if a.Status == answer.StatusAmbiguous {
			e.Candidate = a.RawValue
			e.Discarded = a.Discarded
		}
		r.Entries = append(r.Entries, e)
	}

	sort.SliceStable(r.Entries, func(i, j int) bool {
		a, b := r.Entries[i], r.Entries[j]
		if a.Required != b.Required {
			return a.Required
		}
		if a.Page != b.Page {
			return a.Page < b.Page
		}
		return a.Position < b.Position
	})
	return r
}

// RequiredMissing counts required fields in the report.
func (r *Report) RequiredMissing() int {
	n := 0
	for _, e := range r.Entries {
		if e.Required {
			n++
		}
	}
	return n
}

// Complete reports whether nothing needs review.
func (r *Report) Complete() bool { return len(r.Entries) == 0 }

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Text renders the human-readable report.
func (r *Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Missing information report\n")
	fmt.Fprintf(&b, "Case: %s\nForm: %s\n", r.CaseID, r.FormVersion)
	fmt.Fprintf(&b, "Resolved %d of %d fields; %d need review (%d required).\n",
		r.Resolved, r.Total, len(r.Entries), r.RequiredMissing())
	if r.Truncated {
		b.WriteString("Note: the referral exceeded the source limit; only the most relevant sections were searched.\n")
	}

	if r.Complete() {
		b.WriteString("\nAll fields were resolved.\n")
	}
	for _, group := range []struct {
		title    string
		required bool
	}{
		{"REQUIRED", true},
		{"OPTIONAL", false},
	} {
		var lines []string
		for _, e := range r.Entries {
			if e.Required == group.required {
				lines = append(lines, entryLines(e)...)
			}
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s\n", group.title)
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}

	if len(r.Skipped) > 0 {
		b.WriteString("\nNOT FILLED AUTOMATICALLY\n")
		for _, s := range r.Skipped {
			fmt.Fprintf(&b, "- %s (%s): %s\n", s.Name, s.Type, s.Reason)
		}
	}
	return b.String()
}

func entryLines(e Entry) []string {
	lines := []string{fmt.Sprintf("- [%s] %s (page %d, field %s)", e.Status, e.Label, e.Page, e.FieldID)}
	if e.Reason != "" {
		lines = append(lines, "    reason: "+e.Reason)
	}
	if e.Candidate != "" {
		lines = append(lines, "    best candidate: "+e.Candidate)
	}
	for _, d := range e.Discarded {
		lines = append(lines, "    also found: "+d)
	}
	return lines
}
