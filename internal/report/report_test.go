package report

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pafill/internal/domain/answer"
	"github.com/drfirst/go-pafill/internal/domain/form"
)

func fixture() (*form.Schema, answer.Set) {
	schema := &form.Schema{
		FormVersion: "humira-2024",
		Fields: []form.FieldDescriptor{
			{ID: "dob", Label: "Date of Birth", Kind: form.KindDate, Page: 1, Position: 0},
			{ID: "allergies", Label: "Allergies", Kind: form.KindText, Page: 1, Position: 1},
			{ID: "diagnosis_confirmed", Label: "Diagnosis confirmed", Kind: form.KindCheckbox, Page: 1, Position: 2},
			{ID: "prior_therapy", Label: "Prior therapy", Kind: form.KindText, Page: 2, Position: 3, Required: true},
			{ID: "physician_name", Label: "Prescriber name", Kind: form.KindText, Page: 3, Position: 4, Required: true},
		},
		Skipped: []form.SkippedField{{Name: "prescriber_signature", Type: "Sig", Reason: "signature"}},
	}
	set := answer.Set{
		"dob":                 {FieldID: "dob", Status: answer.StatusResolved, NormalizedValue: "03/14/1962"},
		"allergies":           {FieldID: "allergies", Status: answer.StatusAmbiguous, RawValue: "penicillin", Discarded: []string{"sulfa"}, Reason: "conflicting values in referral"},
		"diagnosis_confirmed": {FieldID: "diagnosis_confirmed", Status: answer.StatusResolved, NormalizedValue: "Yes"},
		"prior_therapy":       answer.Unresolved("prior_therapy", "not found in referral"),
	}
	return schema, set
}

func TestBuild_RequiredFirstThenPosition(t *testing.T) {
	schema, set := fixture()
	r := Build("case-1", schema, set)

	require.Len(t, r.Entries, 3)
	assert.Equal(t, "prior_therapy", r.Entries[0].FieldID)
	assert.Equal(t, "physician_name", r.Entries[1].FieldID)
	assert.Equal(t, "allergies", r.Entries[2].FieldID)
	assert.Equal(t, 2, r.RequiredMissing())
	assert.Equal(t, 2, r.Resolved)
	assert.Equal(t, 5, r.Total)
}

func TestBuild_DiscardedOnlyForAmbiguous(t *testing.T) {
	schema, set := fixture()
	a := set["prior_therapy"]
	a.Discarded = []string{"should not appear"}
	set["prior_therapy"] = a

	r := Build("case-1", schema, set)
	assert.Empty(t, r.Entries[0].Discarded)
	assert.Equal(t, []string{"sulfa"}, r.Entries[2].Discarded)
	assert.Equal(t, "penicillin", r.Entries[2].Candidate)
}

func TestText(t *testing.T) {
	schema, set := fixture()
	text := Build("case-1", schema, set).Text()

	assert.Contains(t, text, "Resolved 2 of 5 fields; 3 need review (2 required).")
	req := bytes.Index([]byte(text), []byte("REQUIRED"))
	opt := bytes.Index([]byte(text), []byte("OPTIONAL"))
	assert.True(t, req >= 0 && opt > req)
	assert.Contains(t, text, "also found: sulfa")
	assert.Contains(t, text, "prescriber_signature (Sig): signature")
}

func TestText_Complete(t *testing.T) {
	schema := &form.Schema{FormVersion: "v1", Fields: []form.FieldDescriptor{{ID: "a", Kind: form.KindText}}}
	r := Build("c", schema, answer.Set{"a": {FieldID: "a", Status: answer.StatusResolved, NormalizedValue: "x"}})
	assert.True(t, r.Complete())
	assert.Contains(t, r.Text(), "All fields were resolved.")
}

func TestJSON(t *testing.T) {
	schema, set := fixture()
	b, err := Build("case-1", schema, set).JSON()
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "case-1", decoded.CaseID)
	assert.Len(t, decoded.Entries, 3)
}

func TestPDF_Deterministic(t *testing.T) {
	schema, set := fixture()
	r := Build("case-1", schema, set)

	a, err := r.PDF()
	require.NoError(t, err)
	b, err := r.PDF()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(a, []byte("%PDF-")))
	assert.Equal(t, a, b)
}
