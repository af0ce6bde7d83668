package pdfform

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pafill/internal/domain/form"
	"github.com/drfirst/go-pafill/internal/faults"
	"github.com/drfirst/go-pafill/internal/filler"
)

const exported = `{
  "header": {"source": "template", "version": "pdfcpu v0.11.0"},
  "forms": [{
    "textfield": [
      {"pages": [1], "id": "4", "name": "patient_name", "value": "", "locked": false}
    ],
    "datefield": [
      {"pages": [1], "id": "5", "name": "dob", "format": "mm/dd/yyyy", "value": "", "locked": false}
    ],
    "checkbox": [
      {"pages": [1], "id": "6", "name": "diabetic", "value": false, "locked": false}
    ],
    "radiobuttongroup": [
      {"pages": [2], "id": "9", "name": "route", "options": ["Oral", "IV"], "value": "", "locked": false}
    ],
    "listbox": [
      {"pages": [2], "id": "15", "name": "pharmacy", "options": ["Retail", "Specialty"], "values": [], "locked": false}
    ]
  }]
}`

func values() []filler.FieldValue {
	return []filler.FieldValue{
		{FieldID: "patient_name", Kind: form.KindText, Value: "Jane Doe"},
		{FieldID: "dob", Kind: form.KindDate, Value: "03/14/1962"},
		{FieldID: "diabetic", Kind: form.KindCheckbox, Value: "Yes", Checked: true},
		{FieldID: "route", Kind: form.KindChoice, Value: "IV"},
		{FieldID: "pharmacy", Kind: form.KindChoice, Value: "Specialty"},
	}
}

func TestApply(t *testing.T) {
	out, err := apply([]byte(exported), values(), false)
	require.NoError(t, err)

	got, err := content(out)
	require.NoError(t, err)
	want := map[string]string{
		"patient_name": "Jane Doe",
		"dob":          "03/14/1962",
		"diabetic":     "true",
		"route":        "IV",
		"pharmacy":     "Specialty",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_Lock(t *testing.T) {
	out, err := apply([]byte(exported), values(), true)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	var locked int
	require.NoError(t, eachField(doc, func(group string, field map[string]any) error {
		assert.Equal(t, true, field["locked"], group)
		locked++
		return nil
	}))
	assert.Equal(t, 5, locked)
}

func TestApply_UnknownField(t *testing.T) {
	vals := append(values(), filler.FieldValue{FieldID: "member_id", Kind: form.KindText, Value: "X1"})
	_, err := apply([]byte(exported), vals, false)

	var fe *faults.FillError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "member_id", fe.FieldID)
	assert.ErrorIs(t, err, filler.ErrNoSlot)
}

func TestApply_InvalidOption(t *testing.T) {
	vals := values()
	vals[3].Value = "Subcutaneous"
	_, err := apply([]byte(exported), vals, false)

	var fe *faults.FillError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "route", fe.FieldID)
}

func TestApply_BlankValues(t *testing.T) {
	vals := []filler.FieldValue{
		{FieldID: "patient_name", Kind: form.KindText},
		{FieldID: "dob", Kind: form.KindDate},
		{FieldID: "diabetic", Kind: form.KindCheckbox, Value: "Off"},
		{FieldID: "route", Kind: form.KindChoice},
		{FieldID: "pharmacy", Kind: form.KindChoice},
	}
	out, err := apply([]byte(exported), vals, false)
	require.NoError(t, err)

	got, err := content(out)
	require.NoError(t, err)
	assert.Equal(t, "false", got["diabetic"])
	assert.Equal(t, "", got["route"])
	assert.Equal(t, "", got["pharmacy"])
}

func TestContent_FallsBackToID(t *testing.T) {
	got, err := content([]byte(`{"forms":[{"textfield":[{"id":"42","value":"x"}]}]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"42": "x"}, got)
}
