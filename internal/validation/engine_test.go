package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pafill/internal/domain/answer"
	"github.com/drfirst/go-pafill/internal/domain/form"
)

func resolved(id, v string) answer.ResolvedAnswer {
	return answer.ResolvedAnswer{FieldID: id, RawValue: v, Confidence: 0.9, Status: answer.StatusResolved}
}

func TestValidate_Date(t *testing.T) {
	e := New(Options{}, nil, nil)
	fd := form.FieldDescriptor{ID: "dob", Kind: form.KindDate}

	tests := []struct {
		in     string
		format string
		want   string
		status answer.Status
	}{
		{in: "03/14/1962", want: "03/14/1962", status: answer.StatusResolved},
		{in: "March 14, 1962", want: "03/14/1962", status: answer.StatusResolved},
		{in: "1962-03-14", want: "03/14/1962", status: answer.StatusResolved},
		{in: "1962-03-14", format: "YYYY-MM-DD", want: "1962-03-14", status: answer.StatusResolved},
		{in: "3/4/2024", format: "DD.MM.YYYY", want: "04.03.2024", status: answer.StatusResolved},
		{in: "sometime last spring", status: answer.StatusUnresolved},
		{in: "03/14/1862", status: answer.StatusUnresolved},
		{in: "14 March 1962", want: "03/14/1962", status: answer.StatusResolved},
		{in: "1962-03-14T08:30:00Z", want: "03/14/1962", status: answer.StatusResolved},
		{in: "19620314", want: "03/14/1962", status: answer.StatusResolved},
		{in: "1962", status: answer.StatusUnresolved},
		{in: "1962-03", status: answer.StatusUnresolved},
		{in: "03/1962", status: answer.StatusUnresolved},
		{in: "March 1962", status: answer.StatusUnresolved},
		{in: "1962 10:30", status: answer.StatusUnresolved},
	}
	for _, tt := range tests {
		t.Run(tt.in+" "+tt.format, func(t *testing.T) {
			f := fd
			f.Constraints.DateFormat = tt.format
			got := e.Validate(f, resolved("dob", tt.in))
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.want, got.NormalizedValue)
			if tt.status != answer.StatusResolved {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestValidate_Checkbox(t *testing.T) {
	e := New(Options{}, nil, nil)
	fd := form.FieldDescriptor{ID: "diagnosis_confirmed", Kind: form.KindCheckbox,
		Constraints: form.Constraints{CheckedState: "On", UncheckedState: "Off"}}

	tests := []struct {
		in     string
		want   string
		status answer.Status
	}{
		{"yes", "On", answer.StatusResolved},
		{"TRUE", "On", answer.StatusResolved},
		{"Checked.", "On", answer.StatusResolved},
		{"on", "On", answer.StatusResolved},
		{"no", "Off", answer.StatusResolved},
		{"0", "Off", answer.StatusResolved},
		{"probably", "", answer.StatusAmbiguous},
		{"the patient reports improvement", "", answer.StatusAmbiguous},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := e.Validate(fd, resolved(fd.ID, tt.in))
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.want, got.NormalizedValue)
		})
	}
}

func TestValidate_CheckboxProfileVocabulary(t *testing.T) {
	profile := &form.Profile{CheckboxTrue: []string{"Medically necessary"}, CheckboxFalse: []string{"Not required"}}
	e := New(Options{}, profile, nil)
	fd := form.FieldDescriptor{ID: "necessity", Kind: form.KindCheckbox}

	got := e.Validate(fd, resolved(fd.ID, "medically necessary"))
	assert.Equal(t, "Yes", got.NormalizedValue)

	got = e.Validate(fd, resolved(fd.ID, "Not required"))
	assert.Equal(t, "Off", got.NormalizedValue)
}

func TestVocabulary_ConflictingWordIsUnmapped(t *testing.T) {
	v := NewVocabulary(&form.Profile{CheckboxTrue: []string{"no"}})
	_, ok := v.Intent("no")
	assert.False(t, ok)
}

func TestValidate_TextMaxLength(t *testing.T) {
	fd := form.FieldDescriptor{ID: "notes", Kind: form.KindText, Constraints: form.Constraints{MaxLength: 10}}

	strict := New(Options{}, nil, nil)
	got := strict.Validate(fd, resolved(fd.ID, "Rheumatoid arthritis"))
	assert.Equal(t, answer.StatusAmbiguous, got.Status)
	assert.Empty(t, got.NormalizedValue)
	assert.Contains(t, got.Reason, "allows 10")

	lenient := New(Options{AllowTextTruncation: true}, nil, nil)
	got = lenient.Validate(fd, resolved(fd.ID, "Rheumatoid arthritis"))
	assert.Equal(t, answer.StatusResolved, got.Status)
	assert.Equal(t, "Rheumatoid", got.NormalizedValue)
}

func TestValidate_TextKeepsCase(t *testing.T) {
	e := New(Options{}, nil, nil)
	got := e.Validate(form.FieldDescriptor{ID: "dx", Kind: form.KindText}, resolved("dx", "  HER2-positive   Breast CA "))
	assert.Equal(t, "HER2-positive Breast CA", got.NormalizedValue)
}

func TestValidate_MultilineKeepsLineBreaks(t *testing.T) {
	e := New(Options{}, nil, nil)
	fd := form.FieldDescriptor{ID: "hx", Kind: form.KindText, Constraints: form.Constraints{Multiline: true}}
	got := e.Validate(fd, resolved("hx", "\nline one  \r\n  line two\n"))
	assert.Equal(t, "line one\nline two", got.NormalizedValue)
}

func TestValidate_Choice(t *testing.T) {
	e := New(Options{}, nil, nil)
	fd := form.FieldDescriptor{ID: "route", Kind: form.KindChoice,
		Constraints: form.Constraints{Options: []string{"Oral", "Subcutaneous", "Intravenous"}}}

	assert.Equal(t, "Subcutaneous", e.Validate(fd, resolved("route", "subcutaneous")).NormalizedValue)
	assert.Equal(t, "Intravenous", e.Validate(fd, resolved("route", "Intravenous infusion")).NormalizedValue)
	assert.Equal(t, answer.StatusAmbiguous, e.Validate(fd, resolved("route", "topical")).Status)
}

func TestValidate_NeverUpgrades(t *testing.T) {
	e := New(Options{}, nil, nil)
	fd := form.FieldDescriptor{ID: "dob", Kind: form.KindDate}

	amb := resolved("dob", "03/14/1962")
	amb.Status = answer.StatusAmbiguous
	got := e.Validate(fd, amb)
	assert.Equal(t, answer.StatusAmbiguous, got.Status)
	assert.Equal(t, "03/14/1962", got.NormalizedValue)

	un := answer.Unresolved("dob", "not found in referral")
	got = e.Validate(fd, un)
	assert.Equal(t, answer.StatusUnresolved, got.Status)
	assert.Empty(t, got.NormalizedValue)
}

func TestValidateAll_CoversSchema(t *testing.T) {
	schema := &form.Schema{Fields: []form.FieldDescriptor{
		{ID: "dob", Kind: form.KindDate},
		{ID: "physician_name", Kind: form.KindText, Required: true},
	}}
	e := New(Options{}, nil, nil)

	out := e.ValidateAll(schema, answer.Set{"dob": resolved("dob", "March 14, 1962")})
	require.Len(t, out, 2)
	assert.Equal(t, "03/14/1962", out["dob"].NormalizedValue)
	assert.Equal(t, answer.StatusUnresolved, out["physician_name"].Status)
}

func TestLayout(t *testing.T) {
	assert.Equal(t, "01/02/2006", Layout(""))
	assert.Equal(t, "2006-01-02", Layout("yyyy-mm-dd"))
	assert.Equal(t, "1/2/06", Layout("M/D/YY"))
	assert.False(t, strings.Contains(Layout("MM/DD/YYYY"), "M"))
}
