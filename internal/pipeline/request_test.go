package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pafill/internal/collaborator"
)

func TestCaseRequest_InputReadsPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "form.pdf"), []byte("%PDF-form"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "referral.pdf"), []byte("%PDF-referral"), 0o644))

	in, err := CaseRequest{
		CaseID:       "case-1",
		FormVersion:  "ins-a-v1",
		TemplatePath: "form.pdf",
		ReferralPath: filepath.Join(dir, "referral.pdf"),
	}.Input(dir)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-form"), in.Template)
	assert.Equal(t, []byte("%PDF-referral"), in.Referral)
}

func TestCaseRequest_InlineWins(t *testing.T) {
	in, err := CaseRequest{
		CaseID:       "case-1",
		TemplatePath: "does-not-exist.pdf",
		Template:     []byte("inline"),
		ReferralPath: "does-not-exist.pdf",
		ReferralText: []collaborator.Segment{{Page: 1, Text: "hello"}},
	}.Input(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []byte("inline"), in.Template)
	assert.Nil(t, in.Referral)
}

func TestCaseRequest_MissingFile(t *testing.T) {
	_, err := CaseRequest{CaseID: "c", TemplatePath: "missing.pdf"}.Input(t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReadBatch(t *testing.T) {
	reqs, err := ReadBatch(strings.NewReader(`
cases:
  - case_id: case-1
    form_version: ins-a-v1
    template: forms/a.pdf
    referral: referrals/1.pdf
  - case_id: case-2
    form_version: ins-b-v3
    template: forms/b.pdf
    referral: referrals/2.pdf
    correlation_id: batch-7
`))
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "forms/a.pdf", reqs[0].TemplatePath)
	assert.Equal(t, "batch-7", reqs[1].CorrelationID)
}

func TestReadBatch_Rejects(t *testing.T) {
	for name, doc := range map[string]string{
		"empty":     "",
		"no id":     "cases:\n  - form_version: x\n",
		"duplicate": "cases:\n  - case_id: a\n  - case_id: a\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadBatch(strings.NewReader(doc))
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}
