package pdfform

import (
	"bytes"
	"context"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pafill/internal/domain/form"
)

func pageDict(t *testing.T, pdf []byte, nr int) types.Dict {
	t.Helper()
	ctx, err := api.ReadContext(bytes.NewReader(pdf), configuration())
	require.NoError(t, err)
	require.NoError(t, ctx.EnsurePageCount())
	d, _, _, err := ctx.PageDict(nr, false)
	require.NoError(t, err)
	return d
}

func TestFlatten_RemovesForm(t *testing.T) {
	out, err := flatten(priorAuthTemplate())
	require.NoError(t, err)

	_, err = NewInventory(nil).Inventory(context.Background(), out)
	assert.ErrorIs(t, err, ErrNoForm)

	for nr := 1; nr <= 2; nr++ {
		_, found := pageDict(t, out, nr).Find("Annots")
		assert.False(t, found, "page %d keeps widget annotations", nr)
	}
	// the checkbox Off appearance is now page content
	assert.Contains(t, string(out), "/PafillFlat1 Do")
}

func TestFlatten_DrawsValueWithoutAppearance(t *testing.T) {
	pdf := buildPDF(
		"<< /Type /Catalog /Pages 2 0 R /AcroForm << /Fields [4 0 R] >> >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Annots [4 0 R 5 0 R] /Contents 6 0 R >>",
		"<< /Type /Annot /Subtype /Widget /FT /Tx /T (patient_name) /V (Jane \\(J\\) Doe) /Rect [50 700 300 720] >>",
		"<< /Type /Annot /Subtype /Text /Rect [10 10 20 20] /Contents (sticky note) >>",
		"<< /Length 0 >>\nstream\n\nendstream",
	)

	out, err := flatten(pdf)
	require.NoError(t, err)

	assert.Contains(t, string(out), `(Jane \(J\) Doe) Tj`)
	page := pageDict(t, out, 1)
	res, ok := page["Resources"].(types.Dict)
	require.True(t, ok)
	fonts, ok := res["Font"].(types.Dict)
	require.True(t, ok)
	assert.Contains(t, fonts, flatFont)

	annots, found := page.Find("Annots")
	require.True(t, found, "non-widget annotations are kept")
	arr, ok := annots.(types.Array)
	require.True(t, ok)
	assert.Len(t, arr, 1)
}

func TestFit(t *testing.T) {
	r := form.Rect{LLX: 50, LLY: 640, URX: 62, URY: 652}

	m := fit([]float64{0, 0, 12, 12}, nil, r)
	assert.Equal(t, [6]float64{1, 0, 0, 1, 50, 640}, m)

	m = fit([]float64{0, 0, 24, 6}, nil, r)
	assert.Equal(t, [6]float64{0.5, 0, 0, 2, 50, 640}, m)
}
