package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// pdfEpoch pins the document dates so identical reports render identically.
var pdfEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// PDF renders the report as a printable PDF using core fonts.
func (r *Report) PDF() ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "Letter", "")
	pdf.SetCreationDate(pdfEpoch)
	pdf.SetCatalogSort(true)
	pdf.SetTitle("Missing information report", true)
	pdf.SetMargins(18, 18, 18)
	pdf.SetAutoPageBreak(true, 18)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 9, "Missing information report", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(0, 6, tr(fmt.Sprintf("Case %s  |  Form %s", r.CaseID, r.FormVersion)), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Resolved %d of %d fields, %d need review (%d required)",
		r.Resolved, r.Total, len(r.Entries), r.RequiredMissing()), "", 1, "L", false, 0, "")
	if r.Truncated {
		pdf.SetFont("Helvetica", "I", 9)
		pdf.MultiCell(0, 5, "The referral exceeded the source limit; only the most relevant sections were searched.", "", "L", false)
	}
	pdf.Ln(4)

	if r.Complete() {
		pdf.SetFont("Helvetica", "", 11)
		pdf.CellFormat(0, 7, "All fields were resolved.", "", 1, "L", false, 0, "")
	}

	section := func(title string, required bool) {
		var entries []Entry
		for _, e := range r.Entries {
			if e.Required == required {
				entries = append(entries, e)
			}
		}
		if len(entries) == 0 {
			return
		}
		pdf.SetFont("Helvetica", "B", 12)
		pdf.SetFillColor(230, 230, 230)
		pdf.CellFormat(0, 7, title, "", 1, "L", true, 0, "")
		pdf.Ln(1)
		for _, e := range entries {
			pdf.SetFont("Helvetica", "B", 10)
			pdf.MultiCell(0, 5, tr(fmt.Sprintf("[%s] %s", e.Status, e.Label)), "", "L", false)
			pdf.SetFont("Helvetica", "", 9)
			pdf.MultiCell(0, 4.5, tr(fmt.Sprintf("Page %d, field %s", e.Page, e.FieldID)), "", "L", false)
			if e.Reason != "" {
				pdf.MultiCell(0, 4.5, tr("Reason: "+e.Reason), "", "L", false)
			}
			if e.Candidate != "" {
				pdf.MultiCell(0, 4.5, tr("Best candidate: "+e.Candidate), "", "L", false)
			}
			for _, d := range e.Discarded {
				pdf.MultiCell(0, 4.5, tr("Also found: "+d), "", "L", false)
			}
			pdf.Ln(2)
		}
	}
	section("Required", true)
	section("Optional", false)

	if len(r.Skipped) > 0 {
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 7, "Not filled automatically", "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		for _, s := range r.Skipped {
			pdf.MultiCell(0, 4.5, tr(fmt.Sprintf("%s (%s): %s", s.Name, s.Type, s.Reason)), "", "L", false)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render report pdf: %w", err)
	}
	return buf.Bytes(), nil
}
