// Package pdftext extracts referral text from born-digital PDFs and plain
// text documents.
package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/collaborator"
)

var pdfMagic = []byte("%PDF-")

// Extractor implements collaborator.OCR for documents that already carry a
// text layer. Plain text input is split into pages on form feeds.
type Extractor struct {
	logger *zap.Logger
}

// New creates an extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// Extract returns one segment per non-empty page.
func (e *Extractor) Extract(ctx context.Context, document []byte) ([]collaborator.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(document)) == 0 {
		return nil, fmt.Errorf("%w: empty document", collaborator.ErrMalformedInput)
	}
	if !bytes.HasPrefix(bytes.TrimLeft(document, " \t\r\n"), pdfMagic) {
		return plainText(document)
	}
	return e.pdfText(ctx, document)
}

func plainText(document []byte) ([]collaborator.Segment, error) {
	if !utf8.Valid(document) {
		return nil, fmt.Errorf("%w: document is neither PDF nor UTF-8 text", collaborator.ErrMalformedInput)
	}
	var segs []collaborator.Segment
	for i, page := range strings.Split(string(document), "\f") {
		if text := strings.TrimSpace(page); text != "" {
			segs = append(segs, collaborator.Segment{Page: i + 1, Text: text})
		}
	}
	return segs, nil
}

func (e *Extractor) pdfText(ctx context.Context, document []byte) (segs []collaborator.Segment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: unreadable pdf: %v", collaborator.ErrMalformedInput, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(document), int64(len(document)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", collaborator.ErrMalformedInput, err)
	}

	pages := reader.NumPage()
	for nr := 1; nr <= pages; nr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(nr)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.Warn("page text extraction failed", zap.Int("page", nr), zap.Error(err))
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			segs = append(segs, collaborator.Segment{Page: nr, Text: text})
		}
	}

	if len(segs) == 0 && pages > 0 {
		// Image-only scans have no text layer to read.
		return nil, fmt.Errorf("%w: no text layer in %d pages", collaborator.ErrMalformedInput, pages)
	}
	e.logger.Debug("referral text extracted", zap.Int("pages", pages), zap.Int("segments", len(segs)))
	return segs, nil
}
