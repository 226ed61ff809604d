package pdftext

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// embeddedDoc reads the embedded text layer of an open PDF. Pages are
// numbered from 1. Implementations are not safe for concurrent use.
type embeddedDoc interface {
	NumPages() int
	PageStats(num int) (pageStats, error)
}

// pdfDoc adapts the pdf reader. The library panics on some malformed
// inputs; all calls into it are fenced with recover and surfaced as plain
// errors, which Extract classifies as ErrUnreadable.
type pdfDoc struct {
	reader *pdf.Reader
}

// openEmbedded opens |content| as a PDF.
func openEmbedded(content []byte) (doc embeddedDoc, err error) {
	defer recoverPDFPanic(&err)

	var r *pdf.Reader
	if r, err = pdf.NewReader(bytes.NewReader(content), int64(len(content))); err != nil {
		return nil, err
	}
	return &pdfDoc{reader: r}, nil
}

func (d *pdfDoc) NumPages() int { return d.reader.NumPage() }

func (d *pdfDoc) PageStats(num int) (stats pageStats, err error) {
	defer recoverPDFPanic(&err)

	var page = d.reader.Page(num)
	if page.V.IsNull() {
		return pageStats{}, fmt.Errorf("page %d is null", num)
	}
	var hasFonts = len(page.Fonts()) > 0

	var text string
	if text, err = page.GetPlainText(nil); err != nil {
		// A page whose content stream will not decode still counts as a
		// page; it reads as empty and the OCR fallback covers it.
		return statsOf("", hasFonts), nil
	}
	return statsOf(text, hasFonts), nil
}

func recoverPDFPanic(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("pdf reader panic: %v", r)
	}
}
