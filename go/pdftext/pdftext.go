// Package pdftext turns Raw Document PDFs into text. It first mines the
// embedded text layer page by page; pages that look image-only (low
// printable ratio, or no text at all) fall back to OCR. Every result
// carries per-page confidences and an overall confidence, so downstream
// structured extraction can weigh what it is parsing.
package pdftext

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"unicode"

	"golang.org/x/sync/semaphore"
)

// ErrUnreadable marks a PDF the extractor cannot open at all: truncated,
// encrypted, or not a PDF. It is permanent; retrying the same bytes cannot
// succeed.
var ErrUnreadable = errors.New("unreadable pdf")

// Extraction methods.
const (
	// MethodEmbedded: every page's text came from the embedded text layer.
	MethodEmbedded = "embedded"
	// MethodOCR: every page was OCR'd.
	MethodOCR = "ocr"
	// MethodMixed: some pages embedded, some OCR'd.
	MethodMixed = "mixed"
)

// DefaultFallbackThreshold is the embedded printable ratio below which a
// page is treated as image-only and OCR'd.
const DefaultFallbackThreshold = 0.15

// PageResult is the extraction outcome of one page.
type PageResult struct {
	// Number is the 1-based page number.
	Number int `json:"number"`
	// Method is MethodEmbedded or MethodOCR for this page.
	Method string `json:"method"`
	// Confidence is the page's extraction confidence in [0, 1]: the
	// printable ratio for embedded pages, the engine's word confidence for
	// OCR pages.
	Confidence float64 `json:"confidence"`
	CharCount  int     `json:"char_count"`
}

// Result is the extraction outcome of one document.
type Result struct {
	Text   string
	Method string
	// Confidence is the char-count-weighted mean of page confidences.
	Confidence float64
	CharCount  int
	Pages      []PageResult
}

// Extractor runs the two-strategy text pipeline. The CPU semaphore bounds
// concurrent page analysis and OCR to the logical core count, so many
// in-flight extraction tasks cannot oversubscribe the process.
type Extractor struct {
	engine    Engine
	threshold float64
	cpu       *semaphore.Weighted
}

// NewExtractor returns an Extractor using |engine| for OCR fallback.
// A zero |threshold| selects DefaultFallbackThreshold.
func NewExtractor(engine Engine, threshold float64) *Extractor {
	if threshold == 0 {
		threshold = DefaultFallbackThreshold
	}
	return &Extractor{
		engine:    engine,
		threshold: threshold,
		cpu:       semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
	}
}

// Extract produces the text of |content|. An unopenable document fails
// with ErrUnreadable; OCR engine failures surface as-is and are retriable.
func (e *Extractor) Extract(ctx context.Context, content []byte) (Result, error) {
	var doc, err = openEmbedded(content)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnreadable, err)
	}
	return e.extract(ctx, doc, content)
}

func (e *Extractor) extract(ctx context.Context, doc embeddedDoc, raw []byte) (Result, error) {
	var numPages = doc.NumPages()
	if numPages == 0 {
		return Result{}, fmt.Errorf("%w: document has no pages", ErrUnreadable)
	}

	// Pass one: embedded text and its per-page heuristics. Page analysis
	// is CPU work and runs under the semaphore one page at a time; pages
	// of one document are read sequentially (the underlying reader is not
	// safe for concurrent page access).
	var pages = make([]pageStats, numPages)
	for i := 0; i != numPages; i++ {
		if err := e.cpu.Acquire(ctx, 1); err != nil {
			return Result{}, err
		}
		var stats, err = doc.PageStats(i + 1)
		e.cpu.Release(1)
		if err != nil {
			return Result{}, fmt.Errorf("%w: reading page %d: %s", ErrUnreadable, i+1, err)
		}
		pages[i] = stats
	}

	// Pass two: OCR the pages whose embedded layer is below threshold.
	var texts = make([]string, numPages)
	var results = make([]PageResult, numPages)
	var sawEmbedded, sawOCR bool
	var ocrPath string

	for i, stats := range pages {
		if !e.needsOCR(stats) {
			texts[i] = stats.Text
			results[i] = PageResult{
				Number:     i + 1,
				Method:     MethodEmbedded,
				Confidence: stats.PrintableRatio,
				CharCount:  stats.CharCount,
			}
			sawEmbedded = true
			continue
		}

		if ocrPath == "" {
			var path, cleanup, err = spoolPDF(raw)
			if err != nil {
				return Result{}, err
			}
			defer cleanup()
			ocrPath = path
		}

		if err := e.cpu.Acquire(ctx, 1); err != nil {
			return Result{}, err
		}
		var page, err = e.engine.Recognize(ctx, ocrPath, i+1)
		e.cpu.Release(1)
		if err != nil {
			return Result{}, fmt.Errorf("ocr of page %d: %w", i+1, err)
		}

		texts[i] = page.Text
		results[i] = PageResult{
			Number:     i + 1,
			Method:     MethodOCR,
			Confidence: clamp01(page.Confidence),
			CharCount:  len(page.Text),
		}
		sawOCR = true
		ocrPagesTotal.Inc()
	}

	var method = MethodEmbedded
	if sawOCR && sawEmbedded {
		method = MethodMixed
	} else if sawOCR {
		method = MethodOCR
	}

	var text = strings.Join(texts, "\f")
	var out = Result{
		Text:       text,
		Method:     method,
		Confidence: weightedConfidence(results),
		CharCount:  len(text),
		Pages:      results,
	}
	extractionsTotal.WithLabelValues(method).Inc()
	confidenceObserved.Observe(out.Confidence)
	return out, nil
}

// needsOCR applies the fallback heuristic to one page's embedded layer.
func (e *Extractor) needsOCR(s pageStats) bool {
	if e.engine == nil {
		return false
	}
	return s.CharCount == 0 || s.PrintableRatio < e.threshold
}

// weightedConfidence averages page confidences weighted by char count.
// Pages with no characters weigh one character, so a document of empty
// pages still averages instead of dividing by zero.
func weightedConfidence(pages []PageResult) float64 {
	var sum, weight float64
	for _, p := range pages {
		var w = float64(p.CharCount)
		if w < 1 {
			w = 1
		}
		sum += p.Confidence * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// pageStats are the embedded-layer heuristics of one page.
type pageStats struct {
	Text string
	// CharCount counts non-whitespace characters of the embedded layer.
	CharCount int
	// PrintableRatio is printable glyphs over total glyphs, damped to 0.5
	// when the page declares no font table (text without declared fonts is
	// usually artifacts of a scanner's OCR layer, not typeset text).
	PrintableRatio float64
	HasFontTable   bool
}

// statsOf computes pageStats from one page's embedded text.
func statsOf(text string, hasFontTable bool) pageStats {
	var total, printable, chars int
	for _, r := range text {
		total++
		if unicode.IsSpace(r) {
			continue
		}
		chars++
		if unicode.IsPrint(r) {
			printable++
		}
	}

	var ratio float64
	if total > 0 {
		ratio = float64(printable) / float64(total)
	}
	if !hasFontTable {
		ratio *= 0.5
	}
	return pageStats{
		Text:           text,
		CharCount:      chars,
		PrintableRatio: clamp01(ratio),
		HasFontTable:   hasFontTable,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// spoolPDF writes |content| to a temp file for tools that need a path.
func spoolPDF(content []byte) (path string, cleanup func(), err error) {
	var f *os.File
	if f, err = os.CreateTemp("", "fdlake-ocr-*.pdf"); err != nil {
		return "", nil, fmt.Errorf("spooling pdf for ocr: %w", err)
	}
	if _, err = f.Write(content); err == nil {
		err = f.Close()
	} else {
		_ = f.Close()
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", nil, fmt.Errorf("spooling pdf for ocr: %w", err)
	}
	return f.Name(), func() { _ = os.Remove(f.Name()) }, nil
}
