// Package schedules turns extracted filing text into typed structured
// records. Each filing-type code maps to an extractor variant through a
// static registry; annual-style filings parse the full schedule layout
// (assets through charitable contributions) while periodic transaction
// reports parse only their transaction table. Notice-style filings have no
// registered variant: their textual fallback in Silver is the product.
//
// Every record carries a confidence in [0, 1] and the span of source text
// it was parsed from, so consumers can weigh records and audit them
// against the original document.
package schedules

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capitoldata/fdlake/go/labels"
)

// ErrExtractionFailed marks text a registered variant could not parse:
// no recognizable schedule structure at all. It is permanent for the
// document version; the textual fallback remains available in Silver.
var ErrExtractionFailed = errors.New("structured extraction failed")

// Source is the input of an extractor variant: the full extracted text of
// one document plus its extraction confidences.
type Source struct {
	DocID       string
	Year        int
	FilingType  labels.FilingType
	ContentHash string

	// Text is the full document text, pages joined by form feeds.
	Text string
	// Confidence is the overall text-extraction confidence.
	Confidence float64
	// PageConfidences are per-page extraction confidences, aligned with
	// the form-feed-separated pages of Text. May be empty, in which case
	// Confidence stands in for every span.
	PageConfidences []float64
}

// Span locates a record in the source text by byte offsets.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Record is one structured record: a schedule discriminator, a confidence,
// a source span, and exactly one populated schedule payload.
type Record struct {
	Schedule   labels.Schedule `json:"schedule"`
	Confidence float64         `json:"confidence"`
	Span       Span            `json:"span"`

	Asset        *Asset        `json:"asset,omitempty"`
	Transaction  *Transaction  `json:"transaction,omitempty"`
	EarnedIncome *EarnedIncome `json:"earned_income,omitempty"`
	Liability    *Liability    `json:"liability,omitempty"`
	Position     *Position     `json:"position,omitempty"`
	Agreement    *Agreement    `json:"agreement,omitempty"`
	Gift         *Gift         `json:"gift,omitempty"`
	Travel       *Travel       `json:"travel,omitempty"`
	Charity      *Charity      `json:"charity,omitempty"`
}

// Document is the Silver structured artifact of one document version,
// serialized as JSON at labels.SilverStructured.
type Document struct {
	DocID       string            `json:"doc_id"`
	Year        int               `json:"year"`
	FilingType  labels.FilingType `json:"filing_type"`
	ContentHash string            `json:"content_hash"`
	Records     []Record          `json:"records"`
	ParsedAt    time.Time         `json:"parsed_at"`
}

// Encode serializes the document for storage.
func (d Document) Encode() ([]byte, error) {
	var b, err = json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding structured document %q: %w", d.DocID, err)
	}
	return b, nil
}

// Extractor parses one document's text into structured records.
type Extractor interface {
	Parse(src Source) ([]Record, error)
}

// registry maps filing-type codes to their extractor variants. It is fixed
// at build time; notice-style codes are deliberately absent.
var registry = map[labels.FilingType]Extractor{
	labels.TypeOriginal:    annualExtractor{},
	labels.TypeAmendment:   annualExtractor{},
	labels.TypeCandidate:   annualExtractor{},
	labels.TypeTermination: annualExtractor{},
	labels.TypePTR:         ptrExtractor{},
}

// Lookup returns the extractor variant of a filing type, or false when the
// type has only a textual fallback.
func Lookup(t labels.FilingType) (Extractor, bool) {
	var e, ok = registry[t]
	return e, ok
}

// Registered is true when |t| has a structured extractor variant.
func Registered(t labels.FilingType) bool {
	var _, ok = registry[t]
	return ok
}

// confidenceOver returns the text-extraction confidence of a span: the
// mean confidence of the pages it intersects, or the overall confidence
// when page data is absent.
func (s Source) confidenceOver(span Span) float64 {
	if len(s.PageConfidences) == 0 {
		return s.Confidence
	}

	// Page boundaries are the form feeds joining pages in Text.
	var start, page = 0, 0
	var sum float64
	var n int
	for page < len(s.PageConfidences) {
		var end = strings.IndexByte(s.Text[start:], '\f')
		if end == -1 {
			end = len(s.Text)
		} else {
			end += start
		}
		if span.Start < end+1 && span.End > start {
			sum += s.PageConfidences[page]
			n++
		}
		if end == len(s.Text) {
			break
		}
		start, page = end+1, page+1
	}
	if n == 0 {
		return s.Confidence
	}
	return sum / float64(n)
}

// damp reduces a confidence by a fixed factor per parse ambiguity (a field
// the parser expected but could not recover).
func damp(confidence float64, ambiguities int) float64 {
	for ; ambiguities > 0; ambiguities-- {
		confidence *= 0.85
	}
	return confidence
}
