// Package indexer normalizes the archive's XML index into the Silver
// filings and documents tables, and enqueues extraction work for document
// versions that still need it.
package indexer

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/capitoldata/fdlake/go/labels"
	log "github.com/sirupsen/logrus"
)

// ErrMalformedIndex marks an index file the parser cannot accept: not XML,
// over the input caps, or empty of members. It is fatal for the ingest
// year, like a corrupt archive.
var ErrMalformedIndex = errors.New("malformed index")

// Parser caps. The index is untrusted remote input; a decoder bomb must
// fail fast instead of expanding.
const (
	maxIndexBytes    = 64 << 20
	maxIndexDepth    = 16
	maxIndexElements = 4_000_000
)

// Entry is one parsed Filing Index Entry.
type Entry struct {
	DocID         string
	Year          int
	FilingType    labels.FilingType
	FilerName     string
	StateDistrict string
	// FilingDate is normalized to YYYY-MM-DD; empty when absent.
	FilingDate string
	// AmendsDocID is the index's amendment pointer, when present.
	AmendsDocID string
}

// xmlMember mirrors one <Member> element. The Clerk's index spells the
// filer as First/Last; FilerName is accepted as a whole-name alternative.
type xmlMember struct {
	Prefix      string `xml:"Prefix"`
	First       string `xml:"First"`
	Last        string `xml:"Last"`
	Suffix      string `xml:"Suffix"`
	FilerName   string `xml:"FilerName"`
	FilingType  string `xml:"FilingType"`
	StateDst    string `xml:"StateDst"`
	Year        int    `xml:"Year"`
	FilingDate  string `xml:"FilingDate"`
	DocID       string `xml:"DocID"`
	AmendsDocID string `xml:"AmendsDocID"`
}

func (m xmlMember) filerName() string {
	if m.FilerName != "" {
		return m.FilerName
	}
	var parts []string
	for _, p := range []string{m.Prefix, m.First, m.Last, m.Suffix} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Parse decodes an index file into entries, in document order. The decoder
// is hardened for untrusted input: strict XML, no external entities (the
// stdlib decoder never fetches them), and caps on input size, nesting
// depth, and element count. Members with no DocID or an unknown filing
// type are dropped with a warning rather than failing the year.
func Parse(content []byte, defaultYear int) ([]Entry, error) {
	if len(content) > maxIndexBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds cap", ErrMalformedIndex, len(content))
	}

	var decoder = xml.NewDecoder(bytes.NewReader(content))
	decoder.Strict = true

	var entries []Entry
	var depth, elements int
	for {
		var tok, err = decoder.Token()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedIndex, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if depth++; depth > maxIndexDepth {
				return nil, fmt.Errorf("%w: nesting exceeds depth cap", ErrMalformedIndex)
			}
			if elements++; elements > maxIndexElements {
				return nil, fmt.Errorf("%w: element count exceeds cap", ErrMalformedIndex)
			}
			if t.Name.Local != "Member" {
				continue
			}

			var member xmlMember
			if err = decoder.DecodeElement(&member, &t); err != nil {
				return nil, fmt.Errorf("%w: decoding member: %s", ErrMalformedIndex, err)
			}
			depth--

			var entry, ok = entryOf(member, defaultYear)
			if !ok {
				continue
			}
			entries = append(entries, entry)
		case xml.EndElement:
			depth--
		}
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no members decoded", ErrMalformedIndex)
	}
	return entries, nil
}

func entryOf(m xmlMember, defaultYear int) (Entry, bool) {
	var docID = strings.TrimSpace(m.DocID)
	if docID == "" {
		log.Warn("dropping index member with no DocID")
		return Entry{}, false
	}
	var filingType = labels.FilingType(strings.TrimSpace(m.FilingType))
	if !filingType.Valid() {
		log.WithFields(log.Fields{
			"docID":      docID,
			"filingType": m.FilingType,
		}).Warn("dropping index member with unknown filing type")
		return Entry{}, false
	}

	var year = m.Year
	if year == 0 {
		year = defaultYear
	}
	return Entry{
		DocID:         docID,
		Year:          year,
		FilingType:    filingType,
		FilerName:     m.filerName(),
		StateDistrict: strings.TrimSpace(m.StateDst),
		FilingDate:    normalizeDate(m.FilingDate),
		AmendsDocID:   strings.TrimSpace(m.AmendsDocID),
	}, true
}

var indexDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)

// normalizeDate converts the index's M/D/YYYY dates to YYYY-MM-DD, leaving
// unrecognized values unchanged.
func normalizeDate(s string) string {
	var m = indexDateRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return strings.TrimSpace(s)
	}
	var month, _ = strconv.Atoi(m[1])
	var day, _ = strconv.Atoi(m[2])
	return fmt.Sprintf("%s-%02d-%02d", m[3], month, day)
}
