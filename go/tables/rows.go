package tables

import "github.com/capitoldata/fdlake/go/labels"

// Extraction status values of the documents table.
const (
	// StatusPending: the document is staged in Bronze and awaits extraction.
	StatusPending = "pending"
	// StatusOK: text (and structured records, where registered) are written.
	StatusOK = "ok"
	// StatusFailed: extraction failed permanently; see FailureReason.
	StatusFailed = "failed"
)

// Row is a record of a Silver table. Key returns the row's primary key;
// Upsert replaces existing rows whose Key matches an incoming row.
type Row interface {
	Key() string
}

// FilingRow is one Filing Index Entry, normalized from the archive index.
// Primary key: doc_id.
type FilingRow struct {
	DocID         string `parquet:"doc_id" json:"doc_id"`
	Year          int32  `parquet:"year" json:"year"`
	FilingType    string `parquet:"filing_type" json:"filing_type"`
	FilerName     string `parquet:"filer_name" json:"filer_name"`
	StateDistrict string `parquet:"state_district" json:"state_district"`
	// FilingDate is the index's filing date normalized to YYYY-MM-DD, or
	// empty when the index omitted or mangled it.
	FilingDate string `parquet:"filing_date" json:"filing_date"`
	// AmendsDocID points at the filing this one amends. Supersession is
	// recorded, never applied: prior rows are retained and a "current
	// filing" view is a downstream concern.
	AmendsDocID string `parquet:"amends_doc_id" json:"amends_doc_id"`
}

// Key implements Row.
func (r FilingRow) Key() string { return r.DocID }

// DocumentRow is one Raw Document version. Primary key: (doc_id,
// content_hash), so a rewritten PDF adds a row rather than replacing one.
type DocumentRow struct {
	DocID       string `parquet:"doc_id" json:"doc_id"`
	Year        int32  `parquet:"year" json:"year"`
	FilingType  string `parquet:"filing_type" json:"filing_type"`
	ContentHash string `parquet:"content_hash" json:"content_hash"`
	BronzeKey   string `parquet:"bronze_key" json:"bronze_key"`
	ByteLength  int64  `parquet:"byte_length" json:"byte_length"`
	// ExtractionStatus is one of the Status* constants.
	ExtractionStatus string `parquet:"extraction_status" json:"extraction_status"`
	// ExtractionMethod is embedded|ocr|mixed once extraction succeeds.
	ExtractionMethod string  `parquet:"extraction_method" json:"extraction_method"`
	TextConfidence   float64 `parquet:"text_confidence" json:"text_confidence"`
	FailureReason    string  `parquet:"failure_reason" json:"failure_reason"`
	// UpdatedAt is unix milliseconds of the last status transition.
	UpdatedAt int64 `parquet:"updated_at" json:"updated_at"`
}

// Key implements Row.
func (r DocumentRow) Key() string { return r.DocID + "/" + r.ContentHash }

// TextRow describes one extracted text blob. The text itself lives at
// TextKey as a gzip object; the row carries its digest and shape so quality
// gates and readers can audit without fetching bodies. Primary key:
// (doc_id, content_hash).
type TextRow struct {
	DocID       string `parquet:"doc_id" json:"doc_id"`
	Year        int32  `parquet:"year" json:"year"`
	ContentHash string `parquet:"content_hash" json:"content_hash"`
	TextKey     string `parquet:"text_key" json:"text_key"`
	// Method is embedded|ocr|mixed.
	Method     string  `parquet:"method" json:"method"`
	Confidence float64 `parquet:"confidence" json:"confidence"`
	CharCount  int64   `parquet:"char_count" json:"char_count"`
	PageCount  int32   `parquet:"page_count" json:"page_count"`
	// TextSha256 is the digest of the uncompressed text.
	TextSha256 string `parquet:"text_sha256" json:"text_sha256"`
	// ExtractedAt is unix milliseconds of the extraction.
	ExtractedAt int64 `parquet:"extracted_at" json:"extracted_at"`
}

// Key implements Row.
func (r TextRow) Key() string { return r.DocID + "/" + r.ContentHash }

// Table names, re-exported so callers need not also import labels.
const (
	Filings       = labels.TableFilings
	Documents     = labels.TableDocuments
	ExtractedText = labels.TableExtractedText
)
