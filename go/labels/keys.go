package labels

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Silver table names.
const (
	TableFilings       = "filings"
	TableDocuments     = "documents"
	TableExtractedText = "extracted_text"
)

// escapeID makes an untrusted identifier safe for embedding in an object
// key. Doc IDs arrive from remote index files; query-escaping removes any
// path structure an adversarial index could smuggle in.
func escapeID(id string) string { return url.QueryEscape(id) }

// BronzeArchive is the key of the raw archive for one (source, year).
func BronzeArchive(source string, year int) string {
	return fmt.Sprintf("bronze/%s/year=%d/raw/archive.zip", source, year)
}

// BronzeIndex is the key of the extracted index file for one (source, year).
func BronzeIndex(source string, year int) string {
	return fmt.Sprintf("bronze/%s/year=%d/index/index.xml", source, year)
}

// BronzePDF is the key of a staged Raw Document.
func BronzePDF(source string, year int, filingType FilingType, docID string) string {
	return fmt.Sprintf("bronze/%s/year=%d/filing_type=%s/pdfs/%s.pdf",
		source, year, filingType, escapeID(docID))
}

// BronzeYearPrefix is the listing prefix covering everything staged for one
// (source, year): the archive, the index, reports, and all PDFs.
func BronzeYearPrefix(source string, year int) string {
	return fmt.Sprintf("bronze/%s/year=%d/", source, year)
}

// BronzeIngestReport is the key of the per-run ingest failure report.
func BronzeIngestReport(source string, year int, runID string) string {
	return fmt.Sprintf("bronze/%s/year=%d/reports/ingest-%s.json", source, year, runID)
}

// ParseBronzePDF decodes a key produced by BronzePDF. It returns ok=false
// for any other key under the Bronze prefix (archives, indexes, reports).
func ParseBronzePDF(key string) (source string, year int, filingType FilingType, docID string, ok bool) {
	var parts = strings.Split(key, "/")
	if len(parts) != 6 || parts[0] != "bronze" || parts[4] != "pdfs" {
		return "", 0, "", "", false
	}
	source = parts[1]

	var yearStr, found = strings.CutPrefix(parts[2], "year=")
	if !found {
		return "", 0, "", "", false
	}
	var err error
	if year, err = strconv.Atoi(yearStr); err != nil {
		return "", 0, "", "", false
	}

	var ftStr string
	if ftStr, found = strings.CutPrefix(parts[3], "filing_type="); !found {
		return "", 0, "", "", false
	}
	filingType = FilingType(ftStr)

	var name, cut = strings.CutSuffix(parts[5], ".pdf")
	if !cut {
		return "", 0, "", "", false
	}
	if docID, err = url.QueryUnescape(name); err != nil {
		return "", 0, "", "", false
	}
	return source, year, filingType, docID, true
}

// SilverTableRoot is the prefix under which all partitions of a Silver
// table live. The table's JSON Schema sibling is written directly below it.
func SilverTableRoot(source, table string) string {
	return fmt.Sprintf("silver/%s/%s", source, table)
}

// SilverTablePartition is the key of the single columnar file of one
// (table, year) partition.
func SilverTablePartition(source, table string, year int) string {
	return fmt.Sprintf("silver/%s/%s/year=%d/part-0000.parquet", source, table, year)
}

// SilverTableSchema is the key of a table's JSON Schema sibling document.
func SilverTableSchema(source, table string) string {
	return fmt.Sprintf("silver/%s/%s/_schema.json", source, table)
}

// SilverText is the key of a document's compressed extracted text.
func SilverText(source string, year int, docID string) string {
	return fmt.Sprintf("silver/%s/text/year=%d/doc_id=%s/text.gz", source, year, escapeID(docID))
}

// SilverStructured is the key of a document's structured-records JSON.
func SilverStructured(source string, year int, filingType FilingType, docID string) string {
	return fmt.Sprintf("silver/%s/structured/filing_type=%s/year=%d/doc_id=%s.json",
		source, filingType, year, escapeID(docID))
}
