package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/capitoldata/fdlake/go/blobs"
	"github.com/capitoldata/fdlake/go/labels"
)

// Failure is one per-document staging failure.
type Failure struct {
	DocID  string `json:"doc_id"`
	Reason string `json:"reason"`
}

// Report is the per-run staging record, written to Bronze beside the
// archive so failed documents are inspectable after the fact.
type Report struct {
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	Year        int       `json:"year"`
	ArchiveHash string    `json:"archive_hash"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`

	// ArchiveStaged and IndexStaged are false when the objects already
	// held these bytes and were skipped.
	ArchiveStaged bool `json:"archive_staged"`
	IndexStaged   bool `json:"index_staged"`
	PDFsStaged    int  `json:"pdfs_staged"`
	PDFsSkipped   int  `json:"pdfs_skipped"`

	Failures []Failure `json:"failures,omitempty"`
	// MissingFromArchive lists doc IDs the index promises but the archive
	// does not contain. The quality gate alarms on them.
	MissingFromArchive []string `json:"missing_from_archive,omitempty"`
}

func (g *Ingester) writeReport(ctx context.Context, source string, year int, report Report) error {
	var b, err = json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ingest report: %w", err)
	}
	if _, err = g.store.Put(ctx, labels.BronzeIngestReport(source, year, report.RunID),
		bytes.NewReader(b), blobs.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("writing ingest report: %w", err)
	}
	return nil
}
