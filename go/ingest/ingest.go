package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/capitoldata/fdlake/go/blobs"
	"github.com/capitoldata/fdlake/go/indexer"
	"github.com/capitoldata/fdlake/go/labels"
	"github.com/capitoldata/fdlake/go/watermark"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrCorruptArchive marks an archive that is not a readable zip or lacks
// its index file. Fatal for the (source, year): nothing is normalized and
// the watermark is left on its prior hash.
var ErrCorruptArchive = errors.New("corrupt archive")

// Result is one ingest run's outcome, consumed by the orchestrator and
// the index normalizer.
type Result struct {
	// Unchanged: the downloaded bytes hash to the current ok watermark;
	// nothing was written.
	Unchanged    bool
	ArchiveHash  string
	ArchiveSize  int64
	LastModified time.Time
	// Entries are the parsed index entries of the staged archive.
	Entries []indexer.Entry
	Report  Report
}

// Ingester stages yearly archives into Bronze.
type Ingester struct {
	fetcher    *Fetcher
	store      blobs.Store
	watermarks watermark.Store
}

// NewIngester returns an Ingester writing through |store|. The watermark
// store is read-only here: only the orchestrator writes watermarks.
func NewIngester(fetcher *Fetcher, store blobs.Store, watermarks watermark.Store) *Ingester {
	return &Ingester{fetcher: fetcher, store: store, watermarks: watermarks}
}

// Run downloads the archive at |url| and stages it for (source, year).
// With |force| false, a download whose hash matches an ok watermark
// returns Unchanged without writing. Staging is idempotent per object:
// Bronze objects already carrying the incoming content hash are skipped,
// so a crashed run resumes by re-running. Per-PDF failures are recorded in
// the run report and do not halt the remainder.
func (g *Ingester) Run(ctx context.Context, source string, year int, url string, force bool) (Result, error) {
	var started = time.Now().UTC()

	// The remote offers no content-digest header, so "has it changed" is
	// answered by hashing the stream: one download, not two.
	var spool, hash, size, lastModified, cleanup, err = g.fetcher.Download(ctx, url)
	if err != nil {
		return Result{}, err
	}
	defer cleanup()

	var out = Result{
		ArchiveHash:  hash,
		ArchiveSize:  size,
		LastModified: lastModified,
		Report: Report{
			RunID:       uuid.NewString(),
			Source:      source,
			Year:        year,
			ArchiveHash: hash,
			StartedAt:   started,
		},
	}

	var wm, _, wmErr = g.watermarks.Get(ctx, source, watermark.YearKey(year))
	if wmErr != nil {
		return Result{}, fmt.Errorf("reading watermark: %w", wmErr)
	}
	if !force && wm.Status == watermark.StatusOK && wm.ContentHash == hash {
		out.Unchanged = true
		return out, nil
	}

	var reader *zip.ReadCloser
	if reader, err = zip.OpenReader(spool); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrCorruptArchive, err)
	}
	defer reader.Close()

	if out.Entries, err = g.stageIndex(ctx, source, year, hash, &reader.Reader, &out.Report); err != nil {
		return Result{}, err
	}
	if err = g.stageArchive(ctx, source, year, spool, hash, size, &out.Report); err != nil {
		return Result{}, err
	}
	g.stagePDFs(ctx, source, year, hash, &reader.Reader, out.Entries, &out.Report)

	out.Report.FinishedAt = time.Now().UTC()
	if err = g.writeReport(ctx, source, year, out.Report); err != nil {
		return Result{}, err
	}

	log.WithFields(log.Fields{
		"source":  source,
		"year":    year,
		"hash":    hash,
		"staged":  out.Report.PDFsStaged,
		"skipped": out.Report.PDFsSkipped,
		"failed":  len(out.Report.Failures),
	}).Info("archive staged")
	return out, nil
}

// stageArchive writes the raw archive object unless Bronze already holds
// these exact bytes.
func (g *Ingester) stageArchive(ctx context.Context, source string, year int, spool, hash string, size int64, report *Report) error {
	var key = labels.BronzeArchive(source, year)
	if skip, err := g.canSkip(ctx, key, hash); err != nil {
		return err
	} else if skip {
		return nil
	}

	var file, err = os.Open(spool)
	if err != nil {
		return fmt.Errorf("reopening archive spool: %w", err)
	}
	defer file.Close()

	if _, err = g.store.Put(ctx, key, file, blobs.PutOptions{
		ContentType: "application/zip",
		Metadata: blobs.Metadata{
			labels.ContentHash: hash,
			labels.ByteLength:  strconv.FormatInt(size, 10),
			labels.IngestedAt:  time.Now().UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return fmt.Errorf("staging archive: %w", err)
	}
	report.ArchiveStaged = true
	return nil
}

// stageIndex locates the index file inside the archive, parses it, and
// stages it at the Bronze index key.
func (g *Ingester) stageIndex(ctx context.Context, source string, year int, archiveHash string, reader *zip.Reader, report *Report) ([]indexer.Entry, error) {
	var indexFile *zip.File
	for _, f := range reader.File {
		if strings.EqualFold(path.Ext(f.Name), ".xml") {
			indexFile = f
			break
		}
	}
	if indexFile == nil {
		return nil, fmt.Errorf("%w: archive has no index file", ErrCorruptArchive)
	}

	var content, err = readZipFile(indexFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading index: %s", ErrCorruptArchive, err)
	}
	var entries []indexer.Entry
	if entries, err = indexer.Parse(content, year); err != nil {
		return nil, err
	}

	var sum = sha256.Sum256(content)
	var hash = hex.EncodeToString(sum[:])
	var key = labels.BronzeIndex(source, year)
	if skip, err := g.canSkip(ctx, key, hash); err != nil {
		return nil, err
	} else if skip {
		return entries, nil
	}

	if _, err = g.store.Put(ctx, key, bytes.NewReader(content), blobs.PutOptions{
		ContentType: "application/xml",
		Metadata: blobs.Metadata{
			labels.ContentHash:       hash,
			labels.SourceArchiveHash: archiveHash,
			labels.ByteLength:        strconv.Itoa(len(content)),
			labels.IngestedAt:        time.Now().UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return nil, fmt.Errorf("staging index: %w", err)
	}
	report.IndexStaged = true
	return entries, nil
}

// stagePDFs writes each per-filing PDF, skipping unchanged objects.
// Failures are recorded and do not halt the remainder.
func (g *Ingester) stagePDFs(ctx context.Context, source string, year int, archiveHash string, reader *zip.Reader, entries []indexer.Entry, report *Report) {
	var byDocID = make(map[string]indexer.Entry, len(entries))
	for _, e := range entries {
		byDocID[e.DocID] = e
	}

	var seen = make(map[string]bool, len(reader.File))
	for _, f := range reader.File {
		if !strings.EqualFold(path.Ext(f.Name), ".pdf") {
			continue
		}
		var docID = strings.TrimSuffix(path.Base(f.Name), path.Ext(f.Name))
		seen[docID] = true

		if err := g.stagePDF(ctx, source, year, archiveHash, f, docID, byDocID, report); err != nil {
			report.Failures = append(report.Failures, Failure{DocID: docID, Reason: err.Error()})
			pdfFailuresTotal.Inc()
			log.WithFields(log.Fields{
				"docID": docID,
				"year":  year,
				"err":   err,
			}).Warn("failed to stage pdf")
		}
	}

	// Index entries with no PDF in the archive: staged nothing, but the
	// quality gate needs to know the index promised them.
	for _, e := range entries {
		if !seen[e.DocID] {
			report.MissingFromArchive = append(report.MissingFromArchive, e.DocID)
		}
	}
}

func (g *Ingester) stagePDF(ctx context.Context, source string, year int, archiveHash string, f *zip.File, docID string, byDocID map[string]indexer.Entry, report *Report) error {
	var entry, inIndex = byDocID[docID]
	if !inIndex {
		return fmt.Errorf("document %q is not in the index", docID)
	}

	var content, err = readZipFile(f)
	if err != nil {
		return fmt.Errorf("reading %q from archive: %w", f.Name, err)
	}
	var sum = sha256.Sum256(content)
	var hash = hex.EncodeToString(sum[:])

	var key = labels.BronzePDF(source, year, entry.FilingType, docID)
	if skip, err := g.canSkip(ctx, key, hash); err != nil {
		return err
	} else if skip {
		report.PDFsSkipped++
		return nil
	}

	// A new content hash resets the extraction state machine: derived
	// Silver rows for the prior hash stay put, and the normalizer
	// enqueues fresh work for this one.
	if _, err = g.store.Put(ctx, key, bytes.NewReader(content), blobs.PutOptions{
		ContentType: "application/pdf",
		Metadata: blobs.Metadata{
			labels.ContentHash:         hash,
			labels.SourceArchiveHash:   archiveHash,
			labels.ExtractionProcessed: labels.ExtractionState{Phase: labels.ExtractionNew}.Encode(),
			labels.ByteLength:          strconv.Itoa(len(content)),
			labels.IngestedAt:          time.Now().UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return fmt.Errorf("staging %q: %w", key, err)
	}
	report.PDFsStaged++
	pdfsStagedTotal.Inc()
	return nil
}

// canSkip is the deterministic skip check: an existing destination object
// whose recorded content hash matches the incoming bytes is not rewritten.
func (g *Ingester) canSkip(ctx context.Context, key, hash string) (bool, error) {
	var obj, err = g.store.Head(ctx, key)
	if errors.Is(err, blobs.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("probing %q: %w", key, err)
	}
	return obj.Metadata[labels.ContentHash] == hash, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	var rc, err = f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
