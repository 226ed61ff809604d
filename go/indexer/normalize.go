package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/capitoldata/fdlake/go/blobs"
	"github.com/capitoldata/fdlake/go/labels"
	"github.com/capitoldata/fdlake/go/queue"
	"github.com/capitoldata/fdlake/go/tables"
	log "github.com/sirupsen/logrus"
)

// Normalizer turns parsed index entries into Silver filings rows, pending
// documents rows, and queued extraction work. Every write is an idempotent
// upsert or a deduplicated enqueue, so re-running over the same index is a
// no-op.
type Normalizer struct {
	store  blobs.Store
	queue  queue.Queue
	writer *tables.Writer
	// allow restricts which filing types are extracted. Nil allows all;
	// filings rows are written for every type regardless.
	allow map[labels.FilingType]bool
}

// NewNormalizer returns a Normalizer. An empty |allowTypes| extracts every
// filing type.
func NewNormalizer(store blobs.Store, q queue.Queue, writer *tables.Writer, allowTypes []labels.FilingType) *Normalizer {
	var allow map[labels.FilingType]bool
	if len(allowTypes) != 0 {
		allow = make(map[labels.FilingType]bool, len(allowTypes))
		for _, ft := range allowTypes {
			allow[ft] = true
		}
	}
	return &Normalizer{store: store, queue: q, writer: writer, allow: allow}
}

// Result summarizes one normalization pass.
type Result struct {
	// Filings counts rows upserted into the filings table.
	Filings int
	// Enqueued counts document versions handed to the extraction queue.
	Enqueued int
	// AlreadyDone counts document versions whose extraction is committed.
	AlreadyDone int
	// SkippedType counts entries excluded by the filing-type allow list.
	SkippedType int
	// Missing lists doc IDs the index promises but Bronze does not hold.
	Missing []string
}

// Run normalizes |entries| for one year. Entries whose Bronze object is
// absent are reported in the result, not fatal: the ingest report carries
// the same doc IDs and the quality gate alarms on them.
func (n *Normalizer) Run(ctx context.Context, year int, entries []Entry) (Result, error) {
	var out Result

	var filings = make([]tables.FilingRow, 0, len(entries))
	for _, e := range entries {
		filings = append(filings, tables.FilingRow{
			DocID:         e.DocID,
			Year:          int32(e.Year),
			FilingType:    string(e.FilingType),
			FilerName:     e.FilerName,
			StateDistrict: e.StateDistrict,
			FilingDate:    e.FilingDate,
			AmendsDocID:   e.AmendsDocID,
		})
	}
	if err := tables.Upsert(ctx, n.writer, tables.Filings, year, filings); err != nil {
		return out, fmt.Errorf("upserting filings: %w", err)
	}
	out.Filings = len(filings)

	var pending []tables.DocumentRow
	var msgs []queue.Message
	for _, e := range entries {
		if n.allow != nil && !n.allow[e.FilingType] {
			out.SkippedType++
			continue
		}

		var key = labels.BronzePDF(n.writer.Source(), e.Year, e.FilingType, e.DocID)
		var obj, err = n.store.Head(ctx, key)
		if errors.Is(err, blobs.ErrNotFound) {
			log.WithFields(log.Fields{
				"docID": e.DocID,
				"year":  e.Year,
			}).Warn("index entry has no staged document")
			out.Missing = append(out.Missing, e.DocID)
			continue
		} else if err != nil {
			return out, fmt.Errorf("probing %q: %w", key, err)
		}

		var contentHash = obj.Metadata[labels.ContentHash]
		var state, stateErr = labels.ParseExtractionState(obj.Metadata[labels.ExtractionProcessed])
		if stateErr != nil {
			return out, fmt.Errorf("decoding extraction state of %q: %w", key, stateErr)
		}
		switch state.Phase {
		case labels.ExtractionDone, labels.ExtractionFailedPermanent:
			// This version's terminal row is already written; a pending
			// upsert would regress it.
			out.AlreadyDone++
			continue
		}

		pending = append(pending, tables.DocumentRow{
			DocID:            e.DocID,
			Year:             int32(e.Year),
			FilingType:       string(e.FilingType),
			ContentHash:      contentHash,
			BronzeKey:        key,
			ByteLength:       obj.Size,
			ExtractionStatus: tables.StatusPending,
			UpdatedAt:        time.Now().UnixMilli(),
		})
		msgs = append(msgs, queue.Message{
			DocID:      e.DocID,
			Year:       e.Year,
			FilingType: e.FilingType,
			DedupeHash: contentHash,
		})
	}

	if err := tables.Upsert(ctx, n.writer, tables.Documents, year, pending); err != nil {
		return out, fmt.Errorf("upserting pending documents: %w", err)
	}
	if err := n.queue.Enqueue(ctx, msgs...); err != nil {
		return out, fmt.Errorf("enqueueing extraction work: %w", err)
	}
	out.Enqueued = len(msgs)

	entriesNormalizedTotal.Add(float64(len(entries)))
	documentsEnqueuedTotal.Add(float64(len(msgs)))
	log.WithFields(log.Fields{
		"year":     year,
		"filings":  out.Filings,
		"enqueued": out.Enqueued,
		"done":     out.AlreadyDone,
		"missing":  len(out.Missing),
	}).Info("normalized index")
	return out, nil
}
