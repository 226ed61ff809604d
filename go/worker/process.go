package worker

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/capitoldata/fdlake/go/blobs"
	"github.com/capitoldata/fdlake/go/labels"
	"github.com/capitoldata/fdlake/go/pdftext"
	"github.com/capitoldata/fdlake/go/queue"
	"github.com/capitoldata/fdlake/go/schedules"
	"github.com/capitoldata/fdlake/go/tables"
	log "github.com/sirupsen/logrus"
)

// process runs the Bronze state machine for one message. It never settles
// the lease itself; it reports an outcome for handle to settle.
func (w *Worker) process(ctx context.Context, msg queue.Message) outcome {
	var key = labels.BronzePDF(w.writer.Source(), msg.Year, msg.FilingType, msg.DocID)

	var obj, err = w.store.Head(ctx, key)
	if errors.Is(err, blobs.ErrNotFound) {
		// Bronze and the index disagree; the quality gate will surface it.
		return permanentOutcome("bronze object %q missing", key)
	} else if err != nil {
		return transientOutcome("probing %q: %s", key, err)
	}

	var contentHash = obj.Metadata[labels.ContentHash]
	if contentHash == "" {
		return permanentOutcome("bronze object %q has no content-hash metadata", key)
	}
	var doneKey = msg.DocID + "/" + contentHash
	if w.recent.Contains(doneKey) {
		return outcome{kind: outcomeDuplicate}
	}

	var state, stateErr = labels.ParseExtractionState(obj.Metadata[labels.ExtractionProcessed])
	if stateErr != nil {
		return permanentOutcome("undecodable extraction state: %s", stateErr)
	}
	switch state.Phase {
	case labels.ExtractionDone:
		// Another delivery already committed this content hash.
		w.recent.Add(doneKey, struct{}{})
		return outcome{kind: outcomeDuplicate}
	case labels.ExtractionFailedPermanent:
		// The failure is already recorded as data; nothing left to do.
		return outcome{kind: outcomeDuplicate}
	case labels.ExtractionClaimed:
		if !state.LeaseExpired(time.Now()) {
			return transientOutcome("claimed by worker %s until %s", state.WorkerID, state.LeaseExpiry)
		}
		// Expired claim: take over through the same compare-and-set.
	}

	// new → claimed. The etag precondition makes this the at-most-once
	// gate: exactly one contender observes the prior metadata version.
	var md = obj.Metadata.Clone()
	md[labels.ExtractionProcessed] = labels.ExtractionState{
		Phase:       labels.ExtractionClaimed,
		WorkerID:    w.id,
		LeaseExpiry: time.Now().Add(w.cfg.ClaimLease),
	}.Encode()

	var claimed blobs.Object
	claimed, err = w.store.SetMetadata(ctx, key, md, obj.Etag)
	if errors.Is(err, blobs.ErrEtagMismatch) {
		return transientOutcome("lost claim race for %q", key)
	} else if errors.Is(err, blobs.ErrNotFound) {
		return permanentOutcome("bronze object %q vanished", key)
	} else if err != nil {
		return transientOutcome("claiming %q: %s", key, err)
	}
	claimsTotal.Inc()

	var out = w.extractAndWrite(ctx, msg, key, claimed, contentHash)
	if out.kind == outcomeTransient {
		w.releaseClaim(ctx, key, claimed)
	}
	if out.kind == outcomeDone {
		w.recent.Add(doneKey, struct{}{})
	}
	return out
}

// extractAndWrite performs the work under an established claim. Write
// order within the document is fixed: text blob, text row, structured
// blob, documents row, then the metadata commit.
func (w *Worker) extractAndWrite(ctx context.Context, msg queue.Message, key string, claimed blobs.Object, contentHash string) outcome {
	var content, _, err = blobs.ReadAll(ctx, w.store, key)
	if errors.Is(err, blobs.ErrNotFound) {
		return permanentOutcome("bronze object %q vanished", key)
	} else if err != nil {
		return transientOutcome("reading %q: %s", key, err)
	}

	var result, extractErr = w.extractor.Extract(ctx, content)
	if errors.Is(extractErr, pdftext.ErrUnreadable) {
		return w.recordFailure(ctx, msg, key, claimed, contentHash, "unreadable pdf: "+extractErr.Error())
	} else if extractErr != nil {
		if ctx.Err() != nil {
			return transientOutcome("extraction deadline exceeded")
		}
		return transientOutcome("extracting text: %s", extractErr)
	}

	// Structured extraction, for filing types with a registered variant.
	// Text always lands in Silver regardless; the structured layer is the
	// part that may fail permanently on its own.
	var structured *schedules.Document
	if _, ok := schedules.Lookup(msg.FilingType); ok {
		var doc, parseErr = w.parseStructured(msg, contentHash, result)
		if errors.Is(parseErr, schedules.ErrExtractionFailed) {
			if err = w.writeText(ctx, msg, contentHash, result); err != nil {
				return transientOutcome("writing text: %s", err)
			}
			return w.recordFailure(ctx, msg, key, claimed, contentHash, parseErr.Error())
		} else if parseErr != nil {
			return transientOutcome("parsing structured records: %s", parseErr)
		}
		structured = &doc
	}

	if err = w.writeText(ctx, msg, contentHash, result); err != nil {
		return transientOutcome("writing text: %s", err)
	}
	if structured != nil {
		if err = w.writeStructured(ctx, msg, *structured); err != nil {
			return transientOutcome("writing structured records: %s", err)
		}
	}

	if err = tables.Upsert(ctx, w.writer, tables.Documents, msg.Year, []tables.DocumentRow{{
		DocID:            msg.DocID,
		Year:             int32(msg.Year),
		FilingType:       string(msg.FilingType),
		ContentHash:      contentHash,
		BronzeKey:        key,
		ByteLength:       int64(len(content)),
		ExtractionStatus: tables.StatusOK,
		ExtractionMethod: result.Method,
		TextConfidence:   result.Confidence,
		UpdatedAt:        time.Now().UnixMilli(),
	}}); err != nil {
		return transientOutcome("upserting documents row: %s", err)
	}

	// Commit point. If the object was re-staged mid-extraction the etag
	// moved, this fails, and the fresh message owns the new content.
	var md = claimed.Metadata.Clone()
	md[labels.ExtractionProcessed] = labels.ExtractionState{Phase: labels.ExtractionDone}.Encode()
	if _, err = w.store.SetMetadata(ctx, key, md, claimed.Etag); errors.Is(err, blobs.ErrEtagMismatch) {
		return transientOutcome("document %q rewritten during extraction", key)
	} else if err != nil {
		return transientOutcome("committing %q: %s", key, err)
	}
	return outcome{kind: outcomeDone}
}

func (w *Worker) parseStructured(msg queue.Message, contentHash string, result pdftext.Result) (schedules.Document, error) {
	var confidences = make([]float64, len(result.Pages))
	for i, p := range result.Pages {
		confidences[i] = p.Confidence
	}
	var extractor, _ = schedules.Lookup(msg.FilingType)
	var records, err = extractor.Parse(schedules.Source{
		DocID:           msg.DocID,
		Year:            msg.Year,
		FilingType:      msg.FilingType,
		ContentHash:     contentHash,
		Text:            result.Text,
		Confidence:      result.Confidence,
		PageConfidences: confidences,
	})
	if err != nil {
		return schedules.Document{}, err
	}
	return schedules.Document{
		DocID:       msg.DocID,
		Year:        msg.Year,
		FilingType:  msg.FilingType,
		ContentHash: contentHash,
		Records:     records,
		ParsedAt:    time.Now().UTC(),
	}, nil
}

// writeText stores the compressed text blob and upserts its table row.
func (w *Worker) writeText(ctx context.Context, msg queue.Message, contentHash string, result pdftext.Result) error {
	var compressed, textSHA, err = pdftext.CompressText(result.Text)
	if err != nil {
		return err
	}
	var textKey = labels.SilverText(w.writer.Source(), msg.Year, msg.DocID)
	if _, err = w.store.Put(ctx, textKey, bytes.NewReader(compressed), blobs.PutOptions{
		ContentType: "application/gzip",
		Metadata: blobs.Metadata{
			labels.ContentHash: contentHash,
		},
	}); err != nil {
		return err
	}

	return tables.Upsert(ctx, w.writer, tables.ExtractedText, msg.Year, []tables.TextRow{{
		DocID:       msg.DocID,
		Year:        int32(msg.Year),
		ContentHash: contentHash,
		TextKey:     textKey,
		Method:      result.Method,
		Confidence:  result.Confidence,
		CharCount:   int64(result.CharCount),
		PageCount:   int32(len(result.Pages)),
		TextSha256:  textSHA,
		ExtractedAt: time.Now().UnixMilli(),
	}})
}

func (w *Worker) writeStructured(ctx context.Context, msg queue.Message, doc schedules.Document) error {
	var b, err = doc.Encode()
	if err != nil {
		return err
	}
	_, err = w.store.Put(ctx,
		labels.SilverStructured(w.writer.Source(), msg.Year, msg.FilingType, msg.DocID),
		bytes.NewReader(b), blobs.PutOptions{
			ContentType: "application/json",
			Metadata: blobs.Metadata{
				labels.ContentHash: doc.ContentHash,
			},
		})
	return err
}

// recordFailure handles a permanently failed document. Before the final
// delivery attempt it reports transient so the message requeues and the
// claim releases; on the final attempt it records the failure as data
// (documents row + Bronze metadata) and dead-letters.
func (w *Worker) recordFailure(ctx context.Context, msg queue.Message, key string, claimed blobs.Object, contentHash, reason string) outcome {
	if msg.AttemptCount < w.cfg.MaxAttempts {
		return transientOutcome("attempt %d of %d: %s", msg.AttemptCount, w.cfg.MaxAttempts, reason)
	}

	if err := tables.Upsert(ctx, w.writer, tables.Documents, msg.Year, []tables.DocumentRow{{
		DocID:            msg.DocID,
		Year:             int32(msg.Year),
		FilingType:       string(msg.FilingType),
		ContentHash:      contentHash,
		BronzeKey:        key,
		ByteLength:       claimed.Size,
		ExtractionStatus: tables.StatusFailed,
		FailureReason:    reason,
		UpdatedAt:        time.Now().UnixMilli(),
	}}); err != nil {
		return transientOutcome("recording failure: %s", err)
	}

	var md = claimed.Metadata.Clone()
	md[labels.ExtractionProcessed] = labels.ExtractionState{
		Phase:  labels.ExtractionFailedPermanent,
		Reason: reason,
	}.Encode()
	if _, err := w.store.SetMetadata(ctx, key, md, claimed.Etag); err != nil &&
		!errors.Is(err, blobs.ErrEtagMismatch) {
		log.WithFields(log.Fields{"key": key, "err": err}).Warn("failed to mark document failed-permanent")
	}

	failuresTotal.Inc()
	return permanentOutcome("%s", reason)
}

// releaseClaim hands the document back to the new state so another worker
// need not wait out the lease. Best effort: if it fails, lease expiry
// covers it.
func (w *Worker) releaseClaim(ctx context.Context, key string, claimed blobs.Object) {
	var md = claimed.Metadata.Clone()
	md[labels.ExtractionProcessed] = labels.ExtractionState{Phase: labels.ExtractionNew}.Encode()
	if _, err := w.store.SetMetadata(ctx, key, md, claimed.Etag); err != nil &&
		!errors.Is(err, blobs.ErrEtagMismatch) && !errors.Is(err, blobs.ErrNotFound) {
		log.WithFields(log.Fields{"key": key, "err": err}).Debug("failed to release claim")
	}
}
