package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/capitoldata/fdlake/go/blobs"
	"github.com/capitoldata/fdlake/go/labels"
	"github.com/capitoldata/fdlake/go/pdftext"
	"github.com/capitoldata/fdlake/go/queue"
	"github.com/capitoldata/fdlake/go/schedules"
	"github.com/capitoldata/fdlake/go/tables"
	"github.com/stretchr/testify/require"
)

// fakeExtractor maps raw content to canned results. Unknown content is
// unreadable, mirroring the production extractor's contract.
type fakeExtractor struct {
	results map[string]pdftext.Result
	err     error
}

func (f *fakeExtractor) Extract(_ context.Context, content []byte) (pdftext.Result, error) {
	if f.err != nil {
		return pdftext.Result{}, f.err
	}
	if r, ok := f.results[string(content)]; ok {
		return r, nil
	}
	return pdftext.Result{}, pdftext.ErrUnreadable
}

func pageOf(text string, confidence float64) pdftext.Result {
	return pdftext.Result{
		Text:       text,
		Method:     pdftext.MethodEmbedded,
		Confidence: confidence,
		CharCount:  len(text),
		Pages: []pdftext.PageResult{{
			Number:     1,
			Method:     pdftext.MethodEmbedded,
			Confidence: confidence,
			CharCount:  len(text),
		}},
	}
}

func testWorker(t *testing.T, fake *fakeExtractor) (*Worker, blobs.Store, *queue.MemoryQueue, *tables.Writer) {
	store, err := blobs.NewFSStore(t.TempDir())
	require.NoError(t, err)
	q, err := queue.NewMemoryQueue(queue.Options{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       3,
	})
	require.NoError(t, err)

	var writer = tables.NewWriter(store, "house")
	w, err := New(Config{MaxAttempts: 3}, store, q, writer, fake)
	require.NoError(t, err)
	return w, store, q, writer
}

func stageDoc(t *testing.T, store blobs.Store, filingType labels.FilingType, docID, content string) (string, string) {
	var sum = sha256.Sum256([]byte(content))
	var hash = hex.EncodeToString(sum[:])
	var key = labels.BronzePDF("house", 2024, filingType, docID)
	var _, err = store.Put(context.Background(), key, strings.NewReader(content), blobs.PutOptions{
		Metadata: blobs.Metadata{
			labels.ContentHash:         hash,
			labels.ExtractionProcessed: labels.ExtractionState{Phase: labels.ExtractionNew}.Encode(),
		},
	})
	require.NoError(t, err)
	return key, hash
}

const extensionText = "Request for a 90 day extension of the filing deadline."

func TestProcessExtractsAndCommits(t *testing.T) {
	var ctx = context.Background()
	var fake = &fakeExtractor{results: map[string]pdftext.Result{
		"pdf bytes": pageOf(extensionText, 0.95),
	}}
	var w, store, _, writer = testWorker(t, fake)
	var key, hash = stageDoc(t, store, labels.TypeExtension, "20001", "pdf bytes")

	var msg = queue.Message{DocID: "20001", Year: 2024, FilingType: labels.TypeExtension, AttemptCount: 1}
	var out = w.process(ctx, msg)
	require.Equal(t, outcomeDone, out.kind, out.reason)

	// Text blob round-trips through gzip.
	compressed, _, err := blobs.ReadAll(ctx, store, labels.SilverText("house", 2024, "20001"))
	require.NoError(t, err)
	text, err := pdftext.DecompressText(compressed)
	require.NoError(t, err)
	require.Equal(t, extensionText, text)

	// Both Silver rows landed.
	textRows, err := tables.ReadPartition[tables.TextRow](ctx, writer, tables.ExtractedText, 2024)
	require.NoError(t, err)
	require.Len(t, textRows, 1)
	require.Equal(t, hash, textRows[0].ContentHash)
	require.Equal(t, pdftext.MethodEmbedded, textRows[0].Method)

	docRows, err := tables.ReadPartition[tables.DocumentRow](ctx, writer, tables.Documents, 2024)
	require.NoError(t, err)
	require.Len(t, docRows, 1)
	require.Equal(t, tables.StatusOK, docRows[0].ExtractionStatus)
	require.Equal(t, 0.95, docRows[0].TextConfidence)

	// The commit point: metadata is done.
	obj, err := store.Head(ctx, key)
	require.NoError(t, err)
	require.Equal(t, labels.ExtractionDone,
		labels.MustExtractionState(obj.Metadata[labels.ExtractionProcessed]).Phase)

	// Redelivery of finished work acks as a duplicate.
	out = w.process(ctx, msg)
	require.Equal(t, outcomeDuplicate, out.kind)
}

func TestProcessWritesStructuredRecords(t *testing.T) {
	var ctx = context.Background()
	var ptrText = "PERIODIC TRANSACTION REPORT\n\n" +
		"Apple Inc (AAPL) [ST]\nP 03/15/2024\n$1,001 - $15,000\n"
	var fake = &fakeExtractor{results: map[string]pdftext.Result{
		"ptr bytes": pageOf(ptrText, 0.9),
	}}
	var w, store, _, _ = testWorker(t, fake)
	stageDoc(t, store, labels.TypePTR, "20002", "ptr bytes")

	var out = w.process(ctx, queue.Message{
		DocID: "20002", Year: 2024, FilingType: labels.TypePTR, AttemptCount: 1})
	require.Equal(t, outcomeDone, out.kind, out.reason)

	b, _, err := blobs.ReadAll(ctx, store,
		labels.SilverStructured("house", 2024, labels.TypePTR, "20002"))
	require.NoError(t, err)
	var doc schedules.Document
	require.NoError(t, json.Unmarshal(b, &doc))
	require.Equal(t, "20002", doc.DocID)
	require.Len(t, doc.Records, 1)
	require.Equal(t, labels.ScheduleTransactions, doc.Records[0].Schedule)
	require.Equal(t, "Apple Inc (AAPL)", doc.Records[0].Transaction.Asset)
}

func TestProcessRespectsLiveClaim(t *testing.T) {
	var ctx = context.Background()
	var fake = &fakeExtractor{results: map[string]pdftext.Result{
		"pdf bytes": pageOf(extensionText, 0.95),
	}}
	var w, store, _, _ = testWorker(t, fake)
	var key, _ = stageDoc(t, store, labels.TypeExtension, "20003", "pdf bytes")
	var msg = queue.Message{DocID: "20003", Year: 2024, FilingType: labels.TypeExtension, AttemptCount: 1}

	// A live foreign claim defers this worker.
	obj, err := store.Head(ctx, key)
	require.NoError(t, err)
	var md = obj.Metadata.Clone()
	md[labels.ExtractionProcessed] = labels.ExtractionState{
		Phase:       labels.ExtractionClaimed,
		WorkerID:    "someone-else",
		LeaseExpiry: time.Now().Add(time.Minute * 10),
	}.Encode()
	_, err = store.SetMetadata(ctx, key, md, "")
	require.NoError(t, err)

	var out = w.process(ctx, msg)
	require.Equal(t, outcomeTransient, out.kind)

	// An expired claim is taken over, as if a worker crashed mid-task.
	md[labels.ExtractionProcessed] = labels.ExtractionState{
		Phase:       labels.ExtractionClaimed,
		WorkerID:    "someone-else",
		LeaseExpiry: time.Now().Add(-time.Minute),
	}.Encode()
	_, err = store.SetMetadata(ctx, key, md, "")
	require.NoError(t, err)

	out = w.process(ctx, msg)
	require.Equal(t, outcomeDone, out.kind, out.reason)
}

func TestProcessUnreadableRetriesUntilBudget(t *testing.T) {
	var ctx = context.Background()
	var fake = &fakeExtractor{err: pdftext.ErrUnreadable}
	var w, store, _, writer = testWorker(t, fake)
	var key, _ = stageDoc(t, store, labels.TypeOriginal, "20004", "garbage bytes")
	var msg = queue.Message{DocID: "20004", Year: 2024, FilingType: labels.TypeOriginal}

	// Early attempts requeue: a permanent classification still gets the
	// full delivery budget before it is recorded.
	msg.AttemptCount = 1
	var out = w.process(ctx, msg)
	require.Equal(t, outcomeTransient, out.kind)

	obj, err := store.Head(ctx, key)
	require.NoError(t, err)
	require.Equal(t, labels.ExtractionNew,
		labels.MustExtractionState(obj.Metadata[labels.ExtractionProcessed]).Phase)

	// The final attempt records the failure as data.
	msg.AttemptCount = 3
	out = w.process(ctx, msg)
	require.Equal(t, outcomePermanent, out.kind)
	require.Contains(t, out.reason, "unreadable")

	obj, err = store.Head(ctx, key)
	require.NoError(t, err)
	var state = labels.MustExtractionState(obj.Metadata[labels.ExtractionProcessed])
	require.Equal(t, labels.ExtractionFailedPermanent, state.Phase)

	docRows, err := tables.ReadPartition[tables.DocumentRow](ctx, writer, tables.Documents, 2024)
	require.NoError(t, err)
	require.Len(t, docRows, 1)
	require.Equal(t, tables.StatusFailed, docRows[0].ExtractionStatus)
	require.Contains(t, docRows[0].FailureReason, "unreadable")
}

func TestProcessMissingBronzeObject(t *testing.T) {
	var w, _, _, _ = testWorker(t, &fakeExtractor{})
	var out = w.process(context.Background(), queue.Message{
		DocID: "absent", Year: 2024, FilingType: labels.TypePTR, AttemptCount: 1})
	require.Equal(t, outcomePermanent, out.kind)
}

func TestRunOnceSettlesLeases(t *testing.T) {
	var ctx = context.Background()
	var fake = &fakeExtractor{results: map[string]pdftext.Result{
		"pdf bytes": pageOf(extensionText, 0.95),
	}}
	var w, store, q, _ = testWorker(t, fake)
	stageDoc(t, store, labels.TypeExtension, "20005", "pdf bytes")

	require.NoError(t, q.Enqueue(ctx,
		queue.Message{DocID: "20005", Year: 2024, FilingType: labels.TypeExtension},
		queue.Message{DocID: "absent", Year: 2024, FilingType: labels.TypeExtension},
	))

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// The staged document acked; the missing one dead-lettered.
	depth, err := q.Depth(ctx, 2024)
	require.NoError(t, err)
	require.Zero(t, depth.Ready)
	require.Zero(t, depth.InFlight)
	require.Equal(t, int64(1), depth.DeadLettered)

	letters, err := q.ListDeadLetters(ctx, 2024, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "absent", letters[0].Message.DocID)
}
