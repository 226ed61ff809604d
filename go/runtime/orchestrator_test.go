package runtime

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/capitoldata/fdlake/go/blobs"
	"github.com/capitoldata/fdlake/go/labels"
	"github.com/capitoldata/fdlake/go/pdftext"
	"github.com/capitoldata/fdlake/go/queue"
	"github.com/capitoldata/fdlake/go/tables"
	"github.com/capitoldata/fdlake/go/watermark"
	"github.com/capitoldata/fdlake/go/worker"
	"github.com/stretchr/testify/require"
)

const ptrText = "PERIODIC TRANSACTION REPORT\n\n" +
	"Apple Inc (AAPL) [ST]\nP 03/15/2024\n$1,001 - $15,000\n"

const annualText = "SCHEDULE A: ASSETS\n\n" +
	"Vanguard 500 Index Fund [MF]\nSP $15,001 - $50,000\nDividends $201 - $1,000\n"

const extensionText = "Request for a 90 day extension of the filing deadline."

// fakeExtractor maps raw PDF bytes to canned extraction results.
type fakeExtractor struct {
	results map[string]string
}

func (f *fakeExtractor) Extract(_ context.Context, content []byte) (pdftext.Result, error) {
	var text, ok = f.results[string(content)]
	if !ok {
		return pdftext.Result{}, pdftext.ErrUnreadable
	}
	return pdftext.Result{
		Text:       text,
		Method:     pdftext.MethodEmbedded,
		Confidence: 0.95,
		CharCount:  len(text),
		Pages: []pdftext.PageResult{{
			Number:     1,
			Method:     pdftext.MethodEmbedded,
			Confidence: 0.95,
			CharCount:  len(text),
		}},
	}, nil
}

type archiveDoc struct {
	FilingType string
	Content    string
}

func buildArchive(t *testing.T, year int, docs map[string]archiveDoc) []byte {
	var buf bytes.Buffer
	var zw = zip.NewWriter(&buf)

	var index bytes.Buffer
	index.WriteString("<FinancialDisclosure>")
	for docID, doc := range docs {
		fmt.Fprintf(&index,
			"<Member><First>Jane</First><Last>Doe</Last><FilingType>%s</FilingType>"+
				"<StateDst>CA12</StateDst><Year>%d</Year><DocID>%s</DocID></Member>",
			doc.FilingType, year, docID)
	}
	index.WriteString("</FinancialDisclosure>")

	w, err := zw.Create(fmt.Sprintf("%dFD.xml", year))
	require.NoError(t, err)
	_, err = w.Write(index.Bytes())
	require.NoError(t, err)
	for docID, doc := range docs {
		w, err = zw.Create(fmt.Sprintf("%d/%s.pdf", year, docID))
		require.NoError(t, err)
		_, err = w.Write([]byte(doc.Content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type archiveServer struct {
	body         []byte
	lastModified string
}

func (s *archiveServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", s.lastModified)
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(s.body)))
			return
		}
		_, _ = w.Write(s.body)
	}
}

func testStores(t *testing.T) *Stores {
	store, err := blobs.NewFSStore(t.TempDir())
	require.NoError(t, err)
	q, err := queue.NewMemoryQueue(queue.Options{
		VisibilityTimeout: time.Minute,
		MaxAttempts:       3,
	})
	require.NoError(t, err)
	return &Stores{
		Blobs:      store,
		Queue:      q,
		Watermarks: watermark.NewMemoryStore(),
		Tables:     tables.NewWriter(store, "house"),
	}
}

func TestOrchestratorEndToEnd(t *testing.T) {
	var ctx = context.Background()
	var server = &archiveServer{
		lastModified: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Format(http.TimeFormat),
	}
	var srv = httptest.NewServer(server.handler())
	t.Cleanup(srv.Close)

	var stores = testStores(t)
	server.body = buildArchive(t, 2024, map[string]archiveDoc{
		"10001": {FilingType: "P", Content: "ptr pdf"},
		"10002": {FilingType: "O", Content: "annual pdf"},
		"10003": {FilingType: "X", Content: "extension pdf"},
	})

	// One extraction worker drains the queue while the orchestrator waits.
	var fake = &fakeExtractor{results: map[string]string{
		"ptr pdf":          ptrText,
		"annual pdf":       annualText,
		"extension pdf":    extensionText,
		"extension pdf v2": extensionText + " (resubmitted)",
	}}
	w, err := worker.New(worker.Config{
		PollInterval: time.Millisecond * 10,
		MaxAttempts:  3,
	}, stores.Blobs, stores.Queue, stores.Tables, fake)
	require.NoError(t, err)
	var workerCtx, stopWorker = context.WithCancel(ctx)
	t.Cleanup(stopWorker)
	go func() { _ = w.Run(workerCtx) }()

	var orchestrator = NewOrchestrator(OrchestratorConfig{
		ArchiveURLPattern: srv.URL + "/%dFD.zip",
		DrainDeadline:     time.Second * 30,
		DrainPollMin:      time.Millisecond * 10,
		DrainPollMax:      time.Millisecond * 50,
	}, stores, srv.Client())

	// Clean first run.
	out, err := orchestrator.Run(ctx, 2024)
	require.NoError(t, err)
	require.Equal(t, StateDone, out.State)
	require.False(t, out.Unchanged)
	require.Equal(t, 3, out.Normalize.Enqueued)
	require.Zero(t, out.Quality.Violations)

	wm, _, err := stores.Watermarks.Get(ctx, "house", watermark.YearKey(2024))
	require.NoError(t, err)
	require.Equal(t, watermark.StatusOK, wm.Status)
	require.Equal(t, out.ArchiveHash, wm.ContentHash)

	filings, err := tables.ReadPartition[tables.FilingRow](ctx, stores.Tables, tables.Filings, 2024)
	require.NoError(t, err)
	require.Len(t, filings, 3)
	texts, err := tables.ReadPartition[tables.TextRow](ctx, stores.Tables, tables.ExtractedText, 2024)
	require.NoError(t, err)
	require.Len(t, texts, 3)

	// Structured records landed for the registered types.
	_, err = stores.Blobs.Head(ctx, labels.SilverStructured("house", 2024, labels.TypePTR, "10001"))
	require.NoError(t, err)
	_, err = stores.Blobs.Head(ctx, labels.SilverStructured("house", 2024, labels.TypeOriginal, "10002"))
	require.NoError(t, err)

	// Second run sees the unchanged Last-Modified and short circuits.
	out, err = orchestrator.Run(ctx, 2024)
	require.NoError(t, err)
	require.True(t, out.Unchanged)

	// Replace one document and republish the archive.
	server.body = buildArchive(t, 2024, map[string]archiveDoc{
		"10001": {FilingType: "P", Content: "ptr pdf"},
		"10002": {FilingType: "O", Content: "annual pdf"},
		"10003": {FilingType: "X", Content: "extension pdf v2"},
	})
	server.lastModified = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).Format(http.TimeFormat)

	out, err = orchestrator.Run(ctx, 2024)
	require.NoError(t, err)
	require.Equal(t, StateDone, out.State)
	require.False(t, out.Unchanged)
	require.Equal(t, 1, out.Normalize.Enqueued)
	require.Equal(t, 1, out.Ingest.PDFsStaged)
	require.Zero(t, out.Quality.Violations)

	// The replaced document now has two versions, both extracted.
	docs, err := tables.ReadPartition[tables.DocumentRow](ctx, stores.Tables, tables.Documents, 2024)
	require.NoError(t, err)
	require.Len(t, docs, 4)
	for _, d := range docs {
		require.Equal(t, tables.StatusOK, d.ExtractionStatus)
	}
}

func TestOrchestratorRefusesConcurrentRun(t *testing.T) {
	var ctx = context.Background()
	var stores = testStores(t)
	var _, err = stores.Watermarks.Put(ctx, "house", watermark.YearKey(2024), watermark.Value{
		Status:           watermark.StatusRunning,
		LastRunTimestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	var orchestrator = NewOrchestrator(OrchestratorConfig{
		ArchiveURLPattern: "http://unreachable.invalid/%dFD.zip",
	}, stores, http.DefaultClient)
	_, err = orchestrator.Run(ctx, 2024)
	require.ErrorIs(t, err, ErrConcurrentIngestion)
}

func TestQualityGateDetectsDrift(t *testing.T) {
	var ctx = context.Background()
	var stores = testStores(t)

	// A filings row with no Bronze document behind it.
	require.NoError(t, tables.Upsert(ctx, stores.Tables, tables.Filings, 2024, []tables.FilingRow{{
		DocID:      "99999",
		Year:       2024,
		FilingType: "P",
		FilerName:  "Jane Doe",
	}}))

	var report, err = CheckQuality(ctx, stores, 2024, 0.001, 0.01)
	require.ErrorIs(t, err, ErrQualityGateFailed)
	require.Equal(t, 1, report.Violations)
	require.Len(t, report.Samples, 1)
}

func TestSchedulerNext(t *testing.T) {
	var s = &Scheduler{Hour: 6}

	var before = time.Date(2026, 8, 25, 5, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC), s.next(before))

	var after = time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 8, 26, 6, 0, 0, 0, time.UTC), s.next(after))
}
