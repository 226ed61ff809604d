package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var bytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_ingest_bytes_downloaded_total",
	Help: "counter of archive bytes fetched from remote sources",
})

var fetchRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_ingest_fetch_retries_total",
	Help: "counter of remote fetch attempts that were retried",
})

var pdfsStagedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_ingest_pdfs_staged_total",
	Help: "counter of PDF objects written to Bronze",
})

var pdfFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fdlake_ingest_pdf_failures_total",
	Help: "counter of per-document staging failures recorded in run reports",
})
