package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/capitoldata/fdlake/go/indexer"
	"github.com/capitoldata/fdlake/go/ingest"
	"github.com/capitoldata/fdlake/go/labels"
	"github.com/capitoldata/fdlake/go/watermark"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrConcurrentIngestion is returned when another orchestrator holds the
// (source, year) watermark: either a live running status, or repeated
// compare-and-set conflicts.
var ErrConcurrentIngestion = errors.New("concurrent ingestion of this source and year")

// ErrDrainTimeout is returned when the extraction queue fails to drain
// within the configured deadline.
var ErrDrainTimeout = errors.New("queue drain deadline exceeded")

// ErrQualityGateFailed is returned when Silver invariant violations exceed
// the failure fraction.
var ErrQualityGateFailed = errors.New("quality gate failed")

// State names one step of the orchestration state machine.
type State string

const (
	StateCheckUpdate State = "check-update"
	StateIngest      State = "ingest"
	StateNormalize   State = "normalize"
	StateDrain       State = "drain"
	StateQualityGate State = "quality-gate"
	StatePublish     State = "publish"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// watermarkCASAttempts bounds retries of a conflicted watermark write.
const watermarkCASAttempts = 3

// OrchestratorConfig tunes one orchestration run.
type OrchestratorConfig struct {
	// ArchiveURLPattern expands the year into the remote archive URL,
	// e.g. "https://disclosures-clerk.house.gov/public_disc/financial-pdfs/%dFD.zip".
	ArchiveURLPattern string
	// Force bypasses the update detector and unchanged-hash short circuits.
	Force bool
	// FilingTypes restricts which types are enqueued for extraction.
	// Empty means all known types.
	FilingTypes []labels.FilingType

	DrainDeadline time.Duration
	// DrainPollMin and DrainPollMax bound the drain polling backoff.
	DrainPollMin time.Duration
	DrainPollMax time.Duration

	// QualityWarnFraction and QualityFailFraction are the invariant
	// violation rates at which the gate warns and fails.
	QualityWarnFraction float64
	QualityFailFraction float64
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = time.Hour * 4
	}
	if c.DrainPollMin <= 0 {
		c.DrainPollMin = time.Second * 2
	}
	if c.DrainPollMax <= 0 {
		c.DrainPollMax = time.Second * 30
	}
	if c.QualityWarnFraction <= 0 {
		c.QualityWarnFraction = 0.001
	}
	if c.QualityFailFraction <= 0 {
		c.QualityFailFraction = 0.01
	}
	return c
}

// Orchestrator drives the state machine of one (source, year) run. It is
// the only component that writes watermarks.
type Orchestrator struct {
	cfg    OrchestratorConfig
	stores *Stores

	detector   *ingest.Detector
	ingester   *ingest.Ingester
	normalizer *indexer.Normalizer
}

// NewOrchestrator builds an Orchestrator over |stores| using |client| for
// remote fetches.
func NewOrchestrator(cfg OrchestratorConfig, stores *Stores, client *http.Client) *Orchestrator {
	var fetcher = ingest.NewFetcher(client)
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		stores:     stores,
		detector:   ingest.NewDetector(fetcher, stores.Watermarks),
		ingester:   ingest.NewIngester(fetcher, stores.Blobs, stores.Watermarks),
		normalizer: indexer.NewNormalizer(stores.Blobs, stores.Queue, stores.Tables, cfg.FilingTypes),
	}
}

// RunResult summarizes one orchestration.
type RunResult struct {
	RunID     string
	State     State
	Unchanged bool

	ArchiveHash string
	Ingest      ingest.Report
	Normalize   indexer.Result
	Quality     QualityReport

	lastModified time.Time
}

// Run executes the state machine for one year: CheckUpdate, Ingest,
// Normalize, Drain, QualityGate, Publish. Distinct years may run
// concurrently; the same (source, year) is guarded by the watermark's
// running status and compare-and-set revisions.
func (o *Orchestrator) Run(ctx context.Context, year int) (RunResult, error) {
	var source = o.stores.Source()
	var url = fmt.Sprintf(o.cfg.ArchiveURLPattern, year)
	var out = RunResult{RunID: uuid.NewString(), State: StateCheckUpdate}
	var fields = log.Fields{"run": out.RunID, "source": source, "year": year}
	log.WithFields(fields).Info("orchestration started")

	var prior, rev, err = o.stores.Watermarks.Get(ctx, source, watermark.YearKey(year))
	if err != nil {
		return out, fmt.Errorf("reading watermark: %w", err)
	}
	if prior.Status == watermark.StatusRunning &&
		time.Since(prior.LastRunTimestamp) < o.cfg.DrainDeadline {
		return out, ErrConcurrentIngestion
	}

	if !o.cfg.Force {
		var probe ingest.Probe
		if probe, err = o.detector.Check(ctx, source, year, url); err != nil {
			return out, fmt.Errorf("probing for updates: %w", err)
		} else if !probe.Changed {
			log.WithFields(fields).WithField("hint", probe.Hint).Info("source unchanged; nothing to do")
			out.State, out.Unchanged = StateDone, true
			runsTotal.WithLabelValues("unchanged").Inc()
			return out, nil
		} else {
			log.WithFields(fields).WithField("hint", probe.Hint).Info("source may have changed")
		}
	}

	// Mark the run in progress. The prior content hash is retained so a
	// failure never forgets the last good version.
	var running = prior
	running.Status = watermark.StatusRunning
	running.LastRunTimestamp = time.Now().UTC()
	if rev, err = o.casWatermark(ctx, source, year, rev, running); err != nil {
		return out, err
	}

	var final, runErr = o.advance(ctx, &out, source, year, url)
	out.State = final

	var settled = prior
	settled.LastRunTimestamp = time.Now().UTC()
	if runErr == nil {
		settled.Status = watermark.StatusOK
		settled.ContentHash = out.ArchiveHash
		if !out.Unchanged {
			settled.LastModified = out.lastModified
		}
	} else {
		settled.Status = watermark.StatusFailed
	}
	if _, err = o.casWatermark(ctx, source, year, rev, settled); err != nil && runErr == nil {
		runErr = err
	}

	if runErr != nil {
		out.State = StateFailed
		runsTotal.WithLabelValues("failed").Inc()
		log.WithFields(fields).WithFields(log.Fields{
			"state": final,
			"err":   runErr,
		}).Error("orchestration failed")
		return out, runErr
	}

	out.State = StateDone
	runsTotal.WithLabelValues("ok").Inc()
	log.WithFields(fields).WithFields(log.Fields{
		"enqueued":   out.Normalize.Enqueued,
		"violations": out.Quality.Violations,
		"warned":     out.Quality.Warned,
	}).Info("orchestration complete")
	return out, nil
}

// advance walks Ingest through Publish, returning the state reached and
// the first error. The caller settles the watermark either way.
func (o *Orchestrator) advance(ctx context.Context, out *RunResult, source string, year int, url string) (State, error) {
	var fields = log.Fields{"run": out.RunID, "source": source, "year": year}

	log.WithFields(fields).WithField("state", StateIngest).Info("orchestration state")
	var res, err = o.ingester.Run(ctx, source, year, url, o.cfg.Force)
	if err != nil {
		return StateIngest, fmt.Errorf("ingesting archive: %w", err)
	}
	out.ArchiveHash = res.ArchiveHash
	out.Ingest = res.Report
	out.lastModified = res.LastModified
	if res.Unchanged {
		out.Unchanged = true
		return StateDone, nil
	}

	log.WithFields(fields).WithField("state", StateNormalize).Info("orchestration state")
	if out.Normalize, err = o.normalizer.Run(ctx, year, res.Entries); err != nil {
		return StateNormalize, fmt.Errorf("normalizing index: %w", err)
	}

	log.WithFields(fields).WithField("state", StateDrain).Info("orchestration state")
	if err = o.drain(ctx, year); err != nil {
		return StateDrain, err
	}

	log.WithFields(fields).WithField("state", StateQualityGate).Info("orchestration state")
	var gate = newQualityGate(o.stores, o.cfg.QualityWarnFraction, o.cfg.QualityFailFraction)
	if out.Quality, err = gate.Check(ctx, year); err != nil {
		return StateQualityGate, err
	}

	// Publish is reserved for a future atomic-swap hook; Gold consumers
	// today key off the ok watermark alone.
	log.WithFields(fields).WithField("state", StatePublish).Info("orchestration state")
	return StateDone, nil
}

// casWatermark writes with bounded conflict retries. Conflicts mean
// another orchestrator is interleaving on the same year.
func (o *Orchestrator) casWatermark(ctx context.Context, source string, year int, rev int64, value watermark.Value) (int64, error) {
	for attempt := 0; attempt != watermarkCASAttempts; attempt++ {
		var next, err = o.stores.Watermarks.CompareAndSet(
			ctx, source, watermark.YearKey(year), rev, value)
		if err == nil {
			return next, nil
		} else if !errors.Is(err, watermark.ErrRevisionMismatch) {
			return 0, fmt.Errorf("writing watermark: %w", err)
		}

		var current watermark.Value
		if current, rev, err = o.stores.Watermarks.Get(ctx, source, watermark.YearKey(year)); err != nil {
			return 0, fmt.Errorf("re-reading watermark: %w", err)
		}
		if current.Status == watermark.StatusRunning {
			break
		}
	}
	return 0, ErrConcurrentIngestion
}
