// Package worker drains the extraction queue. Each leased message walks
// the Bronze metadata state machine: claim the document by compare-and-set,
// extract text and structured records, write Silver, and commit by setting
// the metadata to done. The metadata transition is the at-most-once guard;
// the queue stays at-least-once and every Silver write is an idempotent
// upsert, so duplicate deliveries and crashed workers converge on exactly
// one set of outputs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/capitoldata/fdlake/go/blobs"
	"github.com/capitoldata/fdlake/go/pdftext"
	"github.com/capitoldata/fdlake/go/queue"
	"github.com/capitoldata/fdlake/go/tables"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config tunes one worker process.
type Config struct {
	// BatchSize bounds messages leased (and tasks in flight) per cycle.
	BatchSize int
	// TaskTimeout is the per-document extraction deadline.
	TaskTimeout time.Duration
	// ClaimLease is the Bronze claim duration. It should not be shorter
	// than TaskTimeout, or another worker may take over mid-extraction.
	ClaimLease time.Duration
	// MaxAttempts mirrors the queue's delivery budget: permanent errors
	// are recorded as failed only on a message's final attempt.
	MaxAttempts int
	// PollInterval spaces Receive calls when the queue is idle.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = time.Minute * 5
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = time.Minute * 15
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second * 2
	}
	return c
}

// recentCacheSize bounds the completed-work cache. Entries are small
// (doc_id/hash strings); the cache lets a worker ack duplicate deliveries
// of work it just finished without re-reading Bronze.
const recentCacheSize = 4096

// TextExtractor produces text from raw PDF bytes. *pdftext.Extractor is
// the production implementation.
type TextExtractor interface {
	Extract(ctx context.Context, content []byte) (pdftext.Result, error)
}

// Worker is one stateless extraction worker. All coordination happens
// through the stores it is handed; two workers share nothing in memory.
type Worker struct {
	id        string
	cfg       Config
	store     blobs.Store
	queue     queue.Queue
	writer    *tables.Writer
	extractor TextExtractor
	recent    *lru.Cache[string, struct{}]
}

// New returns a Worker with a fresh identity.
func New(cfg Config, store blobs.Store, q queue.Queue, writer *tables.Writer, extractor TextExtractor) (*Worker, error) {
	var recent, err = lru.New[string, struct{}](recentCacheSize)
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:        uuid.NewString(),
		cfg:       cfg.withDefaults(),
		store:     store,
		queue:     q,
		writer:    writer,
		extractor: extractor,
		recent:    recent,
	}, nil
}

// ID returns the worker's identity, as recorded in Bronze claims.
func (w *Worker) ID() string { return w.id }

// Run drains the queue until |ctx| is cancelled. In-flight tasks observe
// the cancellation through their own deadlines and release by nacking, so
// the queue redelivers their work elsewhere.
func (w *Worker) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"worker": w.id,
		"batch":  w.cfg.BatchSize,
	}).Info("extraction worker started")

	for {
		var n, err = w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		select {
		case <-time.After(w.cfg.PollInterval):
		case <-ctx.Done():
			log.WithField("worker", w.id).Info("extraction worker stopping")
			return nil
		}
	}
}

// RunOnce receives one batch and processes it to completion, returning the
// number of messages handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	var leases, err = w.queue.Receive(ctx, w.cfg.BatchSize)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, fmt.Errorf("receiving work: %w", err)
	}

	var group errgroup.Group
	for _, lease := range leases {
		var lease = lease
		group.Go(func() error {
			w.handle(ctx, lease)
			return nil
		})
	}
	_ = group.Wait()
	return len(leases), nil
}

// handle runs the state machine for one lease and settles it: ack on
// success or duplicate, nack on transient conditions, dead-letter on
// permanent ones. Settlement errors are logged, not returned; an unsettled
// lease simply expires and redelivers.
func (w *Worker) handle(ctx context.Context, lease queue.Leased) {
	var taskCtx, cancel = context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	var msg = lease.Message
	var outcome = w.process(taskCtx, msg)
	var fields = log.Fields{
		"worker":  w.id,
		"docID":   msg.DocID,
		"year":    msg.Year,
		"attempt": msg.AttemptCount,
	}

	// Settlement happens on the parent context: the task deadline being
	// spent must not strand the lease.
	var err error
	switch outcome.kind {
	case outcomeDone:
		tasksTotal.WithLabelValues("done").Inc()
		err = w.queue.Ack(ctx, lease.Receipt)
	case outcomeDuplicate:
		tasksTotal.WithLabelValues("duplicate").Inc()
		err = w.queue.Ack(ctx, lease.Receipt)
	case outcomeTransient:
		tasksTotal.WithLabelValues("transient").Inc()
		log.WithFields(fields).WithField("reason", outcome.reason).Info("requeueing document")
		err = w.queue.Nack(ctx, lease.Receipt)
	case outcomePermanent:
		tasksTotal.WithLabelValues("permanent").Inc()
		log.WithFields(fields).WithField("reason", outcome.reason).Warn("dead-lettering document")
		err = w.queue.MoveToDeadLetter(ctx, lease.Receipt, outcome.reason)
	}
	if err != nil && !errors.Is(err, queue.ErrUnknownReceipt) {
		log.WithFields(fields).WithField("err", err).Warn("failed to settle lease")
	}
}

type outcomeKind int

const (
	outcomeDone outcomeKind = iota
	outcomeDuplicate
	outcomeTransient
	outcomePermanent
)

type outcome struct {
	kind   outcomeKind
	reason string
}

func transientOutcome(format string, args ...interface{}) outcome {
	return outcome{kind: outcomeTransient, reason: fmt.Sprintf(format, args...)}
}

func permanentOutcome(format string, args ...interface{}) outcome {
	return outcome{kind: outcomePermanent, reason: fmt.Sprintf(format, args...)}
}
