// Package queue is the at-least-once work queue feeding extraction workers.
// Messages are leased with a visibility timeout: a received message is
// hidden until acked, nacked, or its lease lapses, after which the queue
// redelivers it. Messages whose retry budget is spent are parked on a
// dead-letter side table for inspection and redrive.
//
// Backends: Postgres and SQLite over one shared SQL core (see dialect), and
// an in-memory queue for tests and single-process runs. None of them
// dedupe deliveries; consumers are idempotent by way of the Bronze metadata
// state machine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/capitoldata/fdlake/go/labels"
)

// ErrUnknownReceipt is returned by Ack, Nack and MoveToDeadLetter when the
// receipt no longer names a live lease: the lease expired and the message
// was redelivered (or already acked) elsewhere.
var ErrUnknownReceipt = errors.New("unknown receipt")

// Message is the queue envelope, serialized as JSON on the wire.
//
// DedupeHash is deliberately excluded from the envelope: it feeds the
// enqueue idempotency key only. Enqueueing a message whose (doc_id, year,
// dedupe-hash) already has a live row is a no-op, which makes repeated
// Normalize passes over an unchanged index cheap. A re-staged document
// carries a new content hash and therefore enqueues a fresh message even
// while an older message for the same doc_id is in flight.
type Message struct {
	DocID        string            `json:"doc_id"`
	Year         int               `json:"year"`
	FilingType   labels.FilingType `json:"filing_type"`
	AttemptCount int               `json:"attempt_count"`

	DedupeHash string `json:"-"`
}

func (m Message) dedupeKey() string {
	return fmt.Sprintf("%s/%d/%s", m.DocID, m.Year, m.DedupeHash)
}

// Leased is a received message plus the receipt that acks it. The embedded
// Message carries the delivery's attempt count (first delivery is 1).
type Leased struct {
	Message Message
	Receipt string
}

// Depth describes the queue's backlog for one year.
type Depth struct {
	// Ready counts messages deliverable now, including expired leases.
	Ready int64
	// InFlight counts messages under a live lease.
	InFlight int64
	// DeadLettered counts parked messages. They do not block a drain.
	DeadLettered int64
}

// Drained is true when no work remains to deliver or complete.
func (d Depth) Drained() bool { return d.Ready == 0 && d.InFlight == 0 }

// DeadLetter is a parked message with its post-mortem.
type DeadLetter struct {
	Message      Message
	Reason       string
	DeadLetterAt time.Time
}

// Queue is the work distribution contract. All methods are safe for
// concurrent use from many processes.
type Queue interface {
	// Enqueue inserts messages, skipping any whose dedupe key already has a
	// live (ready or in-flight) row.
	Enqueue(ctx context.Context, msgs ...Message) error
	// Receive leases up to |max| ready messages for the configured
	// visibility timeout, incrementing their attempt counts. Messages whose
	// retry budget is already spent are parked instead of delivered.
	// Receive returns an empty batch, not an error, when the queue is idle.
	Receive(ctx context.Context, max int) ([]Leased, error)
	// Ack completes a leased message, removing it permanently.
	Ack(ctx context.Context, receipt string) error
	// Nack releases a leased message for redelivery after a short backoff
	// proportional to its attempt count.
	Nack(ctx context.Context, receipt string) error
	// MoveToDeadLetter parks a leased message with a reason string.
	MoveToDeadLetter(ctx context.Context, receipt, reason string) error
	// Depth reports the backlog for |year|.
	Depth(ctx context.Context, year int) (Depth, error)
	// ListDeadLetters returns up to |limit| parked messages for |year|.
	ListDeadLetters(ctx context.Context, year, limit int) ([]DeadLetter, error)
	// RequeueDeadLetters moves all parked messages for |year| back to the
	// live queue with reset attempt counts, returning the number moved.
	RequeueDeadLetters(ctx context.Context, year int) (int, error)
}

// Options tune a queue's lease and retry behavior.
type Options struct {
	// VisibilityTimeout is the lease duration of a received message.
	VisibilityTimeout time.Duration
	// MaxAttempts is the delivery budget before a message is parked.
	MaxAttempts int
}

func (o Options) validate() (Options, error) {
	if o.VisibilityTimeout <= 0 {
		return o, fmt.Errorf("visibility timeout %v is not positive", o.VisibilityTimeout)
	}
	if o.MaxAttempts <= 0 {
		return o, fmt.Errorf("max attempts %d is not positive", o.MaxAttempts)
	}
	return o, nil
}

// redeliveryDelay spaces out redeliveries of a nacked message.
func redeliveryDelay(attempt int) time.Duration {
	switch attempt {
	case 0, 1:
		return time.Second
	case 2:
		return time.Second * 5
	case 3:
		return time.Second * 15
	default:
		return time.Second * 30
	}
}
