package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with the same lease, dedupe and
// dead-letter semantics as the SQL backends. It backs tests and
// single-process local runs.
type MemoryQueue struct {
	opts Options

	mu       sync.Mutex
	nextID   int64
	items    map[int64]*memItem
	byDedupe map[string]int64
	receipts map[string]int64
	dead     []DeadLetter

	// clock is a test hook; production queues use time.Now.
	clock func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

type memItem struct {
	id        int64
	msg       Message
	dedupeKey string
	attempts  int
	visibleAt time.Time
	receipt   string
}

// NewMemoryQueue returns an empty in-process queue.
func NewMemoryQueue(opts Options) (*MemoryQueue, error) {
	var opts2, err = opts.validate()
	if err != nil {
		return nil, err
	}
	return &MemoryQueue{
		opts:     opts2,
		items:    make(map[int64]*memItem),
		byDedupe: make(map[string]int64),
		receipts: make(map[string]int64),
		clock:    time.Now,
	}, nil
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msgs ...Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, msg := range msgs {
		if _, live := q.byDedupe[msg.dedupeKey()]; live {
			enqueueDedupedTotal.Inc()
			continue
		}
		q.nextID++
		var it = &memItem{
			id:        q.nextID,
			msg:       msg,
			dedupeKey: msg.dedupeKey(),
			visibleAt: q.clock(),
		}
		q.items[it.id] = it
		q.byDedupe[it.dedupeKey] = it.id
		enqueuedTotal.Inc()
	}
	return nil
}

// ready returns live items deliverable at |now| in enqueue order.
func (q *MemoryQueue) ready(now time.Time) []*memItem {
	var out []*memItem
	for _, it := range q.items {
		if !it.visibleAt.After(now) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (q *MemoryQueue) Receive(ctx context.Context, max int) ([]Leased, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var now = q.clock()
	var out []Leased
	for _, it := range q.ready(now) {
		if len(out) == max {
			break
		}
		if it.attempts >= q.opts.MaxAttempts {
			q.parkLocked(it, "delivery budget exhausted")
			continue
		}
		it.attempts++
		it.visibleAt = now.Add(q.opts.VisibilityTimeout)
		if it.receipt != "" {
			delete(q.receipts, it.receipt) // Expired lease is superseded.
		}
		it.receipt = uuid.NewString()
		q.receipts[it.receipt] = it.id

		var msg = it.msg
		msg.AttemptCount = it.attempts
		out = append(out, Leased{Message: msg, Receipt: it.receipt})
	}
	receivedTotal.Add(float64(len(out)))
	return out, nil
}

// parkLocked moves a live item to the dead-letter list. Callers hold q.mu.
func (q *MemoryQueue) parkLocked(it *memItem, reason string) {
	var msg = it.msg
	msg.AttemptCount = it.attempts
	q.dead = append(q.dead, DeadLetter{
		Message:      msg,
		Reason:       reason,
		DeadLetterAt: q.clock().UTC(),
	})
	q.removeLocked(it)
	deadLetteredTotal.Inc()
}

func (q *MemoryQueue) removeLocked(it *memItem) {
	delete(q.items, it.id)
	delete(q.byDedupe, it.dedupeKey)
	if it.receipt != "" {
		delete(q.receipts, it.receipt)
	}
}

// resolve maps a receipt to its live item, if the lease is still current.
func (q *MemoryQueue) resolve(receipt string) (*memItem, bool) {
	var id, ok = q.receipts[receipt]
	if !ok {
		return nil, false
	}
	var it = q.items[id]
	if it == nil || it.receipt != receipt {
		return nil, false
	}
	return it, true
}

func (q *MemoryQueue) Ack(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var it, ok = q.resolve(receipt)
	if !ok {
		return ErrUnknownReceipt
	}
	q.removeLocked(it)
	ackedTotal.Inc()
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var it, ok = q.resolve(receipt)
	if !ok {
		return ErrUnknownReceipt
	}
	it.visibleAt = q.clock().Add(redeliveryDelay(it.attempts))
	delete(q.receipts, it.receipt)
	it.receipt = ""
	nackedTotal.Inc()
	return nil
}

func (q *MemoryQueue) MoveToDeadLetter(ctx context.Context, receipt, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var it, ok = q.resolve(receipt)
	if !ok {
		return ErrUnknownReceipt
	}
	q.parkLocked(it, reason)
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context, year int) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var now = q.clock()
	var d Depth
	for _, it := range q.items {
		if it.msg.Year != year {
			continue
		}
		if it.visibleAt.After(now) {
			d.InFlight++
		} else {
			d.Ready++
		}
	}
	for _, dl := range q.dead {
		if dl.Message.Year == year {
			d.DeadLettered++
		}
	}
	return d, nil
}

func (q *MemoryQueue) ListDeadLetters(ctx context.Context, year, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []DeadLetter
	for _, dl := range q.dead {
		if dl.Message.Year != year || len(out) == limit {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *MemoryQueue) RequeueDeadLetters(ctx context.Context, year int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept []DeadLetter
	var moved int
	for _, dl := range q.dead {
		if dl.Message.Year != year {
			kept = append(kept, dl)
			continue
		}
		var msg = dl.Message
		msg.AttemptCount = 0

		// As with the SQL backends: drop the parked copy either way, but
		// only count messages that actually re-entered the live queue.
		if _, live := q.byDedupe[msg.dedupeKey()]; live {
			continue
		}
		q.nextID++
		var it = &memItem{
			id:        q.nextID,
			msg:       msg,
			dedupeKey: msg.dedupeKey(),
			visibleAt: q.clock(),
		}
		q.items[it.id] = it
		q.byDedupe[it.dedupeKey] = it.id
		moved++
	}
	q.dead = kept
	return moved, nil
}
