package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/capitoldata/fdlake/go/labels"
	"github.com/stretchr/testify/require"
)

// fakeClock drives lease expiry without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testOptions = Options{
	VisibilityTimeout: 15 * time.Minute,
	MaxAttempts:       3,
}

// eachBackend runs |fn| against every Queue implementation.
func eachBackend(t *testing.T, fn func(t *testing.T, q Queue, clock *fakeClock)) {
	t.Run("memory", func(t *testing.T) {
		var clock = newFakeClock()
		var q, err = NewMemoryQueue(testOptions)
		require.NoError(t, err)
		q.clock = clock.Now
		fn(t, q, clock)
	})
	t.Run("sqlite", func(t *testing.T) {
		var clock = newFakeClock()
		var q, err = NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), testOptions)
		require.NoError(t, err)
		defer q.Close()
		q.clock = clock.Now
		fn(t, q, clock)
	})
}

func msg(docID string, year int, ft labels.FilingType, hash string) Message {
	return Message{DocID: docID, Year: year, FilingType: ft, DedupeHash: hash}
}

func TestEnqueueReceiveAck(t *testing.T) {
	eachBackend(t, func(t *testing.T, q Queue, clock *fakeClock) {
		var ctx = context.Background()

		require.NoError(t, q.Enqueue(ctx,
			msg("d1", 2024, labels.TypePTR, "h1"),
			msg("d2", 2024, labels.TypeAmendment, "h2"),
		))

		var leased, err = q.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, leased, 2)

		// FIFO by enqueue order, attempt counts start at 1.
		require.Equal(t, "d1", leased[0].Message.DocID)
		require.Equal(t, "d2", leased[1].Message.DocID)
		require.Equal(t, 1, leased[0].Message.AttemptCount)
		require.Equal(t, labels.TypePTR, leased[0].Message.FilingType)

		depth, err := q.Depth(ctx, 2024)
		require.NoError(t, err)
		require.Equal(t, Depth{Ready: 0, InFlight: 2, DeadLettered: 0}, depth)
		require.False(t, depth.Drained())

		require.NoError(t, q.Ack(ctx, leased[0].Receipt))
		require.NoError(t, q.Ack(ctx, leased[1].Receipt))

		// Receipts are single-use.
		require.ErrorIs(t, q.Ack(ctx, leased[0].Receipt), ErrUnknownReceipt)

		depth, err = q.Depth(ctx, 2024)
		require.NoError(t, err)
		require.True(t, depth.Drained())
	})
}

func TestEnqueueDedupesLiveRows(t *testing.T) {
	eachBackend(t, func(t *testing.T, q Queue, clock *fakeClock) {
		var ctx = context.Background()
		var m = msg("d1", 2024, labels.TypePTR, "h1")

		require.NoError(t, q.Enqueue(ctx, m))
		require.NoError(t, q.Enqueue(ctx, m)) // Deduped.

		// A rewrite of the same document carries a new hash and enqueues.
		require.NoError(t, q.Enqueue(ctx, msg("d1", 2024, labels.TypePTR, "h2")))

		var depth, err = q.Depth(ctx, 2024)
		require.NoError(t, err)
		require.Equal(t, int64(2), depth.Ready)

		// Completing the message frees its dedupe key for later enqueues.
		leased, err := q.Receive(ctx, 10)
		require.NoError(t, err)
		for _, l := range leased {
			require.NoError(t, q.Ack(ctx, l.Receipt))
		}
		require.NoError(t, q.Enqueue(ctx, m))
		depth, err = q.Depth(ctx, 2024)
		require.NoError(t, err)
		require.Equal(t, int64(1), depth.Ready)
	})
}

func TestNackRedeliversAfterDelay(t *testing.T) {
	eachBackend(t, func(t *testing.T, q Queue, clock *fakeClock) {
		var ctx = context.Background()
		require.NoError(t, q.Enqueue(ctx, msg("d1", 2024, labels.TypePTR, "h1")))

		var leased, err = q.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		require.NoError(t, q.Nack(ctx, leased[0].Receipt))

		// Not yet visible: nacks back off.
		leased, err = q.Receive(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, leased)

		clock.Advance(time.Minute)
		leased, err = q.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		require.Equal(t, 2, leased[0].Message.AttemptCount)
	})
}

func TestExpiredLeaseRedelivers(t *testing.T) {
	eachBackend(t, func(t *testing.T, q Queue, clock *fakeClock) {
		var ctx = context.Background()
		require.NoError(t, q.Enqueue(ctx, msg("d1", 2024, labels.TypePTR, "h1")))

		var first, err = q.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)

		// Simulated crash: no ack, lease lapses.
		clock.Advance(testOptions.VisibilityTimeout + time.Second)

		second, err := q.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, second, 1)
		require.Equal(t, 2, second[0].Message.AttemptCount)

		// The first worker's receipt is dead, the second's is live.
		require.ErrorIs(t, q.Ack(ctx, first[0].Receipt), ErrUnknownReceipt)
		require.NoError(t, q.Ack(ctx, second[0].Receipt))
	})
}

func TestRetryBudgetParksMessages(t *testing.T) {
	eachBackend(t, func(t *testing.T, q Queue, clock *fakeClock) {
		var ctx = context.Background()
		require.NoError(t, q.Enqueue(ctx, msg("d1", 2024, labels.TypePTR, "h1")))

		for attempt := 1; attempt <= testOptions.MaxAttempts; attempt++ {
			var leased, err = q.Receive(ctx, 10)
			require.NoError(t, err)
			require.Len(t, leased, 1)
			require.Equal(t, attempt, leased[0].Message.AttemptCount)
			require.NoError(t, q.Nack(ctx, leased[0].Receipt))
			clock.Advance(time.Minute)
		}

		// The next receive parks it instead of delivering a fourth time.
		var leased, err = q.Receive(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, leased)

		depth, err := q.Depth(ctx, 2024)
		require.NoError(t, err)
		require.Equal(t, Depth{Ready: 0, InFlight: 0, DeadLettered: 1}, depth)
		require.True(t, depth.Drained(), "dead letters do not block a drain")

		dead, err := q.ListDeadLetters(ctx, 2024, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		require.Equal(t, "d1", dead[0].Message.DocID)
		require.Equal(t, "delivery budget exhausted", dead[0].Reason)
	})
}

func TestExplicitDeadLetterAndRequeue(t *testing.T) {
	eachBackend(t, func(t *testing.T, q Queue, clock *fakeClock) {
		var ctx = context.Background()
		require.NoError(t, q.Enqueue(ctx, msg("d5", 2024, labels.TypeOriginal, "h5")))

		var leased, err = q.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		require.NoError(t, q.MoveToDeadLetter(ctx, leased[0].Receipt, "corrupt pdf"))

		// The receipt is consumed by the move.
		require.ErrorIs(t, q.Ack(ctx, leased[0].Receipt), ErrUnknownReceipt)

		dead, err := q.ListDeadLetters(ctx, 2024, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		require.Equal(t, "corrupt pdf", dead[0].Reason)
		require.Equal(t, labels.TypeOriginal, dead[0].Message.FilingType)

		moved, err := q.RequeueDeadLetters(ctx, 2024)
		require.NoError(t, err)
		require.Equal(t, 1, moved)

		// Redrive resets the attempt budget.
		leased, err = q.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		require.Equal(t, 1, leased[0].Message.AttemptCount)

		depth, err := q.Depth(ctx, 2024)
		require.NoError(t, err)
		require.Equal(t, int64(0), depth.DeadLettered)
	})
}

func TestDepthIsPerYear(t *testing.T) {
	eachBackend(t, func(t *testing.T, q Queue, clock *fakeClock) {
		var ctx = context.Background()
		require.NoError(t, q.Enqueue(ctx,
			msg("d1", 2023, labels.TypePTR, "h1"),
			msg("d2", 2024, labels.TypePTR, "h2"),
			msg("d3", 2024, labels.TypePTR, "h3"),
		))

		var d23, err = q.Depth(ctx, 2023)
		require.NoError(t, err)
		require.Equal(t, int64(1), d23.Ready)

		d24, err := q.Depth(ctx, 2024)
		require.NoError(t, err)
		require.Equal(t, int64(2), d24.Ready)
	})
}

func TestReceiveOnEmptyQueueReturnsNothing(t *testing.T) {
	eachBackend(t, func(t *testing.T, q Queue, clock *fakeClock) {
		var leased, err = q.Receive(context.Background(), 10)
		require.NoError(t, err)
		require.Empty(t, leased)
	})
}
