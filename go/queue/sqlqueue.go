package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// dialect captures the SQL variations between the supported databases. The
// queue core writes queries with '?' placeholders; each dialect rebinds
// them to its native style and supplies its DDL fragments.
type dialect struct {
	Name string
	// Placeholder returns the placeholder of the zero-based parameter index,
	// or nil to keep '?'.
	Placeholder func(int) string
	// SerialPK is the DDL clause of an auto-incrementing integer key.
	SerialPK string
	// SkipLocked is appended to the row-claiming SELECT on databases that
	// support FOR UPDATE SKIP LOCKED; empty otherwise.
	SkipLocked string
	// InsertIgnorePrefix and InsertIgnoreSuffix wrap an INSERT that must
	// skip dedupe-key conflicts silently.
	InsertIgnorePrefix string
	InsertIgnoreSuffix string
}

// rebind replaces '?' placeholders with the dialect's native style.
func (d dialect) rebind(query string) string {
	if d.Placeholder == nil {
		return query
	}
	var b strings.Builder
	var n int
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(d.Placeholder(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS work_items (
			id          %s,
			dedupe_key  TEXT NOT NULL,
			body        TEXT NOT NULL,
			year        BIGINT NOT NULL,
			attempts    BIGINT NOT NULL DEFAULT 0,
			visible_at  BIGINT NOT NULL,
			receipt     TEXT,
			enqueued_at BIGINT NOT NULL
		)`, d.SerialPK),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_work_items_dedupe ON work_items (dedupe_key)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_ready ON work_items (year, visible_at)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id          %s,
			dedupe_key  TEXT NOT NULL,
			body        TEXT NOT NULL,
			year        BIGINT NOT NULL,
			attempts    BIGINT NOT NULL,
			reason      TEXT NOT NULL,
			parked_at   BIGINT NOT NULL
		)`, d.SerialPK),
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_year ON dead_letters (year)`,
	}
}

// SQLQueue is the Queue implementation shared by the Postgres and SQLite
// backends.
type SQLQueue struct {
	db   *sql.DB
	d    dialect
	opts Options

	// clock is a test hook; production queues use time.Now.
	clock func() time.Time
}

var _ Queue = (*SQLQueue)(nil)

func newSQLQueue(db *sql.DB, d dialect, opts Options) (*SQLQueue, error) {
	var opts2, err = opts.validate()
	if err != nil {
		return nil, err
	}
	for _, stmt := range d.schema() {
		if _, err = db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("initializing %s queue schema: %w", d.Name, err)
		}
	}
	return &SQLQueue{db: db, d: d, opts: opts2, clock: time.Now}, nil
}

// Close releases the underlying database handle.
func (q *SQLQueue) Close() error { return q.db.Close() }

func (q *SQLQueue) now() int64 { return q.clock().UnixMilli() }

func (q *SQLQueue) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var tx, err = q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, msgs ...Message) error {
	var stmt = q.d.rebind(q.d.InsertIgnorePrefix +
		` INTO work_items (dedupe_key, body, year, attempts, visible_at, enqueued_at)
		VALUES (?, ?, ?, 0, ?, ?) ` + q.d.InsertIgnoreSuffix)

	return q.inTx(ctx, func(tx *sql.Tx) error {
		var now = q.now()
		for _, msg := range msgs {
			var body, err = json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encoding message for %q: %w", msg.DocID, err)
			}
			res, err := tx.ExecContext(ctx, stmt, msg.dedupeKey(), string(body), msg.Year, now, now)
			if err != nil {
				return fmt.Errorf("enqueueing %q: %w", msg.DocID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				enqueuedTotal.Inc()
			} else {
				enqueueDedupedTotal.Inc()
			}
		}
		return nil
	})
}

func (q *SQLQueue) Receive(ctx context.Context, max int) ([]Leased, error) {
	var (
		selectReady = q.d.rebind(
			`SELECT id, dedupe_key, body, year, attempts FROM work_items
			WHERE visible_at <= ? ORDER BY id LIMIT ? ` + q.d.SkipLocked)
		lease = q.d.rebind(
			`UPDATE work_items SET attempts = ?, visible_at = ?, receipt = ? WHERE id = ?`)
	)

	var out []Leased
	var err = q.inTx(ctx, func(tx *sql.Tx) error {
		var now = q.now()
		rows, err := tx.QueryContext(ctx, selectReady, now, max)
		if err != nil {
			return fmt.Errorf("selecting ready messages: %w", err)
		}

		type item struct {
			id        int64
			dedupeKey string
			body      string
			year      int64
			attempts  int64
		}
		var items []item
		for rows.Next() {
			var it item
			if err = rows.Scan(&it.id, &it.dedupeKey, &it.body, &it.year, &it.attempts); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scanning ready message: %w", err)
			}
			items = append(items, it)
		}
		if err = rows.Close(); err != nil {
			return fmt.Errorf("reading ready messages: %w", err)
		}

		for _, it := range items {
			// A message whose delivery budget is spent is parked rather
			// than delivered again. This catches leases that kept expiring
			// without an explicit nack (crashed workers).
			if int(it.attempts) >= q.opts.MaxAttempts {
				if err = q.parkTx(ctx, tx, it.id, it.dedupeKey, it.body, it.year, it.attempts,
					"delivery budget exhausted"); err != nil {
					return err
				}
				continue
			}

			var msg Message
			if err = json.Unmarshal([]byte(it.body), &msg); err != nil {
				// A row this queue cannot decode would redeliver forever.
				if err = q.parkTx(ctx, tx, it.id, it.dedupeKey, it.body, it.year, it.attempts,
					fmt.Sprintf("undecodable body: %s", err)); err != nil {
					return err
				}
				continue
			}
			msg.AttemptCount = int(it.attempts) + 1

			var receipt = uuid.NewString()
			if _, err = tx.ExecContext(ctx, lease,
				msg.AttemptCount, now+q.opts.VisibilityTimeout.Milliseconds(), receipt, it.id); err != nil {
				return fmt.Errorf("leasing message %d: %w", it.id, err)
			}
			out = append(out, Leased{Message: msg, Receipt: receipt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	receivedTotal.Add(float64(len(out)))
	return out, nil
}

func (q *SQLQueue) parkTx(ctx context.Context, tx *sql.Tx, id int64, dedupeKey, body string, year, attempts int64, reason string) error {
	var insert = q.d.rebind(
		`INSERT INTO dead_letters (dedupe_key, body, year, attempts, reason, parked_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, insert, dedupeKey, body, year, attempts, reason, q.now()); err != nil {
		return fmt.Errorf("parking message %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, q.d.rebind(`DELETE FROM work_items WHERE id = ?`), id); err != nil {
		return fmt.Errorf("removing parked message %d: %w", id, err)
	}
	deadLetteredTotal.Inc()

	log.WithFields(log.Fields{
		"year":     year,
		"attempts": attempts,
		"reason":   reason,
	}).Warn("queue message dead-lettered")
	return nil
}

func (q *SQLQueue) Ack(ctx context.Context, receipt string) error {
	var res, err = q.db.ExecContext(ctx,
		q.d.rebind(`DELETE FROM work_items WHERE receipt = ?`), receipt)
	if err != nil {
		return fmt.Errorf("acking receipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownReceipt
	}
	ackedTotal.Inc()
	return nil
}

func (q *SQLQueue) Nack(ctx context.Context, receipt string) error {
	var err = q.inTx(ctx, func(tx *sql.Tx) error {
		var id, attempts int64
		var err = tx.QueryRowContext(ctx,
			q.d.rebind(`SELECT id, attempts FROM work_items WHERE receipt = ?`), receipt).
			Scan(&id, &attempts)
		if err == sql.ErrNoRows {
			return ErrUnknownReceipt
		} else if err != nil {
			return fmt.Errorf("resolving receipt: %w", err)
		}

		var visibleAt = q.now() + redeliveryDelay(int(attempts)).Milliseconds()
		if _, err = tx.ExecContext(ctx,
			q.d.rebind(`UPDATE work_items SET visible_at = ?, receipt = NULL WHERE id = ?`),
			visibleAt, id); err != nil {
			return fmt.Errorf("releasing message %d: %w", id, err)
		}
		return nil
	})
	if err == nil {
		nackedTotal.Inc()
	}
	return err
}

func (q *SQLQueue) MoveToDeadLetter(ctx context.Context, receipt, reason string) error {
	return q.inTx(ctx, func(tx *sql.Tx) error {
		var (
			id        int64
			dedupeKey string
			body      string
			year      int64
			attempts  int64
		)
		var err = tx.QueryRowContext(ctx,
			q.d.rebind(`SELECT id, dedupe_key, body, year, attempts FROM work_items WHERE receipt = ?`),
			receipt).Scan(&id, &dedupeKey, &body, &year, &attempts)
		if err == sql.ErrNoRows {
			return ErrUnknownReceipt
		} else if err != nil {
			return fmt.Errorf("resolving receipt: %w", err)
		}
		return q.parkTx(ctx, tx, id, dedupeKey, body, year, attempts, reason)
	})
}

func (q *SQLQueue) Depth(ctx context.Context, year int) (Depth, error) {
	var d Depth
	var now = q.now()

	var err = q.db.QueryRowContext(ctx, q.d.rebind(
		`SELECT COUNT(*) FROM work_items WHERE year = ? AND visible_at <= ?`), year, now).
		Scan(&d.Ready)
	if err != nil {
		return Depth{}, fmt.Errorf("counting ready messages: %w", err)
	}
	if err = q.db.QueryRowContext(ctx, q.d.rebind(
		`SELECT COUNT(*) FROM work_items WHERE year = ? AND visible_at > ?`), year, now).
		Scan(&d.InFlight); err != nil {
		return Depth{}, fmt.Errorf("counting in-flight messages: %w", err)
	}
	if err = q.db.QueryRowContext(ctx, q.d.rebind(
		`SELECT COUNT(*) FROM dead_letters WHERE year = ?`), year).
		Scan(&d.DeadLettered); err != nil {
		return Depth{}, fmt.Errorf("counting dead letters: %w", err)
	}
	return d, nil
}

func (q *SQLQueue) ListDeadLetters(ctx context.Context, year, limit int) ([]DeadLetter, error) {
	var rows, err = q.db.QueryContext(ctx, q.d.rebind(
		`SELECT body, attempts, reason, parked_at FROM dead_letters
		WHERE year = ? ORDER BY id LIMIT ?`), year, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			body     string
			attempts int64
			dl       DeadLetter
			parkedAt int64
		)
		if err = rows.Scan(&body, &attempts, &dl.Reason, &parkedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		if err = json.Unmarshal([]byte(body), &dl.Message); err != nil {
			// Keep the envelope fields zeroed; the reason still identifies it.
			log.WithField("err", err).Warn("undecodable dead letter body")
		}
		dl.Message.AttemptCount = int(attempts)
		dl.DeadLetterAt = time.UnixMilli(parkedAt).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (q *SQLQueue) RequeueDeadLetters(ctx context.Context, year int) (int, error) {
	var insert = q.d.rebind(q.d.InsertIgnorePrefix +
		` INTO work_items (dedupe_key, body, year, attempts, visible_at, enqueued_at)
		VALUES (?, ?, ?, 0, ?, ?) ` + q.d.InsertIgnoreSuffix)

	var moved int
	var err = q.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, q.d.rebind(
			`SELECT id, dedupe_key, body FROM dead_letters WHERE year = ? ORDER BY id`), year)
		if err != nil {
			return fmt.Errorf("listing dead letters: %w", err)
		}

		type parked struct {
			id        int64
			dedupeKey string
			body      string
		}
		var items []parked
		for rows.Next() {
			var it parked
			if err = rows.Scan(&it.id, &it.dedupeKey, &it.body); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scanning dead letter: %w", err)
			}
			items = append(items, it)
		}
		if err = rows.Close(); err != nil {
			return fmt.Errorf("reading dead letters: %w", err)
		}

		var now = q.now()
		for _, it := range items {
			res, err := tx.ExecContext(ctx, insert, it.dedupeKey, it.body, year, now, now)
			if err != nil {
				return fmt.Errorf("requeueing dead letter %d: %w", it.id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				moved++
			}
			// Remove the parked copy either way: if the insert was deduped,
			// a live row for the same work already exists.
			if _, err = tx.ExecContext(ctx,
				q.d.rebind(`DELETE FROM dead_letters WHERE id = ?`), it.id); err != nil {
				return fmt.Errorf("removing dead letter %d: %w", it.id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}
