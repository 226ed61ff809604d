// Package tables writes the partitioned columnar Silver tables. Each
// (table, year) partition is a single parquet object; Upsert merges rows by
// primary key under an etag precondition, so any number of workers may
// write the same partition and the loser of a race simply retries with a
// fresh read. A JSON Schema sibling document is written beside each table
// root on its first write.
package tables

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/capitoldata/fdlake/go/blobs"
	"github.com/capitoldata/fdlake/go/labels"
	"github.com/parquet-go/parquet-go"
	log "github.com/sirupsen/logrus"
)

// ErrConcurrentUpdate is returned when an Upsert loses the partition race
// on every attempt of its retry budget. It is transient: the caller may
// simply re-run the Upsert.
var ErrConcurrentUpdate = errors.New("concurrent partition update")

// SchemaDriftError is returned when a partition's stored schema does not
// match the row type being upserted. It is fatal for the partition: the
// orchestrator halts rather than write mixed schemas.
type SchemaDriftError struct {
	Table  string
	Stored string
	Want   string
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("schema drift in table %q: stored schema does not match writer schema", e.Table)
}

// maxUpsertAttempts bounds the etag-conflict retry loop of one Upsert.
const maxUpsertAttempts = 5

// Writer upserts rows into the Silver tables of one source.
type Writer struct {
	store  blobs.Store
	source string
}

// NewWriter returns a Writer over |store| for |source|.
func NewWriter(store blobs.Store, source string) *Writer {
	return &Writer{store: store, source: source}
}

// Source returns the source name this Writer addresses.
func (w *Writer) Source() string { return w.source }

// Upsert merges |rows| into the (table, year) partition: existing rows
// whose primary key appears in |rows| are replaced, all others retained,
// and the partition object atomically swapped. Concurrent writers are
// serialized by an etag precondition; on conflict the merge re-runs from a
// fresh read, up to maxUpsertAttempts, then fails with ErrConcurrentUpdate.
func Upsert[R Row](ctx context.Context, w *Writer, table string, year int, rows []R) error {
	if len(rows) == 0 {
		return nil
	}

	for attempt := 0; attempt != maxUpsertAttempts; attempt++ {
		var existing, etag, err = loadPartition[R](ctx, w, table, year)
		if err != nil {
			return err
		}
		var merged = mergeRows(existing, rows)

		var buf bytes.Buffer
		var pw = parquet.NewGenericWriter[R](&buf)
		if _, err = pw.Write(merged); err != nil {
			return fmt.Errorf("encoding %s partition year=%d: %w", table, year, err)
		}
		if err = pw.Close(); err != nil {
			return fmt.Errorf("encoding %s partition year=%d: %w", table, year, err)
		}

		var opts = blobs.PutOptions{ContentType: "application/octet-stream"}
		if etag == "" {
			opts.IfAbsent = true
		} else {
			opts.IfEtag = etag
		}
		_, err = w.store.Put(ctx, labels.SilverTablePartition(w.source, table, year),
			bytes.NewReader(buf.Bytes()), opts)
		if errors.Is(err, blobs.ErrEtagMismatch) {
			upsertConflictsTotal.WithLabelValues(table).Inc()
			log.WithFields(log.Fields{
				"table":   table,
				"year":    year,
				"attempt": attempt + 1,
			}).Debug("lost partition upsert race; retrying with fresh read")
			continue
		} else if err != nil {
			return fmt.Errorf("replacing %s partition year=%d: %w", table, year, err)
		}

		if etag == "" {
			if err = w.ensureSchemaDoc(ctx, table, *new(R)); err != nil {
				return err
			}
		}
		upsertsTotal.WithLabelValues(table).Inc()
		rowsUpsertedTotal.WithLabelValues(table).Add(float64(len(rows)))
		return nil
	}
	return fmt.Errorf("upserting %s partition year=%d: %w", table, year, ErrConcurrentUpdate)
}

// ReadPartition returns all rows of the (table, year) partition in primary
// key order. An absent partition reads as empty.
func ReadPartition[R Row](ctx context.Context, w *Writer, table string, year int) ([]R, error) {
	var rows, _, err = loadPartition[R](ctx, w, table, year)
	return rows, err
}

// loadPartition reads the partition and its etag. Absent partitions return
// (nil, "", nil): the subsequent Put is conditioned on absence instead.
func loadPartition[R Row](ctx context.Context, w *Writer, table string, year int) ([]R, string, error) {
	var key = labels.SilverTablePartition(w.source, table, year)
	var b, obj, err = blobs.ReadAll(ctx, w.store, key)
	if errors.Is(err, blobs.ErrNotFound) {
		return nil, "", nil
	} else if err != nil {
		return nil, "", fmt.Errorf("reading %s partition year=%d: %w", table, year, err)
	}

	var pf *parquet.File
	if pf, err = parquet.OpenFile(bytes.NewReader(b), int64(len(b))); err != nil {
		return nil, "", fmt.Errorf("opening %s partition year=%d: %w", table, year, err)
	}
	var want = parquet.SchemaOf(*new(R))
	if pf.Schema().String() != want.String() {
		return nil, "", &SchemaDriftError{
			Table:  table,
			Stored: pf.Schema().String(),
			Want:   want.String(),
		}
	}

	var rows []R
	if rows, err = parquet.Read[R](bytes.NewReader(b), int64(len(b))); err != nil {
		return nil, "", fmt.Errorf("decoding %s partition year=%d: %w", table, year, err)
	}
	return rows, obj.Etag, nil
}

// mergeRows removes existing rows superseded by |incoming| (matched by
// primary key, last write wins within |incoming| as well) and returns the
// union in primary key order.
func mergeRows[R Row](existing, incoming []R) []R {
	var byKey = make(map[string]R, len(existing)+len(incoming))
	for _, r := range existing {
		byKey[r.Key()] = r
	}
	for _, r := range incoming {
		byKey[r.Key()] = r
	}

	var out = make([]R, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ensureSchemaDoc writes the table's JSON Schema sibling if it does not
// already exist. A racing writer may get there first; that race is benign.
func (w *Writer) ensureSchemaDoc(ctx context.Context, table string, model any) error {
	var key = labels.SilverTableSchema(w.source, table)
	var doc, err = jsonSchemaOf(table, model)
	if err != nil {
		return fmt.Errorf("building %s schema document: %w", table, err)
	}
	_, err = w.store.Put(ctx, key, bytes.NewReader(doc), blobs.PutOptions{
		ContentType: "application/json",
		IfAbsent:    true,
	})
	if errors.Is(err, blobs.ErrEtagMismatch) {
		return nil
	} else if err != nil {
		return fmt.Errorf("writing %s schema document: %w", table, err)
	}
	return nil
}
