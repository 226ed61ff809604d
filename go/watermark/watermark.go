// Package watermark persists the last successfully processed version of
// each (source, year), keyed by the archive's content hash. Watermarks are
// read and written only by the orchestrator and the update detector, always
// through compare-and-set, so concurrent orchestrations of the same year
// cannot silently overwrite one another.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status of the most recent orchestration of a (source, year).
type Status string

const (
	// StatusRunning marks an orchestration in progress.
	StatusRunning Status = "running"
	// StatusOK marks a completed run: every invariant the quality gate
	// checks held for the recorded content hash.
	StatusOK Status = "ok"
	// StatusFailed marks a run that failed; ContentHash retains the last
	// successfully processed archive, not the failed attempt's.
	StatusFailed Status = "failed"
)

// Value is the stored watermark document, JSON-encoded at rest.
type Value struct {
	// ContentHash is the sha256 of the last fully processed archive. It is
	// the truth the update detector compares against; header validators are
	// only hints.
	ContentHash string `json:"content_hash"`
	// LastModified echoes the remote's Last-Modified header at ingest time,
	// when the remote supplied one.
	LastModified time.Time `json:"last_modified"`
	// LastRunTimestamp is when the orchestrator last wrote this watermark.
	LastRunTimestamp time.Time `json:"last_run_timestamp"`
	Status           Status    `json:"status"`
}

// ErrRevisionMismatch is returned by CompareAndSet when the stored revision
// is not the expected one: another orchestrator got there first.
var ErrRevisionMismatch = errors.New("watermark revision mismatch")

// Store reads and writes watermarks. A revision identifies one version of
// a stored Value; revision 0 means the watermark does not exist, and a
// CompareAndSet with expected revision 0 is a create.
type Store interface {
	// Get returns the watermark and its revision. An absent watermark is a
	// zero Value at revision 0, not an error.
	Get(ctx context.Context, source, key string) (Value, int64, error)
	// CompareAndSet writes |value| if the current revision is |expected|,
	// returning the new revision, or ErrRevisionMismatch.
	CompareAndSet(ctx context.Context, source, key string, expected int64, value Value) (int64, error)
	// Put writes |value| unconditionally, returning the new revision.
	// Operator tooling only; pipeline code uses CompareAndSet.
	Put(ctx context.Context, source, key string, value Value) (int64, error)
}

// YearKey is the watermark key of one ingest year.
func YearKey(year int) string { return fmt.Sprintf("year=%d", year) }
