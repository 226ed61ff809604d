// Package blobs is the object-store abstraction of the lake. It exposes a
// minimal Store interface with conditional writes (etag preconditions on
// both content and user metadata), which the rest of the pipeline composes
// into its idempotency machinery. Backends: Google Cloud Storage for
// deployments, a local filesystem store for development and tests.
package blobs

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors returned by Store implementations. Callers match with
// errors.Is; implementations may wrap them with additional context.
var (
	// ErrNotFound: the key has no object.
	ErrNotFound = errors.New("object not found")
	// ErrEtagMismatch: a Put or SetMetadata precondition failed because the
	// object changed since the caller read it (or an IfAbsent Put found an
	// object already present).
	ErrEtagMismatch = errors.New("etag precondition failed")
)

// TransientError marks a failure worth retrying: network errors, storage
// backend 5xx responses, throttling. Everything else is permanent.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps |err| as a TransientError. A nil error stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether any error in the chain is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// Metadata is an object's user metadata: small mutable string pairs riding
// on an immutable blob. The pipeline uses it as the per-document state
// channel (see labels.ExtractionProcessed).
type Metadata map[string]string

// Clone returns a copy of the metadata, or nil for empty input.
func (m Metadata) Clone() Metadata {
	if len(m) == 0 {
		return nil
	}
	var out = make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Object describes one stored object. Etag is an opaque version token
// covering both content and metadata: any successful Put or SetMetadata
// produces a new Etag.
type Object struct {
	Key      string
	Size     int64
	Etag     string
	Metadata Metadata
	Updated  time.Time
}

// PutOptions carry the metadata and preconditions of a Put.
type PutOptions struct {
	Metadata    Metadata
	ContentType string
	// IfEtag, when non-empty, requires that the object's current Etag match
	// or the Put fails with ErrEtagMismatch.
	IfEtag string
	// IfAbsent requires that no object exist at the key; a present object
	// fails the Put with ErrEtagMismatch.
	IfAbsent bool
}

// Store is a bucket of objects addressed by /-separated keys.
//
// Writes are atomic: readers see either the prior object or the new one,
// never a partial write. Conditional writes (IfEtag, IfAbsent, and the
// SetMetadata precondition) are atomic compare-and-swap operations; this is
// the property the Bronze metadata state machine and the Silver partition
// upserts are built on.
type Store interface {
	// Put writes |content| at |key|, replacing any prior object, subject to
	// the preconditions of |opts|.
	Put(ctx context.Context, key string, content io.Reader, opts PutOptions) (Object, error)
	// Get opens the object for reading. The returned Object describes the
	// version being read.
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
	// Head describes the object without reading its content.
	Head(ctx context.Context, key string) (Object, error)
	// SetMetadata replaces the object's user metadata wholesale. A non-empty
	// |ifEtag| makes the replacement conditional on the current Etag.
	SetMetadata(ctx context.Context, key string, md Metadata, ifEtag string) (Object, error)
	// List invokes |fn| for each object whose key has |prefix|, in ascending
	// key order, with metadata populated. A non-nil return from |fn| stops
	// the listing and is returned.
	List(ctx context.Context, prefix string, fn func(Object) error) error
}

// ReadAll fetches the full content and descriptor of an object.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, Object, error) {
	var rc, obj, err = s.Get(ctx, key)
	if err != nil {
		return nil, Object{}, err
	}
	defer rc.Close()

	var b []byte
	if b, err = io.ReadAll(rc); err != nil {
		return nil, Object{}, Transient(err)
	}
	return b, obj, nil
}
