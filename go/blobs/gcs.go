package blobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// gcsStore is a Store over one Google Cloud Storage bucket, optionally
// rooted at a key prefix. Etags encode the object generation and
// metageneration, and preconditions map onto GCS generation-match
// conditions, which GCS applies atomically.
type gcsStore struct {
	bucket *storage.BucketHandle
	prefix string
}

var _ Store = (*gcsStore)(nil)

// NewGCSStore opens the bucket identified by a gs://bucket[/prefix] URL.
// Building the client will fail if application default credentials aren't
// located.
func NewGCSStore(ctx context.Context, bucketURL string) (Store, error) {
	var resource, err = url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parsing bucket URL: %w", err)
	} else if resource.Scheme != "gs" {
		return nil, fmt.Errorf("bucket URL %q must use the gs:// scheme", bucketURL)
	} else if resource.Host == "" {
		return nil, fmt.Errorf("bucket URL %q names no bucket", bucketURL)
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("building google storage client: %w", err)
	}

	var prefix = strings.TrimPrefix(resource.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &gcsStore{
		bucket: client.Bucket(resource.Host),
		prefix: prefix,
	}, nil
}

// gcsEtag encodes generation and metageneration as one opaque token. Both
// numbers participate: a SetMetadata bumps only the metageneration, and the
// state machine's claims must invalidate on either kind of change.
func gcsEtag(generation, metageneration int64) string {
	return fmt.Sprintf("g%d.m%d", generation, metageneration)
}

func parseGCSEtag(etag string) (generation, metageneration int64, err error) {
	if _, err = fmt.Sscanf(etag, "g%d.m%d", &generation, &metageneration); err != nil {
		return 0, 0, fmt.Errorf("malformed etag %q: %w", etag, err)
	}
	return generation, metageneration, nil
}

func gcsObject(attrs *storage.ObjectAttrs, prefix string) Object {
	return Object{
		Key:      strings.TrimPrefix(attrs.Name, prefix),
		Size:     attrs.Size,
		Etag:     gcsEtag(attrs.Generation, attrs.Metageneration),
		Metadata: Metadata(attrs.Metadata).Clone(),
		Updated:  attrs.Updated.UTC(),
	}
}

// classifyGCS maps SDK errors onto the package taxonomy. Server and
// network-level failures are transient; precondition and not-found failures
// are the corresponding sentinels.
func classifyGCS(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return ErrNotFound
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusPreconditionFailed:
			return ErrEtagMismatch
		case gerr.Code == http.StatusNotFound:
			return ErrNotFound
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return Transient(err)
		default:
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return Transient(err)
}

func (s *gcsStore) conditionedHandle(key string, opts PutOptions) (*storage.ObjectHandle, error) {
	var handle = s.bucket.Object(s.prefix + key)

	if opts.IfAbsent {
		return handle.If(storage.Conditions{DoesNotExist: true}), nil
	}
	if opts.IfEtag != "" {
		var generation, metageneration, err = parseGCSEtag(opts.IfEtag)
		if err != nil {
			return nil, err
		}
		return handle.If(storage.Conditions{
			GenerationMatch:     generation,
			MetagenerationMatch: metageneration,
		}), nil
	}
	return handle, nil
}

func (s *gcsStore) Put(ctx context.Context, key string, content io.Reader, opts PutOptions) (Object, error) {
	var handle, err = s.conditionedHandle(key, opts)
	if err != nil {
		return Object{}, err
	}

	var w = handle.NewWriter(ctx)
	w.Metadata = opts.Metadata
	w.ContentType = opts.ContentType
	// Disable chunked resumable uploads: objects of this pipeline are small
	// enough to buffer, and a single request keeps preconditions atomic.
	w.ChunkSize = 0

	if _, err = io.Copy(w, content); err != nil {
		_ = w.Close()
		return Object{}, fmt.Errorf("writing object %q: %w", key, classifyGCS(err))
	}
	if err = w.Close(); err != nil {
		return Object{}, fmt.Errorf("committing object %q: %w", key, classifyGCS(err))
	}
	return gcsObject(w.Attrs(), s.prefix), nil
}

func (s *gcsStore) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	var attrs, err = s.bucket.Object(s.prefix + key).Attrs(ctx)
	if err != nil {
		return nil, Object{}, fmt.Errorf("reading attrs of %q: %w", key, classifyGCS(err))
	}

	// Pin the read to the generation just observed, so the returned Object
	// always describes the bytes the caller reads.
	r, err := s.bucket.Object(s.prefix + key).Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		return nil, Object{}, fmt.Errorf("opening object %q: %w", key, classifyGCS(err))
	}
	return r, gcsObject(attrs, s.prefix), nil
}

func (s *gcsStore) Head(ctx context.Context, key string) (Object, error) {
	var attrs, err = s.bucket.Object(s.prefix + key).Attrs(ctx)
	if err != nil {
		return Object{}, fmt.Errorf("reading attrs of %q: %w", key, classifyGCS(err))
	}
	return gcsObject(attrs, s.prefix), nil
}

func (s *gcsStore) SetMetadata(ctx context.Context, key string, md Metadata, ifEtag string) (Object, error) {
	var handle = s.bucket.Object(s.prefix + key)

	if ifEtag != "" {
		var generation, metageneration, err = parseGCSEtag(ifEtag)
		if err != nil {
			return Object{}, err
		}
		handle = handle.If(storage.Conditions{
			GenerationMatch:     generation,
			MetagenerationMatch: metageneration,
		})
	}

	// ObjectAttrsToUpdate.Metadata replaces the user metadata wholesale,
	// which is what Store.SetMetadata promises.
	var attrs, err = handle.Update(ctx, storage.ObjectAttrsToUpdate{Metadata: md})
	if err != nil {
		return Object{}, fmt.Errorf("updating metadata of %q: %w", key, classifyGCS(err))
	}
	return gcsObject(attrs, s.prefix), nil
}

func (s *gcsStore) List(ctx context.Context, prefix string, fn func(Object) error) error {
	var it = s.bucket.Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	for {
		var attrs, err = it.Next()
		if err == iterator.Done {
			return nil
		} else if err != nil {
			return fmt.Errorf("listing prefix %q: %w", prefix, classifyGCS(err))
		}
		if err = fn(gcsObject(attrs, s.prefix)); err != nil {
			return err
		}
	}
}
