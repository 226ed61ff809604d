package blobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	var store, err = NewFSStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestPutGetHeadRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var store = newTestStore(t)

	var put, err = store.Put(ctx, "bronze/house/year=2024/raw/archive.zip",
		strings.NewReader("archive-bytes"),
		PutOptions{Metadata: Metadata{"content-hash": "abc123"}})
	require.NoError(t, err)
	require.Equal(t, int64(13), put.Size)
	require.NotEmpty(t, put.Etag)
	require.Equal(t, "abc123", put.Metadata["content-hash"])

	rc, got, err := store.Get(ctx, "bronze/house/year=2024/raw/archive.zip")
	require.NoError(t, err)
	defer rc.Close()
	require.Equal(t, put.Etag, got.Etag)

	b, _, err := ReadAll(ctx, store, "bronze/house/year=2024/raw/archive.zip")
	require.NoError(t, err)
	require.Equal(t, "archive-bytes", string(b))

	head, err := store.Head(ctx, "bronze/house/year=2024/raw/archive.zip")
	require.NoError(t, err)
	require.Equal(t, put.Etag, head.Etag)
	require.Equal(t, Metadata{"content-hash": "abc123"}, head.Metadata)
}

func TestMissingObjectsAreNotFound(t *testing.T) {
	var ctx = context.Background()
	var store = newTestStore(t)

	var _, err = store.Head(ctx, "no/such/key")
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = store.Get(ctx, "no/such/key")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.SetMetadata(ctx, "no/such/key", Metadata{"a": "b"}, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutPreconditions(t *testing.T) {
	var ctx = context.Background()
	var store = newTestStore(t)

	// IfAbsent succeeds once, then conflicts.
	var first, err = store.Put(ctx, "k", strings.NewReader("v1"), PutOptions{IfAbsent: true})
	require.NoError(t, err)
	_, err = store.Put(ctx, "k", strings.NewReader("v2"), PutOptions{IfAbsent: true})
	require.ErrorIs(t, err, ErrEtagMismatch)

	// IfEtag replaces only when current.
	second, err := store.Put(ctx, "k", strings.NewReader("v2"), PutOptions{IfEtag: first.Etag})
	require.NoError(t, err)
	require.NotEqual(t, first.Etag, second.Etag)

	_, err = store.Put(ctx, "k", strings.NewReader("v3"), PutOptions{IfEtag: first.Etag})
	require.ErrorIs(t, err, ErrEtagMismatch)

	// IfEtag against a missing object fails the precondition.
	_, err = store.Put(ctx, "missing", strings.NewReader("v"), PutOptions{IfEtag: first.Etag})
	require.ErrorIs(t, err, ErrEtagMismatch)

	var b, _, readErr = ReadAll(ctx, store, "k")
	require.NoError(t, readErr)
	require.Equal(t, "v2", string(b))
}

func TestSetMetadataCAS(t *testing.T) {
	var ctx = context.Background()
	var store = newTestStore(t)

	var put, err = store.Put(ctx, "doc.pdf", strings.NewReader("%PDF"),
		PutOptions{Metadata: Metadata{"extraction-processed": "false"}})
	require.NoError(t, err)

	claimed, err := store.SetMetadata(ctx, "doc.pdf",
		Metadata{"extraction-processed": "claimed:w1:100"}, put.Etag)
	require.NoError(t, err)
	require.NotEqual(t, put.Etag, claimed.Etag)

	// A second claimant using the stale etag loses.
	_, err = store.SetMetadata(ctx, "doc.pdf",
		Metadata{"extraction-processed": "claimed:w2:100"}, put.Etag)
	require.ErrorIs(t, err, ErrEtagMismatch)

	// Metadata is replaced wholesale, not merged.
	done, err := store.SetMetadata(ctx, "doc.pdf",
		Metadata{"extraction-processed": "true"}, claimed.Etag)
	require.NoError(t, err)
	require.Equal(t, Metadata{"extraction-processed": "true"}, done.Metadata)

	// Content is untouched by metadata updates.
	var b, obj, readErr = ReadAll(ctx, store, "doc.pdf")
	require.NoError(t, readErr)
	require.Equal(t, "%PDF", string(b))
	require.Equal(t, done.Etag, obj.Etag)
}

func TestConcurrentClaimsAdmitOneWinner(t *testing.T) {
	var ctx = context.Background()
	var store = newTestStore(t)

	var put, err = store.Put(ctx, "doc.pdf", strings.NewReader("%PDF"), PutOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners int

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			var _, err = store.SetMetadata(ctx, "doc.pdf",
				Metadata{"claimant": fmt.Sprintf("w%d", worker)}, put.Etag)
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, ErrEtagMismatch) {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, winners)
}

func TestListIsOrderedAndFiltered(t *testing.T) {
	var ctx = context.Background()
	var store = newTestStore(t)

	for _, key := range []string{
		"bronze/house/year=2024/raw/archive.zip",
		"bronze/house/year=2024/index/index.xml",
		"bronze/house/year=2024/filing_type=P/pdfs/2.pdf",
		"bronze/house/year=2024/filing_type=A/pdfs/1.pdf",
		"bronze/house/year=2023/raw/archive.zip",
		"silver/house/filings/year=2024/part-0000.parquet",
	} {
		var _, err = store.Put(ctx, key, strings.NewReader("x"),
			PutOptions{Metadata: Metadata{"k": key}})
		require.NoError(t, err)
	}

	var listed []string
	require.NoError(t, store.List(ctx, "bronze/house/year=2024/", func(obj Object) error {
		require.Equal(t, obj.Key, obj.Metadata["k"])
		listed = append(listed, obj.Key)
		return nil
	}))
	require.Equal(t, []string{
		"bronze/house/year=2024/filing_type=A/pdfs/1.pdf",
		"bronze/house/year=2024/filing_type=P/pdfs/2.pdf",
		"bronze/house/year=2024/index/index.xml",
		"bronze/house/year=2024/raw/archive.zip",
	}, listed)

	// Callback errors stop the listing and propagate.
	var stop = errors.New("stop")
	require.ErrorIs(t, store.List(ctx, "bronze/", func(Object) error { return stop }), stop)
}

func TestHostileKeysAreRejected(t *testing.T) {
	var ctx = context.Background()
	var store = newTestStore(t)

	for _, key := range []string{
		"",
		"/absolute",
		"trailing/",
		"a//b",
		"../escape",
		"a/../../b",
		"a/b.meta.json",
	} {
		var _, err = store.Put(ctx, key, strings.NewReader("x"), PutOptions{})
		require.Error(t, err, "key %q", key)
	}
}

func TestTransientClassification(t *testing.T) {
	var base = errors.New("connection reset")
	require.True(t, IsTransient(Transient(base)))
	require.True(t, IsTransient(fmt.Errorf("outer: %w", Transient(base))))
	require.False(t, IsTransient(base))
	require.False(t, IsTransient(ErrNotFound))
	require.NoError(t, Transient(nil))
	require.ErrorIs(t, Transient(base), base)
}
