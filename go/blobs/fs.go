package blobs

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// fsStore is a Store over a local directory, for development and tests.
// Each object is a regular file plus a sidecar `<name>.meta.json` holding
// its revision counter and user metadata. Writes go to a temp file in the
// destination directory and are renamed into place, so readers never see a
// partial object. Preconditions are serialized by a striped in-process
// lock: atomic relative to this process, which is the deployment story of
// the filesystem backend (single host).
type fsStore struct {
	root string
	mu   [64]sync.Mutex
}

var _ Store = (*fsStore)(nil)

const (
	fsMetaSuffix  = ".meta.json"
	fsTempPattern = ".tmp-*"
)

// NewFSStore opens (creating if needed) a Store rooted at |root|.
func NewFSStore(root string) (Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &fsStore{root: root}, nil
}

// fsMeta is the sidecar document of one stored object.
type fsMeta struct {
	Revision int64     `json:"revision"`
	Size     int64     `json:"size"`
	Updated  time.Time `json:"updated"`
	Metadata Metadata  `json:"metadata,omitempty"`
}

func (m fsMeta) object(key string) Object {
	return Object{
		Key:      key,
		Size:     m.Size,
		Etag:     fmt.Sprintf("r%d", m.Revision),
		Metadata: m.Metadata.Clone(),
		Updated:  m.Updated,
	}
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("invalid key %q", key)
	}
	if strings.HasSuffix(key, fsMetaSuffix) {
		return fmt.Errorf("key %q collides with metadata sidecars", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid key %q", key)
		}
	}
	return nil
}

func (s *fsStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *fsStore) lockFor(key string) *sync.Mutex {
	var h = fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.mu[h.Sum32()%uint32(len(s.mu))]
}

// readMeta loads the sidecar of |key|. It maps a missing sidecar (or a
// sidecar without its data file) to ErrNotFound.
func (s *fsStore) readMeta(key string) (fsMeta, error) {
	var b, err = os.ReadFile(s.path(key) + fsMetaSuffix)
	if os.IsNotExist(err) {
		return fsMeta{}, ErrNotFound
	} else if err != nil {
		return fsMeta{}, fmt.Errorf("reading sidecar of %q: %w", key, err)
	}

	var meta fsMeta
	if err = json.Unmarshal(b, &meta); err != nil {
		return fsMeta{}, fmt.Errorf("decoding sidecar of %q: %w", key, err)
	}
	return meta, nil
}

func (s *fsStore) writeMeta(key string, meta fsMeta) error {
	var b, err = json.Marshal(meta)
	if err != nil {
		panic(err) // fsMeta always marshals.
	}
	return atomicWrite(s.path(key)+fsMetaSuffix, func(f *os.File) error {
		_, err := f.Write(b)
		return err
	})
}

// atomicWrite writes via a temp file in the destination directory and
// renames it into place.
func atomicWrite(path string, fill func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}
	var f, err = os.CreateTemp(filepath.Dir(path), fsTempPattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(f.Name()) // A no-op after successful rename.

	if err = fill(f); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// checkPrecondition evaluates Put/SetMetadata preconditions against the
// current sidecar state.
func checkPrecondition(current fsMeta, err error, ifEtag string, ifAbsent bool) (fsMeta, error) {
	switch {
	case ifAbsent:
		if err == nil {
			return fsMeta{}, ErrEtagMismatch
		} else if err != ErrNotFound {
			return fsMeta{}, err
		}
		return fsMeta{}, nil
	case ifEtag != "":
		// A missing object fails the match too, as GCS's generation-match
		// precondition does.
		if err == ErrNotFound {
			return fsMeta{}, ErrEtagMismatch
		} else if err != nil {
			return fsMeta{}, err
		} else if got := fmt.Sprintf("r%d", current.Revision); got != ifEtag {
			return fsMeta{}, ErrEtagMismatch
		}
		return current, nil
	case err == ErrNotFound:
		return fsMeta{}, nil
	default:
		return current, err
	}
}

func (s *fsStore) Put(ctx context.Context, key string, content io.Reader, opts PutOptions) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	var lock = s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	var current, readErr = s.readMeta(key)
	var prior, err = checkPrecondition(current, readErr, opts.IfEtag, opts.IfAbsent)
	if err != nil {
		return Object{}, fmt.Errorf("putting object %q: %w", key, err)
	}

	var size int64
	if err = atomicWrite(s.path(key), func(f *os.File) error {
		var n, err = io.Copy(f, content)
		size = n
		return err
	}); err != nil {
		return Object{}, fmt.Errorf("putting object %q: %w", key, err)
	}

	var meta = fsMeta{
		Revision: prior.Revision + 1,
		Size:     size,
		Updated:  time.Now().UTC(),
		Metadata: opts.Metadata.Clone(),
	}
	if err = s.writeMeta(key, meta); err != nil {
		return Object{}, fmt.Errorf("putting object %q: %w", key, err)
	}
	return meta.object(key), nil
}

func (s *fsStore) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	if err := validKey(key); err != nil {
		return nil, Object{}, err
	}
	var lock = s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	var meta, err = s.readMeta(key)
	if err != nil {
		return nil, Object{}, err
	}
	f, err := os.Open(s.path(key))
	if os.IsNotExist(err) {
		return nil, Object{}, ErrNotFound
	} else if err != nil {
		return nil, Object{}, fmt.Errorf("opening object %q: %w", key, err)
	}
	return f, meta.object(key), nil
}

func (s *fsStore) Head(ctx context.Context, key string) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	var lock = s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	var meta, err = s.readMeta(key)
	if err != nil {
		return Object{}, err
	}
	return meta.object(key), nil
}

func (s *fsStore) SetMetadata(ctx context.Context, key string, md Metadata, ifEtag string) (Object, error) {
	if err := validKey(key); err != nil {
		return Object{}, err
	}
	var lock = s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	var current, err = s.readMeta(key)
	if err != nil {
		return Object{}, err
	}
	if ifEtag != "" {
		if got := fmt.Sprintf("r%d", current.Revision); got != ifEtag {
			return Object{}, fmt.Errorf("updating metadata of %q: %w", key, ErrEtagMismatch)
		}
	}

	var meta = fsMeta{
		Revision: current.Revision + 1,
		Size:     current.Size,
		Updated:  time.Now().UTC(),
		Metadata: md.Clone(),
	}
	if err = s.writeMeta(key, meta); err != nil {
		return Object{}, fmt.Errorf("updating metadata of %q: %w", key, err)
	}
	return meta.object(key), nil
}

func (s *fsStore) List(ctx context.Context, prefix string, fn func(Object) error) error {
	var keys []string
	var err = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		var name = d.Name()
		if strings.HasSuffix(name, fsMetaSuffix) || strings.HasPrefix(name, ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		var key = filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking store root: %w", err)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err = ctx.Err(); err != nil {
			return err
		}
		var obj, err = s.Head(ctx, key)
		if err == ErrNotFound {
			continue // Raced with a concurrent write of a partial object.
		} else if err != nil {
			return err
		}
		if err = fn(obj); err != nil {
			return err
		}
	}
	return nil
}
