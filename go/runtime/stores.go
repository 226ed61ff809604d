// Package runtime wires the pipeline's stores together and drives the
// per-(source, year) orchestration state machine. Nothing in here is a
// singleton: commands build a Stores bundle from configuration and pass it
// down explicitly.
package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/capitoldata/fdlake/go/blobs"
	"github.com/capitoldata/fdlake/go/queue"
	"github.com/capitoldata/fdlake/go/tables"
	"github.com/capitoldata/fdlake/go/watermark"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// StoresConfig selects and configures the four external stores. Every
// option is a go-flags option of the commands that embed it.
type StoresConfig struct {
	Source string `long:"source" env:"SOURCE" default:"house" description:"Data source name"`

	Blobs struct {
		URL string `long:"url" env:"URL" default:"file://./fdlake-data" description:"Object store root: file://<path> or gs://<bucket>"`
	} `group:"Blob store" namespace:"blobs" env-namespace:"BLOBS"`

	Queue struct {
		Driver            string        `long:"driver" env:"DRIVER" default:"sqlite" choice:"memory" choice:"sqlite" choice:"postgres" description:"Queue backend"`
		DSN               string        `long:"dsn" env:"DSN" default:"./fdlake-queue.db" description:"SQLite path or Postgres DSN"`
		VisibilityTimeout time.Duration `long:"visibility-timeout" env:"VISIBILITY_TIMEOUT" default:"15m" description:"Queue lease duration"`
		MaxAttempts       int           `long:"max-attempts" env:"MAX_ATTEMPTS" default:"5" description:"Delivery attempts before dead-lettering"`
	} `group:"Work queue" namespace:"queue" env-namespace:"QUEUE"`

	Watermark struct {
		Driver      string        `long:"driver" env:"DRIVER" default:"etcd" choice:"memory" choice:"etcd" description:"Watermark backend"`
		Endpoints   []string      `long:"endpoint" env:"ENDPOINTS" env-delim:"," default:"http://localhost:2379" description:"Etcd endpoint (may be repeated)"`
		Prefix      string        `long:"prefix" env:"PREFIX" default:"/fdlake/watermarks" description:"Etcd key prefix"`
		DialTimeout time.Duration `long:"dial-timeout" env:"DIAL_TIMEOUT" default:"5s" description:"Etcd dial timeout"`
	} `group:"Watermark store" namespace:"watermark" env-namespace:"WATERMARK"`
}

// Stores bundles the pipeline's external stores for one source.
type Stores struct {
	Blobs      blobs.Store
	Queue      queue.Queue
	Watermarks watermark.Store
	Tables     *tables.Writer

	etcd *clientv3.Client
}

// Source returns the data source name the bundle addresses.
func (s *Stores) Source() string { return s.Tables.Source() }

// Close releases backend connections. Safe on a partially built bundle.
func (s *Stores) Close() error {
	if closer, ok := s.Queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("closing queue: %w", err)
		}
	}
	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			return fmt.Errorf("closing etcd client: %w", err)
		}
	}
	return nil
}

// Build constructs the bundle. The caller owns Close.
func (c StoresConfig) Build(ctx context.Context) (*Stores, error) {
	var out = new(Stores)
	var err error

	switch {
	case strings.HasPrefix(c.Blobs.URL, "file://"):
		out.Blobs, err = blobs.NewFSStore(strings.TrimPrefix(c.Blobs.URL, "file://"))
	case strings.HasPrefix(c.Blobs.URL, "gs://"):
		out.Blobs, err = blobs.NewGCSStore(ctx, c.Blobs.URL)
	default:
		err = fmt.Errorf("unrecognized scheme (want file:// or gs://)")
	}
	if err != nil {
		return nil, fmt.Errorf("building blob store %q: %w", c.Blobs.URL, err)
	}

	var qOpts = queue.Options{
		VisibilityTimeout: c.Queue.VisibilityTimeout,
		MaxAttempts:       c.Queue.MaxAttempts,
	}
	switch c.Queue.Driver {
	case "memory":
		out.Queue, err = queue.NewMemoryQueue(qOpts)
	case "sqlite":
		out.Queue, err = queue.NewSQLiteQueue(c.Queue.DSN, qOpts)
	case "postgres":
		out.Queue, err = queue.NewPostgresQueue(c.Queue.DSN, qOpts)
	default:
		err = fmt.Errorf("unknown driver %q", c.Queue.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("building %s queue: %w", c.Queue.Driver, err)
	}

	switch c.Watermark.Driver {
	case "memory":
		out.Watermarks = watermark.NewMemoryStore()
	case "etcd":
		out.etcd, err = clientv3.New(clientv3.Config{
			Endpoints:   c.Watermark.Endpoints,
			DialTimeout: c.Watermark.DialTimeout,
			Context:     ctx,
		})
		if err == nil {
			out.Watermarks, err = watermark.NewEtcdStore(out.etcd, c.Watermark.Prefix)
		}
	default:
		err = fmt.Errorf("unknown driver %q", c.Watermark.Driver)
	}
	if err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("building %s watermark store: %w", c.Watermark.Driver, err)
	}

	out.Tables = tables.NewWriter(out.Blobs, c.Source)
	return out, nil
}
