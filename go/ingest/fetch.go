// Package ingest stages remote yearly archives into Bronze: it downloads
// and hashes the archive, unpacks its index and per-filing PDFs with
// deterministic skip semantics, and writes a per-run report. It also hosts
// the update detector, which probes a remote for change without
// downloading.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"
	log "github.com/sirupsen/logrus"
)

// ErrRemoteUnavailable marks an exhausted retry budget or an open circuit
// breaker toward the remote host. It is transient at the orchestration
// level: the next scheduled run retries from the top.
var ErrRemoteUnavailable = errors.New("remote source unavailable")

// statusError is a non-2xx response. 5xx and 429 are retried; other 4xx
// are permanent (a missing year simply is not published yet).
type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("remote returned status %d", e.code) }

func (e *statusError) transient() bool {
	return e.code >= 500 || e.code == http.StatusTooManyRequests
}

const fetchAttempts = 5

// fetchBackoff spaces retries of remote fetches: base 2s, doubling, 60s cap.
func fetchBackoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 0
	case 1:
		return time.Second * 2
	case 2:
		return time.Second * 4
	case 3:
		return time.Second * 8
	case 4:
		return time.Second * 16
	default:
		return time.Second * 60
	}
}

// Fetcher issues HTTP requests to the archive host behind a circuit
// breaker, so a hard-down remote sheds load quickly instead of each
// orchestration burning its full retry budget.
type Fetcher struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewFetcher wraps |client| (nil for http.DefaultClient).
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "archive-source",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: time.Minute,
		}),
	}
}

// do runs one request through the breaker. A non-2xx status is returned as
// a statusError; only transient statuses count as breaker failures.
func (f *Fetcher) do(req *http.Request) (*http.Response, error) {
	var out, err = f.breaker.Execute(func() (interface{}, error) {
		var resp, err = f.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			var serr = &statusError{code: resp.StatusCode}
			resp.Body.Close()
			if serr.transient() {
				return nil, serr
			}
			// Hand permanent statuses back without tripping the breaker.
			return serr, nil
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrRemoteUnavailable, err)
	} else if err != nil {
		return nil, err
	}
	if serr, ok := out.(*statusError); ok {
		return nil, serr
	}
	return out.(*http.Response), nil
}

// retriable reports whether a fetch error is worth another attempt.
func retriable(err error) bool {
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.transient()
	}
	if errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Transport-level failures arrive as url.Error wrapping all sorts;
	// treat anything that is not an HTTP status as retriable.
	return true
}

// withRetries runs |fn| under the fetch retry budget.
func withRetries(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 0; attempt != fetchAttempts; attempt++ {
		select {
		case <-time.After(fetchBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}

		if err = fn(); err == nil {
			return nil
		} else if !retriable(err) {
			return err
		}
		fetchRetriesTotal.Inc()
		log.WithFields(log.Fields{
			"what":    what,
			"attempt": attempt + 1,
			"err":     err,
		}).Warn("retrying remote fetch")
	}
	return fmt.Errorf("%w: %s: %s", ErrRemoteUnavailable, what, err)
}

// Download streams |url| to a spool file while hashing it, and returns the
// spool path, the sha256 of the body, its size, and the remote's
// Last-Modified when supplied. The caller removes the spool via cleanup.
func (f *Fetcher) Download(ctx context.Context, url string) (spool string, hash string, size int64, lastModified time.Time, cleanup func(), err error) {
	var file *os.File
	if file, err = os.CreateTemp("", "fdlake-archive-*.zip"); err != nil {
		return "", "", 0, time.Time{}, nil, fmt.Errorf("creating archive spool: %w", err)
	}
	cleanup = func() {
		_ = file.Close()
		_ = os.Remove(file.Name())
	}

	err = withRetries(ctx, "download "+url, func() error {
		var req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		var resp *http.Response
		if resp, err = f.do(req); err != nil {
			return err
		}
		defer resp.Body.Close()

		if _, err = file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err = file.Truncate(0); err != nil {
			return err
		}

		var hasher = sha256.New()
		if size, err = io.Copy(io.MultiWriter(file, hasher), resp.Body); err != nil {
			return err
		}
		hash = hex.EncodeToString(hasher.Sum(nil))
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			lastModified, _ = http.ParseTime(lm)
		}
		return nil
	})
	if err != nil {
		cleanup()
		return "", "", 0, time.Time{}, nil, err
	}

	bytesDownloaded.Add(float64(size))
	return file.Name(), hash, size, lastModified, cleanup, nil
}

// Head fetches the remote's response headers without a body.
func (f *Fetcher) Head(ctx context.Context, url string) (http.Header, error) {
	var header http.Header
	var err = withRetries(ctx, "head "+url, func() error {
		var req, err = http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		var resp *http.Response
		if resp, err = f.do(req); err != nil {
			return err
		}
		resp.Body.Close()
		header = resp.Header
		return nil
	})
	return header, err
}

// RangeProbe fetches the first |n| bytes of the remote resource. Servers
// that ignore Range return the full body; only |n| bytes are read either
// way.
func (f *Fetcher) RangeProbe(ctx context.Context, url string, n int64) ([]byte, error) {
	var probe []byte
	var err = withRetries(ctx, "range probe "+url, func() error {
		var req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))

		var resp *http.Response
		if resp, err = f.do(req); err != nil {
			return err
		}
		defer resp.Body.Close()

		if probe, err = io.ReadAll(io.LimitReader(resp.Body, n)); err != nil {
			return err
		}
		return nil
	})
	return probe, err
}
