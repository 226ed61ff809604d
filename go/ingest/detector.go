package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/capitoldata/fdlake/go/watermark"
	log "github.com/sirupsen/logrus"
)

// Probe is the update detector's verdict for one (source, year).
type Probe struct {
	// Changed is false only when a validator positively matched the
	// watermark. Inconclusive probes read as changed; the ingester's full
	// content hash then decides for real.
	Changed bool
	// Hint names the validator that decided, for the orchestrator log.
	Hint string
}

// probePrefixBytes is the ranged-GET fallback window. The zip central
// directory lives at the end, but any byte change anywhere almost always
// shifts the stored entries at the front too.
const probePrefixBytes = 64 << 10

// Detector decides whether a remote archive changed since the last
// successful run, as cheaply as the remote allows. It reads the watermark
// store and the remote's headers; it never writes anything.
type Detector struct {
	fetcher    *Fetcher
	watermarks watermark.Store
}

// NewDetector returns a Detector reading watermarks from |store|.
func NewDetector(fetcher *Fetcher, store watermark.Store) *Detector {
	return &Detector{fetcher: fetcher, watermarks: store}
}

// Check probes |url| against the (source, year) watermark.
func (d *Detector) Check(ctx context.Context, source string, year int, url string) (Probe, error) {
	var wm, _, err = d.watermarks.Get(ctx, source, watermark.YearKey(year))
	if err != nil {
		return Probe{}, fmt.Errorf("reading watermark: %w", err)
	}
	if wm.Status != watermark.StatusOK || wm.ContentHash == "" {
		return Probe{Changed: true, Hint: "no successful prior run"}, nil
	}

	var header http.Header
	if header, err = d.fetcher.Head(ctx, url); err != nil {
		return Probe{}, fmt.Errorf("probing %s: %w", url, err)
	}

	// The remote's strong validator, when it is a content digest we can
	// compare. The Clerk's host serves opaque ETags, so this mostly
	// settles "changed" when the ETag is absent after previously present.
	if etag := header.Get("Etag"); etag != "" && etag == wm.ContentHash {
		return Probe{Changed: false, Hint: "etag match"}, nil
	}

	// Weak signal: an unchanged Last-Modified on a host that supplies one
	// is accepted as unchanged. This is the documented weaker guarantee
	// of header-based validation; the stored truth remains the sha256.
	if lm := header.Get("Last-Modified"); lm != "" && !wm.LastModified.IsZero() {
		if t, err := http.ParseTime(lm); err == nil && t.Equal(wm.LastModified) {
			return Probe{Changed: false, Hint: "last-modified match"}, nil
		}
		return Probe{Changed: true, Hint: "last-modified changed"}, nil
	}

	// Fallback: fingerprint the first 64 KiB. A matching prefix is only a
	// hint, so it reads as changed with a note rather than unchanged.
	var probe []byte
	if probe, err = d.fetcher.RangeProbe(ctx, url, probePrefixBytes); err != nil {
		log.WithFields(log.Fields{"url": url, "err": err}).Warn("range probe failed; assuming changed")
		return Probe{Changed: true, Hint: "validators unavailable"}, nil
	}
	var sum = sha256.Sum256(probe)
	if hex.EncodeToString(sum[:]) == wm.ContentHash {
		// Hash-of-prefix cannot equal hash-of-archive unless the archive
		// fits the probe window entirely.
		return Probe{Changed: false, Hint: "full-content match within probe window"}, nil
	}
	return Probe{Changed: true, Hint: "no validator matched"}, nil
}
