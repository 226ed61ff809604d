// Package labels defines the shared vocabulary of the lake: Bronze user
// metadata keys, the extraction-processed state encoding, filing-type and
// schedule codes, and the object-key layout of the Bronze and Silver tiers.
// Every component builds and parses keys and metadata through this package,
// never with ad-hoc string concatenation.
package labels

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Bronze object user-metadata keys.
const (
	// ContentHash is the lowercase hex sha256 of the object's bytes. It is
	// the version identifier for every Raw Document: derived Silver rows
	// reference documents by this hash, never by object path.
	ContentHash = "content-hash"
	// SourceArchiveHash is the ContentHash of the archive a PDF was staged
	// from, tying each Raw Document back to one ingest run's input bytes.
	SourceArchiveHash = "source-archive-hash"
	// ExtractionProcessed carries the document's extraction state machine.
	// See ExtractionState for the value encoding.
	ExtractionProcessed = "extraction-processed"
	// ByteLength is the decimal byte count of the object, recorded at write
	// time so listings can audit sizes without a second Head.
	ByteLength = "byte-length"
	// IngestedAt is the RFC 3339 UTC timestamp of the ingest run that wrote
	// this object.
	IngestedAt = "ingested-at"
)

// ExtractionPhase enumerates the states of a Raw Document's
// extraction-processed metadata field.
type ExtractionPhase int

const (
	// ExtractionNew marks a document that no worker has claimed. Encoded as
	// an absent field or the literal "false".
	ExtractionNew ExtractionPhase = iota
	// ExtractionClaimed marks a document a worker is processing. Encoded as
	// "claimed:<worker-id>:<unix-lease-expiry>". The claim is advisory after
	// the lease expires: the next claimant takes over via compare-and-set.
	ExtractionClaimed
	// ExtractionDone marks a fully extracted document whose Silver rows are
	// all written. Encoded as the literal "true". This transition is the
	// commit point of the pipeline.
	ExtractionDone
	// ExtractionFailedPermanent marks a document whose extraction failed
	// with a permanent error. Encoded as "error:<reason>".
	ExtractionFailedPermanent
)

// String returns the phase name used in logs and metrics.
func (p ExtractionPhase) String() string {
	switch p {
	case ExtractionNew:
		return "new"
	case ExtractionClaimed:
		return "claimed"
	case ExtractionDone:
		return "done"
	case ExtractionFailedPermanent:
		return "failed-permanent"
	default:
		return fmt.Sprintf("invalid(%d)", int(p))
	}
}

// ExtractionState is the decoded value of the ExtractionProcessed metadata
// field. WorkerID and LeaseExpiry are meaningful only in ExtractionClaimed,
// Reason only in ExtractionFailedPermanent.
type ExtractionState struct {
	Phase       ExtractionPhase
	WorkerID    string
	LeaseExpiry time.Time
	Reason      string
}

const (
	claimedPrefix = "claimed:"
	errorPrefix   = "error:"
)

// ParseExtractionState decodes |value| as read from Bronze metadata. An
// empty value is ExtractionNew: absence of the field and "false" are the
// same state.
func ParseExtractionState(value string) (ExtractionState, error) {
	switch {
	case value == "" || value == "false":
		return ExtractionState{Phase: ExtractionNew}, nil
	case value == "true":
		return ExtractionState{Phase: ExtractionDone}, nil
	case strings.HasPrefix(value, errorPrefix):
		return ExtractionState{
			Phase:  ExtractionFailedPermanent,
			Reason: value[len(errorPrefix):],
		}, nil
	case strings.HasPrefix(value, claimedPrefix):
		// Worker IDs are UUIDs and cannot contain ':', so the last segment
		// is always the lease expiry.
		var rest = value[len(claimedPrefix):]
		var ind = strings.LastIndexByte(rest, ':')
		if ind <= 0 || ind == len(rest)-1 {
			return ExtractionState{}, fmt.Errorf("malformed claim %q", value)
		}
		var expiry, err = strconv.ParseInt(rest[ind+1:], 10, 64)
		if err != nil {
			return ExtractionState{}, fmt.Errorf("parsing claim expiry of %q: %w", value, err)
		}
		return ExtractionState{
			Phase:       ExtractionClaimed,
			WorkerID:    rest[:ind],
			LeaseExpiry: time.Unix(expiry, 0).UTC(),
		}, nil
	default:
		return ExtractionState{}, fmt.Errorf("unrecognized extraction-processed value %q", value)
	}
}

// Encode returns the metadata value for the state. Encode of the zero
// ExtractionState is "false" (ExtractionNew).
func (s ExtractionState) Encode() string {
	switch s.Phase {
	case ExtractionNew:
		return "false"
	case ExtractionClaimed:
		return claimedPrefix + s.WorkerID + ":" + strconv.FormatInt(s.LeaseExpiry.Unix(), 10)
	case ExtractionDone:
		return "true"
	case ExtractionFailedPermanent:
		return errorPrefix + s.Reason
	default:
		panic(fmt.Sprintf("invalid phase %v", s.Phase))
	}
}

// LeaseExpired is true when a claim's lease has lapsed and the document is
// eligible for takeover by another worker.
func (s ExtractionState) LeaseExpired(now time.Time) bool {
	return s.Phase == ExtractionClaimed && !now.Before(s.LeaseExpiry)
}

// MustExtractionState parses |value| and panics on error. Use only with
// values the caller itself encoded.
func MustExtractionState(value string) ExtractionState {
	var s, err = ParseExtractionState(value)
	if err != nil {
		panic(err)
	}
	return s
}
