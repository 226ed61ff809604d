package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitoldata/fdlake/go/blobs"
	"github.com/capitoldata/fdlake/go/labels"
	"github.com/capitoldata/fdlake/go/schedules"
	"github.com/capitoldata/fdlake/go/tables"
	log "github.com/sirupsen/logrus"
)

// qualitySampleLimit caps the violation messages carried in a report.
const qualitySampleLimit = 20

// QualityReport is the outcome of one quality-gate pass.
type QualityReport struct {
	// Checked counts individual invariant checks performed.
	Checked int
	// Violations counts failed checks; Samples holds the first few.
	Violations int
	Samples    []string
	// Fraction is Violations over Checked.
	Fraction float64
	// Warned: the fraction crossed the warning threshold but not failure.
	Warned bool
}

// qualityGate verifies the Silver invariants of one year by cross-checking
// the tables against a Bronze listing.
type qualityGate struct {
	stores   *Stores
	warnFrac float64
	failFrac float64
}

func newQualityGate(stores *Stores, warnFrac, failFrac float64) *qualityGate {
	return &qualityGate{stores: stores, warnFrac: warnFrac, failFrac: failFrac}
}

// CheckQuality runs the quality gate read-only, outside an orchestration.
// Operator tooling (fdlakectl check) calls this against live stores.
func CheckQuality(ctx context.Context, stores *Stores, year int, warnFrac, failFrac float64) (QualityReport, error) {
	return newQualityGate(stores, warnFrac, failFrac).Check(ctx, year)
}

// bronzeDoc is one staged PDF as seen by the gate's listing pass.
type bronzeDoc struct {
	contentHash string
	state       labels.ExtractionState
}

// Check runs the gate. It fails with ErrQualityGateFailed when the
// violation fraction reaches the failure threshold.
func (g *qualityGate) Check(ctx context.Context, year int) (QualityReport, error) {
	var source = g.stores.Source()
	var report QualityReport

	var filings, err = tables.ReadPartition[tables.FilingRow](ctx, g.stores.Tables, tables.Filings, year)
	if err != nil {
		return report, fmt.Errorf("reading filings: %w", err)
	}
	var documents []tables.DocumentRow
	if documents, err = tables.ReadPartition[tables.DocumentRow](ctx, g.stores.Tables, tables.Documents, year); err != nil {
		return report, fmt.Errorf("reading documents: %w", err)
	}
	var texts []tables.TextRow
	if texts, err = tables.ReadPartition[tables.TextRow](ctx, g.stores.Tables, tables.ExtractedText, year); err != nil {
		return report, fmt.Errorf("reading extracted text: %w", err)
	}

	var bronze = make(map[string]bronzeDoc)
	if err = g.stores.Blobs.List(ctx, labels.BronzeYearPrefix(source, year), func(obj blobs.Object) error {
		var _, _, _, docID, ok = labels.ParseBronzePDF(obj.Key)
		if !ok {
			return nil
		}
		var state, stateErr = labels.ParseExtractionState(obj.Metadata[labels.ExtractionProcessed])
		if stateErr != nil {
			return stateErr
		}
		bronze[docID] = bronzeDoc{
			contentHash: obj.Metadata[labels.ContentHash],
			state:       state,
		}
		return nil
	}); err != nil {
		return report, fmt.Errorf("listing bronze year: %w", err)
	}

	var filingDocs = make(map[string]bool, len(filings))
	for _, f := range filings {
		filingDocs[f.DocID] = true
	}
	var textVersions = make(map[string]bool, len(texts))
	for _, t := range texts {
		textVersions[t.DocID+"/"+t.ContentHash] = true
	}

	var violate = func(format string, args ...interface{}) {
		report.Violations++
		if len(report.Samples) < qualitySampleLimit {
			report.Samples = append(report.Samples, fmt.Sprintf(format, args...))
		}
	}

	// Invariant 1: every filings row is backed by a Bronze document.
	for _, f := range filings {
		report.Checked++
		if _, ok := bronze[f.DocID]; !ok {
			violate("filings row %s has no bronze document", f.DocID)
		}
	}

	// Invariant 2: every text row has a filings row.
	for _, t := range texts {
		report.Checked++
		if !filingDocs[t.DocID] {
			violate("text row %s has no filings row", t.DocID)
		}
	}

	// Invariant 3: done metadata implies a text row of the same content
	// hash. The converse is checked per document, not per version: rows of
	// superseded content hashes legitimately outlive their bytes.
	for docID, doc := range bronze {
		if doc.state.Phase != labels.ExtractionDone {
			continue
		}
		report.Checked++
		if !textVersions[docID+"/"+doc.contentHash] {
			violate("bronze %s is done but text row is missing or stale", docID)
		}
	}
	for _, t := range texts {
		report.Checked++
		if _, ok := bronze[t.DocID]; !ok {
			violate("text row %s has no bronze document", t.DocID)
		}
	}

	// Invariant 4: structured records exist exactly for successfully
	// extracted documents of registered filing types.
	for _, d := range documents {
		if d.ExtractionStatus != tables.StatusOK {
			continue
		}
		var ft = labels.FilingType(d.FilingType)
		if _, registered := schedules.Lookup(ft); !registered {
			continue
		}
		report.Checked++
		var _, headErr = g.stores.Blobs.Head(ctx,
			labels.SilverStructured(source, int(d.Year), ft, d.DocID))
		if errors.Is(headErr, blobs.ErrNotFound) {
			violate("document %s is ok but structured records are missing", d.DocID)
		} else if headErr != nil {
			return report, fmt.Errorf("probing structured records of %s: %w", d.DocID, headErr)
		}
	}

	if report.Checked > 0 {
		report.Fraction = float64(report.Violations) / float64(report.Checked)
	}
	qualityViolationsTotal.Add(float64(report.Violations))

	var fields = log.Fields{
		"year":       year,
		"checked":    report.Checked,
		"violations": report.Violations,
	}
	switch {
	case report.Fraction >= g.failFrac:
		log.WithFields(fields).WithField("samples", report.Samples).Error("quality gate failed")
		return report, fmt.Errorf("%w: %d of %d checks violated",
			ErrQualityGateFailed, report.Violations, report.Checked)
	case report.Fraction >= g.warnFrac:
		report.Warned = true
		log.WithFields(fields).WithField("samples", report.Samples).Warn("quality gate passed with warnings")
	default:
		log.WithFields(fields).Info("quality gate passed")
	}
	return report, nil
}
