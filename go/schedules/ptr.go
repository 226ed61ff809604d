package schedules

import (
	"fmt"
	"strings"

	"github.com/capitoldata/fdlake/go/labels"
)

// ptrExtractor parses periodic transaction reports: a single table of
// transactions, each row an asset, a P/S/E type, dates, and an amount
// band. PTRs carry no other schedules.
type ptrExtractor struct{}

var _ Extractor = ptrExtractor{}

func (ptrExtractor) Parse(src Source) ([]Record, error) {
	if !strings.Contains(strings.ToLower(src.Text), "transaction") {
		return nil, fmt.Errorf("%w: no transaction table recognized", ErrExtractionFailed)
	}

	var out []Record
	for _, b := range splitBlocks(src.Text, 0) {
		if rec, ok := parseTransaction(src, labels.ScheduleTransactions, b); ok {
			out = append(out, rec)
		}
	}

	if len(out) == 0 && !strings.Contains(strings.ToLower(src.Text), "none") {
		return nil, fmt.Errorf("%w: transaction table present but no rows recognized", ErrExtractionFailed)
	}
	return out, nil
}
