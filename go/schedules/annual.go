package schedules

import (
	"fmt"
	"strings"

	"github.com/capitoldata/fdlake/go/labels"
)

// annualExtractor parses the full annual-report layout: schedule sections
// A through I, each a sequence of wrapped rows. Amendments, candidate and
// termination reports share the layout.
type annualExtractor struct{}

var _ Extractor = annualExtractor{}

func (annualExtractor) Parse(src Source) ([]Record, error) {
	var sections = splitSections(src.Text)
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: no schedule headings recognized", ErrExtractionFailed)
	}

	var out []Record
	var sawNone bool
	for _, sec := range sections {
		if noneDisclosed(sec.Body) {
			sawNone = true
			continue
		}
		for _, b := range splitBlocks(sec.Body, sec.Span.Start) {
			if rec, ok := parseScheduleBlock(src, sec.Schedule, b); ok {
				out = append(out, rec)
			}
		}
	}

	// Headings with neither rows nor an explicit "none" declaration mean
	// the text defeated the row grammar, not that nothing was disclosed.
	if len(out) == 0 && !sawNone {
		return nil, fmt.Errorf("%w: schedule headings present but no rows recognized", ErrExtractionFailed)
	}
	return out, nil
}

func parseScheduleBlock(src Source, schedule labels.Schedule, b block) (Record, bool) {
	switch schedule {
	case labels.ScheduleAssets:
		return parseAsset(src, b)
	case labels.ScheduleTransactions:
		return parseTransaction(src, labels.ScheduleTransactions, b)
	case labels.ScheduleEarnedIncome:
		return parseEarnedIncome(src, b)
	case labels.ScheduleLiabilities:
		return parseLiability(src, b)
	case labels.SchedulePositions:
		return parsePosition(src, b)
	case labels.ScheduleAgreements:
		return parseAgreement(src, b)
	case labels.ScheduleGifts:
		return parseGift(src, b)
	case labels.ScheduleTravel:
		return parseTravel(src, b)
	case labels.ScheduleCharity:
		return parseCharity(src, b)
	default:
		return Record{}, false
	}
}

func newRecord(src Source, schedule labels.Schedule, span Span, ambiguities int) Record {
	return Record{
		Schedule:   schedule,
		Confidence: damp(src.confidenceOver(span), ambiguities),
		Span:       span,
	}
}

// parseAsset reads one Schedule A row. Rows carry at least a value band;
// blocks without one (column headers, footers) are not rows.
func parseAsset(src Source, b block) (Record, bool) {
	var text = b.Text()
	var ranges = amountRanges(text)
	if len(ranges) == 0 {
		return Record{}, false
	}

	var ambiguities int
	var asset = Asset{
		Name:       strings.TrimSpace(ownerRe.ReplaceAllString(stripAssetTag(b.First()), "")),
		Owner:      ownerOf(text),
		ValueLow:   ranges[0][0],
		ValueHigh:  ranges[0][1],
		IncomeType: incomeTypeOf(text),
	}
	if len(ranges) > 1 {
		asset.IncomeLow, asset.IncomeHigh = ranges[1][0], ranges[1][1]
	} else if asset.IncomeType != "none" && asset.IncomeType != "tax-deferred" {
		ambiguities++
	}
	if asset.IncomeType == "" {
		ambiguities++
	}
	if asset.Name == "" {
		return Record{}, false
	}

	var rec = newRecord(src, labels.ScheduleAssets, b.Span, ambiguities)
	rec.Asset = &asset
	return rec, true
}

// parseTransaction reads one transaction row, shared between Schedule B of
// annual reports and the PTR table.
func parseTransaction(src Source, schedule labels.Schedule, b block) (Record, bool) {
	var text = b.Text()
	var ranges = amountRanges(text)
	if len(ranges) == 0 {
		return Record{}, false
	}
	var ds = dates(text)
	var txType = txTypeOf(text)
	if len(ds) == 0 && txType == "" {
		// A dollar band alone is not a transaction; filer-information
		// blocks quote amounts too.
		return Record{}, false
	}

	var ambiguities int
	var tx = Transaction{
		Asset:      strings.TrimSpace(ownerRe.ReplaceAllString(stripAssetTag(b.First()), "")),
		Owner:      ownerOf(text),
		Type:       txType,
		AmountLow:  ranges[0][0],
		AmountHigh: ranges[0][1],
	}
	if len(ds) > 0 {
		tx.Date = ds[0]
	} else {
		ambiguities++
	}
	if len(ds) > 1 {
		tx.NotifiedDate = ds[1]
	}
	if tx.Type == "" {
		ambiguities++
	}
	var lower = strings.ToLower(text)
	tx.CapitalGainsOver200 = strings.Contains(lower, "gains > $200") ||
		strings.Contains(lower, "gains over $200")
	if tx.Asset == "" {
		return Record{}, false
	}

	var rec = newRecord(src, schedule, b.Span, ambiguities)
	rec.Transaction = &tx
	return rec, true
}

// parseEarnedIncome reads one Schedule C row. Earned income discloses
// exact amounts, not bands.
func parseEarnedIncome(src Source, b block) (Record, bool) {
	var text = b.Text()
	var amount, ok = singleAmount(text)
	if !ok {
		return Record{}, false
	}

	var ambiguities int
	var income = EarnedIncome{
		Source: b.First(),
		Amount: amount,
	}
	for _, line := range b.Lines[1:] {
		if !strings.ContainsRune(line, '$') {
			income.Type = line
			break
		}
	}
	if income.Type == "" {
		ambiguities++
	}

	var rec = newRecord(src, labels.ScheduleEarnedIncome, b.Span, ambiguities)
	rec.EarnedIncome = &income
	return rec, true
}

var liabilityTypes = []string{
	"mortgage", "line of credit", "credit card", "margin account",
	"student loan", "loan", "promissory note",
}

// parseLiability reads one Schedule D row.
func parseLiability(src Source, b block) (Record, bool) {
	var text = b.Text()
	var ranges = amountRanges(text)
	if len(ranges) == 0 {
		return Record{}, false
	}

	var ambiguities int
	var liability = Liability{
		Creditor:   strings.TrimSpace(ownerRe.ReplaceAllString(b.First(), "")),
		Owner:      ownerOf(text),
		AmountLow:  ranges[0][0],
		AmountHigh: ranges[0][1],
	}
	var lower = strings.ToLower(text)
	for _, lt := range liabilityTypes {
		if strings.Contains(lower, lt) {
			liability.Type = lt
			break
		}
	}
	if liability.Type == "" {
		ambiguities++
	}
	if liability.Creditor == "" {
		return Record{}, false
	}

	var rec = newRecord(src, labels.ScheduleLiabilities, b.Span, ambiguities)
	rec.Liability = &liability
	return rec, true
}

// parsePosition reads one Schedule E row: a title and its organization.
func parsePosition(src Source, b block) (Record, bool) {
	var lower = strings.ToLower(b.Text())
	// The section's own column header names both columns.
	if strings.Contains(lower, "name of organization") {
		return Record{}, false
	}
	if strings.ContainsRune(b.Text(), '$') || b.First() == "" {
		return Record{}, false
	}

	var ambiguities int
	var position = Position{Title: b.First()}
	if len(b.Lines) > 1 {
		position.Organization = strings.Join(b.Lines[1:], " ")
	} else if _, after, found := strings.Cut(position.Title, ", "); found {
		position.Title, _, _ = strings.Cut(position.Title, ", ")
		position.Organization = after
	} else {
		ambiguities++
	}

	var rec = newRecord(src, labels.SchedulePositions, b.Span, ambiguities)
	rec.Position = &position
	return rec, true
}

// parseAgreement reads one Schedule F row.
func parseAgreement(src Source, b block) (Record, bool) {
	var lower = strings.ToLower(b.Text())
	if strings.Contains(lower, "parties to") && strings.Contains(lower, "terms of") {
		return Record{}, false
	}
	if b.First() == "" {
		return Record{}, false
	}

	var ambiguities int
	var agreement = Agreement{Terms: b.Text()}
	if ds := dates(b.Text()); len(ds) > 0 {
		agreement.Date = ds[0]
	} else {
		ambiguities++
	}

	var rec = newRecord(src, labels.ScheduleAgreements, b.Span, ambiguities)
	rec.Agreement = &agreement
	return rec, true
}

// parseGift reads one Schedule G row. Gift rows disclose an exact value.
func parseGift(src Source, b block) (Record, bool) {
	var text = b.Text()
	var value, ok = singleAmount(text)
	if !ok {
		return Record{}, false
	}

	var gift = Gift{Source: b.First(), Value: value}
	if len(b.Lines) > 1 {
		gift.Description = strings.Join(b.Lines[1:], " ")
	}

	var rec = newRecord(src, labels.ScheduleGifts, b.Span, 0)
	rec.Gift = &gift
	return rec, true
}

// parseTravel reads one Schedule H row.
func parseTravel(src Source, b block) (Record, bool) {
	var text = b.Text()
	var ds = dates(text)
	var itinerary = itineraryOf(b)
	if len(ds) == 0 && itinerary == "" {
		return Record{}, false
	}

	var ambiguities int
	var travel = Travel{Source: b.First(), Itinerary: itinerary}
	if len(ds) > 0 {
		travel.DepartureDate = ds[0]
	} else {
		ambiguities++
	}
	if len(ds) > 1 {
		travel.ReturnDate = ds[1]
	}
	if itinerary == "" {
		ambiguities++
	}

	var rec = newRecord(src, labels.ScheduleTravel, b.Span, ambiguities)
	rec.Travel = &travel
	return rec, true
}

// itineraryOf finds a city-pair line such as "Washington, DC - Chicago, IL".
func itineraryOf(b block) string {
	for _, line := range b.Lines[1:] {
		var before, after, found = strings.Cut(line, " - ")
		if found && strings.TrimSpace(before) != "" && strings.TrimSpace(after) != "" &&
			!strings.ContainsRune(line, '$') && dateRe.FindString(line) == "" {
			return line
		}
	}
	return ""
}

// parseCharity reads one Schedule I row.
func parseCharity(src Source, b block) (Record, bool) {
	var text = b.Text()
	var amount, ok = singleAmount(text)
	if !ok {
		return Record{}, false
	}

	var ambiguities int
	var charity = Charity{Source: b.First(), Amount: amount}
	if len(b.Lines) > 1 {
		charity.Charity = b.Lines[1]
	} else {
		ambiguities++
	}
	if ds := dates(text); len(ds) > 0 {
		charity.Date = ds[0]
	}

	var rec = newRecord(src, labels.ScheduleCharity, b.Span, ambiguities)
	rec.Charity = &charity
	return rec, true
}
