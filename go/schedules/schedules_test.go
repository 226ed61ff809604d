package schedules

import (
	"testing"
	"time"

	"github.com/capitoldata/fdlake/go/labels"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

const annualText = `UNITED STATES HOUSE OF REPRESENTATIVES
FINANCIAL DISCLOSURE REPORT

SCHEDULE A: ASSETS AND "UNEARNED" INCOME

Vanguard 500 Index Fund [MF]
SP $15,001 - $50,000
Dividends $201 - $1,000

First National Bank Account [BA]
$1,001 - $15,000
Interest $1 - $200

SCHEDULE B: TRANSACTIONS

Apple Inc (AAPL) [ST]
P 03/15/2024
$1,001 - $15,000

SCHEDULE C: EARNED INCOME

State University of Springfield
Teaching salary
$12,500

SCHEDULE D: LIABILITIES

None disclosed.

SCHEDULE E: POSITIONS

Position Name of Organization

Board Member
Smithtown Community Foundation
`

func annualSource(text string) Source {
	return Source{
		DocID:       "10001",
		Year:        2024,
		FilingType:  labels.TypeOriginal,
		ContentHash: "c0ffee",
		Text:        text,
		Confidence:  1.0,
	}
}

func recordsBySchedule(records []Record) map[labels.Schedule][]Record {
	var out = make(map[labels.Schedule][]Record)
	for _, r := range records {
		out[r.Schedule] = append(out[r.Schedule], r)
	}
	return out
}

func TestAnnualParse(t *testing.T) {
	var extractor, ok = Lookup(labels.TypeOriginal)
	require.True(t, ok)

	records, err := extractor.Parse(annualSource(annualText))
	require.NoError(t, err)
	var by = recordsBySchedule(records)

	require.Len(t, by[labels.ScheduleAssets], 2)
	var asset = by[labels.ScheduleAssets][0].Asset
	require.Equal(t, "Vanguard 500 Index Fund", asset.Name)
	require.Equal(t, "SP", asset.Owner)
	require.Equal(t, int64(15001), asset.ValueLow)
	require.Equal(t, int64(50000), asset.ValueHigh)
	require.Equal(t, "dividends", asset.IncomeType)
	require.Equal(t, int64(201), asset.IncomeLow)
	require.Equal(t, int64(1000), asset.IncomeHigh)
	require.Equal(t, 1.0, by[labels.ScheduleAssets][0].Confidence)

	require.Len(t, by[labels.ScheduleTransactions], 1)
	var tx = by[labels.ScheduleTransactions][0].Transaction
	require.Equal(t, "Apple Inc (AAPL)", tx.Asset)
	require.Equal(t, "P", tx.Type)
	require.Equal(t, "2024-03-15", tx.Date)
	require.Equal(t, int64(1001), tx.AmountLow)

	require.Len(t, by[labels.ScheduleEarnedIncome], 1)
	var income = by[labels.ScheduleEarnedIncome][0].EarnedIncome
	require.Equal(t, "State University of Springfield", income.Source)
	require.Equal(t, "Teaching salary", income.Type)
	require.Equal(t, int64(12500), income.Amount)

	// "None disclosed" is a declaration, not a row.
	require.Empty(t, by[labels.ScheduleLiabilities])

	require.Len(t, by[labels.SchedulePositions], 1)
	var position = by[labels.SchedulePositions][0].Position
	require.Equal(t, "Board Member", position.Title)
	require.Equal(t, "Smithtown Community Foundation", position.Organization)

	// Every record's span points back at text that contains its row.
	for _, r := range records {
		require.Less(t, r.Span.Start, r.Span.End)
		require.LessOrEqual(t, r.Span.End, len(annualText))
	}
}

func TestAnnualParseDampsAmbiguousRows(t *testing.T) {
	var text = "SCHEDULE A: ASSETS\n\nMystery Holding\n$1,001 - $15,000\n"
	records, err := annualExtractor{}.Parse(annualSource(text))
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Income type and income band are both unrecoverable: two dampings.
	require.InDelta(t, 0.85*0.85, records[0].Confidence, 1e-9)
}

func TestAnnualParseFailsWithoutHeadings(t *testing.T) {
	var _, err = annualExtractor{}.Parse(annualSource("a letter about an extension request"))
	require.ErrorIs(t, err, ErrExtractionFailed)
}

func TestAnnualParseFailsOnUnparseableSections(t *testing.T) {
	var text = "SCHEDULE A: ASSETS\n\n####### ------- #######\n"
	var _, err = annualExtractor{}.Parse(annualSource(text))
	require.ErrorIs(t, err, ErrExtractionFailed)
}

const ptrText = `PERIODIC TRANSACTION REPORT

Transactions

SP Microsoft Corporation [ST]
S (partial) 04/02/2024 04/05/2024
$50,001 - $100,000

Tesla Inc [ST]
P 04/10/2024 04/12/2024
$15,001 - $50,000
`

func TestPTRParse(t *testing.T) {
	var src = annualSource(ptrText)
	src.FilingType = labels.TypePTR

	var extractor, ok = Lookup(labels.TypePTR)
	require.True(t, ok)
	records, err := extractor.Parse(src)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var tx = records[0].Transaction
	require.Equal(t, "Microsoft Corporation", tx.Asset)
	require.Equal(t, "SP", tx.Owner)
	require.Equal(t, "S (partial)", tx.Type)
	require.Equal(t, "2024-04-02", tx.Date)
	require.Equal(t, "2024-04-05", tx.NotifiedDate)
	require.Equal(t, int64(50001), tx.AmountLow)
	require.Equal(t, int64(100000), tx.AmountHigh)

	require.Equal(t, "Tesla Inc", records[1].Transaction.Asset)
	require.Equal(t, "P", records[1].Transaction.Type)
}

func TestPTRParseFailsOnForeignText(t *testing.T) {
	var src = annualSource("quarterly newsletter with no relevant content")
	src.FilingType = labels.TypePTR
	var _, err = ptrExtractor{}.Parse(src)
	require.ErrorIs(t, err, ErrExtractionFailed)
}

func TestRegistryCoversAnnualStyleAndPTROnly(t *testing.T) {
	for _, ft := range labels.AllFilingTypes() {
		var _, ok = Lookup(ft)
		require.Equal(t, ft.AnnualStyle() || ft == labels.TypePTR, ok,
			"registry disagreement for type %s", ft)
	}
	_, ok := Lookup(labels.FilingType("Z"))
	require.False(t, ok)
}

func TestSpanConfidenceUsesPageData(t *testing.T) {
	var src = Source{
		Text:            "high confidence page\flow confidence page",
		Confidence:      0.6,
		PageConfidences: []float64{0.9, 0.3},
	}
	require.InDelta(t, 0.9, src.confidenceOver(Span{Start: 0, End: 10}), 1e-9)
	require.InDelta(t, 0.3, src.confidenceOver(Span{Start: 25, End: 40}), 1e-9)
	require.InDelta(t, 0.6, src.confidenceOver(Span{Start: 0, End: 40}), 1e-9)
}

func TestDocumentEncode(t *testing.T) {
	var src = annualSource("SCHEDULE A: ASSETS\n\nVanguard 500 Index Fund [MF]\nSP $15,001 - $50,000\nDividends $201 - $1,000\n")
	records, err := annualExtractor{}.Parse(src)
	require.NoError(t, err)

	var doc = Document{
		DocID:       src.DocID,
		Year:        src.Year,
		FilingType:  src.FilingType,
		ContentHash: src.ContentHash,
		Records:     records,
		ParsedAt:    time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	encoded, err := doc.Encode()
	require.NoError(t, err)

	var expected = `{
		"doc_id": "10001",
		"year": 2024,
		"filing_type": "O",
		"content_hash": "c0ffee",
		"records": [{
			"schedule": "assets",
			"confidence": 1,
			"asset": {
				"name": "Vanguard 500 Index Fund",
				"owner": "SP",
				"value_low": 15001,
				"value_high": 50000,
				"income_type": "dividends",
				"income_low": 201,
				"income_high": 1000
			}
		}],
		"parsed_at": "2024-06-01T00:00:00Z"
	}`

	var opts = jsondiff.DefaultConsoleOptions()
	var diff, report = jsondiff.Compare(encoded, []byte(expected), &opts)
	require.Equal(t, jsondiff.SupersetMatch, diff, report)
}
