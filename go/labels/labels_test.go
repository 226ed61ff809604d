package labels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractionStateRoundTrips(t *testing.T) {
	var expiry = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	var cases = []struct {
		state   ExtractionState
		encoded string
	}{
		{ExtractionState{Phase: ExtractionNew}, "false"},
		{ExtractionState{Phase: ExtractionDone}, "true"},
		{
			ExtractionState{Phase: ExtractionClaimed, WorkerID: "1b4e28ba-2fa1-11d2-883f-0016d3cca427", LeaseExpiry: expiry},
			"claimed:1b4e28ba-2fa1-11d2-883f-0016d3cca427:1741944413",
		},
		{
			ExtractionState{Phase: ExtractionFailedPermanent, Reason: "corrupt pdf: unexpected EOF"},
			"error:corrupt pdf: unexpected EOF",
		},
	}
	for _, tc := range cases {
		require.Equal(t, tc.encoded, tc.state.Encode())

		var parsed, err = ParseExtractionState(tc.encoded)
		require.NoError(t, err)
		require.Equal(t, tc.state, parsed)
	}

	// Absent field decodes as ExtractionNew.
	var parsed, err = ParseExtractionState("")
	require.NoError(t, err)
	require.Equal(t, ExtractionNew, parsed.Phase)
}

func TestExtractionStateRejectsMalformedValues(t *testing.T) {
	for _, value := range []string{
		"claimed:",
		"claimed:worker",
		"claimed:worker:",
		"claimed::123",
		"claimed:worker:not-a-number",
		"done",
		"TRUE",
	} {
		var _, err = ParseExtractionState(value)
		require.Error(t, err, "value %q", value)
	}
}

func TestLeaseExpiry(t *testing.T) {
	var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var claim = ExtractionState{
		Phase:       ExtractionClaimed,
		WorkerID:    "w1",
		LeaseExpiry: now.Add(time.Minute),
	}
	require.False(t, claim.LeaseExpired(now))
	require.True(t, claim.LeaseExpired(now.Add(time.Minute)))
	require.True(t, claim.LeaseExpired(now.Add(time.Hour)))

	// Only claims expire.
	require.False(t, ExtractionState{Phase: ExtractionDone}.LeaseExpired(now))
}

func TestFilingTypes(t *testing.T) {
	require.True(t, TypePTR.Valid())
	require.False(t, FilingType("Z").Valid())
	require.Equal(t, "periodic transaction report", TypePTR.Name())
	require.Equal(t, "unknown", FilingType("Z").Name())

	for _, ft := range []FilingType{TypeOriginal, TypeAmendment, TypeCandidate, TypeTermination} {
		require.True(t, ft.AnnualStyle(), "type %s", ft)
		require.False(t, ft.NoticeStyle(), "type %s", ft)
	}
	require.False(t, TypePTR.AnnualStyle())
	require.False(t, TypePTR.NoticeStyle())
	for _, ft := range []FilingType{TypeExtension, TypeExtensionGrant, TypeWithdrawal, TypeGiftWaiver, TypeBlindTrust, TypeExemption, TypeHonoraria} {
		require.True(t, ft.NoticeStyle(), "type %s", ft)
	}

	var all = AllFilingTypes()
	require.Len(t, all, 12)
	require.True(t, sortedTypes(all))
}

func sortedTypes(types []FilingType) bool {
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			return false
		}
	}
	return true
}

func TestKeyLayout(t *testing.T) {
	require.Equal(t, "bronze/house/year=2024/raw/archive.zip", BronzeArchive("house", 2024))
	require.Equal(t, "bronze/house/year=2024/index/index.xml", BronzeIndex("house", 2024))
	require.Equal(t, "bronze/house/year=2024/filing_type=P/pdfs/10042345.pdf",
		BronzePDF("house", 2024, TypePTR, "10042345"))
	require.Equal(t, "bronze/house/year=2024/reports/ingest-r1.json",
		BronzeIngestReport("house", 2024, "r1"))
	require.Equal(t, "silver/house/filings/year=2024/part-0000.parquet",
		SilverTablePartition("house", TableFilings, 2024))
	require.Equal(t, "silver/house/filings/_schema.json", SilverTableSchema("house", TableFilings))
	require.Equal(t, "silver/house/text/year=2024/doc_id=10042345/text.gz",
		SilverText("house", 2024, "10042345"))
	require.Equal(t, "silver/house/structured/filing_type=A/year=2024/doc_id=10042345.json",
		SilverStructured("house", 2024, TypeAmendment, "10042345"))
}

func TestBronzePDFKeysEscapeHostileDocIDs(t *testing.T) {
	var key = BronzePDF("house", 2024, TypeOriginal, "../../etc/passwd")
	require.NotContains(t, key, "../")

	var source, year, ft, docID, ok = ParseBronzePDF(key)
	require.True(t, ok)
	require.Equal(t, "house", source)
	require.Equal(t, 2024, year)
	require.Equal(t, TypeOriginal, ft)
	require.Equal(t, "../../etc/passwd", docID)
}

func TestParseBronzePDFRejectsOtherKeys(t *testing.T) {
	for _, key := range []string{
		BronzeArchive("house", 2024),
		BronzeIndex("house", 2024),
		BronzeIngestReport("house", 2024, "r1"),
		"silver/house/filings/year=2024/part-0000.parquet",
		"bronze/house/year=x/filing_type=P/pdfs/1.pdf",
		"bronze/house/year=2024/filing_type=P/pdfs/1.txt",
	} {
		var _, _, _, _, ok = ParseBronzePDF(key)
		require.False(t, ok, "key %q", key)
	}
}
