package pdftext

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDoc struct{ pages []pageStats }

func (d fakeDoc) NumPages() int                      { return len(d.pages) }
func (d fakeDoc) PageStats(n int) (pageStats, error) { return d.pages[n-1], nil }

type fakeEngine struct {
	pages map[int]RecognizedPage
	calls []int
}

func (e *fakeEngine) Recognize(_ context.Context, _ string, page int) (RecognizedPage, error) {
	e.calls = append(e.calls, page)
	return e.pages[page], nil
}

func TestExtractAllEmbedded(t *testing.T) {
	var engine = &fakeEngine{}
	var e = NewExtractor(engine, 0)

	var doc = fakeDoc{pages: []pageStats{
		statsOf("Schedule A: Assets held during the period.", true),
		statsOf("Schedule B: Transactions during the period.", true),
	}}
	var out, err = e.extract(context.Background(), doc, nil)
	require.NoError(t, err)

	require.Equal(t, MethodEmbedded, out.Method)
	require.Empty(t, engine.calls, "no page should reach OCR")
	require.Equal(t, 2, len(out.Pages))
	require.Contains(t, out.Text, "Schedule A")
	require.Contains(t, out.Text, "Schedule B")
	require.Greater(t, out.Confidence, 0.8)
}

func TestExtractFallsBackToOCR(t *testing.T) {
	var engine = &fakeEngine{pages: map[int]RecognizedPage{
		2: {Text: "SCANNED SCHEDULE TEXT", Confidence: 0.8},
	}}
	var e = NewExtractor(engine, 0)

	var doc = fakeDoc{pages: []pageStats{
		statsOf("Embedded cover page with plenty of text.", true),
		statsOf("", true), // image-only page
	}}
	var out, err = e.extract(context.Background(), doc, []byte("%PDF-fake"))
	require.NoError(t, err)

	require.Equal(t, MethodMixed, out.Method)
	require.Equal(t, []int{2}, engine.calls)
	require.Contains(t, out.Text, "SCANNED SCHEDULE TEXT")
	require.Equal(t, MethodOCR, out.Pages[1].Method)
	require.Equal(t, 0.8, out.Pages[1].Confidence)
	require.Less(t, out.Confidence, 1.0)
	require.Greater(t, out.Confidence, DefaultFallbackThreshold)
}

func TestExtractAllOCR(t *testing.T) {
	var engine = &fakeEngine{pages: map[int]RecognizedPage{
		1: {Text: "PAGE ONE", Confidence: 0.7},
		2: {Text: "PAGE TWO", Confidence: 0.9},
	}}
	var e = NewExtractor(engine, 0)

	var doc = fakeDoc{pages: []pageStats{
		statsOf("", false),
		statsOf("", false),
	}}
	var out, err = e.extract(context.Background(), doc, []byte("%PDF-fake"))
	require.NoError(t, err)
	require.Equal(t, MethodOCR, out.Method)
	require.Equal(t, []int{1, 2}, engine.calls)
}

func TestExtractUnreadable(t *testing.T) {
	var e = NewExtractor(nil, 0)
	var _, err = e.Extract(context.Background(), []byte("this is not a pdf"))
	require.ErrorIs(t, err, ErrUnreadable)
}

func TestStatsOfDampsMissingFontTable(t *testing.T) {
	var withFonts = statsOf("readable text", true)
	var withoutFonts = statsOf("readable text", false)

	require.Greater(t, withFonts.PrintableRatio, 0.5)
	require.Equal(t, withFonts.PrintableRatio/2, withoutFonts.PrintableRatio)
	require.Equal(t, withFonts.CharCount, withoutFonts.CharCount)
}

func TestWeightedConfidenceFavorsLongPages(t *testing.T) {
	var conf = weightedConfidence([]PageResult{
		{Confidence: 1.0, CharCount: 900},
		{Confidence: 0.0, CharCount: 100},
	})
	require.InDelta(t, 0.9, conf, 0.001)

	// All-empty pages average with unit weights instead of dividing by zero.
	require.InDelta(t, 0.5, weightedConfidence([]PageResult{
		{Confidence: 1.0}, {Confidence: 0.0},
	}), 0.001)
}

func TestParseTesseractTSV(t *testing.T) {
	var tsv = strings.Join([]string{
		"level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext",
		"1\t1\t0\t0\t0\t0\t0\t0\t100\t100\t-1\t",
		"4\t1\t1\t1\t1\t0\t0\t0\t100\t10\t-1\t",
		"5\t1\t1\t1\t1\t1\t0\t0\t40\t10\t96\tSchedule",
		"5\t1\t1\t1\t1\t2\t45\t0\t10\t10\t88\tA",
		"4\t1\t1\t1\t2\t0\t0\t12\t100\t10\t-1\t",
		"5\t1\t1\t1\t2\t1\t0\t12\t40\t10\t80\tAssets",
	}, "\n")

	var page = parseTesseractTSV(tsv)
	require.Equal(t, "Schedule A\nAssets", page.Text)
	require.InDelta(t, 0.88, page.Confidence, 0.001)
}

func TestCompressTextRoundTrip(t *testing.T) {
	var text = "Schedule A: Assets. $1,001 - $15,000."
	var compressed, sha, err = CompressText(text)
	require.NoError(t, err)
	require.Len(t, sha, 64)
	require.NotEqual(t, text, string(compressed))

	got, err := DecompressText(compressed)
	require.NoError(t, err)
	require.Equal(t, text, got)
}
