package schedules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/capitoldata/fdlake/go/labels"
)

// scheduleHeadingRe matches the section headings of the annual layout,
// e.g. "SCHEDULE A: ASSETS AND 'UNEARNED' INCOME".
var scheduleHeadingRe = regexp.MustCompile(`(?mi)^[ \t]*SCHEDULE[ \t]+([A-I])\b[ \t:.\-]*(.*)$`)

// scheduleOfLetter maps the annual form's section letters to schedule
// discriminators, in form order.
var scheduleOfLetter = map[string]labels.Schedule{
	"A": labels.ScheduleAssets,
	"B": labels.ScheduleTransactions,
	"C": labels.ScheduleEarnedIncome,
	"D": labels.ScheduleLiabilities,
	"E": labels.SchedulePositions,
	"F": labels.ScheduleAgreements,
	"G": labels.ScheduleGifts,
	"H": labels.ScheduleTravel,
	"I": labels.ScheduleCharity,
}

// section is one schedule section located in the source text.
type section struct {
	Schedule labels.Schedule
	// Body is the section text between this heading and the next.
	Body string
	// Span covers the body within the source text.
	Span Span
}

// splitSections locates schedule headings and returns their bodies in
// document order. Repeated headings of the same schedule (page breaks
// re-print them) produce repeated sections; callers parse each.
func splitSections(text string) []section {
	var matches = scheduleHeadingRe.FindAllStringSubmatchIndex(text, -1)
	var out = make([]section, 0, len(matches))

	for i, m := range matches {
		var letter = strings.ToUpper(text[m[2]:m[3]])
		var schedule, ok = scheduleOfLetter[letter]
		if !ok {
			continue
		}
		var start = m[1] // end of the heading line
		var end = len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		out = append(out, section{
			Schedule: schedule,
			Body:     text[start:end],
			Span:     Span{Start: start, End: end},
		})
	}
	return out
}

// block is one blank-line-delimited run of lines within a section body.
type block struct {
	Lines []string
	Span  Span
}

// Text joins the block's lines.
func (b block) Text() string { return strings.Join(b.Lines, "\n") }

// First returns the block's first line.
func (b block) First() string {
	if len(b.Lines) == 0 {
		return ""
	}
	return b.Lines[0]
}

// splitBlocks groups a section body into entry blocks. Disclosure text
// wraps a single row across several lines; blank lines (and form feeds)
// separate rows. Span offsets are relative to |base|.
func splitBlocks(body string, base int) []block {
	var out []block
	var cur block
	var offset int

	var flush = func(end int) {
		if len(cur.Lines) > 0 {
			cur.Span.End = base + end
			out = append(out, cur)
		}
		cur = block{}
	}

	for offset < len(body) {
		var lineEnd = strings.IndexAny(body[offset:], "\n\f")
		if lineEnd == -1 {
			lineEnd = len(body)
		} else {
			lineEnd += offset
		}
		var line = strings.TrimSpace(body[offset:lineEnd])

		if line == "" {
			flush(offset)
		} else {
			if len(cur.Lines) == 0 {
				cur.Span.Start = base + offset
			}
			cur.Lines = append(cur.Lines, line)
		}

		if lineEnd == len(body) {
			offset = lineEnd
			break
		}
		offset = lineEnd + 1
	}
	flush(offset)
	return out
}

// noneDisclosed is true for section bodies that are an explicit "none"
// declaration rather than rows.
func noneDisclosed(body string) bool {
	var t = strings.ToLower(strings.TrimSpace(body))
	return t == "none" || t == "none." ||
		strings.HasPrefix(t, "none disclosed") || strings.HasPrefix(t, "not applicable")
}

var amountRangeRe = regexp.MustCompile(`\$([\d,]+)\s*-+\s*\$?([\d,]+)`)
var amountOverRe = regexp.MustCompile(`(?i)(?:over\s+)?\$([\d,]+)\s*\+`)
var amountRe = regexp.MustCompile(`\$([\d,]+)`)

func parseDollars(s string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
}

// amountRanges extracts the disclosed dollar bands of |s| in order. An
// open-ended "$50,000,000 +" band reads as (low, low).
func amountRanges(s string) [][2]int64 {
	var out [][2]int64
	var taken = make(map[int]bool)

	for _, m := range amountRangeRe.FindAllStringSubmatchIndex(s, -1) {
		var low, err1 = parseDollars(s[m[2]:m[3]])
		var high, err2 = parseDollars(s[m[4]:m[5]])
		if err1 != nil || err2 != nil || high < low {
			continue
		}
		out = append(out, [2]int64{low, high})
		for i := m[0]; i != m[1]; i++ {
			taken[i] = true
		}
	}
	for _, m := range amountOverRe.FindAllStringSubmatchIndex(s, -1) {
		if taken[m[0]] {
			continue
		}
		if low, err := parseDollars(s[m[2]:m[3]]); err == nil {
			out = append(out, [2]int64{low, low})
		}
	}
	return out
}

// singleAmount extracts the first exact (non-banded) dollar amount of |s|,
// skipping amounts that belong to a band.
func singleAmount(s string) (int64, bool) {
	var banded = make(map[int]bool)
	for _, m := range amountRangeRe.FindAllStringIndex(s, -1) {
		for i := m[0]; i != m[1]; i++ {
			banded[i] = true
		}
	}
	for _, m := range amountRe.FindAllStringSubmatchIndex(s, -1) {
		if banded[m[0]] {
			continue
		}
		if v, err := parseDollars(s[m[2]:m[3]]); err == nil {
			return v, true
		}
	}
	return 0, false
}

var dateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)

// NormalizeDate converts a M/D/YYYY date to YYYY-MM-DD; it returns input
// it cannot parse unchanged, and "" for empty input.
func NormalizeDate(s string) string {
	var m = dateRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return strings.TrimSpace(s)
	}
	var month, _ = strconv.Atoi(m[1])
	var day, _ = strconv.Atoi(m[2])
	return fmt.Sprintf("%s-%02d-%02d", m[3], month, day)
}

// dates extracts the disclosed dates of |s| in order, as YYYY-MM-DD.
func dates(s string) []string {
	var out []string
	for _, m := range dateRe.FindAllString(s, -1) {
		out = append(out, NormalizeDate(m))
	}
	return out
}

var ownerRe = regexp.MustCompile(`\b(SP|DC|JT)\b`)

// ownerOf finds the owner code of a disclosure row, if any.
func ownerOf(s string) string { return ownerRe.FindString(s) }

// assetTagRe strips the bracketed asset-class tags the form appends to
// asset names, e.g. "Vanguard 500 Index [MF]".
var assetTagRe = regexp.MustCompile(`\s*\[[A-Z]{1,3}\]\s*$`)

func stripAssetTag(s string) string { return assetTagRe.ReplaceAllString(s, "") }

// incomeTypes are the income characterizations of Schedule A.
var incomeTypes = []string{
	"dividends", "interest", "capital gains", "rent", "royalties",
	"tax-deferred", "none",
}

// incomeTypeOf finds the first disclosed income type in |s|, lowercased.
func incomeTypeOf(s string) string {
	var t = strings.ToLower(s)
	for _, it := range incomeTypes {
		if strings.Contains(t, it) {
			return it
		}
	}
	return ""
}

// txTypeRe matches the transaction-type column: P, S, E, or S (partial).
var txTypeRe = regexp.MustCompile(`(?:^|\s)([PSE])(?:\s*\((partial)\))?(?:\s|$)`)

// txTypeOf finds the transaction type of a row, e.g. "P" or "S (partial)".
func txTypeOf(s string) string {
	var m = txTypeRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	if m[2] != "" {
		return m[1] + " (partial)"
	}
	return m[1]
}
