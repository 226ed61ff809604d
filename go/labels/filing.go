package labels

import "sort"

// FilingType is the single-letter code the House Clerk's index assigns to a
// disclosure submission. The code determines which structured extractor
// variant parses the document.
type FilingType string

// Known filing-type codes.
const (
	// TypeOriginal is an annual financial disclosure report.
	TypeOriginal FilingType = "O"
	// TypeAmendment amends a previously filed annual report.
	TypeAmendment FilingType = "A"
	// TypePTR is a periodic transaction report.
	TypePTR FilingType = "P"
	// TypeCandidate is the report filed by a candidate for office.
	TypeCandidate FilingType = "C"
	// TypeTermination is the report filed on leaving office.
	TypeTermination FilingType = "T"
	// TypeExtension is a request to extend a filing deadline.
	TypeExtension FilingType = "X"
	// TypeExtensionGrant is the committee's grant of a deadline extension.
	TypeExtensionGrant FilingType = "D"
	// TypeWithdrawal withdraws a previously filed report.
	TypeWithdrawal FilingType = "W"
	// TypeGiftWaiver is a gift or travel waiver notice.
	TypeGiftWaiver FilingType = "G"
	// TypeBlindTrust is a qualified blind trust filing.
	TypeBlindTrust FilingType = "B"
	// TypeExemption is an exemption notice.
	TypeExemption FilingType = "E"
	// TypeHonoraria is an honoraria notice.
	TypeHonoraria FilingType = "H"
)

var filingTypeNames = map[FilingType]string{
	TypeOriginal:       "annual report",
	TypeAmendment:      "annual report amendment",
	TypePTR:            "periodic transaction report",
	TypeCandidate:      "candidate report",
	TypeTermination:    "termination report",
	TypeExtension:      "extension request",
	TypeExtensionGrant: "extension grant",
	TypeWithdrawal:     "withdrawal notice",
	TypeGiftWaiver:     "gift waiver",
	TypeBlindTrust:     "blind trust filing",
	TypeExemption:      "exemption notice",
	TypeHonoraria:      "honoraria notice",
}

// Valid is true if |t| is a known filing-type code.
func (t FilingType) Valid() bool {
	var _, ok = filingTypeNames[t]
	return ok
}

// Name returns the human-readable name of the filing type, or "unknown" for
// codes outside the known set.
func (t FilingType) Name() string {
	if name, ok := filingTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// AnnualStyle is true for filing types laid out as a full annual report,
// with the complete set of schedules (A through I). Amendments, candidate
// reports and termination reports reuse the annual layout.
func (t FilingType) AnnualStyle() bool {
	switch t {
	case TypeOriginal, TypeAmendment, TypeCandidate, TypeTermination:
		return true
	default:
		return false
	}
}

// NoticeStyle is true for short letter-form filings (extensions, waivers,
// withdrawals and similar) that carry no schedule tables.
func (t FilingType) NoticeStyle() bool {
	return t.Valid() && !t.AnnualStyle() && t != TypePTR
}

// AllFilingTypes returns the known codes in lexicographic order.
func AllFilingTypes() []FilingType {
	var out = make([]FilingType, 0, len(filingTypeNames))
	for t := range filingTypeNames {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Schedule identifies a section of a disclosure filing. Values are the
// snake_case section names used as the discriminator of structured records.
type Schedule string

// Schedules of the annual report layout, in form order. PTRs carry only
// ScheduleTransactions; notice-style filings carry ScheduleNotice.
const (
	ScheduleAssets       Schedule = "assets"
	ScheduleTransactions Schedule = "transactions"
	ScheduleEarnedIncome Schedule = "earned_income"
	ScheduleLiabilities  Schedule = "liabilities"
	SchedulePositions    Schedule = "positions"
	ScheduleAgreements   Schedule = "agreements"
	ScheduleGifts        Schedule = "gifts"
	ScheduleTravel       Schedule = "travel"
	ScheduleCharity      Schedule = "charity"
	ScheduleNotice       Schedule = "notice"
)
