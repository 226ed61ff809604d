package schedules

// Owner codes of jointly disclosed items: SP (spouse), DC (dependent
// child), JT (joint). Empty means the filer.

// Asset is one Schedule A row: an asset held during the period, its value
// band, and the type and band of income it produced.
type Asset struct {
	Name  string `json:"name"`
	Owner string `json:"owner,omitempty"`
	// ValueLow and ValueHigh bound the disclosed value band in dollars.
	ValueLow  int64 `json:"value_low"`
	ValueHigh int64 `json:"value_high"`
	// IncomeType is the disclosed income character (dividends, interest,
	// rent, capital gains, none, ...), lowercased.
	IncomeType string `json:"income_type,omitempty"`
	IncomeLow  int64  `json:"income_low"`
	IncomeHigh int64  `json:"income_high"`
}

// Transaction is one Schedule B (or PTR) row.
type Transaction struct {
	Asset string `json:"asset"`
	Owner string `json:"owner,omitempty"`
	// Type is P (purchase), S (sale), S(partial), or E (exchange).
	Type string `json:"type"`
	// Date is the transaction date, YYYY-MM-DD.
	Date string `json:"date,omitempty"`
	// NotifiedDate is the PTR notification date, YYYY-MM-DD.
	NotifiedDate string `json:"notified_date,omitempty"`
	AmountLow    int64  `json:"amount_low"`
	AmountHigh   int64  `json:"amount_high"`
	// CapitalGainsOver200 reflects the ">$200 capital gains" checkbox.
	CapitalGainsOver200 bool `json:"capital_gains_over_200,omitempty"`
}

// EarnedIncome is one Schedule C row: a source of earned income.
type EarnedIncome struct {
	Source string `json:"source"`
	Type   string `json:"type,omitempty"`
	// Amount is the exact disclosed amount; earned income is not banded.
	Amount int64 `json:"amount"`
}

// Liability is one Schedule D row.
type Liability struct {
	Creditor   string `json:"creditor"`
	Owner      string `json:"owner,omitempty"`
	Type       string `json:"type,omitempty"`
	AmountLow  int64  `json:"amount_low"`
	AmountHigh int64  `json:"amount_high"`
}

// Position is one Schedule E row: an outside position held.
type Position struct {
	Title        string `json:"title"`
	Organization string `json:"organization,omitempty"`
}

// Agreement is one Schedule F row: an agreement or arrangement with an
// outside entity.
type Agreement struct {
	// Date is YYYY-MM-DD when the agreement text disclosed one.
	Date  string `json:"date,omitempty"`
	Terms string `json:"terms"`
}

// Gift is one Schedule G row.
type Gift struct {
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
	Value       int64  `json:"value"`
}

// Travel is one Schedule H row: privately sponsored travel.
type Travel struct {
	Source string `json:"source"`
	// Itinerary is the disclosed city pair or route, verbatim.
	Itinerary     string `json:"itinerary,omitempty"`
	DepartureDate string `json:"departure_date,omitempty"`
	ReturnDate    string `json:"return_date,omitempty"`
}

// Charity is one Schedule I row: a payment made to charity in lieu of
// honoraria.
type Charity struct {
	Source  string `json:"source"`
	Charity string `json:"charity,omitempty"`
	Date    string `json:"date,omitempty"`
	Amount  int64  `json:"amount"`
}
