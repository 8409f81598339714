package domain

// BudgetRecord is one provider's spend accumulator for one accounting
// day. Day is formatted as 2006-01-02 in the provider's accounting
// timezone. Spent is monotonically non-decreasing within a day; a new
// record is created at the day boundary.
type BudgetRecord struct {
	ProviderID  string
	Day         string
	Spent       float64
	Limit       float64
	UpdatedAtMs int64
}
