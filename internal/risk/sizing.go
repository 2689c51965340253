package risk

import "math"

// Sizing methods.
const (
	SizingRisk    = "risk"
	SizingBracket = "bracket"
)

// Bracket assigns Quantity to prices strictly below MaxPrice.
type Bracket struct {
	MaxPrice float64
	Quantity int64
}

// Sizer turns an entry and stop into a share count.
type Sizer struct {
	Method          string
	MaxCapital      float64
	RiskFraction    float64
	Brackets        []Bracket
	DefaultQuantity int64
}

// Quantity returns the number of shares to buy, always at least 1.
func (s Sizer) Quantity(price, stop float64) int64 {
	if s.Method == SizingBracket {
		return BracketQuantity(price, s.Brackets, s.DefaultQuantity)
	}
	return RiskQuantity(price, stop, s.MaxCapital, s.RiskFraction)
}

// RiskQuantity risks riskFraction of maxCapital between price and stop and
// caps the notional at maxCapital.
func RiskQuantity(price, stop, maxCapital, riskFraction float64) int64 {
	if price <= 0 {
		return 1
	}
	byCapital := math.Floor(maxCapital / price)
	qty := byCapital

	riskPerShare := price - stop
	if riskPerShare > 0 {
		byRisk := math.Floor(maxCapital * riskFraction / riskPerShare)
		qty = math.Min(byRisk, byCapital)
	}
	if qty < 1 {
		return 1
	}
	return int64(qty)
}

// BracketQuantity picks the first bracket whose ceiling exceeds price.
// Brackets must be sorted by ascending MaxPrice.
func BracketQuantity(price float64, brackets []Bracket, fallback int64) int64 {
	for _, b := range brackets {
		if price < b.MaxPrice && b.Quantity > 0 {
			return b.Quantity
		}
	}
	if fallback < 1 {
		return 1
	}
	return fallback
}
