// Package fraud computes the listing risk score used by admission checks.
package fraud

// Scoring constants. The score is the sum of a price band, a reputation
// shortfall, and a category surcharge.
const (
	// PriceDivisor converts the listing price into its risk band.
	PriceDivisor = 100
	// ReputationBaseline is the reputation at which the shortfall term
	// reaches zero.
	ReputationBaseline = 100
	// HighRiskCategory is the category string that attracts the surcharge.
	HighRiskCategory = "high-risk"
	// HighRiskSurcharge is added when the listing is in HighRiskCategory.
	HighRiskSurcharge = 20
)

// Score returns floor(price/100) + max(0, 100-reputation) + 20 for high-risk
// categories. It is pure and deterministic. The reputation term saturates at
// zero: reputations above the baseline never wrap the unsigned subtraction.
func Score(price, reputation uint64, category string) uint64 {
	score := price / PriceDivisor
	if reputation < ReputationBaseline {
		score += ReputationBaseline - reputation
	}
	if category == HighRiskCategory {
		score += HighRiskSurcharge
	}
	return score
}
