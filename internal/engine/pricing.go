package engine

import (
	"math"
	"time"

	"travelkit/internal/config"
)

// PriceAudit records one pricing computation. Every size change appends
// an entry, so the full price history of a group is reconstructible.
type PriceAudit struct {
	BasePrice     float64   `json:"base_price"`
	MemberCount   int       `json:"member_count"`
	DiscountRate  float64   `json:"discount_rate"`
	FinalPrice    float64   `json:"final_price"`
	PreviousPrice float64   `json:"previous_price"`
	ComputedAt    time.Time `json:"computed_at"`
	Note          string    `json:"note,omitempty"`
}

// PriceTrail is the ordered audit history stored on a group.
type PriceTrail []PriceAudit

// Latest returns the most recent audit entry, or a zero value.
func (t PriceTrail) Latest() PriceAudit {
	if len(t) == 0 {
		return PriceAudit{}
	}
	return t[len(t)-1]
}

// Pricer applies the tiered discount schedule.
type Pricer struct {
	tiers       []config.DiscountTier
	maxDiscount float64
}

// NewPricer creates a Pricer from the pricing configuration.
func NewPricer(cfg config.PricingConfig) *Pricer {
	return &Pricer{tiers: cfg.Tiers, maxDiscount: cfg.MaxDiscount}
}

// TierRate returns the discount rate for a member count: the rate of
// the highest tier whose min_size is satisfied, 0 below the first tier.
func (p *Pricer) TierRate(memberCount int) float64 {
	rate := 0.0
	for _, t := range p.tiers {
		if memberCount >= t.MinSize {
			rate = t.Rate
		}
	}
	return rate
}

// Quote computes the per-person price for a group of memberCount at the
// destination's base price. destCap bounds the discount (0 = no
// destination-specific cap beyond the global maximum). previous is the
// price before this recomputation, recorded in the audit entry.
func (p *Pricer) Quote(basePrice, destCap float64, memberCount int, previous float64, note string) (float64, float64, PriceAudit) {
	rate := p.TierRate(memberCount)
	if rate > p.maxDiscount {
		rate = p.maxDiscount
	}
	if destCap > 0 && rate > destCap {
		rate = destCap
	}
	final := round2(basePrice * (1 - rate))
	audit := PriceAudit{
		BasePrice:     basePrice,
		MemberCount:   memberCount,
		DiscountRate:  rate,
		FinalPrice:    final,
		PreviousPrice: previous,
		ComputedAt:    time.Now().UTC(),
		Note:          note,
	}
	return final, rate, audit
}

// Savings is the per-person amount saved against the base price.
func Savings(basePrice, finalPrice float64) float64 {
	if finalPrice >= basePrice {
		return 0
	}
	return round2(basePrice - finalPrice)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
