package domain

import "fmt"

// Pricing holds per-item job costs and monthly plan allowances.
type Pricing struct {
	ItemCost   map[JobType]int64  `toml:"item_cost"`
	Allowances map[UserPlan]int64 `toml:"allowances"`
}

// DefaultPricing returns the built-in cost table.
func DefaultPricing() Pricing {
	return Pricing{
		ItemCost: map[JobType]int64{
			JobTypeGeneration:   12,
			JobTypeHeroCreation: 20,
			JobTypeCalibration:  4,
			JobTypeExport:       2,
		},
		Allowances: map[UserPlan]int64{
			UserPlanFree:    50,
			UserPlanStarter: 300,
			UserPlanPro:     1000,
			UserPlanStudio:  4000,
		},
	}
}

// CostPerItem returns the per-item cost of a job type.
func (p Pricing) CostPerItem(t JobType) (int64, error) {
	cost, ok := p.ItemCost[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedJobType, t)
	}
	return cost, nil
}

// Required computes the reservation for count items of type t.
func (p Pricing) Required(t JobType, count int) (int64, error) {
	cost, err := p.CostPerItem(t)
	if err != nil {
		return 0, err
	}
	if count < 1 {
		return 0, fmt.Errorf("%w: job needs at least one item", ErrInvalidInput)
	}
	return cost * int64(count), nil
}

// Allowance returns the monthly credit allowance for a plan.
func (p Pricing) Allowance(plan UserPlan) int64 {
	return p.Allowances[plan]
}

// Merge overlays non-zero entries from other.
func (p Pricing) Merge(other Pricing) Pricing {
	out := Pricing{ItemCost: map[JobType]int64{}, Allowances: map[UserPlan]int64{}}
	for k, v := range p.ItemCost {
		out.ItemCost[k] = v
	}
	for k, v := range p.Allowances {
		out.Allowances[k] = v
	}
	for k, v := range other.ItemCost {
		if v > 0 {
			out.ItemCost[k] = v
		}
	}
	for k, v := range other.Allowances {
		if v >= 0 {
			out.Allowances[k] = v
		}
	}
	return out
}
