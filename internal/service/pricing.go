package service

// Pricing maps a render model to its cost in cents per generated second.
// Models without an explicit price fall back to the default rate.
type Pricing struct {
	defaultCents int64
	modelCents   map[string]int64
}

func NewPricing(defaultCents int64, modelCents map[string]int64) Pricing {
	return Pricing{defaultCents: defaultCents, modelCents: modelCents}
}

// RateCents returns the per-second rate for a model.
func (p Pricing) RateCents(mdl string) int64 {
	if cents, ok := p.modelCents[mdl]; ok {
		return cents
	}
	return p.defaultCents
}

// CostCents returns the total cost of a render.
func (p Pricing) CostCents(mdl string, seconds int) int64 {
	return p.RateCents(mdl) * int64(seconds)
}
