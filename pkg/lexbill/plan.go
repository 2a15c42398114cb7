package lexbill

import "math"

// PlanID identifies a subscription tier. Exactly one plan exists per tier.
type PlanID string

const (
	// PlanEssential is the entry tier for solo practitioners.
	PlanEssential PlanID = "essential"
	// PlanProfessional is the mid tier for small firms.
	PlanProfessional PlanID = "professional"
	// PlanFirmPlus is the top tier for large firms.
	PlanFirmPlus PlanID = "firm-plus"
)

// Unlimited is the explicit sentinel for limits with no cap.
// It is never inferred from a zero value.
const Unlimited int64 = -1

const gibibyte = int64(1024 * 1024 * 1024)

// Limits describes the resource caps attached to a plan.
type Limits struct {
	MaxSeats              int64
	MaxStorageBytes       int64
	MaxCases              int64
	MaxClients            int64
	MaxSignaturesPerCycle int64
}

// Plan is a static catalog entry. Prices are in euro cents.
type Plan struct {
	ID                PlanID
	Limits            Limits
	MonthlyPriceCents int64
}

// YearlyPriceCents returns the discounted yearly price (12 months minus 10%),
// rounded to the nearest cent.
func (p Plan) YearlyPriceCents() int64 {
	return int64(math.Round(float64(p.MonthlyPriceCents) * 12 * 0.9))
}

// SignaturePack is a purchasable one-time signature credit bundle.
type SignaturePack struct {
	Quantity   int64
	PriceCents int64
}

// Catalog is the immutable plan-limits table, constructed once at startup.
type Catalog struct {
	plans map[PlanID]Plan
	packs map[int64]SignaturePack
}

// NewCatalog builds a catalog from explicit plan and pack definitions.
func NewCatalog(plans []Plan, packs []SignaturePack) *Catalog {
	c := &Catalog{
		plans: make(map[PlanID]Plan, len(plans)),
		packs: make(map[int64]SignaturePack, len(packs)),
	}
	for _, p := range plans {
		c.plans[p.ID] = p
	}
	for _, sp := range packs {
		c.packs[sp.Quantity] = sp
	}
	return c
}

// DefaultCatalog returns the production plan table.
func DefaultCatalog() *Catalog {
	return NewCatalog(
		[]Plan{
			{
				ID: PlanEssential,
				Limits: Limits{
					MaxSeats:              1,
					MaxStorageBytes:       20 * gibibyte,
					MaxCases:              100,
					MaxClients:            30,
					MaxSignaturesPerCycle: 15,
				},
				MonthlyPriceCents: 4500,
			},
			{
				ID: PlanProfessional,
				Limits: Limits{
					MaxSeats:              10,
					MaxStorageBytes:       100 * gibibyte,
					MaxCases:              600,
					MaxClients:            200,
					MaxSignaturesPerCycle: 40,
				},
				MonthlyPriceCents: 6900,
			},
			{
				ID: PlanFirmPlus,
				Limits: Limits{
					MaxSeats:              50,
					MaxStorageBytes:       Unlimited,
					MaxCases:              Unlimited,
					MaxClients:            Unlimited,
					MaxSignaturesPerCycle: 100,
				},
				MonthlyPriceCents: 9900,
			},
		},
		[]SignaturePack{
			{Quantity: 1, PriceCents: 300},
			{Quantity: 10, PriceCents: 2000},
			{Quantity: 25, PriceCents: 3000},
			{Quantity: 50, PriceCents: 4500},
			{Quantity: 100, PriceCents: 7000},
			{Quantity: 250, PriceCents: 14000},
		},
	)
}

// Plan looks up a plan by id.
func (c *Catalog) Plan(id PlanID) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// ResolveLimits returns the limits for planID, falling back to the fallback
// plan's limits when planID is unknown. It never fails: callers must be able
// to render something even when the record or the plan mapping is stale.
func (c *Catalog) ResolveLimits(planID, fallback PlanID) Limits {
	if p, ok := c.plans[planID]; ok {
		return p.Limits
	}
	return c.plans[fallback].Limits
}

// SignaturePack looks up a pack by its fixed quantity.
func (c *Catalog) SignaturePack(quantity int64) (SignaturePack, bool) {
	sp, ok := c.packs[quantity]
	return sp, ok
}
