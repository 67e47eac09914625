// Package catalog holds the static plan catalog and the mapping from store
// product identifiers to plan keys. Purchases for product ids outside this
// mapping are a hard validation failure: a receipt must never be accepted
// for a plan the backend does not recognize.
package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownProduct is returned when a store product id has no plan mapping.
var ErrUnknownProduct = errors.New("unknown product id")

// ErrUnknownPlan is returned when a plan key is not in the catalog.
var ErrUnknownPlan = errors.New("unknown plan")

// Plan keys.
const (
	PlanFree    = "free"
	PlanMonthly = "monthly"
	PlanYearly  = "yearly"
)

// Plan describes one purchasable tier. Days defines the entitlement window
// added to now when the platform supplies no expiration (one-time products);
// Days == 0 means unlimited.
type Plan struct {
	Key      string          `json:"key"`
	Display  string          `json:"display"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Days     int             `json:"days"`
}

// Duration returns the entitlement window as a time.Duration, or 0 for
// unlimited plans.
func (p Plan) Duration() time.Duration { return time.Duration(p.Days) * 24 * time.Hour }

// plans is the static catalog. Amounts are list prices in USD; the platform
// verifier's reported amount takes precedence on the ledger when present.
var plans = map[string]Plan{
	PlanFree:    {Key: PlanFree, Display: "Free", Amount: decimal.Zero, Currency: "USD", Days: 0},
	PlanMonthly: {Key: PlanMonthly, Display: "Premium Monthly", Amount: decimal.NewFromFloat(5.99), Currency: "USD", Days: 30},
	PlanYearly:  {Key: PlanYearly, Display: "Premium Yearly", Amount: decimal.NewFromFloat(49.99), Currency: "USD", Days: 365},
}

// productPlans maps store product identifiers to plan keys. Google and Apple
// share identifiers.
var productPlans = map[string]string{
	"com.storytime.monthly": PlanMonthly,
	"com.storytime.yearly":  PlanYearly,
}

// Get returns the plan for a key, or ErrUnknownPlan.
func Get(key string) (Plan, error) {
	p, ok := plans[key]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return p, nil
}

// PlanByProductID resolves a store product identifier to its plan, or
// ErrUnknownProduct when the identifier is not mapped.
func PlanByProductID(productID string) (Plan, error) {
	key, ok := productPlans[productID]
	if !ok {
		return Plan{}, ErrUnknownProduct
	}
	return plans[key], nil
}

// All returns every plan in the catalog in a stable order (free, monthly,
// yearly). The slice is a copy; callers may mutate it.
func All() []Plan {
	return []Plan{plans[PlanFree], plans[PlanMonthly], plans[PlanYearly]}
}
