/**
 * @description
 * Credit wallet types and the pure minute-allocation algorithm. A wallet is the
 * set of all non-exhausted grants belonging to one owner, not a single balance
 * field: grants carry their own expiry, and unused minutes stay usable until
 * their own grant expires.
 *
 * @notes
 * - AllocateMinutes is pure so the earliest-expiry-first policy can be tested
 *   without a database; the store applies the resulting plan under a row lock.
 */

package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// GrantStatus is the lifecycle state of one purchased credit bundle.
type GrantStatus string

const (
	// GrantPending is a purchased grant whose inbound payment has not settled yet.
	// The expiry clock starts at activation, not at purchase.
	GrantPending   GrantStatus = "pending"
	GrantActive    GrantStatus = "active"
	GrantExhausted GrantStatus = "exhausted"
	GrantExpired   GrantStatus = "expired"
)

// CreditGrant is one purchased, time-bounded block of consultation minutes.
type CreditGrant struct {
	ID               uuid.UUID   `json:"id"`
	OwnerID          uuid.UUID   `json:"owner_id"`
	BundleName       string      `json:"bundle_name,omitempty"`
	TotalMinutes     int         `json:"total_minutes"`
	RemainingMinutes int         `json:"remaining_minutes"`
	ValidityDays     int         `json:"validity_days"`
	PurchasedAt      time.Time   `json:"purchased_at"`
	ExpiresAt        time.Time   `json:"expires_at"`
	Status           GrantStatus `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Consumable reports whether the grant can contribute minutes at the given
// instant. Expiry is evaluated here, at query time, so a grant the sweep has
// not visited yet is still never selected.
func (g CreditGrant) Consumable(asOf time.Time) bool {
	return g.Status == GrantActive && g.RemainingMinutes > 0 && g.ExpiresAt.After(asOf)
}

// GrantAllocation records how many minutes one consume call debited from one grant.
type GrantAllocation struct {
	GrantID uuid.UUID `json:"grant_id"`
	Minutes int       `json:"minutes"`
}

// ConsumptionResult lists the grants debited by a single atomic consume.
type ConsumptionResult struct {
	OwnerID      uuid.UUID         `json:"owner_id"`
	TotalMinutes int               `json:"total_minutes"`
	Allocations  []GrantAllocation `json:"allocations"`
}

// AllocateMinutes plans an all-or-nothing debit of minutesNeeded across the
// owner's grants, earliest expiry first (ties broken by purchase time, then id,
// so the plan is deterministic). If the eligible grants cannot cover the full
// amount it returns ErrInsufficientCredit and no plan: partial consumption on
// failure is forbidden. The input slice is not mutated.
func AllocateMinutes(grants []CreditGrant, minutesNeeded int, asOf time.Time) ([]GrantAllocation, error) {
	if minutesNeeded <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMinutes, minutesNeeded)
	}

	eligible := make([]CreditGrant, 0, len(grants))
	available := 0
	for _, g := range grants {
		if g.Consumable(asOf) {
			eligible = append(eligible, g)
			available += g.RemainingMinutes
		}
	}
	if available < minutesNeeded {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredit, minutesNeeded, available)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].ExpiresAt.Equal(eligible[j].ExpiresAt) {
			return eligible[i].ExpiresAt.Before(eligible[j].ExpiresAt)
		}
		if !eligible[i].PurchasedAt.Equal(eligible[j].PurchasedAt) {
			return eligible[i].PurchasedAt.Before(eligible[j].PurchasedAt)
		}
		return eligible[i].ID.String() < eligible[j].ID.String()
	})

	remaining := minutesNeeded
	allocations := make([]GrantAllocation, 0, len(eligible))
	for _, g := range eligible {
		if remaining == 0 {
			break
		}
		take := g.RemainingMinutes
		if take > remaining {
			take = remaining
		}
		allocations = append(allocations, GrantAllocation{GrantID: g.ID, Minutes: take})
		remaining -= take
	}
	return allocations, nil
}

// CreditBundle is a purchasable preset of minutes, price and validity.
type CreditBundle struct {
	Name         string `json:"name"`
	Minutes      int    `json:"minutes"`
	Price        int64  `json:"price"` // in senti
	ValidityDays int    `json:"validity_days"`
}

// DefaultCreditBundles are the purchasable presets: Bronze, Silver and Gold,
// with carry-forward of unused minutes until each bundle's own expiry.
var DefaultCreditBundles = []CreditBundle{
	{Name: "bronze", Minutes: 5, Price: 300000, ValidityDays: 3},
	{Name: "silver", Minutes: 10, Price: 500000, ValidityDays: 5},
	{Name: "gold", Minutes: 20, Price: 900000, ValidityDays: 7},
}

// FindCreditBundle resolves a preset by name.
func FindCreditBundle(name string) (CreditBundle, bool) {
	for _, b := range DefaultCreditBundles {
		if b.Name == name {
			return b, true
		}
	}
	return CreditBundle{}, false
}
