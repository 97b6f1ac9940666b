// Package ledger keeps each user's relay hour balance: expiring buckets from
// monthly plan grants and one-off credit packs, consumed soonest-to-expire
// first and capped on accrual.
package ledger

import (
	"strings"
	"time"

	"github.com/partyline/relaybank/internal/apperr"
	"github.com/partyline/relaybank/internal/store"
)

const (
	CycleLength   = 30 * 24 * time.Hour
	GrantValidity = 90 * 24 * time.Hour
	PackValidity  = 90 * 24 * time.Hour

	expiringWindow = 7 * 24 * time.Hour
	lowCreditRatio = 0.2
	lowCreditFloor = 1.0
)

// Plan describes what a subscription tier grants each cycle.
type Plan struct {
	Type         store.PlanType
	MonthlyHours float64
	// BankCap is three cycles of grant.
	BankCap       float64
	StandardCents int
	LoyaltyCents  int
}

var plans = map[store.PlanType]Plan{
	store.PlanFree: {Type: store.PlanFree},
	store.PlanCore: {Type: store.PlanCore, MonthlyHours: 5, BankCap: 15, StandardCents: 499, LoyaltyCents: 399},
	store.PlanPro:  {Type: store.PlanPro, MonthlyHours: 15, BankCap: 45, StandardCents: 1299, LoyaltyCents: 999},
}

// LookupPlan returns the plan table entry, or INVALID_REQUEST.
func LookupPlan(t store.PlanType) (Plan, error) {
	p, ok := plans[t]
	if !ok {
		return Plan{}, apperr.Newf(apperr.InvalidRequest, "unknown plan %q", t)
	}
	return p, nil
}

// ParsePlan accepts plan names in any case.
func ParsePlan(s string) (store.PlanType, error) {
	t := store.PlanType(strings.ToUpper(strings.TrimSpace(s)))
	if _, err := LookupPlan(t); err != nil {
		return "", err
	}
	return t, nil
}

type PackType string

const (
	PackSmall  PackType = "SMALL"
	PackMedium PackType = "MEDIUM"
	PackLarge  PackType = "LARGE"
)

var packHours = map[PackType]float64{
	PackSmall:  3,
	PackMedium: 10,
	PackLarge:  25,
}

// ParsePack returns the pack and its size in hours, or INVALID_REQUEST.
func ParsePack(s string) (PackType, float64, error) {
	p := PackType(strings.ToUpper(strings.TrimSpace(s)))
	hours, ok := packHours[p]
	if !ok {
		return "", 0, apperr.Newf(apperr.InvalidRequest, "unknown credit pack %q", s)
	}
	return p, hours, nil
}

type PriceTier string

const (
	TierStandard PriceTier = "standard"
	TierLoyalty  PriceTier = "loyalty"
)

// RenewalPrice picks the renewal price for a plan given whether the user
// still holds banked grant hours.
func RenewalPrice(p Plan, loyalty bool) (int, PriceTier) {
	if loyalty && p.LoyaltyCents > 0 {
		return p.LoyaltyCents, TierLoyalty
	}
	return p.StandardCents, TierStandard
}

// Summary is the externally visible profile shape.
type Summary struct {
	UserID                   string         `json:"user_id"`
	PlanType                 store.PlanType `json:"plan_type"`
	MonthlyHours             float64        `json:"monthly_hours"`
	BankCap                  float64        `json:"bank_cap"`
	BankedHours              float64        `json:"banked_hours"`
	PackHours                float64        `json:"pack_hours"`
	TotalAvailableHours      float64        `json:"total_available_hours"`
	LowCreditWarning         bool           `json:"low_credit_warning"`
	ExpiringHoursWithin7Days float64        `json:"expiring_hours_within_7_days"`
	ExpiringInDays           *int           `json:"expiring_in_days,omitempty"`
	LoyaltyActive            bool           `json:"loyalty_active"`
	RenewalPriceCents        int            `json:"renewal_price_cents"`
	PriceTier                PriceTier      `json:"price_tier"`
	IsStripeManaged          bool           `json:"is_stripe_managed"`
	LastRenewalDate          *time.Time     `json:"last_renewal_date,omitempty"`
	BankExpiryDate           *time.Time     `json:"bank_expiry_date,omitempty"`
}

// ConsumeResult reports a deduction. Leftover > 0 means the balance ran out.
type ConsumeResult struct {
	Consumed float64 `json:"consumed"`
	Leftover float64 `json:"leftover"`
}
