package ledger

import (
	"context"
	"time"
)

// RunRenewalIfDue applies every monthly grant cycle that has elapsed since
// the profile's renewal cursor and returns how many were applied. The count
// depends only on the stored cursor and now, so calling it late, early or
// repeatedly converges on the same state.
//
// Profiles managed by the payment processor are skipped; their grants arrive
// with paid invoices.
func (b *Book) RunRenewalIfDue(ctx context.Context, userID string, now time.Time) (int, error) {
	p, err := b.EnsureProfile(ctx, userID)
	if err != nil {
		return 0, err
	}
	if p.IsStripeManaged {
		return 0, nil
	}
	plan, err := LookupPlan(p.PlanType)
	if err != nil {
		return 0, err
	}
	if plan.MonthlyHours <= 0 {
		return 0, nil
	}

	// A paid plan with no cursor is due exactly once, now.
	cursor := now.Add(-CycleLength)
	if p.LastRenewalDate != nil {
		cursor = *p.LastRenewalDate
	}

	cycles := 0
	for !cursor.Add(CycleLength).After(now) {
		cursor = cursor.Add(CycleLength)
		if err := b.PruneExpiredBuckets(ctx, userID, cursor); err != nil {
			return 0, err
		}
		if err := b.GrantMonthly(ctx, userID, plan.MonthlyHours, cursor.Add(GrantValidity), cursor); err != nil {
			return 0, err
		}
		cycles++
	}

	if cycles == 0 {
		return 0, nil
	}
	p.LastRenewalDate = &cursor
	p.UpdatedAt = now
	if err := b.tx.UpdateProfile(ctx, p); err != nil {
		return 0, err
	}
	return cycles, nil
}
