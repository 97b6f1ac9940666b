package ledger

import (
	"context"
	"math"
	"time"

	"github.com/partyline/relaybank/internal/apperr"
	"github.com/partyline/relaybank/internal/store"
)

// Book is the ledger bound to one unit of work. Its operations compose
// inside a caller's transaction; nothing is visible until that commits.
type Book struct {
	tx  store.Tx
	now func() time.Time
}

// EnsureProfile returns the user's profile, creating a FREE one on first use.
func (b *Book) EnsureProfile(ctx context.Context, userID string) (*store.Profile, error) {
	if userID == "" {
		return nil, apperr.New(apperr.InvalidRequest, "user id is required")
	}
	p, err := b.tx.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	now := b.now()
	p = &store.Profile{
		UserID:    userID,
		PlanType:  store.PlanFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.tx.InsertProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PruneExpiredBuckets deletes empty buckets and buckets that expired before now.
func (b *Book) PruneExpiredBuckets(ctx context.Context, userID string, now time.Time) error {
	buckets, err := b.tx.ListBuckets(ctx, userID)
	if err != nil {
		return err
	}
	for _, bk := range buckets {
		if bk.RemainingHours <= 0 || bk.ExpiresAt.Before(now) {
			if err := b.tx.DeleteBucket(ctx, bk.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Buckets returns the live buckets soonest-to-expire first. That order is
// both the spending order and the forfeiture order.
func (b *Book) Buckets(ctx context.Context, userID string, now time.Time) ([]store.Bucket, error) {
	if err := b.PruneExpiredBuckets(ctx, userID, now); err != nil {
		return nil, err
	}
	return b.tx.ListBuckets(ctx, userID)
}

// ConsumeOldestFirst deducts amount across the user's buckets. It never
// borrows: whatever could not be covered comes back as Leftover.
func (b *Book) ConsumeOldestFirst(ctx context.Context, userID string, amount float64, now time.Time) (ConsumeResult, error) {
	if math.IsNaN(amount) || amount < 0 {
		return ConsumeResult{}, apperr.New(apperr.InvalidRequest, "amount must not be negative")
	}
	remaining := round4(amount)
	if remaining == 0 {
		return ConsumeResult{}, nil
	}

	buckets, err := b.Buckets(ctx, userID, now)
	if err != nil {
		return ConsumeResult{}, err
	}

	var consumed float64
	for _, bk := range buckets {
		if remaining <= 0 {
			break
		}
		take := math.Min(bk.RemainingHours, remaining)
		left := subHours(bk.RemainingHours, take)
		remaining = subHours(remaining, take)
		consumed = addHours(consumed, take)

		if err := b.setRemaining(ctx, bk, left); err != nil {
			return ConsumeResult{}, err
		}
	}

	return ConsumeResult{Consumed: consumed, Leftover: remaining}, nil
}

// TrimMonthlyToCap forfeits monthly grant hours above capHours, soonest
// expiring first, and returns how much was forfeited.
func (b *Book) TrimMonthlyToCap(ctx context.Context, userID string, capHours float64, now time.Time) (float64, error) {
	buckets, err := b.Buckets(ctx, userID, now)
	if err != nil {
		return 0, err
	}

	var banked float64
	for _, bk := range buckets {
		if bk.Source == store.SourceMonthlyGrant {
			banked = addHours(banked, bk.RemainingHours)
		}
	}
	excess := subHours(banked, round4(capHours))
	forfeited := excess

	for _, bk := range buckets {
		if excess <= 0 {
			break
		}
		if bk.Source != store.SourceMonthlyGrant {
			continue
		}
		take := math.Min(bk.RemainingHours, excess)
		excess = subHours(excess, take)
		if err := b.setRemaining(ctx, bk, subHours(bk.RemainingHours, take)); err != nil {
			return 0, err
		}
	}
	return forfeited, nil
}

func (b *Book) setRemaining(ctx context.Context, bk store.Bucket, left float64) error {
	if left <= 0 {
		return b.tx.DeleteBucket(ctx, bk.ID)
	}
	if left == bk.RemainingHours {
		return nil
	}
	return b.tx.UpdateBucketRemaining(ctx, bk.ID, left)
}

// RecomputeSummary aggregates the live buckets, writes the derived fields
// back onto the profile and returns the externally visible summary.
func (b *Book) RecomputeSummary(ctx context.Context, userID string, now time.Time) (*Summary, error) {
	p, err := b.EnsureProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan, err := LookupPlan(p.PlanType)
	if err != nil {
		return nil, err
	}
	buckets, err := b.Buckets(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		UserID:          userID,
		PlanType:        p.PlanType,
		MonthlyHours:    round4(p.MonthlyHours),
		BankCap:         plan.BankCap,
		IsStripeManaged: p.IsStripeManaged,
		LastRenewalDate: p.LastRenewalDate,
	}

	var soonest *store.Bucket
	for i, bk := range buckets {
		switch bk.Source {
		case store.SourceMonthlyGrant:
			s.BankedHours = addHours(s.BankedHours, bk.RemainingHours)
			if soonest == nil {
				soonest = &buckets[i]
			}
		case store.SourceCreditPack:
			s.PackHours = addHours(s.PackHours, bk.RemainingHours)
		}
	}
	s.TotalAvailableHours = addHours(s.BankedHours, s.PackHours)
	s.LowCreditWarning = s.TotalAvailableHours <= math.Max(round4(lowCreditRatio*s.MonthlyHours), lowCreditFloor)
	s.LoyaltyActive = s.BankedHours > 0
	s.RenewalPriceCents, s.PriceTier = RenewalPrice(plan, s.LoyaltyActive)

	if soonest != nil {
		expiry := soonest.ExpiresAt
		s.BankExpiryDate = &expiry
		if until := expiry.Sub(now); until <= expiringWindow {
			days := int(math.Ceil(until.Hours() / 24))
			s.ExpiringHoursWithin7Days = soonest.RemainingHours
			s.ExpiringInDays = &days
		}
	}

	p.BankedHours = s.BankedHours
	p.LoyaltyActive = s.LoyaltyActive
	p.BankExpiryDate = s.BankExpiryDate
	p.UpdatedAt = now
	if err := b.tx.UpdateProfile(ctx, p); err != nil {
		return nil, err
	}
	return s, nil
}

// GrantCreditPack adds one pack bucket valid for PackValidity from now.
func (b *Book) GrantCreditPack(ctx context.Context, userID string, pack PackType, now time.Time) (*Summary, error) {
	_, hours, err := ParsePack(string(pack))
	if err != nil {
		return nil, err
	}
	if _, err := b.EnsureProfile(ctx, userID); err != nil {
		return nil, err
	}
	bucket := &store.Bucket{
		UserID:         userID,
		Source:         store.SourceCreditPack,
		TotalHours:     hours,
		RemainingHours: hours,
		ExpiresAt:      now.Add(PackValidity),
		CreatedAt:      now,
	}
	if err := b.tx.InsertBucket(ctx, bucket); err != nil {
		return nil, err
	}
	return b.RecomputeSummary(ctx, userID, now)
}

// GrantMonthly adds one plan grant bucket and trims the bank to the current
// plan's cap. Used by renewal and by paid invoices.
func (b *Book) GrantMonthly(ctx context.Context, userID string, hours float64, expiresAt, now time.Time) error {
	hours = round4(hours)
	if hours == 0 {
		return nil
	}
	if !expiresAt.After(now) {
		return apperr.New(apperr.InvalidRequest, "grant would already be expired")
	}
	p, err := b.EnsureProfile(ctx, userID)
	if err != nil {
		return err
	}
	plan, err := LookupPlan(p.PlanType)
	if err != nil {
		return err
	}

	bucket := &store.Bucket{
		UserID:         userID,
		Source:         store.SourceMonthlyGrant,
		TotalHours:     hours,
		RemainingHours: hours,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
	}
	if err := b.tx.InsertBucket(ctx, bucket); err != nil {
		return err
	}
	_, err = b.TrimMonthlyToCap(ctx, userID, plan.BankCap, now)
	return err
}

// SetPlan switches the plan and grant size. It does not grant hours itself.
// Moving off FREE clears the renewal cursor so the first paid cycle starts now
// instead of catching up the unpaid months.
func (b *Book) SetPlan(ctx context.Context, userID string, planType store.PlanType, now time.Time) (*Summary, error) {
	plan, err := LookupPlan(planType)
	if err != nil {
		return nil, err
	}
	p, err := b.EnsureProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	if p.PlanType == store.PlanFree && planType != store.PlanFree {
		p.LastRenewalDate = nil
	}
	p.PlanType = plan.Type
	p.MonthlyHours = plan.MonthlyHours
	p.UpdatedAt = now
	if err := b.tx.UpdateProfile(ctx, p); err != nil {
		return nil, err
	}
	return b.RecomputeSummary(ctx, userID, now)
}

// SetStripeManaged flags whether grants arrive from paid invoices rather than
// from the renewal scheduler.
func (b *Book) SetStripeManaged(ctx context.Context, userID string, managed bool, now time.Time) error {
	p, err := b.EnsureProfile(ctx, userID)
	if err != nil {
		return err
	}
	if p.IsStripeManaged == managed {
		return nil
	}
	p.IsStripeManaged = managed
	p.UpdatedAt = now
	return b.tx.UpdateProfile(ctx, p)
}
