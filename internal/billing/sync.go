package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/partyline/relaybank/internal/apperr"
	"github.com/partyline/relaybank/internal/audit"
	"github.com/partyline/relaybank/internal/ledger"
	"github.com/partyline/relaybank/internal/metrics"
	inats "github.com/partyline/relaybank/internal/nats"
	"github.com/partyline/relaybank/internal/store"
)

const (
	maxErrorLen    = 1000
	statusCanceled = "canceled"
)

// PriceSwapper hands tier changes to the billing integration.
type PriceSwapper interface {
	PublishPriceSwap(ctx context.Context, cmd inats.PriceSwap) error
}

// Sync applies webhook events exactly once per event id.
type Sync struct {
	store    store.Store
	ledger   *ledger.Ledger
	swapper  PriceSwapper
	recorder *audit.Recorder
}

func NewSync(st store.Store, l *ledger.Ledger, swapper PriceSwapper, recorder *audit.Recorder) *Sync {
	return &Sync{store: st, ledger: l, swapper: swapper, recorder: recorder}
}

type Result struct {
	EventID   string            `json:"event_id"`
	Type      string            `json:"type"`
	Status    store.EventStatus `json:"status"`
	Duplicate bool              `json:"duplicate"`
}

// Ingest records and applies one verified webhook payload. A delivery whose
// event is already PROCESSED is skipped. When the handler fails the event is
// marked FAILED and the error returned so a redelivery can retry it.
func (s *Sync) Ingest(ctx context.Context, payload []byte) (*Result, error) {
	ev, err := ParseEvent(payload)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unparsed", "rejected").Inc()
		return nil, err
	}
	now := s.ledger.Now()
	res := &Result{EventID: ev.ID, Type: ev.Type}

	dup, err := s.receive(ctx, ev, now)
	if err != nil {
		return nil, fmt.Errorf("recording webhook event %s: %w", ev.ID, err)
	}

	var owner string
	if !dup {
		err = s.store.InTx(ctx, func(tx store.Tx) error {
			e, err := tx.GetWebhookEvent(ctx, ev.ID)
			if err != nil {
				return err
			}
			if e == nil {
				return apperr.Newf(apperr.NotFound, "webhook event %s not recorded", ev.ID)
			}
			if e.Status == store.EventProcessed {
				dup = true
				return nil
			}

			if owner, err = s.apply(ctx, tx, ev, now); err != nil {
				return err
			}
			e.Status = store.EventProcessed
			e.Attempts++
			e.ProcessedAt = &now
			e.ErrorMessage = ""
			e.UpdatedAt = now
			return tx.UpdateWebhookEvent(ctx, e)
		})
	}
	if err != nil {
		s.fail(ctx, ev, err, now)
		return nil, fmt.Errorf("applying webhook event %s: %w", ev.ID, err)
	}

	res.Status = store.EventProcessed
	res.Duplicate = dup
	if dup {
		metrics.WebhookEventsTotal.WithLabelValues(typeLabel(ev.Type), "duplicate").Inc()
		slog.Info("duplicate webhook event skipped", "event_id", ev.ID, "type", ev.Type)
		return res, nil
	}

	metrics.WebhookEventsTotal.WithLabelValues(typeLabel(ev.Type), "processed").Inc()
	slog.Info("webhook event processed", "event_id", ev.ID, "type", ev.Type, "user_id", owner)
	s.recorder.Record(ctx, owner, audit.EventWebhookProcessed, "info", "webhook_event", ev.ID, ev.Type)
	return res, nil
}

// receive inserts the RECEIVED row and reports whether the event was already
// processed by an earlier delivery.
func (s *Sync) receive(ctx context.Context, ev *Event, now time.Time) (bool, error) {
	var processed bool
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		inserted, err := tx.InsertWebhookEvent(ctx, &store.WebhookEvent{
			EventID:   ev.ID,
			EventType: ev.Type,
			Status:    store.EventReceived,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil || inserted {
			return err
		}
		existing, err := tx.GetWebhookEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		processed = existing != nil && existing.Status == store.EventProcessed
		return nil
	})
	return processed, err
}

func (s *Sync) fail(ctx context.Context, ev *Event, cause error, now time.Time) {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetWebhookEvent(ctx, ev.ID)
		if err != nil || e == nil || e.Status == store.EventProcessed {
			return err
		}
		e.Status = store.EventFailed
		e.Attempts++
		e.ErrorMessage = msg
		e.UpdatedAt = now
		return tx.UpdateWebhookEvent(ctx, e)
	})
	if err != nil {
		slog.Error("marking webhook event failed", "error", err, "event_id", ev.ID)
	}

	metrics.WebhookEventsTotal.WithLabelValues(typeLabel(ev.Type), "failed").Inc()
	slog.Warn("webhook event failed", "error", cause, "event_id", ev.ID, "type", ev.Type)
	s.recorder.Record(ctx, payloadUser(ev), audit.EventWebhookFailed, "warning", "webhook_event", ev.ID, msg)
}

func (s *Sync) apply(ctx context.Context, tx store.Tx, ev *Event, now time.Time) (string, error) {
	switch p := ev.Payload.(type) {
	case *CheckoutCompleted:
		return s.checkoutCompleted(ctx, tx, p, now)
	case *InvoicePaid:
		return s.invoicePaid(ctx, tx, p, now)
	case *SubscriptionChanged:
		return s.subscriptionChanged(ctx, tx, p, ev.Created, now)
	case *InvoiceUpcoming:
		return s.invoiceUpcoming(ctx, tx, ev.ID, p, now)
	default:
		return "", nil
	}
}

func (s *Sync) checkoutCompleted(ctx context.Context, tx store.Tx, c *CheckoutCompleted, now time.Time) (string, error) {
	userID, err := resolveUser(ctx, tx, c.UserID, c.CustomerID)
	if err != nil {
		return "", err
	}
	prior, err := tx.GetCheckoutSession(ctx, c.SessionID)
	if err != nil {
		return "", err
	}
	if prior != nil && prior.Completed {
		slog.Info("checkout session already applied", "checkout_id", c.SessionID, "user_id", userID)
		return userID, nil
	}
	if !c.Paid {
		return userID, nil
	}

	book := s.ledger.In(tx)
	switch c.Mode {
	case ModePayment:
		if _, err := book.GrantCreditPack(ctx, userID, c.Pack, now); err != nil {
			return "", err
		}
	case ModeSubscription:
		if err := s.linkSubscription(ctx, tx, userID, c.CustomerID, c.SubscriptionID, c.Plan, now); err != nil {
			return "", err
		}
		if err := book.SetStripeManaged(ctx, userID, true, now); err != nil {
			return "", err
		}
		if c.Plan != "" {
			if _, err := book.SetPlan(ctx, userID, c.Plan, now); err != nil {
				return "", err
			}
		}
	}

	if err := tx.UpsertCheckoutSession(ctx, &store.CheckoutSession{
		ID:          c.SessionID,
		UserID:      userID,
		Mode:        c.Mode,
		Completed:   true,
		CompletedAt: &now,
	}); err != nil {
		return "", err
	}
	_, err = book.RecomputeSummary(ctx, userID, now)
	return userID, err
}

func (s *Sync) linkSubscription(ctx context.Context, tx store.Tx, userID, customerID, subscriptionID string, plan store.PlanType, now time.Time) error {
	if err := tx.LinkCustomer(ctx, customerID, userID); err != nil {
		return err
	}
	sub, err := tx.GetSubscription(ctx, userID)
	if err != nil {
		return err
	}
	if sub == nil {
		sub = &store.Subscription{UserID: userID, Status: "active"}
	}
	if subscriptionID != "" && sub.SubscriptionID != "" && sub.SubscriptionID != subscriptionID && live(sub.Status) {
		return apperr.New(apperr.Conflict, "user already has an active subscription")
	}
	if subscriptionID != "" {
		sub.SubscriptionID = subscriptionID
	}
	if plan != "" {
		sub.PlanType = plan
	}
	sub.CustomerID = customerID
	sub.UpdatedAt = now
	return s.saveSubscription(ctx, tx, sub)
}

func (s *Sync) invoicePaid(ctx context.Context, tx store.Tx, inv *InvoicePaid, now time.Time) (string, error) {
	userID, err := resolveUser(ctx, tx, inv.UserID, inv.CustomerID)
	if err != nil {
		return "", err
	}
	book := s.ledger.In(tx)
	profile, err := book.EnsureProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	sub, err := tx.GetSubscription(ctx, userID)
	if err != nil {
		return "", err
	}

	// A late invoice for a subscription already canceled still pays out its
	// period but does not bring the plan back.
	canceled := sub != nil && sub.Status == statusCanceled &&
		inv.SubscriptionID != "" && sub.SubscriptionID == inv.SubscriptionID

	planType := inv.Plan
	if planType == "" && sub != nil {
		planType = sub.PlanType
	}
	if planType == "" {
		planType = profile.PlanType
	}
	plan, err := ledger.LookupPlan(planType)
	if err != nil {
		return "", err
	}
	if plan.MonthlyHours <= 0 {
		if inv.SubscriptionID != "" && !canceled {
			// The subscription snapshot naming the plan may not have arrived
			// yet. Failing keeps the event retryable.
			return "", apperr.Newf(apperr.Conflict, "plan for subscription %s is not known yet", inv.SubscriptionID)
		}
		slog.Info("paid invoice carries no hour grant", "invoice_id", inv.InvoiceID, "user_id", userID, "plan", planType)
		return userID, nil
	}

	if !canceled {
		if profile.PlanType != planType {
			if _, err := book.SetPlan(ctx, userID, planType, now); err != nil {
				return "", err
			}
		}
		if err := book.SetStripeManaged(ctx, userID, true, now); err != nil {
			return "", err
		}
	}

	expires := inv.PeriodEnd.Add(ledger.GrantValidity)
	if expires.After(now) {
		if err := book.GrantMonthly(ctx, userID, plan.MonthlyHours, expires, now); err != nil {
			return "", err
		}
	} else {
		slog.Warn("paid invoice grant would already be expired", "invoice_id", inv.InvoiceID, "user_id", userID)
	}

	if canceled {
		_, err = book.RecomputeSummary(ctx, userID, now)
		return userID, err
	}
	if sub == nil {
		sub = &store.Subscription{UserID: userID, Status: "active"}
	}
	sub.PlanType = planType
	sub.CustomerID = inv.CustomerID
	if inv.SubscriptionID != "" {
		sub.SubscriptionID = inv.SubscriptionID
	}
	end := inv.PeriodEnd
	sub.CurrentPeriodEnd = &end
	sub.UpdatedAt = now
	if err := s.saveSubscription(ctx, tx, sub); err != nil {
		return "", err
	}

	_, err = book.RecomputeSummary(ctx, userID, now)
	return userID, err
}

// subscriptionChanged snapshots the subscription. Neither updates nor
// deletion take back hours already granted. Snapshots older than the one
// already applied are skipped, and a canceled subscription never returns to
// a live status.
func (s *Sync) subscriptionChanged(ctx context.Context, tx store.Tx, sc *SubscriptionChanged, created, now time.Time) (string, error) {
	userID, err := resolveUser(ctx, tx, sc.UserID, sc.CustomerID)
	if err != nil {
		return "", err
	}
	if sc.CustomerID != "" {
		if err := tx.LinkCustomer(ctx, sc.CustomerID, userID); err != nil {
			return "", err
		}
	}

	sub, err := tx.GetSubscription(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		sub = &store.Subscription{UserID: userID}
	}
	if sc.Deleted && sub.SubscriptionID != "" && sub.SubscriptionID != sc.SubscriptionID {
		slog.Info("ignoring deletion of a replaced subscription", "subscription_id", sc.SubscriptionID, "user_id", userID)
		return userID, nil
	}
	if sub.SubscriptionID == sc.SubscriptionID {
		if !created.IsZero() && sub.EventAt != nil && created.Before(*sub.EventAt) {
			slog.Info("ignoring stale subscription event", "subscription_id", sc.SubscriptionID, "user_id", userID,
				"created", created, "applied", *sub.EventAt)
			return userID, nil
		}
		if sub.Status == statusCanceled && !sc.Deleted {
			slog.Info("ignoring update to a canceled subscription", "subscription_id", sc.SubscriptionID, "user_id", userID)
			return userID, nil
		}
	}

	sub.SubscriptionID = sc.SubscriptionID
	if sc.CustomerID != "" {
		sub.CustomerID = sc.CustomerID
	}
	sub.Status = sc.Status
	sub.CurrentPeriodStart = sc.PeriodStart
	sub.CurrentPeriodEnd = sc.PeriodEnd
	sub.CanceledAt = sc.CanceledAt
	if !created.IsZero() {
		sub.EventAt = &created
	}
	sub.UpdatedAt = now

	book := s.ledger.In(tx)
	if sc.Deleted {
		sub.Status = statusCanceled
		sub.PlanType = store.PlanFree
		if sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
		if _, err := book.SetPlan(ctx, userID, store.PlanFree, now); err != nil {
			return "", err
		}
		if err := book.SetStripeManaged(ctx, userID, false, now); err != nil {
			return "", err
		}
	} else {
		profile, err := book.EnsureProfile(ctx, userID)
		if err != nil {
			return "", err
		}
		if sc.Plan != "" {
			sub.PlanType = sc.Plan
			if profile.PlanType != sc.Plan {
				if _, err := book.SetPlan(ctx, userID, sc.Plan, now); err != nil {
					return "", err
				}
			}
		}
		if err := book.SetStripeManaged(ctx, userID, true, now); err != nil {
			return "", err
		}
	}

	if err := s.saveSubscription(ctx, tx, sub); err != nil {
		return "", err
	}
	_, err = book.RecomputeSummary(ctx, userID, now)
	return userID, err
}

// invoiceUpcoming moves the subscription to the loyalty or standard price
// before the renewal is charged. The new price applies from the next cycle.
func (s *Sync) invoiceUpcoming(ctx context.Context, tx store.Tx, eventID string, up *InvoiceUpcoming, now time.Time) (string, error) {
	userID, err := resolveUser(ctx, tx, up.UserID, up.CustomerID)
	if err != nil {
		return "", err
	}
	summary, err := s.ledger.In(tx).RecomputeSummary(ctx, userID, now)
	if err != nil {
		return "", err
	}
	if summary.MonthlyHours <= 0 {
		return userID, nil
	}

	sub, err := tx.GetSubscription(ctx, userID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		sub = &store.Subscription{UserID: userID, CustomerID: up.CustomerID, Status: "active"}
	}
	tier := string(summary.PriceTier)
	if sub.PriceTier == tier {
		return userID, nil
	}
	sub.PriceTier = tier
	if up.SubscriptionID != "" {
		sub.SubscriptionID = up.SubscriptionID
	}
	sub.UpdatedAt = now
	if err := s.saveSubscription(ctx, tx, sub); err != nil {
		return "", err
	}

	if s.swapper == nil {
		return userID, nil
	}
	err = s.swapper.PublishPriceSwap(ctx, inats.PriceSwap{
		EventID:        eventID,
		UserID:         userID,
		SubscriptionID: sub.SubscriptionID,
		PlanType:       string(summary.PlanType),
		Tier:           tier,
		PriceCents:     summary.RenewalPriceCents,
		RequestedAt:    now,
	})
	if err != nil {
		return "", fmt.Errorf("requesting price swap: %w", err)
	}
	return userID, nil
}

func (s *Sync) saveSubscription(ctx context.Context, tx store.Tx, sub *store.Subscription) error {
	if sub.PlanType == "" {
		p, err := s.ledger.In(tx).EnsureProfile(ctx, sub.UserID)
		if err != nil {
			return err
		}
		sub.PlanType = p.PlanType
	}
	return tx.UpsertSubscription(ctx, sub)
}

// resolveUser prefers the user id carried in event metadata and falls back to
// the billing customer link.
func resolveUser(ctx context.Context, tx store.Tx, userID, customerID string) (string, error) {
	if userID != "" {
		return userID, nil
	}
	if customerID != "" {
		linked, err := tx.UserForCustomer(ctx, customerID)
		if err != nil {
			return "", err
		}
		if linked != "" {
			return linked, nil
		}
		return "", apperr.Newf(apperr.NotFound, "no user linked to billing customer %s", customerID)
	}
	return "", apperr.New(apperr.NotFound, "billing event does not identify a user")
}

func live(status string) bool {
	switch status {
	case "active", "trialing", "past_due":
		return true
	}
	return false
}

func payloadUser(ev *Event) string {
	switch p := ev.Payload.(type) {
	case *CheckoutCompleted:
		return p.UserID
	case *InvoicePaid:
		return p.UserID
	case *InvoiceUpcoming:
		return p.UserID
	case *SubscriptionChanged:
		return p.UserID
	}
	return ""
}

func typeLabel(t string) string {
	switch t {
	case TypeCheckoutCompleted, TypeInvoicePaid, TypeInvoiceUpcoming, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		return t
	}
	return "other"
}
