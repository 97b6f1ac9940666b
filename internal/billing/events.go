// Package billing applies payment-processor webhook events to the relay
// ledger and keeps a snapshot of each user's subscription.
package billing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/partyline/relaybank/internal/apperr"
	"github.com/partyline/relaybank/internal/ledger"
	"github.com/partyline/relaybank/internal/store"
)

// Event types handled by the sync.
const (
	TypeCheckoutCompleted   = "checkout.session.completed"
	TypeInvoicePaid         = "invoice.paid"
	TypeInvoiceUpcoming     = "invoice.upcoming"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
)

// Checkout modes.
const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"
)

// Event is a parsed webhook delivery. Payload is one of *CheckoutCompleted,
// *InvoicePaid, *InvoiceUpcoming or *SubscriptionChanged, and nil for event
// types the sync does not act on. Created is zero when the envelope omits it.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Payload any
}

type CheckoutCompleted struct {
	SessionID      string
	Mode           string
	CustomerID     string
	SubscriptionID string
	UserID         string
	Pack           ledger.PackType
	Plan           store.PlanType

	// Paid is false while an asynchronous payment is still settling.
	Paid bool
}

type InvoicePaid struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	UserID         string
	PeriodEnd      time.Time
	Plan           store.PlanType
}

type InvoiceUpcoming struct {
	CustomerID     string
	SubscriptionID string
	UserID         string
}

type SubscriptionChanged struct {
	SubscriptionID string
	CustomerID     string
	UserID         string
	Status         string
	Plan           store.PlanType
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	CanceledAt     *time.Time
	Deleted        bool
}

var validate = validator.New()

type wireEnvelope struct {
	ID      string `json:"id" validate:"required,max=255"`
	Type    string `json:"type" validate:"required,max=128"`
	Created int64  `json:"created" validate:"gte=0"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type wireMetadata struct {
	UserID   string `json:"user_id" validate:"max=128"`
	PackType string `json:"pack_type" validate:"max=32"`
	PlanType string `json:"plan_type" validate:"max=32"`
}

type wireCheckout struct {
	ID              string       `json:"id" validate:"required"`
	Mode            string       `json:"mode" validate:"required,oneof=payment subscription setup"`
	Customer        string       `json:"customer"`
	Subscription    string       `json:"subscription"`
	PaymentStatus   string       `json:"payment_status"`
	Metadata        wireMetadata `json:"metadata"`
	ClientReference string       `json:"client_reference_id" validate:"max=128"`
}

type wirePrice struct {
	ID       string       `json:"id"`
	Metadata wireMetadata `json:"metadata"`
}

type wirePeriod struct {
	Start int64 `json:"start" validate:"gte=0"`
	End   int64 `json:"end" validate:"gte=0"`
}

type wireInvoice struct {
	ID           string       `json:"id"`
	Customer     string       `json:"customer" validate:"required"`
	Subscription string       `json:"subscription"`
	PeriodEnd    int64        `json:"period_end" validate:"gte=0"`
	Metadata     wireMetadata `json:"metadata"`
	Lines        struct {
		Data []struct {
			Period wirePeriod `json:"period"`
			Price  wirePrice  `json:"price"`
		} `json:"data" validate:"dive"`
	} `json:"lines"`
	SubscriptionDetails struct {
		Metadata wireMetadata `json:"metadata"`
	} `json:"subscription_details"`
}

type wireSubscription struct {
	ID                 string       `json:"id" validate:"required"`
	Customer           string       `json:"customer"`
	Status             string       `json:"status" validate:"required,max=32"`
	CurrentPeriodStart int64        `json:"current_period_start" validate:"gte=0"`
	CurrentPeriodEnd   int64        `json:"current_period_end" validate:"gte=0"`
	CanceledAt         int64        `json:"canceled_at" validate:"gte=0"`
	Metadata           wireMetadata `json:"metadata"`
	Items              struct {
		Data []struct {
			Price wirePrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// ParseEvent strictly decodes a verified webhook payload. Malformed or
// incomplete payloads fail with INVALID_REQUEST before any ledger code runs.
func ParseEvent(payload []byte) (*Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, apperr.New(apperr.InvalidRequest, "malformed webhook payload")
	}
	if err := validate.Struct(env); err != nil {
		return nil, apperr.Newf(apperr.InvalidRequest, "invalid webhook envelope: %v", err)
	}

	ev := &Event{ID: env.ID, Type: env.Type}
	if env.Created > 0 {
		ev.Created = time.Unix(env.Created, 0).UTC()
	}

	var err error
	switch env.Type {
	case TypeCheckoutCompleted:
		ev.Payload, err = parseCheckout(env.Data.Object)
	case TypeInvoicePaid:
		ev.Payload, err = parseInvoicePaid(env.Data.Object)
	case TypeInvoiceUpcoming:
		ev.Payload, err = parseInvoiceUpcoming(env.Data.Object)
	case TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		ev.Payload, err = parseSubscription(env.Data.Object, env.Type == TypeSubscriptionDeleted)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeObject(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return apperr.New(apperr.InvalidRequest, "webhook payload has no data object")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.New(apperr.InvalidRequest, "malformed webhook data object")
	}
	if err := validate.Struct(dst); err != nil {
		return apperr.Newf(apperr.InvalidRequest, "invalid webhook data object: %v", err)
	}
	return nil
}

func parseCheckout(raw json.RawMessage) (*CheckoutCompleted, error) {
	var w wireCheckout
	if err := decodeObject(raw, &w); err != nil {
		return nil, err
	}

	c := &CheckoutCompleted{
		SessionID:      w.ID,
		Mode:           w.Mode,
		CustomerID:     w.Customer,
		SubscriptionID: w.Subscription,
		UserID:         firstNonEmpty(w.Metadata.UserID, w.ClientReference),
		Paid:           w.PaymentStatus == "" || w.PaymentStatus == "paid" || w.PaymentStatus == "no_payment_required",
	}
	switch w.Mode {
	case ModePayment:
		pack, _, err := ledger.ParsePack(w.Metadata.PackType)
		if err != nil {
			return nil, err
		}
		c.Pack = pack
	case ModeSubscription:
		if w.Customer == "" {
			return nil, apperr.New(apperr.InvalidRequest, "subscription checkout has no customer")
		}
	}
	plan, err := optionalPlan(w.Metadata.PlanType)
	if err != nil {
		return nil, err
	}
	c.Plan = plan
	return c, nil
}

func parseInvoicePaid(raw json.RawMessage) (*InvoicePaid, error) {
	var w wireInvoice
	if err := decodeObject(raw, &w); err != nil {
		return nil, err
	}

	inv := &InvoicePaid{
		InvoiceID:      w.ID,
		CustomerID:     w.Customer,
		SubscriptionID: w.Subscription,
		UserID:         firstNonEmpty(w.Metadata.UserID, w.SubscriptionDetails.Metadata.UserID),
	}

	// Subscription line periods describe the period being paid for; the
	// invoice-level period_end is only a fallback.
	end := w.PeriodEnd
	planHint := firstNonEmpty(w.Metadata.PlanType, w.SubscriptionDetails.Metadata.PlanType)
	for _, line := range w.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
		if planHint == "" {
			planHint = line.Price.Metadata.PlanType
		}
	}
	if end == 0 {
		return nil, apperr.New(apperr.InvalidRequest, "invoice has no billing period")
	}
	inv.PeriodEnd = time.Unix(end, 0).UTC()

	plan, err := optionalPlan(planHint)
	if err != nil {
		return nil, err
	}
	inv.Plan = plan
	return inv, nil
}

func parseInvoiceUpcoming(raw json.RawMessage) (*InvoiceUpcoming, error) {
	var w wireInvoice
	if err := decodeObject(raw, &w); err != nil {
		return nil, err
	}
	return &InvoiceUpcoming{
		CustomerID:     w.Customer,
		SubscriptionID: w.Subscription,
		UserID:         firstNonEmpty(w.Metadata.UserID, w.SubscriptionDetails.Metadata.UserID),
	}, nil
}

func parseSubscription(raw json.RawMessage, deleted bool) (*SubscriptionChanged, error) {
	var w wireSubscription
	if err := decodeObject(raw, &w); err != nil {
		return nil, err
	}

	planHint := w.Metadata.PlanType
	for _, item := range w.Items.Data {
		if planHint == "" {
			planHint = item.Price.Metadata.PlanType
		}
	}
	plan, err := optionalPlan(planHint)
	if err != nil {
		return nil, err
	}

	return &SubscriptionChanged{
		SubscriptionID: w.ID,
		CustomerID:     w.Customer,
		UserID:         w.Metadata.UserID,
		Status:         strings.ToLower(w.Status),
		Plan:           plan,
		PeriodStart:    unixPtr(w.CurrentPeriodStart),
		PeriodEnd:      unixPtr(w.CurrentPeriodEnd),
		CanceledAt:     unixPtr(w.CanceledAt),
		Deleted:        deleted,
	}, nil
}

func optionalPlan(s string) (store.PlanType, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	return ledger.ParsePlan(s)
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
