// Package billing turns payment processor events into plan changes and
// credit grants. Events are delivered at least once; each event id takes
// effect at most once.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/metrics"
)

// ErrBadSignature is returned when a webhook body does not match its signature.
var ErrBadSignature = errors.New("billing: bad signature")

// Applier commits an event effect atomically with its idempotency key.
type Applier interface {
	ApplyEffect(ctx context.Context, effect *domain.EventEffect) (bool, error)
}

// Outcome reports what happened to one event.
type Outcome struct {
	EventID string `json:"event_id"`
	// Applied is false for replays and ignored event types.
	Applied bool   `json:"applied"`
	Ignored bool   `json:"ignored,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Reconciler applies billing events.
type Reconciler struct {
	applier Applier
	pricing domain.Pricing
	logger  zerolog.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(applier Applier, pricing domain.Pricing, logger zerolog.Logger) *Reconciler {
	return &Reconciler{applier: applier, pricing: pricing, logger: logger}
}

// Reconcile applies ev. Replays of an already processed id are acknowledged
// without effect, as are event types this service does not handle.
func (r *Reconciler) Reconcile(ctx context.Context, ev domain.BillingEvent) (*Outcome, error) {
	ev.ID = strings.TrimSpace(ev.ID)
	ev.AccountID = strings.TrimSpace(ev.AccountID)
	log := r.logger.With().Str("event_id", ev.ID).Str("type", string(ev.Type)).Str("account_id", ev.AccountID).Logger()
	if ev.ID == "" {
		metrics.BillingEvents.WithLabelValues(string(ev.Type), "rejected").Inc()
		return nil, fmt.Errorf("%w: missing event id", domain.ErrBillingEventIncomplete)
	}

	effect, err := r.effectFor(ev)
	if errors.Is(err, domain.ErrUnknownBillingEvent) {
		metrics.BillingEvents.WithLabelValues("unknown", "ignored").Inc()
		log.Info().Msg("billing: ignoring unknown event type")
		return &Outcome{EventID: ev.ID, Ignored: true, Detail: "unknown event type"}, nil
	}
	if err != nil {
		metrics.BillingEvents.WithLabelValues(string(ev.Type), "rejected").Inc()
		return nil, err
	}

	applied, err := r.applier.ApplyEffect(ctx, effect)
	if err != nil {
		metrics.BillingEvents.WithLabelValues(string(ev.Type), "error").Inc()
		log.Error().Err(err).Msg("billing: failed to apply event")
		return nil, err
	}
	if !applied {
		metrics.BillingEvents.WithLabelValues(string(ev.Type), "duplicate").Inc()
		log.Info().Msg("billing: duplicate event acknowledged")
		return &Outcome{EventID: ev.ID, Detail: "already processed"}, nil
	}
	metrics.BillingEvents.WithLabelValues(string(ev.Type), "applied").Inc()
	log.Info().Msg("billing: event applied")
	return &Outcome{EventID: ev.ID, Applied: true}, nil
}

func (r *Reconciler) effectFor(ev domain.BillingEvent) (*domain.EventEffect, error) {
	switch ev.Type {
	case domain.EventCheckoutCompleted, domain.EventSubscriptionRenewed,
		domain.EventSubscriptionCancelled, domain.EventPackPurchased:
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownBillingEvent, ev.Type)
	}
	if ev.AccountID == "" {
		return nil, fmt.Errorf("%w: missing account id", domain.ErrBillingEventIncomplete)
	}
	occurred := ev.OccurredAt.UTC()
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	effect := &domain.EventEffect{Event: ev}

	switch ev.Type {
	case domain.EventCheckoutCompleted:
		// Paid periods are renewed by subscription_renewed only; a nil reset
		// keeps the account out of the local renewal sweep.
		plan := domain.ParsePlan(ev.Plan)
		allowance := r.pricing.Allowance(plan)
		change := &domain.PlanChange{AccountID: ev.AccountID, Plan: plan, MonthlyAllowance: allowance}
		if plan.IsFree() {
			next := occurred.AddDate(0, 1, 0)
			change.NextResetAt = &next
		}
		effect.Plan = change
		effect.Grant = r.grant(ev, domain.TxGrant, allowance)
	case domain.EventSubscriptionRenewed:
		amount := ev.Amount
		if amount == 0 {
			amount = r.pricing.Allowance(domain.ParsePlan(ev.Plan))
		}
		if amount < 0 {
			return nil, domain.ErrInvalidAmount
		}
		effect.Grant = r.grant(ev, domain.TxRenewal, amount)
	case domain.EventSubscriptionCancelled:
		next := occurred.AddDate(0, 1, 0)
		effect.Plan = &domain.PlanChange{
			AccountID:        ev.AccountID,
			Plan:             domain.UserPlanFree,
			MonthlyAllowance: r.pricing.Allowance(domain.UserPlanFree),
			NextResetAt:      &next,
		}
	case domain.EventPackPurchased:
		if ev.Amount <= 0 {
			return nil, fmt.Errorf("%w: pack purchase needs a positive amount", domain.ErrBillingEventIncomplete)
		}
		effect.Grant = r.grant(ev, domain.TxPackPurchase, ev.Amount)
	}
	return effect, nil
}

func (r *Reconciler) grant(ev domain.BillingEvent, kind domain.TransactionKind, amount int64) *domain.Transaction {
	if amount <= 0 {
		return nil
	}
	return &domain.Transaction{AccountID: ev.AccountID, Kind: kind, Amount: amount}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature header. A "sha256=" prefix is
// accepted.
func VerifySignature(secret, body []byte, header string) error {
	if len(secret) == 0 {
		return ErrBadSignature
	}
	got := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if got == "" || !hmac.Equal([]byte(strings.ToLower(got)), []byte(Sign(secret, body))) {
		return ErrBadSignature
	}
	return nil
}
