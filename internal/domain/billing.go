package domain

import "time"

// BillingEventType enumerates payment processor events the reconciler understands.
type BillingEventType string

const (
	EventCheckoutCompleted     BillingEventType = "checkout_completed"
	EventSubscriptionRenewed   BillingEventType = "subscription_renewed"
	EventSubscriptionCancelled BillingEventType = "subscription_cancelled"
	EventPackPurchased         BillingEventType = "pack_purchased"
)

// BillingEvent is an inbound, at-least-once delivered processor event.
type BillingEvent struct {
	ID         string           `json:"id"`
	Type       BillingEventType `json:"type"`
	AccountID  string           `json:"account_id"`
	Plan       string           `json:"plan,omitempty"`
	Amount     int64            `json:"amount,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// PlanChange updates the plan metadata of an account.
type PlanChange struct {
	AccountID        string
	Plan             UserPlan
	MonthlyAllowance int64
	NextResetAt      *time.Time
}

// EventEffect is everything applied atomically for one billing event.
type EventEffect struct {
	Event BillingEvent
	Grant *Transaction
	Plan  *PlanChange
}
