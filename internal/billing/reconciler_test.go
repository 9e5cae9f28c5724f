package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/adapter/sqlite"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/ledger"
)

func newLedger(t *testing.T) *ledger.Service {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return ledger.NewService(store.Ledger(), domain.DefaultPricing(), zerolog.Nop())
}

func TestReconcileReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	led := newLedger(t)
	rec := NewReconciler(led, domain.DefaultPricing(), zerolog.Nop())

	occurred := time.Now().UTC().Truncate(time.Second)
	ev := domain.BillingEvent{
		ID:         "evt_1",
		Type:       domain.EventCheckoutCompleted,
		AccountID:  "acct-1",
		Plan:       "pro",
		OccurredAt: occurred,
	}
	first, err := rec.Reconcile(ctx, ev)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !first.Applied {
		t.Fatalf("first delivery should apply: %+v", first)
	}
	balance, err := led.GetBalance(ctx, "acct-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	// Free allowance on open plus the pro allowance.
	if balance != 1050 {
		t.Fatalf("balance = %d, want 1050", balance)
	}

	second, err := rec.Reconcile(ctx, ev)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Applied {
		t.Fatalf("replay applied twice: %+v", second)
	}
	after, _ := led.GetBalance(ctx, "acct-1")
	if after != balance {
		t.Fatalf("replay changed balance: %d -> %d", balance, after)
	}
	acct, err := led.Account(ctx, "acct-1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Plan != domain.UserPlanPro || acct.MonthlyAllowance != 1000 {
		t.Fatalf("plan not updated: %+v", acct)
	}
	if acct.NextResetAt != nil {
		t.Fatalf("paid plan should not be in the local renewal sweep, next reset = %v", acct.NextResetAt)
	}
	if _, err := led.Audit(ctx, "acct-1"); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestReconcilePackAndCancellation(t *testing.T) {
	ctx := context.Background()
	led := newLedger(t)
	rec := NewReconciler(led, domain.DefaultPricing(), zerolog.Nop())

	if _, err := rec.Reconcile(ctx, domain.BillingEvent{ID: "evt_pack", Type: domain.EventPackPurchased, AccountID: "acct-2", Amount: 200}); err != nil {
		t.Fatalf("pack: %v", err)
	}
	cancelledAt := time.Now().UTC().Truncate(time.Second)
	if _, err := rec.Reconcile(ctx, domain.BillingEvent{ID: "evt_cancel", Type: domain.EventSubscriptionCancelled, AccountID: "acct-2", OccurredAt: cancelledAt}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	acct, err := led.Account(ctx, "acct-2")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Balance != 250 {
		t.Fatalf("balance = %d, want 250", acct.Balance)
	}
	if acct.Plan != domain.UserPlanFree || acct.MonthlyAllowance != 50 {
		t.Fatalf("cancellation not applied: %+v", acct)
	}
	if acct.NextResetAt == nil || !acct.NextResetAt.Equal(cancelledAt.AddDate(0, 1, 0)) {
		t.Fatalf("next reset = %v, want %v", acct.NextResetAt, cancelledAt.AddDate(0, 1, 0))
	}
	history, err := led.History(ctx, "acct-2", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var packs int
	for _, tx := range history {
		if tx.Kind == domain.TxPackPurchase {
			packs++
		}
	}
	if packs != 1 {
		t.Fatalf("pack purchases = %d, want 1", packs)
	}
}

func countKind(t *testing.T, led *ledger.Service, accountID string, kind domain.TransactionKind) int {
	t.Helper()
	history, err := led.History(context.Background(), accountID, 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	n := 0
	for _, tx := range history {
		if tx.Kind == kind {
			n++
		}
	}
	return n
}

func TestPaidPeriodGrantedOnceAcrossSweepAndRenewalEvent(t *testing.T) {
	ctx := context.Background()
	led := newLedger(t)
	rec := NewReconciler(led, domain.DefaultPricing(), zerolog.Nop())
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	led.SetClock(func() time.Time { return t0 })

	if _, err := rec.Reconcile(ctx, domain.BillingEvent{
		ID: "evt_checkout", Type: domain.EventCheckoutCompleted, AccountID: "acct-1", Plan: "pro", OccurredAt: t0,
	}); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	periodEnd := t0.AddDate(0, 1, 0)
	if n, err := led.RenewDue(ctx, periodEnd.Add(time.Minute)); err != nil || n != 0 {
		t.Fatalf("sweep renewed %d paid accounts (err %v), want 0", n, err)
	}
	renewal := domain.BillingEvent{
		ID: "evt_renew_1", Type: domain.EventSubscriptionRenewed, AccountID: "acct-1", Plan: "pro", OccurredAt: periodEnd,
	}
	for i := 0; i < 2; i++ {
		if _, err := rec.Reconcile(ctx, renewal); err != nil {
			t.Fatalf("renewal delivery %d: %v", i+1, err)
		}
	}
	if n, err := led.RenewDue(ctx, periodEnd.AddDate(0, 0, 2)); err != nil || n != 0 {
		t.Fatalf("second sweep renewed %d, err %v", n, err)
	}

	// Free allowance on open, pro checkout, one pro renewal.
	if b, _ := led.GetBalance(ctx, "acct-1"); b != 50+1000+1000 {
		t.Fatalf("balance = %d, want 2050", b)
	}
	if got := countKind(t, led, "acct-1", domain.TxRenewal); got != 2 {
		t.Fatalf("renewal rows = %d, want 2", got)
	}
	if _, err := led.Audit(ctx, "acct-1"); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestCancelledSubscriberRenewsOnFreePlan(t *testing.T) {
	ctx := context.Background()
	led := newLedger(t)
	rec := NewReconciler(led, domain.DefaultPricing(), zerolog.Nop())
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	led.SetClock(func() time.Time { return t0 })

	if _, err := rec.Reconcile(ctx, domain.BillingEvent{
		ID: "evt_checkout", Type: domain.EventCheckoutCompleted, AccountID: "acct-1", Plan: "starter", OccurredAt: t0,
	}); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	cancelledAt := t0.AddDate(0, 0, 20)
	if _, err := rec.Reconcile(ctx, domain.BillingEvent{
		ID: "evt_cancel", Type: domain.EventSubscriptionCancelled, AccountID: "acct-1", OccurredAt: cancelledAt,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	before, _ := led.GetBalance(ctx, "acct-1")

	if n, err := led.RenewDue(ctx, cancelledAt.AddDate(0, 0, 10)); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}
	if n, err := led.RenewDue(ctx, cancelledAt.AddDate(0, 1, 0).Add(time.Minute)); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1", n, err)
	}
	if b, _ := led.GetBalance(ctx, "acct-1"); b != before+50 {
		t.Fatalf("balance = %d, want %d", b, before+50)
	}
}

func TestReconcileUnknownTypeIsIgnored(t *testing.T) {
	led := newLedger(t)
	rec := NewReconciler(led, domain.DefaultPricing(), zerolog.Nop())
	out, err := rec.Reconcile(context.Background(), domain.BillingEvent{ID: "evt_x", Type: "invoice_voided", AccountID: "acct-3"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !out.Ignored || out.Applied {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if _, err := led.Account(context.Background(), "acct-3"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown event should not touch accounts, got %v", err)
	}
}

func TestReconcileRejectsIncompleteEvents(t *testing.T) {
	rec := NewReconciler(newLedger(t), domain.DefaultPricing(), zerolog.Nop())
	cases := []domain.BillingEvent{
		{Type: domain.EventPackPurchased, AccountID: "a", Amount: 5},
		{ID: "evt", Type: domain.EventPackPurchased, Amount: 5},
		{ID: "evt", Type: domain.EventPackPurchased, AccountID: "a"},
	}
	for _, ev := range cases {
		if _, err := rec.Reconcile(context.Background(), ev); !errors.Is(err, domain.ErrBillingEventIncomplete) {
			t.Fatalf("event %+v: expected incomplete error, got %v", ev, err)
		}
	}
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("whsec")
	body := []byte(`{"id":"evt_1"}`)
	sig := Sign(secret, body)
	if err := VerifySignature(secret, body, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(secret, body, "sha256="+sig); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
	if err := VerifySignature(secret, []byte(`{"id":"evt_2"}`), sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered body accepted")
	}
	if err := VerifySignature(nil, body, sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("empty secret accepted")
	}
}
