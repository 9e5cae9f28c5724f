package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/adapter/sqlite"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store.Ledger(), domain.DefaultPricing(), zerolog.Nop())
}

// fund opens the account (free allowance of 50) and tops it up to balance.
func fund(t *testing.T, svc *Service, accountID string, balance int64) {
	t.Helper()
	ctx := context.Background()
	acct, err := svc.Open(ctx, accountID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if extra := balance - acct.Balance; extra > 0 {
		if _, err := svc.Grant(ctx, accountID, extra, "test funding"); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	got, err := svc.GetBalance(ctx, accountID)
	if err != nil || got != balance {
		t.Fatalf("funded balance = %d, %v; want %d", got, err, balance)
	}
}

func assertAudit(t *testing.T, svc *Service, accountID string) {
	t.Helper()
	report, err := svc.Audit(context.Background(), accountID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("audit inconsistent: %+v", report)
	}
}

func TestOpenGrantsFreeAllowanceOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		acct, err := svc.Open(ctx, "acct-1")
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if acct.Balance != 50 {
			t.Fatalf("balance after open #%d = %d, want 50", i+1, acct.Balance)
		}
		if acct.Plan != domain.UserPlanFree {
			t.Fatalf("plan = %s, want free", acct.Plan)
		}
	}
	txs, err := svc.History(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(txs) != 1 || txs[0].Kind != domain.TxRenewal {
		t.Fatalf("expected one renewal row, got %+v", txs)
	}
	assertAudit(t, svc, "acct-1")
}

func TestOpenRequiresAccountID(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Open(context.Background(), ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestReserveInsufficientLeavesBalanceUntouched(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "acct-1", 50)

	_, err := svc.Reserve(ctx, "acct-1", 60, "job-1")
	var insufficient *domain.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient credits error, got %v", err)
	}
	if insufficient.Required != 60 || insufficient.Available != 50 || insufficient.Shortfall() != 10 {
		t.Fatalf("unexpected error detail: %+v shortfall=%d", insufficient, insufficient.Shortfall())
	}
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("error should match ErrInsufficientCredits")
	}
	balance, _ := svc.GetBalance(ctx, "acct-1")
	if balance != 50 {
		t.Fatalf("balance = %d, want 50", balance)
	}
	if _, err := svc.Settle(ctx, "job-1", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rejected reservation must leave no rows, got %v", err)
	}
	assertAudit(t, svc, "acct-1")
}

func TestReserveRejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(t)
	fund(t, svc, "acct-1", 50)
	for _, amount := range []int64{0, -5} {
		if _, err := svc.Reserve(context.Background(), "acct-1", amount, "job-1"); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Fatalf("amount %d: expected invalid amount, got %v", amount, err)
		}
	}
}

func TestConcurrentReservesNeverOvercommit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "acct-1", 100)

	const workers = 10
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok           int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Reserve(ctx, "acct-1", 30, "job-"+string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("reserve: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 3 || insufficient != workers-3 {
		t.Fatalf("succeeded=%d insufficient=%d, want 3 and %d", ok, insufficient, workers-3)
	}
	balance, _ := svc.GetBalance(ctx, "acct-1")
	if balance != 10 {
		t.Fatalf("balance = %d, want 10", balance)
	}
	assertAudit(t, svc, "acct-1")
}

func TestSettleRefundsRemainderExactlyOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "acct-1", 100)

	if balance, err := svc.Reserve(ctx, "acct-1", 60, "job-1"); err != nil || balance != 40 {
		t.Fatalf("reserve = %d, %v", balance, err)
	}

	res, err := svc.Settle(ctx, "job-1", 36)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.Applied || res.Spent != 36 || res.Refunded != 24 || res.Balance != 64 {
		t.Fatalf("unexpected settlement: %+v", res)
	}

	again, err := svc.Settle(ctx, "job-1", 36)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if again.Applied || again.Balance != 64 {
		t.Fatalf("second settle should be a no-op: %+v", again)
	}
	refund, err := svc.Refund(ctx, "job-1", 60, "cancelled")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refund.Applied || refund.Refunded != 0 || refund.Balance != 64 {
		t.Fatalf("refund after settle should be a no-op: %+v", refund)
	}

	txs, err := svc.History(ctx, "acct-1", 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	kinds := map[domain.TransactionKind]int{}
	for _, tx := range txs {
		kinds[tx.Kind]++
	}
	if kinds[domain.TxReserve] != 1 || kinds[domain.TxDeduct] != 1 || kinds[domain.TxRefund] != 1 {
		t.Fatalf("unexpected transaction kinds: %v", kinds)
	}
	assertAudit(t, svc, "acct-1")
}

func TestConcurrentSettleAndRefundApplyOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "acct-1", 100)
	if _, err := svc.Reserve(ctx, "acct-1", 60, "job-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var res *SettleResult
			var err error
			if i%2 == 0 {
				res, err = svc.Settle(ctx, "job-1", 24)
			} else {
				res, err = svc.Refund(ctx, "job-1", 36, "cancelled")
			}
			if err != nil {
				t.Errorf("settle: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("applied %d settlements, want 1", applied)
	}
	balance, _ := svc.GetBalance(ctx, "acct-1")
	if balance != 76 {
		t.Fatalf("balance = %d, want 76", balance)
	}
	assertAudit(t, svc, "acct-1")
}

func TestSettleValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "acct-1", 100)
	if _, err := svc.Reserve(ctx, "acct-1", 24, "job-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := svc.Settle(ctx, "job-1", 25); !errors.Is(err, domain.ErrLedgerInvariant) {
		t.Fatalf("overspend: expected invariant error, got %v", err)
	}
	if _, err := svc.Refund(ctx, "job-1", 30, "cancelled"); !errors.Is(err, domain.ErrLedgerInvariant) {
		t.Fatalf("over-refund: expected invariant error, got %v", err)
	}
	if _, err := svc.Settle(ctx, "job-1", -1); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("negative spent: expected invalid amount, got %v", err)
	}
	if _, err := svc.Settle(ctx, "missing", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown job: expected not found, got %v", err)
	}
	// None of the rejected calls may have consumed the settlement.
	res, err := svc.Settle(ctx, "job-1", 24)
	if err != nil || !res.Applied || res.Refunded != 0 {
		t.Fatalf("settle = %+v, %v", res, err)
	}
	assertAudit(t, svc, "acct-1")
}

func TestCheckSufficientIsReadOnly(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "acct-1", 50)

	check, err := svc.CheckSufficient(ctx, "acct-1", 60)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Sufficient || check.Shortfall != 10 || check.Available != 50 {
		t.Fatalf("unexpected check: %+v", check)
	}
	check, _ = svc.CheckSufficient(ctx, "acct-1", 50)
	if !check.Sufficient || check.Shortfall != 0 {
		t.Fatalf("exact balance should be sufficient: %+v", check)
	}
	if balance, _ := svc.GetBalance(ctx, "acct-1"); balance != 50 {
		t.Fatalf("balance changed to %d", balance)
	}
}

func TestGrantAndPackPurchase(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	balance, err := svc.PackPurchase(ctx, "acct-1", 200, "")
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if balance != 250 {
		t.Fatalf("balance = %d, want 250", balance)
	}
	if _, err := svc.Grant(ctx, "acct-1", -1, "oops"); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	balance, err = svc.Grant(ctx, "acct-1", 0, "noop")
	if err != nil || balance != 250 {
		t.Fatalf("zero grant = %d, %v", balance, err)
	}
	txs, _ := svc.History(ctx, "acct-1", 10)
	if len(txs) != 2 || txs[0].Kind != domain.TxPackPurchase {
		t.Fatalf("unexpected history: %+v", txs)
	}
	assertAudit(t, svc, "acct-1")
}

func TestRenewDueSkipsMissedPeriods(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return t0 })

	acct, err := svc.Open(ctx, "acct-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if acct.NextResetAt == nil || !acct.NextResetAt.Equal(t0.AddDate(0, 1, 0)) {
		t.Fatalf("next reset = %v, want %v", acct.NextResetAt, t0.AddDate(0, 1, 0))
	}

	if n, err := svc.RenewDue(ctx, t0.AddDate(0, 0, 10)); err != nil || n != 0 {
		t.Fatalf("early renew = %d, %v", n, err)
	}

	later := t0.AddDate(0, 3, 1)
	n, err := svc.RenewDue(ctx, later)
	if err != nil || n != 1 {
		t.Fatalf("renew = %d, %v; want 1", n, err)
	}
	n, err = svc.RenewDue(ctx, later)
	if err != nil || n != 0 {
		t.Fatalf("second renew = %d, %v; want 0", n, err)
	}

	acct, err = svc.Account(ctx, "acct-1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.Balance != 100 {
		t.Fatalf("balance = %d, want 100 (one missed-period grant)", acct.Balance)
	}
	if want := t0.AddDate(0, 4, 0); !acct.NextResetAt.Equal(want) {
		t.Fatalf("next reset = %v, want %v", acct.NextResetAt, want)
	}
	assertAudit(t, svc, "acct-1")
}

func TestAuditOfUnknownAccount(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Audit(context.Background(), "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
