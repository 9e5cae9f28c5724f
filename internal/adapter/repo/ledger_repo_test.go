package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/sqlinline"
)

func TestDebitReportsShortfallWithoutWriting(t *testing.T) {
	db := newScriptedDB()
	db.onRow(sqlinline.QDebitAccount, simpleRow{})
	db.onRow(sqlinline.QSelectAccountBalance, int64Row(50))
	repo := NewLedgerRepository(db)

	_, err := repo.Debit(context.Background(), &domain.Transaction{
		AccountID: "acct-1", JobID: "job-1", Kind: domain.TxReserve, Amount: 60, Delta: -60,
	})
	var insufficient *domain.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}
	if insufficient.Required != 60 || insufficient.Available != 50 {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}
	if n := db.ran(sqlinline.QInsertTransaction); n != 0 {
		t.Fatalf("transaction rows written on a rejected debit: %d", n)
	}
	if args := db.argsOf(sqlinline.QDebitAccount); len(args) != 2 || args[1] != int64(-60) {
		t.Fatalf("debit args = %v", args)
	}
}

func TestDebitUnknownAccount(t *testing.T) {
	db := newScriptedDB()
	db.onRow(sqlinline.QDebitAccount, simpleRow{})
	db.onRow(sqlinline.QSelectAccountBalance, simpleRow{})
	repo := NewLedgerRepository(db)

	_, err := repo.Debit(context.Background(), &domain.Transaction{AccountID: "nobody", Amount: 5, Delta: -5})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDebitWritesReserveRow(t *testing.T) {
	db := newScriptedDB()
	db.onRow(sqlinline.QDebitAccount, int64Row(40))
	db.onExec(sqlinline.QInsertTransaction, "INSERT 0 1")
	repo := NewLedgerRepository(db)

	tx := &domain.Transaction{AccountID: "acct-1", JobID: "job-1", Kind: domain.TxReserve, Amount: 60, Delta: -60}
	balance, err := repo.Debit(context.Background(), tx)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if balance != 40 || tx.ID == "" || tx.CreatedAt.IsZero() {
		t.Fatalf("balance=%d tx=%+v", balance, tx)
	}
	args := db.argsOf(sqlinline.QInsertTransaction)
	if len(args) != 8 || args[3] != "reserve" || args[5] != int64(-60) {
		t.Fatalf("insert args = %v", args)
	}
	if db.txs != 1 {
		t.Fatalf("debit ran in %d transactions, want 1", db.txs)
	}
}

func TestSettleAlreadySettledWritesNothing(t *testing.T) {
	db := newScriptedDB()
	db.onExec(sqlinline.QInsertSettlement, "INSERT 0 0")
	db.onRow(sqlinline.QSelectAccountBalance, int64Row(64))
	repo := NewLedgerRepository(db)

	applied, balance, err := repo.Settle(context.Background(), &domain.Settlement{
		JobID: "job-1", AccountID: "acct-1", Reserved: 60, Spent: 36, Refunded: 24,
		Deduct: &domain.Transaction{AccountID: "acct-1", Kind: domain.TxDeduct, Amount: 36},
		Refund: &domain.Transaction{AccountID: "acct-1", Kind: domain.TxRefund, Amount: 24, Delta: 24},
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if applied || balance != 64 {
		t.Fatalf("applied=%t balance=%d, want false and 64", applied, balance)
	}
	for _, q := range []string{sqlinline.QInsertTransaction, sqlinline.QCreditAccount, sqlinline.QMarkJobRefunded} {
		if n := db.ran(q); n != 0 {
			t.Fatalf("duplicate settlement ran %.50q %d times", q, n)
		}
	}
}

func TestSettleWritesDeductRefundAndFlag(t *testing.T) {
	db := newScriptedDB()
	db.onExec(sqlinline.QInsertSettlement, "INSERT 0 1")
	db.onExec(sqlinline.QInsertTransaction, "INSERT 0 1")
	db.onRow(sqlinline.QCreditAccount, int64Row(64))
	db.onExec(sqlinline.QMarkJobRefunded, "UPDATE 1")
	repo := NewLedgerRepository(db)

	applied, balance, err := repo.Settle(context.Background(), &domain.Settlement{
		JobID: "job-1", AccountID: "acct-1", Reserved: 60, Spent: 36, Refunded: 24, Reason: "completed",
		Deduct: &domain.Transaction{AccountID: "acct-1", Kind: domain.TxDeduct, Amount: 36},
		Refund: &domain.Transaction{AccountID: "acct-1", Kind: domain.TxRefund, Amount: 24, Delta: 24},
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !applied || balance != 64 {
		t.Fatalf("applied=%t balance=%d, want true and 64", applied, balance)
	}
	// Deduct and refund rows.
	if n := db.ran(sqlinline.QInsertTransaction); n != 2 {
		t.Fatalf("transaction rows = %d, want 2", n)
	}
	if args := db.argsOf(sqlinline.QMarkJobRefunded); len(args) != 2 || args[1] != int64(24) {
		t.Fatalf("mark refunded args = %v", args)
	}
}

func TestRenewLosesConditionalAdvance(t *testing.T) {
	db := newScriptedDB()
	db.onExec(sqlinline.QAdvanceRenewal, "UPDATE 0")
	repo := NewLedgerRepository(db)

	reset := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	ok, err := repo.Renew(context.Background(), domain.Account{ID: "acct-1", NextResetAt: &reset}, reset.AddDate(0, 1, 0),
		&domain.Transaction{AccountID: "acct-1", Kind: domain.TxRenewal, Amount: 50, Delta: 50})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if ok || db.ran(sqlinline.QCreditAccount) != 0 {
		t.Fatalf("a renewal that lost the race must not credit")
	}
}

func TestApplyEventReplayChangesNothing(t *testing.T) {
	db := newScriptedDB()
	db.onExec(sqlinline.QInsertBillingEvent, "INSERT 0 0")
	repo := NewLedgerRepository(db)

	applied, err := repo.ApplyEvent(context.Background(), &domain.EventEffect{
		Event: domain.BillingEvent{ID: "evt_1", Type: domain.EventPackPurchased, AccountID: "acct-1"},
		Grant: &domain.Transaction{AccountID: "acct-1", Kind: domain.TxPackPurchase, Amount: 200, Delta: 200},
	})
	if err != nil || applied {
		t.Fatalf("applied=%t err=%v, want replay", applied, err)
	}
	if db.ran(sqlinline.QCreditAccount) != 0 || db.ran(sqlinline.QEnsureBillingAccount) != 0 {
		t.Fatalf("replayed event touched the account")
	}
}
