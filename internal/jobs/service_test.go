package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/adapter/sqlite"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/ledger"
)

type fixture struct {
	store  *sqlite.Store
	ledger *ledger.Service
	jobs   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	led := ledger.NewService(store.Ledger(), domain.DefaultPricing(), zerolog.Nop())
	return &fixture{
		store:  store,
		ledger: led,
		jobs:   NewService(store.Jobs(), led, zerolog.Nop(), 10*time.Minute),
	}
}

// startJob funds the account to 100, reserves 12 per item and starts a
// generation job.
func (f *fixture) startJob(t *testing.T, owner string, items int) *domain.Job {
	t.Helper()
	ctx := context.Background()
	if _, err := f.ledger.Open(ctx, owner); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.ledger.Grant(ctx, owner, 50, "test funding"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	job := &domain.Job{
		ID:              "job-" + owner,
		OwnerID:         owner,
		Type:            domain.JobTypeGeneration,
		CreditsReserved: int64(12 * items),
	}
	for i := 0; i < items; i++ {
		job.Items = append(job.Items, domain.JobItem{TargetRef: "page"})
	}
	if _, err := f.ledger.Reserve(ctx, owner, job.CreditsReserved, job.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := f.jobs.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.jobs.Start(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	return job
}

func (f *fixture) claimAll(t *testing.T, n int) []*domain.ClaimedItem {
	t.Helper()
	var out []*domain.ClaimedItem
	for i := 0; i < n; i++ {
		c, err := f.jobs.Claim(context.Background())
		if err != nil {
			t.Fatalf("claim #%d: %v", i+1, err)
		}
		out = append(out, c)
	}
	return out
}

func (f *fixture) balance(t *testing.T, owner string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func TestPartialFailureCompletesAndRefundsUnspent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startJob(t, "acct-1", 5)
	if got := f.balance(t, "acct-1"); got != 40 {
		t.Fatalf("balance after reserve = %d, want 40", got)
	}

	claimed := f.claimAll(t, 5)
	if _, err := f.jobs.Claim(ctx); !errors.Is(err, domain.ErrNoItemAvailable) {
		t.Fatalf("expected empty queue, got %v", err)
	}
	for i, c := range claimed {
		var err error
		if i < 3 {
			_, err = f.jobs.CompleteItem(ctx, c.Item.ID, "artifact", 1, 12)
		} else {
			_, err = f.jobs.FailItem(ctx, c.Item.ID, "render failed", 3)
		}
		if err != nil {
			t.Fatalf("record item %d: %v", i, err)
		}
	}

	got, err := f.jobs.Get(ctx, job.ID, "acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusCompleted || got.CompletedItems != 3 || got.FailedItems != 2 {
		t.Fatalf("unexpected job: status=%s completed=%d failed=%d", got.Status, got.CompletedItems, got.FailedItems)
	}
	if got.CreditsSpent != 36 || got.CreditsRefunded != 24 || !got.RefundIssued {
		t.Fatalf("unexpected credits: spent=%d refunded=%d issued=%t", got.CreditsSpent, got.CreditsRefunded, got.RefundIssued)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
	if b := f.balance(t, "acct-1"); b != 64 {
		t.Fatalf("final balance = %d, want 64", b)
	}
	if _, err := f.ledger.Audit(ctx, "acct-1"); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestAllItemsFailedRefundsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startJob(t, "acct-1", 5)

	for _, c := range f.claimAll(t, 5) {
		if _, err := f.jobs.FailItem(ctx, c.Item.ID, "provider down", 3); err != nil {
			t.Fatalf("fail item: %v", err)
		}
	}
	got, _ := f.jobs.Get(ctx, job.ID, "")
	if got.Status != domain.JobStatusFailed || got.CreditsRefunded != 60 {
		t.Fatalf("unexpected job: status=%s refunded=%d", got.Status, got.CreditsRefunded)
	}
	if b := f.balance(t, "acct-1"); b != 100 {
		t.Fatalf("balance = %d, want 100", b)
	}
}

func TestItemOutcomeRecordedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.startJob(t, "acct-1", 2)
	c := f.claimAll(t, 1)[0]

	if _, err := f.jobs.CompleteItem(ctx, c.Item.ID, "a", 1, 12); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := f.jobs.CompleteItem(ctx, c.Item.ID, "a", 1, 12); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on second outcome, got %v", err)
	}
	if _, err := f.jobs.FailItem(ctx, "missing", "x", 1); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.jobs.CompleteItem(ctx, c.Item.ID, "a", 1, -1); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestCancelRefundsUnspentAndDiscardsLateResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startJob(t, "acct-1", 5)
	claimed := f.claimAll(t, 3)

	for _, c := range claimed[:2] {
		if _, err := f.jobs.CompleteItem(ctx, c.Item.ID, "artifact", 1, 12); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	res, err := f.jobs.Cancel(ctx, job.ID, "acct-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.CreditsRefunded != 36 || res.NewBalance != 76 {
		t.Fatalf("unexpected cancel result: refunded=%d balance=%d", res.CreditsRefunded, res.NewBalance)
	}
	if res.Job.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Job.Status)
	}

	late, err := f.jobs.CompleteItem(ctx, claimed[2].Item.ID, "late-artifact", 1, 12)
	if err != nil {
		t.Fatalf("late complete: %v", err)
	}
	if !late.Discarded {
		t.Fatalf("late result should be discarded")
	}

	got, _ := f.jobs.Get(ctx, job.ID, "acct-1")
	if got.CompletedItems != 2 || got.CreditsSpent != 24 || got.CreditsRefunded != 36 {
		t.Fatalf("late result changed the job: %+v", got)
	}
	var lateItem *domain.JobItem
	for i := range got.Items {
		if got.Items[i].ID == claimed[2].Item.ID {
			lateItem = &got.Items[i]
		}
	}
	if lateItem == nil || lateItem.Status != domain.ItemStatusCompleted || lateItem.ArtifactRef != "late-artifact" {
		t.Fatalf("late item not kept for audit: %+v", lateItem)
	}
	if b := f.balance(t, "acct-1"); b != 76 {
		t.Fatalf("balance = %d, want 76", b)
	}
	if _, err := f.ledger.Audit(ctx, "acct-1"); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestCancelErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startJob(t, "acct-1", 1)

	if _, err := f.jobs.Cancel(ctx, job.ID, "acct-2"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("other owner: expected forbidden, got %v", err)
	}
	if _, err := f.jobs.Cancel(ctx, "missing", "acct-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing job: expected not found, got %v", err)
	}
	if _, err := f.jobs.Cancel(ctx, job.ID, "acct-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.jobs.Cancel(ctx, job.ID, "acct-1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second cancel: expected conflict, got %v", err)
	}
	if b := f.balance(t, "acct-1"); b != 100 {
		t.Fatalf("balance = %d, want 100", b)
	}
}

func TestGetHidesOtherOwners(t *testing.T) {
	f := newFixture(t)
	job := f.startJob(t, "acct-1", 1)
	if _, err := f.jobs.Get(context.Background(), job.ID, "acct-2"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	got, err := f.jobs.Get(context.Background(), job.ID, "acct-1")
	if err != nil || len(got.Items) != 1 || got.Status != domain.JobStatusProcessing {
		t.Fatalf("get = %+v, %v", got, err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.jobs.Create(ctx, &domain.Job{Type: "poster", Items: []domain.JobItem{{}}}); !errors.Is(err, domain.ErrUnsupportedJobType) {
		t.Fatalf("expected unsupported type, got %v", err)
	}
	if err := f.jobs.Create(ctx, &domain.Job{Type: domain.JobTypeExport}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStartIsIdempotentButRejectsTerminalJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.startJob(t, "acct-1", 1)

	if err := f.jobs.Start(ctx, job.ID); err != nil {
		t.Fatalf("restart processing job: %v", err)
	}
	if _, err := f.jobs.Cancel(ctx, job.ID, "acct-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.jobs.Start(ctx, job.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestReapStuckFailsAndSettlesOldJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Truncate(time.Second)
	f.store.SetClock(func() time.Time { return t0 })

	job := f.startJob(t, "acct-1", 5)
	c := f.claimAll(t, 1)[0]
	if _, err := f.jobs.CompleteItem(ctx, c.Item.ID, "artifact", 1, 12); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.jobs.SetClock(func() time.Time { return t0.Add(5 * time.Minute) })
	if n, err := f.jobs.ReapStuck(ctx); err != nil || n != 0 {
		t.Fatalf("early reap = %d, %v", n, err)
	}

	later := t0.Add(11 * time.Minute)
	f.store.SetClock(func() time.Time { return later })
	f.jobs.SetClock(func() time.Time { return later })
	n, err := f.jobs.ReapStuck(ctx)
	if err != nil || n != 1 {
		t.Fatalf("reap = %d, %v; want 1", n, err)
	}

	got, _ := f.jobs.Get(ctx, job.ID, "acct-1")
	if got.Status != domain.JobStatusFailed || got.CreditsRefunded != 48 {
		t.Fatalf("unexpected reaped job: status=%s refunded=%d", got.Status, got.CreditsRefunded)
	}
	if b := f.balance(t, "acct-1"); b != 88 {
		t.Fatalf("balance = %d, want 88", b)
	}
	if n, err := f.jobs.ReapStuck(ctx); err != nil || n != 0 {
		t.Fatalf("second reap = %d, %v", n, err)
	}
}

func TestConcurrentItemResultsAndCancelSettleOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		owner := fmt.Sprintf("acct-%d", round)
		job := f.startJob(t, owner, 5)
		claimed := f.claimAll(t, 5)

		var wg sync.WaitGroup
		errs := make(chan error, len(claimed)+1)
		start := make(chan struct{})
		for i, c := range claimed {
			wg.Add(1)
			go func(i int, itemID string) {
				defer wg.Done()
				<-start
				var err error
				if i == 0 {
					_, err = f.jobs.FailItem(ctx, itemID, "render failed", 1)
				} else {
					_, err = f.jobs.CompleteItem(ctx, itemID, "artifact", 1, 12)
				}
				errs <- err
			}(i, c.Item.ID)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.jobs.Cancel(ctx, job.ID, owner)
			if errors.Is(err, domain.ErrConflict) {
				err = nil
			}
			errs <- err
		}()
		close(start)
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
		}

		got, err := f.jobs.Get(ctx, job.ID, owner)
		if err != nil {
			t.Fatalf("round %d: get: %v", round, err)
		}
		if !got.Status.Terminal() || !got.RefundIssued {
			t.Fatalf("round %d: job not settled: status=%s refunded=%t", round, got.Status, got.RefundIssued)
		}
		if got.CreditsSpent+got.CreditsRefunded != 60 {
			t.Fatalf("round %d: spent %d + refunded %d != reserved 60", round, got.CreditsSpent, got.CreditsRefunded)
		}
		history, err := f.ledger.History(ctx, owner, 100)
		if err != nil {
			t.Fatalf("round %d: history: %v", round, err)
		}
		kinds := map[domain.TransactionKind]int{}
		for _, tx := range history {
			kinds[tx.Kind]++
		}
		wantDeduct := 0
		if got.CreditsSpent > 0 {
			wantDeduct = 1
		}
		if kinds[domain.TxRefund] != 1 || kinds[domain.TxDeduct] != wantDeduct {
			t.Fatalf("round %d: refund rows=%d deduct rows=%d, want 1 and %d", round, kinds[domain.TxRefund], kinds[domain.TxDeduct], wantDeduct)
		}
		if b := f.balance(t, owner); b != 100-got.CreditsSpent {
			t.Fatalf("round %d: balance = %d, want %d", round, b, 100-got.CreditsSpent)
		}
		if _, err := f.ledger.Audit(ctx, owner); err != nil {
			t.Fatalf("round %d: audit: %v", round, err)
		}
	}
}
