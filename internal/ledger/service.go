// Package ledger owns every credit balance mutation. Balances only change
// through conditional updates committed with an immutable transaction row, so
// the cached balance always equals the sum of the log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/metrics"
)

const renewalBatch = 100

// Service implements the credit ledger operations.
type Service struct {
	repo    domain.LedgerRepository
	pricing domain.Pricing
	logger  zerolog.Logger
	printer *message.Printer
	now     func() time.Time
}

// SettleResult reports what a settlement or refund did.
type SettleResult struct {
	JobID     string
	AccountID string
	// Applied is false when the job had already been settled.
	Applied  bool
	Reserved int64
	Spent    int64
	Refunded int64
	Balance  int64
}

// AuditReport compares the cached balance with the transaction log.
type AuditReport struct {
	AccountID  string
	Balance    int64
	LogSum     int64
	Consistent bool
}

// NewService constructs the ledger.
func NewService(repo domain.LedgerRepository, pricing domain.Pricing, logger zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		pricing: pricing,
		logger:  logger,
		printer: message.NewPrinter(language.English),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for renewals.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Open returns the account, creating it on the free plan on first use. A new
// account is due for renewal immediately, so it receives its allowance once.
func (s *Service) Open(ctx context.Context, accountID string) (*domain.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrInvalidInput)
	}
	now := s.now()
	acct, err := s.repo.EnsureAccount(ctx, &domain.Account{
		ID:               accountID,
		Plan:             domain.UserPlanFree,
		MonthlyAllowance: s.pricing.Allowance(domain.UserPlanFree),
		NextResetAt:      &now,
	})
	if err != nil {
		return nil, err
	}
	if acct.NextResetAt != nil && !acct.NextResetAt.After(now) {
		if _, err := s.renew(ctx, *acct, now); err != nil {
			return nil, err
		}
		return s.repo.GetAccount(ctx, accountID)
	}
	return acct, nil
}

// Account returns the stored account.
func (s *Service) Account(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.repo.GetAccount(ctx, accountID)
}

// GetBalance returns the current projected balance.
func (s *Service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// CheckSufficient is a read-only comparison; it does not reserve anything.
func (s *Service) CheckSufficient(ctx context.Context, accountID string, amount int64) (domain.SufficiencyCheck, error) {
	if amount < 0 {
		return domain.SufficiencyCheck{}, domain.ErrInvalidAmount
	}
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return domain.SufficiencyCheck{}, err
	}
	insufficient := domain.InsufficientCreditsError{Required: amount, Available: balance}
	return domain.SufficiencyCheck{
		Sufficient: balance >= amount,
		Required:   amount,
		Available:  balance,
		Shortfall:  insufficient.Shortfall(),
	}, nil
}

// Reserve takes amount from the balance for jobID in a single conditional
// update. It returns *domain.InsufficientCreditsError when the balance does
// not cover amount.
func (s *Service) Reserve(ctx context.Context, accountID string, amount int64, jobID string) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	balance, err := s.repo.Debit(ctx, &domain.Transaction{
		AccountID:   accountID,
		JobID:       jobID,
		Kind:        domain.TxReserve,
		Amount:      amount,
		Delta:       -amount,
		Description: s.printer.Sprintf("Reserved %d credits for job %s", amount, jobID),
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, domain.ErrInsufficientCredits) {
			outcome = "insufficient"
		}
		metrics.LedgerOperations.WithLabelValues(string(domain.TxReserve), outcome).Inc()
		return 0, err
	}
	metrics.LedgerOperations.WithLabelValues(string(domain.TxReserve), "ok").Inc()
	metrics.LedgerCredits.WithLabelValues(string(domain.TxReserve)).Add(float64(amount))
	s.logger.Info().
		Str("account_id", accountID).
		Str("job_id", jobID).
		Int64("amount", amount).
		Int64("balance", balance).
		Msg("ledger: reserved")
	return balance, nil
}

// Settle reclassifies spent of the job's reservation as spent and refunds
// the remainder. Only the first settlement for a job has any effect.
func (s *Service) Settle(ctx context.Context, jobID string, spent int64) (*SettleResult, error) {
	if spent < 0 {
		return nil, domain.ErrInvalidAmount
	}
	res, err := s.reservation(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if spent > res.Amount {
		return nil, s.invariant(jobID, "spent %d exceeds reserved %d", spent, res.Amount)
	}
	return s.settle(ctx, res, spent, "settled")
}

// Refund returns amount of the job's reservation to the account. It shares
// the per-job settlement flag with Settle, so a second call is a no-op.
func (s *Service) Refund(ctx context.Context, jobID string, amount int64, reason string) (*SettleResult, error) {
	if amount < 0 {
		return nil, domain.ErrInvalidAmount
	}
	res, err := s.reservation(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if amount > res.Amount {
		return nil, s.invariant(jobID, "refund %d exceeds reserved %d", amount, res.Amount)
	}
	return s.settle(ctx, res, res.Amount-amount, reason)
}

func (s *Service) reservation(ctx context.Context, jobID string) (*domain.Reservation, error) {
	res, err := s.repo.Reservation(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: no reservation for job %s", domain.ErrNotFound, jobID)
		}
		return nil, err
	}
	return res, nil
}

func (s *Service) settle(ctx context.Context, res *domain.Reservation, spent int64, reason string) (*SettleResult, error) {
	refund := res.Amount - spent
	st := &domain.Settlement{
		JobID:     res.JobID,
		AccountID: res.AccountID,
		Reserved:  res.Amount,
		Spent:     spent,
		Refunded:  refund,
		Reason:    reason,
	}
	if spent > 0 {
		st.Deduct = &domain.Transaction{
			AccountID:   res.AccountID,
			JobID:       res.JobID,
			Kind:        domain.TxDeduct,
			Amount:      spent,
			Description: s.printer.Sprintf("Spent %d of %d reserved credits on job %s", spent, res.Amount, res.JobID),
		}
	}
	if refund > 0 {
		st.Refund = &domain.Transaction{
			AccountID:   res.AccountID,
			JobID:       res.JobID,
			Kind:        domain.TxRefund,
			Amount:      refund,
			Delta:       refund,
			Description: s.printer.Sprintf("Refunded %d credits for job %s (%s)", refund, res.JobID, reason),
		}
	}

	applied, balance, err := s.repo.Settle(ctx, st)
	if err != nil {
		metrics.LedgerOperations.WithLabelValues(string(domain.TxRefund), "error").Inc()
		return nil, err
	}
	out := &SettleResult{
		JobID:     res.JobID,
		AccountID: res.AccountID,
		Applied:   applied,
		Reserved:  res.Amount,
		Balance:   balance,
	}
	if !applied {
		metrics.LedgerOperations.WithLabelValues(string(domain.TxRefund), "duplicate").Inc()
		s.logger.Debug().Str("job_id", res.JobID).Msg("ledger: job already settled")
		return out, nil
	}
	out.Spent, out.Refunded = spent, refund
	metrics.LedgerOperations.WithLabelValues(string(domain.TxRefund), "ok").Inc()
	metrics.LedgerCredits.WithLabelValues(string(domain.TxDeduct)).Add(float64(spent))
	metrics.LedgerCredits.WithLabelValues(string(domain.TxRefund)).Add(float64(refund))
	s.logger.Info().
		Str("account_id", res.AccountID).
		Str("job_id", res.JobID).
		Int64("reserved", res.Amount).
		Int64("spent", spent).
		Int64("refunded", refund).
		Str("reason", reason).
		Msg("ledger: settled")
	return out, nil
}

// Grant adds credits to an account.
func (s *Service) Grant(ctx context.Context, accountID string, amount int64, reason string) (int64, error) {
	return s.credit(ctx, accountID, domain.TxGrant, amount, reason)
}

// PackPurchase records a one-off credit pack.
func (s *Service) PackPurchase(ctx context.Context, accountID string, amount int64, reason string) (int64, error) {
	return s.credit(ctx, accountID, domain.TxPackPurchase, amount, reason)
}

func (s *Service) credit(ctx context.Context, accountID string, kind domain.TransactionKind, amount int64, reason string) (int64, error) {
	if amount < 0 {
		return 0, domain.ErrInvalidAmount
	}
	if _, err := s.Open(ctx, accountID); err != nil {
		return 0, err
	}
	if amount == 0 {
		return s.GetBalance(ctx, accountID)
	}
	if reason == "" {
		reason = string(kind)
	}
	balance, err := s.repo.Credit(ctx, &domain.Transaction{
		AccountID:   accountID,
		Kind:        kind,
		Amount:      amount,
		Delta:       amount,
		Description: s.printer.Sprintf("Granted %d credits: %s", amount, reason),
	})
	if err != nil {
		metrics.LedgerOperations.WithLabelValues(string(kind), "error").Inc()
		return 0, err
	}
	metrics.LedgerOperations.WithLabelValues(string(kind), "ok").Inc()
	metrics.LedgerCredits.WithLabelValues(string(kind)).Add(float64(amount))
	s.logger.Info().
		Str("account_id", accountID).
		Str("kind", string(kind)).
		Int64("amount", amount).
		Int64("balance", balance).
		Msg("ledger: credited")
	return balance, nil
}

// History lists an account's transactions, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.ListTransactions(ctx, accountID, limit)
}

// Audit recomputes the balance from the log. A mismatch or a negative
// balance is reported as domain.ErrLedgerInvariant.
func (s *Service) Audit(ctx context.Context, accountID string) (*AuditReport, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := s.repo.SumDeltas(ctx, accountID)
	if err != nil {
		return nil, err
	}
	report := &AuditReport{
		AccountID:  accountID,
		Balance:    acct.Balance,
		LogSum:     sum,
		Consistent: sum == acct.Balance && acct.Balance >= 0,
	}
	if !report.Consistent {
		return report, s.invariant(accountID, "balance %d, log sum %d", acct.Balance, sum)
	}
	return report, nil
}

// RenewDue grants the monthly allowance to every account whose reset instant
// has passed and returns how many accounts were renewed.
func (s *Service) RenewDue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		due, err := s.repo.DueRenewals(ctx, now, renewalBatch)
		if err != nil {
			return total, err
		}
		renewed := 0
		for _, acct := range due {
			ok, err := s.renew(ctx, acct, now)
			if err != nil {
				return total, err
			}
			if ok {
				renewed++
			}
		}
		total += renewed
		if len(due) < renewalBatch || renewed == 0 {
			return total, nil
		}
	}
}

// renew applies one renewal. Missed periods are skipped rather than granted
// again, so a long outage never stacks allowances.
func (s *Service) renew(ctx context.Context, acct domain.Account, now time.Time) (bool, error) {
	if acct.NextResetAt == nil {
		return false, nil
	}
	next := *acct.NextResetAt
	for !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	var tx *domain.Transaction
	if acct.MonthlyAllowance > 0 {
		tx = &domain.Transaction{
			AccountID:   acct.ID,
			Kind:        domain.TxRenewal,
			Amount:      acct.MonthlyAllowance,
			Delta:       acct.MonthlyAllowance,
			Description: s.printer.Sprintf("Monthly %s allowance of %d credits", acct.Plan, acct.MonthlyAllowance),
		}
	}
	ok, err := s.repo.Renew(ctx, acct, next, tx)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.LedgerOperations.WithLabelValues(string(domain.TxRenewal), "ok").Inc()
		metrics.LedgerCredits.WithLabelValues(string(domain.TxRenewal)).Add(float64(acct.MonthlyAllowance))
		s.logger.Info().
			Str("account_id", acct.ID).
			Int64("amount", acct.MonthlyAllowance).
			Time("next_reset_at", next).
			Msg("ledger: renewed")
	}
	return ok, nil
}

// ApplyEffect commits a reconciled billing event. applied is false when the
// event id was processed before.
func (s *Service) ApplyEffect(ctx context.Context, effect *domain.EventEffect) (bool, error) {
	if id := effect.Event.AccountID; id != "" {
		if _, err := s.Open(ctx, id); err != nil {
			return false, err
		}
	}
	if g := effect.Grant; g != nil {
		if g.Amount < 0 {
			return false, domain.ErrInvalidAmount
		}
		g.Delta = g.Amount
		if g.Description == "" {
			g.Description = s.printer.Sprintf("Granted %d credits: %s", g.Amount, effect.Event.Type)
		}
	}
	applied, err := s.repo.ApplyEvent(ctx, effect)
	if err != nil {
		return false, err
	}
	if applied && effect.Grant != nil && effect.Grant.Amount > 0 {
		kind := string(effect.Grant.Kind)
		metrics.LedgerOperations.WithLabelValues(kind, "ok").Inc()
		metrics.LedgerCredits.WithLabelValues(kind).Add(float64(effect.Grant.Amount))
	}
	return applied, nil
}

func (s *Service) invariant(subject, format string, args ...any) error {
	metrics.LedgerInvariantViolations.Inc()
	detail := fmt.Sprintf(format, args...)
	s.logger.Error().Str("subject", subject).Str("detail", detail).Msg("ledger: invariant violation")
	return fmt.Errorf("%w: %s: %s", domain.ErrLedgerInvariant, subject, detail)
}
