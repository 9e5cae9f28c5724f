package domain

import "time"

// TransactionKind is the business reason for a ledger entry.
type TransactionKind string

const (
	TxGrant        TransactionKind = "grant"
	TxReserve      TransactionKind = "reserve"
	TxDeduct       TransactionKind = "deduct"
	TxRefund       TransactionKind = "refund"
	TxRenewal      TransactionKind = "renewal"
	TxPackPurchase TransactionKind = "pack_purchase"
)

// Account is the cached balance projection plus the monthly reset policy.
type Account struct {
	ID               string
	Plan             UserPlan
	Balance          int64
	MonthlyAllowance int64
	NextResetAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Transaction is an immutable ledger entry. Amount is the magnitude of the
// operation and Delta the signed change applied to the balance; deduct
// entries only reclassify reserved credits and carry a zero delta.
type Transaction struct {
	ID          string
	AccountID   string
	JobID       string
	Kind        TransactionKind
	Amount      int64
	Delta       int64
	Description string
	CreatedAt   time.Time
}

// Settlement closes out the reservation of one job. Only the first
// settlement recorded for a job takes effect.
type Settlement struct {
	JobID     string
	AccountID string
	Reserved  int64
	Spent     int64
	Refunded  int64
	Reason    string
	// Deduct and Refund are the transactions written alongside the flag.
	Deduct *Transaction
	Refund *Transaction
}

// Reservation is the total reserved for one job.
type Reservation struct {
	JobID     string
	AccountID string
	Amount    int64
}

// SufficiencyCheck is the read-only outcome of CheckSufficient.
type SufficiencyCheck struct {
	Sufficient bool
	Required   int64
	Available  int64
	Shortfall  int64
}
