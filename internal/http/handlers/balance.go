package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
)

type transactionDTO struct {
	ID          string                 `json:"id"`
	JobID       string                 `json:"job_id,omitempty"`
	Kind        domain.TransactionKind `json:"kind"`
	Amount      int64                  `json:"amount"`
	Delta       int64                  `json:"delta"`
	Description string                 `json:"description"`
	CreatedAt   time.Time              `json:"created_at"`
}

func (a *App) Balance(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	bal, err := a.Dispatcher.GetBalance(r.Context(), accountID)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, bal)
}

func (a *App) Transactions(w http.ResponseWriter, r *http.Request) {
	accountID := a.currentAccountID(r)
	if accountID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if _, err := a.Ledger.Open(r.Context(), accountID); err != nil {
		a.domainError(w, r, err)
		return
	}
	txs, err := a.Ledger.History(r.Context(), accountID, limit)
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	items := make([]transactionDTO, 0, len(txs))
	for _, tx := range txs {
		items = append(items, transactionDTO{
			ID:          tx.ID,
			JobID:       tx.JobID,
			Kind:        tx.Kind,
			Amount:      tx.Amount,
			Delta:       tx.Delta,
			Description: tx.Description,
			CreatedAt:   tx.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
