package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/billing"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
)

const maxWebhookBody = 64 << 10

// BillingEvents receives payment processor webhooks. A 2xx response
// acknowledges the event; anything else makes the processor redeliver it.
func (a *App) BillingEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	if err := billing.VerifySignature(a.WebhookSecret, body, r.Header.Get("X-Billing-Signature")); err != nil {
		a.error(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
		return
	}
	var ev domain.BillingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	out, err := a.Billing.Reconcile(r.Context(), ev)
	if errors.Is(err, domain.ErrBillingEventIncomplete) || errors.Is(err, domain.ErrInvalidAmount) {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err != nil {
		a.domainError(w, r, err)
		return
	}
	a.json(w, http.StatusOK, out)
}
