package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/text/message"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/billing"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/dispatch"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/ledger"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/middleware"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/providers/safety"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/storage"
)

// App carries the services behind the HTTP API.
type App struct {
	Dispatcher    *dispatch.Dispatcher
	Ledger        *ledger.Service
	Billing       *billing.Reconciler
	Safety        safety.Checker
	Files         *storage.FileStore
	WebhookSecret []byte
	Logger        zerolog.Logger
	// Ping checks the database; nil skips the check.
	Ping func(ctx context.Context) error
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type insufficientBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
	Shortfall int64  `json:"shortfall"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, msg string) {
	a.json(w, code, errorBody{Error: errCode, Message: msg})
}

func (a *App) currentAccountID(r *http.Request) string {
	return middleware.AccountIDFromContext(r.Context())
}

// domainError maps service errors onto HTTP responses. Jobs owned by other
// accounts are reported as missing.
func (a *App) domainError(w http.ResponseWriter, r *http.Request, err error) {
	p := message.NewPrinter(middleware.LocaleFromContext(r.Context()))
	var insufficient *domain.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		a.json(w, http.StatusPaymentRequired, insufficientBody{
			Error:     "insufficient_credits",
			Message:   p.Sprintf(msgInsufficientCredits, insufficient.Required, insufficient.Available),
			Required:  insufficient.Required,
			Available: insufficient.Available,
			Shortfall: insufficient.Shortfall(),
		})
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrUnsafeContent):
		a.error(w, http.StatusUnprocessableEntity, "unsafe_content", err.Error())
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrUnsupportedJobType),
		errors.Is(err, domain.ErrBillingEventIncomplete):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing account context")
	default:
		log := zerolog.Ctx(r.Context())
		if log.GetLevel() == zerolog.Disabled {
			log = &a.Logger
		}
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
