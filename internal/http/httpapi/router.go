package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/http/handlers"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/middleware"
)

// Options configures the router's middleware.
type Options struct {
	JWTSecret       string
	RateLimitPerMin int
	AllowedOrigins  []string
	Logger          zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.Locale(),
	)

	// Health
	r.Get("/v1/healthz", app.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Signed artifact downloads.
	r.Get("/static/*", app.FilesDownload)

	// Webhook is authenticated by its own signature header.
	r.Post("/v1/billing/events", app.BillingEvents)

	r.Group(func(r chi.Router) {
		r.Use(
			middleware.RateLimit(opts.RateLimitPerMin, time.Minute),
			middleware.AuthJWT(opts.JWTSecret),
		)
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.JobsCreate)
			r.Get("/{id}", app.JobsGet)
			r.Post("/{id}/cancel", app.JobsCancel)
		})
		r.Get("/v1/balance", app.Balance)
		r.Get("/v1/transactions", app.Transactions)
	})

	return r
}
