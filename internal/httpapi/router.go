// Package httpapi exposes the registration engine over JSON/HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Service is the engine surface the handlers need. *regflow.Engine
// satisfies it.
type Service interface {
	IssueChallenge(ctx context.Context, identity string) (regflow.IssueResult, error)
	VerifyChallenge(ctx context.Context, identity, code string) (regflow.VerifyResult, error)
	InitiatePayment(ctx context.Context, identity string, profile map[string]string) (regflow.PaymentOrder, error)
	ConfirmPayment(ctx context.Context, identity, orderReference, paymentReference, signature string) (regflow.ConfirmResult, error)
	PaymentStatus(ctx context.Context, identity string) (regflow.Registration, error)
	ReconcilePayment(ctx context.Context, body []byte, signature string) (regflow.ReconcileResult, error)
	ValidateTicket(token string) (regflow.TicketClaims, error)
}

// Config tunes the transport. Zero values fall back to permissive
// development defaults.
type Config struct {
	AllowedOrigins []string
	TrustProxy     bool
	FloodRPS       float64
	FloodBurst     int
	MaxBodyBytes   int64
}

const (
	defaultMaxBody  = 64 << 10
	signatureHeader = "X-Razorpay-Signature"
)

type handler struct {
	svc      Service
	validate *validator.Validate
	maxBody  int64
}

// NewRouter builds the application router. metrics may be nil, in which case
// /metrics is not mounted.
func NewRouter(cfg Config, svc Service, logger zerolog.Logger, metrics http.Handler) http.Handler {
	h := &handler{
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		maxBody:  cfg.MaxBodyBytes,
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxBody
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	rps, burst := cfg.FloodRPS, cfg.FloodBurst
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	flood := NewFloodGuard(rate.Limit(rps), burst)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestContext)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", signatureHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, messageEnvelope{Message: "ok"})
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(flood.Limit)

		r.Post("/otc/send", h.sendCode)
		r.Post("/otc/verify", h.verifyCode)
		r.Post("/payments/webhook", h.webhook)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireTicket(svc))

			r.Post("/payments/initiate", h.initiatePayment)
			r.Post("/payments/confirm", h.confirmPayment)
			r.Get("/payments/status", h.paymentStatus)
		})
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			evt := logger.Info()
			if status >= http.StatusInternalServerError {
				evt = logger.Error()
			}
			evt.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
