package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/aidflow/aidflow/internal/aidrequest"
	"github.com/aidflow/aidflow/internal/attendance"
	"github.com/aidflow/aidflow/internal/audit"
	"github.com/aidflow/aidflow/internal/auth"
	"github.com/aidflow/aidflow/internal/cola"
	"github.com/aidflow/aidflow/internal/disbursement"
	"github.com/aidflow/aidflow/internal/enrollment"
	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/liquidation"
	"github.com/aidflow/aidflow/internal/observability"
	"github.com/aidflow/aidflow/internal/subscription"
	"github.com/aidflow/aidflow/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Tokens  *auth.Tokens
	Metrics *observability.Metrics

	AuthHandler         *auth.Handler
	EnrollmentHandler   *enrollment.Handler
	AttendanceHandler   *attendance.Handler
	ColaHandler         *cola.Handler
	FundsHandler        *funds.Handler
	AidRequestHandler   *aidrequest.Handler
	DisbursementHandler *disbursement.Handler
	LiquidationHandler  *liquidation.Handler
	PaymentHandler      *subscription.Handler
	JobHandler          *jobs.Handler
	AuditHandler        *audit.Handler
}

// NewRouter constructs the chi.Router with aidflow defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	authenticate := auth.Middleware(params.Tokens, params.Logger)
	if params.PaymentHandler != nil {
		r.Route("/payments", func(r chi.Router) {
			params.PaymentHandler.MountWebhook(r)
			r.With(authenticate).Group(params.PaymentHandler.MountRoutes)
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(authenticate)

		if params.EnrollmentHandler != nil {
			r.Route("/enrollments", params.EnrollmentHandler.MountRoutes)
		}
		if params.AttendanceHandler != nil {
			r.Route("/attendance", params.AttendanceHandler.MountRoutes)
		}
		if params.ColaHandler != nil {
			r.Route("/cola", params.ColaHandler.MountRoutes)
		}
		if params.FundsHandler != nil {
			r.Route("/fund-allocations", params.FundsHandler.MountRoutes)
		}
		if params.AidRequestHandler != nil {
			r.Route("/aid-requests", params.AidRequestHandler.MountRoutes)
		}
		r.Route("/disbursements", func(r chi.Router) {
			if params.DisbursementHandler != nil {
				params.DisbursementHandler.MountRoutes(r)
			}
			if params.LiquidationHandler != nil {
				params.LiquidationHandler.MountDisbursementRoutes(r)
			}
		})
		if params.LiquidationHandler != nil {
			r.Route("/liquidations", params.LiquidationHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/audit", params.AuditHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
