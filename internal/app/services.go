package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/aidflow/aidflow/internal/aidrequest"
	"github.com/aidflow/aidflow/internal/attendance"
	"github.com/aidflow/aidflow/internal/audit"
	"github.com/aidflow/aidflow/internal/cola"
	"github.com/aidflow/aidflow/internal/directory"
	"github.com/aidflow/aidflow/internal/disbursement"
	"github.com/aidflow/aidflow/internal/enrollment"
	"github.com/aidflow/aidflow/internal/funds"
	"github.com/aidflow/aidflow/internal/liquidation"
	"github.com/aidflow/aidflow/internal/shared"
	"github.com/aidflow/aidflow/internal/subscription"
)

// ServiceDeps are the process-level collaborators shared by every workflow.
type ServiceDeps struct {
	Config      *Config
	Logger      *slog.Logger
	Pool        *pgxpool.Pool
	Redis       redis.UniversalClient
	Notifier    shared.NotificationPort
	Events      attendance.EventPublisher
	Transitions shared.TransitionPort
}

// Services holds the wired workflows used by the API server and the worker.
type Services struct {
	Directory    *directory.Service
	Enrollment   *enrollment.Service
	Attendance   *attendance.Service
	Cola         *cola.Service
	Funds        *funds.Service
	AidRequests  *aidrequest.Service
	Disbursement *disbursement.Service
	Liquidation  *liquidation.Service
	Payments     *subscription.Service
	Approvals    *shared.ApprovalRecorder
	Idempotency  *shared.IdempotencyStore
	Audit        *audit.Service
}

// NewServices wires repositories, the effects dispatcher and every workflow service.
func NewServices(deps ServiceDeps) *Services {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	approvals := shared.NewApprovalRecorder(deps.Pool, logger)
	dispatcher := shared.NewDispatcher(deps.Notifier, shared.NewAuditLogger(deps.Pool), approvals, logger)
	if deps.Transitions != nil {
		dispatcher = dispatcher.WithTransitions(deps.Transitions)
	}

	dir := directory.NewService(directory.NewRepository(deps.Pool))
	enrollmentSvc := enrollment.NewService(enrollment.NewRepository(deps.Pool), dir, dispatcher)
	attendanceSvc := attendance.NewService(attendance.NewRepository(deps.Pool), dir, deps.Events, dispatcher, logger)
	calc := cola.NewCalculator(attendanceSvc)
	fundsSvc := funds.NewService(funds.NewRepository(deps.Pool), dispatcher)

	aidRepo := aidrequest.NewRepository(deps.Pool)
	aidSvc := aidrequest.NewService(aidRepo, dir, enrollmentSvc, calc, shared.NewRedisLocker(deps.Redis), dispatcher, logger)
	if deps.Config != nil && deps.Config.ColaRecomputeLockTTL > 0 {
		aidSvc = aidSvc.WithLockTTL(deps.Config.ColaRecomputeLockTTL)
	}

	disbRepo := disbursement.NewRepository(deps.Pool)
	return &Services{
		Directory:    dir,
		Enrollment:   enrollmentSvc,
		Attendance:   attendanceSvc,
		Cola:         cola.NewService(calc, enrollmentSvc, dir, dispatcher),
		Funds:        fundsSvc,
		AidRequests:  aidSvc,
		Disbursement: disbursement.NewService(disbRepo, aidRepo, fundsSvc, dir, enrollmentSvc, dispatcher, logger),
		Liquidation:  liquidation.NewService(liquidation.NewRepository(deps.Pool), disbRepo, dir, dispatcher, logger),
		Payments:     subscription.NewService(subscription.NewRepository(deps.Pool), dispatcher, logger),
		Approvals:    approvals,
		Idempotency:  shared.NewIdempotencyStore(deps.Pool),
		Audit:        audit.NewService(audit.NewRepository(deps.Pool)),
	}
}
