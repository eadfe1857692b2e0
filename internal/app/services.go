package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-stock/internal/integration"
	"github.com/odyssey-erp/odyssey-stock/internal/inventory"
	"github.com/odyssey-erp/odyssey-stock/internal/observability"
	"github.com/odyssey-erp/odyssey-stock/internal/requisition"
	"github.com/odyssey-erp/odyssey-stock/internal/shared"
	"github.com/odyssey-erp/odyssey-stock/internal/stockcount"
)

// Services is the wired domain layer shared by the API and the worker.
type Services struct {
	Inventory    *inventory.Service
	Requisitions *requisition.Service
	StockCounts  *stockcount.Service
	Idempotency  *shared.IdempotencyStore
}

// ServiceDeps groups what NewServices needs.
type ServiceDeps struct {
	Config    *Config
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Publisher *integration.Publisher
	Stock     *observability.StockMetrics
	Logger    *slog.Logger
}

// NewServices wires repositories, recorders and publishers into the stock services.
func NewServices(deps ServiceDeps) *Services {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	auditLogger := shared.NewAuditLogger(deps.Pool)
	approvals := shared.NewApprovalRecorder(deps.Pool, logger)
	idempotency := shared.NewIdempotencyStore(deps.Pool)
	locker := shared.NewLocker(deps.Redis)
	stockMetrics := deps.Stock

	inventoryService := inventory.NewService(
		inventory.NewRepository(deps.Pool, cfg.LockNoWait),
		auditLogger,
		idempotency,
		deps.Publisher,
		inventory.ServiceConfig{
			AllowNegativeAdjustment: cfg.AllowNegativeAdjustment,
			MaxAttempts:             cfg.MaxRetries,
			ReservationTTL:          cfg.ReservationTTL,
		},
		logger,
	).WithMetrics(stockMetrics)

	requisitionService := requisition.NewService(
		requisition.NewRepository(deps.Pool, cfg.LockNoWait),
		inventoryService.Recorder(),
		inventoryService.Reservations(),
		requisition.Config{
			ReserveOnApprove: cfg.ReserveOnApprove,
			MaxAttempts:      cfg.MaxRetries,
			ReservationTTL:   cfg.ReservationTTL,
		},
		logger,
	).WithApprovals(approvals).
		WithNotifier(deps.Publisher).
		WithJournal(deps.Publisher).
		WithLocker(locker).
		WithMetrics(stockMetrics)

	stockCountService := stockcount.NewService(
		stockcount.NewRepository(deps.Pool, cfg.LockNoWait),
		inventoryService.Recorder(),
		stockcount.Config{MaxAttempts: cfg.MaxRetries, LockTTL: cfg.StockCountLockTTL},
		logger,
	).WithApprovals(approvals).
		WithNotifier(deps.Publisher).
		WithJournal(deps.Publisher).
		WithLocker(locker).
		WithMetrics(stockMetrics)

	return &Services{
		Inventory:    inventoryService,
		Requisitions: requisitionService,
		StockCounts:  stockCountService,
		Idempotency:  idempotency,
	}
}
