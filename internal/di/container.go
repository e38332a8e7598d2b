package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/config"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Returns     services.ReturnService
	SLA         services.SLAService
	Eligibility services.EligibilityEvaluator
	Calculator  services.SLACalculator
	Refunds     services.RefundExecutor
	System      services.SystemService
}

// Deps carries the external collaborators the container cannot build from the
// registry alone: provider gateways, publishers, and platform adapters.
type Deps struct {
	Catalog   services.ProductCatalog
	Payments  services.PaymentGateway
	Logistics services.LogisticsGateway
	Geocoder  services.Geocoder
	Events    services.NotificationPublisher
	Build     services.BuildInfo
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring supplies real
// gateways through deps, while tests can pass stubs and in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Deps) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(ctx context.Context, reg repositories.Registry, cfg config.Config, deps Deps) (Services, error) {
	var svc Services

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	eligibility, err := services.NewEligibilityEvaluator(services.EligibilityEvaluatorDeps{
		Catalog:    deps.Catalog,
		WindowDays: cfg.Returns.WindowDays,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build eligibility evaluator: %w", err)
	}
	svc.Eligibility = eligibility

	svc.Calculator = services.NewSLACalculator(services.DispatchWindow{
		StartHour: cfg.SLA.DispatchStartHour,
		EndHour:   cfg.SLA.DispatchEndHour,
	})

	slaSvc, err := services.NewSLAService(services.SLAServiceDeps{
		Orders:     reg.Orders(),
		Violations: reg.SLAViolations(),
		DealerSLAs: reg.DealerSLAs(),
		Calculator: svc.Calculator,
		Clock:      clock,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build sla service: %w", err)
	}
	svc.SLA = slaSvc

	if deps.Payments != nil {
		refunds, err := services.NewRefundExecutor(services.RefundExecutorDeps{
			Gateway: deps.Payments,
			Users:   reg.Users(),
			Logger:  deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build refund executor: %w", err)
		}
		svc.Refunds = refunds
	}

	returnsSvc, err := services.NewReturnService(services.ReturnServiceDeps{
		Returns:     reg.Returns(),
		Orders:      reg.Orders(),
		Ledger:      reg.RefundLedger(),
		Users:       reg.Users(),
		Eligibility: svc.Eligibility,
		Refunds:     svc.Refunds,
		Logistics:   deps.Logistics,
		Geocoder:    deps.Geocoder,
		UnitOfWork:  reg,
		Clock:       clock,
		Events:      deps.Events,
		Logger:      deps.Logger,
		FallbackCoordinates: services.GeoPoint{
			Latitude:  cfg.Returns.FallbackLatitude,
			Longitude: cfg.Returns.FallbackLongitude,
		},
	})
	if err != nil {
		return Services{}, fmt.Errorf("build return service: %w", err)
	}
	svc.Returns = returnsSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
