package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/Digi9ReachInfoSystems/returns-api/internal/platform/firestore"
	"github.com/Digi9ReachInfoSystems/returns-api/internal/repositories"
)

// Registry assembles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	returns       *ReturnRepository
	orders        *OrderRepository
	slaViolations *SLAViolationRepository
	dealerSLAs    *DealerSLARepository
	refundLedger  *RefundLedgerRepository
	users         *UserRepository
	dealers       *DealerRepository
	health        repositories.HealthRepository
}

// RegistryDeps carries the external dependencies the registry needs.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	Health   repositories.HealthRepository
}

// NewRegistry constructs all Firestore repositories against a shared provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	returns, err := NewReturnRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	violations, err := NewSLAViolationRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	dealerSLAs, err := NewDealerSLARepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	ledger, err := NewRefundLedgerRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	users, err := NewUserRepository(deps.Provider)
	if err != nil {
		return nil, err
	}
	dealers, err := NewDealerRepository(deps.Provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:      deps.Provider,
		returns:       returns,
		orders:        orders,
		slaViolations: violations,
		dealerSLAs:    dealerSLAs,
		refundLedger:  ledger,
		users:         users,
		dealers:       dealers,
		health:        deps.Health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Returns() repositories.ReturnRepository { return r.returns }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) SLAViolations() repositories.SLAViolationRepository { return r.slaViolations }

func (r *Registry) DealerSLAs() repositories.DealerSLARepository { return r.dealerSLAs }

func (r *Registry) RefundLedger() repositories.RefundLedgerRepository { return r.refundLedger }

func (r *Registry) Users() repositories.UserRepository { return r.users }

func (r *Registry) Dealers() repositories.DealerRepository { return r.dealers }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn sequentially. Firestore writes issued by the
// repositories are individually atomic and the lifecycle-critical ones are
// already conditional (slot creates, status re-read guards), so the grouping
// is advisory rather than a cross-document transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return fn(ctx)
}

var _ repositories.Registry = (*Registry)(nil)
