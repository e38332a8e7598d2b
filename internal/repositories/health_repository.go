package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/Digi9ReachInfoSystems/returns-api/internal/domain"
)

const defaultDependencyTimeout = 1500 * time.Millisecond

// DependencyCheck pings one upstream dependency during readiness checks.
// A zero Timeout falls back to the repository default.
type DependencyCheck struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) error
}

// DependencyHealthOption customises the dependency-backed health repository.
type DependencyHealthOption func(*dependencyHealthRepository)

// WithDependencyClock injects a custom clock primarily for tests.
func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(repo *dependencyHealthRepository) {
		if clock != nil {
			repo.now = clock
		}
	}
}

type dependencyHealthRepository struct {
	checks         []DependencyCheck
	defaultTimeout time.Duration
	now            func() time.Time
}

var _ HealthRepository = (*dependencyHealthRepository)(nil)

// NewDependencyHealthRepository constructs a HealthRepository that evaluates the provided check set.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health repository: at least one dependency check is required")
	}

	repo := &dependencyHealthRepository{
		checks:         append([]DependencyCheck(nil), checks...),
		defaultTimeout: defaultDependencyTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *dependencyHealthRepository) validateChecks() error {
	for _, check := range r.checks {
		if strings.TrimSpace(check.Name) == "" {
			return errors.New("health repository: dependency check missing name")
		}
		if check.Check == nil {
			return fmt.Errorf("health repository: dependency %s missing check function", check.Name)
		}
	}
	return nil
}

// Collect runs every dependency check concurrently and folds the results into
// a single report. The report is error when any check errored, degraded when
// any check degraded, ok otherwise.
func (r *dependencyHealthRepository) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health repository: context is required")
	}
	if err := r.validateChecks(); err != nil {
		return domain.SystemHealthReport{}, err
	}

	type namedOutcome struct {
		name    string
		outcome domain.SystemHealthCheck
	}

	outcomes := make(chan namedOutcome, len(r.checks))
	for _, check := range r.checks {
		go func(check DependencyCheck) {
			outcomes <- namedOutcome{name: check.Name, outcome: r.runCheck(ctx, check)}
		}(check)
	}

	results := make(map[string]domain.SystemHealthCheck, len(r.checks))
	for range r.checks {
		entry := <-outcomes
		results[entry.name] = entry.outcome
	}

	return domain.SystemHealthReport{
		Status:      foldCheckStatus(results),
		Checks:      results,
		GeneratedAt: r.now(),
	}, nil
}

func foldCheckStatus(results map[string]domain.SystemHealthCheck) string {
	folded := domain.HealthStatusOK
	for _, result := range results {
		switch result.Status {
		case domain.HealthStatusOK:
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			folded = domain.HealthStatusDegraded
		}
	}
	return folded
}

func (r *dependencyHealthRepository) runCheck(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	err := check.Check(checkCtx)
	end := r.now()

	status, detail := classifyCheckOutcome(err, checkCtx.Err())
	return domain.SystemHealthCheck{
		Status:     status,
		Detail:     detail,
		LatencyMS:  end.Sub(start).Milliseconds(),
		ObservedAt: end,
	}
}

func classifyCheckOutcome(err, ctxErr error) (string, string) {
	switch {
	case err == nil && ctxErr != nil:
		// Timed out without returning an error.
		return domain.HealthStatusError, ctxErr.Error()
	case err == nil:
		return domain.HealthStatusOK, "ok"
	case errors.Is(err, context.Canceled):
		return domain.HealthStatusError, "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return domain.HealthStatusError, "timeout"
	}
	return domain.HealthStatusDegraded, err.Error()
}
