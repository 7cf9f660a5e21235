package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the reported health of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of a single health check.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Checker is implemented by health check providers.
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// AggregatedResult combines every registered check into one report. Status is
// unhealthy when any individual check failed.
type AggregatedResult struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

// Registry holds the health checks of a process.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates an empty health check registry.
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
	}
}

// Register adds a checker, replacing any previous one with the same name.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Check runs all registered checks and aggregates their results.
func (r *Registry) Check(ctx context.Context) AggregatedResult {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, checker := range r.checkers {
		checkers = append(checkers, checker)
	}
	r.mu.RUnlock()

	result := AggregatedResult{
		Status:    StatusHealthy,
		Checks:    make([]CheckResult, 0, len(checkers)),
		Timestamp: time.Now().UTC(),
	}
	for _, checker := range checkers {
		check := checker.Check(ctx)
		if check.Status != StatusHealthy {
			result.Status = StatusUnhealthy
		}
		result.Checks = append(result.Checks, check)
	}
	sort.Slice(result.Checks, func(i, j int) bool {
		return result.Checks[i].Name < result.Checks[j].Name
	})
	return result
}
