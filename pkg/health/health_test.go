package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeCheckable struct {
	err error
}

func (f *fakeCheckable) HealthCheck(context.Context) error { return f.err }

func TestAdapterCheckerHealthy(t *testing.T) {
	checker := NewAdapterChecker("redis", &fakeCheckable{}, time.Second)

	result := checker.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", result.Status)
	}
	if result.Name != "redis" || checker.Name() != "redis" {
		t.Errorf("unexpected name %q / %q", result.Name, checker.Name())
	}
	if result.Message != "OK" {
		t.Errorf("unexpected message %q", result.Message)
	}
}

func TestAdapterCheckerUnhealthy(t *testing.T) {
	checker := NewAdapterChecker("postgres", &fakeCheckable{err: errors.New("connection refused")}, time.Second)

	result := checker.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", result.Status)
	}
	if result.Error != "connection refused" {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestAdapterCheckerDefaultTimeout(t *testing.T) {
	checker := NewAdapterChecker("redis", &fakeCheckable{}, 0)
	if checker.timeout != defaultCheckTimeout {
		t.Errorf("expected default timeout, got %v", checker.timeout)
	}
}

type slowCheckable struct{}

func (slowCheckable) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Minute):
		return nil
	}
}

func TestAdapterCheckerTimeoutApplies(t *testing.T) {
	checker := NewAdapterChecker("slow", slowCheckable{}, 50*time.Millisecond)

	result := checker.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("expected timeout to read as unhealthy, got %s", result.Status)
	}
}

func TestRegistryAggregation(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewAdapterChecker("b-store", &fakeCheckable{}, time.Second))
	registry.Register(NewAdapterChecker("a-store", &fakeCheckable{}, time.Second))

	result := registry.Check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("expected healthy aggregate, got %s", result.Status)
	}
	if len(result.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(result.Checks))
	}
	if result.Checks[0].Name != "a-store" || result.Checks[1].Name != "b-store" {
		t.Errorf("expected checks sorted by name, got %q, %q", result.Checks[0].Name, result.Checks[1].Name)
	}
}

func TestRegistryOneFailureMakesAggregateUnhealthy(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewAdapterChecker("good", &fakeCheckable{}, time.Second))
	registry.Register(NewAdapterChecker("bad", &fakeCheckable{err: errors.New("down")}, time.Second))

	result := registry.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy aggregate, got %s", result.Status)
	}
}

func TestRegistryReplacesSameName(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewAdapterChecker("store", &fakeCheckable{err: errors.New("down")}, time.Second))
	registry.Register(NewAdapterChecker("store", &fakeCheckable{}, time.Second))

	result := registry.Check(context.Background())
	if len(result.Checks) != 1 {
		t.Fatalf("expected 1 check after replacement, got %d", len(result.Checks))
	}
	if result.Status != StatusHealthy {
		t.Errorf("expected replacement checker to win, got %s", result.Status)
	}
}
