package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/marketplace/internal/domain"
)

func TestDependencyHealthRepositoryAggregatesStatus(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return nil }},
		{Name: "pubsub", Check: func(context.Context) error { return errors.New("topic missing") }},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if report.Checks["pubsub"].Detail != "topic missing" {
		t.Fatalf("unexpected detail: %+v", report.Checks["pubsub"])
	}
	if report.Checks["firestore"].Status != domain.HealthStatusOK {
		t.Fatalf("expected firestore ok, got %+v", report.Checks["firestore"])
	}
}

func TestDependencyHealthRepositoryTimeout(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "slow", Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error status, got %s", report.Status)
	}
	if report.Checks["slow"].Detail != "timeout" {
		t.Fatalf("expected timeout detail, got %q", report.Checks["slow"].Detail)
	}
}

func TestNewDependencyHealthRepositoryValidates(t *testing.T) {
	if _, err := NewDependencyHealthRepository(nil, nil); err == nil {
		t.Fatal("expected error for empty checks")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: "x"}}, nil); err == nil {
		t.Fatal("expected error for missing check func")
	}
}
