package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/marketplace/internal/domain"
	"github.com/hanko-field/marketplace/internal/repositories"
)

// BuildInfo is the release metadata reported by /healthz and /readyz.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps wires the readiness report.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// Critical names the dependencies a purchase cannot complete without. A failing critical
	// check makes the instance unready; any other failing check only degrades it. When empty,
	// every check is critical.
	Critical []string
}

type systemService struct {
	health   repositories.HealthRepository
	clock    func() time.Time
	build    BuildInfo
	critical map[string]struct{}
}

var _ SystemService = (*systemService)(nil)

// NewSystemService builds the readiness reporter.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	var critical map[string]struct{}
	for _, name := range deps.Critical {
		if name = strings.TrimSpace(name); name != "" {
			if critical == nil {
				critical = make(map[string]struct{}, len(deps.Critical))
			}
			critical[name] = struct{}{}
		}
	}

	return &systemService{
		health:   deps.HealthRepository,
		clock:    func() time.Time { return clock().UTC() },
		build:    build,
		critical: critical,
	}, nil
}

// HealthReport probes dependencies and grades the result. Build metadata from the report wins
// over the configured BuildInfo when present.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	report.Version = firstNonBlank(report.Version, s.build.Version)
	report.CommitSHA = firstNonBlank(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonBlank(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.HealthCheck{}
	}
	report.Status = s.grade(report.Checks)
	return report, nil
}

// grade turns per-check outcomes into the overall status.
func (s *systemService) grade(checks map[string]domain.HealthCheck) string {
	status := domain.HealthStatusOK
	for name, check := range checks {
		if check.Status == domain.HealthStatusOK || check.Status == "" {
			continue
		}
		if s.isCritical(name) {
			return domain.HealthStatusError
		}
		status = domain.HealthStatusDegraded
	}
	return status
}

func (s *systemService) isCritical(name string) bool {
	if len(s.critical) == 0 {
		return true
	}
	_, ok := s.critical[name]
	return ok
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
