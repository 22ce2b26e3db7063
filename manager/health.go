package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultHealthSchedule    = "@every 30s"
	defaultHealthProbeWindow = 15 * time.Second
)

// healthScheduleParser accepts standard five-field cron expressions plus
// descriptors like "@every 30s".
var healthScheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// HealthSchedulerConfig controls periodic health probing of the managed
// server process.
type HealthSchedulerConfig struct {
	Manager      *Manager
	Schedule     string
	ProbeTimeout time.Duration
	Logger       *slog.Logger
	OnReport     func(HealthReport)
}

// HealthScheduler probes the server process on a cron schedule. Probes go
// through the manager, so a failing probe is handled exactly like a
// failing call: the session is retired and restart kicks in.
type HealthScheduler struct {
	manager      *Manager
	probeTimeout time.Duration
	logger       *slog.Logger
	onReport     func(HealthReport)
	runner       *cron.Cron
}

// NewHealthScheduler creates a scheduler from a cron expression or
// descriptor. An empty schedule defaults to "@every 30s".
func NewHealthScheduler(cfg HealthSchedulerConfig) (*HealthScheduler, error) {
	if cfg.Manager == nil {
		return nil, errors.New("manager: health scheduler manager is nil")
	}

	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		expr = defaultHealthSchedule
	}
	schedule, err := healthScheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("manager: invalid health schedule %q: %w", expr, err)
	}

	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultHealthProbeWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OnReport == nil {
		cfg.OnReport = func(HealthReport) {}
	}

	s := &HealthScheduler{
		manager:      cfg.Manager,
		probeTimeout: cfg.ProbeTimeout,
		logger:       cfg.Logger,
		onReport:     cfg.OnReport,
	}

	runner := cron.New(cron.WithParser(healthScheduleParser))
	runner.Schedule(schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout)
		defer cancel()
		s.Probe(ctx)
	}))
	s.runner = runner

	return s, nil
}

// Start begins background probing.
func (s *HealthScheduler) Start() {
	s.runner.Start()
}

// Stop halts probing and waits for a running probe to finish.
func (s *HealthScheduler) Stop(ctx context.Context) error {
	stopped := s.runner.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Probe runs one health evaluation and records the report.
func (s *HealthScheduler) Probe(ctx context.Context) HealthReport {
	started := time.Now()
	_, err := s.manager.ListTools(ctx)

	report := HealthReport{
		State:     s.manager.Snapshot().State,
		LatencyMS: time.Since(started).Milliseconds(),
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		report.Error = err.Error()
		s.logger.Warn("health probe failed",
			"state", report.State,
			"error", err)
	}

	s.manager.RecordHealth(report)
	s.manager.observer.ObserveHealth(HealthObservation{
		State:      report.State,
		ErrorCode:  ErrorCode(err),
		DurationMS: report.LatencyMS,
	})
	s.onReport(report)
	return report
}
