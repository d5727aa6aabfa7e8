// Package scheduler periodically fires step timeouts and escalations.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/docflow/types"
	"github.com/songzhibin97/docflow/workflow"
)

const (
	DefaultInterval    = time.Minute
	DefaultConcurrency = 8
)

// Engine is the part of workflow.Engine the scheduler drives.
type Engine interface {
	ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error)
	HandleDeadlines(ctx context.Context, instanceID uint64, now time.Time) (workflow.DeadlineReport, error)
}

// Report summarizes one scan.
type Report struct {
	Instances   int `json:"instances"`
	Timeouts    int `json:"timeouts"`
	Escalations int `json:"escalations"`
	Failures    int `json:"failures"`
}

// Scheduler scans running instances for due deadlines.
type Scheduler struct {
	engine      Engine
	interval    time.Duration
	concurrency int
	clock       func() time.Time
	logger      *zap.Logger
	metrics     *metrics
}

type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithConcurrency bounds how many instances are checked at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithRegisterer registers the scheduler metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Scheduler) { s.metrics = newMetrics(reg) }
}

// New creates a scheduler for engine.
func New(engine Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:      engine,
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
		clock:       time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(nil)
	}
	return s
}

// Run scans on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Scan(ctx, s.clock()); err != nil && ctx.Err() == nil {
				s.logger.Error("deadline scan failed", zap.Error(err))
			}
		}
	}
}

// Scan checks every active instance against now. A failing instance is
// logged and counted; it does not stop the scan.
func (s *Scheduler) Scan(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	defer func() { s.metrics.scanDuration.Observe(time.Since(start).Seconds()) }()

	instances, err := s.engine.ListActiveInstances(ctx)
	if err != nil {
		s.metrics.scans.WithLabelValues("error").Inc()
		return Report{}, err
	}

	var (
		mu     sync.Mutex
		report = Report{Instances: len(instances)}
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, inst := range instances {
		if inst.Status != types.StatusInProgress {
			continue
		}
		id := inst.ID
		g.Go(func() error {
			r, err := s.engine.HandleDeadlines(gCtx, id, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, workflow.ErrEngineStopped) {
					return err
				}
				report.Failures++
				s.logger.Warn("deadline check failed", zap.Uint64("instance_id", id), zap.Error(err))
				return nil
			}
			report.Timeouts += r.Timeouts
			report.Escalations += r.Escalations
			return nil
		})
	}
	err = g.Wait()

	s.metrics.instances.Set(float64(report.Instances))
	s.metrics.fired.WithLabelValues("timeout").Add(float64(report.Timeouts))
	s.metrics.fired.WithLabelValues("escalation").Add(float64(report.Escalations))
	s.metrics.failures.Add(float64(report.Failures))
	if err != nil {
		s.metrics.scans.WithLabelValues("error").Inc()
		return report, err
	}
	s.metrics.scans.WithLabelValues("ok").Inc()
	if report.Timeouts > 0 || report.Escalations > 0 || report.Failures > 0 {
		s.logger.Info("deadline scan",
			zap.Int("instances", report.Instances),
			zap.Int("timeouts", report.Timeouts),
			zap.Int("escalations", report.Escalations),
			zap.Int("failures", report.Failures))
	}
	return report, nil
}
