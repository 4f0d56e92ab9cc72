package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Maintenance periodically takes back stalled jobs, removes old finished
// jobs and refreshes the queue depth gauges.
type Maintenance struct {
	orchestrator *Orchestrator
	retention    time.Duration
	stallTimeout time.Duration
	timeout      time.Duration
	logger       *zap.Logger
	cron         *cron.Cron
}

// MaintenanceOptions configures a Maintenance.
type MaintenanceOptions struct {
	// Schedule is a cron spec such as "@every 10m" or "*/5 * * * *".
	Schedule string
	// Retention is how long finished jobs are kept.
	Retention time.Duration
	// StallTimeout is how long a job may stay active before it is taken
	// back. Zero disables the check.
	StallTimeout time.Duration
	Logger       *zap.Logger
}

// NewMaintenance schedules the passes on o.
func NewMaintenance(o *Orchestrator, opts MaintenanceOptions) (*Maintenance, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := &Maintenance{
		orchestrator: o,
		retention:    opts.Retention,
		stallTimeout: opts.StallTimeout,
		timeout:      30 * time.Second,
		logger:       opts.Logger.Named("queue_maintenance"),
		cron:         cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := m.cron.AddFunc(opts.Schedule, m.RunOnce); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins the schedule.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info("queue maintenance scheduled",
		zap.Duration("retention", m.retention),
		zap.Duration("stall_timeout", m.stallTimeout),
	)
}

// Close halts the schedule and waits for a running pass or ctx.
func (m *Maintenance) Close(ctx context.Context) error {
	stopped := m.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one pass.
func (m *Maintenance) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if m.stallTimeout > 0 {
		moved, err := m.orchestrator.RequeueStalled(ctx, m.stallTimeout)
		if err != nil {
			m.logger.Warn("stalled job check failed", zap.Error(err))
		}
		if moved > 0 {
			m.logger.Warn("took back stalled jobs", zap.Int64("count", moved))
		}
	}

	removed, err := m.orchestrator.Clean(ctx, m.retention)
	if err != nil {
		m.logger.Warn("queue clean failed", zap.Error(err))
	}
	if removed > 0 {
		m.logger.Info("removed finished jobs", zap.Int64("count", removed))
	}

	for _, name := range m.orchestrator.Queues() {
		counts, err := m.orchestrator.GetQueueHealth(ctx, name)
		if err != nil {
			m.logger.Warn("queue health check failed", zap.String("queue", name), zap.Error(err))
			continue
		}
		m.logger.Debug("queue health",
			zap.String("queue", name),
			zap.Int64("waiting", counts.Waiting),
			zap.Int64("active", counts.Active),
			zap.Int64("delayed", counts.Delayed),
			zap.Int64("failed", counts.Failed),
		)
	}
}
