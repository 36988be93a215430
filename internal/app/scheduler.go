/**
 * @description
 * Cron scheduler setup for the loyalty-service background jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig holds the cron expressions for the background jobs.
type SchedulerConfig struct {
	AtRiskSweepSchedule    string
	WebhookRedriveSchedule string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.AtRiskSweepSchedule, s.jobs.SweepAtRiskStreaks); err != nil {
		s.logger.Error("failed to schedule at-risk streak sweep", "error", err)
	} else {
		s.logger.Info("scheduled at-risk streak sweep", "schedule", s.config.AtRiskSweepSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.WebhookRedriveSchedule, s.jobs.RedriveStaleWebhooks); err != nil {
		s.logger.Error("failed to schedule webhook redrive", "error", err)
	} else {
		s.logger.Info("scheduled webhook redrive", "schedule", s.config.WebhookRedriveSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
