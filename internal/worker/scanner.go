// Package worker contains the timer-driven catch-up scanner. It re-drives
// work that a crashed or failed invocation left behind, using the same
// idempotent paths as live event processing, so running it concurrently
// with the consumers is safe.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"renderbus/internal/clock"
	"renderbus/internal/metrics"
	"renderbus/internal/model"
	"renderbus/internal/repository"
	"renderbus/internal/service"
)

// SubmissionHandler re-processes a raw submission payload. Satisfied by
// *service.Router.
type SubmissionHandler interface {
	HandleSubmission(ctx context.Context, payload []byte) error
}

// DeadLetterPurger removes dead letters past the retention horizon.
type DeadLetterPurger interface {
	PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error)
}

type ScannerConfig struct {
	Interval       time.Duration
	StuckThreshold time.Duration
	SettleDelay    time.Duration
	BatchSize      int
	DLQRetention   time.Duration
}

// Scanner periodically sweeps for jobs stuck in SUBMITTED, settles finished
// adjustments, and purges expired dead letters.
type Scanner struct {
	cfg         ScannerConfig
	jobs        service.JobStore
	router      SubmissionHandler
	deadLetters DeadLetterPurger
	clk         clock.Clock
	log         *zap.Logger
	met         *metrics.Metrics
}

func NewScanner(cfg ScannerConfig, jobs service.JobStore, router SubmissionHandler, deadLetters DeadLetterPurger, clk clock.Clock, log *zap.Logger, met *metrics.Metrics) *Scanner {
	return &Scanner{
		cfg:         cfg,
		jobs:        jobs,
		router:      router,
		deadLetters: deadLetters,
		clk:         clk,
		log:         log.Named("scanner"),
		met:         met,
	}
}

// Start implements the infrastructure.Server interface: run a scan every
// interval until the context is cancelled.
func (s *Scanner) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("catch-up scanner running", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop implements the infrastructure.Server interface (shutdown is via ctx).
func (s *Scanner) Stop(ctx context.Context) error { return nil }

// ScanReport summarises one catch-up pass.
type ScanReport struct {
	Redriven int
	Settled  int
	Purged   int64
}

// RunOnce performs a single scan pass.
func (s *Scanner) RunOnce(ctx context.Context) ScanReport {
	start := s.clk.Now()

	report := ScanReport{
		Redriven: s.redriveStuck(ctx),
		Settled:  s.settleFinished(ctx),
		Purged:   s.purgeDeadLetters(ctx),
	}

	elapsed := s.clk.Now().Sub(start)
	s.met.ScanCompleted(elapsed.Seconds())
	s.log.Info("catch-up scan completed",
		zap.Int("redriven", report.Redriven),
		zap.Int("settled", report.Settled),
		zap.Int64("dead_letters_purged", report.Purged),
	)
	return report
}

// redriveStuck replays jobs still SUBMITTED beyond the threshold through the
// live routing path. The idempotency claim makes a race with a concurrent
// live delivery harmless. Only replays that actually moved the job count as
// redriven; a replay the claim path ignored is logged as such instead.
func (s *Scanner) redriveStuck(ctx context.Context) int {
	cutoff := s.clk.Now().Add(-s.cfg.StuckThreshold)
	jobs, err := s.jobs.StuckSubmitted(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("stuck job scan failed", zap.Error(err))
		return 0
	}

	redriven := 0
	for _, job := range jobs {
		if len(job.Payload) == 0 {
			s.log.Warn("stuck job has no payload to replay", zap.String("job_id", job.JobID))
			continue
		}
		if err := s.router.HandleSubmission(ctx, job.Payload); err != nil {
			s.log.Warn("redrive failed, will retry next scan",
				zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		after, err := s.jobs.Get(ctx, job.JobID)
		if err != nil || after.Status == model.StatusSubmitted {
			s.log.Warn("redrive left job unchanged", zap.String("job_id", job.JobID))
			continue
		}
		redriven++
	}
	return redriven
}

// settleFinished promotes debited and refunded jobs to RECONCILED once the
// settle window has passed.
func (s *Scanner) settleFinished(ctx context.Context) int {
	cutoff := s.clk.Now().Add(-s.cfg.SettleDelay)
	jobs, err := s.jobs.SettleCandidates(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.log.Error("settle scan failed", zap.Error(err))
		return 0
	}

	settled := 0
	for _, job := range jobs {
		if err := s.jobs.MarkReconciled(ctx, job.JobID, s.clk.Now()); err != nil {
			if errors.Is(err, repository.ErrAlreadyProcessed) {
				continue
			}
			s.log.Warn("settle failed", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}
		settled++
	}
	return settled
}

func (s *Scanner) purgeDeadLetters(ctx context.Context) int64 {
	horizon := s.clk.Now().Add(-s.cfg.DLQRetention)
	purged, err := s.deadLetters.PurgeExpired(ctx, horizon)
	if err != nil {
		s.log.Error("dead letter purge failed", zap.Error(err))
		return 0
	}
	return purged
}
