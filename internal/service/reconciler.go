package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"renderbus/internal/clock"
	"renderbus/internal/metrics"
	"renderbus/internal/model"
	"renderbus/internal/repository"
	"renderbus/internal/routing"
)

// Anomaly thresholds carried over from the original reconciliation rules:
// renders longer than five minutes are flagged regardless of cost.
const anomalySecondsThreshold = 300

// Reconciler turns render outcomes into credit adjustments. The ledger entry
// id doubles as the idempotency claim for debits and refunds, so the store
// transaction is the only synchronization needed.
type Reconciler struct {
	jobs    JobStore
	credits CreditStore
	bus     Bus
	pricing Pricing
	clk     clock.Clock
	log     *zap.Logger
	met     *metrics.Metrics

	anomalyCostCents int64
}

func NewReconciler(jobs JobStore, credits CreditStore, bus Bus, pricing Pricing, anomalyCostCents int64, clk clock.Clock, log *zap.Logger, met *metrics.Metrics) *Reconciler {
	return &Reconciler{
		jobs:             jobs,
		credits:          credits,
		bus:              bus,
		pricing:          pricing,
		clk:              clk,
		log:              log.Named("reconciler"),
		met:              met,
		anomalyCostCents: anomalyCostCents,
	}
}

// HandleRendered debits the user for a completed render. Replaying the same
// event is a no-op; a balance that cannot cover the cost rejects the debit
// without applying anything.
func (s *Reconciler) HandleRendered(ctx context.Context, payload []byte) error {
	var ev model.RenderCompleted
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("%w: decode rendered event: %v", ErrTerminal, err)
	}
	if ev.JobID == "" || ev.UserID == "" || ev.Seconds <= 0 {
		return fmt.Errorf("%w: rendered event missing jobId, userId or seconds", ErrTerminal)
	}

	mdl := ev.Model
	if mdl == "" {
		mdl = "default"
	}
	now := s.clk.Now()
	cost := s.pricing.CostCents(mdl, ev.Seconds)
	anomaly := s.isAnomaly(cost, ev.Seconds)
	description := fmt.Sprintf("Video generation - %ds @ %s", ev.Seconds, mdl)

	newBalance, err := s.credits.ApplyDebit(ctx, ev.JobID, ev.UserID, cost, description, anomaly, now)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrAlreadyProcessed):
		s.log.Info("job already debited", zap.String("job_id", ev.JobID))
		return nil
	case errors.Is(err, repository.ErrInsufficientFunds):
		// Business rejection: terminal, announced, never retried.
		s.met.CreditAdjustment("debit", "insufficient_funds")
		s.log.Warn("debit rejected, insufficient funds",
			zap.String("job_id", ev.JobID),
			zap.String("user_id", ev.UserID),
			zap.Int64("cost_cents", cost),
		)
		s.announceRejection(ev.JobID, routing.ReasonInsufficientFunds, now)
		return nil
	case errors.Is(err, repository.ErrAccountNotFound):
		// Dead-letter for manual replay once the account is provisioned.
		return fmt.Errorf("%w: debit %s: %v", ErrTerminal, ev.JobID, err)
	default:
		return err
	}

	if anomaly {
		s.log.Warn("anomalous render cost",
			zap.String("job_id", ev.JobID),
			zap.String("user_id", ev.UserID),
			zap.Int64("cost_cents", cost),
			zap.Int("seconds", ev.Seconds),
		)
	}

	// The job stays DEBITED for the settle window so a late video.failed can
	// still refund it; the catch-up scanner promotes it to RECONCILED.
	s.met.CreditAdjustment("debit", "applied")
	s.log.Info("credit debited",
		zap.String("job_id", ev.JobID),
		zap.String("user_id", ev.UserID),
		zap.Int64("cost_cents", cost),
		zap.Int64("remaining_cents", newBalance),
	)
	return nil
}

// HandleFailed refunds the original debit for a failed render. A job that
// was never debited has nothing to refund; a replayed refund is a no-op.
func (s *Reconciler) HandleFailed(ctx context.Context, payload []byte) error {
	var ev model.RenderFailed
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("%w: decode failed event: %v", ErrTerminal, err)
	}
	if ev.JobID == "" {
		return fmt.Errorf("%w: failed event missing jobId", ErrTerminal)
	}

	now := s.clk.Now()
	newBalance, err := s.credits.ApplyRefund(ctx, ev.JobID, now)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNoDebitFound):
		s.log.Info("no debit to refund", zap.String("job_id", ev.JobID))
		return nil
	case errors.Is(err, repository.ErrAlreadyProcessed):
		s.log.Info("job already refunded", zap.String("job_id", ev.JobID))
		return nil
	case errors.Is(err, repository.ErrAccountNotFound):
		return fmt.Errorf("%w: refund %s: %v", ErrTerminal, ev.JobID, err)
	default:
		return err
	}

	s.settle(ctx, ev.JobID, now)
	s.met.CreditAdjustment("refund", "applied")
	s.log.Info("credit refunded",
		zap.String("job_id", ev.JobID),
		zap.Int64("remaining_cents", newBalance),
	)
	return nil
}

// settle promotes the job to RECONCILED once its adjustment landed. The
// adjustment is already durable, so a failure here is left for the catch-up
// scanner to finish.
func (s *Reconciler) settle(ctx context.Context, jobID string, now time.Time) {
	if err := s.jobs.MarkReconciled(ctx, jobID, now); err != nil && !errors.Is(err, repository.ErrAlreadyProcessed) {
		s.log.Warn("settle deferred to catch-up scan", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Reconciler) isAnomaly(costCents int64, seconds int) bool {
	return costCents > s.anomalyCostCents || seconds > anomalySecondsThreshold
}

func (s *Reconciler) announceRejection(jobID, reason string, now time.Time) {
	data, err := json.Marshal(model.NewRejectedEvent(jobID, reason, now))
	if err != nil {
		s.log.Error("marshal rejected event", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := s.bus.Publish(model.SubjectJobRejected, data); err != nil {
		s.log.Warn("announce rejection failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// CreateAccount provisions a credit account for the HTTP API.
func (s *Reconciler) CreateAccount(ctx context.Context, userID string, initialCents int64) error {
	return s.credits.CreateAccount(ctx, userID, initialCents)
}

// Balance returns the user's remaining balance in cents.
func (s *Reconciler) Balance(ctx context.Context, userID string) (int64, error) {
	return s.credits.Balance(ctx, userID)
}

// Entries lists the user's ledger entries, newest first.
func (s *Reconciler) Entries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return s.credits.Entries(ctx, userID, limit)
}
