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

// Router drives a submitted job through claim, rule evaluation, dispatch,
// and announcement. Every step tolerates redelivery: the claim decides who
// processes the job, and an invocation that claimed but crashed or failed
// before recording a terminal routing status is resumed on the next
// delivery, at the dispatch or the rejection step as the decision implies.
type Router struct {
	jobs   JobStore
	claims ClaimStore
	bus    Bus
	clk    clock.Clock
	log    *zap.Logger
	met    *metrics.Metrics
}

func NewRouter(jobs JobStore, claims ClaimStore, bus Bus, clk clock.Clock, log *zap.Logger, met *metrics.Metrics) *Router {
	return &Router{
		jobs:   jobs,
		claims: claims,
		bus:    bus,
		clk:    clk,
		log:    log.Named("router"),
		met:    met,
	}
}

// HandleSubmission processes one video.job.submitted payload. The raw bytes
// are kept as the replay unit so the catch-up scanner re-drives a stuck job
// through exactly this path.
func (s *Router) HandleSubmission(ctx context.Context, payload []byte) error {
	var sub model.JobSubmission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return fmt.Errorf("%w: decode submission: %v", ErrTerminal, err)
	}

	now := s.clk.Now()
	decision := routing.Evaluate(sub)

	// Validation can fail before we even have a job id; the rejection is
	// still announced so the caller's event stream sees the failure.
	if sub.JobID == "" {
		s.announceRejection("unknown", decision.Reason, now)
		s.met.RoutingAttempt("none", "rejected")
		return nil
	}

	if err := s.jobs.Ensure(ctx, sub.JobID, sub.UserID, payload, now); err != nil {
		return err
	}

	claimed, err := s.claims.TryClaim(ctx, sub.JobID, model.OpRoute)
	if err != nil {
		// Fail closed: no side effect without a claim decision.
		return err
	}
	if !claimed {
		resume, err := s.shouldResume(ctx, sub.JobID)
		if err != nil {
			return err
		}
		if !resume {
			s.log.Info("duplicate delivery ignored", zap.String("job_id", sub.JobID))
			return nil
		}
		s.log.Info("resuming after partial processing", zap.String("job_id", sub.JobID))
	}

	if decision.Rejected() {
		return s.reject(ctx, sub.JobID, decision.Reason, now)
	}

	return s.dispatch(ctx, sub.JobID, decision, payload, now)
}

// shouldResume decides what losing the claim means. A claim held by a
// finished invocation leaves the job routed or rejected; a claim held by a
// crashed or partially-failed one leaves it SUBMITTED with no dispatch
// confirmation, and that case is resumed at whatever step the decision
// implies, dispatch or rejection.
func (s *Router) shouldResume(ctx context.Context, jobID string) (bool, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	return job.Status == model.StatusSubmitted && job.DispatchedAt == nil, nil
}

func (s *Router) dispatch(ctx context.Context, jobID string, decision routing.Decision, payload []byte, now time.Time) error {
	queue := model.ProviderQueueSubject(decision.Provider)

	if err := s.bus.Publish(queue, payload); err != nil {
		// The job stays SUBMITTED so redelivery resumes from here. The
		// failure is still announced on the rejection stream: callers get
		// one failure channel, not two.
		s.announceRejection(jobID, routing.ReasonQueueError+":"+err.Error(), now)
		s.met.RoutingAttempt(decision.Provider, "queue_error")
		return fmt.Errorf("dispatch %s to %s: %w", jobID, queue, err)
	}

	if err := s.jobs.MarkRouted(ctx, jobID, decision.Provider, decision.Model, queue, now); err != nil {
		if errors.Is(err, repository.ErrAlreadyProcessed) {
			return nil
		}
		return err
	}

	s.announceRouted(jobID, decision, queue, now)
	s.met.RoutingAttempt(decision.Provider, "routed")
	s.log.Info("job routed",
		zap.String("job_id", jobID),
		zap.String("provider", decision.Provider),
		zap.String("model", decision.Model),
		zap.String("queue", queue),
	)
	return nil
}

func (s *Router) reject(ctx context.Context, jobID, reason string, now time.Time) error {
	if err := s.jobs.MarkRejected(ctx, jobID, reason, now); err != nil {
		if !errors.Is(err, repository.ErrAlreadyProcessed) {
			return err
		}
		// Already terminal; don't announce again.
		return nil
	}
	s.announceRejection(jobID, reason, now)
	s.met.RoutingAttempt("none", "rejected")
	s.log.Info("job rejected", zap.String("job_id", jobID), zap.String("reason", reason))
	return nil
}

// announceRouted publishes the routed event. Announcements are advisory:
// the persisted decision is the source of truth, so a publish failure is
// logged and not rolled back.
func (s *Router) announceRouted(jobID string, decision routing.Decision, queue string, now time.Time) {
	data, err := json.Marshal(model.NewRoutedEvent(jobID, decision.Provider, decision.Model, queue, now))
	if err != nil {
		s.log.Error("marshal routed event", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := s.bus.Publish(model.SubjectJobRouted, data); err != nil {
		s.log.Warn("announce routed failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Router) announceRejection(jobID, reason string, now time.Time) {
	data, err := json.Marshal(model.NewRejectedEvent(jobID, reason, now))
	if err != nil {
		s.log.Error("marshal rejected event", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := s.bus.Publish(model.SubjectJobRejected, data); err != nil {
		s.log.Warn("announce rejection failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Job returns the current job record for the HTTP API.
func (s *Router) Job(ctx context.Context, jobID string) (*model.Job, error) {
	return s.jobs.Get(ctx, jobID)
}
