package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"renderbus/internal/clock"
	"renderbus/internal/metrics"
	"renderbus/internal/model"
	"renderbus/internal/service"
)

// EventHandler processes one inbound event payload.
type EventHandler func(ctx context.Context, payload []byte) error

// DeadLetterStore persists events that exhausted their retries.
type DeadLetterStore interface {
	Save(ctx context.Context, subject string, payload []byte, lastError string, attempts int, at time.Time) (string, error)
}

type ConsumerConfig struct {
	RetryAttempts uint64
	RetryBase     time.Duration
}

// Consumer subscribes to the inbound event subjects and dispatches each
// message through a closed handler table. Transient failures are retried
// with exponential backoff up to the configured attempt count, then the
// event is dead-lettered with its original payload; terminal failures skip
// the retries and dead-letter immediately. Duplicates and business
// rejections are handled inside the services and come back as success.
type Consumer struct {
	nc          *nats.Conn
	bus         service.Bus
	deadLetters DeadLetterStore
	handlers    map[string]EventHandler
	cfg         ConsumerConfig
	clk         clock.Clock
	log         *zap.Logger
	met         *metrics.Metrics
	subs        []*nats.Subscription
}

func NewConsumer(nc *nats.Conn, bus service.Bus, deadLetters DeadLetterStore, router *service.Router, reconciler *service.Reconciler, cfg ConsumerConfig, clk clock.Clock, log *zap.Logger, met *metrics.Metrics) *Consumer {
	return &Consumer{
		nc:          nc,
		bus:         bus,
		deadLetters: deadLetters,
		handlers: map[string]EventHandler{
			model.SubjectJobSubmitted:  router.HandleSubmission,
			model.SubjectVideoRendered: reconciler.HandleRendered,
			model.SubjectVideoFailed:   reconciler.HandleFailed,
		},
		cfg: cfg,
		clk: clk,
		log: log.Named("consumer"),
		met: met,
	}
}

// Start subscribes to every inbound subject and blocks until ctx is
// cancelled. QueueSubscribe spreads messages across replicas: each event is
// received by one member of the group.
func (c *Consumer) Start(ctx context.Context) error {
	for subject := range c.handlers {
		sub, err := c.nc.QueueSubscribe(subject, "renderbus_workers", func(m *nats.Msg) {
			c.Process(ctx, m.Subject, m.Data)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}

	c.log.Info("event consumer running", zap.Int("subjects", len(c.handlers)))

	<-ctx.Done()
	c.log.Info("event consumer shutting down, draining subscriptions")
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	return nil
}

// Stop implements the infrastructure.Server interface.
func (c *Consumer) Stop(ctx context.Context) error {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

// Process runs one event through its handler with the retry policy. An
// unknown subject is an explicit dead letter, never a silent drop.
func (c *Consumer) Process(ctx context.Context, subject string, payload []byte) {
	c.met.EventConsumed(subject)

	handler, ok := c.handlers[subject]
	if !ok {
		c.deadLetter(ctx, subject, payload, "unknown subject", 0)
		return
	}

	backoff := retry.WithMaxRetries(c.cfg.RetryAttempts, retry.NewExponential(c.cfg.RetryBase))
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := handler(ctx, payload)
		if err == nil {
			return nil
		}
		if service.IsTerminal(err) {
			return err
		}
		c.log.Warn("event handling failed, will retry",
			zap.String("subject", subject),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		c.deadLetter(ctx, subject, payload, err.Error(), attempts)
	}
}

// deadLetter persists the event for manual replay and announces it on the
// dead-letter subject.
func (c *Consumer) deadLetter(ctx context.Context, subject string, payload []byte, reason string, attempts int) {
	c.met.DeadLetter(subject)
	c.log.Error("event dead-lettered",
		zap.String("subject", subject),
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
	)

	id, err := c.deadLetters.Save(ctx, subject, payload, reason, attempts, c.clk.Now())
	if err != nil {
		// The announcement below still carries the payload, so the event is
		// not lost even when the store is down.
		c.log.Error("dead letter persist failed", zap.Error(err))
	}

	var payloadField any = json.RawMessage(payload)
	if !json.Valid(payload) {
		payloadField = string(payload)
	}
	fields := map[string]any{
		"subject":  subject,
		"reason":   reason,
		"attempts": attempts,
		"payload":  payloadField,
		"ts":       c.clk.Now().UTC().Format(time.RFC3339),
	}
	// No id when the persist failed; replay tooling keys on it.
	if id != "" {
		fields["id"] = id
	}
	notice, err := json.Marshal(fields)
	if err != nil {
		c.log.Error("marshal dead letter notice", zap.Error(err))
		return
	}
	if err := c.bus.Publish(model.SubjectDeadLetter, notice); err != nil {
		c.log.Warn("dead letter announce failed", zap.Error(err))
	}
}
