// Package service holds the business pipelines between the event bus and
// the durable store: routing of submitted jobs and reconciliation of
// credits. Transports and workers depend on these types, not on the
// concrete repositories.
package service

import (
	"context"
	"errors"
	"time"

	"renderbus/internal/model"
)

// ErrTerminal marks event failures that must not be retried: the payload or
// referenced state is unrecoverable, so redelivery would loop forever. The
// consumer dead-letters such events immediately.
var ErrTerminal = errors.New("terminal event failure")

// IsTerminal reports whether an event failure should skip retry.
func IsTerminal(err error) bool { return errors.Is(err, ErrTerminal) }

// Bus publishes messages to a subject. Announcement publishing is
// best-effort; queue dispatch failures surface to the caller.
type Bus interface {
	Publish(subject string, data []byte) error
}

// JobStore persists job records and their forward-only status transitions.
type JobStore interface {
	Ensure(ctx context.Context, jobID, userID string, payload []byte, at time.Time) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	MarkRouted(ctx context.Context, jobID, provider, mdl, queue string, at time.Time) error
	MarkRejected(ctx context.Context, jobID, reason string, at time.Time) error
	MarkReconciled(ctx context.Context, jobID string, at time.Time) error
	StuckSubmitted(ctx context.Context, olderThan time.Time, limit int) ([]model.Job, error)
	SettleCandidates(ctx context.Context, olderThan time.Time, limit int) ([]model.Job, error)
}

// ClaimStore is the idempotency claim primitive: atomic insert-if-absent on
// (jobID, opKind). Store errors fail closed.
type ClaimStore interface {
	TryClaim(ctx context.Context, jobID string, op model.OpKind) (bool, error)
}

// CreditStore applies balance adjustments paired one-to-one with ledger
// entries in a single transaction.
type CreditStore interface {
	CreateAccount(ctx context.Context, userID string, initialCents int64) error
	Balance(ctx context.Context, userID string) (int64, error)
	ApplyDebit(ctx context.Context, jobID, userID string, costCents int64, description string, anomaly bool, at time.Time) (int64, error)
	ApplyRefund(ctx context.Context, jobID string, at time.Time) (int64, error)
	Entries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)
}
