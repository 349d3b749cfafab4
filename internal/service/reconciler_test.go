package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"renderbus/internal/clock"
	"renderbus/internal/model"
	"renderbus/internal/service"
	"renderbus/internal/service/servicetest"
)

type reconcilerFixture struct {
	jobs       *servicetest.JobStore
	credits    *servicetest.CreditStore
	bus        *servicetest.Bus
	clk        *clock.FakeClock
	reconciler *service.Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	jobs := servicetest.NewJobStore()
	credits := servicetest.NewCreditStore(jobs)
	bus := servicetest.NewBus()
	clk := clock.NewFakeClock(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC))
	pricing := service.NewPricing(10, map[string]int64{"wan-i2v": 10})
	return &reconcilerFixture{
		jobs:       jobs,
		credits:    credits,
		bus:        bus,
		clk:        clk,
		reconciler: service.NewReconciler(jobs, credits, bus, pricing, 5000, clk, zap.NewNop(), nil),
	}
}

func (f *reconcilerFixture) seedRoutedJob(t *testing.T, jobID, userID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.jobs.Ensure(ctx, jobID, userID, []byte(`{}`), f.clk.Now()))
	require.NoError(t, f.jobs.MarkRouted(ctx, jobID, "fal", "wan-i2v", "provider.fal", f.clk.Now()))
}

func renderedPayload(t *testing.T, jobID, userID string, seconds int, mdl string) []byte {
	t.Helper()
	data, err := json.Marshal(model.RenderCompleted{JobID: jobID, UserID: userID, Seconds: seconds, Model: mdl})
	require.NoError(t, err)
	return data
}

func TestHandleRenderedDebitsBalance(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.credits.CreateAccount(ctx, "u1", 10000))
	f.seedRoutedJob(t, "j1", "u1")

	require.NoError(t, f.reconciler.HandleRendered(ctx, renderedPayload(t, "j1", "u1", 10, "wan-i2v")))

	balance, err := f.credits.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9900), balance)

	entry, ok := f.credits.Entry(model.LedgerID("j1", model.OpDebit))
	require.True(t, ok)
	assert.Equal(t, int64(-100), entry.AmountCents)
	assert.Equal(t, model.EntryDebit, entry.Type)
	assert.False(t, entry.Anomaly)
	assert.Equal(t, "Video generation - 10s @ wan-i2v", entry.Description)

	// The debit does not settle immediately: a late failure event must still
	// be able to refund, so promotion to RECONCILED is the scanner's job.
	job, err := f.jobs.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDebited, job.Status)
}

func TestHandleRenderedReplayIsNoOp(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.credits.CreateAccount(ctx, "u1", 10000))
	f.seedRoutedJob(t, "j1", "u1")
	payload := renderedPayload(t, "j1", "u1", 10, "wan-i2v")

	require.NoError(t, f.reconciler.HandleRendered(ctx, payload))
	require.NoError(t, f.reconciler.HandleRendered(ctx, payload))
	require.NoError(t, f.reconciler.HandleRendered(ctx, payload))

	balance, err := f.credits.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9900), balance)
	assert.Equal(t, 1, f.credits.EntryCount("j1"))
}

func TestHandleRenderedInsufficientFunds(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.credits.CreateAccount(ctx, "u1", 50))
	f.seedRoutedJob(t, "j1", "u1")

	require.NoError(t, f.reconciler.HandleRendered(ctx, renderedPayload(t, "j1", "u1", 10, "wan-i2v")))

	// Nothing applied, nothing clamped.
	balance, err := f.credits.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
	assert.Equal(t, 0, f.credits.EntryCount("j1"))

	rejected := f.bus.Published(model.SubjectJobRejected)
	require.Len(t, rejected, 1)
	var ev model.RejectedEvent
	require.NoError(t, json.Unmarshal(rejected[0].Data, &ev))
	assert.Equal(t, "insufficient_funds", ev.Reason)
}

func TestHandleRenderedUnknownAccountIsTerminal(t *testing.T) {
	f := newReconcilerFixture(t)
	f.seedRoutedJob(t, "j1", "ghost")

	err := f.reconciler.HandleRendered(context.Background(), renderedPayload(t, "j1", "ghost", 10, "wan-i2v"))
	require.Error(t, err)
	assert.True(t, service.IsTerminal(err))
}

func TestHandleRenderedInvalidEventIsTerminal(t *testing.T) {
	f := newReconcilerFixture(t)

	for name, payload := range map[string][]byte{
		"garbage":      []byte("garbage"),
		"no job id":    renderedPayload(t, "", "u1", 10, ""),
		"zero seconds": renderedPayload(t, "j1", "u1", 0, ""),
	} {
		err := f.reconciler.HandleRendered(context.Background(), payload)
		require.Error(t, err, name)
		assert.True(t, service.IsTerminal(err), name)
	}
}

func TestHandleRenderedFlagsAnomaly(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.credits.CreateAccount(ctx, "u1", 100000))
	f.seedRoutedJob(t, "j1", "u1")

	// 600s at 10c/s = 6000c, over both the cost and duration thresholds.
	// The debit still applies; the entry is only flagged.
	require.NoError(t, f.reconciler.HandleRendered(ctx, renderedPayload(t, "j1", "u1", 600, "wan-i2v")))

	entry, ok := f.credits.Entry(model.LedgerID("j1", model.OpDebit))
	require.True(t, ok)
	assert.True(t, entry.Anomaly)
	assert.Equal(t, int64(-6000), entry.AmountCents)

	balance, err := f.credits.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(94000), balance)
}

func TestHandleFailedRefundsDebit(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.credits.CreateAccount(ctx, "u1", 10000))
	f.seedRoutedJob(t, "j1", "u1")
	require.NoError(t, f.reconciler.HandleRendered(ctx, renderedPayload(t, "j1", "u1", 10, "wan-i2v")))

	failed, err := json.Marshal(model.RenderFailed{JobID: "j1", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, f.reconciler.HandleFailed(ctx, failed))

	balance, err := f.credits.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance)

	entry, ok := f.credits.Entry(model.LedgerID("j1", model.OpRefund))
	require.True(t, ok)
	assert.Equal(t, int64(100), entry.AmountCents)
	assert.Equal(t, model.EntryCredit, entry.Type)

	// Debit and refund entries both survive for the audit trail.
	assert.Equal(t, 2, f.credits.EntryCount("j1"))

	// A refund is final, so the job settles immediately.
	job, err := f.jobs.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReconciled, job.Status)
}

func TestHandleFailedReplayIsNoOp(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.credits.CreateAccount(ctx, "u1", 10000))
	f.seedRoutedJob(t, "j1", "u1")
	require.NoError(t, f.reconciler.HandleRendered(ctx, renderedPayload(t, "j1", "u1", 10, "wan-i2v")))

	failed, err := json.Marshal(model.RenderFailed{JobID: "j1"})
	require.NoError(t, err)
	require.NoError(t, f.reconciler.HandleFailed(ctx, failed))
	require.NoError(t, f.reconciler.HandleFailed(ctx, failed))

	balance, err := f.credits.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance)
	assert.Equal(t, 2, f.credits.EntryCount("j1"))
}

func TestHandleFailedWithoutDebitIsNoOp(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.credits.CreateAccount(ctx, "u1", 10000))
	f.seedRoutedJob(t, "j1", "u1")

	failed, err := json.Marshal(model.RenderFailed{JobID: "j1", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, f.reconciler.HandleFailed(ctx, failed))

	balance, err := f.credits.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance)
	assert.Equal(t, 0, f.credits.EntryCount("j1"))
}

func TestHandleFailedMissingJobIDIsTerminal(t *testing.T) {
	f := newReconcilerFixture(t)

	failed, err := json.Marshal(model.RenderFailed{})
	require.NoError(t, err)
	err = f.reconciler.HandleFailed(context.Background(), failed)
	require.Error(t, err)
	assert.True(t, service.IsTerminal(err))
}

func TestDebitThenRefundOrderingViaStatuses(t *testing.T) {
	f := newReconcilerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.credits.CreateAccount(ctx, "u1", 10000))
	f.seedRoutedJob(t, "j1", "u1")

	require.NoError(t, f.reconciler.HandleRendered(ctx, renderedPayload(t, "j1", "u1", 10, "wan-i2v")))
	job, err := f.jobs.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StatusDebited, job.Status)

	failed, err := json.Marshal(model.RenderFailed{JobID: "j1"})
	require.NoError(t, err)
	require.NoError(t, f.reconciler.HandleFailed(ctx, failed))

	job, err = f.jobs.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReconciled, job.Status)

	// Replaying the rendered event after the refund touches nothing.
	require.NoError(t, f.reconciler.HandleRendered(ctx, renderedPayload(t, "j1", "u1", 10, "wan-i2v")))
	balance, err := f.credits.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), balance)
}
