package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"renderbus/internal/model"
)

// CreditRepo stores credit accounts and their ledger. Every balance change
// happens in one transaction with its ledger entry, keyed by the
// deterministic ledger id, so a replayed event can never post twice or leave
// the balance and the ledger out of step.
//
// Redis mirrors the balance for cheap reads; Postgres stays authoritative
// and the cache is re-warmed from it on a miss.
type CreditRepo struct {
	dbPool      *pgxpool.Pool
	redisClient *redis.Client
	log         *zap.Logger
}

func NewCreditRepo(db *pgxpool.Pool, rdb *redis.Client, log *zap.Logger) *CreditRepo {
	return &CreditRepo{
		dbPool:      db,
		redisClient: rdb,
		log:         log.Named("credits"),
	}
}

func balanceCacheKey(userID string) string {
	return "balance:" + userID
}

// CreateAccount provisions a credit account with an initial balance.
func (r *CreditRepo) CreateAccount(ctx context.Context, userID string, initialCents int64) error {
	if initialCents < 0 {
		return fmt.Errorf("initial balance must not be negative")
	}
	tag, err := r.dbPool.Exec(ctx,
		`INSERT INTO credit_accounts (user_id, balance_cents, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, initialCents,
	)
	if err != nil {
		return fmt.Errorf("create account %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyProcessed
	}
	r.cacheBalance(ctx, userID, initialCents)
	return nil
}

// Balance returns the account balance, serving from Redis when warm and
// falling back to Postgres on a cold start.
func (r *CreditRepo) Balance(ctx context.Context, userID string) (int64, error) {
	if r.redisClient != nil {
		cached, err := r.redisClient.Get(ctx, balanceCacheKey(userID)).Int64()
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, redis.Nil) {
			r.log.Warn("balance cache read failed", zap.String("user_id", userID), zap.Error(err))
		}
	}

	var balance int64
	err := r.dbPool.QueryRow(ctx,
		`SELECT balance_cents FROM credit_accounts WHERE user_id = $1`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("read balance %s: %w", userID, err)
	}

	r.cacheBalance(ctx, userID, balance)
	return balance, nil
}

// ApplyDebit posts a debit of costCents for a rendered job. The ledger
// insert, the conditional balance decrement, and the job transition commit
// or roll back together. A duplicate event returns ErrAlreadyProcessed; a
// balance that cannot cover the cost returns ErrInsufficientFunds with
// nothing applied.
func (r *CreditRepo) ApplyDebit(ctx context.Context, jobID, userID string, costCents int64, description string, anomaly bool, at time.Time) (int64, error) {
	if costCents <= 0 {
		return 0, fmt.Errorf("debit cost must be positive, got %d", costCents)
	}

	tx, err := r.dbPool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin debit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ledgerID := model.LedgerID(jobID, model.OpDebit)
	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (ledger_id, user_id, job_id, amount_cents, entry_type, anomaly, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (ledger_id) DO NOTHING`,
		ledgerID, userID, jobID, -costCents, string(model.EntryDebit), anomaly, description, at,
	)
	if err != nil {
		return 0, fmt.Errorf("insert debit entry %s: %w", ledgerID, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrAlreadyProcessed
	}

	var newBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE credit_accounts
		 SET balance_cents = balance_cents - $2, updated_at = $3
		 WHERE user_id = $1 AND balance_cents >= $2
		 RETURNING balance_cents`,
		userID, costCents, at,
	).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Rolling back also releases the ledger insert, so the event can
			// be inspected and replayed once the account is topped up.
			if exists, checkErr := r.accountExists(ctx, userID); checkErr == nil && !exists {
				return 0, ErrAccountNotFound
			}
			return 0, ErrInsufficientFunds
		}
		return 0, fmt.Errorf("debit balance %s: %w", userID, err)
	}

	if err := transitionJobTx(ctx, tx, jobID, model.StatusDebited, at); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit debit %s: %w", ledgerID, err)
	}

	r.cacheBalance(ctx, userID, newBalance)
	return newBalance, nil
}

// ApplyRefund reverses the job's original debit. The refund amount is taken
// from the debit entry, so the pair always nets to zero. Missing debit means
// there is nothing to refund; a duplicate refund is ErrAlreadyProcessed.
func (r *CreditRepo) ApplyRefund(ctx context.Context, jobID string, at time.Time) (int64, error) {
	tx, err := r.dbPool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin refund tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		userID     string
		debitCents int64
	)
	err = tx.QueryRow(ctx,
		`SELECT user_id, amount_cents FROM ledger_entries
		 WHERE ledger_id = $1`,
		model.LedgerID(jobID, model.OpDebit),
	).Scan(&userID, &debitCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoDebitFound
		}
		return 0, fmt.Errorf("find debit for %s: %w", jobID, err)
	}
	refundCents := -debitCents

	ledgerID := model.LedgerID(jobID, model.OpRefund)
	tag, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (ledger_id, user_id, job_id, amount_cents, entry_type, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (ledger_id) DO NOTHING`,
		ledgerID, userID, jobID, refundCents, string(model.EntryCredit),
		fmt.Sprintf("Refund for failed job %s", jobID), at,
	)
	if err != nil {
		return 0, fmt.Errorf("insert refund entry %s: %w", ledgerID, err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrAlreadyProcessed
	}

	var newBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE credit_accounts
		 SET balance_cents = balance_cents + $2, updated_at = $3
		 WHERE user_id = $1
		 RETURNING balance_cents`,
		userID, refundCents, at,
	).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("refund balance %s: %w", userID, err)
	}

	if err := transitionJobTx(ctx, tx, jobID, model.StatusRefunded, at); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit refund %s: %w", ledgerID, err)
	}

	r.cacheBalance(ctx, userID, newBalance)
	return newBalance, nil
}

// Entries lists a user's ledger entries, newest first.
func (r *CreditRepo) Entries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := r.dbPool.Query(ctx,
		`SELECT ledger_id, user_id, job_id, amount_cents, entry_type, anomaly, description, created_at
		 FROM ledger_entries
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.LedgerID, &e.UserID, &e.JobID, &e.AmountCents,
			&e.Type, &e.Anomaly, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// transitionJobTx applies a job status transition inside an adjustment
// transaction. A job that already moved on is not an error here: the ledger
// claim is the idempotency authority for credit operations.
func transitionJobTx(ctx context.Context, tx pgx.Tx, jobID string, to model.JobStatus, at time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $2, last_updated = $3
		 WHERE job_id = $1 AND status = ANY($4)`,
		jobID, string(to), at, statusList(model.TransitionSources(to)),
	)
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", jobID, to, err)
	}
	return nil
}

func (r *CreditRepo) accountExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := r.dbPool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE user_id = $1)`,
		userID,
	).Scan(&exists)
	return exists, err
}

func (r *CreditRepo) cacheBalance(ctx context.Context, userID string, balance int64) {
	if r.redisClient == nil {
		return
	}
	if err := r.redisClient.Set(ctx, balanceCacheKey(userID), balance, 0).Err(); err != nil {
		r.log.Warn("balance cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
}
