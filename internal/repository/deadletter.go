package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"renderbus/internal/model"
)

// DeadLetterRepo keeps events that exhausted their retries, retaining the
// original payload for manual replay.
type DeadLetterRepo struct {
	dbPool *pgxpool.Pool
	log    *zap.Logger
}

func NewDeadLetterRepo(db *pgxpool.Pool, log *zap.Logger) *DeadLetterRepo {
	return &DeadLetterRepo{dbPool: db, log: log.Named("deadletter")}
}

// Save persists a dead letter and returns its id.
func (r *DeadLetterRepo) Save(ctx context.Context, subject string, payload []byte, lastError string, attempts int, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := r.dbPool.Exec(ctx,
		`INSERT INTO dead_letters (id, subject, payload, last_error, attempts, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, subject, payload, lastError, attempts, at,
	)
	if err != nil {
		return "", fmt.Errorf("save dead letter: %w", err)
	}
	return id, nil
}

// List returns the newest dead letters for inspection.
func (r *DeadLetterRepo) List(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	rows, err := r.dbPool.Query(ctx,
		`SELECT id, subject, payload, last_error, attempts, received_at
		 FROM dead_letters
		 ORDER BY received_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		var dl model.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.Subject, &dl.Payload, &dl.LastError, &dl.Attempts, &dl.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// PurgeExpired removes dead letters older than the retention horizon and
// returns how many were removed.
func (r *DeadLetterRepo) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.dbPool.Exec(ctx,
		`DELETE FROM dead_letters WHERE received_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}
