package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"renderbus/internal/model"
)

// ClaimRepo implements the idempotency claim: an atomic insert-if-absent
// keyed by (jobId, opKind). Postgres is the correctness mechanism; Redis is
// only a fast-path shortcut that lets a hot duplicate skip the database.
type ClaimRepo struct {
	dbPool      *pgxpool.Pool
	redisClient *redis.Client
	log         *zap.Logger
}

func NewClaimRepo(db *pgxpool.Pool, rdb *redis.Client, log *zap.Logger) *ClaimRepo {
	return &ClaimRepo{
		dbPool:      db,
		redisClient: rdb,
		log:         log.Named("claims"),
	}
}

const claimCacheTTL = 24 * time.Hour

func claimCacheKey(jobID string, op model.OpKind) string {
	return fmt.Sprintf("claim:%s:%s", jobID, op)
}

// TryClaim reserves (jobID, op) if no claim exists yet. Returns claimed=false
// when the claim was already taken. Store errors fail closed: the caller must
// not apply the side effect, and the event will come back via redelivery.
func (r *ClaimRepo) TryClaim(ctx context.Context, jobID string, op model.OpKind) (bool, error) {
	// Fast path: a duplicate we have already seen recently.
	if r.redisClient != nil {
		exists, err := r.redisClient.Exists(ctx, claimCacheKey(jobID, op)).Result()
		if err == nil && exists > 0 {
			return false, nil
		}
		// Redis being down never blocks the claim; Postgres decides.
	}

	tag, err := r.dbPool.Exec(ctx,
		`INSERT INTO op_claims (job_id, op_kind) VALUES ($1, $2)
		 ON CONFLICT (job_id, op_kind) DO NOTHING`,
		jobID, string(op),
	)
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", jobID, op, err)
	}

	claimed := tag.RowsAffected() > 0
	if r.redisClient != nil {
		if err := r.redisClient.Set(ctx, claimCacheKey(jobID, op), 1, claimCacheTTL).Err(); err != nil {
			r.log.Warn("claim cache write failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return claimed, nil
}

// IsClaimed reports whether (jobID, op) already holds a claim, without
// reserving one.
func (r *ClaimRepo) IsClaimed(ctx context.Context, jobID string, op model.OpKind) (bool, error) {
	var exists bool
	err := r.dbPool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM op_claims WHERE job_id = $1 AND op_kind = $2)`,
		jobID, string(op),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check claim %s/%s: %w", jobID, op, err)
	}
	return exists, nil
}
