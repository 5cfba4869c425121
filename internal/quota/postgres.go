package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresPurgeInterval = 5 * time.Minute

// PostgresStore keeps quota counters in the quota_counters table so budgets
// survive restarts and hold across replicas sharing one database.
//
// Each increment is a single upsert: insert the bucket at cost, or add cost
// to the existing row, returning the new total and the expiry fixed at first
// touch. Expired rows are purged opportunistically at most every few minutes.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu        sync.Mutex
	lastPurge time.Time
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		pool:      pool,
		logger:    logger,
		lastPurge: time.Now(),
	}
}

func (s *PostgresStore) IncrWithExpiry(ctx context.Context, bucket string, cost int64, ttl time.Duration) (int64, time.Time, error) {
	var (
		count     int64
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quota_counters (bucket, count, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (bucket)
		DO UPDATE SET count = quota_counters.count + EXCLUDED.count
		RETURNING count, expires_at`,
		bucket, cost, time.Now().Add(ttl),
	).Scan(&count, &expiresAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing quota counter: %w", err)
	}

	s.maybePurge(ctx)
	return count, expiresAt, nil
}

// maybePurge deletes expired counter rows when the purge interval has
// elapsed. Failures only log: a missed purge costs table bloat, not
// correctness, since buckets embed their window start.
func (s *PostgresStore) maybePurge(ctx context.Context) {
	s.mu.Lock()
	if time.Since(s.lastPurge) < postgresPurgeInterval {
		s.mu.Unlock()
		return
	}
	s.lastPurge = time.Now()
	s.mu.Unlock()

	tag, err := s.pool.Exec(ctx, `DELETE FROM quota_counters WHERE expires_at < now()`)
	if err != nil {
		s.logger.Warn("purging expired quota counters", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		s.logger.Debug("purged expired quota counters", "rows", tag.RowsAffected())
	}
}
