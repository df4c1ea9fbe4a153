// Package scheduler owns the delayed clearCart jobs: a redis sorted set
// keyed by due time, one member per cart. Membership doubles as the dedup
// key, so a cart can never hold two outstanding cleanup jobs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lazuardy/storefront/internal/otel"
)

const (
	// JobClearCart is the only job kind this queue carries.
	JobClearCart = "clearCart"

	keyScheduled = "cart:expiry:scheduled"
	keyAttempts  = "cart:expiry:attempts"
	keyDead      = "cart:expiry:dead"
)

type Queue struct {
	cache *redis.Client
}

func NewQueue(cache *redis.Client) Queue {
	return Queue{cache: cache}
}

// Enqueue schedules a clearCart job due after delay. The cart id is both
// payload and job id; ZADD NX makes a second enqueue for the same cart a
// no-op, keeping at most one outstanding job per cart.
func (q Queue) Enqueue(c context.Context, cartID uuid.UUID, delay time.Duration) (string, error) {
	c, span := otel.Tracer.Start(c, "Queue Enqueue")
	defer span.End()

	dueAt := time.Now().Add(delay)
	err := q.cache.ZAddNX(c, keyScheduled, redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: cartID.String(),
	}).Err()
	if err != nil {
		return "", fmt.Errorf("failed enqueueing %s job with error=%w", JobClearCart, err)
	}
	return cartID.String(), nil
}

// Remove cancels a pending job. Removing an already-consumed or unknown
// job is a no-op.
func (q Queue) Remove(c context.Context, cartID uuid.UUID) error {
	c, span := otel.Tracer.Start(c, "Queue Remove")
	defer span.End()

	pipe := q.cache.TxPipeline()
	pipe.ZRem(c, keyScheduled, cartID.String())
	pipe.HDel(c, keyAttempts, cartID.String())
	if _, err := pipe.Exec(c); err != nil {
		return fmt.Errorf("failed removing %s job with error=%w", JobClearCart, err)
	}
	return nil
}

// Scheduled reports whether a pending job exists for the cart.
func (q Queue) Scheduled(c context.Context, cartID uuid.UUID) (bool, error) {
	err := q.cache.ZScore(c, keyScheduled, cartID.String()).Err()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed checking %s job with error=%w", JobClearCart, err)
	}
	return true, nil
}

// ClaimDue pops up to limit due jobs. A job belongs to the caller only if
// its ZREM succeeded, so two consumers never process the same member.
func (q Queue) ClaimDue(c context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	c, span := otel.Tracer.Start(c, "Queue ClaimDue")
	defer span.End()

	members, err := q.cache.ZRangeByScore(c, keyScheduled, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed listing due jobs with error=%w", err)
	}

	claimed := []uuid.UUID{}
	for _, member := range members {
		removed, err := q.cache.ZRem(c, keyScheduled, member).Result()
		if err != nil {
			return claimed, fmt.Errorf("failed claiming job with error=%w", err)
		}
		if removed == 0 {
			continue
		}
		cartID, err := uuid.Parse(member)
		if err != nil {
			// Unparseable member can never be processed; drop it.
			continue
		}
		claimed = append(claimed, cartID)
	}
	return claimed, nil
}

// Retry re-schedules a failed job and returns the attempt number it will
// run as next time.
func (q Queue) Retry(c context.Context, cartID uuid.UUID, backoff time.Duration) (int64, error) {
	c, span := otel.Tracer.Start(c, "Queue Retry")
	defer span.End()

	attempt, err := q.cache.HIncrBy(c, keyAttempts, cartID.String(), 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed counting job attempt with error=%w", err)
	}
	err = q.cache.ZAdd(c, keyScheduled, redis.Z{
		Score:  float64(time.Now().Add(backoff).UnixMilli()),
		Member: cartID.String(),
	}).Err()
	if err != nil {
		return attempt, fmt.Errorf("failed rescheduling job with error=%w", err)
	}
	return attempt, nil
}

// Attempts reports how many times the job has already failed.
func (q Queue) Attempts(c context.Context, cartID uuid.UUID) (int64, error) {
	attempts, err := q.cache.HGet(c, keyAttempts, cartID.String()).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed reading job attempts with error=%w", err)
	}
	return attempts, nil
}

// Bury moves a job whose retries are exhausted into the dead set so an
// operator can reconcile the stock it still owes.
func (q Queue) Bury(c context.Context, cartID uuid.UUID) error {
	c, span := otel.Tracer.Start(c, "Queue Bury")
	defer span.End()

	pipe := q.cache.TxPipeline()
	pipe.ZAdd(c, keyDead, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: cartID.String(),
	})
	pipe.HDel(c, keyAttempts, cartID.String())
	if _, err := pipe.Exec(c); err != nil {
		return fmt.Errorf("failed burying job with error=%w", err)
	}
	return nil
}

// Ack clears retry bookkeeping once a job completed.
func (q Queue) Ack(c context.Context, cartID uuid.UUID) error {
	if err := q.cache.HDel(c, keyAttempts, cartID.String()).Err(); err != nil {
		return fmt.Errorf("failed acking job with error=%w", err)
	}
	return nil
}
