package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testRedis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupQueue(t *testing.T, c context.Context) (Queue, func()) {
	redisContainer, err := testRedis.Run(
		c,
		"redis:7.4.2-alpine3.21",
		testRedis.WithLogLevel(testRedis.LogLevelVerbose),
	)
	if err != nil {
		t.Fatalf("failed running redis container with error: %s", err)
	}

	redisConnStr, err := redisContainer.ConnectionString(c)
	if err != nil {
		t.Fatalf("failed getting redis connection string with error: %s", err)
	}

	redisOpt, err := redis.ParseURL(redisConnStr)
	if err != nil {
		t.Fatalf("failed parsing redis connection string with error: %s", err)
	}

	redisClient := redis.NewClient(redisOpt)
	if err = redisClient.Ping(c).Err(); err != nil {
		t.Fatalf("failed ping redis client with error: %s", err)
	}

	return NewQueue(redisClient), func() {
		redisClient.Close()
		if err := redisContainer.Terminate(c); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}
}

func TestQueueEnqueueDeduplicates(t *testing.T) {
	c := context.Background()
	queue, cleanup := setupQueue(t, c)
	defer cleanup()

	cartID := uuid.New()
	jobID, err := queue.Enqueue(c, cartID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, cartID.String(), jobID)

	// Second enqueue keeps the earlier due time.
	_, err = queue.Enqueue(c, cartID, time.Millisecond)
	require.NoError(t, err)

	scheduled, err := queue.Scheduled(c, cartID)
	require.NoError(t, err)
	assert.True(t, scheduled)

	claimed, err := queue.ClaimDue(c, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestQueueClaimDue(t *testing.T) {
	c := context.Background()
	queue, cleanup := setupQueue(t, c)
	defer cleanup()

	dueCart := uuid.New()
	futureCart := uuid.New()
	_, err := queue.Enqueue(c, dueCart, 0)
	require.NoError(t, err)
	_, err = queue.Enqueue(c, futureCart, time.Hour)
	require.NoError(t, err)

	claimed, err := queue.ClaimDue(c, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, dueCart, claimed[0])

	// A claimed job is gone; claiming again yields nothing due.
	claimed, err = queue.ClaimDue(c, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	scheduled, err := queue.Scheduled(c, futureCart)
	require.NoError(t, err)
	assert.True(t, scheduled)
}

func TestQueueRemove(t *testing.T) {
	c := context.Background()
	queue, cleanup := setupQueue(t, c)
	defer cleanup()

	cartID := uuid.New()
	_, err := queue.Enqueue(c, cartID, time.Hour)
	require.NoError(t, err)

	require.NoError(t, queue.Remove(c, cartID))
	scheduled, err := queue.Scheduled(c, cartID)
	require.NoError(t, err)
	assert.False(t, scheduled)

	// Removing an unknown job is a no-op.
	require.NoError(t, queue.Remove(c, uuid.New()))
}

func TestQueueRetryCountsAttempts(t *testing.T) {
	c := context.Background()
	queue, cleanup := setupQueue(t, c)
	defer cleanup()

	cartID := uuid.New()
	attempt, err := queue.Retry(c, cartID, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, attempt)

	attempt, err = queue.Retry(c, cartID, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, attempt)

	attempts, err := queue.Attempts(c, cartID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, attempts)

	scheduled, err := queue.Scheduled(c, cartID)
	require.NoError(t, err)
	assert.True(t, scheduled)
}

func TestQueueBury(t *testing.T) {
	c := context.Background()
	queue, cleanup := setupQueue(t, c)
	defer cleanup()

	cartID := uuid.New()
	_, err := queue.Retry(c, cartID, time.Hour)
	require.NoError(t, err)

	require.NoError(t, queue.Bury(c, cartID))

	attempts, err := queue.Attempts(c, cartID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, attempts)
}
