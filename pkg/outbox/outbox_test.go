package outbox

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepository 连接 MAILTRIAGE_TEST_DATABASE_URL，未设置时跳过
func newTestRepository(t *testing.T) (*Repository, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("MAILTRIAGE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MAILTRIAGE_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, Schema)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE outbox_events RESTART IDENTITY`)
	require.NoError(t, err)

	return NewRepository(pool), pool
}

func enqueueN(t *testing.T, repo *Repository, pool *pgxpool.Pool, n int) {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		id := int64(i + 1)
		_, err := repo.Enqueue(ctx, tx, "work_item", &id, "email.processed", map[string]int64{"item_id": id})
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(ctx))
}

func TestGetPendingEvents_ConcurrentClaimsAreDisjoint(t *testing.T) {
	repo, pool := newTestRepository(t)
	ctx := context.Background()

	const total = 40
	enqueueN(t, repo, pool, total)

	const dispatchers = 4
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		seen   = map[int64]int{}
		errs   []error
		claims int
	)
	for i := 0; i < dispatchers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := repo.GetPendingEvents(ctx, total)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			for _, e := range events {
				seen[e.ID]++
				claims++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %d claimed by more than one dispatcher", id)
	}
	assert.Equal(t, total, claims)

	// 租约期内不会再被认领
	again, err := repo.GetPendingEvents(ctx, total)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestGetPendingEvents_LeaseExpiryMakesEventVisibleAgain(t *testing.T) {
	repo, pool := newTestRepository(t)
	ctx := context.Background()
	enqueueN(t, repo, pool, 2)

	claimed, err := repo.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Less(t, claimed[0].ID, claimed[1].ID)
	require.NotNil(t, claimed[0].NextRetryAt)
	assert.WithinDuration(t, time.Now().Add(ClaimLease), *claimed[0].NextRetryAt, 5*time.Second)

	require.NoError(t, repo.MarkAsSent(ctx, claimed[0].ID))

	// 模拟 Dispatcher 崩溃：把第二个事件的租约提前到期
	_, err = pool.Exec(ctx, `UPDATE outbox_events SET next_retry_at = NOW() - interval '1 second' WHERE id = $1`, claimed[1].ID)
	require.NoError(t, err)

	reclaimed, err := repo.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, claimed[1].ID, reclaimed[0].ID)
}
