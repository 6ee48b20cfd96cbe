package dlq

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// exerciseStore 對任何 Store 實作執行相同的行為檢查
func exerciseStore(t *testing.T, store Store, jobID string) {
	t.Helper()
	ctx := context.Background()

	count, err := store.Count(ctx, jobID)
	require.NoError(t, err)
	assert.Zero(t, count)

	// 刻意讓 id 順序與時間順序不同；id 含 '/'
	entries := []*Entry{
		{ItemID: "z/last", FirstAttempt: base.Add(time.Hour), ItemData: map[string]interface{}{"n": 1.0}},
		{ItemID: "a", FirstAttempt: base.Add(2 * time.Hour)},
		{ItemID: "m", FirstAttempt: base},
	}
	for _, e := range entries {
		require.NoError(t, store.Put(ctx, jobID, e))
	}

	got, err := store.Get(ctx, jobID, "z/last")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"n": 1.0}, got.ItemData)

	_, err = store.Get(ctx, jobID, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.List(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []types.ItemID{"m", "z/last", "a"}, []types.ItemID{list[0].ItemID, list[1].ItemID, list[2].ItemID})

	// 覆寫不會增加數量
	entries[1].FailureCount = 5
	require.NoError(t, store.Put(ctx, jobID, entries[1]))
	count, err = store.Count(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, store.Delete(ctx, jobID, "m"))
	assert.ErrorIs(t, store.Delete(ctx, jobID, "m"), ErrNotFound)
	count, err = store.Count(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	jobs, err := store.Jobs(ctx)
	require.NoError(t, err)
	assert.Contains(t, jobs, jobID)
}

func TestFileStore_Contract(t *testing.T) {
	exerciseStore(t, NewFileStore(afero.NewMemMapFs(), "/state/dlq"), "job-1")
}

func TestFileStore_JobsIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(afero.NewMemMapFs(), "/state/dlq")
	require.NoError(t, store.Put(ctx, "job-1", &Entry{ItemID: "a", FirstAttempt: base}))
	require.NoError(t, store.Put(ctx, "job-2", &Entry{ItemID: "a", FirstAttempt: base}))
	require.NoError(t, store.Put(ctx, "job-2", &Entry{ItemID: "b", FirstAttempt: base}))

	n1, err := store.Count(ctx, "job-1")
	require.NoError(t, err)
	n2, err := store.Count(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n1)
	assert.Equal(t, 2, n2)

	jobs, err := store.Jobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1", "job-2"}, jobs)

	empty, err := NewFileStore(afero.NewMemMapFs(), "/missing").Jobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisStore_Contract(t *testing.T) {
	url := os.Getenv("BEAVER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BEAVER_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	prefix := fmt.Sprintf("beaver-test-%d", time.Now().UnixNano())
	store, err := NewRedisStore(ctx, RedisConfig{URL: url, Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() {
		opts, _ := redis.ParseURL(url)
		rdb := redis.NewClient(opts)
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
		_ = rdb.Close()
		_ = store.Close()
	})

	exerciseStore(t, store, "job-redis")

	// Queue 在 Redis 上同樣會淘汰
	q := New(store, "job-evict", WithMaxItems(10))
	for i := 0; i < 11; i++ {
		_, err := q.Add(ctx, workItem(fmt.Sprintf("i%02d", i)),
			[]FailureDetail{failure(base.Add(time.Duration(i)*time.Second), types.KindTimeout, "timeout")})
		require.NoError(t, err)
	}
	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
	_, err = q.Get(ctx, "i00")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{URL: "not-a-url"})
	assert.Error(t, err)
}
