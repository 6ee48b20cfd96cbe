package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// RedisConfig Redis 連線設定
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

// RedisStore 以 Redis 保存 DLQ
//
//	<prefix>:dlq:<job>:index       ZSET，score = first_attempt (unix ms)
//	<prefix>:dlq:<job>:item:<id>   JSON value
//	<prefix>:dlq:jobs              SET
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore 建立連線並確認可用
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(rdb, cfg.Prefix), nil
}

// NewRedisStoreWithClient 使用既有的 client
func NewRedisStoreWithClient(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "beaver"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Key helpers
func (s *RedisStore) indexKey(jobID string) string {
	return fmt.Sprintf("%s:dlq:%s:index", s.prefix, jobID)
}

func (s *RedisStore) itemKey(jobID string, id types.ItemID) string {
	return fmt.Sprintf("%s:dlq:%s:item:%s", s.prefix, jobID, id)
}

func (s *RedisStore) jobsKey() string {
	return s.prefix + ":dlq:jobs"
}

// Put 寫入項目並更新 index
func (s *RedisStore) Put(ctx context.Context, jobID string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal dlq item: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.itemKey(jobID, e.ItemID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(jobID), redis.Z{
			Score:  float64(e.FirstAttempt.UnixMilli()),
			Member: string(e.ItemID),
		})
		pipe.SAdd(ctx, s.jobsKey(), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store dlq item %s: %w", e.ItemID, err)
	}
	return nil
}

// Get 讀取項目
func (s *RedisStore) Get(ctx context.Context, jobID string, id types.ItemID) (*Entry, error) {
	data, err := s.rdb.Get(ctx, s.itemKey(jobID, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq item: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dlq item: %w", err)
	}
	return &e, nil
}

// Delete 刪除項目
func (s *RedisStore) Delete(ctx context.Context, jobID string, id types.ItemID) error {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.itemKey(jobID, id))
		pipe.ZRem(ctx, s.indexKey(jobID), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete dlq item %s: %w", id, err)
	}
	if removed.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// List 依 index 順序讀取全部項目
func (s *RedisStore) List(ctx context.Context, jobID string) ([]*Entry, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, jobID, types.ItemID(id))
		if errors.Is(err, ErrNotFound) {
			// value 已不存在，清掉殘留的 index
			s.rdb.ZRem(ctx, s.indexKey(jobID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	sortByFirstAttempt(entries)
	return entries, nil
}

// Count 項目數
func (s *RedisStore) Count(ctx context.Context, jobID string) (int, error) {
	count, err := s.rdb.ZCard(ctx, s.indexKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}

// Jobs 有 DLQ 資料的 job
func (s *RedisStore) Jobs(ctx context.Context) ([]string, error) {
	jobs, err := s.rdb.SMembers(ctx, s.jobsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers failed: %w", err)
	}
	sort.Strings(jobs)
	return jobs, nil
}

// Close 關閉連線
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
