package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager checkpoint 管理器
//
// 所有寫入都在 mu 保護下進行（single writer），版本號 = 目前最大版本 + 1。
// 只在寫入期間持有鎖，不會跨越 agent 執行。
type Manager struct {
	store    Store
	archiver Archiver
	retain   int
	logger   *slog.Logger
	now      func() time.Time
	observe  func(jobID string, version int, took time.Duration)

	mu sync.Mutex
}

// Option Manager 設定選項
type Option func(*Manager)

// WithArchiver 設定終態歸檔器
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// WithRetention 每個 job 最多保留 n 個版本（0 = 全部保留）
func WithRetention(n int) Option {
	return func(m *Manager) { m.retain = n }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock 設定時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWriteObserver 每次成功寫入後呼叫（metrics 用）
func WithWriteObserver(fn func(jobID string, version int, took time.Duration)) Option {
	return func(m *Manager) { m.observe = fn }
}

// NewManager 建立 checkpoint 管理器
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store 底層 store
func (m *Manager) Store() Store { return m.store }

// Create 寫入新版本並回傳版本號
//
// 傳入的 checkpoint 會先被複製，Version / Timestamp / SchemaVer 由管理器決定。
func (m *Manager) Create(ctx context.Context, cp *Checkpoint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.now()

	versions, err := m.store.Versions(ctx, cp.JobID)
	if err != nil {
		return 0, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}

	snapshot, err := cp.Clone()
	if err != nil {
		return 0, err
	}
	snapshot.SchemaVer = SchemaVersion
	snapshot.Version = next
	snapshot.Timestamp = m.now().UTC()

	if err := m.store.Save(ctx, snapshot); err != nil {
		return 0, err
	}

	took := m.now().Sub(start)
	m.logger.Debug("Checkpoint written",
		"job_id", cp.JobID,
		"version", next,
		"phase", snapshot.Phase,
		"items", len(snapshot.WorkItems),
		"duration", took)

	if m.observe != nil {
		m.observe(cp.JobID, next, took)
	}

	m.prune(ctx, cp.JobID, append(versions, next))
	return next, nil
}

// prune 依保留策略刪除最舊的版本；永遠不刪除最新版本，失敗只記錄
func (m *Manager) prune(ctx context.Context, jobID string, versions []int) {
	if m.retain <= 0 || len(versions) <= m.retain {
		return
	}
	for _, v := range versions[:len(versions)-m.retain] {
		if err := m.store.Delete(ctx, jobID, v); err != nil {
			m.logger.Warn("Failed to prune checkpoint", "job_id", jobID, "version", v, "error", err)
		}
	}
}

// Load 讀取版本號 ≤ upTo 的最新 checkpoint（upTo <= 0 表示最新）
func (m *Manager) Load(ctx context.Context, jobID string, upTo int, validate bool) (*Checkpoint, error) {
	versions, err := m.store.Versions(ctx, jobID)
	if err != nil {
		return nil, err
	}

	chosen := 0
	for _, v := range versions {
		if upTo > 0 && v > upTo {
			break
		}
		chosen = v
	}
	if chosen == 0 {
		if upTo > 0 {
			return nil, fmt.Errorf("%w: job %s has no version <= %d", ErrNotFound, jobID, upTo)
		}
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}

	cp, err := m.store.Load(ctx, jobID, chosen)
	if err != nil {
		return nil, err
	}
	if validate {
		if err := cp.Validate(jobID, chosen); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

// Latest 讀取最新版本（含驗證）
func (m *Manager) Latest(ctx context.Context, jobID string) (*Checkpoint, error) {
	return m.Load(ctx, jobID, 0, true)
}

// List 列出所有版本摘要
func (m *Manager) List(ctx context.Context, jobID string) ([]Info, error) {
	versions, err := m.store.Versions(ctx, jobID)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(versions))
	for _, v := range versions {
		cp, err := m.store.Load(ctx, jobID, v)
		if err != nil {
			return nil, err
		}
		infos = append(infos, cp.Summary())
	}
	return infos, nil
}

// Rollback 以指定版本的內容寫入一個新版本，既有歷史不會被改寫
func (m *Manager) Rollback(ctx context.Context, jobID string, version int) (int, error) {
	cp, err := m.store.Load(ctx, jobID, version)
	if err != nil {
		return 0, err
	}
	if err := cp.Validate(jobID, version); err != nil {
		return 0, err
	}
	cp.RolledBackFrom = version

	next, err := m.Create(ctx, cp)
	if err != nil {
		return 0, err
	}
	m.logger.Info("Checkpoint rolled back",
		"job_id", jobID,
		"from_version", version,
		"new_version", next)
	return next, nil
}

// Jobs 列出所有 job
func (m *Manager) Jobs(ctx context.Context) ([]string, error) {
	return m.store.Jobs(ctx)
}

// Archive 把最新 checkpoint 交給歸檔器；沒有設定歸檔器時為 no-op
func (m *Manager) Archive(ctx context.Context, jobID string) (string, error) {
	if m.archiver == nil {
		return "", nil
	}
	cp, err := m.Load(ctx, jobID, 0, false)
	if err != nil {
		return "", err
	}
	location, err := m.archiver.Archive(ctx, cp)
	if err != nil {
		return "", err
	}
	m.logger.Info("Job archived", "job_id", jobID, "version", cp.Version, "location", location)
	return location, nil
}

// IsNotFound 判斷錯誤是否為找不到 checkpoint
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
