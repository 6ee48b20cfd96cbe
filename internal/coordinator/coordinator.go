// ============================================================================
// Beaver-Jobs Coordinator - Job 執行核心
// ============================================================================
//
// Package: internal/coordinator
// 文件: coordinator.go
// 功能: 驅動 setup → map → reduce，處理失敗策略、checkpoint 與恢復
//
// 架構設計:
//   Coordinator 只持有不可變的依賴（checkpoint / lock / DLQ store / agent），
//   每次執行的可變狀態全部放在 JobContext，由單一 dispatcher goroutine 持有：
//   - JobManager: 工作項目狀態機
//   - Counters: 失敗項目、全域重試次數（寫入 checkpoint）
//   - Vars: setup / reduce 擷取的變數
//
// Map 階段 (單一 dispatcher + worker pool):
//   1. 在 inflight < max_parallel 時取出下一個 Pending 項目 → InProgress → Submit
//   2. worker 內以 retry.Executor 包住 CreateScope → Executor.Run → Destroy
//   3. dispatcher 依序處理結果：Completed 或套用 on_item_failure
//   4. 每 checkpoint_every 個結果寫一次 checkpoint
//   checkpoint 與 DLQ 的寫入只發生在 dispatcher，從不跨越 agent 呼叫。
//
// 取消流程:
//   ctx 取消 → 停止分派 → 等待執行中的 agent（最多 shutdown_timeout）
//   → 逾時則 Abandon → InProgress 全部重置為 Pending → 最後一個 checkpoint
//   → 釋放 resume lock。被中斷的項目永遠不會被標記為 Completed。
//
// 恢復流程 (Resume):
//   1. 取得 resume lock（stale lock 自動回收）
//   2. 讀取 ≤ --from-checkpoint 的最新版本並驗證
//   3. Restore → ResetInProgress
//   4. 從 checkpoint 的階段繼續執行
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-jobs/internal/agent"
	"github.com/ChuLiYu/beaver-jobs/internal/checkpoint"
	"github.com/ChuLiYu/beaver-jobs/internal/config"
	"github.com/ChuLiYu/beaver-jobs/internal/dlq"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/internal/metrics"
	"github.com/ChuLiYu/beaver-jobs/internal/resumelock"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrJobFailed job 進入 Failed 階段
	ErrJobFailed = errors.New("coordinator: job failed")
	// ErrThresholdExceeded 失敗項目數超過 max_failures 或 failure_threshold
	ErrThresholdExceeded = errors.New("coordinator: failure threshold exceeded")
	// ErrItemFailed on_item_failure=stop 時有項目失敗
	ErrItemFailed = errors.New("coordinator: item failed with on_item_failure=stop")
	// ErrAlreadyCompleted 要恢復的 job 已經完成
	ErrAlreadyCompleted = errors.New("coordinator: job already completed")
	// ErrForceRequired 恢復 Failed 的 job 需要 --force
	ErrForceRequired = errors.New("coordinator: job failed, resume requires --force")
	// ErrNoInput job 沒有設定輸入
	ErrNoInput = errors.New("coordinator: job input is not configured")
	// ErrJobExists Run 的 job ID 已有 checkpoint
	ErrJobExists = errors.New("coordinator: job already has checkpoints")
)

// FailurePolicy on_item_failure
type FailurePolicy string

const (
	PolicyDLQ   FailurePolicy = "dlq"
	PolicyRetry FailurePolicy = "retry"
	PolicySkip  FailurePolicy = "skip"
	PolicyStop  FailurePolicy = "stop"
)

// minProcessedForRate failure_threshold 開始生效前至少要處理的項目數
const minProcessedForRate = 10

// ============================================================================
// 資料結構定義
// ============================================================================

// Deps Coordinator 的依賴
type Deps struct {
	Checkpoints *checkpoint.Manager
	Locks       *resumelock.Manager
	DLQ         dlq.Store
	Executor    agent.Executor
	Isolation   agent.Isolation
}

// Report 一次 Run / Resume / RetryDLQ 的結果
type Report struct {
	JobID             string
	Phase             types.Phase
	Stats             jobmanager.Stats
	CheckpointVersion int
	Variables         map[string]string
	FailedItems       int
	GlobalRetries     int
	Reset             []types.ItemID // Resume 時被重置為 Pending 的項目
	Recovered         []types.ItemID // Resume 時依事件日誌補記為 Completed 的項目
	Error             string
}

// Coordinator job 協調器
type Coordinator struct {
	cfg         config.JobConfig
	checkpoints *checkpoint.Manager
	locks       *resumelock.Manager
	dlqStore    dlq.Store
	executor    agent.Executor
	isolation   agent.Isolation

	steps   *agent.StepRunner
	fs      afero.Fs
	sink    eventlog.Sink
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	rnd     func() float64
}

// Option Coordinator 設定選項
type Option func(*Coordinator)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics 設定 Prometheus 收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithEvents 設定事件 sink
func WithEvents(sink eventlog.Sink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithFs 讀取輸入檔使用的檔案系統
func WithFs(fs afero.Fs) Option {
	return func(c *Coordinator) { c.fs = fs }
}

// WithStepRunner 設定 setup / reduce 步驟執行器
func WithStepRunner(r *agent.StepRunner) Option {
	return func(c *Coordinator) { c.steps = r }
}

// WithClock 注入時鐘
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRetrySleeper 注入重試時的睡眠函式
func WithRetrySleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// WithRand 注入 jitter 亂數來源
func WithRand(rnd func() float64) Option {
	return func(c *Coordinator) { c.rnd = rnd }
}

// New 建立 Coordinator
//
// 參數：
//   - cfg: job 定義；Resume 時若 checkpoint 保存了原本的定義則以其為準
//   - deps: checkpoint、lock、DLQ store 與 agent 協作者
//
// 返回值：
//   - *Coordinator: 協調器
//   - error: 依賴缺少或 job 定義無法轉換
func New(cfg config.JobConfig, deps Deps, opts ...Option) (*Coordinator, error) {
	if deps.Checkpoints == nil || deps.Locks == nil || deps.DLQ == nil || deps.Executor == nil {
		return nil, errors.New("coordinator: checkpoints, locks, dlq and executor are required")
	}
	if _, err := cfg.Retry.Policy(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	c := &Coordinator{
		cfg:         cfg,
		checkpoints: deps.Checkpoints,
		locks:       deps.Locks,
		dlqStore:    deps.DLQ,
		executor:    deps.Executor,
		isolation:   deps.Isolation,
		fs:          afero.NewOsFs(),
		sink:        eventlog.Discard{},
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.isolation == nil {
		c.isolation = agent.NoIsolation{}
	}
	if c.steps == nil {
		c.steps = agent.NewStepRunner("", c.logger)
	}
	return c, nil
}

// Config 回傳 job 定義
func (c *Coordinator) Config() config.JobConfig {
	return c.cfg
}

// ============================================================================
// Run
// ============================================================================

// Run 以新的 job ID 從 setup 開始執行整個 job
//
// 執行期間持有 jobID 的 resume lock，結束（含錯誤與 panic）時釋放。
func (c *Coordinator) Run(ctx context.Context, jobID string) (report *Report, err error) {
	if c.cfg.Input == "" {
		return nil, ErrNoInput
	}
	err = c.locks.WithLock(jobID, func(*resumelock.Guard) error {
		// 持鎖後才檢查，避免兩個 run 都看到空的 checkpoint 目錄
		if _, err := c.checkpoints.Latest(ctx, jobID); err == nil {
			return fmt.Errorf("%w: %s, use resume", ErrJobExists, jobID)
		} else if !checkpoint.IsNotFound(err) {
			return err
		}

		jc := c.newJobContext(jobID, c.cfg)
		jc.events.Emit(eventlog.EventJobStarted, "", map[string]interface{}{
			"name":         c.cfg.Name,
			"max_parallel": c.cfg.MaxParallel,
		})
		c.logger.Info("Job started", "job_id", jobID, "name", c.cfg.Name)

		var runErr error
		report, runErr = c.execute(ctx, jc)
		return runErr
	})
	return report, err
}
