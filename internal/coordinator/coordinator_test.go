package coordinator

// ============================================================================
// Coordinator Test File
// Purpose: Verify cancellation/resume, failure policies, thresholds, DLQ flow
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/beaver-jobs/internal/agent"
	"github.com/ChuLiYu/beaver-jobs/internal/checkpoint"
	"github.com/ChuLiYu/beaver-jobs/internal/config"
	"github.com/ChuLiYu/beaver-jobs/internal/dlq"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/resumelock"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// 測試輔助
// ============================================================================

type harness struct {
	fs          afero.Fs
	checkpoints *checkpoint.Manager
	locks       *resumelock.Manager
	dlqStore    *dlq.FileStore
	events      *eventlog.Memory
	logger      *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &harness{
		fs:          fs,
		checkpoints: checkpoint.NewManager(checkpoint.NewFileStore(fs, "/state/checkpoints"), checkpoint.WithLogger(logger)),
		locks:       resumelock.NewManager(fs, "/state/locks", resumelock.WithLogger(logger)),
		dlqStore:    dlq.NewFileStore(fs, "/state/dlq"),
		events:      &eventlog.Memory{},
		logger:      logger,
	}
}

// writeInput 寫入 n 個 {"n": i} 物件，項目 ID 為 item-<i>
func (h *harness) writeInput(t *testing.T, path string, n int) {
	t.Helper()
	values := make([]map[string]int, n)
	for i := range values {
		values[i] = map[string]int{"n": i}
	}
	data, err := json.Marshal(values)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(h.fs, path, data, 0o644))
}

func (h *harness) coordinator(t *testing.T, cfg config.JobConfig, executor agent.Executor, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithFs(h.fs),
		WithEvents(h.events),
		WithLogger(h.logger),
		WithRetrySleeper(func(context.Context, time.Duration) error { return nil }),
	}
	c, err := New(cfg, Deps{
		Checkpoints: h.checkpoints,
		Locks:       h.locks,
		DLQ:         h.dlqStore,
		Executor:    executor,
	}, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func testConfig(input string) config.JobConfig {
	cfg := config.Default().Job
	cfg.Name = "test-job"
	cfg.Input = input
	cfg.Agent.Isolation = "none"
	cfg.MaxParallel = 1
	cfg.CheckpointEvery = 5
	cfg.Retry.Attempts = 1
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.OnItemFailure = string(PolicyDLQ)
	cfg.MaxGlobalRetries = 0
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func success(req agent.Request) *types.AgentResult {
	return &types.AgentResult{AgentID: req.AgentID, WorkItemID: req.Item.ID, Status: types.AgentSuccess}
}

// recorder 記錄每個項目被執行的次數
type recorder struct {
	mu    sync.Mutex
	calls map[types.ItemID]int
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[types.ItemID]int)}
}

func (r *recorder) record(id types.ItemID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[id]++
}

func (r *recorder) count(id types.ItemID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *recorder) ids() []types.ItemID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ItemID, 0, len(r.calls))
	for id := range r.calls {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// failing 指定的項目永遠失敗，其餘成功
func (r *recorder) failing(bad ...types.ItemID) agent.Executor {
	set := make(map[types.ItemID]bool, len(bad))
	for _, id := range bad {
		set[id] = true
	}
	return agent.ExecutorFunc(func(_ context.Context, req agent.Request) (*types.AgentResult, error) {
		r.record(req.Item.ID)
		if set[req.Item.ID] {
			return nil, agent.NewError(types.KindCommandFailed, "connection refused by upstream")
		}
		return success(req), nil
	})
}

// crashCopy 複製目前磁碟上的狀態與已寫入的事件，等同 process 被強制終止時留下的內容
//
// 複本的鎖管理器把所有 pid 視為已結束，殘留的 resume 鎖會被回收。
func (h *harness) crashCopy() (*harness, error) {
	fs := afero.NewMemMapFs()
	err := afero.Walk(h.fs, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fs.MkdirAll(path, 0o755)
		}
		data, err := afero.ReadFile(h.fs, path)
		if err != nil {
			return err
		}
		return afero.WriteFile(fs, path, data, 0o644)
	})
	if err != nil {
		return nil, err
	}

	events := &eventlog.Memory{}
	for _, e := range h.events.Events() {
		_ = events.Append(e)
	}
	return &harness{
		fs:          fs,
		checkpoints: checkpoint.NewManager(checkpoint.NewFileStore(fs, "/state/checkpoints"), checkpoint.WithLogger(h.logger)),
		locks: resumelock.NewManager(fs, "/state/locks",
			resumelock.WithLogger(h.logger),
			resumelock.WithLivenessProbe(func(int) bool { return false })),
		dlqStore: dlq.NewFileStore(fs, "/state/dlq"),
		events:   events,
		logger:   h.logger,
	}, nil
}

func statusCount(cp *checkpoint.Checkpoint, status types.ItemStatus) int {
	n := 0
	for _, item := range cp.WorkItems {
		if item.Status == status {
			n++
		}
	}
	return n
}

// ============================================================================
// 取消與恢復
// ============================================================================

func TestRunCancelAndResume(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "/in/items.json", 100)
	cfg := testConfig("/in/items.json")
	cfg.MaxParallel = 5
	cfg.CheckpointEvery = 10
	cfg.ShutdownTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int64
	var firstRun sync.Map
	c := h.coordinator(t, cfg, agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (*types.AgentResult, error) {
		n := calls.Add(1)
		if n <= 50 {
			firstRun.Store(req.Item.ID, true)
			if n == 50 {
				cancel()
			}
			return success(req), nil
		}
		// 第 51 個之後一直等到被放棄
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	report, err := c.Run(ctx, "job-e2e")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, types.PhaseMap, report.Phase)
	assert.Equal(t, 50, report.Stats.Completed)
	assert.Equal(t, 50, report.Stats.Pending)
	assert.Equal(t, 0, report.Stats.InProgress)

	cp, err := h.checkpoints.Latest(context.Background(), "job-e2e")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseMap, cp.Phase)
	assert.Equal(t, 50, statusCount(cp, types.StatusCompleted))
	assert.Equal(t, 50, statusCount(cp, types.StatusPending))
	assert.Equal(t, 0, statusCount(cp, types.StatusInProgress))
	assert.Len(t, h.events.OfType(eventlog.EventJobCancelled), 1)

	// 不能用 Run 重新開始已有 checkpoint 的 job
	_, err = c.Run(context.Background(), "job-e2e")
	require.ErrorIs(t, err, ErrJobExists)
	assert.Contains(t, err.Error(), "use resume")

	rec := newRecorder()
	resumed := h.coordinator(t, cfg, rec.failing())
	report, err = resumed.Resume(context.Background(), "job-e2e", ResumeOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, report.Phase)
	assert.Equal(t, 100, report.Stats.Completed)

	ran := rec.ids()
	assert.Len(t, ran, 50)
	for _, id := range ran {
		_, done := firstRun.Load(id)
		assert.False(t, done, "item %s completed before the interrupt was re-executed", id)
		assert.Equal(t, 1, rec.count(id))
	}
	assert.Len(t, h.events.OfType(eventlog.EventJobResumed), 1)
}

// TestResumeAfterKillSkipsJournaledCompletions 強制終止時最後一個 checkpoint 之後
// 完成的項目只記在事件日誌裡，恢復時不能再執行
func TestResumeAfterKillSkipsJournaledCompletions(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "/in/items.json", 100)
	cfg := testConfig("/in/items.json")
	cfg.CheckpointEvery = 10
	cfg.ShutdownTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		calls   atomic.Int64
		crashed *harness
		copyErr error
	)
	c := h.coordinator(t, cfg, agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (*types.AgentResult, error) {
		n := calls.Add(1)
		if n <= 55 {
			return success(req), nil
		}
		if n == 56 {
			crashed, copyErr = h.crashCopy()
			cancel()
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := c.Run(ctx, "job-kill")
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, copyErr)
	require.NotNil(t, crashed)

	cp, err := crashed.checkpoints.Latest(context.Background(), "job-kill")
	require.NoError(t, err)
	assert.Equal(t, 50, statusCount(cp, types.StatusCompleted))
	assert.Len(t, crashed.events.OfType(eventlog.EventItemCompleted), 55)

	rec := newRecorder()
	report, err := crashed.coordinator(t, cfg, rec.failing()).Resume(context.Background(), "job-kill", ResumeOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, report.Phase)
	assert.Equal(t, 100, report.Stats.Completed)
	assert.Len(t, report.Recovered, 5)

	assert.Len(t, rec.ids(), 45)
	for i := 0; i < 55; i++ {
		id := types.ItemID(fmt.Sprintf("item-%d", i))
		assert.Zero(t, rec.count(id), "item %s finished before the kill was re-executed", id)
	}

	resumed := crashed.events.OfType(eventlog.EventJobResumed)
	require.Len(t, resumed, 1)
	assert.Equal(t, 5, resumed[0].Data["recovered"])
}

func TestResumeResetsInProgressItems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := testConfig("/in/unused.json")

	_, err := h.checkpoints.Create(ctx, &checkpoint.Checkpoint{
		JobID: "job-manual",
		Phase: types.PhaseMap,
		WorkItems: []types.WorkItem{
			{ID: "a", Status: types.StatusCompleted},
			{ID: "b", Status: types.StatusInProgress, AgentID: "agent-crashed"},
			{ID: "c", Status: types.StatusPending},
		},
	})
	require.NoError(t, err)

	rec := newRecorder()
	c := h.coordinator(t, cfg, rec.failing())
	report, err := c.Resume(ctx, "job-manual", ResumeOptions{})
	require.NoError(t, err)

	assert.Equal(t, []types.ItemID{"b"}, report.Reset)
	assert.Equal(t, []types.ItemID{"b", "c"}, rec.ids())
	assert.Equal(t, types.PhaseCompleted, report.Phase)
	assert.Equal(t, 3, report.Stats.Completed)
	assert.Len(t, h.events.OfType(eventlog.EventItemsReset), 1)
}

func TestResumeFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeInput(t, "/in/items.json", 3)
	cfg := testConfig("/in/items.json")
	cfg.CheckpointEvery = 1

	c := h.coordinator(t, cfg, newRecorder().failing())
	_, err := c.Run(ctx, "job-v")
	require.NoError(t, err)

	// v1: setup 之後；v2: 第一個項目完成
	cp, err := h.checkpoints.Load(ctx, "job-v", 2, true)
	require.NoError(t, err)
	require.Equal(t, types.PhaseMap, cp.Phase)
	require.Equal(t, 1, statusCount(cp, types.StatusCompleted))

	// 最新版本已完成
	_, err = c.Resume(ctx, "job-v", ResumeOptions{})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	rec := newRecorder()
	c = h.coordinator(t, cfg, rec.failing())
	report, err := c.Resume(ctx, "job-v", ResumeOptions{FromCheckpoint: 2})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, report.Phase)
	assert.Equal(t, []types.ItemID{"item-1", "item-2"}, rec.ids())
}

// ============================================================================
// 失敗策略與門檻
// ============================================================================

func TestRetryPolicyCountsItemOnce(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "/in/items.json", 3)
	cfg := testConfig("/in/items.json")
	cfg.OnItemFailure = string(PolicyRetry)
	cfg.MaxGlobalRetries = 5
	cfg.MaxFailures = 2

	rec := newRecorder()
	c := h.coordinator(t, cfg, rec.failing("item-1"))
	report, err := c.Run(context.Background(), "job-once")
	require.NoError(t, err)

	assert.Equal(t, types.PhaseCompleted, report.Phase)
	assert.Equal(t, 1, report.FailedItems)
	assert.Equal(t, 5, report.GlobalRetries)
	assert.Equal(t, 6, rec.count("item-1"))
	assert.Equal(t, 2, report.Stats.Completed)
	assert.Equal(t, 1, report.Stats.DeadLettered)
	assert.Len(t, h.events.OfType(eventlog.EventItemRequeued), 5)

	item, ok := func() (types.WorkItem, bool) {
		cp, err := h.checkpoints.Latest(context.Background(), "job-once")
		require.NoError(t, err)
		for _, it := range cp.WorkItems {
			if it.ID == "item-1" {
				return it, true
			}
		}
		return types.WorkItem{}, false
	}()
	require.True(t, ok)
	assert.Equal(t, types.StatusDeadLettered, item.Status)
	assert.Equal(t, 5, item.RetryCount)
}

func TestMaxFailuresHaltsJob(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "/in/items.json", 5)
	cfg := testConfig("/in/items.json")
	cfg.MaxFailures = 2

	c := h.coordinator(t, cfg, newRecorder().failing("item-0", "item-1"))
	report, err := c.Run(context.Background(), "job-halt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobFailed)
	assert.ErrorIs(t, err, ErrThresholdExceeded)

	assert.Equal(t, types.PhaseFailed, report.Phase)
	assert.Equal(t, 2, report.FailedItems)
	assert.Equal(t, 2, report.Stats.DeadLettered)
	assert.Equal(t, 3, report.Stats.Pending)

	cp, err := h.checkpoints.Latest(context.Background(), "job-halt")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseFailed, cp.Phase)
	assert.Equal(t, types.PhaseMap, cp.FailedIn)
	assert.Len(t, h.events.OfType(eventlog.EventJobFailed), 1)
}

func TestFailureThresholdNeedsMinimumProcessed(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "/in/items.json", 20)
	cfg := testConfig("/in/items.json")
	cfg.OnItemFailure = string(PolicySkip)
	cfg.FailureThreshold = 0.3

	var bad []types.ItemID
	for i := 1; i < 20; i += 2 {
		bad = append(bad, types.ItemID(fmt.Sprintf("item-%d", i)))
	}
	c := h.coordinator(t, cfg, newRecorder().failing(bad...))
	report, err := c.Run(context.Background(), "job-rate")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThresholdExceeded)

	// 第 10 個處理完的項目（item-9）才讓比例生效
	assert.Equal(t, 5, report.Stats.Completed)
	assert.Equal(t, 5, report.Stats.Failed)
	assert.Equal(t, 10, report.Stats.Pending)
}

func TestSkipPolicyCompletesJob(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "/in/items.json", 4)
	cfg := testConfig("/in/items.json")
	cfg.OnItemFailure = string(PolicySkip)

	c := h.coordinator(t, cfg, newRecorder().failing("item-2"))
	report, err := c.Run(context.Background(), "job-skip")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, report.Phase)
	assert.Equal(t, 3, report.Stats.Completed)
	assert.Equal(t, 1, report.Stats.Failed)
	assert.Len(t, h.events.OfType(eventlog.EventItemSkipped), 1)

	count, err := dlq.New(h.dlqStore, "job-skip").Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStopPolicyAndForceResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeInput(t, "/in/items.json", 4)
	cfg := testConfig("/in/items.json")
	cfg.OnItemFailure = string(PolicyStop)

	c := h.coordinator(t, cfg, newRecorder().failing("item-1"))
	report, err := c.Run(ctx, "job-stop")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrItemFailed)
	assert.Equal(t, types.PhaseFailed, report.Phase)
	assert.Equal(t, 1, report.Stats.Completed)
	assert.Equal(t, 1, report.Stats.Failed)
	assert.Equal(t, 2, report.Stats.Pending)

	_, err = c.Resume(ctx, "job-stop", ResumeOptions{})
	assert.ErrorIs(t, err, ErrForceRequired)

	rec := newRecorder()
	c = h.coordinator(t, cfg, rec.failing())
	report, err = c.Resume(ctx, "job-stop", ResumeOptions{Force: true, MaxAdditionalRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, report.Phase)
	assert.Equal(t, 4, report.Stats.Completed)
	assert.Equal(t, 0, report.FailedItems)
	assert.Equal(t, []types.ItemID{"item-1", "item-2", "item-3"}, rec.ids())
}

func TestForceResumeReadmitsDeadLettered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeInput(t, "/in/items.json", 3)
	cfg := testConfig("/in/items.json")
	cfg.MaxFailures = 1

	c := h.coordinator(t, cfg, newRecorder().failing("item-0"))
	_, err := c.Run(ctx, "job-readmit")
	require.ErrorIs(t, err, ErrThresholdExceeded)

	rec := newRecorder()
	c = h.coordinator(t, cfg, rec.failing())
	report, err := c.Resume(ctx, "job-readmit", ResumeOptions{Force: true, MaxAdditionalRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Stats.Completed)
	assert.Equal(t, 0, report.Stats.DeadLettered)

	// 重新接納後成功的項目從 DLQ 移除
	count, err := dlq.New(h.dlqStore, "job-readmit").Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// ============================================================================
// 重試、DLQ 與斷路器
// ============================================================================

func TestExhaustedItemKeepsFailureHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeInput(t, "/in/items.json", 2)
	cfg := testConfig("/in/items.json")
	cfg.Retry.Attempts = 3

	rec := newRecorder()
	c := h.coordinator(t, cfg, rec.failing("item-0"))
	report, err := c.Run(ctx, "job-history")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stats.DeadLettered)
	assert.Equal(t, 3, rec.count("item-0"))
	assert.Len(t, h.events.OfType(eventlog.EventItemRetrying), 2)

	entry, err := dlq.New(h.dlqStore, "job-history").Get(ctx, "item-0")
	require.NoError(t, err)
	require.Len(t, entry.FailureHistory, 3)
	assert.Equal(t, 3, entry.FailureCount)
	for i, f := range entry.FailureHistory {
		assert.Equal(t, i+1, f.AttemptNumber)
		assert.Equal(t, types.KindCommandFailed, f.ErrorType.Kind)
	}
	assert.True(t, entry.ReprocessEligible)
	assert.Equal(t, map[string]interface{}{"n": float64(0)}, entry.ItemData)
}

func TestAgentTimeoutIsItemFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeInput(t, "/in/items.json", 1)
	cfg := testConfig("/in/items.json")
	cfg.Agent.Timeout = 20 * time.Millisecond

	c := h.coordinator(t, cfg, agent.ExecutorFunc(func(ctx context.Context, _ agent.Request) (*types.AgentResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	report, err := c.Run(ctx, "job-timeout")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, report.Phase)
	assert.Equal(t, 1, report.Stats.DeadLettered)

	entry, err := dlq.New(h.dlqStore, "job-timeout").Get(ctx, "item-0")
	require.NoError(t, err)
	assert.Equal(t, types.KindTimeout, entry.LastFailure().ErrorType.Kind)
}

func TestCircuitBreakerRejectsAfterThreshold(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "/in/items.json", 5)
	cfg := testConfig("/in/items.json")
	cfg.OnItemFailure = string(PolicySkip)
	cfg.CircuitBreaker.Enabled = true
	cfg.CircuitBreaker.FailureThreshold = 2
	cfg.CircuitBreaker.RecoveryTimeout = time.Hour

	rec := newRecorder()
	all := []types.ItemID{"item-0", "item-1", "item-2", "item-3", "item-4"}
	c := h.coordinator(t, cfg, rec.failing(all...))
	report, err := c.Run(context.Background(), "job-breaker")
	require.NoError(t, err)

	assert.Equal(t, 5, report.Stats.Failed)
	assert.Equal(t, []types.ItemID{"item-0", "item-1"}, rec.ids())
	assert.Len(t, h.events.OfType(eventlog.EventCircuitStateChanged), 1)
}

func TestRetryDLQ(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeInput(t, "/in/items.json", 3)
	cfg := testConfig("/in/items.json")

	c := h.coordinator(t, cfg, newRecorder().failing("item-1"))
	_, err := c.Run(ctx, "job-dlq")
	require.NoError(t, err)

	queue := dlq.New(h.dlqStore, "job-dlq")
	count, err := queue.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	rec := newRecorder()
	c = h.coordinator(t, cfg, rec.failing())
	report, err := c.RetryDLQ(ctx, "job-dlq", DLQRetryOptions{MaxParallel: 2})
	require.NoError(t, err)
	assert.Contains(t, report.JobID, "job-dlq-reprocess-")
	assert.Equal(t, types.PhaseCompleted, report.Phase)
	assert.Equal(t, 1, report.Stats.Completed)
	assert.Equal(t, []types.ItemID{"item-1"}, rec.ids())

	count, err = queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = c.RetryDLQ(ctx, "job-dlq", DLQRetryOptions{})
	assert.ErrorIs(t, err, ErrNothingToReprocess)
}

func TestRetryDLQOverridesAttemptsAndTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeInput(t, "/in/items.json", 2)
	cfg := testConfig("/in/items.json")

	_, err := h.coordinator(t, cfg, newRecorder().failing("item-1")).Run(ctx, "job-override")
	require.NoError(t, err)

	// 重新處理時 agent 卡住，只能靠覆寫的超時結束
	rec := newRecorder()
	hang := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (*types.AgentResult, error) {
		rec.record(req.Item.ID)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := h.coordinator(t, cfg, hang)
	report, err := c.RetryDLQ(ctx, "job-override", DLQRetryOptions{
		MaxRetries: 3,
		Timeout:    20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, types.PhaseCompleted, report.Phase)
	assert.Equal(t, 1, report.Stats.DeadLettered)
	assert.Equal(t, 3, rec.count("item-1"))

	entry, err := dlq.New(h.dlqStore, "job-override").Get(ctx, "item-1")
	require.NoError(t, err)
	assert.Equal(t, types.KindTimeout, entry.LastFailure().ErrorType.Kind)

	// 覆寫值保存在重新處理 job 的 checkpoint，resume 時沿用
	cp, err := h.checkpoints.Latest(ctx, report.JobID)
	require.NoError(t, err)
	saved, err := c.jobConfig(cp.Config)
	require.NoError(t, err)
	assert.Equal(t, 3, saved.Retry.Attempts)
	assert.Equal(t, 20*time.Millisecond, saved.Agent.Timeout)

	// 原本 job 的設定不受影響
	assert.Equal(t, 1, c.Config().Retry.Attempts)
	assert.Zero(t, c.Config().Agent.Timeout)
}

// ============================================================================
// Resume lock
// ============================================================================

func TestRunBlockedByLiveLock(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "/in/items.json", 1)
	cfg := testConfig("/in/items.json")

	other := resumelock.NewManager(h.fs, "/state/locks", resumelock.WithIdentity(4242, "other-host"))
	guard, err := other.Acquire("job-locked")
	require.NoError(t, err)
	defer guard.Release()

	rec := newRecorder()
	c := h.coordinator(t, cfg, rec.failing())
	_, err = c.Run(context.Background(), "job-locked")
	require.Error(t, err)

	var conflict *resumelock.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 4242, conflict.Holder.PID)
	assert.Equal(t, "other-host", conflict.Holder.Hostname)
	assert.ErrorIs(t, err, resumelock.ErrLocked)
	assert.Empty(t, rec.ids())
}

// TestRunTwiceAfterCompletion 第二個 run 等鎖期間第一個 run 已完成，取得鎖後不能從頭再跑
func TestRunTwiceAfterCompletion(t *testing.T) {
	h := newHarness(t)
	h.writeInput(t, "/in/items.json", 3)
	cfg := testConfig("/in/items.json")

	// 崩潰的 process 留下的鎖，兩個 run 都必須先回收它
	crashed := resumelock.NewManager(h.fs, "/state/locks", resumelock.WithIdentity(999, "host-a"))
	_, err := crashed.Acquire("job-twice")
	require.NoError(t, err)

	first := *h
	first.locks = resumelock.NewManager(h.fs, "/state/locks",
		resumelock.WithLogger(h.logger),
		resumelock.WithIdentity(100, "host-a"),
		resumelock.WithLivenessProbe(func(pid int) bool { return pid == 100 }))
	firstRec := newRecorder()
	var (
		firstReport *Report
		firstErr    error
		once        sync.Once
	)

	second := *h
	second.locks = resumelock.NewManager(h.fs, "/state/locks",
		resumelock.WithLogger(h.logger),
		resumelock.WithIdentity(200, "host-a"),
		resumelock.WithLivenessProbe(func(pid int) bool {
			if pid == 999 {
				// 第二個 run 檢查舊鎖時，第一個 run 從頭跑到完成
				once.Do(func() {
					firstReport, firstErr = first.coordinator(t, cfg, firstRec.failing()).Run(context.Background(), "job-twice")
				})
				return false
			}
			return pid == 200
		}))
	secondRec := newRecorder()

	_, err = second.coordinator(t, cfg, secondRec.failing()).Run(context.Background(), "job-twice")
	require.NoError(t, firstErr)
	require.NotNil(t, firstReport)
	assert.Equal(t, types.PhaseCompleted, firstReport.Phase)
	assert.Len(t, firstRec.ids(), 3)

	assert.ErrorIs(t, err, ErrJobExists)
	assert.Contains(t, err.Error(), "use resume")
	assert.Empty(t, secondRec.ids(), "no item may run twice")
	assert.Len(t, h.events.OfType(eventlog.EventJobStarted), 1)

	lock, err := h.locks.Inspect("job-twice")
	require.NoError(t, err)
	assert.Nil(t, lock, "the second run released the lock")
}

// ============================================================================
// Setup / Reduce
// ============================================================================

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestSetupAndReduceVariables(t *testing.T) {
	requireShell(t)
	h := newHarness(t)
	h.writeInput(t, "/in/items.json", 3)
	cfg := testConfig("/in/${name}.json")
	cfg.Setup = []agent.Step{{Name: "name", Shell: "echo items", Capture: "name"}}
	cfg.Reduce = []agent.Step{{Name: "summary", Shell: "echo ${map.successful}/${map.total}", Capture: "summary"}}

	c := h.coordinator(t, cfg, newRecorder().failing())
	report, err := c.Run(context.Background(), "job-vars")
	require.NoError(t, err)
	assert.Equal(t, "items", report.Variables["name"])
	assert.Equal(t, "3/3", report.Variables["summary"])

	cp, err := h.checkpoints.Latest(context.Background(), "job-vars")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.ReduceCompleted)
	assert.Equal(t, "3/3", cp.CapturedVariables["summary"])
}

func TestSetupFailureFailsJob(t *testing.T) {
	requireShell(t)
	h := newHarness(t)
	cfg := testConfig("/in/items.json")
	cfg.Setup = []agent.Step{{Name: "broken", Shell: "exit 3"}}

	rec := newRecorder()
	c := h.coordinator(t, cfg, rec.failing())
	report, err := c.Run(context.Background(), "job-setup")
	require.ErrorIs(t, err, ErrJobFailed)
	assert.Equal(t, types.PhaseFailed, report.Phase)
	assert.Empty(t, rec.ids())

	cp, err := h.checkpoints.Latest(context.Background(), "job-setup")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseSetup, cp.FailedIn)
}

func TestRunRequiresInput(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, testConfig(""), newRecorder().failing())
	_, err := c.Run(context.Background(), "job-none")
	assert.ErrorIs(t, err, ErrNoInput)
}
