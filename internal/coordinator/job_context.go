package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/beaver-jobs/internal/checkpoint"
	"github.com/ChuLiYu/beaver-jobs/internal/config"
	"github.com/ChuLiYu/beaver-jobs/internal/dlq"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// JobContext
// ============================================================================

// JobContext 單次執行的全部可變狀態
//
// 只由 dispatcher goroutine 讀寫；worker 只拿到項目的複本與唯讀的變數。
type JobContext struct {
	JobID  string
	Config config.JobConfig
	Phase  types.Phase

	Items     *jobmanager.JobManager
	Results   map[types.ItemID]checkpoint.ResultSummary
	Variables map[string]string

	// 失敗項目集合，每個項目只計一次
	failed        map[types.ItemID]struct{}
	failedOrder   []types.ItemID
	skipped       []types.ItemID
	globalRetries int

	// 同一個項目在多次 requeue 之間累積的失敗紀錄
	history map[types.ItemID][]dlq.FailureDetail

	failedIn        types.Phase
	reduceCompleted int
	version         int
	sinceCheckpoint int
	errMsg          string

	// DLQ 目標；DLQ 重新處理時指向原本 job 的佇列
	dlq *dlq.Queue
	// skipReduce DLQ 重新處理時不執行 reduce
	skipReduce bool

	events *eventlog.Emitter
}

func (c *Coordinator) newJobContext(jobID string, cfg config.JobConfig) *JobContext {
	jc := &JobContext{
		JobID:     jobID,
		Config:    cfg,
		Phase:     types.PhaseSetup,
		Items:     jobmanager.NewJobManager(),
		Results:   make(map[types.ItemID]checkpoint.ResultSummary),
		Variables: make(map[string]string),
		failed:    make(map[types.ItemID]struct{}),
		history:   make(map[types.ItemID][]dlq.FailureDetail),
		events:    eventlog.NewEmitter(c.sink, jobID, c.logger),
	}
	jc.dlq = c.queue(jobID, jc.events)
	return jc
}

// queue 建立 job 的 DLQ
func (c *Coordinator) queue(jobID string, events *eventlog.Emitter) *dlq.Queue {
	maxItems := c.cfg.DLQMaxItems
	if maxItems <= 0 {
		maxItems = dlq.DefaultMaxItems
	}
	return dlq.New(c.dlqStore, jobID,
		dlq.WithMaxItems(maxItems),
		dlq.WithEvents(events),
		dlq.WithRecorder(c.metrics),
		dlq.WithLogger(c.logger),
		dlq.WithClock(c.now))
}

// restore 以 checkpoint 內容重建 JobContext
func (jc *JobContext) restore(cp *checkpoint.Checkpoint) error {
	if err := jc.Items.Restore(cp.WorkItems); err != nil {
		return fmt.Errorf("failed to restore work items: %w", err)
	}
	jc.Phase = cp.Phase
	jc.version = cp.Version
	jc.failedIn = cp.FailedIn
	jc.reduceCompleted = cp.ReduceCompleted
	jc.errMsg = cp.Error
	for id, r := range cp.AgentResults {
		jc.Results[id] = r
	}
	for k, v := range cp.CapturedVariables {
		jc.Variables[k] = v
	}
	for _, id := range cp.Counters.FailedItems {
		jc.markFailedOnce(id)
	}
	jc.skipped = append(jc.skipped, cp.Counters.Skipped...)
	jc.globalRetries = cp.Counters.GlobalRetries
	return nil
}

// snapshot 產生目前狀態的 checkpoint（版本號由 Manager 決定）
func (jc *JobContext) snapshot() (*checkpoint.Checkpoint, error) {
	cfg, err := json.Marshal(jc.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job config: %w", err)
	}
	results := make(map[types.ItemID]checkpoint.ResultSummary, len(jc.Results))
	for id, r := range jc.Results {
		results[id] = r
	}
	vars := make(map[string]string, len(jc.Variables))
	for k, v := range jc.Variables {
		vars[k] = v
	}
	return &checkpoint.Checkpoint{
		JobID:             jc.JobID,
		Phase:             jc.Phase,
		WorkItems:         jc.Items.Snapshot(),
		AgentResults:      results,
		CapturedVariables: vars,
		Counters: checkpoint.Counters{
			FailedItems:   append([]types.ItemID(nil), jc.failedOrder...),
			GlobalRetries: jc.globalRetries,
			Skipped:       append([]types.ItemID(nil), jc.skipped...),
		},
		Config:          cfg,
		Error:           jc.errMsg,
		FailedIn:        jc.failedIn,
		ReduceCompleted: jc.reduceCompleted,
	}, nil
}

// markFailedOnce 記錄失敗項目；回傳是否為第一次
func (jc *JobContext) markFailedOnce(id types.ItemID) bool {
	if _, seen := jc.failed[id]; seen {
		return false
	}
	jc.failed[id] = struct{}{}
	jc.failedOrder = append(jc.failedOrder, id)
	return true
}

// clearCounters force resume 時清除失敗計數
func (jc *JobContext) clearCounters() {
	jc.failed = make(map[types.ItemID]struct{})
	jc.failedOrder = nil
	jc.skipped = nil
	jc.globalRetries = 0
	jc.errMsg = ""
	jc.failedIn = ""
}

// processed 至少有過一次最終結果的項目數（完成或失敗）
func (jc *JobContext) processed() int {
	n := len(jc.failed)
	for _, id := range jc.Items.IDsWithStatus(types.StatusCompleted) {
		if _, failedBefore := jc.failed[id]; !failedBefore {
			n++
		}
	}
	return n
}

// thresholdExceeded 檢查 max_failures / failure_threshold
func (jc *JobContext) thresholdExceeded() (bool, string) {
	failures := len(jc.failed)
	if limit := jc.Config.MaxFailures; limit > 0 && failures >= limit {
		return true, fmt.Sprintf("%d failed items reached max_failures %d", failures, limit)
	}
	if rate := jc.Config.FailureThreshold; rate > 0 {
		processed := jc.processed()
		if processed >= minProcessedForRate {
			frac := float64(failures) / float64(processed)
			if frac > rate {
				return true, fmt.Sprintf("failure rate %.2f (%d/%d) exceeds failure_threshold %.2f",
					frac, failures, processed, rate)
			}
		}
	}
	return false, ""
}

// setPhase 階段轉換並發出事件
func (jc *JobContext) setPhase(to types.Phase) error {
	if !jc.Phase.CanTransition(to) {
		return fmt.Errorf("invalid phase transition %s -> %s", jc.Phase, to)
	}
	from := jc.Phase
	if to == types.PhaseFailed {
		jc.failedIn = from
	}
	jc.Phase = to
	jc.events.Emit(eventlog.EventPhaseChanged, "", map[string]interface{}{
		"from": string(from),
		"to":   string(to),
	})
	return nil
}

// report 產生結果摘要
func (jc *JobContext) report() *Report {
	vars := make(map[string]string, len(jc.Variables))
	for k, v := range jc.Variables {
		vars[k] = v
	}
	return &Report{
		JobID:             jc.JobID,
		Phase:             jc.Phase,
		Stats:             jc.Items.Stats(),
		CheckpointVersion: jc.version,
		Variables:         vars,
		FailedItems:       len(jc.failed),
		GlobalRetries:     jc.globalRetries,
		Error:             jc.errMsg,
	}
}

// checkpoint 寫入新版本
//
// 使用不會被取消的 context，取消流程中的最後一個 checkpoint 也必須寫完。
func (c *Coordinator) checkpoint(ctx context.Context, jc *JobContext) error {
	cp, err := jc.snapshot()
	if err != nil {
		return err
	}
	version, err := c.checkpoints.Create(context.WithoutCancel(ctx), cp)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	jc.version = version
	jc.sinceCheckpoint = 0
	jc.events.Emit(eventlog.EventCheckpointCreated, "", map[string]interface{}{
		"version": version,
		"phase":   string(jc.Phase),
	})
	return nil
}

// toFailureDetails 轉換為 DLQ 的失敗紀錄
func toFailureDetails(failures []types.AttemptFailure) []dlq.FailureDetail {
	out := make([]dlq.FailureDetail, 0, len(failures))
	for _, f := range failures {
		out = append(out, dlq.FailureDetail{
			AttemptNumber: f.Attempt,
			Timestamp:     f.Timestamp,
			ErrorType:     f.ErrorType,
			ErrorMessage:  f.Message,
			AgentID:       f.AgentID,
			Duration:      f.Duration,
		})
	}
	return out
}
