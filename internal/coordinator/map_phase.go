package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-jobs/internal/agent"
	"github.com/ChuLiYu/beaver-jobs/internal/checkpoint"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/ids"
	"github.com/ChuLiYu/beaver-jobs/internal/retry"
	"github.com/ChuLiYu/beaver-jobs/internal/worker"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// Map 階段：單一 dispatcher
// ============================================================================

// dispatchState dispatcher 迴圈的區域狀態
type dispatchState struct {
	inflight  int
	halt      error // 非 nil 時停止分派（失敗策略或 I/O 錯誤）
	cancelled bool  // ctx 已取消
	abandoned bool  // 寬限期結束，已 Abandon
}

func (s *dispatchState) stopping() bool {
	return s.halt != nil || s.cancelled
}

// runMap 以 max_parallel 個 worker 處理所有 Pending 項目
//
// 返回值:
//   - nil: 所有項目都已有最終狀態
//   - ctx.Err(): 被取消；執行中的項目留在 InProgress，由 finish 重置
//   - 其他: 失敗策略要求停止或 checkpoint / DLQ 寫入失敗
func (c *Coordinator) runMap(ctx context.Context, jc *JobContext) error {
	policy, err := jc.Config.Retry.Policy()
	if err != nil {
		return err
	}
	onFailure := FailurePolicy(jc.Config.OnItemFailure)
	if onFailure == "" {
		onFailure = PolicyDLQ
	}

	var breaker *retry.CircuitBreaker
	if jc.Config.CircuitBreaker.Enabled {
		breaker = retry.NewCircuitBreaker(jc.Config.CircuitBreaker,
			retry.WithBreakerClock(c.now),
			retry.WithBreakerLogger(c.logger),
			retry.WithStateChange(func(from, to retry.BreakerState) {
				c.metrics.SetCircuitState(jc.JobID, int(to))
				jc.events.Emit(eventlog.EventCircuitStateChanged, "", map[string]interface{}{
					"from": from.String(),
					"to":   to.String(),
				})
			}))
	}

	parallel := jc.Config.MaxParallel
	if parallel < 1 {
		parallel = 1
	}
	h := &itemHandler{
		c:       c,
		jobID:   jc.JobID,
		policy:  policy,
		breaker: breaker,
		timeout: jc.Config.Agent.Timeout,
		vars:    copyVars(jc.Variables),
		events:  jc.events,
	}
	pool := worker.NewPool(parallel, h.handle, worker.WithLogger(c.logger))

	// 執行中的 agent 只在寬限期結束（Abandon）時被取消
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer pool.Stop()

	c.logger.Info("Map phase started",
		"job_id", jc.JobID,
		"pending", jc.Items.Stats().Pending,
		"max_parallel", parallel,
		"on_item_failure", onFailure)

	st := &dispatchState{}
	done := ctx.Done()
	var grace <-chan time.Time

	for {
		if !st.cancelled && ctx.Err() != nil {
			done = nil
			st.cancelled = true
		}
		if !st.stopping() {
			c.dispatch(ctx, jc, pool, parallel, st)
		}
		if st.inflight == 0 {
			break
		}

		if st.stopping() && grace == nil {
			grace = time.After(c.shutdownTimeout(jc))
		}

		select {
		case res := <-pool.Results():
			st.inflight--
			c.handleResult(ctx, jc, res, onFailure, st)
		case <-done:
			done = nil
			st.cancelled = true
			c.logger.Warn("Interrupt received, waiting for in-flight agents",
				"job_id", jc.JobID,
				"in_flight", st.inflight,
				"timeout", c.shutdownTimeout(jc))
		case <-grace:
			grace = nil
			if !st.abandoned {
				st.abandoned = true
				c.logger.Warn("Shutdown timeout reached, abandoning in-flight agents",
					"job_id", jc.JobID,
					"in_flight", st.inflight)
				pool.Abandon()
			}
		}
	}

	if st.halt != nil {
		return st.halt
	}
	if st.cancelled {
		return ctx.Err()
	}
	if jc.sinceCheckpoint > 0 {
		return c.checkpoint(ctx, jc)
	}
	return nil
}

func (c *Coordinator) shutdownTimeout(jc *JobContext) time.Duration {
	if d := jc.Config.ShutdownTimeout; d > 0 {
		return d
	}
	return 30 * time.Second
}

// dispatch 在 inflight < parallel 時持續分派 Pending 項目
func (c *Coordinator) dispatch(ctx context.Context, jc *JobContext, pool *worker.Pool, parallel int, st *dispatchState) {
	for st.inflight < parallel {
		item, ok := jc.Items.NextPending()
		if !ok {
			return
		}
		agentID := ids.NewAgentID()
		if err := jc.Items.MarkInProgress(item.ID, agentID); err != nil {
			st.halt = err
			return
		}
		item.Status = types.StatusInProgress
		item.AgentID = agentID

		if err := pool.Submit(context.WithoutCancel(ctx), worker.Task{Item: item, AgentID: agentID}); err != nil {
			st.halt = fmt.Errorf("failed to dispatch %s: %w", item.ID, err)
			return
		}
		st.inflight++

		c.metrics.RecordDispatch(jc.JobID)
		jc.events.Emit(eventlog.EventItemStarted, string(item.ID), map[string]interface{}{
			"agent_id": agentID,
			"attempts": item.Retry.Attempts,
		})
		c.logger.Debug("Item dispatched",
			"job_id", jc.JobID,
			"item_id", item.ID,
			"agent_id", agentID)
	}
}

// ============================================================================
// 結果處理
// ============================================================================

// handleResult 處理一個 worker 結果；只在 dispatcher goroutine 呼叫
func (c *Coordinator) handleResult(ctx context.Context, jc *JobContext, res worker.Result, onFailure FailurePolicy, st *dispatchState) {
	persistCtx := context.WithoutCancel(ctx)
	id := res.ItemID

	if err := jc.Items.UpdateRetryState(id, res.Retry); err != nil {
		c.logger.Error("Unknown item in result", "job_id", jc.JobID, "item_id", id, "error", err)
		return
	}

	// 被取消的執行不算失敗，項目留在 InProgress 等待重置
	if res.Err != nil && (st.cancelled || st.abandoned) && (errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)) {
		c.logger.Info("Agent interrupted", "job_id", jc.JobID, "item_id", id)
		return
	}

	defer func() {
		stats := jc.Items.Stats()
		c.metrics.UpdateItemStats(jc.JobID, stats.Pending, stats.InProgress)
	}()

	if res.Success() {
		c.completeItem(persistCtx, jc, res)
	} else {
		c.failItem(persistCtx, jc, res, onFailure, st)
	}

	jc.sinceCheckpoint++
	if st.halt == nil && jc.sinceCheckpoint >= jc.Config.CheckpointEvery {
		if err := c.checkpoint(ctx, jc); err != nil {
			st.halt = err
		}
	}
}

// completeItem InProgress → Completed
func (c *Coordinator) completeItem(ctx context.Context, jc *JobContext, res worker.Result) {
	item, _ := jc.Items.Get(res.ItemID)
	if err := jc.Items.MarkCompleted(res.ItemID); err != nil {
		c.logger.Error("Failed to mark item completed", "job_id", jc.JobID, "item_id", res.ItemID, "error", err)
		return
	}
	delete(jc.history, res.ItemID)

	summary := checkpoint.ResultSummary{
		AgentID:  item.AgentID,
		Status:   types.AgentSuccess,
		Duration: res.Duration,
		Soft:     res.Soft,
	}
	if res.Agent != nil {
		summary.Artifacts = res.Agent.Artifacts
		summary.Error = res.Agent.Error
	}
	jc.Results[res.ItemID] = summary

	c.metrics.RecordCompleted(jc.JobID, res.Duration)
	jc.events.Emit(eventlog.EventItemCompleted, string(res.ItemID), map[string]interface{}{
		"agent_id": item.AgentID,
		"attempts": res.Retry.Attempts,
		"duration": res.Duration.String(),
		"soft":     res.Soft,
	})

	// 從 DLQ 重新處理成功的項目移出 DLQ
	if item.FromDLQ {
		if _, err := jc.dlq.Resolve(ctx, []types.ItemID{res.ItemID}); err != nil {
			c.logger.Warn("Failed to remove reprocessed item from DLQ",
				"job_id", jc.JobID,
				"item_id", res.ItemID,
				"error", err)
		}
	}
}

// failItem InProgress → Failed，然後套用 on_item_failure
func (c *Coordinator) failItem(ctx context.Context, jc *JobContext, res worker.Result, onFailure FailurePolicy, st *dispatchState) {
	id := res.ItemID
	item, _ := jc.Items.Get(id)
	msg := res.Err.Error()

	if err := jc.Items.MarkFailed(id, msg); err != nil {
		c.logger.Error("Failed to mark item failed", "job_id", jc.JobID, "item_id", id, "error", err)
		return
	}

	failures := res.Failures
	if len(failures) == 0 {
		// 斷路器開啟或 panic：沒有實際嘗試，仍需保留一筆紀錄
		failures = []types.AttemptFailure{{
			Attempt:   res.Retry.Attempts,
			Timestamp: c.now(),
			ErrorType: agent.TypeOf(res.Err),
			Message:   msg,
			AgentID:   item.AgentID,
			Duration:  res.Duration,
		}}
	}
	jc.history[id] = append(jc.history[id], toFailureDetails(failures)...)

	summary := checkpoint.ResultSummary{
		AgentID:  item.AgentID,
		Status:   types.AgentFailure,
		Duration: res.Duration,
		Error:    msg,
	}
	if res.Agent != nil {
		summary.Artifacts = res.Agent.Artifacts
	}
	jc.Results[id] = summary

	reason := retry.ReasonLabel(res.Err)
	c.metrics.RecordFailed(jc.JobID, res.Duration)
	c.metrics.RecordExhausted(jc.JobID, reason)
	jc.events.Emit(eventlog.EventItemFailed, string(id), map[string]interface{}{
		"agent_id": item.AgentID,
		"attempts": res.Retry.Attempts,
		"reason":   reason,
		"error":    msg,
	})
	c.logger.Warn("Item failed",
		"job_id", jc.JobID,
		"item_id", id,
		"attempts", res.Retry.Attempts,
		"reason", reason,
		"error", msg)

	// 每個項目只計一次
	jc.markFailedOnce(id)

	switch onFailure {
	case PolicyDLQ:
		c.deadLetter(ctx, jc, item, st)
	case PolicyRetry:
		if jc.Config.MaxGlobalRetries > 0 && jc.globalRetries < jc.Config.MaxGlobalRetries {
			if err := jc.Items.Requeue(id); err != nil {
				st.halt = err
				return
			}
			jc.globalRetries++
			jc.events.Emit(eventlog.EventItemRequeued, string(id), map[string]interface{}{
				"global_retries": jc.globalRetries,
			})
		} else {
			c.logger.Warn("Global retry limit reached, moving item to DLQ",
				"job_id", jc.JobID,
				"item_id", id,
				"max_global_retries", jc.Config.MaxGlobalRetries)
			c.deadLetter(ctx, jc, item, st)
		}
	case PolicySkip:
		jc.skipped = append(jc.skipped, id)
		jc.events.Emit(eventlog.EventItemSkipped, string(id), nil)
	case PolicyStop:
		st.halt = fmt.Errorf("%w: %s: %s", ErrItemFailed, id, msg)
		return
	default:
		panic(fmt.Sprintf("coordinator: unhandled on_item_failure %q", onFailure))
	}

	if st.halt == nil {
		if exceeded, why := jc.thresholdExceeded(); exceeded {
			st.halt = fmt.Errorf("%w: %s", ErrThresholdExceeded, why)
		}
	}
}

// deadLetter 寫入 DLQ 並標記 DeadLettered；寫入失敗讓 job 停止
func (c *Coordinator) deadLetter(ctx context.Context, jc *JobContext, item types.WorkItem, st *dispatchState) {
	history := jc.history[item.ID]
	if _, err := jc.dlq.Add(ctx, item, history); err != nil {
		st.halt = fmt.Errorf("failed to add %s to DLQ: %w", item.ID, err)
		return
	}
	if err := jc.Items.MarkDeadLettered(item.ID); err != nil {
		st.halt = err
		return
	}
	delete(jc.history, item.ID)

	c.metrics.RecordDeadLettered(jc.JobID)
	jc.events.Emit(eventlog.EventItemDeadLettered, string(item.ID), map[string]interface{}{
		"failures": len(history),
	})
}

func copyVars(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
