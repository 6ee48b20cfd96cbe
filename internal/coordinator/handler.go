package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/beaver-jobs/internal/agent"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/retry"
	"github.com/ChuLiYu/beaver-jobs/internal/worker"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// Worker 端：一次分派 = 重試執行器包住 agent 呼叫
// ============================================================================

// itemHandler 在 worker goroutine 中執行；只讀取建立時的設定，不碰 JobContext
type itemHandler struct {
	c       *Coordinator
	jobID   string
	policy  retry.Policy
	breaker *retry.CircuitBreaker
	timeout time.Duration
	vars    map[string]string
	events  *eventlog.Emitter
}

// handle 實作 worker.Handler
func (h *itemHandler) handle(ctx context.Context, _ int, task worker.Task) worker.Result {
	c := h.c
	item := task.Item
	state := item.Retry
	start := c.now()

	var (
		failures []types.AttemptFailure
		last     *types.AgentResult
	)

	opts := []retry.ExecutorOption{
		retry.WithBreaker(h.breaker),
		retry.WithClock(c.now),
		retry.WithLogger(c.logger.With("job_id", h.jobID, "item_id", item.ID)),
		retry.WithRetryHook(func(attempt int, delay time.Duration, err error) {
			c.metrics.RecordRetry(h.jobID)
			h.events.Emit(eventlog.EventItemRetrying, string(item.ID), map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
		}),
		retry.WithFallback(func(ctx context.Context, command string, cause error) error {
			vars := copyVars(h.vars)
			vars["ITEM_ID"] = string(item.ID)
			vars["AGENT_ID"] = task.AgentID
			_, err := c.steps.RunCommand(ctx, agent.Interpolate(command, item.Payload, vars), vars)
			return err
		}),
	}
	if c.sleep != nil {
		opts = append(opts, retry.WithSleeper(c.sleep))
	}
	if c.rnd != nil {
		opts = append(opts, retry.WithRand(c.rnd))
	}
	exec := retry.NewExecutor(opts...)

	outcome, err := exec.Execute(ctx, h.policy, &state, func(ctx context.Context, attempt int) error {
		attemptStart := c.now()
		res, runErr := h.attempt(ctx, item, task.AgentID, attempt)
		if res != nil {
			last = res
		}
		if runErr == nil {
			return nil
		}
		if ctx.Err() == nil {
			failures = append(failures, types.AttemptFailure{
				Attempt:   attempt,
				Timestamp: c.now(),
				ErrorType: agent.TypeOf(runErr),
				Message:   runErr.Error(),
				AgentID:   task.AgentID,
				Duration:  c.now().Sub(attemptStart),
			})
		}
		return runErr
	})

	if err == nil && outcome.Continued && last != nil {
		last.Soft = true
		if last.Error == "" && outcome.LastErr != nil {
			last.Error = outcome.LastErr.Error()
		}
	}

	return worker.Result{
		ItemID:   item.ID,
		Agent:    last,
		Retry:    state,
		Attempts: outcome.Attempts,
		Soft:     err == nil && outcome.Continued,
		Failures: failures,
		Err:      err,
		Duration: c.now().Sub(start),
	}
}

// attempt 單次嘗試：建立隔離範圍 → 執行 agent → 銷毀範圍
//
// 範圍一定會被銷毀（即使 ctx 已取消）；銷毀失敗只在 agent 成功時回報。
func (h *itemHandler) attempt(ctx context.Context, item types.WorkItem, agentID string, attempt int) (*types.AgentResult, error) {
	c := h.c

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if h.timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, h.timeout)
	}
	defer cancel()

	scope, err := c.isolation.CreateScope(attemptCtx, item, agentID)
	if err != nil {
		return nil, asIsolationError("create scope", err)
	}

	res, runErr := c.executor.Run(attemptCtx, agent.Request{
		Item:      item,
		AgentID:   agentID,
		Attempt:   attempt,
		Scope:     scope,
		Variables: h.vars,
	})

	destroyErr := c.isolation.Destroy(context.WithoutCancel(ctx), scope)
	if destroyErr != nil {
		c.logger.Warn("Failed to destroy agent scope",
			"job_id", h.jobID,
			"item_id", item.ID,
			"scope", scope.ID,
			"error", destroyErr)
	}

	if runErr == nil && res != nil && res.Status == types.AgentFailure {
		runErr = agent.NewError(types.KindUnknown, "%s", res.Error)
	}
	if runErr == nil && destroyErr != nil {
		runErr = asIsolationError("destroy scope", destroyErr)
	}
	if runErr != nil && errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
		// 單次嘗試超時：交給重試流程，不是取消
		var ae *agent.Error
		if !errors.As(runErr, &ae) {
			runErr = agent.NewError(types.KindTimeout, "agent timed out after %s", h.timeout)
		}
	}
	return res, runErr
}

func asIsolationError(op string, err error) error {
	var ae *agent.Error
	if errors.As(err, &ae) && ae.Kind == types.KindIsolationError {
		return ae
	}
	return agent.IsolationError(op, err)
}
