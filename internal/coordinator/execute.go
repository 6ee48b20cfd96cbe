package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-jobs/internal/agent"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/ids"
	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/internal/pipeline"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// 階段執行
// ============================================================================

// execute 從 jc.Phase 開始依序執行剩下的階段
//
// 返回值:
//   - *Report: 最後狀態
//   - error: 取消時包裝 ctx.Err()；Failed 時包裝 ErrJobFailed 與原因
func (c *Coordinator) execute(ctx context.Context, jc *JobContext) (*Report, error) {
	if jc.Phase == types.PhaseSetup {
		if err := c.runSetup(ctx, jc); err != nil {
			return c.finish(ctx, jc, err)
		}
	}

	if jc.Phase == types.PhaseMap {
		if err := c.runMap(ctx, jc); err != nil {
			return c.finish(ctx, jc, err)
		}
		if err := jc.setPhase(types.PhaseReduce); err != nil {
			return c.finish(ctx, jc, err)
		}
		if err := c.checkpoint(ctx, jc); err != nil {
			return c.finish(ctx, jc, err)
		}
	}

	if jc.Phase == types.PhaseReduce {
		if err := c.runReduce(ctx, jc); err != nil {
			return c.finish(ctx, jc, err)
		}
		if err := jc.setPhase(types.PhaseCompleted); err != nil {
			return c.finish(ctx, jc, err)
		}
	}

	return c.finish(ctx, jc, nil)
}

// finish 依結果寫入最後的 checkpoint，終態時歸檔
func (c *Coordinator) finish(ctx context.Context, jc *JobContext, runErr error) (*Report, error) {
	interrupted := runErr != nil && ctx.Err() != nil && errors.Is(runErr, ctx.Err())

	switch {
	case runErr == nil:
		// Completed
	case interrupted:
		reset := jc.Items.ResetInProgress()
		c.logger.Warn("Job interrupted",
			"job_id", jc.JobID,
			"phase", jc.Phase,
			"reset_items", len(reset))
		jc.events.Emit(eventlog.EventJobCancelled, "", map[string]interface{}{
			"phase":       string(jc.Phase),
			"reset_items": len(reset),
		})
	default:
		jc.Items.ResetInProgress()
		jc.errMsg = runErr.Error()
		if jc.Phase.CanTransition(types.PhaseFailed) {
			_ = jc.setPhase(types.PhaseFailed)
		}
	}

	if err := c.checkpoint(ctx, jc); err != nil {
		c.logger.Error("Failed to write final checkpoint", "job_id", jc.JobID, "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	report := jc.report()
	c.metrics.UpdateItemStats(jc.JobID, report.Stats.Pending, report.Stats.InProgress)

	switch {
	case runErr == nil:
		c.logger.Info("Job completed",
			"job_id", jc.JobID,
			"completed", report.Stats.Completed,
			"failed", report.Stats.Failed,
			"dead_lettered", report.Stats.DeadLettered,
			"version", report.CheckpointVersion)
		jc.events.Emit(eventlog.EventJobCompleted, "", map[string]interface{}{
			"completed":     report.Stats.Completed,
			"failed":        report.Stats.Failed,
			"dead_lettered": report.Stats.DeadLettered,
		})
		c.archive(ctx, jc)
		return report, nil
	case interrupted:
		return report, fmt.Errorf("job %s interrupted in %s phase: %w", jc.JobID, jc.Phase, runErr)
	default:
		c.logger.Error("Job failed", "job_id", jc.JobID, "failed_in", jc.failedIn, "error", runErr)
		jc.events.Emit(eventlog.EventJobFailed, "", map[string]interface{}{
			"failed_in": string(jc.failedIn),
			"error":     runErr.Error(),
		})
		if jc.Phase == types.PhaseFailed {
			c.archive(ctx, jc)
		}
		return report, fmt.Errorf("%w: %s: %w", ErrJobFailed, jc.JobID, runErr)
	}
}

// archive 終態 job 的最後 checkpoint 交給歸檔器；失敗只記錄
func (c *Coordinator) archive(ctx context.Context, jc *JobContext) {
	location, err := c.checkpoints.Archive(context.WithoutCancel(ctx), jc.JobID)
	if err != nil {
		c.logger.Warn("Failed to archive job", "job_id", jc.JobID, "error", err)
		return
	}
	if location != "" {
		jc.events.Emit(eventlog.EventJobArchived, "", map[string]interface{}{"location": location})
	}
}

// ============================================================================
// Setup
// ============================================================================

// runSetup 執行 setup 步驟、讀取輸入並建立工作項目
func (c *Coordinator) runSetup(ctx context.Context, jc *JobContext) error {
	// 從 setup 恢復時重新建立所有項目
	jc.Items = jobmanager.NewJobManager()

	vars, err := c.steps.Run(ctx, jc.Config.Setup, jc.Variables)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("setup: %w", err)
	}
	jc.Variables = vars

	items, err := c.loadItems(jc)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := jc.Items.Add(item); err != nil {
			return err
		}
	}
	c.logger.Info("Setup completed",
		"job_id", jc.JobID,
		"items", len(items),
		"variables", len(vars))

	if err := jc.setPhase(types.PhaseMap); err != nil {
		return err
	}
	return c.checkpoint(ctx, jc)
}

// loadItems 讀取輸入檔並經過管線產生工作項目
//
// 輸入路徑可以引用 setup 擷取的變數。管線錯誤在任何 agent 執行前讓 job 失敗。
func (c *Coordinator) loadItems(jc *JobContext) ([]types.WorkItem, error) {
	p, err := pipeline.Compile(jc.Config.Pipeline, c.logger)
	if err != nil {
		return nil, err
	}

	path := agent.Interpolate(jc.Config.Input, nil, jc.Variables)
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input %s: %w", path, err)
	}
	input, err := pipeline.DecodeInput(data)
	if err != nil {
		return nil, err
	}
	values, err := p.Process(input)
	if err != nil {
		return nil, err
	}
	return p.ToWorkItems(values, ids.NewCorrelationID)
}

// ============================================================================
// Reduce
// ============================================================================

// runReduce 依序執行 reduce 步驟，每個步驟後寫 checkpoint
func (c *Coordinator) runReduce(ctx context.Context, jc *JobContext) error {
	if jc.skipReduce {
		return nil
	}

	stats := jc.Items.Stats()
	jc.Variables["map.total"] = fmt.Sprint(stats.Total)
	jc.Variables["map.successful"] = fmt.Sprint(stats.Completed)
	jc.Variables["map.failed"] = fmt.Sprint(stats.Failed + stats.DeadLettered)

	steps := jc.Config.Reduce
	for jc.reduceCompleted < len(steps) {
		step := steps[jc.reduceCompleted]
		vars, err := c.steps.Run(ctx, []agent.Step{step}, jc.Variables)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("reduce: %w", err)
		}
		jc.Variables = vars
		jc.reduceCompleted++
		if err := c.checkpoint(ctx, jc); err != nil {
			return err
		}
	}
	return nil
}
