package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/beaver-jobs/internal/config"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/resumelock"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// Resume
// ============================================================================

// ResumeOptions resume 的參數
type ResumeOptions struct {
	Force                bool // 允許恢復 Failed 的 job，並重新接納 DeadLettered 項目
	MaxParallel          int  // 0 表示沿用 job 定義
	MaxAdditionalRetries int  // 重新接納的項目額外增加的嘗試次數
	SkipValidation       bool
	FromCheckpoint       int // 0 表示最新版本
}

// Resume 從 checkpoint 繼續執行 job
//
// 流程:
//  1. 取得 resume lock；被其他存活的 process 持有時回傳 *resumelock.ConflictError
//  2. 讀取 ≤ FromCheckpoint 的最新版本並驗證
//  3. Completed 直接拒絕；Failed 需要 Force
//  4. 事件日誌中 checkpoint 之後已完成的項目補記為 Completed
//  5. 其餘 InProgress 項目無條件重置為 Pending
//  6. 從 checkpoint 的階段繼續執行
func (c *Coordinator) Resume(ctx context.Context, jobID string, opts ResumeOptions) (report *Report, err error) {
	start := c.now()

	err = c.locks.WithLock(jobID, func(*resumelock.Guard) error {
		cp, err := c.checkpoints.Load(ctx, jobID, opts.FromCheckpoint, !opts.SkipValidation)
		if err != nil {
			return err
		}

		switch cp.Phase {
		case types.PhaseCompleted:
			return fmt.Errorf("%w: %s (version %d)", ErrAlreadyCompleted, jobID, cp.Version)
		case types.PhaseFailed:
			if !opts.Force {
				return fmt.Errorf("%w: %s failed in %s: %s", ErrForceRequired, jobID, cp.FailedIn, cp.Error)
			}
		}

		cfg, err := c.jobConfig(cp.Config)
		if err != nil {
			return err
		}
		if opts.MaxParallel > 0 {
			cfg.MaxParallel = opts.MaxParallel
		}

		jc := c.newJobContext(jobID, cfg)
		if err := jc.restore(cp); err != nil {
			return err
		}
		c.bindReprocessSource(jc)
		recovered := c.replayCompletions(ctx, jc, cp.Version)

		readmitted := 0
		if opts.Force {
			readmitted, err = c.forceReadmit(jc, opts.MaxAdditionalRetries)
			if err != nil {
				return err
			}
		}

		reset := jc.Items.ResetInProgress()
		if len(reset) > 0 {
			c.logger.Info("Reset interrupted items to pending",
				"job_id", jobID,
				"items", len(reset))
			jc.events.Emit(eventlog.EventItemsReset, "", map[string]interface{}{
				"count": len(reset),
			})
		}

		stats := jc.Items.Stats()
		c.logger.Info("Job resumed",
			"job_id", jobID,
			"from_version", cp.Version,
			"phase", jc.Phase,
			"completed", stats.Completed,
			"pending", stats.Pending,
			"recovered", len(recovered),
			"readmitted", readmitted)
		jc.events.Emit(eventlog.EventJobResumed, "", map[string]interface{}{
			"from_version": cp.Version,
			"phase":        string(jc.Phase),
			"completed":    stats.Completed,
			"pending":      stats.Pending,
			"reset":        len(reset),
			"recovered":    len(recovered),
			"readmitted":   readmitted,
			"force":        opts.Force,
		})
		c.metrics.SetRecoveryTime(jobID, c.now().Sub(start))

		var runErr error
		report, runErr = c.execute(ctx, jc)
		if report != nil {
			report.Reset = reset
			report.Recovered = recovered
		}
		return runErr
	})
	return report, err
}

// jobConfig 解析 checkpoint 中保存的 job 定義；舊的 checkpoint 沒有時使用目前的定義
func (c *Coordinator) jobConfig(raw json.RawMessage) (config.JobConfig, error) {
	if len(raw) == 0 {
		return c.cfg, nil
	}
	var cfg config.JobConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return config.JobConfig{}, fmt.Errorf("failed to decode job config from checkpoint: %w", err)
	}
	return cfg, nil
}

// forceReadmit 清除失敗計數，把 Failed / DeadLettered 項目拉回 Pending
//
// Failed 的 job 回到失敗發生的階段。
func (c *Coordinator) forceReadmit(jc *JobContext, extra int) (int, error) {
	if jc.Phase == types.PhaseFailed {
		phase := jc.failedIn
		if phase == "" || phase == types.PhaseFailed || phase == types.PhaseCompleted {
			phase = types.PhaseMap
		}
		jc.Phase = phase
	}
	jc.clearCounters()

	var ids []types.ItemID
	ids = append(ids, jc.Items.IDsWithStatus(types.StatusFailed)...)
	ids = append(ids, jc.Items.IDsWithStatus(types.StatusDeadLettered)...)
	if len(ids) == 0 {
		return 0, nil
	}

	// reduce / setup 失敗時不回到 map，項目維持原狀
	if jc.Phase == types.PhaseReduce || jc.Phase == types.PhaseSetup {
		return 0, nil
	}
	for _, id := range ids {
		if err := jc.Items.Readmit(id, extra); err != nil {
			return 0, err
		}
		delete(jc.Results, id)
	}
	c.logger.Info("Readmitted failed items",
		"job_id", jc.JobID,
		"items", len(ids),
		"extra_attempts", extra)
	return len(ids), nil
}
