package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-jobs/internal/checkpoint"
	"github.com/ChuLiYu/beaver-jobs/internal/dlq"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/resumelock"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// DLQ 重新處理
// ============================================================================

// ErrNothingToReprocess 沒有符合條件的 DLQ 項目
var ErrNothingToReprocess = errors.New("coordinator: no dlq items match the selection")

// sourceJobVar 重新處理 job 的變數中記錄原本 job 的 ID，恢復時據此找回 DLQ
const sourceJobVar = "dlq.source_job"

// DLQRetryOptions dlq retry 的參數
type DLQRetryOptions struct {
	MaxParallel int
	MaxRetries  int           // 覆寫每個項目的嘗試次數，0 表示沿用 job 定義
	Timeout     time.Duration // 覆寫單次 agent 執行的超時，0 表示沿用 job 定義
	Filter      dlq.Filter
	Force       bool // 忽略 reprocess_eligible
}

// RetryDLQ 以新的執行重新處理原本 job 的 DLQ 項目
//
// 新 job 的 ID 為 <job>-reprocess-<unix>，直接從 map 階段開始，不執行 reduce。
// MaxRetries / Timeout 只覆寫這次重新處理的設定，並隨 checkpoint 保存。
// 成功的項目從原本 job 的 DLQ 移除；再次失敗的項目依 on_item_failure 處理，
// 寫回原本 job 的 DLQ 時會合併失敗歷史。
// 同一個 job 的 DLQ 同時間只允許一個重新處理。
func (c *Coordinator) RetryDLQ(ctx context.Context, jobID string, opts DLQRetryOptions) (report *Report, err error) {
	err = c.locks.WithLock(jobID+".dlq-reprocess", func(*resumelock.Guard) error {
		sourceEvents := eventlog.NewEmitter(c.sink, jobID, c.logger)
		source := c.queue(jobID, sourceEvents)
		entries, err := source.Reprocessable(ctx, opts.Filter, opts.Force)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("%w: %s", ErrNothingToReprocess, jobID)
		}

		cfg := c.cfg
		vars := map[string]string{}
		if cp, err := c.checkpoints.Latest(ctx, jobID); err == nil {
			if cfg, err = c.jobConfig(cp.Config); err != nil {
				return err
			}
			for k, v := range cp.CapturedVariables {
				vars[k] = v
			}
		} else if !checkpoint.IsNotFound(err) {
			return err
		}
		if opts.MaxParallel > 0 {
			cfg.MaxParallel = opts.MaxParallel
		}
		if opts.MaxRetries > 0 {
			cfg.Retry.Attempts = opts.MaxRetries
		}
		if opts.Timeout > 0 {
			cfg.Agent.Timeout = opts.Timeout
		}

		reprocessID := fmt.Sprintf("%s-reprocess-%d", jobID, c.now().Unix())
		jc := c.newJobContext(reprocessID, cfg)
		for k, v := range vars {
			jc.Variables[k] = v
		}
		jc.Variables[sourceJobVar] = jobID
		c.bindReprocessSource(jc)

		for _, e := range entries {
			if err := jc.Items.Add(e.WorkItem()); err != nil {
				return err
			}
		}
		jc.Phase = types.PhaseMap

		c.logger.Info("Reprocessing DLQ items",
			"job_id", jobID,
			"reprocess_job_id", reprocessID,
			"items", len(entries),
			"attempts", cfg.Retry.Attempts,
			"timeout", cfg.Agent.Timeout,
			"force", opts.Force)
		sourceEvents.Emit(eventlog.EventDLQItemsReprocessed, "", map[string]interface{}{
			"reprocess_job_id": reprocessID,
			"selected":         len(entries),
		})
		jc.events.Emit(eventlog.EventJobStarted, "", map[string]interface{}{
			"name":         cfg.Name,
			"max_parallel": cfg.MaxParallel,
			"source_job":   jobID,
		})

		// 重新處理的 job 本身也可以被 resume
		return c.locks.WithLock(reprocessID, func(*resumelock.Guard) error {
			if err := c.checkpoint(ctx, jc); err != nil {
				return err
			}
			var runErr error
			report, runErr = c.execute(ctx, jc)
			return runErr
		})
	})
	return report, err
}

// bindReprocessSource 重新處理的 job 把 DLQ 指向原本 job 的佇列並略過 reduce
func (c *Coordinator) bindReprocessSource(jc *JobContext) {
	source, ok := jc.Variables[sourceJobVar]
	if !ok || source == "" || source == jc.JobID {
		return
	}
	jc.dlq = c.queue(source, jc.events)
	jc.skipReduce = true
}
