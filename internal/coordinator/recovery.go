package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ChuLiYu/beaver-jobs/internal/checkpoint"
	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// 事件日誌重放
// ============================================================================

// replayCompletions 把 checkpoint 之後才完成、只記在事件日誌裡的項目標為 Completed
//
// 邊界是日誌中與 version 相同的最後一個 checkpoint_created 事件，只採用它之後的
// item_completed。邊界之後若出現其他版本的 checkpoint（從較舊的版本恢復），
// 或日誌中找不到邊界（rollback 產生的版本），則不補記任何項目。
// sink 不支援讀回時直接略過。
func (c *Coordinator) replayCompletions(ctx context.Context, jc *JobContext, version int) []types.ItemID {
	reader, ok := c.sink.(eventlog.Reader)
	if !ok || jc.Phase != types.PhaseMap {
		return nil
	}

	var (
		completed []eventlog.Event
		bounded   bool
	)
	err := reader.ReplayValid(func(e eventlog.Event) error {
		if e.JobID != jc.JobID {
			return nil
		}
		switch e.Type {
		case eventlog.EventCheckpointCreated:
			v, _ := intField(e.Data, "version")
			bounded = v == version
			completed = completed[:0]
		case eventlog.EventItemCompleted:
			if bounded && e.ItemID != "" {
				completed = append(completed, e)
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("Event log replay stopped early",
			"job_id", jc.JobID,
			"error", err)
	}
	if !bounded || len(completed) == 0 {
		return nil
	}

	var recovered, fromDLQ []types.ItemID
	for _, e := range completed {
		id := types.ItemID(e.ItemID)
		item, ok := jc.Items.Get(id)
		if !ok {
			continue
		}
		agentID, _ := e.Data["agent_id"].(string)
		switch item.Status {
		case types.StatusPending:
			if err := jc.Items.MarkInProgress(id, agentID); err != nil {
				continue
			}
		case types.StatusInProgress:
		default:
			continue
		}
		if err := jc.Items.MarkCompleted(id); err != nil {
			c.logger.Warn("Failed to recover completed item", "job_id", jc.JobID, "item_id", id, "error", err)
			continue
		}
		delete(jc.history, id)

		summary := checkpoint.ResultSummary{AgentID: agentID, Status: types.AgentSuccess}
		if d, ok := e.Data["duration"].(string); ok {
			summary.Duration, _ = time.ParseDuration(d)
		}
		summary.Soft, _ = e.Data["soft"].(bool)
		jc.Results[id] = summary

		recovered = append(recovered, id)
		if item.FromDLQ {
			fromDLQ = append(fromDLQ, id)
		}
	}

	// 崩潰可能發生在移出 DLQ 之前
	if len(fromDLQ) > 0 {
		if _, err := jc.dlq.Resolve(ctx, fromDLQ); err != nil {
			c.logger.Warn("Failed to remove recovered items from DLQ",
				"job_id", jc.JobID,
				"items", len(fromDLQ),
				"error", err)
		}
	}

	if len(recovered) > 0 {
		c.logger.Info("Recovered completed items from event log",
			"job_id", jc.JobID,
			"checkpoint_version", version,
			"items", len(recovered))
	}
	return recovered
}

// intField 讀取事件資料中的整數；記憶體中是 int，從 JSON 讀回後是 float64
func intField(data map[string]interface{}, key string) (int, bool) {
	switch v := data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}
