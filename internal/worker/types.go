package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// Task 代表分派給 worker 的一個工作項目
type Task struct {
	Item    types.WorkItem // 工作項目快照（worker 只讀）
	AgentID string         // 本次分派使用的 agent id
}

// Result 代表任務執行結果
type Result struct {
	ItemID   types.ItemID           // 工作項目 ID
	WorkerID int                    // 執行的 worker
	Agent    *types.AgentResult     // 最後一次 agent 結果（可能為 nil）
	Retry    types.RetryState       // 執行後的重試狀態，由 coordinator 寫回
	Attempts int                    // 本次分派實際執行次數
	Soft     bool                   // on_failure=continue 視為成功
	Failures []types.AttemptFailure // 本次分派中每次失敗的紀錄
	Err      error                  // 最終錯誤（成功時為 nil）
	Duration time.Duration          // 實際執行時間
}

// Success 是否成功（含 soft success）
func (r Result) Success() bool {
	return r.Err == nil
}

// Handler 執行單一任務
//
// ctx 只在 pool 被放棄（Abandon）時取消；單次嘗試的超時由 handler 自行控制。
type Handler func(ctx context.Context, workerID int, task Task) Result
