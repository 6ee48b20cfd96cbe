// ============================================================================
// Beaver-Jobs Worker - 任務執行單元
// ============================================================================
//
// Package: internal/worker
// 文件: worker.go
// 功能: 每個 Worker 是一個獨立 goroutine，從 taskCh 取出任務並執行
//
// 執行模型:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ recover from panic      │   │
//   │  │   ├─ handler(task)           │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// 超時控制:
//   handler 對每次嘗試自行套用 context.WithTimeout，超時回報為 Timeout 類型的
//   失敗，走一般的重試 / DLQ 流程；pool 的 context 只在 Abandon 時取消。
//
// 異常恢復:
//   handler panic 時轉為失敗結果，Worker 繼續處理下一個任務。
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker 編號，用於 log
	taskCh   <-chan Task   // 任務通道（只讀）
	resultCh chan<- Result // 結果通道（只寫）
	stopCh   <-chan struct{}
	handler  Handler
	logger   *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, handler Handler, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		handler:  handler,
		logger:   logger,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		result := w.execute(ctx, task)

		// 先嘗試不阻塞送出；若通道已滿則等待，直到 pool 停止
		select {
		case w.resultCh <- result:
			continue
		default:
		}
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			w.logger.Warn("Dropping result after pool stop",
				"worker_id", w.id,
				"item_id", result.ItemID)
		}
	}
}

// execute 執行單一任務，處理 panic
func (w *Worker) execute(ctx context.Context, task Task) (result Result) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Worker recovered from panic",
				"worker_id", w.id,
				"item_id", task.Item.ID,
				"panic", r)
			result = Result{
				ItemID:   task.Item.ID,
				WorkerID: w.id,
				Retry:    task.Item.Retry,
				Err:      fmt.Errorf("worker %d: panic: %v", w.id, r),
			}
		}
		result.Duration = time.Since(start)
	}()

	result = w.handler(ctx, w.id, task)
	result.ItemID = task.Item.ID
	result.WorkerID = w.id
	return result
}
