// ============================================================================
// Beaver-Jobs Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理 max_parallel 個 Worker goroutine 的生命週期和任務分發
//
// 架構組件:
//   ┌─────────────┐
//   │ Coordinator │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//     Results()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  │Worker N│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool(size, handler) - 建立 Pool
//   2. Start(ctx)             - 啟動 size 個 Worker
//   3. Submit(ctx, task)      - 提交任務
//   4. Results()              - 讀取結果
//   5. Stop()                 - 不再接受任務，等待執行中的任務完成
//      Abandon()              - 取消執行中任務的 context（強制放棄）
//
// 並發控制:
//   Submit 持有讀鎖送出任務，Stop 先關閉 stopCh 讓阻塞中的 Submit 退出，
//   再取得寫鎖關閉 taskCh，因此不會對已關閉的 channel 送出。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	size     int
	handler  Handler
	logger   *slog.Logger
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	sendMu   sync.RWMutex // Submit 讀鎖 / Stop 寫鎖，保護 taskCh 的關閉
	mu       sync.Mutex   // 保護 started / stopped
	started  bool
	stopped  bool
	stopOnce sync.Once
}

// Option Pool 選項
type Option func(*Pool)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
//
// 參數：
//   - size: Worker 數量（max_parallel），小於 1 時視為 1
//   - handler: 執行任務的函式
//
// 任務與結果通道的緩衝都等於 size，呼叫端保持執行中任務數 ≤ size 時
// Submit 與結果回報都不會阻塞。
func NewPool(size int, handler Handler, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:     size,
		handler:  handler,
		logger:   slog.Default(),
		taskCh:   make(chan Task, size),
		resultCh: make(chan Result, size),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 啟動 Worker
//
// ctx 取消時，所有執行中任務的 context 也會取消。
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.size; i++ {
		w := newWorker(i, p.taskCh, p.resultCh, p.stopCh, p.handler, p.logger)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(runCtx)
		}(w)
	}

	p.started = true
	p.logger.Debug("Worker pool started", "workers", p.size)
	return nil
}

// Submit 提交任務
//
// 返回值：
//   - ErrPoolNotStarted / ErrPoolClosed
//   - ctx 取消時回傳 ctx.Err()
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}

	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results 結果通道，Stop 完成後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 優雅地關閉 Worker Pool
//
// 關閉流程：
//  1. 標記 stopped，關閉 stopCh
//  2. 等待阻塞中的 Submit 退出後關閉 taskCh
//  3. 等待所有 Worker 完成當前任務
//  4. 關閉 resultCh
//
// 已緩衝但尚未被讀取的結果仍可從 Results() 讀出。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.sendMu.Lock()
		close(p.taskCh)
		p.sendMu.Unlock()

		p.wg.Wait()
		p.cancel()
		close(p.resultCh)
		p.logger.Debug("Worker pool stopped")
	})
}

// Abandon 取消所有執行中任務的 context，之後仍需呼叫 Stop
func (p *Pool) Abandon() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Size 返回設定的並行數
func (p *Pool) Size() int {
	return p.size
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
