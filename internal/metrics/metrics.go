// ============================================================================
// Beaver-Jobs Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 job 執行指標，以 Prometheus 文本格式暴露
//
// 監控理念:
//   RED 方法（Rate, Errors, Duration），每個指標都帶 job 標籤，
//   同一個進程可以同時觀察 job 本身與 DLQ 重新處理的 job。
//
// 指標分類:
//
//   1. 項目計數器 (Counter)：
//      - beaver_items_dispatched_total{job}
//      - beaver_items_completed_total{job}
//      - beaver_items_failed_total{job}        項目耗盡重試（每個項目只計一次）
//      - beaver_items_dead_lettered_total{job}
//      - beaver_retry_attempts_total{job}
//      - beaver_retry_exhausted_total{job,reason}
//      - beaver_checkpoints_written_total{job}
//      - beaver_dlq_evictions_total{job}
//
//   2. 狀態指標 (Gauge)：
//      - beaver_items_pending{job} / beaver_items_in_progress{job}
//      - beaver_circuit_state{job}   0=closed 1=open 2=half_open
//      - beaver_dlq_size{job}
//      - beaver_recovery_time_seconds{job}  resume 從讀取 checkpoint 到開始分派
//
//   3. 分佈 (Histogram)：
//      - beaver_agent_duration_seconds{job}
//      - beaver_checkpoint_write_seconds{job}
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成項目數
//   rate(beaver_items_completed_total[1m])
//
//   # 95 分位 agent 執行時間
//   histogram_quantile(0.95, rate(beaver_agent_duration_seconds_bucket[5m]))
//
//   # 失敗率
//   rate(beaver_items_failed_total[5m]) / rate(beaver_items_dispatched_total[5m])
//
// HTTP 端點:
//   /metrics，使用獨立的 Registry（包含 Go runtime 與 process collector），
//   不污染 prometheus.DefaultRegisterer。
//
// nil *Collector 上的所有方法都是 no-op，metrics 關閉時呼叫端不需要判斷。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "beaver"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 項目相關指標
	itemsDispatched   *prometheus.CounterVec
	itemsCompleted    *prometheus.CounterVec
	itemsFailed       *prometheus.CounterVec
	itemsDeadLettered *prometheus.CounterVec
	itemsPending      *prometheus.GaugeVec
	itemsInProgress   *prometheus.GaugeVec

	// 重試與斷路器
	retryAttempts  *prometheus.CounterVec
	retryExhausted *prometheus.CounterVec
	circuitState   *prometheus.GaugeVec

	// 持久化
	checkpointsWritten *prometheus.CounterVec
	checkpointWrite    *prometheus.HistogramVec
	recoveryTime       *prometheus.GaugeVec

	// DLQ
	dlqSize      *prometheus.GaugeVec
	dlqEvictions *prometheus.CounterVec

	// 效能指標
	agentDuration *prometheus.HistogramVec
}

// NewCollector 建立收集器並註冊到自己的 Registry
func NewCollector() *Collector {
	job := []string{"job"}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		itemsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dispatched_total",
			Help:      "Total number of work items dispatched to agents",
		}, job),
		itemsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_completed_total",
			Help:      "Total number of work items completed",
		}, job),
		itemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Total number of work items that exhausted their retries",
		}, job),
		itemsDeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_dead_lettered_total",
			Help:      "Total number of work items moved to the dead letter queue",
		}, job),
		itemsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_pending",
			Help:      "Current number of pending work items",
		}, job),
		itemsInProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "items_in_progress",
			Help:      "Current number of work items held by agents",
		}, job),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retries scheduled by the retry executor",
		}, job),
		retryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Total number of operations that stopped retrying, by reason",
		}, []string{"job", "reason"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		}, job),
		checkpointsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_written_total",
			Help:      "Total number of checkpoint versions written",
		}, job),
		checkpointWrite: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_write_seconds",
			Help:      "Checkpoint write latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, job),
		recoveryTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore a job from its checkpoint in seconds",
		}, job),
		dlqSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dlq_size",
			Help:      "Current number of entries in the dead letter queue",
		}, job),
		dlqEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_evictions_total",
			Help:      "Total number of dead letter entries evicted at capacity",
		}, job),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_duration_seconds",
			Help:      "Agent execution time per work item in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, job),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.itemsDispatched,
		c.itemsCompleted,
		c.itemsFailed,
		c.itemsDeadLettered,
		c.itemsPending,
		c.itemsInProgress,
		c.retryAttempts,
		c.retryExhausted,
		c.circuitState,
		c.checkpointsWritten,
		c.checkpointWrite,
		c.recoveryTime,
		c.dlqSize,
		c.dlqEvictions,
		c.agentDuration,
	)
	return c
}

// Registry 回傳底層 Registry（測試與自訂 exporter 使用）
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ============================================================================
// 記錄方法
// ============================================================================

// RecordDispatch 記錄項目分派
func (c *Collector) RecordDispatch(jobID string) {
	if c == nil {
		return
	}
	c.itemsDispatched.WithLabelValues(jobID).Inc()
}

// RecordCompleted 記錄項目完成與 agent 執行時間
func (c *Collector) RecordCompleted(jobID string, took time.Duration) {
	if c == nil {
		return
	}
	c.itemsCompleted.WithLabelValues(jobID).Inc()
	c.agentDuration.WithLabelValues(jobID).Observe(took.Seconds())
}

// RecordFailed 記錄項目耗盡重試
func (c *Collector) RecordFailed(jobID string, took time.Duration) {
	if c == nil {
		return
	}
	c.itemsFailed.WithLabelValues(jobID).Inc()
	c.agentDuration.WithLabelValues(jobID).Observe(took.Seconds())
}

// RecordDeadLettered 記錄項目進入 DLQ
func (c *Collector) RecordDeadLettered(jobID string) {
	if c == nil {
		return
	}
	c.itemsDeadLettered.WithLabelValues(jobID).Inc()
}

// RecordRetry 記錄一次排定的重試
func (c *Collector) RecordRetry(jobID string) {
	if c == nil {
		return
	}
	c.retryAttempts.WithLabelValues(jobID).Inc()
}

// RecordExhausted 記錄重試結束的原因（retry.ReasonLabel）
func (c *Collector) RecordExhausted(jobID, reason string) {
	if c == nil {
		return
	}
	c.retryExhausted.WithLabelValues(jobID, reason).Inc()
}

// SetCircuitState 設定斷路器狀態（BreakerState 的數值）
func (c *Collector) SetCircuitState(jobID string, state int) {
	if c == nil {
		return
	}
	c.circuitState.WithLabelValues(jobID).Set(float64(state))
}

// ObserveCheckpoint 記錄 checkpoint 寫入，簽名符合 checkpoint.WithWriteObserver
func (c *Collector) ObserveCheckpoint(jobID string, _ int, took time.Duration) {
	if c == nil {
		return
	}
	c.checkpointsWritten.WithLabelValues(jobID).Inc()
	c.checkpointWrite.WithLabelValues(jobID).Observe(took.Seconds())
}

// SetRecoveryTime 設定恢復時間
func (c *Collector) SetRecoveryTime(jobID string, took time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.WithLabelValues(jobID).Set(took.Seconds())
}

// UpdateItemStats 更新項目狀態統計
func (c *Collector) UpdateItemStats(jobID string, pending, inProgress int) {
	if c == nil {
		return
	}
	c.itemsPending.WithLabelValues(jobID).Set(float64(pending))
	c.itemsInProgress.WithLabelValues(jobID).Set(float64(inProgress))
}

// SetDLQSize 實作 dlq.Recorder
func (c *Collector) SetDLQSize(jobID string, n int) {
	if c == nil {
		return
	}
	c.dlqSize.WithLabelValues(jobID).Set(float64(n))
}

// AddDLQEvictions 實作 dlq.Recorder
func (c *Collector) AddDLQEvictions(jobID string, n int) {
	if c == nil {
		return
	}
	c.dlqEvictions.WithLabelValues(jobID).Add(float64(n))
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Handler 回傳 /metrics handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve 啟動 metrics HTTP 伺服器，ctx 取消時優雅關閉
//
// 參數：
//   - ctx: 取消時關閉伺服器並回傳 nil
//   - addr: 監聽位址，例如 ":9090"
//
// 返回值：
//   - error: 監聽失敗的錯誤
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Metrics server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
