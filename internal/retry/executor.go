package retry

// ============================================================================
// 重試執行器 (Retry Executor)
// ============================================================================
//
// 流程：
//   1. 斷路器開啟 → 不呼叫操作，以 ErrCircuitOpen 結束
//   2. 執行操作，成功即返回
//   3. 失敗：
//      - context 已取消      → 直接返回（不算斷路器失敗）
//      - 不符合 retry_on     → ErrNotRetryable
//      - 次數用完            → ErrAttemptsExhausted
//      - 下一次延遲超出預算  → ErrBudgetExhausted（睡眠之前就拒絕）
//      - 否則睡眠後重試
//   4. 結束時套用 on_failure（Stop / Continue / Fallback）
//
// 重試狀態寫在呼叫端提供的 *types.RetryState，由 checkpoint 保存：
// BudgetExpiresAt 在第一次失敗時設定為絕對時間，重啟後仍然有效。

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// Operation 被重試的操作，attempt 從 1 開始且跨重啟累計
type Operation func(ctx context.Context, attempt int) error

// FallbackRunner 執行 on_failure=fallback 的替代命令
type FallbackRunner func(ctx context.Context, command string, cause error) error

// RetryHook 每次決定重試（睡眠之前）時呼叫
type RetryHook func(attempt int, delay time.Duration, err error)

// Outcome 執行結果摘要
type Outcome struct {
	Attempts  int   // 本次呼叫實際執行的次數
	Continued bool  // on_failure=continue 生效
	FellBack  bool  // on_failure=fallback 生效
	LastErr   error // 最後一次操作錯誤（成功時為 nil）
}

// Executor 重試執行器
type Executor struct {
	breaker  *CircuitBreaker
	fallback FallbackRunner
	onRetry  RetryHook
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	rnd      func() float64
	logger   *slog.Logger
}

// ExecutorOption 執行器選項
type ExecutorOption func(*Executor)

// WithBreaker 共用斷路器
func WithBreaker(b *CircuitBreaker) ExecutorOption {
	return func(e *Executor) { e.breaker = b }
}

// WithFallback 設定 fallback 執行方式
func WithFallback(f FallbackRunner) ExecutorOption {
	return func(e *Executor) { e.fallback = f }
}

// WithRetryHook 設定重試回呼（metrics / 事件）
func WithRetryHook(h RetryHook) ExecutorOption {
	return func(e *Executor) { e.onRetry = h }
}

// WithClock 注入時鐘
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithSleeper 注入睡眠函式
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// WithRand 注入 jitter 用的亂數來源，回傳值需在 [0,1)
func WithRand(rnd func() float64) ExecutorOption {
	return func(e *Executor) { e.rnd = rnd }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor 建立重試執行器
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		now:    time.Now,
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breaker 回傳共用的斷路器（可能為 nil）
func (e *Executor) Breaker() *CircuitBreaker {
	return e.breaker
}

// Execute 依 policy 執行 op
//
// 參數:
//
//	ctx: 取消時立即返回 ctx.Err()，不套用 on_failure
//	policy: 重試策略
//	state: 持久化的重試狀態，nil 時使用臨時狀態
//	op: 被重試的操作
//
// 返回值:
//
//	Outcome: 執行摘要
//	error: 成功或 Continue 時為 nil，否則為 *ExhaustedError 或 context 錯誤
func (e *Executor) Execute(ctx context.Context, policy Policy, state *types.RetryState, op Operation) (Outcome, error) {
	if state == nil {
		state = &types.RetryState{}
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	limit := maxAttempts + state.ExtraAttempts

	var out Outcome
	for {
		if e.breaker != nil && !e.breaker.Allow() {
			e.logger.Warn("Circuit breaker open, operation rejected",
				"attempts", state.Attempts)
			return e.finish(ctx, policy, out, ErrCircuitOpen, state.Attempts)
		}

		attempt := state.Attempts + 1
		err := op(ctx, attempt)
		out.Attempts++

		if err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			state.Attempts = attempt
			out.LastErr = nil
			return out, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			// 被中斷的嘗試不計入次數，恢復後完整重跑
			if e.breaker != nil {
				e.breaker.Abandon()
			}
			out.LastErr = err
			return out, ctxErr
		}

		if e.breaker != nil {
			e.breaker.RecordFailure()
		}
		state.Attempts = attempt
		out.LastErr = err

		if !MatchAny(policy.RetryOn, err.Error()) {
			return e.finish(ctx, policy, out, ErrNotRetryable, state.Attempts)
		}
		if state.Attempts >= limit {
			return e.finish(ctx, policy, out, ErrAttemptsExhausted, state.Attempts)
		}

		delay := Delay(policy.Backoff, state.Attempts, policy.InitialDelay, policy.MaxDelay)
		if policy.Jitter {
			delay = ApplyJitter(delay, policy.JitterFactor, e.rnd)
		}

		if policy.Budget > 0 {
			now := e.now()
			if state.BudgetExpiresAt == nil {
				expires := now.Add(policy.Budget)
				state.BudgetExpiresAt = &expires
			}
			if state.TotalDelay+delay > policy.Budget || now.Add(delay).After(*state.BudgetExpiresAt) {
				e.logger.Warn("Retry budget exhausted",
					"attempts", state.Attempts,
					"total_delay", state.TotalDelay,
					"next_delay", delay,
					"budget", policy.Budget)
				return e.finish(ctx, policy, out, ErrBudgetExhausted, state.Attempts)
			}
		}

		if e.onRetry != nil {
			e.onRetry(state.Attempts, delay, err)
		}
		e.logger.Debug("Retrying operation",
			"attempt", state.Attempts,
			"delay", delay,
			"error", err)

		if serr := e.sleep(ctx, delay); serr != nil {
			return out, serr
		}
		state.TotalDelay += delay
	}
}

// finish 套用 on_failure
func (e *Executor) finish(ctx context.Context, policy Policy, out Outcome, reason error, attempts int) (Outcome, error) {
	exhausted := &ExhaustedError{Reason: reason, Attempts: attempts, Last: out.LastErr}

	switch a := policy.OnFailure.(type) {
	case StopAction, nil:
		return out, exhausted
	case ContinueAction:
		out.Continued = true
		if out.LastErr == nil {
			out.LastErr = exhausted
		}
		return out, nil
	case FallbackAction:
		out.FellBack = true
		if e.fallback == nil {
			exhausted.Last = fmt.Errorf("fallback %q: no fallback runner configured", a.Command)
			return out, exhausted
		}
		if ferr := e.fallback(ctx, a.Command, exhausted); ferr != nil {
			exhausted.Last = fmt.Errorf("fallback %q: %w", a.Command, ferr)
			return out, exhausted
		}
		e.logger.Info("Fallback succeeded", "command", a.Command, "reason", reason)
		return out, nil
	default:
		panic(fmt.Sprintf("retry: unhandled failure action %T", a))
	}
}

// sleepContext 可被取消的睡眠
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsExhausted 判斷錯誤是否為重試耗盡
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}
