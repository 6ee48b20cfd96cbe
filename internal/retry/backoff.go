package retry

// ============================================================================
// 退避策略 (Backoff Strategy)
// 職責：根據 (策略, 第幾次重試, 初始延遲) 計算下一次重試前的等待時間
// ============================================================================
//
// 策略是封閉的 tagged union：BackoffStrategy 介面只有本套件內的型別能實作
// (isBackoff 為未導出方法)，計算函式 Delay 對所有變體做窮舉 switch。
//
//   Fixed       = initial
//   Linear      = initial + increment·(attempt−1)
//   Exponential = initial · base^(attempt−1)
//   Fibonacci   = initial · fib(attempt)，fib(1)=fib(2)=1
//   Custom      = delays[attempt−1]，超出清單或清單為空時使用 max_delay
//
// 結果一律以 max_delay 為上限（max_delay <= 0 表示不設上限）。

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy 退避策略（封閉集合）
type BackoffStrategy interface {
	isBackoff()
	String() string
}

// FixedBackoff 固定延遲
type FixedBackoff struct{}

// LinearBackoff 線性遞增，Increment 為 0 時使用 initial delay
type LinearBackoff struct {
	Increment time.Duration
}

// ExponentialBackoff 指數遞增，Base <= 1 時使用 2.0
type ExponentialBackoff struct {
	Base float64
}

// FibonacciBackoff 費氏數列遞增
type FibonacciBackoff struct{}

// CustomBackoff 明確指定每次重試的延遲
type CustomBackoff struct {
	Delays []time.Duration
}

func (FixedBackoff) isBackoff()       {}
func (LinearBackoff) isBackoff()      {}
func (ExponentialBackoff) isBackoff() {}
func (FibonacciBackoff) isBackoff()   {}
func (CustomBackoff) isBackoff()      {}

func (FixedBackoff) String() string { return "fixed" }
func (b LinearBackoff) String() string {
	return fmt.Sprintf("linear(+%s)", b.Increment)
}
func (b ExponentialBackoff) String() string {
	return fmt.Sprintf("exponential(x%g)", b.base())
}
func (FibonacciBackoff) String() string { return "fibonacci" }
func (b CustomBackoff) String() string {
	return fmt.Sprintf("custom(%d delays)", len(b.Delays))
}

func (b ExponentialBackoff) base() float64 {
	if b.Base <= 1 {
		return 2.0
	}
	return b.Base
}

// Delay 計算第 attempt 次重試的延遲（attempt 從 1 開始），並套用 maxDelay 上限
func Delay(strategy BackoffStrategy, attempt int, initial, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d float64
	switch s := strategy.(type) {
	case FixedBackoff:
		d = float64(initial)
	case LinearBackoff:
		inc := s.Increment
		if inc == 0 {
			inc = initial
		}
		d = float64(initial) + float64(inc)*float64(attempt-1)
	case ExponentialBackoff:
		d = float64(initial) * math.Pow(s.base(), float64(attempt-1))
	case FibonacciBackoff:
		d = float64(initial) * float64(fibonacci(attempt))
	case CustomBackoff:
		if attempt-1 < len(s.Delays) {
			d = float64(s.Delays[attempt-1])
		} else {
			return maxDelay
		}
	case nil:
		d = float64(initial)
	default:
		panic(fmt.Sprintf("retry: unhandled backoff strategy %T", strategy))
	}

	return capDelay(d, maxDelay)
}

// capDelay 套用上限，同時處理溢位（Inf / 超出 int64）
func capDelay(d float64, maxDelay time.Duration) time.Duration {
	if math.IsNaN(d) || d < 0 {
		return 0
	}
	if maxDelay > 0 && d >= float64(maxDelay) {
		return maxDelay
	}
	if math.IsInf(d, 1) || d >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// fibonacci fib(1)=fib(2)=1
func fibonacci(n int) uint64 {
	if n <= 2 {
		return 1
	}
	var a, b uint64 = 1, 1
	for i := 3; i <= n; i++ {
		a, b = b, a+b
		if b > math.MaxUint32 {
			// 後續乘以 initial 必定超過任何合理的 max_delay
			return b
		}
	}
	return b
}

// ApplyJitter 以 delay ± uniform(-range/2, +range/2) 擾動延遲，range = delay·factor
//
// 結果不小於 0。
func ApplyJitter(delay time.Duration, factor float64, rnd func() float64) time.Duration {
	if delay <= 0 || factor <= 0 {
		return delay
	}
	if rnd == nil {
		rnd = rand.Float64 //nolint:gosec // jitter does not need crypto randomness
	}
	jitterRange := float64(delay) * factor
	offset := (rnd() - 0.5) * jitterRange
	out := float64(delay) + offset
	if out < 0 {
		return 0
	}
	return time.Duration(out)
}
