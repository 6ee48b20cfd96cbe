package retry

// ============================================================================
// 斷路器 (Circuit Breaker)
// ============================================================================
//
// 狀態轉換:
//   Closed   ──(連續失敗達 failure_threshold)──→ Open(until = now + recovery_timeout)
//   Open     ──(recovery_timeout 到期，下一次 Allow)──→ HalfOpen
//   HalfOpen ──(連續成功達 success_threshold)──→ Closed
//   HalfOpen ──(任何失敗)──→ Open（重新計算恢復時間）
//
// HalfOpen 期間同時放行的探測呼叫數量不超過 half_open_budget。
// 所有方法都是併發安全的，同一個 breaker 由所有 worker 共享。

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState 斷路器狀態
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 斷路器設定
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenBudget   int           `yaml:"half_open_budget" json:"half_open_budget"`
}

// DefaultBreakerConfig 預設值
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          false,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenBudget:   1,
	}
}

// CircuitBreaker 斷路器
type CircuitBreaker struct {
	mu                   sync.Mutex
	cfg                  BreakerConfig
	state                BreakerState
	openUntil            time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	probesInFlight       int

	now      func() time.Time
	onChange func(from, to BreakerState)
	logger   *slog.Logger
}

// BreakerOption 斷路器選項
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock 注入時鐘（測試用）
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// WithStateChange 狀態改變時的回呼（事件與 metrics）
func WithStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(b *CircuitBreaker) { b.onChange = fn }
}

// WithBreakerLogger 設定 logger
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *CircuitBreaker) { b.logger = l }
}

// NewCircuitBreaker 建立斷路器，未設定的門檻使用預設值
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenBudget <= 0 {
		cfg.HalfOpenBudget = def.HalfOpenBudget
	}

	b := &CircuitBreaker{
		cfg:    cfg,
		state:  StateClosed,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow 判斷是否可以呼叫被保護的操作
//
// Open 且恢復時間已到時轉為 HalfOpen 並放行探測；Open 且未到期時直接拒絕。
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return false
		}
		b.transitionLocked(StateHalfOpen)
		b.probesInFlight = 1
		return true
	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenBudget {
			return false
		}
		b.probesInFlight++
		return true
	}
	return false
}

// IsOpen 查詢目前是否會拒絕呼叫；不轉換狀態、不佔用探測名額
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		return b.now().Before(b.openUntil)
	case StateHalfOpen:
		return b.probesInFlight >= b.cfg.HalfOpenBudget
	}
	return false
}

// RecordSuccess 記錄一次成功
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.releaseProbeLocked()
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// 過期探測的遲到結果，不影響狀態
	}
}

// RecordFailure 記錄一次失敗
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case StateHalfOpen:
		b.releaseProbeLocked()
		b.openLocked()
	case StateOpen:
	}
}

// Abandon 放棄一次已放行但沒有結果的呼叫（例如 context 取消），只歸還探測名額
func (b *CircuitBreaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.releaseProbeLocked()
	}
}

// State 目前狀態
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 供狀態查詢與測試
func (b *CircuitBreaker) Snapshot() (state BreakerState, failures, successes int, openUntil time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.consecutiveFailures, b.consecutiveSuccesses, b.openUntil
}

func (b *CircuitBreaker) openLocked() {
	b.openUntil = b.now().Add(b.cfg.RecoveryTimeout)
	b.transitionLocked(StateOpen)
}

func (b *CircuitBreaker) releaseProbeLocked() {
	if b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

// transitionLocked 切換狀態並重設計數器，呼叫端必須持有 b.mu
func (b *CircuitBreaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	if to != StateHalfOpen {
		b.probesInFlight = 0
	}

	b.logger.Info("Circuit breaker state changed",
		"from", from.String(),
		"to", to.String())

	if b.onChange != nil {
		b.onChange(from, to)
	}
}
