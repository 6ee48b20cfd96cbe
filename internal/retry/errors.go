package retry

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrAttemptsExhausted max_attempts 用完
	ErrAttemptsExhausted = errors.New("retry: attempts exhausted")
	// ErrBudgetExhausted 下一次延遲會超出 retry_budget
	ErrBudgetExhausted = errors.New("retry: retry budget exhausted")
	// ErrCircuitOpen 斷路器開啟，操作未被呼叫
	ErrCircuitOpen = errors.New("retry: circuit breaker is open")
	// ErrNotRetryable 錯誤不符合 retry_on
	ErrNotRetryable = errors.New("retry: error does not match retry_on")
	// ErrInvalidPolicy 設定無法轉換為 Policy
	ErrInvalidPolicy = errors.New("retry: invalid policy")
)

// ExhaustedError 重試結束時的錯誤，Reason 為上面其中一個 sentinel
type ExhaustedError struct {
	Reason   error
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%v after %d attempt(s)", e.Reason, e.Attempts)
	}
	return fmt.Sprintf("%v after %d attempt(s): %v", e.Reason, e.Attempts, e.Last)
}

// Unwrap 同時支援 errors.Is(err, ErrBudgetExhausted) 與對最後錯誤的判斷
func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Last}
}

// ReasonLabel metrics 用的短標籤
func ReasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrBudgetExhausted):
		return "budget"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrNotRetryable):
		return "not_retryable"
	case errors.Is(err, ErrAttemptsExhausted):
		return "attempts"
	default:
		return "other"
	}
}
