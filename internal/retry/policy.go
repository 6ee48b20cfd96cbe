package retry

// ============================================================================
// 重試策略 (Retry Policy)
// ============================================================================
//
// Config 是可序列化的設定形式（YAML / JSON / checkpoint 內保存），
// Policy 是執行期使用的形式，所有策略都已轉成封閉型別：
//   Backoff   → BackoffStrategy
//   RetryOn   → []ErrorMatcher
//   OnFailure → FailureAction

import (
	"fmt"
	"strings"
	"time"
)

// FailureAction 重試耗盡後的處置（封閉集合）
type FailureAction interface {
	isFailureAction()
	String() string
}

// StopAction 直接把失敗往上傳
type StopAction struct{}

// ContinueAction 視為 soft success，讓流程繼續
type ContinueAction struct{}

// FallbackAction 執行一次替代命令，其結果即為最終結果（不再重試）
type FallbackAction struct {
	Command string
}

func (StopAction) isFailureAction()     {}
func (ContinueAction) isFailureAction() {}
func (FallbackAction) isFailureAction() {}

func (StopAction) String() string     { return "stop" }
func (ContinueAction) String() string { return "continue" }
func (a FallbackAction) String() string {
	return "fallback(" + a.Command + ")"
}

// BackoffConfig 退避策略設定
type BackoffConfig struct {
	Type      string          `yaml:"type" json:"type"`
	Increment time.Duration   `yaml:"increment,omitempty" json:"increment,omitempty"`
	Base      float64         `yaml:"base,omitempty" json:"base,omitempty"`
	Delays    []time.Duration `yaml:"delays,omitempty" json:"delays,omitempty"`
}

// Config 可序列化的重試設定
type Config struct {
	Attempts        int           `yaml:"attempts" json:"attempts"`
	Backoff         BackoffConfig `yaml:"backoff" json:"backoff"`
	InitialDelay    time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter          bool          `yaml:"jitter" json:"jitter"`
	JitterFactor    float64       `yaml:"jitter_factor" json:"jitter_factor"`
	RetryOn         []string      `yaml:"retry_on,omitempty" json:"retry_on,omitempty"`
	Budget          time.Duration `yaml:"retry_budget,omitempty" json:"retry_budget,omitempty"`
	OnFailure       string        `yaml:"on_failure" json:"on_failure"`
	FallbackCommand string        `yaml:"fallback_command,omitempty" json:"fallback_command,omitempty"`
}

// DefaultConfig 預設重試設定
func DefaultConfig() Config {
	return Config{
		Attempts:     3,
		Backoff:      BackoffConfig{Type: "exponential", Base: 2.0},
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Jitter:       false,
		JitterFactor: 0.1,
		OnFailure:    "stop",
	}
}

// Policy 執行期重試策略
type Policy struct {
	MaxAttempts  int
	Backoff      BackoffStrategy
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
	JitterFactor float64
	RetryOn      []ErrorMatcher
	Budget       time.Duration // 0 表示不限
	OnFailure    FailureAction
}

// DefaultPolicy 等同 DefaultConfig().Policy()
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      ExponentialBackoff{Base: 2.0},
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
		OnFailure:    StopAction{},
	}
}

// Validate 檢查設定值
func (c Config) Validate() error {
	if c.Attempts < 1 {
		return fmt.Errorf("%w: attempts must be >= 1, got %d", ErrInvalidPolicy, c.Attempts)
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return fmt.Errorf("%w: jitter_factor must be in [0,1], got %g", ErrInvalidPolicy, c.JitterFactor)
	}
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Budget < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidPolicy)
	}
	_, err := c.Policy()
	return err
}

// Policy 把設定轉成執行期策略
func (c Config) Policy() (Policy, error) {
	p := Policy{
		MaxAttempts:  c.Attempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Jitter:       c.Jitter,
		JitterFactor: c.JitterFactor,
		Budget:       c.Budget,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	backoff, err := parseBackoff(c.Backoff)
	if err != nil {
		return Policy{}, err
	}
	p.Backoff = backoff

	for _, raw := range c.RetryOn {
		m, err := ParseMatcher(raw)
		if err != nil {
			return Policy{}, err
		}
		p.RetryOn = append(p.RetryOn, m)
	}

	action, err := parseFailureAction(c.OnFailure, c.FallbackCommand)
	if err != nil {
		return Policy{}, err
	}
	p.OnFailure = action

	return p, nil
}

func parseBackoff(c BackoffConfig) (BackoffStrategy, error) {
	switch strings.ToLower(c.Type) {
	case "", "exponential":
		return ExponentialBackoff{Base: c.Base}, nil
	case "fixed":
		return FixedBackoff{}, nil
	case "linear":
		return LinearBackoff{Increment: c.Increment}, nil
	case "fibonacci":
		return FibonacciBackoff{}, nil
	case "custom":
		return CustomBackoff{Delays: append([]time.Duration(nil), c.Delays...)}, nil
	default:
		return nil, fmt.Errorf("%w: unknown backoff type %q", ErrInvalidPolicy, c.Type)
	}
}

func parseFailureAction(name, fallback string) (FailureAction, error) {
	switch strings.ToLower(name) {
	case "", "stop":
		return StopAction{}, nil
	case "continue":
		return ContinueAction{}, nil
	case "fallback":
		if strings.TrimSpace(fallback) == "" {
			return nil, fmt.Errorf("%w: on_failure=fallback requires fallback_command", ErrInvalidPolicy)
		}
		return FallbackAction{Command: fallback}, nil
	default:
		return nil, fmt.Errorf("%w: unknown on_failure %q", ErrInvalidPolicy, name)
	}
}
