// Package types 定義了 beaver-jobs 系統中使用的核心領域模型
package types

import (
	"fmt"
	"time"
)

// ItemID 工作項目唯一識別碼（在同一個 job 內穩定）
type ItemID string

// ItemStatus 工作項目狀態
type ItemStatus string

// 定義工作項目狀態常數
const (
	StatusPending      ItemStatus = "pending"       // 待處理：尚未分派給 agent
	StatusInProgress   ItemStatus = "in_progress"   // 執行中：已分派給某個 agent
	StatusCompleted    ItemStatus = "completed"     // 已完成：終態，不會再被調度
	StatusFailed       ItemStatus = "failed"        // 失敗：重試耗盡，等待失敗策略處理
	StatusDeadLettered ItemStatus = "dead_lettered" // 死信：終態，已寫入 DLQ
)

// IsTerminal 終態不可再回到 Pending
func (s ItemStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Phase job 執行階段
type Phase string

const (
	PhaseSetup     Phase = "setup"
	PhaseMap       Phase = "map"
	PhaseReduce    Phase = "reduce"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// phaseOrder 階段只能單調前進（Failed 除外）
var phaseOrder = map[Phase]int{
	PhaseSetup:     0,
	PhaseMap:       1,
	PhaseReduce:    2,
	PhaseCompleted: 3,
}

// CanTransition 檢查階段轉換是否合法
//
// Setup→Map→Reduce→Completed 單調前進，任何非終態都可以轉到 Failed。
func (p Phase) CanTransition(to Phase) bool {
	if p == PhaseCompleted || p == PhaseFailed {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	from, ok1 := phaseOrder[p]
	next, ok2 := phaseOrder[to]
	return ok1 && ok2 && next == from+1
}

// RetryState 跨越重啟保存的重試狀態
//
// BudgetExpiresAt 為絕對時間（第一次失敗時的 now + budget），
// 因此進程重啟後預算仍然有效。
type RetryState struct {
	Attempts        int           `json:"attempts"`
	TotalDelay      time.Duration `json:"total_delay"`
	BudgetExpiresAt *time.Time    `json:"budget_expires_at,omitempty"`
	ExtraAttempts   int           `json:"extra_attempts,omitempty"`
}

// WorkItem 工作項目，代表一個獨立的工作單元
type WorkItem struct {
	// 識別與資料
	ID            ItemID      `json:"id"`
	Payload       interface{} `json:"payload"`
	CorrelationID string      `json:"correlation_id"`

	// 狀態追蹤
	Status     ItemStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	Retry      RetryState `json:"retry_state"`
	LastError  string     `json:"last_error,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
	FromDLQ    bool       `json:"from_dlq,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// AgentStatus agent 執行結果狀態
type AgentStatus string

const (
	AgentSuccess AgentStatus = "success"
	AgentFailure AgentStatus = "failure"
)

// AgentResult 單次 agent 執行結果
type AgentResult struct {
	AgentID    string        `json:"agent_id"`
	WorkItemID ItemID        `json:"work_item_id"`
	Status     AgentStatus   `json:"status"`
	Artifacts  []string      `json:"artifacts,omitempty"`
	Output     string        `json:"output,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Soft       bool          `json:"soft,omitempty"` // 失敗但依 on_failure=continue 視為成功
}

// ErrorKind 錯誤分類
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindCommandFailed     ErrorKind = "command_failed"
	KindIsolationError    ErrorKind = "isolation_error"
	KindMergeConflict     ErrorKind = "merge_conflict"
	KindValidationFailed  ErrorKind = "validation_failed"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindUnknown           ErrorKind = "unknown"
)

// ErrorType 錯誤類型，CommandFailed 帶有 exit code
type ErrorType struct {
	Kind     ErrorKind `json:"kind"`
	ExitCode *int      `json:"exit_code,omitempty"`
}

func (e ErrorType) String() string {
	if e.Kind == KindCommandFailed && e.ExitCode != nil {
		return fmt.Sprintf("%s(%d)", e.Kind, *e.ExitCode)
	}
	if e.Kind == "" {
		return string(KindUnknown)
	}
	return string(e.Kind)
}

// AttemptFailure 單次失敗嘗試的紀錄，寫入 DLQ 的失敗歷史
type AttemptFailure struct {
	Attempt   int           `json:"attempt"`
	Timestamp time.Time     `json:"timestamp"`
	ErrorType ErrorType     `json:"error_type"`
	Message   string        `json:"message"`
	AgentID   string        `json:"agent_id,omitempty"`
	Duration  time.Duration `json:"duration"`
}
