// Package agent 定義 coordinator 使用的外部協作者介面
//
//   - Executor:  執行一個工作項目（Agent Executor）
//   - Isolation: 為每個執行中項目建立 / 銷毀獨立的工作範圍
//   - StepRunner: setup / reduce 階段的 shell 步驟
//
// 以及 shell 命令與目錄隔離的實作。
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// Request 單次 agent 執行請求
type Request struct {
	Item      types.WorkItem
	AgentID   string
	Attempt   int
	Scope     Scope
	Variables map[string]string // setup 擷取的變數
}

// Executor Agent Executor
//
// 不負責重試；回傳的 error 交給重試執行器分類。
type Executor interface {
	Run(ctx context.Context, req Request) (*types.AgentResult, error)
}

// Scope 隔離範圍的 handle
type Scope struct {
	ID  string `json:"id"`
	Dir string `json:"dir"`
}

// Isolation Workspace Isolation Provider
//
// 建立或銷毀失敗都應回傳 Kind 為 IsolationError 的 *Error。
type Isolation interface {
	CreateScope(ctx context.Context, item types.WorkItem, agentID string) (Scope, error)
	Destroy(ctx context.Context, scope Scope) error
}

// ExecutorFunc 讓一般函式實作 Executor
type ExecutorFunc func(ctx context.Context, req Request) (*types.AgentResult, error)

// Run implements Executor
func (f ExecutorFunc) Run(ctx context.Context, req Request) (*types.AgentResult, error) {
	return f(ctx, req)
}

// ============================================================================
// 錯誤
// ============================================================================

// Error agent 失敗，帶有錯誤分類
//
// Error() 的文字會交給 retry 的 Error Matcher，因此 timeout 類錯誤
// 一定包含 "timed out"。
type Error struct {
	Kind     types.ErrorKind
	ExitCode *int
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Type(), msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Type 對應的 ErrorType
func (e *Error) Type() types.ErrorType {
	return types.ErrorType{Kind: e.Kind, ExitCode: e.ExitCode}
}

// NewError 建立指定分類的錯誤
func NewError(kind types.ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsolationError 包裝隔離層錯誤
func IsolationError(op string, err error) *Error {
	return &Error{Kind: types.KindIsolationError, Message: fmt.Sprintf("%s: %v", op, err), Err: err}
}

// TypeOf 取得錯誤分類
//
// 非 *Error 的 context.DeadlineExceeded 視為 Timeout，其餘為 Unknown。
func TypeOf(err error) types.ErrorType {
	if err == nil {
		return types.ErrorType{}
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Type()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrorType{Kind: types.KindTimeout}
	}
	return types.ErrorType{Kind: types.KindUnknown}
}
