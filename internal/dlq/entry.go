// Package dlq 實作 Dead Letter Queue
//
// 重試耗盡的工作項目以 Entry 保存，每個 job 一個佇列。
// 同一個項目再次失敗時合併到既有 Entry（失敗歷史累加）。
// 超過容量時依 first_attempt 淘汰最舊的 10%。
package dlq

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotFound      = errors.New("dlq: item not found")
	ErrEmptyHistory  = errors.New("dlq: failure history is empty")
	ErrUnknownFormat = errors.New("dlq: unknown export format")
)

// ============================================================================
// 資料結構
// ============================================================================

// FailureDetail 單次失敗紀錄
type FailureDetail struct {
	AttemptNumber int             `json:"attempt_number"`
	Timestamp     time.Time       `json:"timestamp"`
	ErrorType     types.ErrorType `json:"error_type"`
	ErrorMessage  string          `json:"error_message"`
	AgentID       string          `json:"agent_id,omitempty"`
	Duration      time.Duration   `json:"duration"`
}

// Entry DLQ 中的一個項目
type Entry struct {
	ItemID               types.ItemID    `json:"item_id"`
	ItemData             interface{}     `json:"item_data"`
	CorrelationID        string          `json:"correlation_id,omitempty"`
	FirstAttempt         time.Time       `json:"first_attempt"`
	LastAttempt          time.Time       `json:"last_attempt"`
	FailureCount         int             `json:"failure_count"`
	FailureHistory       []FailureDetail `json:"failure_history"`
	ErrorSignature       string          `json:"error_signature"`
	ReprocessEligible    bool            `json:"reprocess_eligible"`
	ManualReviewRequired bool            `json:"manual_review_required"`
}

// LastFailure 最近一次失敗
func (e *Entry) LastFailure() FailureDetail {
	if len(e.FailureHistory) == 0 {
		return FailureDetail{}
	}
	return e.FailureHistory[len(e.FailureHistory)-1]
}

// HasErrorKind 失敗歷史中是否出現過指定的錯誤類型
func (e *Entry) HasErrorKind(kind types.ErrorKind) bool {
	for _, f := range e.FailureHistory {
		if f.ErrorType.Kind == kind {
			return true
		}
	}
	return false
}

// WorkItem 轉回可重新排程的工作項目
func (e *Entry) WorkItem() types.WorkItem {
	return types.WorkItem{
		ID:            e.ItemID,
		Payload:       e.ItemData,
		CorrelationID: e.CorrelationID,
		Status:        types.StatusPending,
		FromDLQ:       true,
	}
}

// ============================================================================
// 錯誤簽章
// ============================================================================

// signatureTokens 簽章保留的 token 數
const signatureTokens = 10

// Signature 產生用於分組的錯誤簽章
//
// 訊息經 NFKC 正規化後依空白切分，含 '/' 的 token 換成 <path>，
// 數字換成 <n>，只保留前 10 個 token。格式為 "<error type>::<tokens>"。
func Signature(errType types.ErrorType, message string) string {
	fields := strings.Fields(norm.NFKC.String(message))
	if len(fields) > signatureTokens {
		fields = fields[:signatureTokens]
	}
	for i, f := range fields {
		switch {
		case strings.Contains(f, "/"):
			fields[i] = "<path>"
		case isNumber(f):
			fields[i] = "<n>"
		}
	}
	return errType.String() + "::" + strings.Join(fields, " ")
}

func isNumber(token string) bool {
	t := strings.Trim(token, ",.;:()[]{}\"'")
	if !strings.ContainsAny(t, "0123456789") {
		return false
	}
	_, err := strconv.ParseFloat(t, 64)
	return err == nil
}
