package checkpoint

// ============================================================================
// 職責說明：
// 1. 定義 checkpoint 資料結構（job 階段 + 所有工作項目狀態 + captured 變數）
// 2. 版本號在同一個 job 內嚴格遞增，寫入後不可變更
// 3. Store 介面由 file（afero）與 SQL（postgres / sqlite）實作
// 4. 載入時驗證完整性（可用 --skip-validation 略過）
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotFound         = errors.New("checkpoint: not found")
	ErrVersionExists    = errors.New("checkpoint: version already written")
	ErrCorrupted        = errors.New("checkpoint: corrupted")
	ErrValidationFailed = errors.New("checkpoint: integrity validation failed")
)

// SchemaVersion checkpoint 檔案格式版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// ResultSummary 單一工作項目最後一次 agent 執行的摘要
type ResultSummary struct {
	AgentID   string            `json:"agent_id"`
	Status    types.AgentStatus `json:"status"`
	Duration  time.Duration     `json:"duration"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
	Soft      bool              `json:"soft,omitempty"`
}

// Counters job 層級的失敗計數，跨越重啟保存
type Counters struct {
	// FailedItems 曾經耗盡重試的項目（每個項目只計一次）
	FailedItems   []types.ItemID `json:"failed_items,omitempty"`
	GlobalRetries int            `json:"global_retries"`
	Skipped       []types.ItemID `json:"skipped,omitempty"`
}

// Checkpoint job 狀態的不可變快照
type Checkpoint struct {
	SchemaVer int         `json:"schema_version"`
	JobID     string      `json:"job_id"`
	Version   int         `json:"version"`
	Phase     types.Phase `json:"phase"`
	Timestamp time.Time   `json:"timestamp"`

	// RolledBackFrom 由 Rollback 產生時，記錄來源版本
	RolledBackFrom int `json:"rolled_back_from,omitempty"`

	WorkItems         []types.WorkItem               `json:"work_items"`
	AgentResults      map[types.ItemID]ResultSummary `json:"agent_results,omitempty"`
	CapturedVariables map[string]string              `json:"captured_variables,omitempty"`
	Counters          Counters                       `json:"counters"`
	Config            json.RawMessage                `json:"config,omitempty"`
	Error             string                         `json:"error,omitempty"`

	// FailedIn Phase 為 Failed 時，失敗發生的階段（force resume 從這裡繼續）
	FailedIn types.Phase `json:"failed_in,omitempty"`
	// ReduceCompleted 已完成的 reduce 步驟數
	ReduceCompleted int `json:"reduce_completed,omitempty"`
}

// Info 列出版本時使用的摘要
type Info struct {
	Version   int
	Phase     types.Phase
	Timestamp time.Time
	Total     int
	Completed int
	Failed    int
	Pending   int
}

// Store checkpoint 持久化介面
//
// Save 在版本已存在時必須回傳 ErrVersionExists，不可覆寫。
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, jobID string, version int) (*Checkpoint, error)
	Versions(ctx context.Context, jobID string) ([]int, error)
	Delete(ctx context.Context, jobID string, version int) error
	Jobs(ctx context.Context) ([]string, error)
	Close() error
}

// ============================================================================
// 輔助方法
// ============================================================================

// Clone 深度複製（透過 JSON），避免呼叫端修改已寫入的快照
func (cp *Checkpoint) Clone() (*Checkpoint, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &out, nil
}

// Summary 產生版本摘要
func (cp *Checkpoint) Summary() Info {
	info := Info{
		Version:   cp.Version,
		Phase:     cp.Phase,
		Timestamp: cp.Timestamp,
		Total:     len(cp.WorkItems),
	}
	for _, item := range cp.WorkItems {
		switch item.Status {
		case types.StatusCompleted:
			info.Completed++
		case types.StatusFailed, types.StatusDeadLettered:
			info.Failed++
		case types.StatusPending, types.StatusInProgress:
			info.Pending++
		}
	}
	return info
}

// Validate 完整性檢查
//
// 檢查項目：job ID、版本號、schema 版本、項目 ID 唯一、狀態合法，
// 以及 agent 結果與失敗計數只引用存在的項目。
func (cp *Checkpoint) Validate(jobID string, version int) error {
	if cp.JobID == "" {
		return fmt.Errorf("%w: missing job id", ErrValidationFailed)
	}
	if jobID != "" && cp.JobID != jobID {
		return fmt.Errorf("%w: job id %q does not match %q", ErrValidationFailed, cp.JobID, jobID)
	}
	if version > 0 && cp.Version != version {
		return fmt.Errorf("%w: version %d does not match file version %d", ErrValidationFailed, cp.Version, version)
	}
	if cp.SchemaVer != SchemaVersion {
		return fmt.Errorf("%w: schema version %d, want %d", ErrValidationFailed, cp.SchemaVer, SchemaVersion)
	}

	seen := make(map[types.ItemID]struct{}, len(cp.WorkItems))
	for _, item := range cp.WorkItems {
		if item.ID == "" {
			return fmt.Errorf("%w: work item without id", ErrValidationFailed)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("%w: duplicate work item %s", ErrValidationFailed, item.ID)
		}
		seen[item.ID] = struct{}{}

		switch item.Status {
		case types.StatusPending, types.StatusInProgress, types.StatusCompleted,
			types.StatusFailed, types.StatusDeadLettered:
		default:
			return fmt.Errorf("%w: work item %s has unknown status %q", ErrValidationFailed, item.ID, item.Status)
		}
	}
	for id := range cp.AgentResults {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("%w: agent result for unknown item %s", ErrValidationFailed, id)
		}
	}
	for _, id := range cp.Counters.FailedItems {
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("%w: failed item %s is not a work item", ErrValidationFailed, id)
		}
	}
	return nil
}
