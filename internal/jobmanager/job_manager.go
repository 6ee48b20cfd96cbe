// ============================================================================
// Beaver-Jobs 工作項目管理器 - 工作項目狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理單一 job 內所有 work item 的生命週期和狀態轉換
//
// 設計理念:
//   1. items map - 統一的工作項目存儲，作為單一真實來源 (Single Source of Truth)
//   2. order - pipeline 產生的順序，Snapshot 依此輸出
//   3. queue - 待處理佇列，保證依 pipeline 順序分派
//   4. byStatus - 各狀態的索引，提供 O(1) 統計與查詢
//
// 工作項目狀態轉換 (State Machine):
//
//   Pending ──MarkInProgress──→ InProgress ──MarkCompleted──→ Completed (終態)
//      ↑                           │   │
//      │                           │   └──MarkFailed──→ Failed ──MarkDeadLettered──→ DeadLettered (終態)
//      │                           │                      │
//      └──────ResetInProgress──────┘                      │
//      └───────────────────────Requeue────────────────────┘
//
//   Readmit 是唯一能把 DeadLettered 拉回 Pending 的方法，只在 force resume 使用。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDuplicateItem 工作項目 ID 重複
	ErrDuplicateItem = errors.New("work item already exists")
	// ErrItemNotFound 工作項目不存在
	ErrItemNotFound = errors.New("work item not found")
	// ErrInvalidTransition 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid work item transition")
)

// TransitionError 狀態轉換錯誤，帶有項目與前後狀態
type TransitionError struct {
	ItemID types.ItemID
	From   types.ItemStatus
	To     types.ItemStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("work item %s: cannot transition %s -> %s", e.ItemID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// transitions 合法的狀態轉換表
var transitions = map[types.ItemStatus][]types.ItemStatus{
	types.StatusPending:    {types.StatusInProgress},
	types.StatusInProgress: {types.StatusCompleted, types.StatusFailed, types.StatusPending},
	types.StatusFailed:     {types.StatusPending, types.StatusDeadLettered},
}

// CanTransition 檢查狀態轉換是否合法（不包含 Readmit）
func CanTransition(from, to types.ItemStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Stats 各狀態數量
type Stats struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	InProgress   int `json:"in_progress"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Processed 已經離開 Pending/InProgress 的項目數
func (s Stats) Processed() int {
	return s.Completed + s.Failed + s.DeadLettered
}

// JobManager 管理單一 job 的工作項目
type JobManager struct {
	mu       sync.RWMutex
	items    map[types.ItemID]*types.WorkItem
	order    []types.ItemID
	queue    []types.ItemID
	byStatus map[types.ItemStatus]map[types.ItemID]struct{}
	now      func() time.Time
}

// NewJobManager 建立新的工作項目管理器
//
// 返回值：
//   - *JobManager: 初始化完成的管理器，執行緒安全
func NewJobManager() *JobManager {
	jm := &JobManager{now: time.Now}
	jm.reset()
	return jm
}

func (jm *JobManager) reset() {
	jm.items = make(map[types.ItemID]*types.WorkItem)
	jm.order = make([]types.ItemID, 0)
	jm.queue = make([]types.ItemID, 0)
	jm.byStatus = map[types.ItemStatus]map[types.ItemID]struct{}{
		types.StatusPending:      {},
		types.StatusInProgress:   {},
		types.StatusCompleted:    {},
		types.StatusFailed:       {},
		types.StatusDeadLettered: {},
	}
}

// Add 加入新的工作項目，狀態一律設為 Pending
//
// 錯誤處理：
//   - ErrDuplicateItem: 項目 ID 已存在
func (jm *JobManager) Add(item types.WorkItem) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.items[item.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
	}

	item.Status = types.StatusPending
	item.UpdatedAt = jm.now()
	jm.items[item.ID] = &item
	jm.order = append(jm.order, item.ID)
	jm.queue = append(jm.queue, item.ID)
	jm.byStatus[types.StatusPending][item.ID] = struct{}{}
	return nil
}

// NextPending 取出佇列中下一個 Pending 項目（複本），不改變狀態
//
// 佇列中已不是 Pending 的項目會被略過。沒有待處理項目時回傳 false。
func (jm *JobManager) NextPending() (types.WorkItem, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.queue) > 0 {
		id := jm.queue[0]
		jm.queue = jm.queue[1:]
		item, ok := jm.items[id]
		if ok && item.Status == types.StatusPending {
			return *item, true
		}
	}
	return types.WorkItem{}, false
}

// MarkInProgress Pending → InProgress，記錄負責的 agent
func (jm *JobManager) MarkInProgress(id types.ItemID, agentID string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	item, err := jm.transitionLocked(id, types.StatusInProgress)
	if err != nil {
		return err
	}
	item.AgentID = agentID
	return nil
}

// MarkCompleted InProgress → Completed
func (jm *JobManager) MarkCompleted(id types.ItemID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	item, err := jm.transitionLocked(id, types.StatusCompleted)
	if err != nil {
		return err
	}
	item.LastError = ""
	return nil
}

// MarkFailed InProgress → Failed，保存最後錯誤
func (jm *JobManager) MarkFailed(id types.ItemID, lastErr string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	item, err := jm.transitionLocked(id, types.StatusFailed)
	if err != nil {
		return err
	}
	item.LastError = lastErr
	return nil
}

// Requeue Failed → Pending，增加重試次數並重置單次重試狀態
func (jm *JobManager) Requeue(id types.ItemID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	item, err := jm.transitionLocked(id, types.StatusPending)
	if err != nil {
		return err
	}
	item.RetryCount++
	item.Retry = types.RetryState{ExtraAttempts: item.Retry.ExtraAttempts}
	item.AgentID = ""
	jm.queue = append(jm.queue, id)
	return nil
}

// MarkDeadLettered Failed → DeadLettered
func (jm *JobManager) MarkDeadLettered(id types.ItemID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	item, err := jm.transitionLocked(id, types.StatusDeadLettered)
	if err != nil {
		return err
	}
	item.AgentID = ""
	return nil
}

// ResetInProgress 把所有 InProgress 項目無條件重置為 Pending
//
// 恢復時使用：被中斷的 agent 可能只做了一半，項目必須完整重跑。
// 返回值為被重置的項目 ID（依 pipeline 順序）。
func (jm *JobManager) ResetInProgress() []types.ItemID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var reset []types.ItemID
	for _, id := range jm.order {
		item := jm.items[id]
		if item.Status != types.StatusInProgress {
			continue
		}
		if _, err := jm.transitionLocked(id, types.StatusPending); err != nil {
			continue
		}
		item.AgentID = ""
		reset = append(reset, id)
	}
	// 重置的項目排在佇列最前面，維持原本的分派順序
	jm.queue = append(append([]types.ItemID(nil), reset...), jm.queue...)
	return reset
}

// Readmit 強制把 DeadLettered 或 Failed 項目拉回 Pending，並放寬重試次數
//
// 僅用於 force resume 與 DLQ 重新處理。
func (jm *JobManager) Readmit(id types.ItemID, extraAttempts int) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	item, ok := jm.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if item.Status != types.StatusDeadLettered && item.Status != types.StatusFailed {
		return &TransitionError{ItemID: id, From: item.Status, To: types.StatusPending}
	}

	if item.Status == types.StatusDeadLettered {
		item.FromDLQ = true
	}
	jm.moveLocked(item, types.StatusPending)
	item.Retry.ExtraAttempts += extraAttempts
	item.Retry.BudgetExpiresAt = nil
	item.Retry.TotalDelay = 0
	item.AgentID = ""
	jm.queue = append(jm.queue, id)
	return nil
}

// UpdateRetryState 寫回 worker 回報的重試狀態
func (jm *JobManager) UpdateRetryState(id types.ItemID, state types.RetryState) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	item, ok := jm.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	item.Retry = state
	item.UpdatedAt = jm.now()
	return nil
}

// transitionLocked 檢查並執行狀態轉換，呼叫端必須持有 jm.mu
func (jm *JobManager) transitionLocked(id types.ItemID, to types.ItemStatus) (*types.WorkItem, error) {
	item, ok := jm.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if !CanTransition(item.Status, to) {
		return nil, &TransitionError{ItemID: id, From: item.Status, To: to}
	}
	jm.moveLocked(item, to)
	return item, nil
}

func (jm *JobManager) moveLocked(item *types.WorkItem, to types.ItemStatus) {
	delete(jm.byStatus[item.Status], item.ID)
	item.Status = to
	item.UpdatedAt = jm.now()
	jm.byStatus[to][item.ID] = struct{}{}
}

// ============================================================================
// 快照與恢復相關方法
// ============================================================================

// Restore 從 checkpoint 的工作項目清單恢復狀態
//
// 項目順序即為 pipeline 順序；Pending 項目依此順序重新排隊。
// InProgress 項目保持原狀，由呼叫端決定何時 ResetInProgress。
func (jm *JobManager) Restore(items []types.WorkItem) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.reset()
	for i := range items {
		item := items[i]
		if _, exists := jm.items[item.ID]; exists {
			jm.reset()
			return fmt.Errorf("%w: %s", ErrDuplicateItem, item.ID)
		}
		if _, known := jm.byStatus[item.Status]; !known {
			jm.reset()
			return fmt.Errorf("work item %s: unknown status %q", item.ID, item.Status)
		}
		jm.items[item.ID] = &item
		jm.order = append(jm.order, item.ID)
		jm.byStatus[item.Status][item.ID] = struct{}{}
		if item.Status == types.StatusPending {
			jm.queue = append(jm.queue, item.ID)
		}
	}
	return nil
}

// Snapshot 依 pipeline 順序回傳所有工作項目的深拷貝
func (jm *JobManager) Snapshot() []types.WorkItem {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.WorkItem, 0, len(jm.order))
	for _, id := range jm.order {
		item := *jm.items[id]
		if item.Retry.BudgetExpiresAt != nil {
			t := *item.Retry.BudgetExpiresAt
			item.Retry.BudgetExpiresAt = &t
		}
		out = append(out, item)
	}
	return out
}

// ============================================================================
// 查詢方法
// ============================================================================

// Stats 取得各狀態的統計資訊
func (jm *JobManager) Stats() Stats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return Stats{
		Total:        len(jm.items),
		Pending:      len(jm.byStatus[types.StatusPending]),
		InProgress:   len(jm.byStatus[types.StatusInProgress]),
		Completed:    len(jm.byStatus[types.StatusCompleted]),
		Failed:       len(jm.byStatus[types.StatusFailed]),
		DeadLettered: len(jm.byStatus[types.StatusDeadLettered]),
	}
}

// Get 取得工作項目（複本）
func (jm *JobManager) Get(id types.ItemID) (types.WorkItem, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	item, ok := jm.items[id]
	if !ok {
		return types.WorkItem{}, false
	}
	return *item, true
}

// IDsWithStatus 依 pipeline 順序回傳指定狀態的項目 ID
func (jm *JobManager) IDsWithStatus(status types.ItemStatus) []types.ItemID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var ids []types.ItemID
	for _, id := range jm.order {
		if jm.items[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// Done 沒有 Pending 也沒有 InProgress 項目
func (jm *JobManager) Done() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.byStatus[types.StatusPending]) == 0 && len(jm.byStatus[types.StatusInProgress]) == 0
}
