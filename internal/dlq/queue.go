package dlq

// ============================================================================
// Dead Letter Queue
// ============================================================================
//
// 寫入流程 (Add):
//   1. 已存在 → 合併失敗歷史，更新 last_attempt / failure_count / 簽章
//   2. 不存在 → 以第一筆失敗時間為 first_attempt 建立
//   3. 曾經進過 DLQ 且錯誤無法被 matcher 分類 → manual_review_required，
//      不再自動重新處理
//   4. 寫入後若數量超過 max_items，淘汰 first_attempt 最舊的 10%
//
// 所有寫入都在 q.mu 內進行（單一寫入者），不會跨越 agent 呼叫持有。

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/internal/retry"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// DefaultMaxItems 預設容量
const DefaultMaxItems = 1000

// sampleSize 每個簽章分組保留的範例數
const sampleSize = 3

// Recorder 接收 DLQ 指標
type Recorder interface {
	SetDLQSize(jobID string, n int)
	AddDLQEvictions(jobID string, n int)
}

// Queue 單一 job 的 DLQ
type Queue struct {
	mu       sync.Mutex
	store    Store
	jobID    string
	maxItems int
	events   *eventlog.Emitter
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option Queue 設定選項
type Option func(*Queue)

// WithMaxItems 設定容量（<= 0 使用預設值）
func WithMaxItems(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxItems = n
		}
	}
}

// WithEvents 設定事件發送器
func WithEvents(e *eventlog.Emitter) Option {
	return func(q *Queue) { q.events = e }
}

// WithRecorder 設定指標
func WithRecorder(r Recorder) Option {
	return func(q *Queue) { q.recorder = r }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock 設定時間來源
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New 建立 job 的 DLQ
func New(store Store, jobID string, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		jobID:    jobID,
		maxItems: DefaultMaxItems,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// JobID 所屬 job
func (q *Queue) JobID() string { return q.jobID }

// MaxItems 容量
func (q *Queue) MaxItems() int { return q.maxItems }

// ============================================================================
// 寫入
// ============================================================================

// Add 把重試耗盡的項目寫入 DLQ（或合併到既有 entry）
//
// 參數:
//
//	item: 失敗的工作項目（FromDLQ 表示它是從 DLQ 重新處理的）
//	history: 本輪的失敗紀錄，至少一筆，依時間排序
func (q *Queue) Add(ctx context.Context, item types.WorkItem, history []FailureDetail) (*Entry, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyHistory, item.ID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.store.Get(ctx, q.jobID, item.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var entry *Entry
	if existing != nil {
		entry = existing
		entry.ItemData = item.Payload
	} else {
		entry = &Entry{
			ItemID:        item.ID,
			ItemData:      item.Payload,
			CorrelationID: item.CorrelationID,
			FirstAttempt:  history[0].Timestamp.UTC(),
		}
	}

	for _, f := range history {
		f.Timestamp = f.Timestamp.UTC()
		entry.FailureHistory = append(entry.FailureHistory, f)
	}
	entry.FailureCount += len(history)
	last := entry.LastFailure()
	entry.LastAttempt = last.Timestamp
	entry.ErrorSignature = Signature(last.ErrorType, last.ErrorMessage)

	// 第二輪以上仍是無法分類的錯誤，交給人工處理
	cycled := existing != nil || item.FromDLQ
	entry.ManualReviewRequired = cycled && retry.Classify(last.ErrorMessage) == retry.CategoryUnknown
	entry.ReprocessEligible = !entry.ManualReviewRequired

	if err := q.store.Put(ctx, q.jobID, entry); err != nil {
		return nil, err
	}

	q.logger.Warn("Item moved to DLQ",
		"job_id", q.jobID,
		"item_id", item.ID,
		"failure_count", entry.FailureCount,
		"signature", entry.ErrorSignature,
		"manual_review", entry.ManualReviewRequired)
	q.events.Emit(eventlog.EventDLQItemAdded, string(item.ID), map[string]interface{}{
		"failure_count":   entry.FailureCount,
		"error_signature": entry.ErrorSignature,
		"manual_review":   entry.ManualReviewRequired,
	})

	if err := q.enforceCapacityLocked(ctx); err != nil {
		return nil, err
	}
	q.refreshSizeLocked(ctx)
	return entry, nil
}

// enforceCapacityLocked 超過容量時淘汰最舊的 10%（至少 1 筆）
func (q *Queue) enforceCapacityLocked(ctx context.Context) error {
	count, err := q.store.Count(ctx, q.jobID)
	if err != nil {
		return err
	}
	if count <= q.maxItems {
		return nil
	}

	evict := q.maxItems / 10
	if evict < 1 {
		evict = 1
	}

	entries, err := q.store.List(ctx, q.jobID)
	if err != nil {
		return err
	}
	if evict > len(entries) {
		evict = len(entries)
	}

	evicted := make([]string, 0, evict)
	for _, e := range entries[:evict] {
		if err := q.store.Delete(ctx, q.jobID, e.ItemID); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to evict dlq item %s: %w", e.ItemID, err)
		}
		evicted = append(evicted, string(e.ItemID))
	}

	q.logger.Warn("DLQ capacity exceeded, evicted oldest items",
		"job_id", q.jobID,
		"max_items", q.maxItems,
		"evicted", len(evicted))
	q.events.Emit(eventlog.EventDLQItemsEvicted, "", map[string]interface{}{
		"count":    len(evicted),
		"item_ids": evicted,
	})
	if q.recorder != nil {
		q.recorder.AddDLQEvictions(q.jobID, len(evicted))
	}
	return nil
}

// Remove 移除項目
func (q *Queue) Remove(ctx context.Context, id types.ItemID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ctx, id)
}

func (q *Queue) removeLocked(ctx context.Context, id types.ItemID) error {
	if err := q.store.Delete(ctx, q.jobID, id); err != nil {
		return err
	}
	q.events.Emit(eventlog.EventDLQItemRemoved, string(id), nil)
	return nil
}

// Resolve 移除重新處理成功的項目，回傳實際移除數
func (q *Queue) Resolve(ctx context.Context, ids []types.ItemID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, id := range ids {
		err := q.removeLocked(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed++
	}
	q.events.Emit(eventlog.EventDLQItemsReprocessed, "", map[string]interface{}{
		"count": removed,
	})
	q.refreshSizeLocked(ctx)
	return removed, nil
}

// Purge 移除 last_attempt 早於 now-olderThan 的項目
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-olderThan)
	entries, err := q.store.List(ctx, q.jobID)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, e := range entries {
		if !e.LastAttempt.Before(cutoff) {
			continue
		}
		if err := q.removeLocked(ctx, e.ItemID); err != nil && !errors.Is(err, ErrNotFound) {
			return purged, err
		}
		purged++
	}
	q.logger.Info("Purged DLQ items", "job_id", q.jobID, "count", purged, "cutoff", cutoff)
	q.refreshSizeLocked(ctx)
	return purged, nil
}

// Clear 移除全部項目
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.store.List(ctx, q.jobID)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, e := range entries {
		if err := q.removeLocked(ctx, e.ItemID); err != nil && !errors.Is(err, ErrNotFound) {
			return cleared, err
		}
		cleared++
	}
	q.logger.Info("Cleared DLQ", "job_id", q.jobID, "count", cleared)
	q.refreshSizeLocked(ctx)
	return cleared, nil
}

func (q *Queue) refreshSizeLocked(ctx context.Context) {
	if q.recorder == nil {
		return
	}
	if n, err := q.store.Count(ctx, q.jobID); err == nil {
		q.recorder.SetDLQSize(q.jobID, n)
	}
}

// ============================================================================
// 查詢
// ============================================================================

// Filter List 的篩選條件，零值欄位不篩選
type Filter struct {
	ErrorKind         types.ErrorKind
	ReprocessEligible *bool
	After             time.Time // last_attempt >= After
	Before            time.Time // last_attempt < Before
	Signature         string    // 子字串比對
	Limit             int
}

// Matches 判斷 entry 是否符合條件
func (f Filter) Matches(e *Entry) bool {
	if f.ErrorKind != "" && !e.HasErrorKind(f.ErrorKind) {
		return false
	}
	if f.ReprocessEligible != nil && e.ReprocessEligible != *f.ReprocessEligible {
		return false
	}
	if !f.After.IsZero() && e.LastAttempt.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && !e.LastAttempt.Before(f.Before) {
		return false
	}
	if f.Signature != "" && !strings.Contains(e.ErrorSignature, f.Signature) {
		return false
	}
	return true
}

// Get 讀取單一項目
func (q *Queue) Get(ctx context.Context, id types.ItemID) (*Entry, error) {
	return q.store.Get(ctx, q.jobID, id)
}

// Count 項目數
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.store.Count(ctx, q.jobID)
}

// List 依 last_attempt 由新到舊回傳符合條件的項目
func (q *Queue) List(ctx context.Context, f Filter) ([]*Entry, error) {
	entries, err := q.store.List(ctx, q.jobID)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastAttempt.After(out[j].LastAttempt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Reprocessable 選出可以重新處理的項目（依 first_attempt 排序）
//
// force 為 true 時忽略 reprocess_eligible。
func (q *Queue) Reprocessable(ctx context.Context, f Filter, force bool) ([]*Entry, error) {
	entries, err := q.store.List(ctx, q.jobID)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, e := range entries {
		if !f.Matches(e) {
			continue
		}
		if !force && !e.ReprocessEligible {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ============================================================================
// 分析與統計
// ============================================================================

// PatternGroup 相同簽章的項目分組
type PatternGroup struct {
	Signature   string         `json:"signature"`
	Count       int            `json:"count"`
	FirstSeen   time.Time      `json:"first_occurrence"`
	LastSeen    time.Time      `json:"last_occurrence"`
	SampleItems []types.ItemID `json:"sample_items"`
}

// TimeBucket 每小時的失敗數（依 last_attempt）
type TimeBucket struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// Analysis 失敗模式分析
type Analysis struct {
	JobID             string         `json:"job_id"`
	TotalItems        int            `json:"total_items"`
	Patterns          []PatternGroup `json:"pattern_groups"`
	ErrorDistribution map[string]int `json:"error_distribution"`
	Temporal          []TimeBucket   `json:"temporal_distribution"`
	GeneratedAt       time.Time      `json:"generated_at"`
}

// Analyze 依錯誤簽章分組並統計
//
// error_distribution 以失敗歷史的每一筆計數；分組依數量由多到少排序。
func (q *Queue) Analyze(ctx context.Context) (*Analysis, error) {
	entries, err := q.store.List(ctx, q.jobID)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		JobID:             q.jobID,
		TotalItems:        len(entries),
		ErrorDistribution: make(map[string]int),
		GeneratedAt:       q.now().UTC(),
	}

	groups := make(map[string]*PatternGroup)
	buckets := make(map[time.Time]int)
	for _, e := range entries {
		g, ok := groups[e.ErrorSignature]
		if !ok {
			g = &PatternGroup{Signature: e.ErrorSignature, FirstSeen: e.FirstAttempt, LastSeen: e.LastAttempt}
			groups[e.ErrorSignature] = g
		}
		g.Count++
		if e.FirstAttempt.Before(g.FirstSeen) {
			g.FirstSeen = e.FirstAttempt
		}
		if e.LastAttempt.After(g.LastSeen) {
			g.LastSeen = e.LastAttempt
		}
		if len(g.SampleItems) < sampleSize {
			g.SampleItems = append(g.SampleItems, e.ItemID)
		}

		for _, f := range e.FailureHistory {
			a.ErrorDistribution[f.ErrorType.String()]++
		}
		buckets[e.LastAttempt.UTC().Truncate(time.Hour)]++
	}

	for _, g := range groups {
		a.Patterns = append(a.Patterns, *g)
	}
	sort.Slice(a.Patterns, func(i, j int) bool {
		if a.Patterns[i].Count != a.Patterns[j].Count {
			return a.Patterns[i].Count > a.Patterns[j].Count
		}
		return a.Patterns[i].Signature < a.Patterns[j].Signature
	})
	for hour, n := range buckets {
		a.Temporal = append(a.Temporal, TimeBucket{Hour: hour, Count: n})
	}
	sort.Slice(a.Temporal, func(i, j int) bool { return a.Temporal[i].Hour.Before(a.Temporal[j].Hour) })

	q.events.Emit(eventlog.EventDLQAnalysis, "", map[string]interface{}{
		"patterns": len(a.Patterns),
	})
	return a, nil
}

// Stats DLQ 統計
type Stats struct {
	JobID             string         `json:"job_id"`
	TotalItems        int            `json:"total_items"`
	EligibleReprocess int            `json:"eligible_for_reprocess"`
	ManualReview      int            `json:"requiring_manual_review"`
	OldestItem        *time.Time     `json:"oldest_item,omitempty"`
	NewestItem        *time.Time     `json:"newest_item,omitempty"`
	ErrorCategories   map[string]int `json:"error_categories"`
	MaxItems          int            `json:"max_items"`
	CapacityUsed      float64        `json:"capacity_used"`
}

// Stats 計算統計（error_categories 以簽章分組）
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	entries, err := q.store.List(ctx, q.jobID)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		JobID:           q.jobID,
		TotalItems:      len(entries),
		ErrorCategories: make(map[string]int),
		MaxItems:        q.maxItems,
	}
	for _, e := range entries {
		if e.ReprocessEligible {
			s.EligibleReprocess++
		}
		if e.ManualReviewRequired {
			s.ManualReview++
		}
		s.ErrorCategories[e.ErrorSignature]++

		first, last := e.FirstAttempt, e.LastAttempt
		if s.OldestItem == nil || first.Before(*s.OldestItem) {
			s.OldestItem = &first
		}
		if s.NewestItem == nil || last.After(*s.NewestItem) {
			s.NewestItem = &last
		}
	}
	if q.maxItems > 0 {
		s.CapacityUsed = float64(s.TotalItems) / float64(q.maxItems)
	}
	return s, nil
}

// ============================================================================
// 匯出
// ============================================================================

// Export 以 json（陣列）或 jsonl（每行一筆）格式輸出符合條件的項目
func (q *Queue) Export(ctx context.Context, w io.Writer, format string, f Filter) (int, error) {
	entries, err := q.List(ctx, f)
	if err != nil {
		return 0, err
	}

	switch strings.ToLower(format) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			return 0, fmt.Errorf("failed to export dlq: %w", err)
		}
	case "jsonl":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return 0, fmt.Errorf("failed to export dlq: %w", err)
			}
		}
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return len(entries), nil
}
