package dlq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-jobs/internal/eventlog"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// ============================================================================
// 測試輔助
// ============================================================================

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeRecorder struct {
	mu       sync.Mutex
	size     int
	evicted  int
	sizeSets int
}

func (r *fakeRecorder) SetDLQSize(_ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = n
	r.sizeSets++
}

func (r *fakeRecorder) AddDLQEvictions(_ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted += n
}

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *eventlog.Memory) {
	t.Helper()
	mem := &eventlog.Memory{}
	opts = append([]Option{
		WithEvents(eventlog.NewEmitter(mem, "job-1", nil)),
		WithClock(func() time.Time { return base.Add(48 * time.Hour) }),
	}, opts...)
	return New(NewFileStore(afero.NewMemMapFs(), "/state/dlq"), "job-1", opts...), mem
}

func workItem(id string) types.WorkItem {
	return types.WorkItem{
		ID:            types.ItemID(id),
		Payload:       map[string]interface{}{"id": id, "file": "src/" + id + ".go"},
		CorrelationID: "corr-" + id,
	}
}

func failure(at time.Time, kind types.ErrorKind, msg string) FailureDetail {
	return FailureDetail{
		AttemptNumber: 1,
		Timestamp:     at,
		ErrorType:     types.ErrorType{Kind: kind},
		ErrorMessage:  msg,
		AgentID:       "agent-1",
		Duration:      2 * time.Second,
	}
}

// ============================================================================
// Signature
// ============================================================================

func TestSignature(t *testing.T) {
	exit := 2
	tests := []struct {
		name     string
		errType  types.ErrorType
		message  string
		expected string
	}{
		{
			name:     "paths and numbers replaced",
			errType:  types.ErrorType{Kind: types.KindCommandFailed, ExitCode: &exit},
			message:  "cannot open /tmp/work/item-42.json after 3 tries",
			expected: "command_failed(2)::cannot open <path> after <n> tries",
		},
		{
			name:     "truncated to ten tokens",
			errType:  types.ErrorType{Kind: types.KindValidationFailed},
			message:  "a b c d e f g h i j k l m",
			expected: "validation_failed::a b c d e f g h i j",
		},
		{
			name:     "numbers with punctuation",
			errType:  types.ErrorType{Kind: types.KindTimeout},
			message:  "timed out after 30.5s, (120)",
			expected: "timeout::timed out after 30.5s, <n>",
		},
		{
			name:     "full width digits normalised",
			errType:  types.ErrorType{Kind: types.KindUnknown},
			message:  "retry ４２ failed",
			expected: "unknown::retry <n> failed",
		},
		{
			name:     "words like nan stay",
			errType:  types.ErrorType{},
			message:  "got NaN inf",
			expected: "unknown::got NaN inf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Signature(tt.errType, tt.message))
		})
	}

	// 只有變動部分不同的訊息得到相同簽章
	a := Signature(types.ErrorType{Kind: types.KindTimeout}, "item 17 at /a/b timed out")
	b := Signature(types.ErrorType{Kind: types.KindTimeout}, "item 993 at /c/d timed out")
	assert.Equal(t, a, b)
}

// ============================================================================
// Add / merge
// ============================================================================

func TestAdd_CreatesEntry(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	q, mem := newTestQueue(t, WithRecorder(rec))

	history := []FailureDetail{
		failure(base, types.KindTimeout, "agent timed out"),
		failure(base.Add(time.Minute), types.KindTimeout, "agent timed out"),
	}
	entry, err := q.Add(ctx, workItem("a"), history)
	require.NoError(t, err)

	assert.Equal(t, types.ItemID("a"), entry.ItemID)
	assert.Equal(t, base, entry.FirstAttempt)
	assert.Equal(t, base.Add(time.Minute), entry.LastAttempt)
	assert.Equal(t, 2, entry.FailureCount)
	assert.True(t, entry.ReprocessEligible)
	assert.False(t, entry.ManualReviewRequired)
	assert.Equal(t, "timeout::agent timed out", entry.ErrorSignature)

	stored, err := q.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "corr-a", stored.CorrelationID)
	assert.Len(t, stored.FailureHistory, 2)

	require.Len(t, mem.OfType(eventlog.EventDLQItemAdded), 1)
	assert.Equal(t, 1, rec.size)
}

func TestAdd_EmptyHistory(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Add(context.Background(), workItem("a"), nil)
	assert.ErrorIs(t, err, ErrEmptyHistory)
}

func TestAdd_MergesExistingEntry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Add(ctx, workItem("a"), []FailureDetail{failure(base, types.KindTimeout, "connection timeout")})
	require.NoError(t, err)

	later := base.Add(time.Hour)
	entry, err := q.Add(ctx, workItem("a"), []FailureDetail{failure(later, types.KindTimeout, "connection timeout")})
	require.NoError(t, err)

	assert.Equal(t, base, entry.FirstAttempt)
	assert.Equal(t, later, entry.LastAttempt)
	assert.Equal(t, 2, entry.FailureCount)
	assert.Len(t, entry.FailureHistory, 2)
	// 可分類的錯誤（timeout）仍可自動重試
	assert.True(t, entry.ReprocessEligible)
	assert.False(t, entry.ManualReviewRequired)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAdd_ManualReviewAfterDLQCycle(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	// 第一次進 DLQ：即使錯誤無法分類也可以重試
	entry, err := q.Add(ctx, workItem("a"), []FailureDetail{failure(base, types.KindCommandFailed, "assertion failed in parser")})
	require.NoError(t, err)
	assert.False(t, entry.ManualReviewRequired)
	assert.True(t, entry.ReprocessEligible)

	// 從 DLQ 重新處理後再次以無法分類的錯誤失敗
	item := workItem("b")
	item.FromDLQ = true
	entry, err = q.Add(ctx, item, []FailureDetail{failure(base, types.KindCommandFailed, "assertion failed in parser")})
	require.NoError(t, err)
	assert.True(t, entry.ManualReviewRequired)
	assert.False(t, entry.ReprocessEligible)

	// 合併到既有 entry 也算一輪
	entry, err = q.Add(ctx, workItem("a"), []FailureDetail{failure(base.Add(time.Hour), types.KindCommandFailed, "assertion failed in parser")})
	require.NoError(t, err)
	assert.True(t, entry.ManualReviewRequired)

	// 可分類的錯誤（rate limit）不需要人工處理
	item = workItem("c")
	item.FromDLQ = true
	entry, err = q.Add(ctx, item, []FailureDetail{failure(base, types.KindCommandFailed, "429 too many requests")})
	require.NoError(t, err)
	assert.False(t, entry.ManualReviewRequired)
}

// ============================================================================
// Capacity
// ============================================================================

func TestAdd_EvictsOldestTenPercent(t *testing.T) {
	ctx := context.Background()
	rec := &fakeRecorder{}
	q, mem := newTestQueue(t, WithMaxItems(1000), WithRecorder(rec))

	// 第 1001 筆觸發淘汰：first_attempt 最舊的 100 筆被移除
	for i := 0; i < 1001; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		_, err := q.Add(ctx, workItem(fmt.Sprintf("item-%04d", i)), []FailureDetail{failure(at, types.KindTimeout, "timeout")})
		require.NoError(t, err)
	}

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 901, count)

	for i := 0; i < 100; i++ {
		_, err := q.Get(ctx, types.ItemID(fmt.Sprintf("item-%04d", i)))
		assert.ErrorIs(t, err, ErrNotFound, "item %d should be evicted", i)
	}
	_, err = q.Get(ctx, "item-0100")
	assert.NoError(t, err)
	_, err = q.Get(ctx, "item-1000")
	assert.NoError(t, err)

	evicted := mem.OfType(eventlog.EventDLQItemsEvicted)
	require.Len(t, evicted, 1)
	assert.Equal(t, 100, evicted[0].Data["count"])
	assert.Equal(t, 100, rec.evicted)
	assert.Equal(t, 901, rec.size)
}

func TestAdd_EvictsByFirstAttemptNotInsertionOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, WithMaxItems(3))

	// 後插入但 first_attempt 最早
	times := map[string]time.Duration{"a": 3, "b": 2, "c": 4, "d": 1}
	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := q.Add(ctx, workItem(id), []FailureDetail{failure(base.Add(times[id]*time.Hour), types.KindTimeout, "timeout")})
		require.NoError(t, err)
	}

	// max 3 → 淘汰 max(3/10, 1) = 1 筆，即 first_attempt 最早的 d
	_, err := q.Get(ctx, "d")
	assert.ErrorIs(t, err, ErrNotFound)
	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

// ============================================================================
// Query
// ============================================================================

func seed(t *testing.T, q *Queue) {
	t.Helper()
	ctx := context.Background()
	exit := 1
	add := func(id string, at time.Time, errType types.ErrorType, msg string, fromDLQ bool) {
		item := workItem(id)
		item.FromDLQ = fromDLQ
		f := failure(at, errType.Kind, msg)
		f.ErrorType = errType
		_, err := q.Add(ctx, item, []FailureDetail{f})
		require.NoError(t, err)
	}
	add("a", base, types.ErrorType{Kind: types.KindTimeout}, "request timeout after 30 seconds", false)
	add("b", base.Add(10*time.Minute), types.ErrorType{Kind: types.KindTimeout}, "request timeout after 45 seconds", false)
	add("c", base.Add(2*time.Hour), types.ErrorType{Kind: types.KindCommandFailed, ExitCode: &exit}, "lint failed in /src/a.go", false)
	add("d", base.Add(3*time.Hour), types.ErrorType{Kind: types.KindValidationFailed}, "schema mismatch", true)
}

func TestList_FiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	seed(t, q)

	all, err := q.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	// 最近的排在最前面
	assert.Equal(t, types.ItemID("d"), all[0].ItemID)
	assert.Equal(t, types.ItemID("a"), all[3].ItemID)

	timeouts, err := q.List(ctx, Filter{ErrorKind: types.KindTimeout})
	require.NoError(t, err)
	assert.Len(t, timeouts, 2)

	eligible := false
	manual, err := q.List(ctx, Filter{ReprocessEligible: &eligible})
	require.NoError(t, err)
	require.Len(t, manual, 1)
	assert.Equal(t, types.ItemID("d"), manual[0].ItemID)

	window, err := q.List(ctx, Filter{After: base.Add(5 * time.Minute), Before: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, types.ItemID("c"), window[0].ItemID)
	assert.Equal(t, types.ItemID("b"), window[1].ItemID)

	bySig, err := q.List(ctx, Filter{Signature: "request timeout"})
	require.NoError(t, err)
	assert.Len(t, bySig, 2)

	limited, err := q.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestReprocessable(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	seed(t, q)

	entries, err := q.Reprocessable(ctx, Filter{}, false)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// 依 first_attempt 排序
	assert.Equal(t, types.ItemID("a"), entries[0].ItemID)

	forced, err := q.Reprocessable(ctx, Filter{}, true)
	require.NoError(t, err)
	assert.Len(t, forced, 4)

	item := forced[3].WorkItem()
	assert.Equal(t, types.StatusPending, item.Status)
	assert.True(t, item.FromDLQ)
	assert.Equal(t, "corr-d", item.CorrelationID)
}

func TestAnalyze(t *testing.T) {
	ctx := context.Background()
	q, mem := newTestQueue(t)
	seed(t, q)

	a, err := q.Analyze(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, a.TotalItems)
	require.Len(t, a.Patterns, 3)

	top := a.Patterns[0]
	assert.Equal(t, "timeout::request timeout after <n> seconds", top.Signature)
	assert.Equal(t, 2, top.Count)
	assert.Equal(t, base, top.FirstSeen)
	assert.Equal(t, base.Add(10*time.Minute), top.LastSeen)
	assert.ElementsMatch(t, []types.ItemID{"a", "b"}, top.SampleItems)

	assert.Equal(t, 2, a.ErrorDistribution["timeout"])
	assert.Equal(t, 1, a.ErrorDistribution["command_failed(1)"])

	require.Len(t, a.Temporal, 3)
	assert.Equal(t, base, a.Temporal[0].Hour)
	assert.Equal(t, 2, a.Temporal[0].Count)

	assert.Len(t, mem.OfType(eventlog.EventDLQAnalysis), 1)
}

func TestAnalyze_SamplesCapped(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	for i := 0; i < 5; i++ {
		_, err := q.Add(ctx, workItem(fmt.Sprintf("x%d", i)), []FailureDetail{failure(base, types.KindTimeout, "boom")})
		require.NoError(t, err)
	}
	a, err := q.Analyze(ctx)
	require.NoError(t, err)
	require.Len(t, a.Patterns, 1)
	assert.Equal(t, 5, a.Patterns[0].Count)
	assert.Len(t, a.Patterns[0].SampleItems, 3)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, WithMaxItems(10))
	seed(t, q)

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, s.TotalItems)
	assert.Equal(t, 3, s.EligibleReprocess)
	assert.Equal(t, 1, s.ManualReview)
	require.NotNil(t, s.OldestItem)
	assert.Equal(t, base, *s.OldestItem)
	assert.Equal(t, base.Add(3*time.Hour), *s.NewestItem)
	assert.Equal(t, 2, s.ErrorCategories["timeout::request timeout after <n> seconds"])
	assert.InDelta(t, 0.4, s.CapacityUsed, 1e-9)

	empty, _ := newTestQueue(t)
	s, err = empty.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.TotalItems)
	assert.Nil(t, s.OldestItem)
}

// ============================================================================
// Remove / Purge / Clear / Export
// ============================================================================

func TestRemoveAndResolve(t *testing.T) {
	ctx := context.Background()
	q, mem := newTestQueue(t)
	seed(t, q)

	require.NoError(t, q.Remove(ctx, "a"))
	assert.ErrorIs(t, q.Remove(ctx, "a"), ErrNotFound)

	removed, err := q.Resolve(ctx, []types.ItemID{"b", "c", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Len(t, mem.OfType(eventlog.EventDLQItemRemoved), 3)
	reprocessed := mem.OfType(eventlog.EventDLQItemsReprocessed)
	require.Len(t, reprocessed, 1)
	assert.Equal(t, 2, reprocessed[0].Data["count"])
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t) // now = base + 48h
	seed(t, q)

	// cutoff = base + 46h → 全部都比較舊
	purged, err := q.Purge(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, purged)

	q, _ = newTestQueue(t)
	seed(t, q)
	// cutoff = base + 1h → 只有 a、b
	purged, err = q.Purge(ctx, 47*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	_, err = q.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	seed(t, q)

	cleared, err := q.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, cleared)
	count, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	seed(t, q)

	var buf bytes.Buffer
	n, err := q.Export(ctx, &buf, "json", Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	var decoded []Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded, 4)

	buf.Reset()
	n, err = q.Export(ctx, &buf, "jsonl", Filter{ErrorKind: types.KindTimeout})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	lines := 0
	scanner := bufio.NewScanner(strings.NewReader(buf.String()))
	for scanner.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines++
	}
	assert.Equal(t, 2, lines)

	_, err = q.Export(ctx, &buf, "csv", Filter{})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
