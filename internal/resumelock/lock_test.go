package resumelock

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 測試輔助
// ============================================================================

// livePIDs 模擬本機存活的 process
type livePIDs map[int]bool

func (l livePIDs) probe(pid int) bool { return l[pid] }

func newTestManager(fs afero.Fs, pid int, host string, live livePIDs) *Manager {
	return NewManager(fs, "/state/locks",
		WithIdentity(pid, host),
		WithLivenessProbe(live.probe),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	)
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestAcquireAndRelease(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(fs, 100, "host-a", livePIDs{100: true})

	guard, err := m.Acquire("job-1")
	require.NoError(t, err)
	assert.Equal(t, 100, guard.Lock().PID)

	lock, err := m.Inspect("job-1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "host-a", lock.Hostname)
	assert.Equal(t, "job-1", lock.JobID)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), lock.AcquiredAt)

	require.NoError(t, guard.Release())
	// 重複釋放不會出錯
	require.NoError(t, guard.Release())

	lock, err = m.Inspect("job-1")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestAcquire_ConflictWithLiveHolder(t *testing.T) {
	fs := afero.NewMemMapFs()
	live := livePIDs{100: true, 200: true}
	first := newTestManager(fs, 100, "host-a", live)
	second := newTestManager(fs, 200, "host-a", live)

	guard, err := first.Acquire("job-1")
	require.NoError(t, err)
	defer guard.Release()

	_, err = second.Acquire("job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 100, conflict.Holder.PID)
	assert.Equal(t, "host-a", conflict.Holder.Hostname)
	assert.Contains(t, conflict.Error(), "pid 100 on host-a")
	assert.Contains(t, conflict.Error(), "2026-01-02T03:04:05Z")

	// 其他 job 不受影響
	other, err := second.Acquire("job-2")
	require.NoError(t, err)
	require.NoError(t, other.Release())
}

func TestAcquire_ReclaimsStaleLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	live := livePIDs{200: true}
	crashed := newTestManager(fs, 100, "host-a", live)
	_, err := crashed.Acquire("job-1")
	require.NoError(t, err)
	// pid 100 沒有釋放就消失了

	m := newTestManager(fs, 200, "host-a", live)
	guard, err := m.Acquire("job-1")
	require.NoError(t, err)
	assert.Equal(t, 200, guard.Lock().PID)

	lock, err := m.Inspect("job-1")
	require.NoError(t, err)
	assert.Equal(t, 200, lock.PID)
	require.NoError(t, guard.Release())
}

func TestAcquire_ForeignHostNeverStale(t *testing.T) {
	fs := afero.NewMemMapFs()
	remote := newTestManager(fs, 100, "host-b", livePIDs{})
	_, err := remote.Acquire("job-1")
	require.NoError(t, err)

	// 本機沒有 pid 100，但鎖屬於另一台主機，無法判斷
	m := newTestManager(fs, 200, "host-a", livePIDs{200: true})
	_, err = m.Acquire("job-1")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestAcquire_ReclaimsCorruptedLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/locks/job-1.lock", []byte("{garbage"), 0o644))

	m := newTestManager(fs, 200, "host-a", livePIDs{200: true})

	// 剛寫入的鎖檔可能只是尚未寫完
	fresh := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	require.NoError(t, fs.Chtimes("/state/locks/job-1.lock", fresh, fresh))
	_, err := m.Acquire("job-1")
	assert.ErrorIs(t, err, ErrLocked)

	old := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	require.NoError(t, fs.Chtimes("/state/locks/job-1.lock", old, old))
	guard, err := m.Acquire("job-1")
	require.NoError(t, err)
	require.NoError(t, guard.Release())
}

func TestRelease_DoesNotRemoveForeignLock(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(fs, 100, "host-a", livePIDs{100: true})
	guard, err := m.Acquire("job-1")
	require.NoError(t, err)

	// 模擬其他 process 在 ForceRelease 之後重新取得鎖
	require.NoError(t, m.ForceRelease("job-1"))
	data, err := json.Marshal(Lock{PID: 300, Hostname: "host-a", JobID: "job-1"})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/state/locks/job-1.lock", data, 0o644))

	err = guard.Release()
	assert.ErrorIs(t, err, ErrNotHeld)

	lock, err := m.Inspect("job-1")
	require.NoError(t, err)
	assert.Equal(t, 300, lock.PID)
}

// ============================================================================
// Scoped guard 測試
// ============================================================================

func TestWithLock_ReleasesOnEveryPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(fs, 100, "host-a", livePIDs{100: true})

	// 正常結束
	require.NoError(t, m.WithLock("job-1", func(g *Guard) error { return nil }))
	lock, _ := m.Inspect("job-1")
	assert.Nil(t, lock)

	// 回傳錯誤
	boom := errors.New("boom")
	err := m.WithLock("job-1", func(g *Guard) error { return boom })
	assert.ErrorIs(t, err, boom)
	lock, _ = m.Inspect("job-1")
	assert.Nil(t, lock)

	// panic
	assert.Panics(t, func() {
		_ = m.WithLock("job-1", func(g *Guard) error { panic("agent exploded") })
	})
	lock, _ = m.Inspect("job-1")
	assert.Nil(t, lock)
}

func TestWithLock_Conflict(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(fs, 100, "host-a", livePIDs{100: true})

	err := m.WithLock("job-1", func(g *Guard) error {
		inner := m.WithLock("job-1", func(*Guard) error {
			t.Fatal("inner section must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLocked)
		return nil
	})
	require.NoError(t, err)
}

// TestAcquire_Concurrent 測試並發取得時只有一個成功
func TestAcquire_Concurrent(t *testing.T) {
	fs := afero.NewMemMapFs()
	live := livePIDs{}
	for pid := 1; pid <= 10; pid++ {
		live[pid] = true
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for pid := 1; pid <= 10; pid++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			m := newTestManager(fs, pid, "host-a", live)
			if _, err := m.Acquire("job-1"); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrLocked)
			}
		}(pid)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

// TestAcquire_StaleReclaimKeepsNewHolder 回收 stale 鎖期間，另一個 process
// 先完成回收並取得鎖；較慢的回收者不能刪掉新持有者的鎖。
func TestAcquire_StaleReclaimKeepsNewHolder(t *testing.T) {
	fs := afero.NewMemMapFs()

	crashed := newTestManager(fs, 999, "host-a", livePIDs{999: true})
	_, err := crashed.Acquire("job-1")
	require.NoError(t, err)

	a := newTestManager(fs, 100, "host-a", livePIDs{100: true})

	var (
		guardA *Guard
		errA   error
		once   sync.Once
	)
	b := NewManager(fs, "/state/locks",
		WithIdentity(200, "host-a"),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
		WithLivenessProbe(func(pid int) bool {
			if pid == 999 {
				// b 判定 999 已死、尚未刪除前，a 搶先回收
				once.Do(func() { guardA, errA = a.Acquire("job-1") })
				return false
			}
			return pid == 100 || pid == 200
		}),
	)

	_, errB := b.Acquire("job-1")

	require.NoError(t, errA)
	require.NotNil(t, guardA)

	var conflict *ConflictError
	require.ErrorAs(t, errB, &conflict)
	assert.Equal(t, 100, conflict.Holder.PID)

	lock, err := a.Inspect("job-1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, 100, lock.PID, "lock must still belong to the process that reclaimed it first")

	exists, err := afero.Exists(fs, "/state/locks/job-1.lock.reclaim")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, guardA.Release())
}

// TestAcquire_ReclaimInProgress 其他 process 正在回收時不重複刪除
func TestAcquire_ReclaimInProgress(t *testing.T) {
	fs := afero.NewMemMapFs()

	crashed := newTestManager(fs, 999, "host-a", livePIDs{999: true})
	_, err := crashed.Acquire("job-1")
	require.NoError(t, err)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, afero.WriteFile(fs, "/state/locks/job-1.lock.reclaim", []byte("300@host-a"), 0o644))
	require.NoError(t, fs.Chtimes("/state/locks/job-1.lock.reclaim", now, now))

	m := newTestManager(fs, 200, "host-a", livePIDs{200: true})
	_, err = m.Acquire("job-1")
	assert.ErrorIs(t, err, ErrLocked)

	lock, err := m.Inspect("job-1")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, 999, lock.PID)

	// 回收者本身崩潰：reclaim 鎖過舊後被清除
	old := now.Add(-time.Minute)
	require.NoError(t, fs.Chtimes("/state/locks/job-1.lock.reclaim", old, old))
	guard, err := m.Acquire("job-1")
	require.NoError(t, err)
	require.NoError(t, guard.Release())
}

func TestProcessAlive_Self(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
}
