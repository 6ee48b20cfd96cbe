// Package resumelock 防止同一個 job 被並發 resume
//
// 每個 job 一個鎖檔 <dir>/<job_id>.lock，內容為 {pid, hostname, acquired_at, job_id}。
// 以 O_CREATE|O_EXCL 原子建立；既有鎖檔的持有者若是本機上已不存在的 process，
// 視為 stale 並自動回收。Acquire 回傳的 Guard 在任何結束路徑都必須 Release。
package resumelock

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrLocked  = errors.New("resumelock: job is locked by another process")
	ErrNotHeld = errors.New("resumelock: lock is not held by this process")
)

// ConflictError 鎖被其他存活的 process 持有
type ConflictError struct {
	Holder Lock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s is being resumed by pid %d on %s (acquired at %s)",
		e.Holder.JobID, e.Holder.PID, e.Holder.Hostname, e.Holder.AcquiredAt.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrLocked }

// ============================================================================
// 資料結構
// ============================================================================

// Lock 鎖檔內容
type Lock struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
	JobID      string    `json:"job_id"`
}

// Manager 鎖管理器
type Manager struct {
	fs       afero.Fs
	dir      string
	pid      int
	hostname string
	alive    func(pid int) bool
	now      func() time.Time
	logger   *slog.Logger
}

// Option Manager 設定選項
type Option func(*Manager)

// WithIdentity 覆寫本 process 的 pid / hostname（測試用）
func WithIdentity(pid int, hostname string) Option {
	return func(m *Manager) {
		m.pid = pid
		m.hostname = hostname
	}
}

// WithLivenessProbe 覆寫 process 存活檢查（測試用）
func WithLivenessProbe(fn func(pid int) bool) Option {
	return func(m *Manager) { m.alive = fn }
}

// WithClock 設定時間來源
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager 建立鎖管理器
func NewManager(fs afero.Fs, dir string, opts ...Option) *Manager {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	m := &Manager{
		fs:       fs,
		dir:      dir,
		pid:      os.Getpid(),
		hostname: hostname,
		alive:    processAlive,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) path(jobID string) string {
	return filepath.Join(m.dir, jobID+".lock")
}

// ============================================================================
// 取得與釋放
// ============================================================================

// Acquire 取得 job 的 resume 鎖
//
// 既有鎖檔若為 stale（本機 process 已不存在，或內容損壞超過 grace period）
// 會被回收後重試一次；否則回傳 *ConflictError。
func (m *Manager) Acquire(jobID string) (*Guard, error) {
	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	lock := Lock{
		PID:        m.pid,
		Hostname:   m.hostname,
		AcquiredAt: m.now().UTC(),
		JobID:      jobID,
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := m.create(jobID, lock)
		if err == nil {
			m.logger.Debug("Resume lock acquired", "job_id", jobID, "pid", lock.PID)
			return &Guard{manager: m, lock: lock}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}

		raw, readErr := afero.ReadFile(m.fs, m.path(jobID))
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				// 持有者剛好釋放
				continue
			}
			return nil, fmt.Errorf("failed to read lock: %w", readErr)
		}

		holder, parseErr := parseLock(raw)
		if parseErr != nil {
			// 鎖檔可能正被持有者寫入；超過 grace period 仍無法解析才回收
			if !m.olderThan(m.path(jobID), unreadableGrace) {
				return nil, fmt.Errorf("%w: %s (lock file unreadable: %v)", ErrLocked, jobID, parseErr)
			}
			m.logger.Warn("Reclaiming unreadable resume lock", "job_id", jobID, "error", parseErr)
		} else if !m.isStale(holder) {
			return nil, &ConflictError{Holder: *holder}
		} else {
			m.logger.Warn("Reclaiming stale resume lock",
				"job_id", jobID,
				"stale_pid", holder.PID,
				"hostname", holder.Hostname,
				"acquired_at", holder.AcquiredAt)
		}

		if err := m.reclaim(jobID, raw); err != nil {
			return nil, err
		}
	}

	holder, err := m.read(jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrLocked, jobID)
	}
	return nil, &ConflictError{Holder: *holder}
}

// reclaimGrace 回收鎖本身的持有者崩潰時，超過這段時間後由下一個回收者清除
const reclaimGrace = 10 * time.Second

// reclaim 刪除已判定為 stale 的鎖檔
//
// 判定與刪除之間鎖檔可能已被其他 process 回收並換成新的鎖，因此刪除只在
// <job>.lock.reclaim（O_EXCL）之內進行，並且鎖檔內容必須與判定時讀到的
// stale 內容完全相同；內容不同時不刪除，交給下一輪 create 回報衝突。
func (m *Manager) reclaim(jobID string, stale []byte) error {
	reclaimPath := m.path(jobID) + ".reclaim"
	f, err := m.fs.OpenFile(reclaimPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) && m.olderThan(reclaimPath, reclaimGrace) {
		m.logger.Warn("Removing abandoned reclaim lock", "job_id", jobID)
		_ = m.fs.Remove(reclaimPath)
		f, err = m.fs.OpenFile(reclaimPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// 其他 process 正在回收
			return nil
		}
		return fmt.Errorf("failed to create reclaim lock: %w", err)
	}
	_, _ = fmt.Fprintf(f, "%d@%s", m.pid, m.hostname)
	_ = f.Close()
	defer func() {
		if err := m.fs.Remove(reclaimPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("Failed to remove reclaim lock", "job_id", jobID, "error", err)
		}
	}()

	current, err := afero.ReadFile(m.fs, m.path(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to re-read lock: %w", err)
	}
	if !bytes.Equal(current, stale) {
		m.logger.Debug("Lock changed while reclaiming, leaving it in place", "job_id", jobID)
		return nil
	}
	if err := m.fs.Remove(m.path(jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale lock: %w", err)
	}
	return nil
}

// create 以 O_EXCL 原子建立鎖檔
func (m *Manager) create(jobID string, lock Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return fmt.Errorf("failed to serialize lock: %w", err)
	}

	path := m.path(jobID)
	f, err := m.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(data)
	if writeErr == nil {
		writeErr = f.Sync()
	}
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		_ = m.fs.Remove(path)
		return fmt.Errorf("failed to write lock file: %w", errors.Join(writeErr, closeErr))
	}
	return nil
}

func (m *Manager) read(jobID string) (*Lock, error) {
	data, err := afero.ReadFile(m.fs, m.path(jobID))
	if err != nil {
		return nil, err
	}
	return parseLock(data)
}

func parseLock(data []byte) (*Lock, error) {
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("corrupted lock file: %w", err)
	}
	return &lock, nil
}

// unreadableGrace 無法解析的鎖檔在這段時間內仍視為有效
const unreadableGrace = 10 * time.Second

func (m *Manager) olderThan(path string, d time.Duration) bool {
	info, err := m.fs.Stat(path)
	if err != nil {
		return true
	}
	return m.now().Sub(info.ModTime()) > d
}

// isStale 只能檢查本機 process；其他主機的鎖一律視為有效
func (m *Manager) isStale(l *Lock) bool {
	if l.Hostname != m.hostname {
		return false
	}
	return !m.alive(l.PID)
}

// Inspect 讀取鎖檔（沒有鎖時回傳 nil, nil）
func (m *Manager) Inspect(jobID string) (*Lock, error) {
	lock, err := m.read(jobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return lock, nil
}

// IsStale 判斷鎖是否 stale
func (m *Manager) IsStale(l *Lock) bool {
	return m.isStale(l)
}

// ForceRelease 無條件移除鎖檔（CLI 手動清理用）
func (m *Manager) ForceRelease(jobID string) error {
	if err := m.fs.Remove(m.path(jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	return nil
}

// ============================================================================
// Guard
// ============================================================================

// Guard 持有中的鎖；Release 可重複呼叫
type Guard struct {
	manager *Manager
	lock    Lock
	once    sync.Once
	err     error
}

// Lock 鎖內容
func (g *Guard) Lock() Lock { return g.lock }

// Release 釋放鎖；鎖檔已被他人取代時不會刪除，回傳 ErrNotHeld
func (g *Guard) Release() error {
	g.once.Do(func() {
		m := g.manager
		current, err := m.read(g.lock.JobID)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return
			}
			g.err = fmt.Errorf("failed to read lock on release: %w", err)
			return
		}
		if current.PID != g.lock.PID || current.Hostname != g.lock.Hostname {
			g.err = fmt.Errorf("%w: now held by pid %d on %s", ErrNotHeld, current.PID, current.Hostname)
			return
		}
		if err := m.fs.Remove(m.path(g.lock.JobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
			g.err = fmt.Errorf("failed to remove lock: %w", err)
			return
		}
		m.logger.Debug("Resume lock released", "job_id", g.lock.JobID)
	})
	return g.err
}

// WithLock 在持有鎖的期間執行 fn；不論 fn 正常結束、回傳錯誤或 panic，鎖都會被釋放
func (m *Manager) WithLock(jobID string, fn func(*Guard) error) (err error) {
	guard, err := m.Acquire(jobID)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := guard.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()
	return fn(guard)
}
