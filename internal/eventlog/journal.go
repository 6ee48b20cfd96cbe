// Package eventlog 提供 append-only 事件日誌
//
// 每個 job 一個 JSON lines 檔案，每行一個 Event，附帶 CRC32 校驗和。
// 寫入先進緩衝區，滿了、超過 flush 間隔或明確呼叫 Flush 時才落盤。
package eventlog

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only）
// 2. 提供重放功能以檢查與稽核 job 歷史
// 3. 確保資料完整性（CRC32）
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/ChuLiYu/beaver-jobs/internal/ids"
)

// maxLineSize 單行事件的上限
const maxLineSize = 4 << 20

// Journal 表示一個事件日誌實例
type Journal struct {
	mu     sync.Mutex
	fs     afero.Fs
	file   afero.File
	path   string
	seq    uint64
	closed bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	syncOn        map[EventType]bool

	now func() time.Time
}

// Option Journal 設定選項
type Option func(*Journal)

// WithBufferSize 緩衝多少事件後強制 flush（1 表示每次都寫）
func WithBufferSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.bufferSize = n
		}
	}
}

// WithFlushInterval 距離上次 flush 超過此時間的 Append 會觸發 flush
func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) { j.flushInterval = d }
}

// WithSyncOn 這些類型的事件一寫入就 flush，不等緩衝區或間隔
func WithSyncOn(types ...EventType) Option {
	return func(j *Journal) {
		if j.syncOn == nil {
			j.syncOn = make(map[EventType]bool, len(types))
		}
		for _, t := range types {
			j.syncOn[t] = true
		}
	}
}

// WithClock 設定時間來源
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個事件日誌

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，掃描出最大的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	fs   - 檔案系統
	path - 日誌檔案路徑
*/
func Open(fs afero.Fs, path string, opts ...Option) (*Journal, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	// 崩潰時最後一行可能只寫了一半，這裡只取得可解析的最大 seq
	var seq uint64
	_ = scan(fs, path, func(e Event, _ int) error {
		if e.Seq > seq {
			seq = e.Seq
		}
		return nil
	}, true)

	file, err := fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	// 半截的最後一行自成一行，新事件不會被接在它後面
	if tornTail(fs, path) {
		if _, err := file.Write([]byte("\n")); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to terminate torn record: %w", err)
		}
	}

	j := &Journal{
		fs:            fs,
		file:          file,
		path:          path,
		seq:           seq,
		bufferSize:    64,
		flushInterval: time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.buffer = make([]Event, 0, j.bufferSize)
	j.lastFlushTime = j.now()
	return j, nil
}

// Append 追加一個事件
//
// 行為：
// - 自動遞增 seq，補上 ID 與 Timestamp
// - 計算 checksum
// - 緩衝區滿或超過 flush 間隔時寫入並同步到磁碟
func (j *Journal) Append(e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}

	j.seq++
	e.Seq = j.seq
	if e.ID == "" {
		e.ID = ids.NewULID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now().UTC()
	}
	e.Checksum = CalculateChecksum(e)

	j.buffer = append(j.buffer, e)

	if j.syncOn[e.Type] || len(j.buffer) >= j.bufferSize || j.now().Sub(j.lastFlushTime) > j.flushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush 立即寫入所有緩衝事件
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// LastSeq 取得當前的事件序號
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// Close 寫入剩餘事件並關閉檔案；關閉後的 Journal 不可再用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	flushErr := j.flushLocked()
	closeErr := j.file.Close()
	return errors.Join(flushErr, closeErr)
}

// Replay 先 flush 再從頭重放整個日誌
func (j *Journal) Replay(handler EventHandler) error {
	if err := j.Flush(); err != nil {
		return err
	}
	return Replay(j.fs, j.path, handler)
}

// Replay 重放日誌檔案中的所有事件
//
// 行為：
// - 從頭逐行讀取
// - 驗證每個事件的 checksum（*ChecksumError）
// - 無法解析的行回傳 *CorruptionError
// - handler 回傳錯誤時立即停止
//
// 檔案不存在視為空日誌。
func Replay(fs afero.Fs, path string, handler EventHandler) error {
	return scan(fs, path, func(e Event, _ int) error {
		if !VerifyChecksum(e) {
			return &ChecksumError{Seq: e.Seq, Expected: CalculateChecksum(e), Actual: e.Checksum}
		}
		return handler(e)
	}, false)
}

// ReplayValid 先 flush 再重放所有完整且 checksum 正確的事件
//
// 日誌已關閉時直接讀檔。
func (j *Journal) ReplayValid(handler EventHandler) error {
	if err := j.Flush(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return ReplayValid(j.fs, j.path, handler)
}

// ReplayValid 重放日誌檔案，略過半截、無法解析或 checksum 不符的行
//
// 崩潰後恢復使用；handler 回傳錯誤時仍立即停止。
func ReplayValid(fs afero.Fs, path string, handler EventHandler) error {
	return scan(fs, path, func(e Event, _ int) error {
		if !VerifyChecksum(e) {
			return nil
		}
		return handler(e)
	}, true)
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 呼叫端必須持有 j.mu
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		j.lastFlushTime = j.now()
		return nil
	}

	w := bufio.NewWriter(j.file)
	enc := json.NewEncoder(w)
	for _, e := range j.buffer {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode event seq=%d: %w", e.Seq, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = j.now()
	return nil
}

// tornTail 檔案非空且最後一個位元組不是換行
func tornTail(fs afero.Fs, path string) bool {
	info, err := fs.Stat(path)
	if err != nil || info.Size() == 0 {
		return false
	}
	f, err := fs.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	last := make([]byte, 1)
	if n, _ := f.ReadAt(last, info.Size()-1); n != 1 {
		return false
	}
	return last[0] != '\n'
}

// scan 逐行解碼；lenient 時略過無法解析的行
func scan(fs afero.Fs, path string, fn func(Event, int) error, lenient bool) error {
	f, err := fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	return scanReader(f, fn, lenient)
}

func scanReader(r io.Reader, fn func(Event, int) error, lenient bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			if lenient {
				continue
			}
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := fn(e, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && !lenient {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}
