package eventlog

import (
	"log/slog"
	"sync"
)

// ============================================================================
// Sink 實作與 Emitter
// ============================================================================

// Discard 丟棄所有事件
type Discard struct{}

// Append implements Sink
func (Discard) Append(Event) error { return nil }

// Memory 把事件保存在記憶體（測試與 dry run 使用）
type Memory struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
}

// Append implements Sink
func (m *Memory) Append(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	m.events = append(m.events, e)
	return nil
}

// Events 回傳目前所有事件的複本
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// ReplayValid implements Reader
func (m *Memory) ReplayValid(handler EventHandler) error {
	for _, e := range m.Events() {
		if err := handler(e); err != nil {
			return err
		}
	}
	return nil
}

// OfType 篩選指定類型的事件
func (m *Memory) OfType(t EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Emitter 綁定 job 的事件發送器
//
// Append 失敗只記錄警告，從不回傳錯誤給呼叫端。nil Emitter 可安全使用。
type Emitter struct {
	sink   Sink
	jobID  string
	logger *slog.Logger
}

// NewEmitter 建立 Emitter；sink 為 nil 時等同 Discard
func NewEmitter(sink Sink, jobID string, logger *slog.Logger) *Emitter {
	if sink == nil {
		sink = Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sink: sink, jobID: jobID, logger: logger}
}

// Emit 發送事件
func (e *Emitter) Emit(t EventType, itemID string, data map[string]interface{}) {
	if e == nil {
		return
	}
	err := e.sink.Append(Event{Type: t, JobID: e.jobID, ItemID: itemID, Data: data})
	if err != nil {
		e.logger.Warn("Failed to append event",
			"job_id", e.jobID,
			"type", t,
			"item_id", itemID,
			"error", err)
	}
}

// JobID 綁定的 job
func (e *Emitter) JobID() string {
	if e == nil {
		return ""
	}
	return e.jobID
}
