// Package ids 產生系統內使用的識別碼
//
//   - job ID: UUIDv4，由使用者可見、需要跨主機唯一
//   - correlation / agent / event ID: ULID，依時間排序，方便在日誌中追蹤
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID 產生單調遞增的 ULID（併發安全）
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewJobID 產生 job ID，格式 job-<uuid>
func NewJobID() string {
	return "job-" + uuid.NewString()
}

// NewAgentID 產生 agent ID，格式 agent-<ulid>
func NewAgentID() string {
	return "agent-" + NewULID()
}

// NewCorrelationID 產生 correlation ID
func NewCorrelationID() string {
	return NewULID()
}
