package llm

import (
	"sync"
	"time"
)

// CallRecord captures one routed LLM call for introspection.
type CallRecord struct {
	RequestID      string        `json:"request_id"`
	ConversationID string        `json:"conversation_id"`
	Model          string        `json:"model"`
	Provider       string        `json:"provider"`
	KeyID          string        `json:"key_id"`
	Workload       string        `json:"workload,omitempty"`
	Usage          TokenUsage    `json:"usage"`
	Attempts       int           `json:"attempts"`
	Sanitized      bool          `json:"sanitized,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}

// CallLog is a bounded in-memory ring of recent call records. Oldest
// records are dropped once the cap is reached.
type CallLog struct {
	mu      sync.Mutex
	records []CallRecord
	max     int
}

// NewCallLog creates a log keeping at most max records (default 1000 when
// max <= 0).
func NewCallLog(max int) *CallLog {
	if max <= 0 {
		max = 1000
	}
	return &CallLog{max: max}
}

// Add appends a record, evicting the oldest past the cap.
func (l *CallLog) Add(record CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	if len(l.records) > l.max {
		l.records = l.records[len(l.records)-l.max:]
	}
}

// Recent returns a copy of up to n newest records, newest last.
func (l *CallLog) Recent(n int) []CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.records) {
		n = len(l.records)
	}
	return append([]CallRecord(nil), l.records[len(l.records)-n:]...)
}

// Len returns the number of retained records.
func (l *CallLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}
