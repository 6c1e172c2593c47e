package core

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// LogEntry is one log line captured for the API.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// LogRingBuffer keeps the most recent log lines in a fixed-size ring.
type LogRingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	maxSize int
	pos     int
	full    bool
}

// NewLogRingBuffer creates a ring buffer that holds up to maxSize entries.
func NewLogRingBuffer(maxSize int) *LogRingBuffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &LogRingBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Write implements io.Writer. zerolog JSON lines are split into their level,
// component and message fields; anything else is kept verbatim.
func (b *LogRingBuffer) Write(p []byte) (n int, err error) {
	line := strings.TrimRight(string(p), "\n")
	entry := LogEntry{Timestamp: time.Now().UTC(), Raw: line, Message: line}

	var fields struct {
		Time      time.Time `json:"time"`
		Level     string    `json:"level"`
		Component string    `json:"component"`
		Message   string    `json:"message"`
	}
	if json.Unmarshal(p, &fields) == nil {
		entry.Level = fields.Level
		entry.Component = fields.Component
		entry.Message = fields.Message
		if !fields.Time.IsZero() {
			entry.Timestamp = fields.Time.UTC()
		}
	}

	b.mu.Lock()
	b.entries[b.pos] = entry
	b.pos = (b.pos + 1) % b.maxSize
	if b.pos == 0 {
		b.full = true
	}
	b.mu.Unlock()

	return len(p), nil
}

// GetEntries returns the most recent n log entries in chronological order.
func (b *LogRingBuffer) GetEntries(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.pos
	if b.full {
		total = b.maxSize
	}
	n = min(n, total)
	if n <= 0 {
		return []LogEntry{}
	}

	result := make([]LogEntry, n)
	start := (b.pos - n + b.maxSize) % b.maxSize
	for i := range n {
		result[i] = b.entries[(start+i)%b.maxSize]
	}
	return result
}
