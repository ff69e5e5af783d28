// Package logbuf keeps the most recent log lines in memory for the
// /api/logs endpoint.
package logbuf

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// Entry is one captured zerolog line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	AlertID   string    `json:"alert_id,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Buffer is a fixed-size ring of log entries. It implements io.Writer so it
// can sit behind zerolog.MultiLevelWriter.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
	now     func() time.Time
}

// New creates a buffer holding at most size entries.
func New(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{entries: make([]Entry, size), now: time.Now}
}

// Write captures one log line.
func (b *Buffer) Write(p []byte) (int, error) {
	entry := parse(strings.TrimRight(string(p), "\n"))
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now()
	}

	b.mu.Lock()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
	b.mu.Unlock()

	return len(p), nil
}

// Entries returns entries oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, b.count)
	start := 0
	if b.count == len(b.entries) {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(start+i)%len(b.entries)]
	}
	return out
}

// Recent returns up to n of the newest entries, optionally only those
// tagged with alertID.
func (b *Buffer) Recent(n int, alertID string) []Entry {
	all := b.Entries()
	if alertID != "" {
		filtered := all[:0]
		for _, e := range all {
			if e.AlertID == alertID {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Clear drops every entry.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

// parse extracts the common zerolog fields. Lines that are not JSON are
// kept verbatim at info level.
func parse(raw string) Entry {
	entry := Entry{Raw: raw, Level: "info", Message: raw}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return entry
	}

	if v, ok := fields["level"].(string); ok {
		entry.Level = v
	}
	if v, ok := fields["message"].(string); ok {
		entry.Message = v
	}
	if v, ok := fields["component"].(string); ok {
		entry.Component = v
	}
	if v, ok := fields["alert_id"].(string); ok {
		entry.AlertID = v
	}
	if v, ok := fields["time"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			entry.Timestamp = ts
		}
	}
	return entry
}
