package server

import (
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// Slow Log
// --------------------------------------------------------------------------

// SlowEntry records one command execution that exceeded the slowlog
// threshold
type SlowEntry struct {
	ID         uint64
	Time       time.Time
	DurationUS uint64
	Args       []string
}

// SlowLog is a bounded ring of the most recent commands that exceeded the
// slowlog threshold
type SlowLog struct {
	mu      sync.Mutex
	entries []*SlowEntry
	maxLen  int
	nextID  uint64
}

// NewSlowLog creates a slowlog keeping at most maxLen entries
func NewSlowLog(maxLen int) *SlowLog {
	if maxLen <= 0 {
		maxLen = 128
	}
	return &SlowLog{maxLen: maxLen}
}

// PushEntry records one slow command, evicting the oldest entry when full
func (l *SlowLog) PushEntry(args []string, durationUS uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := &SlowEntry{
		ID:         l.nextID,
		Time:       time.Now(),
		DurationUS: durationUS,
		Args:       args,
	}
	l.nextID++
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.maxLen {
		l.entries = l.entries[1:]
	}
}

// GetEntries returns up to count entries, newest first
func (l *SlowLog) GetEntries(count int) []*SlowEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if count <= 0 || count > len(l.entries) {
		count = len(l.entries)
	}
	out := make([]*SlowEntry, 0, count)
	for i := len(l.entries) - 1; i >= len(l.entries)-count; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Len returns the number of retained entries
func (l *SlowLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Reset drops all entries
func (l *SlowLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
