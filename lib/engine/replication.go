package engine

import (
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// Replication Log
// --------------------------------------------------------------------------

// BatchEntry is one committed update in the replication stream. FirstSeq is
// the sequence of the first logical operation in the batch.
type BatchEntry struct {
	FirstSeq uint64
	Raw      []byte
}

// replicationLog retains recently committed batches so followers can resume
// from a sequence number. Retention is bounded by age and total bytes;
// batches evicted from the window can no longer serve GetWALIter, which is
// reported as a recycled-log error.
type replicationLog struct {
	mu       sync.Mutex
	entries  []logEntry
	bytes    uint64
	firstSeq uint64 // sequence the oldest retained entry starts at
	nextSeq  uint64 // sequence the next appended entry will start at
	ttl      time.Duration
	maxBytes uint64
}

type logEntry struct {
	firstSeq uint64
	lastSeq  uint64
	raw      []byte
	added    time.Time
}

func newReplicationLog(latestSeq uint64, ttlSeconds, maxBytes uint64) *replicationLog {
	if ttlSeconds == 0 {
		ttlSeconds = 3600
	}
	if maxBytes == 0 {
		maxBytes = 512 * MiB
	}
	return &replicationLog{
		firstSeq: latestSeq + 1,
		nextSeq:  latestSeq + 1,
		ttl:      time.Duration(ttlSeconds) * time.Second,
		maxBytes: maxBytes,
	}
}

// append records a committed batch ending at seq
func (l *replicationLog) append(seq uint64, batch *Batch) {
	count := batch.Count()
	if count == 0 {
		return
	}
	raw := batch.Encode()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{
		firstSeq: seq - count + 1,
		lastSeq:  seq,
		raw:      raw,
		added:    time.Now(),
	})
	l.bytes += uint64(len(raw))
	l.nextSeq = seq + 1
	l.evictLocked()
}

func (l *replicationLog) evictLocked() {
	cutoff := time.Now().Add(-l.ttl)
	for len(l.entries) > 0 &&
		(l.bytes > l.maxBytes || l.entries[0].added.Before(cutoff)) {
		l.bytes -= uint64(len(l.entries[0].raw))
		l.firstSeq = l.entries[0].lastSeq + 1
		l.entries = l.entries[1:]
	}
}

// since collects the retained batches whose range reaches seq or later.
// ok is false when the window no longer covers seq.
func (l *replicationLog) since(seq uint64) (entries []BatchEntry, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < l.firstSeq || seq >= l.nextSeq {
		return nil, false
	}
	for _, e := range l.entries {
		if e.lastSeq < seq {
			continue
		}
		entries = append(entries, BatchEntry{FirstSeq: e.firstSeq, Raw: e.raw})
	}
	return entries, true
}

// --------------------------------------------------------------------------
// WAL Iterator
// --------------------------------------------------------------------------

// WALIterator streams committed updates with sequence >= the requested seq
type WALIterator struct {
	entries []BatchEntry
	pos     int
}

// Valid reports whether the iterator currently points at an entry
func (it *WALIterator) Valid() bool {
	return it.pos < len(it.entries)
}

// Entry returns the current entry
func (it *WALIterator) Entry() BatchEntry {
	return it.entries[it.pos]
}

// Next advances the iterator
func (it *WALIterator) Next() {
	it.pos++
}

// GetWALIter returns an iterator over committed updates with sequence >=
// seq. It fails when the engine cannot honor the sequence: the retention
// window has moved past it, or seq is ahead of the latest commit.
func (s *Storage) GetWALIter(seq uint64) (*WALIterator, error) {
	entries, ok := s.replLog.since(seq)
	if !ok {
		return nil, NewError(CodeDBGetWAL, "log entries were recycled")
	}
	iter := &WALIterator{entries: entries}
	if !iter.Valid() {
		return nil, NewError(CodeDBGetWAL, "iterator not valid")
	}
	return iter, nil
}
