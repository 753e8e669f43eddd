package engine

import (
	"bytes"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/quartzkv/quartz/lib/codec"
)

const defaultGCInterval = 30 * time.Second

// --------------------------------------------------------------------------
// Background Reclamation
// --------------------------------------------------------------------------
//
// Deletion in the keyspace is logical: expiring a key or bumping the version
// in its metadata record makes the old state unreachable, and the sweeps
// below reclaim the dead records lazily. Each sweep pins the handle with
// IncrDBRefs so teardown can never free the DB under a running sweep.
// Reclamation writes bypass the commit path: physical cleanup advances no
// sequence and feeds no replication.

// startGC launches the reclamation worker
func (s *Storage) startGC() {
	interval := defaultGCInterval
	if s.config.GCIntervalSecs > 0 {
		interval = time.Duration(s.config.GCIntervalSecs) * time.Second
	}
	s.gcQuit = make(chan struct{})
	s.gcDone.Add(1)
	go func() {
		defer s.gcDone.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.gcQuit:
				return
			case <-ticker.C:
				s.runGCCycle()
			}
		}
	}()
}

// stopGC stops the reclamation worker and waits for it to exit
func (s *Storage) stopGC() {
	if s.gcQuit == nil {
		return
	}
	close(s.gcQuit)
	s.gcDone.Wait()
	s.gcQuit = nil
}

// runGCCycle executes one pass over every reclaimable column family
func (s *Storage) runGCCycle() {
	if err := s.IncrDBRefs(); err != nil {
		return
	}
	defer func() { _ = s.DecrDBRefs() }()

	now := time.Now().Unix()
	s.sweepMetadata(now)
	s.sweepSubKeys(codec.ColumnFamilyDefault, now)
	s.sweepSubKeys(codec.ColumnFamilyZSetScore, now)
	s.sweepPubSub()
	if s.config.ClusterEnabled {
		s.sweepSlotKeys()
	}
}

// reclaim deletes a set of raw (already prefixed) keys outside the logical
// write path
func (s *Storage) reclaim(keys [][]byte) {
	if len(keys) == 0 {
		return
	}
	pb := s.db.NewBatch()
	defer func() { _ = pb.Close() }()
	for _, key := range keys {
		_ = pb.Delete(key, nil)
	}
	if err := s.db.Apply(pb, pebble.NoSync); err != nil {
		s.log.Errorf("Failed to reclaim %d records: %v", len(keys), err)
	}
}

// sweepMetadata drops expired top-level records
func (s *Storage) sweepMetadata(now int64) {
	iter, err := s.NewIterator(nil, codec.ColumnFamilyMetadata, nil, nil)
	if err != nil {
		s.log.Errorf("Failed to open metadata sweep iterator: %v", err)
		return
	}
	defer func() { _ = iter.Close() }()

	var dead [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		var meta codec.Metadata
		if err := meta.Decode(iter.Value()); err != nil {
			ns, userKey, _ := codec.ExtractNamespaceKey(iter.Key())
			s.log.Warningf("Failed to decode metadata, namespace: %s, key: %s, err: %v", ns, userKey, err)
			continue
		}
		if meta.ExpiredAt(now) {
			dead = append(dead, prefixKey(codec.ColumnFamilyMetadata, append([]byte(nil), iter.Key()...)))
		}
	}
	s.reclaim(dead)
}

// sweepSubKeys drops sub-keys whose parent metadata is gone, expired,
// overwritten by a string, carries a different version, or (for bitmaps)
// whose segment is all zero
func (s *Storage) sweepSubKeys(cf codec.ColumnFamilyID, now int64) {
	iter, err := s.NewIterator(nil, cf, nil, nil)
	if err != nil {
		s.log.Errorf("Failed to open sub-key sweep iterator: %v", err)
		return
	}
	defer func() { _ = iter.Close() }()

	// One-entry parent cache: sub-keys of the same parent are adjacent.
	var cachedKey []byte
	var cachedMeta *codec.Metadata

	var dead [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		ikey, err := codec.DecodeInternalKey(iter.Key())
		if err != nil {
			continue
		}
		if !bytes.Equal(cachedKey, ikey.NamespaceKey) {
			cachedKey = append([]byte(nil), ikey.NamespaceKey...)
			cachedMeta = nil
			raw, err := s.Get(nil, codec.ColumnFamilyMetadata, ikey.NamespaceKey)
			if err == nil {
				var meta codec.Metadata
				if decodeErr := meta.Decode(raw); decodeErr == nil {
					cachedMeta = &meta
				}
			} else if !errors.Is(err, ErrNotFound) {
				s.log.Errorf("Failed to fetch metadata for sub-key sweep: %v", err)
				cachedKey = nil
				continue
			}
		}
		if s.subKeyDead(cachedMeta, ikey.Version, iter.Value(), now) {
			dead = append(dead, prefixKey(cf, append([]byte(nil), iter.Key()...)))
		}
	}
	s.reclaim(dead)
}

// subKeyDead decides whether one sub-key record is reclaimable
func (s *Storage) subKeyDead(meta *codec.Metadata, version uint64, value []byte, now int64) bool {
	if meta == nil {
		return true // metadata was deleted, perhaps by sweep or manual del
	}
	if meta.Type() == codec.RedisString || meta.ExpiredAt(now) || version != meta.Version {
		return true
	}
	return meta.Type() == codec.RedisBitmap && isZeroSegment(value)
}

// isZeroSegment reports whether a bitmap segment carries no set bit
func isZeroSegment(segment []byte) bool {
	for _, b := range segment {
		if b != 0 {
			return false
		}
	}
	return true
}

// sweepPubSub treats every pubsub record as immediately collectible
func (s *Storage) sweepPubSub() {
	if err := s.db.DeleteRange(
		cfLowerBound(codec.ColumnFamilyPubSub),
		cfUpperBound(codec.ColumnFamilyPubSub),
		pebble.NoSync,
	); err != nil {
		s.log.Errorf("Failed to reclaim pubsub records: %v", err)
	}
}

// sweepSlotKeys drops slot keys whose version disagrees with the slot
// metadata
func (s *Storage) sweepSlotKeys() {
	iter, err := s.NewIterator(nil, codec.ColumnFamilySlot, nil, nil)
	if err != nil {
		s.log.Errorf("Failed to open slot sweep iterator: %v", err)
		return
	}
	defer func() { _ = iter.Close() }()

	var cachedSlot uint32
	var cachedMeta *codec.SlotMetadata
	cachedValid := false

	var dead [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		ikey, err := codec.DecodeSlotInternalKey(iter.Key())
		if err != nil {
			continue
		}
		if !cachedValid || cachedSlot != ikey.SlotNum {
			cachedSlot = ikey.SlotNum
			cachedValid = true
			cachedMeta = nil
			raw, err := s.Get(nil, codec.ColumnFamilySlotMetadata, codec.SlotMetadataKey(ikey.SlotNum))
			if err == nil {
				var meta codec.SlotMetadata
				if decodeErr := meta.Decode(raw); decodeErr == nil {
					cachedMeta = &meta
				}
			}
		}
		if cachedMeta == nil || ikey.Version != cachedMeta.Version {
			dead = append(dead, prefixKey(codec.ColumnFamilySlot, append([]byte(nil), iter.Key()...)))
		}
	}
	s.reclaim(dead)
}
