package engine

import (
	"errors"

	"github.com/quartzkv/quartz/lib/codec"
)

// --------------------------------------------------------------------------
// Slot Tracking (cluster mode)
// --------------------------------------------------------------------------

// getSlotMetadata reads the metadata record of one slot; an absent slot
// yields a fresh record with a new version and size zero
func (s *Storage) getSlotMetadata(slotNum uint32) (*codec.SlotMetadata, error) {
	raw, err := s.Get(nil, codec.ColumnFamilySlotMetadata, codec.SlotMetadataKey(slotNum))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return codec.NewSlotMetadata(), nil
		}
		return nil, err
	}
	meta := &codec.SlotMetadata{}
	if err := meta.Decode(raw); err != nil {
		return nil, err
	}
	return meta, nil
}

// slotKeyExists reports whether a user key is tracked under the current
// version of its slot
func (s *Storage) slotKeyExists(key []byte, version uint64) bool {
	slotKey := codec.NewSlotInternalKey(key, version).Encode()
	_, err := s.Get(nil, codec.ColumnFamilySlot, slotKey)
	return err == nil
}

// updateSlotKeys appends the slot tracking mutations for the given put and
// delete key sets to the batch, so they commit atomically with the key
// mutations that caused them.
func (s *Storage) updateSlotKeys(putKeys, deleteKeys [][]byte, batch *Batch) error {
	metadatas := make(map[uint32]*codec.SlotMetadata)
	touched := make(map[uint32]bool)

	load := func(slotNum uint32) (*codec.SlotMetadata, error) {
		if meta, ok := metadatas[slotNum]; ok {
			return meta, nil
		}
		meta, err := s.getSlotMetadata(slotNum)
		if err != nil {
			return nil, err
		}
		metadatas[slotNum] = meta
		return meta, nil
	}

	for _, key := range putKeys {
		slotNum := codec.GetSlotNumFromKey(string(key))
		meta, err := load(slotNum)
		if err != nil {
			return err
		}
		if s.slotKeyExists(key, meta.Version) {
			continue
		}
		meta.Size++
		touched[slotNum] = true
		batch.Put(codec.ColumnFamilySlot, codec.NewSlotInternalKey(key, meta.Version).Encode(), nil)
	}

	for _, key := range deleteKeys {
		slotNum := codec.GetSlotNumFromKey(string(key))
		meta, err := load(slotNum)
		if err != nil {
			return err
		}
		if !s.slotKeyExists(key, meta.Version) {
			continue
		}
		if meta.Size > 0 {
			meta.Size--
		}
		touched[slotNum] = true
		batch.Delete(codec.ColumnFamilySlot, codec.NewSlotInternalKey(key, meta.Version).Encode())
	}

	for slotNum := range touched {
		batch.Put(codec.ColumnFamilySlotMetadata, codec.SlotMetadataKey(slotNum), metadatas[slotNum].Encode())
	}
	return nil
}
