package db

import (
	"errors"
	"math/bits"
	"strconv"

	"github.com/quartzkv/quartz/lib/codec"
	"github.com/quartzkv/quartz/lib/engine"
	"github.com/quartzkv/quartz/lib/lockmgr"
)

// --------------------------------------------------------------------------
// Bitmap Type
// --------------------------------------------------------------------------

const (
	// BitmapSegmentBytes is the fixed segment size; each sub-key stores one
	// segment
	BitmapSegmentBytes = 1024
	BitmapSegmentBits  = BitmapSegmentBytes * 8
)

// Bitmap implements the bitmap data type. Values are split into fixed-size
// segments stored as sub-keys under the key's version; the metadata size
// holds the bit-length ceiling. Keys written by SET are handled byte-wise on
// their string payload, matching Redis where GETBIT/SETBIT work on strings.
type Bitmap struct {
	*Database
}

// NewBitmap creates a bitmap module bound to a namespace
func NewBitmap(storage *engine.Storage, namespace string) *Bitmap {
	return &Bitmap{Database: NewDatabase(storage, namespace)}
}

// getMetadata resolves the key for a bitmap operation; isString reports that
// the key holds a string payload instead of segments
func (b *Bitmap) getMetadata(nsKey []byte, snap *engine.Snapshot) (meta *codec.Metadata, isString bool, err error) {
	meta, err = b.GetMetadata(codec.RedisNone, nsKey, snap)
	if err != nil {
		return nil, false, err
	}
	switch meta.Type() {
	case codec.RedisBitmap:
		return meta, false, nil
	case codec.RedisString:
		return meta, true, nil
	default:
		return nil, false, ErrWrongType
	}
}

// segmentSubKey names the segment holding the given bit offset
func segmentSubKey(offset uint32) []byte {
	index := offset / BitmapSegmentBits
	return []byte(strconv.FormatUint(uint64(index)*BitmapSegmentBytes, 10))
}

// GetBit reads one bit; absent keys and absent segments read as 0
func (b *Bitmap) GetBit(userKey []byte, offset uint32) (bool, error) {
	nsKey := b.AppendNamespacePrefix(userKey)
	snap := b.Storage().GetSnapshot()
	defer snap.Release()

	meta, isString, err := b.getMetadata(nsKey, snap)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if isString {
		return GetBitFromValueAndOffset(meta.Payload, offset), nil
	}

	subKey := codec.NewInternalKey(nsKey, segmentSubKey(offset), meta.Version).Encode()
	segment, err := b.Storage().Get(snap, codec.ColumnFamilyDefault, subKey)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	byteIdx := int(offset/8) % BitmapSegmentBytes
	if byteIdx >= len(segment) {
		return false, nil
	}
	return segment[byteIdx]&(1<<(7-offset%8)) != 0, nil
}

// SetBit writes one bit and returns the previous value. The metadata size
// only ever grows; shrinking a bitmap happens by deleting the key.
func (b *Bitmap) SetBit(userKey []byte, offset uint32, newBit bool) (oldBit bool, err error) {
	nsKey := b.AppendNamespacePrefix(userKey)
	guard := lockmgr.NewGuard(b.Storage().GetLockManager(), nsKey)
	defer guard.Release()

	meta := codec.NewMetadata(codec.RedisBitmap)
	isString := false
	raw, err := b.Storage().Get(nil, codec.ColumnFamilyMetadata, nsKey)
	if err == nil {
		stored := &codec.Metadata{}
		if err := stored.Decode(raw); err != nil {
			return false, err
		}
		if !stored.Expired() {
			switch stored.Type() {
			case codec.RedisBitmap:
				meta = stored
			case codec.RedisString:
				meta = stored
				isString = true
			default:
				return false, ErrWrongType
			}
		}
	} else if !errors.Is(err, engine.ErrNotFound) {
		return false, err
	}

	if isString {
		return b.setBitString(nsKey, meta, offset, newBit)
	}

	subKeyName := segmentSubKey(offset)
	subKey := codec.NewInternalKey(nsKey, subKeyName, meta.Version).Encode()
	segment, err := b.Storage().Get(nil, codec.ColumnFamilyDefault, subKey)
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		return false, err
	}
	byteIdx := int(offset/8) % BitmapSegmentBytes
	if byteIdx >= len(segment) {
		segment = append(segment, make([]byte, byteIdx+1-len(segment))...)
	}
	mask := byte(1 << (7 - offset%8))
	oldBit = segment[byteIdx]&mask != 0
	if newBit {
		segment[byteIdx] |= mask
	} else {
		segment[byteIdx] &^= mask
	}

	bitLen := (offset/8 + 1) * 8
	if bitLen > meta.Size {
		meta.Size = bitLen
	}

	batch := engine.NewBatch()
	batch.PutLogData(codec.NewLogData(codec.RedisBitmap, "setbit").Encode())
	batch.Put(codec.ColumnFamilyDefault, subKey, segment)
	batch.Put(codec.ColumnFamilyMetadata, nsKey, meta.Encode())
	if err := b.Storage().Write(batch); err != nil {
		return false, err
	}
	return oldBit, nil
}

// setBitString performs the read-modify-write on a string payload
func (b *Bitmap) setBitString(nsKey []byte, meta *codec.Metadata, offset uint32, newBit bool) (bool, error) {
	byteIdx := int(offset / 8)
	payload := meta.Payload
	if byteIdx >= len(payload) {
		payload = append(payload, make([]byte, byteIdx+1-len(payload))...)
	}
	mask := byte(1 << (7 - offset%8))
	oldBit := payload[byteIdx]&mask != 0
	if newBit {
		payload[byteIdx] |= mask
	} else {
		payload[byteIdx] &^= mask
	}
	meta.Payload = payload

	batch := engine.NewBatch()
	batch.PutLogData(codec.NewLogData(codec.RedisString, "setbit").Encode())
	batch.Put(codec.ColumnFamilyMetadata, nsKey, meta.Encode())
	if err := b.Storage().Write(batch); err != nil {
		return false, err
	}
	return oldBit, nil
}

// resolveByteRange maps possibly-negative inclusive byte indices onto
// [0, totalBytes); ok is false when the range is empty
func resolveByteRange(start, stop, totalBytes int64) (int64, int64, bool) {
	if totalBytes <= 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += totalBytes
	}
	if stop < 0 {
		stop += totalBytes
	}
	if start < 0 {
		start = 0
	}
	if stop >= totalBytes {
		stop = totalBytes - 1
	}
	if start > stop {
		return 0, 0, false
	}
	return start, stop, true
}

// totalBytes returns the payload length in bytes for either representation
func bitmapTotalBytes(meta *codec.Metadata, isString bool) int64 {
	if isString {
		return int64(len(meta.Payload))
	}
	return int64(meta.Size / 8)
}

// BitCount counts the set bits in the inclusive byte range [start, stop];
// negative indices count from the end
func (b *Bitmap) BitCount(userKey []byte, start, stop int64) (uint32, error) {
	nsKey := b.AppendNamespacePrefix(userKey)
	snap := b.Storage().GetSnapshot()
	defer snap.Release()

	meta, isString, err := b.getMetadata(nsKey, snap)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	start, stop, ok := resolveByteRange(start, stop, bitmapTotalBytes(meta, isString))
	if !ok {
		return 0, nil
	}

	if isString {
		var cnt uint32
		for _, v := range meta.Payload[start : stop+1] {
			cnt += uint32(bits.OnesCount8(v))
		}
		return cnt, nil
	}

	var cnt uint32
	for segIdx := start / BitmapSegmentBytes; segIdx <= stop/BitmapSegmentBytes; segIdx++ {
		subKey := codec.NewInternalKey(nsKey,
			[]byte(strconv.FormatInt(segIdx*BitmapSegmentBytes, 10)), meta.Version).Encode()
		segment, err := b.Storage().Get(snap, codec.ColumnFamilyDefault, subKey)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				continue
			}
			return 0, err
		}
		segStart := segIdx * BitmapSegmentBytes
		for i, v := range segment {
			pos := segStart + int64(i)
			if pos < start || pos > stop {
				continue
			}
			cnt += uint32(bits.OnesCount8(v))
		}
	}
	return cnt, nil
}

// BitPos finds the first occurrence of bit in the inclusive byte range.
// With bit = 0 and no explicit stop, a key holding only set bits reports its
// size, matching Redis.
func (b *Bitmap) BitPos(userKey []byte, bit bool, start, stop int64, stopGiven bool) (int64, error) {
	nsKey := b.AppendNamespacePrefix(userKey)
	snap := b.Storage().GetSnapshot()
	defer snap.Release()

	meta, isString, err := b.getMetadata(nsKey, snap)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			if bit {
				return -1, nil
			}
			return 0, nil
		}
		return 0, err
	}
	totalBytes := bitmapTotalBytes(meta, isString)
	start, stop, ok := resolveByteRange(start, stop, totalBytes)
	if !ok {
		return -1, nil
	}

	byteAt := b.byteReader(nsKey, meta, isString, snap)
	for pos := start; pos <= stop; pos++ {
		v, err := byteAt(pos)
		if err != nil {
			return 0, err
		}
		if p := bitPosInByte(v, bit); p >= 0 {
			return pos*8 + p, nil
		}
	}
	if !bit && !stopGiven {
		return totalBytes * 8, nil
	}
	return -1, nil
}

// byteReader returns a positional byte accessor over either representation,
// caching the current segment across calls
func (b *Bitmap) byteReader(nsKey []byte, meta *codec.Metadata, isString bool, snap *engine.Snapshot) func(int64) (byte, error) {
	if isString {
		return func(pos int64) (byte, error) {
			return meta.Payload[pos], nil
		}
	}
	var cachedIdx int64 = -1
	var cached []byte
	return func(pos int64) (byte, error) {
		segIdx := pos / BitmapSegmentBytes
		if segIdx != cachedIdx {
			subKey := codec.NewInternalKey(nsKey,
				[]byte(strconv.FormatInt(segIdx*BitmapSegmentBytes, 10)), meta.Version).Encode()
			segment, err := b.Storage().Get(snap, codec.ColumnFamilyDefault, subKey)
			if err != nil && !errors.Is(err, engine.ErrNotFound) {
				return 0, err
			}
			cachedIdx, cached = segIdx, segment
		}
		byteIdx := int(pos % BitmapSegmentBytes)
		if byteIdx >= len(cached) {
			return 0, nil
		}
		return cached[byteIdx], nil
	}
}

// bitPosInByte returns the index of the first matching bit (MSB first), -1
// when the byte holds none
func bitPosInByte(v byte, bit bool) int64 {
	for i := 0; i < 8; i++ {
		set := v&(1<<(7-i)) != 0
		if set == bit {
			return int64(i)
		}
	}
	return -1
}

// --------------------------------------------------------------------------
// Pure Helpers
// --------------------------------------------------------------------------

// GetBitFromValueAndOffset tests one bit of a raw value, MSB first
func GetBitFromValueAndOffset(value []byte, offset uint32) bool {
	byteIdx := int(offset / 8)
	if byteIdx >= len(value) {
		return false
	}
	return value[byteIdx]&(1<<(7-offset%8)) != 0
}

// IsEmptySegment reports whether a segment carries no set bit; writers still
// store such segments and reclamation drops them
func IsEmptySegment(segment []byte) bool {
	for _, v := range segment {
		if v != 0 {
			return false
		}
	}
	return true
}
