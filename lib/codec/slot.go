package codec

import (
	"encoding/binary"
	"hash/crc32"
	"strings"
	"sync"
)

// --------------------------------------------------------------------------
// Slot Hashing
// --------------------------------------------------------------------------

const (
	// HashSlotsMask caps the slot space at 1024 slots
	HashSlotsMask = 0x000003ff
	HashSlotsSize = HashSlotsMask + 1
)

var (
	crcOnce  sync.Once
	crcTable *crc32.Table
)

// crc32Table returns the IEEE table, built exactly once per process
func crc32Table() *crc32.Table {
	crcOnce.Do(func() {
		crcTable = crc32.MakeTable(crc32.IEEE)
	})
	return crcTable
}

// GetTagFromKey extracts the text between the first '{' and the following
// '}'. An empty tag (or no braces) means the whole key is hashed.
func GetTagFromKey(key string) string {
	left := strings.Index(key, "{")
	if left == -1 {
		return ""
	}
	right := strings.Index(key[left+1:], "}")
	if right == -1 {
		return ""
	}
	return key[left+1 : left+1+right]
}

// GetSlotNumFromKey maps a user key to its slot number
func GetSlotNumFromKey(key string) uint32 {
	tag := GetTagFromKey(key)
	if tag == "" {
		tag = key
	}
	return crc32.Checksum([]byte(tag), crc32Table()) & HashSlotsMask
}

// --------------------------------------------------------------------------
// Slot Keys and Metadata
// --------------------------------------------------------------------------

// SlotInternalKey addresses one tracked user key within a slot.
// Layout: slot (4 bytes BE) || version (8 bytes BE) || key.
type SlotInternalKey struct {
	SlotNum uint32
	Version uint64
	Key     []byte
}

// NewSlotInternalKey builds the key for a user key under the slot version
func NewSlotInternalKey(key []byte, version uint64) *SlotInternalKey {
	return &SlotInternalKey{
		SlotNum: GetSlotNumFromKey(string(key)),
		Version: version,
		Key:     key,
	}
}

// Encode serializes the slot key
func (k *SlotInternalKey) Encode() []byte {
	buf := make([]byte, 12+len(k.Key))
	binary.BigEndian.PutUint32(buf, k.SlotNum)
	binary.BigEndian.PutUint64(buf[4:], k.Version)
	copy(buf[12:], k.Key)
	return buf
}

// DecodeSlotInternalKey parses an on-disk slot key
func DecodeSlotInternalKey(raw []byte) (*SlotInternalKey, error) {
	if len(raw) < 12 {
		return nil, ErrShortBuffer
	}
	return &SlotInternalKey{
		SlotNum: binary.BigEndian.Uint32(raw),
		Version: binary.BigEndian.Uint64(raw[4:]),
		Key:     raw[12:],
	}, nil
}

// SlotMetadata is the per-slot record in the slot_metadata column family.
// Layout: version (8 bytes BE) || size (4 bytes BE).
type SlotMetadata struct {
	Version uint64
	Size    uint32
}

// NewSlotMetadata creates slot metadata with a fresh version
func NewSlotMetadata() *SlotMetadata {
	return &SlotMetadata{Version: generateVersion()}
}

// Encode serializes the slot metadata
func (m *SlotMetadata) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf, m.Version)
	binary.BigEndian.PutUint32(buf[8:], m.Size)
	return buf
}

// Decode parses slot metadata in place
func (m *SlotMetadata) Decode(raw []byte) error {
	if len(raw) < 12 {
		return ErrShortBuffer
	}
	m.Version = binary.BigEndian.Uint64(raw)
	m.Size = binary.BigEndian.Uint32(raw[8:])
	return nil
}

// SlotMetadataKey builds the slot_metadata key for a slot number
func SlotMetadataKey(slotNum uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, slotNum)
	return buf
}
