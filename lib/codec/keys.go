package codec

import (
	"encoding/binary"
	"errors"
)

// --------------------------------------------------------------------------
// Column Families
// --------------------------------------------------------------------------

// ColumnFamilyID selects one of the fixed keyspaces of the storage engine.
// The numeric value doubles as the single prefix byte every key of the family
// carries on disk, so the order below is part of the on-disk contract and
// must never change.
type ColumnFamilyID byte

const (
	ColumnFamilyDefault ColumnFamilyID = iota
	ColumnFamilyMetadata
	ColumnFamilyZSetScore
	ColumnFamilyPubSub
	ColumnFamilySlotMetadata
	ColumnFamilySlot

	numColumnFamilies
)

const (
	DefaultColumnFamilyName      = "default"
	MetadataColumnFamilyName     = "metadata"
	ZSetScoreColumnFamilyName    = "zset_score"
	PubSubColumnFamilyName       = "pubsub"
	SlotMetadataColumnFamilyName = "slot_metadata"
	SlotColumnFamilyName         = "slot"
)

// ColumnFamilies lists all families in creation order
func ColumnFamilies() []ColumnFamilyID {
	return []ColumnFamilyID{
		ColumnFamilyDefault,
		ColumnFamilyMetadata,
		ColumnFamilyZSetScore,
		ColumnFamilyPubSub,
		ColumnFamilySlotMetadata,
		ColumnFamilySlot,
	}
}

// ColumnFamilyName resolves the canonical name for a family ID
func ColumnFamilyName(id ColumnFamilyID) string {
	switch id {
	case ColumnFamilyMetadata:
		return MetadataColumnFamilyName
	case ColumnFamilyZSetScore:
		return ZSetScoreColumnFamilyName
	case ColumnFamilyPubSub:
		return PubSubColumnFamilyName
	case ColumnFamilySlotMetadata:
		return SlotMetadataColumnFamilyName
	case ColumnFamilySlot:
		return SlotColumnFamilyName
	}
	return DefaultColumnFamilyName
}

// ColumnFamilyByName resolves a canonical name to the family ID. Unknown
// names resolve to the default family, mirroring the engine's handle lookup.
func ColumnFamilyByName(name string) ColumnFamilyID {
	switch name {
	case MetadataColumnFamilyName:
		return ColumnFamilyMetadata
	case ZSetScoreColumnFamilyName:
		return ColumnFamilyZSetScore
	case PubSubColumnFamilyName:
		return ColumnFamilyPubSub
	case SlotMetadataColumnFamilyName:
		return ColumnFamilySlotMetadata
	case SlotColumnFamilyName:
		return ColumnFamilySlot
	}
	return ColumnFamilyDefault
}

// --------------------------------------------------------------------------
// Namespaced Keys
// --------------------------------------------------------------------------

// DefaultNamespace is reserved for connections authenticated with requirepass
const DefaultNamespace = "__namespace"

var ErrShortBuffer = errors.New("buffer is too short")

// ComposeNamespaceKey builds the on-disk metadata key:
// len(ns) (1 byte) || ns || user_key
func ComposeNamespaceKey(namespace, userKey []byte) []byte {
	buf := make([]byte, 0, 1+len(namespace)+len(userKey))
	buf = append(buf, byte(len(namespace)))
	buf = append(buf, namespace...)
	buf = append(buf, userKey...)
	return buf
}

// ExtractNamespaceKey splits an on-disk metadata key into namespace and user key
func ExtractNamespaceKey(nsKey []byte) (namespace, userKey []byte, err error) {
	if len(nsKey) < 1 {
		return nil, nil, ErrShortBuffer
	}
	nsLen := int(nsKey[0])
	if len(nsKey) < 1+nsLen {
		return nil, nil, ErrShortBuffer
	}
	return nsKey[1 : 1+nsLen], nsKey[1+nsLen:], nil
}

// --------------------------------------------------------------------------
// Sub-Keys
// --------------------------------------------------------------------------

// InternalKey addresses one element of a composite value in the sub-key
// families. Layout: len(nsKey) (2 bytes) || nsKey || version (8 bytes) || subKey.
// A sub-key is live iff its version matches the current version stored in the
// parent metadata record.
type InternalKey struct {
	NamespaceKey []byte
	SubKey       []byte
	Version      uint64
}

// NewInternalKey builds an internal key from its parts
func NewInternalKey(nsKey, subKey []byte, version uint64) *InternalKey {
	return &InternalKey{NamespaceKey: nsKey, SubKey: subKey, Version: version}
}

// Encode serializes the internal key to its on-disk form
func (k *InternalKey) Encode() []byte {
	buf := make([]byte, 0, 2+len(k.NamespaceKey)+8+len(k.SubKey))
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(k.NamespaceKey)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, k.NamespaceKey...)
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], k.Version)
	buf = append(buf, ver[:]...)
	buf = append(buf, k.SubKey...)
	return buf
}

// DecodeInternalKey parses an on-disk sub-key
func DecodeInternalKey(raw []byte) (*InternalKey, error) {
	if len(raw) < 2 {
		return nil, ErrShortBuffer
	}
	nsKeyLen := int(binary.BigEndian.Uint16(raw))
	if len(raw) < 2+nsKeyLen+8 {
		return nil, ErrShortBuffer
	}
	nsKey := raw[2 : 2+nsKeyLen]
	version := binary.BigEndian.Uint64(raw[2+nsKeyLen:])
	subKey := raw[2+nsKeyLen+8:]
	return &InternalKey{NamespaceKey: nsKey, SubKey: subKey, Version: version}, nil
}
