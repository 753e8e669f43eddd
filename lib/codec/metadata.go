package codec

import (
	"encoding/binary"
	"sync/atomic"
	"time"
)

// --------------------------------------------------------------------------
// Redis Types
// --------------------------------------------------------------------------

// RedisType is the low nibble of the metadata flags byte
type RedisType byte

const (
	RedisNone RedisType = iota
	RedisString
	RedisHash
	RedisList
	RedisSet
	RedisZSet
	RedisBitmap
	RedisSortedint
	RedisStream
)

var redisTypeNames = []string{
	"none", "string", "hash", "list", "set", "zset", "bitmap", "sortedint", "stream",
}

func (t RedisType) String() string {
	if int(t) >= len(redisTypeNames) {
		return "none"
	}
	return redisTypeNames[t]
}

// --------------------------------------------------------------------------
// Version Generation
// --------------------------------------------------------------------------

// VersionCounterBits is the width of the per-process counter embedded in the
// low bits of every generated version
const VersionCounterBits = 11

var versionCounter atomic.Uint64

// generateVersion returns a monotonic version: microsecond timestamp shifted
// left by VersionCounterBits, plus a wrapping counter. The counter keeps
// versions unique when the clock moves backwards after a failover.
func generateVersion() uint64 {
	version := uint64(time.Now().UnixMicro())
	counter := versionCounter.Add(1)
	return (version << VersionCounterBits) + (counter % (1 << VersionCounterBits))
}

// --------------------------------------------------------------------------
// Metadata Record
// --------------------------------------------------------------------------

const (
	flagsBytes  = 1
	expireBytes = 4
	// flags | expire | version | size
	minCompositeMetaBytes = flagsBytes + expireBytes + 8 + 4
	// flags | expire (string payload follows)
	minStringMetaBytes = flagsBytes + expireBytes
)

// Metadata is the per-top-level-key record stored in the metadata column
// family. For the string type, Payload holds the raw value; for every other
// type, Version scopes the sub-keys and Size counts the elements (the bit
// length ceiling for bitmaps).
type Metadata struct {
	Flags   byte
	Expire  uint32
	Version uint64
	Size    uint32
	Payload []byte
}

// NewMetadata creates a metadata record of the given type with a fresh version
func NewMetadata(typ RedisType) *Metadata {
	return &Metadata{
		Flags:   byte(typ) & 0x0f,
		Version: generateVersion(),
	}
}

// Type returns the Redis type encoded in the low nibble of the flags
func (m *Metadata) Type() RedisType {
	return RedisType(m.Flags & 0x0f)
}

// Expired reports whether the record carries a non-zero expire timestamp in
// the past. Readers treat expired keys as absent; reclamation is lazy.
func (m *Metadata) Expired() bool {
	return m.ExpiredAt(time.Now().Unix())
}

// ExpiredAt is the clock-injected form of Expired, used by tests and sweeps
func (m *Metadata) ExpiredAt(now int64) bool {
	return m.Expire != 0 && int64(m.Expire) <= now
}

// TTL returns the remaining seconds, or -1 when the record never expires
func (m *Metadata) TTL() int64 {
	if m.Expire == 0 {
		return -1
	}
	now := time.Now().Unix()
	if int64(m.Expire) <= now {
		return -2
	}
	return int64(m.Expire) - now
}

// CreatedAt recovers the wall-clock microsecond timestamp from the version
func (m *Metadata) CreatedAt() time.Time {
	return time.UnixMicro(int64(m.Version >> VersionCounterBits))
}

// Encode serializes the record. The layout must remain stable across
// releases: compaction sweeps decode it without version negotiation.
func (m *Metadata) Encode() []byte {
	if m.Type() == RedisString {
		buf := make([]byte, minStringMetaBytes, minStringMetaBytes+len(m.Payload))
		buf[0] = m.Flags
		binary.BigEndian.PutUint32(buf[flagsBytes:], m.Expire)
		return append(buf, m.Payload...)
	}
	buf := make([]byte, minCompositeMetaBytes)
	buf[0] = m.Flags
	binary.BigEndian.PutUint32(buf[flagsBytes:], m.Expire)
	binary.BigEndian.PutUint64(buf[flagsBytes+expireBytes:], m.Version)
	binary.BigEndian.PutUint32(buf[flagsBytes+expireBytes+8:], m.Size)
	return buf
}

// Decode parses a metadata value in place
func (m *Metadata) Decode(raw []byte) error {
	if len(raw) < minStringMetaBytes {
		return ErrShortBuffer
	}
	m.Flags = raw[0]
	m.Expire = binary.BigEndian.Uint32(raw[flagsBytes:])
	if m.Type() == RedisString {
		m.Payload = append([]byte(nil), raw[minStringMetaBytes:]...)
		m.Version = 0
		m.Size = uint32(len(m.Payload))
		return nil
	}
	if len(raw) < minCompositeMetaBytes {
		return ErrShortBuffer
	}
	m.Version = binary.BigEndian.Uint64(raw[flagsBytes+expireBytes:])
	m.Size = binary.BigEndian.Uint32(raw[flagsBytes+expireBytes+8:])
	m.Payload = nil
	return nil
}
