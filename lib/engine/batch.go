package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/quartzkv/quartz/lib/codec"
)

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

type opKind byte

const (
	opPut opKind = iota + 1
	opDelete
	opDeleteRange
	opLogData
)

type batchOp struct {
	kind  opKind
	cf    codec.ColumnFamilyID
	key   []byte
	value []byte // value for put, end key for delete-range, blob for log data
}

// Batch is an ordered set of mutations applied atomically by Storage.Write.
// It records the logical operations so the cluster-mode key extractor and the
// replication log can observe them without re-parsing an opaque engine
// representation.
type Batch struct {
	ops []batchOp
}

// NewBatch creates an empty batch
func NewBatch() *Batch {
	return &Batch{}
}

// Put appends a put of key to value in the given column family
func (b *Batch) Put(cf codec.ColumnFamilyID, key, value []byte) {
	b.ops = append(b.ops, batchOp{kind: opPut, cf: cf, key: key, value: value})
}

// Delete appends a point delete
func (b *Batch) Delete(cf codec.ColumnFamilyID, key []byte) {
	b.ops = append(b.ops, batchOp{kind: opDelete, cf: cf, key: key})
}

// DeleteRange appends a range delete of [start, end)
func (b *Batch) DeleteRange(cf codec.ColumnFamilyID, start, end []byte) {
	b.ops = append(b.ops, batchOp{kind: opDeleteRange, cf: cf, key: start, value: end})
}

// PutLogData attaches an out-of-band blob to the batch. Log data is carried
// to replication consumers but writes no key.
func (b *Batch) PutLogData(blob []byte) {
	b.ops = append(b.ops, batchOp{kind: opLogData, key: nil, value: blob})
}

// Count returns the number of logical operations (log data excluded)
func (b *Batch) Count() uint64 {
	var n uint64
	for _, op := range b.ops {
		if op.kind != opLogData {
			n++
		}
	}
	return n
}

// Empty reports whether the batch carries no logical operations
func (b *Batch) Empty() bool {
	return b.Count() == 0
}

// PutKeys and DeleteKeys extract the user keys touched in the metadata
// column family; the cluster-mode write path uses them to derive the slot
// tracking side effects that join the same atomic commit.
func (b *Batch) PutKeys() [][]byte {
	return b.metadataKeys(opPut)
}

func (b *Batch) DeleteKeys() [][]byte {
	return b.metadataKeys(opDelete)
}

func (b *Batch) metadataKeys(kind opKind) [][]byte {
	var keys [][]byte
	for _, op := range b.ops {
		if op.kind != kind || op.cf != codec.ColumnFamilyMetadata {
			continue
		}
		_, userKey, err := codec.ExtractNamespaceKey(op.key)
		if err != nil {
			continue
		}
		keys = append(keys, userKey)
	}
	return keys
}

// applyTo translates the batch onto a pebble batch, prefixing every key with
// its column family byte
func (b *Batch) applyTo(pb *pebble.Batch) error {
	for _, op := range b.ops {
		var err error
		switch op.kind {
		case opPut:
			err = pb.Set(prefixKey(op.cf, op.key), op.value, nil)
		case opDelete:
			err = pb.Delete(prefixKey(op.cf, op.key), nil)
		case opDeleteRange:
			err = pb.DeleteRange(prefixKey(op.cf, op.key), prefixKey(op.cf, op.value), nil)
		case opLogData:
			err = pb.LogData(op.value, nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Wire Encoding
// --------------------------------------------------------------------------

// Encode serializes the batch for the replication stream.
// Layout: op count (4 bytes BE) || repeated
// { kind (1) | cf (1) | key len (4) | key | value len (4) | value }.
func (b *Batch) Encode() []byte {
	size := 4
	for _, op := range b.ops {
		size += 1 + 1 + 4 + len(op.key) + 4 + len(op.value)
	}
	buf := make([]byte, 0, size)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b.ops)))
	buf = append(buf, hdr[:]...)
	for _, op := range b.ops {
		buf = append(buf, byte(op.kind), byte(op.cf))
		binary.BigEndian.PutUint32(hdr[:], uint32(len(op.key)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, op.key...)
		binary.BigEndian.PutUint32(hdr[:], uint32(len(op.value)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, op.value...)
	}
	return buf
}

// DecodeBatch parses a serialized batch. The buffer must be fully consumed.
func DecodeBatch(raw []byte) (*Batch, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("batch too short: %d bytes", len(raw))
	}
	count := int(binary.BigEndian.Uint32(raw))
	pos := 4
	b := NewBatch()
	readChunk := func() ([]byte, error) {
		if pos+4 > len(raw) {
			return nil, fmt.Errorf("batch truncated at offset %d", pos)
		}
		n := int(binary.BigEndian.Uint32(raw[pos:]))
		pos += 4
		if pos+n > len(raw) {
			return nil, fmt.Errorf("batch truncated at offset %d", pos)
		}
		chunk := raw[pos : pos+n]
		pos += n
		return chunk, nil
	}
	for i := 0; i < count; i++ {
		if pos+2 > len(raw) {
			return nil, fmt.Errorf("batch truncated at offset %d", pos)
		}
		kind, cf := opKind(raw[pos]), codec.ColumnFamilyID(raw[pos+1])
		pos += 2
		key, err := readChunk()
		if err != nil {
			return nil, err
		}
		value, err := readChunk()
		if err != nil {
			return nil, err
		}
		b.ops = append(b.ops, batchOp{kind: kind, cf: cf, key: key, value: value})
	}
	if pos != len(raw) {
		return nil, fmt.Errorf("batch has %d trailing bytes", len(raw)-pos)
	}
	return b, nil
}

// --------------------------------------------------------------------------
// Key Prefixing
// --------------------------------------------------------------------------

// prefixKey maps a column family key onto the single shared keyspace
func prefixKey(cf codec.ColumnFamilyID, key []byte) []byte {
	buf := make([]byte, 1+len(key))
	buf[0] = byte(cf)
	copy(buf[1:], key)
	return buf
}

// cfLowerBound and cfUpperBound delimit a whole column family
func cfLowerBound(cf codec.ColumnFamilyID) []byte {
	return []byte{byte(cf)}
}

func cfUpperBound(cf codec.ColumnFamilyID) []byte {
	return []byte{byte(cf) + 1}
}
