package codec

import (
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Write Batch Log Data
// --------------------------------------------------------------------------

// WriteBatchLogData is the side-channel payload attached to a write batch.
// It communicates the Redis type (plus optional command arguments) of the
// mutation to compaction sweeps and replication consumers without being part
// of any keyspace.
//
// Encoding: type tag (1 byte) || repeated { len (4 bytes BE) || bytes }.
// Decode rejects any buffer that does not fully consume.
type WriteBatchLogData struct {
	Type RedisType
	Args []string
}

// NewLogData creates log data for a type with optional arguments
func NewLogData(typ RedisType, args ...string) *WriteBatchLogData {
	return &WriteBatchLogData{Type: typ, Args: args}
}

// Encode serializes the log data
func (d *WriteBatchLogData) Encode() []byte {
	size := 1
	for _, arg := range d.Args {
		size += 4 + len(arg)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(d.Type))
	var hdr [4]byte
	for _, arg := range d.Args {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(arg)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, arg...)
	}
	return buf
}

// Decode parses log data, requiring the buffer to be fully consumed
func (d *WriteBatchLogData) Decode(raw []byte) error {
	if len(raw) < 1 {
		return ErrShortBuffer
	}
	d.Type = RedisType(raw[0])
	d.Args = nil
	pos := 1
	for pos < len(raw) {
		if pos+4 > len(raw) {
			return fmt.Errorf("log data truncated at offset %d", pos)
		}
		argLen := int(binary.BigEndian.Uint32(raw[pos:]))
		pos += 4
		if pos+argLen > len(raw) {
			return fmt.Errorf("log data truncated at offset %d", pos)
		}
		d.Args = append(d.Args, string(raw[pos:pos+argLen]))
		pos += argLen
	}
	return nil
}
