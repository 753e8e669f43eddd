package db

import (
	"time"

	"github.com/quartzkv/quartz/lib/codec"
	"github.com/quartzkv/quartz/lib/engine"
	"github.com/quartzkv/quartz/lib/lockmgr"
)

// --------------------------------------------------------------------------
// String Type
// --------------------------------------------------------------------------

// String implements the string data type on the facade. The payload lives
// directly in the metadata record after flags|expire; there are no sub-keys.
type String struct {
	*Database
}

// NewString creates a string module bound to a namespace
func NewString(storage *engine.Storage, namespace string) *String {
	return &String{Database: NewDatabase(storage, namespace)}
}

// Get returns the payload of a string key
func (s *String) Get(userKey []byte) ([]byte, error) {
	nsKey := s.AppendNamespacePrefix(userKey)
	snap := s.Storage().GetSnapshot()
	defer snap.Release()

	meta, err := s.GetMetadata(codec.RedisString, nsKey, snap)
	if err != nil {
		return nil, err
	}
	return meta.Payload, nil
}

// Set stores a string value, replacing any previous value of any type
func (s *String) Set(userKey, value []byte) error {
	return s.SetEX(userKey, value, 0)
}

// SetEX stores a string value with a time-to-live in seconds; 0 means no
// expiry
func (s *String) SetEX(userKey, value []byte, ttl int64) error {
	nsKey := s.AppendNamespacePrefix(userKey)
	guard := lockmgr.NewGuard(s.Storage().GetLockManager(), nsKey)
	defer guard.Release()

	meta := codec.NewMetadata(codec.RedisString)
	meta.Payload = value
	if ttl > 0 {
		meta.Expire = uint32(time.Now().Unix() + ttl)
	}

	batch := engine.NewBatch()
	batch.PutLogData(codec.NewLogData(codec.RedisString, "set").Encode())
	batch.Put(codec.ColumnFamilyMetadata, nsKey, meta.Encode())
	return s.Storage().Write(batch)
}
