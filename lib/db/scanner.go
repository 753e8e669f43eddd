package db

import (
	"bytes"

	"github.com/quartzkv/quartz/lib/codec"
	"github.com/quartzkv/quartz/lib/engine"
)

// --------------------------------------------------------------------------
// Sub-Key Scanner
// --------------------------------------------------------------------------

// SubKeyScanner iterates the sub-key column family under the current version
// of a key. Records carrying a stale version are invisible.
type SubKeyScanner struct {
	*Database
}

// NewSubKeyScanner creates a scanner bound to a namespace
func NewSubKeyScanner(storage *engine.Storage, namespace string) *SubKeyScanner {
	return &SubKeyScanner{Database: NewDatabase(storage, namespace)}
}

// Scan walks the sub-keys of userKey, resuming after cursor, bounded by
// limit returned keys (0 = unbounded), restricted to subKeyPrefix
func (s *SubKeyScanner) Scan(typ codec.RedisType, userKey []byte, cursor []byte,
	limit uint64, subKeyPrefix []byte) (keys []string, values [][]byte, err error) {

	nsKey := s.AppendNamespacePrefix(userKey)
	snap := s.Storage().GetSnapshot()
	defer snap.Release()

	meta, err := s.GetMetadata(typ, nsKey, snap)
	if err != nil {
		return nil, nil, err
	}

	matchPrefix := codec.NewInternalKey(nsKey, subKeyPrefix, meta.Version).Encode()
	startKey := matchPrefix
	if len(cursor) > 0 {
		startKey = codec.NewInternalKey(nsKey, cursor, meta.Version).Encode()
	}

	iter, err := s.Storage().NewIterator(snap, codec.ColumnFamilyDefault, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = iter.Close() }()

	var cnt uint64
	for iter.SeekGE(codec.ColumnFamilyDefault, startKey); iter.Valid(); iter.Next() {
		// the cursor key itself was returned by the previous scan
		if len(cursor) > 0 && bytes.Equal(iter.Key(), startKey) {
			continue
		}
		if !bytes.HasPrefix(iter.Key(), matchPrefix) {
			break
		}
		ikey, decodeErr := codec.DecodeInternalKey(iter.Key())
		if decodeErr != nil || ikey.Version != meta.Version {
			continue
		}
		keys = append(keys, string(ikey.SubKey))
		values = append(values, append([]byte(nil), iter.Value()...))
		cnt++
		if limit > 0 && cnt >= limit {
			break
		}
	}
	return keys, values, nil
}
