package db

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/quartzkv/quartz/lib/codec"
	"github.com/quartzkv/quartz/lib/engine"
	"github.com/quartzkv/quartz/lib/lockmgr"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	// ErrKeyNotFound covers absent, expired and empty-composite keys; all
	// three read as "no such key" at the command layer
	ErrKeyNotFound = engine.ErrNotFound

	// ErrWrongType is returned when the stored type disagrees with the
	// operation
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
)

// --------------------------------------------------------------------------
// Database Facade
// --------------------------------------------------------------------------

// Database is the namespaced facade every data-type module embeds. It owns
// no state beyond the namespace binding; all durability lives in the engine.
type Database struct {
	storage   *engine.Storage
	lockMgr   lockmgr.ILockManager
	namespace []byte
}

// NewDatabase binds a facade to a namespace
func NewDatabase(storage *engine.Storage, namespace string) *Database {
	return &Database{
		storage:   storage,
		lockMgr:   storage.GetLockManager(),
		namespace: []byte(namespace),
	}
}

// AppendNamespacePrefix produces the on-disk metadata key for a user key
func (d *Database) AppendNamespacePrefix(userKey []byte) []byte {
	return codec.ComposeNamespaceKey(d.namespace, userKey)
}

// GetMetadata decodes the metadata record for nsKey. Absent, expired and
// zero-sized composite records all read as ErrKeyNotFound; a type mismatch
// reads as ErrWrongType unless the caller passed the none sentinel used by
// generic operations.
func (d *Database) GetMetadata(typ codec.RedisType, nsKey []byte, snap *engine.Snapshot) (*codec.Metadata, error) {
	raw, err := d.storage.Get(snap, codec.ColumnFamilyMetadata, nsKey)
	if err != nil {
		return nil, ErrKeyNotFound
	}
	meta := &codec.Metadata{}
	if err := meta.Decode(raw); err != nil {
		return nil, err
	}
	if meta.Expired() {
		return nil, ErrKeyNotFound
	}
	if typ != codec.RedisNone && meta.Type() != typ &&
		(meta.Size > 0 || meta.Type() == codec.RedisString) {
		return nil, ErrWrongType
	}
	if meta.Type() != codec.RedisString && meta.Size == 0 {
		return nil, ErrKeyNotFound
	}
	return meta, nil
}

// Expire overwrites the expire field of the metadata record; timestamp 0
// clears the expiry
func (d *Database) Expire(userKey []byte, timestamp uint32) error {
	nsKey := d.AppendNamespacePrefix(userKey)
	guard := lockmgr.NewGuard(d.lockMgr, nsKey)
	defer guard.Release()

	raw, err := d.storage.Get(nil, codec.ColumnFamilyMetadata, nsKey)
	if err != nil {
		return err
	}
	meta := &codec.Metadata{}
	if err := meta.Decode(raw); err != nil {
		return err
	}
	if meta.Expired() {
		return ErrKeyNotFound
	}
	if meta.Type() != codec.RedisString && meta.Size == 0 {
		return ErrKeyNotFound
	}
	if meta.Expire == timestamp {
		return nil
	}
	meta.Expire = timestamp

	batch := engine.NewBatch()
	batch.PutLogData(codec.NewLogData(codec.RedisNone, "expire").Encode())
	batch.Put(codec.ColumnFamilyMetadata, nsKey, meta.Encode())
	return d.storage.Write(batch)
}

// Del logically deletes the whole value by removing its metadata record;
// sub-keys become unreachable and are reclaimed lazily
func (d *Database) Del(userKey []byte) error {
	nsKey := d.AppendNamespacePrefix(userKey)
	guard := lockmgr.NewGuard(d.lockMgr, nsKey)
	defer guard.Release()

	raw, err := d.storage.Get(nil, codec.ColumnFamilyMetadata, nsKey)
	if err != nil {
		return err
	}
	meta := &codec.Metadata{}
	if err := meta.Decode(raw); err != nil {
		return err
	}
	if meta.Expired() {
		return ErrKeyNotFound
	}
	return d.storage.Delete(codec.ColumnFamilyMetadata, nsKey)
}

// Exists counts the given keys whose metadata exists and has not expired
func (d *Database) Exists(userKeys [][]byte) (int, error) {
	snap := d.storage.GetSnapshot()
	defer snap.Release()

	cnt := 0
	for _, userKey := range userKeys {
		nsKey := d.AppendNamespacePrefix(userKey)
		raw, err := d.storage.Get(snap, codec.ColumnFamilyMetadata, nsKey)
		if err != nil {
			if errors.Is(err, engine.ErrNotFound) {
				continue
			}
			return 0, err
		}
		meta := &codec.Metadata{}
		if err := meta.Decode(raw); err != nil {
			continue
		}
		if !meta.Expired() {
			cnt++
		}
	}
	return cnt, nil
}

// TTL returns the remaining seconds, -1 for no expiry, -2 for an absent key
func (d *Database) TTL(userKey []byte) (int64, error) {
	nsKey := d.AppendNamespacePrefix(userKey)
	snap := d.storage.GetSnapshot()
	defer snap.Release()

	raw, err := d.storage.Get(snap, codec.ColumnFamilyMetadata, nsKey)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return -2, nil
		}
		return 0, err
	}
	meta := &codec.Metadata{}
	if err := meta.Decode(raw); err != nil {
		return 0, err
	}
	return meta.TTL(), nil
}

// Type returns the stored type, none when the key is absent
func (d *Database) Type(userKey []byte) (codec.RedisType, error) {
	nsKey := d.AppendNamespacePrefix(userKey)
	snap := d.storage.GetSnapshot()
	defer snap.Release()

	raw, err := d.storage.Get(snap, codec.ColumnFamilyMetadata, nsKey)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return codec.RedisNone, nil
		}
		return codec.RedisNone, err
	}
	meta := &codec.Metadata{}
	if err := meta.Decode(raw); err != nil {
		return codec.RedisNone, err
	}
	if meta.Expired() {
		return codec.RedisNone, nil
	}
	return meta.Type(), nil
}

// Dump renders the metadata record as diagnostic field/value pairs
func (d *Database) Dump(userKey []byte) ([]string, error) {
	nsKey := d.AppendNamespacePrefix(userKey)
	snap := d.storage.GetSnapshot()
	defer snap.Release()

	raw, err := d.storage.Get(snap, codec.ColumnFamilyMetadata, nsKey)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	meta := &codec.Metadata{}
	if err := meta.Decode(raw); err != nil {
		return nil, err
	}
	infos := []string{
		"namespace", string(d.namespace),
		"type", meta.Type().String(),
		"version", strconv.FormatUint(meta.Version, 10),
		"expire", strconv.FormatUint(uint64(meta.Expire), 10),
		"size", strconv.FormatUint(uint64(meta.Size), 10),
	}
	if meta.Type() != codec.RedisString {
		infos = append(infos, "created_at", meta.CreatedAt().Format("2006-01-02 15:04:05.000000"))
	}
	return infos, nil
}

// --------------------------------------------------------------------------
// Iteration
// --------------------------------------------------------------------------

// KeyNumStats aggregates key counts during a namespace walk
type KeyNumStats struct {
	NKey     uint64
	NExpires uint64
	NExpired uint64
	AvgTTL   uint64
}

// Keys collects the user keys with the given prefix; stats may be nil
func (d *Database) Keys(prefix []byte, stats *KeyNumStats) ([]string, error) {
	nsPrefix := d.AppendNamespacePrefix(prefix)
	snap := d.storage.GetSnapshot()
	defer snap.Release()

	iter, err := d.storage.NewIterator(snap, codec.ColumnFamilyMetadata, nsPrefix, nextPrefix(nsPrefix))
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var keys []string
	var ttlSum uint64
	for iter.First(); iter.Valid(); iter.Next() {
		meta := &codec.Metadata{}
		if err := meta.Decode(iter.Value()); err != nil {
			continue
		}
		if meta.Expired() {
			if stats != nil {
				stats.NExpired++
			}
			continue
		}
		if stats != nil {
			stats.NKey++
			if ttl := meta.TTL(); ttl != -1 {
				stats.NExpires++
				if ttl > 0 {
					ttlSum += uint64(ttl)
				}
			}
		}
		_, userKey, err := codec.ExtractNamespaceKey(iter.Key())
		if err != nil {
			continue
		}
		keys = append(keys, string(userKey))
	}
	if stats != nil && stats.NExpires > 0 {
		stats.AvgTTL = ttlSum / stats.NExpires
	}
	return keys, nil
}

// GetKeyNumStats walks the namespace and aggregates counts without
// collecting keys
func (d *Database) GetKeyNumStats(prefix []byte) (*KeyNumStats, error) {
	stats := &KeyNumStats{}
	_, err := d.Keys(prefix, stats)
	return stats, err
}

// Scan resumes a bounded namespace walk from an opaque cursor (the last
// returned user key). limit bounds returned keys, not iterator steps.
func (d *Database) Scan(cursor []byte, limit uint64, prefix []byte) ([]string, error) {
	nsPrefix := d.AppendNamespacePrefix(prefix)
	snap := d.storage.GetSnapshot()
	defer snap.Release()

	iter, err := d.storage.NewIterator(snap, codec.ColumnFamilyMetadata, nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	if len(cursor) > 0 {
		nsCursor := d.AppendNamespacePrefix(cursor)
		if iter.SeekGE(codec.ColumnFamilyMetadata, nsCursor) {
			// the cursor key itself was returned by the previous scan
			if string(iter.Key()) == string(nsCursor) {
				iter.Next()
			}
		}
	} else {
		iter.SeekGE(codec.ColumnFamilyMetadata, nsPrefix)
	}

	var keys []string
	var cnt uint64
	for ; iter.Valid() && cnt < limit; iter.Next() {
		key := iter.Key()
		if len(key) < len(nsPrefix) || string(key[:len(nsPrefix)]) != string(nsPrefix) {
			break
		}
		meta := &codec.Metadata{}
		if err := meta.Decode(iter.Value()); err != nil {
			continue
		}
		if meta.Expired() {
			continue
		}
		_, userKey, err := codec.ExtractNamespaceKey(key)
		if err != nil {
			continue
		}
		keys = append(keys, string(userKey))
		cnt++
	}
	return keys, nil
}

// RandomKey returns a random live key of the namespace, scanning from the
// cursor and wrapping around once
func (d *Database) RandomKey(cursor []byte) (string, error) {
	keys, err := d.Scan(cursor, 60, nil)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 && len(cursor) > 0 {
		keys, err = d.Scan(nil, 60, nil)
		if err != nil {
			return "", err
		}
	}
	if len(keys) == 0 {
		return "", nil
	}
	return keys[rand.Intn(len(keys))], nil
}

// --------------------------------------------------------------------------
// Flushing
// --------------------------------------------------------------------------

// FlushDB deletes every key of the namespace
func (d *Database) FlushDB() error {
	prefix := d.AppendNamespacePrefix(nil)
	begin, end, err := d.findKeyRangeWithPrefix(prefix)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil
		}
		return err
	}
	return d.storage.DeleteAll(begin, end)
}

// FlushAll deletes every key of every namespace
func (d *Database) FlushAll() error {
	snap := d.storage.GetSnapshot()
	defer snap.Release()

	iter, err := d.storage.NewIterator(snap, codec.ColumnFamilyMetadata, nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	if !iter.First() {
		return nil
	}
	firstKey := append([]byte(nil), iter.Key()...)
	if !iter.Last() {
		return nil
	}
	lastKey := append([]byte(nil), iter.Key()...)
	return d.storage.DeleteAll(firstKey, lastKey)
}

// findKeyRangeWithPrefix resolves the first and last existing metadata keys
// carrying the prefix
func (d *Database) findKeyRangeWithPrefix(prefix []byte) (begin, end []byte, err error) {
	snap := d.storage.GetSnapshot()
	defer snap.Release()

	iter, iterErr := d.storage.NewIterator(snap, codec.ColumnFamilyMetadata, prefix, nextPrefix(prefix))
	if iterErr != nil {
		return nil, nil, iterErr
	}
	defer func() { _ = iter.Close() }()
	if !iter.First() {
		return nil, nil, engine.ErrNotFound
	}
	begin = append([]byte(nil), iter.Key()...)
	if !iter.Last() {
		return nil, nil, engine.ErrNotFound
	}
	end = append([]byte(nil), iter.Key()...)
	return begin, end, nil
}

// nextPrefix returns the smallest key greater than every key carrying the
// prefix, or nil when no such bound exists
func nextPrefix(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// Storage exposes the engine to embedding data-type modules
func (d *Database) Storage() *engine.Storage {
	return d.storage
}

// Namespace returns the namespace this facade is bound to
func (d *Database) Namespace() string {
	return string(d.namespace)
}

func (d *Database) String() string {
	return fmt.Sprintf("Database{ns: %s}", d.namespace)
}
