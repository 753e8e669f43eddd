package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/quartzkv/quartz/lib/codec"
	"github.com/quartzkv/quartz/lib/lockmgr"
	"github.com/quartzkv/quartz/lib/logger"
	"golang.org/x/time/rate"
)

// Reserved system keys in the slot_metadata column family. They live outside
// the 4-byte binary slot keyspace, so they can never collide with a slot.
var (
	latestSeqKey     = []byte("latest_seq")
	clusterStatusKey = []byte("codis_enabled")
)

// --------------------------------------------------------------------------
// Storage
// --------------------------------------------------------------------------

// Storage owns the LSM handle and everything layered on it: the column
// family keyspaces, the replication log, the backup state, the I/O rate
// limiter and the size-limit flag.
//
// Teardown follows a reference-count protocol: background users (compaction
// sweeps, backup creation) pin the handle with IncrDBRefs and the close path
// spins until every pin is dropped.
type Storage struct {
	config *Config
	log    logger.ILogger

	db    *pebble.DB
	cache *pebble.Cache

	replLog     *replicationLog
	backup      *backupState
	rateLimiter *rate.Limiter
	lockMgr     lockmgr.ILockManager

	latestSeq        atomic.Uint64
	reachDBSizeLimit atomic.Bool
	flushCount       atomic.Uint64
	compactionCount  atomic.Uint64

	// operation counters sampled by perf contexts
	perfGets   atomic.Uint64
	perfWrites atomic.Uint64
	perfIters  atomic.Uint64

	// commitMu serializes the atomic commit so the sequence advances by
	// exactly the logical op count of each batch
	commitMu sync.Mutex

	dbMu      sync.Mutex
	dbRefs    int
	dbClosing bool

	gcQuit chan struct{}
	gcDone sync.WaitGroup
}

// NewStorage creates a storage instance; the handle stays unusable until Open
func NewStorage(config *Config) *Storage {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Storage{
		config:  config,
		log:     logger.GetLogger("storage"),
		lockMgr: lockmgr.NewLockManager(lockmgr.DefaultStripes),
	}
	s.dbClosing = true
	s.rateLimiter = rate.NewLimiter(rate.Limit(ioRateLimitMaxMb*MiB), 4*MiB)
	s.SetIORateLimit(config.MaxIOMb)
	return s
}

// --------------------------------------------------------------------------
// Open / Close
// --------------------------------------------------------------------------

// Open initializes the engine. It is idempotent with respect to the on-disk
// state: the option set is reproducible, and the column family keyspaces are
// implied by the key prefix layout, so reopening an existing directory
// always lines up with what was written before.
func (s *Storage) Open(readOnly bool) error {
	s.dbMu.Lock()
	s.dbClosing = false
	s.dbRefs = 0
	s.dbMu.Unlock()

	opts := s.initOptions(readOnly)
	start := time.Now()
	db, err := pebble.Open(s.config.DBDir, opts)
	if err != nil {
		s.log.Errorf("Failed to load the data from disk: %v", err)
		return wrapError(CodeDBOpen, err)
	}
	s.db = db
	s.log.Infof("Success to load the data from disk: %s", time.Since(start))

	// Recover the durable sequence counter.
	seq, err := s.readSystemUint64(latestSeqKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return wrapError(CodeDBOpen, err)
	}
	s.latestSeq.Store(seq)
	s.replLog = newReplicationLog(seq, s.config.WALTTLSeconds, s.config.WALSizeLimitMB*MiB)

	if !readOnly {
		if err := s.openBackup(); err != nil {
			return err
		}
	}
	if err := s.checkClusterModeStatus(readOnly); err != nil {
		return err
	}

	s.startGC()
	return nil
}

// Close tears the engine down: new pins are rejected, the close path polls
// until every reference is dropped, then the handle is freed.
func (s *Storage) Close() {
	if s.db == nil {
		return
	}
	s.dbMu.Lock()
	s.dbClosing = true
	for s.dbRefs != 0 {
		s.dbMu.Unlock()
		time.Sleep(10 * time.Millisecond)
		s.dbMu.Lock()
	}
	s.dbMu.Unlock()

	s.stopGC()
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Failed to close db: %v", err)
	}
	s.db = nil
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
}

// GetLockManager returns the key lock manager shared by data-type modules
func (s *Storage) GetLockManager() lockmgr.ILockManager {
	return s.lockMgr
}

// IsClosing reports whether teardown has begun
func (s *Storage) IsClosing() bool {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	return s.dbClosing
}

// IncrDBRefs pins the handle for a long-lived reader. It fails once the
// close path has started.
func (s *Storage) IncrDBRefs() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	if s.dbClosing {
		return NewError(CodeNotOK, "db is closing")
	}
	s.dbRefs++
	return nil
}

// DecrDBRefs drops a pin taken with IncrDBRefs
func (s *Storage) DecrDBRefs() error {
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	if s.dbRefs == 0 {
		return NewError(CodeNotOK, "db refs was zero")
	}
	s.dbRefs--
	return nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Snapshot is a consistent read view. Release must run on every exit path.
type Snapshot struct {
	snap *pebble.Snapshot
}

// Release frees the snapshot
func (s *Snapshot) Release() {
	if s != nil && s.snap != nil {
		_ = s.snap.Close()
		s.snap = nil
	}
}

// GetSnapshot captures the current state of the DB
func (s *Storage) GetSnapshot() *Snapshot {
	return &Snapshot{snap: s.db.NewSnapshot()}
}

func (s *Storage) readerFor(snap *Snapshot) pebble.Reader {
	if snap != nil && snap.snap != nil {
		return snap.snap
	}
	return s.db
}

// Get reads one key from a column family, optionally through a snapshot.
// Returns ErrNotFound when absent.
func (s *Storage) Get(snap *Snapshot, cf codec.ColumnFamilyID, key []byte) ([]byte, error) {
	s.perfGets.Add(1)
	value, closer, err := s.readerFor(snap).Get(prefixKey(cf, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), value...)
	_ = closer.Close()
	return out, nil
}

// Iterator walks one column family in key order. Keys are reported without
// the family prefix.
type Iterator struct {
	iter *pebble.Iterator
}

// NewIterator opens an iterator over [lower, upper) of a column family; nil
// bounds cover the whole family.
func (s *Storage) NewIterator(snap *Snapshot, cf codec.ColumnFamilyID, lower, upper []byte) (*Iterator, error) {
	s.perfIters.Add(1)
	lo := cfLowerBound(cf)
	if lower != nil {
		lo = prefixKey(cf, lower)
	}
	hi := cfUpperBound(cf)
	if upper != nil {
		hi = prefixKey(cf, upper)
	}
	iter, err := s.readerFor(snap).NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	return &Iterator{iter: iter}, nil
}

func (it *Iterator) First() bool   { return it.iter.First() }
func (it *Iterator) Last() bool    { return it.iter.Last() }
func (it *Iterator) Valid() bool   { return it.iter.Valid() }
func (it *Iterator) Next() bool    { return it.iter.Next() }
func (it *Iterator) Prev() bool    { return it.iter.Prev() }
func (it *Iterator) Close() error  { return it.iter.Close() }
func (it *Iterator) Key() []byte   { return it.iter.Key()[1:] }
func (it *Iterator) Value() []byte { return it.iter.Value() }

// SeekGE positions at the first key >= key within the column family
func (it *Iterator) SeekGE(cf codec.ColumnFamilyID, key []byte) bool {
	return it.iter.SeekGE(prefixKey(cf, key))
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// Write applies a batch atomically. In cluster mode the batch is first
// scanned for metadata puts and deletes, and the matching slot tracking
// mutations join the same commit, so slot state and key state can never
// diverge.
func (s *Storage) Write(batch *Batch) error {
	if s.reachDBSizeLimit.Load() {
		return NewError(CodeSpaceLimit, "reach space limit")
	}
	if s.config.ClusterEnabled {
		if err := s.updateSlotKeys(batch.PutKeys(), batch.DeleteKeys(), batch); err != nil {
			return err
		}
	}
	return s.commit(batch)
}

// Delete removes one key, with the cluster-mode side effect restricted to
// the metadata column family
func (s *Storage) Delete(cf codec.ColumnFamilyID, key []byte) error {
	batch := NewBatch()
	batch.Delete(cf, key)
	if s.config.ClusterEnabled && cf == codec.ColumnFamilyMetadata {
		_, userKey, err := codec.ExtractNamespaceKey(key)
		if err != nil {
			return err
		}
		if err := s.updateSlotKeys(nil, [][]byte{userKey}, batch); err != nil {
			return err
		}
	}
	if s.reachDBSizeLimit.Load() {
		return NewError(CodeSpaceLimit, "reach space limit")
	}
	return s.commit(batch)
}

// DeleteAll removes the metadata range [firstKey, lastKey] inclusively. In
// cluster mode all slot tracking is cleared alongside.
func (s *Storage) DeleteAll(firstKey, lastKey []byte) error {
	batch := NewBatch()
	batch.DeleteRange(codec.ColumnFamilyMetadata, firstKey, lastKey)
	batch.Delete(codec.ColumnFamilyMetadata, lastKey)
	if s.config.ClusterEnabled {
		batch.DeleteRange(codec.ColumnFamilySlotMetadata,
			codec.SlotMetadataKey(0), codec.SlotMetadataKey(codec.HashSlotsSize))
		batch.DeleteRange(codec.ColumnFamilySlot,
			codec.SlotMetadataKey(0), codec.SlotMetadataKey(codec.HashSlotsSize))
	}
	if s.reachDBSizeLimit.Load() {
		return NewError(CodeSpaceLimit, "reach space limit")
	}
	return s.commit(batch)
}

// WriteBatch applies a pre-serialized batch received from the replication
// stream
func (s *Storage) WriteBatch(raw []byte) error {
	if s.reachDBSizeLimit.Load() {
		return NewError(CodeSpaceLimit, "reach space limit")
	}
	batch, err := DecodeBatch(raw)
	if err != nil {
		return NewError(CodeNotOK, err.Error())
	}
	return s.commit(batch)
}

// commit is the single linearization point of the engine. The sequence
// counter advances by the batch's logical op count and is persisted inside
// the same pebble batch, so a reopened DB resumes at the right sequence.
func (s *Storage) commit(batch *Batch) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	seq := s.latestSeq.Load() + batch.Count()
	pb := s.db.NewBatch()
	defer func() { _ = pb.Close() }()
	if err := batch.applyTo(pb); err != nil {
		return NewError(CodeNotOK, err.Error())
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	if err := pb.Set(prefixKey(codec.ColumnFamilySlotMetadata, latestSeqKey), seqBuf[:], nil); err != nil {
		return NewError(CodeNotOK, err.Error())
	}
	if err := s.db.Apply(pb, pebble.Sync); err != nil {
		return NewError(CodeNotOK, err.Error())
	}
	s.latestSeq.Store(seq)
	s.perfWrites.Add(1)
	s.replLog.append(seq, batch)
	return nil
}

// LatestSeq returns the latest durable sequence number
func (s *Storage) LatestSeq() uint64 {
	return s.latestSeq.Load()
}

// WALHasNewData reports whether updates at or after seq exist
func (s *Storage) WALHasNewData(seq uint64) bool {
	return seq <= s.LatestSeq()
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

// Compact runs a range compaction across every column family, stopping at
// the first engine error
func (s *Storage) Compact(begin, end []byte) error {
	for _, cf := range codec.ColumnFamilies() {
		lo := cfLowerBound(cf)
		if begin != nil {
			lo = prefixKey(cf, begin)
		}
		hi := cfUpperBound(cf)
		if end != nil {
			hi = prefixKey(cf, end)
		}
		if err := s.db.Compact(lo, hi, true); err != nil {
			return NewError(CodeNotOK, err.Error())
		}
	}
	return nil
}

// GetTotalSize returns the total on-disk size of the LSM
func (s *Storage) GetTotalSize() uint64 {
	return s.db.Metrics().DiskSpaceUsage()
}

// CheckDBSizeLimit recomputes the size-limit flag. The transition is
// edge-triggered and logged; repeated checks with an unchanged state are
// no-ops.
func (s *Storage) CheckDBSizeLimit() {
	reached := false
	if s.config.MaxDBSize > 0 {
		reached = s.GetTotalSize() >= s.config.MaxDBSize*GiB
	}
	if s.reachDBSizeLimit.Load() == reached {
		return
	}
	s.reachDBSizeLimit.Store(reached)
	if reached {
		s.log.Warningf("ENABLE db_size limit %d GB, set quartz to read-only mode", s.config.MaxDBSize)
	} else {
		s.log.Warningf("DISABLE db_size limit, set quartz to read-write mode")
	}
}

// SetIORateLimit updates the backup/restore I/O budget; 0 selects the
// implementation maximum
func (s *Storage) SetIORateLimit(maxIOMb uint64) {
	if maxIOMb == 0 {
		maxIOMb = ioRateLimitMaxMb
	}
	s.rateLimiter.SetLimit(rate.Limit(maxIOMb * MiB))
}

// FlushCount returns the number of completed memtable flushes since Open
func (s *Storage) FlushCount() uint64 {
	return s.flushCount.Load()
}

// CompactionCount returns the number of completed compactions since Open
func (s *Storage) CompactionCount() uint64 {
	return s.compactionCount.Load()
}

// --------------------------------------------------------------------------
// System Keys
// --------------------------------------------------------------------------

func (s *Storage) readSystemUint64(key []byte) (uint64, error) {
	raw, err := s.Get(nil, codec.ColumnFamilySlotMetadata, key)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("system key %q has %d bytes", key, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// checkClusterModeStatus persists the cluster-mode flag on first open and
// refuses to reopen a DB whose recorded flag disagrees with the
// configuration; slot tracking state is only coherent under the mode it was
// written in.
func (s *Storage) checkClusterModeStatus(readOnly bool) error {
	recorded, err := s.Get(nil, codec.ColumnFamilySlotMetadata, clusterStatusKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return NewError(CodeDBOpen, "get cluster enabled status error")
	}
	want := []byte("0")
	if s.config.ClusterEnabled {
		want = []byte("1")
	}
	if errors.Is(err, ErrNotFound) {
		if readOnly {
			return nil
		}
		return s.db.Set(prefixKey(codec.ColumnFamilySlotMetadata, clusterStatusKey), want, pebble.Sync)
	}
	if !bytes.Equal(recorded, want) {
		return NewError(CodeDBOpen, "cluster enabled status mismatch")
	}
	return nil
}
