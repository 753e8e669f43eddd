package engine

import (
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/quartzkv/quartz/lib/logger"
)

const (
	// KiB/MiB/GiB byte multiples used across the engine
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB

	// ioRateLimitMaxMb is the "maximum" applied when the configured I/O
	// rate limit is zero
	ioRateLimitMaxMb = 1024000

	bloomFilterBits = 10
)

// --------------------------------------------------------------------------
// Engine Configuration
// --------------------------------------------------------------------------

// Config carries everything the storage engine consumes. The tuning bundle
// mirrors the common LSM knobs; fields with no pebble counterpart feed the
// engine's own mechanisms (the WAL retention pair bounds the replication
// log, the GC interval paces the compaction sweeps).
type Config struct {
	DBDir     string
	BackupDir string

	// ClusterEnabled turns on slot tracking side effects on every write
	ClusterEnabled bool

	// MaxDBSize caps the total SST size in GiB; 0 disables the limit
	MaxDBSize uint64
	// MaxIOMb rate-limits backup and restore I/O; 0 means maximum
	MaxIOMb uint64

	// Tuning bundle
	MaxOpenFiles             int
	MaxSubCompactions        int
	MaxBackgroundFlushes     int
	MaxBackgroundCompactions int
	MaxWriteBufferNumber     int
	WriteBufferSize          uint64
	Compression              string
	EnablePipelinedWrite     bool
	TargetFileSizeBase       int64
	WALTTLSeconds            uint64
	WALSizeLimitMB           uint64
	DelayedWriteRate         uint64
	CompactionReadaheadSize  int
	Level0SlowdownTrigger    int
	Level0StopTrigger        int
	MetadataBlockCacheSize   int64
	SubkeyBlockCacheSize     int64

	// GCIntervalSecs paces the background reclamation sweeps; 0 uses the
	// default
	GCIntervalSecs int
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		DBDir:                    "data/db",
		BackupDir:                "data/backup",
		MaxOpenFiles:             4096,
		MaxSubCompactions:        1,
		MaxBackgroundFlushes:     2,
		MaxBackgroundCompactions: 2,
		MaxWriteBufferNumber:     4,
		WriteBufferSize:          64 * MiB,
		Compression:              "snappy",
		TargetFileSizeBase:       128 * MiB,
		WALTTLSeconds:            3600,
		WALSizeLimitMB:           512,
		Level0SlowdownTrigger:    20,
		Level0StopTrigger:        36,
		MetadataBlockCacheSize:   256 * MiB,
		SubkeyBlockCacheSize:     256 * MiB,
	}
}

// --------------------------------------------------------------------------
// Pebble Options
// --------------------------------------------------------------------------

// pebbleLogger adapts the quartz logger to pebble's Logger interface
type pebbleLogger struct {
	log logger.ILogger
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
	panic("fatal storage engine error")
}

func compressionFromName(name string) pebble.Compression {
	switch name {
	case "no", "none":
		return pebble.NoCompression
	case "zstd":
		return pebble.ZstdCompression
	default:
		return pebble.SnappyCompression
	}
}

// initOptions builds the pebble options for Open. The produced option set is
// deterministic for a given Config, so reopening the same directory always
// sees the same table and filter configuration.
func (s *Storage) initOptions(readOnly bool) *pebble.Options {
	cfg := s.config
	cache := pebble.NewCache(cfg.MetadataBlockCacheSize + cfg.SubkeyBlockCacheSize)
	s.cache = cache

	maxCompactions := cfg.MaxBackgroundCompactions
	if maxCompactions <= 0 {
		maxCompactions = 1
	}

	opts := &pebble.Options{
		Cache:                       cache,
		ReadOnly:                    readOnly,
		MaxOpenFiles:                cfg.MaxOpenFiles,
		MemTableSize:                cfg.WriteBufferSize,
		MemTableStopWritesThreshold: cfg.MaxWriteBufferNumber,
		L0CompactionThreshold:       cfg.Level0SlowdownTrigger,
		L0StopWritesThreshold:       cfg.Level0StopTrigger,
		MaxConcurrentCompactions:    func() int { return maxCompactions },
		Logger:                      pebbleLogger{log: s.log},
		EventListener: &pebble.EventListener{
			FlushEnd: func(info pebble.FlushInfo) {
				s.flushCount.Add(1)
			},
			CompactionEnd: func(info pebble.CompactionInfo) {
				s.compactionCount.Add(1)
			},
		},
	}

	// Every level uses a block-based table with a bloom filter; the block
	// cache above is shared by the metadata and sub-key keyspaces.
	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := range opts.Levels {
		opts.Levels[i] = pebble.LevelOptions{
			BlockSize:      32 * KiB,
			FilterPolicy:   bloom.FilterPolicy(bloomFilterBits),
			FilterType:     pebble.TableFilter,
			Compression:    compressionFromName(cfg.Compression),
			TargetFileSize: cfg.TargetFileSizeBase,
		}
		if i > 0 {
			opts.Levels[i].TargetFileSize = opts.Levels[i-1].TargetFileSize * 2
		}
	}
	opts.EnsureDefaults()
	return opts
}
