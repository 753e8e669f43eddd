package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

// --------------------------------------------------------------------------
// Backup Layout
// --------------------------------------------------------------------------
//
// backup_dir/
//   meta/<id>       line-oriented descriptor (see MetaInfo)
//   <id>/<file>     checkpointed data files, referenced as "<id>/<file>"
//
// The meta file is the unit served to followers first; each listed data file
// follows, opened raw so the transport may use zero-copy sends.

type backupState struct {
	mu sync.Mutex
}

// BackupFile is one data file entry of a backup descriptor
type BackupFile struct {
	Name  string
	CRC32 uint32
}

// MetaInfo is the parsed form of a backup descriptor:
//
//	<timestamp>\n
//	<seq>\n
//	[metadata<opaque>\n]
//	<file_count>\n
//	<rel_path> <crc32>\n   (file_count times)
type MetaInfo struct {
	Timestamp int64
	Seq       uint64
	MetaData  string
	FileCount int
	Files     []BackupFile
}

func (s *Storage) openBackup() error {
	s.backup = &backupState{}
	if err := MkdirRecursively(filepath.Join(s.config.BackupDir, "meta")); err != nil {
		return NewError(CodeDBBackup, "failed to prepare backup dir: "+err.Error())
	}
	return nil
}

func (s *Storage) metaFilePath(id uint32) string {
	return filepath.Join(s.config.BackupDir, "meta", strconv.FormatUint(uint64(id), 10))
}

func (s *Storage) backupDataDir(id uint32) string {
	return filepath.Join(s.config.BackupDir, strconv.FormatUint(uint64(id), 10))
}

// lastBackupID returns the highest existing backup id, 0 when none exists
func (s *Storage) lastBackupID() uint32 {
	entries, err := os.ReadDir(filepath.Join(s.config.BackupDir, "meta"))
	if err != nil {
		return 0
	}
	var last uint64
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		id, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		if id > last {
			last = id
		}
	}
	return uint32(last)
}

// backupIDs returns every existing backup id in ascending order
func (s *Storage) backupIDs() []uint32 {
	entries, err := os.ReadDir(filepath.Join(s.config.BackupDir, "meta"))
	if err != nil {
		return nil
	}
	var ids []uint32
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		id, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// --------------------------------------------------------------------------
// Backup Creation
// --------------------------------------------------------------------------

// CreateBackup produces a new self-describing backup of the current state
func (s *Storage) CreateBackup() error {
	s.log.Infof("Start to create new backup")
	if err := s.IncrDBRefs(); err != nil {
		return err
	}
	defer func() { _ = s.DecrDBRefs() }()
	s.backup.mu.Lock()
	defer s.backup.mu.Unlock()

	id := s.lastBackupID() + 1
	dataDir := s.backupDataDir(id)
	_ = RmdirRecursively(dataDir)

	// Writes pause while the checkpoint is taken so the recorded sequence
	// matches the checkpointed state exactly.
	s.commitMu.Lock()
	seq := s.latestSeq.Load()
	err := s.db.Checkpoint(dataDir, pebble.WithFlushedWAL())
	s.commitMu.Unlock()
	if err != nil {
		return wrapError(CodeDBBackup, err)
	}

	files, err := s.collectBackupFiles(id, dataDir)
	if err != nil {
		return NewError(CodeDBBackup, err.Error())
	}

	label := time.Now().Format(time.ANSIC)
	if err := s.writeMetaFile(id, seq, label, files); err != nil {
		return NewError(CodeDBBackup, err.Error())
	}
	s.log.Infof("Success to create new backup")
	return nil
}

// collectBackupFiles checksums every checkpointed file
func (s *Storage) collectBackupFiles(id uint32, dataDir string) ([]BackupFile, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, err
	}
	var files []BackupFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		crc, err := s.checksumFile(filepath.Join(dataDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, BackupFile{
			Name:  strconv.FormatUint(uint64(id), 10) + "/" + entry.Name(),
			CRC32: crc,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// writeMetaFile persists the descriptor atomically via tmp + rename
func (s *Storage) writeMetaFile(id uint32, seq uint64, label string, files []BackupFile) error {
	relPath := "meta/" + strconv.FormatUint(uint64(id), 10)
	f, err := s.NewTmpFile(relPath)
	if err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d\n", time.Now().Unix())
	fmt.Fprintf(&sb, "%d\n", seq)
	fmt.Fprintf(&sb, "metadata%s\n", label)
	fmt.Fprintf(&sb, "%d\n", len(files))
	for _, file := range files {
		fmt.Fprintf(&sb, "%s %d\n", file.Name, file.CRC32)
	}
	if _, err := f.WriteString(sb.String()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return s.SwapTmpFile(relPath)
}

// VerifyBackup checks that every file listed in a backup's descriptor exists
// with the recorded checksum
func (s *Storage) VerifyBackup(id uint32) error {
	raw, err := os.ReadFile(s.metaFilePath(id))
	if err != nil {
		return NewError(CodeNotOK, err.Error())
	}
	meta := parseMetaBytes(raw)
	if len(meta.Files) != meta.FileCount {
		return NewError(CodeNotOK, fmt.Sprintf(
			"backup %d lists %d files but describes %d", id, meta.FileCount, len(meta.Files)))
	}
	for _, file := range meta.Files {
		crc, err := s.checksumFile(filepath.Join(s.config.BackupDir, file.Name))
		if err != nil {
			return NewError(CodeNotOK, err.Error())
		}
		if crc != file.CRC32 {
			return NewError(CodeNotOK, fmt.Sprintf(
				"backup file %s checksum mismatch: %d != %d", file.Name, crc, file.CRC32))
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Serving Backups (leader side)
// --------------------------------------------------------------------------

// OpenLatestMeta creates and verifies a fresh backup, then opens its meta
// file raw so the caller can stream it with zero-copy sends
func (s *Storage) OpenLatestMeta() (file *os.File, id uint32, size int64, err error) {
	if err := s.CreateBackup(); err != nil {
		return nil, 0, 0, err
	}
	id = s.lastBackupID()
	if err := s.VerifyBackup(id); err != nil {
		return nil, 0, 0, err
	}
	f, err := os.Open(s.metaFilePath(id))
	if err != nil {
		return nil, 0, 0, NewError(CodeNotOK, err.Error())
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, 0, NewError(CodeNotOK, err.Error())
	}
	return f, id, info.Size(), nil
}

// OpenDataFile opens an existing backup data file by its descriptor path
func (s *Storage) OpenDataFile(relPath string) (*os.File, int64, error) {
	clean := filepath.Clean(relPath)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, 0, NewError(CodeNotOK, "invalid backup file path: "+relPath)
	}
	absPath := filepath.Join(s.config.BackupDir, clean)
	f, err := os.Open(absPath)
	if err != nil {
		s.log.Errorf("Data file [%s] not found", absPath)
		return nil, 0, NewError(CodeNotOK, err.Error())
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, NewError(CodeNotOK, err.Error())
	}
	return f, info.Size(), nil
}

// --------------------------------------------------------------------------
// Receiving Backups (follower side)
// --------------------------------------------------------------------------

// ParseMetaAndSave persists received meta bytes atomically and parses them.
// A malformed line terminates parsing; the partial result is still returned
// and the caller is expected to validate len(Files) against FileCount.
func (s *Storage) ParseMetaAndSave(metaID uint32, buf []byte) (*MetaInfo, error) {
	relPath := "meta/" + strconv.FormatUint(uint64(metaID), 10)
	f, err := s.NewTmpFile(relPath)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := s.SwapTmpFile(relPath); err != nil {
		return nil, err
	}
	return parseMetaBytes(buf), nil
}

// parseMetaBytes reads the descriptor line format. Lines are LF-terminated;
// the metadata line is optional.
func parseMetaBytes(buf []byte) *MetaInfo {
	meta := &MetaInfo{}
	lines := strings.Split(string(buf), "\n")
	pos := 0
	next := func() (string, bool) {
		if pos >= len(lines) {
			return "", false
		}
		line := lines[pos]
		pos++
		return line, true
	}

	line, ok := next()
	if !ok {
		return meta
	}
	timestamp, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return meta
	}
	meta.Timestamp = timestamp

	line, ok = next()
	if !ok {
		return meta
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return meta
	}
	meta.Seq = seq

	line, ok = next()
	if !ok {
		return meta
	}
	if strings.HasPrefix(line, "metadata") {
		meta.MetaData = strings.TrimPrefix(line, "metadata")
		line, ok = next()
		if !ok {
			return meta
		}
	}
	count, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return meta
	}
	meta.FileCount = count

	for {
		line, ok = next()
		if !ok || line == "" {
			return meta
		}
		name, crcStr, found := strings.Cut(line, " ")
		if !found {
			return meta
		}
		crc, err := strconv.ParseUint(strings.TrimSpace(crcStr), 10, 32)
		if err != nil {
			return meta
		}
		meta.Files = append(meta.Files, BackupFile{Name: name, CRC32: uint32(crc)})
	}
}

// NewTmpFile creates a writable "<rel_path>.tmp" under the backup dir,
// creating parent directories and overwriting any stale tmp file
func (s *Storage) NewTmpFile(relPath string) (*os.File, error) {
	tmpPath := filepath.Join(s.config.BackupDir, relPath) + ".tmp"
	if _, err := os.Lstat(tmpPath); err == nil {
		s.log.Errorf("Data file exists, override")
		_ = os.Remove(tmpPath)
	}
	if err := MkdirRecursively(filepath.Dir(tmpPath)); err != nil {
		return nil, err
	}
	f, err := os.Create(tmpPath)
	if err != nil {
		s.log.Errorf("Failed to create data file: %v", err)
		return nil, NewError(CodeNotOK, err.Error())
	}
	return f, nil
}

// SwapTmpFile atomically renames "<rel_path>.tmp" to "<rel_path>"
func (s *Storage) SwapTmpFile(relPath string) error {
	tmpPath := filepath.Join(s.config.BackupDir, relPath) + ".tmp"
	origPath := filepath.Join(s.config.BackupDir, relPath)
	if err := os.Rename(tmpPath, origPath); err != nil {
		return NewError(CodeNotOK, "unable to rename: "+tmpPath)
	}
	return nil
}

// BackupFileExists reports whether a data file already exists under the
// backup dir
func (s *Storage) BackupFileExists(relPath string) bool {
	_, err := os.Lstat(filepath.Join(s.config.BackupDir, relPath))
	return err == nil
}

// --------------------------------------------------------------------------
// Purging and Restore
// --------------------------------------------------------------------------

// PurgeBackup removes the whole backup dir
func (s *Storage) PurgeBackup() error {
	return RmdirRecursively(s.config.BackupDir)
}

// purgeOne removes a single backup's meta file and data dir, logging and
// continuing on listing-path errors
func (s *Storage) purgeOne(id uint32) {
	if err := os.Remove(s.metaFilePath(id)); err != nil {
		s.log.Errorf("Failed to purge backup meta %d: %v", id, err)
	}
	if err := RmdirRecursively(s.backupDataDir(id)); err != nil {
		s.log.Errorf("Failed to purge backup data %d: %v", id, err)
	}
}

// PurgeOldBackups first purges by count, then by age when maxKeepHours > 0
func (s *Storage) PurgeOldBackups(numToKeep int, maxKeepHours int) {
	s.backup.mu.Lock()
	defer s.backup.mu.Unlock()

	ids := s.backupIDs()
	if len(ids) > numToKeep {
		numToPurge := len(ids) - numToKeep
		s.log.Infof("Going to purge %d old backups", numToPurge)
		for _, id := range ids[:numToPurge] {
			s.purgeOne(id)
		}
		ids = ids[numToPurge:]
	}

	if maxKeepHours == 0 {
		return
	}
	now := time.Now().Unix()
	for _, id := range ids {
		raw, err := os.ReadFile(s.metaFilePath(id))
		if err != nil {
			s.log.Errorf("Failed to read backup meta %d: %v", id, err)
			continue
		}
		meta := parseMetaBytes(raw)
		if meta.Timestamp+int64(maxKeepHours)*3600 >= now {
			break
		}
		s.log.Infof("The old backup(id: %d) would be purged because expired, created at: %d", id, meta.Timestamp)
		s.purgeOne(id)
	}
}

// PurgeBackupIfNeed wipes the backup dir when the highest existing backup id
// is not nextBackupID-1, so the next received backup starts clean
func (s *Storage) PurgeBackupIfNeed(nextBackupID uint32) {
	s.backup.mu.Lock()
	defer s.backup.mu.Unlock()
	last := s.lastBackupID()
	if last != 0 && last != nextBackupID-1 {
		_ = RmdirRecursively(s.config.BackupDir)
		_ = MkdirRecursively(filepath.Join(s.config.BackupDir, "meta"))
	}
}

// RestoreFromLatestBackup replaces the DB state with the latest backup. The
// DB is closed, the data dir rebuilt from the backup files, and the engine
// reopened; the restored sequence is the one recorded in the descriptor.
func (s *Storage) RestoreFromLatestBackup() error {
	id := s.lastBackupID()
	if id == 0 {
		return NewError(CodeDBBackup, "no backup found")
	}
	if err := s.VerifyBackup(id); err != nil {
		return NewError(CodeDBBackup, err.Error())
	}
	raw, err := os.ReadFile(s.metaFilePath(id))
	if err != nil {
		return NewError(CodeDBBackup, err.Error())
	}
	meta := parseMetaBytes(raw)

	s.Close()
	if err := RmdirRecursively(s.config.DBDir); err != nil {
		return NewError(CodeDBBackup, err.Error())
	}
	if err := MkdirRecursively(s.config.DBDir); err != nil {
		return NewError(CodeDBBackup, err.Error())
	}
	for _, file := range meta.Files {
		src := filepath.Join(s.config.BackupDir, file.Name)
		dst := filepath.Join(s.config.DBDir, filepath.Base(file.Name))
		if err := s.copyFile(src, dst); err != nil {
			return NewError(CodeDBBackup, err.Error())
		}
	}
	s.log.Infof("Restore from backup %d, seq: %d", id, meta.Seq)

	if err := s.Open(false); err != nil {
		s.log.Errorf("Failed to reopen db: %v", err)
		return NewError(CodeDBOpen, err.Error())
	}
	return nil
}
