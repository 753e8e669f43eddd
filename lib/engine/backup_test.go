package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/quartzkv/quartz/lib/codec"
	"github.com/stretchr/testify/require"
)

func TestCreateAndVerifyBackup(t *testing.T) {
	s := newTestStorage(t, nil)

	batch := NewBatch()
	batch.Put(codec.ColumnFamilyMetadata, metaKey("k"), []byte("v"))
	require.NoError(t, s.Write(batch))

	require.NoError(t, s.CreateBackup())
	id := s.lastBackupID()
	require.EqualValues(t, 1, id)
	require.NoError(t, s.VerifyBackup(id))

	// every listed file exists under backup_dir
	raw, err := os.ReadFile(s.metaFilePath(id))
	require.NoError(t, err)
	meta := parseMetaBytes(raw)
	require.Equal(t, meta.FileCount, len(meta.Files))
	require.NotEmpty(t, meta.Files)
	for _, file := range meta.Files {
		_, err := os.Stat(filepath.Join(s.config.BackupDir, file.Name))
		require.NoError(t, err)
	}
	require.Equal(t, s.LatestSeq(), meta.Seq)
}

func TestMetaRoundTrip(t *testing.T) {
	content := "1700000000\n42\nmetadataSat Jan  1 10:00:00 2022\n2\n1/a.sst 123\n1/b.sst 456\n"
	meta := parseMetaBytes([]byte(content))

	require.EqualValues(t, 1700000000, meta.Timestamp)
	require.EqualValues(t, 42, meta.Seq)
	require.Equal(t, "Sat Jan  1 10:00:00 2022", meta.MetaData)
	require.Equal(t, 2, meta.FileCount)
	require.Len(t, meta.Files, 2)
	require.Equal(t, "1/a.sst", meta.Files[0].Name)
	require.EqualValues(t, 123, meta.Files[0].CRC32)

	// re-serializing the parsed result yields the original
	var sb bytes.Buffer
	fmt.Fprintf(&sb, "%d\n%d\nmetadata%s\n%d\n", meta.Timestamp, meta.Seq, meta.MetaData, meta.FileCount)
	for _, file := range meta.Files {
		fmt.Fprintf(&sb, "%s %d\n", file.Name, file.CRC32)
	}
	require.Equal(t, content, sb.String())
}

func TestMetaOptionalLineAndPartialParse(t *testing.T) {
	// no metadata line
	meta := parseMetaBytes([]byte("10\n20\n1\nx.sst 9\n"))
	require.EqualValues(t, 10, meta.Timestamp)
	require.Equal(t, "", meta.MetaData)
	require.Len(t, meta.Files, 1)

	// a malformed file line terminates parsing, partial result survives
	meta = parseMetaBytes([]byte("10\n20\n3\na.sst 1\nbroken-line\nb.sst 2\n"))
	require.Equal(t, 3, meta.FileCount)
	require.Len(t, meta.Files, 1)
}

func TestParseMetaAndSave(t *testing.T) {
	s := newTestStorage(t, nil)

	content := []byte("123\n7\n1\n5/data.sst 99\n")
	meta, err := s.ParseMetaAndSave(5, content)
	require.NoError(t, err)
	require.EqualValues(t, 7, meta.Seq)

	// the received bytes were persisted under meta/<id>, tmp swapped away
	saved, err := os.ReadFile(s.metaFilePath(5))
	require.NoError(t, err)
	require.Equal(t, content, saved)
	_, err = os.Stat(s.metaFilePath(5) + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestOpenLatestMetaAndDataFile(t *testing.T) {
	s := newTestStorage(t, nil)

	batch := NewBatch()
	batch.Put(codec.ColumnFamilyMetadata, metaKey("k"), []byte("v"))
	require.NoError(t, s.Write(batch))

	f, id, size, err := s.OpenLatestMeta()
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	require.EqualValues(t, 1, id)
	require.Greater(t, size, int64(0))

	raw := make([]byte, size)
	_, err = io.ReadFull(f, raw)
	require.NoError(t, err)
	meta := parseMetaBytes(raw)
	require.NotEmpty(t, meta.Files)

	df, dataSize, err := s.OpenDataFile(meta.Files[0].Name)
	require.NoError(t, err)
	require.Greater(t, dataSize, int64(0))
	_ = df.Close()

	// path escapes are rejected
	_, _, err = s.OpenDataFile("../../etc/passwd")
	require.Error(t, err)
}

func TestRestoreFromLatestBackup(t *testing.T) {
	s := newTestStorage(t, nil)

	batch := NewBatch()
	batch.Put(codec.ColumnFamilyMetadata, metaKey("stable"), []byte("v"))
	require.NoError(t, s.Write(batch))
	require.NoError(t, s.CreateBackup())
	backupSeq := s.LatestSeq()

	// writes after the backup must disappear with the restore
	batch = NewBatch()
	batch.Put(codec.ColumnFamilyMetadata, metaKey("volatile"), []byte("v"))
	require.NoError(t, s.Write(batch))

	require.NoError(t, s.RestoreFromLatestBackup())

	require.Equal(t, backupSeq, s.LatestSeq())
	value, err := s.Get(nil, codec.ColumnFamilyMetadata, metaKey("stable"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
	_, err = s.Get(nil, codec.ColumnFamilyMetadata, metaKey("volatile"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeOldBackupsByCount(t *testing.T) {
	s := newTestStorage(t, nil)

	for i := 0; i < 3; i++ {
		batch := NewBatch()
		batch.Put(codec.ColumnFamilyMetadata, metaKey("k"), []byte{byte(i)})
		require.NoError(t, s.Write(batch))
		require.NoError(t, s.CreateBackup())
	}
	require.Len(t, s.backupIDs(), 3)

	s.PurgeOldBackups(1, 0)
	ids := s.backupIDs()
	require.Len(t, ids, 1)
	require.EqualValues(t, 3, ids[0])
}

func TestPurgeBackupIfNeed(t *testing.T) {
	s := newTestStorage(t, nil)

	batch := NewBatch()
	batch.Put(codec.ColumnFamilyMetadata, metaKey("k"), []byte("v"))
	require.NoError(t, s.Write(batch))
	require.NoError(t, s.CreateBackup())

	// expecting backup 2 next: ids line up, nothing is purged
	s.PurgeBackupIfNeed(2)
	require.Len(t, s.backupIDs(), 1)

	// expecting backup 5 next: the dir is wiped to start clean
	s.PurgeBackupIfNeed(5)
	require.Empty(t, s.backupIDs())
}

func TestNewTmpFileAndSwap(t *testing.T) {
	s := newTestStorage(t, nil)

	f, err := s.NewTmpFile("nested/dir/file.sst")
	require.NoError(t, err)
	_, err = f.WriteString("payload")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.SwapTmpFile("nested/dir/file.sst"))
	require.True(t, s.BackupFileExists("nested/dir/file.sst"))

	raw, err := os.ReadFile(filepath.Join(s.config.BackupDir, "nested/dir/file.sst"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(raw))
}

func TestMkdirAndRmdirRecursively(t *testing.T) {
	base := t.TempDir()
	deep := filepath.Join(base, "a", "b", "c")
	require.NoError(t, MkdirRecursively(deep))
	info, err := os.Stat(deep)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// idempotent
	require.NoError(t, MkdirRecursively(deep))

	require.NoError(t, os.WriteFile(filepath.Join(deep, "f"), []byte("x"), 0o644))
	require.NoError(t, RmdirRecursively(filepath.Join(base, "a")))
	_, err = os.Stat(filepath.Join(base, "a"))
	require.True(t, os.IsNotExist(err))

	// removing a missing dir is not an error
	require.NoError(t, RmdirRecursively(filepath.Join(base, "missing")))
}
