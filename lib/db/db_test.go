package db

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/quartzkv/quartz/lib/codec"
	"github.com/quartzkv/quartz/lib/engine"
)

// newTestStorage opens a fresh engine in a temp dir
func newTestStorage(t *testing.T) *engine.Storage {
	t.Helper()
	config := engine.DefaultConfig()
	config.DBDir = t.TempDir() + "/db"
	config.BackupDir = t.TempDir() + "/backup"
	config.MetadataBlockCacheSize = 8 * engine.MiB
	config.SubkeyBlockCacheSize = 8 * engine.MiB
	s := engine.NewStorage(config)
	if err := s.Open(false); err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStringSetGet(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")

	if err := str.Set([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	value, err := str.Get([]byte("foo"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !bytes.Equal(value, []byte("bar")) {
		t.Errorf("Expected bar, got %q", value)
	}

	if _, err := str.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestDelThenExistsIsZero(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")

	if err := str.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	cnt, err := str.Exists([][]byte{[]byte("k")})
	if err != nil || cnt != 1 {
		t.Fatalf("Expected 1 existing key, got %d (%v)", cnt, err)
	}

	if err := str.Del([]byte("k")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	cnt, err = str.Exists([][]byte{[]byte("k")})
	if err != nil || cnt != 0 {
		t.Errorf("Expected 0 after del, got %d (%v)", cnt, err)
	}
}

func TestExistsCountsMultipleKeys(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")

	for _, key := range []string{"a", "b"} {
		if err := str.Set([]byte(key), []byte("v")); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	cnt, err := str.Exists([][]byte{[]byte("b"), []byte("missing"), []byte("a"), []byte("a")})
	if err != nil || cnt != 3 {
		t.Errorf("Expected 3, got %d (%v)", cnt, err)
	}
}

func TestTTLAndExpire(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")

	// -2 for an absent key
	ttl, err := str.TTL([]byte("missing"))
	if err != nil || ttl != -2 {
		t.Errorf("Expected -2, got %d (%v)", ttl, err)
	}

	// -1 without expiry
	if err := str.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	ttl, err = str.TTL([]byte("k"))
	if err != nil || ttl != -1 {
		t.Errorf("Expected -1, got %d (%v)", ttl, err)
	}

	// remaining seconds after expire
	timestamp := uint32(time.Now().Unix() + 100)
	if err := str.Expire([]byte("k"), timestamp); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	ttl, err = str.TTL([]byte("k"))
	if err != nil || ttl < 98 || ttl > 100 {
		t.Errorf("Expected TTL close to 100, got %d (%v)", ttl, err)
	}

	// timestamp 0 clears the expiry
	if err := str.Expire([]byte("k"), 0); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	ttl, err = str.TTL([]byte("k"))
	if err != nil || ttl != -1 {
		t.Errorf("Expected -1 after clearing, got %d (%v)", ttl, err)
	}
}

func TestSetEXExpires(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")

	if err := str.SetEX([]byte("k"), []byte("v"), 100); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	ttl, err := str.TTL([]byte("k"))
	if err != nil || ttl < 98 || ttl > 100 {
		t.Errorf("Expected TTL close to 100, got %d (%v)", ttl, err)
	}
}

func TestExpiredKeyReadsAsAbsent(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")

	if err := str.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// an expire in the past makes the key invisible without physical delete
	if err := str.Expire([]byte("k"), uint32(time.Now().Unix()-10)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := str.Get([]byte("k")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected expired key to read as absent, got %v", err)
	}
	cnt, _ := str.Exists([][]byte{[]byte("k")})
	if cnt != 0 {
		t.Errorf("Expected expired key to not count, got %d", cnt)
	}
}

func TestWrongType(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")
	bitmap := NewBitmap(storage, "test-ns")

	if _, err := bitmap.SetBit([]byte("bm"), 9000, true); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := str.Get([]byte("bm")); !errors.Is(err, ErrWrongType) {
		t.Errorf("Expected WRONGTYPE, got %v", err)
	}
}

func TestTypeCommand(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")

	typ, err := str.Type([]byte("missing"))
	if err != nil || typ != codec.RedisNone {
		t.Errorf("Expected none, got %s (%v)", typ, err)
	}
	if err := str.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	typ, err = str.Type([]byte("k"))
	if err != nil || typ != codec.RedisString {
		t.Errorf("Expected string, got %s (%v)", typ, err)
	}
}

func TestKeysAndScan(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")
	other := NewString(storage, "other-ns")

	for _, key := range []string{"user:1", "user:2", "user:3", "admin:1"} {
		if err := str.Set([]byte(key), []byte("v")); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	// another namespace must stay invisible
	if err := other.Set([]byte("user:9"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	keys, err := str.Keys([]byte("user:"), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("Expected 3 keys, got %v", keys)
	}

	// scan is resumable via the returned cursor
	page1, err := str.Scan(nil, 2, nil)
	if err != nil || len(page1) != 2 {
		t.Fatalf("Expected 2 keys, got %v (%v)", page1, err)
	}
	page2, err := str.Scan([]byte(page1[1]), 10, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(page1)+len(page2) != 4 {
		t.Errorf("Expected 4 keys across pages, got %v + %v", page1, page2)
	}
}

func TestGetKeyNumStats(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")

	if err := str.Set([]byte("plain"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := str.SetEX([]byte("expiring"), []byte("v"), 100); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	stats, err := str.GetKeyNumStats(nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if stats.NKey != 2 || stats.NExpires != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestFlushDBIsNamespaceScoped(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")
	other := NewString(storage, "other-ns")

	if err := str.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := other.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := str.FlushDB(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := str.Get([]byte("k")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected flushed key to be gone, got %v", err)
	}
	if _, err := other.Get([]byte("k")); err != nil {
		t.Errorf("Expected other namespace to survive, got %v", err)
	}
}

func TestFlushAll(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")
	other := NewString(storage, "other-ns")

	if err := str.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := other.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := str.FlushAll(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := str.Get([]byte("k")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected key to be gone, got %v", err)
	}
	if _, err := other.Get([]byte("k")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected other namespace to be gone too, got %v", err)
	}
}

func TestDump(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")

	if err := str.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	infos, err := str.Dump([]byte("k"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	fields := map[string]string{}
	for i := 0; i+1 < len(infos); i += 2 {
		fields[infos[i]] = infos[i+1]
	}
	if fields["namespace"] != "test-ns" || fields["type"] != "string" {
		t.Errorf("Unexpected dump fields: %v", fields)
	}

	infos, err = str.Dump([]byte("missing"))
	if err != nil || infos != nil {
		t.Errorf("Expected nil dump for missing key, got %v (%v)", infos, err)
	}
}

func TestRandomKey(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")

	key, err := str.RandomKey(nil)
	if err != nil || key != "" {
		t.Errorf("Expected no key in empty namespace, got %q (%v)", key, err)
	}

	if err := str.Set([]byte("only"), []byte("v")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	key, err = str.RandomKey(nil)
	if err != nil || key != "only" {
		t.Errorf("Expected only, got %q (%v)", key, err)
	}
}

func TestNamespaceKeyLayout(t *testing.T) {
	storage := newTestStorage(t)
	d := NewDatabase(storage, "ns1")

	// len(ns) || ns || user_key, byte-exact
	nsKey := d.AppendNamespacePrefix([]byte("mykey"))
	if nsKey[0] != 3 || string(nsKey[1:4]) != "ns1" || string(nsKey[4:]) != "mykey" {
		t.Errorf("Unexpected on-disk key layout: %v", nsKey)
	}
}

func TestSubKeyScanner(t *testing.T) {
	storage := newTestStorage(t)
	bitmap := NewBitmap(storage, "test-ns")
	scanner := NewSubKeyScanner(storage, "test-ns")

	// three segments: offsets in segment 0, 1 and 2
	for _, offset := range []uint32{0, 9000, 17000} {
		if _, err := bitmap.SetBit([]byte("bm"), offset, true); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	keys, values, err := scanner.Scan(codec.RedisBitmap, []byte("bm"), nil, 0, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(keys) != 3 || len(values) != 3 {
		t.Fatalf("Expected 3 sub-keys, got %v", keys)
	}

	// limit bounds returned keys
	keys, _, err = scanner.Scan(codec.RedisBitmap, []byte("bm"), nil, 2, nil)
	if err != nil || len(keys) != 2 {
		t.Errorf("Expected 2 sub-keys, got %v (%v)", keys, err)
	}

	// a new version after del makes old sub-keys invisible
	if err := bitmap.Del([]byte("bm")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := bitmap.SetBit([]byte("bm"), 5, true); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	keys, _, err = scanner.Scan(codec.RedisBitmap, []byte("bm"), nil, 0, nil)
	if err != nil || len(keys) != 1 {
		t.Errorf("Expected 1 sub-key under the new version, got %v (%v)", keys, err)
	}
}
