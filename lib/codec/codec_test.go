package codec

import (
	"bytes"
	"testing"
	"time"
)

func TestComposeNamespaceKey(t *testing.T) {
	nsKey := ComposeNamespaceKey([]byte("ns1"), []byte("mykey"))

	// len(ns) || ns || user_key, byte-exact
	expected := append([]byte{3}, []byte("ns1mykey")...)
	if !bytes.Equal(nsKey, expected) {
		t.Errorf("Expected key %v, got %v", expected, nsKey)
	}

	ns, userKey, err := ExtractNamespaceKey(nsKey)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(ns) != "ns1" || string(userKey) != "mykey" {
		t.Errorf("Expected ns1/mykey, got %s/%s", ns, userKey)
	}
}

func TestExtractNamespaceKeyShortBuffer(t *testing.T) {
	if _, _, err := ExtractNamespaceKey(nil); err == nil {
		t.Errorf("Expected error for empty buffer")
	}
	if _, _, err := ExtractNamespaceKey([]byte{10, 'a'}); err == nil {
		t.Errorf("Expected error for truncated namespace")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	meta := NewMetadata(RedisBitmap)
	meta.Expire = 12345
	meta.Size = 8192

	decoded := &Metadata{}
	if err := decoded.Decode(meta.Encode()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decoded.Type() != RedisBitmap {
		t.Errorf("Expected bitmap type, got %s", decoded.Type())
	}
	if decoded.Expire != meta.Expire || decoded.Version != meta.Version || decoded.Size != meta.Size {
		t.Errorf("Decoded record differs: %+v != %+v", decoded, meta)
	}
}

func TestMetadataStringPayload(t *testing.T) {
	meta := NewMetadata(RedisString)
	meta.Payload = []byte("hello world")

	decoded := &Metadata{}
	if err := decoded.Decode(meta.Encode()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decoded.Type() != RedisString {
		t.Errorf("Expected string type, got %s", decoded.Type())
	}
	if !bytes.Equal(decoded.Payload, meta.Payload) {
		t.Errorf("Expected payload %q, got %q", meta.Payload, decoded.Payload)
	}

	// empty payload survives the round trip
	empty := NewMetadata(RedisString)
	decoded = &Metadata{}
	if err := decoded.Decode(empty.Encode()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("Expected empty payload, got %q", decoded.Payload)
	}
}

func TestMetadataExpiry(t *testing.T) {
	now := time.Now().Unix()
	meta := NewMetadata(RedisString)

	if meta.Expired() {
		t.Errorf("Record without expire must not be expired")
	}
	if meta.TTL() != -1 {
		t.Errorf("Expected TTL -1, got %d", meta.TTL())
	}

	meta.Expire = uint32(now - 1)
	if !meta.Expired() {
		t.Errorf("Record with past expire must be expired")
	}

	meta.Expire = uint32(now + 100)
	if meta.Expired() {
		t.Errorf("Record with future expire must not be expired")
	}
	if ttl := meta.TTL(); ttl < 98 || ttl > 100 {
		t.Errorf("Expected TTL close to 100, got %d", ttl)
	}

	// a key is expired iff expire != 0 and expire <= now
	meta.Expire = uint32(now)
	if !meta.ExpiredAt(now) {
		t.Errorf("expire == now must count as expired")
	}
}

func TestMetadataVersionMonotonic(t *testing.T) {
	prev := NewMetadata(RedisHash)
	for i := 0; i < 1000; i++ {
		next := NewMetadata(RedisHash)
		if next.Version <= prev.Version {
			t.Fatalf("Version not monotonic: %d <= %d", next.Version, prev.Version)
		}
		prev = next
	}
}

func TestMetadataDecodeShort(t *testing.T) {
	meta := &Metadata{}
	if err := meta.Decode([]byte{byte(RedisHash), 0, 0}); err == nil {
		t.Errorf("Expected error for truncated record")
	}
	if err := meta.Decode([]byte{byte(RedisHash), 0, 0, 0, 0, 1, 2}); err == nil {
		t.Errorf("Expected error for composite record without version and size")
	}
}

func TestInternalKeyRoundTrip(t *testing.T) {
	nsKey := ComposeNamespaceKey([]byte("ns"), []byte("key"))
	ikey := NewInternalKey(nsKey, []byte("sub"), 42)

	decoded, err := DecodeInternalKey(ikey.Encode())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !bytes.Equal(decoded.NamespaceKey, nsKey) {
		t.Errorf("Expected ns key %v, got %v", nsKey, decoded.NamespaceKey)
	}
	if string(decoded.SubKey) != "sub" || decoded.Version != 42 {
		t.Errorf("Expected sub/42, got %s/%d", decoded.SubKey, decoded.Version)
	}
}

func TestLogDataRoundTrip(t *testing.T) {
	logData := NewLogData(RedisBitmap, "setbit", "7")
	decoded := &WriteBatchLogData{}
	if err := decoded.Decode(logData.Encode()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decoded.Type != RedisBitmap {
		t.Errorf("Expected bitmap type, got %s", decoded.Type)
	}
	if len(decoded.Args) != 2 || decoded.Args[0] != "setbit" || decoded.Args[1] != "7" {
		t.Errorf("Unexpected args: %v", decoded.Args)
	}

	// no args
	decoded = &WriteBatchLogData{}
	if err := decoded.Decode(NewLogData(RedisNone).Encode()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(decoded.Args) != 0 {
		t.Errorf("Expected no args, got %v", decoded.Args)
	}
}

func TestLogDataRejectsPartialConsume(t *testing.T) {
	raw := NewLogData(RedisHash, "field").Encode()

	// trailing garbage must be rejected
	decoded := &WriteBatchLogData{}
	if err := decoded.Decode(append(raw, 0x01)); err == nil {
		t.Errorf("Expected error for trailing bytes")
	}

	// truncated length header must be rejected
	decoded = &WriteBatchLogData{}
	if err := decoded.Decode(raw[:3]); err == nil {
		t.Errorf("Expected error for truncated buffer")
	}
}

func TestSlotHashing(t *testing.T) {
	if tag := GetTagFromKey("{user1}.following"); tag != "user1" {
		t.Errorf("Expected tag user1, got %q", tag)
	}
	if tag := GetTagFromKey("no-braces"); tag != "" {
		t.Errorf("Expected empty tag, got %q", tag)
	}
	if tag := GetTagFromKey("}a{"); tag != "" {
		t.Errorf("Expected empty tag for reversed braces, got %q", tag)
	}

	// tagged keys land in the same slot as their bare tag
	if GetSlotNumFromKey("{user1}.following") != GetSlotNumFromKey("user1") {
		t.Errorf("Tagged key must hash like its tag")
	}

	for _, key := range []string{"a", "b", "somewhat-longer-key"} {
		if slot := GetSlotNumFromKey(key); slot > HashSlotsMask {
			t.Errorf("Slot %d out of range for key %s", slot, key)
		}
	}
}

func TestSlotInternalKeyRoundTrip(t *testing.T) {
	ikey := NewSlotInternalKey([]byte("mykey"), 99)
	decoded, err := DecodeSlotInternalKey(ikey.Encode())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decoded.SlotNum != ikey.SlotNum || decoded.Version != 99 || string(decoded.Key) != "mykey" {
		t.Errorf("Decoded key differs: %+v", decoded)
	}
}

func TestSlotMetadataRoundTrip(t *testing.T) {
	meta := NewSlotMetadata()
	meta.Size = 7
	decoded := &SlotMetadata{}
	if err := decoded.Decode(meta.Encode()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if decoded.Version != meta.Version || decoded.Size != 7 {
		t.Errorf("Decoded metadata differs: %+v != %+v", decoded, meta)
	}
}
