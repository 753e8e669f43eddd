package db

import (
	"bytes"
	"testing"
)

func TestSetBitGetBit(t *testing.T) {
	storage := newTestStorage(t)
	bitmap := NewBitmap(storage, "test-ns")

	// a missing key reads as all-zero
	bit, err := bitmap.GetBit([]byte("bm"), 100)
	if err != nil || bit {
		t.Fatalf("Expected 0, got %v (%v)", bit, err)
	}

	old, err := bitmap.SetBit([]byte("bm"), 100, true)
	if err != nil || old {
		t.Fatalf("Expected old bit 0, got %v (%v)", old, err)
	}
	bit, err = bitmap.GetBit([]byte("bm"), 100)
	if err != nil || !bit {
		t.Errorf("Expected 1 after setbit, got %v (%v)", bit, err)
	}

	// setting the same value again returns it and stays stable
	old, err = bitmap.SetBit([]byte("bm"), 100, true)
	if err != nil || !old {
		t.Errorf("Expected old bit 1, got %v (%v)", old, err)
	}

	// neighbours are untouched
	for _, offset := range []uint32{99, 101} {
		bit, err = bitmap.GetBit([]byte("bm"), offset)
		if err != nil || bit {
			t.Errorf("Expected offset %d to stay 0, got %v (%v)", offset, bit, err)
		}
	}

	// clearing works
	old, err = bitmap.SetBit([]byte("bm"), 100, false)
	if err != nil || !old {
		t.Fatalf("Expected old bit 1, got %v (%v)", old, err)
	}
	bit, err = bitmap.GetBit([]byte("bm"), 100)
	if err != nil || bit {
		t.Errorf("Expected 0 after clearing, got %v (%v)", bit, err)
	}
}

func TestSetBitAcrossSegments(t *testing.T) {
	storage := newTestStorage(t)
	bitmap := NewBitmap(storage, "test-ns")

	// one bit per segment, including the boundary offsets
	offsets := []uint32{0, BitmapSegmentBits - 1, BitmapSegmentBits, 3 * BitmapSegmentBits}
	for _, offset := range offsets {
		if _, err := bitmap.SetBit([]byte("bm"), offset, true); err != nil {
			t.Fatalf("Unexpected error at offset %d: %v", offset, err)
		}
	}
	for _, offset := range offsets {
		bit, err := bitmap.GetBit([]byte("bm"), offset)
		if err != nil || !bit {
			t.Errorf("Expected 1 at offset %d, got %v (%v)", offset, bit, err)
		}
	}

	// the size ceiling follows the highest touched byte
	meta, err := bitmap.GetMetadata(0, bitmap.AppendNamespacePrefix([]byte("bm")), nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	expected := uint32(3*BitmapSegmentBits + 8)
	if meta.Size != expected {
		t.Errorf("Expected size %d, got %d", expected, meta.Size)
	}
}

func TestBitmapOnString(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")
	bitmap := NewBitmap(storage, "test-ns")

	// 'b' = 0x62 = 01100010: the MSB is 0, the second bit is 1
	if err := str.Set([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	bit, err := bitmap.GetBit([]byte("foo"), 0)
	if err != nil || bit {
		t.Errorf("Expected MSB of 'b' to be 0, got %v (%v)", bit, err)
	}
	bit, err = bitmap.GetBit([]byte("foo"), 1)
	if err != nil || !bit {
		t.Errorf("Expected second bit of 'b' to be 1, got %v (%v)", bit, err)
	}

	// setting bit 7 turns 'b' (0x62) into 'c' (0x63)
	old, err := bitmap.SetBit([]byte("foo"), 7, true)
	if err != nil || old {
		t.Fatalf("Expected old bit 0, got %v (%v)", old, err)
	}
	value, err := str.Get([]byte("foo"))
	if err != nil || !bytes.Equal(value, []byte("car")) {
		t.Errorf("Expected car, got %q (%v)", value, err)
	}

	// writing past the payload extends it with zero bytes
	if _, err := bitmap.SetBit([]byte("foo"), 39, true); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	value, err = str.Get([]byte("foo"))
	if err != nil || len(value) != 5 {
		t.Errorf("Expected 5 bytes, got %q (%v)", value, err)
	}
}

func TestBitCountString(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")
	bitmap := NewBitmap(storage, "test-ns")

	if err := str.Set([]byte("mykey"), []byte("foobar")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tests := []struct {
		start, stop int64
		expected    uint32
	}{
		{0, -1, 26}, // full range
		{0, 0, 4},   // 'f' = 0x66
		{1, 1, 6},   // 'o' = 0x6f
		{-2, -1, 7}, // "ar" = 0x61 0x72
		{2, 1, 0}, // empty range
	}
	for _, tc := range tests {
		cnt, err := bitmap.BitCount([]byte("mykey"), tc.start, tc.stop)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if cnt != tc.expected {
			t.Errorf("BitCount(%d, %d): expected %d, got %d", tc.start, tc.stop, tc.expected, cnt)
		}
	}

	// missing key counts zero
	cnt, err := bitmap.BitCount([]byte("missing"), 0, -1)
	if err != nil || cnt != 0 {
		t.Errorf("Expected 0 for missing key, got %d (%v)", cnt, err)
	}
}

func TestBitCountBitmap(t *testing.T) {
	storage := newTestStorage(t)
	bitmap := NewBitmap(storage, "test-ns")

	// bits spread over two segments
	for _, offset := range []uint32{0, 5, BitmapSegmentBits + 3} {
		if _, err := bitmap.SetBit([]byte("bm"), offset, true); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	cnt, err := bitmap.BitCount([]byte("bm"), 0, -1)
	if err != nil || cnt != 3 {
		t.Errorf("Expected 3, got %d (%v)", cnt, err)
	}

	// restricted to the first segment
	cnt, err = bitmap.BitCount([]byte("bm"), 0, BitmapSegmentBytes-1)
	if err != nil || cnt != 2 {
		t.Errorf("Expected 2, got %d (%v)", cnt, err)
	}
}

func TestBitPosString(t *testing.T) {
	storage := newTestStorage(t)
	str := NewString(storage, "test-ns")
	bitmap := NewBitmap(storage, "test-ns")

	if err := str.Set([]byte("k0"), []byte("\xff\xf0\x00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	pos, err := bitmap.BitPos([]byte("k0"), false, 0, -1, false)
	if err != nil || pos != 12 {
		t.Errorf("Expected 12, got %d (%v)", pos, err)
	}

	if err := str.Set([]byte("k1"), []byte("\x00\x0f\x00")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	pos, err = bitmap.BitPos([]byte("k1"), true, 0, -1, false)
	if err != nil || pos != 12 {
		t.Errorf("Expected 12, got %d (%v)", pos, err)
	}

	// all ones, searching 0 with an open range reports the size
	if err := str.Set([]byte("k2"), []byte("\xff\xff")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	pos, err = bitmap.BitPos([]byte("k2"), false, 0, -1, false)
	if err != nil || pos != 16 {
		t.Errorf("Expected 16, got %d (%v)", pos, err)
	}
	// with an explicit stop, not-found is -1
	pos, err = bitmap.BitPos([]byte("k2"), false, 0, 1, true)
	if err != nil || pos != -1 {
		t.Errorf("Expected -1, got %d (%v)", pos, err)
	}

	// missing keys
	pos, err = bitmap.BitPos([]byte("missing"), true, 0, -1, false)
	if err != nil || pos != -1 {
		t.Errorf("Expected -1, got %d (%v)", pos, err)
	}
	pos, err = bitmap.BitPos([]byte("missing"), false, 0, -1, false)
	if err != nil || pos != 0 {
		t.Errorf("Expected 0, got %d (%v)", pos, err)
	}
}

func TestBitPosBitmapSkipsAbsentSegments(t *testing.T) {
	storage := newTestStorage(t)
	bitmap := NewBitmap(storage, "test-ns")

	// only the second segment holds a set bit; the first is never written
	if _, err := bitmap.SetBit([]byte("bm"), BitmapSegmentBits+8, true); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	pos, err := bitmap.BitPos([]byte("bm"), true, 0, -1, false)
	if err != nil || pos != int64(BitmapSegmentBits+8) {
		t.Errorf("Expected %d, got %d (%v)", BitmapSegmentBits+8, pos, err)
	}
	// the absent first segment reads as zeros
	pos, err = bitmap.BitPos([]byte("bm"), false, 0, -1, false)
	if err != nil || pos != 0 {
		t.Errorf("Expected 0, got %d (%v)", pos, err)
	}
}

func TestPureBitHelpers(t *testing.T) {
	if !GetBitFromValueAndOffset([]byte{0x80}, 0) {
		t.Errorf("Expected MSB of 0x80 to be set")
	}
	if GetBitFromValueAndOffset([]byte{0x80}, 1) {
		t.Errorf("Expected bit 1 of 0x80 to be clear")
	}
	if GetBitFromValueAndOffset([]byte{0x80}, 100) {
		t.Errorf("Expected out-of-range offset to read 0")
	}

	if !IsEmptySegment(make([]byte, 1024)) {
		t.Errorf("Expected all-zero segment to be empty")
	}
	if IsEmptySegment([]byte{0, 0, 1}) {
		t.Errorf("Expected segment with a set bit to be non-empty")
	}
	if !IsEmptySegment(nil) {
		t.Errorf("Expected nil segment to be empty")
	}
}
