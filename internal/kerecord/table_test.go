package kerecord

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	b := NewBuilder(32)
	off1, len1 := b.Append("root")
	off2, len2 := b.Append("child.txt")

	records := []Record{
		NewRecord(RootSentinel, 0, 0, off1, len1, true, false),
		NewRecord(0, 128, 12345, off2, len2, false, false),
	}

	var buf bytes.Buffer
	if err := EncodeTable(&buf, records, b.Pool()); err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeTable(&buf, DefaultLimits)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(got.Records))
	}
	if got.Name(0) != "root" || got.Name(1) != "child.txt" {
		t.Fatalf("unexpected names: %q %q", got.Name(0), got.Name(1))
	}
	if !got.Records[0].IsDir() {
		t.Fatalf("record 0 should be a directory")
	}
	if got.Records[1].ParentRecordIdx != 0 {
		t.Fatalf("record 1 parent = %d, want 0", got.Records[1].ParentRecordIdx)
	}
}

func TestDecodeRejectsOutOfBoundsParent(t *testing.T) {
	b := NewBuilder(8)
	off, length := b.Append("x")
	records := []Record{NewRecord(99, 0, 0, off, length, false, false)}

	var buf bytes.Buffer
	if err := EncodeTable(&buf, records, b.Pool()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeTable(&buf, DefaultLimits); err == nil {
		t.Fatalf("expected validation error for out-of-bounds parent")
	}
}

func TestDecodeRejectsZeroRecordCount(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, 8)) // recordCount = 0
	if _, err := DecodeTable(&buf, DefaultLimits); err == nil {
		t.Fatalf("expected error for zero record count")
	}
}

func TestPoolSliceBounds(t *testing.T) {
	p := StringPool("hello")
	if s, err := p.Slice(0, 5); err != nil || s != "hello" {
		t.Fatalf("unexpected slice result: %q %v", s, err)
	}
	if _, err := p.Slice(3, 5); err == nil {
		t.Fatalf("expected out-of-bounds error")
	}
}
