package block

import (
	"bytes"
	"testing"
)

func TestVarlenEntryInlineRoundTrip(t *testing.T) {
	buf := make([]byte, VarlenEntrySize)
	want := []byte("short")
	e := VarlenEntry{Size: uint32(len(want))}
	copy(e.Inline[:], want)

	EncodeVarlenEntry(buf, e)
	got := DecodeVarlenEntry(buf)
	if got.Size != e.Size {
		t.Fatalf("Size = %d, want %d", got.Size, e.Size)
	}
	if !bytes.Equal(got.Inline[:got.Size], want) {
		t.Fatalf("Inline = %v, want %v", got.Inline[:got.Size], want)
	}
}

func TestVarlenPoolInlineVsExternal(t *testing.T) {
	p := NewVarlenPool()

	small := []byte("abc")
	e := p.Put(small)
	if e.Size > PrefixCap && e.Handle == 0 {
		t.Fatalf("expected external handle for large value")
	}
	got, err := p.Get(e)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, small) {
		t.Fatalf("Get = %v, want %v", got, small)
	}
	if p.Len() != 0 {
		t.Fatalf("small value should not occupy the external pool")
	}

	large := bytes.Repeat([]byte("x"), PrefixCap+10)
	e2 := p.Put(large)
	if e2.Size <= PrefixCap {
		t.Fatalf("expected external entry for %d-byte value", len(large))
	}
	if p.Len() != 1 {
		t.Fatalf("Len = %d, want 1", p.Len())
	}
	got2, err := p.Get(e2)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got2, large) {
		t.Fatalf("Get = %v, want %v", got2, large)
	}

	p.Free(e2)
	if p.Len() != 0 {
		t.Fatalf("Len after Free = %d, want 0", p.Len())
	}
	if _, err := p.Get(e2); err == nil {
		t.Fatalf("expected error resolving freed handle")
	}
}
