package block

import (
	"encoding/binary"
	"testing"
)

func TestGatherVarlenProducesOffsetsAndValues(t *testing.T) {
	values := [][]byte{[]byte("aa"), nil, []byte("bbb")}
	vals, offsets, err := GatherVarlen(nil, values)
	if err != nil {
		t.Fatalf("GatherVarlen: %v", err)
	}
	defer vals.Release()
	defer offsets.Release()

	if got, want := len(vals.Bytes()), 5; got != want {
		t.Fatalf("values buffer len = %d, want %d", got, want)
	}
	offBytes := offsets.Bytes()
	if len(offBytes) != (len(values)+1)*4 {
		t.Fatalf("offsets buffer len = %d, want %d", len(offBytes), (len(values)+1)*4)
	}
	var prev int32
	for i := 0; i <= len(values); i++ {
		v := int32(binary.LittleEndian.Uint32(offBytes[i*4 : i*4+4]))
		if v < prev {
			t.Fatalf("offsets not monotonically non-decreasing at %d: %d < %d", i, v, prev)
		}
		prev = v
	}
}

func TestGatherDictionaryDeduplicates(t *testing.T) {
	values := [][]byte{[]byte("x"), []byte("y"), []byte("x"), nil}
	dict, dictOffsets, indices, err := GatherDictionary(nil, values)
	if err != nil {
		t.Fatalf("GatherDictionary: %v", err)
	}

	if got, want := len(dict.Bytes()), 2; got != want {
		t.Fatalf("dictionary bytes = %d, want %d (deduplicated)", got, want)
	}
	if got, want := len(dictOffsets.Bytes()), 3*4; got != want {
		t.Fatalf("dictOffsets len = %d, want %d", got, want)
	}

	idx := indices.Bytes()
	if len(idx) != len(values)*4 {
		t.Fatalf("indices len = %d, want %d", len(idx), len(values)*4)
	}
	i0 := int32(binary.LittleEndian.Uint32(idx[0:4]))
	i2 := int32(binary.LittleEndian.Uint32(idx[8:12]))
	if i0 != i2 {
		t.Fatalf("duplicate values should share an index: %d != %d", i0, i2)
	}
	i3 := int32(binary.LittleEndian.Uint32(idx[12:16]))
	if i3 != -1 {
		t.Fatalf("null value should index -1, got %d", i3)
	}
}

func TestArrowRegistryPublishLookupEvict(t *testing.T) {
	r := NewArrowRegistry()
	if _, ok := r.Lookup(ID(1)); ok {
		t.Fatalf("expected no metadata before Publish")
	}
	m := &ArrowBlockMetadata{Columns: make([]ArrowColumnMetadata, 2)}
	r.Publish(ID(1), m)
	got, ok := r.Lookup(ID(1))
	if !ok || got != m {
		t.Fatalf("Lookup after Publish did not return the published metadata")
	}
	r.Evict(ID(1))
	if _, ok := r.Lookup(ID(1)); ok {
		t.Fatalf("expected no metadata after Evict")
	}
}

