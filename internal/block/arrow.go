package block

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
)

// ArrowColumnType selects how a cold block's column is physically gathered,
// supplemented from original_source/src/include/storage/arrow_block_metadata.h
// (the terrier ArrowColumnType enum), which distinguishes fixed-width columns
// (no rewrite needed) from the two varlen representations a gather pass can
// produce.
type ArrowColumnType uint8

const (
	// ArrowFixed marks a fixed-width column: its raw data array is already
	// contiguous and needs no gather-time transform.
	ArrowFixed ArrowColumnType = iota
	// ArrowGatheredVarlen marks a varlen column gathered into a values
	// buffer plus an offsets buffer, matching Arrow's variable-length
	// binary/string layout exactly.
	ArrowGatheredVarlen
	// ArrowDictionaryCompressed marks a varlen column gathered into a
	// deduplicated values buffer plus an indices buffer.
	ArrowDictionaryCompressed
)

// ArrowColumnMetadata records one column's gathered Arrow buffers. It is the
// non-authoritative "embedded Arrow-compatible metadata region" spec.md §4.B
// describes: produced once by the compactor's gather pass, read concurrently
// by analytic readers.
//
// The buffers are real *memory.Buffer values from apache/arrow/go/v12 so
// that mapping a gathered column into an arrow.Array (array.NewStringData,
// array.NewInt64Data, ...) outside this package is a zero-copy operation.
type ArrowColumnMetadata struct {
	Type ArrowColumnType

	// Populated when Type == ArrowGatheredVarlen.
	Values  *memory.Buffer // concatenated value bytes
	Offsets *memory.Buffer // int32 offsets, len(Offsets)/4 == NumSlots+1

	// Populated when Type == ArrowDictionaryCompressed.
	Dictionary  *memory.Buffer // concatenated deduplicated value bytes
	DictOffsets *memory.Buffer // int32 offsets into Dictionary
	Indices     *memory.Buffer // int32 index per slot into the dictionary
}

// ArrowBlockMetadata is the per-block registry of gathered column metadata.
// Kept as an in-memory companion keyed by block ID rather than embedded
// inside the raw block buffer: Go cannot safely hold GC-managed pointers
// (memory.Buffer wraps a []byte plus a refcount) inside an unmanaged byte
// slab, so the "embedded... region" spec.md describes is realized as a
// side-table the compactor publishes atomically when it flips a block cold,
// rather than literal bytes inside the block. This is a deliberate,
// idiomatic-Go adaptation — see DESIGN.md.
type ArrowBlockMetadata struct {
	Columns []ArrowColumnMetadata
}

// ArrowRegistry publishes and looks up ArrowBlockMetadata by block ID. Only
// the compactor's gather pass writes to it; readers only look up.
type ArrowRegistry struct {
	mu   sync.RWMutex
	meta map[ID]*ArrowBlockMetadata
}

// NewArrowRegistry creates an empty registry.
func NewArrowRegistry() *ArrowRegistry {
	return &ArrowRegistry{meta: make(map[ID]*ArrowBlockMetadata)}
}

// Publish atomically installs metadata for a freshly-gathered block,
// replacing any prior entry.
func (r *ArrowRegistry) Publish(id ID, meta *ArrowBlockMetadata) {
	r.mu.Lock()
	r.meta[id] = meta
	r.mu.Unlock()
}

// Lookup returns the metadata for a cold block, if any was published.
func (r *ArrowRegistry) Lookup(id ID) (*ArrowBlockMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meta[id]
	return m, ok
}

// Evict removes a block's metadata, e.g. when it is recompacted or reclaimed.
func (r *ArrowRegistry) Evict(id ID) {
	r.mu.Lock()
	delete(r.meta, id)
	r.mu.Unlock()
}

// GatherVarlen builds the values/offsets buffer pair for a gathered varlen
// column from its logical per-slot values (nil entries represent nulls and
// contribute a zero-length span), via an Arrow BinaryBuilder so the
// resulting buffers are byte-identical to what arrow/array would produce.
func GatherVarlen(alloc memory.Allocator, values [][]byte) (valuesBuf, offsetsBuf *memory.Buffer, err error) {
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	b := array.NewBinaryBuilder(alloc, arrow.BinaryTypes.Binary)
	defer b.Release()
	for _, v := range values {
		if v == nil {
			b.AppendNull()
			continue
		}
		b.Append(v)
	}
	arr := b.NewBinaryArray()
	defer arr.Release()

	data := arr.Data()
	if len(data.Buffers()) < 3 {
		return nil, nil, fmt.Errorf("block: unexpected arrow binary buffer layout")
	}
	offsets := data.Buffers()[1]
	vals := data.Buffers()[2]
	offsets.Retain()
	vals.Retain()
	return vals, offsets, nil
}

// GatherDictionary builds the dictionary/dict-offsets/indices buffer triple
// for a dictionary-compressed varlen column: each distinct non-null value is
// stored once in Dictionary (with its span recorded in DictOffsets), and
// every slot records an int32 index into that dictionary (or -1 for null).
// Encoded by hand with encoding/binary rather than an Arrow dictionary
// builder: the builder's exact index-width-selection behavior isn't
// something this package can verify without the toolchain, whereas the
// layout here is pinned explicitly and still Arrow-buffer-compatible
// (wrapped via memory.NewBufferBytes).
func GatherDictionary(alloc memory.Allocator, values [][]byte) (dict, dictOffsets, indices *memory.Buffer, err error) {
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}

	order := make([]string, 0, len(values))
	index := make(map[string]int32)
	idx := make([]int32, len(values))

	for i, v := range values {
		if v == nil {
			idx[i] = -1
			continue
		}
		key := string(v)
		pos, ok := index[key]
		if !ok {
			pos = int32(len(order))
			index[key] = pos
			order = append(order, key)
		}
		idx[i] = pos
	}

	var dictBytes []byte
	dictOff := make([]int32, len(order)+1)
	for i, s := range order {
		dictOff[i] = int32(len(dictBytes))
		dictBytes = append(dictBytes, s...)
	}
	dictOff[len(order)] = int32(len(dictBytes))

	dictOffBytes := int32SliceToBytes(dictOff)
	idxBytes := int32SliceToBytes(idx)

	dict = memory.NewBufferBytes(dictBytes)
	dictOffsets = memory.NewBufferBytes(dictOffBytes)
	indices = memory.NewBufferBytes(idxBytes)
	_ = alloc
	return dict, dictOffsets, indices, nil
}

func int32SliceToBytes(s []int32) []byte {
	out := make([]byte, len(s)*4)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], uint32(v))
	}
	return out
}
