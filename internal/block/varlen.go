package block

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// VarlenEntry is the 16-byte on-disk representation of a varlen column's
// slot: a 4-byte size followed by 12 bytes that are either the value itself
// (when size <= PrefixCap) or an 8-byte handle into a VarlenPool padded to
// 12 bytes.
//
//	[0:4]  Size    uint32 LE
//	[4:16] Content inline value (size <= PrefixCap) or handle (size > PrefixCap)
//
// This mirrors the original source's "if the value fits inline store it,
// otherwise store a pointer" VarlenEntry design, adapted from a raw C++
// pointer to a VarlenPool handle — Go code cannot safely embed a pointer
// into a byte slab the GC does not scan, so an arena-style (handle -> []byte)
// indirection stands in for the original's raw pointer, per spec.md §9's
// design note on an arena-allocated slab addressed by (arena_id, offset).
type VarlenEntry struct {
	Size   uint32
	Inline [PrefixCap]byte // valid prefix bytes when Size <= PrefixCap
	Handle uint64          // valid when Size > PrefixCap
}

// EncodeVarlenEntry writes e into the 16-byte slot at buf.
func EncodeVarlenEntry(buf []byte, e VarlenEntry) {
	binary.LittleEndian.PutUint32(buf[0:4], e.Size)
	if e.Size <= PrefixCap {
		copy(buf[4:16], e.Inline[:])
		for i := int(e.Size); i < PrefixCap; i++ {
			buf[4+i] = 0
		}
		return
	}
	binary.LittleEndian.PutUint64(buf[4:12], e.Handle)
	for i := 12; i < 16; i++ {
		buf[i] = 0
	}
}

// DecodeVarlenEntry reads a VarlenEntry from the 16-byte slot at buf.
func DecodeVarlenEntry(buf []byte) VarlenEntry {
	e := VarlenEntry{Size: binary.LittleEndian.Uint32(buf[0:4])}
	if e.Size <= PrefixCap {
		copy(e.Inline[:], buf[4:16])
		return e
	}
	e.Handle = binary.LittleEndian.Uint64(buf[4:12])
	return e
}

// VarlenPool owns the externally-stored bytes for varlen values that don't
// fit a VarlenEntry's inline prefix. It is the "arena" spec.md §9 describes:
// a handle is an opaque uint64 rather than a raw pointer so the layout stays
// GC-safe and so the pool can be swapped for an on-disk arena later without
// touching VarlenEntry's wire format.
type VarlenPool struct {
	mu     sync.RWMutex
	next   uint64
	values map[uint64][]byte
}

// NewVarlenPool creates an empty pool.
func NewVarlenPool() *VarlenPool {
	return &VarlenPool{values: make(map[uint64][]byte)}
}

// Put copies val into the pool and returns a VarlenEntry referencing it —
// inline if val fits in PrefixCap bytes, otherwise by handle.
func (p *VarlenPool) Put(val []byte) VarlenEntry {
	if len(val) <= PrefixCap {
		e := VarlenEntry{Size: uint32(len(val))}
		copy(e.Inline[:], val)
		return e
	}
	stored := append([]byte(nil), val...)
	p.mu.Lock()
	p.next++
	h := p.next
	p.values[h] = stored
	p.mu.Unlock()
	return VarlenEntry{Size: uint32(len(val)), Handle: h}
}

// Get resolves a VarlenEntry back to its value bytes.
func (p *VarlenPool) Get(e VarlenEntry) ([]byte, error) {
	if e.Size <= PrefixCap {
		return e.Inline[:e.Size], nil
	}
	p.mu.RLock()
	v, ok := p.values[e.Handle]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("block: varlen handle %d not found", e.Handle)
	}
	return v, nil
}

// Free releases the externally-stored value referenced by e, if any.
func (p *VarlenPool) Free(e VarlenEntry) {
	if e.Size <= PrefixCap {
		return
	}
	p.mu.Lock()
	delete(p.values, e.Handle)
	p.mu.Unlock()
}

// Len reports the number of externally-stored values currently held.
func (p *VarlenPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.values)
}
