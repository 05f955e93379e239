// Package block implements the block-organized, column-major tuple storage
// layer: the fixed-size raw block, its immutable layout descriptor, and the
// tuple access strategy that interprets a block's bytes as per-column null
// bitmaps, per-column data arrays and an Arrow metadata side-table.
//
// The physical framing (32-byte header, CRC-style field layout via
// encoding/binary, column offsets computed once per layout) follows the
// teacher's page format in internal/storage/pager/page.go and
// internal/storage/pager/slotted_page.go, generalized from a row-major
// slotted page to a column-major (PAX) block.
package block

import (
	"encoding/binary"
	"fmt"
)

// Size is the fixed size of every raw block: 1 MiB, per spec.
const Size = 1 << 20

// MaxColumns bounds the number of columns a layout may describe, so that
// every column is guaranteed at least one slot per block.
const MaxColumns = 12500

// Sentinel attribute size marking a varlen column.
const VarlenSentinel = 0

// VarlenEntrySize is the on-disk size of a VarlenEntry slot: a 4-byte size
// field followed by a 12-byte inline-prefix-or-handle region.
const VarlenEntrySize = 16

// PrefixCap is the largest value size stored inline in a VarlenEntry.
const PrefixCap = 12

// headerSize is the size of the common block header.
//
//	[0:4]   Magic       "TLNB"
//	[4:8]   NumSlots    uint32 LE
//	[8:16]  TableID     uint64 LE — back-pointer to the owning Data Table
//	[16:20] LiveCount   uint32 LE — maintained by the Accessor for hot/cold decisions
//	[20:24] LastMutTS   uint32 LE (low 32 bits) — coarse hint for the compactor
//	[24:32] Reserved
const headerSize = 32

const magic = "TLNB"

// ColumnDesc describes one column's physical attribute size.
type ColumnDesc struct {
	AttrSize uint8 // 1, 2, 4, 8, or VarlenSentinel
	Varlen   bool
}

// Layout is the immutable descriptor shared by every block of a table: how
// many columns, their attribute sizes, and the derived offsets of each
// column's null bitmap and data array within a Size-byte block.
type Layout struct {
	Columns   []ColumnDesc
	NumSlots  int // tuples per block, derived to fit Size
	bitmapOff []int
	bitmapLen int // bytes per column bitmap
	dataOff   []int
	dataLen   []int // bytes per column's data array
}

// NewLayout computes slot capacity and offsets for the given columns.
// Column 0 is reserved: its null bitmap doubles as the slot-presence bitmap.
func NewLayout(cols []ColumnDesc) (*Layout, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("block: layout needs at least one column")
	}
	if len(cols) > MaxColumns {
		return nil, fmt.Errorf("block: %d columns exceeds max %d", len(cols), MaxColumns)
	}

	// Binary search the largest slot count that fits in Size bytes.
	fits := func(n int) bool {
		return layoutBytes(cols, n) <= Size
	}
	lo, hi := 0, Size // an upper bound generous enough for 1-byte columns
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return nil, fmt.Errorf("block: no slots fit %d columns in a %d-byte block", len(cols), Size)
	}

	l := &Layout{Columns: append([]ColumnDesc{}, cols...), NumSlots: lo}
	l.bitmapLen = bitmapBytes(lo)
	off := headerSize
	l.bitmapOff = make([]int, len(cols))
	for i := range cols {
		l.bitmapOff[i] = off
		off += l.bitmapLen
	}
	l.dataOff = make([]int, len(cols))
	l.dataLen = make([]int, len(cols))
	for i, c := range cols {
		size := int(c.AttrSize)
		if c.Varlen {
			size = VarlenEntrySize
		}
		l.dataOff[i] = off
		l.dataLen[i] = size * lo
		off += l.dataLen[i]
	}
	return l, nil
}

func bitmapBytes(numSlots int) int {
	return (numSlots + 7) / 8
}

func layoutBytes(cols []ColumnDesc, numSlots int) int {
	total := headerSize
	total += len(cols) * bitmapBytes(numSlots)
	for _, c := range cols {
		size := int(c.AttrSize)
		if c.Varlen {
			size = VarlenEntrySize
		}
		total += size * numSlots
	}
	return total
}

// ColumnDataOffset returns the byte offset of column col's data array.
func (l *Layout) ColumnDataOffset(col int) int { return l.dataOff[col] }

// ColumnAttrSize returns the per-slot byte width of column col's data array.
func (l *Layout) ColumnAttrSize(col int) int {
	if l.Columns[col].Varlen {
		return VarlenEntrySize
	}
	return int(l.Columns[col].AttrSize)
}

// ColumnBitmapOffset returns the byte offset of column col's null bitmap.
func (l *Layout) ColumnBitmapOffset(col int) int { return l.bitmapOff[col] }

// BitmapLen returns the number of bytes used by one column's null bitmap.
func (l *Layout) BitmapLen() int { return l.bitmapLen }

// ID uniquely identifies a raw block for the lifetime of the process.
type ID uint64

// Block is a raw Size-byte region interpreted according to a Layout.
type Block struct {
	ID     ID
	Buf    []byte
	Layout *Layout
}

// initHeader stamps the magic, table back-pointer and zeroed slot count into
// an otherwise-uninitialized block buffer. Block Store callers must call
// this (or rely on Table.allocateBlock doing so) before first use.
func initHeader(buf []byte, tableID uint64) {
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], tableID)
	binary.LittleEndian.PutUint32(buf[16:20], 0)
	binary.LittleEndian.PutUint32(buf[20:24], 0)
}

// New wraps a freshly-obtained buffer (from Store.Get) as a Block belonging
// to tableID, stamping its header and assigning it id.
func New(id ID, buf []byte, layout *Layout, tableID uint64) *Block {
	initHeader(buf, tableID)
	return &Block{ID: id, Buf: buf, Layout: layout}
}

// TableID returns the owning table's numeric back-pointer.
func (b *Block) TableID() uint64 {
	return binary.LittleEndian.Uint64(b.Buf[8:16])
}

// LiveCount returns the number of currently-present slots (maintained by the
// Accessor), used by the compactor to pick blocks with high empty-slot ratios.
func (b *Block) LiveCount() int {
	return int(binary.LittleEndian.Uint32(b.Buf[16:20]))
}

func (b *Block) setLiveCount(n int) {
	binary.LittleEndian.PutUint32(b.Buf[16:20], uint32(n))
}

// LastMutationTS returns the coarse (low 32 bits of) the timestamp of the
// block's most recent mutation, used by the compactor's cold check.
func (b *Block) LastMutationTS() uint32 {
	return binary.LittleEndian.Uint32(b.Buf[20:24])
}

func (b *Block) setLastMutationTS(ts uint64) {
	binary.LittleEndian.PutUint32(b.Buf[20:24], uint32(ts))
}

// Touch records ts (truncated to 32 bits) as the block's most recent
// mutation timestamp, if ts is newer than what's already stored. Called by
// internal/table both at mutation time (with the mutator's transient begin
// id, a coarse pre-commit hint) and again at commit time (with the real
// commit timestamp, once Manager.Commit assigns one) via Txn.AddOnCommit.
// The monotonic guard keeps a commit-time re-stamp from a slower goroutine
// clobbering a newer stamp already written by a transaction that committed
// after it but whose hook happened to run first.
func (b *Block) Touch(ts uint64) {
	if uint32(ts) >= b.LastMutationTS() {
		b.setLastMutationTS(ts)
	}
}
