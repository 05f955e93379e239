package block

import "fmt"

// ErrBlockFull is returned by Allocate when a block has no clear slot.
var ErrBlockFull = fmt.Errorf("block: full")

// Slot identifies a tuple as a (block, offset) pair. Stable for the life of
// the tuple: compaction may rewrite a slot's contents in place but only
// relocates a tuple when its version chain is empty.
type Slot struct {
	Block  ID
	Offset int
}

// Accessor is the Tuple Access Strategy: it interprets a Block's raw bytes
// through its Layout as column-major data arrays guarded by per-column null
// bitmaps, plus a side-table of Arrow metadata for cold blocks. Grounded on
// the teacher's slotted-page accessor (internal/storage/pager/slotted_page.go),
// generalized from a row-major slot directory to per-column bitmaps/arrays.
type Accessor struct {
	pool     *VarlenPool
	registry *ArrowRegistry
}

// NewAccessor builds an Accessor sharing the given varlen pool and Arrow
// metadata registry (normally owned by the enclosing Table).
func NewAccessor(pool *VarlenPool, registry *ArrowRegistry) *Accessor {
	return &Accessor{pool: pool, registry: registry}
}

// Allocate finds the first unoccupied slot in block (scanning column 0's
// presence bitmap) and marks it present. Column 0's null bitmap doubles as
// the slot-presence bitmap per spec.
func (a *Accessor) Allocate(b *Block) (Slot, error) {
	presence := a.presenceBitmap(b)
	off := presence.FirstClear(b.Layout.NumSlots)
	if off < 0 {
		return Slot{}, ErrBlockFull
	}
	presence.Set(off)
	for col := 1; col < len(b.Layout.Columns); col++ {
		a.nullBitmap(b, col).Clear(off) // new slot starts all-null
	}
	b.setLiveCount(b.LiveCount() + 1)
	return Slot{Block: b.ID, Offset: off}, nil
}

// Deallocate clears the presence bit for off, making the slot available to
// a future Allocate. Callers must ensure no version chain references it.
func (a *Accessor) Deallocate(b *Block, off int) {
	a.presenceBitmap(b).Clear(off)
	if n := b.LiveCount(); n > 0 {
		b.setLiveCount(n - 1)
	}
}

// IsPresent reports whether off currently holds a live tuple.
func (a *Accessor) IsPresent(b *Block, off int) bool {
	return a.presenceBitmap(b).Get(off)
}

// RestorePresence re-sets the presence bit at a specific offset, as an
// abort or recovery replay of a delete must do (unlike Allocate, it does not
// search for a free slot — the offset is already known).
func (a *Accessor) RestorePresence(b *Block, off int) {
	if !a.presenceBitmap(b).Get(off) {
		a.presenceBitmap(b).Set(off)
		b.setLiveCount(b.LiveCount() + 1)
	}
}

// ClearPresence clears the presence bit at off without touching null
// bitmaps or values, the physical effect of a Data Table delete.
func (a *Accessor) ClearPresence(b *Block, off int) {
	if a.presenceBitmap(b).Get(off) {
		a.presenceBitmap(b).Clear(off)
		if n := b.LiveCount(); n > 0 {
			b.setLiveCount(n - 1)
		}
	}
}

// AccessWithNullCheck returns the raw bytes of slot off in column col, and
// whether the value is non-null. For a null column, the returned slice
// should not be interpreted.
func (a *Accessor) AccessWithNullCheck(b *Block, off, col int) ([]byte, bool) {
	if col == 0 {
		// Column 0's bitmap is the presence bit; its own value array
		// still exists and is always considered present once allocated.
		return a.columnSlot(b, off, col), a.presenceBitmap(b).Get(off)
	}
	if !a.nullBitmap(b, col).Get(off) {
		return nil, false
	}
	return a.columnSlot(b, off, col), true
}

// AccessForceNotNull marks (off, col) non-null (sets its bit in the column's
// null bitmap) and returns the writable slice for the caller to fill in.
func (a *Accessor) AccessForceNotNull(b *Block, off, col int) []byte {
	if col != 0 {
		a.nullBitmap(b, col).Set(off)
	}
	return a.columnSlot(b, off, col)
}

// SetNull clears col's value for slot off and marks it null. Any externally
// stored varlen value is released from the pool.
func (a *Accessor) SetNull(b *Block, off, col int) {
	if col == 0 {
		return
	}
	if a.pool != nil && b.Layout.Columns[col].Varlen {
		data := a.columnSlot(b, off, col)
		e := DecodeVarlenEntry(data)
		a.pool.Free(e)
	}
	a.nullBitmap(b, col).Clear(off)
}

// ColumnNullBitmap returns the null bitmap view for col (column 0 returns
// the presence bitmap).
func (a *Accessor) ColumnNullBitmap(b *Block, col int) Bitmap {
	if col == 0 {
		return a.presenceBitmap(b)
	}
	return a.nullBitmap(b, col)
}

// ArrowBlockMetadata returns (creating if absent) the mutable Arrow metadata
// entry for b, for the compactor's gather pass to populate.
func (a *Accessor) ArrowBlockMetadata(b *Block) *ArrowBlockMetadata {
	if m, ok := a.registry.Lookup(b.ID); ok {
		return m
	}
	m := &ArrowBlockMetadata{Columns: make([]ArrowColumnMetadata, len(b.Layout.Columns))}
	a.registry.Publish(b.ID, m)
	return m
}

// PutVarlen writes val into column col of slot off, routing through the
// shared VarlenPool for inline-vs-external placement.
func (a *Accessor) PutVarlen(b *Block, off, col int, val []byte) {
	e := a.pool.Put(val)
	EncodeVarlenEntry(a.AccessForceNotNull(b, off, col), e)
}

// GetVarlen resolves column col of slot off back to its value bytes.
func (a *Accessor) GetVarlen(b *Block, off, col int) ([]byte, error) {
	data, ok := a.AccessWithNullCheck(b, off, col)
	if !ok {
		return nil, nil
	}
	return a.pool.Get(DecodeVarlenEntry(data))
}

// ColumnBytes returns the raw per-slot data bytes for (off, col), without
// touching its null bit. Used by the compactor to relocate a tuple's
// physical storage between offsets verbatim, including a varlen column's
// encoded pool handle (the pool entry itself is untouched by the move).
func (a *Accessor) ColumnBytes(b *Block, off, col int) []byte {
	return a.columnSlot(b, off, col)
}

func (a *Accessor) presenceBitmap(b *Block) Bitmap {
	return wrapBitmap(b.Buf, b.Layout.ColumnBitmapOffset(0), b.Layout.BitmapLen())
}

func (a *Accessor) nullBitmap(b *Block, col int) Bitmap {
	return wrapBitmap(b.Buf, b.Layout.ColumnBitmapOffset(col), b.Layout.BitmapLen())
}

func (a *Accessor) columnSlot(b *Block, off, col int) []byte {
	width := b.Layout.ColumnAttrSize(col)
	base := b.Layout.ColumnDataOffset(col) + off*width
	return b.Buf[base : base+width]
}
