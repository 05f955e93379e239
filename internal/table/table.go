// Package table implements the Data Table: a logical heap of tuples spread
// across many column-major blocks, versioned through per-slot undo chains
// managed cooperatively with internal/txn. Grounded on the teacher's
// MVCCTable (internal/storage/mvcc.go), generalized from a row-id-keyed
// version map over a row-major heap to a (block, offset) slot keyed map
// over column-major blocks.
package table

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/row"
	"github.com/talondb/talon/internal/txn"
)

// ErrWriteWriteConflict is returned by Update/Delete when the slot's version
// chain head is owned by another in-flight transaction, or was committed
// after the caller's snapshot began.
var ErrWriteWriteConflict = fmt.Errorf("table: write-write conflict")

// ErrTableFull is returned by Insert when the table's last block is full and
// the block store has no room for a new block. Earlier blocks are not
// searched for free slots.
var ErrTableFull = fmt.Errorf("table: full")

// Column describes one column of a table's schema: its stable id and
// logical kind. Column 0 is reserved by block.Layout for the presence
// bitmap but still carries real data.
type Column struct {
	ID   int
	Kind row.Kind
}

// Config holds a Table's name (its only setting; the schema is passed to New
// separately), in the teacher's one-struct-per-component style.
type Config struct {
	Name string
}

// nextNumericID hands out the stable uint64 table identities blocks carry in
// their header back-pointer and redo records use for WAL routing — a uuid.UUID
// doesn't fit in the WAL's u64 table-id field.
var nextNumericID atomic.Uint64

// Table is the Data Table: an ordered, append-only list of blocks plus a
// version-pointer map keyed by slot.
type Table struct {
	ID        uuid.UUID
	NumericID uint64
	Name      string
	Schema    []Column
	layout    *block.Layout

	store    *block.Store
	pool     *block.VarlenPool
	registry *block.ArrowRegistry
	accessor *block.Accessor

	blocksMu sync.Mutex
	blocks   []*block.Block
	nextID   atomic.Uint64

	versionsMu sync.Mutex
	versions   map[block.Slot]*atomic.Pointer[txn.UndoRecord]
}

// New builds an empty table over schema, backed by store for block
// allocation.
func New(cfg Config, schema []Column, store *block.Store) (*Table, error) {
	cols := make([]block.ColumnDesc, len(schema))
	for i, c := range schema {
		cols[i] = block.ColumnDesc{AttrSize: uint8(c.Kind.AttrSize()), Varlen: c.Kind == row.KindVarlen}
	}
	layout, err := block.NewLayout(cols)
	if err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}

	t := &Table{
		ID:        uuid.New(),
		NumericID: nextNumericID.Add(1),
		Name:      cfg.Name,
		Schema:    append([]Column(nil), schema...),
		layout:    layout,
		store:     store,
		pool:      block.NewVarlenPool(),
		registry:  block.NewArrowRegistry(),
		versions:  make(map[block.Slot]*atomic.Pointer[txn.UndoRecord]),
	}
	t.accessor = block.NewAccessor(t.pool, t.registry)
	return t, nil
}

// Accessor exposes the table's Tuple Access Strategy, for the compactor and
// GC to drive directly.
func (t *Table) Accessor() *block.Accessor { return t.accessor }

// Blocks returns a snapshot of the table's current block list.
func (t *Table) Blocks() []*block.Block {
	t.blocksMu.Lock()
	defer t.blocksMu.Unlock()
	return append([]*block.Block(nil), t.blocks...)
}

// LayoutNumSlots returns the number of tuple slots per block under this
// table's schema, for callers (tests, capacity planning) that need to reason
// about how many inserts fill one block.
func (t *Table) LayoutNumSlots() int { return t.layout.NumSlots }

// Stats reports the block count and aggregate live/empty slot counts across
// all blocks. The compactor does not consult it.
type Stats struct {
	NumBlocks  int
	LiveSlots  int
	EmptySlots int
}

// Stats computes current aggregate occupancy.
func (t *Table) Stats() Stats {
	blocks := t.Blocks()
	var s Stats
	s.NumBlocks = len(blocks)
	for _, b := range blocks {
		live := b.LiveCount()
		s.LiveSlots += live
		s.EmptySlots += t.layout.NumSlots - live
	}
	return s
}

// CompactBlock densifies b: any live slot whose version chain is empty (no
// undo record outstanding, so no snapshot can still need an older value) is
// relocated from a high offset down into the lowest free offset below it.
// Returns the number of tuples moved. Grounded on the teacher's
// SlottedPage.Compact (internal/storage/pager/slotted_page.go), generalized
// from "no gaps from deletions" to "no gaps, and only relocate tuples with
// no outstanding version history" since a block-organized table's slot
// identity is part of a live version pointer's key.
func (t *Table) CompactBlock(b *block.Block) int {
	moved := 0
	lo := 0
	for hi := b.Layout.NumSlots - 1; hi > lo; hi-- {
		if !t.accessor.IsPresent(b, hi) {
			continue
		}
		vp := t.versionHead(block.Slot{Block: b.ID, Offset: hi})
		if vp.Load() != nil {
			continue // reachable by some snapshot's undo walk; cannot move
		}
		for lo < hi && t.accessor.IsPresent(b, lo) {
			lo++
		}
		if lo >= hi {
			break
		}
		t.relocateSlot(b, hi, lo)
		moved++
		lo++
	}
	return moved
}

// relocateSlot copies every column's raw bytes and null bit from src to dst
// within b, flips presence accordingly, and drops src's (already-empty)
// version pointer entry.
func (t *Table) relocateSlot(b *block.Block, src, dst int) {
	for col := 0; col < len(b.Layout.Columns); col++ {
		copy(t.accessor.ColumnBytes(b, dst, col), t.accessor.ColumnBytes(b, src, col))
		if col == 0 {
			continue // presence itself, handled below
		}
		if t.accessor.ColumnNullBitmap(b, col).Get(src) {
			t.accessor.ColumnNullBitmap(b, col).Set(dst)
		} else {
			t.accessor.ColumnNullBitmap(b, col).Clear(dst)
		}
	}
	t.accessor.ClearPresence(b, src)
	t.accessor.RestorePresence(b, dst)

	t.versionsMu.Lock()
	delete(t.versions, block.Slot{Block: b.ID, Offset: src})
	t.versionsMu.Unlock()
}

// ReleaseEmptyBlock evicts b from the table's block list and returns its
// buffer to the block store's reuse pool, per spec.md §3's Block lifecycle
// ("released only after every slot is either empty or moved and no version
// chain references it"). Reports whether b was released; false if b still
// has live slots, still has an outstanding version chain, or is the table's
// only block — evicting the last block would force the very next Insert to
// pay for a fresh Store.Get it could otherwise have avoided.
func (t *Table) ReleaseEmptyBlock(b *block.Block) bool {
	if b.LiveCount() != 0 || !t.BlockVersionChainsEmpty(b) {
		return false
	}

	t.blocksMu.Lock()
	if len(t.blocks) <= 1 {
		t.blocksMu.Unlock()
		return false
	}
	idx := -1
	for i, blk := range t.blocks {
		if blk.ID == b.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.blocksMu.Unlock()
		return false
	}
	t.blocks = append(t.blocks[:idx], t.blocks[idx+1:]...)
	t.blocksMu.Unlock()

	t.versionsMu.Lock()
	for off := 0; off < b.Layout.NumSlots; off++ {
		delete(t.versions, block.Slot{Block: b.ID, Offset: off})
	}
	t.versionsMu.Unlock()

	t.store.Release(b.Buf)
	return true
}

// VarlenColumnValues returns the decoded value (nil for null or absent slots)
// of column col across every slot of b, in offset order — the per-column
// input the compactor's gather pass feeds to block.GatherVarlen /
// block.GatherDictionary.
func (t *Table) VarlenColumnValues(b *block.Block, col int) ([][]byte, error) {
	values := make([][]byte, b.Layout.NumSlots)
	for off := 0; off < b.Layout.NumSlots; off++ {
		if !t.accessor.IsPresent(b, off) {
			continue
		}
		v, err := t.accessor.GetVarlen(b, off, col)
		if err != nil {
			return nil, err
		}
		values[off] = v
	}
	return values, nil
}

func (t *Table) allocateBlock() *block.Block {
	buf, err := t.store.Get()
	if err != nil {
		log.Printf("table %s: block store exhausted: %v", t.Name, err)
		return nil
	}
	id := block.ID(t.nextID.Add(1))
	b := block.New(id, buf, t.layout, t.NumericID)
	t.blocksMu.Lock()
	t.blocks = append(t.blocks, b)
	t.blocksMu.Unlock()
	return b
}

// BlockVersionChainsEmpty reports whether every slot of b has no outstanding
// version pointer, i.e. is unreachable by any undo walk. This is the
// authoritative Hot/Cold test: unlike versionHead, it never creates a map
// entry for a slot that has no version history, so scanning every slot of a
// block for the compactor's cold check doesn't leak t.versions.
func (t *Table) BlockVersionChainsEmpty(b *block.Block) bool {
	t.versionsMu.Lock()
	defer t.versionsMu.Unlock()
	for off := 0; off < b.Layout.NumSlots; off++ {
		vp, ok := t.versions[block.Slot{Block: b.ID, Offset: off}]
		if ok && vp.Load() != nil {
			return false
		}
	}
	return true
}

func (t *Table) versionHead(slot block.Slot) *atomic.Pointer[txn.UndoRecord] {
	t.versionsMu.Lock()
	defer t.versionsMu.Unlock()
	vp, ok := t.versions[slot]
	if !ok {
		vp = &atomic.Pointer[txn.UndoRecord]{}
		t.versions[slot] = vp
	}
	return vp
}

// Insert allocates a slot from the last block (adding a new block under the
// block-list latch if needed), writes the after-image, installs an
// insert-typed undo record at the version-pointer head, and appends a redo
// record.
func (t *Table) Insert(tr *txn.Txn, r *row.Row) (block.Slot, error) {
	var b *block.Block
	var slot block.Slot
	var err error

	for {
		t.blocksMu.Lock()
		if len(t.blocks) == 0 {
			t.blocksMu.Unlock()
			if b = t.allocateBlock(); b == nil {
				return block.Slot{}, ErrTableFull
			}
			continue
		}
		b = t.blocks[len(t.blocks)-1]
		t.blocksMu.Unlock()

		slot, err = t.accessor.Allocate(b)
		if err == nil {
			break
		}
		if b = t.allocateBlock(); b == nil {
			return block.Slot{}, ErrTableFull
		}
	}

	t.writeRow(b, slot.Offset, r)
	b.Touch(uint64(tr.ID()))
	tr.AddOnCommit(func(ts txn.Timestamp) { b.Touch(uint64(ts)) })

	vp := t.versionHead(slot)
	var rec *txn.UndoRecord
	rec = txn.NewUndoRecord(tr.ID(), txn.UndoInsert, slot, nil, nil,
		func(*row.Row) { t.accessor.ClearPresence(b, slot.Offset) },
		func(next *txn.UndoRecord) { vp.CompareAndSwap(rec, next) },
	)
	vp.Store(rec)
	tr.AddUndo(rec)
	tr.AddRedo(txn.RedoRecord{Kind: txn.RedoWrite, TableID: uint64(b.TableID()), Slot: slot, After: r})

	return slot, nil
}

// Update reads the current version pointer, applies the write-write
// conflict rule, captures a narrow before-image of just the updated
// columns, CAS-links a new undo record at the chain head, applies the new
// values in place, and appends a redo record.
func (t *Table) Update(tr *txn.Txn, slot block.Slot, r *row.Row) (bool, error) {
	b := t.blockByID(slot.Block)
	if b == nil {
		return false, fmt.Errorf("table: unknown block %d", slot.Block)
	}
	vp := t.versionHead(slot)

	for {
		head := vp.Load()
		if conflicts(head, tr) {
			return false, ErrWriteWriteConflict
		}

		before := t.readColumns(b, slot.Offset, columnIDs(r))
		var rec *txn.UndoRecord
		rec = txn.NewUndoRecord(tr.ID(), txn.UndoUpdate, slot, before, head,
			func(bi *row.Row) { t.writeRow(b, slot.Offset, bi) },
			func(next *txn.UndoRecord) { vp.CompareAndSwap(rec, next) },
		)
		if !vp.CompareAndSwap(head, rec) {
			continue
		}

		t.writeRow(b, slot.Offset, r)
		b.Touch(uint64(tr.ID()))
		tr.AddOnCommit(func(ts txn.Timestamp) { b.Touch(uint64(ts)) })
		tr.AddUndo(rec)
		tr.AddRedo(txn.RedoRecord{Kind: txn.RedoWrite, TableID: uint64(b.TableID()), Slot: slot, After: r})
		return true, nil
	}
}

// Delete applies the same conflict rule as Update, installs a delete-marker
// undo record, clears the presence bit, and appends a redo record.
func (t *Table) Delete(tr *txn.Txn, slot block.Slot) (bool, error) {
	b := t.blockByID(slot.Block)
	if b == nil {
		return false, fmt.Errorf("table: unknown block %d", slot.Block)
	}
	vp := t.versionHead(slot)

	for {
		head := vp.Load()
		if conflicts(head, tr) {
			return false, ErrWriteWriteConflict
		}

		var rec *txn.UndoRecord
		rec = txn.NewUndoRecord(tr.ID(), txn.UndoDelete, slot, nil, head,
			func(*row.Row) { t.accessor.RestorePresence(b, slot.Offset) },
			func(next *txn.UndoRecord) { vp.CompareAndSwap(rec, next) },
		)
		if !vp.CompareAndSwap(head, rec) {
			continue
		}

		t.accessor.ClearPresence(b, slot.Offset)
		b.Touch(uint64(tr.ID()))
		tr.AddOnCommit(func(ts txn.Timestamp) { b.Touch(uint64(ts)) })
		tr.AddUndo(rec)
		tr.AddRedo(txn.RedoRecord{Kind: txn.RedoDelete, TableID: uint64(b.TableID()), Slot: slot})
		return true, nil
	}
}

// Select walks the version chain from the head, applying before-images
// until it reaches a version visible to tr's snapshot, and reports whether
// the slot is visible at all.
func (t *Table) Select(tr *txn.Txn, slot block.Slot) (*row.Row, bool, error) {
	b := t.blockByID(slot.Block)
	if b == nil {
		return nil, false, fmt.Errorf("table: unknown block %d", slot.Block)
	}

	allIDs := make([]int, len(t.Schema))
	for i, c := range t.Schema {
		allIDs[i] = c.ID
	}
	result := t.readColumns(b, slot.Offset, allIDs)
	present := t.accessor.IsPresent(b, slot.Offset)

	node := t.versionHead(slot).Load()
	for node != nil {
		ts := node.Timestamp()
		if ts == tr.ID() {
			break
		}
		if !ts.IsUncommitted() && ts <= tr.BeginTS {
			break
		}
		switch node.Kind {
		case txn.UndoDelete:
			present = true
		case txn.UndoInsert:
			present = false
		case txn.UndoUpdate:
			for _, c := range node.Before.Columns {
				setColumn(result, c)
			}
		}
		if node.Kind == txn.UndoInsert {
			node = nil
			break
		}
		node = node.Next
	}

	if !present {
		return nil, false, nil
	}
	return result, true, nil
}

// Iterator lazily yields visible rows from a Scan.
type Iterator struct {
	t      *Table
	tr     *txn.Txn
	blocks []*block.Block
	bi     int
	off    int
}

// Scan returns a restartable, lazy iterator over every slot, left to the
// caller to advance with Next.
func (t *Table) Scan(tr *txn.Txn) *Iterator {
	return &Iterator{t: t, tr: tr, blocks: t.Blocks()}
}

// Next advances the iterator and returns the next visible row and its slot,
// or ok == false when the scan is exhausted.
func (it *Iterator) Next() (*row.Row, block.Slot, bool) {
	for it.bi < len(it.blocks) {
		b := it.blocks[it.bi]
		for it.off < b.Layout.NumSlots {
			slot := block.Slot{Block: b.ID, Offset: it.off}
			it.off++
			r, ok, err := it.t.Select(it.tr, slot)
			if err != nil || !ok {
				continue
			}
			return r, slot, true
		}
		it.bi++
		it.off = 0
	}
	return nil, block.Slot{}, false
}

func (t *Table) blockByID(id block.ID) *block.Block {
	t.blocksMu.Lock()
	defer t.blocksMu.Unlock()
	for _, b := range t.blocks {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func (t *Table) colKind(id int) row.Kind {
	for _, c := range t.Schema {
		if c.ID == id {
			return c.Kind
		}
	}
	return row.KindInt64
}

func (t *Table) colIndex(id int) int {
	for i, c := range t.Schema {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// writeRow applies r's columns as the after-image at (b, off), routing
// varlen columns through the shared pool.
func (t *Table) writeRow(b *block.Block, off int, r *row.Row) {
	if r == nil {
		return
	}
	for _, c := range r.Columns {
		idx := t.colIndex(c.ID)
		if idx < 0 {
			continue
		}
		if c.Null {
			t.accessor.SetNull(b, off, idx)
			continue
		}
		if c.Kind == row.KindVarlen {
			t.accessor.PutVarlen(b, off, idx, c.Varlen)
			continue
		}
		dst := t.accessor.AccessForceNotNull(b, off, idx)
		putFixed(dst, c.Kind, c.Fixed)
	}
}

// readColumns captures the current values of the given column ids at
// (b, off) as a narrow Row.
func (t *Table) readColumns(b *block.Block, off int, ids []int) *row.Row {
	cols := make([]row.Column, 0, len(ids))
	for _, id := range ids {
		idx := t.colIndex(id)
		if idx < 0 {
			continue
		}
		kind := t.colKind(id)
		data, ok := t.accessor.AccessWithNullCheck(b, off, idx)
		if !ok {
			cols = append(cols, row.Column{ID: id, Kind: kind, Null: true})
			continue
		}
		if kind == row.KindVarlen {
			val, err := t.pool.Get(block.DecodeVarlenEntry(data))
			if err != nil {
				cols = append(cols, row.Column{ID: id, Kind: kind, Null: true})
				continue
			}
			cols = append(cols, row.Column{ID: id, Kind: kind, Varlen: append([]byte(nil), val...)})
			continue
		}
		cols = append(cols, row.Column{ID: id, Kind: kind, Fixed: getFixed(data, kind)})
	}
	return row.New(cols)
}

func columnIDs(r *row.Row) []int {
	ids := make([]int, len(r.Columns))
	for i, c := range r.Columns {
		ids[i] = c.ID
	}
	return ids
}

func setColumn(r *row.Row, c row.Column) {
	for i := range r.Columns {
		if r.Columns[i].ID == c.ID {
			r.Columns[i] = c
			return
		}
	}
	r.Columns = append(r.Columns, c)
}

func conflicts(head *txn.UndoRecord, tr *txn.Txn) bool {
	if head == nil {
		return false
	}
	ts := head.Timestamp()
	if ts == tr.ID() {
		return false
	}
	if ts.IsUncommitted() {
		return true
	}
	return ts > tr.BeginTS
}

func putFixed(dst []byte, kind row.Kind, v uint64) {
	switch kind {
	case row.KindInt8:
		dst[0] = byte(v)
	case row.KindInt16:
		dst[0] = byte(v)
		dst[1] = byte(v >> 8)
	case row.KindInt32:
		for i := 0; i < 4; i++ {
			dst[i] = byte(v >> (8 * i))
		}
	default:
		for i := 0; i < 8; i++ {
			dst[i] = byte(v >> (8 * i))
		}
	}
}

func getFixed(data []byte, kind row.Kind) uint64 {
	var v uint64
	switch kind {
	case row.KindInt8:
		v = uint64(data[0])
	case row.KindInt16:
		v = uint64(data[0]) | uint64(data[1])<<8
	case row.KindInt32:
		for i := 0; i < 4; i++ {
			v |= uint64(data[i]) << (8 * i)
		}
	default:
		for i := 0; i < 8; i++ {
			v |= uint64(data[i]) << (8 * i)
		}
	}
	return v
}
