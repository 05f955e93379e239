package wal

import (
	"encoding/binary"

	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/row"
	"github.com/talondb/talon/internal/txn"
)

// ReplayRow is one write or delete belonging to a recovered, committed
// transaction, in the order it was originally applied.
type ReplayRow struct {
	TableID uint64
	OldSlot block.Slot
	After   *row.Row // nil for a delete
	Delete  bool
}

// CommittedTxn is a fully recovered transaction: every write/delete it made,
// ready for replay against fresh tables.
type CommittedTxn struct {
	BeginTS  txn.Timestamp
	CommitTS txn.Timestamp
	Rows     []ReplayRow
}

// Recover scans data — the raw bytes of a WAL file, page length prefixes and
// checksum trailers included — and returns every transaction whose COMMIT
// record was found intact, in commit order. Transactions with no COMMIT
// record, or explicitly aborted, are discarded along with their buffered
// records. A short, truncated or checksum-mismatched trailing page stops the
// scan at that page (spec.md §7's CorruptLog semantics: recovery stops at
// the bad record, the tail is discarded) rather than failing outright.
func Recover(data []byte) []CommittedTxn {
	type txState struct {
		rows    []ReplayRow
		aborted bool
	}
	pending := make(map[txn.Timestamp]*txState)
	var committed []CommittedTxn

	off := 0
	for {
		page, next, ok := readPage(data, off)
		if !ok {
			break
		}
		off = next

		recOff := 0
		for recOff < len(page) {
			rec, n, err := decodeRecord(page[recOff:])
			if err != nil {
				return committed
			}
			st, exists := pending[rec.BeginTS]
			if !exists {
				st = &txState{}
				pending[rec.BeginTS] = st
			}
			switch rec.Kind {
			case RecordWrite:
				st.rows = append(st.rows, ReplayRow{TableID: rec.TableID, OldSlot: rec.Slot, After: rec.After})
			case RecordDelete:
				st.rows = append(st.rows, ReplayRow{TableID: rec.TableID, OldSlot: rec.Slot, Delete: true})
			case RecordAbort:
				st.aborted = true
			case RecordCommit:
				if !st.aborted {
					committed = append(committed, CommittedTxn{BeginTS: rec.BeginTS, CommitTS: rec.CommitTS, Rows: st.rows})
				}
				delete(pending, rec.BeginTS)
			}
			recOff += n
		}
	}
	return committed
}

// readPage parses the page-length-prefixed, checksum-trailed physical page
// starting at off, returning its record bytes and the offset of the next
// page. ok is false once data is exhausted or the next page is truncated or
// fails its checksum — both truncate recovery per CorruptLog semantics.
func readPage(data []byte, off int) (page []byte, next int, ok bool) {
	if off >= len(data) {
		return nil, 0, false
	}
	if off+pageHeaderSize > len(data) {
		return nil, 0, false
	}
	size := int(binary.LittleEndian.Uint32(data[off : off+pageHeaderSize]))
	start := off + pageHeaderSize
	end := start + size
	trailerEnd := end + crcTrailerSize
	if trailerEnd > len(data) {
		return nil, 0, false
	}
	page = data[start:end]
	want := checksumPage(page)
	var got uint64
	for i := 0; i < crcTrailerSize; i++ {
		got |= uint64(data[end+i]) << (8 * i)
	}
	if got != want {
		return nil, 0, false
	}
	return page, trailerEnd, true
}
