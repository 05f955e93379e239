// Package wal implements the Log Manager: a three-stage serializer/disk
// writer/flusher pipeline that turns committed redo buffers into a durable,
// append-only binary log, plus crash recovery parsing of that log.
//
// The on-disk record framing (size-prefixed, kind-tagged, CRC-checked)
// follows the teacher's WAL record format (internal/storage/pager/wal.go),
// generalized from fixed-size page images to self-describing variable-length
// redo bodies, and from a per-record CRC to the page-level checksum trailer
// spec.md §6 specifies.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/row"
	"github.com/talondb/talon/internal/txn"
)

// RecordKind tags a WAL record's body layout.
type RecordKind uint8

const (
	RecordWrite RecordKind = iota
	RecordDelete
	RecordCommit
	RecordAbort
)

// recordHeaderSize is the size of the common `size | kind | begin_ts` prefix
// spec.md §6 specifies (size itself is not counted in its own value).
const recordHeaderSize = 4 + 1 + 8

// crcTrailerSize is the width of the per-page checksum trailer. Spec.md §6
// calls for a u64 trailer; this implementation zero-extends a CRC32
// (Castagnoli) checksum into it rather than introduce a 64-bit checksum
// algorithm the teacher never uses anywhere in the pack — see DESIGN.md.
const crcTrailerSize = 8

// pageHeaderSize prefixes each physical page with the byte length of its
// record stream, so recovery can locate page boundaries (and thus the
// trailer that follows) without assuming a fixed disk-writer buffer size.
const pageHeaderSize = 4

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// EncodeWrite serializes a RedoWrite record: table id, slot, then the
// projected row's after-image via internal/row's wire format.
func EncodeWrite(beginTS txn.Timestamp, tableID uint64, slot block.Slot, after *row.Row) []byte {
	body := make([]byte, 0, 20+len(after.Columns)*9)
	body = appendUint64(body, tableID)
	body = appendUint64(body, uint64(slot.Block))
	body = appendUint32(body, uint32(slot.Offset))
	body = append(body, row.Encode(after)...)
	return frame(RecordWrite, beginTS, body)
}

// EncodeDelete serializes a RedoDelete record: table id and slot only.
func EncodeDelete(beginTS txn.Timestamp, tableID uint64, slot block.Slot) []byte {
	body := make([]byte, 0, 20)
	body = appendUint64(body, tableID)
	body = appendUint64(body, uint64(slot.Block))
	body = appendUint32(body, uint32(slot.Offset))
	return frame(RecordDelete, beginTS, body)
}

// EncodeCommit serializes a Commit record carrying the transaction's commit
// timestamp.
func EncodeCommit(beginTS, commitTS txn.Timestamp) []byte {
	body := appendUint64(nil, uint64(commitTS))
	return frame(RecordCommit, beginTS, body)
}

// EncodeAbort serializes an Abort record. The log manager itself never
// writes these (Manager.Abort discards the redo buffer per spec.md §4.D),
// but recovery's format accepts them for forward compatibility with any
// future caller that logs aborts explicitly.
func EncodeAbort(beginTS txn.Timestamp) []byte {
	return frame(RecordAbort, beginTS, nil)
}

func frame(kind RecordKind, beginTS txn.Timestamp, body []byte) []byte {
	size := uint32(1 + 8 + len(body))
	buf := make([]byte, 0, 4+size)
	buf = appendUint32(buf, size)
	buf = append(buf, byte(kind))
	buf = appendUint64(buf, uint64(beginTS))
	buf = append(buf, body...)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// Record is a parsed, in-memory WAL entry.
type Record struct {
	Kind     RecordKind
	BeginTS  txn.Timestamp
	TableID  uint64
	Slot     block.Slot
	After    *row.Row
	CommitTS txn.Timestamp
}

// decodeRecord parses one record starting at data[0]. It returns the
// record, the number of bytes consumed, and an error for a short read or a
// malformed record (the caller treats either as end-of-valid-log, per
// CorruptLog's truncate-the-tail semantics).
func decodeRecord(data []byte) (Record, int, error) {
	if len(data) < 4 {
		return Record{}, 0, fmt.Errorf("wal: truncated size prefix")
	}
	size := binary.LittleEndian.Uint32(data[0:4])
	total := 4 + int(size)
	if total > len(data) {
		return Record{}, 0, fmt.Errorf("wal: truncated record body")
	}
	if size < 9 {
		return Record{}, 0, fmt.Errorf("wal: record too short for header")
	}
	kind := RecordKind(data[4])
	beginTS := txn.Timestamp(binary.LittleEndian.Uint64(data[5:13]))
	body := data[13:total]

	rec := Record{Kind: kind, BeginTS: beginTS}
	switch kind {
	case RecordWrite:
		if len(body) < 20 {
			return Record{}, 0, fmt.Errorf("wal: truncated write body")
		}
		rec.TableID = binary.LittleEndian.Uint64(body[0:8])
		rec.Slot = block.Slot{Block: block.ID(binary.LittleEndian.Uint64(body[8:16])), Offset: int(binary.LittleEndian.Uint32(body[16:20]))}
		after, err := row.Decode(body[20:])
		if err != nil {
			return Record{}, 0, fmt.Errorf("wal: %w", err)
		}
		rec.After = after
	case RecordDelete:
		if len(body) < 20 {
			return Record{}, 0, fmt.Errorf("wal: truncated delete body")
		}
		rec.TableID = binary.LittleEndian.Uint64(body[0:8])
		rec.Slot = block.Slot{Block: block.ID(binary.LittleEndian.Uint64(body[8:16])), Offset: int(binary.LittleEndian.Uint32(body[16:20]))}
	case RecordCommit:
		if len(body) < 8 {
			return Record{}, 0, fmt.Errorf("wal: truncated commit body")
		}
		rec.CommitTS = txn.Timestamp(binary.LittleEndian.Uint64(body[0:8]))
	case RecordAbort:
		// no body
	default:
		return Record{}, 0, fmt.Errorf("wal: unknown record kind %d", kind)
	}
	return rec, total, nil
}

// checksumPage computes the Castagnoli CRC32 of a page's record bytes,
// zero-extended into the u64 trailer width spec.md §6 calls for.
func checksumPage(data []byte) uint64 {
	return uint64(crc32.Checksum(data, crcTable))
}
