// Package row implements the Projected Row: a contiguous, self-describing
// tuple fragment that is the unit of read, write, undo and redo across the
// storage engine. Its wire format generalizes the teacher's compact binary
// row codec (internal/storage/pager/row_codec.go) from a schemaless
// column-count-prefixed list of tagged values to a fixed column-id-plus-type
// schema matching a table's block.Layout, with a null bitmap standing in for
// the codec's per-value nil tag.
package row

import (
	"encoding/binary"
	"fmt"

	"github.com/talondb/talon/internal/block"
)

// Kind tags a column's logical type, independent of its physical attribute
// size, so callers can interpret a Column's value without consulting the
// table schema.
type Kind uint8

const (
	KindInt8 Kind = iota
	KindInt16
	KindInt32
	KindInt64
	KindVarlen
)

// AttrSize returns the physical byte width k occupies in a block's fixed
// column array (varlen columns use block.VarlenEntrySize).
func (k Kind) AttrSize() int {
	switch k {
	case KindInt8:
		return 1
	case KindInt16:
		return 2
	case KindInt32:
		return 4
	case KindInt64:
		return 8
	case KindVarlen:
		return block.VarlenEntrySize
	default:
		return 0
	}
}

// Column is one entry in a Row's schema: a column id, its logical kind, and
// (for fixed-width columns) its value, or (for varlen columns) its raw bytes.
type Column struct {
	ID     int
	Kind   Kind
	Null   bool
	Fixed  uint64 // valid for fixed-width kinds when !Null
	Varlen []byte // valid for KindVarlen when !Null
}

// Row is a sorted-by-column-id, self-describing tuple fragment: exactly the
// "Projected Row" of spec.md §3. Narrow rows (e.g. an update's before-image)
// name only the columns they touch.
type Row struct {
	Columns []Column
}

// New builds a Row from columns, sorting them by ID as the wire format
// requires.
func New(columns []Column) *Row {
	r := &Row{Columns: append([]Column(nil), columns...)}
	sortColumns(r.Columns)
	return r
}

func sortColumns(cols []Column) {
	for i := 1; i < len(cols); i++ {
		for j := i; j > 0 && cols[j].ID < cols[j-1].ID; j-- {
			cols[j], cols[j-1] = cols[j-1], cols[j]
		}
	}
}

// Get returns the column with the given id, if present in this row.
func (r *Row) Get(id int) (Column, bool) {
	for _, c := range r.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// Encode serializes r into the self-describing byte stream spec.md §4.E
// specifies for redo bodies: num_cols | col_ids | null_bitmap | column
// values, where each column id is a u32 followed by a one-byte Kind tag,
// each fixed value is attr_size raw bytes and each varlen value is
// [size | bytes].
func Encode(r *Row) []byte {
	buf := make([]byte, 0, 4+len(r.Columns)*9)

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(r.Columns)))
	buf = append(buf, hdr[:]...)

	for _, c := range r.Columns {
		var idb [4]byte
		binary.LittleEndian.PutUint32(idb[:], uint32(c.ID))
		buf = append(buf, idb[:]...)
		buf = append(buf, byte(c.Kind))
	}

	nullBytes := (len(r.Columns) + 7) / 8
	nullBitmap := make([]byte, nullBytes)
	for i, c := range r.Columns {
		if !c.Null {
			nullBitmap[i/8] |= 1 << uint(i%8)
		}
	}
	buf = append(buf, nullBitmap...)

	for _, c := range r.Columns {
		if c.Null {
			continue
		}
		switch c.Kind {
		case KindVarlen:
			var lb [4]byte
			binary.LittleEndian.PutUint32(lb[:], uint32(len(c.Varlen)))
			buf = append(buf, lb[:]...)
			buf = append(buf, c.Varlen...)
		default:
			width := c.Kind.AttrSize()
			var vb [8]byte
			binary.LittleEndian.PutUint64(vb[:], c.Fixed)
			buf = append(buf, vb[:width]...)
		}
	}
	return buf
}

// Decode parses the byte stream Encode produces back into a Row.
func Decode(data []byte) (*Row, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("row: truncated header")
	}
	numCols := int(binary.LittleEndian.Uint32(data[0:4]))
	off := 4

	type colHdr struct {
		id   int
		kind Kind
	}
	hdrs := make([]colHdr, numCols)
	for i := 0; i < numCols; i++ {
		if off+5 > len(data) {
			return nil, fmt.Errorf("row: truncated column header at %d", i)
		}
		id := int(binary.LittleEndian.Uint32(data[off : off+4]))
		kind := Kind(data[off+4])
		hdrs[i] = colHdr{id: id, kind: kind}
		off += 5
	}

	nullBytes := (numCols + 7) / 8
	if off+nullBytes > len(data) {
		return nil, fmt.Errorf("row: truncated null bitmap")
	}
	nullBitmap := data[off : off+nullBytes]
	off += nullBytes

	cols := make([]Column, numCols)
	for i, h := range hdrs {
		nonNull := nullBitmap[i/8]&(1<<uint(i%8)) != 0
		c := Column{ID: h.id, Kind: h.kind, Null: !nonNull}
		if nonNull {
			switch h.kind {
			case KindVarlen:
				if off+4 > len(data) {
					return nil, fmt.Errorf("row: truncated varlen length at column %d", i)
				}
				size := int(binary.LittleEndian.Uint32(data[off : off+4]))
				off += 4
				if off+size > len(data) {
					return nil, fmt.Errorf("row: truncated varlen body at column %d", i)
				}
				c.Varlen = append([]byte(nil), data[off:off+size]...)
				off += size
			default:
				width := h.kind.AttrSize()
				if off+width > len(data) {
					return nil, fmt.Errorf("row: truncated fixed value at column %d", i)
				}
				var vb [8]byte
				copy(vb[:width], data[off:off+width])
				c.Fixed = binary.LittleEndian.Uint64(vb[:])
				off += width
			}
		}
		cols[i] = c
	}
	return &Row{Columns: cols}, nil
}
