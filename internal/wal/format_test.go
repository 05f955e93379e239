package wal

import (
	"testing"

	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/row"
	"github.com/talondb/talon/internal/txn"
)

func TestEncodeDecodeWriteRecord(t *testing.T) {
	after := row.New([]row.Column{{ID: 0, Kind: row.KindInt64, Fixed: 5}})
	slot := block.Slot{Block: 3, Offset: 7}
	buf := EncodeWrite(txn.Timestamp(10), 42, slot, after)

	rec, n, err := decodeRecord(buf)
	if err != nil {
		t.Fatalf("decodeRecord: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if rec.Kind != RecordWrite || rec.BeginTS != 10 || rec.TableID != 42 {
		t.Fatalf("rec = %+v, want Kind=Write BeginTS=10 TableID=42", rec)
	}
	if rec.Slot != slot {
		t.Fatalf("slot = %+v, want %+v", rec.Slot, slot)
	}
	c, ok := rec.After.Get(0)
	if !ok || c.Fixed != 5 {
		t.Fatalf("after image = %+v, want Fixed=5", c)
	}
}

func TestEncodeDecodeDeleteAndCommit(t *testing.T) {
	slot := block.Slot{Block: 1, Offset: 2}
	del := EncodeDelete(txn.Timestamp(4), 9, slot)
	rec, _, err := decodeRecord(del)
	if err != nil {
		t.Fatalf("decodeRecord delete: %v", err)
	}
	if rec.Kind != RecordDelete || rec.Slot != slot {
		t.Fatalf("delete rec = %+v", rec)
	}

	commit := EncodeCommit(txn.Timestamp(4), txn.Timestamp(6))
	rec2, _, err := decodeRecord(commit)
	if err != nil {
		t.Fatalf("decodeRecord commit: %v", err)
	}
	if rec2.Kind != RecordCommit || rec2.CommitTS != 6 {
		t.Fatalf("commit rec = %+v", rec2)
	}
}

func TestDecodeRecordTruncated(t *testing.T) {
	buf := EncodeCommit(txn.Timestamp(1), txn.Timestamp(2))
	if _, _, err := decodeRecord(buf[:len(buf)-2]); err == nil {
		t.Fatalf("expected error decoding truncated record")
	}
}
