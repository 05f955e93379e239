package gc

import (
	"testing"

	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/row"
	"github.com/talondb/talon/internal/table"
	"github.com/talondb/talon/internal/txn"
)

func newIntTable(t *testing.T) (*table.Table, *txn.Manager) {
	t.Helper()
	store := block.NewStore(block.StoreConfig{SizeLimit: 8})
	tbl, err := table.New(table.Config{Name: "t"}, []table.Column{{ID: 0, Kind: row.KindInt64}}, store)
	if err != nil {
		t.Fatalf("table.New: %v", err)
	}
	mgr := txn.NewManager(txn.Config{}, nil)
	return tbl, mgr
}

func intRow(v int64) *row.Row {
	return row.New([]row.Column{{ID: 0, Kind: row.KindInt64, Fixed: uint64(v)}})
}

// Scenario 5 from spec.md §8: GC liveness. An update's undo record should be
// unlinked (before-image released) once no running snapshot predates it, and
// fully forgotten one cycle later.
func TestRunCycleReclaimsUndoRecordsOnceUnobserved(t *testing.T) {
	tbl, mgr := newIntTable(t)
	coll := NewCollector(Config{}, mgr)

	seed := mgr.Begin()
	slot, err := tbl.Insert(seed, intRow(1))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	mgr.Commit(seed, nil)

	a := mgr.Begin()
	if ok, err := tbl.Update(a, slot, intRow(2)); err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	mgr.Commit(a, nil)

	if n := mgr.RunningCount(); n != 0 {
		t.Fatalf("expected no running transactions, got %d", n)
	}

	first := coll.RunCycle()
	if first.Unlinked != 2 {
		// the seed insert and the update's commit both enqueue to GC
		t.Fatalf("cycle 1: unlinked=%d, want 2", first.Unlinked)
	}
	if first.Deallocated != 0 {
		t.Fatalf("cycle 1: deallocated=%d, want 0 (nothing queued yet)", first.Deallocated)
	}

	second := coll.RunCycle()
	if second.Deallocated != 2 {
		t.Fatalf("cycle 2: deallocated=%d, want 2", second.Deallocated)
	}
}

// A transaction committed after an active reader's snapshot began must not
// be unlinked until that reader finishes.
func TestRunCycleDefersUnlinkWhileReaderActive(t *testing.T) {
	tbl, mgr := newIntTable(t)
	coll := NewCollector(Config{}, mgr)

	seed := mgr.Begin()
	slot, _ := tbl.Insert(seed, intRow(1))
	mgr.Commit(seed, nil)

	// Drain the seed insert's GC entry before the part under test, so the
	// next cycle's counts reflect only the update below.
	coll.RunCycle()
	coll.RunCycle()

	reader := mgr.Begin() // snapshot predates the next update's commit

	a := mgr.Begin()
	if ok, err := tbl.Update(a, slot, intRow(2)); err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}
	mgr.Commit(a, nil)

	res := coll.RunCycle()
	if res.Unlinked != 0 {
		t.Fatalf("expected the update's undo record to stay pinned while reader is active, unlinked=%d", res.Unlinked)
	}

	if _, ok, err := tbl.Select(reader, slot); err != nil || !ok {
		t.Fatalf("reader select: ok=%v err=%v", ok, err)
	}
	mgr.Commit(reader, nil) // reader finishes; oldest active advances past it

	res2 := coll.RunCycle()
	if res2.Unlinked == 0 {
		t.Fatalf("expected unlink once the pinned reader finishes")
	}
}
