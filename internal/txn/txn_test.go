package txn

import (
	"testing"

	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/row"
)

type fakeLog struct {
	calls []struct {
		begin, commit Timestamp
		n             int
	}
}

func (f *fakeLog) Enqueue(beginTS, commitTS Timestamp, redo []RedoRecord, onDurable func(error)) {
	f.calls = append(f.calls, struct {
		begin, commit Timestamp
		n             int
	}{beginTS, commitTS, len(redo)})
	if onDurable != nil {
		onDurable(nil)
	}
}

func TestBeginAssignsIncreasingTimestamps(t *testing.T) {
	m := NewManager(Config{}, nil)
	a := m.Begin()
	b := m.Begin()
	if !(a.BeginTS < b.BeginTS) {
		t.Fatalf("begin timestamps not increasing: %d, %d", a.BeginTS, b.BeginTS)
	}
	if !a.ID().IsUncommitted() {
		t.Fatalf("fresh txn id should carry the uncommitted marker")
	}
}

func TestCommitFlipsUndoTimestampsAndClearsUncommittedMarker(t *testing.T) {
	fl := &fakeLog{}
	m := NewManager(Config{}, fl)
	tx := m.Begin()

	u := NewUndoRecord(tx.ID(), UndoInsert, block.Slot{Block: 1, Offset: 0}, nil, nil, nil, nil)
	tx.AddUndo(u)
	tx.AddRedo(RedoRecord{Kind: RedoWrite, TableID: 1, Slot: block.Slot{Block: 1, Offset: 0}})

	var durableErr error
	called := false
	commitTS := m.Commit(tx, func(err error) { called = true; durableErr = err })

	if !called {
		t.Fatalf("onDurable was not invoked")
	}
	if durableErr != nil {
		t.Fatalf("unexpected durability error: %v", durableErr)
	}
	if u.Timestamp().IsUncommitted() {
		t.Fatalf("undo record should no longer carry the uncommitted marker")
	}
	if u.Timestamp() != commitTS {
		t.Fatalf("undo timestamp = %d, want commit ts %d", u.Timestamp(), commitTS)
	}
	if tx.ID() != commitTS {
		t.Fatalf("txn id after commit = %d, want %d", tx.ID(), commitTS)
	}
	if m.RunningCount() != 0 {
		t.Fatalf("committed txn should leave the running set")
	}
	if len(fl.calls) != 1 || fl.calls[0].n != 1 {
		t.Fatalf("expected one log handoff with one redo record, got %+v", fl.calls)
	}
}

func TestReadOnlyCommitSkipsLogHandoff(t *testing.T) {
	fl := &fakeLog{}
	m := NewManager(Config{}, fl)
	tx := m.Begin()

	called := false
	m.Commit(tx, func(error) { called = true })

	if !called {
		t.Fatalf("read-only commit should still invoke onDurable inline")
	}
	if len(fl.calls) != 0 {
		t.Fatalf("read-only commit should not reach the log manager, got %d calls", len(fl.calls))
	}
}

func TestAbortRestoresBeforeImagesInLIFOOrder(t *testing.T) {
	m := NewManager(Config{}, nil)
	tx := m.Begin()

	var applied []int
	mkUndo := func(n int) *UndoRecord {
		return NewUndoRecord(tx.ID(), UndoUpdate, block.Slot{Block: 1, Offset: n}, nil, nil,
			func(*row.Row) { applied = append(applied, n) }, func(*UndoRecord) {})
	}
	tx.AddUndo(mkUndo(1))
	tx.AddUndo(mkUndo(2))
	tx.AddUndo(mkUndo(3))

	m.Abort(tx)

	if len(applied) != 3 || applied[0] != 3 || applied[1] != 2 || applied[2] != 1 {
		t.Fatalf("expected LIFO apply order [3,2,1], got %v", applied)
	}
	if m.RunningCount() != 0 {
		t.Fatalf("aborted txn should leave the running set")
	}
}

func TestOldestActiveBeginTS(t *testing.T) {
	m := NewManager(Config{}, nil)
	a := m.Begin()
	_ = m.Begin()

	if got := m.OldestActiveBeginTS(); got != a.BeginTS {
		t.Fatalf("OldestActiveBeginTS = %d, want %d", got, a.BeginTS)
	}

	m.Commit(a, nil)
	b2 := m.OldestActiveBeginTS()
	if b2 == a.BeginTS {
		t.Fatalf("OldestActiveBeginTS should advance past a committed txn")
	}
}
