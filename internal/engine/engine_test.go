package engine

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/talondb/talon/internal/row"
	"github.com/talondb/talon/internal/table"
	"github.com/talondb/talon/internal/wal"
)

// memSyncWriter is the in-memory wal.SyncWriter stand-in the wal package's
// own tests use.
type memSyncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *memSyncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *memSyncWriter) Sync() error { return nil }

func (w *memSyncWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := Config{
		Tables: []TableSpec{
			{Name: "widgets", Columns: []table.Column{{ID: 0, Kind: row.KindInt64}}},
		},
	}
	e, err := New(cfg, &memSyncWriter{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Start(context.Background())
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e
}

func intRow(v int64) *row.Row {
	return row.New([]row.Column{{ID: 0, Kind: row.KindInt64, Fixed: uint64(v)}})
}

func mustIntVal(t *testing.T, r *row.Row) int64 {
	t.Helper()
	c, ok := r.Get(0)
	if !ok || c.Null {
		t.Fatalf("expected non-null column 0 in %+v", r)
	}
	return int64(c.Fixed)
}

// TestEngineSnapshotIsolationWriteConflictAndAbort covers spec.md §8
// scenarios 1 (snapshot isolation), 2 (write-write conflict) and 3 (abort
// rollback) against the assembled Engine.
func TestEngineSnapshotIsolationWriteConflictAndAbort(t *testing.T) {
	e := newTestEngine(t)
	widgets, err := e.Table("widgets")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	seed, err := e.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	slot, err := widgets.Insert(seed, intRow(1))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	e.CommitTxn(seed, nil)

	// Scenario 1: snapshot isolation. A reader begun before a writer commits
	// must keep seeing the pre-commit value even after the writer commits.
	reader, err := e.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}

	writer, err := e.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if _, err := widgets.Update(writer, slot, intRow(2)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	e.CommitTxn(writer, nil)

	r, ok, err := widgets.Select(reader, slot)
	if err != nil || !ok {
		t.Fatalf("Select(reader): ok=%v err=%v", ok, err)
	}
	if got := mustIntVal(t, r); got != 1 {
		t.Fatalf("reader's snapshot value = %d, want 1 (pre-commit)", got)
	}

	fresh, err := e.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	r, ok, err = widgets.Select(fresh, slot)
	if err != nil || !ok {
		t.Fatalf("Select(fresh): ok=%v err=%v", ok, err)
	}
	if got := mustIntVal(t, r); got != 2 {
		t.Fatalf("fresh reader's value = %d, want 2 (post-commit)", got)
	}
	e.AbortTxn(reader)
	e.AbortTxn(fresh)

	// Scenario 2: write-write conflict. Two concurrent transactions racing to
	// update the same slot: the second writer must see ErrWriteWriteConflict.
	txA, err := e.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	txB, err := e.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if _, err := widgets.Update(txA, slot, intRow(3)); err != nil {
		t.Fatalf("Update(txA): %v", err)
	}
	if _, err := widgets.Update(txB, slot, intRow(4)); err != table.ErrWriteWriteConflict {
		t.Fatalf("Update(txB) error = %v, want ErrWriteWriteConflict", err)
	}
	e.CommitTxn(txA, nil)
	e.AbortTxn(txB)

	// Scenario 3: abort rollback. An aborted transaction's write must not be
	// visible to any later reader.
	txC, err := e.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if _, err := widgets.Update(txC, slot, intRow(99)); err != nil {
		t.Fatalf("Update(txC): %v", err)
	}
	e.AbortTxn(txC)

	after, err := e.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	r, ok, err = widgets.Select(after, slot)
	if err != nil || !ok {
		t.Fatalf("Select(after abort): ok=%v err=%v", ok, err)
	}
	if got := mustIntVal(t, r); got != 3 {
		t.Fatalf("post-abort value = %d, want 3 (txC's write rolled back)", got)
	}
	e.AbortTxn(after)
}

// TestEngineRecoversCommittedWritesAfterRestart covers spec.md §8 scenario 4
// (WAL replay): rows committed before a simulated crash must reappear,
// remapped onto replay-produced slots, once Open replays the WAL bytes into
// a fresh engine.
func TestEngineRecoversCommittedWritesAfterRestart(t *testing.T) {
	out := &memSyncWriter{}
	cfg := Config{
		Tables: []TableSpec{
			{Name: "widgets", Columns: []table.Column{{ID: 0, Kind: row.KindInt64}}},
		},
	}

	e, err := New(cfg, out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Start(context.Background())

	widgets, err := e.Table("widgets")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	tx, err := e.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	if _, err := widgets.Insert(tx, intRow(10)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := widgets.Insert(tx, intRow(20)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	done := make(chan error, 1)
	e.CommitTxn(tx, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("commit durability callback: %v", err)
	}

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	recovered, err := Open(cfg, out, out.Bytes())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	recovered.Start(context.Background())
	defer recovered.Stop(context.Background())

	rt, err := recovered.Table("widgets")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	reader, err := recovered.BeginTxn()
	if err != nil {
		t.Fatalf("BeginTxn: %v", err)
	}
	defer recovered.AbortTxn(reader)

	var got []int64
	it := rt.Scan(reader)
	for {
		r, _, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, mustIntVal(t, r))
	}
	if len(got) != 2 {
		t.Fatalf("recovered rows = %v, want 2 entries", got)
	}

	sum := got[0] + got[1]
	if sum != 30 {
		t.Fatalf("recovered values sum = %d, want 30", sum)
	}
}

var _ wal.SyncWriter = (*memSyncWriter)(nil)
