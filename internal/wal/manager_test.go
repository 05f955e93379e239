package wal

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/row"
	"github.com/talondb/talon/internal/txn"
)

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

func TestManagerCommitInvokesCallbackAfterDurability(t *testing.T) {
	out := &memSyncWriter{}
	m := NewManager(Config{SerializationInterval: time.Millisecond, FlushInterval: time.Millisecond}, out)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	done := make(chan error, 1)
	after := row.New([]row.Column{{ID: 0, Kind: row.KindInt64, Fixed: 1}})
	m.Enqueue(txn.Timestamp(1), txn.Timestamp(2), []txn.RedoRecord{
		{Kind: txn.RedoWrite, TableID: 1, Slot: block.Slot{Block: 1, Offset: 0}, After: after},
	}, func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("onDurable error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("onDurable callback never fired")
	}

	if len(out.Bytes()) == 0 {
		t.Fatalf("expected WAL bytes to have been written")
	}
}

func TestManagerRecoversCommittedTransaction(t *testing.T) {
	out := &memSyncWriter{}
	m := NewManager(Config{SerializationInterval: time.Millisecond, FlushInterval: time.Millisecond}, out)
	m.Start(context.Background())

	after := row.New([]row.Column{{ID: 0, Kind: row.KindInt64, Fixed: 77}})
	done := make(chan error, 1)
	m.Enqueue(txn.Timestamp(5), txn.Timestamp(6), []txn.RedoRecord{
		{Kind: txn.RedoWrite, TableID: 3, Slot: block.Slot{Block: 2, Offset: 1}, After: after},
	}, func(err error) { done <- err })
	<-done

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	committed := Recover(out.Bytes())
	if len(committed) != 1 {
		t.Fatalf("Recover found %d transactions, want 1", len(committed))
	}
	ct := committed[0]
	if ct.BeginTS != 5 || ct.CommitTS != 6 {
		t.Fatalf("recovered txn = %+v", ct)
	}
	if len(ct.Rows) != 1 || ct.Rows[0].TableID != 3 {
		t.Fatalf("recovered rows = %+v", ct.Rows)
	}
	c, ok := ct.Rows[0].After.Get(0)
	if !ok || c.Fixed != 77 {
		t.Fatalf("recovered after-image = %+v", c)
	}
}

// failingSyncWriter fails every Write once writeFails is true, and every
// Sync once syncFails is true, simulating a disk that has started returning
// I/O errors.
type failingSyncWriter struct {
	mu         sync.Mutex
	writeFails bool
	syncFails  bool
}

func (w *failingSyncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeFails {
		return 0, fmt.Errorf("failingSyncWriter: write failed")
	}
	return len(p), nil
}

func (w *failingSyncWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.syncFails {
		return fmt.Errorf("failingSyncWriter: sync failed")
	}
	return nil
}

func TestManagerFiresDurabilityFailureOnWriteError(t *testing.T) {
	out := &failingSyncWriter{writeFails: true}
	m := NewManager(Config{SerializationInterval: time.Millisecond, FlushInterval: time.Millisecond}, out)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	done := make(chan error, 1)
	after := row.New([]row.Column{{ID: 0, Kind: row.KindInt64, Fixed: 1}})
	m.Enqueue(txn.Timestamp(1), txn.Timestamp(2), []txn.RedoRecord{
		{Kind: txn.RedoWrite, TableID: 1, Slot: block.Slot{Block: 1, Offset: 0}, After: after},
	}, func(err error) { done <- err })

	select {
	case err := <-done:
		if err != txn.ErrDurabilityFailure {
			t.Fatalf("onDurable error = %v, want txn.ErrDurabilityFailure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("onDurable callback never fired after a write failure")
	}
}

func TestManagerFiresDurabilityFailureOnSyncError(t *testing.T) {
	out := &failingSyncWriter{syncFails: true}
	m := NewManager(Config{SerializationInterval: time.Millisecond, FlushInterval: time.Millisecond}, out)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	done := make(chan error, 1)
	after := row.New([]row.Column{{ID: 0, Kind: row.KindInt64, Fixed: 1}})
	m.Enqueue(txn.Timestamp(1), txn.Timestamp(2), []txn.RedoRecord{
		{Kind: txn.RedoWrite, TableID: 1, Slot: block.Slot{Block: 1, Offset: 0}, After: after},
	}, func(err error) { done <- err })

	select {
	case err := <-done:
		if err != txn.ErrDurabilityFailure {
			t.Fatalf("onDurable error = %v, want txn.ErrDurabilityFailure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("onDurable callback never fired after a fsync failure")
	}
}

func TestRecoverDiscardsTrailingPartialPage(t *testing.T) {
	out := &memSyncWriter{}
	m := NewManager(Config{SerializationInterval: time.Millisecond, FlushInterval: time.Millisecond}, out)
	m.Start(context.Background())

	done := make(chan error, 1)
	m.Enqueue(txn.Timestamp(1), txn.Timestamp(2), nil, func(err error) { done <- err })
	<-done
	m.Stop(context.Background())

	full := out.Bytes()
	truncated := append([]byte(nil), full...)
	truncated = append(truncated, []byte{1, 2, 3}...) // a short, bogus trailing page

	committed := Recover(truncated)
	if len(committed) != 1 {
		t.Fatalf("expected the one intact transaction to survive, got %d", len(committed))
	}
}
