// Package txn implements the Transaction Manager and MVCC protocol: begin
// and commit timestamps drawn from a single monotonic counter, version
// chains of undo records threaded through slots owned by internal/table,
// and the commit/abort state machine.
//
// What: hands out begin/commit timestamps, flips undo-record timestamps at
// commit, restores before-images at abort, and hands committed redo buffers
// to the log manager.
// How: a single atomic uint64 counter under a commit latch taken in shared
// mode for begin and exclusive mode for commit, matching the teacher's
// MVCCManager (internal/storage/mvcc.go) generalized from per-row XMin/XMax
// fields to an explicit version-chain undo record.
package txn

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/row"
)

// Timestamp is a 64-bit begin or commit timestamp. The high bit marks an
// in-flight transaction's transient id (Invariant 3 of spec.md §3).
type Timestamp uint64

// HighBit marks a Timestamp as a transient (uncommitted) transaction id.
const HighBit Timestamp = 1 << 63

// IsUncommitted reports whether ts is a transient transaction id rather than
// a published commit timestamp.
func (ts Timestamp) IsUncommitted() bool { return ts&HighBit != 0 }

// UndoKind discriminates an UndoRecord's mutation type.
type UndoKind uint8

const (
	UndoInsert UndoKind = iota
	UndoUpdate
	UndoDelete
)

// UndoRecord is a version-chain node: a before-image plus the hooks needed
// to restore it (on abort) or unlink it (on abort/GC) without the txn
// package needing to know how internal/table represents a version pointer.
// The apply/unlink closures are installed by Table.Insert/Update/Delete at
// the moment the record is CAS-linked onto the chain head — this keeps the
// "owning slot" coupling in internal/table, where the version pointer lives,
// per spec.md §3's ownership split between the undo-record arena (txn) and
// the slot (table).
type UndoRecord struct {
	ts     atomic.Uint64
	Kind   UndoKind
	Slot   block.Slot
	Before *row.Row
	Next   *UndoRecord

	apply  func(before *row.Row)
	unlink func(next *UndoRecord)
}

// NewUndoRecord creates a record owned by txn with id as its transient
// timestamp. apply restores before into the slot; unlink CASes the version
// pointer past this record.
func NewUndoRecord(id Timestamp, kind UndoKind, slot block.Slot, before *row.Row, next *UndoRecord, apply func(*row.Row), unlink func(*UndoRecord)) *UndoRecord {
	r := &UndoRecord{Kind: kind, Slot: slot, Before: before, Next: next, apply: apply, unlink: unlink}
	r.ts.Store(uint64(id))
	return r
}

// Timestamp returns the record's current timestamp (transient id while
// uncommitted, commit timestamp after the owning transaction commits).
func (r *UndoRecord) Timestamp() Timestamp { return Timestamp(r.ts.Load()) }

func (r *UndoRecord) setTimestamp(ts Timestamp) { r.ts.Store(uint64(ts)) }

// Release drops the record's before-image payload once the GC has
// determined no snapshot can still need it. The record's Kind/Slot/Next
// fields are left intact so any reader still walking the chain from an
// already-loaded pointer completes its traversal without a nil dereference
// — only the (typically dominant) row-data payload is reclaimed here,
// consistent with this being a two-pass GC running inside a garbage
// collected host language rather than a manual allocator.
func (r *UndoRecord) Release() {
	r.Before = nil
}

// Unlink invokes the record's installation-time unlink hook, which CASes
// the owning slot's version pointer from r to r.Next — succeeding only if r
// is still the chain head. If a later write already superseded r, the CAS
// fails silently: r is only reachable now via that newer node's Next field,
// and will be spliced out once that newer node is itself old enough to
// unlink. Called by internal/gc's unlink pass once r's owning transaction
// is old enough that no snapshot can still need it.
func (r *UndoRecord) Unlink() {
	if r.unlink != nil {
		r.unlink(r.Next)
	}
}

// RedoKind discriminates a RedoRecord's variant.
type RedoKind uint8

const (
	RedoWrite RedoKind = iota // covers both insert and update after-images
	RedoDelete
)

// RedoRecord is an append-only entry in a transaction's redo buffer, handed
// to the log manager at commit. Matches the Redo/Delete variants of
// spec.md §3; Commit/Abort framing is added by the log manager at
// serialization time, not stored per-record here.
type RedoRecord struct {
	Kind    RedoKind
	TableID uint64
	Slot    block.Slot
	After   *row.Row // nil for RedoDelete
}

// Txn is a Transaction Context: begin timestamp, transient id, undo buffer,
// redo buffer, and the log_processed flag of spec.md §3.
type Txn struct {
	BeginTS Timestamp

	id           atomic.Uint64 // begin_ts|HighBit while in flight, commit_ts after commit
	undos        []*UndoRecord
	redo         []RedoRecord
	onCommit     []func(Timestamp)
	logProcessed bool
	mu           sync.Mutex // guards undos/redo/onCommit; single-writer in practice but Abort/GC may race a concurrent Commit caller's bookkeeping
}

// ID returns the transaction's current id: its transient (high-bit-marked)
// id while in flight, or its commit timestamp once committed.
func (t *Txn) ID() Timestamp { return Timestamp(t.id.Load()) }

// AddUndo appends an undo record to the transaction's undo buffer (in
// chain-head-installation order).
func (t *Txn) AddUndo(r *UndoRecord) {
	t.mu.Lock()
	t.undos = append(t.undos, r)
	t.mu.Unlock()
}

// AddRedo appends a redo record to the transaction's redo buffer.
func (t *Txn) AddRedo(r RedoRecord) {
	t.mu.Lock()
	t.redo = append(t.redo, r)
	t.mu.Unlock()
}

// AddOnCommit registers fn to run with the transaction's commit timestamp
// once Commit assigns one. Used by internal/table to re-stamp a mutated
// block's LastMutationTS with the real commit timestamp rather than the
// mutator's transient begin-time id, so the compactor's cold-block check
// (internal/gc/compactor.go) can trust the stamp the same way gc.go's
// completionTS trusts it. Hooks never run on Abort.
func (t *Txn) AddOnCommit(fn func(Timestamp)) {
	t.mu.Lock()
	t.onCommit = append(t.onCommit, fn)
	t.mu.Unlock()
}

// Redo returns a snapshot of the transaction's redo buffer.
func (t *Txn) Redo() []RedoRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RedoRecord(nil), t.redo...)
}

// UndoRecords returns a snapshot of the transaction's undo buffer, consumed
// by internal/gc's unlink pass once t is old enough that no snapshot can
// still need its before-images.
func (t *Txn) UndoRecords() []*UndoRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*UndoRecord(nil), t.undos...)
}

// LogHandoff is implemented by the log manager: Manager.Commit hands the
// committed redo buffer to it, with a callback to invoke once durable.
// Defined here (rather than imported from internal/wal) so txn has no
// dependency on the log manager's implementation.
type LogHandoff interface {
	Enqueue(beginTS, commitTS Timestamp, redo []RedoRecord, onDurable func(error))
}

// The transaction manager's own sentinel errors.
var (
	// ErrDurabilityFailure is never returned directly — durability failures
	// are surfaced via the commit callback per spec.md §7 — but is exposed
	// for callers that want a typed sentinel in their callback.
	ErrDurabilityFailure = fmt.Errorf("txn: durability failure")
)

// Config holds the Manager's (currently empty) tunables. The struct exists
// so engine.Config has one place to wire every subsystem, in the teacher's
// one-struct-per-component style (PagerConfig, AdvancedWALConfig).
type Config struct{}

// Manager is the Transaction Manager: a monotonic time counter, the running
// transaction map, a commit latch, and a queue of completed transactions
// awaiting GC.
type Manager struct {
	commitLatch sync.RWMutex // shared for Begin, exclusive for Commit
	clock       atomic.Uint64

	mu      sync.Mutex
	running map[Timestamp]*Txn

	gcMu    sync.Mutex
	gcQueue []*Txn

	log LogHandoff
}

// NewManager creates a Manager. log may be nil until the log manager is
// constructed; SetLogHandoff must be called before any transaction with a
// non-empty redo buffer commits.
func NewManager(_ Config, log LogHandoff) *Manager {
	m := &Manager{running: make(map[Timestamp]*Txn), log: log}
	m.clock.Store(0)
	return m
}

// SetLogHandoff wires the log manager after construction, breaking the
// engine's init-order cycle between txn.Manager and wal.Manager.
func (m *Manager) SetLogHandoff(log LogHandoff) { m.log = log }

func (m *Manager) tick() Timestamp {
	return Timestamp(m.clock.Add(1))
}

// Begin fetch-increments the clock under the commit latch in shared mode and
// registers a new in-flight transaction.
func (m *Manager) Begin() *Txn {
	m.commitLatch.RLock()
	defer m.commitLatch.RUnlock()

	beginTS := m.tick()
	t := &Txn{BeginTS: beginTS}
	t.id.Store(uint64(beginTS | HighBit))

	m.mu.Lock()
	m.running[beginTS] = t
	m.mu.Unlock()
	return t
}

// Commit fetch-increments the clock under the commit latch in exclusive
// mode, flips every undo record's timestamp to the new commit timestamp,
// removes t from the running set, and hands the redo buffer (if any) to the
// log manager with onDurable registered as its callback. Read-only
// transactions fire onDurable inline, producing no WAL bytes.
func (m *Manager) Commit(t *Txn, onDurable func(error)) Timestamp {
	m.commitLatch.Lock()
	commitTS := m.tick()

	t.mu.Lock()
	for _, u := range t.undos {
		u.setTimestamp(commitTS)
	}
	t.id.Store(uint64(commitTS))
	redo := append([]RedoRecord(nil), t.redo...)
	onCommit := append([]func(Timestamp){}, t.onCommit...)
	t.mu.Unlock()

	m.mu.Lock()
	delete(m.running, t.BeginTS)
	m.mu.Unlock()
	m.commitLatch.Unlock()

	for _, fn := range onCommit {
		fn(commitTS)
	}

	if len(redo) > 0 {
		if m.log == nil {
			log.Printf("txn: commit %d has %d redo records but no log manager wired", commitTS, len(redo))
			if onDurable != nil {
				onDurable(ErrDurabilityFailure)
			}
		} else {
			m.log.Enqueue(t.BeginTS, commitTS, redo, onDurable)
		}
	} else if onDurable != nil {
		onDurable(nil)
	}

	m.pushGC(t)
	return commitTS
}

// Abort restores each undo record's before-image in LIFO order, unlinks the
// chain head, discards the redo buffer, and pushes t onto the GC queue.
func (m *Manager) Abort(t *Txn) {
	t.mu.Lock()
	undos := t.undos
	t.undos = nil
	t.redo = nil
	t.mu.Unlock()

	for i := len(undos) - 1; i >= 0; i-- {
		u := undos[i]
		if u.apply != nil {
			u.apply(u.Before)
		}
		if u.unlink != nil {
			u.unlink(u.Next)
		}
	}

	m.mu.Lock()
	delete(m.running, t.BeginTS)
	m.mu.Unlock()

	m.pushGC(t)
}

func (m *Manager) pushGC(t *Txn) {
	m.gcMu.Lock()
	m.gcQueue = append(m.gcQueue, t)
	m.gcMu.Unlock()
}

// PopGC removes and returns the oldest completed transaction awaiting GC, or
// (nil, false) if the queue is empty. Consumed by internal/gc's unlink pass.
func (m *Manager) PopGC() (*Txn, bool) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	if len(m.gcQueue) == 0 {
		return nil, false
	}
	t := m.gcQueue[0]
	m.gcQueue = m.gcQueue[1:]
	return t, true
}

// RequeueGC pushes t back onto the GC queue for reconsideration in a later
// cycle. Used by internal/gc when t is not yet old enough to unlink.
func (m *Manager) RequeueGC(t *Txn) { m.pushGC(t) }

// OldestActiveBeginTS returns the minimum begin timestamp among running
// transactions, or, if none are running, the begin timestamp the next Begin
// would receive (one past the clock's last value). Exposed to the GC and
// compactor.
func (m *Manager) OldestActiveBeginTS() Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.running) == 0 {
		return Timestamp(m.clock.Load() + 1)
	}
	var min Timestamp
	first := true
	for ts := range m.running {
		if first || ts < min {
			min = ts
			first = false
		}
	}
	return min
}

// RunningCount reports the number of currently in-flight transactions.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}
