package wal

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/talondb/talon/internal/txn"
)

// SyncWriter is the durable sink the disk writer and flusher stages drive.
// *os.File satisfies it; tests use an in-memory stand-in.
type SyncWriter interface {
	io.Writer
	Sync() error
}

// Config holds the Log Manager's tunables, named after spec.md §6's
// enumerated configuration fields.
type Config struct {
	NumBuffers            int
	PageSize              int
	SerializationInterval time.Duration
	FlushInterval         time.Duration
}

func (c Config) withDefaults() Config {
	if c.NumBuffers <= 0 {
		c.NumBuffers = 4
	}
	if c.PageSize <= 0 {
		c.PageSize = 64 * 1024
	}
	if c.SerializationInterval <= 0 {
		c.SerializationInterval = 5 * time.Millisecond
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Millisecond
	}
	return c
}

type commitJob struct {
	beginTS, commitTS txn.Timestamp
	redo              []txn.RedoRecord
	onDurable         func(error)
}

type pendingCallback struct {
	pos int64
	cb  func(error)
}

type diskJob struct {
	data      []byte
	callbacks []pendingCallback
}

// Manager is the Write-Ahead Log Manager: the serializer, disk writer and
// flusher stages of spec.md §4.E, connected by bounded channels. It
// implements txn.LogHandoff so the Transaction Manager can hand off
// committed redo buffers without importing this package.
type Manager struct {
	cfg Config
	out SyncWriter

	jobs    chan commitJob
	diskQ   chan diskJob
	bufPool chan []byte

	writtenOffset int64 // owned by the disk-writer goroutine only
	durableOffset int64 // owned by the flusher goroutine only

	pendingMu sync.Mutex
	pending   []pendingCallback

	// failed latches once a Write or Sync against out has errored. Per
	// spec.md §7, a durability failure fires every outstanding and future
	// commit callback with txn.ErrDurabilityFailure rather than leaving them
	// pending forever or reporting success for bytes that were never made
	// durable.
	failed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager constructs a Manager writing to out. Call Start to launch its
// three pipeline goroutines.
func NewManager(cfg Config, out SyncWriter) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:     cfg,
		out:     out,
		jobs:    make(chan commitJob, 1024),
		diskQ:   make(chan diskJob, cfg.NumBuffers),
		bufPool: make(chan []byte, cfg.NumBuffers),
	}
	for i := 0; i < cfg.NumBuffers; i++ {
		m.bufPool <- make([]byte, 0, cfg.PageSize)
	}
	return m
}

// Start launches the serializer, disk writer and flusher goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(3)
	go m.runSerializer()
	go m.runDiskWriter()
	go m.runFlusher()
}

// Stop quiesces the pipeline in serializer -> writer -> flusher order,
// fsyncing before returning, per spec.md §6's shutdown sequence.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.jobs)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
	m.cancel()
	if m.failed.Load() {
		return txn.ErrDurabilityFailure
	}
	if err := m.out.Sync(); err != nil {
		m.failed.Store(true)
		m.failAllPending()
		return err
	}
	return nil
}

// Enqueue implements txn.LogHandoff: it blocks the calling (committing)
// transaction if the job queue is full, per spec.md §4.E's backpressure
// rule ("the serializer stalls, and thus so do new commits").
func (m *Manager) Enqueue(beginTS, commitTS txn.Timestamp, redo []txn.RedoRecord, onDurable func(error)) {
	m.jobs <- commitJob{beginTS: beginTS, commitTS: commitTS, redo: redo, onDurable: onDurable}
}

func (m *Manager) runSerializer() {
	defer m.wg.Done()
	// The serializer is diskQ's only sender; closing it lets the disk writer
	// drain what is queued and exit.
	defer close(m.diskQ)
	ticker := time.NewTicker(m.cfg.SerializationInterval)
	defer ticker.Stop()

	var buf []byte
	var callbacks []pendingCallback

	appendJob := func(job commitJob) {
		if buf == nil {
			buf = <-m.bufPool
			buf = buf[:0]
		}
		for _, r := range job.redo {
			switch r.Kind {
			case txn.RedoWrite:
				buf = append(buf, EncodeWrite(job.beginTS, r.TableID, r.Slot, r.After)...)
			case txn.RedoDelete:
				buf = append(buf, EncodeDelete(job.beginTS, r.TableID, r.Slot)...)
			}
		}
		buf = append(buf, EncodeCommit(job.beginTS, job.commitTS)...)
		if job.onDurable != nil {
			callbacks = append(callbacks, pendingCallback{cb: job.onDurable})
		}
	}

	flushBuffer := func() {
		if len(buf) == 0 {
			return
		}
		m.diskQ <- diskJob{data: buf, callbacks: callbacks}
		buf = nil
		callbacks = nil
	}

	// drainReady processes every job already queued without blocking,
	// returning false once the jobs channel is closed.
	drainReady := func() bool {
		for {
			select {
			case job, ok := <-m.jobs:
				if !ok {
					return false
				}
				appendJob(job)
			default:
				return true
			}
		}
	}

	for {
		select {
		case <-m.ctx.Done():
			drainReady()
			flushBuffer()
			return
		case <-ticker.C:
			if !drainReady() {
				flushBuffer()
				return
			}
			flushBuffer()
		case job, ok := <-m.jobs:
			if !ok {
				flushBuffer()
				return
			}
			appendJob(job)
			if len(buf) >= m.cfg.PageSize {
				flushBuffer()
			}
		}
	}
}

func (m *Manager) runDiskWriter() {
	defer m.wg.Done()
	for dj := range m.diskQ {
		if m.failed.Load() {
			m.failCallbacks(dj.callbacks)
			m.bufPool <- dj.data[:0]
			continue
		}

		var lb [pageHeaderSize]byte
		for i := 0; i < pageHeaderSize; i++ {
			lb[i] = byte(uint32(len(dj.data)) >> (8 * i))
		}
		if _, err := m.out.Write(lb[:]); err != nil {
			log.Printf("wal: page length write failed: %v", err)
			m.failJob(dj)
			continue
		}

		trailer := checksumPage(dj.data)
		if _, err := m.out.Write(dj.data); err != nil {
			log.Printf("wal: write failed: %v", err)
			m.failJob(dj)
			continue
		}
		var tb [crcTrailerSize]byte
		for i := 0; i < crcTrailerSize; i++ {
			tb[i] = byte(trailer >> (8 * i))
		}
		if _, err := m.out.Write(tb[:]); err != nil {
			log.Printf("wal: trailer write failed: %v", err)
			m.failJob(dj)
			continue
		}

		m.writtenOffset += int64(pageHeaderSize+len(dj.data)) + crcTrailerSize
		pos := m.writtenOffset

		m.pendingMu.Lock()
		for i := range dj.callbacks {
			dj.callbacks[i].pos = pos
		}
		m.pending = append(m.pending, dj.callbacks...)
		m.pendingMu.Unlock()

		m.bufPool <- dj.data[:0]
	}
	// diskQ is closed and drained: stop the flusher, which runs one final
	// fsync-and-callback pass before it returns.
	m.cancel()
}

// failJob marks the manager permanently failed and fires dj's callbacks with
// the triggering error, per spec.md §7's durability-failure contract: a
// commit callback fires with failure rather than being dropped or reporting
// success for bytes that were never durably written. Once failed, every
// later job (already queued or yet to be enqueued) fails the same way
// without attempting further writes.
func (m *Manager) failJob(dj diskJob) {
	m.failed.Store(true)
	m.failCallbacks(dj.callbacks)
	m.bufPool <- dj.data[:0]
	m.failAllPending()
}

func (m *Manager) failCallbacks(cbs []pendingCallback) {
	for _, p := range cbs {
		if p.cb != nil {
			p.cb(txn.ErrDurabilityFailure)
		}
	}
}

// failAllPending fires every callback still waiting on a future fsync with
// txn.ErrDurabilityFailure, since once out has failed there is no longer any
// offset at which those bytes will become durable.
func (m *Manager) failAllPending() {
	m.pendingMu.Lock()
	fire := m.pending
	m.pending = nil
	m.pendingMu.Unlock()
	m.failCallbacks(fire)
}

func (m *Manager) runFlusher() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if m.failed.Load() {
			m.failAllPending()
			return
		}
		if err := m.out.Sync(); err != nil {
			log.Printf("wal: fsync failed: %v", err)
			m.failed.Store(true)
			m.failAllPending()
			return
		}
		m.durableOffset = m.writtenOffset

		m.pendingMu.Lock()
		var remaining []pendingCallback
		var fire []pendingCallback
		for _, p := range m.pending {
			if p.pos <= m.durableOffset {
				fire = append(fire, p)
			} else {
				remaining = append(remaining, p)
			}
		}
		m.pending = remaining
		m.pendingMu.Unlock()

		for _, p := range fire {
			p.cb(nil)
		}
	}

	for {
		select {
		case <-m.ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

// Flush forces an immediate fsync-and-callback pass, bypassing the flusher's
// interval.
func (m *Manager) Flush() error {
	if m.failed.Load() {
		m.failAllPending()
		return txn.ErrDurabilityFailure
	}
	if err := m.out.Sync(); err != nil {
		m.failed.Store(true)
		m.failAllPending()
		return fmt.Errorf("wal: flush: %w", err)
	}
	m.durableOffset = m.writtenOffset

	m.pendingMu.Lock()
	var remaining []pendingCallback
	var fire []pendingCallback
	for _, p := range m.pending {
		if p.pos <= m.durableOffset {
			fire = append(fire, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	m.pending = remaining
	m.pendingMu.Unlock()

	for _, p := range fire {
		p.cb(nil)
	}
	return nil
}
