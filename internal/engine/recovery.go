package engine

import (
	"fmt"

	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/gc"
	"github.com/talondb/talon/internal/table"
	"github.com/talondb/talon/internal/txn"
	"github.com/talondb/talon/internal/wal"
)

// Open builds an Engine from cfg and, if walData is non-empty, recovers
// every committed transaction it contains before the engine accepts new
// work — spec.md §4.E's crash recovery, replayed under fresh transactions
// against freshly created tables with a slot-remap table translating old
// tuple-slot identifiers to the slots replay-inserts actually produce.
//
// Replay runs against a discardHandoff rather than the real Log Manager (not
// yet constructed) so recovered transactions don't re-append bytes that are
// already durable in walData; the real wal.Manager is wired in afterward,
// and every transaction committed from that point on logs normally.
func Open(cfg Config, out wal.SyncWriter, walData []byte) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		store:   block.NewStore(cfg.Store),
		tables:  make(map[string]*table.Table),
		byNumID: make(map[uint64]*table.Table),
	}
	e.mgr = txn.NewManager(cfg.Txn, discardHandoff{})

	if err := e.createTables(); err != nil {
		return nil, err
	}

	if len(walData) > 0 {
		e.replay(walData)
	}

	e.log = wal.NewManager(cfg.WAL, out)
	e.mgr.SetLogHandoff(e.log)

	e.collector = gc.NewCollector(cfg.GC, e.mgr)
	e.compactor = gc.NewCompactor(cfg.Compactor, e.mgr)
	e.driver = gc.NewDriver(cfg.Driver, e.collector, e.compactor, e.tableList())

	return e, nil
}

// replay applies every committed transaction recovered from data, in commit
// order, under a fresh transaction each, remapping each row's original slot
// to the slot its replay-insert produced.
func (e *Engine) replay(data []byte) {
	remap := make(map[block.Slot]block.Slot)
	for _, ct := range wal.Recover(data) {
		tr := e.mgr.Begin()

		for _, row := range ct.Rows {
			t, ok := e.byNumID[row.TableID]
			if !ok {
				logRecoveryError(row.TableID, fmt.Errorf("no table registered for this id"))
				continue
			}

			if row.Delete {
				newSlot, ok := remap[row.OldSlot]
				if !ok {
					continue
				}
				if _, err := t.Delete(tr, newSlot); err != nil {
					logRecoveryError(row.TableID, err)
				}
				delete(remap, row.OldSlot)
				continue
			}

			if newSlot, ok := remap[row.OldSlot]; ok {
				if _, err := t.Update(tr, newSlot, row.After); err != nil {
					logRecoveryError(row.TableID, err)
				}
				continue
			}

			slot, err := t.Insert(tr, row.After)
			if err != nil {
				logRecoveryError(row.TableID, err)
				continue
			}
			remap[row.OldSlot] = slot
		}

		e.mgr.Commit(tr, nil)
	}
}
