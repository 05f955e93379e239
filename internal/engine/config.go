// Package engine assembles the Block Store, Data Tables, Transaction Manager,
// Log Manager and GC/Compactor into the single external surface spec.md §6
// describes: begin/commit/abort plus per-table insert/update/delete/select/
// scan, with a Config enumerating every subsystem's tunables in one struct —
// grounded on the teacher's OpenDB (internal/storage/db.go), generalized from
// a storage-mode switch over backends to assembling the fixed six-component
// pipeline this engine always runs.
package engine

import (
	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/gc"
	"github.com/talondb/talon/internal/table"
	"github.com/talondb/talon/internal/txn"
	"github.com/talondb/talon/internal/wal"
)

// TableSpec describes one table to create at engine startup.
type TableSpec struct {
	Name    string
	Columns []table.Column
}

// Config holds the tables to create plus one struct per subsystem, in the
// teacher's PagerConfig/AdvancedWALConfig style: block pool bounds (Store),
// WAL buffers and intervals (WAL), and the GC cadence (Driver). The block
// size and the column limit are the package constants block.Size and
// block.MaxColumns, not settings here, and there is no redo-buffer segment
// pool setting. There is no config-file loader: see DESIGN.md for why the
// teacher's gopkg.in/yaml.v3 dependency was dropped rather than wired here.
type Config struct {
	Tables    []TableSpec
	Store     block.StoreConfig
	Txn       txn.Config
	WAL       wal.Config
	GC        gc.Config
	Compactor gc.CompactorConfig
	Driver    gc.DriverConfig
}
