package gc

import (
	"log"
	"sync"

	"github.com/talondb/talon/internal/block"
	"github.com/talondb/talon/internal/table"
	"github.com/talondb/talon/internal/txn"
)

// CompactorConfig holds the Compactor's tunables, in the teacher's
// one-struct-per-component style.
type CompactorConfig struct {
	// ColdAfter is how far (in coarse mutation-timestamp units) a block's
	// last mutation must trail the oldest active snapshot before RunGather
	// considers it cold. Zero selects a conservative built-in default.
	ColdAfter uint32
	// DictionaryThreshold is the maximum distinct-to-total value ratio at
	// or below which a gathered varlen column is dictionary-compressed
	// rather than stored as a plain values/offsets pair.
	DictionaryThreshold float64
}

func (c CompactorConfig) withDefaults() CompactorConfig {
	if c.ColdAfter == 0 {
		c.ColdAfter = 64
	}
	if c.DictionaryThreshold == 0 {
		c.DictionaryThreshold = 0.5
	}
	return c
}

// CompactionResult reports one compaction or gather pass's statistics.
type CompactionResult struct {
	BlocksVisited  int
	TuplesMoved    int
	BlocksGathered int
	BlocksReleased int
}

// Compactor runs the Block Compactor's two passes: compaction (densifying
// partially-empty blocks) and gather (rewriting a cold block's varlen
// columns into contiguous Arrow buffers). It operates on tables directly
// rather than on raw blocks, since relocating a live tuple also requires
// updating the Data Table's version-pointer map.
type Compactor struct {
	cfg CompactorConfig
	mgr *txn.Manager

	latchMu sync.Mutex
	latches map[block.ID]*sync.Mutex
}

// NewCompactor builds a Compactor with cfg (zero-valued fields take
// conservative defaults), driven by mgr's view of the oldest active
// snapshot for its hot/cold decision.
func NewCompactor(cfg CompactorConfig, mgr *txn.Manager) *Compactor {
	return &Compactor{cfg: cfg.withDefaults(), mgr: mgr, latches: make(map[block.ID]*sync.Mutex)}
}

// RunCompaction densifies every block of t (no empty-slot-ratio threshold is
// applied), relocating tuples with no outstanding version history toward the
// block's low-offset end, then releases any block left fully empty (and
// with no outstanding version chain) back to the block store — completing
// the Block lifecycle spec.md §3 describes rather than leaving emptied
// blocks to accumulate in Table.blocks forever.
func (c *Compactor) RunCompaction(t *table.Table) CompactionResult {
	var res CompactionResult
	for _, b := range t.Blocks() {
		res.BlocksVisited++
		moved := t.CompactBlock(b)
		res.TuplesMoved += moved
		if t.ReleaseEmptyBlock(b) {
			res.BlocksReleased++
		}
	}
	if res.TuplesMoved > 0 || res.BlocksReleased > 0 {
		log.Printf("gc: compaction pass table=%s blocks=%d moved=%d released=%d", t.Name, res.BlocksVisited, res.TuplesMoved, res.BlocksReleased)
	}
	return res
}

// RunGather rewrites every varlen column of each cold block in t into
// contiguous Arrow buffers, published through the table's Accessor into its
// ArrowRegistry. Columns whose distinct-value ratio is at or below
// DictionaryThreshold are dictionary-compressed; others are gathered as
// plain values/offsets pairs.
//
// A block is cold when every slot's version chain is empty (no undo record
// anywhere in the block is still reachable by some snapshot's undo walk)
// and its last mutation trails the oldest active snapshot by at least
// ColdAfter. The chain-emptiness check is the authoritative test, matching
// the Hot/Cold definition exactly and mirroring the per-slot check
// table.CompactBlock already does; the timestamp comparison is kept as a
// cheap pre-filter so RunGather doesn't walk every slot of every block on
// each pass. gatherBlock rechecks both after acquiring the block's hot/cold
// latch (per SPEC_FULL.md's resolution of the compactor/reader race Open
// Question): a transaction that began between this scan and the recheck is
// caught there instead of anywhere upstream of it, keeping Begin itself
// wait-free.
func (c *Compactor) RunGather(t *table.Table) (CompactionResult, error) {
	var res CompactionResult
	for _, b := range t.Blocks() {
		if !c.isCold(t, b) {
			continue
		}
		gathered, err := c.gatherBlock(t, b)
		if err != nil {
			return res, err
		}
		if gathered {
			res.BlocksGathered++
		}
	}
	if res.BlocksGathered > 0 {
		log.Printf("gc: gather pass table=%s gathered=%d", t.Name, res.BlocksGathered)
	}
	return res, nil
}

// isCold applies the timestamp pre-filter first (cheap, and stamped with the
// mutating transaction's real commit timestamp via Txn.AddOnCommit, so it is
// comparable to OldestActiveBeginTS the same way gc.go's completionTS is),
// then confirms via BlockVersionChainsEmpty that no slot in b is still
// reachable by an undo walk — the actual Hot/Cold test. Either check failing
// means b is hot.
func (c *Compactor) isCold(t *table.Table, b *block.Block) bool {
	oldest := uint32(c.mgr.OldestActiveBeginTS())
	last := b.LastMutationTS()
	if !(oldest > last && oldest-last >= c.cfg.ColdAfter) {
		return false
	}
	return t.BlockVersionChainsEmpty(b)
}

func (c *Compactor) blockLatch(id block.ID) *sync.Mutex {
	c.latchMu.Lock()
	defer c.latchMu.Unlock()
	m, ok := c.latches[id]
	if !ok {
		m = &sync.Mutex{}
		c.latches[id] = m
	}
	return m
}

func (c *Compactor) gatherBlock(t *table.Table, b *block.Block) (bool, error) {
	latch := c.blockLatch(b.ID)
	latch.Lock()
	defer latch.Unlock()

	if !c.isCold(t, b) {
		return false, nil // a writer touched b between the scan and this latch
	}

	meta := t.Accessor().ArrowBlockMetadata(b)
	gatheredAny := false

	for col, desc := range b.Layout.Columns {
		if !desc.Varlen {
			continue
		}
		values, err := t.VarlenColumnValues(b, col)
		if err != nil {
			return gatheredAny, err
		}

		if dictionaryFits(values, c.cfg.DictionaryThreshold) {
			dict, dictOff, indices, err := block.GatherDictionary(nil, values)
			if err != nil {
				return gatheredAny, err
			}
			meta.Columns[col] = block.ArrowColumnMetadata{
				Type:        block.ArrowDictionaryCompressed,
				Dictionary:  dict,
				DictOffsets: dictOff,
				Indices:     indices,
			}
		} else {
			vals, offsets, err := block.GatherVarlen(nil, values)
			if err != nil {
				return gatheredAny, err
			}
			meta.Columns[col] = block.ArrowColumnMetadata{
				Type:    block.ArrowGatheredVarlen,
				Values:  vals,
				Offsets: offsets,
			}
		}
		gatheredAny = true
	}
	return gatheredAny, nil
}

// dictionaryFits reports whether the distinct-to-total ratio of values is at
// or below threshold, making dictionary compression worthwhile.
func dictionaryFits(values [][]byte, threshold float64) bool {
	if len(values) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(values))
	total := 0
	for _, v := range values {
		if v == nil {
			continue
		}
		total++
		seen[string(v)] = struct{}{}
	}
	if total == 0 {
		return false
	}
	return float64(len(seen))/float64(total) <= threshold
}
