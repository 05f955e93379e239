package block

import (
	"fmt"
	"log"
	"sync"
)

// ErrOutOfMemory is returned by Store.Get when both the reuse pool is empty
// and the size limit has been reached.
var ErrOutOfMemory = fmt.Errorf("block: out of memory")

// StoreConfig bounds a Store's behavior.
type StoreConfig struct {
	// SizeLimit is the maximum number of live blocks the store will hand
	// out. Zero means "use the package default" (a generous 65536 blocks).
	SizeLimit int
	// ReuseLimit is the maximum number of released blocks kept for reuse
	// before Release starts freeing them outright.
	ReuseLimit int
}

const defaultSizeLimit = 65536

// Store is a pool allocator handing out aligned Size-byte blocks. It is a
// direct generalization of the teacher's page free-list
// (internal/storage/pager/freelist.go): instead of recycling fixed 8 KiB
// database pages via a reuse set, it recycles 1 MiB block buffers, with a
// hard ceiling on total live blocks rather than an on-disk page count.
type Store struct {
	mu sync.Mutex // guards the size counter and reuse pool (spin latch per spec.md)

	sizeLimit  int
	reuseLimit int
	allocated  int
	reuse      [][]byte
}

// NewStore creates a Store bounded by cfg.
func NewStore(cfg StoreConfig) *Store {
	limit := cfg.SizeLimit
	if limit <= 0 {
		limit = defaultSizeLimit
	}
	return &Store{sizeLimit: limit, reuseLimit: cfg.ReuseLimit}
}

// Get returns a recycled block if the reuse pool is non-empty, otherwise
// allocates a new one up to the size limit, otherwise fails with
// ErrOutOfMemory. The returned bytes are uninitialized (possibly carrying a
// prior tenant's bytes) — callers must call block.initHeader-equivalent
// logic (done by Table.allocateBlock) before first use.
func (s *Store) Get() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.reuse); n > 0 {
		buf := s.reuse[n-1]
		s.reuse = s.reuse[:n-1]
		return buf, nil
	}
	if s.allocated >= s.sizeLimit {
		log.Printf("block: store at size limit %d, refusing allocation", s.sizeLimit)
		return nil, ErrOutOfMemory
	}
	s.allocated++
	return make([]byte, Size), nil
}

// Release returns buf to the reuse pool, or drops it (for the GC to collect)
// if the pool is already at ReuseLimit.
func (s *Store) Release(buf []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reuseLimit > 0 && len(s.reuse) >= s.reuseLimit {
		s.allocated--
		return
	}
	s.reuse = append(s.reuse, buf)
}

// Allocated returns the number of blocks the store currently accounts for
// against SizeLimit: those handed out plus those held in the reuse pool.
func (s *Store) Allocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}

// ReusePoolSize returns the number of blocks currently held for reuse.
func (s *Store) ReusePoolSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reuse)
}
