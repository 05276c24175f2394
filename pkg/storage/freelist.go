package storage

import (
	"sort"

	"github.com/nainya/arbor/internal/errs"
	"github.com/nainya/arbor/pkg/btree"
)

// Freelist tracks page ids that are free for reuse and page ids that were
// freed by a transaction but cannot be reused until no reader could still
// be depending on them.
type Freelist struct {
	ids     []btree.Pgid                 // free, sorted ascending
	pending map[uint64][]btree.Pgid      // txId -> ids freed by that tx
	cache   map[btree.Pgid]struct{}      // union(ids, all pending), for O(1) membership
}

// NewFreelist returns an empty freelist.
func NewFreelist() *Freelist {
	return &Freelist{
		pending: make(map[uint64][]btree.Pgid),
		cache:   make(map[btree.Pgid]struct{}),
	}
}

// Count returns the number of ids tracked, free and pending.
func (f *Freelist) Count() int {
	n := len(f.ids)
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// Free records that page.. page+overflow are no longer reachable from the
// tree as of txId, but cannot be reused until txId's readers are done.
func (f *Freelist) Free(txId uint64, id btree.Pgid, overflow uint32) error {
	for i := btree.Pgid(0); i <= btree.Pgid(overflow); i++ {
		pid := id + i
		if _, ok := f.cache[pid]; ok {
			return errs.ErrDoubleFree
		}
		f.cache[pid] = struct{}{}
		f.pending[txId] = append(f.pending[txId], pid)
	}
	return nil
}

// Release promotes every id pending at or before uptoTxId into the free
// list, so it becomes eligible for allocate().
func (f *Freelist) Release(uptoTxId uint64) {
	for txId, ids := range f.pending {
		if txId > uptoTxId {
			continue
		}
		f.ids = append(f.ids, ids...)
		delete(f.pending, txId)
	}
	sort.Slice(f.ids, func(i, j int) bool { return f.ids[i] < f.ids[j] })
}

// Rollback discards the pending frees recorded by txId, without ever
// promoting them to the free list.
func (f *Freelist) Rollback(txId uint64) {
	for _, id := range f.pending[txId] {
		delete(f.cache, id)
	}
	delete(f.pending, txId)
}

// Allocate finds the lowest starting id of a contiguous run of n free ids,
// removes them from the free list, and returns the starting id. Returns 0
// if no such run exists.
func (f *Freelist) Allocate(n int) btree.Pgid {
	if n == 0 {
		return 0
	}
	var start, run int
	for i, id := range f.ids {
		if run == 0 || f.ids[i-1]+1 != id {
			start = i
			run = 1
		} else {
			run++
		}
		if run == n {
			firstId := f.ids[start]
			for _, removed := range f.ids[start : start+n] {
				delete(f.cache, removed)
			}
			f.ids = append(f.ids[:start], f.ids[start+n:]...)
			return firstId
		}
	}
	return 0
}

// Write serializes every free and pending id into a freelist page.
func (f *Freelist) Write(p btree.Page) {
	ids := make([]btree.Pgid, 0, f.Count())
	ids = append(ids, f.ids...)
	for _, pending := range f.pending {
		ids = append(ids, pending...)
	}
	btree.EncodeFreelist(p, ids)
}

// Size returns the byte size Write would need.
func (f *Freelist) Size() int {
	return btree.FreelistPageSize(f.Count())
}

// Read loads ids from a freelist page as the current free set, sorted
// ascending, and rebuilds cache from ids plus whatever pending is already
// tracked in memory.
func (f *Freelist) Read(p btree.Page) {
	ids := btree.DecodeFreelist(p)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	f.ids = ids
	f.cache = make(map[btree.Pgid]struct{}, len(ids))
	for _, id := range ids {
		f.cache[id] = struct{}{}
	}
	for _, pending := range f.pending {
		for _, id := range pending {
			f.cache[id] = struct{}{}
		}
	}
}

// Reload is Read's crash-recovery counterpart: it excludes any id that is
// still pending in memory, so a page that was freed but whose freeing
// transaction never committed its meta is not double-counted.
func (f *Freelist) Reload(p btree.Page) {
	stillPending := make(map[btree.Pgid]struct{})
	for _, pending := range f.pending {
		for _, id := range pending {
			stillPending[id] = struct{}{}
		}
	}
	ids := btree.DecodeFreelist(p)
	filtered := ids[:0]
	for _, id := range ids {
		if _, skip := stillPending[id]; !skip {
			filtered = append(filtered, id)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i] < filtered[j] })
	f.ids = filtered
	f.cache = make(map[btree.Pgid]struct{}, len(filtered)+len(stillPending))
	for _, id := range filtered {
		f.cache[id] = struct{}{}
	}
	for id := range stillPending {
		f.cache[id] = struct{}{}
	}
}
