package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/nainya/arbor/internal/errs"
	"github.com/nainya/arbor/pkg/btree"
)

// Tx is a single transaction against a DB: either one concurrent writer or
// any number of concurrent readers, each working from its own consistent
// snapshot of the meta page in effect when the transaction began.
type Tx struct {
	db       *DB
	writable bool
	managed  bool // true only while a View/Update callback is running

	meta btree.Meta
	root *Bucket

	nodes      map[btree.Pgid]*btree.Node
	dirtyPages map[btree.Pgid]btree.Page
	dirtyBufs  [][]byte

	onCommit []func()
}

// newTx snapshots the current meta page and, for a writable transaction,
// prepares the dirty-page bookkeeping needed to stage a commit.
func newTx(db *DB, writable bool) *Tx {
	tx := &Tx{
		db:       db,
		writable: writable,
		meta:     db.meta(),
	}
	if writable {
		tx.meta.TxId++
		tx.nodes = make(map[btree.Pgid]*btree.Node)
		tx.dirtyPages = make(map[btree.Pgid]btree.Page)
	}
	tx.root = newBucket(tx)
	tx.root.RootPageId = tx.meta.RootPageId
	return tx
}

// Writable reports whether this transaction may mutate the database.
func (tx *Tx) Writable() bool { return tx.writable }

// TxId returns the transaction's id, the meta page's txId it is (or will
// become, for a writer) bound to.
func (tx *Tx) TxId() uint64 { return tx.meta.TxId }

// pageGetter returns the PageGetter a Node reads pages and a cursor reads
// pages through, preferring a page already dirtied by this transaction.
func (tx *Tx) pageGetter() btree.PageGetter {
	return func(id btree.Pgid) btree.Page {
		if tx.dirtyPages != nil {
			if p, ok := tx.dirtyPages[id]; ok {
				return p
			}
		}
		return tx.db.page(id)
	}
}

// getNode returns the cached Node for id, materializing it from its page
// on first access and linking it to parent.
func (tx *Tx) getNode(id btree.Pgid, parent *btree.Node) *btree.Node {
	if tx.nodes != nil {
		if n, ok := tx.nodes[id]; ok {
			return n
		}
	}
	n := btree.Read(tx.pageGetter(), tx.db.page(id))
	n.Parent = parent
	if parent != nil && parent.ChildIndex(n) < 0 {
		parent.Children = append(parent.Children, n)
	}
	if tx.nodes != nil {
		tx.nodes[id] = n
	}
	return n
}

// dereferenceNodes copies every cached node's key/value bytes to the heap.
// It runs before a remap so nodes materialized from the old mapping don't
// end up aliasing memory that Munmap is about to release.
func (tx *Tx) dereferenceNodes() {
	for _, n := range tx.nodes {
		n.Dereference()
	}
}

// allocate reserves n contiguous pages: from the freelist if it can supply
// them, otherwise by growing the file. The returned page is registered as
// dirty and zeroed.
func (tx *Tx) allocate(n int) (btree.Page, error) {
	id := tx.db.freelist.Allocate(n)
	if id == 0 {
		curMax := tx.meta.MaxPageId
		start, newMax, err := tx.db.grow(curMax, n, tx.dereferenceNodes)
		if err != nil {
			return nil, err
		}
		id = start
		tx.meta.MaxPageId = newMax
	}

	var buf []byte
	if n == 1 {
		buf = tx.db.pagePool.Get().([]byte)
		for i := range buf {
			buf[i] = 0
		}
	} else {
		buf = make([]byte, n*tx.db.pageSize)
	}
	tx.dirtyBufs = append(tx.dirtyBufs, buf)

	p := btree.Page(buf)
	p.SetId(id)
	p.SetOverflow(uint32(n - 1))
	tx.dirtyPages[id] = p
	return p, nil
}

// free records that id (spanning overflow+1 pages) is no longer reachable
// as of this transaction.
func (tx *Tx) free(id btree.Pgid, overflow uint32) error {
	if id == 0 {
		return nil
	}
	return tx.db.freelist.Free(tx.meta.TxId, id, overflow)
}

// Bucket, CreateBucket, CreateBucketIfNotExists, DeleteBucket and ForEach
// delegate to the root bucket implicit in every transaction.
func (tx *Tx) Bucket(name []byte) *Bucket          { return tx.root.Bucket(name) }
func (tx *Tx) CreateBucket(name []byte) (*Bucket, error) { return tx.root.CreateBucket(name) }
func (tx *Tx) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	return tx.root.CreateBucketIfNotExists(name)
}
func (tx *Tx) DeleteBucket(name []byte) error { return tx.root.DeleteBucket(name) }
func (tx *Tx) ForEach(fn func(k, v []byte, flags uint32) error) error {
	return tx.root.ForEach(fn)
}

// Cursor returns a cursor over the top-level buckets of the transaction's
// root bucket.
func (tx *Tx) Cursor() *Cursor { return tx.root.Cursor() }

// OnCommit registers fn to run after a successful Commit.
func (tx *Tx) OnCommit(fn func()) { tx.onCommit = append(tx.onCommit, fn) }

// Commit is the public entry point: user code calling Commit from inside
// a managed View/Update callback is an error, since the managed helper
// already owns the commit/rollback decision.
func (tx *Tx) Commit() error {
	if tx.managed {
		return errs.ErrManagedTxOperationDisallowed
	}
	return tx.commit()
}

// Rollback is Commit's counterpart.
func (tx *Tx) Rollback() error {
	if tx.managed {
		return errs.ErrManagedTxOperationDisallowed
	}
	return tx.rollback()
}

func (tx *Tx) commit() error {
	if tx.db == nil {
		return errs.ErrTransactionClosed
	}
	if !tx.writable {
		return tx.rollback()
	}
	start := time.Now()

	if err := tx.root.promote(); err != nil {
		tx.rollback()
		return fmt.Errorf("promote inline buckets: %w", err)
	}

	for _, n := range deepestFirstOrder(tx.nodes) {
		if n.Unbalanced {
			tx.rebalance(n)
		}
	}

	root := tx.root.root()
	if err := tx.spillNode(root); err != nil {
		tx.rollback()
		return fmt.Errorf("spill: %w", err)
	}
	tx.meta.RootPageId = root.Root().Pgid

	oldFreelistId := tx.meta.FreelistPageId
	oldFreelistOverflow := tx.db.page(oldFreelistId).Overflow()
	if err := tx.free(oldFreelistId, oldFreelistOverflow); err != nil {
		tx.rollback()
		return err
	}
	flPages := (tx.db.freelist.Size() + tx.db.pageSize - 1) / tx.db.pageSize
	if flPages < 1 {
		flPages = 1
	}
	flPage, err := tx.allocate(flPages)
	if err != nil {
		tx.rollback()
		return fmt.Errorf("allocate freelist: %w", err)
	}
	tx.db.freelist.Write(flPage)
	tx.meta.FreelistPageId = flPage.Id()

	if err := tx.writeDirtyPages(); err != nil {
		tx.rollback()
		return fmt.Errorf("write dirty pages: %w", err)
	}
	if !tx.db.opts.NoSync {
		if err := tx.db.file.Sync(); err != nil {
			tx.rollback()
			return fmt.Errorf("fsync data: %w", err)
		}
	}

	if tx.db.opts.StrictMode {
		err := tx.Check()
		tx.db.log.LogCheckpoint(tx.meta.TxId, err)
		if err != nil {
			tx.rollback()
			return fmt.Errorf("%w: %v", errs.ErrCommitFailed, err)
		}
	}

	if err := tx.writeMeta(); err != nil {
		tx.rollback()
		return fmt.Errorf("write meta: %w", err)
	}

	tx.db.metalock.Lock()
	if tx.meta.TxId%2 == 0 {
		tx.db.meta0 = tx.meta
	} else {
		tx.db.meta1 = tx.meta
	}
	tx.db.metalock.Unlock()

	tx.db.removeTx(tx)
	tx.returnPooledBufs()

	for _, h := range tx.onCommit {
		h()
	}
	tx.db.log.LogCommit(tx.meta.TxId, len(tx.dirtyPages), time.Since(start))
	return nil
}

// writeDirtyPages writes every page this transaction allocated or
// overwrote, in ascending page-id order.
func (tx *Tx) writeDirtyPages() error {
	ids := make([]btree.Pgid, 0, len(tx.dirtyPages))
	for id := range tx.dirtyPages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := tx.dirtyPages[id]
		offset := int64(id) * int64(tx.db.pageSize)
		size := (int(p.Overflow()) + 1) * tx.db.pageSize
		if _, err := tx.db.file.WriteAt(p[:size], offset); err != nil {
			return err
		}
	}
	return nil
}

// writeMeta writes this transaction's meta into the alternating meta slot
// (txId mod 2) and fsyncs it.
func (tx *Tx) writeMeta() error {
	buf := make([]byte, tx.db.pageSize)
	p := btree.Page(buf)
	p.SetId(btree.Pgid(tx.meta.TxId % 2))
	tx.meta.Encode(p)

	offset := int64(tx.meta.TxId%2) * int64(tx.db.pageSize)
	if _, err := tx.db.file.WriteAt(buf, offset); err != nil {
		return err
	}
	if tx.db.opts.NoSync {
		return nil
	}
	return tx.db.file.Sync()
}

func (tx *Tx) returnPooledBufs() {
	for _, buf := range tx.dirtyBufs {
		if len(buf) == tx.db.pageSize {
			tx.db.pagePool.Put(buf)
		}
	}
}

func (tx *Tx) rollback() error {
	if tx.writable {
		tx.db.freelist.Rollback(tx.meta.TxId)
		tx.db.freelist.Reload(tx.db.page(tx.db.meta().FreelistPageId))
		tx.returnPooledBufs()
	}
	tx.db.removeTx(tx)
	tx.db.log.LogRollback(tx.meta.TxId, tx.writable, nil)
	return nil
}

// Check walks the whole tree reachable from the committed root and the
// freelist, verifying the invariants spec'd for a consistent database:
// every page visited exactly once, no page both free and reachable.
func (tx *Tx) Check() error {
	visited := make(map[btree.Pgid]struct{})
	free := make(map[btree.Pgid]struct{})
	for _, id := range tx.db.freelist.ids {
		free[id] = struct{}{}
	}

	var walkBucket func(b *Bucket) error
	walkBucket = func(b *Bucket) error {
		var walk func(id btree.Pgid) error
		walk = func(id btree.Pgid) error {
			if _, ok := visited[id]; ok {
				return fmt.Errorf("%w: page %d", errs.ErrCircularBranchReference, id)
			}
			if _, ok := free[id]; ok {
				return fmt.Errorf("page %d both free and reachable", id)
			}
			visited[id] = struct{}{}
			p := tx.db.page(id)
			if id >= btree.Pgid(tx.meta.MaxPageId) {
				return fmt.Errorf("%w: page %d", errs.ErrPageIdAboveHighWaterMark, id)
			}
			if p.IsBranch() {
				for i := uint16(0); i < p.Count(); i++ {
					if err := walk(p.BranchChildId(i)); err != nil {
						return err
					}
				}
			}
			return nil
		}
		if b.RootPageId != 0 {
			if err := walk(b.RootPageId); err != nil {
				return err
			}
		}
		return b.ForEach(func(k, v []byte, flags uint32) error {
			if flags&btree.BucketLeafFlag == 0 {
				return nil
			}
			return walkBucket(b.openBucket(v))
		})
	}

	return walkBucket(tx.root)
}

// rebalance restores the minimum fill invariant for n, merging it into a
// sibling or collapsing it into its parent as needed, then recurses on the
// parent since a merge may itself have dropped the parent under threshold.
func (tx *Tx) rebalance(n *btree.Node) {
	if !n.Unbalanced {
		return
	}
	n.Unbalanced = false

	threshold := tx.db.pageSize / 4
	if n.Size() > threshold && len(n.Inodes) > n.MinKeys() {
		return
	}

	parent := n.Parent
	if parent == nil {
		if !n.IsLeaf && len(n.Inodes) == 1 {
			child := tx.getNode(n.Inodes[0].ChildPgid, nil)
			n.IsLeaf = child.IsLeaf
			n.Inodes = child.Inodes
			n.Children = child.Children
			for _, c := range n.Children {
				c.Parent = n
			}
			tx.free(child.Pgid, 0)
			if tx.nodes != nil {
				delete(tx.nodes, child.Pgid)
			}
		}
		return
	}

	if len(n.Inodes) == 0 {
		parent.Del(nodeKey(n))
		removeChild(parent, n)
		tx.free(n.Pgid, 0)
		tx.rebalance(parent)
		return
	}

	idx := parent.ChildIndex(n)
	if idx < 0 {
		return
	}

	if idx == 0 {
		if idx+1 >= len(parent.Children) {
			return
		}
		sibling := parent.Children[idx+1]
		n.Inodes = append(n.Inodes, sibling.Inodes...)
		for _, c := range sibling.Children {
			c.Parent = n
			n.Children = append(n.Children, c)
		}
		parent.Del(nodeKey(sibling))
		removeChild(parent, sibling)
		tx.free(sibling.Pgid, 0)
	} else {
		sibling := parent.Children[idx-1]
		sibling.Inodes = append(sibling.Inodes, n.Inodes...)
		for _, c := range n.Children {
			c.Parent = sibling
			sibling.Children = append(sibling.Children, c)
		}
		parent.Del(nodeKey(n))
		removeChild(parent, n)
		tx.free(n.Pgid, 0)
	}
	tx.rebalance(parent)
}

func nodeKey(n *btree.Node) []byte {
	if len(n.Inodes) == 0 {
		return n.FirstKey
	}
	return n.Inodes[0].Key
}

func removeChild(parent, child *btree.Node) {
	idx := parent.ChildIndex(child)
	if idx < 0 {
		return
	}
	parent.Children = append(parent.Children[:idx], parent.Children[idx+1:]...)
}

// spillNode recursively spills n's children, then splits and writes n
// itself, updating the parent's entries (and spilling a freshly created
// parent, if the split manufactured one).
func (tx *Tx) spillNode(n *btree.Node) error {
	for _, child := range n.Children {
		if err := tx.spillNode(child); err != nil {
			return err
		}
	}

	origKey := nodeKey(n)
	priorParent := n.Parent

	nodes := n.Split(tx.db.pageSize)
	for _, nd := range nodes {
		if err := tx.writeNode(nd); err != nil {
			return err
		}
	}

	if n.Parent != nil {
		for i, nd := range nodes {
			if i == 0 {
				n.Parent.Put(origKey, nd.FirstKey, nil, nd.Pgid, 0)
			} else {
				n.Parent.Put(nil, nd.FirstKey, nil, nd.Pgid, 0)
			}
		}
		if n.Parent != priorParent && !n.Parent.Spilled {
			if err := tx.spillNode(n.Parent); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeNode allocates a fresh page for n, frees its previous page (if it
// had one), writes it, and marks it spilled.
func (tx *Tx) writeNode(n *btree.Node) error {
	if n.Pgid != 0 {
		old := tx.db.page(n.Pgid)
		if err := tx.free(n.Pgid, old.Overflow()); err != nil {
			return err
		}
	}
	needed := (n.Size() + tx.db.pageSize - 1) / tx.db.pageSize
	if needed < 1 {
		needed = 1
	}
	page, err := tx.allocate(needed)
	if err != nil {
		return err
	}
	n.Pgid = page.Id()
	n.Write(page)
	n.Spilled = true
	if tx.nodes != nil {
		tx.nodes[n.Pgid] = n
	}
	return nil
}

// deepestFirstOrder returns the cached nodes ordered so that deeper nodes
// (more ancestors) are rebalanced before their ancestors, since a child
// merge can itself make a parent fall under threshold.
func deepestFirstOrder(nodes map[btree.Pgid]*btree.Node) []*btree.Node {
	depth := func(n *btree.Node) int {
		d := 0
		for p := n.Parent; p != nil; p = p.Parent {
			d++
		}
		return d
	}
	ordered := make([]*btree.Node, 0, len(nodes))
	for _, n := range nodes {
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool { return depth(ordered[i]) > depth(ordered[j]) })
	return ordered
}
