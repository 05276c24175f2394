package storage

import (
	"encoding/binary"

	"github.com/nainya/arbor/internal/errs"
	"github.com/nainya/arbor/pkg/btree"
)

// Bucket is an ordered byte-key to byte-value map, optionally nesting
// further buckets. A bucket with RootPageId == 0 is "inline": its whole
// contents are packed into the parent leaf's value.
type Bucket struct {
	tx          *Tx
	name        []byte // empty for the transaction's implicit root bucket
	RootPageId  btree.Pgid
	FillPercent float64

	rootNode *btree.Node
	inline   btree.Page // non-nil only for inline buckets materialized lazily

	buckets map[string]*Bucket // cached child buckets, keyed by name
}

func newBucket(tx *Tx) *Bucket {
	return &Bucket{tx: tx, FillPercent: btree.DefaultFillPercent, buckets: make(map[string]*Bucket)}
}

// SetFillPercent sets the target fraction of a page a node should be
// filled to before splitting.
func (b *Bucket) SetFillPercent(pct float64) { b.FillPercent = pct }

// root materializes (once) the in-memory node for this bucket's tree.
func (b *Bucket) root() *btree.Node {
	if b.rootNode != nil {
		return b.rootNode
	}
	if b.RootPageId == 0 {
		if b.inline != nil {
			b.rootNode = btree.Read(b.tx.pageGetter(), b.inline)
		} else {
			b.rootNode = btree.NewNode(b.tx.pageGetter(), true)
		}
	} else {
		b.rootNode = b.tx.getNode(b.RootPageId, nil)
	}
	b.rootNode.FillPercent = b.FillPercent
	return b.rootNode
}

// Get returns the value for key, or nil if absent, if it is a bucket
// header, or if the cursor landed past key.
func (b *Bucket) Get(key []byte) []byte {
	c := b.Cursor()
	k, v, flags := c.seek(key)
	if k == nil || !bytesEqual(k, key) {
		return nil
	}
	if flags&btree.BucketLeafFlag != 0 {
		return nil
	}
	return v
}

// Put inserts or updates key/value in the bucket.
func (b *Bucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return errs.ErrTransactionNotWritable
	}
	if len(key) == 0 {
		return errs.ErrKeyRequired
	}
	if len(key) > btree.MaxKeySize {
		return errs.ErrKeyTooLarge
	}
	if len(value) > btree.MaxValueSize {
		return errs.ErrValueTooLarge
	}

	c := b.Cursor()
	k, _, flags := c.seek(key)
	if bytesEqual(k, key) && flags&btree.BucketLeafFlag != 0 {
		return errs.ErrIncompatibleValue
	}
	return c.node().Put(key, key, value, 0, 0)
}

// Delete removes key from the bucket, if present. It is not an error to
// delete a missing key.
func (b *Bucket) Delete(key []byte) error {
	if !b.tx.writable {
		return errs.ErrTransactionNotWritable
	}
	c := b.Cursor()
	k, _, flags := c.seek(key)
	if !bytesEqual(k, key) {
		return nil
	}
	if flags&btree.BucketLeafFlag != 0 {
		return errs.ErrIncompatibleValue
	}
	c.node().Del(key)
	return nil
}

// Cursor returns a new cursor over this bucket's entries.
func (b *Bucket) Cursor() *Cursor {
	b.root() // ensure materialized
	return &Cursor{bucket: b}
}

// Bucket returns the nested bucket named name, or nil if absent or if the
// key exists but is not a bucket.
func (b *Bucket) Bucket(name []byte) *Bucket {
	if child, ok := b.buckets[string(name)]; ok {
		return child
	}
	c := b.Cursor()
	k, v, flags := c.seek(name)
	if !bytesEqual(k, name) || flags&btree.BucketLeafFlag == 0 {
		return nil
	}
	child := b.openBucket(v)
	child.name = append([]byte{}, name...)
	b.buckets[string(name)] = child
	return child
}

// openBucket decodes a bucket-header value (rootPageId, plus an inline page
// when rootPageId == 0) into a child Bucket.
func (b *Bucket) openBucket(value []byte) *Bucket {
	child := newBucket(b.tx)
	child.RootPageId = btree.Pgid(binary.LittleEndian.Uint64(value[0:8]))
	if child.RootPageId == 0 {
		child.inline = btree.Page(value[8:])
	}
	return child
}

// CreateBucket creates a new, empty nested bucket under name. Fails with
// BucketExists if name already names a bucket, IncompatibleValue if it
// names a regular key.
func (b *Bucket) CreateBucket(name []byte) (*Bucket, error) {
	if !b.tx.writable {
		return nil, errs.ErrTransactionNotWritable
	}
	if len(name) == 0 {
		return nil, errs.ErrBucketNameRequired
	}
	c := b.Cursor()
	k, _, flags := c.seek(name)
	if bytesEqual(k, name) {
		if flags&btree.BucketLeafFlag != 0 {
			return nil, errs.ErrBucketExists
		}
		return nil, errs.ErrIncompatibleValue
	}

	child := newBucket(b.tx)
	child.name = append([]byte{}, name...)
	child.rootNode = btree.NewNode(b.tx.pageGetter(), true)

	value := encodeInlineBucket(child)
	if err := c.node().Put(name, name, value, 0, btree.BucketLeafFlag); err != nil {
		return nil, err
	}
	b.buckets[string(name)] = child
	return child, nil
}

// CreateBucketIfNotExists is CreateBucket, tolerant of the bucket already
// existing.
func (b *Bucket) CreateBucketIfNotExists(name []byte) (*Bucket, error) {
	child, err := b.CreateBucket(name)
	if err == errs.ErrBucketExists {
		return b.Bucket(name), nil
	}
	return child, err
}

// DeleteBucket removes a nested bucket and everything beneath it.
func (b *Bucket) DeleteBucket(name []byte) error {
	if !b.tx.writable {
		return errs.ErrTransactionNotWritable
	}
	c := b.Cursor()
	k, v, flags := c.seek(name)
	if !bytesEqual(k, name) || flags&btree.BucketLeafFlag == 0 {
		return errs.ErrBucketNotFound
	}

	child := b.openBucket(v)
	if err := child.forEachBucketName(func(childName []byte) error {
		return child.DeleteBucket(childName)
	}); err != nil {
		return err
	}
	b.freeBucketPages(child)
	delete(b.buckets, string(name))
	c.node().Del(name)
	return nil
}

func (b *Bucket) forEachBucketName(fn func(name []byte) error) error {
	return b.ForEach(func(k, _ []byte, flags uint32) error {
		if flags&btree.BucketLeafFlag == 0 {
			return nil
		}
		return fn(append([]byte{}, k...))
	})
}

// freeBucketPages frees every page reachable from child's tree (no-op for
// inline buckets, which own no pages of their own).
func (b *Bucket) freeBucketPages(child *Bucket) {
	if child.RootPageId == 0 {
		return
	}
	var walk func(id btree.Pgid)
	walk = func(id btree.Pgid) {
		p := b.tx.db.page(id)
		if p.IsBranch() {
			for i := uint16(0); i < p.Count(); i++ {
				walk(p.BranchChildId(i))
			}
		}
		_ = b.tx.free(id, p.Overflow())
	}
	walk(child.RootPageId)
}

// ForEach visits every entry in key order, including bucket headers (whose
// flags carry BucketLeafFlag and whose value is not the user value).
func (b *Bucket) ForEach(fn func(k, v []byte, flags uint32) error) error {
	c := b.Cursor()
	for k, v, flags := c.First(); k != nil; k, v, flags = c.Next() {
		if err := fn(k, v, flags); err != nil {
			return err
		}
	}
	return nil
}

// BucketStats reports structural statistics for this bucket and its nested
// buckets (recursively).
type BucketStats struct {
	BranchPageCount int
	LeafPageCount   int
	OverflowPages   int
	KeyCount        int
	Depth           int
	BucketCount     int
	InlineBuckets   int
}

func (b *Bucket) Stats() BucketStats {
	var s BucketStats
	b.collectStats(&s, 1)
	return s
}

func (b *Bucket) collectStats(s *BucketStats, depth int) {
	if depth > s.Depth {
		s.Depth = depth
	}
	if b.RootPageId == 0 {
		s.InlineBuckets++
	}
	s.BucketCount++

	_ = b.ForEach(func(k, v []byte, flags uint32) error {
		s.KeyCount++
		if flags&btree.BucketLeafFlag != 0 {
			child := b.openBucket(v)
			child.collectStats(s, depth+1)
		}
		return nil
	})

	if b.RootPageId != 0 {
		var walk func(id btree.Pgid)
		walk = func(id btree.Pgid) {
			p := b.tx.db.page(id)
			s.OverflowPages += int(p.Overflow())
			if p.IsBranch() {
				s.BranchPageCount++
				for i := uint16(0); i < p.Count(); i++ {
					walk(p.BranchChildId(i))
				}
			} else if p.IsLeaf() {
				s.LeafPageCount++
			}
		}
		walk(b.RootPageId)
	}
}

// inlineThreshold returns the byte size limit under which a child bucket's
// serialized tree is packed directly into the parent's leaf value.
func inlineThreshold(pageSize int) int { return pageSize / 4 }

// inlinable reports whether child's current root node qualifies for
// inline packing: a leaf with no nested buckets, small enough to embed.
func inlinable(child *Bucket, pageSize int) bool {
	root := child.root()
	if !root.IsLeaf {
		return false
	}
	for _, in := range root.Inodes {
		if in.Flags&btree.BucketLeafFlag != 0 {
			return false
		}
	}
	return 8+root.Size() <= inlineThreshold(pageSize)
}

// encodeInlineBucket serializes an empty/small child bucket inline:
// 8-byte root placeholder (0) followed by its leaf page bytes.
func encodeInlineBucket(child *Bucket) []byte {
	root := child.root()
	buf := make([]byte, 8+root.Size())
	// first 8 bytes (rootPageId placeholder) already zero
	root.Write(btree.Page(buf[8:]))
	return buf
}

// promote re-evaluates whether b should be inline or page-backed, and
// spills or demotes as needed, rewriting its header entry in the parent's
// node. It recurses into cached child buckets first, since a grandchild's
// promotion changes this bucket's own serialized size. This runs on every
// commit, not just a bucket's first growth past the inline threshold: a
// bucket that grows past it and later shrinks back under it (deletes) must
// be re-inlined and its backing pages freed, mirroring how inline-vs-
// pointer encoding is chosen fresh at every commit.
func (b *Bucket) promote() error {
	for _, child := range b.buckets {
		if err := child.promote(); err != nil {
			return err
		}
	}
	if len(b.name) == 0 {
		return nil // root bucket is never inline
	}

	if b.RootPageId == 0 {
		if inlinable(b, b.tx.db.pageSize) {
			return b.writeHeader()
		}
		return b.spillInline()
	}

	if !inlinable(b, b.tx.db.pageSize) {
		root := b.root()
		if err := b.tx.spillNode(root); err != nil {
			return err
		}
		b.RootPageId = root.Root().Pgid
		return b.writeHeader()
	}
	return b.demote()
}

// spillInline writes a grown inline bucket's tree out to real pages and
// rewrites its header entry to point at the new root.
func (b *Bucket) spillInline() error {
	root := b.root()
	root.Pgid = 0
	if err := b.tx.spillNode(root); err != nil {
		return err
	}
	b.RootPageId = root.Root().Pgid
	return b.writeHeader()
}

// demote frees a page-backed bucket's now-undersized backing page and
// packs its contents back into the parent leaf's value.
func (b *Bucket) demote() error {
	root := b.root()
	oldPage := b.tx.db.page(b.RootPageId)
	if err := b.tx.free(b.RootPageId, oldPage.Overflow()); err != nil {
		return err
	}
	b.RootPageId = 0
	root.Pgid = 0
	return b.writeHeader()
}

// writeHeader rewrites b's bucket-header entry in its parent's node to
// match b's current RootPageId (and, if inline, its packed contents).
func (b *Bucket) writeHeader() error {
	var value []byte
	if b.RootPageId == 0 {
		value = encodeInlineBucket(b)
	} else {
		value = make([]byte, 8)
		binary.LittleEndian.PutUint64(value, uint64(b.RootPageId))
	}

	parentCursor := b.parentCursor()
	if parentCursor == nil {
		return nil
	}
	_, _, flags := parentCursor.seek(b.name)
	return parentCursor.node().Put(b.name, b.name, value, 0, flags)
}

// parentCursor is a best-effort lookup of the cursor over the bucket that
// directly owns b, used only by promote to rewrite b's header entry.
func (b *Bucket) parentCursor() *Cursor {
	if b.tx.root == b {
		return nil
	}
	var find func(parent *Bucket) *Cursor
	find = func(parent *Bucket) *Cursor {
		if child, ok := parent.buckets[string(b.name)]; ok && child == b {
			return parent.Cursor()
		}
		for _, child := range parent.buckets {
			if c := find(child); c != nil {
				return c
			}
		}
		return nil
	}
	return find(b.tx.root)
}

func bytesEqual(a, b []byte) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
