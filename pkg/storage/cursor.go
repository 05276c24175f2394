package storage

import (
	"github.com/nainya/arbor/internal/errs"
	"github.com/nainya/arbor/pkg/btree"
)

// frame is one level of a cursor's descent: the node visited and the
// index within it the cursor is currently positioned at.
type frame struct {
	node *btree.Node
	idx  int
}

// Cursor traverses a bucket's key/value pairs in sorted order. A cursor is
// only valid for the lifetime of the transaction that created its bucket.
type Cursor struct {
	bucket *Bucket
	stack  []frame
}

func (c *Cursor) node() *btree.Node {
	if len(c.stack) == 0 {
		return c.bucket.root()
	}
	top := c.stack[len(c.stack)-1]
	return top.node
}

// First positions the cursor at the first entry and returns it.
func (c *Cursor) First() (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	n := c.bucket.root()
	for {
		c.stack = append(c.stack, frame{node: n, idx: 0})
		if n.IsLeaf {
			break
		}
		n = c.child(n, 0)
	}
	if len(n.Inodes) == 0 {
		// A leaf can go transiently empty within an open write transaction
		// (deleted down to nothing, not yet rebalanced out at commit) and
		// still be the leftmost leaf reachable by descent.
		return c.Next()
	}
	return c.keyValue()
}

// Last positions the cursor at the last entry and returns it.
func (c *Cursor) Last() (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	n := c.bucket.root()
	for {
		idx := len(n.Inodes) - 1
		if idx < 0 {
			idx = 0
		}
		c.stack = append(c.stack, frame{node: n, idx: idx})
		if n.IsLeaf {
			break
		}
		n = c.child(n, idx)
	}
	if len(n.Inodes) == 0 {
		return c.Prev()
	}
	return c.keyValue()
}

// Next advances the cursor and returns the entry it lands on, or nils at
// end of bucket.
func (c *Cursor) Next() (key, value []byte, flags uint32) {
	if len(c.stack) == 0 {
		return c.First()
	}
	for i := len(c.stack) - 1; i >= 0; i-- {
		f := &c.stack[i]
		f.idx++
		if f.idx < len(f.node.Inodes) {
			c.stack = c.stack[:i+1]
			return c.descendToLeaf()
		}
	}
	c.stack = c.stack[:0]
	return nil, nil, 0
}

// Prev moves the cursor back and returns the entry it lands on, or nils at
// the start of the bucket.
func (c *Cursor) Prev() (key, value []byte, flags uint32) {
	if len(c.stack) == 0 {
		return c.Last()
	}
	for i := len(c.stack) - 1; i >= 0; i-- {
		f := &c.stack[i]
		if f.idx > 0 {
			f.idx--
			c.stack = c.stack[:i+1]
			return c.descendToLastLeaf()
		}
	}
	c.stack = c.stack[:0]
	return nil, nil, 0
}

// descendToLeaf, after a non-leaf frame's idx was advanced, walks down the
// first child of every subsequent level.
func (c *Cursor) descendToLeaf() (key, value []byte, flags uint32) {
	top := c.stack[len(c.stack)-1]
	n := top.node
	idx := top.idx
	for !n.IsLeaf {
		n = c.child(n, idx)
		idx = 0
		c.stack = append(c.stack, frame{node: n, idx: idx})
	}
	return c.keyValue()
}

func (c *Cursor) descendToLastLeaf() (key, value []byte, flags uint32) {
	top := c.stack[len(c.stack)-1]
	n := top.node
	idx := top.idx
	for !n.IsLeaf {
		n = c.child(n, idx)
		idx = len(n.Inodes) - 1
		if idx < 0 {
			idx = 0
		}
		c.stack = append(c.stack, frame{node: n, idx: idx})
	}
	return c.keyValue()
}

// Seek positions the cursor at the first entry with key >= seek and
// returns it.
func (c *Cursor) Seek(seek []byte) (key, value []byte, flags uint32) {
	k, v, fl := c.seek(seek)
	if k == nil {
		// Past the end of the landing leaf: the next entry, if any, is the
		// first one of a following leaf.
		return c.Next()
	}
	return k, v, fl
}

// seek is Seek's internal form, used by Bucket.Get/Put/Delete, which need
// the exact-match flag without re-deriving it from a byte comparison.
func (c *Cursor) seek(seek []byte) (key, value []byte, flags uint32) {
	c.stack = c.stack[:0]
	n := c.bucket.root()
	for {
		idx, exact := n.Search(seek)
		if !exact && idx > 0 && !n.IsLeaf {
			idx--
		}
		c.stack = append(c.stack, frame{node: n, idx: idx})
		if n.IsLeaf {
			break
		}
		n = c.child(n, idx)
	}

	k, v, fl := c.keyValue()
	if k == nil {
		return nil, nil, 0
	}
	return k, v, fl
}

func (c *Cursor) child(n *btree.Node, idx int) *btree.Node {
	pgid := n.Inodes[idx].ChildPgid
	return c.bucket.tx.getNode(pgid, n)
}

func (c *Cursor) keyValue() (key, value []byte, flags uint32) {
	if len(c.stack) == 0 {
		return nil, nil, 0
	}
	top := c.stack[len(c.stack)-1]
	if top.idx < 0 || top.idx >= len(top.node.Inodes) {
		return nil, nil, 0
	}
	in := top.node.Inodes[top.idx]
	return in.Key, in.Value, in.Flags
}

// Delete removes the entry the cursor is currently positioned at. The
// cursor's bucket transaction must be writable.
func (c *Cursor) Delete() error {
	k, _, flags := c.keyValue()
	if k == nil {
		return errs.ErrCursorNotPositioned
	}
	if flags&btree.BucketLeafFlag != 0 {
		return errs.ErrIncompatibleValue
	}
	c.node().Del(k)
	return nil
}
