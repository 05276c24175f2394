package btree

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/nainya/arbor/internal/errs"
)

const (
	minKeysLeaf   = 1
	minKeysBranch = 2

	// DefaultFillPercent is the target fraction of a page a node should be
	// filled to before a split is considered.
	DefaultFillPercent = 0.5
	MinFillPercent     = 0.1
	MaxFillPercent     = 1.0
)

// Inode is a single in-memory B+tree element: a leaf key/value pair, or a
// branch key/child-pointer pair. Flags carries BucketLeafFlag for leaf
// entries whose value is a bucket header.
type Inode struct {
	Flags    uint32
	ChildPgid Pgid
	Key      []byte
	Value    []byte
}

// PageGetter dereferences a page id to its current backing bytes, either
// from the memory map or from a writable transaction's dirty-page map.
type PageGetter func(Pgid) Page

// Node is the in-memory materialization of a page during a writable
// transaction. It is created on first visit and lives until the owning
// transaction commits or rolls back.
type Node struct {
	get PageGetter

	IsLeaf     bool
	Unbalanced bool
	Spilled    bool
	Pgid       Pgid
	FirstKey   []byte

	Parent   *Node
	Children []*Node
	Inodes   []Inode

	FillPercent float64
}

// NewNode creates a detached node (no parent, no page assigned yet).
func NewNode(get PageGetter, isLeaf bool) *Node {
	return &Node{get: get, IsLeaf: isLeaf, FillPercent: DefaultFillPercent}
}

func (n *Node) minKeys() int {
	if n.IsLeaf {
		return minKeysLeaf
	}
	return minKeysBranch
}

// MinKeys returns the minimum number of inodes this node must retain
// before a rebalance is required: 1 for a leaf, 2 for a branch.
func (n *Node) MinKeys() int { return n.minKeys() }

func (n *Node) root() *Node {
	if n.Parent == nil {
		return n
	}
	return n.Parent.root()
}

// Root walks up the Parent chain to the topmost node.
func (n *Node) Root() *Node { return n.root() }

// childIndex returns the index of child in n.Children, or -1.
func (n *Node) childIndex(child *Node) int {
	for i, c := range n.Children {
		if c == child {
			return i
		}
	}
	return -1
}

// ChildIndex returns the index of child in n.Children, or -1.
func (n *Node) ChildIndex(child *Node) int { return n.childIndex(child) }

// search returns the index of the inode holding key, and whether it was an
// exact match. For leaves and branches alike this is the insertion point
// (first key >= key); a caller descending a branch steps back to the
// preceding child itself when the match is not exact.
func (n *Node) search(key []byte) (idx int, exact bool) {
	i := sort.Search(len(n.Inodes), func(i int) bool {
		return bytes.Compare(n.Inodes[i].Key, key) >= 0
	})
	if i < len(n.Inodes) && bytes.Equal(n.Inodes[i].Key, key) {
		return i, true
	}
	return i, false
}

// Search returns the index of the inode holding key (or the insertion
// point, the first inode whose key is >= key) and whether it was an exact
// match.
func (n *Node) Search(key []byte) (idx int, exact bool) { return n.search(key) }

// Get returns the value for key and whether it was found (leaf only).
func (n *Node) Get(key []byte) ([]byte, uint32, bool) {
	idx, exact := n.search(key)
	if !exact {
		return nil, 0, false
	}
	return n.Inodes[idx].Value, n.Inodes[idx].Flags, true
}

// Put inserts or updates the inode for key. oldKey is used to relocate an
// existing entry whose key is changing (used when a child's first key
// shifts); when oldKey == nil, key is looked up directly.
func (n *Node) Put(oldKey, key, value []byte, childPgid Pgid, flags uint32) error {
	if len(key) == 0 {
		return errs.ErrKeyRequired
	}
	if len(key) > MaxKeySize {
		return errs.ErrKeyTooLarge
	}
	if !n.IsLeaf && childPgid == 0 {
		return fmt.Errorf("%w: branch put without child", errs.ErrInvalidPageFlags)
	}

	lookup := oldKey
	if lookup == nil {
		lookup = key
	}
	idx, exact := n.search(lookup)

	in := Inode{Flags: flags, ChildPgid: childPgid, Key: append([]byte{}, key...), Value: append([]byte{}, value...)}
	if exact {
		n.Inodes[idx] = in
		return nil
	}
	n.Inodes = append(n.Inodes, Inode{})
	copy(n.Inodes[idx+1:], n.Inodes[idx:])
	n.Inodes[idx] = in
	return nil
}

// Del removes the inode for key, if present, and marks the node unbalanced.
func (n *Node) Del(key []byte) bool {
	idx, exact := n.search(key)
	if !exact {
		return false
	}
	n.Inodes = append(n.Inodes[:idx], n.Inodes[idx+1:]...)
	n.Unbalanced = true
	return true
}

// Size computes the serialized byte size of the node.
func (n *Node) Size() int {
	size := elementsOffset
	elemSize := leafElementSize
	if !n.IsLeaf {
		elemSize = branchElementSize
	}
	for _, in := range n.Inodes {
		size += elemSize + len(in.Key)
		if n.IsLeaf {
			size += len(in.Value)
		}
	}
	return size
}

func (n *Node) sizeLessThan(limit int) bool {
	size := elementsOffset
	elemSize := leafElementSize
	if !n.IsLeaf {
		elemSize = branchElementSize
	}
	for _, in := range n.Inodes {
		size += elemSize + len(in.Key)
		if n.IsLeaf {
			size += len(in.Value)
		}
		if size >= limit {
			return false
		}
	}
	return true
}

// Read materializes a node's inodes from a page.
func Read(get PageGetter, p Page) *Node {
	n := &Node{get: get, Pgid: p.Id(), FillPercent: DefaultFillPercent}
	count := p.Count()
	if p.IsLeaf() {
		n.IsLeaf = true
		n.Inodes = make([]Inode, count)
		for i := uint16(0); i < count; i++ {
			in := &n.Inodes[i]
			in.Flags = p.LeafFlags(i)
			in.Key = append([]byte{}, p.LeafKey(i)...)
			in.Value = append([]byte{}, p.LeafValue(i)...)
		}
	} else if p.IsBranch() {
		n.IsLeaf = false
		n.Inodes = make([]Inode, count)
		for i := uint16(0); i < count; i++ {
			in := &n.Inodes[i]
			in.ChildPgid = p.BranchChildId(i)
			in.Key = append([]byte{}, p.BranchKey(i)...)
		}
	}
	if count > 0 {
		n.FirstKey = n.Inodes[0].Key
	}
	return n
}

// Write serializes the node into page p, which must be at least Size()
// bytes.
func (n *Node) Write(p Page) {
	p.SetId(n.Pgid)
	count := uint16(len(n.Inodes))
	if n.IsLeaf {
		p.SetFlags(LeafPageFlag)
	} else {
		p.SetFlags(BranchPageFlag)
	}
	p.SetCount(count)

	var dataOffset int
	if n.IsLeaf {
		dataOffset = p.LeafDataStart(count)
	} else {
		dataOffset = p.BranchDataStart(count)
	}
	for i, in := range n.Inodes {
		if n.IsLeaf {
			dataOffset += p.WriteLeafElement(uint16(i), in.Flags, in.Key, in.Value, dataOffset)
		} else {
			dataOffset += p.WriteBranchElement(uint16(i), in.ChildPgid, in.Key, dataOffset)
		}
	}
}

// Dereference copies every key/value this node (and its cached children,
// recursively) references into heap-owned buffers so a subsequent mmap
// remap cannot invalidate them.
func (n *Node) Dereference() {
	if n.FirstKey != nil {
		n.FirstKey = append([]byte{}, n.FirstKey...)
	}
	for i := range n.Inodes {
		n.Inodes[i].Key = append([]byte{}, n.Inodes[i].Key...)
		n.Inodes[i].Value = append([]byte{}, n.Inodes[i].Value...)
	}
	for _, c := range n.Children {
		c.Dereference()
	}
}

// PageAllocator allocates n contiguous pages and frees previously-allocated
// ones, both scoped to the transaction driving a spill.
type PageAllocator interface {
	Allocate(n int) (Page, error)
	Free(id Pgid, overflow uint32)
}

// Split splits the node if it exceeds pageSize, repeating on the new
// sibling until no further split applies. Returns the resulting nodes in
// left-to-right order; the first element is always n itself.
func (n *Node) Split(pageSize int) []*Node {
	nodes := []*Node{n}
	cur := n
	for {
		next := cur.splitOnce(pageSize)
		if next == nil {
			break
		}
		nodes = append(nodes, next)
		cur = next
	}
	return nodes
}

func (n *Node) splitOnce(pageSize int) *Node {
	minKeys := n.minKeys()
	if len(n.Inodes) < 2*minKeys || n.sizeLessThan(pageSize) {
		return nil
	}

	fillPercent := n.FillPercent
	if fillPercent < MinFillPercent {
		fillPercent = MinFillPercent
	}
	if fillPercent > MaxFillPercent {
		fillPercent = MaxFillPercent
	}
	threshold := int(float64(pageSize) * fillPercent)

	elemSize := leafElementSize
	if !n.IsLeaf {
		elemSize = branchElementSize
	}

	size := elementsOffset
	splitIndex := -1
	for i, in := range n.Inodes {
		entrySize := elemSize + len(in.Key)
		if n.IsLeaf {
			entrySize += len(in.Value)
		}
		// Split before adding the overflowing entry, so the first half's
		// size never exceeds threshold, and only at a point that leaves
		// both halves with at least minKeys entries.
		if i >= minKeys && len(n.Inodes)-i > minKeys && size+entrySize > threshold {
			splitIndex = i
			break
		}
		size += entrySize
	}
	if splitIndex == -1 {
		splitIndex = len(n.Inodes) - minKeys
	}
	if splitIndex < minKeys || splitIndex >= len(n.Inodes) {
		return nil
	}

	sibling := NewNode(n.get, n.IsLeaf)
	sibling.FillPercent = n.FillPercent
	sibling.Inodes = append([]Inode{}, n.Inodes[splitIndex:]...)
	n.Inodes = n.Inodes[:splitIndex]
	sibling.FirstKey = sibling.Inodes[0].Key
	n.FirstKey = n.Inodes[0].Key

	if n.Parent == nil {
		parent := NewNode(n.get, false)
		parent.Children = []*Node{n}
		n.Parent = parent
	}
	sibling.Parent = n.Parent
	idx := n.Parent.childIndex(n)
	rest := append([]*Node{sibling}, n.Parent.Children[idx+1:]...)
	n.Parent.Children = append(n.Parent.Children[:idx+1], rest...)

	return sibling
}
