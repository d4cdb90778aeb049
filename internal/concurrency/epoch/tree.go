// Licensed under the MIT License. See LICENSE file in the project root for details.

package epoch

import (
	"fmt"
	"iter"
	"math"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kianostad/epochgc/internal/concurrency/queue"
	"github.com/kianostad/epochgc/internal/concurrency/txn"
)

// ID identifies an epoch. Epochs are issued in strictly increasing order.
type ID uint64

// Unset is the sentinel for "no epoch".
const Unset ID = math.MaxUint64

// DefaultLeafCapacity bounds the number of completed transactions a single
// epoch can hold.
const DefaultLeafCapacity = 10000

// NodeKind tags the variant stored in a Node.
type NodeKind uint8

const (
	LeafNode NodeKind = iota
	InternalNode
)

func (k NodeKind) String() string {
	if k == LeafNode {
		return "leaf"
	}
	return "internal"
}

const (
	sealedRefs = math.MinInt64
	// heldRefs marks a leaf whose last reference was just released and whose
	// new publication is being written. Seal cannot claim it.
	heldRefs = math.MinInt64 + 1
)

// Leaf is the payload of a leaf node: one epoch, the number of running
// transactions inside it and the completed transactions waiting for it to
// drain.
type Leaf struct {
	epoch ID
	refs  atomic.Int64
	txns  *queue.Queue[*txn.Context]
}

// Epoch returns the epoch id of the leaf.
func (l *Leaf) Epoch() ID {
	return l.epoch
}

// RefCount returns the number of live references, or zero once sealed.
func (l *Leaf) RefCount() int64 {
	if n := l.refs.Load(); n > 0 {
		return n
	}
	return 0
}

// Sealed reports whether the leaf has been claimed for retirement.
func (l *Leaf) Sealed() bool {
	return l.refs.Load() == sealedRefs
}

// Acquire adds a reference. It fails once the leaf is sealed.
func (l *Leaf) Acquire() bool {
	for {
		n := l.refs.Load()
		if n == heldRefs {
			runtime.Gosched()
			continue
		}
		if n < 0 {
			return false
		}
		if l.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference and returns the remaining count. Releasing a
// leaf without references panics.
func (l *Leaf) Release() int64 {
	for {
		n := l.refs.Load()
		if n <= 0 {
			panic(fmt.Sprintf("epoch: release of epoch %d with reference count %d", l.epoch, max(n, 0)))
		}
		if l.refs.CompareAndSwap(n, n-1) {
			return n - 1
		}
	}
}

// ReleaseHeld drops a reference like Release. When it was the last one the
// leaf is left held instead of idle and true is returned; the caller must end
// the hold with Unhold once the leaf is republished.
func (l *Leaf) ReleaseHeld() bool {
	for {
		n := l.refs.Load()
		if n <= 0 {
			panic(fmt.Sprintf("epoch: release of epoch %d without a reference", l.epoch))
		}
		next := n - 1
		if next == 0 {
			next = heldRefs
		}
		if l.refs.CompareAndSwap(n, next) {
			return next == heldRefs
		}
	}
}

// Unhold makes a held leaf idle again.
func (l *Leaf) Unhold() {
	if !l.refs.CompareAndSwap(heldRefs, 0) {
		panic(fmt.Sprintf("epoch: unhold of epoch %d that is not held", l.epoch))
	}
}

// Seal claims a zero-reference leaf so that it can never be acquired again.
// A held leaf cannot be sealed.
func (l *Leaf) Seal() bool {
	return l.refs.CompareAndSwap(0, sealedRefs)
}

// Unseal returns a sealed leaf to the idle state. It is used when the claim
// turns out to rest on a stale publication.
func (l *Leaf) Unseal() bool {
	return l.refs.CompareAndSwap(sealedRefs, 0)
}

// Bind queues a completed transaction on the leaf. Exceeding the leaf
// capacity panics.
func (l *Leaf) Bind(c *txn.Context) {
	if !l.TryBind(c) {
		panic(fmt.Sprintf("epoch: epoch %d exceeded %d bound transactions", l.epoch, l.txns.Cap()))
	}
}

// TryBind is Bind without the panic: it reports whether c fit.
func (l *Leaf) TryBind(c *txn.Context) bool {
	return l.txns.Enqueue(c)
}

// Drain removes every bound transaction, calling fn for each.
func (l *Leaf) Drain(fn func(c *txn.Context)) int {
	n := 0
	for {
		c, ok := l.txns.Dequeue()
		if !ok {
			return n
		}
		fn(c)
		n++
	}
}

// Pending returns the number of bound transactions.
func (l *Leaf) Pending() int {
	return l.txns.Len()
}

// Node is a tree node. Leaf nodes carry a Leaf payload; internal nodes cover
// the epoch range [start, end] of their subtree.
type Node struct {
	kind   NodeKind
	parent *Node
	weight int

	start, end  ID
	left, right *Node

	leaf *Leaf
}

func (n *Node) Kind() NodeKind { return n.kind }
func (n *Node) Parent() *Node  { return n.parent }
func (n *Node) Left() *Node    { return n.left }
func (n *Node) Right() *Node   { return n.right }

// Leaf returns the leaf payload, or nil for internal nodes.
func (n *Node) Leaf() *Leaf {
	return n.leaf
}

// Start returns the first epoch covered by the node.
func (n *Node) Start() ID {
	if n.kind == LeafNode {
		return n.leaf.epoch
	}
	return n.start
}

// End returns the last epoch covered by the node.
func (n *Node) End() ID {
	if n.kind == LeafNode {
		return n.leaf.epoch
	}
	return n.end
}

// Weight returns the number of leaves below the node.
func (n *Node) Weight() int {
	if n == nil {
		return 0
	}
	return n.weight
}

// Empty reports whether an internal node has lost both children.
func (n *Node) Empty() bool {
	return n.kind == InternalNode && n.left == nil && n.right == nil
}

func (n *Node) String() string {
	if n.kind == LeafNode {
		return fmt.Sprintf("leaf(%d refs=%d pending=%d)", n.leaf.epoch, n.leaf.RefCount(), n.leaf.Pending())
	}
	return fmt.Sprintf("internal[%d,%d] weight=%d", n.start, n.end, n.weight)
}

// Tree is an append-only binary tree of epochs. New epochs are attached near
// the rightmost leaf at the shallowest point that keeps the tree close to
// weight-balanced, so no rotations are needed.
type Tree struct {
	mu           sync.RWMutex
	root         *Node
	rightmost    *Node
	maxEpoch     ID
	nodes        int
	leafCapacity int
}

// NewTree creates an empty tree whose leaves accept up to leafCapacity
// bound transactions.
func NewTree(leafCapacity int) *Tree {
	if leafCapacity <= 0 {
		leafCapacity = DefaultLeafCapacity
	}
	return &Tree{maxEpoch: Unset, leafCapacity: leafCapacity}
}

// Insert adds a leaf for id and returns it. Inserting an existing epoch
// returns the existing leaf. Epochs must be inserted in increasing order.
func (t *Tree) Insert(id ID) *Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := t.find(id); n != nil {
		return n
	}
	if t.maxEpoch != Unset && id <= t.maxEpoch {
		panic(fmt.Sprintf("epoch: insert of epoch %d at or below maximum %d", id, t.maxEpoch))
	}

	leaf := &Node{
		kind:   LeafNode,
		weight: 1,
		leaf:   &Leaf{epoch: id, txns: queue.NewBounded[*txn.Context](t.leafCapacity)},
	}
	t.maxEpoch = id
	t.nodes++

	if t.root == nil {
		t.root = leaf
		t.rightmost = leaf
		return leaf
	}

	climb := t.rightmost
	if climb == nil {
		climb = t.root
	}
	for climb.parent != nil {
		p := climb.parent
		if p.right != nil && p.right.Weight() < p.left.Weight() {
			break
		}
		climb = p
	}

	parent := climb.parent
	internal := &Node{
		kind:   InternalNode,
		parent: parent,
		start:  climb.Start(),
		end:    id,
		left:   climb,
		right:  leaf,
		weight: climb.Weight() + 1,
	}
	t.nodes++

	switch {
	case parent == nil:
		t.root = internal
	case parent.left == climb:
		parent.left = internal
	default:
		parent.right = internal
	}
	climb.parent = internal
	leaf.parent = internal

	for n := parent; n != nil; n = n.parent {
		n.weight = n.left.Weight() + n.right.Weight()
		n.end = id
	}

	t.rightmost = leaf
	return leaf
}

// Find returns the leaf node for id, or nil.
func (t *Tree) Find(id ID) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.find(id)
}

func (t *Tree) find(id ID) *Node {
	n := t.root
	for n != nil {
		if n.kind == LeafNode {
			if n.leaf.epoch == id {
				return n
			}
			return nil
		}
		if l := n.left; l != nil {
			if (l.kind == LeafNode && l.leaf.epoch == id) || (l.kind == InternalNode && id <= l.end) {
				n = l
				continue
			}
		}
		n = n.right
	}
	return nil
}

// Delete detaches node from the tree. It returns the former parent and
// whether that parent is now childless, so the caller can continue the
// cleanup towards the root. Internal nodes may only be deleted once empty.
func (t *Tree) Delete(node *Node) (parent *Node, parentEmpty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delete(node)
}

// DeleteIfEmpty deletes an internal node only if it is still childless.
func (t *Tree) DeleteIfEmpty(node *Node) (parent *Node, parentEmpty, deleted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !node.Empty() || (node.parent == nil && node != t.root) {
		return nil, false, false
	}
	parent, parentEmpty = t.delete(node)
	return parent, parentEmpty, true
}

func (t *Tree) delete(node *Node) (*Node, bool) {
	if node.kind == InternalNode && !node.Empty() {
		panic(fmt.Sprintf("epoch: delete of non-empty %v", node))
	}

	p := node.parent
	switch {
	case p == nil && node == t.root:
		t.root = nil
		t.rightmost = nil
	case p == nil:
		panic(fmt.Sprintf("epoch: delete of detached %v", node))
	case p.left == node:
		p.left = nil
	case p.right == node:
		p.right = nil
	default:
		panic(fmt.Sprintf("epoch: %v is not a child of its parent", node))
	}

	if node == t.rightmost {
		t.rightmost = nil
	}
	for n := p; n != nil; n = n.parent {
		n.weight = n.left.Weight() + n.right.Weight()
	}
	node.parent = nil
	t.nodes--

	if p == nil {
		return nil, false
	}
	return p, p.left == nil && p.right == nil
}

// Oldest returns the leaf with the smallest epoch, or nil.
func (t *Tree) Oldest() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stack []*Node
	if t.root != nil {
		stack = append(stack, t.root)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.kind == LeafNode {
			return n
		}
		if n.right != nil {
			stack = append(stack, n.right)
		}
		if n.left != nil {
			stack = append(stack, n.left)
		}
	}
	return nil
}

// Traverse yields every node in depth-first pre-order. The walk is lazy and
// each call starts from the current root.
func (t *Tree) Traverse() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		t.mu.RLock()
		root := t.root
		t.mu.RUnlock()

		var stack []*Node
		if root != nil {
			stack = append(stack, root)
		}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			t.mu.RLock()
			left, right := n.left, n.right
			t.mu.RUnlock()

			if !yield(n) {
				return
			}
			if right != nil {
				stack = append(stack, right)
			}
			if left != nil {
				stack = append(stack, left)
			}
		}
	}
}

// Root returns the root node, or nil when the tree is empty.
func (t *Tree) Root() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Rightmost returns the most recently inserted leaf if it is still present.
func (t *Tree) Rightmost() *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rightmost
}

// MaxEpoch returns the highest epoch ever inserted, or Unset.
func (t *Tree) MaxEpoch() ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.maxEpoch
}

// Len returns the number of live nodes, leaves and internal nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes
}

// String renders the tree, one node per line, indented by depth.
func (t *Tree) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.root == nil {
		return "(empty)\n"
	}
	var b strings.Builder
	var walk func(n *Node, depth int)
	walk = func(n *Node, depth int) {
		b.WriteString(strings.Repeat("  ", depth))
		if n == nil {
			b.WriteString("-\n")
			return
		}
		b.WriteString(n.String())
		b.WriteByte('\n')
		if n.kind == InternalNode {
			walk(n.left, depth+1)
			walk(n.right, depth+1)
		}
	}
	walk(t.root, 0)
	return b.String()
}
