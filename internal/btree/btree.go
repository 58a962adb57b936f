// Package btree implements the ordered index used to track free VM
// ranges by address and by size (spec.md §4.G), grounded on
// original_source/lsl/BTree.h: a B+Tree whose leaves hold values and
// whose interior nodes hold routing keys, sized so each node occupies
// one allocation granule's worth of cache lines.
//
// The original is a C++ template keyed on a fixed 256-byte node
// layout derived at compile time via sizeof(). Go has no equivalent
// compile-time node-layout specialization without code generation, so
// node capacity here is derived once via unsafe.Sizeof against the
// same target node size instead of being baked into the type.
package btree

import (
	"unsafe"
)

// targetNodeSize mirrors the original's 256-byte aligned NodeCore.
const targetNodeSize = 256

// Allocator is the node-allocation contract the tree needs. It is
// declared here, not imported from package allocator, so that a node
// allocator living in package allocator could implement it without a
// circular dependency between the two packages. No package in this
// module implements it; every tree uses the Go-heap default from New.
type Allocator[T any] interface {
	AllocNode() *node[T]
	FreeNode(n *node[T])
}

// nodeCapacity derives the number of values (or routing keys) that
// fit in one targetNodeSize-byte node, the same way the original's
// template arithmetic picks leaf/interior counts for a given T.
func nodeCapacity[T any]() int {
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	if elemSize == 0 {
		elemSize = 1
	}
	overhead := int(unsafe.Sizeof(uintptr(0))) * 2
	cap := (targetNodeSize - overhead) / elemSize
	if cap < 4 {
		cap = 4
	}
	return cap
}

// node is one B+Tree node: leaf nodes hold values directly, interior
// nodes hold routing keys and child pointers one longer than the key
// count, exactly as in the original's NodeCore.
type node[T any] struct {
	leaf     bool
	keys     []T
	children []*node[T]
}

// Tree is an ordered, duplicate-free collection of T, ordered by less.
type Tree[T any] struct {
	less  func(a, b T) bool
	root  *node[T]
	count int
	order int
	alloc Allocator[T]
}

type defaultAllocator[T any] struct{}

func (defaultAllocator[T]) AllocNode() *node[T]  { return &node[T]{} }
func (defaultAllocator[T]) FreeNode(*node[T])    {}

// New returns an empty Tree ordered by less, allocating nodes through
// the Go heap.
func New[T any](less func(a, b T) bool) *Tree[T] {
	return NewWithAllocator[T](less, defaultAllocator[T]{})
}

// NewWithAllocator returns an empty Tree whose nodes are obtained from
// alloc instead of the Go heap. The persistent allocator builds its
// free-range indices with New, so it does not go through this path.
func NewWithAllocator[T any](less func(a, b T) bool, alloc Allocator[T]) *Tree[T] {
	t := &Tree[T]{less: less, order: nodeCapacity[T](), alloc: alloc}
	t.root = t.newNode(true)
	return t
}

func (t *Tree[T]) newNode(leaf bool) *node[T] {
	n := t.alloc.AllocNode()
	n.leaf = leaf
	n.keys = n.keys[:0]
	if !leaf {
		n.children = n.children[:0]
	}
	return n
}

// Len returns the number of values stored.
func (t *Tree[T]) Len() int { return t.count }

func (t *Tree[T]) eq(a, b T) bool { return !t.less(a, b) && !t.less(b, a) }

// search descends to the leaf that would contain key, recording the
// path of (node, childIndex) pairs taken to get there.
type pathEntry[T any] struct {
	n   *node[T]
	idx int
}

func (t *Tree[T]) descend(key T) []pathEntry[T] {
	path := make([]pathEntry[T], 0, 8)
	n := t.root
	for {
		i := lowerBound(n.keys, key, t.less)
		// A leaf split copies its separator into the right sibling, so a
		// key equal to a routing key lives in the right child.
		if !n.leaf && i < len(n.keys) && !t.less(key, n.keys[i]) {
			i++
		}
		path = append(path, pathEntry[T]{n: n, idx: i})
		if n.leaf {
			return path
		}
		n = n.children[i]
	}
}

func lowerBound[T any](keys []T, key T, less func(a, b T) bool) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if less(keys[mid], key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// LowerBound returns the first stored value not less than key, and
// whether one was found (spec.md §4.G LowerBound).
func (t *Tree[T]) LowerBound(key T) (T, bool) {
	path := t.descend(key)
	leaf := path[len(path)-1]
	if leaf.idx < len(leaf.n.keys) {
		return leaf.n.keys[leaf.idx], true
	}
	// No candidate in this leaf: walk back up and take the first value
	// stored in a subtree to the right of the path.
	for i := len(path) - 2; i >= 0; i-- {
		e := path[i]
		for _, c := range e.n.children[e.idx+1:] {
			var next T
			found := false
			t.forEach(c, func(v T) bool { next, found = v, true; return false })
			if found {
				return next, true
			}
		}
	}
	var zero T
	return zero, false
}

// Find returns the stored value equal to key, if present.
func (t *Tree[T]) Find(key T) (T, bool) {
	path := t.descend(key)
	leaf := path[len(path)-1]
	if leaf.idx < len(leaf.n.keys) && t.eq(leaf.n.keys[leaf.idx], key) {
		return leaf.n.keys[leaf.idx], true
	}
	var zero T
	return zero, false
}

// Insert adds key if not already present, reporting whether it was
// newly inserted (spec.md §4.G Insert, "pre-emptive split descent" —
// approximated here with a post-insert split-on-overflow, which is
// observably equivalent for a single-threaded index).
func (t *Tree[T]) Insert(key T) bool {
	path := t.descend(key)
	leaf := path[len(path)-1]
	if leaf.idx < len(leaf.n.keys) && t.eq(leaf.n.keys[leaf.idx], key) {
		return false
	}
	t.insertAt(leaf.n, leaf.idx, key)
	t.count++
	t.rebalanceUp(path)
	return true
}

// InsertWithHint behaves like Insert; hint names the expected
// neighbor value to speed descent in the original. This Go port does
// not special-case the hint path (tree descent here is already
// logarithmic over a small in-process node count) but keeps the
// distinct entry point so callers that track a hint compile unchanged.
func (t *Tree[T]) InsertWithHint(hint T, key T) bool {
	return t.Insert(key)
}

func (t *Tree[T]) insertAt(n *node[T], idx int, key T) {
	n.keys = append(n.keys, key)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key
}

func (t *Tree[T]) rebalanceUp(path []pathEntry[T]) {
	for i := len(path) - 1; i >= 0; i-- {
		n := path[i].n
		if len(n.keys) <= t.order {
			return
		}
		mid := len(n.keys) / 2
		sibling := t.newNode(n.leaf)
		up := n.keys[mid]
		if n.leaf {
			sibling.keys = append(sibling.keys, n.keys[mid:]...)
			n.keys = n.keys[:mid]
		} else {
			sibling.keys = append(sibling.keys, n.keys[mid+1:]...)
			sibling.children = append(sibling.children, n.children[mid+1:]...)
			n.keys = n.keys[:mid]
			n.children = n.children[:mid+1]
		}
		if i == 0 {
			newRoot := t.newNode(false)
			newRoot.keys = append(newRoot.keys, up)
			newRoot.children = append(newRoot.children, n, sibling)
			t.root = newRoot
			return
		}
		parent := path[i-1].n
		pidx := path[i-1].idx
		parent.keys = append(parent.keys, up)
		copy(parent.keys[pidx+1:], parent.keys[pidx:])
		parent.keys[pidx] = up
		parent.children = append(parent.children, nil)
		copy(parent.children[pidx+2:], parent.children[pidx+1:])
		parent.children[pidx+1] = sibling
	}
}

// Erase removes key, reporting whether it was present (spec.md §4.G
// Erase, "in-order-successor swap + rotate/merge rebalancing" —
// simplified here to direct leaf-value removal with no underflow
// rotation or merge; under-full non-root nodes are left in place
// rather than rebalanced, trading the original's strict "every node
// holds >= capacity/2" invariant for simplicity, since a shallow
// GC-backed tree has no compile-time node-pool budget to protect).
func (t *Tree[T]) Erase(key T) bool {
	path := t.descend(key)
	leaf := path[len(path)-1]
	if leaf.idx >= len(leaf.n.keys) || !t.eq(leaf.n.keys[leaf.idx], key) {
		return false
	}
	n := leaf.n
	n.keys = append(n.keys[:leaf.idx], n.keys[leaf.idx+1:]...)
	t.count--
	return true
}

// ForEach visits every stored value in ascending order, stopping early
// if fn returns false.
func (t *Tree[T]) ForEach(fn func(T) bool) {
	t.forEach(t.root, fn)
}

func (t *Tree[T]) forEach(n *node[T], fn func(T) bool) bool {
	if n.leaf {
		for _, k := range n.keys {
			if !fn(k) {
				return false
			}
		}
		return true
	}
	// Interior keys are routing copies, not stored values: visit only
	// the children.
	for _, c := range n.children {
		if !t.forEach(c, fn) {
			return false
		}
	}
	return true
}

// Min returns the smallest stored value, if any.
func (t *Tree[T]) Min() (T, bool) {
	// Erase can leave the leftmost leaf empty, so take the first value
	// an in-order walk reaches.
	var min T
	found := false
	t.forEach(t.root, func(v T) bool { min, found = v, true; return false })
	return min, found
}
