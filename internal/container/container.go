// Package container provides the ordered-collection adaptors built on
// top of internal/btree (spec.md §4.H), grounded on
// original_source/lsl/Vector.h and the Set/Map usage patterns
// throughout original_source/lsl/*.cpp.
package container

import "github.com/cloudkite-dev/atlasrt/internal/btree"

// SortedSet is a duplicate-free ordered set of T.
type SortedSet[T any] struct {
	tree *btree.Tree[T]
}

// NewSortedSet returns an empty SortedSet ordered by less.
func NewSortedSet[T any](less func(a, b T) bool) *SortedSet[T] {
	return &SortedSet[T]{tree: btree.New[T](less)}
}

func (s *SortedSet[T]) Insert(v T) bool      { return s.tree.Insert(v) }
func (s *SortedSet[T]) Erase(v T) bool       { return s.tree.Erase(v) }
func (s *SortedSet[T]) Contains(v T) bool    { _, ok := s.tree.Find(v); return ok }
func (s *SortedSet[T]) Len() int             { return s.tree.Len() }
func (s *SortedSet[T]) LowerBound(v T) (T, bool) { return s.tree.LowerBound(v) }

// ForEach visits every member in ascending order.
func (s *SortedSet[T]) ForEach(fn func(T) bool) { s.tree.ForEach(fn) }

// entry is the (key, value) pair stored in a SortedMap's backing tree.
type entry[K, V any] struct {
	key K
	val V
}

// SortedMap is an ordered key/value map, keyed by K and compared with
// the caller-supplied less.
type SortedMap[K, V any] struct {
	tree *btree.Tree[entry[K, V]]
	less func(a, b K) bool
}

// NewSortedMap returns an empty SortedMap ordered by less over keys.
func NewSortedMap[K, V any](less func(a, b K) bool) *SortedMap[K, V] {
	m := &SortedMap[K, V]{less: less}
	m.tree = btree.New[entry[K, V]](func(a, b entry[K, V]) bool {
		return less(a.key, b.key)
	})
	return m
}

// Set inserts or replaces the value stored for key.
func (m *SortedMap[K, V]) Set(key K, val V) {
	m.tree.Erase(entry[K, V]{key: key})
	m.tree.Insert(entry[K, V]{key: key, val: val})
}

// Get returns the value stored for key, if any.
func (m *SortedMap[K, V]) Get(key K) (V, bool) {
	e, ok := m.tree.Find(entry[K, V]{key: key})
	return e.val, ok
}

// Delete removes key, reporting whether it was present.
func (m *SortedMap[K, V]) Delete(key K) bool {
	return m.tree.Erase(entry[K, V]{key: key})
}

// Len returns the number of stored key/value pairs.
func (m *SortedMap[K, V]) Len() int { return m.tree.Len() }

// ForEach visits every (key, value) pair in ascending key order.
func (m *SortedMap[K, V]) ForEach(fn func(K, V) bool) {
	m.tree.ForEach(func(e entry[K, V]) bool { return fn(e.key, e.val) })
}

// Vector is a power-of-two-growth dynamic array, mirroring
// original_source/lsl/Vector.h's reserve/push_back/insert/erase
// contract without the C++ move/copy-assignment machinery Go doesn't
// need (slices already have value semantics for structs, and the Go
// runtime already growth-doubles on append).
type Vector[T any] struct {
	data []T
}

// NewVector returns an empty Vector with room for at least capacity
// elements pre-reserved.
func NewVector[T any](capacity int) *Vector[T] {
	return &Vector[T]{data: make([]T, 0, capacity)}
}

// Reserve grows the backing array's capacity to at least n, doubling
// as needed rather than reallocating to the exact requested size.
func (v *Vector[T]) Reserve(n int) {
	if cap(v.data) >= n {
		return
	}
	newCap := cap(v.data)
	if newCap == 0 {
		newCap = 1
	}
	for newCap < n {
		newCap *= 2
	}
	grown := make([]T, len(v.data), newCap)
	copy(grown, v.data)
	v.data = grown
}

// PushBack appends v, growing the backing array if necessary.
func (v *Vector[T]) PushBack(val T) {
	v.data = append(v.data, val)
}

// Insert places val at index idx, shifting later elements right.
func (v *Vector[T]) Insert(idx int, val T) {
	var zero T
	v.data = append(v.data, zero)
	copy(v.data[idx+1:], v.data[idx:])
	v.data[idx] = val
}

// Erase removes the element at idx, shifting later elements left.
func (v *Vector[T]) Erase(idx int) {
	v.data = append(v.data[:idx], v.data[idx+1:]...)
}

// At returns the element at idx.
func (v *Vector[T]) At(idx int) T { return v.data[idx] }

// Len returns the number of elements held.
func (v *Vector[T]) Len() int { return len(v.data) }

// Slice returns the live backing slice; callers must not retain it
// across further mutation of v.
func (v *Vector[T]) Slice() []T { return v.data }
