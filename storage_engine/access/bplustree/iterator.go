package bplustree

import (
	"dbkernel/storage_engine/page"
	"dbkernel/types"
)

// Iterator walks (key, value) pairs in ascending order across the leaf
// chain. It holds a shared latch on at most one leaf at a time, handing
// off to the next leaf via next pointers.
type Iterator struct {
	t    *BPlusTree
	pg   *page.Page
	leaf *node
	idx  int
	err  error
}

// Begin returns an iterator positioned at the first key of the tree.
func (t *BPlusTree) Begin() (*Iterator, error) {
	return t.BeginAt(nil)
}

// BeginAt returns an iterator positioned at the first key >= key,
// visiting each key exactly once in ascending order. A nil or empty key
// starts at the leftmost leaf entry.
func (t *BPlusTree) BeginAt(key []byte) (*Iterator, error) {
	t.rootLatch.RLock()
	root := t.root
	if root == types.InvalidPageID {
		t.rootLatch.RUnlock()
		return &Iterator{t: t}, nil
	}

	pg, n, err := t.fetchNode(root)
	if err != nil {
		t.rootLatch.RUnlock()
		return nil, err
	}
	pg.RLock()
	t.rootLatch.RUnlock()

	for !n.isLeaf() {
		var childID int64
		if len(key) == 0 {
			childID = n.children[0]
		} else {
			childID = internalLookup(n, key, t.cmp)
		}
		childPg, childNode, err := t.fetchNode(childID)
		if err != nil {
			pg.RUnlock()
			t.bp.UnpinPage(pg.ID, false)
			return nil, err
		}
		childPg.RLock()
		pg.RUnlock()
		t.bp.UnpinPage(pg.ID, false)
		pg, n = childPg, childNode
	}

	idx := 0
	if len(key) > 0 {
		idx, _ = leafSearch(n, key, t.cmp)
	}

	it := &Iterator{t: t, pg: pg, leaf: n, idx: idx}
	if idx >= len(n.keys) {
		it.crossToNext()
	}
	return it, nil
}

// Valid reports whether Key/Value return a live entry.
func (it *Iterator) Valid() bool {
	return it.leaf != nil && it.idx < len(it.leaf.keys)
}

// Key returns the current entry's key. Valid must hold.
func (it *Iterator) Key() []byte { return it.leaf.keys[it.idx] }

// Value returns the current entry's value. Valid must hold.
func (it *Iterator) Value() []byte { return it.leaf.values[it.idx] }

// Err returns the first error encountered while advancing, if any.
func (it *Iterator) Err() error { return it.err }

// Next advances to the following entry, crossing into the sibling leaf
// via its next pointer when the current leaf is exhausted, and returns
// false once the scan is done or an error occurred.
func (it *Iterator) Next() bool {
	if it.err != nil || it.leaf == nil {
		return false
	}
	it.idx++
	if it.idx < len(it.leaf.keys) {
		return true
	}
	it.crossToNext()
	return it.Valid()
}

// crossToNext releases the current leaf and follows next pointers until
// it lands on a non-empty leaf or runs out of tree.
func (it *Iterator) crossToNext() {
	for {
		nextID := it.leaf.next
		it.releaseCurrent()
		if nextID == types.InvalidPageID {
			it.leaf = nil
			return
		}

		pg, n, err := it.t.fetchNode(nextID)
		if err != nil {
			it.err = err
			it.leaf = nil
			return
		}
		pg.RLock()
		it.pg, it.leaf, it.idx = pg, n, 0
		if len(n.keys) > 0 {
			return
		}
	}
}

// Close releases the latch on whichever leaf the iterator is currently
// holding. Safe to call multiple times.
func (it *Iterator) Close() {
	it.releaseCurrent()
	it.leaf = nil
}

func (it *Iterator) releaseCurrent() {
	if it.pg == nil {
		return
	}
	it.pg.RUnlock()
	it.t.bp.UnpinPage(it.pg.ID, false)
	it.pg = nil
}
