// Package bplustree implements a keyed ordered index over page-resident
// nodes fetched through the buffer pool, with latch-crabbing concurrency
// control.
package bplustree

import (
	"encoding/binary"
	"fmt"

	"dbkernel/storage_engine/page"
	"dbkernel/types"
)

type nodeKind uint8

const (
	leafKind nodeKind = iota
	internalKind
)

// node is the in-memory decoding of a page's content. Internal nodes
// keep keys and children parallel: slot 0 carries
// a sentinel key (ignored by lookups) paired with the leftmost child;
// routing keys start at slot 1.
type node struct {
	pageID  int64
	kind    nodeKind
	parent  int64
	maxSize int

	keys   [][]byte
	values [][]byte // leaf only, parallel to keys
	next   int64    // leaf only

	children []int64 // internal only, parallel to keys (children[0] is the sentinel's pointer)
}

func newLeaf(pageID int64, maxSize int) *node {
	return &node{pageID: pageID, kind: leafKind, parent: types.InvalidPageID, next: types.InvalidPageID, maxSize: maxSize}
}

func newInternal(pageID int64, maxSize int) *node {
	return &node{pageID: pageID, kind: internalKind, parent: types.InvalidPageID, maxSize: maxSize}
}

func (n *node) isLeaf() bool { return n.kind == leafKind }
func (n *node) size() int    { return len(n.keys) }

// minSize is the occupancy floor for a non-root node: ceil(maxSize/2).
func (n *node) minSize() int { return (n.maxSize + 1) / 2 }

// isSafeForInsert holds iff mutating this node cannot force a split to
// propagate to its parent. A leaf splits as soon as it reaches maxSize,
// an internal node only once it exceeds maxSize.
func (n *node) isSafeForInsert() bool {
	if n.kind == leafKind {
		return n.size()+1 < n.maxSize
	}
	return n.size() < n.maxSize
}

// isSafeForRemove holds iff shrinking this node by one entry cannot force
// a coalesce/redistribute to propagate to its parent. Internal nodes need
// one extra entry of slack so a child merge cannot collapse this node
// below two children.
func (n *node) isSafeForRemove() bool {
	if n.size() <= n.minSize() {
		return false
	}
	if n.kind == internalKind && n.size() <= 2 {
		return false
	}
	return true
}

// isUnderflowing reports the actual post-removal occupancy violation that
// coalesceOrRedistribute must fix.
func (n *node) isUnderflowing() bool { return n.size() < n.minSize() }

// pageTypeFor reports the page-type tag set on the in-memory page for a
// node kind.
func pageTypeFor(k nodeKind) types.PageType {
	if k == leafKind {
		return types.PageTypeBPlusLeaf
	}
	return types.PageTypeBPlusInternal
}

// Node header layout:
//
//	kind (1) | size (4) | maxSize (4) | parent (8) | pageID (8) | next (8)
//
// followed by size entries. Leaf entries are (keyLen u16, key, valLen u16,
// val); internal entries are (keyLen u16, key, child int64).
const nodeHeaderSize = 1 + 4 + 4 + 8 + 8 + 8

func encodeNode(n *node, buf []byte) error {
	if len(buf) != types.PageSize {
		return fmt.Errorf("bplustree: page buffer must be %d bytes", types.PageSize)
	}
	off := 0
	buf[off] = byte(n.kind)
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(n.size()))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(n.maxSize))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(n.parent))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(n.pageID))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(n.next))
	off += 8

	for i, key := range n.keys {
		if off+2+len(key) > types.PageSize {
			return fmt.Errorf("bplustree: node page overflow writing key %d", i)
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(key)))
		off += 2
		off += copy(buf[off:], key)

		if n.kind == leafKind {
			val := n.values[i]
			if off+2+len(val) > types.PageSize {
				return fmt.Errorf("bplustree: node page overflow writing value %d", i)
			}
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(val)))
			off += 2
			off += copy(buf[off:], val)
		} else {
			if off+8 > types.PageSize {
				return fmt.Errorf("bplustree: node page overflow writing child %d", i)
			}
			binary.LittleEndian.PutUint64(buf[off:], uint64(n.children[i]))
			off += 8
		}
	}
	return nil
}

func decodeNode(buf []byte) (*node, error) {
	if len(buf) != types.PageSize {
		return nil, fmt.Errorf("bplustree: page buffer must be %d bytes", types.PageSize)
	}
	off := 0
	kind := nodeKind(buf[off])
	off++
	size := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	maxSize := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	parent := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	pageID := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	next := int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8

	n := &node{pageID: pageID, kind: kind, parent: parent, next: next, maxSize: maxSize}
	n.keys = make([][]byte, 0, size)
	if kind == leafKind {
		n.values = make([][]byte, 0, size)
	} else {
		n.children = make([]int64, 0, size)
	}

	for i := 0; i < size; i++ {
		if off+2 > types.PageSize {
			return nil, fmt.Errorf("bplustree: node page overflow reading key %d length", i)
		}
		keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+keyLen > types.PageSize {
			return nil, fmt.Errorf("bplustree: node page overflow reading key %d", i)
		}
		key := make([]byte, keyLen)
		copy(key, buf[off:off+keyLen])
		off += keyLen
		n.keys = append(n.keys, key)

		if kind == leafKind {
			if off+2 > types.PageSize {
				return nil, fmt.Errorf("bplustree: node page overflow reading value %d length", i)
			}
			valLen := int(binary.LittleEndian.Uint16(buf[off:]))
			off += 2
			if off+valLen > types.PageSize {
				return nil, fmt.Errorf("bplustree: node page overflow reading value %d", i)
			}
			val := make([]byte, valLen)
			copy(val, buf[off:off+valLen])
			off += valLen
			n.values = append(n.values, val)
		} else {
			if off+8 > types.PageSize {
				return nil, fmt.Errorf("bplustree: node page overflow reading child %d", i)
			}
			n.children = append(n.children, int64(binary.LittleEndian.Uint64(buf[off:])))
			off += 8
		}
	}
	return n, nil
}

// encodeAndMark writes n back into pg's content and marks pg dirty. It
// does not unpin; callers own the pin/unlock lifecycle.
func encodeAndMark(pg *page.Page, n *node) error {
	if err := encodeNode(n, pg.Data); err != nil {
		return err
	}
	pg.IsDirty = true
	pg.PageType = pageTypeFor(n.kind)
	return nil
}

// leafSearch returns the slot for key: (idx, true) on an exact match, or
// (insertion point, false) if absent.
func leafSearch(n *node, key []byte, cmp func(a, b []byte) int) (int, bool) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if cmp(n.keys[mid], key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(n.keys) && cmp(n.keys[lo], key) == 0 {
		return lo, true
	}
	return lo, false
}

// internalLookup finds the largest slot i >= 1 with keys[i] <= key and
// returns children[i], or children[0] if key < keys[1].
func internalLookup(n *node, key []byte, cmp func(a, b []byte) int) int64 {
	if len(n.keys) <= 1 {
		return n.children[0]
	}
	lo, hi := 1, len(n.keys)
	for lo < hi {
		mid := lo + (hi-lo)/2
		if cmp(n.keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	// lo is the first index with keys[lo] > key (or len(keys)); the slot we
	// want is lo-1.
	if lo-1 < 1 {
		return n.children[0]
	}
	return n.children[lo-1]
}

// indexOfChild returns the slot holding childID, or -1.
func indexOfChild(n *node, childID int64) int {
	for i, c := range n.children {
		if c == childID {
			return i
		}
	}
	return -1
}

func insertLeafEntry(n *node, idx int, key, value []byte) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.values = append(n.values, nil)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = value
}

func removeLeafEntry(n *node, idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.values = append(n.values[:idx], n.values[idx+1:]...)
}

func insertInternalEntry(n *node, idx int, key []byte, childID int64) {
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.children = append(n.children, 0)
	copy(n.children[idx+1:], n.children[idx:])
	n.children[idx] = childID
}

func removeInternalEntry(n *node, idx int) {
	n.keys = append(n.keys[:idx], n.keys[idx+1:]...)
	n.children = append(n.children[:idx], n.children[idx+1:]...)
}
